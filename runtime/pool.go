package runtime

import (
	"github.com/sbl8/tapeworks/core"
	"github.com/sbl8/tapeworks/model"
)

// StackPool manages reusable private stacks for parallel chunks.
type StackPool struct {
	stacks chan []float64
	size   int
}

// NewStackPool creates a pool of poolSize stacks of size slots each.
func NewStackPool(poolSize, size int) *StackPool {
	sp := &StackPool{
		stacks: make(chan []float64, poolSize),
		size:   size,
	}
	for i := 0; i < poolSize; i++ {
		sp.stacks <- core.AlignedFloats(size)
	}
	return sp
}

// Get returns a stack from the pool or allocates a new one. Its contents are
// unspecified.
func (sp *StackPool) Get() []float64 {
	select {
	case s := <-sp.stacks:
		return s
	default:
		return core.AlignedFloats(sp.size)
	}
}

// Put returns a stack to the pool.
func (sp *StackPool) Put(s []float64) {
	if len(s) != sp.size {
		return
	}
	select {
	case sp.stacks <- s:
	default:
		// Pool full, let GC handle it
	}
}

// ArenaPool manages reusable run arenas for one program.
type ArenaPool struct {
	arenas chan *Arena
	prog   *model.Program
}

// NewArenaPool creates an empty pool holding up to poolSize arenas.
func NewArenaPool(p *model.Program, poolSize int) *ArenaPool {
	return &ArenaPool{arenas: make(chan *Arena, poolSize), prog: p}
}

// Get returns an arena from the pool or lays out a new one.
func (ap *ArenaPool) Get() *Arena {
	select {
	case a := <-ap.arenas:
		return a
	default:
		// minArenaSize always fits, so NewArena cannot fail here.
		a, _ := NewArena(ap.prog, 0)
		return a
	}
}

// Put returns an arena to the pool.
func (ap *ArenaPool) Put(a *Arena) {
	select {
	case ap.arenas <- a:
	default:
	}
}
