package runtime

import (
	"errors"
	"fmt"

	"github.com/sbl8/tapeworks/core"
	"github.com/sbl8/tapeworks/model"
)

// Region names.
const (
	RegionStack        = "Stack"
	RegionSources      = "Sources"
	RegionDestinations = "Destinations"
	RegionFreeTail     = "FreeTail"
)

// ArenaRegion is a distinct range of slots within the Arena.
type ArenaRegion struct {
	Offset int
	Size   int
	Name   string
}

// Arena holds the mutable state of one run in a single cache-aligned slab:
//  1. Stack (virtual stack: reserved data slots, then scratch)
//  2. Sources (ordered source snapshot)
//  3. Destinations (ordered destination accumulators)
//  4. Free tail (head-room left by a caller-provided size)
//
// Every region starts on a cache line. An arena is not safe for concurrent
// runs; the engine hands each run its own.
type Arena struct {
	buffer       []float64
	regions      map[string]ArenaRegion
	stack        ArenaRegion
	sources      ArenaRegion
	destinations ArenaRegion
	freeTail     ArenaRegion
}

// NewArena lays out an arena for p. totalSize is in slots; zero means exactly
// what p needs.
func NewArena(p *model.Program, totalSize int) (*Arena, error) {
	if p == nil {
		return nil, errors.New("program cannot be nil")
	}
	need := minArenaSize(p)
	if totalSize == 0 {
		totalSize = need
	}
	totalSize = core.AlignSize(totalSize, core.SlotsPerLine)
	if totalSize < need {
		return nil, fmt.Errorf("arena size %d is less than minimum required size %d", totalSize, need)
	}

	a := &Arena{
		buffer:  core.AlignedFloats(totalSize),
		regions: make(map[string]ArenaRegion, 4),
	}
	off := 0
	off = a.layout(&a.stack, RegionStack, off, p.StackSize())
	off = a.layout(&a.sources, RegionSources, off, len(p.SourceIndices))
	off = a.layout(&a.destinations, RegionDestinations, off, len(p.DestinationIndices))
	a.layout(&a.freeTail, RegionFreeTail, off, totalSize-off)
	return a, nil
}

func minArenaSize(p *model.Program) int {
	line := func(n int) int { return core.AlignSize(n, core.SlotsPerLine) }
	return line(p.StackSize()) + line(len(p.SourceIndices)) + line(len(p.DestinationIndices))
}

// layout records a region of size slots at off and returns the next aligned
// offset.
func (a *Arena) layout(r *ArenaRegion, name string, off, size int) int {
	*r = ArenaRegion{Offset: off, Size: size, Name: name}
	a.regions[name] = *r
	return off + core.AlignSize(size, core.SlotsPerLine)
}

func (a *Arena) slice(r ArenaRegion) []float64 {
	return a.buffer[r.Offset : r.Offset+r.Size : r.Offset+r.Size]
}

// Region returns the named region.
func (a *Arena) Region(name string) (ArenaRegion, bool) {
	r, ok := a.regions[name]
	return r, ok
}

// Stack returns the virtual stack region.
func (a *Arena) Stack() []float64 { return a.slice(a.stack) }

// Sources returns the ordered source region.
func (a *Arena) Sources() []float64 { return a.slice(a.sources) }

// Destinations returns the ordered destination region.
func (a *Arena) Destinations() []float64 { return a.slice(a.destinations) }

// Load copies the reserved prefix of data into the stack and zeroes scratch.
func (a *Arena) Load(data []float64, reserved int) {
	s := a.Stack()
	copy(s, data[:reserved])
	clear(s[reserved:])
}

// Store copies the reserved stack prefix back into data.
func (a *Arena) Store(data []float64, reserved int) {
	copy(data[:reserved], a.Stack()[:reserved])
}

// TotalSize returns the arena size in slots.
func (a *Arena) TotalSize() int { return len(a.buffer) }

// UsedSize returns the slots covered by regions other than the free tail.
func (a *Arena) UsedSize() int { return a.freeTail.Offset }
