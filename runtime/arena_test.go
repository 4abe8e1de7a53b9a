package runtime

import (
	"testing"
	"unsafe"

	"github.com/sbl8/tapeworks/compiler"
	"github.com/sbl8/tapeworks/core"
	"github.com/sbl8/tapeworks/model"
)

func arenaProgram(t *testing.T) *model.Program {
	t.Helper()
	const tape = `
reserve 3
load $a 0
load $b 2
newzero $c
acc 1 $a
acc 1 $b
`
	p, _, err := compiler.ParseTape([]byte(tape), compiler.RecorderOptions{Ordered: true})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewArena(t *testing.T) {
	t.Parallel()
	p := arenaProgram(t)

	a, err := NewArena(p, 0)
	if err != nil {
		t.Fatalf("NewArena failed: %v", err)
	}
	tests := []struct {
		name   string
		offset int
		size   int
	}{
		{RegionStack, 0, p.StackSize()},
		{RegionSources, 8, 2},
		{RegionDestinations, 16, 2},
		{RegionFreeTail, 24, 0},
	}
	for _, tt := range tests {
		r, ok := a.Region(tt.name)
		if !ok {
			t.Errorf("%s region not found", tt.name)
			continue
		}
		if r.Offset != tt.offset || r.Size != tt.size {
			t.Errorf("%s: got offset %d size %d, want offset %d size %d", tt.name, r.Offset, r.Size, tt.offset, tt.size)
		}
	}
	if got := a.TotalSize(); got != 24 {
		t.Errorf("total size: got %d, want 24", got)
	}
	if got := a.UsedSize(); got != 24 {
		t.Errorf("used size: got %d, want 24", got)
	}
}

func TestArenaAlignment(t *testing.T) {
	t.Parallel()
	a, err := NewArena(arenaProgram(t), 100)
	if err != nil {
		t.Fatal(err)
	}
	if got := a.TotalSize(); got != core.AlignSize(100, core.SlotsPerLine) {
		t.Errorf("total size: got %d, want %d", got, core.AlignSize(100, core.SlotsPerLine))
	}
	for _, s := range [][]float64{a.Stack(), a.Sources(), a.Destinations()} {
		if addr := uintptr(unsafe.Pointer(&s[0])); !core.IsAligned(addr) {
			t.Errorf("region at %#x is not cache-line aligned", addr)
		}
	}
	if r, _ := a.Region(RegionFreeTail); r.Size != 104-24 {
		t.Errorf("free tail: got %d, want %d", r.Size, 104-24)
	}
}

func TestArenaTooSmall(t *testing.T) {
	t.Parallel()
	if _, err := NewArena(arenaProgram(t), 8); err == nil {
		t.Error("expected error for undersized arena")
	}
	if _, err := NewArena(nil, 0); err == nil {
		t.Error("expected error for nil program")
	}
}

func TestArenaLoadStore(t *testing.T) {
	t.Parallel()
	a, err := NewArena(arenaProgram(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	stack := a.Stack()
	for i := range stack {
		stack[i] = 99
	}

	data := []float64{1, 2, 3}
	a.Load(data, 3)
	want := []float64{1, 2, 3, 0, 0, 0}
	if !sameFloats(stack, want) {
		t.Errorf("after load: got %v, want %v", stack, want)
	}

	stack[1] = 20
	stack[4] = 40
	a.Store(data, 3)
	if want := []float64{1, 20, 3}; !sameFloats(data, want) {
		t.Errorf("after store: got %v, want %v", data, want)
	}
}

func TestStackPool(t *testing.T) {
	t.Parallel()
	sp := NewStackPool(1, 5)
	s := sp.Get()
	if len(s) != 5 {
		t.Fatalf("len: got %d, want 5", len(s))
	}
	extra := sp.Get()
	sp.Put(s)
	sp.Put(extra)
	sp.Put(make([]float64, 3))
	if got := sp.Get(); &got[0] != &s[0] {
		t.Error("pooled stack was not reused")
	}
}

func TestArenaPool(t *testing.T) {
	t.Parallel()
	ap := NewArenaPool(arenaProgram(t), 1)
	a := ap.Get()
	if a == nil {
		t.Fatal("nil arena")
	}
	ap.Put(a)
	if got := ap.Get(); got != a {
		t.Error("pooled arena was not reused")
	}
}
