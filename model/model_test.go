package model

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sbl8/tapeworks/core"
)

// scenarioProgram builds the two-source, three-destination program used
// throughout the package tests.
func scenarioProgram(t *testing.T) *Program {
	t.Helper()
	cmds := []core.Command{
		core.NextSource(0),
		core.NextSource(1),
		core.EqualsValue(0, 0),
		core.If(),
		core.NextDestination(0),
		core.NextDestination(1),
		core.EndIf(),
		core.NextDestination(1),
	}
	ids := NewIDCounter(1)
	root := &Chunk{ID: ids.Next(), Name: "root", Kind: KindContainer, EndCmd: len(cmds), EndSrc: 2, EndDst: 3}
	root.AddChild(&Chunk{ID: ids.Next(), Name: "body", Kind: KindLeaf, EndCmd: len(cmds), EndSrc: 2, EndDst: 3})

	p := NewProgram(cmds, root, 2, []int{0, 1}, []int{0, 1, 1})
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return p
}

func TestBuildTables(t *testing.T) {
	t.Parallel()
	p := scenarioProgram(t)

	if p.Match[3] != 6 || p.Match[6] != 3 {
		t.Errorf("Match[3], Match[6] = %d, %d, want 6, 3", p.Match[3], p.Match[6])
	}
	if p.Match[0] != NoMatch {
		t.Errorf("Match[0] = %d, want NoMatch", p.Match[0])
	}
	if got := p.SourcesIn(0, len(p.Commands)); got != 2 {
		t.Errorf("SourcesIn(all) = %d, want 2", got)
	}
	if got := p.DestinationsIn(4, 6); got != 2 {
		t.Errorf("DestinationsIn(4, 6) = %d, want 2", got)
	}
	if got := p.DestinationsIn(0, 4); got != 0 {
		t.Errorf("DestinationsIn(0, 4) = %d, want 0", got)
	}
	if p.StackSize() != 2 {
		t.Errorf("StackSize() = %d, want 2", p.StackSize())
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(p *Program)
	}{
		{
			name: "unmatched if",
			mutate: func(p *Program) {
				p.Commands[6] = core.Blank()
				p.BuildTables()
			},
		},
		{
			name: "leaf port count",
			mutate: func(p *Program) {
				p.Root.Children[0].EndSrc = 1
			},
		},
		{
			name: "ordered list length",
			mutate: func(p *Program) {
				p.DestinationIndices = p.DestinationIndices[:2]
			},
		},
		{
			name: "duplicate id",
			mutate: func(p *Program) {
				p.Root.Children[0].ID = p.Root.ID
			},
		},
		{
			name: "child escapes parent",
			mutate: func(p *Program) {
				p.Root.EndCmd = 4
			},
		},
		{
			name: "negative target",
			mutate: func(p *Program) {
				p.Commands[0] = core.Command{Op: core.OpNextSource, Target: -1, Arg: core.NoSlot}
			},
		},
		{
			name: "operand past stack",
			mutate: func(p *Program) {
				p.Commands[2] = core.Command{Op: core.OpGreaterThan, Target: 0, Arg: 1 << 33}
			},
		},
		{
			name: "conditional without if",
			mutate: func(p *Program) {
				p.Root.Children[0].Kind = KindConditional
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := scenarioProgram(t)
			tt.mutate(p)
			if err := p.Validate(); !errors.Is(err, ErrInvalidProgram) {
				t.Errorf("Validate() = %v, want ErrInvalidProgram", err)
			}
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()
	p := scenarioProgram(t)
	p.Comments[2] = "branch on the first source"

	data, err := p.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	assertSameProgram(t, got, p)

	gobData, err := p.SerializeGob()
	if err != nil {
		t.Fatalf("SerializeGob failed: %v", err)
	}
	fromGob, err := DeserializeGob(gobData)
	if err != nil {
		t.Fatalf("DeserializeGob failed: %v", err)
	}
	assertSameProgram(t, fromGob, p)
}

func TestEncodeStreamsPrograms(t *testing.T) {
	t.Parallel()
	first := scenarioProgram(t)
	second := scenarioProgram(t)
	second.Comments[2] = "second program"

	var buf bytes.Buffer
	for _, p := range []*Program{first, second} {
		if err := p.Encode(&buf); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}
	for _, want := range []*Program{first, second} {
		got, err := ReadProgram(&buf)
		if err != nil {
			t.Fatalf("ReadProgram failed: %v", err)
		}
		assertSameProgram(t, got, want)
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes left after reading both programs", buf.Len())
	}
}

func TestDeserializeBadMagic(t *testing.T) {
	t.Parallel()
	data, err := scenarioProgram(t).Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	data[0] ^= 0xFF
	if _, err := Deserialize(data); !errors.Is(err, ErrBadProgramFile) {
		t.Errorf("Deserialize() = %v, want ErrBadProgramFile", err)
	}
}

func assertSameProgram(t *testing.T, got, want *Program) {
	t.Helper()
	if got.ID != want.ID {
		t.Errorf("ID = %s, want %s", got.ID, want.ID)
	}
	if len(got.Commands) != len(want.Commands) {
		t.Fatalf("len(Commands) = %d, want %d", len(got.Commands), len(want.Commands))
	}
	for i := range want.Commands {
		if got.Commands[i] != want.Commands[i] {
			t.Errorf("Commands[%d] = %v, want %v", i, got.Commands[i], want.Commands[i])
		}
	}
	if got.Reserved() != want.Reserved() {
		t.Errorf("Reserved() = %d, want %d", got.Reserved(), want.Reserved())
	}
	if len(got.DestinationIndices) != len(want.DestinationIndices) || got.DestinationIndices[2] != 1 {
		t.Errorf("DestinationIndices = %v, want %v", got.DestinationIndices, want.DestinationIndices)
	}
	if got.Comments[2] != want.Comments[2] {
		t.Errorf("Comments[2] = %q, want %q", got.Comments[2], want.Comments[2])
	}
	if got.Root.Dump() != want.Root.Dump() {
		t.Errorf("tree mismatch:\n%s\nwant:\n%s", got.Root.Dump(), want.Root.Dump())
	}
}

func TestCloneShiftsPorts(t *testing.T) {
	t.Parallel()
	p := scenarioProgram(t)
	ids := NewIDCounter(100)
	clone := p.Root.Clone(ids, 2, 3)

	if clone.ID != 100 || clone.Children[0].ID != 101 {
		t.Errorf("clone IDs = %d, %d, want 100, 101", clone.ID, clone.Children[0].ID)
	}
	leaf := clone.Children[0]
	if leaf.Parent != clone {
		t.Error("clone child has wrong parent")
	}
	if leaf.StartSrc != 2 || leaf.EndSrc != 4 || leaf.StartDst != 3 || leaf.EndDst != 6 {
		t.Errorf("clone ports = %v", leaf)
	}
	if leaf.StartCmd != 0 || leaf.EndCmd != 8 {
		t.Errorf("clone command range changed: %v", leaf)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	s := scenarioProgram(t).Summarize()
	if s.Chunks != 2 || s.Leaves != 1 || s.MaxLeafLen != 8 {
		t.Errorf("Summarize() = %+v", s)
	}
	if s.SlotsTouched != 2 {
		t.Errorf("SlotsTouched = %d, want 2", s.SlotsTouched)
	}
}

func TestIDCounter(t *testing.T) {
	t.Parallel()
	c := NewIDCounter(7)
	if c.Peek() != 7 || c.Next() != 7 || c.Next() != 8 || c.Peek() != 9 {
		t.Error("IDCounter does not count monotonically from its start")
	}
}
