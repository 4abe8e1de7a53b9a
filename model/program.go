package model

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"golang.org/x/tools/container/intsets"

	"github.com/sbl8/tapeworks/core"
)

// ErrInvalidProgram wraps every Validate failure.
var ErrInvalidProgram = errors.New("invalid program")

// NoMatch marks a scope marker without a partner in Program.Match.
const NoMatch = -1

// Program is a finalized command tape with its chunk tree.
type Program struct {
	ID       ulid.ULID
	Commands []core.Command
	// Comments holds the text of Comment commands keyed by tape position.
	Comments map[int]string
	Root     *Chunk
	Layout   core.StackLayout

	// SourceIndices[n] is the data index read by the n-th NextSource executed;
	// DestinationIndices likewise for NextDestination.
	SourceIndices      []int
	DestinationIndices []int

	// Match[i] is the partner of the scope marker at i (If/EndIf,
	// IncrementDepth/DecrementDepth) or NoMatch.
	Match []int32
	// SrcPrefix[i] counts NextSource commands in Commands[:i]; len is n+1.
	SrcPrefix []int32
	// DstPrefix[i] counts NextDestination commands in Commands[:i].
	DstPrefix []int32
}

// NewProgram assembles a program and derives its tables. The result still has
// to pass Validate.
func NewProgram(cmds []core.Command, root *Chunk, reserved int, sources, destinations []int) *Program {
	p := &Program{
		ID:                 ulid.Make(),
		Commands:           cmds,
		Comments:           make(map[int]string),
		Root:               root,
		Layout:             core.NewStackLayout(reserved, cmds),
		SourceIndices:      sources,
		DestinationIndices: destinations,
	}
	p.BuildTables()
	return p
}

// BuildTables recomputes Match and the port prefix counts from Commands.
func (p *Program) BuildTables() {
	n := len(p.Commands)
	p.Match = make([]int32, n)
	p.SrcPrefix = make([]int32, n+1)
	p.DstPrefix = make([]int32, n+1)

	var open []int
	for i, c := range p.Commands {
		p.Match[i] = NoMatch
		p.SrcPrefix[i+1] = p.SrcPrefix[i]
		p.DstPrefix[i+1] = p.DstPrefix[i]

		switch {
		case c.Op == core.OpNextSource:
			p.SrcPrefix[i+1]++
		case c.Op == core.OpNextDestination:
			p.DstPrefix[i+1]++
		case c.Op.IsOpener():
			open = append(open, i)
		case c.Op.IsCloser():
			if len(open) == 0 {
				continue
			}
			top := open[len(open)-1]
			if p.Commands[top].Op.Closer() != c.Op {
				continue
			}
			open = open[:len(open)-1]
			p.Match[top] = int32(i)
			p.Match[i] = int32(top)
		}
	}
}

// SourcesIn counts NextSource commands in Commands[a:b].
func (p *Program) SourcesIn(a, b int) int { return int(p.SrcPrefix[b] - p.SrcPrefix[a]) }

// DestinationsIn counts NextDestination commands in Commands[a:b].
func (p *Program) DestinationsIn(a, b int) int { return int(p.DstPrefix[b] - p.DstPrefix[a]) }

// Reserved returns the number of caller-visible slots.
func (p *Program) Reserved() int { return p.Layout.Reserved }

// StackSize returns the number of slots a run needs.
func (p *Program) StackSize() int { return p.Layout.Size }

// Ordered reports whether the program uses ordered ports.
func (p *Program) Ordered() bool {
	return len(p.SourceIndices) > 0 || len(p.DestinationIndices) > 0
}

// Leaves returns the executable leaves in program order.
func (p *Program) Leaves() []*Chunk { return p.Root.Leaves() }

// ChunkCount returns the number of nodes in the tree.
func (p *Program) ChunkCount() int {
	n := 0
	p.Root.Walk(func(*Chunk, int) bool { n++; return true })
	return n
}

// Validate checks structural consistency of the tape and the tree.
func (p *Program) Validate() error {
	if p.Root == nil {
		return fmt.Errorf("%w: no root chunk", ErrInvalidProgram)
	}
	if len(p.Match) != len(p.Commands) || len(p.SrcPrefix) != len(p.Commands)+1 {
		return fmt.Errorf("%w: tables out of date", ErrInvalidProgram)
	}
	for i, c := range p.Commands {
		if !c.Op.Valid() {
			return fmt.Errorf("%w: command %d has unknown opcode %d", ErrInvalidProgram, i, uint8(c.Op))
		}
		if (c.Op.IsOpener() || c.Op.IsCloser()) && p.Match[i] == NoMatch {
			return fmt.Errorf("%w: unmatched %s at %d", ErrInvalidProgram, c.Op, i)
		}
		if c.Op.HasTarget() && (c.Target < 0 || int(c.Target) >= p.StackSize()) {
			return fmt.Errorf("%w: command %d targets slot %d outside the stack", ErrInvalidProgram, i, c.Target)
		}
		if c.Op.OperandKind() == core.OperandSlot && (c.Arg < 0 || c.Arg >= int64(p.StackSize())) {
			return fmt.Errorf("%w: command %d reads slot %d outside the stack", ErrInvalidProgram, i, c.Arg)
		}
	}
	if err := p.validateTree(); err != nil {
		return err
	}
	return p.validatePorts()
}

func (p *Program) validateTree() error {
	var ids intsets.Sparse
	var err error
	p.Root.Walk(func(c *Chunk, _ int) bool {
		if err != nil {
			return false
		}
		if !ids.Insert(c.ID) {
			err = fmt.Errorf("%w: duplicate chunk ID %d", ErrInvalidProgram, c.ID)
			return false
		}
		if c.StartCmd < 0 || c.EndCmd > len(p.Commands) || c.StartCmd > c.EndCmd {
			err = fmt.Errorf("%w: chunk %d range [%d,%d) outside tape", ErrInvalidProgram, c.ID, c.StartCmd, c.EndCmd)
			return false
		}
		switch c.Kind {
		case KindLeaf:
			if len(c.Children) > 0 {
				err = fmt.Errorf("%w: leaf %d has children", ErrInvalidProgram, c.ID)
			}
		case KindConditional:
			if c.Len() < 2 || p.Commands[c.StartCmd].Op != core.OpIf || int(p.Match[c.StartCmd]) != c.EndCmd-1 {
				err = fmt.Errorf("%w: conditional %d does not span an If block", ErrInvalidProgram, c.ID)
			}
		}
		if err == nil {
			err = p.validateChildren(c)
		}
		return err == nil
	})
	return err
}

// validateChildren checks that children of c lie inside it in program order.
// Replayed subtrees reuse an earlier command range, so only their port ranges
// are required to line up.
func (p *Program) validateChildren(c *Chunk) error {
	cmd, src, dst := c.StartCmd, c.StartSrc, c.StartDst
	if c.Kind == KindConditional {
		cmd++
	}
	for _, child := range c.Children {
		if child.Parent != c {
			return fmt.Errorf("%w: chunk %d has a stale parent link", ErrInvalidProgram, child.ID)
		}
		if child.ReplayOf == 0 {
			if child.StartCmd < cmd || child.EndCmd > c.EndCmd {
				return fmt.Errorf("%w: chunk %d range [%d,%d) escapes parent %d", ErrInvalidProgram, child.ID, child.StartCmd, child.EndCmd, c.ID)
			}
			cmd = child.EndCmd
		}
		if child.StartSrc != src || child.StartDst != dst {
			return fmt.Errorf("%w: chunk %d ports start at (%d,%d), want (%d,%d)", ErrInvalidProgram, child.ID, child.StartSrc, child.StartDst, src, dst)
		}
		src, dst = child.EndSrc, child.EndDst
	}
	if len(c.Children) > 0 && (src != c.EndSrc || dst != c.EndDst) {
		return fmt.Errorf("%w: chunk %d ports end at (%d,%d), children end at (%d,%d)", ErrInvalidProgram, c.ID, c.EndSrc, c.EndDst, src, dst)
	}
	return nil
}

// validatePorts checks every leaf consumes exactly the ports its commands
// name, and that the leaves together consume the whole ordered lists.
func (p *Program) validatePorts() error {
	src, dst := 0, 0
	var err error
	p.Root.Walk(func(c *Chunk, _ int) bool {
		if err != nil {
			return false
		}
		switch c.Kind {
		case KindLeaf:
			if got := p.SourcesIn(c.StartCmd, c.EndCmd); got != c.SourceCount() {
				err = fmt.Errorf("%w: leaf %d has %d NextSource commands but %d source slots", ErrInvalidProgram, c.ID, got, c.SourceCount())
			} else if got := p.DestinationsIn(c.StartCmd, c.EndCmd); got != c.DestinationCount() {
				err = fmt.Errorf("%w: leaf %d has %d NextDestination commands but %d destination slots", ErrInvalidProgram, c.ID, got, c.DestinationCount())
			}
			src += c.SourceCount()
			dst += c.DestinationCount()
		case KindConditional:
			if p.SourcesIn(c.StartCmd, c.EndCmd) != c.SourceCount() || p.DestinationsIn(c.StartCmd, c.EndCmd) != c.DestinationCount() {
				err = fmt.Errorf("%w: conditional %d port range does not match its body", ErrInvalidProgram, c.ID)
			}
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	if src != len(p.SourceIndices) {
		return fmt.Errorf("%w: leaves consume %d sources, list has %d", ErrInvalidProgram, src, len(p.SourceIndices))
	}
	if dst != len(p.DestinationIndices) {
		return fmt.Errorf("%w: leaves produce %d destinations, list has %d", ErrInvalidProgram, dst, len(p.DestinationIndices))
	}
	return nil
}

// Summary describes the program for logs and tools.
type Summary struct {
	Commands     int
	Chunks       int
	Leaves       int
	Conditionals int
	MaxLeafLen   int
	SlotsTouched int
	Reserved     int
	StackSize    int
	Sources      int
	Destinations int
}

// Summarize computes a Summary.
func (p *Program) Summarize() Summary {
	s := Summary{
		Commands:     len(p.Commands),
		Reserved:     p.Layout.Reserved,
		StackSize:    p.Layout.Size,
		Sources:      len(p.SourceIndices),
		Destinations: len(p.DestinationIndices),
	}
	p.Root.Walk(func(c *Chunk, _ int) bool {
		s.Chunks++
		switch c.Kind {
		case KindLeaf:
			s.Leaves++
			if c.Len() > s.MaxLeafLen {
				s.MaxLeafLen = c.Len()
			}
		case KindConditional:
			s.Conditionals++
		}
		return true
	})

	var touched intsets.Sparse
	var buf [2]int
	for _, c := range p.Commands {
		for _, r := range c.Reads(buf[:0]) {
			touched.Insert(r)
		}
		if w, ok := c.Writes(); ok {
			touched.Insert(w)
		}
	}
	s.SlotsTouched = touched.Len()
	return s
}
