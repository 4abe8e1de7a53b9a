// Package backend executes leaf chunks of a finalized program.
//
// Five interchangeable strategies share one contract: run the commands of a
// leaf over a Frame holding the virtual stack, the ordered port buffers, the
// port positions and the shared condition. The Interpreter walks commands
// directly and is the reference. The two compiling backends generate a routine
// once per command range and then execute it any number of times:
//
//   - Source level: a tree of closures, also rendered as Go-like source text
//   - Low level: a flat []uint32 instruction stream run by a dispatch loop
//
// Each compiling backend has a reuse variant that applies a LocalPlan, keeping
// hot slots in locals (or registers) instead of the stack.
//
// All variants leave the stack, the port buffers, the positions and the
// condition in identical states for any well-formed program.
package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sbl8/tapeworks/model"
)

var (
	ErrUnknownKind = errors.New("backend: unknown executor kind")
	ErrNotLeaf     = errors.New("backend: chunk is not an executable leaf")
)

// Kind selects an execution strategy.
type Kind uint8

const (
	Interpreted Kind = iota
	CompiledSourceLevel
	CompiledSourceLevelWithReuse
	CompiledLowLevel
	CompiledLowLevelWithReuse

	kindCount
)

var kindNames = [kindCount]string{
	Interpreted:                  "Interpreted",
	CompiledSourceLevel:          "CompiledSourceLevel",
	CompiledSourceLevelWithReuse: "CompiledSourceLevelWithReuse",
	CompiledLowLevel:             "CompiledLowLevel",
	CompiledLowLevelWithReuse:    "CompiledLowLevelWithReuse",
}

var kindAliases = map[string]Kind{
	"interp":         Interpreted,
	"source":         CompiledSourceLevel,
	"source-reuse":   CompiledSourceLevelWithReuse,
	"lowlevel":       CompiledLowLevel,
	"lowlevel-reuse": CompiledLowLevelWithReuse,
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// UsesLocals reports whether the kind applies a LocalPlan.
func (k Kind) UsesLocals() bool {
	return k == CompiledSourceLevelWithReuse || k == CompiledLowLevelWithReuse
}

// Kinds lists every kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, kindCount)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// ParseKind accepts a full kind name (case-insensitive) or a short alias.
func ParseKind(s string) (Kind, error) {
	if k, ok := kindAliases[strings.ToLower(s)]; ok {
		return k, nil
	}
	for i, name := range kindNames {
		if strings.EqualFold(name, s) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Frame is the mutable state a leaf runs against. Positions are absolute
// offsets into Sources and Destinations.
type Frame struct {
	Stack        []float64
	Sources      []float64
	Destinations []float64
	SourcePos    int
	DestPos      int
	Cond         bool
}

// Executor runs leaves of one program. Implementations are safe for
// concurrent use; each Execute call must get its own Frame.
type Executor interface {
	Kind() Kind
	// PerformGeneration prepares the routine for c's command range. Calling it
	// again for the same range, or for a replay of it, does nothing.
	PerformGeneration(c *model.Chunk) error
	// Execute runs c against f, generating its routine first if needed.
	Execute(c *model.Chunk, f *Frame)
}

// PlannerOptions bound the Local Variable Planner.
type PlannerOptions struct {
	// MinUses is the number of reads and writes an interval needs before it is
	// worth a local.
	MinUses int
	// MaxLocals caps the number of locals per routine.
	MaxLocals int
}

// DefaultPlannerOptions returns the planner settings used when none are given.
func DefaultPlannerOptions() PlannerOptions {
	return PlannerOptions{MinUses: 2, MaxLocals: 16}
}

// New creates an executor of the given kind for p.
func New(kind Kind, p *model.Program, opts PlannerOptions) (Executor, error) {
	switch kind {
	case Interpreted:
		return NewInterpreter(p), nil
	case CompiledSourceLevel, CompiledSourceLevelWithReuse:
		return NewSourceLevel(p, kind.UsesLocals(), opts), nil
	case CompiledLowLevel, CompiledLowLevelWithReuse:
		return NewLowLevel(p, kind.UsesLocals(), opts), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
}

func checkLeaf(p *model.Program, c *model.Chunk) error {
	if c == nil || c.Kind != model.KindLeaf {
		return fmt.Errorf("%w: %v", ErrNotLeaf, c)
	}
	if c.StartCmd < 0 || c.EndCmd > len(p.Commands) || c.StartCmd > c.EndCmd {
		return fmt.Errorf("%w: range [%d,%d) outside tape", ErrNotLeaf, c.StartCmd, c.EndCmd)
	}
	return nil
}

// tailEnd returns where the body of the If at i stops inside [i, end): the
// matching EndIf, or end when the match lies outside the range.
func tailEnd(p *model.Program, i, end int) (bodyEnd int, closed bool) {
	m := int(p.Match[i])
	if m == model.NoMatch || m >= end {
		return end, false
	}
	return m, true
}
