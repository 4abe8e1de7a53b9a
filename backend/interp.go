package backend

import (
	"github.com/sbl8/tapeworks/core"
	"github.com/sbl8/tapeworks/kernels"
	"github.com/sbl8/tapeworks/model"
)

// Interpreter executes commands one by one. It has no generation step and is
// the reference every other kind is measured against.
type Interpreter struct {
	cmds []core.Command
}

// NewInterpreter creates an interpreter over p's tape.
func NewInterpreter(p *model.Program) *Interpreter {
	return &Interpreter{cmds: p.Commands}
}

func (in *Interpreter) Kind() Kind { return Interpreted }

func (in *Interpreter) PerformGeneration(*model.Chunk) error { return nil }

func (in *Interpreter) Execute(c *model.Chunk, f *Frame) {
	Interpret(in.cmds, c.StartCmd, c.EndCmd, f)
}

// Interpret runs cmds[start:end] against f. A false If skips forward to its
// matching EndIf, or to end when the range stops first, counting the ports
// it passes over.
func Interpret(cmds []core.Command, start, end int, f *Frame) {
	vs := f.Stack
	for i := start; i < end; i++ {
		c := cmds[i]
		switch c.Op {
		case core.OpZero:
			vs[c.Target] = 0
		case core.OpCopyTo, core.OpIncrementBy, core.OpDecrementBy, core.OpMultiplyBy:
			vs[c.Target] = kernels.Apply(c.Op, vs[c.Target], kernels.Operand(c, vs))
		case core.OpEqualsValue, core.OpNotEqualsValue,
			core.OpEqualsOtherArrayIndex, core.OpNotEqualsOtherArrayIndex, core.OpGreaterThan, core.OpLessThan:
			f.Cond = kernels.Test(c.Op, vs[c.Target], kernels.Operand(c, vs))
		case core.OpNextSource:
			vs[c.Target] = f.Sources[f.SourcePos]
			f.SourcePos++
		case core.OpNextDestination:
			f.Destinations[f.DestPos] += vs[c.Target]
			f.DestPos++
		case core.OpIf:
			if !f.Cond {
				i = skipBody(cmds, i, end, f)
			}
		}
	}
}

// skipBody scans from the If at i to its matching EndIf within end, advancing
// the port positions by every NextSource and NextDestination in between. It
// returns the position of the EndIf, or end.
func skipBody(cmds []core.Command, i, end int, f *Frame) int {
	depth := 1
	for i++; i < end; i++ {
		switch cmds[i].Op {
		case core.OpIf:
			depth++
		case core.OpEndIf:
			depth--
			if depth == 0 {
				return i
			}
		case core.OpNextSource:
			f.SourcePos++
		case core.OpNextDestination:
			f.DestPos++
		}
	}
	return end
}
