package backend

import (
	"fmt"
	"io"
	"math"

	"github.com/sbl8/tapeworks/core"
	"github.com/sbl8/tapeworks/kernels"
	"github.com/sbl8/tapeworks/model"
)

// Instruction stream layout. Each instruction starts with a header word whose
// low byte is the opcode and whose mode bits say where the target and operand
// live; operand words follow:
//
//	Zero, NextSource, NextDestination  hdr target
//	arithmetic, slot comparisons       hdr target operand
//	literal comparisons                hdr target lo hi
//	If                                 hdr jump srcSkip dstSkip
//	load, flush                        hdr register slot
//	end                                hdr
//
// Markers, EndIf and no-ops emit nothing.
const (
	insLoad core.Opcode = 0x80 + iota
	insFlush
	insEnd
)

const (
	modeTargetLocal  = 1 << 8
	modeOperandLocal = 1 << 9
)

// maxRegisters bounds the register file of one routine.
const maxRegisters = 64

type lowRoutine struct {
	code []uint32
}

// LowLevel compiles each command range to a flat instruction stream run by a
// dispatch loop. The reuse variant keeps planned slots in a fixed register
// file that lives on the Go stack of the running goroutine.
type LowLevel struct {
	p     *model.Program
	reuse bool
	opts  PlannerOptions
	cache *RoutineCache[*lowRoutine]
}

// NewLowLevel creates a low-level backend. MaxLocals is clamped to the
// register file size.
func NewLowLevel(p *model.Program, reuse bool, opts PlannerOptions) *LowLevel {
	if opts.MaxLocals > maxRegisters {
		opts.MaxLocals = maxRegisters
	}
	return &LowLevel{p: p, reuse: reuse, opts: opts, cache: NewRoutineCache[*lowRoutine]()}
}

func (b *LowLevel) Kind() Kind {
	if b.reuse {
		return CompiledLowLevelWithReuse
	}
	return CompiledLowLevel
}

func (b *LowLevel) PerformGeneration(c *model.Chunk) error {
	if err := checkLeaf(b.p, c); err != nil {
		return err
	}
	b.routine(c)
	return nil
}

func (b *LowLevel) Execute(c *model.Chunk, f *Frame) {
	b.routine(c).run(f)
}

// Cache exposes the routine cache for statistics.
func (b *LowLevel) Cache() CacheStats { return b.cache.Stats() }

func (b *LowLevel) routine(c *model.Chunk) *lowRoutine {
	return b.cache.Get(c.StartCmd, c.EndCmd, func() *lowRoutine {
		var plan *LocalPlan
		if b.reuse {
			plan = PlanLocals(b.p.Commands, c.StartCmd, c.EndCmd, b.opts)
		}
		return assemble(b.p, c.StartCmd, c.EndCmd, plan)
	})
}

// Disassemble writes c's instruction stream in readable form.
func (b *LowLevel) Disassemble(w io.Writer, c *model.Chunk) error {
	if err := checkLeaf(b.p, c); err != nil {
		return err
	}
	return disassemble(w, b.routine(c).code)
}

// --- assembler ---

type assembler struct {
	p    *model.Program
	plan *LocalPlan
	code []uint32
}

func assemble(p *model.Program, start, end int, plan *LocalPlan) *lowRoutine {
	a := &assembler{p: p, plan: plan, code: make([]uint32, 0, 3*(end-start)+1)}
	a.block(start, end)
	if plan != nil {
		a.bindings(insFlush, plan.Epilogue)
	}
	a.emit(uint32(insEnd))
	return &lowRoutine{code: a.code}
}

func (a *assembler) emit(words ...uint32) { a.code = append(a.code, words...) }

func (a *assembler) bindings(op core.Opcode, bs []Binding) {
	for _, b := range bs {
		a.emit(uint32(op), uint32(b.Local), uint32(b.Slot))
	}
}

func (a *assembler) block(i, end int) {
	for ; i < end; i++ {
		if a.plan != nil {
			a.bindings(insLoad, a.plan.Loads[i-a.plan.Start])
		}
		c := a.p.Commands[i]
		if c.Op != core.OpIf {
			a.command(i, c)
			if a.plan != nil {
				a.bindings(insFlush, a.plan.Flushes[i-a.plan.Start])
			}
			continue
		}

		bodyEnd, closed := tailEnd(a.p, i, end)
		at := len(a.code)
		a.emit(uint32(core.OpIf), 0,
			uint32(a.p.SourcesIn(i+1, bodyEnd)),
			uint32(a.p.DestinationsIn(i+1, bodyEnd)))
		a.block(i+1, bodyEnd)
		a.code[at+1] = uint32(len(a.code))
		if !closed {
			return
		}
		i = bodyEnd
		if a.plan != nil {
			a.bindings(insFlush, a.plan.Flushes[i-a.plan.Start])
		}
	}
}

func (a *assembler) header(i int, c core.Command) uint32 {
	hdr := uint32(c.Op)
	if a.plan == nil {
		return hdr
	}
	if a.plan.TargetLocal[i-a.plan.Start] >= 0 {
		hdr |= modeTargetLocal
	}
	if a.plan.OperandLocal[i-a.plan.Start] >= 0 {
		hdr |= modeOperandLocal
	}
	return hdr
}

// target returns the register or slot addressed by c's target.
func (a *assembler) target(i int, c core.Command) uint32 {
	if a.plan != nil {
		if l := a.plan.TargetLocal[i-a.plan.Start]; l >= 0 {
			return uint32(l)
		}
	}
	return uint32(c.Target)
}

func (a *assembler) operand(i int, c core.Command) uint32 {
	if a.plan != nil {
		if l := a.plan.OperandLocal[i-a.plan.Start]; l >= 0 {
			return uint32(l)
		}
	}
	return uint32(c.Slot())
}

func (a *assembler) command(i int, c core.Command) {
	switch c.Op.Family() {
	case core.FamilyArithmetic, core.FamilyCompareSlot:
		if c.Op == core.OpZero {
			a.emit(a.header(i, c), a.target(i, c))
			return
		}
		a.emit(a.header(i, c), a.target(i, c), a.operand(i, c))
	case core.FamilyCompareLiteral:
		bits := math.Float64bits(c.Literal())
		a.emit(a.header(i, c), a.target(i, c), uint32(bits), uint32(bits>>32))
	case core.FamilyPort:
		a.emit(a.header(i, c), a.target(i, c))
	}
}

// --- dispatch loop ---

func (r *lowRoutine) run(f *Frame) {
	var regs [maxRegisters]float64
	code := r.code
	vs := f.Stack
	pc := 0
	for {
		hdr := code[pc]
		op := core.Opcode(hdr)
		switch op {
		case core.OpZero:
			if hdr&modeTargetLocal != 0 {
				regs[code[pc+1]] = 0
			} else {
				vs[code[pc+1]] = 0
			}
			pc += 2
		case core.OpCopyTo, core.OpIncrementBy, core.OpDecrementBy, core.OpMultiplyBy:
			t, v := code[pc+1], code[pc+2]
			var x, y float64
			if hdr&modeOperandLocal != 0 {
				y = regs[v]
			} else {
				y = vs[v]
			}
			if hdr&modeTargetLocal != 0 {
				x = regs[t]
				regs[t] = kernels.Apply(op, x, y)
			} else {
				x = vs[t]
				vs[t] = kernels.Apply(op, x, y)
			}
			pc += 3
		case core.OpEqualsValue, core.OpNotEqualsValue:
			var x float64
			if hdr&modeTargetLocal != 0 {
				x = regs[code[pc+1]]
			} else {
				x = vs[code[pc+1]]
			}
			lit := math.Float64frombits(uint64(code[pc+2]) | uint64(code[pc+3])<<32)
			f.Cond = kernels.Test(op, x, lit)
			pc += 4
		case core.OpEqualsOtherArrayIndex, core.OpNotEqualsOtherArrayIndex, core.OpGreaterThan, core.OpLessThan:
			t, v := code[pc+1], code[pc+2]
			var x, y float64
			if hdr&modeTargetLocal != 0 {
				x = regs[t]
			} else {
				x = vs[t]
			}
			if hdr&modeOperandLocal != 0 {
				y = regs[v]
			} else {
				y = vs[v]
			}
			f.Cond = kernels.Test(op, x, y)
			pc += 3
		case core.OpNextSource:
			if hdr&modeTargetLocal != 0 {
				regs[code[pc+1]] = f.Sources[f.SourcePos]
			} else {
				vs[code[pc+1]] = f.Sources[f.SourcePos]
			}
			f.SourcePos++
			pc += 2
		case core.OpNextDestination:
			if hdr&modeTargetLocal != 0 {
				f.Destinations[f.DestPos] += regs[code[pc+1]]
			} else {
				f.Destinations[f.DestPos] += vs[code[pc+1]]
			}
			f.DestPos++
			pc += 2
		case core.OpIf:
			if f.Cond {
				pc += 4
				continue
			}
			f.SourcePos += int(code[pc+2])
			f.DestPos += int(code[pc+3])
			pc = int(code[pc+1])
		case insLoad:
			regs[code[pc+1]] = vs[code[pc+2]]
			pc += 3
		case insFlush:
			vs[code[pc+2]] = regs[code[pc+1]]
			pc += 3
		case insEnd:
			return
		default:
			panic(fmt.Sprintf("backend: bad instruction %#x at %d", hdr, pc))
		}
	}
}

// --- disassembler ---

func insName(op core.Opcode) string {
	switch op {
	case insLoad:
		return "load"
	case insFlush:
		return "flush"
	case insEnd:
		return "end"
	}
	return op.String()
}

func disassemble(w io.Writer, code []uint32) error {
	loc := func(hdr, bit, v uint32) string {
		if hdr&bit != 0 {
			return fmt.Sprintf("r%d", v)
		}
		return fmt.Sprintf("s%d", v)
	}
	for pc := 0; pc < len(code); {
		hdr := code[pc]
		op := core.Opcode(hdr)
		var args string
		width := 1
		switch {
		case op == insLoad || op == insFlush:
			args, width = fmt.Sprintf("r%d, s%d", code[pc+1], code[pc+2]), 3
		case op == insEnd:
		case op == core.OpIf:
			args, width = fmt.Sprintf("else -> %d (src+%d, dst+%d)", code[pc+1], code[pc+2], code[pc+3]), 4
		case op == core.OpZero || op.Family() == core.FamilyPort:
			args, width = loc(hdr, modeTargetLocal, code[pc+1]), 2
		case op.Family() == core.FamilyCompareLiteral:
			lit := math.Float64frombits(uint64(code[pc+2]) | uint64(code[pc+3])<<32)
			args, width = fmt.Sprintf("%s, %g", loc(hdr, modeTargetLocal, code[pc+1]), lit), 4
		default:
			args, width = fmt.Sprintf("%s, %s", loc(hdr, modeTargetLocal, code[pc+1]), loc(hdr, modeOperandLocal, code[pc+2])), 3
		}
		if _, err := fmt.Fprintf(w, "%4d  %-26s %s\n", pc, insName(op), args); err != nil {
			return err
		}
		pc += width
	}
	return nil
}
