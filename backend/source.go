package backend

import (
	"fmt"
	"strings"

	"github.com/sbl8/tapeworks/core"
	"github.com/sbl8/tapeworks/kernels"
	"github.com/sbl8/tapeworks/model"
)

// stmt is one compiled statement of a source-level routine. l holds the
// routine's locals.
type stmt func(f *Frame, l []float64)

type sourceRoutine struct {
	run    stmt
	locals int
	text   string
}

// SourceLevel compiles each command range into a closure tree. Generation also
// renders the routine as Go-like source, available through Source.
type SourceLevel struct {
	p     *model.Program
	reuse bool
	opts  PlannerOptions
	cache *RoutineCache[*sourceRoutine]
}

// NewSourceLevel creates a source-level backend. With reuse set, each routine
// applies a LocalPlan.
func NewSourceLevel(p *model.Program, reuse bool, opts PlannerOptions) *SourceLevel {
	return &SourceLevel{p: p, reuse: reuse, opts: opts, cache: NewRoutineCache[*sourceRoutine]()}
}

func (s *SourceLevel) Kind() Kind {
	if s.reuse {
		return CompiledSourceLevelWithReuse
	}
	return CompiledSourceLevel
}

func (s *SourceLevel) PerformGeneration(c *model.Chunk) error {
	if err := checkLeaf(s.p, c); err != nil {
		return err
	}
	s.routine(c)
	return nil
}

func (s *SourceLevel) Execute(c *model.Chunk, f *Frame) {
	r := s.routine(c)
	var l []float64
	if r.locals > 0 {
		l = make([]float64, r.locals)
	}
	r.run(f, l)
}

// Source returns the rendered source of c's routine.
func (s *SourceLevel) Source(c *model.Chunk) (string, error) {
	if err := checkLeaf(s.p, c); err != nil {
		return "", err
	}
	return s.routine(c).text, nil
}

// Cache exposes the routine cache for statistics.
func (s *SourceLevel) Cache() CacheStats { return s.cache.Stats() }

func (s *SourceLevel) routine(c *model.Chunk) *sourceRoutine {
	return s.cache.Get(c.StartCmd, c.EndCmd, func() *sourceRoutine {
		var plan *LocalPlan
		if s.reuse {
			plan = PlanLocals(s.p.Commands, c.StartCmd, c.EndCmd, s.opts)
		}
		return compileSource(s.p, c.StartCmd, c.EndCmd, plan)
	})
}

// sourceGen carries the state of one source-level compilation.
type sourceGen struct {
	p    *model.Program
	plan *LocalPlan
	text strings.Builder
}

func compileSource(p *model.Program, start, end int, plan *LocalPlan) *sourceRoutine {
	g := &sourceGen{p: p, plan: plan}
	fmt.Fprintf(&g.text, "func chunk_%d_%d(vs, src, dst []float64, sp, dp *int, cond *bool) {\n", start, end)
	if plan != nil && plan.LocalCount > 0 {
		g.line(1, "var l [%d]float64", plan.LocalCount)
	}

	body := g.block(start, end, 1)
	if plan != nil {
		body = append(body, g.flushes(plan.Epilogue, 1)...)
	}
	g.text.WriteString("}\n")

	r := &sourceRoutine{run: seq(body), text: g.text.String()}
	if plan != nil {
		r.locals = plan.LocalCount
	}
	return r
}

func seq(body []stmt) stmt {
	switch len(body) {
	case 0:
		return func(*Frame, []float64) {}
	case 1:
		return body[0]
	}
	return func(f *Frame, l []float64) {
		for _, s := range body {
			s(f, l)
		}
	}
}

func (g *sourceGen) line(indent int, format string, args ...any) {
	g.text.WriteString(strings.Repeat("\t", indent))
	fmt.Fprintf(&g.text, format, args...)
	g.text.WriteByte('\n')
}

// block compiles cmds[i:end]. An If whose EndIf lies outside the range takes
// the rest of the range as its body.
func (g *sourceGen) block(i, end, indent int) []stmt {
	var out []stmt
	for ; i < end; i++ {
		out = append(out, g.loadsAt(i, indent)...)
		c := g.p.Commands[i]
		if c.Op != core.OpIf {
			if s := g.command(i, c, indent); s != nil {
				out = append(out, s)
			}
			out = append(out, g.flushesAt(i, indent)...)
			continue
		}

		bodyEnd, closed := tailEnd(g.p, i, end)
		g.line(indent, "if *cond {")
		body := seq(g.block(i+1, bodyEnd, indent+1))
		srcSkip := g.p.SourcesIn(i+1, bodyEnd)
		dstSkip := g.p.DestinationsIn(i+1, bodyEnd)
		if srcSkip+dstSkip > 0 {
			g.line(indent, "} else {")
			if srcSkip > 0 {
				g.line(indent+1, "*sp += %d", srcSkip)
			}
			if dstSkip > 0 {
				g.line(indent+1, "*dp += %d", dstSkip)
			}
		}
		g.line(indent, "}")
		out = append(out, ifStmt(body, srcSkip, dstSkip))
		if !closed {
			break
		}
		i = bodyEnd
		out = append(out, g.flushesAt(i, indent)...)
	}
	return out
}

func ifStmt(body stmt, srcSkip, dstSkip int) stmt {
	return func(f *Frame, l []float64) {
		if f.Cond {
			body(f, l)
			return
		}
		f.SourcePos += srcSkip
		f.DestPos += dstSkip
	}
}

func (g *sourceGen) loadsAt(i, indent int) []stmt {
	if g.plan == nil {
		return nil
	}
	var out []stmt
	for _, b := range g.plan.Loads[i-g.plan.Start] {
		local, slot := b.Local, b.Slot
		g.line(indent, "l[%d] = vs[%d]", local, slot)
		out = append(out, func(f *Frame, l []float64) { l[local] = f.Stack[slot] })
	}
	return out
}

func (g *sourceGen) flushesAt(i, indent int) []stmt {
	if g.plan == nil {
		return nil
	}
	return g.flushes(g.plan.Flushes[i-g.plan.Start], indent)
}

func (g *sourceGen) flushes(bs []Binding, indent int) []stmt {
	var out []stmt
	for _, b := range bs {
		local, slot := b.Local, b.Slot
		g.line(indent, "vs[%d] = l[%d]", slot, local)
		out = append(out, func(f *Frame, l []float64) { f.Stack[slot] = l[local] })
	}
	return out
}

// locals returns the locals bound to c's target and operand, -1 for the stack.
func (g *sourceGen) locals(i int) (int, int) {
	if g.plan == nil {
		return -1, -1
	}
	return g.plan.TargetLocal[i-g.plan.Start], g.plan.OperandLocal[i-g.plan.Start]
}

func ref(slot, local int) string {
	if local >= 0 {
		return fmt.Sprintf("l[%d]", local)
	}
	return fmt.Sprintf("vs[%d]", slot)
}

var arithSymbols = [...]string{
	core.OpIncrementBy: "+=",
	core.OpDecrementBy: "-=",
	core.OpMultiplyBy:  "*=",
}

var compareSymbols = map[core.Opcode]string{
	core.OpEqualsValue:              "==",
	core.OpNotEqualsValue:           "!=",
	core.OpEqualsOtherArrayIndex:    "==",
	core.OpNotEqualsOtherArrayIndex: "!=",
	core.OpGreaterThan:              ">",
	core.OpLessThan:                 "<",
}

// command compiles one non-If command. Markers and no-ops compile to nothing.
func (g *sourceGen) command(i int, c core.Command, indent int) stmt {
	t := int(c.Target)
	tl, vl := g.locals(i)
	switch c.Op.Family() {
	case core.FamilyArithmetic:
		switch c.Op {
		case core.OpZero:
			g.line(indent, "%s = 0", ref(t, tl))
		case core.OpCopyTo:
			g.line(indent, "%s = %s", ref(t, tl), ref(c.Slot(), vl))
		default:
			g.line(indent, "%s %s %s", ref(t, tl), arithSymbols[c.Op], ref(c.Slot(), vl))
		}
		return arithStmt(c, tl, vl)
	case core.FamilyCompareLiteral:
		g.line(indent, "*cond = %s %s %v", ref(t, tl), compareSymbols[c.Op], c.Literal())
		return compareLiteralStmt(c, tl)
	case core.FamilyCompareSlot:
		g.line(indent, "*cond = %s %s %s", ref(t, tl), compareSymbols[c.Op], ref(c.Slot(), vl))
		return compareSlotStmt(c, tl, vl)
	case core.FamilyPort:
		if c.Op == core.OpNextSource {
			g.line(indent, "%s = src[*sp]; *sp++", ref(t, tl))
			return nextSourceStmt(t, tl)
		}
		g.line(indent, "dst[*dp] += %s; *dp++", ref(t, tl))
		return nextDestinationStmt(t, tl)
	case core.FamilyNoop:
		if text, ok := g.p.Comments[i]; ok && c.Op == core.OpComment {
			g.line(indent, "// %s", text)
		}
	}
	return nil
}

func arithStmt(c core.Command, tl, vl int) stmt {
	t := int(c.Target)
	if c.Op == core.OpZero {
		if tl >= 0 {
			return func(_ *Frame, l []float64) { l[tl] = 0 }
		}
		return func(f *Frame, _ []float64) { f.Stack[t] = 0 }
	}
	fn := kernels.Arith[c.Op]
	v := c.Slot()
	switch {
	case tl < 0 && vl < 0:
		return func(f *Frame, _ []float64) { f.Stack[t] = fn(f.Stack[t], f.Stack[v]) }
	case tl >= 0 && vl < 0:
		return func(f *Frame, l []float64) { l[tl] = fn(l[tl], f.Stack[v]) }
	case tl < 0:
		return func(f *Frame, l []float64) { f.Stack[t] = fn(f.Stack[t], l[vl]) }
	default:
		return func(_ *Frame, l []float64) { l[tl] = fn(l[tl], l[vl]) }
	}
}

func compareLiteralStmt(c core.Command, tl int) stmt {
	fn := kernels.Compare[c.Op]
	t, lit := int(c.Target), c.Literal()
	if tl >= 0 {
		return func(f *Frame, l []float64) { f.Cond = fn(l[tl], lit) }
	}
	return func(f *Frame, _ []float64) { f.Cond = fn(f.Stack[t], lit) }
}

func compareSlotStmt(c core.Command, tl, vl int) stmt {
	fn := kernels.Compare[c.Op]
	t, v := int(c.Target), c.Slot()
	switch {
	case tl < 0 && vl < 0:
		return func(f *Frame, _ []float64) { f.Cond = fn(f.Stack[t], f.Stack[v]) }
	case tl >= 0 && vl < 0:
		return func(f *Frame, l []float64) { f.Cond = fn(l[tl], f.Stack[v]) }
	case tl < 0:
		return func(f *Frame, l []float64) { f.Cond = fn(f.Stack[t], l[vl]) }
	default:
		return func(f *Frame, l []float64) { f.Cond = fn(l[tl], l[vl]) }
	}
}

func nextSourceStmt(t, tl int) stmt {
	if tl >= 0 {
		return func(f *Frame, l []float64) {
			l[tl] = f.Sources[f.SourcePos]
			f.SourcePos++
		}
	}
	return func(f *Frame, _ []float64) {
		f.Stack[t] = f.Sources[f.SourcePos]
		f.SourcePos++
	}
}

func nextDestinationStmt(t, tl int) stmt {
	if tl >= 0 {
		return func(f *Frame, l []float64) {
			f.Destinations[f.DestPos] += l[tl]
			f.DestPos++
		}
	}
	return func(f *Frame, _ []float64) {
		f.Destinations[f.DestPos] += f.Stack[t]
		f.DestPos++
	}
}
