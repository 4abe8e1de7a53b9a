package backend

import (
	"fmt"
	"io"
	"sort"

	"golang.org/x/tools/container/intsets"

	"github.com/sbl8/tapeworks/core"
)

// Interval is one live range of a slot inside a planned command range.
//
// FirstUse and LastUse are the positions of the first and last command that
// touch the slot. First and Last widen them to the lowest scope enclosing all
// uses: when a use sits inside an If or depth block that the interval does not
// wholly live in, the bound moves out to that block's opener (First) or closer
// (Last). Last equals the plan's End when the enclosing block is not closed
// inside the range; such intervals are flushed in the epilogue.
type Interval struct {
	Slot     int
	FirstUse int
	LastUse  int
	First    int
	Last     int
	Uses     int
	Writes   bool
	Load     bool
	Local    int

	positions []int
}

// Binding pairs a local with the slot it shadows.
type Binding struct {
	Local int
	Slot  int
}

// LocalPlan maps hot slots of one command range to locals.
type LocalPlan struct {
	Start, End int
	LocalCount int
	// SlotToLocal holds the first local each mapped slot was bound to.
	SlotToLocal map[int]int
	Intervals   []Interval

	// Per-command lookups, indexed by position-Start. -1 means the stack.
	TargetLocal  []int
	OperandLocal []int
	// Loads[i] run before command Start+i, Flushes[i] after it.
	Loads    [][]Binding
	Flushes  [][]Binding
	Epilogue []Binding
}

type scopeSpan struct {
	open, close int // close is the range end for an unclosed opener
	parent      int
	depth       int
}

// scopeTable records the If and depth blocks of a range and, per position,
// the innermost block containing it (-1 for none). Openers and closers belong
// to the enclosing block. Closers without an opener in range are ignored.
type scopeTable struct {
	spans []scopeSpan
	of    []int
}

func buildScopes(cmds []core.Command, start, end int) *scopeTable {
	st := &scopeTable{of: make([]int, end-start)}
	var open []int
	top := func() int {
		if len(open) == 0 {
			return -1
		}
		return open[len(open)-1]
	}
	for i := start; i < end; i++ {
		op := cmds[i].Op
		switch {
		case op.IsOpener():
			st.of[i-start] = top()
			parent, depth := top(), 0
			if parent >= 0 {
				depth = st.spans[parent].depth + 1
			}
			st.spans = append(st.spans, scopeSpan{open: i, close: end, parent: parent, depth: depth})
			open = append(open, len(st.spans)-1)
		case op.IsCloser():
			if t := top(); t >= 0 && cmds[st.spans[t].open].Op.Closer() == op {
				st.spans[t].close = i
				open = open[:len(open)-1]
			}
			st.of[i-start] = top()
		default:
			st.of[i-start] = top()
		}
	}
	return st
}

func (st *scopeTable) depth(s int) int {
	if s < 0 {
		return -1
	}
	return st.spans[s].depth
}

// common returns the lowest block containing both a and b.
func (st *scopeTable) common(a, b int) int {
	for a != b {
		if st.depth(a) >= st.depth(b) {
			a = st.spans[a].parent
		} else {
			b = st.spans[b].parent
		}
	}
	return a
}

// below returns the ancestor of s (or s itself) whose parent is anc, or -1
// when s is anc.
func (st *scopeTable) below(s, anc int) int {
	if s == anc {
		return -1
	}
	for st.spans[s].parent != anc {
		s = st.spans[s].parent
	}
	return s
}

// PlanLocals computes the local variable plan for cmds[start:end].
//
// Each slot's uses form one interval, split at every pure write outside any
// block so that unrelated values stored in the same slot may get different
// locals. Intervals are widened to their lowest common block, then assigned
// locals first-fit in discovery order: a local is reused only when the
// previous interval's Last precedes the new interval's First. Intervals with
// fewer than MinUses uses, and those that find no local once MaxLocals are in
// use, stay on the stack.
func PlanLocals(cmds []core.Command, start, end int, opts PlannerOptions) *LocalPlan {
	n := end - start
	plan := &LocalPlan{
		Start:        start,
		End:          end,
		SlotToLocal:  make(map[int]int),
		TargetLocal:  make([]int, n),
		OperandLocal: make([]int, n),
		Loads:        make([][]Binding, n),
		Flushes:      make([][]Binding, n),
	}
	for i := range plan.TargetLocal {
		plan.TargetLocal[i] = -1
		plan.OperandLocal[i] = -1
	}

	st := buildScopes(cmds, start, end)
	intervals, scopes := collectIntervals(cmds, start, end, st)
	for k := range intervals {
		widen(&intervals[k], scopes[k], st, end)
	}
	assignLocals(intervals, opts)
	plan.Intervals = intervals

	for _, iv := range intervals {
		if iv.Local < 0 {
			continue
		}
		if iv.Local >= plan.LocalCount {
			plan.LocalCount = iv.Local + 1
		}
		if _, ok := plan.SlotToLocal[iv.Slot]; !ok {
			plan.SlotToLocal[iv.Slot] = iv.Local
		}
		b := Binding{Local: iv.Local, Slot: iv.Slot}
		if iv.Load {
			plan.Loads[iv.First-start] = append(plan.Loads[iv.First-start], b)
		}
		if iv.Writes {
			if iv.Last == end {
				plan.Epilogue = append(plan.Epilogue, b)
			} else {
				plan.Flushes[iv.Last-start] = append(plan.Flushes[iv.Last-start], b)
			}
		}
		for _, pos := range iv.positions {
			c := cmds[pos]
			if c.TargetSlot() == iv.Slot {
				plan.TargetLocal[pos-start] = iv.Local
			}
			if c.Op.OperandKind() == core.OperandSlot && c.Slot() == iv.Slot {
				plan.OperandLocal[pos-start] = iv.Local
			}
		}
	}
	return plan
}

// collectIntervals gathers the uses of every slot into intervals in order of
// discovery, returning alongside each interval the lowest block enclosing
// all of its uses.
func collectIntervals(cmds []core.Command, start, end int, st *scopeTable) ([]Interval, []int) {
	var intervals []Interval
	var scopes []int
	current := make(map[int]int)
	var buf [3]int

	for i := start; i < end; i++ {
		c := cmds[i]
		slots := c.Reads(buf[:0])
		if w, ok := c.Writes(); ok {
			slots = append(slots, w)
		}
		for j, s := range slots {
			if seenBefore(slots[:j], s) {
				continue
			}
			scope := st.of[i-start]
			pure := c.IsPureWrite(s)
			k, ok := current[s]
			if ok && pure && scope < 0 {
				ok = false
			}
			if !ok {
				k = len(intervals)
				current[s] = k
				intervals = append(intervals, Interval{Slot: s, FirstUse: i, Local: -1, Load: !pure})
				scopes = append(scopes, scope)
			}
			iv := &intervals[k]
			iv.LastUse = i
			iv.Uses += c.Uses(s)
			if w, ok := c.Writes(); ok && w == s {
				iv.Writes = true
			}
			iv.positions = append(iv.positions, i)
			scopes[k] = st.commonWith(scopes[k], scope, len(iv.positions) == 1)
		}
	}
	return intervals, scopes
}

func (st *scopeTable) commonWith(acc, s int, first bool) int {
	if first {
		return s
	}
	return st.common(acc, s)
}

func seenBefore(slots []int, s int) bool {
	for _, x := range slots {
		if x == s {
			return true
		}
	}
	return false
}

// widen sets First and Last from the interval's uses and their lowest common
// block lcs. A load is only skipped when the first use stays in place and
// overwrites the slot.
func widen(iv *Interval, lcs int, st *scopeTable, end int) {
	start := end - len(st.of)
	iv.First, iv.Last = iv.FirstUse, iv.LastUse
	if s := st.below(st.of[iv.FirstUse-start], lcs); s >= 0 {
		iv.First = st.spans[s].open
		iv.Load = true
	}
	if s := st.below(st.of[iv.LastUse-start], lcs); s >= 0 {
		iv.Last = st.spans[s].close
	}
	// The epilogue runs even when lcs is skipped, so the local must hold the
	// slot's value on that path too.
	if iv.Last == end && lcs >= 0 {
		iv.First = st.spans[st.below(lcs, -1)].open
		iv.Load = true
	}
}

// assignLocals hands out locals first-fit in discovery order.
func assignLocals(intervals []Interval, opts PlannerOptions) {
	var busy [][]*Interval // intervals held by each local
	for k := range intervals {
		iv := &intervals[k]
		if iv.Uses < opts.MinUses {
			continue
		}
		for l, held := range busy {
			if fits(held, iv) {
				iv.Local = l
				busy[l] = append(busy[l], iv)
				break
			}
		}
		if iv.Local < 0 && len(busy) < opts.MaxLocals {
			iv.Local = len(busy)
			busy = append(busy, []*Interval{iv})
		}
	}
}

func fits(held []*Interval, iv *Interval) bool {
	for _, h := range held {
		if !(h.Last < iv.First || iv.Last < h.First) {
			return false
		}
	}
	return true
}

// MappedSlots returns the slots that live in a local somewhere in the range,
// in increasing order.
func (p *LocalPlan) MappedSlots() []int {
	var set intsets.Sparse
	for _, iv := range p.Intervals {
		if iv.Local >= 0 {
			set.Insert(iv.Slot)
		}
	}
	return set.AppendTo(nil)
}

// Dump writes a human-readable summary of the plan.
func (p *LocalPlan) Dump(w io.Writer) {
	fmt.Fprintf(w, "plan [%d,%d) locals=%d\n", p.Start, p.End, p.LocalCount)
	ivs := append([]Interval(nil), p.Intervals...)
	sort.SliceStable(ivs, func(a, b int) bool { return ivs[a].First < ivs[b].First })
	for _, iv := range ivs {
		local := "stack"
		if iv.Local >= 0 {
			local = fmt.Sprintf("l%d", iv.Local)
		}
		last := fmt.Sprint(iv.Last)
		if iv.Last == p.End {
			last = "epilogue"
		}
		fmt.Fprintf(w, "  s%-4d uses=%-3d [%d..%d] widened [%d..%s] load=%t -> %s\n",
			iv.Slot, iv.Uses, iv.FirstUse, iv.LastUse, iv.First, last, iv.Load, local)
	}
}
