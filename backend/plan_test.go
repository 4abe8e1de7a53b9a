package backend

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/sbl8/tapeworks/core"
	"github.com/sbl8/tapeworks/model"
)

func intervalOf(t *testing.T, p *LocalPlan, slot int) Interval {
	t.Helper()
	for _, iv := range p.Intervals {
		if iv.Slot == slot {
			return iv
		}
	}
	t.Fatalf("no interval for slot %d", slot)
	return Interval{}
}

func TestPlanHotAccumulator(t *testing.T) {
	t.Parallel()
	cmds := []core.Command{
		core.IncrementBy(2, 0),
		core.IncrementBy(2, 0),
		core.IncrementBy(2, 0),
	}
	plan := PlanLocals(cmds, 0, len(cmds), DefaultPlannerOptions())

	if plan.LocalCount != 2 {
		t.Fatalf("LocalCount = %d, want 2", plan.LocalCount)
	}
	if got, want := plan.SlotToLocal, map[int]int{2: 0, 0: 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("SlotToLocal = %v, want %v", got, want)
	}
	if got, want := plan.Loads[0], []Binding{{0, 2}, {1, 0}}; !reflect.DeepEqual(got, want) {
		t.Errorf("Loads[0] = %v, want %v", got, want)
	}
	if got, want := plan.Flushes[2], []Binding{{0, 2}}; !reflect.DeepEqual(got, want) {
		t.Errorf("Flushes[2] = %v, want %v", got, want)
	}
	if len(plan.Epilogue) != 0 {
		t.Errorf("Epilogue = %v, want none", plan.Epilogue)
	}
	for i := range cmds {
		if plan.TargetLocal[i] != 0 || plan.OperandLocal[i] != 1 {
			t.Errorf("command %d bound to (%d, %d), want (0, 1)", i, plan.TargetLocal[i], plan.OperandLocal[i])
		}
	}
	if got := plan.MappedSlots(); !reflect.DeepEqual(got, []int{0, 2}) {
		t.Errorf("MappedSlots() = %v, want [0 2]", got)
	}
}

func TestPlanWidensToCommonBlock(t *testing.T) {
	t.Parallel()
	cmds := []core.Command{
		core.EqualsValue(0, 1),
		core.If(),
		core.CopyTo(3, 0),
		core.IncrementBy(3, 0),
		core.EndIf(),
		core.IncrementBy(1, 3),
	}
	plan := PlanLocals(cmds, 0, len(cmds), PlannerOptions{MinUses: 1, MaxLocals: 16})

	iv := intervalOf(t, plan, 3)
	if iv.First != 1 || iv.Last != 5 || !iv.Load {
		t.Errorf("slot 3 interval = [%d..%d] load=%t, want [1..5] load=true", iv.First, iv.Last, iv.Load)
	}
	// The first write sits inside the If; the value must still be loaded
	// before it in case the body is skipped.
	if got, want := plan.Loads[1], []Binding{{1, 3}}; !reflect.DeepEqual(got, want) {
		t.Errorf("Loads[1] = %v, want %v", got, want)
	}
	if got := intervalOf(t, plan, 0); got.Last != 4 {
		t.Errorf("slot 0 Last = %d, want the EndIf at 4", got.Last)
	}
	// Slot 1 starts after slot 0's interval closes and takes its local.
	if got := intervalOf(t, plan, 1); got.Local != 0 {
		t.Errorf("slot 1 local = %d, want 0", got.Local)
	}
	if got, want := plan.Flushes[5], []Binding{{1, 3}, {0, 1}}; !reflect.DeepEqual(got, want) {
		t.Errorf("Flushes[5] = %v, want %v", got, want)
	}
}

func TestPlanEpilogue(t *testing.T) {
	t.Parallel()
	cmds := []core.Command{
		core.IncrementBy(3, 0),
		core.EqualsValue(0, 0),
		core.If(),
		core.IncrementBy(3, 0),
		core.EndIf(),
	}
	plan := PlanLocals(cmds, 0, 4, PlannerOptions{MinUses: 1, MaxLocals: 16})

	iv := intervalOf(t, plan, 3)
	if iv.Last != plan.End {
		t.Errorf("slot 3 Last = %d, want range end %d", iv.Last, plan.End)
	}
	if got, want := plan.Epilogue, []Binding{{iv.Local, 3}}; !reflect.DeepEqual(got, want) {
		t.Errorf("Epilogue = %v, want %v", got, want)
	}
	for i, fl := range plan.Flushes {
		if len(fl) != 0 {
			t.Errorf("Flushes[%d] = %v, want none", i, fl)
		}
	}

	var buf bytes.Buffer
	plan.Dump(&buf)
	if !strings.Contains(buf.String(), "plan [0,4) locals=2") || !strings.Contains(buf.String(), "epilogue") {
		t.Errorf("Dump() =\n%s", buf.String())
	}
}

func TestPlanUnclosedNestedBlocks(t *testing.T) {
	t.Parallel()
	cmds := []core.Command{
		core.EqualsValue(0, 0),
		core.If(),
		core.IncrementBy(3, 0),
		core.If(),
		core.IncrementBy(3, 0),
		core.EndIf(),
		core.EndIf(),
	}
	const end = 5
	plan := PlanLocals(cmds, 0, end, PlannerOptions{MinUses: 1, MaxLocals: 16})

	iv := intervalOf(t, plan, 3)
	if iv.First != 1 || iv.Last != end || !iv.Load {
		t.Errorf("slot 3 interval = [%d..%d] load=%t, want [1..%d] load=true", iv.First, iv.Last, iv.Load, end)
	}

	// With the outer If skipped the epilogue still flushes slot 3; it must
	// write back the value the slot already held.
	p, _ := program(t, 4, cmds)
	leaf := &model.Chunk{ID: 7, Kind: model.KindLeaf, EndCmd: end}
	for _, e := range executors(t, p, PlannerOptions{MinUses: 1, MaxLocals: 16}) {
		f := &Frame{Stack: []float64{1, 0, 0, 7}}
		e.Execute(leaf, f)
		if f.Stack[3] != 7 {
			t.Errorf("%s: slot 3 = %v, want 7", e.Kind(), f.Stack[3])
		}
	}
}

func TestPlanSplitsAtPureWrites(t *testing.T) {
	t.Parallel()
	cmds := []core.Command{
		core.Zero(4),
		core.IncrementBy(4, 0),
		core.Zero(4),
		core.IncrementBy(4, 0),
	}
	tests := []struct {
		name       string
		opts       PlannerOptions
		wantLocals []int // per interval, in discovery order
		wantCount  int
	}{
		{"reuse", PlannerOptions{MinUses: 1, MaxLocals: 16}, []int{0, 1, 0}, 2},
		{"one local", PlannerOptions{MinUses: 1, MaxLocals: 1}, []int{0, -1, 0}, 1},
		{"min uses", PlannerOptions{MinUses: 3, MaxLocals: 16}, []int{0, -1, 0}, 1},
		{"nothing hot", PlannerOptions{MinUses: 4, MaxLocals: 16}, []int{-1, -1, -1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			plan := PlanLocals(cmds, 0, len(cmds), tt.opts)
			if len(plan.Intervals) != 3 {
				t.Fatalf("got %d intervals, want 3", len(plan.Intervals))
			}
			var got []int
			for _, iv := range plan.Intervals {
				got = append(got, iv.Local)
			}
			if !reflect.DeepEqual(got, tt.wantLocals) {
				t.Errorf("locals = %v, want %v", got, tt.wantLocals)
			}
			if plan.LocalCount != tt.wantCount {
				t.Errorf("LocalCount = %d, want %d", plan.LocalCount, tt.wantCount)
			}
			for _, k := range []int{0, 2} {
				if plan.Intervals[k].Load {
					t.Errorf("interval %d starts with a pure write but loads", k)
				}
			}
		})
	}
}

func TestPlanLocalReuseAcrossIf(t *testing.T) {
	t.Parallel()
	base := []core.Command{
		core.EqualsValue(0, 0),
		core.If(),
		core.CopyTo(5, 0),
		core.IncrementBy(5, 0),
		core.EndIf(),
		core.CopyTo(6, 1),
		core.IncrementBy(6, 1),
	}

	t.Run("dead after if", func(t *testing.T) {
		t.Parallel()
		plan := PlanLocals(base, 0, len(base), DefaultPlannerOptions())
		five, six := intervalOf(t, plan, 5), intervalOf(t, plan, 6)
		if five.Local < 0 || five.Local != six.Local {
			t.Fatalf("slots 5 and 6 got locals %d and %d, want one shared local", five.Local, six.Local)
		}
		if got, want := plan.Flushes[3], []Binding{{five.Local, 5}}; !reflect.DeepEqual(got, want) {
			t.Errorf("Flushes[3] = %v, want %v", got, want)
		}
	})

	t.Run("live after if", func(t *testing.T) {
		t.Parallel()
		cmds := append(append([]core.Command(nil), base...), core.IncrementBy(0, 5))
		plan := PlanLocals(cmds, 0, len(cmds), DefaultPlannerOptions())
		five, six := intervalOf(t, plan, 5), intervalOf(t, plan, 6)
		if five.Local == six.Local {
			t.Errorf("slots 5 and 6 share local %d while both are live", five.Local)
		}
		if five.First != 1 || !five.Load {
			t.Errorf("slot 5 interval starts at %d load=%t, want the If at 1 with a load", five.First, five.Load)
		}
	})
}

func TestPlanIgnoresStrayClosers(t *testing.T) {
	t.Parallel()
	cmds := []core.Command{
		core.IncrementBy(2, 0),
		core.EndIf(),
		core.DecrementDepth(),
		core.IncrementBy(2, 0),
	}
	plan := PlanLocals(cmds, 0, len(cmds), DefaultPlannerOptions())
	iv := intervalOf(t, plan, 2)
	if iv.First != 0 || iv.Last != 3 {
		t.Errorf("slot 2 interval = [%d..%d], want [0..3]", iv.First, iv.Last)
	}
	if got, want := plan.Flushes[3], []Binding{{iv.Local, 2}}; !reflect.DeepEqual(got, want) {
		t.Errorf("Flushes[3] = %v, want %v", got, want)
	}
}
