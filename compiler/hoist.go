package compiler

import (
	"golang.org/x/tools/container/intsets"

	"github.com/sbl8/tapeworks/core"
	"github.com/sbl8/tapeworks/model"
)

// HoistPlan names one oversize leaf and the If block chosen to lift out of it.
type HoistPlan struct {
	Leaf *model.Chunk
	// Chain lists the If positions from the outermost block enclosing the
	// chosen one (inside the leaf) down to the chosen block itself.
	Chain []int
}

// If returns the position of the chosen block's If.
func (h HoistPlan) If() int { return h.Chain[len(h.Chain)-1] }

type ifBlock struct {
	at, end int // If and matching EndIf positions
	depth   int // nesting depth inside the leaf, 0 for top level
	chain   []int
}

// PlanHoists reports every leaf longer than threshold that contains an If
// block. For each such leaf the deepest block whose span (If..EndIf inclusive)
// exceeds the threshold is chosen; when no block is oversize the first top
// level block is chosen so the leaf still shrinks. Straight-line leaves are
// never reported, whatever their size.
func PlanHoists(p *model.Program, threshold int) []HoistPlan {
	var ifs intsets.Sparse
	for i, c := range p.Commands {
		if c.Op == core.OpIf {
			ifs.Insert(i)
		}
	}

	var plans []HoistPlan
	for _, leaf := range p.Leaves() {
		if leaf.Len() <= threshold {
			continue
		}
		if next := ifs.LowerBound(leaf.StartCmd); next == intsets.MaxInt || next >= leaf.EndCmd {
			continue
		}
		blocks := leafBlocks(p, leaf)
		if len(blocks) == 0 {
			continue
		}

		chosen := -1
		for i, b := range blocks {
			if b.end-b.at+1 <= threshold {
				continue
			}
			if chosen < 0 || b.depth > blocks[chosen].depth {
				chosen = i
			}
		}
		if chosen < 0 {
			chosen = 0 // blocks are in tape order, so this is the first top-level one
		}
		plans = append(plans, HoistPlan{Leaf: leaf, Chain: blocks[chosen].chain})
	}
	return plans
}

// leafBlocks lists the If blocks wholly inside leaf, in tape order.
func leafBlocks(p *model.Program, leaf *model.Chunk) []ifBlock {
	var blocks []ifBlock
	var open []int
	for i := leaf.StartCmd; i < leaf.EndCmd; i++ {
		switch p.Commands[i].Op {
		case core.OpIf:
			end := int(p.Match[i])
			if end == model.NoMatch || end >= leaf.EndCmd {
				continue
			}
			open = append(open, i)
			blocks = append(blocks, ifBlock{
				at:    i,
				end:   end,
				depth: len(open) - 1,
				chain: append([]int(nil), open...),
			})
		case core.OpEndIf:
			if len(open) > 0 && int(p.Match[i]) == open[len(open)-1] {
				open = open[:len(open)-1]
			}
		}
	}
	return blocks
}

// ApplyHoist rewrites the planned leaf in place. The leaf becomes a container
// holding its prefix, a Conditional node spanning the outermost block of the
// chain, and its suffix. Every block of the chain becomes a nested Conditional
// whose body is split the same way, so no leaf is left holding half of an If.
func ApplyHoist(p *model.Program, plan HoistPlan, ids *model.IDCounter) {
	leaf := plan.Leaf
	start, end := leaf.StartCmd, leaf.EndCmd
	leaf.Kind = model.KindContainer
	leaf.ChildrenParallelizable = false
	leaf.Children = nil

	outer := plan.Chain[0]
	outerEnd := int(p.Match[outer])
	addLeaf(p, leaf, ids, start, outer)
	leaf.AddChild(conditional(p, leaf, plan.Chain, ids))
	addLeaf(p, leaf, ids, outerEnd+1, end)
}

// conditional builds the Conditional node for chain[0], nesting the rest.
func conditional(p *model.Program, owner *model.Chunk, chain []int, ids *model.IDCounter) *model.Chunk {
	at := chain[0]
	end := int(p.Match[at])
	c := span(p, owner, ids.Next(), "Conditional", model.KindConditional, at, end+1)
	if len(chain) == 1 {
		addLeaf(p, c, ids, at+1, end)
		return c
	}
	inner := chain[1]
	addLeaf(p, c, ids, at+1, inner)
	c.AddChild(conditional(p, owner, chain[1:], ids))
	addLeaf(p, c, ids, int(p.Match[inner])+1, end)
	return c
}

// addLeaf appends a leaf for commands [a, b) to parent; empty ranges are
// skipped.
func addLeaf(p *model.Program, parent *model.Chunk, ids *model.IDCounter, a, b int) {
	if a >= b {
		return
	}
	parent.AddChild(span(p, parent, ids.Next(), parent.Name, model.KindLeaf, a, b))
}

// span creates a node for commands [a, b) whose port ranges are measured from
// owner, an enclosing node with settled ranges. Measuring from the owner rather
// than from the tape start keeps replayed ranges bound to their own ports.
func span(p *model.Program, owner *model.Chunk, id int, name string, kind model.Kind, a, b int) *model.Chunk {
	src := owner.StartSrc + p.SourcesIn(owner.StartCmd, a)
	dst := owner.StartDst + p.DestinationsIn(owner.StartCmd, a)
	return &model.Chunk{
		ID:       id,
		Name:     name,
		Kind:     kind,
		StartCmd: a,
		EndCmd:   b,
		StartSrc: src,
		EndSrc:   src + p.SourcesIn(a, b),
		StartDst: dst,
		EndDst:   dst + p.DestinationsIn(a, b),
	}
}

// HoistWith plans and applies hoists until every leaf longer than threshold is
// straight-line code. It returns the number of blocks lifted.
func HoistWith(p *model.Program, threshold int, ids *model.IDCounter) int {
	lifted := 0
	for {
		plans := PlanHoists(p, threshold)
		if len(plans) == 0 {
			return lifted
		}
		for _, plan := range plans {
			ApplyHoist(p, plan, ids)
			lifted += len(plan.Chain)
		}
	}
}

// Hoist is HoistWith using IDs that continue after the largest ID in the tree.
func Hoist(p *model.Program, threshold int) int {
	return HoistWith(p, threshold, NextIDs(p))
}

// NextIDs returns a counter starting after the largest chunk ID in p.
func NextIDs(p *model.Program) *model.IDCounter {
	maxID := 0
	p.Root.Walk(func(c *model.Chunk, _ int) bool {
		if c.ID > maxID {
			maxID = c.ID
		}
		return true
	})
	return model.NewIDCounter(maxID + 1)
}
