// Package model defines the program representation executed by tapeworks.
//
// A Program is an immutable command tape plus a tree of Chunks partitioning it
// into executable ranges. Leaves own directly executable command ranges;
// containers and conditionals are pure structure. Every chunk also carries the
// slice of the ordered source and destination index lists its commands consume,
// so executors can start a chunk at the right port positions without replaying
// anything that ran before it.
//
// Key data structures:
//   - Chunk: named, ID'd node with command/source/destination ranges
//   - IDCounter: explicit ID source threaded through construction
//   - Program: finalized tape, chunk tree, ordered index lists and branch tables
//   - Serialization utilities for persistent program storage
//
// Programs are created by the compiler package, optionally hoisted, then
// loaded by the runtime for repeated execution. Once finalized they are never
// mutated, which makes them safe to share across goroutines.
package model

import (
	"fmt"
	"strings"
)

// Kind distinguishes leaves from structural nodes.
type Kind uint8

const (
	KindLeaf        Kind = iota // owns an executable command range
	KindContainer               // runs its children, serially or in parallel
	KindConditional             // spans If..EndIf; runs its children only when the condition holds
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindContainer:
		return "container"
	case KindConditional:
		return "conditional"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// StackPolicy says whether a chunk shares its parent's virtual stack.
type StackPolicy uint8

const (
	StackShared StackPolicy = iota
	StackPrivate
)

// Chunk is one node of the chunk tree. Ranges are half-open.
type Chunk struct {
	ID   int
	Name string
	Kind Kind

	StartCmd, EndCmd int
	StartSrc, EndSrc int
	StartDst, EndDst int

	ChildrenParallelizable bool
	Stack                  StackPolicy
	// CopyUp lists the slots copied back into the parent's stack after a
	// chunk with a private stack finishes.
	CopyUp []int
	// ReplayOf is the ID of the chunk whose command range this chunk re-binds,
	// or zero.
	ReplayOf int

	Children []*Chunk
	Parent   *Chunk
}

// Len returns the number of commands in the chunk's range.
func (c *Chunk) Len() int { return c.EndCmd - c.StartCmd }

// IsLeaf reports whether the chunk owns its commands directly.
func (c *Chunk) IsLeaf() bool { return c.Kind == KindLeaf }

// SourceCount returns how many ordered sources the chunk consumes.
func (c *Chunk) SourceCount() int { return c.EndSrc - c.StartSrc }

// DestinationCount returns how many ordered destinations the chunk produces.
func (c *Chunk) DestinationCount() int { return c.EndDst - c.StartDst }

// AddChild appends child and links it back to c.
func (c *Chunk) AddChild(child *Chunk) {
	child.Parent = c
	c.Children = append(c.Children, child)
}

// Walk visits c and its descendants depth-first in program order. Returning
// false from fn prunes the subtree below the visited chunk.
func (c *Chunk) Walk(fn func(c *Chunk, depth int) bool) {
	c.walk(fn, 0)
}

func (c *Chunk) walk(fn func(*Chunk, int) bool, depth int) {
	if !fn(c, depth) {
		return
	}
	for _, child := range c.Children {
		child.walk(fn, depth+1)
	}
}

// Leaves returns the leaves under c in program order.
func (c *Chunk) Leaves() []*Chunk {
	var leaves []*Chunk
	c.Walk(func(n *Chunk, _ int) bool {
		if n.IsLeaf() {
			leaves = append(leaves, n)
		}
		return true
	})
	return leaves
}

// Clone deep-copies the subtree rooted at c, giving every node a fresh ID and
// shifting port ranges by the given offsets. Command ranges are kept, so the
// clone executes the same tape with different port bindings.
func (c *Chunk) Clone(ids *IDCounter, srcShift, dstShift int) *Chunk {
	n := &Chunk{
		ID:                     ids.Next(),
		Name:                   c.Name,
		Kind:                   c.Kind,
		StartCmd:               c.StartCmd,
		EndCmd:                 c.EndCmd,
		StartSrc:               c.StartSrc + srcShift,
		EndSrc:                 c.EndSrc + srcShift,
		StartDst:               c.StartDst + dstShift,
		EndDst:                 c.EndDst + dstShift,
		ChildrenParallelizable: c.ChildrenParallelizable,
		Stack:                  c.Stack,
		CopyUp:                 append([]int(nil), c.CopyUp...),
		ReplayOf:               c.ReplayOf,
	}
	for _, child := range c.Children {
		n.AddChild(child.Clone(ids, srcShift, dstShift))
	}
	return n
}

func (c *Chunk) String() string {
	return fmt.Sprintf("%s#%d %q cmd[%d,%d) src[%d,%d) dst[%d,%d)",
		c.Kind, c.ID, c.Name, c.StartCmd, c.EndCmd, c.StartSrc, c.EndSrc, c.StartDst, c.EndDst)
}

// Dump renders the subtree as an indented outline.
func (c *Chunk) Dump() string {
	var sb strings.Builder
	c.Walk(func(n *Chunk, depth int) bool {
		sb.WriteString(strings.Repeat("  ", depth))
		sb.WriteString(n.String())
		if n.ChildrenParallelizable {
			sb.WriteString(" parallel")
		}
		if n.Stack == StackPrivate {
			sb.WriteString(" private")
		}
		sb.WriteByte('\n')
		return true
	})
	return sb.String()
}

// IDCounter hands out chunk IDs. It is passed explicitly to whatever builds or
// rewrites a tree, so independent programs (and tests) never share ID state.
type IDCounter struct {
	next int
}

// NewIDCounter returns a counter whose first ID is start.
func NewIDCounter(start int) *IDCounter {
	return &IDCounter{next: start}
}

// Next returns a fresh ID.
func (c *IDCounter) Next() int {
	id := c.next
	c.next++
	return id
}

// Peek returns the ID the next call to Next will return.
func (c *IDCounter) Peek() int { return c.next }
