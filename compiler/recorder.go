package compiler

import (
	"errors"
	"fmt"

	"github.com/sbl8/tapeworks/core"
	"github.com/sbl8/tapeworks/model"
)

// Build errors. Recorder misuse is a programming error, so the Recorder panics
// with a *BuildError wrapping one of these at the offending call.
var (
	ErrUnbalanced      = errors.New("unbalanced scope markers")
	ErrReplayMismatch  = errors.New("replayed commands differ from template")
	ErrBindingMismatch = errors.New("binding table does not match template ports")
	ErrChunkInsideIf   = errors.New("chunk boundary inside an open If")
	ErrStrayCommand    = errors.New("command recorded directly in a parallel chunk")
	ErrCompleted       = errors.New("recorder already completed")
	ErrSlotRange       = errors.New("slot index out of range")
)

// BuildError reports recorder misuse at a tape position.
type BuildError struct {
	Err      error
	Position int
	Detail   string
}

func (e *BuildError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("tape position %d: %v", e.Position, e.Err)
	}
	return fmt.Sprintf("tape position %d: %v: %s", e.Position, e.Err, e.Detail)
}

func (e *BuildError) Unwrap() error { return e.Err }

// RecorderOptions configures recording.
type RecorderOptions struct {
	// Ordered routes reads of original data through NextSource and
	// accumulations into original data through NextDestination.
	Ordered bool
	// Flat disables nesting, parallelism, replay and ordered helpers; the
	// program completes as a single leaf. Used as the baseline mode.
	Flat bool
	// IDs supplies chunk IDs; a fresh counter starting at 1 is used when nil.
	IDs *model.IDCounter
}

// Template captures a recorded chunk so it can be replayed or stamped with
// new port bindings.
type Template struct {
	Chunk        *model.Chunk
	StartCmd     int
	EndCmd       int
	StartScratch int
	EndScratch   int
	Sources      int
	Destinations int
}

type scope struct {
	op      core.Opcode
	scratch int
}

type frame struct {
	chunk      *model.Chunk
	leaf       *model.Chunk
	scopeDepth int
	scratch    int
	replaying  bool
}

type replayState struct {
	tmpl *Template
	pos  int
}

// Recorder builds a command tape and its chunk tree. It is not safe for
// concurrent use.
type Recorder struct {
	opts     RecorderOptions
	ids      *model.IDCounter
	reserved int

	cmds         []core.Command
	comments     map[int]string
	sources      []int
	destinations []int

	nextScratch int
	scopes      []scope
	frames      []*frame
	auto        map[*model.Chunk]bool
	replay      *replayState
	done        bool
}

// NewRecorder starts a program whose first reserved slots mirror the caller's
// data array.
func NewRecorder(reserved int, opts RecorderOptions) *Recorder {
	ids := opts.IDs
	if ids == nil {
		ids = model.NewIDCounter(1)
	}
	r := &Recorder{
		opts:        opts,
		ids:         ids,
		reserved:    reserved,
		comments:    make(map[int]string),
		nextScratch: reserved,
		auto:        make(map[*model.Chunk]bool),
	}
	root := &model.Chunk{ID: ids.Next(), Name: "root", Kind: model.KindContainer}
	r.frames = []*frame{{chunk: root, scratch: reserved}}
	return r
}

// IDs returns the counter the recorder assigns chunk IDs from.
func (r *Recorder) IDs() *model.IDCounter { return r.ids }

// Reserved returns the number of caller-visible slots.
func (r *Recorder) Reserved() int { return r.reserved }

// Len returns the number of commands in the tape so far.
func (r *Recorder) Len() int { return len(r.cmds) }

// NextScratch returns the slot the next allocation will return.
func (r *Recorder) NextScratch() int { return r.nextScratch }

// ordered reports whether the ordered-port helpers are active.
func (r *Recorder) ordered() bool { return r.opts.Ordered && !r.opts.Flat }

func (r *Recorder) fail(err error, format string, args ...any) {
	panic(&BuildError{Err: err, Position: r.cursor(), Detail: fmt.Sprintf(format, args...)})
}

// checkSlots fails unless every slot fits a command operand.
func (r *Recorder) checkSlots(slots ...int) {
	for _, s := range slots {
		if s < 0 || s > core.MaxSlotIndex {
			r.fail(ErrSlotRange, "slot %d", s)
		}
	}
}

func (r *Recorder) top() *frame { return r.frames[len(r.frames)-1] }

func (r *Recorder) cursor() int {
	if r.replay != nil {
		return r.replay.pos
	}
	return len(r.cmds)
}

// emit records c and returns its tape position. While replaying, c is
// compared against the template instead of being appended.
func (r *Recorder) emit(c core.Command) int {
	if r.done {
		r.fail(ErrCompleted, "%s", c)
	}
	f := r.top()
	if f.leaf == nil {
		if f.chunk.ChildrenParallelizable && !r.opts.Flat {
			r.fail(ErrStrayCommand, "%s in %q", c, f.chunk.Name)
		}
		r.openLeaf(f)
	}

	if rs := r.replay; rs != nil {
		if rs.pos >= rs.tmpl.EndCmd {
			r.fail(ErrReplayMismatch, "%s past the end of template %q", c, rs.tmpl.Chunk.Name)
		}
		if want := r.cmds[rs.pos]; want != c {
			r.fail(ErrReplayMismatch, "got %s, template has %s", c, want)
		}
		rs.pos++
		return rs.pos - 1
	}
	r.cmds = append(r.cmds, c)
	return len(r.cmds) - 1
}

func (r *Recorder) openLeaf(f *frame) {
	leaf := &model.Chunk{
		ID:       r.ids.Next(),
		Name:     fmt.Sprintf("%s.%d", f.chunk.Name, len(f.chunk.Children)),
		Kind:     model.KindLeaf,
		StartCmd: r.cursor(),
		StartSrc: len(r.sources),
		StartDst: len(r.destinations),
	}
	f.chunk.AddChild(leaf)
	r.auto[leaf] = true
	f.leaf = leaf
}

func (r *Recorder) closeLeaf(f *frame) {
	if f.leaf == nil {
		return
	}
	r.closeRanges(f.leaf)
	f.leaf = nil
}

func (r *Recorder) closeRanges(c *model.Chunk) {
	c.EndCmd = r.cursor()
	c.EndSrc = len(r.sources)
	c.EndDst = len(r.destinations)
}

func (r *Recorder) checkNoOpenIf() {
	for _, s := range r.scopes {
		if s.op == core.OpIf {
			r.fail(ErrChunkInsideIf, "")
		}
	}
}

// Slot allocation

// NewSlot allocates a scratch slot without emitting a command.
func (r *Recorder) NewSlot() int {
	s := r.nextScratch
	r.nextScratch++
	return s
}

// NewZero allocates a scratch slot and zeroes it.
func (r *Recorder) NewZero() int {
	s := r.NewSlot()
	r.ZeroExisting(s)
	return s
}

// CopyToNew allocates a scratch slot holding the value of src. When src names
// an original data index and ordered ports are on, the value is read through
// NextSource so it reflects the data as it was when the run started.
func (r *Recorder) CopyToNew(src int, fromOriginal bool) int {
	s := r.NewSlot()
	if fromOriginal && r.ordered() {
		r.NextSource(s, src)
	} else {
		r.CopyTo(s, src)
	}
	return s
}

// NewCopy allocates a scratch slot holding a copy of src.
func (r *Recorder) NewCopy(src int) int { return r.CopyToNew(src, false) }

// Arithmetic

func (r *Recorder) ZeroExisting(slot int) {
	r.checkSlots(slot)
	r.emit(core.Zero(slot))
}

func (r *Recorder) CopyTo(target, source int) {
	r.checkSlots(target, source)
	r.emit(core.CopyTo(target, source))
}

func (r *Recorder) IncrementBy(target, source int) {
	r.checkSlots(target, source)
	r.emit(core.IncrementBy(target, source))
}

func (r *Recorder) DecrementBy(target, source int) {
	r.checkSlots(target, source)
	r.emit(core.DecrementBy(target, source))
}

func (r *Recorder) MultiplyBy(target, source int) {
	r.checkSlots(target, source)
	r.emit(core.MultiplyBy(target, source))
}

// Increment adds slot into target. When target is an original data index and
// ordered ports are on, the contribution is accumulated through
// NextDestination and lands in the data array when the run is flushed.
func (r *Recorder) Increment(target int, targetOriginal bool, slot int) {
	if targetOriginal && r.ordered() {
		r.NextDestination(slot, target)
		return
	}
	r.IncrementBy(target, slot)
}

// Comparisons. Each sets the shared condition consulted by the next If.

func (r *Recorder) EqualsValue(slot int, literal float64) {
	r.checkSlots(slot)
	r.emit(core.EqualsValue(slot, literal))
}

func (r *Recorder) NotEqualsValue(slot int, literal float64) {
	r.checkSlots(slot)
	r.emit(core.NotEqualsValue(slot, literal))
}

func (r *Recorder) Equals(slot, other int) {
	r.checkSlots(slot, other)
	r.emit(core.EqualsOtherArrayIndex(slot, other))
}

func (r *Recorder) NotEquals(slot, other int) {
	r.checkSlots(slot, other)
	r.emit(core.NotEqualsOtherArrayIndex(slot, other))
}

func (r *Recorder) GreaterThan(slot, other int) {
	r.checkSlots(slot, other)
	r.emit(core.GreaterThan(slot, other))
}

func (r *Recorder) LessThan(slot, other int) {
	r.checkSlots(slot, other)
	r.emit(core.LessThan(slot, other))
}

// Ordered ports

// NextSource reads the next ordered source into target; sourceIndex is the
// data index the position is bound to.
func (r *Recorder) NextSource(target, sourceIndex int) {
	r.checkSlots(target)
	r.emit(core.NextSource(target))
	r.sources = append(r.sources, sourceIndex)
}

// NextDestination accumulates slot into the next ordered destination, bound to
// data index destinationIndex.
func (r *Recorder) NextDestination(slot, destinationIndex int) {
	r.checkSlots(slot)
	r.emit(core.NextDestination(slot))
	r.destinations = append(r.destinations, destinationIndex)
}

// Control flow

func (r *Recorder) If() {
	r.emit(core.If())
	r.scopes = append(r.scopes, scope{op: core.OpIf, scratch: r.nextScratch})
}

func (r *Recorder) EndIf() {
	r.popScope(core.OpIf)
	r.emit(core.EndIf())
}

// IncrementDepth opens a scope; scratch slots allocated inside it are released
// by the matching DecrementDepth.
func (r *Recorder) IncrementDepth() {
	r.emit(core.IncrementDepth())
	r.scopes = append(r.scopes, scope{op: core.OpIncrementDepth, scratch: r.nextScratch})
}

func (r *Recorder) DecrementDepth() {
	s := r.popScope(core.OpIncrementDepth)
	r.emit(core.DecrementDepth())
	r.nextScratch = s.scratch
}

func (r *Recorder) popScope(opener core.Opcode) scope {
	if len(r.scopes) <= r.top().scopeDepth {
		r.fail(ErrUnbalanced, "%s without %s", opener.Closer(), opener)
	}
	s := r.scopes[len(r.scopes)-1]
	if s.op != opener {
		r.fail(ErrUnbalanced, "%s closes %s", opener.Closer(), s.op)
	}
	r.scopes = r.scopes[:len(r.scopes)-1]
	return s
}

// Comment records a no-op carrying text.
func (r *Recorder) Comment(text string) {
	pos := r.emit(core.Comment())
	if r.replay == nil {
		r.comments[pos] = text
	}
}

// Blank records a no-op.
func (r *Recorder) Blank() { r.emit(core.Blank()) }

// Chunks

// StartCommandChunk opens a child chunk of the current chunk. When parallel is
// set its children may run concurrently on private stacks. When replay is not
// nil the chunk re-binds the template's command range: every command recorded
// until the matching EndCommandChunk must equal the template's, no commands
// are appended, and ordered ports get fresh entries.
func (r *Recorder) StartCommandChunk(parallel bool, name string, replay *Template) {
	if r.done {
		r.fail(ErrCompleted, "chunk %q", name)
	}
	r.checkNoOpenIf()
	parent := r.top()
	r.closeLeaf(parent)

	if r.opts.Flat {
		replay = nil
	}
	c := &model.Chunk{
		ID:                     r.ids.Next(),
		Name:                   name,
		Kind:                   model.KindContainer,
		StartSrc:               len(r.sources),
		StartDst:               len(r.destinations),
		ChildrenParallelizable: parallel && !r.opts.Flat,
	}
	if parent.chunk.ChildrenParallelizable {
		c.Stack = model.StackPrivate
	}

	f := &frame{chunk: c, scopeDepth: len(r.scopes), scratch: r.nextScratch}
	if replay != nil {
		if r.replay != nil {
			r.fail(ErrReplayMismatch, "nested replay of %q", replay.Chunk.Name)
		}
		if r.nextScratch != replay.StartScratch {
			r.fail(ErrReplayMismatch, "scratch pointer %d, template started at %d", r.nextScratch, replay.StartScratch)
		}
		r.replay = &replayState{tmpl: replay, pos: replay.StartCmd}
		c.ReplayOf = replay.Chunk.ID
		f.replaying = true
	}
	c.StartCmd = r.cursor()
	parent.chunk.AddChild(c)
	r.frames = append(r.frames, f)
}

// EndCommandChunk closes the current chunk. copyUp lists slots copied back to
// the parent's stack when the chunk ran on a private stack. The returned
// template can be replayed or stamped.
func (r *Recorder) EndCommandChunk(copyUp ...int) *Template {
	if len(r.frames) < 2 {
		r.fail(ErrUnbalanced, "EndCommandChunk without StartCommandChunk")
	}
	f := r.top()
	if len(r.scopes) != f.scopeDepth {
		r.fail(ErrUnbalanced, "chunk %q closes with %d open scopes", f.chunk.Name, len(r.scopes)-f.scopeDepth)
	}
	r.closeLeaf(f)
	c := f.chunk
	r.closeRanges(c)

	if f.replaying {
		if r.replay.pos != r.replay.tmpl.EndCmd {
			r.fail(ErrReplayMismatch, "replay of %q stopped at %d, template ends at %d", r.replay.tmpl.Chunk.Name, r.replay.pos, r.replay.tmpl.EndCmd)
		}
		r.replay = nil
	}
	collapse(c, r.auto)
	if c.Stack == model.StackPrivate {
		c.CopyUp = append([]int(nil), copyUp...)
	}
	r.frames = r.frames[:len(r.frames)-1]

	return &Template{
		Chunk:        c,
		StartCmd:     c.StartCmd,
		EndCmd:       c.EndCmd,
		StartScratch: f.scratch,
		EndScratch:   r.nextScratch,
		Sources:      c.SourceCount(),
		Destinations: c.DestinationCount(),
	}
}

// collapse turns a chunk whose only content is one automatic leaf, or nothing,
// into a leaf itself.
func collapse(c *model.Chunk, auto map[*model.Chunk]bool) {
	switch {
	case len(c.Children) == 0:
		c.Kind = model.KindLeaf
	case len(c.Children) == 1 && auto[c.Children[0]]:
		delete(auto, c.Children[0])
		c.Children = nil
		c.Kind = model.KindLeaf
	}
}

// Stamp adds a copy of a recorded template bound to new ordered ports without
// recording anything again. In flat mode the template's commands are copied
// onto the tape instead.
//
// Under a parallel parent the copy runs on a private stack and copyUp lists
// the slots returned to the parent; without copyUp it keeps the template's own
// list, which is empty for templates recorded under a serial parent.
func (r *Recorder) Stamp(t *Template, name string, sources, destinations []int, copyUp ...int) *model.Chunk {
	if len(sources) != t.Sources || len(destinations) != t.Destinations {
		r.fail(ErrBindingMismatch, "template %q has %d sources and %d destinations, got %d and %d",
			t.Chunk.Name, t.Sources, t.Destinations, len(sources), len(destinations))
	}
	if r.opts.Flat {
		r.stampFlat(t, sources, destinations)
		return nil
	}
	if r.replay != nil {
		r.fail(ErrReplayMismatch, "stamp inside a replay")
	}
	r.checkNoOpenIf()
	parent := r.top()
	r.closeLeaf(parent)

	clone := t.Chunk.Clone(r.ids, len(r.sources)-t.Chunk.StartSrc, len(r.destinations)-t.Chunk.StartDst)
	clone.Name = name
	clone.ReplayOf = t.Chunk.ID
	r.checkSlots(copyUp...)
	clone.Stack = model.StackShared
	switch {
	case !parent.chunk.ChildrenParallelizable:
		clone.CopyUp = nil
	case len(copyUp) > 0:
		clone.Stack = model.StackPrivate
		clone.CopyUp = append([]int(nil), copyUp...)
	default:
		clone.Stack = model.StackPrivate
	}
	parent.chunk.AddChild(clone)

	r.sources = append(r.sources, sources...)
	r.destinations = append(r.destinations, destinations...)
	return clone
}

func (r *Recorder) stampFlat(t *Template, sources, destinations []int) {
	var s, d int
	for i := t.StartCmd; i < t.EndCmd; i++ {
		c := r.cmds[i]
		pos := r.emit(c)
		switch c.Op {
		case core.OpNextSource:
			r.sources = append(r.sources, sources[s])
			s++
		case core.OpNextDestination:
			r.destinations = append(r.destinations, destinations[d])
			d++
		case core.OpComment:
			r.comments[pos] = r.comments[i]
		}
	}
}

// Complete finalizes the tape and the tree. Nothing can be recorded afterwards.
func (r *Recorder) Complete() (*model.Program, error) {
	if r.done {
		return nil, ErrCompleted
	}
	if len(r.frames) != 1 {
		return nil, fmt.Errorf("%w: %d chunks still open", ErrUnbalanced, len(r.frames)-1)
	}
	if len(r.scopes) != 0 {
		return nil, fmt.Errorf("%w: %d scopes still open", ErrUnbalanced, len(r.scopes))
	}
	root := r.top().chunk
	r.closeLeaf(r.top())
	r.closeRanges(root)
	r.done = true

	if r.opts.Flat {
		flat := &model.Chunk{ID: root.ID, Name: root.Name, Kind: model.KindContainer}
		r.closeRanges(flat)
		if len(r.cmds) > 0 {
			leaf := &model.Chunk{ID: r.ids.Next(), Name: "flat", Kind: model.KindLeaf}
			r.closeRanges(leaf)
			flat.AddChild(leaf)
		}
		root = flat
	}

	p := model.NewProgram(r.cmds, root, r.reserved, r.sources, r.destinations)
	p.Comments = r.comments
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
