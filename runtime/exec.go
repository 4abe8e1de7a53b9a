package runtime

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"

	"github.com/sbl8/tapeworks/backend"
	"github.com/sbl8/tapeworks/model"
)

// run carries the per-call state of one CompileAndRunOnce.
type run struct {
	e         *Engine
	ctx       context.Context
	exec      backend.Executor
	interp    backend.Executor
	threshold int
}

// childFrame pads a parallel child's frame to its own cache line.
type childFrame struct {
	backend.Frame
	_ cpu.CacheLinePad
}

func (r *run) chunk(c *model.Chunk, f *backend.Frame) error {
	switch c.Kind {
	case model.KindLeaf:
		return r.leaf(c, f)
	case model.KindConditional:
		if !f.Cond {
			f.SourcePos, f.DestPos = c.EndSrc, c.EndDst
			return nil
		}
		return r.children(c, f)
	}
	if c.ChildrenParallelizable {
		return r.parallel(c, f)
	}
	return r.children(c, f)
}

func (r *run) children(c *model.Chunk, f *backend.Frame) error {
	for _, child := range c.Children {
		if err := r.chunk(child, f); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) leaf(c *model.Chunk, f *backend.Frame) error {
	ex, fallback := r.exec, false
	if c.Len() < r.threshold {
		ex, fallback = r.interp, ex.Kind() != backend.Interpreted
	}
	f.SourcePos, f.DestPos = c.StartSrc, c.StartDst
	ex.Execute(c, f)
	if f.SourcePos != c.EndSrc || f.DestPos != c.EndDst {
		return fmt.Errorf("%w: chunk %d %q ended at (%d,%d), want (%d,%d)",
			ErrPositionDrift, c.ID, c.Name, f.SourcePos, f.DestPos, c.EndSrc, c.EndDst)
	}
	if r.e.opts.EnableStats {
		r.e.stats.leaf(ex.Kind(), fallback)
	}
	return nil
}

// parallel runs the children of c on private copies of the stack taken before
// any child starts, then copies each child's CopyUp slots back in child
// order. Every child starts from the parent's condition; the last child's
// condition is kept. The result does not depend on the number of workers.
func (r *run) parallel(c *model.Chunk, f *backend.Frame) error {
	frames := make([]childFrame, len(c.Children))
	for i, child := range c.Children {
		s := r.e.stacks.Get()
		copy(s, f.Stack)
		frames[i].Frame = backend.Frame{
			Stack:        s,
			Sources:      f.Sources,
			Destinations: f.Destinations,
			SourcePos:    child.StartSrc,
			DestPos:      child.StartDst,
			Cond:         f.Cond,
		}
	}
	defer func() {
		for i := range frames {
			r.e.stacks.Put(frames[i].Stack)
		}
	}()

	if workers := r.e.opts.workers(); workers > 1 && len(c.Children) > 1 {
		g, ctx := errgroup.WithContext(r.ctx)
		g.SetLimit(workers)
		sub := *r
		sub.ctx = ctx
		for i, child := range c.Children {
			g.Go(func() error { return sub.chunk(child, &frames[i].Frame) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for i, child := range c.Children {
			if err := r.chunk(child, &frames[i].Frame); err != nil {
				return err
			}
		}
	}

	for i, child := range c.Children {
		for _, s := range child.CopyUp {
			f.Stack[s] = frames[i].Stack[s]
		}
	}
	if n := len(frames); n > 0 {
		f.Cond = frames[n-1].Cond
	}
	f.SourcePos, f.DestPos = c.EndSrc, c.EndDst
	return nil
}
