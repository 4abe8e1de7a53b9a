// Package runtime implements the tapeworks execution engine.
//
// An Engine owns one program: it exposes the Recorder used to build it,
// finalizes and optionally hoists the chunk tree, and runs the program
// against caller data with any executor kind. The finalized tape and tree are
// immutable and shared by every run; the virtual stack and the ordered port
// buffers live in a per-run Arena.
//
// Execution model:
//  1. Copy the reserved data prefix into the virtual stack
//  2. Snapshot ordered sources and zero the destinations
//  3. Walk the chunk tree; parallel siblings run on private stacks
//  4. Copy the reserved prefix back and flush destinations into data
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbl8/tapeworks/backend"
	"github.com/sbl8/tapeworks/compiler"
	"github.com/sbl8/tapeworks/kernels"
	"github.com/sbl8/tapeworks/model"
)

var (
	// ErrNotFinalized is returned when running before CompleteCommandList.
	ErrNotFinalized = errors.New("runtime: command list not completed")
	// ErrFinalized is returned when completing an engine twice.
	ErrFinalized = errors.New("runtime: command list already completed")
	// ErrShortData is returned when the data array cannot hold every index
	// the program touches.
	ErrShortData = errors.New("runtime: data array too short")
	// ErrPositionDrift is returned when a leaf consumes a different number of
	// ports than its range records.
	ErrPositionDrift = errors.New("runtime: port position drift")
)

// Engine records, finalizes and runs one program.
type Engine struct {
	opts   Options
	log    *slog.Logger
	tracer trace.Tracer

	rec  *compiler.Recorder
	prog *model.Program

	minData   int
	dstGroups []kernels.Group
	arenas    *ArenaPool
	stacks    *StackPool
	executors *xsync.MapOf[backend.Kind, backend.Executor]
	stats     *statsCounters
}

// NewEngine creates an engine whose programs mirror the first reserved slots
// of the caller's data.
func NewEngine(reserved int, opts Options) *Engine {
	e := newEngine(opts)
	e.rec = compiler.NewRecorder(reserved, compiler.RecorderOptions{
		Ordered: !opts.DisableAdvancedFeatures,
		Flat:    opts.DisableAdvancedFeatures,
	})
	return e
}

// NewEngineFromProgram creates an engine around an already finalized program.
// It has no recorder.
func NewEngineFromProgram(p *model.Program, opts Options) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := newEngine(opts)
	e.setProgram(p)
	return e, nil
}

func newEngine(opts Options) *Engine {
	return &Engine{
		opts:      opts,
		log:       opts.logger(),
		tracer:    opts.tracer(),
		executors: xsync.NewMapOf[backend.Kind, backend.Executor](),
		stats:     newStatsCounters(),
	}
}

// Load reads a serialized program and constructs an Engine.
func Load(path string, opts Options) (*Engine, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := model.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return NewEngineFromProgram(p, opts)
}

// Recorder returns the recorder that builds the program. It is nil for
// engines created from a finalized program.
func (e *Engine) Recorder() *compiler.Recorder { return e.rec }

// Program returns the finalized program, or nil before CompleteCommandList.
func (e *Engine) Program() *model.Program { return e.prog }

// Options returns the engine's options.
func (e *Engine) Options() Options { return e.opts }

// CompleteCommandList finalizes the recorded tape and chunk tree. With
// hoistLargeIfBodies set, oversize conditional leaves are split at
// MaxCommandsPerSplittableChunk.
func (e *Engine) CompleteCommandList(ctx context.Context, hoistLargeIfBodies bool) (err error) {
	_, span := e.tracer.Start(ctx, "CompleteCommandList")
	defer func() { endSpan(span, err) }()

	if e.prog != nil {
		return ErrFinalized
	}
	if e.rec == nil {
		return ErrNotFinalized
	}
	p, err := e.rec.Complete()
	if err != nil {
		return err
	}

	lifted := 0
	threshold := e.opts.MaxCommandsPerSplittableChunk
	if hoistLargeIfBodies && !e.opts.DisableAdvancedFeatures && threshold < NoHoist {
		lifted = compiler.HoistWith(p, threshold, e.rec.IDs())
		if err := p.Validate(); err != nil {
			return fmt.Errorf("after hoisting: %w", err)
		}
	}
	e.setProgram(p)

	sum := p.Summarize()
	span.SetAttributes(
		attribute.String("program.id", p.ID.String()),
		attribute.Int("program.commands", sum.Commands),
		attribute.Int("program.leaves", sum.Leaves),
		attribute.Int("hoist.lifted", lifted),
	)
	e.log.Debug("command list completed",
		"program", p.ID.String(),
		"commands", sum.Commands,
		"leaves", sum.Leaves,
		"conditionals", sum.Conditionals,
		"lifted", lifted,
		"stack", sum.StackSize)
	return nil
}

func (e *Engine) setProgram(p *model.Program) {
	e.prog = p
	e.minData = p.Reserved()
	for _, idx := range [][]int{p.SourceIndices, p.DestinationIndices} {
		for _, i := range idx {
			if i+1 > e.minData {
				e.minData = i + 1
			}
		}
	}
	e.dstGroups = nil
	if e.opts.ParallelFlush && len(p.DestinationIndices) > 0 {
		e.dstGroups = kernels.GroupIndices(p.DestinationIndices)
	}
	e.arenas = NewArenaPool(p, e.opts.workers())
	e.stacks = NewStackPool(e.opts.workers(), p.StackSize())
}

// executor returns the engine's executor of the given kind, creating it on
// first use.
func (e *Engine) executor(kind backend.Kind) (backend.Executor, error) {
	if ex, ok := e.executors.Load(kind); ok {
		return ex, nil
	}
	ex, err := backend.New(kind, e.prog, e.opts.planner())
	if err != nil {
		return nil, err
	}
	ex, _ = e.executors.LoadOrStore(kind, ex)
	return ex, nil
}

// Generate compiles every leaf that a run with kind and fallbackThreshold
// would compile, so the first run pays no generation cost. It returns the
// number of leaves prepared.
func (e *Engine) Generate(ctx context.Context, kind backend.Kind, fallbackThreshold int) (n int, err error) {
	_, span := e.tracer.Start(ctx, "PerformGeneration", trace.WithAttributes(attribute.String("executor", kind.String())))
	defer func() { endSpan(span, err) }()

	if e.prog == nil {
		return 0, ErrNotFinalized
	}
	ex, err := e.executor(kind)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	for _, leaf := range e.prog.Leaves() {
		if leaf.Len() < fallbackThreshold {
			continue
		}
		if err := ex.PerformGeneration(leaf); err != nil {
			return n, err
		}
		n++
	}
	span.SetAttributes(attribute.Int("leaves", n))
	e.log.Debug("generated", "program", e.prog.ID.String(), "executor", kind.String(), "leaves", n, "elapsed", time.Since(start))
	return n, nil
}

// CompileAndRunOnce runs the program against data with the given executor
// kind. Leaves shorter than the fallback threshold (the optional argument, or
// Options.FallbackThreshold) run on the Interpreter. data is updated in place.
func (e *Engine) CompileAndRunOnce(ctx context.Context, data []float64, kind backend.Kind, fallbackThreshold ...int) (err error) {
	ctx, span := e.tracer.Start(ctx, "CompileAndRunOnce", trace.WithAttributes(attribute.String("executor", kind.String())))
	defer func() { endSpan(span, err) }()

	p := e.prog
	if p == nil {
		return ErrNotFinalized
	}
	if len(data) < e.minData {
		return fmt.Errorf("%w: got %d values, program needs %d", ErrShortData, len(data), e.minData)
	}
	threshold := e.opts.FallbackThreshold
	if len(fallbackThreshold) > 0 {
		threshold = fallbackThreshold[0]
	}
	ex, err := e.executor(kind)
	if err != nil {
		return err
	}
	interp, err := e.executor(backend.Interpreted)
	if err != nil {
		return err
	}

	start := time.Now()
	a := e.arenas.Get()
	defer e.arenas.Put(a)
	a.Load(data, p.Reserved())

	f := &backend.Frame{Stack: a.Stack()}
	var bufs *OrderedBuffers
	if p.Ordered() {
		bufs = &OrderedBuffers{
			SourceIndices:      p.SourceIndices,
			DestinationIndices: p.DestinationIndices,
			Sources:            a.Sources(),
			Destinations:       a.Destinations(),
			groups:             e.dstGroups,
		}
		bufs.PrepareBuffers(data)
		f.Sources, f.Destinations = bufs.Sources, bufs.Destinations
	}

	r := &run{e: e, ctx: ctx, exec: ex, interp: interp, threshold: threshold}
	if err := r.chunk(p.Root, f); err != nil {
		return err
	}

	a.Store(data, p.Reserved())
	if bufs != nil {
		if err := bufs.FlushDestinations(ctx, data, e.opts.ParallelFlush, e.opts.workers()); err != nil {
			return err
		}
	}
	if e.opts.EnableStats {
		e.stats.run(time.Since(start))
	}
	return nil
}

// Stats returns current execution statistics.
func (e *Engine) Stats() ExecutionStats { return e.stats.snapshot() }

// ResetStats clears the execution statistics.
func (e *Engine) ResetStats() { e.stats.reset() }

// CacheStats reports the routine cache of the executor of the given kind, if
// it has been created and compiles routines.
func (e *Engine) CacheStats(kind backend.Kind) (backend.CacheStats, bool) {
	ex, ok := e.executors.Load(kind)
	if !ok {
		return backend.CacheStats{}, false
	}
	c, ok := ex.(interface{ Cache() backend.CacheStats })
	if !ok {
		return backend.CacheStats{}, false
	}
	return c.Cache(), true
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
