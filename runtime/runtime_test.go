package runtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/sbl8/tapeworks/backend"
	"github.com/sbl8/tapeworks/compiler"
)

type scenario struct {
	Name        string    `yaml:"name"`
	Tape        string    `yaml:"tape"`
	Data        []float64 `yaml:"data"`
	Want        []float64 `yaml:"want"`
	OrderedOnly bool      `yaml:"ordered_only"`
}

func loadScenarios(t *testing.T) []scenario {
	t.Helper()
	f, err := os.Open(filepath.Join("testdata", "scenarios.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var doc struct {
		Cases []scenario `yaml:"cases"`
	}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		t.Fatalf("decode scenarios: %v", err)
	}
	if len(doc.Cases) == 0 {
		t.Fatal("no scenarios")
	}
	return doc.Cases
}

type runConfig struct {
	flat     bool
	hoist    int
	workers  int
	fallback int
}

func (c runConfig) String() string {
	mode := "ordered"
	if c.flat {
		mode = "flat"
	}
	hoist := "off"
	if c.hoist < NoHoist {
		hoist = fmt.Sprint(c.hoist)
	}
	return fmt.Sprintf("%s/hoist=%s/workers=%d/fallback=%d", mode, hoist, c.workers, c.fallback)
}

func (c runConfig) options() Options {
	opts := DefaultOptions()
	opts.DisableAdvancedFeatures = c.flat
	opts.MaxCommandsPerSplittableChunk = c.hoist
	opts.Workers = c.workers
	opts.FallbackThreshold = c.fallback
	return opts
}

func runConfigs(flat bool) []runConfig {
	var out []runConfig
	for _, hoist := range []int{NoHoist, 2, 3} {
		for _, workers := range []int{1, 4} {
			for _, fallback := range []int{0, 4} {
				out = append(out, runConfig{flat: flat, hoist: hoist, workers: workers, fallback: fallback})
			}
		}
	}
	return out
}

// tapeEngine compiles tape text the way the engine would record it under cfg.
func tapeEngine(t testing.TB, tape string, cfg runConfig) *Engine {
	t.Helper()
	p, ids, err := compiler.ParseTape([]byte(tape), compiler.RecorderOptions{Ordered: !cfg.flat, Flat: cfg.flat})
	if err != nil {
		t.Fatalf("%v: parse: %v", cfg, err)
	}
	if !cfg.flat && cfg.hoist < NoHoist {
		compiler.HoistWith(p, cfg.hoist, ids)
	}
	e, err := NewEngineFromProgram(p, cfg.options())
	if err != nil {
		t.Fatalf("%v: %v", cfg, err)
	}
	return e
}

func sameFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			return false
		}
	}
	return true
}

func TestScenarios(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, sc := range loadScenarios(t) {
		t.Run(sc.Name, func(t *testing.T) {
			t.Parallel()
			cfgs := runConfigs(false)
			if !sc.OrderedOnly {
				cfgs = append(cfgs, runConfigs(true)...)
			}
			for _, cfg := range cfgs {
				e := tapeEngine(t, sc.Tape, cfg)
				for _, kind := range backend.Kinds() {
					data := append([]float64(nil), sc.Data...)
					if err := e.CompileAndRunOnce(ctx, data, kind); err != nil {
						t.Fatalf("%v %v: %v", cfg, kind, err)
					}
					if !sameFloats(data, sc.Want) {
						t.Errorf("%v %v: got %v, want %v", cfg, kind, data, sc.Want)
					}
				}
			}
		})
	}
}

func TestEngineLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := NewEngine(2, DefaultOptions())
	if err := e.CompileAndRunOnce(ctx, []float64{1, 2}, backend.Interpreted); !errors.Is(err, ErrNotFinalized) {
		t.Errorf("run before completion: got %v, want %v", err, ErrNotFinalized)
	}
	if _, err := e.Generate(ctx, backend.CompiledLowLevel, 0); !errors.Is(err, ErrNotFinalized) {
		t.Errorf("generate before completion: got %v, want %v", err, ErrNotFinalized)
	}

	rec := e.Recorder()
	x := rec.CopyToNew(0, true)
	rec.IncrementBy(x, x)
	rec.Increment(1, true, x)
	if err := e.CompleteCommandList(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := e.CompleteCommandList(ctx, true); !errors.Is(err, ErrFinalized) {
		t.Errorf("second completion: got %v, want %v", err, ErrFinalized)
	}
	if err := e.CompileAndRunOnce(ctx, []float64{1}, backend.Interpreted); !errors.Is(err, ErrShortData) {
		t.Errorf("short data: got %v, want %v", err, ErrShortData)
	}
	if got := e.Program().Summarize().Commands; got != 3 {
		t.Errorf("commands: got %d, want 3", got)
	}

	for _, kind := range backend.Kinds() {
		data := []float64{3, 1}
		if err := e.CompileAndRunOnce(ctx, data, kind); err != nil {
			t.Fatalf("%v: %v", kind, err)
		}
		if want := []float64{3, 7}; !sameFloats(data, want) {
			t.Errorf("%v: got %v, want %v", kind, data, want)
		}
	}
}

func TestEngineGroupsDestinationsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := DefaultOptions()
	opts.Workers = 2
	opts.ParallelFlush = true

	e := NewEngine(4, opts)
	rec := e.Recorder()
	x := rec.CopyToNew(0, true)
	const n = 1200
	for i := range n {
		rec.Increment(1+i%3, true, x)
	}
	if err := e.CompleteCommandList(ctx, false); err != nil {
		t.Fatal(err)
	}

	groups := e.dstGroups
	if len(groups) != 3 {
		t.Fatalf("groups: got %d, want 3", len(groups))
	}
	for k, g := range groups {
		if g.Index != k+1 || len(g.Positions) != n/3 {
			t.Errorf("group %d: index %d with %d positions", k, g.Index, len(g.Positions))
		}
	}

	for run := range 2 {
		data := []float64{1.5, 0, 0, 0}
		if err := e.CompileAndRunOnce(ctx, data, backend.CompiledLowLevel); err != nil {
			t.Fatal(err)
		}
		if want := []float64{1.5, 600, 600, 600}; !sameFloats(data, want) {
			t.Errorf("run %d: got %v, want %v", run, data, want)
		}
		if &e.dstGroups[0] != &groups[0] {
			t.Errorf("run %d regrouped the destinations", run)
		}
	}

	serial := DefaultOptions()
	serial.ParallelFlush = false
	if e2, err := NewEngineFromProgram(e.Program(), serial); err != nil {
		t.Fatal(err)
	} else if e2.dstGroups != nil {
		t.Error("serial flush engine built destination groups")
	}
}

func TestEngineFromProgramHasNoRecorder(t *testing.T) {
	t.Parallel()
	e := tapeEngine(t, "reserve 1\ninc 0 0\n", runConfig{hoist: NoHoist, workers: 1})
	if e.Recorder() != nil {
		t.Error("engine built from a program has a recorder")
	}
	if err := e.CompleteCommandList(context.Background(), false); !errors.Is(err, ErrFinalized) {
		t.Errorf("got %v, want %v", err, ErrFinalized)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const tape = `
reserve 4
iterate i 0 2 replay {
  load $x i
  eq $x 2
  if
    acc 3 $x
  endif
}
`
	p, _, err := compiler.ParseTape([]byte(tape), compiler.RecorderOptions{Ordered: true})
	if err != nil {
		t.Fatal(err)
	}
	buf, err := p.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "sum.tw")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	e, err := Load(path, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if e.Program().ID != p.ID {
		t.Errorf("program ID: got %v, want %v", e.Program().ID, p.ID)
	}
	data := []float64{1, 2, 2, 0}
	if err := e.CompileAndRunOnce(ctx, data, backend.CompiledSourceLevelWithReuse); err != nil {
		t.Fatal(err)
	}
	if want := []float64{1, 2, 2, 4}; !sameFloats(data, want) {
		t.Errorf("got %v, want %v", data, want)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.tw"), DefaultOptions()); err == nil {
		t.Error("loading a missing file succeeded")
	}
}

func TestGenerateSharesReplayedRoutines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const tape = `
reserve 5
iterate i 0 3 replay {
  load $x i
  inc $x $x
  acc 4 $x
}
`
	e := tapeEngine(t, tape, runConfig{hoist: NoHoist, workers: 1})
	if _, ok := e.CacheStats(backend.CompiledLowLevelWithReuse); ok {
		t.Error("cache stats before the executor exists")
	}

	n, err := e.Generate(ctx, backend.CompiledLowLevelWithReuse, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("generated: got %d, want 4", n)
	}
	got, ok := e.CacheStats(backend.CompiledLowLevelWithReuse)
	if !ok {
		t.Fatal("no cache stats")
	}
	if want := (backend.CacheStats{Routines: 1, Hits: 3, Misses: 1}); got != want {
		t.Errorf("cache: got %+v, want %+v", got, want)
	}

	if n, err := e.Generate(ctx, backend.CompiledSourceLevel, 100); err != nil || n != 0 {
		t.Errorf("generate above threshold: got (%d, %v), want (0, nil)", n, err)
	}
	if _, ok := e.CacheStats(backend.Interpreted); ok {
		t.Error("the interpreter reports a routine cache")
	}

	data := []float64{1, 2, 3, 4, 0.5}
	if err := e.CompileAndRunOnce(ctx, data, backend.CompiledLowLevelWithReuse); err != nil {
		t.Fatal(err)
	}
	if want := []float64{1, 2, 3, 4, 20.5}; !sameFloats(data, want) {
		t.Errorf("got %v, want %v", data, want)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const tape = `
reserve 2
chunk a {
  inc 0 1
}
chunk b {
  inc 1 0
  inc 1 0
  inc 1 0
}
`
	e := tapeEngine(t, tape, runConfig{hoist: NoHoist, workers: 1})
	for range 2 {
		if err := e.CompileAndRunOnce(ctx, []float64{1, 1}, backend.CompiledLowLevel, 2); err != nil {
			t.Fatal(err)
		}
	}
	st := e.Stats()
	if st.Runs != 2 {
		t.Errorf("runs: got %d, want 2", st.Runs)
	}
	if got := st.Leaves[backend.Interpreted]; got != 2 {
		t.Errorf("interpreted leaves: got %d, want 2", got)
	}
	if got := st.Leaves[backend.CompiledLowLevel]; got != 2 {
		t.Errorf("low level leaves: got %d, want 2", got)
	}
	if st.Fallbacks != 2 {
		t.Errorf("fallbacks: got %d, want 2", st.Fallbacks)
	}
	if st.AverageLatency != st.TotalLatency/2 {
		t.Errorf("average: got %v, want %v", st.AverageLatency, st.TotalLatency/2)
	}

	e.ResetStats()
	if st := e.Stats(); st.Runs != 0 || st.Fallbacks != 0 || len(st.Leaves) != 0 {
		t.Errorf("after reset: got %+v", st)
	}
}

func TestConcurrentRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const tape = `
reserve 3
chunk lanes parallel {
  chunk l {
    load $x 0
    acc 2 $x
  }
  chunk r {
    load $y 1
    acc 2 $y
  }
}
`
	e := tapeEngine(t, tape, runConfig{hoist: NoHoist, workers: 2})
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kind := backend.Kinds()[i%len(backend.Kinds())]
			data := []float64{float64(i), 1, 0}
			if err := e.CompileAndRunOnce(ctx, data, kind); err != nil {
				errs <- err
				return
			}
			if want := float64(i + 1); data[2] != want {
				errs <- fmt.Errorf("run %d %v: got %v, want %v", i, kind, data[2], want)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// tapeGen records random well-formed programs. Structure comes from the rng
// passed to each method; data indices come from idx, so replayed iterations
// record identical commands bound to different ports.
type tapeGen struct {
	rec   *compiler.Recorder
	idx   *rand.Rand
	data  int
	live  [][]int
	tmpls []*compiler.Template
	names int
}

const genReserved = 8

func (g *tapeGen) name(prefix string) string {
	g.names++
	return fmt.Sprintf("%s%d", prefix, g.names)
}

func (g *tapeGen) declare(s int) { g.live[len(g.live)-1] = append(g.live[len(g.live)-1], s) }

func (g *tapeGen) slot(rng *rand.Rand) int {
	var all []int
	for _, l := range g.live {
		all = append(all, l...)
	}
	if len(all) == 0 || rng.IntN(3) == 0 {
		return rng.IntN(g.data)
	}
	return all[rng.IntN(len(all))]
}

func (g *tapeGen) straight(rng *rand.Rand, n, ifDepth int) {
	r := g.rec
	for range n {
		switch k := rng.IntN(16); k {
		case 0, 1:
			g.declare(r.CopyToNew(g.idx.IntN(g.data), true))
		case 2, 3:
			r.Increment(g.idx.IntN(g.data), true, g.slot(rng))
		case 4:
			r.ZeroExisting(g.slot(rng))
		case 5:
			r.CopyTo(g.slot(rng), g.slot(rng))
		case 6:
			r.IncrementBy(g.slot(rng), g.slot(rng))
		case 7:
			r.DecrementBy(g.slot(rng), g.slot(rng))
		case 8:
			if rng.IntN(3) == 0 {
				r.MultiplyBy(g.slot(rng), g.slot(rng))
			} else {
				r.Blank()
			}
		case 9:
			r.EqualsValue(g.slot(rng), float64(rng.IntN(3)))
		case 10:
			r.NotEqualsValue(g.slot(rng), float64(rng.IntN(3)))
		case 11:
			r.GreaterThan(g.slot(rng), g.slot(rng))
		case 12:
			if rng.IntN(2) == 0 {
				r.LessThan(g.slot(rng), g.slot(rng))
			} else {
				r.Equals(g.slot(rng), g.slot(rng))
			}
		case 13:
			if ifDepth < 3 {
				g.ifBlock(rng, ifDepth+1)
			}
		case 14:
			if ifDepth < 3 {
				g.depthBlock(rng, ifDepth)
			}
		case 15:
			if rng.IntN(2) == 0 {
				g.declare(r.NewZero())
			} else {
				r.Comment("note")
			}
		}
	}
}

func (g *tapeGen) ifBlock(rng *rand.Rand, ifDepth int) {
	g.rec.If()
	inner := len(g.live) - 1
	mark := len(g.live[inner])
	g.straight(rng, 1+rng.IntN(6), ifDepth)
	g.live[inner] = g.live[inner][:mark]
	g.rec.EndIf()
}

func (g *tapeGen) depthBlock(rng *rand.Rand, ifDepth int) {
	g.rec.IncrementDepth()
	g.live = append(g.live, nil)
	g.straight(rng, 1+rng.IntN(6), ifDepth)
	g.live = g.live[:len(g.live)-1]
	g.rec.DecrementDepth()
}

// body records a chunk of the given name holding one depth scope.
func (g *tapeGen) body(rng *rand.Rand, parallel bool, name string, tmpl *compiler.Template) {
	g.rec.StartCommandChunk(parallel, name, tmpl)
	g.rec.IncrementDepth()
	g.live = append(g.live, nil)
	g.straight(rng, 1+rng.IntN(10), 0)
	g.live = g.live[:len(g.live)-1]
	g.rec.DecrementDepth()
}

func (g *tapeGen) replay(rng *rand.Rand) {
	seed := rng.Uint64()
	var tmpl *compiler.Template
	for range 1 + rng.IntN(3) {
		g.body(rand.New(rand.NewPCG(seed, 3)), false, g.name("iter"), tmpl)
		t := g.rec.EndCommandChunk()
		if tmpl == nil {
			tmpl = t
		}
	}
}

func (g *tapeGen) parallel(rng *rand.Rand) {
	g.rec.StartCommandChunk(true, g.name("par"), nil)
	for range 1 + rng.IntN(3) {
		g.body(rng, false, g.name("lane"), nil)
		var copyUp []int
		for range rng.IntN(3) {
			copyUp = append(copyUp, g.slot(rng))
		}
		g.rec.EndCommandChunk(copyUp...)
	}
	g.rec.EndCommandChunk()
}

func (g *tapeGen) chunk(rng *rand.Rand) {
	g.body(rng, false, g.name("tmpl"), nil)
	g.tmpls = append(g.tmpls, g.rec.EndCommandChunk())
}

func (g *tapeGen) stamp(rng *rand.Rand) {
	if len(g.tmpls) == 0 {
		g.chunk(rng)
		return
	}
	t := g.tmpls[rng.IntN(len(g.tmpls))]
	srcs := make([]int, t.Sources)
	for i := range srcs {
		srcs[i] = g.idx.IntN(g.data)
	}
	dsts := make([]int, t.Destinations)
	for i := range dsts {
		dsts[i] = g.idx.IntN(g.data)
	}
	g.rec.Stamp(t, g.name("stamp"), srcs, dsts)
}

func (g *tapeGen) program(seed uint64) {
	rng := rand.New(rand.NewPCG(seed, 1))
	for range 2 + rng.IntN(5) {
		switch rng.IntN(5) {
		case 0:
			g.straight(rng, 1+rng.IntN(12), 0)
		case 1:
			g.replay(rng)
		case 2:
			g.parallel(rng)
		case 3:
			g.stamp(rng)
		case 4:
			g.chunk(rng)
		}
	}
}

func recordEngine(t testing.TB, seed uint64, cfg runConfig) *Engine {
	t.Helper()
	e := NewEngine(genReserved, cfg.options())
	g := &tapeGen{
		rec:  e.Recorder(),
		idx:  rand.New(rand.NewPCG(seed, 2)),
		data: genReserved,
		live: [][]int{nil},
	}
	g.program(seed)
	if err := e.CompleteCommandList(context.Background(), true); err != nil {
		t.Fatalf("seed %d %v: %v", seed, cfg, err)
	}
	return e
}

func randomData(seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, 4))
	data := make([]float64, genReserved)
	for i := range data {
		data[i] = float64(rng.IntN(7)-3) / 2
	}
	return data
}

// TestDifferentialRecordedPrograms runs random recorded programs under every
// executor kind, hoist threshold, worker count and fallback threshold, and
// requires bitwise agreement with the interpreter baseline of the same mode.
func TestDifferentialRecordedPrograms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, flat := range []bool{false, true} {
		for seed := range uint64(40) {
			base := runConfig{flat: flat, hoist: NoHoist, workers: 1}
			want := randomData(seed)
			if err := recordEngine(t, seed, base).CompileAndRunOnce(ctx, want, backend.Interpreted); err != nil {
				t.Fatalf("seed %d %v: %v", seed, base, err)
			}

			for _, hoist := range []int{NoHoist, 2, 5} {
				for _, workers := range []int{1, 4} {
					cfg := runConfig{flat: flat, hoist: hoist, workers: workers}
					e := recordEngine(t, seed, cfg)
					for _, fallback := range []int{0, 3} {
						for _, kind := range backend.Kinds() {
							got := randomData(seed)
							if err := e.CompileAndRunOnce(ctx, got, kind, fallback); err != nil {
								t.Fatalf("seed %d %v fallback=%d %v: %v", seed, cfg, fallback, kind, err)
							}
							if !sameFloats(got, want) {
								t.Errorf("seed %d %v fallback=%d %v: got %v, want %v", seed, cfg, fallback, kind, got, want)
							}
						}
					}
				}
			}
		}
	}
}

func BenchmarkCompileAndRunOnce(b *testing.B) {
	ctx := context.Background()
	for _, kind := range backend.Kinds() {
		b.Run(kind.String(), func(b *testing.B) {
			e := recordEngine(b, 7, runConfig{hoist: 16, workers: 1})
			data := randomData(7)
			if _, err := e.Generate(ctx, kind, 0); err != nil {
				b.Fatal(err)
			}
			b.ResetTimer()
			for range b.N {
				if err := e.CompileAndRunOnce(ctx, data, kind); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
