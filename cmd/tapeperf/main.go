package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"runtime"
	"time"

	"github.com/sbl8/tapeworks/backend"
	"github.com/sbl8/tapeworks/compiler"
	"github.com/sbl8/tapeworks/kernels"
	tapeworks_runtime "github.com/sbl8/tapeworks/runtime"
)

var (
	kindName = flag.String("kind", "all", "Executor kind to time, or all")
	size     = flag.Int("size", 1024, "Data array size")
	iter     = flag.Int("iter", 200, "Number of runs per kind")
	lane     = flag.Int("lane", 16, "Data indices per lane chunk")
	parallel = flag.Bool("parallel", true, "Record lanes as parallel siblings")
	replay   = flag.Bool("replay", true, "Record lanes after the first as replays")
	flat     = flag.Bool("flat", false, "Record a flat program without advanced features")
	hoist    = flag.Int("hoist", 64, "Hoist threshold in commands")
	workers  = flag.Int("workers", runtime.NumCPU(), "Number of worker goroutines")
)

func main() {
	flag.Parse()

	fmt.Printf("tapeworks Performance Analysis Tool\n")
	fmt.Printf("===================================\n")
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("CPUs: %d\n", runtime.NumCPU())
	fmt.Printf("SIMD features: %s (batch %d)\n", kernels.Features(), kernels.BatchSize())
	fmt.Printf("Data size: %d values, lane %d\n", *size, *lane)
	fmt.Printf("Iterations: %d\n", *iter)
	fmt.Printf("\n")

	kinds := backend.Kinds()
	if *kindName != "all" {
		k, err := backend.ParseKind(*kindName)
		if err != nil {
			fmt.Printf("Unknown executor kind: %s\n", *kindName)
			os.Exit(1)
		}
		kinds = []backend.Kind{k}
	}

	opts := tapeworks_runtime.DefaultOptions().FromEnv()
	opts.Workers = *workers
	opts.MaxCommandsPerSplittableChunk = *hoist
	opts.DisableAdvancedFeatures = *flat
	engine := tapeworks_runtime.NewEngine(*size, opts)
	recordLanes(engine)

	ctx := context.Background()
	if err := engine.CompleteCommandList(ctx, true); err != nil {
		log.Fatalf("Failed to complete program: %v", err)
	}
	sum := engine.Program().Summarize()
	fmt.Printf("Program: %d commands, %d chunks, %d leaves (max %d), %d conditionals\n\n",
		sum.Commands, sum.Chunks, sum.Leaves, sum.MaxLeafLen, sum.Conditionals)

	input := make([]float64, *size)
	for i := range input {
		input[i] = float64(rand.IntN(9) - 4)
	}
	data := make([]float64, *size)

	fmt.Printf("%-30s %12s %12s %12s\n", "executor", "generate", "per run", "Mcmd/s")
	for _, kind := range kinds {
		start := time.Now()
		if _, err := engine.Generate(ctx, kind, 0); err != nil {
			log.Fatalf("Generation failed for %v: %v", kind, err)
		}
		gen := time.Since(start)

		start = time.Now()
		for range *iter {
			copy(data, input)
			if err := engine.CompileAndRunOnce(ctx, data, kind); err != nil {
				log.Fatalf("Execution failed for %v: %v", kind, err)
			}
		}
		elapsed := time.Since(start)
		perRun := elapsed / time.Duration(max(*iter, 1))
		mcmd := float64(sum.Commands) * float64(*iter) / elapsed.Seconds() / 1e6

		fmt.Printf("%-30s %12v %12v %12.2f\n", kind, gen, perRun, mcmd)
	}
	fmt.Printf("\n")
}

// recordLanes records one chunk per lane of data indices. Each index is read
// through an ordered source, squared, conditionally bumped and accumulated into
// the next index. Lanes record identical commands, so every lane after the
// first can be a replay of it.
func recordLanes(engine *tapeworks_runtime.Engine) {
	rec := engine.Recorder()
	n, width := *size, max(*lane, 1)

	rec.StartCommandChunk(*parallel, "lanes", nil)
	var tmpl *compiler.Template
	for first := 0; first+width <= n; first += width {
		var t *compiler.Template
		if *replay {
			t = tmpl
		}
		rec.StartCommandChunk(false, fmt.Sprintf("lane%d", first/width), t)
		rec.IncrementDepth()
		acc := rec.NewZero()
		for i := first; i < first+width; i++ {
			x := rec.CopyToNew(i, true)
			rec.IncrementBy(acc, x)
			rec.MultiplyBy(x, x)
			rec.GreaterThan(x, acc)
			rec.If()
			rec.IncrementBy(acc, x)
			rec.EndIf()
			rec.Increment((i+1)%n, true, acc)
		}
		rec.DecrementDepth()
		done := rec.EndCommandChunk()
		if tmpl == nil {
			tmpl = done
		}
	}
	rec.EndCommandChunk()
}
