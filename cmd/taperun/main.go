package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"runtime"
	"strconv"

	"github.com/sbl8/tapeworks/backend"
	tapeworks_runtime "github.com/sbl8/tapeworks/runtime"
)

func main() {
	var (
		kindName   = flag.String("kind", "", "Executor kind (interp, source, source-reuse, lowlevel, lowlevel-reuse)")
		fallback   = flag.Int("fallback", 0, "Run leaves shorter than this on the interpreter")
		workers    = flag.Int("workers", runtime.NumCPU(), "Number of worker goroutines")
		configPath = flag.String("config", "", "YAML configuration file")
		repeat     = flag.Int("repeat", 1, "Number of runs; each run starts from the file data")
		verbose    = flag.Bool("verbose", false, "Enable debug logging and run statistics")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("taperun - tapeworks runtime v1.0.0")
		fmt.Printf("Built with Go %s\n", runtime.Version())
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <prog.tapeprog> [data.txt]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Defaults, then environment, then the config file, then explicit flags.
	opts := tapeworks_runtime.DefaultOptions().FromEnv()
	opts.Logger = logger
	kind := backend.CompiledLowLevelWithReuse
	if *configPath != "" {
		cfg, err := tapeworks_runtime.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg.Apply(&opts)
		kind = cfg.Kind(kind)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			opts.Workers = *workers
		case "fallback":
			opts.FallbackThreshold = *fallback
		}
	})
	if *kindName != "" {
		k, err := backend.ParseKind(*kindName)
		if err != nil {
			log.Fatalf("Invalid executor: %v", err)
		}
		kind = k
	}

	engine, err := tapeworks_runtime.Load(args[0], opts)
	if err != nil {
		log.Fatalf("Failed to load program: %v", err)
	}

	var in io.Reader = os.Stdin
	if len(args) > 1 {
		f, err := os.Open(args[1])
		if err != nil {
			log.Fatalf("Failed to open data file: %v", err)
		}
		defer f.Close()
		in = f
	}
	input, err := readData(in)
	if err != nil {
		log.Fatalf("Failed to read data: %v", err)
	}

	sum := engine.Program().Summarize()
	logger.Debug("program loaded",
		"id", engine.Program().ID.String(),
		"commands", sum.Commands,
		"leaves", sum.Leaves,
		"reserved", sum.Reserved,
		"sources", sum.Sources,
		"destinations", sum.Destinations)

	ctx := context.Background()
	if _, err := engine.Generate(ctx, kind, opts.FallbackThreshold); err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	data := make([]float64, len(input))
	for range max(*repeat, 1) {
		copy(data, input)
		if err := engine.CompileAndRunOnce(ctx, data, kind); err != nil {
			log.Fatalf("Execution failed: %v", err)
		}
	}

	w := bufio.NewWriter(os.Stdout)
	for _, v := range data {
		fmt.Fprintln(w, strconv.FormatFloat(v, 'g', -1, 64))
	}
	if err := w.Flush(); err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}

	if *verbose {
		st := engine.Stats()
		logger.Debug("execution stats",
			"executor", kind.String(),
			"runs", st.Runs,
			"fallbacks", st.Fallbacks,
			"avg", st.AverageLatency)
		if cs, ok := engine.CacheStats(kind); ok {
			logger.Debug("routine cache", "routines", cs.Routines, "hits", cs.Hits, "misses", cs.Misses)
		}
	}
}

// readData parses whitespace-separated numbers.
func readData(r io.Reader) ([]float64, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	var data []float64
	for sc.Scan() {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", len(data), err)
		}
		data = append(data, v)
	}
	return data, sc.Err()
}
