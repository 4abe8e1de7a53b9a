package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"

	"github.com/sbl8/tapeworks/compiler"
	"github.com/sbl8/tapeworks/core"
	"github.com/sbl8/tapeworks/model"
)

func main() {
	var (
		hoist     = flag.Bool("hoist", false, "Split large If bodies into Conditional chunks")
		threshold = flag.Int("threshold", 64, "Hoist threshold in commands")
		flat      = flag.Bool("flat", false, "Record a single flat leaf without ordered ports")
		validate  = flag.Bool("validate", true, "Validate the program before writing")
		dis       = flag.Bool("dis", false, "Print the chunk tree and the disassembled tape")
		verbose   = flag.Bool("verbose", false, "Enable debug logging")
		version   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("tapec - tapeworks tape compiler v1.0.0")
		fmt.Printf("Built with Go %s\n", runtime.Version())
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <src.tape> <out.tapeprog>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
	srcFile, outFile := args[0], args[1]

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := compiler.CompileOptions{
		Ordered:   !*flat,
		Flat:      *flat,
		Hoist:     *hoist,
		Threshold: *threshold,
		Validate:  *validate,
		Logger:    logger,
	}
	if err := compiler.CompileWithOptions(srcFile, outFile, opts); err != nil {
		log.Fatalf("compilation failed: %v", err)
	}

	fmt.Printf("Successfully compiled %s -> %s\n", srcFile, outFile)

	if *dis {
		buf, err := os.ReadFile(outFile)
		if err != nil {
			log.Fatalf("failed to read program: %v", err)
		}
		p, err := model.Deserialize(buf)
		if err != nil {
			log.Fatalf("failed to decode program: %v", err)
		}
		fmt.Print(p.Root.Dump())
		if err := core.Disassemble(os.Stdout, p.Commands); err != nil {
			log.Fatalf("disassembly failed: %v", err)
		}
	}
}
