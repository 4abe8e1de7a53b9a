// Package tapeworks implements a chunked numeric tape execution engine.
//
// A program is a flat tape of small commands over a virtual stack of float64
// slots. The first slots mirror a caller-supplied data array; the rest are
// scratch. The tape is partitioned into a tree of chunks whose leaves are the
// units of execution: each leaf is interpreted, or compiled once and then run
// any number of times, by one of five interchangeable executors.
//
// # Architecture Overview
//
// The engine consists of several key components:
//
//   - Recorder: build API that emits commands and opens nested, parallel or
//     replayed chunks
//   - Hoist pass: splits oversize leaves around their If blocks so bodies
//     become Conditional subtrees
//   - Executors: interpreter, closure-tree compiler and instruction-stream
//     compiler, the latter two with a local variable planner
//   - Runtime: ordered port buffers, private stacks for parallel siblings and
//     the destination flush
//
// # Ordered ports
//
// Reads of original data go through NextSource and accumulations into it go
// through NextDestination. Each executed port consumes the next position of a
// per-program index list, so replayed chunks re-bind the same commands to new
// data indices without recording them again.
//
// # Basic Usage
//
//	// Compile a tape file
//	tapec -hoist sum.tape sum.tapeprog
//
//	// Load and execute
//	engine, err := runtime.Load("sum.tapeprog", runtime.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	data := []float64{1, 2, 3, 10}
//	if err := engine.CompileAndRunOnce(ctx, data, backend.CompiledLowLevelWithReuse); err != nil {
//	    log.Fatal(err)
//	}
//
// # Package Structure
//
//   - core: commands, opcodes and the stack layout
//   - model: chunk tree, finalized programs and their binary format
//   - compiler: recorder, hoist pass and the .tape text format
//   - kernels: opcode semantics and port gather/scatter kernels
//   - backend: executors and the local variable planner
//   - runtime: execution engine, options and statistics
//   - cmd: command-line tools (tapec, taperun, tapeperf)
package tapeworks
