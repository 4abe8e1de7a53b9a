// Package compiler records, rewrites and persists tapeworks programs.
//
// Programs are built through a Recorder, either directly from Go code or from
// the line-oriented .tape text format, then finalized into an immutable
// model.Program. The hoist pass optionally splits oversize leaves around
// their conditional blocks so that bodies become separately compiled chunks.
//
// Compilation pipeline:
//  1. Parse .tape text (or drive a Recorder) into a command tape and chunk tree
//  2. Validate nesting, port bookkeeping and tree ranges
//  3. Hoist large If bodies into Conditional subtrees (optional)
//  4. Emit the binary program file read by the runtime
//
// DSL features:
//   - One directive per line, '#' comments
//   - Numeric slots address the stack directly, $names are scratch slots
//   - chunk blocks with optional parallel children and copy-up lists
//   - depth blocks that release their scratch slots on exit
//   - iterate blocks, optionally recorded once and replayed per iteration
//   - stamp directives re-binding a recorded chunk to new ports
package compiler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/sbl8/tapeworks/core"
	"github.com/sbl8/tapeworks/model"
)

// Compile turns a .tape text file into a binary program file.
func Compile(src, out string) error {
	return CompileWithOptions(src, out, DefaultOptions())
}

// CompileOptions configures the compilation process
type CompileOptions struct {
	Ordered   bool         // route original data through ordered ports
	Flat      bool         // record a single flat leaf without advanced features
	Hoist     bool         // split large If bodies into Conditional chunks
	Threshold int          // hoist threshold in commands
	Validate  bool         // re-validate the program before writing
	Logger    *slog.Logger // progress logging; nil discards
}

// DefaultOptions provides sensible compilation defaults
func DefaultOptions() CompileOptions {
	return CompileOptions{
		Ordered:   true,
		Hoist:     false,
		Threshold: 64,
		Validate:  true,
	}
}

// CompileWithOptions parses src, applies the requested passes and writes the
// program to out.
func CompileWithOptions(src, out string, opts CompileOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger.Info("compiling", "src", src, "out", out)

	text, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	p, ids, err := ParseTape(text, RecorderOptions{Ordered: opts.Ordered, Flat: opts.Flat})
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	logger.Info("parsed", "commands", len(p.Commands), "chunks", p.ChunkCount(),
		"sources", len(p.SourceIndices), "destinations", len(p.DestinationIndices))

	if opts.Hoist && !opts.Flat {
		lifted := HoistWith(p, opts.Threshold, ids)
		logger.Info("hoisted", "blocks", lifted, "threshold", opts.Threshold, "leaves", len(p.Leaves()))
	}

	if opts.Validate {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("validation error: %w", err)
		}
	}

	if err := writeProgram(p, out); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	logger.Info("compiled", "program", p.ID.String(), "out", out)
	return nil
}

func writeProgram(p *model.Program, out string) error {
	data, err := p.Serialize()
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

// --- .tape parser ---

type srcLine struct {
	no   int
	text string
}

// tapeParser holds parsing state. The Recorder is created lazily so that a
// leading "reserve" directive can size the caller-visible region.
type tapeParser struct {
	opts      RecorderOptions
	rec       *Recorder
	reserved  int
	names     []map[string]int
	templates map[string]*Template
	line      int
}

// ParseTape parses .tape text into a finalized program. The returned counter
// continues the program's chunk IDs for later rewrites.
func ParseTape(src []byte, opts RecorderOptions) (prog *model.Program, ids *model.IDCounter, err error) {
	p := &tapeParser{
		opts:      opts,
		names:     []map[string]int{{}},
		templates: make(map[string]*Template),
	}
	if opts.IDs == nil {
		p.opts.IDs = model.NewIDCounter(1)
	}

	defer func() {
		if r := recover(); r != nil {
			be, ok := r.(*BuildError)
			if !ok {
				panic(r)
			}
			prog, ids, err = nil, nil, fmt.Errorf("line %d: %w", p.line, be)
		}
	}()

	var lines []srcLine
	for i, text := range strings.Split(string(src), "\n") {
		if j := strings.IndexByte(text, '#'); j >= 0 {
			text = text[:j]
		}
		text = strings.TrimSpace(text)
		if text != "" {
			lines = append(lines, srcLine{no: i + 1, text: text})
		}
	}

	end, err := p.parseBlock(lines, 0, false)
	if err != nil {
		return nil, nil, err
	}
	if end != len(lines) {
		return nil, nil, fmt.Errorf("line %d: unexpected '}'", lines[end].no)
	}

	prog, err = p.recorder().Complete()
	if err != nil {
		return nil, nil, err
	}
	return prog, p.opts.IDs, nil
}

func (p *tapeParser) recorder() *Recorder {
	if p.rec == nil {
		p.rec = NewRecorder(p.reserved, p.opts)
	}
	return p.rec
}

// parseBlock processes lines starting at i until a closing '}' (when nested)
// or the end of input, and returns the index of the closing line.
func (p *tapeParser) parseBlock(lines []srcLine, i int, nested bool) (int, error) {
	for i < len(lines) {
		p.line = lines[i].no
		fields := strings.Fields(lines[i].text)
		if fields[0] == "}" {
			return i, nil
		}

		var err error
		i, err = p.parseLine(lines, i, fields)
		if err != nil {
			return i, atLine(p.line, err)
		}
		i++
	}
	if nested {
		return i, atLine(p.line, errUnterminated)
	}
	return i, nil
}

var errUnterminated = errors.New("unterminated block")

// lineError ties a parse error to the source line it was found on.
type lineError struct {
	line int
	err  error
}

func (e *lineError) Error() string { return fmt.Sprintf("line %d: %v", e.line, e.err) }

func (e *lineError) Unwrap() error { return e.err }

// atLine wraps err with line unless an inner block already did.
func atLine(line int, err error) error {
	var le *lineError
	if errors.As(err, &le) {
		return err
	}
	return &lineError{line: line, err: err}
}

// parseLine processes one directive and returns the index of its last line.
func (p *tapeParser) parseLine(lines []srcLine, idx int, fields []string) (int, error) {
	switch fields[0] {
	case "chunk":
		return p.parseChunkBlock(lines, idx, fields)
	case "depth":
		return p.parseDepthBlock(lines, idx, fields)
	case "iterate":
		return p.parseIterateBlock(lines, idx, fields)
	default:
		return idx, p.processSimpleLine(fields)
	}
}

func (p *tapeParser) parseChunkBlock(lines []srcLine, idx int, fields []string) (int, error) {
	if len(fields) < 3 || fields[len(fields)-1] != "{" {
		return idx, fmt.Errorf("invalid chunk header: %s", strings.Join(fields, " "))
	}
	name := fields[1]
	parallel := false
	for _, f := range fields[2 : len(fields)-1] {
		if f != "parallel" {
			return idx, fmt.Errorf("unknown chunk flag %q", f)
		}
		parallel = true
	}

	p.recorder().StartCommandChunk(parallel, name, nil)
	end, err := p.parseBlock(lines, idx+1, true)
	if err != nil {
		return end, err
	}

	p.line = lines[end].no
	copyUp, err := p.parseCopyUp(strings.Fields(lines[end].text)[1:])
	if err != nil {
		return end, err
	}
	p.templates[name] = p.recorder().EndCommandChunk(copyUp...)
	return end, nil
}

func (p *tapeParser) parseCopyUp(fields []string) ([]int, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	if fields[0] != "copyup" {
		return nil, fmt.Errorf("unexpected %q after '}'", fields[0])
	}
	slots := make([]int, 0, len(fields)-1)
	for _, f := range fields[1:] {
		s, err := p.slot(f)
		if err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	return slots, nil
}

func (p *tapeParser) parseDepthBlock(lines []srcLine, idx int, fields []string) (int, error) {
	if len(fields) != 2 || fields[1] != "{" {
		return idx, fmt.Errorf("invalid depth header: %s", strings.Join(fields, " "))
	}
	p.recorder().IncrementDepth()
	p.pushNames()
	end, err := p.parseBlock(lines, idx+1, true)
	if err != nil {
		return end, err
	}
	if len(strings.Fields(lines[end].text)) != 1 {
		return end, fmt.Errorf("unexpected tokens after depth block")
	}
	p.line = lines[end].no
	p.popNames()
	p.recorder().DecrementDepth()
	return end, nil
}

// parseIterateBlock handles iterate constructs. With the replay flag every
// iteration is wrapped in its own chunk and depth scope; iterations after the
// first are recorded as replays of the first, so they must produce identical
// commands and may only differ in the port indices they bind.
func (p *tapeParser) parseIterateBlock(lines []srcLine, idx int, fields []string) (int, error) {
	if len(fields) < 5 || fields[len(fields)-1] != "{" {
		return idx, fmt.Errorf("invalid iterate header: %s", strings.Join(fields, " "))
	}
	varName, start, end, err := parseIterateParams(fields)
	if err != nil {
		return idx, err
	}
	replay := false
	for _, f := range fields[4 : len(fields)-1] {
		if f != "replay" {
			return idx, fmt.Errorf("unknown iterate flag %q", f)
		}
		replay = true
	}

	block, blockEnd, err := collectBlockLines(lines, idx)
	if err != nil {
		return idx, err
	}

	var tmpl *Template
	for v := start; v <= end; v++ {
		expanded := expandBlock(block, varName, v)
		if !replay {
			if _, err := p.parseBlock(expanded, 0, false); err != nil {
				return blockEnd, fmt.Errorf("iterate expansion error: %w", err)
			}
			continue
		}

		rec := p.recorder()
		rec.StartCommandChunk(false, fmt.Sprintf("%s=%d", varName, v), tmpl)
		rec.IncrementDepth()
		p.pushNames()
		if _, err := p.parseBlock(expanded, 0, false); err != nil {
			return blockEnd, fmt.Errorf("iterate expansion error: %w", err)
		}
		p.popNames()
		rec.DecrementDepth()
		t := rec.EndCommandChunk()
		if tmpl == nil {
			tmpl = t
		}
	}
	return blockEnd, nil
}

// parseIterateParams extracts iterate parameters
func parseIterateParams(fields []string) (varName string, start, end int, err error) {
	varName = fields[1]
	start, err = strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid iterate start %q: %v", fields[2], err)
	}
	end, err = strconv.Atoi(fields[3])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid iterate end %q: %v", fields[3], err)
	}
	return varName, start, end, nil
}

// collectBlockLines gathers the lines between the '{' on line startIdx and its
// matching '}'.
func collectBlockLines(lines []srcLine, startIdx int) ([]srcLine, int, error) {
	depth := 1
	for i := startIdx + 1; i < len(lines); i++ {
		fields := strings.Fields(lines[i].text)
		if fields[0] == "}" {
			depth--
			if depth == 0 {
				return lines[startIdx+1 : i], i, nil
			}
		}
		if fields[len(fields)-1] == "{" {
			depth++
		}
	}
	return nil, len(lines), fmt.Errorf("unterminated iterate block")
}

func expandBlock(block []srcLine, varName string, value int) []srcLine {
	out := make([]srcLine, len(block))
	for i, l := range block {
		out[i] = srcLine{no: l.no, text: expandVariable(l.text, varName, value)}
	}
	return out
}

// expandVariable replaces variable with value in line
func expandVariable(line, varName string, value int) string {
	fields := strings.Fields(line)
	for i, field := range fields {
		if field == varName {
			fields[i] = strconv.Itoa(value)
		}
	}
	return strings.Join(fields, " ")
}

// processSimpleLine handles single-line directives
func (p *tapeParser) processSimpleLine(fields []string) error {
	if fields[0] == "reserve" {
		if p.rec != nil {
			return fmt.Errorf("reserve must precede all commands")
		}
		if len(fields) != 2 {
			return fmt.Errorf("reserve takes one count")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid reserve count %q", fields[1])
		}
		p.reserved = n
		return nil
	}

	rec := p.recorder()
	switch fields[0] {
	case "if":
		return p.noArgs(fields, rec.If)
	case "endif":
		return p.noArgs(fields, rec.EndIf)
	case "blank":
		return p.noArgs(fields, rec.Blank)
	case "note":
		rec.Comment(strings.Join(fields[1:], " "))
		return nil
	case "new":
		return p.declare(fields, func() int { return rec.NewSlot() })
	case "newzero":
		return p.declare(fields, func() int { return rec.NewZero() })
	case "zero":
		return p.slotOp(fields, rec.ZeroExisting)
	case "copy":
		return p.slotPair(fields, rec.CopyTo)
	case "inc":
		return p.slotPair(fields, rec.IncrementBy)
	case "dec":
		return p.slotPair(fields, rec.DecrementBy)
	case "mul":
		return p.slotPair(fields, rec.MultiplyBy)
	case "eqs":
		return p.slotPair(fields, rec.Equals)
	case "neqs":
		return p.slotPair(fields, rec.NotEquals)
	case "gt":
		return p.slotPair(fields, rec.GreaterThan)
	case "lt":
		return p.slotPair(fields, rec.LessThan)
	case "eq":
		return p.slotLiteral(fields, rec.EqualsValue)
	case "neq":
		return p.slotLiteral(fields, rec.NotEqualsValue)
	case "src":
		return p.slotIndex(fields, rec.NextSource)
	case "dst":
		return p.slotIndex(fields, rec.NextDestination)
	case "load":
		return p.parseLoad(fields)
	case "acc":
		return p.parseAccumulate(fields)
	case "stamp":
		return p.parseStamp(fields)
	default:
		return fmt.Errorf("unknown directive: %s", fields[0])
	}
}

func (p *tapeParser) noArgs(fields []string, fn func()) error {
	if len(fields) != 1 {
		return fmt.Errorf("%s takes no operands", fields[0])
	}
	fn()
	return nil
}

func (p *tapeParser) declare(fields []string, alloc func() int) error {
	if len(fields) != 2 || !strings.HasPrefix(fields[1], "$") {
		return fmt.Errorf("%s takes one $name", fields[0])
	}
	p.names[len(p.names)-1][fields[1]] = alloc()
	return nil
}

func (p *tapeParser) slotOp(fields []string, fn func(int)) error {
	if len(fields) != 2 {
		return fmt.Errorf("%s takes one slot", fields[0])
	}
	s, err := p.slot(fields[1])
	if err != nil {
		return err
	}
	fn(s)
	return nil
}

func (p *tapeParser) slotPair(fields []string, fn func(int, int)) error {
	if len(fields) != 3 {
		return fmt.Errorf("%s takes two slots", fields[0])
	}
	a, err := p.slot(fields[1])
	if err != nil {
		return err
	}
	b, err := p.slot(fields[2])
	if err != nil {
		return err
	}
	fn(a, b)
	return nil
}

func (p *tapeParser) slotLiteral(fields []string, fn func(int, float64)) error {
	if len(fields) != 3 {
		return fmt.Errorf("%s takes a slot and a literal", fields[0])
	}
	s, err := p.slot(fields[1])
	if err != nil {
		return err
	}
	lit, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return fmt.Errorf("invalid literal %q: %v", fields[2], err)
	}
	fn(s, lit)
	return nil
}

func (p *tapeParser) slotIndex(fields []string, fn func(int, int)) error {
	if len(fields) != 3 {
		return fmt.Errorf("%s takes a slot and a data index", fields[0])
	}
	s, err := p.slot(fields[1])
	if err != nil {
		return err
	}
	idx, err := dataIndex(fields[2])
	if err != nil {
		return err
	}
	fn(s, idx)
	return nil
}

// load $x IDX copies original data IDX into a new scratch slot $x.
func (p *tapeParser) parseLoad(fields []string) error {
	if len(fields) != 3 || !strings.HasPrefix(fields[1], "$") {
		return fmt.Errorf("load takes a $name and a data index")
	}
	idx, err := dataIndex(fields[2])
	if err != nil {
		return err
	}
	p.names[len(p.names)-1][fields[1]] = p.recorder().CopyToNew(idx, true)
	return nil
}

// acc IDX S adds slot S into original data IDX.
func (p *tapeParser) parseAccumulate(fields []string) error {
	if len(fields) != 3 {
		return fmt.Errorf("acc takes a data index and a slot")
	}
	idx, err := dataIndex(fields[1])
	if err != nil {
		return err
	}
	s, err := p.slot(fields[2])
	if err != nil {
		return err
	}
	p.recorder().Increment(idx, true, s)
	return nil
}

// stamp NAME TEMPLATE [src I...] [dst J...] [copyup S...]
func (p *tapeParser) parseStamp(fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("stamp takes a name and a template")
	}
	tmpl, ok := p.templates[fields[2]]
	if !ok {
		return fmt.Errorf("unknown template %q", fields[2])
	}
	var sources, destinations, copyUp []int
	var target *[]int
	for _, f := range fields[3:] {
		switch f {
		case "src":
			target = &sources
		case "dst":
			target = &destinations
		case "copyup":
			target = &copyUp
		default:
			if target == nil {
				return fmt.Errorf("stamp binding %q before src, dst or copyup", f)
			}
			resolve := dataIndex
			if target == &copyUp {
				resolve = p.slot
			}
			v, err := resolve(f)
			if err != nil {
				return err
			}
			*target = append(*target, v)
		}
	}
	p.recorder().Stamp(tmpl, fields[1], sources, destinations, copyUp...)
	return nil
}

// slot resolves a numeric slot or a declared $name, innermost scope first.
func (p *tapeParser) slot(tok string) (int, error) {
	if strings.HasPrefix(tok, "$") {
		for i := len(p.names) - 1; i >= 0; i-- {
			if s, ok := p.names[i][tok]; ok {
				return s, nil
			}
		}
		return 0, fmt.Errorf("undeclared slot %s", tok)
	}
	s, err := strconv.Atoi(tok)
	if err != nil || s < 0 {
		return 0, fmt.Errorf("invalid slot %q", tok)
	}
	if s > core.MaxSlotIndex {
		return 0, fmt.Errorf("slot %d out of range", s)
	}
	return s, nil
}

func dataIndex(tok string) (int, error) {
	idx, err := strconv.Atoi(tok)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid data index %q", tok)
	}
	return idx, nil
}

func (p *tapeParser) pushNames() { p.names = append(p.names, map[string]int{}) }

func (p *tapeParser) popNames() { p.names = p.names[:len(p.names)-1] }
