package core

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"unsafe"
)

func TestOperandAccessors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cmd     Command
		kind    OperandKind
		target  int
		slot    int
		literal float64
	}{
		{name: "copy", cmd: CopyTo(3, 7), kind: OperandSlot, target: 3, slot: 7},
		{name: "multiply", cmd: MultiplyBy(1, 1), kind: OperandSlot, target: 1, slot: 1},
		{name: "equals literal", cmd: EqualsValue(2, 2.5), kind: OperandLiteral, target: 2, literal: 2.5},
		{name: "negative literal", cmd: NotEqualsValue(4, -0.125), kind: OperandLiteral, target: 4, literal: -0.125},
		{name: "greater", cmd: GreaterThan(5, 6), kind: OperandSlot, target: 5, slot: 6},
		{name: "source", cmd: NextSource(9), kind: OperandNone, target: 9},
		{name: "if", cmd: If(), kind: OperandNone, target: NoSlot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.Op.OperandKind(); got != tt.kind {
				t.Fatalf("OperandKind() = %v, want %v", got, tt.kind)
			}
			if got := tt.cmd.TargetSlot(); got != tt.target {
				t.Errorf("TargetSlot() = %d, want %d", got, tt.target)
			}
			switch tt.kind {
			case OperandSlot:
				if got := tt.cmd.Slot(); got != tt.slot {
					t.Errorf("Slot() = %d, want %d", got, tt.slot)
				}
			case OperandLiteral:
				if got := tt.cmd.Literal(); got != tt.literal {
					t.Errorf("Literal() = %v, want %v", got, tt.literal)
				}
			}
		})
	}
}

func TestWrongOperandAccessPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("Slot() on a literal comparison did not panic")
		}
	}()
	EqualsValue(0, 1).Slot()
}

func TestReadsWritesAndUses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cmd       Command
		reads     []int
		writes    int
		pureWrite bool
	}{
		{cmd: Zero(2), writes: 2, pureWrite: true},
		{cmd: CopyTo(1, 4), reads: []int{4}, writes: 1, pureWrite: true},
		{cmd: CopyTo(1, 1), reads: []int{1}, writes: 1},
		{cmd: IncrementBy(3, 3), reads: []int{3, 3}, writes: 3},
		{cmd: NextSource(5), writes: 5, pureWrite: true},
		{cmd: NextDestination(6), reads: []int{6}, writes: NoSlot},
		{cmd: LessThan(1, 2), reads: []int{1, 2}, writes: NoSlot},
		{cmd: EndIf(), writes: NoSlot},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			reads := tt.cmd.Reads(nil)
			if len(reads) != len(tt.reads) {
				t.Fatalf("Reads() = %v, want %v", reads, tt.reads)
			}
			for i := range reads {
				if reads[i] != tt.reads[i] {
					t.Errorf("Reads()[%d] = %d, want %d", i, reads[i], tt.reads[i])
				}
			}
			w, ok := tt.cmd.Writes()
			if !ok {
				w = NoSlot
			}
			if w != tt.writes {
				t.Errorf("Writes() = %d, want %d", w, tt.writes)
			}
			if tt.writes != NoSlot && tt.cmd.IsPureWrite(tt.writes) != tt.pureWrite {
				t.Errorf("IsPureWrite(%d) = %v, want %v", tt.writes, !tt.pureWrite, tt.pureWrite)
			}
		})
	}

	if got := IncrementBy(3, 3).Uses(3); got != 3 {
		t.Errorf("IncrementBy(3,3).Uses(3) = %d, want 3", got)
	}
	if got := MultiplyBy(1, 2).Uses(2); got != 1 {
		t.Errorf("MultiplyBy(1,2).Uses(2) = %d, want 1", got)
	}
}

func TestTapeRoundTrip(t *testing.T) {
	t.Parallel()
	cmds := []Command{
		NextSource(0),
		EqualsValue(0, math.Inf(-1)),
		If(),
		IncrementDepth(),
		MultiplyBy(3, 0),
		DecrementDepth(),
		EndIf(),
		NextDestination(3),
		Comment(),
		Blank(),
	}

	var buf bytes.Buffer
	if err := EncodeCommands(&buf, cmds); err != nil {
		t.Fatalf("EncodeCommands failed: %v", err)
	}
	if want := TapeHeaderSize + len(cmds)*CommandSize; buf.Len() != want {
		t.Errorf("encoded size = %d, want %d", buf.Len(), want)
	}

	got, err := DecodeCommands(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeCommands failed: %v", err)
	}
	if len(got) != len(cmds) {
		t.Fatalf("decoded %d commands, want %d", len(got), len(cmds))
	}
	for i := range cmds {
		if got[i] != cmds[i] {
			t.Errorf("command %d = %v, want %v", i, got[i], cmds[i])
		}
	}
}

func TestTapeCorruption(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := EncodeCommands(&buf, []Command{Zero(1), CopyTo(2, 1)}); err != nil {
		t.Fatalf("EncodeCommands failed: %v", err)
	}
	data := buf.Bytes()
	data[len(data)-1] ^= 0xFF

	if _, err := DecodeCommands(bytes.NewReader(data)); !errors.Is(err, ErrCorruptTape) {
		t.Errorf("DecodeCommands error = %v, want ErrCorruptTape", err)
	}

	data[0] = 0
	if _, err := DecodeCommands(bytes.NewReader(data)); !errors.Is(err, ErrBadMagic) {
		t.Errorf("DecodeCommands error = %v, want ErrBadMagic", err)
	}
}

func TestDisassemble(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	if err := Disassemble(&sb, []Command{EqualsValue(2, 0), If(), IncrementBy(2, 1), EndIf()}); err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	out := sb.String()
	for _, want := range []string{"EqualsValue s2, 0", "IncrementBy s2, s1", "EndIf"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestParseOpcode(t *testing.T) {
	t.Parallel()
	for op := OpZero; op < opcodeCount; op++ {
		got, ok := ParseOpcode(op.String())
		if !ok || got != op {
			t.Errorf("ParseOpcode(%q) = %v, %v", op.String(), got, ok)
		}
	}
	if _, ok := ParseOpcode("Jump"); ok {
		t.Error("ParseOpcode accepted an unknown name")
	}
}

func TestStackLayout(t *testing.T) {
	t.Parallel()
	layout := NewStackLayout(4, []Command{CopyTo(6, 1), GreaterThan(2, 9), If(), EndIf()})
	if layout.Size != 10 {
		t.Errorf("Size = %d, want 10", layout.Size)
	}
	if layout.Scratch() != 6 {
		t.Errorf("Scratch() = %d, want 6", layout.Scratch())
	}
	if layout.PaddedSize() != 16 {
		t.Errorf("PaddedSize() = %d, want 16", layout.PaddedSize())
	}

	stack := layout.NewStack()
	if len(stack) != 10 {
		t.Fatalf("len(NewStack()) = %d, want 10", len(stack))
	}
	if !IsAligned(uintptr(unsafe.Pointer(&stack[0]))) {
		t.Error("stack is not cache-line aligned")
	}

	empty := NewStackLayout(3, nil)
	if empty.Size != 3 {
		t.Errorf("empty layout Size = %d, want reserved 3", empty.Size)
	}
}

func TestAlignedSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    uintptr
		expected uintptr
	}{
		{0, 0},
		{1, 64},
		{64, 64},
		{65, 128},
	}
	for _, tt := range tests {
		if got := AlignedSize(tt.input); got != tt.expected {
			t.Errorf("AlignedSize(%d) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}
