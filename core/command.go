// Package core provides the fundamental instruction primitives of the tapeworks engine.
//
// A program is a flat tape of fixed-width Commands operating over a virtual stack
// of float64 slots. Each Command carries an opcode, a target slot and a single
// operand whose meaning depends on the opcode family: a slot index for arithmetic
// and slot comparisons, a float64 literal for value comparisons, and nothing for
// ports, markers and no-ops.
//
// Key components:
//   - Opcode: the fixed instruction set, grouped into families
//   - Command: immutable instruction with a tagged operand and accessors
//   - Stack layout helpers: reserved/scratch slot accounting and aligned stacks
//   - Binary codec for persisting command tapes
//
// Commands are append-only while a program is being recorded and immutable once
// it is finalized, so they are freely shared across goroutines.
package core

import (
	"fmt"
	"math"
)

// Opcode identifies one instruction of the tape.
type Opcode uint8

// Instruction set. The numeric values are part of the binary tape format.
const (
	OpZero Opcode = iota
	OpCopyTo
	OpIncrementBy
	OpDecrementBy
	OpMultiplyBy
	OpEqualsValue
	OpNotEqualsValue
	OpEqualsOtherArrayIndex
	OpNotEqualsOtherArrayIndex
	OpGreaterThan
	OpLessThan
	OpNextSource
	OpNextDestination
	OpIf
	OpEndIf
	OpIncrementDepth
	OpDecrementDepth
	OpComment
	OpBlank

	opcodeCount
)

// NoSlot marks an unused target or operand field.
const NoSlot = -1

// MaxSlotIndex is the largest slot a command can address. Constructors
// narrow slots to int32 without checking; callers validate first.
const MaxSlotIndex = math.MaxInt32

var opcodeNames = [opcodeCount]string{
	OpZero:                     "Zero",
	OpCopyTo:                   "CopyTo",
	OpIncrementBy:              "IncrementBy",
	OpDecrementBy:              "DecrementBy",
	OpMultiplyBy:               "MultiplyBy",
	OpEqualsValue:              "EqualsValue",
	OpNotEqualsValue:           "NotEqualsValue",
	OpEqualsOtherArrayIndex:    "EqualsOtherArrayIndex",
	OpNotEqualsOtherArrayIndex: "NotEqualsOtherArrayIndex",
	OpGreaterThan:              "GreaterThan",
	OpLessThan:                 "LessThan",
	OpNextSource:               "NextSource",
	OpNextDestination:          "NextDestination",
	OpIf:                       "If",
	OpEndIf:                    "EndIf",
	OpIncrementDepth:           "IncrementDepth",
	OpDecrementDepth:           "DecrementDepth",
	OpComment:                  "Comment",
	OpBlank:                    "Blank",
}

func (op Opcode) String() string {
	if op < opcodeCount {
		return opcodeNames[op]
	}
	return fmt.Sprintf("Opcode(%d)", uint8(op))
}

// Valid reports whether op belongs to the instruction set.
func (op Opcode) Valid() bool { return op < opcodeCount }

// ParseOpcode resolves an opcode by its name.
func ParseOpcode(name string) (Opcode, bool) {
	for i, n := range opcodeNames {
		if n == name {
			return Opcode(i), true
		}
	}
	return 0, false
}

// Family groups opcodes that share operand interpretation and execution shape.
type Family uint8

const (
	FamilyArithmetic     Family = iota // Zero, CopyTo, IncrementBy, DecrementBy, MultiplyBy
	FamilyCompareLiteral               // EqualsValue, NotEqualsValue
	FamilyCompareSlot                  // EqualsOtherArrayIndex, NotEqualsOtherArrayIndex, GreaterThan, LessThan
	FamilyPort                         // NextSource, NextDestination
	FamilyControl                      // If, EndIf
	FamilyMarker                       // IncrementDepth, DecrementDepth
	FamilyNoop                         // Comment, Blank
)

// Family returns the opcode family.
func (op Opcode) Family() Family {
	switch op {
	case OpZero, OpCopyTo, OpIncrementBy, OpDecrementBy, OpMultiplyBy:
		return FamilyArithmetic
	case OpEqualsValue, OpNotEqualsValue:
		return FamilyCompareLiteral
	case OpEqualsOtherArrayIndex, OpNotEqualsOtherArrayIndex, OpGreaterThan, OpLessThan:
		return FamilyCompareSlot
	case OpNextSource, OpNextDestination:
		return FamilyPort
	case OpIf, OpEndIf:
		return FamilyControl
	case OpIncrementDepth, OpDecrementDepth:
		return FamilyMarker
	default:
		return FamilyNoop
	}
}

// IsOpener reports whether op opens a nesting scope.
func (op Opcode) IsOpener() bool { return op == OpIf || op == OpIncrementDepth }

// IsCloser reports whether op closes a nesting scope.
func (op Opcode) IsCloser() bool { return op == OpEndIf || op == OpDecrementDepth }

// Closer returns the closing opcode for an opener.
func (op Opcode) Closer() Opcode {
	if op == OpIf {
		return OpEndIf
	}
	return OpDecrementDepth
}

// OperandKind tells how the Arg field of a Command is interpreted.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandSlot
	OperandLiteral
)

// OperandKind returns the interpretation of the operand for op.
func (op Opcode) OperandKind() OperandKind {
	switch op {
	case OpCopyTo, OpIncrementBy, OpDecrementBy, OpMultiplyBy,
		OpEqualsOtherArrayIndex, OpNotEqualsOtherArrayIndex, OpGreaterThan, OpLessThan:
		return OperandSlot
	case OpEqualsValue, OpNotEqualsValue:
		return OperandLiteral
	default:
		return OperandNone
	}
}

// HasTarget reports whether op addresses a target slot.
func (op Opcode) HasTarget() bool {
	switch op.Family() {
	case FamilyArithmetic, FamilyCompareLiteral, FamilyCompareSlot, FamilyPort:
		return true
	}
	return false
}

// Command is one fixed-width instruction. Arg holds either a slot index or the
// IEEE-754 bits of a literal; use the accessors instead of reading it directly.
// Commands are comparable with ==, which is what replay verification relies on.
type Command struct {
	Op     Opcode
	Target int32
	Arg    int64
}

// Slot returns the operand as a slot index. It panics when the opcode does not
// take a slot operand.
func (c Command) Slot() int {
	if c.Op.OperandKind() != OperandSlot {
		panic(fmt.Sprintf("core: %s has no slot operand", c.Op))
	}
	return int(c.Arg)
}

// Literal returns the operand as a literal value. It panics when the opcode
// does not take a literal operand.
func (c Command) Literal() float64 {
	if c.Op.OperandKind() != OperandLiteral {
		panic(fmt.Sprintf("core: %s has no literal operand", c.Op))
	}
	return math.Float64frombits(uint64(c.Arg))
}

// TargetSlot returns the target slot, or NoSlot for markers and no-ops.
func (c Command) TargetSlot() int {
	if !c.Op.HasTarget() {
		return NoSlot
	}
	return int(c.Target)
}

// Reads appends the slots read by c to dst. A slot read twice (IncrementBy(i, i))
// is appended twice.
func (c Command) Reads(dst []int) []int {
	switch c.Op {
	case OpCopyTo:
		dst = append(dst, int(c.Arg))
	case OpIncrementBy, OpDecrementBy, OpMultiplyBy,
		OpEqualsOtherArrayIndex, OpNotEqualsOtherArrayIndex, OpGreaterThan, OpLessThan:
		dst = append(dst, int(c.Target), int(c.Arg))
	case OpEqualsValue, OpNotEqualsValue, OpNextDestination:
		dst = append(dst, int(c.Target))
	}
	return dst
}

// Writes returns the slot written by c, if any.
func (c Command) Writes() (int, bool) {
	switch c.Op {
	case OpZero, OpCopyTo, OpIncrementBy, OpDecrementBy, OpMultiplyBy, OpNextSource:
		return int(c.Target), true
	}
	return NoSlot, false
}

// IsPureWrite reports whether c overwrites slot without reading it first.
func (c Command) IsPureWrite(slot int) bool {
	switch c.Op {
	case OpZero, OpNextSource:
		return int(c.Target) == slot
	case OpCopyTo:
		return int(c.Target) == slot && int(c.Arg) != slot
	}
	return false
}

// Uses counts how many times slot is read or written by c.
func (c Command) Uses(slot int) int {
	n := 0
	var buf [2]int
	for _, r := range c.Reads(buf[:0]) {
		if r == slot {
			n++
		}
	}
	if w, ok := c.Writes(); ok && w == slot {
		n++
	}
	return n
}

// MaxSlot returns the highest slot index referenced by c, or NoSlot.
func (c Command) MaxSlot() int {
	m := c.TargetSlot()
	if c.Op.OperandKind() == OperandSlot && int(c.Arg) > m {
		m = int(c.Arg)
	}
	return m
}

func (c Command) String() string {
	switch c.Op.OperandKind() {
	case OperandSlot:
		return fmt.Sprintf("%s s%d, s%d", c.Op, c.Target, c.Arg)
	case OperandLiteral:
		return fmt.Sprintf("%s s%d, %g", c.Op, c.Target, c.Literal())
	}
	if c.Op.HasTarget() {
		return fmt.Sprintf("%s s%d", c.Op, c.Target)
	}
	return c.Op.String()
}

// Constructors. Each one builds a command with a correctly tagged operand.

func Zero(target int) Command {
	return Command{Op: OpZero, Target: int32(target), Arg: NoSlot}
}

func CopyTo(target, source int) Command {
	return Command{Op: OpCopyTo, Target: int32(target), Arg: int64(source)}
}

func IncrementBy(target, source int) Command {
	return Command{Op: OpIncrementBy, Target: int32(target), Arg: int64(source)}
}

func DecrementBy(target, source int) Command {
	return Command{Op: OpDecrementBy, Target: int32(target), Arg: int64(source)}
}

func MultiplyBy(target, source int) Command {
	return Command{Op: OpMultiplyBy, Target: int32(target), Arg: int64(source)}
}

func EqualsValue(slot int, literal float64) Command {
	return Command{Op: OpEqualsValue, Target: int32(slot), Arg: int64(math.Float64bits(literal))}
}

func NotEqualsValue(slot int, literal float64) Command {
	return Command{Op: OpNotEqualsValue, Target: int32(slot), Arg: int64(math.Float64bits(literal))}
}

func EqualsOtherArrayIndex(slot, other int) Command {
	return Command{Op: OpEqualsOtherArrayIndex, Target: int32(slot), Arg: int64(other)}
}

func NotEqualsOtherArrayIndex(slot, other int) Command {
	return Command{Op: OpNotEqualsOtherArrayIndex, Target: int32(slot), Arg: int64(other)}
}

func GreaterThan(slot, other int) Command {
	return Command{Op: OpGreaterThan, Target: int32(slot), Arg: int64(other)}
}

func LessThan(slot, other int) Command {
	return Command{Op: OpLessThan, Target: int32(slot), Arg: int64(other)}
}

func NextSource(target int) Command {
	return Command{Op: OpNextSource, Target: int32(target), Arg: NoSlot}
}

func NextDestination(slot int) Command {
	return Command{Op: OpNextDestination, Target: int32(slot), Arg: NoSlot}
}

func If() Command             { return marker(OpIf) }
func EndIf() Command          { return marker(OpEndIf) }
func IncrementDepth() Command { return marker(OpIncrementDepth) }
func DecrementDepth() Command { return marker(OpDecrementDepth) }
func Comment() Command        { return marker(OpComment) }
func Blank() Command          { return marker(OpBlank) }

func marker(op Opcode) Command {
	return Command{Op: op, Target: NoSlot, Arg: NoSlot}
}
