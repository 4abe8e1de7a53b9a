// Package kernels holds the numeric semantics of every tape opcode and the
// bulk kernels used to move ordered port data in and out of caller arrays.
//
// All executors (interpreted and compiled) evaluate arithmetic and comparison
// commands through this package, so each opcode has exactly one definition.
//
// Available operations:
//   - Arithmetic: Zero, CopyTo, IncrementBy, DecrementBy, MultiplyBy
//   - Comparisons: literal and slot equality, ordering
//   - Port kernels: Gather, ScatterAdd, GroupedScatterAdd
//
// Arithmetic kernels take the current target value and the operand value and
// return the new target value. Comparison kernels return the new condition.
package kernels

import "github.com/sbl8/tapeworks/core"

// ArithFn computes the new value of a target slot from its current value t and
// the operand value v.
type ArithFn func(t, v float64) float64

// CompareFn computes a condition from the target value x and the operand y,
// which is either a literal or another slot's value.
type CompareFn func(x, y float64) bool

// Arith maps arithmetic opcodes to their kernels.
var Arith = [256]ArithFn{
	core.OpZero:        zero,
	core.OpCopyTo:      copyTo,
	core.OpIncrementBy: add,
	core.OpDecrementBy: sub,
	core.OpMultiplyBy:  mul,
}

// Compare maps comparison opcodes to their kernels.
var Compare = [256]CompareFn{
	core.OpEqualsValue:              eq,
	core.OpNotEqualsValue:           neq,
	core.OpEqualsOtherArrayIndex:    eq,
	core.OpNotEqualsOtherArrayIndex: neq,
	core.OpGreaterThan:              gt,
	core.OpLessThan:                 lt,
}

// -------- Arithmetic ----------

func zero(_, _ float64) float64 { return 0 }

func copyTo(_, v float64) float64 { return v }

func add(t, v float64) float64 { return t + v }

func sub(t, v float64) float64 { return t - v }

func mul(t, v float64) float64 { return t * v }

// -------- Comparisons ----------

// Comparisons are IEEE 754: NaN is unequal to everything, itself included.

func eq(x, y float64) bool { return x == y }

func neq(x, y float64) bool { return x != y }

func gt(x, y float64) bool { return x > y }

func lt(x, y float64) bool { return x < y }

// Apply evaluates an arithmetic opcode without the table indirection. It is the
// form used by dispatch loops that already switch on the opcode.
func Apply(op core.Opcode, t, v float64) float64 {
	switch op {
	case core.OpZero:
		return zero(t, v)
	case core.OpCopyTo:
		return copyTo(t, v)
	case core.OpIncrementBy:
		return add(t, v)
	case core.OpDecrementBy:
		return sub(t, v)
	case core.OpMultiplyBy:
		return mul(t, v)
	}
	panic("kernels: " + op.String() + " is not arithmetic")
}

// Test evaluates a comparison opcode without the table indirection.
func Test(op core.Opcode, x, y float64) bool {
	switch op {
	case core.OpEqualsValue, core.OpEqualsOtherArrayIndex:
		return eq(x, y)
	case core.OpNotEqualsValue, core.OpNotEqualsOtherArrayIndex:
		return neq(x, y)
	case core.OpGreaterThan:
		return gt(x, y)
	case core.OpLessThan:
		return lt(x, y)
	}
	panic("kernels: " + op.String() + " is not a comparison")
}

// Operand resolves the right-hand value of an arithmetic or comparison command
// against the stack: the literal for literal comparisons, the operand slot's
// value otherwise. Zero has no operand and yields 0.
func Operand(c core.Command, vs []float64) float64 {
	switch c.Op.OperandKind() {
	case core.OperandLiteral:
		return c.Literal()
	case core.OperandSlot:
		return vs[c.Slot()]
	}
	return 0
}
