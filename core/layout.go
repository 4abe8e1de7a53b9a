package core

// StackLayout describes how a virtual stack is partitioned: slots [0, Reserved)
// mirror the caller's data array one to one, slots [Reserved, Size) are scratch.
type StackLayout struct {
	Reserved int
	Size     int
}

// NewStackLayout derives the layout of the stack touched by cmds. The stack is
// never smaller than the reserved region.
func NewStackLayout(reserved int, cmds []Command) StackLayout {
	size := reserved
	for _, c := range cmds {
		if m := c.MaxSlot() + 1; m > size {
			size = m
		}
	}
	return StackLayout{Reserved: reserved, Size: size}
}

// Scratch returns the number of scratch slots.
func (l StackLayout) Scratch() int { return l.Size - l.Reserved }

// PaddedSize rounds Size up to whole cache lines.
func (l StackLayout) PaddedSize() int {
	return AlignSize(l.Size, SlotsPerLine)
}

// AlignSize rounds size up to the specified power-of-two alignment.
func AlignSize(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// NewStack allocates a cache-aligned zeroed stack for the layout.
func (l StackLayout) NewStack() []float64 {
	return AlignedFloats(l.PaddedSize())[:l.Size]
}
