package dm

import (
	"fmt"
	"math"
)

// MetaInf is the metadata index that sorts after every metadata item at a data offset.
const MetaInf = math.MaxInt32

// +----------+
// | Position |
// +----------+

// Position addresses the interleaved data/metadata stream.
//
// The metadata list at data offset n precedes data item n, so (n, 0) is the boundary right
// before that list, (n, k) sits between its k-th and (k+1)-th items, and (n, MetaInf) is the
// boundary right before data item n. A plain data offset n is Position{n, 0}.
type Position struct {
	Data int `json:"data"`
	Meta int `json:"meta"`
}

// DataPosition returns the position of a plain data offset.
func DataPosition(offset int) Position {
	return Position{Data: offset}
}

func (p Position) Add(q Position) Position {
	return Position{Data: p.Data + q.Data, Meta: p.Meta + q.Meta}
}

func (p Position) Sub(q Position) Position {
	return Position{Data: p.Data - q.Data, Meta: p.Meta - q.Meta}
}

func (p Position) Equal(q Position) bool {
	return p == q
}

// Compare returns -1, 0 or 1 depending on whether p sorts before, equal or after q.
func (p Position) Compare(q Position) int {
	switch {
	case p.Data < q.Data:
		return -1
	case p.Data > q.Data:
		return 1
	case p.Meta < q.Meta:
		return -1
	case p.Meta > q.Meta:
		return 1
	}
	return 0
}

func (p Position) Less(q Position) bool {
	return p.Compare(q) < 0
}

func (p Position) String() string {
	if p.Meta == MetaInf {
		return fmt.Sprintf("(%d, inf)", p.Data)
	}
	return fmt.Sprintf("(%d, %d)", p.Data, p.Meta)
}

// +-------+
// | Range |
// +-------+

// Range is an anchor/focus pair of data offsets. From and To keep the direction the user
// intended, while Start and End are always ordered.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// NewRange creates a range from anchor to focus.
func NewRange(from, to int) Range {
	return Range{From: from, To: to}
}

// CollapsedRange creates an empty range at offset.
func CollapsedRange(offset int) Range {
	return Range{From: offset, To: offset}
}

func (r Range) Start() int {
	if r.From < r.To {
		return r.From
	}
	return r.To
}

func (r Range) End() int {
	if r.From > r.To {
		return r.From
	}
	return r.To
}

func (r Range) Length() int {
	return r.End() - r.Start()
}

func (r Range) IsCollapsed() bool {
	return r.From == r.To
}

func (r Range) IsBackwards() bool {
	return r.From > r.To
}

// Equals compares ranges taking direction into account.
func (r Range) Equals(other Range) bool {
	return r.From == other.From && r.To == other.To
}

// EqualsSelection compares ranges ignoring direction.
func (r Range) EqualsSelection(other Range) bool {
	return r.Start() == other.Start() && r.End() == other.End()
}

// Flip swaps anchor and focus.
func (r Range) Flip() Range {
	return Range{From: r.To, To: r.From}
}

// Normalize returns the forward-facing version of r.
func (r Range) Normalize() Range {
	return Range{From: r.Start(), To: r.End()}
}

// WithDirection returns the range between start and end oriented like r.
func (r Range) WithDirection(start, end int) Range {
	if r.IsBackwards() {
		return Range{From: end, To: start}
	}
	return Range{From: start, To: end}
}

// Translate shifts both ends by delta.
func (r Range) Translate(delta int) Range {
	return Range{From: r.From + delta, To: r.To + delta}
}

// Truncate limits the range to at most length units, measured from the anchor.
func (r Range) Truncate(length int) Range {
	if length >= r.Length() {
		return r
	}
	if r.IsBackwards() {
		return Range{From: r.From, To: r.From - length}
	}
	return Range{From: r.From, To: r.From + length}
}

// ContainsOffset reports whether offset lies in [Start, End).
func (r Range) ContainsOffset(offset int) bool {
	return offset >= r.Start() && offset < r.End()
}

// ContainsRange reports whether other lies within r.
func (r Range) ContainsRange(other Range) bool {
	return other.Start() >= r.Start() && other.End() <= r.End()
}

// Overlaps reports whether the ranges share at least one unit.
func (r Range) Overlaps(other Range) bool {
	return r.Start() < other.End() && other.Start() < r.End()
}

// Expand returns the smallest forward range covering r and other.
func (r Range) Expand(other Range) Range {
	start, end := r.Start(), r.End()
	if other.Start() < start {
		start = other.Start()
	}
	if other.End() > end {
		end = other.End()
	}
	return Range{From: start, To: end}
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.From, r.To)
}
