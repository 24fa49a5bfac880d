package dm

import (
	"fmt"

	ft "github.com/leisure-tools/lazyfingertree"
	"github.com/mitchellh/copystructure"
)

// +-------------+
// | Linear data |
// +-------------+

type itemMeasurer bool

type itemMeasure struct {
	Len int
}

func (m itemMeasurer) Identity() itemMeasure {
	return itemMeasure{}
}

func (m itemMeasurer) Measure(it Item) itemMeasure {
	return itemMeasure{Len: 1}
}

func (m itemMeasurer) Sum(a itemMeasure, b itemMeasure) itemMeasure {
	return itemMeasure{Len: a.Len + b.Len}
}

type itemTree = ft.FingerTree[itemMeasurer, Item, itemMeasure]

func newItemTree(items []Item) itemTree {
	return ft.FromArray[itemMeasurer, Item, itemMeasure](itemMeasurer(true), items)
}

// LinearData is the flat item sequence of a document, kept in a persistent finger tree.
//
// LinearData is a value: every modification returns a new LinearData sharing structure with
// the original, so copies are O(1).
//
// Time complexity: At, Slice and Splice are O(log n) plus the size of the slice.
type LinearData struct {
	tree itemTree
	ok   bool
}

// NewLinearData creates linear data holding items.
func NewLinearData(items ...Item) LinearData {
	return LinearData{tree: newItemTree(CloneItems(items)), ok: true}
}

func (d LinearData) t() itemTree {
	if !d.ok {
		return newItemTree(nil)
	}
	return d.tree
}

func (d LinearData) Len() int {
	if !d.ok {
		return 0
	}
	return d.tree.Measure().Len
}

func (d LinearData) split(offset int) (itemTree, itemTree) {
	return d.t().Split(func(m itemMeasure) bool {
		return m.Len > offset
	})
}

// At returns the item at offset.
func (d LinearData) At(offset int) Item {
	if offset < 0 || offset >= d.Len() {
		panic(fmt.Errorf("offset %d out of bounds [0, %d)", offset, d.Len()))
	}
	_, right := d.split(offset)
	return right.PeekFirst()
}

// Slice returns a copy of the items in [start, end).
func (d LinearData) Slice(start, end int) []Item {
	if start < 0 || end > d.Len() || start > end {
		panic(fmt.Errorf("slice [%d, %d) out of bounds [0, %d)", start, end, d.Len()))
	}
	if start == end {
		return nil
	}
	_, right := d.split(start)
	mid, _ := right.Split(func(m itemMeasure) bool {
		return m.Len > end-start
	})
	return CloneItems(mid.ToSlice())
}

// Splice removes count items at offset and inserts items in their place.
func (d LinearData) Splice(offset, count int, items []Item) LinearData {
	if offset < 0 || count < 0 || offset+count > d.Len() {
		panic(fmt.Errorf("splice at %d of %d items out of bounds [0, %d)", offset, count, d.Len()))
	}
	left, right := d.split(offset)
	_, rest := right.Split(func(m itemMeasure) bool {
		return m.Len > count
	})
	if len(items) > 0 {
		left = left.Concat(newItemTree(CloneItems(items)))
	}
	return LinearData{tree: left.Concat(rest), ok: true}
}

// Items returns a copy of all items.
func (d LinearData) Items() []Item {
	if d.Len() == 0 {
		return nil
	}
	return CloneItems(d.t().ToSlice())
}

// PlainText returns all characters in the data.
func (d LinearData) PlainText() string {
	return PlainText(d.Items())
}

// +----------+
// | Metadata |
// +----------+

// Metadata holds one metadata list per data boundary: list n precedes data item n, and the
// last list follows the final item, so a document of n items has n+1 lists.
//
// List n is owned by data item n: removing the item removes the list with it.
type Metadata [][]MetaItem

// NewMetadata creates empty metadata for a document of dataLen items.
func NewMetadata(dataLen int) Metadata {
	return make(Metadata, dataLen+1)
}

// Clone deep-copies the metadata lists.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	cp, err := copystructure.Copy(m)
	if err != nil {
		panic(fmt.Errorf("copying metadata: %w", err))
	}
	return cp.(Metadata)
}

// Len returns the total number of metadata items.
func (m Metadata) Len() int {
	var n int
	for _, list := range m {
		n += len(list)
	}
	return n
}

// IsEmptyRange reports whether lists [start, end) hold no items.
func (m Metadata) IsEmptyRange(start, end int) bool {
	for i := start; i < end; i++ {
		if len(m[i]) > 0 {
			return false
		}
	}
	return true
}
