// Package change groups transactions into changes, the unit exchanged by the rebase protocol.
//
// A Change holds consecutive transactions of a document history, starting at a given offset
// of that history, together with the selections of the authors after them.
package change

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/brunokim/docsync/dm"
)

// Errors returned by change operations.
var (
	ErrMalformedChange = errors.New("malformed change")
	ErrNotContiguous   = errors.New("changes are not contiguous")
)

// +-----------+
// | Selection |
// +-----------+

// Selection is an author's selection: either a linear range or the null selection.
type Selection struct {
	// Range is nil for the null selection.
	Range *dm.Range
}

// LinearSelection returns a selection of r.
func LinearSelection(r dm.Range) Selection {
	return Selection{Range: &r}
}

// IsNull reports whether s selects nothing.
func (s Selection) IsNull() bool {
	return s.Range == nil
}

// Translate returns s after tx is applied. Content inserted at the selection boundaries is
// kept outside of it.
func (s Selection) Translate(tx *dm.Transaction) Selection {
	if s.IsNull() {
		return s
	}
	return LinearSelection(tx.TranslateRange(*s.Range, true))
}

func (s Selection) Equal(other Selection) bool {
	if s.IsNull() || other.IsNull() {
		return s.IsNull() == other.IsNull()
	}
	return s.Range.Equals(*other.Range)
}

func (s Selection) String() string {
	if s.IsNull() {
		return "null"
	}
	return s.Range.String()
}

type wireSelection struct {
	Type  string    `json:"type"`
	Range *dm.Range `json:"range,omitempty"`
}

func (s Selection) MarshalJSON() ([]byte, error) {
	if s.IsNull() {
		return json.Marshal(wireSelection{Type: "null"})
	}
	return json.Marshal(wireSelection{Type: "linear", Range: s.Range})
}

func (s *Selection) UnmarshalJSON(bs []byte) error {
	var w wireSelection
	if err := json.Unmarshal(bs, &w); err != nil {
		return err
	}
	switch w.Type {
	case "null":
		*s = Selection{}
	case "linear":
		if w.Range == nil {
			return fmt.Errorf("linear selection without range")
		}
		*s = LinearSelection(*w.Range)
	default:
		return fmt.Errorf("unknown selection type %q", w.Type)
	}
	return nil
}

// +--------+
// | Change |
// +--------+

// Change is a run of consecutive transactions of a document history.
type Change struct {
	// Start is the history offset of the first transaction.
	Start        int
	Transactions []*dm.Transaction
	// Selections maps author ids to their selections after the last transaction.
	Selections map[int]Selection
}

// New creates a change starting at start.
func New(start int, txs ...*dm.Transaction) *Change {
	return &Change{Start: start, Transactions: txs, Selections: make(map[int]Selection)}
}

// Len returns the number of transactions in c.
func (c *Change) Len() int {
	return len(c.Transactions)
}

// End returns the history offset right after the last transaction.
func (c *Change) End() int {
	return c.Start + c.Len()
}

// IsEmpty reports whether c has neither transactions nor selections.
func (c *Change) IsEmpty() bool {
	return c.Len() == 0 && len(c.Selections) == 0
}

// FirstAuthor returns the author of the first transaction or, without transactions, the
// lowest author id with a selection. It returns 0 for an empty change.
func (c *Change) FirstAuthor() int {
	if c.Len() > 0 {
		return c.Transactions[0].Author
	}
	authors := c.authors()
	if len(authors) == 0 {
		return 0
	}
	return authors[0]
}

func (c *Change) authors() []int {
	authors := make([]int, 0, len(c.Selections))
	for author := range c.Selections {
		authors = append(authors, author)
	}
	sort.Ints(authors)
	return authors
}

// Clone returns a deep copy of c.
func (c *Change) Clone() *Change {
	txs := make([]*dm.Transaction, len(c.Transactions))
	for i, tx := range c.Transactions {
		txs[i] = tx.Clone()
	}
	return &Change{Start: c.Start, Transactions: txs, Selections: cloneSelections(c.Selections)}
}

func cloneSelections(sels map[int]Selection) map[int]Selection {
	out := make(map[int]Selection, len(sels))
	for author, sel := range sels {
		if !sel.IsNull() {
			sel = LinearSelection(*sel.Range)
		}
		out[author] = sel
	}
	return out
}

// Concat returns c followed by other, which must start where c ends. Selections of other
// replace those of c.
func (c *Change) Concat(other *Change) (*Change, error) {
	if other.Start != c.End() {
		return nil, fmt.Errorf("%w: %d..%d followed by %d..%d", ErrNotContiguous, c.Start, c.End(), other.Start, other.End())
	}
	out := &Change{
		Start:        c.Start,
		Transactions: append(append([]*dm.Transaction(nil), c.Transactions...), other.Transactions...),
		Selections:   cloneSelections(c.Selections),
	}
	for author, sel := range other.Selections {
		out.Selections[author] = sel
	}
	return out, nil
}

// Truncate returns the first n transactions of c, without selections.
func (c *Change) Truncate(n int) *Change {
	if n > c.Len() {
		n = c.Len()
	}
	return New(c.Start, c.Transactions[:n:n]...)
}

// MostRecent returns the transactions of c from history offset start on, with c's
// selections.
func (c *Change) MostRecent(start int) *Change {
	i := start - c.Start
	if i < 0 {
		i = 0
	}
	if i > c.Len() {
		i = c.Len()
	}
	return &Change{
		Start:        c.Start + i,
		Transactions: append([]*dm.Transaction(nil), c.Transactions[i:]...),
		Selections:   cloneSelections(c.Selections),
	}
}

// Reversed returns the change undoing c. It starts at c's end.
func (c *Change) Reversed() *Change {
	out := New(c.End())
	for i := c.Len() - 1; i >= 0; i-- {
		out.Transactions = append(out.Transactions, c.Transactions[i].Reversed())
	}
	return out
}

// Apply commits every transaction of c to doc, in order.
func (c *Change) Apply(doc *dm.Document) error {
	for i, tx := range c.Transactions {
		if err := doc.Commit(tx); err != nil {
			return fmt.Errorf("applying transaction %d of change at %d: %w", i, c.Start, err)
		}
	}
	return nil
}

// Unapply commits the reversal of every transaction of c to doc, last first.
func (c *Change) Unapply(doc *dm.Document) error {
	return c.Reversed().Apply(doc)
}

// TranslateSelections returns c with every selection translated over tx.
func (c *Change) TranslateSelections(tx *dm.Transaction) *Change {
	out := &Change{Start: c.Start, Transactions: c.Transactions, Selections: make(map[int]Selection, len(c.Selections))}
	for author, sel := range c.Selections {
		out.Selections[author] = sel.Translate(tx)
	}
	return out
}

func (c *Change) String() string {
	return fmt.Sprintf("change(start=%d, transactions=%v, selections=%v)", c.Start, c.Transactions, c.Selections)
}

// +---------------+
// | Serialization |
// +---------------+

type wireChange struct {
	Start        int               `json:"start"`
	Transactions []*dm.Transaction `json:"transactions"`
	Selections   map[int]Selection `json:"selections,omitempty"`
}

// Serialize encodes c in its wire form.
func (c *Change) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

func (c *Change) MarshalJSON() ([]byte, error) {
	w := wireChange{Start: c.Start, Transactions: c.Transactions, Selections: c.Selections}
	if w.Transactions == nil {
		w.Transactions = []*dm.Transaction{}
	}
	return json.Marshal(w)
}

func (c *Change) UnmarshalJSON(bs []byte) error {
	var w wireChange
	if err := json.Unmarshal(bs, &w); err != nil {
		return err
	}
	for i, tx := range w.Transactions {
		if tx == nil {
			return fmt.Errorf("transaction %d is null", i)
		}
	}
	if w.Selections == nil {
		w.Selections = make(map[int]Selection)
	}
	*c = Change{Start: w.Start, Transactions: w.Transactions, Selections: w.Selections}
	return nil
}

// Deserialize decodes a change from its wire form. Decoding failures wrap
// ErrMalformedChange.
func Deserialize(bs []byte) (*Change, error) {
	var c Change
	if err := json.Unmarshal(bs, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	if c.Start < 0 {
		return nil, fmt.Errorf("%w: negative start %d", ErrMalformedChange, c.Start)
	}
	return &c, nil
}
