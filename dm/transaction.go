package dm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/copystructure"
)

// +-------------+
// | Transaction |
// +-------------+

// Transaction is an ordered sequence of operations representing one atomic edit, with the
// intention that produced it.
//
// The data consumed by all operations (retained plus removed) must add up to the length of the
// document the transaction was built against; data past the last operation is implicitly
// retained. A Transaction is not modified once built: methods return new values.
type Transaction struct {
	Operations []Operation
	Intention  Intention
	// Author is the id of the author that created the transaction, 0 when unknown.
	Author int
}

// NewTransaction creates a transaction from operations with an empty intention.
func NewTransaction(ops ...Operation) *Transaction {
	return &Transaction{Operations: ops}
}

// IsNoOp reports whether applying t changes nothing.
func (t *Transaction) IsNoOp() bool {
	for _, op := range t.Operations {
		switch op := op.(type) {
		case Replace:
			if !op.IsNoOp() {
				return false
			}
		case ReplaceMetadata:
			if len(op.Remove) > 0 || len(op.Insert) > 0 {
				return false
			}
		case AttributeChange:
			if op.From != op.To {
				return false
			}
		}
	}
	return true
}

// Clone deep-copies t.
func (t *Transaction) Clone() *Transaction {
	cp, err := copystructure.Copy(t)
	if err != nil {
		panic(fmt.Errorf("copying transaction: %w", err))
	}
	return cp.(*Transaction)
}

// Reversed returns the transaction that undoes t.
//
// The reversed transaction carries no intention; transposition derives one when needed.
func (t *Transaction) Reversed() *Transaction {
	ops := make([]Operation, len(t.Operations))
	for i, op := range t.Operations {
		switch op := op.(type) {
		case Replace:
			ops[i] = op.reversed()
		case ReplaceMetadata:
			ops[i] = ReplaceMetadata{Remove: op.Insert, Insert: op.Remove}
		case AttributeChange:
			ops[i] = AttributeChange{Key: op.Key, From: op.To, To: op.From}
		default:
			ops[i] = op
		}
	}
	rev := &Transaction{Operations: ops, Author: t.Author}
	return rev.Clone()
}

// OldLength is the amount of data consumed by t's operations.
func (t *Transaction) OldLength() int {
	var n int
	for _, op := range t.Operations {
		switch op := op.(type) {
		case Retain:
			n += op.Length
		case Replace:
			n += len(op.Remove)
		}
	}
	return n
}

// NewLength is the amount of data produced by t's operations.
func (t *Transaction) NewLength() int {
	var n int
	for _, op := range t.Operations {
		switch op := op.(type) {
		case Retain:
			n += op.Length
		case Replace:
			n += len(op.Insert)
		}
	}
	return n
}

// LengthDifference is the change in data length caused by t.
func (t *Transaction) LengthDifference() int {
	return t.NewLength() - t.OldLength()
}

// HasMetadataOperations reports whether t touches metadata.
func (t *Transaction) HasMetadataOperations() bool {
	for _, op := range t.Operations {
		switch op := op.(type) {
		case RetainMetadata, ReplaceMetadata:
			return true
		case Replace:
			if op.RemoveMetadata != nil || op.InsertMetadata != nil {
				return true
			}
		}
	}
	return false
}

// TranslateOffset returns where offset ends up after t is applied. Offsets touching a
// replacement land after the inserted content unless excludeInsertion is set.
func (t *Transaction) TranslateOffset(offset int, excludeInsertion bool) int {
	var cur, adj int
	for _, op := range t.Operations {
		switch op := op.(type) {
		case Retain:
			if offset < cur+op.Length {
				return offset + adj
			}
			cur += op.Length
		case Replace:
			n, k := len(op.Remove), len(op.Insert)
			if offset >= cur && offset <= cur+n {
				if offset < cur+n || n > 0 || k > 0 {
					if excludeInsertion {
						return cur + adj
					}
					return cur + adj + k
				}
			}
			cur += n
			adj += k - n
		}
	}
	return offset + adj
}

// TranslateRange returns where r ends up after t is applied. When excludeInsertion is set,
// insertions at the range boundaries are left outside the range; otherwise the range grows
// to cover them. Collapsed ranges stay collapsed and direction is preserved.
func (t *Transaction) TranslateRange(r Range, excludeInsertion bool) Range {
	if r.IsCollapsed() {
		p := t.TranslateOffset(r.From, excludeInsertion)
		return CollapsedRange(p)
	}
	start := t.TranslateOffset(r.Start(), !excludeInsertion)
	end := t.TranslateOffset(r.End(), excludeInsertion)
	if end < start {
		end = start
	}
	return r.WithDirection(start, end)
}

// ModifiedRange returns the smallest range of old data touched by t, and false if t doesn't
// touch data at all.
func (t *Transaction) ModifiedRange() (Range, bool) {
	start, end := -1, -1
	var cur int
	for _, op := range t.Operations {
		switch op := op.(type) {
		case Retain:
			cur += op.Length
		case Replace:
			if op.IsNoOp() {
				continue
			}
			if start < 0 {
				start = cur
			}
			cur += len(op.Remove)
			end = cur
		case AttributeChange:
			if start < 0 {
				start = cur
			}
			if cur+1 > end {
				end = cur + 1
			}
		}
	}
	if start < 0 {
		return Range{}, false
	}
	return NewRange(start, end), true
}

func (t *Transaction) String() string {
	parts := make([]string, len(t.Operations))
	for i, op := range t.Operations {
		parts[i] = fmt.Sprint(op)
	}
	return fmt.Sprintf("%s{%s}", t.Intention.Verb, strings.Join(parts, ", "))
}

// +------+
// | JSON |
// +------+

type wireTransaction struct {
	Operations []json.RawMessage `json:"operations"`
	Intention  Intention         `json:"intention"`
	Author     int               `json:"author,omitempty"`
}

func (t *Transaction) MarshalJSON() ([]byte, error) {
	w := wireTransaction{Intention: t.Intention, Author: t.Author, Operations: []json.RawMessage{}}
	for _, op := range t.Operations {
		bs, err := MarshalOperation(op)
		if err != nil {
			return nil, err
		}
		w.Operations = append(w.Operations, bs)
	}
	return json.Marshal(w)
}

func (t *Transaction) UnmarshalJSON(bs []byte) error {
	var w wireTransaction
	if err := json.Unmarshal(bs, &w); err != nil {
		return err
	}
	ops := make([]Operation, len(w.Operations))
	for i, raw := range w.Operations {
		op, err := UnmarshalOperation(raw)
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		ops[i] = op
	}
	*t = Transaction{Operations: ops, Intention: w.Intention, Author: w.Author}
	return nil
}

// +-------------+
// | Composition |
// +-------------+

type tokenKind int

const (
	retainToken tokenKind = iota
	removeToken
	insertToken
)

// token is one data unit of a transaction, with the attribute changes applied to it.
type token struct {
	kind  tokenKind
	item  Item
	meta  []MetaItem
	attrs []AttributeChange
}

func tokenize(t *Transaction) ([]token, error) {
	var tokens []token
	var pending []AttributeChange
	for _, op := range t.Operations {
		switch op := op.(type) {
		case Retain:
			for i := 0; i < op.Length; i++ {
				tokens = append(tokens, token{kind: retainToken, attrs: pending})
				pending = nil
			}
		case Replace:
			if len(pending) > 0 {
				return nil, fmt.Errorf("%w: attribute change before a replacement", ErrUncomposable)
			}
			for i, it := range op.Remove {
				tokens = append(tokens, token{kind: removeToken, item: it, meta: metaAt(op.RemoveMetadata, i)})
			}
			for i, it := range op.Insert {
				tokens = append(tokens, token{kind: insertToken, item: it, meta: metaAt(op.InsertMetadata, i)})
			}
		case AttributeChange:
			pending = append(pending, op)
		default:
			return nil, ErrUncomposable
		}
	}
	if len(pending) > 0 {
		// Attribute change on the first implicitly retained item.
		tokens = append(tokens, token{kind: retainToken, attrs: pending})
	}
	return tokens, nil
}

func metaAt(lists [][]MetaItem, i int) []MetaItem {
	if lists == nil {
		return nil
	}
	return lists[i]
}

func applyAttributeChanges(it Item, changes []AttributeChange) Item {
	for _, ch := range changes {
		it = it.WithAttribute(ch.Key, ch.To)
	}
	return it
}

func revertAttributeChanges(it Item, changes []AttributeChange) Item {
	for i := len(changes) - 1; i >= 0; i-- {
		it = it.WithAttribute(changes[i].Key, changes[i].From)
	}
	return it
}

func mergeAttributeChanges(a, b []AttributeChange) []AttributeChange {
	var out []AttributeChange
	index := make(map[string]int)
	for _, ch := range append(append([]AttributeChange(nil), a...), b...) {
		if i, ok := index[ch.Key]; ok {
			out[i].To = ch.To
			continue
		}
		index[ch.Key] = len(out)
		out = append(out, ch)
	}
	var result []AttributeChange
	for _, ch := range out {
		if ch.From != ch.To {
			result = append(result, ch)
		}
	}
	return result
}

// Compose returns a single transaction equivalent to applying t and then next.
//
// Composition is defined for data and attribute operations, including the metadata owned by
// replaced items; transactions with metadata operations return ErrUncomposable.
func (t *Transaction) Compose(next *Transaction) (*Transaction, error) {
	as, err := tokenize(t)
	if err != nil {
		return nil, err
	}
	bs, err := tokenize(next)
	if err != nil {
		return nil, err
	}
	var out []token
	var i, j int
	for i < len(as) || j < len(bs) {
		if i < len(as) && as[i].kind == removeToken {
			out = append(out, as[i])
			i++
			continue
		}
		if j < len(bs) && bs[j].kind == insertToken {
			out = append(out, bs[j])
			j++
			continue
		}
		// Implicit trailing retains.
		var a, b token
		switch {
		case i < len(as) && j < len(bs):
			a, b = as[i], bs[j]
		case i < len(as):
			a, b = as[i], token{kind: retainToken}
		default:
			a, b = token{kind: retainToken}, bs[j]
		}
		i++
		j++
		switch {
		case a.kind == retainToken && b.kind == retainToken:
			out = append(out, token{kind: retainToken, attrs: mergeAttributeChanges(a.attrs, b.attrs)})
		case a.kind == retainToken && b.kind == removeToken:
			out = append(out, token{kind: removeToken, item: revertAttributeChanges(b.item, a.attrs), meta: b.meta})
		case a.kind == insertToken && b.kind == retainToken:
			out = append(out, token{kind: insertToken, item: applyAttributeChanges(a.item, b.attrs), meta: a.meta})
		case a.kind == insertToken && b.kind == removeToken:
			// Inserted by t and removed by next.
		}
	}
	return &Transaction{Operations: packTokens(out), Author: t.Author}, nil
}

func packTokens(tokens []token) []Operation {
	var ops []Operation
	var retain int
	var remove, insert []token
	flushRetain := func() {
		if retain > 0 {
			ops = append(ops, Retain{Length: retain})
			retain = 0
		}
	}
	flushReplace := func() {
		if len(remove) > 0 || len(insert) > 0 {
			op := Replace{}
			op.Remove, op.RemoveMetadata = splitTokens(remove)
			op.Insert, op.InsertMetadata = splitTokens(insert)
			ops = append(ops, op)
			remove, insert = nil, nil
		}
	}
	for _, tok := range tokens {
		switch tok.kind {
		case retainToken:
			flushReplace()
			if len(tok.attrs) > 0 {
				flushRetain()
				for _, ch := range tok.attrs {
					ops = append(ops, ch)
				}
			}
			retain++
		case removeToken:
			flushRetain()
			remove = append(remove, tok)
		case insertToken:
			flushRetain()
			insert = append(insert, tok)
		}
	}
	flushReplace()
	flushRetain()
	return ops
}

// splitTokens returns the items of tokens and their metadata lists, or nil lists if all are
// empty.
func splitTokens(tokens []token) ([]Item, [][]MetaItem) {
	items := make([]Item, len(tokens))
	var lists [][]MetaItem
	for i, tok := range tokens {
		items[i] = tok.item
		if len(tok.meta) > 0 && lists == nil {
			lists = make([][]MetaItem, len(tokens))
		}
	}
	if lists != nil {
		for i, tok := range tokens {
			lists[i] = tok.meta
		}
	}
	if len(items) == 0 {
		items = nil
	}
	return items, lists
}
