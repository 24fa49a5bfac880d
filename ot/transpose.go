// Package ot transposes concurrent transactions.
//
// Two transactions a and b built against the same document are transposed into a' and b',
// such that applying b then a' has the same effect as applying a then b'. Transposition works
// on intentions: the range of a is translated across b, and a' is regenerated from the
// translated intention on the document after b. Pairs that can't be reconciled this way are
// reported with ErrConflict, and are left for the rebase protocol to reject.
package ot

import (
	"errors"
	"fmt"

	"github.com/brunokim/docsync/dm"
)

// ErrConflict is returned when two transactions can't be transposed.
var ErrConflict = errors.New("conflicting transactions")

// Transpose returns a' and b' such that committing b and then a' is the same as committing a
// and then b'. Both a and b must apply to doc, which is not modified.
//
// The pair is checked for convergence, so a nil error guarantees that both orders produce the
// same document.
func Transpose(doc *dm.Document, a, b *dm.Transaction) (*dm.Transaction, *dm.Transaction, error) {
	// A no-op may still retain the whole document, which is stale once the other side
	// changes its length.
	switch {
	case a.IsNoOp() && b.IsNoOp():
		return noop(a), noop(b), nil
	case a.IsNoOp():
		return noop(a), b.Clone(), nil
	case b.IsNoOp():
		return a.Clone(), noop(b), nil
	}
	ia, err := dm.DeriveIntention(doc, a)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	ib, err := dm.DeriveIntention(doc, b)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if ia.Equal(ib) {
		// Both authors did the same thing: applying either one is enough.
		return noop(a), noop(b), nil
	}
	a, b = withIntention(a, ia), withIntention(b, ib)
	aPrime, err := transposeOne(doc, a, b, false)
	if err != nil {
		return nil, nil, err
	}
	bPrime, err := transposeOne(doc, b, a, true)
	if err != nil {
		return nil, nil, err
	}
	if err := checkConvergence(doc, a, b, aPrime, bPrime); err != nil {
		return nil, nil, err
	}
	return aPrime, bPrime, nil
}

func noop(t *dm.Transaction) *dm.Transaction {
	return &dm.Transaction{Intention: dm.Intention{Verb: dm.VerbNoop}, Author: t.Author}
}

func withIntention(t *dm.Transaction, in dm.Intention) *dm.Transaction {
	if !t.Intention.IsNoOp() {
		return t
	}
	t = t.Clone()
	t.Intention = in
	return t
}

// transposeOne regenerates a to apply after b.
//
// Collapsed ranges sit exactly where b may have inserted content. With preferB unset they are
// placed after that content, otherwise before it. The two passes of a transposition must use
// opposite settings for their outputs to agree.
func transposeOne(doc *dm.Document, a, b *dm.Transaction, preferB bool) (*dm.Transaction, error) {
	bMap := mkMap(b)
	in := a.Intention
	translated := in
	if in.IsMetadata() {
		from := translate(dm.Position{Data: in.Range.Start(), Meta: in.MetaRange.From}, bMap, !preferB)
		to := from
		if !in.MetaRange.IsCollapsed() {
			start := translate(dm.Position{Data: in.Range.Start(), Meta: in.MetaRange.Start()}, bMap, true)
			end := translate(dm.Position{Data: in.Range.Start(), Meta: in.MetaRange.End()}, bMap, false)
			if start.Data != end.Data || end.Meta < start.Meta {
				return nil, fmt.Errorf("%w: metadata range %v at %d was removed by %v", ErrConflict, *in.MetaRange, in.Range.Start(), b)
			}
			from, to = start, end
			if in.MetaRange.IsBackwards() {
				from, to = end, start
			}
		}
		mr := dm.NewRange(from.Meta, to.Meta)
		translated.Range = dm.CollapsedRange(from.Data)
		translated.MetaRange = &mr
	} else {
		translated.Range = translateRange(in.Range, bMap, preferB)
	}
	translated, err := tweak(in, translated, bMap)
	if err != nil {
		return nil, fmt.Errorf("%v over %v: %w", in, b, err)
	}

	after := doc.Clone()
	if err := after.Commit(b); err != nil {
		return nil, fmt.Errorf("committing %v: %w", b, err)
	}
	tx, err := dm.NewFromIntention(after, translated)
	if err != nil {
		return nil, fmt.Errorf("%w: regenerating %v: %v", ErrConflict, translated, err)
	}
	tx.Author = a.Author
	return tx, nil
}

func translateRange(r dm.Range, bMap []mapEntry, preferB bool) dm.Range {
	if r.IsCollapsed() {
		p := translate(dm.DataPosition(r.From), bMap, !preferB)
		return dm.CollapsedRange(p.Data)
	}
	// Content b inserted at the boundaries stays outside the range.
	start := translate(dm.DataPosition(r.Start()), bMap, true).Data
	end := translate(dm.DataPosition(r.End()), bMap, false).Data
	if end < start {
		end = start
	}
	return r.WithDirection(start, end)
}

// tweak adjusts a translated intention to what survived the other transaction, or reports a
// conflict when it can't be adjusted.
//
// Overlapping replacements are settled by clamping: the translated range only covers what
// is left of the original one. Two cases can't be settled this way: an insertion inside
// content that the other side removed, and an attribute change on an element that was
// replaced.
func tweak(in, translated dm.Intention, bMap []mapEntry) (dm.Intention, error) {
	switch in.Verb {
	case dm.VerbInsert:
		p := dm.DataPosition(in.Range.Start())
		for _, e := range bMap {
			if e.kind == entryReplace && e.oldStart.Less(p) && p.Less(e.oldEnd) {
				return dm.Intention{}, fmt.Errorf("%w: insertion at %d inside replaced range [%v, %v)", ErrConflict, p.Data, e.oldStart, e.oldEnd)
			}
		}
	case dm.VerbAttributes:
		if translated.Range.Length() != in.Range.Length() {
			return dm.Intention{}, fmt.Errorf("%w: element at %d was replaced", ErrConflict, in.Range.Start())
		}
	}
	return translated, nil
}

// checkConvergence verifies that both commit orders produce the same document.
func checkConvergence(doc *dm.Document, a, b, aPrime, bPrime *dm.Transaction) error {
	ab, ba := doc.Clone(), doc.Clone()
	for _, step := range []struct {
		doc *dm.Document
		tx  *dm.Transaction
	}{{ab, a}, {ab, bPrime}, {ba, b}, {ba, aPrime}} {
		if err := step.doc.Commit(step.tx); err != nil {
			return fmt.Errorf("%w: committing %v: %v", ErrConflict, step.tx, err)
		}
	}
	if !sameDocument(ab, ba) {
		return fmt.Errorf("%w: %v and %v diverge", ErrConflict, a, b)
	}
	return nil
}

func sameDocument(x, y *dm.Document) bool {
	if !dm.ItemsEqual(x.Items(), y.Items()) || len(x.Metadata) != len(y.Metadata) {
		return false
	}
	for i := range x.Metadata {
		if !dm.MetaItemsEqual(x.Metadata[i], y.Metadata[i]) {
			return false
		}
	}
	return true
}
