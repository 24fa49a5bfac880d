package change

import (
	"errors"
	"fmt"

	"github.com/brunokim/docsync/dm"
	"github.com/brunokim/docsync/ot"
)

// RebaseError reports the uncommitted transaction that couldn't be transposed.
type RebaseError struct {
	// Index is the position of the transaction within the rebased list.
	Index int
	Err   error
}

func (e *RebaseError) Error() string {
	return fmt.Sprintf("rebasing transaction %d: %v", e.Index, e.Err)
}

func (e *RebaseError) Unwrap() error {
	return e.Err
}

// RebaseTransactions transposes two transaction lists that both start at doc. It returns as
// transposed to apply after bs, and bs rebased to apply after as.
//
//	doc --as--> x
//	 |          |
//	bs         bs'
//	 v          v
//	 y --as'--> z
//
// When bs[i] can't be transposed, the error is a *RebaseError with Index i, and the results
// cover only bs[:i]: as' applies after bs[:i], and bs' holds the i rebased transactions.
// doc is not modified.
func RebaseTransactions(doc *dm.Document, as, bs []*dm.Transaction) (asPrime, bsPrime []*dm.Transaction, err error) {
	asPrime = as
	base := doc.Clone()
	for i, b := range bs {
		left := base.Clone()
		cur := b
		next := make([]*dm.Transaction, len(asPrime))
		for j, a := range asPrime {
			aj, bj, err := ot.Transpose(left, a, cur)
			if err != nil {
				return asPrime, bsPrime, &RebaseError{Index: i, Err: err}
			}
			if err := left.Commit(a); err != nil {
				return asPrime, bsPrime, &RebaseError{Index: i, Err: err}
			}
			next[j], cur = aj, bj
		}
		if err := base.Commit(b); err != nil {
			return asPrime, bsPrime, &RebaseError{Index: i, Err: err}
		}
		asPrime = next
		bsPrime = append(bsPrime, cur)
	}
	return asPrime, bsPrime, nil
}

// Result is the outcome of rebasing uncommitted work over a committed change.
type Result struct {
	// Rebased is the accepted part of the uncommitted change, to apply after the committed one.
	Rebased *Change
	// TransposedHistory is the committed change, to apply after the accepted part.
	TransposedHistory *Change
	// Rejected is the tail of the uncommitted change that conflicts with the committed one,
	// or nil.
	Rejected *Change
}

// RebaseUncommittedChange rebases uncommitted over history, both starting at the same
// history offset on doc.
//
// Uncommitted transactions that can't be rebased are rejected, together with every later
// one. doc is not modified.
func RebaseUncommittedChange(doc *dm.Document, history, uncommitted *Change) (Result, error) {
	if history.Start != uncommitted.Start {
		return Result{}, fmt.Errorf("%w: committed change at %d, uncommitted change at %d", ErrNotContiguous, history.Start, uncommitted.Start)
	}
	transposed, rebased, err := RebaseTransactions(doc, history.Transactions, uncommitted.Transactions)
	var rejected *Change
	if err != nil {
		var rerr *RebaseError
		if !errors.As(err, &rerr) {
			return Result{}, err
		}
		rejected = &Change{
			Start:        uncommitted.Start + rerr.Index,
			Transactions: append([]*dm.Transaction(nil), uncommitted.Transactions[rerr.Index:]...),
			Selections:   make(map[int]Selection),
		}
	}
	accepted := len(rebased)

	res := Result{
		Rebased: &Change{
			Start:        history.End(),
			Transactions: rebased,
			Selections:   make(map[int]Selection),
		},
		TransposedHistory: &Change{
			Start:        uncommitted.Start + accepted,
			Transactions: transposed,
			Selections:   make(map[int]Selection),
		},
		Rejected: rejected,
	}
	// Selections of each side are moved past the transactions of the other one.
	if rejected == nil {
		sels := &Change{Selections: cloneSelections(uncommitted.Selections)}
		for _, tx := range transposed {
			sels = sels.TranslateSelections(tx)
		}
		res.Rebased.Selections = sels.Selections
	}
	sels := &Change{Selections: cloneSelections(history.Selections)}
	for _, tx := range rebased {
		sels = sels.TranslateSelections(tx)
	}
	res.TransposedHistory.Selections = sels.Selections
	return res, nil
}
