package change_test

import (
	"errors"
	"testing"

	"github.com/brunokim/docsync/change"
	"github.com/brunokim/docsync/dm"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func para(s string) []dm.Item {
	return dm.Element("paragraph", nil, dm.Text(s)...)
}

func insertion(t *testing.T, doc *dm.Document, author, offset int, s string) *dm.Transaction {
	t.Helper()
	tx, err := dm.NewFromInsertion(doc, offset, dm.Text(s))
	require.NoError(t, err)
	tx.Author = author
	return tx
}

func removal(t *testing.T, doc *dm.Document, author int, r dm.Range) *dm.Transaction {
	t.Helper()
	tx, err := dm.NewFromRemoval(doc, r)
	require.NoError(t, err)
	tx.Author = author
	return tx
}

// history builds a change by committing each transaction to doc as it's built.
func history(t *testing.T, doc *dm.Document, start int, steps ...func(doc *dm.Document) *dm.Transaction) *change.Change {
	t.Helper()
	c := change.New(start)
	for _, step := range steps {
		tx := step(doc)
		require.NoError(t, doc.Commit(tx))
		c.Transactions = append(c.Transactions, tx)
	}
	return c
}

func TestApplyAndUnapply(t *testing.T) {
	doc := dm.MustNewDocument(para("abc"))
	c := history(t, doc.Clone(), 0,
		func(doc *dm.Document) *dm.Transaction { return insertion(t, doc, 1, 1, "X") },
		func(doc *dm.Document) *dm.Transaction { return removal(t, doc, 1, dm.NewRange(3, 5)) },
	)
	require.NoError(t, c.Apply(doc))
	assert.Equal(t, "Xa", doc.Data.PlainText())
	require.NoError(t, c.Unapply(doc))
	assert.Equal(t, "abc", doc.Data.PlainText())
}

func TestConcatTruncateMostRecent(t *testing.T) {
	doc := dm.MustNewDocument(para("abc"))
	c1 := history(t, doc, 3,
		func(doc *dm.Document) *dm.Transaction { return insertion(t, doc, 1, 1, "X") },
	)
	c1.Selections[1] = change.LinearSelection(dm.CollapsedRange(2))
	c2 := history(t, doc, 4,
		func(doc *dm.Document) *dm.Transaction { return insertion(t, doc, 2, 2, "Y") },
		func(doc *dm.Document) *dm.Transaction { return insertion(t, doc, 2, 3, "Z") },
	)
	c2.Selections[2] = change.LinearSelection(dm.NewRange(2, 4))

	c, err := c1.Concat(c2)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Start)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 6, c.End())
	assert.Equal(t, 1, c.FirstAuthor())
	assert.Len(t, c.Selections, 2)

	_, err = c2.Concat(c1)
	assert.True(t, errors.Is(err, change.ErrNotContiguous), "got %v", err)

	truncated := c.Truncate(1)
	assert.Equal(t, 1, truncated.Len())
	assert.Empty(t, truncated.Selections)

	recent := c.MostRecent(5)
	assert.Equal(t, 5, recent.Start)
	require.Equal(t, 1, recent.Len())
	assert.Same(t, c2.Transactions[1], recent.Transactions[0])
	assert.Len(t, recent.Selections, 2)
}

func TestFirstAuthor(t *testing.T) {
	c := change.New(0)
	assert.Equal(t, 0, c.FirstAuthor())
	assert.True(t, c.IsEmpty())
	c.Selections[4] = change.Selection{}
	c.Selections[3] = change.LinearSelection(dm.CollapsedRange(1))
	assert.Equal(t, 3, c.FirstAuthor())
	assert.False(t, c.IsEmpty())
}

func TestSerialize(t *testing.T) {
	doc := dm.MustNewDocument(para("abc"))
	c := history(t, doc, 7,
		func(doc *dm.Document) *dm.Transaction { return insertion(t, doc, 1, 1, "X") },
		func(doc *dm.Document) *dm.Transaction { return removal(t, doc, 2, dm.NewRange(2, 3)) },
	)
	c.Selections[1] = change.LinearSelection(dm.NewRange(3, 1))
	c.Selections[2] = change.Selection{}

	bs, err := c.Serialize()
	require.NoError(t, err)
	assert.Contains(t, string(bs), `"start":7`)
	assert.Contains(t, string(bs), `"1":{"type":"linear","range":{"from":3,"to":1}}`)
	assert.Contains(t, string(bs), `"2":{"type":"null"}`)

	got, err := change.Deserialize(bs)
	require.NoError(t, err)
	if diff := cmp.Diff(c, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Deserialize: (-want, +got)\n%s", diff)
	}
}

func TestDeserializeMalformed(t *testing.T) {
	for _, input := range []string{
		`{"start":`,
		`{"start":-1,"transactions":[]}`,
		`{"start":0,"transactions":[null]}`,
		`{"start":0,"transactions":[{"operations":[{"type":"teleport"}]}]}`,
		`{"start":0,"transactions":[],"selections":{"1":{"type":"block"}}}`,
		`{"start":0,"transactions":[],"selections":{"x":{"type":"null"}}}`,
	} {
		_, err := change.Deserialize([]byte(input))
		assert.True(t, errors.Is(err, change.ErrMalformedChange), "Deserialize(%s): got %v", input, err)
	}
}

func TestRebaseUncommittedChange(t *testing.T) {
	// 0 <p>, 1 a, 2 b, 3 c, 4 d, 5 </p>
	base := dm.MustNewDocument(para("abcd"))
	committed := history(t, base.Clone(), 10,
		func(doc *dm.Document) *dm.Transaction { return removal(t, doc, 2, dm.NewRange(2, 4)) },
	)
	committed.Selections[2] = change.LinearSelection(dm.CollapsedRange(2))
	local := base.Clone()
	uncommitted := history(t, local, 10,
		func(doc *dm.Document) *dm.Transaction { return insertion(t, doc, 1, 1, "X") },
		func(doc *dm.Document) *dm.Transaction { return insertion(t, doc, 1, 6, "Y") },
	)
	uncommitted.Selections[1] = change.LinearSelection(dm.CollapsedRange(7))

	res, err := change.RebaseUncommittedChange(base, committed, uncommitted)
	require.NoError(t, err)
	assert.Nil(t, res.Rejected)
	assert.Equal(t, 11, res.Rebased.Start)
	assert.Equal(t, 2, res.Rebased.Len())
	assert.Equal(t, 12, res.TransposedHistory.Start)
	assert.Equal(t, 1, res.TransposedHistory.Len())

	// Both orders reach the same document.
	require.NoError(t, res.TransposedHistory.Apply(local))
	server := base.Clone()
	require.NoError(t, committed.Apply(server))
	require.NoError(t, res.Rebased.Apply(server))
	assert.Equal(t, "XadY", local.Data.PlainText())
	if diff := cmp.Diff(server.Items(), local.Items()); diff != "" {
		t.Errorf("diverged: (-server, +local)\n%s", diff)
	}

	assert.True(t, res.Rebased.Selections[1].Equal(change.LinearSelection(dm.CollapsedRange(5))),
		"rebased selection: %v", res.Rebased.Selections[1])
	assert.True(t, res.TransposedHistory.Selections[2].Equal(change.LinearSelection(dm.CollapsedRange(3))),
		"transposed selection: %v", res.TransposedHistory.Selections[2])
	assert.Equal(t, 1, res.Rebased.FirstAuthor())
	assert.Equal(t, 2, res.TransposedHistory.FirstAuthor())
}

func TestRebaseUncommittedChangeRejects(t *testing.T) {
	base := dm.MustNewDocument(para("abcd"))
	committed := history(t, base.Clone(), 0,
		func(doc *dm.Document) *dm.Transaction { return removal(t, doc, 2, dm.NewRange(2, 4)) },
	)
	local := base.Clone()
	uncommitted := history(t, local, 0,
		func(doc *dm.Document) *dm.Transaction { return insertion(t, doc, 1, 1, "X") },
		// Between 'b' and 'c', which the committed change removes.
		func(doc *dm.Document) *dm.Transaction { return insertion(t, doc, 1, 4, "Y") },
		func(doc *dm.Document) *dm.Transaction { return insertion(t, doc, 1, 1, "Z") },
	)

	res, err := change.RebaseUncommittedChange(base, committed, uncommitted)
	require.NoError(t, err)
	require.NotNil(t, res.Rejected)
	assert.Equal(t, 1, res.Rejected.Start)
	assert.Equal(t, 2, res.Rejected.Len())
	assert.Equal(t, 1, res.Rebased.Len())
	assert.Equal(t, 1, res.TransposedHistory.Start)

	require.NoError(t, res.Rejected.Unapply(local))
	require.NoError(t, res.TransposedHistory.Apply(local))
	assert.Equal(t, "Xad", local.Data.PlainText())
}

func TestRebaseOverRetainingNoOp(t *testing.T) {
	base := dm.MustNewDocument(para("abcd"))
	committed := history(t, base.Clone(), 0,
		func(doc *dm.Document) *dm.Transaction {
			tx, err := dm.NewFromAnnotation(doc, dm.NewRange(1, 5), dm.AnnotationClear, "bold")
			require.NoError(t, err)
			tx.Author = 2
			return tx
		},
	)
	local := base.Clone()
	uncommitted := history(t, local, 0,
		func(doc *dm.Document) *dm.Transaction { return removal(t, doc, 1, dm.NewRange(2, 4)) },
	)

	res, err := change.RebaseUncommittedChange(base, committed, uncommitted)
	require.NoError(t, err)
	assert.Nil(t, res.Rejected)
	require.NoError(t, res.TransposedHistory.Apply(local))
	server := base.Clone()
	require.NoError(t, committed.Apply(server))
	require.NoError(t, res.Rebased.Apply(server))
	assert.Equal(t, "ad", local.Data.PlainText())
	if diff := cmp.Diff(server.Items(), local.Items()); diff != "" {
		t.Errorf("diverged: (-server, +local)\n%s", diff)
	}
}

func TestRebaseTransactionsErrorIndex(t *testing.T) {
	base := dm.MustNewDocument(para("abcd"))
	as := []*dm.Transaction{removal(t, base, 2, dm.NewRange(1, 5))}
	bs := []*dm.Transaction{insertion(t, base, 1, 3, "X")}
	asPrime, bsPrime, err := change.RebaseTransactions(base, as, bs)
	var rerr *change.RebaseError
	require.True(t, errors.As(err, &rerr), "got %v", err)
	assert.Equal(t, 0, rerr.Index)
	assert.Empty(t, bsPrime)
	assert.Equal(t, as, asPrime)
}
