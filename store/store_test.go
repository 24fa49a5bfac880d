package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/brunokim/docsync/change"
	"github.com/brunokim/docsync/dm"
	"github.com/brunokim/docsync/store"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// insertion returns a change inserting s at offset of doc, and commits it to doc.
func insertion(t *testing.T, doc *dm.Document, start, author, offset int, s string) *change.Change {
	t.Helper()
	tx, err := dm.NewFromInsertion(doc, offset, dm.Text(s))
	require.NoError(t, err)
	tx.Author = author
	require.NoError(t, doc.Commit(tx))
	return change.New(start, tx)
}

func testHistoryStore(t *testing.T, s store.HistoryStore) {
	ctx := context.Background()
	docID := "doc-" + ksuid.New().String()

	_, err := s.LoadHistory(ctx, docID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	doc := dm.MustNewDocument(dm.Element("paragraph", nil))
	c1 := insertion(t, doc, 0, 1, 1, "ab")
	c2 := insertion(t, doc, 1, 2, 2, "x")
	c2.Selections[2] = change.LinearSelection(dm.CollapsedRange(3))
	sel := change.New(2)
	sel.Selections[1] = change.LinearSelection(dm.NewRange(1, 3))
	c3 := insertion(t, doc, 2, 1, 4, "c")

	for _, c := range []*change.Change{c1, c2, sel, c3} {
		require.NoError(t, s.AppendChange(ctx, docID, c))
	}
	assert.ErrorIs(t, s.AppendChange(ctx, docID, c2), store.ErrStartMismatch)

	history, err := s.LoadHistory(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, 0, history.Start)
	require.Equal(t, 3, history.Len())
	assert.Equal(t, []int{1, 2, 1}, []int{
		history.Transactions[0].Author, history.Transactions[1].Author, history.Transactions[2].Author,
	})
	assert.True(t, history.Selections[1].Equal(change.LinearSelection(dm.NewRange(1, 3))))
	assert.True(t, history.Selections[2].Equal(change.LinearSelection(dm.CollapsedRange(3))))

	replayed := dm.MustNewDocument(dm.Element("paragraph", nil))
	require.NoError(t, history.Apply(replayed))
	assert.Equal(t, "axbc", replayed.Data.PlainText())

	_, err = s.LoadHistory(ctx, "other-"+docID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	testHistoryStore(t, s)
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := store.OpenBoltStore(path)
	require.NoError(t, err)
	testHistoryStore(t, s)
	require.NoError(t, s.Close())

	// Histories survive reopening.
	s, err = store.OpenBoltStore(path)
	require.NoError(t, err)
	doc := dm.MustNewDocument(dm.Element("paragraph", nil))
	c := insertion(t, doc, 0, 1, 1, "q")
	require.NoError(t, s.AppendChange(context.Background(), "persistent", c))
	require.NoError(t, s.Close())

	s, err = store.OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	history, err := s.LoadHistory(context.Background(), "persistent")
	require.NoError(t, err)
	assert.Equal(t, 1, history.Len())
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	s, err := store.NewPostgresStore(context.Background(), url)
	require.NoError(t, err)
	defer s.Close()
	testHistoryStore(t, s)
}
