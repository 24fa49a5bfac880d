package docsync_test

import (
	"testing"

	"github.com/brunokim/docsync/dm"
	"pgregory.net/rapid"
)

func drawDocument(t *rapid.T) *dm.Document {
	blocks := rapid.SliceOfN(rapid.StringMatching(`[a-d]{0,3}`), 1, 4).Draw(t, "blocks").([]string)
	var items []dm.Item
	for i, text := range blocks {
		if i%3 == 2 {
			items = append(items, dm.Element("list", nil, dm.Element("listItem", nil, para(text)...)...)...)
			continue
		}
		items = append(items, para(text)...)
	}
	return dm.MustNewDocument(items)
}

func drawTransaction(t *rapid.T, doc *dm.Document) *dm.Transaction {
	n := doc.Len()
	from := rapid.IntRange(0, n).Draw(t, "from").(int)
	to := rapid.IntRange(0, n).Draw(t, "to").(int)
	r := dm.NewRange(from, to)
	var tx *dm.Transaction
	var err error
	switch rapid.IntRange(0, 4).Draw(t, "verb").(int) {
	case 0:
		tx, err = dm.NewFromInsertion(doc, from, dm.Text(rapid.StringMatching(`[x-z]{1,2}`).Draw(t, "text").(string)))
	case 1:
		tx, err = dm.NewFromInsertion(doc, from, para("q"))
	case 2:
		tx, err = dm.NewFromRemoval(doc, r)
	case 3:
		tx, err = dm.NewFromAnnotation(doc, r, dm.AnnotationSet, "italic")
	case 4:
		tx, err = dm.NewFromContentBranchConversion(doc, r, "preformatted", nil)
	}
	if err != nil {
		t.Fatalf("building transaction on %v: %v", doc.Items(), err)
	}
	return tx
}

// A sequence of commits through the synchronizer always leaves the same tree as a rebuild.
func TestSyncMatchesRebuild(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		doc := drawDocument(t)
		steps := rapid.IntRange(1, 4).Draw(t, "steps").(int)
		for i := 0; i < steps; i++ {
			tx := drawTransaction(t, doc)
			commit(t, doc, tx)
			commit(t, doc, tx.Reversed())
			commit(t, doc, tx)
		}
	})
}
