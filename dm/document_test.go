package dm_test

import (
	"errors"
	"testing"

	"github.com/brunokim/docsync/dm"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func para(s string) []dm.Item {
	return dm.Element("paragraph", nil, dm.Text(s)...)
}

func concat(parts ...[]dm.Item) []dm.Item {
	var items []dm.Item
	for _, p := range parts {
		items = append(items, p...)
	}
	return items
}

func TestBuildTree(t *testing.T) {
	tests := []struct {
		items []dm.Item
		want  string
	}{
		{nil, "document()"},
		{para(""), "document(paragraph())"},
		{concat(para("foo"), para("ba")), "document(paragraph(#3) paragraph(#2))"},
		{
			dm.Element("list", nil, dm.Element("listItem", nil, concat(para("a"), para("bc"))...)...),
			"document(list(listItem(paragraph(#1) paragraph(#2))))",
		},
		{
			concat(dm.Element("horizontalRule", nil), para("x")),
			"document(horizontalRule() paragraph(#1))",
		},
	}
	reg := dm.DefaultRegistry()
	for _, test := range tests {
		tree, err := dm.BuildTree(test.items, reg)
		if err != nil {
			t.Fatalf("BuildTree(%v): %v", test.items, err)
		}
		if got := tree.Dump().String(); got != test.want {
			t.Errorf("BuildTree(%v): got %s, want %s", test.items, got, test.want)
		}
		if got := tree.OuterLength(); got != len(test.items) {
			t.Errorf("BuildTree(%v): outer length %d, want %d", test.items, got, len(test.items))
		}
	}
}

func TestBuildTreeErrors(t *testing.T) {
	tests := []struct {
		items []dm.Item
		want  error
	}{
		{dm.Text("ab"), dm.ErrInvalidNesting},
		{[]dm.Item{dm.Open("paragraph", nil)}, dm.ErrUnbalancedData},
		{[]dm.Item{dm.Close("paragraph")}, dm.ErrUnbalancedData},
		{concat([]dm.Item{dm.Open("paragraph", nil)}, []dm.Item{dm.Close("heading")}), dm.ErrUnbalancedData},
		{dm.Element("unknown", nil), dm.ErrUnknownType},
		{dm.Element("paragraph", nil, para("x")...), dm.ErrInvalidNesting},
	}
	reg := dm.DefaultRegistry()
	for _, test := range tests {
		_, err := dm.BuildTree(test.items, reg)
		if !errors.Is(err, test.want) {
			t.Errorf("BuildTree(%v): got err %v, want %v", test.items, err, test.want)
		}
	}
}

func TestNodePaths(t *testing.T) {
	items := dm.Element("list", nil, dm.Element("listItem", nil, concat(para("a"), para("bc"))...)...)
	tree, err := dm.BuildTree(items, dm.DefaultRegistry())
	if err != nil {
		t.Fatal(err)
	}
	node, err := tree.NodeAt([]int{0, 0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 0, 1}, node.Path()); diff != "" {
		t.Errorf("Path(): (-want, +got)\n%s", diff)
	}
	if got := node.Offset(); got != 5 {
		t.Errorf("Offset(): got %d, want 5", got)
	}
	if node.Root() != tree {
		t.Errorf("Root(): got %v, want tree root", node.Root())
	}
	if _, err := tree.NodeAt([]int{0, 3}); !errors.Is(err, dm.ErrInvalidPath) {
		t.Errorf("NodeAt([0 3]): got err %v, want %v", err, dm.ErrInvalidPath)
	}
}

func TestCommit(t *testing.T) {
	doc := dm.MustNewDocument(para("ab"))
	var events []string
	unsubscribe := doc.Subscribe(func(e dm.Event) {
		events = append(events, e.Name)
	})
	tx := dm.NewTransaction(dm.Retain{Length: 2}, dm.Replace{Insert: dm.Text("X")})
	if err := doc.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := doc.Data.PlainText(); got != "aXb" {
		t.Errorf("PlainText: got %q, want %q", got, "aXb")
	}
	if got := doc.Tree().Dump().String(); got != "document(paragraph(#3))" {
		t.Errorf("Tree: got %s", got)
	}
	if diff := cmp.Diff([]string{"update", "transact"}, events); diff != "" {
		t.Errorf("events: (-want, +got)\n%s", diff)
	}
	unsubscribe()
	if err := doc.Commit(tx.Reversed()); err != nil {
		t.Fatalf("Commit(reversed): %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events after unsubscribe: %v", events)
	}
	if diff := cmp.Diff(para("ab"), doc.Items()); diff != "" {
		t.Errorf("Items after reversal: (-want, +got)\n%s", diff)
	}
}

func TestCommitErrors(t *testing.T) {
	tests := []struct {
		desc string
		tx   *dm.Transaction
		want error
	}{
		{"retain overflow", dm.NewTransaction(dm.Retain{Length: 5}), dm.ErrLengthMismatch},
		{"remove mismatch", dm.NewTransaction(dm.Retain{Length: 1}, dm.Replace{Remove: dm.Text("z")}), dm.ErrRemoveMismatch},
		{"remove overflow", dm.NewTransaction(dm.Retain{Length: 3}, dm.Replace{Remove: dm.Text("zz")}), dm.ErrLengthMismatch},
		{"attribute on char", dm.NewTransaction(dm.Retain{Length: 1}, dm.AttributeChange{Key: "k", To: "v"}), dm.ErrAttributeMismatch},
		{"metadata overflow", dm.NewTransaction(dm.ReplaceMetadata{Remove: []dm.MetaItem{{Type: "comment"}}}), dm.ErrLengthMismatch},
		{
			"invalid structure",
			dm.NewTransaction(dm.Retain{Length: 1}, dm.Replace{Insert: []dm.Item{dm.Open("paragraph", nil)}}),
			dm.ErrInvalidTransaction,
		},
	}
	for _, test := range tests {
		doc := dm.MustNewDocument(para("ab"))
		err := doc.Commit(test.tx)
		if !errors.Is(err, test.want) {
			t.Errorf("%s: got err %v, want %v", test.desc, err, test.want)
		}
		if diff := cmp.Diff(para("ab"), doc.Items()); diff != "" {
			t.Errorf("%s: document changed: (-want, +got)\n%s", test.desc, diff)
		}
		if got := doc.Tree().Dump().String(); got != "document(paragraph(#2))" {
			t.Errorf("%s: tree changed: %s", test.desc, got)
		}
	}
}

type panickingSync struct {
	calls int
}

func (s *panickingSync) SyncTree(doc *dm.Document, tx *dm.Transaction, actions []dm.SyncAction) ([]dm.Event, error) {
	s.calls++
	dm.Invariantf("remover and inserter diverged")
	return nil, nil
}

func TestCommitRecoversFromInvariantViolation(t *testing.T) {
	sync := &panickingSync{}
	doc := dm.MustNewDocument(concat(para("foo"), para("bar")), dm.WithTreeSync(sync))
	tx, err := dm.NewFromRemoval(doc, dm.NewRange(3, 7))
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if sync.calls != 1 {
		t.Errorf("sync calls: got %d, want 1", sync.calls)
	}
	if got := doc.Tree().Dump().String(); got != "document(paragraph(#4))" {
		t.Errorf("Tree: got %s", got)
	}
}

func TestCommitActions(t *testing.T) {
	var got []dm.SyncAction
	doc := dm.MustNewDocument(
		concat(para("foo"), dm.Element("heading", map[string]string{"level": "1"}, dm.Text("t")...), para("")),
		dm.WithTreeSync(syncFunc(func(doc *dm.Document, tx *dm.Transaction, actions []dm.SyncAction) ([]dm.Event, error) {
			got = actions
			return nil, errors.New("fall back to rebuild")
		})),
	)
	// 0<p> 1f 2o 3o 4</p> 5<h> 6t 7</h> 8<p> 9</p>
	tx := dm.NewTransaction(
		dm.Retain{Length: 2},
		dm.Replace{Remove: dm.Text("o"), Insert: dm.Text("OO")},
		dm.Retain{Length: 2},
		dm.AttributeChange{Key: "level", From: "1", To: "2"},
		dm.Retain{Length: 1},
		dm.Replace{Remove: dm.Text("t"), Insert: dm.Text("t", "bold")},
		dm.Retain{Length: 2},
		dm.Replace{Insert: dm.Text("new")},
		dm.Retain{Length: 1},
		dm.Replace{Insert: para("x")},
	)
	if err := doc.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	want := []dm.SyncAction{
		{Type: dm.ActionResize, Range: dm.NewRange(2, 3), NewRange: dm.NewRange(2, 4)},
		{Type: dm.ActionAttributeChange, Range: dm.NewRange(5, 6), NewRange: dm.NewRange(6, 7), Key: "level", From: "1", To: "2"},
		{Type: dm.ActionAnnotation, Range: dm.NewRange(6, 7), NewRange: dm.NewRange(7, 8)},
		{Type: dm.ActionInsertTextNode, Range: dm.NewRange(9, 9), NewRange: dm.NewRange(10, 13)},
		{Type: dm.ActionRebuild, Range: dm.NewRange(10, 10), NewRange: dm.NewRange(14, 17)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("actions: (-want, +got)\n%s", diff)
	}
	if got := doc.Tree().Dump().String(); got != "document(paragraph(#4) heading(#1) paragraph(#3) paragraph(#1))" {
		t.Errorf("Tree: got %s", got)
	}
}

type syncFunc func(doc *dm.Document, tx *dm.Transaction, actions []dm.SyncAction) ([]dm.Event, error)

func (f syncFunc) SyncTree(doc *dm.Document, tx *dm.Transaction, actions []dm.SyncAction) ([]dm.Event, error) {
	return f(doc, tx, actions)
}

func TestMetadata(t *testing.T) {
	doc := dm.MustNewDocument(para("ab"))
	comment := dm.MetaItem{Type: "comment", Attributes: map[string]string{"text": "hi"}}
	insert, err := dm.NewFromMetadataInsertion(doc, 1, 0, []dm.MetaItem{comment})
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Commit(insert); err != nil {
		t.Fatalf("Commit(insert metadata): %v", err)
	}
	want := dm.Metadata{nil, {comment}, nil, nil, nil}
	if diff := cmp.Diff(want, doc.Metadata, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Metadata: (-want, +got)\n%s", diff)
	}

	// Removing the character that owns the list removes the list.
	remove, err := dm.NewFromRemoval(doc, dm.NewRange(1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Commit(remove); err != nil {
		t.Fatalf("Commit(remove): %v", err)
	}
	if diff := cmp.Diff(dm.Metadata{nil, nil, nil, nil}, doc.Metadata, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Metadata after removal: (-want, +got)\n%s", diff)
	}

	// And undoing it brings the list back.
	if err := doc.Commit(remove.Reversed()); err != nil {
		t.Fatalf("Commit(reversed removal): %v", err)
	}
	if diff := cmp.Diff(want, doc.Metadata, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Metadata after undo: (-want, +got)\n%s", diff)
	}

	removeMeta, err := dm.NewFromMetadataRemoval(doc, 1, dm.NewRange(0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Commit(removeMeta); err != nil {
		t.Fatalf("Commit(remove metadata): %v", err)
	}
	if got := doc.Metadata.Len(); got != 0 {
		t.Errorf("Metadata.Len(): got %d, want 0", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	doc := dm.MustNewDocument(para("ab"))
	clone := doc.Clone()
	tx := dm.NewTransaction(dm.Retain{Length: 1}, dm.Replace{Insert: dm.Text("X")})
	if err := clone.Commit(tx); err != nil {
		t.Fatal(err)
	}
	if got := doc.Data.PlainText(); got != "ab" {
		t.Errorf("original changed: %q", got)
	}
	if got := clone.Data.PlainText(); got != "Xab" {
		t.Errorf("clone: got %q, want %q", got, "Xab")
	}
}
