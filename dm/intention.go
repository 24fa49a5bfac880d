package dm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/brunokim/docsync/diff"
)

// +-----------+
// | Intention |
// +-----------+

// Verb names the high-level edit a transaction was built for.
type Verb string

const (
	VerbNoop           Verb = "noop"
	VerbInsert         Verb = "insert"
	VerbRemove         Verb = "remove"
	VerbReplace        Verb = "replace"
	VerbAttributes     Verb = "attributes"
	VerbAnnotate       Verb = "annotate"
	VerbConvert        Verb = "convert"
	VerbInsertMetadata Verb = "insertMetadata"
	VerbRemoveMetadata Verb = "removeMetadata"
)

// Annotation methods.
const (
	AnnotationSet   = "set"
	AnnotationClear = "clear"
)

// Intention records the high-level edit behind a transaction, so that the transaction can be
// regenerated against a different document.
//
// Range is the affected data range; for metadata verbs it's collapsed at the data offset and
// MetaRange holds the affected indexes within that offset's metadata list.
type Intention struct {
	Verb       Verb              `json:"verb,omitempty"`
	Range      Range             `json:"range"`
	MetaRange  *Range            `json:"metaRange,omitempty"`
	Data       []Item            `json:"data,omitempty"`
	Meta       []MetaItem        `json:"meta,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Type       string            `json:"type,omitempty"`
	Annotation string            `json:"annotation,omitempty"`
	Method     string            `json:"method,omitempty"`
}

// IsNoOp reports whether the intention has no effect.
func (in Intention) IsNoOp() bool {
	return in.Verb == "" || in.Verb == VerbNoop
}

// IsMetadata reports whether the intention targets metadata.
func (in Intention) IsMetadata() bool {
	return in.MetaRange != nil
}

// Equal compares intentions by their serialized form.
func (in Intention) Equal(other Intention) bool {
	a, err1 := json.Marshal(in)
	b, err2 := json.Marshal(other)
	return err1 == nil && err2 == nil && bytes.Equal(a, b)
}

func (in Intention) String() string {
	bs, err := json.Marshal(in)
	if err != nil {
		return fmt.Sprintf("%s%v", in.Verb, in.Range)
	}
	return string(bs)
}

// +---------+
// | Builder |
// +---------+

// builder accumulates operations, merging adjacent ones of the same kind.
type builder struct {
	ops []Operation
}

func (b *builder) retain(n int) {
	if n <= 0 {
		return
	}
	if last := len(b.ops) - 1; last >= 0 {
		if r, ok := b.ops[last].(Retain); ok {
			b.ops[last] = Retain{Length: r.Length + n}
			return
		}
	}
	b.ops = append(b.ops, Retain{Length: n})
}

func (b *builder) replace(op Replace) {
	if op.IsNoOp() {
		return
	}
	if last := len(b.ops) - 1; last >= 0 {
		if prev, ok := b.ops[last].(Replace); ok {
			b.ops[last] = mergeReplaces(prev, op)
			return
		}
	}
	b.ops = append(b.ops, op)
}

func (b *builder) add(op Operation) {
	b.ops = append(b.ops, op)
}

func (b *builder) build(in Intention) *Transaction {
	return &Transaction{Operations: b.ops, Intention: in}
}

func mergeReplaces(a, b Replace) Replace {
	return Replace{
		Remove:         append(append([]Item(nil), a.Remove...), b.Remove...),
		Insert:         append(append([]Item(nil), a.Insert...), b.Insert...),
		RemoveMetadata: mergeMetaLists(a.RemoveMetadata, len(a.Remove), b.RemoveMetadata, len(b.Remove)),
		InsertMetadata: mergeMetaLists(a.InsertMetadata, len(a.Insert), b.InsertMetadata, len(b.Insert)),
	}
}

func mergeMetaLists(a [][]MetaItem, na int, b [][]MetaItem, nb int) [][]MetaItem {
	if a == nil && b == nil {
		return nil
	}
	if a == nil {
		a = make([][]MetaItem, na)
	}
	if b == nil {
		b = make([][]MetaItem, nb)
	}
	return append(append([][]MetaItem(nil), a...), b...)
}

// removedMetadata returns the metadata lists owned by items [start, end), or nil if they're
// all empty.
func removedMetadata(doc *Document, start, end int) [][]MetaItem {
	if doc.Metadata.IsEmptyRange(start, end) {
		return nil
	}
	lists := make([][]MetaItem, end-start)
	for i := range lists {
		lists[i] = append([]MetaItem(nil), doc.Metadata[start+i]...)
	}
	return lists
}

func checkRange(doc *Document, r Range) error {
	if r.Start() < 0 || r.End() > doc.Len() {
		return fmt.Errorf("%w: %v in [0, %d]", ErrInvalidRange, r, doc.Len())
	}
	return nil
}

// +----------+
// | Builders |
// +----------+

// NewFromInsertion builds a transaction inserting items at offset.
//
// The insertion is fixed up to keep the document valid: text outside a content branch is
// wrapped in a paragraph, and balanced blocks inserted in a content branch are placed next to
// it, splitting it if needed. The intention keeps items as given, so that regenerating the
// transaction on another document fixes them up again.
func NewFromInsertion(doc *Document, offset int, items []Item) (*Transaction, error) {
	if err := checkRange(doc, CollapsedRange(offset)); err != nil {
		return nil, err
	}
	in := Intention{Verb: VerbInsert, Range: CollapsedRange(offset), Data: CloneItems(items)}
	if len(items) == 0 {
		return &Transaction{Intention: Intention{Verb: VerbNoop}}, nil
	}
	offset, items = fixupInsertion(doc, offset, CloneItems(items))
	var b builder
	b.retain(offset)
	b.replace(Replace{Insert: items})
	return b.build(in), nil
}

func fixupInsertion(doc *Document, offset int, items []Item) (int, []Item) {
	reg := doc.Registry()
	for {
		container, rel := doc.ContainerAt(offset)
		spec, _ := reg.Lookup(container.Type)
		switch {
		case spec.Kind == LeafKind:
			// Inside an empty element: insert after it.
			offset++
			continue
		case IsText(items):
			if spec.Kind != ContentKind {
				return offset, Element("paragraph", nil, items...)
			}
			return offset, items
		case spec.Kind == ContentKind && IsBalanced(items):
			switch rel {
			case 0:
				return offset - 1, items
			case container.InnerLength():
				return offset + 1, items
			}
			split := make([]Item, 0, len(items)+2)
			split = append(split, Close(container.Type))
			split = append(split, items...)
			split = append(split, Open(container.Type, container.Attributes))
			return offset, split
		}
		return offset, items
	}
}

// NewFromRemoval builds a transaction removing the data in r.
//
// A balanced range is removed at once. A range crossing element boundaries is removed at once
// only if that merges matching elements, like the end of a paragraph and the start of the
// next; otherwise only the characters and whole elements within r are removed.
func NewFromRemoval(doc *Document, r Range) (*Transaction, error) {
	if err := checkRange(doc, r); err != nil {
		return nil, err
	}
	in := Intention{Verb: VerbRemove, Range: r}
	var b builder
	if r.IsCollapsed() {
		return b.build(in), nil
	}
	start, end := r.Start(), r.End()
	items := doc.Data.Slice(start, end)
	b.retain(start)
	if IsBalanced(items) || isMergeable(items) {
		b.replace(Replace{Remove: items, RemoveMetadata: removedMetadata(doc, start, end)})
		return b.build(in), nil
	}
	for i := 0; i < len(items); {
		it := items[i]
		switch {
		case it.IsChar():
			j := i
			for j < len(items) && items[j].IsChar() {
				j++
			}
			b.replace(Replace{Remove: items[i:j], RemoveMetadata: removedMetadata(doc, start+i, start+j)})
			i = j
		case it.IsOpen():
			if j := matchingClose(items, i); j >= 0 {
				b.replace(Replace{Remove: items[i : j+1], RemoveMetadata: removedMetadata(doc, start+i, start+j+1)})
				i = j + 1
				continue
			}
			b.retain(1)
			i++
		default:
			b.retain(1)
			i++
		}
	}
	return b.build(in), nil
}

func matchingClose(items []Item, i int) int {
	depth := 0
	for j := i; j < len(items); j++ {
		depth += items[j].Depth()
		if depth == 0 {
			return j
		}
	}
	return -1
}

// isMergeable reports whether removing items joins elements of the same types, that is, every
// unmatched close tag is paired with an unmatched open tag of the same type.
func isMergeable(items []Item) bool {
	var closes, opens []string
	for _, it := range items {
		switch {
		case it.IsOpen():
			opens = append(opens, it.Type)
		case it.IsClose():
			if n := len(opens); n > 0 {
				if opens[n-1] != it.ElementType() {
					return false
				}
				opens = opens[:n-1]
			} else {
				closes = append(closes, it.ElementType())
			}
		}
	}
	if len(closes) != len(opens) || len(closes) == 0 {
		return false
	}
	for i, typ := range closes {
		if opens[len(opens)-1-i] != typ {
			return false
		}
	}
	return true
}

// NewFromReplacement builds a transaction removing r and inserting items at its start.
func NewFromReplacement(doc *Document, r Range, items []Item) (*Transaction, error) {
	in := Intention{Verb: VerbReplace, Range: r, Data: CloneItems(items)}
	removal, err := NewFromRemoval(doc, r)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		removal.Intention = in
		return removal, nil
	}
	removed := doc.Clone()
	if err := removed.Commit(removal); err != nil {
		return nil, err
	}
	insertion, err := NewFromInsertion(removed, removal.TranslateOffset(r.Start(), true), items)
	if err != nil {
		return nil, err
	}
	tx, err := removal.Compose(insertion)
	if err != nil {
		return nil, err
	}
	tx.Intention = in
	return tx, nil
}

// NewFromAttributeChanges builds a transaction setting attributes of the element whose open tag
// is at offset. Empty values remove the attribute.
func NewFromAttributeChanges(doc *Document, offset int, attrs map[string]string) (*Transaction, error) {
	if err := checkRange(doc, NewRange(offset, offset+1)); err != nil {
		return nil, err
	}
	it := doc.Data.At(offset)
	if !it.IsOpen() {
		return nil, fmt.Errorf("%w: %v at %d is not an element", ErrAttributeMismatch, it, offset)
	}
	in := Intention{Verb: VerbAttributes, Range: NewRange(offset, offset+1), Attributes: cloneAttributes(attrs), Type: it.Type}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b builder
	b.retain(offset)
	for _, k := range keys {
		if from := it.Attributes[k]; from != attrs[k] {
			b.add(AttributeChange{Key: k, From: from, To: attrs[k]})
		}
	}
	return b.build(in), nil
}

// NewFromAnnotation builds a transaction setting or clearing an annotation on the characters
// in r.
func NewFromAnnotation(doc *Document, r Range, method, name string) (*Transaction, error) {
	if err := checkRange(doc, r); err != nil {
		return nil, err
	}
	if method != AnnotationSet && method != AnnotationClear {
		return nil, fmt.Errorf("unknown annotation method %q", method)
	}
	in := Intention{Verb: VerbAnnotate, Range: r, Annotation: name, Method: method}
	var b builder
	start := r.Start()
	b.retain(start)
	items := doc.Data.Slice(start, r.End())
	for i := 0; i < len(items); {
		if _, ok := annotate(items[i], method, name); !ok {
			b.retain(1)
			i++
			continue
		}
		j := i
		var insert []Item
		for ; j < len(items); j++ {
			it, ok := annotate(items[j], method, name)
			if !ok {
				break
			}
			insert = append(insert, it)
		}
		meta := removedMetadata(doc, start+i, start+j)
		b.replace(Replace{Remove: items[i:j], Insert: insert, RemoveMetadata: meta, InsertMetadata: meta})
		i = j
	}
	return b.build(in), nil
}

// annotate returns it with the annotation set or cleared, and whether that changed it.
func annotate(it Item, method, name string) (Item, bool) {
	if !it.IsChar() || it.HasAnnotation(name) == (method == AnnotationSet) {
		return it, false
	}
	if method == AnnotationSet {
		return it.WithAnnotation(name), true
	}
	return it.WithoutAnnotation(name), true
}

// NewFromContentBranchConversion builds a transaction converting every content branch touched
// by r into an element of type typ.
func NewFromContentBranchConversion(doc *Document, r Range, typ string, attrs map[string]string) (*Transaction, error) {
	if err := checkRange(doc, r); err != nil {
		return nil, err
	}
	if !doc.Registry().IsContent(typ) {
		return nil, fmt.Errorf("%w: %q is not a content type", ErrInvalidNesting, typ)
	}
	in := Intention{Verb: VerbConvert, Range: r, Type: typ, Attributes: cloneAttributes(attrs)}
	var b builder
	var cur int
	var walk func(n *Node, offset int)
	walk = func(n *Node, offset int) {
		for _, c := range n.Children {
			length := c.OuterLength()
			if !c.IsText() && offset < r.End() && r.Start() < offset+length {
				if doc.Registry().IsContent(c.Type) {
					if c.Type != typ || !equalAttributes(c.Attributes, attrs) {
						b.retain(offset - cur)
						b.replace(Replace{Remove: []Item{c.OpenItem()}, Insert: []Item{Open(typ, attrs)},
							RemoveMetadata: removedMetadata(doc, offset, offset+1),
							InsertMetadata: removedMetadata(doc, offset, offset+1)})
						closeAt := offset + length - 1
						b.retain(closeAt - offset - 1)
						b.replace(Replace{Remove: []Item{Close(c.Type)}, Insert: []Item{Close(typ)},
							RemoveMetadata: removedMetadata(doc, closeAt, closeAt+1),
							InsertMetadata: removedMetadata(doc, closeAt, closeAt+1)})
						cur = closeAt + 1
					}
				} else {
					walk(c, offset+1)
				}
			}
			offset += length
		}
	}
	walk(doc.Tree(), 0)
	return b.build(in), nil
}

// NewFromMetadataInsertion builds a transaction inserting metadata items at index of the list
// at data offset.
func NewFromMetadataInsertion(doc *Document, offset, index int, items []MetaItem) (*Transaction, error) {
	if err := checkMetaRange(doc, offset, CollapsedRange(index)); err != nil {
		return nil, err
	}
	mr := CollapsedRange(index)
	in := Intention{Verb: VerbInsertMetadata, Range: CollapsedRange(offset), MetaRange: &mr, Meta: append([]MetaItem(nil), items...)}
	var b builder
	b.retain(offset)
	if index > 0 {
		b.add(RetainMetadata{Length: index})
	}
	if len(items) > 0 {
		b.add(ReplaceMetadata{Insert: append([]MetaItem(nil), items...)})
	}
	return b.build(in), nil
}

// NewFromMetadataRemoval builds a transaction removing metadata items in r from the list at
// data offset.
func NewFromMetadataRemoval(doc *Document, offset int, r Range) (*Transaction, error) {
	if err := checkMetaRange(doc, offset, r); err != nil {
		return nil, err
	}
	mr := r
	in := Intention{Verb: VerbRemoveMetadata, Range: CollapsedRange(offset), MetaRange: &mr}
	var b builder
	b.retain(offset)
	if r.Start() > 0 {
		b.add(RetainMetadata{Length: r.Start()})
	}
	if !r.IsCollapsed() {
		list := doc.Metadata[offset]
		b.add(ReplaceMetadata{Remove: append([]MetaItem(nil), list[r.Start():r.End()]...)})
	}
	return b.build(in), nil
}

func checkMetaRange(doc *Document, offset int, r Range) error {
	if offset < 0 || offset > doc.Len() {
		return fmt.Errorf("%w: offset %d in [0, %d]", ErrInvalidRange, offset, doc.Len())
	}
	if n := len(doc.Metadata[offset]); r.Start() < 0 || r.End() > n {
		return fmt.Errorf("%w: metadata %v at %d in [0, %d]", ErrInvalidRange, r, offset, n)
	}
	return nil
}

// NewFromTextDiff builds a transaction turning oldText, the characters of a content branch
// starting at offset, into newText. Each changed run of characters becomes one replacement;
// inserted characters copy the annotations of the preceding character.
func NewFromTextDiff(doc *Document, offset int, oldText, newText string) (*Transaction, error) {
	oldRunes := []rune(oldText)
	if err := checkRange(doc, NewRange(offset, offset+len(oldRunes))); err != nil {
		return nil, err
	}
	current := doc.Data.Slice(offset, offset+len(oldRunes))
	if PlainText(current) != oldText || !IsText(current) {
		return nil, fmt.Errorf("%w: text at %d is %q, want %q", ErrRemoveMismatch, offset, PlainText(current), oldText)
	}
	ops, err := diff.Diff(oldText, newText)
	if err != nil {
		return nil, err
	}
	var b builder
	var pos int
	for _, h := range diff.Hunks(ops) {
		b.retain(offset + h.Start - pos)
		var annotations []string
		switch {
		case h.Start > 0:
			annotations = current[h.Start-1].Annotations
		case len(h.Remove) > 0:
			annotations = current[0].Annotations
		}
		insert := make([]Item, len(h.Insert))
		for i, ch := range h.Insert {
			insert[i] = Char(ch, annotations...)
		}
		start := offset + h.Start
		b.replace(Replace{
			Remove:         current[h.Start : h.Start+len(h.Remove)],
			Insert:         insert,
			RemoveMetadata: removedMetadata(doc, start, start+len(h.Remove)),
		})
		pos = offset + h.Start + len(h.Remove)
	}
	tx := b.build(Intention{Verb: VerbNoop})
	if len(tx.Operations) == 0 {
		return tx, nil
	}
	after := doc.Clone()
	if err := after.Commit(tx); err != nil {
		return nil, err
	}
	newLen := len([]rune(newText))
	tx.Intention = Intention{
		Verb:  VerbReplace,
		Range: NewRange(offset, offset+len(oldRunes)),
		Data:  after.Data.Slice(offset, offset+newLen),
	}
	return tx, nil
}

// NewFromIntention regenerates the transaction expressed by in against doc.
//
// The result is checked by applying it to a copy of doc: intentions that no longer make sense
// return an error wrapping ErrInvalidTransaction.
func NewFromIntention(doc *Document, in Intention) (*Transaction, error) {
	var tx *Transaction
	var err error
	switch in.Verb {
	case "", VerbNoop:
		return &Transaction{Intention: Intention{Verb: VerbNoop}}, nil
	case VerbInsert:
		tx, err = NewFromInsertion(doc, in.Range.Start(), in.Data)
	case VerbRemove:
		tx, err = NewFromRemoval(doc, in.Range)
	case VerbReplace:
		tx, err = NewFromReplacement(doc, in.Range, in.Data)
	case VerbAttributes:
		tx, err = NewFromAttributeChanges(doc, in.Range.Start(), in.Attributes)
		if err == nil && in.Type != "" && tx.Intention.Type != in.Type {
			err = fmt.Errorf("%w: element at %d is %q, want %q", ErrAttributeMismatch, in.Range.Start(), tx.Intention.Type, in.Type)
		}
	case VerbAnnotate:
		tx, err = NewFromAnnotation(doc, in.Range, in.Method, in.Annotation)
	case VerbConvert:
		tx, err = NewFromContentBranchConversion(doc, in.Range, in.Type, in.Attributes)
	case VerbInsertMetadata:
		if in.MetaRange == nil {
			return nil, fmt.Errorf("%w: %s without metadata range", ErrInvalidRange, in.Verb)
		}
		tx, err = NewFromMetadataInsertion(doc, in.Range.Start(), in.MetaRange.Start(), in.Meta)
	case VerbRemoveMetadata:
		if in.MetaRange == nil {
			return nil, fmt.Errorf("%w: %s without metadata range", ErrInvalidRange, in.Verb)
		}
		tx, err = NewFromMetadataRemoval(doc, in.Range.Start(), *in.MetaRange)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, in.Verb)
	}
	if err != nil {
		return nil, err
	}
	tx.Intention = in
	check := doc.Clone()
	if err := check.Commit(tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if err := check.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	return tx, nil
}

// DeriveIntention returns an intention that regenerates t on the document it was built
// against: a replacement of the modified range with its new content.
func DeriveIntention(doc *Document, t *Transaction) (Intention, error) {
	if !t.Intention.IsNoOp() {
		return t.Intention, nil
	}
	if t.IsNoOp() {
		return Intention{Verb: VerbNoop}, nil
	}
	if t.HasMetadataOperations() {
		return Intention{}, fmt.Errorf("%w: metadata operations", ErrNoIntention)
	}
	if attrsOnly(t) {
		return attributesIntention(doc, t)
	}
	r, ok := t.ModifiedRange()
	if !ok {
		return Intention{Verb: VerbNoop}, nil
	}
	after := doc.Clone()
	if err := after.Commit(t); err != nil {
		return Intention{}, err
	}
	newRange := NewRange(t.TranslateOffset(r.Start(), true), t.TranslateOffset(r.End(), false))
	return Intention{Verb: VerbReplace, Range: r, Data: after.ItemsAt(newRange)}, nil
}

// attributesIntention derives the intention of a transaction made only of attribute changes
// on a single element.
func attributesIntention(doc *Document, t *Transaction) (Intention, error) {
	offset := -1
	var cur int
	attrs := make(map[string]string)
	for _, op := range t.Operations {
		switch op := op.(type) {
		case Retain:
			cur += op.Length
		case AttributeChange:
			if offset >= 0 && offset != cur {
				return Intention{}, fmt.Errorf("%w: attribute changes on several elements", ErrNoIntention)
			}
			offset = cur
			attrs[op.Key] = op.To
		}
	}
	if offset < 0 || offset >= doc.Len() {
		return Intention{Verb: VerbNoop}, nil
	}
	typ := doc.Data.At(offset).Type
	return Intention{Verb: VerbAttributes, Range: NewRange(offset, offset+1), Attributes: attrs, Type: typ}, nil
}

func attrsOnly(t *Transaction) bool {
	for _, op := range t.Operations {
		switch op := op.(type) {
		case Replace:
			if !op.IsNoOp() {
				return false
			}
		}
	}
	return true
}
