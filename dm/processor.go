package dm

import "fmt"

// +-----------+
// | Processor |
// +-----------+

type processResult struct {
	data    LinearData
	meta    Metadata
	actions []SyncAction
}

// processor applies a transaction to linear data and metadata, without touching the tree.
//
// The walk keeps a cursor (cur, m) over the old data and metadata, and out over the new data.
// The new metadata is built list by list: curList accumulates the list preceding new item out.
type processor struct {
	data    LinearData
	meta    Metadata
	oldLen  int
	newData LinearData

	cur, m  int
	out     int
	newMeta Metadata
	curList []MetaItem

	actions     []SyncAction
	lastReplace int // old offset right after the last replace, or -1.
}

func process(data LinearData, meta Metadata, tx *Transaction) (processResult, error) {
	if len(meta) != data.Len()+1 {
		meta = NewMetadata(data.Len())
	}
	p := &processor{
		data:        data,
		meta:        meta,
		oldLen:      data.Len(),
		newData:     data,
		newMeta:     make(Metadata, 0, len(meta)),
		lastReplace: -1,
	}
	for i, op := range tx.Operations {
		var err error
		switch op := op.(type) {
		case Retain:
			err = p.retain(op.Length)
		case Replace:
			err = p.replace(op)
		case RetainMetadata:
			err = p.retainMetadata(op.Length)
		case ReplaceMetadata:
			err = p.replaceMetadata(op)
		case AttributeChange:
			err = p.attributeChange(op)
		default:
			err = fmt.Errorf("%w: %T", ErrUnknownOperation, op)
		}
		if err != nil {
			return processResult{}, fmt.Errorf("operation %d (%v): %w", i, op, err)
		}
	}
	if err := p.finish(); err != nil {
		return processResult{}, err
	}
	return processResult{data: p.newData, meta: p.newMeta, actions: p.actions}, nil
}

func (p *processor) list(offset int) []MetaItem {
	return p.meta[offset]
}

func (p *processor) pushList() {
	p.newMeta = append(p.newMeta, p.curList)
	p.curList = nil
}

func (p *processor) appendMeta(items []MetaItem) {
	if len(items) == 0 {
		return
	}
	list := make([]MetaItem, 0, len(p.curList)+len(items))
	list = append(list, p.curList...)
	p.curList = append(list, items...)
}

func (p *processor) retain(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative retain", ErrInvalidOperations)
	}
	if n == 0 {
		return nil
	}
	if p.cur+n > p.oldLen {
		return fmt.Errorf("%w: retain %d from %d exceeds %d", ErrLengthMismatch, n, p.cur, p.oldLen)
	}
	p.appendMeta(p.list(p.cur)[p.m:])
	p.pushList()
	for i := 1; i < n; i++ {
		p.newMeta = append(p.newMeta, p.list(p.cur+i))
	}
	p.cur += n
	p.out += n
	p.m = 0
	return nil
}

func (p *processor) replace(op Replace) error {
	n, k := len(op.Remove), len(op.Insert)
	if p.cur+n > p.oldLen {
		return fmt.Errorf("%w: remove %d from %d exceeds %d", ErrLengthMismatch, n, p.cur, p.oldLen)
	}
	if op.RemoveMetadata != nil && len(op.RemoveMetadata) != n {
		return fmt.Errorf("%w: %d metadata lists for %d removed items", ErrInvalidOperations, len(op.RemoveMetadata), n)
	}
	if op.InsertMetadata != nil && len(op.InsertMetadata) != k {
		return fmt.Errorf("%w: %d metadata lists for %d inserted items", ErrInvalidOperations, len(op.InsertMetadata), k)
	}
	removed := p.data.Slice(p.cur, p.cur+n)
	if !ItemsEqual(removed, op.Remove) {
		return fmt.Errorf("%w: at %d, want %v, got %v", ErrRemoveMismatch, p.cur, op.Remove, removed)
	}
	for i := 0; i < n; i++ {
		list := p.list(p.cur + i)
		if i == 0 {
			list = list[p.m:]
		}
		var want []MetaItem
		if op.RemoveMetadata != nil {
			want = op.RemoveMetadata[i]
		}
		if !MetaItemsEqual(list, want) {
			return fmt.Errorf("%w: at %d, want %v, got %v", ErrMetadataMismatch, p.cur+i, want, list)
		}
	}
	p.addReplaceAction(op, removed)
	p.newData = p.newData.Splice(p.out, n, op.Insert)
	for j := 0; j < k; j++ {
		if op.InsertMetadata != nil {
			p.appendMeta(op.InsertMetadata[j])
		}
		p.pushList()
	}
	p.cur += n
	p.out += k
	if n > 0 {
		p.m = 0
	}
	return nil
}

func (p *processor) retainMetadata(n int) error {
	list := p.list(p.cur)
	if n < 0 || p.m+n > len(list) {
		return fmt.Errorf("%w: retain %d metadata from %d exceeds %d", ErrLengthMismatch, n, p.m, len(list))
	}
	p.appendMeta(list[p.m : p.m+n])
	p.m += n
	return nil
}

func (p *processor) replaceMetadata(op ReplaceMetadata) error {
	list := p.list(p.cur)
	n := len(op.Remove)
	if p.m+n > len(list) {
		return fmt.Errorf("%w: remove %d metadata from %d exceeds %d", ErrLengthMismatch, n, p.m, len(list))
	}
	if !MetaItemsEqual(list[p.m:p.m+n], op.Remove) {
		return fmt.Errorf("%w: at (%d, %d), want %v, got %v", ErrMetadataMismatch, p.cur, p.m, op.Remove, list[p.m:p.m+n])
	}
	p.appendMeta(op.Insert)
	p.m += n
	return nil
}

func (p *processor) attributeChange(op AttributeChange) error {
	if p.out >= p.newData.Len() {
		return fmt.Errorf("%w: attribute change past the end", ErrAttributeMismatch)
	}
	it := p.newData.At(p.out)
	if !it.IsOpen() {
		return fmt.Errorf("%w: %v is not an element", ErrAttributeMismatch, it)
	}
	if got := it.Attributes[op.Key]; got != op.From {
		return fmt.Errorf("%w: %q is %q, want %q", ErrAttributeMismatch, op.Key, got, op.From)
	}
	p.newData = p.newData.Splice(p.out, 1, []Item{it.WithAttribute(op.Key, op.To)})
	p.actions = append(p.actions, SyncAction{
		Type:     ActionAttributeChange,
		Range:    NewRange(p.cur, p.cur+1),
		NewRange: NewRange(p.out, p.out+1),
		Key:      op.Key,
		From:     op.From,
		To:       op.To,
	})
	return nil
}

func (p *processor) finish() error {
	if p.cur > p.oldLen {
		return fmt.Errorf("%w: consumed %d of %d", ErrLengthMismatch, p.cur, p.oldLen)
	}
	p.appendMeta(p.list(p.cur)[p.m:])
	p.pushList()
	for i := p.cur + 1; i <= p.oldLen; i++ {
		p.newMeta = append(p.newMeta, p.list(i))
	}
	return nil
}

// addReplaceAction classifies a replacement for the tree synchronizer.
func (p *processor) addReplaceAction(op Replace, removed []Item) {
	n, k := len(op.Remove), len(op.Insert)
	if n == 0 && k == 0 {
		return
	}
	action := SyncAction{
		Type:     ActionRebuild,
		Range:    NewRange(p.cur, p.cur+n),
		NewRange: NewRange(p.out, p.out+k),
	}
	switch {
	case !IsText(removed) || !IsText(op.Insert):
	case n == k && PlainText(removed) == PlainText(op.Insert):
		action.Type = ActionAnnotation
	case n == 0 && !p.charAt(p.cur-1) && !p.charAt(p.cur):
		action.Type = ActionInsertTextNode
	case n > 0 || p.charAt(p.cur-1) || p.charAt(p.cur):
		action.Type = ActionResize
	}
	// Replacements without a retain between them form a single region.
	if last := len(p.actions) - 1; last >= 0 && p.lastReplace == p.cur && action.Type != ActionAnnotation {
		prev := p.actions[last]
		if prev.Type != ActionAttributeChange && prev.Type != ActionAnnotation {
			p.actions[last] = SyncAction{
				Type:     ActionRebuild,
				Range:    NewRange(prev.Range.Start(), action.Range.End()),
				NewRange: NewRange(prev.NewRange.Start(), action.NewRange.End()),
			}
			p.lastReplace = p.cur + n
			return
		}
	}
	p.actions = append(p.actions, action)
	p.lastReplace = p.cur + n
}

func (p *processor) charAt(offset int) bool {
	if offset < 0 || offset >= p.oldLen {
		return false
	}
	return p.data.At(offset).IsChar()
}
