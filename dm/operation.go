package dm

import (
	"encoding/json"
	"fmt"
)

// +------------+
// | Operations |
// +------------+

// OpType discriminates the operation variants on the wire.
type OpType string

const (
	OpRetain          OpType = "retain"
	OpReplace         OpType = "replace"
	OpRetainMetadata  OpType = "retainMetadata"
	OpReplaceMetadata OpType = "replaceMetadata"
	OpAttribute       OpType = "attribute"
)

// Operation is one step of a transaction. The set of operations is closed: Retain, Replace,
// RetainMetadata, ReplaceMetadata and AttributeChange.
//
// Operations are positioned implicitly by their order within a transaction.
type Operation interface {
	Type() OpType
	isOperation()
}

// Retain skips Length data items, with the metadata between them.
type Retain struct {
	Length int
}

// Replace removes data items and inserts others at the cursor. RemoveMetadata and
// InsertMetadata, when present, hold the metadata list owned by each removed or inserted
// item; nil stands for all-empty lists.
type Replace struct {
	Remove         []Item
	Insert         []Item
	RemoveMetadata [][]MetaItem
	InsertMetadata [][]MetaItem
}

// RetainMetadata skips Length metadata items in the list at the current data offset.
type RetainMetadata struct {
	Length int
}

// ReplaceMetadata replaces metadata items in the list at the current data offset.
type ReplaceMetadata struct {
	Remove []MetaItem
	Insert []MetaItem
}

// AttributeChange sets an attribute of the element whose open tag is at the cursor. Empty
// From or To stand for an absent attribute.
type AttributeChange struct {
	Key  string
	From string
	To   string
}

func (Retain) Type() OpType          { return OpRetain }
func (Replace) Type() OpType         { return OpReplace }
func (RetainMetadata) Type() OpType  { return OpRetainMetadata }
func (ReplaceMetadata) Type() OpType { return OpReplaceMetadata }
func (AttributeChange) Type() OpType { return OpAttribute }

func (Retain) isOperation()          {}
func (Replace) isOperation()         {}
func (RetainMetadata) isOperation()  {}
func (ReplaceMetadata) isOperation() {}
func (AttributeChange) isOperation() {}

// IsNoOp reports whether a replace changes nothing.
func (op Replace) IsNoOp() bool {
	return len(op.Remove) == 0 && len(op.Insert) == 0
}

func (op Replace) reversed() Replace {
	return Replace{
		Remove:         op.Insert,
		Insert:         op.Remove,
		RemoveMetadata: op.InsertMetadata,
		InsertMetadata: op.RemoveMetadata,
	}
}

func (op Retain) String() string {
	return fmt.Sprintf("retain(%d)", op.Length)
}

func (op Replace) String() string {
	return fmt.Sprintf("replace(%v -> %v)", op.Remove, op.Insert)
}

func (op RetainMetadata) String() string {
	return fmt.Sprintf("retainMetadata(%d)", op.Length)
}

func (op ReplaceMetadata) String() string {
	return fmt.Sprintf("replaceMetadata(%v -> %v)", op.Remove, op.Insert)
}

func (op AttributeChange) String() string {
	return fmt.Sprintf("attribute(%s: %q -> %q)", op.Key, op.From, op.To)
}

// +------+
// | JSON |
// +------+

type wireOperation struct {
	Type           OpType          `json:"type"`
	Length         int             `json:"length,omitempty"`
	Remove         json.RawMessage `json:"remove,omitempty"`
	Insert         json.RawMessage `json:"insert,omitempty"`
	RemoveMetadata [][]MetaItem    `json:"removeMetadata,omitempty"`
	InsertMetadata [][]MetaItem    `json:"insertMetadata,omitempty"`
	Key            string          `json:"key,omitempty"`
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
}

func rawJSON(x interface{}) (json.RawMessage, error) {
	bs, err := json.Marshal(x)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(bs), nil
}

// MarshalOperation encodes op in its tagged JSON shape.
func MarshalOperation(op Operation) ([]byte, error) {
	w := wireOperation{Type: op.Type()}
	var err error
	switch op := op.(type) {
	case Retain:
		w.Length = op.Length
	case RetainMetadata:
		w.Length = op.Length
	case Replace:
		if w.Remove, err = rawJSON(nonNilItems(op.Remove)); err != nil {
			return nil, err
		}
		if w.Insert, err = rawJSON(nonNilItems(op.Insert)); err != nil {
			return nil, err
		}
		w.RemoveMetadata, w.InsertMetadata = op.RemoveMetadata, op.InsertMetadata
	case ReplaceMetadata:
		if w.Remove, err = rawJSON(nonNilMeta(op.Remove)); err != nil {
			return nil, err
		}
		if w.Insert, err = rawJSON(nonNilMeta(op.Insert)); err != nil {
			return nil, err
		}
	case AttributeChange:
		w.Key, w.From, w.To = op.Key, op.From, op.To
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOperation, op)
	}
	return json.Marshal(w)
}

// UnmarshalOperation decodes an operation from its tagged JSON shape.
func UnmarshalOperation(bs []byte) (Operation, error) {
	var w wireOperation
	if err := json.Unmarshal(bs, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case OpRetain:
		return Retain{Length: w.Length}, nil
	case OpRetainMetadata:
		return RetainMetadata{Length: w.Length}, nil
	case OpReplace:
		op := Replace{RemoveMetadata: w.RemoveMetadata, InsertMetadata: w.InsertMetadata}
		if err := unmarshalOptional(w.Remove, &op.Remove); err != nil {
			return nil, err
		}
		if err := unmarshalOptional(w.Insert, &op.Insert); err != nil {
			return nil, err
		}
		return op, nil
	case OpReplaceMetadata:
		var op ReplaceMetadata
		if err := unmarshalOptional(w.Remove, &op.Remove); err != nil {
			return nil, err
		}
		if err := unmarshalOptional(w.Insert, &op.Insert); err != nil {
			return nil, err
		}
		return op, nil
	case OpAttribute:
		return AttributeChange{Key: w.Key, From: w.From, To: w.To}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, w.Type)
}

func unmarshalOptional(raw json.RawMessage, x interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, x)
}

func nonNilItems(items []Item) []Item {
	if items == nil {
		return []Item{}
	}
	return items
}

func nonNilMeta(items []MetaItem) []MetaItem {
	if items == nil {
		return []MetaItem{}
	}
	return items
}
