package ot

import (
	"fmt"
	"math"

	"github.com/brunokim/docsync/dm"
)

type entryKind int

const (
	entryRetain entryKind = iota
	entryReplace
	entryRetainMetadata
	entryReplaceMetadata
	// entryEnd stands for the implicit final retain.
	entryEnd
)

func (k entryKind) String() string {
	switch k {
	case entryRetain:
		return "retain"
	case entryReplace:
		return "replace"
	case entryRetainMetadata:
		return "retainMetadata"
	case entryReplaceMetadata:
		return "replaceMetadata"
	case entryEnd:
		return "end"
	}
	return fmt.Sprintf("entryKind(%d)", int(k))
}

// mapEntry is an operation annotated with the positions it spans before and after the
// transaction is applied.
type mapEntry struct {
	kind             entryKind
	oldStart, oldEnd dm.Position
	newStart, newEnd dm.Position
}

func (e mapEntry) String() string {
	return fmt.Sprintf("%v[%v, %v)->[%v, %v)", e.kind, e.oldStart, e.oldEnd, e.newStart, e.newEnd)
}

// contains reports whether p is within the entry's old span. Insertions contain only their
// own position.
func (e mapEntry) contains(p dm.Position) bool {
	if e.oldStart == e.oldEnd {
		return p == e.oldStart
	}
	return !p.Less(e.oldStart) && p.Less(e.oldEnd)
}

// shift moves p, a position within a retained span, to the new document.
func (e mapEntry) shift(p dm.Position) dm.Position {
	if p.Data == e.oldStart.Data {
		return dm.Position{Data: e.newStart.Data, Meta: e.newStart.Meta + p.Meta - e.oldStart.Meta}
	}
	return dm.Position{Data: e.newStart.Data + p.Data - e.oldStart.Data, Meta: p.Meta}
}

// mkMap lays out the operations of t over the positions of the old and new documents.
//
// Replacements that only change annotations or attributes keep every position, so they're
// mapped as retains. The map always ends with an entry covering the rest of the document.
func mkMap(t *dm.Transaction) []mapEntry {
	var m []mapEntry
	var old, nw dm.Position
	add := func(kind entryKind, oldEnd, newEnd dm.Position) {
		m = append(m, mapEntry{kind: kind, oldStart: old, oldEnd: oldEnd, newStart: nw, newEnd: newEnd})
		old, nw = oldEnd, newEnd
	}
	for _, op := range t.Operations {
		switch op := op.(type) {
		case dm.Retain:
			if op.Length > 0 {
				add(entryRetain, dm.DataPosition(old.Data+op.Length), dm.DataPosition(nw.Data+op.Length))
			}
		case dm.Replace:
			n, k := len(op.Remove), len(op.Insert)
			switch {
			case op.IsNoOp():
			case keepsPositions(op):
				add(entryRetain, dm.DataPosition(old.Data+n), dm.DataPosition(nw.Data+k))
			case n == 0:
				// The rest of the current metadata list follows the inserted items.
				m = append(m, mapEntry{kind: entryReplace, oldStart: old, oldEnd: old, newStart: nw, newEnd: dm.DataPosition(nw.Data + k)})
				nw = dm.DataPosition(nw.Data + k)
			default:
				add(entryReplace, dm.DataPosition(old.Data+n), dm.DataPosition(nw.Data+k))
			}
		case dm.RetainMetadata:
			if op.Length > 0 {
				add(entryRetainMetadata,
					dm.Position{Data: old.Data, Meta: old.Meta + op.Length},
					dm.Position{Data: nw.Data, Meta: nw.Meta + op.Length})
			}
		case dm.ReplaceMetadata:
			add(entryReplaceMetadata,
				dm.Position{Data: old.Data, Meta: old.Meta + len(op.Remove)},
				dm.Position{Data: nw.Data, Meta: nw.Meta + len(op.Insert)})
		}
	}
	add(entryEnd, dm.DataPosition(math.MaxInt32), dm.DataPosition(math.MaxInt32))
	return m
}

func keepsPositions(op dm.Replace) bool {
	if len(op.Remove) != len(op.Insert) {
		return false
	}
	for i, it := range op.Remove {
		other := op.Insert[i]
		if it.Char != other.Char || it.Type != other.Type {
			return false
		}
		if len(metaAt(op.RemoveMetadata, i)) != len(metaAt(op.InsertMetadata, i)) {
			return false
		}
	}
	return true
}

func metaAt(lists [][]dm.MetaItem, i int) []dm.MetaItem {
	if lists == nil {
		return nil
	}
	return lists[i]
}

// translate returns where p lands after the transaction described by tMap is applied.
//
// Positions within replaced content, or exactly at an insertion, collapse to the start of the
// new content, or to its end if stickAfter is set.
func translate(p dm.Position, tMap []mapEntry, stickAfter bool) dm.Position {
	for _, e := range tMap {
		if !e.contains(p) {
			continue
		}
		switch e.kind {
		case entryReplace, entryReplaceMetadata:
			if stickAfter {
				return e.newEnd
			}
			return e.newStart
		default:
			return e.shift(p)
		}
	}
	last := tMap[len(tMap)-1]
	return last.shift(p)
}
