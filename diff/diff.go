// Package diff computes minimal edit scripts between sequences.
package diff

import (
	"fmt"
	"unicode/utf8"
)

type OpType int

const (
	Keep OpType = iota
	Insert
	Delete
)

func (op OpType) String() string {
	switch op {
	case Keep:
		return "keep"
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("OpType(%d)", int(op))
}

// Operation is one step of an edit script. Dist is the edit distance from this step to the end.
type Operation[T any] struct {
	Op    OpType
	Value T
	Dist  int
}

// Example: abcd -> xabdy
//           s1      s2
//
// Legend:
//   ix = insert(x)
//   ka = keep(a)
//   dc = delete(c)
//
//          xabdy   xabdy   xabdy   xabdy   xabdy   xabdy
//  s1\s2   ^        ^        ^        ^        ^        ^
//        +-------+-------+-------+-------+-------+-------+
//        |       |       |       |       |       |       |
//  abcd  | ix 3  < ka 2  | da 3  | da 4  | iy 5  < da 4  |
//  ^     |       |      \|       |       |       |       |
//        +-------+-------+---^---+---^---+-------+---^---+
//        |       |       |       |       |       |       |
//  abcd  | ix 4  < ia 3  < kb 2  | db 3  | iy 4  < db 3  |
//   ^    |       |       |      \|       |       |       |
//        +-------+-------+-------+---^---+-------+---^---+
//        |       |       |       |       |       |       |
//  abcd  | ix 5  < ia 4  < ib 3  < dc 2  | iy 3  < dc 2  |
//    ^   |       |       |       |       |       |       |
//        +-------+-------+-------+---^---+-------+---^---+
//        |       |       |       |       |       |       |
//  abcd  | ix 4  < ia 3  < ib 2  < kd 1  | iy 2  < dd 1  |
//     ^  |       |       |       |      \|       |       |
//        +-------+-------+-------+-------+-------+---^---+
//        |       |       |       |       |       |       |
//  abcd  | ix 5  < ia 4  < ib 3  < id 2  < iy 1  < k0 0  |
//      ^ |       |       |       |       |       |       |
//        +-------+-------+-------+-------+-------+-------+

// Slices returns the sequence of keeps, insertions and deletions to transform s1 into s2,
// comparing elements with eq.
//
// Time complexity: O(len(s1) * len(s2)), in time and space.
func Slices[T any](s1, s2 []T, eq func(a, b T) bool) []Operation[T] {
	m, n := len(s1), len(s2)
	ops := make([]Operation[T], (m+1)*(n+1))
	coord := func(i, j int) int {
		return i*(n+1) + j
	}
	// Diff between s1 and an empty sequence: delete all elements
	for i, x := range s1 {
		ops[coord(i, n)] = Operation[T]{Op: Delete, Value: x, Dist: m - i}
	}
	// Diff between an empty sequence and s2: insert all elements
	for j, x := range s2 {
		ops[coord(m, j)] = Operation[T]{Op: Insert, Value: x, Dist: n - j}
	}
	// Compute all paths of operations that produce minimal edit distance.
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			x1, x2 := s1[i], s2[j]
			if eq(x1, x2) {
				// Elements are the same, keep it
				dist := ops[coord(i+1, j+1)].Dist
				ops[coord(i, j)] = Operation[T]{Op: Keep, Value: x1, Dist: dist}
				continue
			}
			// Pick smallest dist between possible sequences, preferring insert on a tie.
			op1 := ops[coord(i+1, j)]
			op2 := ops[coord(i, j+1)]
			if op2.Dist <= op1.Dist {
				ops[coord(i, j)] = Operation[T]{Op: Insert, Value: x2, Dist: 1 + op2.Dist}
			} else {
				ops[coord(i, j)] = Operation[T]{Op: Delete, Value: x1, Dist: 1 + op1.Dist}
			}
		}
	}
	// Build sequence of operations.
	var operations []Operation[T]
	var i, j int
	for i < m || j < n {
		op := ops[coord(i, j)]
		operations = append(operations, op)
		switch op.Op {
		case Keep:
			i++
			j++
		case Insert:
			j++
		case Delete:
			i++
		}
	}
	return operations
}

// Diff returns the sequence of keeps, insertions and deletions to transform s1 into s2, rune by
// rune.
func Diff(s1, s2 string) ([]Operation[rune], error) {
	if !utf8.ValidString(s1) {
		return nil, fmt.Errorf("s1 is not a valid utf8 string")
	}
	if !utf8.ValidString(s2) {
		return nil, fmt.Errorf("s2 is not a valid utf8 string")
	}
	return Slices([]rune(s1), []rune(s2), func(a, b rune) bool { return a == b }), nil
}

// Distance returns the number of inserts/deletes to transform s1 into s2.
func Distance(s1, s2 string) (int, error) {
	operations, err := Diff(s1, s2)
	if err != nil {
		return 0, err
	}
	if len(operations) == 0 {
		return 0, nil
	}
	return operations[0].Dist, nil
}

// Hunk is a contiguous replacement: Remove elements of s1 starting at Start are replaced by
// Insert.
type Hunk[T any] struct {
	Start  int
	Remove []T
	Insert []T
}

// Hunks groups an edit script into replacements, in increasing order of Start.
func Hunks[T any](ops []Operation[T]) []Hunk[T] {
	var hunks []Hunk[T]
	var cur *Hunk[T]
	var pos int
	for _, op := range ops {
		if op.Op == Keep {
			if cur != nil {
				hunks = append(hunks, *cur)
				cur = nil
			}
			pos++
			continue
		}
		if cur == nil {
			cur = &Hunk[T]{Start: pos}
		}
		if op.Op == Insert {
			cur.Insert = append(cur.Insert, op.Value)
		} else {
			cur.Remove = append(cur.Remove, op.Value)
			pos++
		}
	}
	if cur != nil {
		hunks = append(hunks, *cur)
	}
	return hunks
}
