package diff_test

import (
	"strings"
	"testing"

	"github.com/brunokim/docsync/diff"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		s1, s2 string
		want   []diff.Operation[rune]
	}{
		{
			s1: "a",
			s2: "a",
			want: []diff.Operation[rune]{
				{Op: diff.Keep, Value: 'a'},
			},
		},
		{
			s1: "",
			s2: "a",
			want: []diff.Operation[rune]{
				{Op: diff.Insert, Value: 'a'},
			},
		},
		{
			s1: "a",
			s2: "",
			want: []diff.Operation[rune]{
				{Op: diff.Delete, Value: 'a'},
			},
		},
		{
			s1: "abc",
			s2: "abc",
			want: []diff.Operation[rune]{
				{Op: diff.Keep, Value: 'a'},
				{Op: diff.Keep, Value: 'b'},
				{Op: diff.Keep, Value: 'c'},
			},
		},
		{
			s1: "ac",
			s2: "abc",
			want: []diff.Operation[rune]{
				{Op: diff.Keep, Value: 'a'},
				{Op: diff.Insert, Value: 'b'},
				{Op: diff.Keep, Value: 'c'},
			},
		},
		{
			s1: "abc",
			s2: "ac",
			want: []diff.Operation[rune]{
				{Op: diff.Keep, Value: 'a'},
				{Op: diff.Delete, Value: 'b'},
				{Op: diff.Keep, Value: 'c'},
			},
		},
		{
			s1: "abc",
			s2: "axc",
			want: []diff.Operation[rune]{
				{Op: diff.Keep, Value: 'a'},
				{Op: diff.Insert, Value: 'x'},
				{Op: diff.Delete, Value: 'b'},
				{Op: diff.Keep, Value: 'c'},
			},
		},
		{
			s1: "abcd",
			s2: "xabdy",
			want: []diff.Operation[rune]{
				{Op: diff.Insert, Value: 'x'},
				{Op: diff.Keep, Value: 'a'},
				{Op: diff.Keep, Value: 'b'},
				{Op: diff.Delete, Value: 'c'},
				{Op: diff.Keep, Value: 'd'},
				{Op: diff.Insert, Value: 'y'},
			},
		},
		{
			s1: "xabdyefg",
			s2: "E",
			want: []diff.Operation[rune]{
				{Op: diff.Insert, Value: 'E'},
				{Op: diff.Delete, Value: 'x'},
				{Op: diff.Delete, Value: 'a'},
				{Op: diff.Delete, Value: 'b'},
				{Op: diff.Delete, Value: 'd'},
				{Op: diff.Delete, Value: 'y'},
				{Op: diff.Delete, Value: 'e'},
				{Op: diff.Delete, Value: 'f'},
				{Op: diff.Delete, Value: 'g'},
			},
		},
	}
	ignoreDist := cmpopts.IgnoreFields(diff.Operation[rune]{}, "Dist")
	for _, test := range tests {
		got, err := diff.Diff(test.s1, test.s2)
		if err != nil {
			t.Fatalf("diff.Diff(%q, %q): %v", test.s1, test.s2, err)
		}
		if msg := cmp.Diff(test.want, got, ignoreDist); msg != "" {
			t.Errorf("diff.Diff(%q, %q): (-want, +got)\n%s", test.s1, test.s2, msg)
		}
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		s1, s2 string
		want   int
	}{
		{"", "", 0},
		{"", "a", 1},
		{"a", "", 1},
		{"a", "a", 0},
		{"abc", "abc", 0},
		{"ac", "abc", 1},
		{"abc", "ac", 1},
		{"abc", "axc", 2},
		{"abcd", "xabdy", 3},
	}
	for _, test := range tests {
		got, err := diff.Distance(test.s1, test.s2)
		if err != nil {
			t.Fatalf("diff.Distance(%q, %q): %v", test.s1, test.s2, err)
		}
		if got != test.want {
			t.Errorf("diff.Distance(%q, %q): want %d, got %d", test.s1, test.s2, test.want, got)
		}
	}
}

func TestHunks(t *testing.T) {
	tests := []struct {
		s1, s2 string
		want   []diff.Hunk[rune]
	}{
		{"abc", "abc", nil},
		{"", "ab", []diff.Hunk[rune]{{Start: 0, Insert: []rune("ab")}}},
		{"ac", "abc", []diff.Hunk[rune]{{Start: 1, Insert: []rune("b")}}},
		{"abc", "axc", []diff.Hunk[rune]{{Start: 1, Remove: []rune("b"), Insert: []rune("x")}}},
		{
			"abcd", "xabdy",
			[]diff.Hunk[rune]{
				{Start: 0, Insert: []rune("x")},
				{Start: 2, Remove: []rune("c")},
				{Start: 4, Insert: []rune("y")},
			},
		},
	}
	for _, test := range tests {
		ops, err := diff.Diff(test.s1, test.s2)
		if err != nil {
			t.Fatalf("diff.Diff(%q, %q): %v", test.s1, test.s2, err)
		}
		got := diff.Hunks(ops)
		if msg := cmp.Diff(test.want, got); msg != "" {
			t.Errorf("diff.Hunks(%q, %q): (-want, +got)\n%s", test.s1, test.s2, msg)
		}
	}
}

func TestSlicesWithCustomEquality(t *testing.T) {
	s1 := []string{"A", "b", "C"}
	s2 := []string{"a", "B", "d"}
	got := diff.Slices(s1, s2, strings.EqualFold)
	want := []diff.Operation[string]{
		{Op: diff.Keep, Value: "A"},
		{Op: diff.Keep, Value: "b"},
		{Op: diff.Insert, Value: "d"},
		{Op: diff.Delete, Value: "C"},
	}
	if msg := cmp.Diff(want, got, cmpopts.IgnoreFields(diff.Operation[string]{}, "Dist")); msg != "" {
		t.Errorf("diff.Slices: (-want, +got)\n%s", msg)
	}
}
