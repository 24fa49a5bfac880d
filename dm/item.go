package dm

import (
	"fmt"
	"sort"
	"strings"
)

// +-------------+
// | Linear data |
// +-------------+

// Item is one unit of the linear model: a character, an element open tag or an element
// close tag.
//
// Characters have an empty Type. Close tags have their type prefixed with "/".
type Item struct {
	// Char is the character content, a single grapheme.
	Char string `json:"char,omitempty"`
	// Annotations is the sorted set of annotation names applied to a character.
	Annotations []string `json:"annotations,omitempty"`
	// Type is the element type for tags.
	Type string `json:"type,omitempty"`
	// Attributes are the element attributes of an open tag.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Char creates a character item.
func Char(ch rune, annotations ...string) Item {
	return Item{Char: string(ch), Annotations: normalizeAnnotations(annotations)}
}

// Text creates one character item per rune of s.
func Text(s string, annotations ...string) []Item {
	names := normalizeAnnotations(annotations)
	items := make([]Item, 0, len(s))
	for _, ch := range s {
		items = append(items, Item{Char: string(ch), Annotations: names})
	}
	return items
}

// Open creates an element open tag.
func Open(typ string, attrs map[string]string) Item {
	return Item{Type: typ, Attributes: cloneAttributes(attrs)}
}

// Close creates an element close tag.
func Close(typ string) Item {
	return Item{Type: "/" + typ}
}

// Element returns the open tag, inner items and close tag of an element.
func Element(typ string, attrs map[string]string, inner ...Item) []Item {
	items := make([]Item, 0, len(inner)+2)
	items = append(items, Open(typ, attrs))
	items = append(items, inner...)
	return append(items, Close(typ))
}

func (it Item) IsChar() bool {
	return it.Type == ""
}

func (it Item) IsOpen() bool {
	return it.Type != "" && !strings.HasPrefix(it.Type, "/")
}

func (it Item) IsClose() bool {
	return strings.HasPrefix(it.Type, "/")
}

// ElementType returns the element type of a tag, without the close prefix.
func (it Item) ElementType() string {
	return strings.TrimPrefix(it.Type, "/")
}

// Depth returns how a tag changes nesting depth: +1 for opens, -1 for closes, 0 for chars.
func (it Item) Depth() int {
	switch {
	case it.IsOpen():
		return 1
	case it.IsClose():
		return -1
	}
	return 0
}

func (it Item) Equal(other Item) bool {
	return it.EqualIgnoringAnnotations(other) && equalStrings(it.Annotations, other.Annotations)
}

// EqualIgnoringAnnotations compares items disregarding character annotations.
func (it Item) EqualIgnoringAnnotations(other Item) bool {
	return it.Char == other.Char && it.Type == other.Type && equalAttributes(it.Attributes, other.Attributes)
}

// Clone returns a copy that shares no maps or slices with it.
func (it Item) Clone() Item {
	return Item{
		Char:        it.Char,
		Annotations: append([]string(nil), it.Annotations...),
		Type:        it.Type,
		Attributes:  cloneAttributes(it.Attributes),
	}
}

// HasAnnotation reports whether a character carries the named annotation.
func (it Item) HasAnnotation(name string) bool {
	i := sort.SearchStrings(it.Annotations, name)
	return i < len(it.Annotations) && it.Annotations[i] == name
}

// WithAnnotation returns a copy of a character with the annotation added.
func (it Item) WithAnnotation(name string) Item {
	if it.HasAnnotation(name) {
		return it
	}
	c := it.Clone()
	c.Annotations = normalizeAnnotations(append(c.Annotations, name))
	return c
}

// WithoutAnnotation returns a copy of a character with the annotation removed.
func (it Item) WithoutAnnotation(name string) Item {
	if !it.HasAnnotation(name) {
		return it
	}
	c := it.Clone()
	names := c.Annotations[:0]
	for _, a := range c.Annotations {
		if a != name {
			names = append(names, a)
		}
	}
	if len(names) == 0 {
		names = nil
	}
	c.Annotations = names
	return c
}

// WithAttribute returns a copy of an open tag with key set to value. An empty value unsets
// the attribute.
func (it Item) WithAttribute(key, value string) Item {
	c := it.Clone()
	if value == "" {
		delete(c.Attributes, key)
		if len(c.Attributes) == 0 {
			c.Attributes = nil
		}
		return c
	}
	if c.Attributes == nil {
		c.Attributes = make(map[string]string)
	}
	c.Attributes[key] = value
	return c
}

func (it Item) String() string {
	switch {
	case it.IsChar():
		if len(it.Annotations) > 0 {
			return fmt.Sprintf("%s%v", it.Char, it.Annotations)
		}
		return it.Char
	case it.IsClose():
		return fmt.Sprintf("</%s>", it.ElementType())
	}
	if len(it.Attributes) > 0 {
		return fmt.Sprintf("<%s %v>", it.Type, it.Attributes)
	}
	return fmt.Sprintf("<%s>", it.Type)
}

// ItemsEqual compares item slices element by element.
func ItemsEqual(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// CloneItems deep-copies an item slice.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// PlainText returns the characters of items, ignoring tags.
func PlainText(items []Item) string {
	var sb strings.Builder
	for _, it := range items {
		if it.IsChar() {
			sb.WriteString(it.Char)
		}
	}
	return sb.String()
}

// IsText reports whether all items are characters.
func IsText(items []Item) bool {
	for _, it := range items {
		if !it.IsChar() {
			return false
		}
	}
	return true
}

// IsBalanced reports whether every tag in items is matched within items.
func IsBalanced(items []Item) bool {
	var stack []string
	for _, it := range items {
		switch {
		case it.IsOpen():
			stack = append(stack, it.Type)
		case it.IsClose():
			if len(stack) == 0 || stack[len(stack)-1] != it.ElementType() {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

// +---------------+
// | Metadata item |
// +---------------+

// MetaItem is an out-of-band metadata element, like a comment or an unknown element kept
// for round-tripping.
type MetaItem struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (m MetaItem) Equal(other MetaItem) bool {
	return m.Type == other.Type && equalAttributes(m.Attributes, other.Attributes)
}

// MetaItemsEqual compares metadata slices element by element.
func MetaItemsEqual(a, b []MetaItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// -----

func normalizeAnnotations(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := append([]string(nil), names...)
	sort.Strings(out)
	j := 0
	for i, name := range out {
		if i > 0 && name == out[j-1] {
			continue
		}
		out[j] = name
		j++
	}
	return out[:j]
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalAttributes(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func cloneAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
