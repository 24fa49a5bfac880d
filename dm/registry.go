package dm

import "sync"

// NodeKind classifies what a node type may contain.
type NodeKind int

const (
	// BranchKind nodes contain other non-text nodes.
	BranchKind NodeKind = iota
	// ContentKind nodes contain only text.
	ContentKind
	// LeafKind nodes have no children.
	LeafKind
)

// TextType is the type of text nodes, which are never represented by tags.
const TextType = "text"

// DocumentType is the type of the implicit root node.
const DocumentType = "document"

// NodeSpec describes a node type.
type NodeSpec struct {
	Type string
	Kind NodeKind
}

// Registry maps node types to their specs. A Registry is an explicit service object shared
// by the documents that use it; it is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]NodeSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]NodeSpec)}
}

// DefaultRegistry creates a registry with the built-in node types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, spec := range []NodeSpec{
		{Type: DocumentType, Kind: BranchKind},
		{Type: "paragraph", Kind: ContentKind},
		{Type: "heading", Kind: ContentKind},
		{Type: "preformatted", Kind: ContentKind},
		{Type: "list", Kind: BranchKind},
		{Type: "listItem", Kind: BranchKind},
		{Type: "div", Kind: BranchKind},
		{Type: "horizontalRule", Kind: LeafKind},
	} {
		r.Register(spec)
	}
	return r
}

// Register adds or replaces a node spec.
func (r *Registry) Register(spec NodeSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Type] = spec
}

// Lookup returns the spec of a node type.
func (r *Registry) Lookup(typ string) (NodeSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[typ]
	return spec, ok
}

// IsContent reports whether typ holds text.
func (r *Registry) IsContent(typ string) bool {
	spec, ok := r.Lookup(typ)
	return ok && spec.Kind == ContentKind
}

// Clear removes every registered spec.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = make(map[string]NodeSpec)
}
