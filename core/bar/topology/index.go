package topology

import (
	"strings"

	"github.com/cordum/barkit/core/bar/document"
	"github.com/cordum/barkit/core/box"
)

// Node is one validated resource.
type Node struct {
	Path        string
	Entry       string
	Name        string
	Kind        box.Kind
	ACL         box.ACL
	Properties  []box.Property
	ContentType string
}

// Index is the validated topology, keyed by archive entry. It is never
// modified after Validate returns.
type Index struct {
	root        *Node
	byPath      map[string]*Node
	data        map[string]*Node
	collections map[string]*Node
	files       map[string]*Node
	order       []*Node
}

func newIndex() *Index {
	return &Index{
		byPath:      make(map[string]*Node),
		data:        make(map[string]*Node),
		collections: make(map[string]*Node),
		files:       make(map[string]*Node),
	}
}

func (idx *Index) add(n *Node) {
	switch n.Kind {
	case box.KindDataCollection:
		idx.data[n.Entry] = n
	case box.KindFileCollection, box.KindExecutableCollection:
		idx.collections[n.Entry] = n
	default:
		idx.files[n.Entry] = n
	}
}

// Root returns the box root.
func (idx *Index) Root() *Node { return idx.root }

// Lookup finds a node by canonical path.
func (idx *Index) Lookup(path string) (*Node, bool) {
	n, ok := idx.byPath[path]
	return n, ok
}

// DataCollection finds a Data-Collection by its entry.
func (idx *Index) DataCollection(entry string) (*Node, bool) {
	n, ok := idx.data[entry]
	return n, ok
}

// Collection finds a File- or Executable-Collection by its entry.
func (idx *Index) Collection(entry string) (*Node, bool) {
	n, ok := idx.collections[entry]
	return n, ok
}

// File finds a file by its entry.
func (idx *Index) File(entry string) (*Node, bool) {
	n, ok := idx.files[entry]
	return n, ok
}

// DataCollectionFor returns the innermost Data-Collection whose entry is a
// strict prefix of entry.
func (idx *Index) DataCollectionFor(entry string) (*Node, bool) {
	return idx.ancestor(entry, func(n *Node) bool { return n.Kind == box.KindDataCollection })
}

// ExecutableFor returns the innermost Executable-Collection whose entry is a
// strict prefix of entry.
func (idx *Index) ExecutableFor(entry string) (*Node, bool) {
	return idx.ancestor(entry, func(n *Node) bool { return n.Kind == box.KindExecutableCollection })
}

func (idx *Index) ancestor(entry string, match func(*Node) bool) (*Node, bool) {
	trimmed := strings.TrimSuffix(entry, "/")
	for i := len(trimmed) - 1; i >= len(document.ContentsDir); i-- {
		if trimmed[i] != '/' {
			continue
		}
		prefix := trimmed[:i+1]
		if n, ok := idx.data[prefix]; ok && match(n) {
			return n, true
		}
		if n, ok := idx.collections[prefix]; ok && match(n) {
			return n, true
		}
	}
	return nil, false
}

// SourceEntry rewrites an entry stored directly under an Executable-Collection
// to the entry of its source holder: svc/x.js becomes svc/__src/x.js.
func (idx *Index) SourceEntry(entry string) (string, *Node, bool) {
	exec, ok := idx.ExecutableFor(entry)
	if !ok {
		return "", nil, false
	}
	rest := strings.TrimPrefix(entry, exec.Entry)
	if rest == "" {
		return "", nil, false
	}
	return exec.Entry + box.SourceHolderName + "/" + rest, exec, true
}

// SourceHolder returns the declared source holder of an Executable-Collection.
func (idx *Index) SourceHolder(exec *Node) (*Node, bool) {
	if exec == nil {
		return nil, false
	}
	return idx.Lookup(exec.Path + "/" + box.SourceHolderName)
}

// DataCollections returns every Data-Collection in declaration order.
func (idx *Index) DataCollections() []*Node {
	var out []*Node
	for _, n := range idx.order {
		if n.Kind == box.KindDataCollection {
			out = append(out, n)
		}
	}
	return out
}

// Nodes returns every node in declaration order.
func (idx *Index) Nodes() []*Node {
	return append([]*Node(nil), idx.order...)
}
