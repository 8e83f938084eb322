package topology

import (
	"strings"

	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/bar/document"
	"github.com/cordum/barkit/core/box"
)

const maxNameLength = 128

const forbiddenNameChars = `/\?*:"<>|;`

// ValidName reports whether name is a legal resource name: 1..128 bytes, no
// leading '_' or '-', no reserved characters and no control characters.
func ValidName(name string) bool {
	if len(name) == 0 || len(name) > maxNameLength {
		return false
	}
	if name[0] == '_' || name[0] == '-' {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(forbiddenNameChars, r) {
			return false
		}
	}
	return true
}

// NormalizeHref maps a declared href to its canonical path: the localbox
// alias becomes dcbox and a trailing slash is dropped.
func NormalizeHref(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, prefixLocalBox) {
		href = PrefixBox + strings.TrimPrefix(href, prefixLocalBox)
	}
	if href != PrefixBox && !strings.HasPrefix(href, PrefixBox+"/") {
		return href, false
	}
	return strings.TrimSuffix(href, "/"), true
}

// EntryPath returns the archive entry of a canonical path. Collection entries
// carry a trailing slash.
func EntryPath(canonical string, kind box.Kind) string {
	if canonical == PrefixBox {
		return document.ContentsDir
	}
	entry := document.ContentsDir + strings.TrimPrefix(canonical, PrefixBox+"/")
	if kind.IsCollection() {
		entry += "/"
	}
	return entry
}

func parentPath(canonical string) string {
	i := strings.LastIndex(canonical, "/")
	if i < 0 {
		return ""
	}
	return canonical[:i]
}

// Validate proves the structural invariants of doc and returns its index.
// Nothing is written before this succeeds.
func Validate(doc *Document) (*Index, error) {
	if doc == nil {
		return nil, barerr.New(barerr.MissingRoot, document.TopologyEntry, "empty topology")
	}
	idx := newIndex()
	order := make([]*Node, 0, len(doc.Resources))
	for _, res := range doc.Resources {
		if len(res.Hrefs) != 1 {
			return nil, barerr.New(barerr.DocumentFormat, document.TopologyEntry, "response must declare exactly one href, got %d", len(res.Hrefs))
		}
		if res.Href() == "" {
			return nil, barerr.New(barerr.BadRootPrefix, document.TopologyEntry, "empty href")
		}
		canonical, ok := NormalizeHref(res.Href())
		if !ok {
			return nil, barerr.New(barerr.BadRootPrefix, res.Href(), "href must start with %s", PrefixBox)
		}
		if res.UnknownType != "" {
			return nil, barerr.New(barerr.UnknownResourceType, canonical, "unknown resource type %s", res.UnknownType)
		}
		if _, dup := idx.byPath[canonical]; dup {
			return nil, barerr.New(barerr.DuplicatePath, canonical, "path declared twice")
		}
		kind := res.Kind
		if canonical == PrefixBox {
			kind = box.KindBox
		}
		n := &Node{
			Path:        canonical,
			Entry:       EntryPath(canonical, kind),
			Name:        document.BaseName(strings.TrimPrefix(canonical, PrefixBox)),
			Kind:        kind,
			ACL:         res.ACL,
			Properties:  append([]box.Property(nil), res.Properties...),
			ContentType: res.ContentType,
		}
		idx.byPath[canonical] = n
		order = append(order, n)
	}
	root, ok := idx.byPath[PrefixBox]
	if !ok {
		return nil, barerr.New(barerr.MissingRoot, PrefixBox, "box root not declared")
	}
	idx.root = root

	for _, n := range order {
		if n == root {
			continue
		}
		if err := checkPlacement(idx, n); err != nil {
			return nil, err
		}
		idx.add(n)
	}
	idx.order = order
	return idx, nil
}

func checkPlacement(idx *Index, n *Node) error {
	parent, ok := idx.byPath[parentPath(n.Path)]
	if !ok {
		return barerr.New(barerr.OrphanPath, n.Path, "parent %s not declared", parentPath(n.Path))
	}
	switch parent.Kind {
	case box.KindDataCollection:
		return barerr.New(barerr.ChildUnderDataCollection, n.Path, "data collection %s cannot hold resources", parent.Path)
	case box.KindExecutableCollection:
		if n.Name != box.SourceHolderName || n.Kind != box.KindFileCollection {
			return barerr.New(barerr.IllegalExecutableChild, n.Path, "only %s may be declared under %s", box.SourceHolderName, parent.Path)
		}
	case box.KindFile:
		return barerr.New(barerr.FileHasChildren, n.Path, "file %s cannot hold resources", parent.Path)
	}
	if n.Kind == box.KindExecutableCollection {
		src, ok := idx.byPath[n.Path+"/"+box.SourceHolderName]
		if !ok || src.Kind != box.KindFileCollection {
			return barerr.New(barerr.MissingSourceHolder, n.Path, "%s collection not declared", box.SourceHolderName)
		}
	}
	exempt := n.Name == box.SourceHolderName && parent.Kind == box.KindExecutableCollection
	if !exempt && !ValidName(n.Name) {
		return barerr.New(barerr.InvalidResourceName, n.Path, "invalid resource name %q", n.Name)
	}
	return nil
}
