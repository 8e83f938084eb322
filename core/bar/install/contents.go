package install

import (
	"context"
	"mime"
	"strings"

	"github.com/cordum/barkit/core/bar/archive"
	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/bar/document"
	"github.com/cordum/barkit/core/bar/topology"
	"github.com/cordum/barkit/core/box"
)

const defaultContentType = "application/octet-stream"

type entryClass int

const (
	classDataCollection entryClass = iota
	classCollection
	classFile
	classInsideData
	classInsideExecutable
)

// classify resolves an entry against the topology: exact matches first,
// then the innermost enclosing Data-Collection, then the innermost enclosing
// Executable-Collection.
func (e *Engine) classify(name string) (entryClass, *topology.Node, string, error) {
	if n, ok := e.index.DataCollection(name); ok {
		return classDataCollection, n, name, nil
	}
	if n, ok := e.index.Collection(name); ok {
		return classCollection, n, name, nil
	}
	if n, ok := e.index.File(name); ok {
		return classFile, n, name, nil
	}
	if n, ok := e.index.DataCollectionFor(name); ok {
		return classInsideData, n, name, nil
	}
	if rewritten, _, ok := e.index.SourceEntry(name); ok {
		if n, ok := e.index.Collection(rewritten); ok {
			return classInsideExecutable, n, rewritten, nil
		}
		if n, ok := e.index.File(rewritten); ok {
			return classInsideExecutable, n, rewritten, nil
		}
	}
	return 0, nil, "", barerr.New(barerr.UndeclaredEntry, name, "entry not declared in %s", document.TopologyFile)
}

func (e *Engine) handleContents(ctx context.Context, entry *archive.Entry) error {
	class, node, target, err := e.classify(entry.Name)
	if err != nil {
		return err
	}
	if e.active != nil && !strings.HasPrefix(entry.Name, e.active.Entry) {
		if err := e.closeCollection(ctx); err != nil {
			return err
		}
	}
	switch class {
	case classDataCollection:
		if err := e.createCollection(ctx, node, target); err != nil {
			return err
		}
		e.active = node
	case classCollection, classInsideExecutable:
		if node.Kind == box.KindFile {
			if err := e.writeFile(ctx, node, target, entry); err != nil {
				return err
			}
		} else if err := e.createCollection(ctx, node, target); err != nil {
			return err
		}
	case classFile:
		if err := e.writeFile(ctx, node, target, entry); err != nil {
			return err
		}
	case classInsideData:
		if e.active == nil || e.active.Entry != node.Entry {
			e.active = node
		}
		if err := e.handleData(ctx, node, entry); err != nil {
			return err
		}
	}
	return e.processed(ctx, entry.Name, true)
}

// parentNode resolves the live parent of a target entry, walking down from
// the box root when the parent was created through a different entry.
func (e *Engine) parentNode(ctx context.Context, target string) (box.Node, error) {
	parent := parentEntry(target)
	if n, ok := e.nodes[parent]; ok {
		return n, nil
	}
	rel := strings.TrimSuffix(strings.TrimPrefix(parent, document.ContentsDir), "/")
	cur := e.box.Root()
	built := document.ContentsDir
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" {
			continue
		}
		next, err := cur.GetOrCreateChild(ctx, seg)
		if err != nil {
			return nil, barerr.Wrap(barerr.IO, target, err)
		}
		if !next.Exists() {
			return nil, barerr.New(barerr.OrphanPath, target, "parent %s not created", parent)
		}
		built += seg + "/"
		e.nodes[built] = next
		cur = next
	}
	return cur, nil
}

func parentEntry(entry string) string {
	trimmed := strings.TrimSuffix(entry, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return ""
	}
	return trimmed[:i+1]
}

// child returns the placeholder or existing child for target after checking
// the per-parent ceiling.
func (e *Engine) child(ctx context.Context, target string) (box.Node, error) {
	parent, err := e.parentNode(ctx, target)
	if err != nil {
		return nil, err
	}
	child, err := parent.GetOrCreateChild(ctx, document.BaseName(target))
	if err != nil {
		return nil, barerr.Wrap(barerr.IO, target, err)
	}
	if !child.Exists() && parent.ChildCount() >= e.limits.MaxChildren {
		return nil, barerr.New(barerr.TooManyChildren, target, "parent already holds %d children", parent.ChildCount())
	}
	return child, nil
}

func (e *Engine) createCollection(ctx context.Context, n *topology.Node, target string) error {
	live, err := e.child(ctx, target)
	if err != nil {
		return err
	}
	if err := live.MkdirWithKind(ctx, n.Kind); err != nil {
		return storeError(target, err)
	}
	e.nodes[target] = live
	if err := applyDecorations(ctx, live, n, target); err != nil {
		return err
	}
	if n.Kind != box.KindExecutableCollection {
		return nil
	}
	holder, ok := e.index.SourceHolder(n)
	if !ok {
		return barerr.New(barerr.MissingSourceHolder, n.Path, "executable collection without %s", box.SourceHolderName)
	}
	src, err := live.GetOrCreateChild(ctx, box.SourceHolderName)
	if err != nil {
		return barerr.Wrap(barerr.IO, holder.Entry, err)
	}
	if err := src.MkdirWithKind(ctx, box.KindFileCollection); err != nil {
		return storeError(holder.Entry, err)
	}
	e.nodes[holder.Entry] = src
	return applyDecorations(ctx, src, holder, holder.Entry)
}

func (e *Engine) writeFile(ctx context.Context, n *topology.Node, target string, entry *archive.Entry) error {
	if entry.Dir {
		return barerr.New(barerr.UnexpectedEntry, entry.Name, "declared file stored as a directory")
	}
	contentType := n.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	if _, _, err := mime.ParseMediaType(contentType); err != nil {
		return &barerr.Error{Code: barerr.DocumentFormat, Path: entry.Name, Detail: "invalid content type " + contentType, Err: err}
	}
	live, err := e.child(ctx, target)
	if err != nil {
		return err
	}
	body := entry.Body
	if body == nil {
		body = strings.NewReader("")
	}
	if err := live.PutFile(ctx, contentType, body); err != nil {
		return storeError(target, err)
	}
	e.nodes[target] = live
	return applyDecorations(ctx, live, n, target)
}

func applyDecorations(ctx context.Context, live box.Node, n *topology.Node, path string) error {
	if !n.ACL.IsZero() {
		if err := live.ApplyACL(ctx, n.ACL); err != nil {
			return barerr.Wrap(barerr.IO, path, err)
		}
	}
	if len(n.Properties) > 0 {
		if err := live.ApplyProperties(ctx, n.Properties); err != nil {
			return barerr.Wrap(barerr.IO, path, err)
		}
	}
	return nil
}
