// Package export assembles a box archive from a live box. Installing the
// result into an empty tenant reproduces the box.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cordum/barkit/core/bar/archive"
	"github.com/cordum/barkit/core/bar/document"
	"github.com/cordum/barkit/core/bar/topology"
	"github.com/cordum/barkit/core/box"
	"github.com/cordum/barkit/core/infra/logging"
	"github.com/cordum/barkit/core/infra/metrics"
	"github.com/google/uuid"
)

// controlDocs pairs every record-bearing control document with its set, in
// archive order.
var controlDocs = []struct {
	file      string
	recordSet string
}{
	{document.RelationsFile, box.RecordRelation},
	{document.RolesFile, box.RecordRole},
	{document.ExtRolesFile, box.RecordExtRole},
	{document.RulesFile, box.RecordRule},
}

// Assembler writes boxes into archives.
type Assembler struct {
	backend box.Backend
	metrics metrics.Metrics
}

// NewAssembler constructs an assembler reading from backend.
func NewAssembler(backend box.Backend, m metrics.Metrics) *Assembler {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Assembler{backend: backend, metrics: m}
}

// item is one resource below the box root. Source holders have no entry of
// their own; their children are flattened into the executable collection.
type item struct {
	node  box.Node
	href  string
	entry string
}

// ExportFile writes boxName to a new archive in dir and returns its path.
// The caller owns the file.
func (a *Assembler) ExportFile(ctx context.Context, boxName, dir string, enc archive.Encoding) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	p := filepath.Join(dir, "export-"+uuid.NewString()+".bar")
	w, err := archive.Create(p, enc)
	if err != nil {
		return "", err
	}
	if err := a.Export(ctx, boxName, w); err != nil {
		_ = w.Close()
		_ = os.Remove(p)
		return "", err
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(p)
		a.metrics.IncExports("error")
		return "", err
	}
	return p, nil
}

// Export writes boxName into w. w is not closed.
func (a *Assembler) Export(ctx context.Context, boxName string, w archive.Writer) error {
	err := a.export(ctx, boxName, w)
	if err != nil {
		a.metrics.IncExports("error")
		logging.Error("export", "export failed", "box", boxName, "error", err)
		return err
	}
	a.metrics.IncExports("ok")
	logging.Info("export", "export completed", "box", boxName, "encoding", w.Encoding())
	return nil
}

func (a *Assembler) export(ctx context.Context, boxName string, w archive.Writer) error {
	if a.backend == nil {
		return fmt.Errorf("export: no box backend")
	}
	bx, err := a.backend.Box(ctx, boxName)
	if err != nil {
		return fmt.Errorf("load box %s: %w", boxName, err)
	}
	root := bx.Root()
	var items []item
	if err := collect(ctx, root, topology.PrefixBox, document.ContentsDir, &items); err != nil {
		return err
	}

	if err := w.Mkdir(document.RootDir); err != nil {
		return err
	}
	if err := w.Mkdir(document.MetaDir); err != nil {
		return err
	}
	manifest, err := document.MarshalManifest(document.NewManifest(boxName, bx.Schema()))
	if err != nil {
		return err
	}
	if err := w.WriteText(document.ManifestEntry, string(manifest)); err != nil {
		return err
	}
	if err := a.writeControl(ctx, boxName, w); err != nil {
		return err
	}
	topo, err := topology.Marshal(topologyOf(root, items))
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	if err := w.WriteText(document.TopologyEntry, string(topo)); err != nil {
		return err
	}

	if err := w.Mkdir(document.ContentsDir); err != nil {
		return err
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeItem(ctx, w, it); err != nil {
			return err
		}
	}
	return nil
}

// collect walks n depth-first in name order. entryDir is the archive
// directory that receives the children of n.
func collect(ctx context.Context, n box.Node, href, entryDir string, out *[]item) error {
	children, err := n.Children(ctx)
	if err != nil {
		return fmt.Errorf("list %s: %w", n.Path(), err)
	}
	for _, c := range children {
		chref := href + "/" + c.Name()
		kind := c.Kind()
		switch {
		case n.Kind() == box.KindExecutableCollection && c.Name() == box.SourceHolderName:
			*out = append(*out, item{node: c, href: chref})
			if err := collect(ctx, c, chref, entryDir, out); err != nil {
				return err
			}
		case kind.IsCollection():
			centry := entryDir + c.Name() + "/"
			*out = append(*out, item{node: c, href: chref, entry: centry})
			if kind == box.KindDataCollection {
				continue
			}
			if err := collect(ctx, c, chref, centry, out); err != nil {
				return err
			}
		default:
			*out = append(*out, item{node: c, href: chref, entry: entryDir + c.Name()})
		}
	}
	return nil
}

func topologyOf(root box.Node, items []item) *topology.Document {
	doc := &topology.Document{Resources: make([]topology.Resource, 0, len(items)+1)}
	doc.Resources = append(doc.Resources, resourceOf(root, topology.PrefixBox))
	for _, it := range items {
		doc.Resources = append(doc.Resources, resourceOf(it.node, it.href))
	}
	return doc
}

func resourceOf(n box.Node, href string) topology.Resource {
	res := topology.Resource{
		Hrefs:      []string{href},
		Kind:       n.Kind(),
		ACL:        n.ACL(),
		Properties: n.Properties(),
	}
	if res.Kind == box.KindFile {
		res.ContentType = n.ContentType()
	}
	return res
}

func (a *Assembler) writeControl(ctx context.Context, boxName string, w archive.Writer) error {
	ctl := a.backend.Control()
	if ctl == nil {
		return nil
	}
	for _, doc := range controlDocs {
		records, err := ctl.List(ctx, doc.recordSet, boxName)
		if err != nil {
			return fmt.Errorf("list %s: %w", doc.recordSet, err)
		}
		if len(records) == 0 {
			continue
		}
		data, err := document.MarshalControl(doc.file, records)
		if err != nil {
			return err
		}
		if err := w.WriteText(document.MetaDir+doc.file, string(data)); err != nil {
			return err
		}
	}
	links, err := ctl.Links(ctx, boxName)
	if err != nil {
		return fmt.Errorf("list control links: %w", err)
	}
	if len(links) == 0 {
		return nil
	}
	out := make([]document.ControlLink, 0, len(links))
	for _, l := range links {
		from, err := ctl.Get(ctx, l.From)
		if err != nil {
			return fmt.Errorf("link source %s%s: %w", l.From.Type, l.From.Key, err)
		}
		to, err := ctl.Get(ctx, l.To)
		if err != nil {
			return fmt.Errorf("link target %s%s: %w", l.To.Type, l.To.Key, err)
		}
		out = append(out, document.ControlLink{
			FromType: l.From.Type,
			FromName: document.NameOf(l.From.Type, from),
			ToType:   l.To.Type,
			ToName:   document.NameOf(l.To.Type, to),
		})
	}
	data, err := document.MarshalLinks(out)
	if err != nil {
		return err
	}
	return w.WriteText(document.MetaDir+document.LinksFile, string(data))
}

func writeItem(ctx context.Context, w archive.Writer, it item) error {
	if it.entry == "" {
		return nil
	}
	switch it.node.Kind() {
	case box.KindFile:
		rc, err := it.node.Open(ctx)
		if err != nil {
			return fmt.Errorf("open %s: %w", it.node.Path(), err)
		}
		defer rc.Close()
		return w.WriteBinary(it.entry, rc)
	case box.KindDataCollection:
		if err := w.Mkdir(it.entry); err != nil {
			return err
		}
		return writeData(ctx, w, it)
	default:
		return w.Mkdir(it.entry)
	}
}

// writeData writes the schema, link and record documents of a
// Data-Collection.
func writeData(ctx context.Context, w archive.Writer, it item) error {
	store := it.node.Data()
	if store == nil {
		return fmt.Errorf("%s: data collection has no record store", it.node.Path())
	}
	schema, err := store.Schema(ctx)
	if err != nil {
		return fmt.Errorf("read schema of %s: %w", it.node.Path(), err)
	}
	data, err := document.MarshalSchema(schema)
	if err != nil {
		return err
	}
	if err := w.WriteText(it.entry+document.SchemaFile, string(data)); err != nil {
		return err
	}

	links, err := store.Links(ctx)
	if err != nil {
		return fmt.Errorf("read links of %s: %w", it.node.Path(), err)
	}
	if len(links) > 0 {
		userLinks := make([]document.UserLink, 0, len(links))
		for _, l := range links {
			userLinks = append(userLinks, document.UserLinkOf(l))
		}
		if data, err = document.MarshalUserLinks(userLinks); err != nil {
			return err
		}
		if err := w.WriteText(it.entry+document.UserLinksFile, string(data)); err != nil {
			return err
		}
	}

	dataDir := it.entry + document.DataDir
	wroteDir := false
	for _, et := range schema.EntityTypes {
		records, err := store.Records(ctx, et.Name)
		if err != nil {
			return fmt.Errorf("read %s records: %w", et.Name, err)
		}
		if len(records) == 0 {
			continue
		}
		if !wroteDir {
			if err := w.Mkdir(dataDir); err != nil {
				return err
			}
			wroteDir = true
		}
		typeDir := dataDir + et.Name + "/"
		if err := w.Mkdir(typeDir); err != nil {
			return err
		}
		for i, rec := range records {
			body, err := document.MarshalRecord(rec)
			if err != nil {
				return err
			}
			if err := w.WriteText(fmt.Sprintf("%s%d.json", typeDir, i+1), string(body)); err != nil {
				return err
			}
		}
	}
	return nil
}
