package install

import (
	"context"
	"strings"

	"github.com/cordum/barkit/core/bar/archive"
	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/bar/document"
	"github.com/cordum/barkit/core/bar/progress"
	"github.com/cordum/barkit/core/bar/topology"
	"github.com/cordum/barkit/core/box"
	"github.com/cordum/barkit/core/infra/logging"
)

type pendingLink struct {
	path string
	link document.UserLink
}

// handleData dispatches an entry inside a Data-Collection. Allowed shapes:
//
//	00_$metadata.json
//	10_odatarelations.json
//	90_data/
//	90_data/<Type>/
//	90_data/<Type>/<N>.json
func (e *Engine) handleData(ctx context.Context, dc *topology.Node, entry *archive.Entry) error {
	name := entry.Name
	rel := strings.TrimPrefix(name, dc.Entry)
	schemaDone := e.isDone(dc.Entry + document.SchemaFile)
	dataDone := e.isDone(dc.Entry + document.DataDir)

	switch {
	case rel == document.SchemaFile && !entry.Dir:
		if schemaDone {
			return barerr.New(barerr.IllegalDataLayout, name, "schema document repeated")
		}
		return e.importSchema(ctx, dc, entry)
	case rel == document.UserLinksFile && !entry.Dir:
		if !schemaDone {
			return barerr.New(barerr.MissingSchema, name, "link document before schema document")
		}
		if dataDone {
			return barerr.New(barerr.IllegalDataLayout, name, "link document after %s", document.DataDir)
		}
		return e.collectLinks(name, entry)
	case rel == document.DataDir:
		if !schemaDone {
			return barerr.New(barerr.MissingSchema, name, "data before schema document")
		}
		return nil
	case strings.HasPrefix(rel, document.DataDir):
		if !schemaDone {
			return barerr.New(barerr.MissingSchema, name, "data before schema document")
		}
		return e.handleRecordEntry(ctx, dc, entry, strings.TrimPrefix(rel, document.DataDir))
	default:
		return barerr.New(barerr.IllegalDataLayout, name, "unexpected entry in data collection")
	}
}

func (e *Engine) handleRecordEntry(ctx context.Context, dc *topology.Node, entry *archive.Entry, rest string) error {
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	switch {
	case entry.Dir && len(parts) == 1 && parts[0] != "":
		return nil
	case !entry.Dir && len(parts) == 2 && parts[0] != "" && document.IsRecordFile(parts[1]):
		if !e.isDone(parentEntry(entry.Name)) {
			return barerr.New(barerr.IllegalDataLayout, entry.Name, "record outside a type directory")
		}
		return e.addRecord(ctx, dc, parts[0], entry)
	default:
		return barerr.New(barerr.IllegalDataLayout, entry.Name, "expected %s<Type>/<N>.json", document.DataDir)
	}
}

func (e *Engine) importSchema(ctx context.Context, dc *topology.Node, entry *archive.Entry) error {
	data, err := readBody(entry.Name, entry.Body)
	if err != nil {
		return err
	}
	schema, err := document.ParseSchema(data)
	if err != nil {
		return barerr.Wrap(barerr.DocumentFormat, entry.Name, err)
	}
	store, err := e.dataStore(ctx, dc)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		return &barerr.Error{Code: barerr.DocumentFormat, Path: entry.Name, Detail: "schema import", Err: err}
	}
	// Properties may reference complex types declared later in the document.
	for _, ct := range schema.ComplexTypes {
		if err := store.CreateComplexType(ctx, ct.Name); err != nil {
			return fail(err)
		}
	}
	for _, ct := range schema.ComplexTypes {
		for _, p := range ct.Properties {
			if err := store.CreateComplexTypeProperty(ctx, ct.Name, p); err != nil {
				return fail(err)
			}
		}
	}
	for _, et := range schema.EntityTypes {
		if err := store.CreateEntityType(ctx, et.Name); err != nil {
			return fail(err)
		}
	}
	for _, et := range schema.EntityTypes {
		for _, p := range et.Properties {
			if strings.HasPrefix(p.Name, "_") {
				continue
			}
			if err := store.CreateProperty(ctx, et.Name, p); err != nil {
				return fail(err)
			}
		}
	}
	for _, a := range schema.Associations {
		for _, end := range a.Ends {
			if !strings.Contains(end.Role, ":") {
				return fail(barerr.New(barerr.DocumentFormat, entry.Name, "association role %q is not <Type>:<Name>", end.Role))
			}
			if err := store.CreateAssociationEnd(ctx, a.Name, end); err != nil {
				return fail(err)
			}
		}
		if err := store.LinkAssociationEnds(ctx, a.Ends[0], a.Ends[1]); err != nil {
			return fail(err)
		}
	}
	return nil
}

func (e *Engine) collectLinks(name string, entry *archive.Entry) error {
	data, err := readBody(name, entry.Body)
	if err != nil {
		return err
	}
	links, err := document.ParseUserLinks(data)
	if err != nil {
		return barerr.Wrap(barerr.DocumentFormat, name, err)
	}
	for _, l := range links {
		e.links = append(e.links, pendingLink{path: name, link: l})
	}
	return nil
}

func (e *Engine) addRecord(ctx context.Context, dc *topology.Node, recordSet string, entry *archive.Entry) error {
	store, err := e.dataStore(ctx, dc)
	if err != nil {
		return err
	}
	data, err := readBody(entry.Name, entry.Body)
	if err != nil {
		return err
	}
	rec, decodeErr := document.DecodeRecord(data)
	if decodeErr == nil && !store.RecordSetExists(ctx, recordSet) {
		decodeErr = barerr.New(barerr.NoSuchRecordSet, entry.Name, "record set %s not declared", recordSet)
	}
	e.batch.add(entry.Name, recordSet, rec, decodeErr)
	if e.batch.full() {
		return e.flushBatch(ctx, dc)
	}
	return nil
}

func (e *Engine) dataStore(ctx context.Context, dc *topology.Node) (box.DataStore, error) {
	live, ok := e.nodes[dc.Entry]
	if !ok {
		parent, err := e.parentNode(ctx, dc.Entry)
		if err != nil {
			return nil, err
		}
		if live, err = parent.GetOrCreateChild(ctx, document.BaseName(dc.Entry)); err != nil {
			return nil, barerr.Wrap(barerr.IO, dc.Entry, err)
		}
	}
	store := live.Data()
	if store == nil {
		return nil, barerr.New(barerr.IO, dc.Entry, "data collection has no record store")
	}
	return store, nil
}

// flushBatch writes the pending records of dc. Every item error is reported;
// the first one fails the install.
func (e *Engine) flushBatch(ctx context.Context, dc *topology.Node) error {
	if e.batch.empty() {
		return nil
	}
	store, err := e.dataStore(ctx, dc)
	if err != nil {
		return err
	}
	itemErrs, err := e.batch.flush(ctx, store)
	if err != nil {
		return barerr.Wrap(barerr.IO, dc.Entry, err)
	}
	for _, itemErr := range itemErrs {
		logging.Error("install", "record rejected", "box", e.boxName(), "path", barerr.PathOf(itemErr), "error", itemErr)
		e.emit(ctx, progress.LevelError, progress.CodeError, barerr.PathOf(itemErr), barerr.Message(itemErr))
	}
	if len(itemErrs) > 0 {
		return itemErrs[0]
	}
	return nil
}

// closeCollection flushes the active Data-Collection and applies its links.
func (e *Engine) closeCollection(ctx context.Context) error {
	dc := e.active
	if dc == nil {
		return nil
	}
	e.active = nil
	if err := e.flushBatch(ctx, dc); err != nil {
		return err
	}
	links := e.links
	e.links = nil
	if len(links) == 0 {
		return nil
	}
	store, err := e.dataStore(ctx, dc)
	if err != nil {
		return err
	}
	for _, pl := range links {
		src, nav, dst := pl.link.Refs()
		if err := store.CreateLink(ctx, src, nav, dst); err != nil {
			return storeError(pl.path, err)
		}
	}
	return nil
}
