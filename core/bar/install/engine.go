// Package install restores a box from an archive: synchronous pre-flight
// checks, a bounded worker pool, and the per-archive state machine that
// writes control records, collections, files and user data into the box.
package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cordum/barkit/core/bar/archive"
	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/bar/document"
	"github.com/cordum/barkit/core/bar/progress"
	"github.com/cordum/barkit/core/bar/topology"
	"github.com/cordum/barkit/core/box"
	"github.com/cordum/barkit/core/infra/config"
	"github.com/cordum/barkit/core/infra/logging"
	"github.com/cordum/barkit/core/infra/metrics"
)

// State is the position of the engine in the archive.
type State string

const (
	StateAwaitingRoot               State = "AwaitingRoot"
	StateAwaitingMetadataRegion     State = "AwaitingMetadataRegion"
	StateProcessingControlDocuments State = "ProcessingControlDocuments"
	StateAwaitingContentsRegion     State = "AwaitingContentsRegion"
	StateProcessingContents         State = "ProcessingContents"
	StateFinalizing                 State = "Finalizing"
	StateCompleted                  State = "Completed"
	StateFailed                     State = "Failed"
)

// Engine walks one archive and writes it into one box. An Engine is used
// once and from one goroutine.
type Engine struct {
	limits    *config.Limits
	index     *topology.Index
	box       box.Box
	control   box.ControlStore
	reporter  *progress.Reporter
	sink      progress.Sink
	metrics   metrics.Metrics
	archiveID string

	state  State
	done   map[string]struct{}
	nodes  map[string]box.Node
	active *topology.Node
	batch  *bulkBatch
	links  []pendingLink
}

// EngineConfig carries the collaborators of one install.
type EngineConfig struct {
	Limits    *config.Limits
	Index     *topology.Index
	Box       box.Box
	Control   box.ControlStore
	Reporter  *progress.Reporter
	Sink      progress.Sink
	Metrics   metrics.Metrics
	ArchiveID string
}

// NewEngine constructs an engine in the AwaitingRoot state.
func NewEngine(cfg EngineConfig) *Engine {
	limits := cfg.Limits
	if limits == nil {
		limits = config.DefaultLimits()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = progress.NopSink{}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &Engine{
		limits:    limits,
		index:     cfg.Index,
		box:       cfg.Box,
		control:   cfg.Control,
		reporter:  cfg.Reporter,
		sink:      sink,
		metrics:   m,
		archiveID: cfg.ArchiveID,
		state:     StateAwaitingRoot,
		done:      make(map[string]struct{}),
		nodes:     make(map[string]box.Node),
		batch:     newBulkBatch(limits.BatchSize),
	}
}

// State returns the current state.
func (e *Engine) State() State { return e.state }

// Run walks every entry of c in its natural order. On error the engine ends
// in StateFailed; nothing already written is rolled back.
func (e *Engine) Run(ctx context.Context, c archive.Container) (err error) {
	defer func() {
		if err != nil {
			e.state = StateFailed
		}
	}()
	if e.index == nil || e.box == nil {
		return barerr.New(barerr.Internal, "", "engine not configured")
	}
	e.nodes[document.ContentsDir] = e.box.Root()

	w, err := c.Walk("")
	if err != nil {
		return barerr.Wrap(barerr.IO, "", err)
	}
	defer w.Close()

	for {
		if err := ctx.Err(); err != nil {
			return barerr.Wrap(barerr.Cancelled, "", err)
		}
		entry, err := w.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return barerr.Wrap(barerr.IO, "", err)
		}
		if err := e.handle(ctx, entry); err != nil {
			return err
		}
	}
	return e.finish(ctx)
}

func (e *Engine) handle(ctx context.Context, entry *archive.Entry) error {
	name := entry.Name
	switch e.state {
	case StateAwaitingRoot:
		if name != document.RootDir {
			return barerr.New(barerr.UnexpectedEntry, name, "expected %s first", document.RootDir)
		}
		e.state = StateAwaitingMetadataRegion
		return e.processed(ctx, name, false)
	case StateAwaitingMetadataRegion:
		if name != document.MetaDir {
			return barerr.New(barerr.UnexpectedEntry, name, "expected %s", document.MetaDir)
		}
		e.state = StateProcessingControlDocuments
		return e.processed(ctx, name, false)
	case StateProcessingControlDocuments:
		if strings.HasPrefix(name, document.MetaDir) {
			return e.handleMeta(ctx, entry)
		}
		e.state = StateAwaitingContentsRegion
		return e.handle(ctx, entry)
	case StateAwaitingContentsRegion:
		if name != document.ContentsDir {
			return barerr.New(barerr.UnexpectedEntry, name, "expected %s", document.ContentsDir)
		}
		e.state = StateProcessingContents
		return e.processed(ctx, name, false)
	case StateProcessingContents:
		if !strings.HasPrefix(name, document.ContentsDir) {
			return barerr.New(barerr.UnexpectedEntry, name, "entry outside the contents region")
		}
		return e.handleContents(ctx, entry)
	default:
		return barerr.New(barerr.Internal, name, "engine in state %s", e.state)
	}
}

// processed records a finished entry and advances progress.
func (e *Engine) processed(ctx context.Context, name string, audit bool) error {
	e.done[name] = struct{}{}
	e.metrics.AddEntriesProcessed(1)
	if e.reporter == nil {
		return nil
	}
	tr := e.reporter.Tracker()
	tr.AddProcessed(1)
	if audit {
		e.emit(ctx, progress.LevelInfo, progress.CodeEntry, name, "")
	}
	if tr.ShouldPublish() {
		tr.SetMessage(progress.CodeProcessing, "")
		e.reporter.Publish(ctx, false)
	}
	return nil
}

func (e *Engine) isDone(name string) bool {
	_, ok := e.done[name]
	return ok
}

func (e *Engine) boxName() string {
	if e.box == nil {
		return ""
	}
	return e.box.Name()
}

func (e *Engine) emit(ctx context.Context, level, typ, object, result string) {
	ev := progress.Event{
		Level:     level,
		Type:      typ,
		Object:    object,
		Result:    result,
		BoxName:   e.boxName(),
		ArchiveID: e.archiveID,
		Time:      time.Now().UTC(),
	}
	if err := e.sink.Emit(ctx, ev); err != nil {
		logging.Error("install", "emit event failed", "type", typ, "box", ev.BoxName, "error", err)
	}
}

// --- metadata region ---

func (e *Engine) handleMeta(ctx context.Context, entry *archive.Entry) error {
	name := entry.Name
	if entry.Dir {
		return barerr.New(barerr.UnexpectedEntry, name, "directory in the metadata region")
	}
	file := strings.TrimPrefix(name, document.MetaDir)
	switch {
	case file == document.ManifestFile:
		// Read during pre-flight and not counted.
		e.done[name] = struct{}{}
		return nil
	case file == document.TopologyFile:
		if err := e.applyRoot(ctx); err != nil {
			return err
		}
	case file == document.LinksFile:
		if err := e.importControlLinks(ctx, name, entry.Body); err != nil {
			return err
		}
	case document.IsControlFile(file):
		if err := e.importControlRecords(ctx, name, file, entry.Body); err != nil {
			return err
		}
	default:
		return barerr.New(barerr.UnexpectedEntry, name, "unknown metadata entry")
	}
	return e.processed(ctx, name, false)
}

func (e *Engine) applyRoot(ctx context.Context) error {
	root := e.index.Root()
	live := e.box.Root()
	if !root.ACL.IsZero() {
		if err := live.ApplyACL(ctx, root.ACL); err != nil {
			return barerr.Wrap(barerr.IO, document.TopologyEntry, err)
		}
	}
	if len(root.Properties) > 0 {
		if err := live.ApplyProperties(ctx, root.Properties); err != nil {
			return barerr.Wrap(barerr.IO, document.TopologyEntry, err)
		}
	}
	return nil
}

func (e *Engine) importControlRecords(ctx context.Context, name, file string, body io.Reader) error {
	data, err := readBody(name, body)
	if err != nil {
		return err
	}
	recordSet, records, err := document.ParseControl(file, data)
	if err != nil {
		return barerr.Wrap(barerr.DocumentFormat, name, err)
	}
	if e.control == nil {
		return barerr.New(barerr.Internal, name, "no control store")
	}
	for _, rec := range records {
		box.ScopeToBox(recordSet, rec, e.boxName())
		key, err := box.ControlKey(recordSet, rec)
		if err != nil {
			return &barerr.Error{Code: barerr.DocumentFormat, Path: name, Err: err}
		}
		if err := e.control.CreateRecord(ctx, recordSet, rec); err != nil {
			err = storeError(name, err)
			e.emit(ctx, progress.LevelError, controlEventType(recordSet), key, barerr.Message(err))
			return err
		}
		e.emit(ctx, progress.LevelInfo, controlEventType(recordSet), key, "")
	}
	return nil
}

func (e *Engine) importControlLinks(ctx context.Context, name string, body io.Reader) error {
	data, err := readBody(name, body)
	if err != nil {
		return err
	}
	links, err := document.ParseLinks(data)
	if err != nil {
		return barerr.Wrap(barerr.DocumentFormat, name, err)
	}
	if e.control == nil {
		return barerr.New(barerr.Internal, name, "no control store")
	}
	for _, l := range links {
		src, nav, dst, err := l.Refs(e.boxName())
		if err != nil {
			return barerr.Wrap(barerr.DocumentFormat, name, err)
		}
		if err := e.control.CreateLink(ctx, src, nav, dst); err != nil {
			return storeError(name, err)
		}
		e.emit(ctx, progress.LevelInfo, "cellctl."+src.Type+".link", src.Key+" -> "+dst.Key, "")
	}
	return nil
}

func controlEventType(recordSet string) string {
	return "cellctl." + recordSet + ".create"
}

// --- end of walk ---

func (e *Engine) finish(ctx context.Context) error {
	switch e.state {
	case StateAwaitingRoot, StateAwaitingMetadataRegion:
		return barerr.New(barerr.MissingEntry, document.MetaDir, "archive ended before the metadata region")
	}
	e.state = StateFinalizing
	if err := e.closeCollection(ctx); err != nil {
		return err
	}
	for _, dc := range e.index.DataCollections() {
		if !e.isDone(dc.Entry + document.SchemaFile) {
			return barerr.New(barerr.MissingSchema, dc.Entry+document.SchemaFile, "data collection %s has no schema document", dc.Path)
		}
	}
	e.state = StateCompleted
	return nil
}

func readBody(name string, body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, barerr.New(barerr.IO, name, "entry has no body")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, barerr.Wrap(barerr.IO, name, fmt.Errorf("read entry: %w", err))
	}
	return data, nil
}

// storeError classifies a collaborator write failure.
func storeError(path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, box.ErrConflict):
		return barerr.Wrap(barerr.DuplicateKey, path, err)
	case errors.Is(err, box.ErrNoSuchRecordSet), errors.Is(err, box.ErrUnknownType):
		return barerr.Wrap(barerr.NoSuchRecordSet, path, err)
	case errors.Is(err, box.ErrNotFound):
		return barerr.Wrap(barerr.BrokenReference, path, err)
	default:
		return barerr.Wrap(barerr.IO, path, err)
	}
}
