package install

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cordum/barkit/core/bar/archive"
	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/bar/document"
	"github.com/cordum/barkit/core/bar/progress"
	"github.com/cordum/barkit/core/bar/topology"
	"github.com/cordum/barkit/core/box"
	"github.com/cordum/barkit/core/infra/config"
	"github.com/cordum/barkit/core/infra/locks"
	"github.com/cordum/barkit/core/infra/logging"
	"github.com/cordum/barkit/core/infra/metrics"
	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

// Request asks for an archive at ArchivePath to be installed as BoxName.
// The installer takes ownership of the file.
type Request struct {
	BoxName     string
	ArchivePath string
}

// Accepted is returned once pre-flight passed and the job was queued.
type Accepted struct {
	BoxName   string `json:"box_name"`
	BoxID     string `json:"box_id"`
	ArchiveID string `json:"archive_id"`
	Location  string `json:"location"`
}

// ProgressLocation is the poll address of a box install.
func ProgressLocation(boxName string) string {
	return "/api/v1/boxes/" + boxName + "/progress"
}

// Config carries the collaborators of the installer.
type Config struct {
	Limits  *config.Limits
	Backend box.Backend
	Locks   locks.Store
	Cache   progress.Cache
	Sink    progress.Sink
	Metrics metrics.Metrics
	Runner  *Runner
}

// Installer runs the synchronous checks of an install and hands accepted
// archives to the runner.
type Installer struct {
	limits  *config.Limits
	backend box.Backend
	locks   locks.Store
	cache   progress.Cache
	sink    progress.Sink
	metrics metrics.Metrics
	runner  *Runner
}

// NewInstaller constructs an installer.
func NewInstaller(cfg Config) *Installer {
	in := &Installer{
		limits:  cfg.Limits,
		backend: cfg.Backend,
		locks:   cfg.Locks,
		cache:   cfg.Cache,
		sink:    cfg.Sink,
		metrics: cfg.Metrics,
		runner:  cfg.Runner,
	}
	if in.limits == nil {
		in.limits = config.DefaultLimits()
	}
	if in.sink == nil {
		in.sink = progress.NopSink{}
	}
	if in.metrics == nil {
		in.metrics = metrics.Noop{}
	}
	return in
}

// Preflight is what the checks learned about an archive. Total counts the
// entries that report progress.
type Preflight struct {
	Total    int64
	Manifest *document.Manifest
	Index    *topology.Index
}

// Install validates the archive and queues it. Any error returned here means
// nothing was written, no progress state exists and the archive was removed.
func (in *Installer) Install(ctx context.Context, req Request) (*Accepted, error) {
	acc, err := in.install(ctx, req)
	if err != nil {
		_ = os.Remove(req.ArchivePath)
		in.metrics.IncInstallsRejected(string(barerr.CodeOf(err)))
		logging.Error("install", "install rejected", "box", req.BoxName, "code", barerr.CodeOf(err), "error", err)
		return nil, err
	}
	in.metrics.IncInstallsAccepted()
	return acc, nil
}

func (in *Installer) install(ctx context.Context, req Request) (*Accepted, error) {
	if !topology.ValidName(req.BoxName) {
		return nil, barerr.New(barerr.InvalidResourceName, req.BoxName, "invalid box name")
	}
	if in.backend == nil || in.runner == nil {
		return nil, barerr.New(barerr.Internal, "", "installer not configured")
	}
	pf, err := Check(req.ArchivePath, in.limits)
	if err != nil {
		return nil, err
	}
	if exists, err := in.backend.BoxExists(ctx, req.BoxName); err != nil {
		return nil, barerr.Wrap(barerr.IO, "", err)
	} else if exists {
		return nil, barerr.New(barerr.DuplicateBox, "", "box %s already exists", req.BoxName)
	}
	if inUse, err := in.backend.SchemaInUse(ctx, pf.Manifest.Schema); err != nil {
		return nil, barerr.Wrap(barerr.IO, "", err)
	} else if inUse {
		return nil, barerr.New(barerr.DuplicateSchema, document.ManifestEntry, "schema %s already bound to a box", pf.Manifest.Schema)
	}

	archiveID, err := newArchiveID()
	if err != nil {
		return nil, barerr.Wrap(barerr.Internal, "", err)
	}
	release, err := in.acquireBoxLock(ctx, req.BoxName, archiveID)
	if err != nil {
		return nil, err
	}

	boxID := uuid.NewString()
	tracker := progress.NewTracker(req.BoxName, boxID, archiveID, pf.Total)
	tracker.SetMessage(progress.CodeStart, "")
	reporter := progress.NewReporter(tracker, in.cache, req.BoxName)
	reporter.Publish(ctx, true)
	in.emit(ctx, req.BoxName, archiveID)

	job := &Job{
		BoxName:     req.BoxName,
		BoxID:       boxID,
		ArchiveID:   archiveID,
		ArchivePath: req.ArchivePath,
		Schema:      pf.Manifest.Schema,
		Index:       pf.Index,
		Reporter:    reporter,
	}
	if err := in.runner.Submit(job); err != nil {
		release()
		tracker.SetStatus(progress.StatusFailed)
		tracker.SetEndTime(time.Now())
		tracker.SetMessage(progress.CodeFailed, barerr.Message(err))
		reporter.Publish(ctx, true)
		return nil, barerr.Wrap(barerr.Internal, "", err)
	}
	logging.Info("install", "install accepted", "box", req.BoxName, "archive_id", archiveID, "entries", pf.Total)
	return &Accepted{
		BoxName:   req.BoxName,
		BoxID:     boxID,
		ArchiveID: archiveID,
		Location:  ProgressLocation(req.BoxName),
	}, nil
}

// acquireBoxLock takes the exclusive install lock of a box. The returned
// release func is only for failures before the job is queued; afterwards the
// runner owns the lock.
func (in *Installer) acquireBoxLock(ctx context.Context, boxName, owner string) (func(), error) {
	if in.locks == nil {
		return func() {}, nil
	}
	resource := locks.BoxResource(boxName)
	_, ok, err := in.locks.Acquire(ctx, resource, owner, in.limits.LockTTL())
	if err != nil {
		return nil, barerr.Wrap(barerr.IO, "", fmt.Errorf("acquire lock: %w", err))
	}
	if !ok {
		return nil, barerr.New(barerr.InstallInProgress, "", "box %s is being installed", boxName)
	}
	return func() {
		_ = in.locks.Release(context.WithoutCancel(ctx), resource, owner)
	}, nil
}

func (in *Installer) emit(ctx context.Context, boxName, archiveID string) {
	ev := progress.Event{
		Level:     progress.LevelInfo,
		Type:      progress.CodeStart,
		Object:    archiveID,
		BoxName:   boxName,
		ArchiveID: archiveID,
		Time:      time.Now().UTC(),
	}
	if err := in.sink.Emit(ctx, ev); err != nil {
		logging.Error("install", "emit event failed", "type", ev.Type, "box", boxName, "error", err)
	}
}

func newArchiveID() (string, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Check runs the archive-local pre-flight checks: sizes, required entries,
// manifest and topology. It does not touch any store.
func Check(path string, limits *config.Limits) (*Preflight, error) {
	if limits == nil {
		limits = config.DefaultLimits()
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, barerr.Wrap(barerr.IO, "", err)
	}
	if st.Size() > limits.MaxArchiveBytes() {
		return nil, barerr.New(barerr.ArchiveTooLarge, "", "archive is %d bytes, limit %d", st.Size(), limits.MaxArchiveBytes())
	}
	c, err := archive.Open(path)
	if err != nil {
		return nil, barerr.Wrap(barerr.IO, "", err)
	}
	defer c.Close()

	seen, total, err := countEntries(c, limits.MaxEntryBytes())
	if err != nil {
		return nil, err
	}
	for _, name := range document.RequiredEntries {
		if _, ok := seen[name]; !ok {
			return nil, barerr.New(barerr.MissingEntry, name, "required entry missing")
		}
	}
	data, err := c.ReadBinary(document.ManifestEntry)
	if err != nil {
		return nil, barerr.Wrap(barerr.IO, document.ManifestEntry, err)
	}
	manifest, err := document.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	data, err = c.ReadBinary(document.TopologyEntry)
	if err != nil {
		return nil, barerr.Wrap(barerr.IO, document.TopologyEntry, err)
	}
	doc, err := topology.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, barerr.Wrap(barerr.DocumentFormat, document.TopologyEntry, err)
	}
	idx, err := topology.Validate(doc)
	if err != nil {
		return nil, err
	}
	return &Preflight{Total: total, Manifest: manifest, Index: idx}, nil
}

// countEntries walks the archive once. Every entry except the manifest counts
// toward progress.
func countEntries(c archive.Container, maxEntry int64) (map[string]struct{}, int64, error) {
	w, err := c.Walk("")
	if err != nil {
		return nil, 0, barerr.Wrap(barerr.IO, "", err)
	}
	defer w.Close()
	seen := make(map[string]struct{})
	var total int64
	for {
		entry, err := w.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, barerr.Wrap(barerr.IO, "", err)
		}
		if entry.Size > maxEntry {
			return nil, 0, barerr.New(barerr.EntryTooLarge, entry.Name, "entry is %d bytes, limit %d", entry.Size, maxEntry)
		}
		seen[entry.Name] = struct{}{}
		if entry.Name != document.ManifestEntry {
			total++
		}
	}
	return seen, total, nil
}
