package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cordum/barkit/core/bar/archive"
	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/bar/progress"
	"github.com/cordum/barkit/core/bar/topology"
	"github.com/cordum/barkit/core/box"
	"github.com/cordum/barkit/core/infra/config"
	"github.com/cordum/barkit/core/infra/locks"
	"github.com/cordum/barkit/core/infra/logging"
	"github.com/cordum/barkit/core/infra/metrics"
	"golang.org/x/sync/semaphore"
)

// ErrShutdown is returned by Submit once Shutdown has started.
var ErrShutdown = errors.New("install runner shut down")

// Job is one accepted install. The runner owns ArchivePath and removes it
// when the job ends.
type Job struct {
	BoxName     string
	BoxID       string
	ArchiveID   string
	ArchivePath string
	Schema      string
	Index       *topology.Index
	Reporter    *progress.Reporter
}

// RunnerConfig carries the shared collaborators of every job.
type RunnerConfig struct {
	Limits  *config.Limits
	Backend box.Backend
	Locks   locks.Store
	Sink    progress.Sink
	Metrics metrics.Metrics
}

// Runner executes install jobs on a bounded pool. Each job can be cancelled
// by box name.
type Runner struct {
	limits  *config.Limits
	backend box.Backend
	locks   locks.Store
	sink    progress.Sink
	metrics metrics.Metrics
	sem     *semaphore.Weighted

	mu      sync.Mutex
	wg      sync.WaitGroup
	closed  bool
	running map[string]context.CancelFunc
}

// NewRunner constructs a runner with Limits.Workers slots.
func NewRunner(cfg RunnerConfig) *Runner {
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
	workers := limits.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		limits:  limits,
		backend: cfg.Backend,
		locks:   cfg.Locks,
		sink:    sink,
		metrics: m,
		sem:     semaphore.NewWeighted(int64(workers)),
		running: make(map[string]context.CancelFunc),
	}
}

// Submit schedules job. It returns immediately; the job waits for a free slot.
func (r *Runner) Submit(job *Job) error {
	if job == nil || job.Reporter == nil {
		return fmt.Errorf("invalid install job")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShutdown
	}
	if _, busy := r.running[job.BoxName]; busy {
		return barerr.New(barerr.InstallInProgress, "", "box %s is being installed", job.BoxName)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running[job.BoxName] = cancel
	r.wg.Add(1)
	go r.run(ctx, cancel, job)
	return nil
}

// Cancel aborts the running install of boxName. It reports whether one was
// running.
func (r *Runner) Cancel(boxName string) bool {
	r.mu.Lock()
	cancel, ok := r.running[boxName]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether an install of boxName is in flight.
func (r *Runner) Running(boxName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[boxName]
	return ok
}

// Wait blocks until every submitted job has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Shutdown stops accepting jobs and waits for running ones. When ctx ends
// first, the remaining jobs are cancelled and awaited.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()
	<-done
	return ctx.Err()
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, job *Job) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.running, job.BoxName)
		r.mu.Unlock()
		cancel()
	}()
	started := time.Now()
	// Cleanup and terminal publishing outlive a cancelled job.
	bg := context.WithoutCancel(ctx)
	defer r.cleanup(bg, job)

	var err error
	if semErr := r.sem.Acquire(ctx, 1); semErr != nil {
		err = barerr.Wrap(barerr.Cancelled, "", semErr)
	} else {
		stopRenew := r.renewLock(ctx, job)
		err = r.safeExecute(ctx, job)
		stopRenew()
		r.sem.Release(1)
	}
	r.finalize(bg, job, err, time.Since(started))
}

func (r *Runner) safeExecute(ctx context.Context, job *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprint(p)
			if msg == "" {
				msg = "unexpected error"
			}
			err = barerr.New(barerr.Internal, "", "%s", msg)
		}
	}()
	return r.execute(ctx, job)
}

func (r *Runner) execute(ctx context.Context, job *Job) error {
	tr := job.Reporter.Tracker()
	tr.SetMessage(progress.CodeStarted, "")
	job.Reporter.Publish(ctx, true)
	r.emit(ctx, job, progress.LevelInfo, progress.CodeStarted, job.ArchiveID, "")

	if r.backend == nil {
		return barerr.New(barerr.Internal, "", "no box backend")
	}
	bx, err := r.backend.CreateBox(ctx, box.Spec{ID: job.BoxID, Name: job.BoxName, Schema: job.Schema})
	if err != nil {
		if errors.Is(err, box.ErrConflict) {
			return barerr.Wrap(barerr.DuplicateBox, "", err)
		}
		return barerr.Wrap(barerr.IO, "", err)
	}
	c, err := archive.Open(job.ArchivePath)
	if err != nil {
		return barerr.Wrap(barerr.IO, "", err)
	}
	defer c.Close()

	engine := NewEngine(EngineConfig{
		Limits:    r.limits,
		Index:     job.Index,
		Box:       bx,
		Control:   r.backend.Control(),
		Reporter:  job.Reporter,
		Sink:      r.sink,
		Metrics:   r.metrics,
		ArchiveID: job.ArchiveID,
	})
	return engine.Run(ctx, c)
}

func (r *Runner) finalize(ctx context.Context, job *Job, err error, elapsed time.Duration) {
	tr := job.Reporter.Tracker()
	tr.SetEndTime(time.Now())
	if err == nil {
		tr.SetStatus(progress.StatusCompleted)
		tr.SetMessage(progress.CodeCompleted, "")
		r.emit(ctx, job, progress.LevelInfo, progress.CodeCompleted, job.ArchiveID, "")
		logging.Info("install", "install completed", "box", job.BoxName, "archive_id", job.ArchiveID, "elapsed", elapsed)
	} else {
		tr.SetStatus(progress.StatusFailed)
		tr.SetMessage(progress.CodeFailed, barerr.Message(err))
		r.emit(ctx, job, progress.LevelError, progress.CodeFailed, barerr.PathOf(err), barerr.Message(err))
		logging.Error("install", "install failed", "box", job.BoxName, "archive_id", job.ArchiveID, "code", barerr.CodeOf(err), "error", err)
	}
	job.Reporter.Publish(ctx, true)
	status := string(tr.Snapshot().Status)
	r.metrics.IncInstallsFinished(status)
	r.metrics.ObserveInstallDuration(status, elapsed.Seconds())
}

func (r *Runner) cleanup(ctx context.Context, job *Job) {
	if r.locks != nil {
		if err := r.locks.Release(ctx, locks.BoxResource(job.BoxName), job.ArchiveID); err != nil {
			logging.Error("install", "release lock failed", "box", job.BoxName, "error", err)
		}
	}
	if job.ArchivePath != "" {
		if err := os.Remove(job.ArchivePath); err != nil && !os.IsNotExist(err) {
			logging.Error("install", "remove archive failed", "path", job.ArchivePath, "error", err)
		}
	}
}

// renewLock keeps the box lock alive while the job runs.
func (r *Runner) renewLock(ctx context.Context, job *Job) func() {
	if r.locks == nil {
		return func() {}
	}
	ttl := r.limits.LockTTL()
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.locks.Renew(ctx, locks.BoxResource(job.BoxName), job.ArchiveID, ttl); err != nil {
					logging.Error("install", "renew lock failed", "box", job.BoxName, "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (r *Runner) emit(ctx context.Context, job *Job, level, typ, object, result string) {
	ev := progress.Event{
		Level:     level,
		Type:      typ,
		Object:    object,
		Result:    result,
		BoxName:   job.BoxName,
		ArchiveID: job.ArchiveID,
		Time:      time.Now().UTC(),
	}
	if err := r.sink.Emit(ctx, ev); err != nil {
		logging.Error("install", "emit event failed", "type", typ, "box", job.BoxName, "error", err)
	}
}
