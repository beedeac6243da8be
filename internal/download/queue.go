// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package download runs bounded, cancellable model downloads.
//
// # Job lifecycle
//
//	Start(id) ──► preflight ──► slot acquired ──► worker goroutine
//	               │                                  │
//	               │ rejected: downloading,           ├─ progress (throttled) ─► Notify
//	               │ local, full, disk space          ├─ disk recheck past threshold
//	               ▼                                  ▼
//	             error                   finish: remove partial dir on failure,
//	                                     record error (not on cancel),
//	                                     release slot, Notify outcome
//
// # Invariants
//
//   - At most MaxConcurrent jobs hold a slot at any instant.
//   - A job's slot is released exactly once, in finish, after its partial
//     directory has been removed.
//   - Cancel is idempotent and a no-op for unknown or finished jobs.
//   - A cancelled job never records an error.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/modelslot/internal/diskguard"
	"github.com/AleutianAI/modelslot/internal/engine"
	"github.com/AleutianAI/modelslot/internal/util"
	"github.com/AleutianAI/modelslot/pkg/modelerr"
)

// Rejection reasons returned by Start.
var (
	ErrAlreadyDownloading = errors.New("model is already downloading")
	ErrAlreadyLocal       = errors.New("model is already downloaded")
	ErrQueueFull          = errors.New("download queue is full")
	ErrClosed             = errors.New("download queue is closed")
)

// Defaults.
const (
	DefaultMaxConcurrent    = 2
	DefaultProgressInterval = 500 * time.Millisecond
	DefaultRecheckThreshold = 0.5
)

// Acquirer performs the download. engine.Engine satisfies it.
type Acquirer interface {
	Download(ctx context.Context, id, repo string, progress engine.ProgressFunc) (string, error)
}

// Catalog is the registry surface the queue needs. *registry.Registry
// satisfies it.
type Catalog interface {
	IsLocal(id string) bool
	EstimatedSize(id string) int64
	ModelRoot() string
	ModelPath(id string) string
	MarkPending(id string)
	ClearPending(id string)
	MarkLocal(id string)
	RecordMeasuredSize(ctx context.Context, id string) (int64, error)
}

// SpaceChecker is the disk guard surface the queue needs.
type SpaceChecker interface {
	Check(required int64) (diskguard.Result, error)
	CheckRemaining(required int64, progress float64) (diskguard.Result, error)
}

// Config configures a Queue.
type Config struct {
	// Repo is passed to every download.
	Repo string

	MaxConcurrent    int
	ProgressInterval time.Duration
	RecheckThreshold float64

	// Notify receives job events. It is called from worker goroutines and
	// must not block indefinitely.
	Notify func(Event)

	Logger *slog.Logger
}

// Queue is the download queue. Safe for concurrent use.
type Queue struct {
	cfg      Config
	acquirer Acquirer
	catalog  Catalog
	guard    SpaceChecker
	logger   *slog.Logger
	sem      *semaphore.Weighted

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	errs   map[string]error
	closed bool
}

// New creates a Queue.
func New(cfg Config, acquirer Acquirer, catalog Catalog, guard SpaceChecker) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.RecheckThreshold <= 0 || cfg.RecheckThreshold >= 1 {
		cfg.RecheckThreshold = DefaultRecheckThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:        cfg,
		acquirer:   acquirer,
		catalog:    catalog,
		guard:      guard,
		logger:     cfg.Logger.With("component", "download"),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		baseCtx:    ctx,
		baseCancel: cancel,
		jobs:       make(map[string]*Job),
		errs:       make(map[string]error),
	}
}

// Start begins downloading id and returns immediately.
//
// # Description
//
// Start is rejected, with no state change, if id is already downloading,
// already local, or every slot is taken. Before any network call the
// estimated size is checked against free space; an insufficient result
// is recorded as the model's error and returned as a
// modelerr.KindDiskSpaceInsufficient error. A failure to query the volume
// is logged and does not block the download.
//
// # Outputs
//
//   - *Job: The running job. Wait on Done() for completion.
//   - error: ErrAlreadyDownloading, ErrAlreadyLocal, ErrQueueFull,
//     ErrClosed, or a *modelerr.Error for insufficient disk space.
func (q *Queue) Start(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		recordRejection("closed")
		return nil, ErrClosed
	}
	if _, ok := q.jobs[id]; ok {
		q.logger.Info("download rejected, already in progress", "model", id)
		recordRejection("already_downloading")
		return nil, ErrAlreadyDownloading
	}
	if q.catalog.IsLocal(id) {
		q.logger.Info("download rejected, already local", "model", id)
		recordRejection("already_local")
		return nil, ErrAlreadyLocal
	}
	if !q.sem.TryAcquire(1) {
		q.logger.Info("download rejected, queue full", "model", id, "max", q.cfg.MaxConcurrent)
		recordRejection("queue_full")
		return nil, ErrQueueFull
	}

	required := q.catalog.EstimatedSize(id)
	res, err := q.guard.Check(required)
	switch {
	case err != nil:
		q.logger.Warn("disk space check failed, proceeding", "model", id, "error", err)
	case !res.Sufficient:
		q.sem.Release(1)
		diskErr := res.Err(id)
		q.errs[id] = diskErr
		q.logger.Warn("download rejected, insufficient disk space",
			"model", id,
			"available", util.FormatBytes(res.Available),
			"required", util.FormatBytes(res.Required),
		)
		recordRejection("disk_space")
		return nil, diskErr
	}

	ctx, cancel := context.WithCancelCause(q.baseCtx)
	job := &Job{
		ID:        id,
		RunID:     uuid.NewString(),
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		throttle:  rate.Sometimes{Interval: q.cfg.ProgressInterval},
	}
	q.jobs[id] = job
	delete(q.errs, id)
	q.catalog.MarkPending(id)
	activeJobs.Inc()

	q.wg.Add(1)
	go q.work(ctx, job, required)

	q.logger.Info("download started", "model", id, "job", job.RunID, "estimated", util.FormatBytes(required))
	return job, nil
}

// Cancel stops id's job cooperatively. It reports whether a running job
// was signalled; repeated and unknown cancels return false.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	return job.abort(modelerr.Cancelled(id))
}

// Job returns id's running job.
func (q *Queue) Job(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	return job, ok
}

// Active returns the status of every running job, ordered by id.
func (q *Queue) Active() []JobStatus {
	q.mu.Lock()
	jobs := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, job)
	}
	q.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LastError returns the error recorded for id's most recent failed job.
func (q *Queue) LastError(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.errs[id]
}

// ClearError forgets id's recorded error.
func (q *Queue) ClearError(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.errs, id)
}

// Errors returns every recorded per-model error.
func (q *Queue) Errors() map[string]error {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]error, len(q.errs))
	for id, err := range q.errs {
		out[id] = err
	}
	return out
}

// Wait blocks until every running job has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close rejects new jobs, cancels running ones and waits for them.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	for id, job := range q.jobs {
		job.abort(modelerr.Cancelled(id))
	}
	q.mu.Unlock()
	q.wg.Wait()
	q.baseCancel()
}

// -----------------------------------------------------------------------------
// Worker
// -----------------------------------------------------------------------------

func (q *Queue) work(ctx context.Context, job *Job, required int64) {
	var outcome error
	defer func() { q.finish(job, outcome) }()
	defer util.RecoverPanic(func(r util.SafeGoResult) {
		q.logger.Error("download worker panicked", "model", job.ID, "panic", r.PanicValue, "stack", r.Stack)
		outcome = modelerr.AcquisitionFailed(job.ID, r.Err())
	})()

	path, err := q.acquirer.Download(ctx, job.ID, q.cfg.Repo, func(fraction float64) {
		q.onProgress(job, required, fraction)
	})

	if ctx.Err() != nil {
		outcome = context.Cause(ctx)
		return
	}
	if err != nil {
		outcome = modelerr.AcquisitionFailed(job.ID, err)
		return
	}

	size, err := q.catalog.RecordMeasuredSize(ctx, job.ID)
	if err != nil {
		q.logger.Warn("could not measure downloaded model", "model", job.ID, "path", path, "error", err)
	} else {
		measuredBytes.Observe(float64(size))
	}
	q.catalog.MarkLocal(job.ID)
	job.setPath(path, size)
}

func (q *Queue) onProgress(job *Job, required int64, fraction float64) {
	value := job.setProgress(fraction)
	job.throttle.Do(func() {
		q.notify(Event{Kind: EventProgress, ID: job.ID, Progress: value})
	})

	if value < q.cfg.RecheckThreshold || value >= 1 || !job.recheckDue(q.cfg.ProgressInterval) {
		return
	}
	res, err := q.guard.CheckRemaining(required, value)
	if err != nil || res.Sufficient {
		return
	}
	q.logger.Warn("aborting download, disk space ran out",
		"model", job.ID,
		"progress", value,
		"available", util.FormatBytes(res.Available),
		"remaining", util.FormatBytes(res.Required),
	)
	job.abort(res.Err(job.ID))
}

// removePartial deletes a failed download's directory. Only a direct child
// of the model root is ever removed.
func (q *Queue) removePartial(id string) {
	path := q.catalog.ModelPath(id)
	root := filepath.Clean(q.catalog.ModelRoot())
	if filepath.Dir(path) != root || path == root {
		q.logger.Warn("not removing partial download outside the model root", "model", id, "path", path)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		q.logger.Warn("failed to remove partial download", "model", id, "error", err)
	}
}

// finish is the only place a job's slot is released.
func (q *Queue) finish(job *Job, outcome error) {
	id := job.ID
	if outcome != nil {
		q.removePartial(id)
	}

	q.mu.Lock()
	delete(q.jobs, id)
	if outcome != nil && !modelerr.IsCancelled(outcome) {
		q.errs[id] = outcome
	}
	q.catalog.ClearPending(id)
	q.sem.Release(1)
	q.mu.Unlock()
	activeJobs.Dec()

	job.complete(outcome)

	ev := Event{ID: id, Err: outcome, Path: job.path, Bytes: job.bytes}
	label := "completed"
	switch kind, _ := modelerr.KindOf(outcome); {
	case outcome == nil:
		ev.Kind = EventCompleted
		ev.Progress = 1
		q.logger.Info("download completed", "model", id, "size", util.FormatBytes(job.bytes))
	case kind == modelerr.KindCancelled:
		ev.Kind = EventCancelled
		label = "cancelled"
		q.logger.Info("download cancelled", "model", id)
	default:
		ev.Kind = EventFailed
		label = "failed"
		if kind == modelerr.KindDiskSpaceInsufficient {
			label = "disk_abort"
		}
		q.logger.Error("download failed", "model", id, "error", outcome)
	}
	recordFinished(label, time.Since(job.startedAt).Seconds())
	q.notify(ev)
	q.wg.Done()
}

func (q *Queue) notify(ev Event) {
	if q.cfg.Notify != nil {
		q.cfg.Notify(ev)
	}
}

// -----------------------------------------------------------------------------
// Job
// -----------------------------------------------------------------------------

// Job is one running download.
type Job struct {
	ID    string
	RunID string

	startedAt time.Time
	cancel    context.CancelCauseFunc
	done      chan struct{}
	throttle  rate.Sometimes

	mu          sync.Mutex
	started     bool
	progress    float64
	updatedAt   time.Time
	lastRecheck time.Time
	aborted     bool
	err         error
	path        string
	bytes       int64
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	ID string `json:"id"`

	// Progress is nil until the first progress report.
	Progress  *float64  `json:"progress"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Done is closed when the job has fully finished and its slot is free.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the job's outcome after Done is closed. Nil means success.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Path returns the local artifact path after a successful download.
func (j *Job) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Status returns the job's current status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := JobStatus{ID: j.ID, UpdatedAt: j.updatedAt}
	if j.started {
		p := j.progress
		st.Progress = &p
	}
	return st
}

// setProgress records a report, keeping progress monotonic, and returns
// the stored value.
func (j *Job) setProgress(fraction float64) float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if fraction > 1 {
		fraction = 1
	}
	if !j.started || fraction > j.progress {
		j.progress = fraction
	}
	if j.progress < 0 {
		j.progress = 0
	}
	j.started = true
	j.updatedAt = time.Now()
	return j.progress
}

// recheckDue reports whether a disk recheck should run now: on the first
// report past the threshold, then at most once per interval.
func (j *Job) recheckDue(interval time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	if !j.lastRecheck.IsZero() && now.Sub(j.lastRecheck) < interval {
		return false
	}
	j.lastRecheck = now
	return true
}

func (j *Job) setPath(path string, bytes int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.path = path
	j.bytes = bytes
}

// abort cancels the job with cause. Only the first abort takes effect.
func (j *Job) abort(cause error) bool {
	j.mu.Lock()
	if j.aborted {
		j.mu.Unlock()
		return false
	}
	j.aborted = true
	j.mu.Unlock()
	j.cancel(cause)
	return true
}

func (j *Job) complete(outcome error) {
	j.mu.Lock()
	j.err = outcome
	j.mu.Unlock()
	close(j.done)
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// EventKind classifies queue events.
type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event reports job progress or completion.
type Event struct {
	Kind     EventKind
	ID       string
	Progress float64
	Path     string
	Bytes    int64
	Err      error
}
