// Package batch implements the bounded-concurrency batch runner: candidate
// classification, a striped worker pool over the valid subset, and aggregate
// progress and results for one run session.
package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/neolens/backend/internal/models"
)

// Runner owns one run session. All shared state is guarded by mu; workers
// only touch it through transition and record.
type Runner struct {
	analyzer Analyzer
	log      *zap.Logger

	mu        sync.Mutex
	files     []*models.CandidateFile
	total     int
	done      int
	successes []models.SuccessRecord
	errors    []models.ErrorRecord
	running   bool
	epoch     uint64
	cancel    context.CancelFunc

	subscribers map[int]chan Event
	nextSubID   int
}

// NewRunner creates a runner that analyses files with analyzer.
func NewRunner(analyzer Analyzer, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		analyzer:    analyzer,
		log:         log,
		subscribers: make(map[int]chan Event),
	}
}

// Select replaces the candidate set and clears counters and results.
// No processing starts.
func (r *Runner) Select(handles []models.FileHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrRunInProgress
	}

	r.epoch++
	r.files = Classify(handles)
	r.total = 0
	for _, f := range r.files {
		if f.Valid {
			r.total++
		}
	}
	r.done = 0
	r.successes = nil
	r.errors = nil

	r.log.Debug("files selected",
		zap.Int("selected", len(r.files)),
		zap.Int("valid", r.total),
		zap.Uint64("epoch", r.epoch))
	r.publish(r.sessionEvent(EventSelected))
	return nil
}

// Process runs the valid subset through the worker pool and blocks until
// every worker has exhausted its stripe.
func (r *Runner) Process(ctx context.Context, maxConcurrent int) error {
	wait, err := r.Start(ctx, maxConcurrent)
	if err != nil {
		return err
	}
	return <-wait
}

// Start launches a run in the background. The returned channel yields the
// run's result exactly once: nil on completion, ErrRunCanceled when the run
// was abandoned, or the context error when ctx ended first.
func (r *Runner) Start(ctx context.Context, maxConcurrent int) (<-chan error, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrRunInProgress
	}

	var queue []*models.CandidateFile
	for _, f := range r.files {
		if f.Valid {
			queue = append(queue, f)
		}
	}

	result := make(chan error, 1)
	if len(queue) == 0 {
		r.mu.Unlock()
		result <- nil
		return result, nil
	}

	r.epoch++
	epoch := r.epoch
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.total = len(queue)
	r.done = 0
	r.successes = nil
	r.errors = nil
	for _, f := range queue {
		f.Status = models.FileStatusQueued
	}
	stripes := Stripe(len(queue), maxConcurrent)

	r.log.Info("batch run started",
		zap.Uint64("epoch", epoch),
		zap.Int("total", len(queue)),
		zap.Int("workers", len(stripes)))
	r.publish(r.sessionEvent(EventStarted))
	r.mu.Unlock()

	go func() {
		defer cancel()
		result <- r.run(runCtx, ctx, epoch, queue, stripes)
	}()
	return result, nil
}

func (r *Runner) run(runCtx, parent context.Context, epoch uint64, queue []*models.CandidateFile, stripes [][]int) error {
	g, gctx := errgroup.WithContext(runCtx)
	for w, indices := range stripes {
		w, indices := w, indices // per-iteration copy (Go <1.22 loop semantics)
		g.Go(func() error {
			for _, idx := range indices {
				if gctx.Err() != nil {
					return nil
				}
				r.runOne(gctx, epoch, w, idx, queue[idx])
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.epoch != epoch {
		r.log.Info("batch run abandoned", zap.Uint64("epoch", epoch))
		return ErrRunCanceled
	}

	r.running = false
	r.cancel = nil
	if err := parent.Err(); err != nil {
		for _, f := range queue {
			if f.Status == models.FileStatusProcessing {
				f.Status = models.FileStatusQueued
			}
		}
		r.log.Warn("batch run interrupted",
			zap.Uint64("epoch", epoch),
			zap.Int("done", r.done),
			zap.Int("total", r.total),
			zap.Error(err))
		r.publish(r.sessionEvent(EventCompleted))
		return fmt.Errorf("batch run interrupted: %w", err)
	}

	r.log.Info("batch run complete",
		zap.Uint64("epoch", epoch),
		zap.Int("succeeded", len(r.successes)),
		zap.Int("failed", len(r.errors)))
	r.publish(r.sessionEvent(EventCompleted))
	return nil
}

// runOne processes a single file on behalf of worker w.
func (r *Runner) runOne(ctx context.Context, epoch uint64, w, idx int, file *models.CandidateFile) {
	snapshot, ok := r.transition(epoch, w, idx, file)
	if !ok {
		return
	}

	outcome, err := r.analyze(ctx, snapshot)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		outcome = Outcome{Failed: true, Error: err.Error()}
	}

	r.record(epoch, w, idx, file, outcome)
}

// analyze shields the pool from a panicking analyzer.
func (r *Runner) analyze(ctx context.Context, file models.CandidateFile) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("analyzer panicked", zap.String("file", file.Name), zap.Any("panic", rec))
			err = fmt.Errorf("analysis panicked: %v", rec)
		}
	}()
	return r.analyzer.Analyze(ctx, file)
}

// transition marks file as processing if epoch is still current.
func (r *Runner) transition(epoch uint64, w, idx int, file *models.CandidateFile) (models.CandidateFile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.epoch != epoch {
		return models.CandidateFile{}, false
	}
	file.Status = models.FileStatusProcessing
	r.publish(Event{
		Kind:     EventFileStart,
		Epoch:    epoch,
		File:     file.Name,
		Index:    idx,
		Worker:   w,
		Status:   file.Status,
		Progress: r.progressLocked(),
	})
	return *file, true
}

// record applies an outcome. Results from an abandoned epoch are discarded.
func (r *Runner) record(epoch uint64, w, idx int, file *models.CandidateFile, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.epoch != epoch {
		r.log.Debug("discarding stale result",
			zap.String("file", file.Name),
			zap.Uint64("epoch", epoch),
			zap.Uint64("current", r.epoch))
		return
	}

	if outcome.Failed {
		file.Status = models.FileStatusError
		r.errors = append(r.errors, models.ErrorRecord{File: file.Name, Error: outcome.Error})
	} else {
		file.Status = models.FileStatusDone
		findings := outcome.Findings
		if findings == nil {
			findings = []models.Finding{}
		}
		r.successes = append(r.successes, models.SuccessRecord{
			File:     file.Name,
			Status:   models.SuccessStatus,
			Findings: findings,
		})
	}
	if r.done < r.total {
		r.done++
	}

	r.publish(Event{
		Kind:     EventFileDone,
		Epoch:    epoch,
		File:     file.Name,
		Index:    idx,
		Worker:   w,
		Status:   file.Status,
		Progress: r.progressLocked(),
	})
}

// Cancel abandons the current run and resets the session. In-flight tasks
// are signalled but not awaited; whatever they produce afterwards is dropped.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.epoch++
	r.running = false
	r.files = nil
	r.total = 0
	r.done = 0
	r.successes = nil
	r.errors = nil

	r.log.Debug("session reset", zap.Uint64("epoch", r.epoch))
	r.publish(r.sessionEvent(EventReset))
}

// Running reports whether a run is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Progress returns the aggregate progress.
func (r *Runner) Progress() models.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressLocked()
}

func (r *Runner) progressLocked() models.Progress {
	return models.Progress{
		Done:    r.done,
		Total:   r.total,
		Percent: Percent(r.done, r.total),
		Running: r.running,
		Epoch:   r.epoch,
	}
}

func (r *Runner) sessionEvent(kind EventKind) Event {
	return Event{Kind: kind, Epoch: r.epoch, Index: -1, Worker: -1, Progress: r.progressLocked()}
}

// Percent returns round(100*done/total), or 0 when total is 0.
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(done) / float64(total)))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Files returns a copy of the candidate set in selection order.
func (r *Runner) Files() []models.CandidateFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	files := make([]models.CandidateFile, 0, len(r.files))
	for _, f := range r.files {
		files = append(files, *f)
	}
	return files
}

// Results returns copies of the success and error sequences in completion order.
func (r *Runner) Results() models.ResultsDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resultsLocked()
}

func (r *Runner) resultsLocked() models.ResultsDocument {
	doc := models.ResultsDocument{
		Results: make([]models.SuccessRecord, len(r.successes)),
		Errors:  make([]models.ErrorRecord, len(r.errors)),
	}
	copy(doc.Results, r.successes)
	copy(doc.Errors, r.errors)
	return doc
}

// HasResults reports whether the session produced any outcome.
func (r *Runner) HasResults() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes) > 0 || len(r.errors) > 0
}

// Snapshot is a consistent view of files, progress and results.
type Snapshot struct {
	Files    []models.CandidateFile
	Progress models.Progress
	Results  models.ResultsDocument
}

// Snapshot returns files, progress and results taken under one lock.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	files := make([]models.CandidateFile, 0, len(r.files))
	for _, f := range r.files {
		files = append(files, *f)
	}
	return Snapshot{
		Files:    files,
		Progress: r.progressLocked(),
		Results:  r.resultsLocked(),
	}
}

// ExportResults returns the results document as indented JSON. With nothing
// produced yet it yields the empty document.
func (r *Runner) ExportResults() ([]byte, error) {
	return EncodeJSON(r.Results())
}

// ExportMsgpack returns the results document as MessagePack.
func (r *Runner) ExportMsgpack() ([]byte, error) {
	return EncodeMsgpack(r.Results())
}
