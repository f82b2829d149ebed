package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"editais/ingest-service/internal/metrics"
	"editais/ingest-service/internal/model"
)

// State is the orchestrator phase of a single run.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateMerging  State = "merging"
)

// Run outcomes, used as metric labels.
const (
	OutcomeSuccess      = "success"
	OutcomeEmpty        = "empty"
	OutcomeStorageError = "storage_error"
)

const recordTimeout = 5 * time.Second

// Fetcher returns the raw registry items published within a window. It must
// not fail: transport problems yield an empty slice.
type Fetcher interface {
	Fetch(ctx context.Context, w model.Window) []model.RawNotice
}

// Merger upserts a batch of notices atomically.
type Merger interface {
	UpsertBatch(ctx context.Context, notices []model.Notice) (model.MergeStats, error)
}

// RunRecorder persists the outcome of a run for operational visibility.
type RunRecorder interface {
	Record(ctx context.Context, res model.RunResult) error
}

// Worker runs the full ingestion cycle: fetch → normalize → merge.
//
// It holds no per-run state and is safe to invoke concurrently; repeated or
// overlapping runs converge because the merge is an upsert by natural key.
type Worker struct {
	fetcher      Fetcher
	merger       Merger
	recorder     RunRecorder
	metrics      *metrics.Metrics
	storeTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// NewWorker constructs a Worker. recorder and m may be nil.
func NewWorker(fetcher Fetcher, merger Merger, recorder RunRecorder, m *metrics.Metrics, storeTimeout time.Duration) *Worker {
	if storeTimeout <= 0 {
		storeTimeout = 30 * time.Second
	}
	return &Worker{
		fetcher:      fetcher,
		merger:       merger,
		recorder:     recorder,
		metrics:      m,
		storeTimeout: storeTimeout,
		now:          time.Now,
		log:          slog.With("component", "worker"),
	}
}

// WithClock replaces the clock used for run timestamps and RunDaily windows.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// RunDaily runs one cycle over the default [yesterday, today] window.
func (w *Worker) RunDaily(ctx context.Context, trigger model.Trigger) (model.RunResult, error) {
	return w.Run(ctx, trigger, model.DailyWindow(w.now()))
}

// Run executes one cycle over window and reports the number of notices
// processed. Fetch failures have already degraded to an empty batch by the
// time they reach here; only a merge failure is returned as an error, in
// which case nothing from the batch was committed and Processed is 0.
func (w *Worker) Run(ctx context.Context, trigger model.Trigger, window model.Window) (model.RunResult, error) {
	res := model.RunResult{
		RunID:      uuid.NewString(),
		Trigger:    trigger,
		WindowFrom: window.Start.Format(model.DateLayout),
		WindowTo:   window.End.Format(model.DateLayout),
		StartedAt:  w.now(),
	}
	log := w.log.With("runId", res.RunID, "trigger", string(trigger), "window", window.String())

	log.Debug("state change", "state", StateFetching)
	raws := w.fetcher.Fetch(ctx, window)
	res.Fetched = len(raws)

	if len(raws) == 0 {
		log.Debug("state change", "state", StateIdle, "reason", "nothing fetched")
		w.finish(ctx, log, &res, OutcomeEmpty)
		return res, nil
	}

	notices := make([]model.Notice, 0, len(raws))
	for _, raw := range raws {
		notices = append(notices, Normalize(raw, window.Start))
	}

	log.Debug("state change", "state", StateMerging, "notices", len(notices))
	mctx, cancel := context.WithTimeout(ctx, w.storeTimeout)
	stats, err := w.merger.UpsertBatch(mctx, notices)
	cancel()
	if err != nil {
		res.Error = err.Error()
		w.finish(ctx, log, &res, OutcomeStorageError)
		return res, fmt.Errorf("merge: %w", err)
	}

	res.Processed = stats.Processed
	res.Inserted = stats.Inserted
	res.Updated = stats.Updated
	w.finish(ctx, log, &res, OutcomeSuccess)
	return res, nil
}

func (w *Worker) finish(ctx context.Context, log *slog.Logger, res *model.RunResult, outcome string) {
	res.FinishedAt = w.now()
	elapsed := res.FinishedAt.Sub(res.StartedAt)

	w.metrics.ObserveRun(string(res.Trigger), outcome, res.Processed, elapsed)
	w.metrics.Merged(res.Inserted, res.Updated)

	if outcome == OutcomeStorageError {
		log.Error("ingestion run failed", "fetched", res.Fetched, "processed", 0, "err", res.Error)
	} else {
		log.Info("ingestion run finished",
			"at", res.FinishedAt.Format(time.RFC3339),
			"fetched", res.Fetched, "processed", res.Processed,
			"inserted", res.Inserted, "updated", res.Updated,
			"elapsed", elapsed.Round(time.Millisecond).String())
	}

	if w.recorder == nil {
		return
	}
	// The caller's context may already be cancelled; the record is best effort.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := w.recorder.Record(rctx, *res); err != nil {
		log.Warn("record run status failed", "err", err)
	}
}
