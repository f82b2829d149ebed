// Package runstatus keeps the outcome of the latest ingestion run in Redis
// and announces each run on a pub/sub channel.
package runstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"editais/ingest-service/internal/model"
)

const (
	// LastRunKey holds the JSON-encoded model.RunResult of the latest run.
	LastRunKey = "editais:ingest:last_run"
	// EventChannel receives the same payload after every run.
	EventChannel = "EVENT_NOTICES_INGESTED"
)

// Client is the subset of *redis.Client the Recorder uses.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Recorder stores and reads run results.
type Recorder struct {
	rdb Client
}

// New returns a Recorder backed by rdb.
func New(rdb Client) *Recorder {
	return &Recorder{rdb: rdb}
}

// Record overwrites the last-run key and publishes the run. A publish failure
// is logged only; subscribers are optional.
func (r *Recorder) Record(ctx context.Context, res model.RunResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	if err := r.rdb.Set(ctx, LastRunKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", LastRunKey, err)
	}
	if err := r.rdb.Publish(ctx, EventChannel, payload).Err(); err != nil {
		slog.Warn("publish "+EventChannel+" failed", "runId", res.RunID, "err", err)
	}
	return nil
}

// Last returns the latest recorded run, or nil when no run was recorded yet.
func (r *Recorder) Last(ctx context.Context) (*model.RunResult, error) {
	raw, err := r.rdb.Get(ctx, LastRunKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", LastRunKey, err)
	}

	var res model.RunResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode %s: %w", LastRunKey, err)
	}
	return &res, nil
}
