// Package notices persists and serves canonical procurement notices.
//
// Store performs the idempotent merge used by ingestion; Service answers
// read-only queries; Handler exposes both over HTTP.
package notices

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"editais/ingest-service/internal/model"
)

// ErrStorage wraps every failure that originates in the database.
var ErrStorage = errors.New("storage failure")

// ErrNotFound is returned when a notice id does not exist.
var ErrNotFound = errors.New("notice not found")

// TxBeginner is satisfied by *pgxpool.Pool and pgx.Tx.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store upserts notices keyed by merge_key.
type Store struct {
	db TxBeginner
}

// NewStore returns a Store backed by db.
func NewStore(db TxBeginner) *Store {
	return &Store{db: db}
}

// upsertSQL inserts a notice or refreshes the row that already holds its
// merge key. Parameters $10..$15 are NULL for fields the normalizer had to
// default, so a sentinel never overwrites a value stored by an earlier run.
// The optional value and description are NULL when absent and keep the stored
// value in that case. xmax = 0 only for freshly inserted tuples.
const upsertSQL = `
INSERT INTO notices (merge_key, title, issuing_body, region_code, modality, publication_date, source_link,
                     estimated_value, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (merge_key) DO UPDATE SET
    title            = COALESCE($10::text, notices.title),
    issuing_body     = COALESCE($11::text, notices.issuing_body),
    region_code      = COALESCE($12::text, notices.region_code),
    modality         = COALESCE($13::text, notices.modality),
    publication_date = COALESCE($14::date, notices.publication_date),
    source_link      = COALESCE($15::text, notices.source_link),
    estimated_value  = COALESCE(EXCLUDED.estimated_value, notices.estimated_value),
    description      = COALESCE(EXCLUDED.description, notices.description),
    updated_at       = NOW()
RETURNING id, (xmax = 0) AS inserted`

// UpsertBatch merges notices in a single transaction. Either every notice is
// visible afterwards or, on any storage error or context cancellation, none
// is. Processed always equals len(notices) on success; Inserted and Updated
// count distinct merge keys.
func (s *Store) UpsertBatch(ctx context.Context, notices []model.Notice) (model.MergeStats, error) {
	if len(notices) == 0 {
		return model.MergeStats{}, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return model.MergeStats{}, fmt.Errorf("%w: begin: %w", ErrStorage, err)
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	rows := orderForUpsert(notices)
	b := &pgx.Batch{}
	for _, n := range rows {
		b.Queue(upsertSQL, upsertArgs(n)...)
	}

	stats := model.MergeStats{Processed: len(notices)}
	br := tx.SendBatch(ctx, b)
	for _, n := range rows {
		var (
			id       int64
			inserted bool
		)
		if err := br.QueryRow().Scan(&id, &inserted); err != nil {
			_ = br.Close()
			return model.MergeStats{}, fmt.Errorf("%w: upsert %s: %w", ErrStorage, n.MergeKey, err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}
	if err := br.Close(); err != nil {
		return model.MergeStats{}, fmt.Errorf("%w: batch: %w", ErrStorage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.MergeStats{}, fmt.Errorf("%w: commit: %w", ErrStorage, err)
	}
	return stats, nil
}

// orderForUpsert collapses notices sharing a merge key and sorts the result
// by key. Row locks are then always taken in the same order, so concurrent
// batches over overlapping keys cannot deadlock.
func orderForUpsert(notices []model.Notice) []model.Notice {
	byKey := make(map[string]int, len(notices))
	out := make([]model.Notice, 0, len(notices))
	for _, n := range notices {
		if i, ok := byKey[n.MergeKey]; ok {
			out[i] = collapse(out[i], n)
			continue
		}
		byKey[n.MergeKey] = len(out)
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b model.Notice) int {
		return strings.Compare(a.MergeKey, b.MergeKey)
	})
	return out
}

// collapse applies later on top of earlier the way two consecutive upserts
// would: every upstream value in later wins, its defaults do not.
func collapse(earlier, later model.Notice) model.Notice {
	n := earlier
	take := func(f model.Field, dst *string, v string) {
		if !later.IsDefaulted(f) {
			*dst = v
			n.Defaulted &^= f
		}
	}
	take(model.FieldTitle, &n.Title, later.Title)
	take(model.FieldIssuingBody, &n.IssuingBody, later.IssuingBody)
	take(model.FieldRegionCode, &n.RegionCode, later.RegionCode)
	take(model.FieldModality, &n.Modality, later.Modality)
	take(model.FieldSourceLink, &n.SourceLink, later.SourceLink)
	if !later.IsDefaulted(model.FieldPublicationDate) {
		n.PublicationDate = later.PublicationDate
		n.Defaulted &^= model.FieldPublicationDate
	}
	if later.EstimatedValue != nil {
		n.EstimatedValue = later.EstimatedValue
	}
	if later.Description != "" {
		n.Description = later.Description
	}
	return n
}

func upsertArgs(n model.Notice) []any {
	return []any{
		n.MergeKey, n.Title, n.IssuingBody, n.RegionCode, n.Modality, n.PublicationDate, n.SourceLink,
		n.EstimatedValue, nullIfEmpty(n.Description),
		unlessDefaulted(n, model.FieldTitle, n.Title),
		unlessDefaulted(n, model.FieldIssuingBody, n.IssuingBody),
		unlessDefaulted(n, model.FieldRegionCode, n.RegionCode),
		unlessDefaulted(n, model.FieldModality, n.Modality),
		dateUnlessDefaulted(n),
		unlessDefaulted(n, model.FieldSourceLink, n.SourceLink),
	}
}

func unlessDefaulted(n model.Notice, f model.Field, v string) *string {
	if n.IsDefaulted(f) {
		return nil
	}
	return &v
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func dateUnlessDefaulted(n model.Notice) *time.Time {
	if n.IsDefaulted(model.FieldPublicationDate) {
		return nil
	}
	d := n.PublicationDate
	return &d
}
