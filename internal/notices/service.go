package notices

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"editais/ingest-service/internal/model"
)

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Filter narrows List. Empty fields do not filter.
type Filter struct {
	Region        string // exact, case-sensitive match on region_code
	TitleContains string // case-insensitive substring of title
}

// Service answers read-only queries over stored notices.
type Service struct {
	db Querier
}

// NewService returns a Service backed by db.
func NewService(db Querier) *Service {
	return &Service{db: db}
}

const selectColumns = `SELECT id, title, issuing_body, region_code, modality, publication_date, source_link,
       estimated_value, description, updated_at
FROM notices`

// List returns stored notices matching f in id order.
func (s *Service) List(ctx context.Context, f Filter) ([]model.Notice, error) {
	query, args := buildListQuery(f)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list query: %w", ErrStorage, err)
	}
	defer rows.Close()

	out := make([]model.Notice, 0)
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list scan: %w", ErrStorage, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list rows: %w", ErrStorage, err)
	}
	return out, nil
}

// Get returns a single notice by its storage id.
func (s *Service) Get(ctx context.Context, id int64) (*model.Notice, error) {
	n, err := scanNotice(s.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %w", ErrStorage, err)
	}
	return &n, nil
}

// Stats counts stored notices overall and per region.
func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	rows, err := s.db.Query(ctx,
		`SELECT region_code, COUNT(*) FROM notices GROUP BY region_code ORDER BY region_code`)
	if err != nil {
		return model.Stats{}, fmt.Errorf("%w: stats query: %w", ErrStorage, err)
	}
	defer rows.Close()

	st := model.Stats{ByRegion: map[string]int{}}
	for rows.Next() {
		var (
			region string
			count  int
		)
		if err := rows.Scan(&region, &count); err != nil {
			return model.Stats{}, fmt.Errorf("%w: stats scan: %w", ErrStorage, err)
		}
		st.ByRegion[region] = count
		st.Total += count
	}
	if err := rows.Err(); err != nil {
		return model.Stats{}, fmt.Errorf("%w: stats rows: %w", ErrStorage, err)
	}
	return st, nil
}

// buildListQuery composes the WHERE clause for f. Both filters combine with AND.
func buildListQuery(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Region != "" {
		args = append(args, f.Region)
		conds = append(conds, "region_code = $"+strconv.Itoa(len(args)))
	}
	if f.TitleContains != "" {
		args = append(args, escapeLike(f.TitleContains))
		conds = append(conds, `title ILIKE '%' || $`+strconv.Itoa(len(args))+` || '%' ESCAPE '\'`)
	}

	query := selectColumns
	if len(conds) > 0 {
		query += "\nWHERE " + strings.Join(conds, " AND ")
	}
	return query + "\nORDER BY id", args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally inside a LIKE pattern.
func escapeLike(s string) string { return likeEscaper.Replace(s) }

func scanNotice(row pgx.Row) (model.Notice, error) {
	var (
		n    model.Notice
		desc *string
	)
	err := row.Scan(
		&n.ID, &n.Title, &n.IssuingBody, &n.RegionCode,
		&n.Modality, &n.PublicationDate, &n.SourceLink,
		&n.EstimatedValue, &desc, &n.UpdatedAt,
	)
	if desc != nil {
		n.Description = *desc
	}
	return n, err
}
