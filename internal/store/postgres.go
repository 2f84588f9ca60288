package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/valinor-ai/moderator/internal/moderation"
	"github.com/valinor-ai/moderator/internal/platform/database"
)

// PostgresStore persists results in the moderation_results table.
type PostgresStore struct {
	db  database.Querier
	now func() time.Time
}

func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Save(ctx context.Context, r moderation.Result) error {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return fmt.Errorf("saving result: invalid id %q: %w", r.ID, err)
	}
	categories := r.Categories
	if categories == nil {
		categories = []string{}
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO moderation_results
			(id, decision, confidence, categories, explanation, severity_score, service_used, model_used, content_type, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, string(r.Decision), r.Confidence, categories, r.Explanation, r.SeverityScore,
		r.ServiceUsed, r.ModelUsed, string(r.ContentType), r.ProcessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (moderation.Result, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return moderation.Result{}, ErrNotFound
	}

	var (
		r           moderation.Result
		rid         uuid.UUID
		decision    string
		contentType string
	)
	err = s.db.QueryRow(ctx,
		`SELECT id, decision, confidence, categories, explanation, severity_score, service_used, model_used, content_type, processed_at
		 FROM moderation_results WHERE id = $1`, uid,
	).Scan(&rid, &decision, &r.Confidence, &r.Categories, &r.Explanation, &r.SeverityScore,
		&r.ServiceUsed, &r.ModelUsed, &contentType, &r.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return moderation.Result{}, ErrNotFound
	}
	if err != nil {
		return moderation.Result{}, fmt.Errorf("querying result: %w", err)
	}

	r.ID = rid.String()
	r.Decision = moderation.Decision(decision)
	r.ContentType = moderation.ContentType(contentType)
	r.ProcessedAt = r.ProcessedAt.UTC()
	return r, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (moderation.Stats, error) {
	stats := moderation.NewStats()

	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE processed_at >= $1),
		        COALESCE(AVG(severity_score), 0)
		 FROM moderation_results`, startOfDay(s.now()),
	).Scan(&stats.Total, &stats.Today, &stats.AvgSeverity)
	if err != nil {
		return stats, fmt.Errorf("querying totals: %w", err)
	}

	if err := s.countInto(ctx, `SELECT decision, COUNT(*) FROM moderation_results GROUP BY decision`,
		func(k string, n int) { stats.ByDecision[moderation.Decision(k)] = n }); err != nil {
		return stats, fmt.Errorf("counting decisions: %w", err)
	}
	if err := s.countInto(ctx, `SELECT service_used, COUNT(*) FROM moderation_results GROUP BY service_used`,
		func(k string, n int) { stats.ByService[k] = n }); err != nil {
		return stats, fmt.Errorf("counting services: %w", err)
	}
	if err := s.countInto(ctx, `SELECT c, COUNT(*) FROM moderation_results, unnest(categories) AS c GROUP BY c`,
		func(k string, n int) { stats.ByCategory[k] = n }); err != nil {
		return stats, fmt.Errorf("counting categories: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) countInto(ctx context.Context, sql string, put func(string, int)) error {
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		put(key, n)
	}
	return rows.Err()
}
