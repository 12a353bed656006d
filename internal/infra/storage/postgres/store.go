// Package postgres is the PostgreSQL store behind the reference backend. It
// implements the same scan, result and report contracts the engine consumes,
// reporting failures as *shared.RemoteError so the HTTP layer can pass them
// through unchanged, plus the claim and advance operations the job runner
// drives scans and reports with.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/pkg/common/timeutil"
)

var (
	_ scanning.ScanClient    = (*Store)(nil)
	_ findings.ResultsClient = (*Store)(nil)
	_ reports.ReportClient   = (*Store)(nil)
)

// CountCap bounds how many matching rows a result query counts exactly.
// Larger sets report CountCap with TotalRows.Approximate set.
const CountCap = 10000

// Store persists scans, findings and reports.
type Store struct {
	pool            *pgxpool.Pool
	clock           timeutil.Provider
	newID           func() string
	artifactBaseURL string

	tracer trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source stamped on rows.
func WithClock(c timeutil.Provider) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator replaces uuid based ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithArtifactBaseURL sets the prefix of ready report URLs. Artifacts are
// served under <base>/v1/artifacts/<name>.
func WithArtifactBaseURL(base string) Option {
	return func(s *Store) { s.artifactBaseURL = base }
}

// NewStore creates a Store on pool.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		clock:  timeutil.Default(),
		newID:  uuid.NewString,
		tracer: tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cerr)
		}
	}()
	return fn(tx)
}

func notFound(kind, id string) error {
	return shared.NewRemoteError(http.StatusNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

func conflict(format string, args ...any) error {
	return shared.NewRemoteError(http.StatusConflict, fmt.Sprintf(format, args...))
}

func fieldError(field, msg string) error {
	return &shared.RemoteError{
		StatusCode:  http.StatusBadRequest,
		Message:     "invalid request",
		FieldErrors: map[string]string{field: msg},
	}
}

// scanExists reports a 404 for an unknown scan.
func scanExists(ctx context.Context, q querier, scanID string) error {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM scans WHERE scan_id = $1`, scanID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("scan", scanID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up scan (scan_id: %s): %w", scanID, err)
	}
	return nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
