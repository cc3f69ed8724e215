// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/cxrtriage/internal/triage/pgstore")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending schema migrations.
func Migrate(databaseURL string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Store persists studies and the audit trail in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store on an existing pool. The caller owns the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// inFlightIndex enforces one pending or processing study per fingerprint.
const inFlightIndex = "studies_fingerprint_inflight_idx"

const studyColumns = `id, fingerprint, status, original_filename, accession_number, patient_id,
	analysis, error, created_at, completed_at, duration_s`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves a study by ID.
//
//nolint:dupl // similar structure to GetByFingerprint is intentional
func (s *Store) Get(ctx context.Context, id string) (*triage.Study, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + studyColumns + ` FROM studies WHERE id = $1`
	st, err := scanStudy(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if st == nil {
		return nil, false, nil
	}
	return st, true, nil
}

// GetByFingerprint retrieves the most recent study for an image fingerprint.
//
//nolint:dupl // similar structure to Get is intentional
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*triage.Study, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByFingerprint", "SELECT")
	defer span.End()

	query := `SELECT ` + studyColumns + ` FROM studies WHERE fingerprint = $1 ORDER BY created_at DESC LIMIT 1`
	st, err := scanStudy(s.pool.QueryRow(ctx, query, fingerprint))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if st == nil {
		return nil, false, nil
	}
	return st, true, nil
}

// Put inserts or updates a study. A second in-flight study for the same
// fingerprint is rejected with triage.ErrInFlight.
func (s *Store) Put(ctx context.Context, st *triage.Study) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := upsertStudy(ctx, tx, st); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == inFlightIndex {
			return fail(span, triage.ErrInFlight)
		}
		return fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// List returns studies in worklist order.
func (s *Store) List(ctx context.Context, f triage.ListFilter) ([]*triage.Study, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	query := `SELECT ` + studyColumns + ` FROM studies
		WHERE ($1 = '' OR triage_level = $1) AND ($2 = '' OR status = $2)
		ORDER BY CASE triage_level WHEN 'URGENT' THEN 0 WHEN 'ROUTINE' THEN 1 WHEN 'NORMAL' THEN 2 ELSE 3 END,
			created_at DESC, id DESC
		LIMIT $3 OFFSET $4`

	offset := max(f.Offset, 0)
	rows, err := s.pool.Query(ctx, query, string(f.Level), string(f.Status), triage.EffectiveLimit(f.Limit), offset)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query studies: %w", err))
	}
	defer rows.Close()

	out := make([]*triage.Study, 0)
	for rows.Next() {
		st, err := scanStudy(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate studies: %w", err))
	}
	return out, nil
}

// AppendAudit inserts one audit entry.
func (s *Store) AppendAudit(ctx context.Context, e *triage.AuditEntry) error {
	ctx, span := startSpan(ctx, "pgstore.AppendAudit", "INSERT")
	defer span.End()

	var details []byte
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fail(span, fmt.Errorf("marshal audit details: %w", err))
		}
		details = b
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, study_id, action, actor, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.StudyID, e.Action, e.Actor, details, e.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert audit %s: %w", e.Action, err))
	}
	return nil
}

// ListAudit returns matching entries, newest first.
func (s *Store) ListAudit(ctx context.Context, f triage.AuditFilter) ([]*triage.AuditEntry, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAudit", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, study_id, action, actor, details, created_at FROM audit_log
		 WHERE ($1 = '' OR study_id = $1) AND ($2 = '' OR action = $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		f.StudyID, f.Action, triage.EffectiveLimit(f.Limit),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query audit: %w", err))
	}
	defer rows.Close()

	out := make([]*triage.AuditEntry, 0)
	for rows.Next() {
		var (
			e       triage.AuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.StudyID, &e.Action, &e.Actor, &details, &e.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan audit: %w", err))
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fail(span, fmt.Errorf("unmarshal audit details %s: %w", e.ID, err))
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate audit: %w", err))
	}
	return out, nil
}

// PutReview inserts one QA review.
func (s *Store) PutReview(ctx context.Context, r *triage.QAReview) error {
	ctx, span := startSpan(ctx, "pgstore.PutReview", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO qa_reviews (id, study_id, review_type, finding_name, reviewer, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.StudyID, string(r.ReviewType), r.FindingName, r.Reviewer, r.Notes, r.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert review: %w", err))
	}
	return nil
}

// ListReviews returns a study's reviews, oldest first.
func (s *Store) ListReviews(ctx context.Context, studyID string) ([]*triage.QAReview, error) {
	ctx, span := startSpan(ctx, "pgstore.ListReviews", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, study_id, review_type, finding_name, reviewer, notes, created_at FROM qa_reviews
		 WHERE study_id = $1 ORDER BY created_at, id`, studyID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query reviews: %w", err))
	}
	defer rows.Close()

	out := make([]*triage.QAReview, 0)
	for rows.Next() {
		var (
			r          triage.QAReview
			reviewType string
		)
		if err := rows.Scan(&r.ID, &r.StudyID, &reviewType, &r.FindingName, &r.Reviewer, &r.Notes, &r.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan review: %w", err))
		}
		r.ReviewType = triage.ReviewType(reviewType)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate reviews: %w", err))
	}
	return out, nil
}

// StudyStats returns dashboard rows for studies created at or after since.
func (s *Store) StudyStats(ctx context.Context, since time.Time) ([]triage.StudyStat, error) {
	ctx, span := startSpan(ctx, "pgstore.StudyStats", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT triage_level, status, created_at, duration_s FROM studies WHERE created_at >= $1`, since)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query study stats: %w", err))
	}
	defer rows.Close()

	out := make([]triage.StudyStat, 0)
	for rows.Next() {
		var level, status string
		var st triage.StudyStat
		if err := rows.Scan(&level, &status, &st.CreatedAt, &st.Duration); err != nil {
			return nil, fail(span, fmt.Errorf("scan study stat: %w", err))
		}
		st.Level = triage.Level(level)
		st.Status = triage.StudyStatus(status)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate study stats: %w", err))
	}
	return out, nil
}

// CountByLevel counts analyzed studies per triage level.
func (s *Store) CountByLevel(ctx context.Context) (map[triage.Level]int, error) {
	ctx, span := startSpan(ctx, "pgstore.CountByLevel", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT triage_level, count(*) FROM studies WHERE triage_level <> '' GROUP BY triage_level`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("count by level: %w", err))
	}
	defer rows.Close()

	out := make(map[triage.Level]int)
	for rows.Next() {
		var (
			level string
			n     int
		)
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fail(span, fmt.Errorf("scan level count: %w", err))
		}
		out[triage.Level(level)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate level counts: %w", err))
	}
	return out, nil
}

func upsertStudy(ctx context.Context, tx pgx.Tx, st *triage.Study) error {
	var analysisJSON []byte
	if st.Analysis != nil {
		b, err := json.Marshal(st.Analysis)
		if err != nil {
			return fmt.Errorf("marshal analysis: %w", err)
		}
		analysisJSON = b
	}

	var completedAt *time.Time
	if !st.CompletedAt.IsZero() {
		completedAt = &st.CompletedAt
	}

	query := `INSERT INTO studies (
		id, fingerprint, status, original_filename, accession_number, patient_id,
		triage_level, analysis, error, created_at, completed_at, duration_s
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (id) DO UPDATE SET
		fingerprint       = EXCLUDED.fingerprint,
		status            = EXCLUDED.status,
		original_filename = EXCLUDED.original_filename,
		accession_number  = EXCLUDED.accession_number,
		patient_id        = EXCLUDED.patient_id,
		triage_level      = EXCLUDED.triage_level,
		analysis          = EXCLUDED.analysis,
		error             = EXCLUDED.error,
		completed_at      = EXCLUDED.completed_at,
		duration_s        = EXCLUDED.duration_s`

	_, err := tx.Exec(ctx, query,
		st.ID, st.Fingerprint, string(st.Status), st.OriginalFilename, st.AccessionNumber, st.PatientID,
		string(st.TriageLevel()), analysisJSON, st.Error, st.CreatedAt, completedAt, st.Duration,
	)
	if err != nil {
		return fmt.Errorf("upsert study: %w", err)
	}
	return nil
}

// scanStudy scans a single row into a triage.Study.
// Returns (nil, nil) when no row is found.
func scanStudy(row pgx.Row) (*triage.Study, error) {
	var (
		st           triage.Study
		status       string
		analysisJSON []byte
		completedAt  *time.Time
	)

	err := row.Scan(
		&st.ID, &st.Fingerprint, &status, &st.OriginalFilename, &st.AccessionNumber, &st.PatientID,
		&analysisJSON, &st.Error, &st.CreatedAt, &completedAt, &st.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	st.Status = triage.StudyStatus(status)
	if completedAt != nil {
		st.CompletedAt = *completedAt
	}
	if len(analysisJSON) > 0 {
		var a triage.Analysis
		if err := json.Unmarshal(analysisJSON, &a); err != nil {
			return nil, fmt.Errorf("unmarshal analysis: %w", err)
		}
		st.Analysis = &a
	}
	return &st, nil
}
