package triage

import (
	"context"
	"time"
)

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 50

// ListFilter selects studies for the worklist. Zero values match everything.
type ListFilter struct {
	Level  Level
	Status StudyStatus
	Limit  int
	Offset int
}

// AuditFilter selects audit entries. Zero values match everything.
type AuditFilter struct {
	StudyID string
	Action  string
	Limit   int
}

// Store is the persistence interface for studies and the audit trail.
// Worklist order is URGENT, ROUTINE, NORMAL, then unprocessed studies, newest
// first within each group. Audit entries are returned newest first.
type Store interface {
	Get(ctx context.Context, id string) (*Study, bool, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*Study, bool, error)
	Put(ctx context.Context, study *Study) error
	List(ctx context.Context, filter ListFilter) ([]*Study, error)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)

	PutReview(ctx context.Context, review *QAReview) error
	// ListReviews returns a study's reviews, oldest first.
	ListReviews(ctx context.Context, studyID string) ([]*QAReview, error)

	// StudyStats returns one row per study created at or after since.
	StudyStats(ctx context.Context, since time.Time) ([]StudyStat, error)
	// CountByLevel counts analyzed studies per triage level over all time.
	CountByLevel(ctx context.Context) (map[Level]int, error)
}

// StudyStat is the part of a study the dashboard aggregates.
type StudyStat struct {
	Level     Level
	Status    StudyStatus
	CreatedAt time.Time
	Duration  float64
}

// LevelRank orders triage levels for the worklist; studies without an
// analysis sort last.
func LevelRank(l Level) int {
	switch l {
	case LevelUrgent:
		return 0
	case LevelRoutine:
		return 1
	case LevelNormal:
		return 2
	}
	return 3
}

// EffectiveLimit applies DefaultListLimit to non-positive limits.
func EffectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
