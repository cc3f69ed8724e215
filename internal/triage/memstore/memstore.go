// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// Store holds studies and audit entries in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	studies map[string]*triage.Study // study ID -> study
	seen    map[string]string        // image fingerprint -> latest study ID (dedup)
	audit   []*triage.AuditEntry
	reviews []*triage.QAReview
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		studies: make(map[string]*triage.Study),
		seen:    make(map[string]string),
	}
}

// Get retrieves a study by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Study, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.studies[id]
	if !ok {
		return nil, false, nil
	}
	cp := *st
	return &cp, true, nil
}

// GetByFingerprint retrieves the latest study for an image fingerprint, for deduplication. Returns a copy.
func (s *Store) GetByFingerprint(_ context.Context, fp string) (*triage.Study, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.seen[fp]
	if !ok {
		return nil, false, nil
	}
	cp := *s.studies[id]
	return &cp, true, nil
}

// Put stores a copy of the study.
func (s *Store) Put(_ context.Context, st *triage.Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.InFlight() {
		if prev, ok := s.studies[s.seen[st.Fingerprint]]; ok && prev.ID != st.ID && prev.InFlight() {
			return triage.ErrInFlight
		}
	}
	cp := *st
	s.studies[st.ID] = &cp
	s.seen[st.Fingerprint] = st.ID
	return nil
}

// List returns copies of matching studies in worklist order.
func (s *Store) List(_ context.Context, f triage.ListFilter) ([]*triage.Study, error) {
	s.mu.RLock()
	matched := make([]*triage.Study, 0, len(s.studies))
	for _, st := range s.studies {
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		if f.Level != "" && st.TriageLevel() != f.Level {
			continue
		}
		cp := *st
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		ri, rj := triage.LevelRank(matched[i].TriageLevel()), triage.LevelRank(matched[j].TriageLevel())
		if ri != rj {
			return ri < rj
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	return page(matched, f.Offset, triage.EffectiveLimit(f.Limit)), nil
}

// AppendAudit stores a copy of the entry.
func (s *Store) AppendAudit(_ context.Context, e *triage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.audit = append(s.audit, &cp)
	return nil
}

// ListAudit returns matching entries, newest first.
func (s *Store) ListAudit(_ context.Context, f triage.AuditFilter) ([]*triage.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := triage.EffectiveLimit(f.Limit)
	out := make([]*triage.AuditEntry, 0)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.audit[i]
		if f.StudyID != "" && e.StudyID != f.StudyID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// PutReview stores a copy of the review.
func (s *Store) PutReview(_ context.Context, r *triage.QAReview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reviews = append(s.reviews, &cp)
	return nil
}

// ListReviews returns copies of a study's reviews in insertion order.
func (s *Store) ListReviews(_ context.Context, studyID string) ([]*triage.QAReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*triage.QAReview, 0)
	for _, r := range s.reviews {
		if r.StudyID == studyID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// StudyStats returns dashboard rows for studies created at or after since.
func (s *Store) StudyStats(_ context.Context, since time.Time) ([]triage.StudyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]triage.StudyStat, 0)
	for _, st := range s.studies {
		if st.CreatedAt.Before(since) {
			continue
		}
		out = append(out, triage.StudyStat{
			Level:     st.TriageLevel(),
			Status:    st.Status,
			CreatedAt: st.CreatedAt,
			Duration:  st.Duration,
		})
	}
	return out, nil
}

// CountByLevel counts studies with an analysis per triage level.
func (s *Store) CountByLevel(_ context.Context) (map[triage.Level]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[triage.Level]int)
	for _, st := range s.studies {
		if st.Analysis != nil {
			out[st.Analysis.TriageLevel]++
		}
	}
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return items[:0]
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
