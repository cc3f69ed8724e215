package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrStudyNotFound is returned when an operation names an unknown study.
	ErrStudyNotFound = errors.New("study not found")
	// ErrInvalidReview is wrapped by every QA review validation failure.
	ErrInvalidReview = errors.New("invalid review")
)

// ReviewType is a radiologist's verdict on the AI output for a study.
type ReviewType string

const (
	ReviewTruePositive  ReviewType = "TP"
	ReviewFalsePositive ReviewType = "FP"
	ReviewTrueNegative  ReviewType = "TN"
	ReviewFalseNegative ReviewType = "FN"
)

// Valid reports whether t is one of the four review types.
func (t ReviewType) Valid() bool {
	switch t {
	case ReviewTruePositive, ReviewFalsePositive, ReviewTrueNegative, ReviewFalseNegative:
		return true
	}
	return false
}

// QAReview records a radiologist's agreement or disagreement with the AI,
// optionally scoped to one finding.
type QAReview struct {
	ID          string     `json:"id"`
	StudyID     string     `json:"study_id"`
	ReviewType  ReviewType `json:"review_type"`
	FindingName string     `json:"finding_name,omitempty"`
	Reviewer    string     `json:"reviewer,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Review validates and records a QA review. The reviewer defaults to actor.
func (s *Service) Review(ctx context.Context, r *QAReview, actor string) (*QAReview, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidReview)
	}
	rv := *r
	rv.ReviewType = ReviewType(strings.ToUpper(strings.TrimSpace(string(rv.ReviewType))))
	if !rv.ReviewType.Valid() {
		return nil, fmt.Errorf("%w: review_type %q must be one of TP, FP, TN, FN", ErrInvalidReview, r.ReviewType)
	}
	if rv.StudyID == "" {
		return nil, fmt.Errorf("%w: study_id is required", ErrInvalidReview)
	}
	if rv.FindingName != "" {
		rv.FindingName = NormalizeFindingName(rv.FindingName)
		if vocabularyIndex(rv.FindingName) == len(Vocabulary) {
			return nil, fmt.Errorf("%w: unknown finding %q", ErrInvalidReview, r.FindingName)
		}
	}
	if _, ok, err := s.store.Get(ctx, rv.StudyID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrStudyNotFound
	}
	if rv.Reviewer == "" {
		rv.Reviewer = actor
	}
	rv.ID = ulid.Make().String()
	rv.CreatedAt = time.Now().UTC()

	if err := s.store.PutReview(ctx, &rv); err != nil {
		return nil, err
	}
	s.audit(ctx, rv.StudyID, AuditQAReview, actor, map[string]any{
		"review_id":    rv.ID,
		"review_type":  string(rv.ReviewType),
		"finding_name": rv.FindingName,
	})
	if s.hooks.OnReview != nil {
		s.hooks.OnReview(rv.ReviewType)
	}
	return &rv, nil
}

// Reviews lists a study's QA reviews, oldest first.
func (s *Service) Reviews(ctx context.Context, studyID string) ([]*QAReview, error) {
	if _, ok, err := s.store.Get(ctx, studyID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrStudyNotFound
	}
	return s.store.ListReviews(ctx, studyID)
}
