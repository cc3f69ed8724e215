package triage

import (
	"context"
	"errors"
	"testing"
)

func TestReview_RecordsAndAudits(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.studies["s1"] = &Study{ID: "s1", Fingerprint: "fp", Status: StudyCompleted}
	var reviewed []ReviewType
	svc := newTestService(store, &mockInferencer{}, WithHooks(ServiceHooks{
		OnReview: func(rt ReviewType) { reviewed = append(reviewed, rt) },
	}))

	got, err := svc.Review(context.Background(), &QAReview{
		StudyID:     "s1",
		ReviewType:  " fp ",
		FindingName: "Nodule",
		Notes:       "calcified granuloma",
	}, "dr-house")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if got.ID == "" || got.CreatedAt.IsZero() {
		t.Errorf("review = %+v, want ID and time assigned", got)
	}
	if got.ReviewType != ReviewFalsePositive {
		t.Errorf("type = %q, want FP", got.ReviewType)
	}
	if got.FindingName != Nodule {
		t.Errorf("finding = %q, want %q", got.FindingName, Nodule)
	}
	if got.Reviewer != "dr-house" {
		t.Errorf("reviewer = %q, want the actor", got.Reviewer)
	}

	list, err := svc.Reviews(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Reviews: %v", err)
	}
	if len(list) != 1 || list[0].ID != got.ID {
		t.Errorf("reviews = %+v", list)
	}
	if acts := store.actions("s1"); len(acts) != 1 || acts[0] != AuditQAReview {
		t.Errorf("audit = %v, want [%s]", acts, AuditQAReview)
	}
	if len(reviewed) != 1 || reviewed[0] != ReviewFalsePositive {
		t.Errorf("hook saw %v", reviewed)
	}
}

func TestReview_KeepsExplicitReviewer(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.studies["s1"] = &Study{ID: "s1", Status: StudyCompleted}
	svc := newTestService(store, &mockInferencer{})

	got, err := svc.Review(context.Background(), &QAReview{StudyID: "s1", ReviewType: ReviewTrueNegative, Reviewer: "dr-a"}, "api")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if got.Reviewer != "dr-a" {
		t.Errorf("reviewer = %q, want dr-a", got.Reviewer)
	}
}

func TestReview_Rejects(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.studies["s1"] = &Study{ID: "s1", Status: StudyCompleted}
	svc := newTestService(store, &mockInferencer{})

	tests := []struct {
		name   string
		review *QAReview
		want   error
	}{
		{"nil", nil, ErrInvalidReview},
		{"bad type", &QAReview{StudyID: "s1", ReviewType: "MAYBE"}, ErrInvalidReview},
		{"no study id", &QAReview{ReviewType: ReviewTruePositive}, ErrInvalidReview},
		{"unknown finding", &QAReview{StudyID: "s1", ReviewType: ReviewFalseNegative, FindingName: "scoliosis"}, ErrInvalidReview},
		{"unknown study", &QAReview{StudyID: "nope", ReviewType: ReviewTruePositive}, ErrStudyNotFound},
	}
	for _, tt := range tests {
		if _, err := svc.Review(context.Background(), tt.review, "api"); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if len(store.reviews) != 0 {
		t.Errorf("stored %d rejected reviews", len(store.reviews))
	}

	if _, err := svc.Reviews(context.Background(), "nope"); !errors.Is(err, ErrStudyNotFound) {
		t.Errorf("Reviews unknown study = %v, want ErrStudyNotFound", err)
	}
}
