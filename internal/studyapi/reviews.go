package studyapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/cxrtriage/internal/authmw"
	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

type reviewRequest struct {
	StudyID     string `json:"study_id"`
	ReviewType  string `json:"review_type"`
	FindingName string `json:"finding_name"`
	Reviewer    string `json:"reviewer"`
	Notes       string `json:"notes"`
}

func (a *API) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req reviewRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("cxr.study.id", req.StudyID),
		attribute.String("cxr.review.type", req.ReviewType),
	)

	rv, err := a.svc.Review(ctx, &triage.QAReview{
		StudyID:     req.StudyID,
		ReviewType:  triage.ReviewType(req.ReviewType),
		FindingName: req.FindingName,
		Reviewer:    req.Reviewer,
		Notes:       req.Notes,
	}, authmw.Actor(ctx))
	switch {
	case errors.Is(err, triage.ErrInvalidReview):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, triage.ErrStudyNotFound):
		writeError(w, http.StatusNotFound, "study not found")
	case err != nil:
		a.logger.Error(ctx, err, "failed to record review", "study_id", req.StudyID)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusCreated, rv)
	}
}

func (a *API) handleListReviews(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reviews, err := a.svc.Reviews(r.Context(), id)
	if errors.Is(err, triage.ErrStudyNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list reviews", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews, "count": len(reviews)})
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.Dashboard(r.Context(), time.Now())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to build dashboard")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, d)
}
