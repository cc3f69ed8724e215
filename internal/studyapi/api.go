// Package studyapi is the HTTP surface for study submission, the worklist,
// QA reviews, the dashboard, the audit trail and engine settings.
package studyapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/cxrtriage/internal/authmw"
	"github.com/linnemanlabs/cxrtriage/internal/settings"
	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// DefaultMaxUploadBytes bounds an upload when Options leaves it unset.
const DefaultMaxUploadBytes = 50 << 20

// StudyService defines the business operations studyapi needs.
type StudyService interface {
	Submit(ctx context.Context, sub *triage.Submission, async bool) (*triage.SubmitResult, error)
	Evaluate(ctx context.Context, raw *triage.RawOutput) *triage.Analysis
	Get(ctx context.Context, id string) (*triage.Study, bool, error)
	Worklist(ctx context.Context, f triage.ListFilter) ([]*triage.Study, error)
	Audit(ctx context.Context, f triage.AuditFilter) ([]*triage.AuditEntry, error)
	RecordAudit(ctx context.Context, studyID, action, actor string, details map[string]any) error
	Review(ctx context.Context, r *triage.QAReview, actor string) (*triage.QAReview, error)
	Reviews(ctx context.Context, studyID string) ([]*triage.QAReview, error)
	Dashboard(ctx context.Context, now time.Time) (*triage.Dashboard, error)
}

// SettingsStore reads and replaces the engine settings.
type SettingsStore interface {
	Settings() settings.Settings
	Update(ctx context.Context, next settings.Settings) ([]string, error)
}

// Options tunes request handling.
type Options struct {
	MaxUploadBytes int64
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      StudyService
	settings SettingsStore
	opts     Options
}

// New creates a new API handler.
func New(logger log.Logger, svc StudyService, st SettingsStore, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("study service is required"))
	}
	if st == nil {
		panic(xerrors.New("settings store is required"))
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &API{
		logger:   logger,
		svc:      svc,
		settings: st,
		opts:     opts,
	}
}

// RegisterRoutes attaches API endpoints to the router. Authentication is the
// caller's middleware; changing settings additionally requires an admin principal.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/studies", a.handleSubmit)
		r.Get("/studies/{id}", a.handleGetStudy)
		r.Post("/evaluate", a.handleEvaluate)
		r.Get("/worklist", a.handleWorklist)
		r.Get("/audit", a.handleAudit)
		r.Post("/qa/review", a.handleReview)
		r.Get("/studies/{id}/reviews", a.handleListReviews)
		r.Get("/metrics/dashboard", a.handleDashboard)
		r.Get("/settings", a.handleGetSettings)
		r.With(authmw.RequireAdmin).Put("/settings", a.handlePutSettings)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
