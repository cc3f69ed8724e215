package studyapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/cxrtriage/internal/authmw"
	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// multipart parts beyond this are spooled to disk by net/http
const multipartMemory = 8 << 20

// maxListLimit bounds worklist and audit pages.
const maxListLimit = 500

type submitResponse struct {
	ID      string        `json:"id"`
	Skipped bool          `json:"skipped,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Status  string        `json:"status,omitempty"`
	Study   *triage.Study `json:"study,omitempty"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	async := r.URL.Query().Get("async") == "true"

	tooLarge := func() {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", a.opts.MaxUploadBytes))
	}
	if r.ContentLength > a.opts.MaxUploadBytes {
		tooLarge()
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			tooLarge()
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer func() { _ = f.Close() }()
	image, err := io.ReadAll(f)
	if err != nil {
		a.logger.Error(ctx, err, "failed to read upload")
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	sub := &triage.Submission{
		Image:           image,
		Filename:        hdr.Filename,
		AccessionNumber: r.FormValue("accession_number"),
		PatientID:       r.FormValue("patient_id"),
		Actor:           authmw.Actor(ctx),
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int("cxr.upload.bytes", len(image)),
		attribute.Bool("cxr.submit.async", async),
	)

	res, err := a.svc.Submit(ctx, sub, async)
	if errors.Is(err, triage.ErrEmptyImage) {
		writeError(w, http.StatusBadRequest, "empty image")
		return
	}
	if err != nil {
		a.logger.Error(ctx, err, "failed to submit study", "filename", hdr.Filename)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	span.SetAttributes(attribute.String("cxr.study.id", res.ID))

	out := submitResponse{ID: res.ID, Skipped: res.Skipped, Reason: res.Reason, Study: res.Study}
	switch {
	case res.Skipped:
		writeJSON(w, http.StatusOK, out)
	case res.Study == nil:
		out.Status = string(triage.StudyPending)
		writeJSON(w, http.StatusAccepted, out)
	case res.Study.Status == triage.StudyFailed:
		out.Status = string(res.Study.Status)
		writeJSON(w, http.StatusBadGateway, out)
	default:
		out.Status = string(res.Study.Status)
		span.SetAttributes(attribute.String("cxr.triage.level", string(res.Study.TriageLevel())))
		writeJSON(w, http.StatusOK, out)
	}
}

func (a *API) handleGetStudy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("cxr.study.id", id))

	study, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get study", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("cxr.study.status", string(study.Status)))
	writeJSON(w, http.StatusOK, study)
}

func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var raw triage.RawOutput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	analysis := a.svc.Evaluate(r.Context(), &raw)
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("cxr.triage.level", string(analysis.TriageLevel)),
	)
	writeJSON(w, http.StatusOK, analysis)
}

func (a *API) handleWorklist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f triage.ListFilter

	switch lvl := triage.Level(q.Get("level")); lvl {
	case "", triage.LevelUrgent, triage.LevelRoutine, triage.LevelNormal:
		f.Level = lvl
	default:
		writeError(w, http.StatusBadRequest, "level must be URGENT, ROUTINE or NORMAL")
		return
	}
	switch st := triage.StudyStatus(q.Get("status")); st {
	case "", triage.StudyPending, triage.StudyProcessing, triage.StudyCompleted, triage.StudyFailed:
		f.Status = st
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	var err error
	if f.Limit, err = intParam(q.Get("limit"), 0, maxListLimit); err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0, -1); err != nil {
		writeError(w, http.StatusBadRequest, "offset: "+err.Error())
		return
	}

	studies, err := a.svc.Worklist(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list worklist")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if studies == nil {
		studies = []*triage.Study{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"studies": studies, "count": len(studies)})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := triage.AuditFilter{
		StudyID: q.Get("study_id"),
		Action:  q.Get("action"),
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), 0, maxListLimit); err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}

	entries, err := a.svc.Audit(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list audit log")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []*triage.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// intParam parses an optional non-negative integer. max < 0 means unbounded.
func intParam(s string, def, max int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	if max >= 0 && n > max {
		return 0, fmt.Errorf("must be at most %d", max)
	}
	return n, nil
}
