package studyapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/linnemanlabs/cxrtriage/internal/authmw"
	"github.com/linnemanlabs/cxrtriage/internal/settings"
	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

func (a *API) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.settings.Settings().Redacted())
}

// handlePutSettings applies a partial document over the current settings.
// Omitted fields keep their values; a named finding replaces that finding's
// thresholds; masked API keys keep the stored key.
func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	base := a.settings.Settings().Redacted()
	next := base
	next.AI.Findings = make(map[string]triage.FindingThreshold)
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	merged := make(map[string]triage.FindingThreshold, len(base.AI.Findings))
	for k, v := range base.AI.Findings {
		merged[k] = v
	}
	for k, v := range next.AI.Findings {
		merged[triage.NormalizeFindingName(k)] = v
	}
	next.AI.Findings = merged

	changed, err := a.settings.Update(ctx, next)
	if errors.Is(err, settings.ErrInvalid) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		a.logger.Error(ctx, err, "failed to update settings")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if len(changed) > 0 {
		actor := authmw.Actor(ctx)
		if err := a.svc.RecordAudit(ctx, "", triage.AuditSettingsChange, actor, map[string]any{"changed": changed}); err != nil {
			a.logger.Error(ctx, err, "failed to record settings audit", "actor", actor)
		}
	}

	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changed":  changed,
		"settings": a.settings.Settings().Redacted(),
	})
}
