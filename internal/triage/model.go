package triage

import (
	"strings"
	"time"
)

// Status is the resolved state of a single finding.
type Status string

const (
	// StatusNeg means the effective probability is below the triage threshold.
	StatusNeg Status = "NEG"

	// StatusPossible means the probability is at or above the triage threshold but below the strong threshold.
	StatusPossible Status = "POSSIBLE"

	// StatusPositive means the probability is at or above the strong threshold.
	StatusPositive Status = "POSITIVE"

	// StatusUncertain is set only from an explicit upstream signal (low model confidence, out of distribution).
	StatusUncertain Status = "UNCERTAIN"
)

// Level is the overall urgency of a study.
type Level string

const (
	LevelNormal  Level = "NORMAL"
	LevelRoutine Level = "ROUTINE"
	LevelUrgent  Level = "URGENT"
)

// Disclaimer is attached to every report regardless of how the text was produced.
const Disclaimer = "AI assistance only. Not for standalone diagnosis. All findings require radiologist review."

// Canonical finding names. The first seven carry their own thresholds in EngineConfig.
const (
	Pneumothorax              = "pneumothorax"
	PleuralEffusion           = "pleural_effusion"
	Consolidation             = "consolidation"
	Cardiomegaly              = "cardiomegaly"
	Edema                     = "edema"
	Nodule                    = "nodule"
	Mass                      = "mass"
	Atelectasis               = "atelectasis"
	Infiltration              = "infiltration"
	Emphysema                 = "emphysema"
	Fibrosis                  = "fibrosis"
	Pneumonia                 = "pneumonia"
	PleuralThickening         = "pleural_thickening"
	Hernia                    = "hernia"
	LungLesion                = "lung_lesion"
	Fracture                  = "fracture"
	LungOpacity               = "lung_opacity"
	EnlargedCardiomediastinum = "enlarged_cardiomediastinum"
)

// ConfigurableFindings are the findings with per-finding thresholds and enable flags.
var ConfigurableFindings = []string{
	Pneumothorax, PleuralEffusion, Consolidation, Cardiomegaly, Edema, Nodule, Mass,
}

// Vocabulary is the full, ordered set of finding names the engine understands.
var Vocabulary = []string{
	Pneumothorax, PleuralEffusion, Consolidation, Cardiomegaly, Edema, Nodule, Mass,
	Atelectasis, Infiltration, Emphysema, Fibrosis, Pneumonia, PleuralThickening, Hernia,
	LungLesion, Fracture, LungOpacity, EnlargedCardiomediastinum,
}

// labelAliases maps upstream classifier/detector labels onto the vocabulary.
var labelAliases = map[string]string{
	"effusion":                   PleuralEffusion,
	"pleural effusion":           PleuralEffusion,
	"nodule/mass":                Nodule,
	"lung lesion":                LungLesion,
	"lung opacity":               LungOpacity,
	"pleural thickening":         PleuralThickening,
	"enlarged cardiomediastinum": EnlargedCardiomediastinum,
}

// NormalizeFindingName maps an upstream label ("Effusion", "Pleural effusion",
// "Nodule/Mass", ...) to its canonical vocabulary name. Unknown labels are
// lower-cased with spaces replaced by underscores.
func NormalizeFindingName(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	if alias, ok := labelAliases[l]; ok {
		return alias
	}
	return strings.ReplaceAll(l, " ", "_")
}

// DisplayName renders a canonical name for humans: "pleural_effusion" -> "Pleural effusion".
func DisplayName(name string) string {
	s := strings.ReplaceAll(name, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func vocabularyIndex(name string) int {
	for i, v := range Vocabulary {
		if v == name {
			return i
		}
	}
	return len(Vocabulary)
}

// RawFinding is one classifier output before calibration.
type RawFinding struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	// Uncertain carries the classifier's own low-confidence / out-of-distribution flag.
	Uncertain bool `json:"uncertain,omitempty"`
}

// RawOutput is everything the inference collaborator produced for one image.
type RawOutput struct {
	Findings []RawFinding   `json:"findings"`
	Boxes    []DetectionBox `json:"bounding_boxes"`
}

// FindingResult is a resolved finding. It is never mutated after Resolve returns.
type FindingResult struct {
	Name                  string   `json:"finding_name"`
	RawProbability        float64  `json:"probability"`
	CalibratedProbability *float64 `json:"calibrated_probability,omitempty"`
	Status                Status   `json:"status"`
	TriageThreshold       float64  `json:"triage_threshold"`
	StrongThreshold       float64  `json:"strong_threshold"`
	Enabled               bool     `json:"enabled"`
}

// Probability returns the calibrated probability when present, else the raw one.
func (f *FindingResult) Probability() float64 {
	if f.CalibratedProbability != nil {
		return *f.CalibratedProbability
	}
	return f.RawProbability
}

// DetectionBox is a candidate region from the detector. Coordinates are normalized to [0,1].
type DetectionBox struct {
	FindingName string  `json:"finding_name"`
	Confidence  float64 `json:"confidence"`
	XMin        float64 `json:"x_min"`
	YMin        float64 `json:"y_min"`
	XMax        float64 `json:"x_max"`
	YMax        float64 `json:"y_max"`
	XMinPx      *int    `json:"x_min_px,omitempty"`
	YMinPx      *int    `json:"y_min_px,omitempty"`
	XMaxPx      *int    `json:"x_max_px,omitempty"`
	YMaxPx      *int    `json:"y_max_px,omitempty"`
}

// TriageResult is the aggregated decision for one study.
type TriageResult struct {
	Level   Level    `json:"level"`
	Reasons []string `json:"reasons"`
}

// Report is the draft report text.
type Report struct {
	FindingsText   string `json:"findings_text"`
	ImpressionText string `json:"impression_text"`
	LLMRewritten   bool   `json:"llm_rewritten"`
	Disclaimer     string `json:"disclaimer"`
}

// Analysis is the complete engine output for one request.
type Analysis struct {
	TriageLevel   Level           `json:"triage_level"`
	TriageReasons []string        `json:"triage_reasons"`
	Findings      []FindingResult `json:"findings"`
	BoundingBoxes []DetectionBox  `json:"bounding_boxes"`
	Report        Report          `json:"report"`
}

// StudyStatus tracks where a study is in its lifecycle.
type StudyStatus string

const (
	// StudyPending means created, not yet started
	StudyPending StudyStatus = "pending"

	// StudyProcessing means inference or triage is running
	StudyProcessing StudyStatus = "processing"

	// StudyCompleted means an analysis is attached
	StudyCompleted StudyStatus = "completed"

	// StudyFailed means inference failed; Error says why
	StudyFailed StudyStatus = "failed"
)

// Study is a submitted radiograph and, once processed, its analysis.
type Study struct {
	ID               string      `json:"id"`
	Fingerprint      string      `json:"fingerprint"`
	Status           StudyStatus `json:"status"`
	OriginalFilename string      `json:"original_filename,omitempty"`
	AccessionNumber  string      `json:"accession_number,omitempty"`
	PatientID        string      `json:"patient_id,omitempty"`
	Analysis         *Analysis   `json:"analysis,omitempty"`
	Error            string      `json:"error,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	CompletedAt      time.Time   `json:"completed_at,omitempty"`
	Duration         float64     `json:"processing_seconds,omitempty"`
}

// TriageLevel returns the level of the attached analysis, or "" when there is none.
func (s *Study) TriageLevel() Level {
	if s.Analysis == nil {
		return ""
	}
	return s.Analysis.TriageLevel
}

// InFlight reports whether the study is still pending or processing.
func (s *Study) InFlight() bool {
	return s.Status == StudyPending || s.Status == StudyProcessing
}

// AuditEntry is one line of the audit trail.
type AuditEntry struct {
	ID        string         `json:"id"`
	StudyID   string         `json:"study_id,omitempty"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Audit actions.
const (
	AuditStudyUpload      = "study_upload"
	AuditAnalysisStart    = "analysis_start"
	AuditAnalysisComplete = "analysis_complete"
	AuditAnalysisError    = "analysis_error"
	AuditSettingsChange   = "settings_change"
	AuditQAReview         = "qa_review"
)
