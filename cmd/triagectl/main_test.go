package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/cxrtriage/internal/settings"
	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

func init() {
	color.NoColor = true
}

const pneumothoraxInput = `{"findings": [
	{"name": "Pneumothorax", "probability": 0.9},
	{"name": "Cardiomegaly", "probability": 0.05}
]}`

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestEvaluate_JSONFromStdin(t *testing.T) {
	out, _, err := execute(t, pneumothoraxInput, "evaluate", "--format", "json")
	require.NoError(t, err)

	var a triage.Analysis
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.Equal(t, triage.LevelUrgent, a.TriageLevel)
	assert.NotEmpty(t, a.TriageReasons)
	assert.False(t, a.Report.LLMRewritten)
	assert.Equal(t, triage.Disclaimer, a.Report.Disclaimer)
}

func TestEvaluate_TextFromFile(t *testing.T) {
	path := writeFile(t, "raw.json", pneumothoraxInput)

	out, _, err := execute(t, "", "evaluate", path, "--format", "text")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "URGENT\n"), "level first, got %q", out)
	assert.Contains(t, out, "FINDINGS")
	assert.Contains(t, out, "Pneumothorax")
	assert.Contains(t, out, "Findings: ")
	assert.Contains(t, out, "Impression: ")
	assert.Contains(t, out, triage.Disclaimer)
}

func TestEvaluate_WithCalibration(t *testing.T) {
	cal := writeFile(t, "calibration.json", `{"temperature": 2.0}`)

	out, _, err := execute(t, pneumothoraxInput, "evaluate", "--calibration", cal, "--format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "(raw 0.90)")
}

func TestEvaluate_Errors(t *testing.T) {
	badSettings := writeFile(t, "settings.yaml", "ai:\n  unknown_key: 1\n")
	badCal := writeFile(t, "calibration.json", `{}`)

	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{"unknown field", `{"findings": [], "extra": 1}`, []string{"evaluate"}},
		{"not json", `nope`, []string{"evaluate"}},
		{"missing file", "", []string{"evaluate", filepath.Join(t.TempDir(), "missing.json")}},
		{"bad format", pneumothoraxInput, []string{"evaluate", "--format", "yaml"}},
		{"bad settings", pneumothoraxInput, []string{"evaluate", "--settings", badSettings}},
		{"bad calibration", pneumothoraxInput, []string{"evaluate", "--calibration", badCal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.stdin, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestResolveFormat(t *testing.T) {
	var buf bytes.Buffer

	got, err := resolveFormat("auto", &buf)
	require.NoError(t, err)
	assert.Equal(t, "json", got, "non-terminal writers get json")

	got, err = resolveFormat("text", &buf)
	require.NoError(t, err)
	assert.Equal(t, "text", got)

	_, err = resolveFormat("xml", &buf)
	assert.Error(t, err)
}

func TestPrintAnalysis_DisabledAndBoxes(t *testing.T) {
	var buf bytes.Buffer
	printAnalysis(&buf, &triage.Analysis{
		TriageLevel:   triage.LevelRoutine,
		TriageReasons: []string{"Pleural effusion: probability 0.40 >= triage threshold 0.25"},
		Findings: []triage.FindingResult{
			{Name: triage.PleuralEffusion, RawProbability: 0.4, Status: triage.StatusPossible, Enabled: true},
			{Name: triage.Mass, RawProbability: 0.8, Status: triage.StatusPositive, Enabled: false},
		},
		BoundingBoxes: []triage.DetectionBox{
			{FindingName: triage.PleuralEffusion, Confidence: 0.77, XMin: 0.1, YMin: 0.2, XMax: 0.3, YMax: 0.4},
		},
		Report: triage.Report{FindingsText: "f", ImpressionText: "i", LLMRewritten: true, Disclaimer: triage.Disclaimer},
	})

	out := buf.String()
	assert.Contains(t, out, "ROUTINE")
	assert.Contains(t, out, "  - Pleural effusion: probability 0.40")
	assert.Contains(t, out, "disabled")
	assert.Contains(t, out, "BOXES")
	assert.Contains(t, out, "[0.100, 0.200, 0.300, 0.400]")
	assert.Contains(t, out, "REPORT  rewritten")
}

func TestSettingsDefaults_RoundTrips(t *testing.T) {
	out, _, err := execute(t, "", "settings", "defaults")
	require.NoError(t, err)

	s := settings.Defaults()
	require.NoError(t, settings.Decode([]byte(out), &s))
	assert.Equal(t, settings.Defaults(), s)
}

func TestSettingsCheck(t *testing.T) {
	good := writeFile(t, "settings.yaml", "ai:\n  detector_max_boxes: 5\nllm:\n  claude:\n    api_key: sk-secret\n")

	out, _, err := execute(t, "", "settings", "check", good)
	require.NoError(t, err)
	assert.Contains(t, out, "detector_max_boxes: 5")
	assert.NotContains(t, out, "sk-secret")

	bad := writeFile(t, "bad.yaml", "ai:\n  detector_iou: 7\n")
	_, _, err = execute(t, "", "settings", "check", bad)
	assert.Error(t, err)
}

func TestAnalyze_UsesInferenceService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"findings": [{"name": "Pneumothorax", "probability": 0.9}], "bounding_boxes": []}`))
	}))
	defer srv.Close()

	image := writeFile(t, "cxr.png", "\x89PNG fake image bytes")
	out, stderr, err := execute(t, "", "analyze", image, "--inference-url", srv.URL, "--format", "json")
	require.NoError(t, err)

	var a triage.Analysis
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.Equal(t, triage.LevelUrgent, a.TriageLevel)
	assert.Contains(t, stderr, "Analyzed")
}

func TestInferenceHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "ok", "version": "1.2.0", "models_loaded": true, "device": "cpu"}`))
	}))
	defer srv.Close()

	out, _, err := execute(t, "", "inference", "health", "--inference-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"models_loaded": true`)
	assert.Contains(t, out, `"device": "cpu"`)
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cxrtriage (triagectl)")
}
