package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

func ptr(v float64) *float64 { return &v }

func urgentStudy() *triage.Study {
	return &triage.Study{
		ID:              "01JN123",
		Status:          triage.StudyCompleted,
		AccessionNumber: "ACC-42",
		PatientID:       "MRN-0001",
		Duration:        2.4,
		CompletedAt:     time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
		Analysis: &triage.Analysis{
			TriageLevel: triage.LevelUrgent,
			TriageReasons: []string{
				"Pneumothorax: probability 0.91 >= strong threshold 0.65",
				"Pleural effusion: probability 0.40 >= triage threshold 0.25",
			},
			Findings: []triage.FindingResult{
				{Name: triage.PleuralEffusion, RawProbability: 0.4, Status: triage.StatusPossible, Enabled: true},
				{Name: triage.Pneumothorax, RawProbability: 0.8, CalibratedProbability: ptr(0.91), Status: triage.StatusPositive, Enabled: true},
				{Name: triage.Mass, RawProbability: 0.99, Status: triage.StatusPositive, Enabled: false},
			},
		},
	}
}

func TestNotifyUrgent_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var (
		got map[string]any
		raw string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		data, _ := json.Marshal(got)
		raw = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "https://triage.example.org/")
	if err := n.NotifyUrgent(context.Background(), urgentStudy()); err != nil {
		t.Fatalf("NotifyUrgent: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, fields, divider, reasons, divider, context
	if len(blocks) != 6 {
		t.Errorf("blocks count = %d, want 6", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "URGENT") || !strings.Contains(headerText, "ACC-42") {
		t.Errorf("header text = %q, want level and accession", headerText)
	}
	if !strings.Contains(raw, "https://triage.example.org/api/v1/studies/01JN123") {
		t.Error("expected study link in context block")
	}
	if strings.Contains(raw, "MRN-0001") {
		t.Error("patient id must not be sent to slack")
	}
}

func TestNotifyUrgent_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", "")
	if err := n.NotifyUrgent(context.Background(), &triage.Study{}); err != nil {
		t.Fatalf("NotifyUrgent with empty URL should be no-op, got: %v", err)
	}
}

func TestNotifyUrgent_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	err := New(srv.URL, "").NotifyUrgent(context.Background(), urgentStudy())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestTopFinding(t *testing.T) {
	t.Parallel()

	if got := topFinding(urgentStudy()); got != "Pneumothorax (0.91)" {
		t.Errorf("topFinding = %q, want calibrated pneumothorax, disabled mass ignored", got)
	}
	if got := topFinding(&triage.Study{}); got != "n/a" {
		t.Errorf("topFinding without analysis = %q", got)
	}
}

func TestReasonsBlock_Truncates(t *testing.T) {
	t.Parallel()

	s := urgentStudy()
	s.Analysis.TriageReasons = []string{strings.Repeat("x", 4000)}
	text := reasonsBlock(s)["text"].(map[string]any)["text"].(string)

	prefix := "*Triage reasons*\n\n"
	if len(text) > maxReasonsLen+len(prefix) {
		t.Errorf("reasons text length = %d, expected <= %d", len(text), maxReasonsLen+len(prefix))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated reasons to end with ...")
	}
}

func TestStudyLabel(t *testing.T) {
	t.Parallel()

	if got := studyLabel(&triage.Study{ID: "01X"}); got != "01X" {
		t.Errorf("studyLabel without accession = %q, want ID", got)
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("ACC-1", "Pneumothorax: probability 0.91", "https://triage.example.org")
	f.Add("", "", "")
	f.Add("<@U123> mention", "*bold* _italic_ ~strike~", "http://x")
	f.Add("acc\x00\x01\x02", "reason\nline", "")
	f.Add(strings.Repeat("A", 5000), strings.Repeat("x", 10000), "https://triage.example.org/")

	f.Fuzz(func(t *testing.T, accession, reason, publicURL string) {
		s := urgentStudy()
		s.AccessionNumber = accession
		s.Analysis.TriageReasons = []string{reason}

		// Must not panic
		msg := buildMessage(s, publicURL)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 6 {
			t.Fatalf("blocks count = %d, want 6", len(blocks))
		}
	})
}
