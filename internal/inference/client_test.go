package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/v1", 5*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"ftp://host", "://bad", "host:8001"} {
		if _, err := New(u, time.Second); err == nil {
			t.Errorf("New(%q) = nil error, want error", u)
		}
	}
}

func TestInfer_SendsMultipartAndDecodes(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/analyze" {
			t.Errorf("request = %s %s, want POST /v1/analyze", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		checks := map[string]string{
			"detector_conf":       "0.3",
			"detector_iou":        "0.45",
			"detector_max_boxes":  "7",
			"calibration_enabled": "false",
		}
		for k, want := range checks {
			if got := r.FormValue(k); got != want {
				t.Errorf("%s = %q, want %q", k, got, want)
			}
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "PNGDATA" {
			t.Errorf("file body = %q", data)
		}
		if hdr.Filename != "chest.jpg" || hdr.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("file header = %q %q", hdr.Filename, hdr.Header.Get("Content-Type"))
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"findings": [
				{"name": "Pneumothorax", "probability": 0.82, "calibrated_probability": 0.8},
				{"name": "Effusion", "probability": 0.1, "uncertain": true}
			],
			"bounding_boxes": [
				{"name": "nodule", "confidence": 0.9, "x_min": 0.1, "y_min": 0.2, "x_max": 0.3, "y_max": 0.4, "x_min_px": 102}
			],
			"processing_time_ms": 812,
			"model_info": {"classifier": {"name": "densenet"}}
		}`)
	})

	out, err := c.Infer(context.Background(), &triage.InferenceRequest{
		Image:              []byte("PNGDATA"),
		Filename:           "/uploads/tmp/chest.jpg",
		DetectorConfidence: 0.3,
		DetectorIOU:        0.45,
		DetectorMaxBoxes:   7,
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if len(out.Findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(out.Findings))
	}
	if out.Findings[0].Name != "Pneumothorax" || out.Findings[0].Probability != 0.82 {
		t.Errorf("finding[0] = %+v", out.Findings[0])
	}
	if !out.Findings[1].Uncertain {
		t.Error("uncertain flag not carried")
	}
	if len(out.Boxes) != 1 {
		t.Fatalf("boxes = %d, want 1", len(out.Boxes))
	}
	b := out.Boxes[0]
	if b.FindingName != "nodule" || b.Confidence != 0.9 || b.XMax != 0.3 {
		t.Errorf("box = %+v", b)
	}
	if b.XMinPx == nil || *b.XMinPx != 102 || b.YMinPx != nil {
		t.Errorf("pixel coords = %v %v", b.XMinPx, b.YMinPx)
	}
}

func TestInfer_DefaultFilenameAndEmptyResponse(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		if hdr.Filename != "image.png" {
			t.Errorf("filename = %q, want image.png", hdr.Filename)
		}
		_, _ = fmt.Fprint(w, `{}`)
	})

	out, err := c.Infer(context.Background(), &triage.InferenceRequest{Image: []byte{1}})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if out.Findings == nil || out.Boxes == nil || len(out.Findings)+len(out.Boxes) != 0 {
		t.Errorf("want empty non-nil slices, got %+v", out)
	}
}

func TestInfer_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantSub string
	}{
		{"server error", http.StatusInternalServerError, "model crashed", "status 500: model crashed"},
		{"bad image", http.StatusBadRequest, `{"detail":"Failed to read image"}`, "status 400"},
		{"malformed json", http.StatusOK, `{"findings": [`, "decode response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprint(w, tt.body)
			})
			_, err := c.Infer(context.Background(), &triage.InferenceRequest{Image: []byte{1}})
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("err = %v, want containing %q", err, tt.wantSub)
			}
		})
	}
}

func TestInfer_EmptyImage(t *testing.T) {
	t.Parallel()

	c, _ := New("http://127.0.0.1:1", time.Second)
	if _, err := c.Infer(context.Background(), &triage.InferenceRequest{}); !errors.Is(err, triage.ErrEmptyImage) {
		t.Errorf("err = %v, want ErrEmptyImage", err)
	}
}

func TestInfer_ContextCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := newTestClient(t, func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Infer(ctx, &triage.InferenceRequest{Image: []byte{1}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestHealthAndModels(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/health":
			_, _ = fmt.Fprint(w, `{"status":"healthy","version":"1.0.0","models_loaded":true,"device":"cuda"}`)
		case "/v1/models":
			_, _ = fmt.Fprint(w, `{"classifier":{"name":"densenet121-res224-all"},"detector":null,"models_available":true}`)
		default:
			http.NotFound(w, r)
		}
	})

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "healthy" || !h.ModelsLoaded || h.Device != "cuda" {
		t.Errorf("health = %+v", h)
	}

	m, err := c.Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if !m.ModelsAvailable || !strings.Contains(string(m.Classifier), "densenet") {
		t.Errorf("models = %+v", m)
	}
}
