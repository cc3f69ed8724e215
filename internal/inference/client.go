// Package inference is the HTTP client for the classifier/detector service.
// It implements triage.Inferencer.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// Client talks to the inference service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// New returns a client for baseURL. Requests are traced with otelhttp and
// bounded by timeout.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid inference url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid inference url %q: scheme must be http or https", baseURL)
	}
	return &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (c *Client) endpoint(p string) string {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	return u.String()
}

// wire shapes of the service's /analyze response
type wireFinding struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	Uncertain   bool    `json:"uncertain"`
}

type wireBox struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	XMin       float64 `json:"x_min"`
	YMin       float64 `json:"y_min"`
	XMax       float64 `json:"x_max"`
	YMax       float64 `json:"y_max"`
	XMinPx     *int    `json:"x_min_px"`
	YMinPx     *int    `json:"y_min_px"`
	XMaxPx     *int    `json:"x_max_px"`
	YMaxPx     *int    `json:"y_max_px"`
}

type analyzeResponse struct {
	Findings         []wireFinding `json:"findings"`
	BoundingBoxes    []wireBox     `json:"bounding_boxes"`
	ProcessingTimeMS int           `json:"processing_time_ms"`
}

// Infer uploads the image to /analyze and returns raw model output. The
// service is asked for uncalibrated probabilities; calibration happens in
// the engine.
func (c *Client) Infer(ctx context.Context, req *triage.InferenceRequest) (*triage.RawOutput, error) {
	if len(req.Image) == 0 {
		return nil, triage.ErrEmptyImage
	}

	body, contentType, err := multipartBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/analyze"), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	var resp analyzeResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, fmt.Errorf("inference analyze: %w", err)
	}

	out := &triage.RawOutput{
		Findings: make([]triage.RawFinding, 0, len(resp.Findings)),
		Boxes:    make([]triage.DetectionBox, 0, len(resp.BoundingBoxes)),
	}
	for _, f := range resp.Findings {
		out.Findings = append(out.Findings, triage.RawFinding{Name: f.Name, Probability: f.Probability, Uncertain: f.Uncertain})
	}
	for _, b := range resp.BoundingBoxes {
		out.Boxes = append(out.Boxes, triage.DetectionBox{
			FindingName: b.Name,
			Confidence:  b.Confidence,
			XMin:        b.XMin, YMin: b.YMin, XMax: b.XMax, YMax: b.YMax,
			XMinPx: b.XMinPx, YMinPx: b.YMinPx, XMaxPx: b.XMaxPx, YMaxPx: b.YMaxPx,
		})
	}
	return out, nil
}

func multipartBody(req *triage.InferenceRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename := filepath.Base(req.Filename)
	if filename == "" || filename == "." || filename == "/" {
		filename = "image.png"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", imageContentType(filename))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(req.Image); err != nil {
		return nil, "", fmt.Errorf("write image: %w", err)
	}

	fields := [][2]string{
		{"detector_conf", strconv.FormatFloat(req.DetectorConfidence, 'f', -1, 64)},
		{"detector_iou", strconv.FormatFloat(req.DetectorIOU, 'f', -1, 64)},
		{"detector_max_boxes", strconv.Itoa(req.DetectorMaxBoxes)},
		{"calibration_enabled", "false"},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

func imageContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".dcm":
		return "application/dicom"
	}
	return "image/png"
}

// Health is the service's /health payload.
type Health struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	ModelsLoaded bool   `json:"models_loaded"`
	Device       string `json:"device"`
}

// Health queries /health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h); err != nil {
		return nil, fmt.Errorf("inference health: %w", err)
	}
	return &h, nil
}

// Models is the service's /models payload. Model details are passed through as-is.
type Models struct {
	Classifier      json.RawMessage `json:"classifier"`
	Detector        json.RawMessage `json:"detector"`
	ModelsAvailable bool            `json:"models_available"`
}

// Models queries /models.
func (c *Client) Models(ctx context.Context) (*Models, error) {
	var m Models
	if err := c.get(ctx, "/models", &m); err != nil {
		return nil, fmt.Errorf("inference models: %w", err)
	}
	return &m, nil
}

func (c *Client) get(ctx context.Context, p string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(p), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 256))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
