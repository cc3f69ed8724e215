package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config holds the server's process-level settings. Engine thresholds and
// LLM provider settings live in the settings file, not here.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	AdminToken            string
	MaxUploadMB           int
	DatabaseURL           string
	InferenceURL          string
	InferenceTimeout      time.Duration
	SettingsFile          string
	CalibrationFile       string
	LLMRatePerSecond      float64
	LLMBurst              int
	SlackWebhookURL       string
	PublicURL             string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "Bearer token for study and worklist endpoints")
	fs.StringVar(&c.AdminToken, "admin-token", "", "Bearer token allowed to change settings (empty = settings are read-only)")
	fs.IntVar(&c.MaxUploadMB, "max-upload-mb", 50, "Maximum radiograph upload size in MiB (1..512)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.InferenceURL, "inference-url", "", "Base URL of the classifier/detector inference service")
	fs.DurationVar(&c.InferenceTimeout, "inference-timeout", 60*time.Second, "Timeout for one inference call")
	fs.StringVar(&c.SettingsFile, "settings-file", "", "YAML engine settings file (empty = built-in defaults, not persisted)")
	fs.StringVar(&c.CalibrationFile, "calibration-file", "", "JSON calibration artifact (empty = no calibration)")
	fs.Float64Var(&c.LLMRatePerSecond, "llm-rate", 2, "Maximum report rewrite requests per second (0 = unlimited)")
	fs.IntVar(&c.LLMBurst, "llm-burst", 4, "Burst size for report rewrite requests")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for URGENT study notifications")
	fs.StringVar(&c.PublicURL, "public-url", "", "External base URL used to link studies in notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}
	if c.AdminToken != "" && c.AdminToken == c.APIToken {
		errs = append(errs, errors.New("ADMIN_TOKEN must differ from API_TOKEN"))
	}

	if c.MaxUploadMB <= 0 || c.MaxUploadMB > 512 {
		errs = append(errs, fmt.Errorf("invalid MAX_UPLOAD_MB %d (must be 1..512)", c.MaxUploadMB))
	}

	// Studies cannot be analyzed without the inference service
	if c.InferenceURL == "" {
		errs = append(errs, errors.New("INFERENCE_URL is required"))
	}
	if c.InferenceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid INFERENCE_TIMEOUT %s (must be positive)", c.InferenceTimeout))
	}

	if c.LLMRatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("invalid LLM_RATE %g (must not be negative)", c.LLMRatePerSecond))
	}
	if c.LLMBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid LLM_BURST %d (must be at least 1)", c.LLMBurst))
	}

	return errors.Join(errs...)
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}
