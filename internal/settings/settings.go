// Package settings holds the operator-editable engine settings: per-finding
// thresholds, detector parameters, calibration toggle and the LLM rewrite
// providers. Settings are read from and persisted to a YAML file and turned
// into immutable triage.EngineConfig snapshots.
package settings

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// Masked replaces secrets in settings returned to clients. Submitting it back
// in an update keeps the stored secret.
const Masked = "********"

// Settings is the full editable configuration.
type Settings struct {
	AI  AI  `yaml:"ai" json:"ai"`
	LLM LLM `yaml:"llm" json:"llm"`
}

// AI holds the decision parameters.
type AI struct {
	Findings           map[string]triage.FindingThreshold `yaml:"findings" json:"findings"`
	DetectorConfidence float64                            `yaml:"detector_confidence" json:"detector_confidence"`
	DetectorIOU        float64                            `yaml:"detector_iou" json:"detector_iou"`
	DetectorMaxBoxes   int                                `yaml:"detector_max_boxes" json:"detector_max_boxes"`
	CalibrationEnabled bool                               `yaml:"calibration_enabled" json:"calibration_enabled"`
}

// LLM holds the rewrite switch and every provider's settings. Only the
// active provider is handed to the engine.
type LLM struct {
	ActiveProvider string      `yaml:"active_provider" json:"active_provider"`
	RewriteEnabled bool        `yaml:"llm_rewrite_enabled" json:"llm_rewrite_enabled"`
	TimeoutSeconds int         `yaml:"timeout_seconds" json:"timeout_seconds"`
	AzureOpenAI    AzureOpenAI `yaml:"azure_openai" json:"azure_openai"`
	Claude         Claude      `yaml:"claude" json:"claude"`
	Gemini         Gemini      `yaml:"gemini" json:"gemini"`
}

// AzureOpenAI is the Azure OpenAI provider block.
type AzureOpenAI struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	Endpoint       string  `yaml:"endpoint" json:"endpoint"`
	DeploymentName string  `yaml:"deployment_name" json:"deployment_name"`
	APIVersion     string  `yaml:"api_version" json:"api_version"`
	APIKey         string  `yaml:"api_key" json:"api_key"`
	Temperature    float64 `yaml:"temperature" json:"temperature"`
	TopP           float64 `yaml:"top_p" json:"top_p"`
	MaxTokens      int     `yaml:"max_tokens" json:"max_tokens"`
}

// Claude is the Anthropic provider block.
type Claude struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	BaseURL     string  `yaml:"base_url" json:"base_url"`
	Model       string  `yaml:"model" json:"model"`
	APIKey      string  `yaml:"api_key" json:"api_key"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
}

// Gemini is the Google Gemini provider block.
type Gemini struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	Model           string  `yaml:"model" json:"model"`
	APIKey          string  `yaml:"api_key" json:"api_key"`
	Temperature     float64 `yaml:"temperature" json:"temperature"`
	TopP            float64 `yaml:"top_p" json:"top_p"`
	MaxOutputTokens int     `yaml:"max_output_tokens" json:"max_output_tokens"`
}

// Defaults returns the stock settings: calibrated decisions, no LLM rewrite.
func Defaults() Settings {
	def := triage.DefaultConfig()
	return Settings{
		AI: AI{
			Findings:           def.Findings,
			DetectorConfidence: def.DetectorConfidence,
			DetectorIOU:        def.DetectorIOU,
			DetectorMaxBoxes:   def.DetectorMaxBoxes,
			CalibrationEnabled: def.CalibrationEnabled,
		},
		LLM: LLM{
			TimeoutSeconds: int(triage.DefaultLLMTimeout / time.Second),
			AzureOpenAI: AzureOpenAI{
				APIVersion:  "2024-02-15-preview",
				Temperature: 0.3,
				TopP:        0.95,
				MaxTokens:   1024,
			},
			Claude: Claude{
				Model:       "claude-sonnet-4-20250514",
				Temperature: 0.3,
				MaxTokens:   1024,
			},
			Gemini: Gemini{
				Model:           "gemini-1.5-pro",
				Temperature:     0.3,
				TopP:            0.95,
				MaxOutputTokens: 1024,
			},
		},
	}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.AI.Findings = make(map[string]triage.FindingThreshold, len(s.AI.Findings))
	for k, v := range s.AI.Findings {
		out.AI.Findings[k] = v
	}
	return out
}

// Validate checks every field and reports all problems at once.
func (s *Settings) Validate() error {
	var errs []error

	names := make([]string, 0, len(s.AI.Findings))
	for name := range s.AI.Findings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ft := s.AI.Findings[name]
		if !configurable(name) {
			errs = append(errs, fmt.Errorf("ai.findings: %q has no configurable thresholds", name))
			continue
		}
		if !inUnit(ft.TriageThreshold) {
			errs = append(errs, fmt.Errorf("ai.findings.%s.triage_threshold %v must be in [0,1]", name, ft.TriageThreshold))
		}
		if !inUnit(ft.StrongThreshold) {
			errs = append(errs, fmt.Errorf("ai.findings.%s.strong_threshold %v must be in [0,1]", name, ft.StrongThreshold))
		}
		if ft.TriageThreshold > ft.StrongThreshold {
			errs = append(errs, fmt.Errorf("ai.findings.%s: triage_threshold %v exceeds strong_threshold %v", name, ft.TriageThreshold, ft.StrongThreshold))
		}
	}

	if !inUnit(s.AI.DetectorConfidence) {
		errs = append(errs, fmt.Errorf("ai.detector_confidence %v must be in [0,1]", s.AI.DetectorConfidence))
	}
	if !inUnit(s.AI.DetectorIOU) {
		errs = append(errs, fmt.Errorf("ai.detector_iou %v must be in [0,1]", s.AI.DetectorIOU))
	}
	if s.AI.DetectorMaxBoxes < 1 || s.AI.DetectorMaxBoxes > 100 {
		errs = append(errs, fmt.Errorf("ai.detector_max_boxes %d must be in 1..100", s.AI.DetectorMaxBoxes))
	}

	switch triage.ProviderKind(s.LLM.ActiveProvider) {
	case "", triage.ProviderAzureOpenAI, triage.ProviderClaude, triage.ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("llm.active_provider %q must be one of azure_openai, claude, gemini", s.LLM.ActiveProvider))
	}
	if s.LLM.RewriteEnabled && s.LLM.ActiveProvider == "" {
		errs = append(errs, errors.New("llm.llm_rewrite_enabled requires llm.active_provider"))
	}
	if s.LLM.TimeoutSeconds < 1 || s.LLM.TimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("llm.timeout_seconds %d must be in 1..300", s.LLM.TimeoutSeconds))
	}

	a := s.LLM.AzureOpenAI
	errs = append(errs, generation("llm.azure_openai", a.Temperature, a.TopP, a.MaxTokens)...)
	if a.Enabled && (a.Endpoint == "" || a.DeploymentName == "") {
		errs = append(errs, errors.New("llm.azure_openai: endpoint and deployment_name are required when enabled"))
	}
	c := s.LLM.Claude
	errs = append(errs, generation("llm.claude", c.Temperature, 1, c.MaxTokens)...)
	if c.Enabled && c.Model == "" {
		errs = append(errs, errors.New("llm.claude: model is required when enabled"))
	}
	g := s.LLM.Gemini
	errs = append(errs, generation("llm.gemini", g.Temperature, g.TopP, g.MaxOutputTokens)...)
	if g.Enabled && g.Model == "" {
		errs = append(errs, errors.New("llm.gemini: model is required when enabled"))
	}

	return errors.Join(errs...)
}

func generation(prefix string, temperature, topP float64, maxTokens int) []error {
	var errs []error
	if math.IsNaN(temperature) || temperature < 0 || temperature > 2 {
		errs = append(errs, fmt.Errorf("%s.temperature %v must be in [0,2]", prefix, temperature))
	}
	if math.IsNaN(topP) || topP <= 0 || topP > 1 {
		errs = append(errs, fmt.Errorf("%s.top_p %v must be in (0,1]", prefix, topP))
	}
	if maxTokens < 1 || maxTokens > 8192 {
		errs = append(errs, fmt.Errorf("%s max tokens %d must be in 1..8192", prefix, maxTokens))
	}
	return errs
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func configurable(name string) bool {
	for _, f := range triage.ConfigurableFindings {
		if f == name {
			return true
		}
	}
	return false
}

// normalizeFindings rewrites threshold keys to canonical names so that
// "Pleural effusion" in a hand-edited file lands on pleural_effusion.
func (s *Settings) normalizeFindings() {
	if s.AI.Findings == nil {
		return
	}
	out := make(map[string]triage.FindingThreshold, len(s.AI.Findings))
	for k, v := range s.AI.Findings {
		out[triage.NormalizeFindingName(k)] = v
	}
	s.AI.Findings = out
}

// EngineConfig converts the settings into an engine snapshot. The active
// provider becomes the tagged provider variant; other providers are dropped.
func (s *Settings) EngineConfig() triage.EngineConfig {
	cfg := triage.EngineConfig{
		Findings:           make(map[string]triage.FindingThreshold, len(s.AI.Findings)),
		DetectorConfidence: s.AI.DetectorConfidence,
		DetectorIOU:        s.AI.DetectorIOU,
		DetectorMaxBoxes:   s.AI.DetectorMaxBoxes,
		CalibrationEnabled: s.AI.CalibrationEnabled,
		LLM: triage.LLMConfig{
			Enabled:  s.LLM.RewriteEnabled,
			Timeout:  time.Duration(s.LLM.TimeoutSeconds) * time.Second,
			Provider: s.LLM.activeProvider(),
		},
	}
	for k, v := range s.AI.Findings {
		cfg.Findings[k] = v
	}
	return cfg
}

func (l *LLM) activeProvider() triage.ProviderSettings {
	switch triage.ProviderKind(l.ActiveProvider) {
	case triage.ProviderClaude:
		c := l.Claude
		return triage.ClaudeSettings{
			Enabled: c.Enabled, Model: c.Model, APIKey: c.APIKey, BaseURL: c.BaseURL,
			Temperature: c.Temperature, MaxTokens: c.MaxTokens,
		}
	case triage.ProviderGemini:
		g := l.Gemini
		return triage.GeminiSettings{
			Enabled: g.Enabled, Model: g.Model, APIKey: g.APIKey,
			Temperature: g.Temperature, TopP: g.TopP, MaxTokens: g.MaxOutputTokens,
		}
	case triage.ProviderAzureOpenAI:
		a := l.AzureOpenAI
		return triage.AzureOpenAISettings{
			Enabled: a.Enabled, Endpoint: a.Endpoint, APIKey: a.APIKey, APIVersion: a.APIVersion,
			Deployment: a.DeploymentName, Temperature: a.Temperature, TopP: a.TopP, MaxTokens: a.MaxTokens,
		}
	}
	return nil
}

// Redacted returns a copy with every non-empty API key replaced by Masked.
func (s Settings) Redacted() Settings {
	out := s.Clone()
	mask(&out.LLM.AzureOpenAI.APIKey)
	mask(&out.LLM.Claude.APIKey)
	mask(&out.LLM.Gemini.APIKey)
	return out
}

func mask(v *string) {
	if *v != "" {
		*v = Masked
	}
}

// keepSecrets copies prev's API keys into s wherever s carries Masked.
func (s *Settings) keepSecrets(prev *Settings) {
	keep(&s.LLM.AzureOpenAI.APIKey, prev.LLM.AzureOpenAI.APIKey)
	keep(&s.LLM.Claude.APIKey, prev.LLM.Claude.APIKey)
	keep(&s.LLM.Gemini.APIKey, prev.LLM.Gemini.APIKey)
}

func keep(v *string, prev string) {
	if *v == Masked {
		*v = prev
	}
}

// ApplyEnv overrides API keys from the environment so secrets need not live
// in the settings file. lookup is usually os.LookupEnv.
func (s *Settings) ApplyEnv(prefix string, lookup func(string) (string, bool)) {
	for name, dst := range map[string]*string{
		"AZURE_OPENAI_API_KEY": &s.LLM.AzureOpenAI.APIKey,
		"CLAUDE_API_KEY":       &s.LLM.Claude.APIKey,
		"GEMINI_API_KEY":       &s.LLM.Gemini.APIKey,
	} {
		if v, ok := lookup(prefix + name); ok && v != "" {
			*dst = v
		}
	}
}

// Changes lists the dotted sections that differ between a and b, for the
// settings_change audit entry. Secrets are reported by name only.
func Changes(a, b *Settings) []string {
	var out []string
	add := func(cond bool, name string) {
		if cond {
			out = append(out, name)
		}
	}

	names := make(map[string]bool)
	for k := range a.AI.Findings {
		names[k] = true
	}
	for k := range b.AI.Findings {
		names[k] = true
	}
	sorted := make([]string, 0, len(names))
	for k := range names {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		av, aok := a.AI.Findings[k]
		bv, bok := b.AI.Findings[k]
		add(aok != bok || av != bv, "ai.findings."+k)
	}
	add(a.AI.DetectorConfidence != b.AI.DetectorConfidence, "ai.detector_confidence")
	add(a.AI.DetectorIOU != b.AI.DetectorIOU, "ai.detector_iou")
	add(a.AI.DetectorMaxBoxes != b.AI.DetectorMaxBoxes, "ai.detector_max_boxes")
	add(a.AI.CalibrationEnabled != b.AI.CalibrationEnabled, "ai.calibration_enabled")
	add(a.LLM.ActiveProvider != b.LLM.ActiveProvider, "llm.active_provider")
	add(a.LLM.RewriteEnabled != b.LLM.RewriteEnabled, "llm.llm_rewrite_enabled")
	add(a.LLM.TimeoutSeconds != b.LLM.TimeoutSeconds, "llm.timeout_seconds")
	add(a.LLM.AzureOpenAI != b.LLM.AzureOpenAI, "llm.azure_openai")
	add(a.LLM.Claude != b.LLM.Claude, "llm.claude")
	add(a.LLM.Gemini != b.LLM.Gemini, "llm.gemini")
	return out
}
