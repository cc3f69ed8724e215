package triage

import (
	"math"
	"time"
)

// Detector and LLM defaults applied when a snapshot carries unusable values.
const (
	DefaultDetectorConfidence = 0.25
	DefaultDetectorIOU        = 0.45
	DefaultDetectorMaxBoxes   = 10
	DefaultLLMTimeout         = 30 * time.Second

	defaultTriageThreshold = 0.30
	defaultStrongThreshold = 0.70
)

// FindingThreshold is the per-finding decision configuration.
type FindingThreshold struct {
	TriageThreshold float64 `json:"triage_threshold" yaml:"triage_threshold"`
	StrongThreshold float64 `json:"strong_threshold" yaml:"strong_threshold"`
	Enabled         bool    `json:"enabled" yaml:"enabled"`
}

// ProviderKind identifies an LLM rewrite backend.
type ProviderKind string

const (
	ProviderClaude      ProviderKind = "claude"
	ProviderGemini      ProviderKind = "gemini"
	ProviderAzureOpenAI ProviderKind = "azure_openai"
)

// ProviderSettings is the active LLM provider selection. Each implementation
// carries only the parameters of its own backend.
type ProviderSettings interface {
	Kind() ProviderKind
	IsEnabled() bool
	Params() ModelParams
}

// ModelParams are the generation parameters common to every provider.
type ModelParams struct {
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// ClaudeSettings configures the Anthropic backend.
type ClaudeSettings struct {
	Enabled     bool
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

func (s ClaudeSettings) Kind() ProviderKind { return ProviderClaude }
func (s ClaudeSettings) IsEnabled() bool    { return s.Enabled }
func (s ClaudeSettings) Params() ModelParams {
	return ModelParams{Model: s.Model, Temperature: s.Temperature, MaxTokens: s.MaxTokens}
}

// GeminiSettings configures the Google Gemini backend.
type GeminiSettings struct {
	Enabled     bool
	Model       string
	APIKey      string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

func (s GeminiSettings) Kind() ProviderKind { return ProviderGemini }
func (s GeminiSettings) IsEnabled() bool    { return s.Enabled }
func (s GeminiSettings) Params() ModelParams {
	return ModelParams{Model: s.Model, Temperature: s.Temperature, TopP: s.TopP, MaxTokens: s.MaxTokens}
}

// AzureOpenAISettings configures an Azure OpenAI deployment.
type AzureOpenAISettings struct {
	Enabled     bool
	Endpoint    string
	APIKey      string
	APIVersion  string
	Deployment  string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

func (s AzureOpenAISettings) Kind() ProviderKind { return ProviderAzureOpenAI }
func (s AzureOpenAISettings) IsEnabled() bool    { return s.Enabled }
func (s AzureOpenAISettings) Params() ModelParams {
	return ModelParams{Model: s.Deployment, Temperature: s.Temperature, TopP: s.TopP, MaxTokens: s.MaxTokens}
}

// LLMConfig controls the optional report rewrite.
type LLMConfig struct {
	Enabled  bool
	Timeout  time.Duration
	Provider ProviderSettings
}

// EngineConfig is the immutable snapshot an analysis runs against. Callers
// build one per request (or per settings epoch) and never mutate it after
// handing it to the engine.
type EngineConfig struct {
	Findings           map[string]FindingThreshold
	DetectorConfidence float64
	DetectorIOU        float64
	DetectorMaxBoxes   int
	CalibrationEnabled bool
	LLM                LLMConfig
}

// DefaultFindingThresholds returns the stock thresholds for the configurable findings.
func DefaultFindingThresholds() map[string]FindingThreshold {
	return map[string]FindingThreshold{
		Pneumothorax:    {TriageThreshold: 0.25, StrongThreshold: 0.65, Enabled: true},
		PleuralEffusion: {TriageThreshold: 0.30, StrongThreshold: 0.70, Enabled: true},
		Consolidation:   {TriageThreshold: 0.35, StrongThreshold: 0.70, Enabled: true},
		Cardiomegaly:    {TriageThreshold: 0.40, StrongThreshold: 0.75, Enabled: true},
		Edema:           {TriageThreshold: 0.35, StrongThreshold: 0.70, Enabled: true},
		Nodule:          {TriageThreshold: 0.30, StrongThreshold: 0.65, Enabled: true},
		Mass:            {TriageThreshold: 0.25, StrongThreshold: 0.60, Enabled: true},
	}
}

// DefaultConfig returns the stock engine configuration with the LLM rewrite off.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		Findings:           DefaultFindingThresholds(),
		DetectorConfidence: DefaultDetectorConfidence,
		DetectorIOU:        DefaultDetectorIOU,
		DetectorMaxBoxes:   DefaultDetectorMaxBoxes,
		CalibrationEnabled: true,
		LLM:                LLMConfig{Timeout: DefaultLLMTimeout},
	}
}

// Threshold returns the thresholds for name. Unknown findings get 0.30/0.70
// enabled. A triage threshold above the strong threshold is clamped down to it.
func (c *EngineConfig) Threshold(name string) FindingThreshold {
	ft, ok := c.Findings[name]
	if !ok {
		ft = FindingThreshold{TriageThreshold: defaultTriageThreshold, StrongThreshold: defaultStrongThreshold, Enabled: true}
	}
	ft.TriageThreshold = unitOr(ft.TriageThreshold, defaultTriageThreshold)
	ft.StrongThreshold = unitOr(ft.StrongThreshold, defaultStrongThreshold)
	if ft.TriageThreshold > ft.StrongThreshold {
		ft.TriageThreshold = ft.StrongThreshold
	}
	return ft
}

// Normalized returns a copy with detector and timeout anomalies replaced by defaults.
func (c EngineConfig) Normalized() EngineConfig {
	out := c.Clone()
	out.DetectorConfidence = unitOr(out.DetectorConfidence, DefaultDetectorConfidence)
	out.DetectorIOU = unitOr(out.DetectorIOU, DefaultDetectorIOU)
	if out.DetectorMaxBoxes <= 0 {
		out.DetectorMaxBoxes = DefaultDetectorMaxBoxes
	}
	if out.LLM.Timeout <= 0 {
		out.LLM.Timeout = DefaultLLMTimeout
	}
	return out
}

// Clone deep-copies the threshold map. Provider settings are values and copy with the struct.
func (c EngineConfig) Clone() EngineConfig {
	out := c
	out.Findings = make(map[string]FindingThreshold, len(c.Findings))
	for k, v := range c.Findings {
		out.Findings[k] = v
	}
	return out
}

// unitOr returns v when it is a finite value in [0,1], otherwise def.
func unitOr(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return def
	}
	return v
}

// clampUnit maps NaN to 0 and clamps to [0,1].
func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
