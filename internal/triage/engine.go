// internal/triage/engine.go
package triage

import (
	"context"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/linnemanlabs/cxrtriage/internal/triage"

// CompleteEvent summarizes one analysis for metrics.
type CompleteEvent struct {
	Level        Level
	Positive     int
	Possible     int
	Uncertain    int
	Boxes        int
	LLMRewritten bool
	Duration     float64
}

// EngineHooks are optional callbacks fired during Analyze. Nil fields are skipped.
type EngineHooks struct {
	OnRewrite  func(provider, outcome string, duration float64)
	OnComplete func(e *CompleteEvent)
}

// Engine turns raw model output into a triage decision and a draft report.
// It holds no per-request state and is safe for concurrent use.
type Engine struct {
	calibration CalibrationSet
	composer    *Composer
	logger      log.Logger
	hooks       EngineHooks
	tracer      trace.Tracer
}

// NewEngine creates an engine. factory may be nil, in which case every
// rewrite falls back to the template text.
func NewEngine(calibration CalibrationSet, factory RewriterFactory, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	tracer := otel.Tracer(tracerName)
	return &Engine{
		calibration: calibration,
		composer: &Composer{
			factory: factory,
			logger:  logger,
			hooks:   hooks,
			tracer:  tracer,
		},
		logger: logger,
		hooks:  hooks,
		tracer: tracer,
	}
}

// Analyze runs calibration, status resolution, detection post-processing,
// aggregation and report composition against one config snapshot. It never
// fails; a nil raw output is treated as empty.
func (e *Engine) Analyze(ctx context.Context, raw *RawOutput, cfg EngineConfig) *Analysis {
	start := time.Now()
	cfg = cfg.Normalized()
	if raw == nil {
		raw = &RawOutput{}
	}

	ctx, span := e.tracer.Start(ctx, "triage.analyze",
		trace.WithAttributes(
			attribute.Int("cxr.findings.input", len(raw.Findings)),
			attribute.Int("cxr.boxes.input", len(raw.Boxes)),
			attribute.Bool("cxr.calibration.enabled", cfg.CalibrationEnabled),
			attribute.Bool("cxr.llm.enabled", cfg.LLM.Enabled),
		),
	)
	defer span.End()

	findings := e.resolveAll(raw.Findings, &cfg)
	boxes := PostProcess(candidateBoxes(raw.Boxes, &cfg), &cfg)
	tr := Aggregate(findings, boxes)

	enabled := make([]FindingResult, 0, len(findings))
	for _, f := range findings {
		if f.Enabled {
			enabled = append(enabled, f)
		}
	}
	report := e.composer.Compose(ctx, enabled, boxes, tr, &cfg)

	ev := &CompleteEvent{
		Level:        tr.Level,
		Boxes:        len(boxes),
		LLMRewritten: report.LLMRewritten,
		Duration:     time.Since(start).Seconds(),
	}
	for _, f := range enabled {
		switch f.Status {
		case StatusPositive:
			ev.Positive++
		case StatusPossible:
			ev.Possible++
		case StatusUncertain:
			ev.Uncertain++
		}
	}

	span.SetAttributes(
		attribute.String("cxr.triage.level", string(tr.Level)),
		attribute.Int("cxr.boxes.kept", len(boxes)),
		attribute.Bool("cxr.report.llm_rewritten", report.LLMRewritten),
	)
	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(ev)
	}

	e.logger.Info(ctx, "analysis complete",
		"level", tr.Level,
		"findings", len(findings),
		"boxes", len(boxes),
		"llm_rewritten", report.LLMRewritten,
		"duration", ev.Duration,
	)

	return &Analysis{
		TriageLevel:   tr.Level,
		TriageReasons: tr.Reasons,
		Findings:      findings,
		BoundingBoxes: boxes,
		Report:        report,
	}
}

// candidateBoxes returns copies of the detector boxes with canonical finding
// names, leaving out boxes of disabled findings so they neither take a slot
// under the box cap nor reach the aggregator or the report.
func candidateBoxes(raw []DetectionBox, cfg *EngineConfig) []DetectionBox {
	out := make([]DetectionBox, 0, len(raw))
	for _, b := range raw {
		b.FindingName = NormalizeFindingName(b.FindingName)
		if !cfg.Threshold(b.FindingName).Enabled {
			continue
		}
		out = append(out, b)
	}
	return out
}

// resolveAll merges raw findings by canonical name (max probability, any
// uncertain flag wins), calibrates and resolves each one. Output follows
// vocabulary order, then unknown names alphabetically.
func (e *Engine) resolveAll(raw []RawFinding, cfg *EngineConfig) []FindingResult {
	type merged struct {
		p         float64
		uncertain bool
	}
	byName := make(map[string]*merged, len(raw))
	for _, rf := range raw {
		name := NormalizeFindingName(rf.Name)
		if name == "" {
			continue
		}
		p := clampUnit(rf.Probability)
		if m, ok := byName[name]; ok {
			if p > m.p {
				m.p = p
			}
			m.uncertain = m.uncertain || rf.Uncertain
			continue
		}
		byName[name] = &merged{p: p, uncertain: rf.Uncertain}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ii, ij := vocabularyIndex(names[i]), vocabularyIndex(names[j])
		if ii != ij {
			return ii < ij
		}
		return names[i] < names[j]
	})

	out := make([]FindingResult, 0, len(names))
	for _, name := range names {
		m := byName[name]
		var calibrated *float64
		if cfg.CalibrationEnabled {
			if _, ok := e.calibration.Lookup(name); ok {
				c := Calibrate(e.calibration, name, m.p, cfg)
				calibrated = &c
			}
		}
		out = append(out, Resolve(name, m.p, calibrated, m.uncertain, cfg))
	}
	return out
}
