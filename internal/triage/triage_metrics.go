package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	FindingsFlagged  *prometheus.CounterVec
	BoxesKept        prometheus.Histogram
	RewritesTotal    *prometheus.CounterVec
	RewriteDuration  *prometheus.HistogramVec
	SubmitsTotal     *prometheus.CounterVec
	StudiesTotal     *prometheus.CounterVec
	InferenceErrors  prometheus.Counter
	ReviewsTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxrtriage_analyses_total",
			Help: "Total engine analyses by triage level and whether the report was rewritten.",
		}, []string{"level", "llm_rewritten"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cxrtriage_analysis_duration_seconds",
			Help:    "Duration of engine analyses in seconds, including any rewrite.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms .. ~262s
		}),
		FindingsFlagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxrtriage_findings_flagged_total",
			Help: "Enabled findings resolved above NEG, by status.",
		}, []string{"status"}),
		BoxesKept: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cxrtriage_boxes_kept",
			Help:    "Detection boxes surviving post-processing per analysis.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		RewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxrtriage_llm_rewrites_total",
			Help: "LLM report rewrite attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RewriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cxrtriage_llm_rewrite_duration_seconds",
			Help:    "Duration of LLM rewrite attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. ~32s
		}, []string{"provider"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxrtriage_submits_total",
			Help: "Total study submissions by result.",
		}, []string{"result"}),
		StudiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxrtriage_studies_total",
			Help: "Studies that finished processing by final status.",
		}, []string{"status"}),
		InferenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cxrtriage_inference_errors_total",
			Help: "Inference service calls that failed.",
		}),
		ReviewsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cxrtriage_qa_reviews_total",
			Help: "Radiologist QA reviews recorded, by review type (TP, FP, TN, FN).",
		}, []string{"review_type"}),
	}

	reg.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.FindingsFlagged,
		m.BoxesKept,
		m.RewritesTotal,
		m.RewriteDuration,
		m.SubmitsTotal,
		m.StudiesTotal,
		m.InferenceErrors,
		m.ReviewsTotal,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnRewrite: func(provider, outcome string, duration float64) {
			m.RewritesTotal.WithLabelValues(provider, outcome).Inc()
			m.RewriteDuration.WithLabelValues(provider).Observe(duration)
		},
		OnComplete: func(e *CompleteEvent) {
			rewritten := "false"
			if e.LLMRewritten {
				rewritten = "true"
			}
			m.AnalysesTotal.WithLabelValues(string(e.Level), rewritten).Inc()
			m.AnalysisDuration.Observe(e.Duration)
			m.FindingsFlagged.WithLabelValues(string(StatusPositive)).Add(float64(e.Positive))
			m.FindingsFlagged.WithLabelValues(string(StatusPossible)).Add(float64(e.Possible))
			m.FindingsFlagged.WithLabelValues(string(StatusUncertain)).Add(float64(e.Uncertain))
			m.BoxesKept.Observe(float64(e.Boxes))
		},
	}
}

// ServiceHooks returns the callbacks the Service uses for lifecycle metrics.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnFinish: func(status StudyStatus, inferenceFailed bool) {
			m.StudiesTotal.WithLabelValues(string(status)).Inc()
			if inferenceFailed {
				m.InferenceErrors.Inc()
			}
		},
		OnReview: func(t ReviewType) {
			m.ReviewsTotal.WithLabelValues(string(t)).Inc()
		},
	}
}
