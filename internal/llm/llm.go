// Package llm selects and builds the report rewrite backend for the active
// provider settings. All backends share one rate limiter so a burst of
// studies cannot exhaust provider quota.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/cxrtriage/internal/llm/azureopenai"
	"github.com/linnemanlabs/cxrtriage/internal/llm/claude"
	"github.com/linnemanlabs/cxrtriage/internal/llm/gemini"
	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// Factory implements triage.RewriterFactory. The backend for the most recent
// settings is cached until the settings change.
type Factory struct {
	limiter *rate.Limiter
	build   func(triage.ProviderSettings) (triage.Rewriter, error)

	mu      sync.Mutex
	lastKey triage.ProviderSettings
	last    triage.Rewriter
}

// NewFactory returns a factory whose rewriters share a limiter of
// perSecond calls with the given burst. perSecond <= 0 disables limiting.
func NewFactory(perSecond float64, burst int) *Factory {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Factory{
		limiter: rate.NewLimiter(limit, burst),
		build:   newBackend,
	}
}

// Rewriter returns the backend for p.
func (f *Factory) Rewriter(p triage.ProviderSettings) (triage.Rewriter, error) {
	if p == nil || !p.IsEnabled() {
		return nil, triage.ErrProviderDisabled
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last != nil && f.lastKey == p {
		return f.last, nil
	}
	rw, err := f.build(p)
	if err != nil {
		return nil, err
	}
	f.lastKey, f.last = p, &limited{inner: rw, limiter: f.limiter}
	return f.last, nil
}

func newBackend(p triage.ProviderSettings) (triage.Rewriter, error) {
	switch s := p.(type) {
	case triage.ClaudeSettings:
		return claude.New(s)
	case triage.GeminiSettings:
		return gemini.New(s)
	case triage.AzureOpenAISettings:
		return azureopenai.New(s, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)})
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", p.Kind())
	}
}

type limited struct {
	inner   triage.Rewriter
	limiter *rate.Limiter
}

func (l *limited) Rewrite(ctx context.Context, req *triage.RewriteRequest) (*triage.RewriteResponse, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm rate limit: %w", err)
	}
	return l.inner.Rewrite(ctx, req)
}
