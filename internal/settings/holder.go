package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// ErrInvalid wraps validation failures returned by Update.
var ErrInvalid = errors.New("invalid settings")

// Holder serves the current settings to concurrent readers and serializes
// updates. Readers get copies; an analysis that started before an update
// keeps the snapshot it was given.
type Holder struct {
	mu     sync.Mutex // serializes Update
	cur    atomic.Pointer[snapshot]
	path   string
	logger log.Logger
}

type snapshot struct {
	settings Settings
	engine   triage.EngineConfig
}

// NewHolder returns a holder seeded with initial. When path is non-empty,
// updates are persisted there before they take effect.
func NewHolder(initial Settings, path string, logger log.Logger) *Holder {
	if logger == nil {
		logger = log.Nop()
	}
	h := &Holder{path: path, logger: logger}
	h.store(initial)
	return h
}

func (h *Holder) store(s Settings) {
	s = s.Clone()
	h.cur.Store(&snapshot{settings: s, engine: s.EngineConfig()})
}

// Settings returns a copy of the current settings, secrets included.
func (h *Holder) Settings() Settings {
	return h.cur.Load().settings.Clone()
}

// EngineConfig returns a copy of the current engine snapshot.
func (h *Holder) EngineConfig() triage.EngineConfig {
	return h.cur.Load().engine.Clone()
}

// Update validates next, persists it and makes it current. API keys sent as
// Masked keep their stored values. It returns the dotted names of the
// sections that changed.
func (h *Holder) Update(ctx context.Context, next Settings) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.cur.Load().settings
	next = next.Clone()
	next.normalizeFindings()
	next.keepSecrets(&prev)
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	changed := Changes(&prev, &next)
	if len(changed) == 0 {
		return nil, nil
	}

	if h.path != "" {
		if err := Save(h.path, &next); err != nil {
			return nil, fmt.Errorf("persist settings: %w", err)
		}
	}
	h.store(next)

	h.logger.Info(ctx, "settings updated",
		"changed", changed,
		"llm_rewrite_enabled", next.LLM.RewriteEnabled,
		"active_provider", next.LLM.ActiveProvider,
		"persisted", h.path != "",
	)
	return changed, nil
}
