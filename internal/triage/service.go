package triage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// ErrEmptyImage is returned when a submission carries no image bytes.
var ErrEmptyImage = errors.New("empty image")

// ErrInFlight is returned by Store.Put when another pending or processing
// study already holds the same image fingerprint.
var ErrInFlight = errors.New("study with the same image already in flight")

// InferenceRequest is what the service hands to the model collaborator.
type InferenceRequest struct {
	Image              []byte
	Filename           string
	DetectorConfidence float64
	DetectorIOU        float64
	DetectorMaxBoxes   int
}

// Inferencer produces raw classifier and detector output for one image.
type Inferencer interface {
	Infer(ctx context.Context, req *InferenceRequest) (*RawOutput, error)
}

// ConfigSource supplies the current engine config snapshot.
type ConfigSource interface {
	EngineConfig() EngineConfig
}

// Notifier is told about URGENT studies.
type Notifier interface {
	NotifyUrgent(ctx context.Context, study *Study) error
}

// ServiceHooks are optional lifecycle callbacks. Nil fields are skipped.
type ServiceHooks struct {
	OnSubmit func(result string)
	OnFinish func(status StudyStatus, inferenceFailed bool)
	OnReview func(t ReviewType)
}

// Submission is an uploaded radiograph.
type Submission struct {
	Image           []byte
	Filename        string
	AccessionNumber string
	PatientID       string
	Actor           string
}

// SubmitResult is the outcome of submitting a study.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
	// Study is set for synchronous submissions once processing finished.
	Study *Study
}

// Option customizes a Service.
type Option func(*Service)

// WithNotifier sets the URGENT notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithHooks sets lifecycle hooks.
func WithHooks(h ServiceHooks) Option {
	return func(s *Service) { s.hooks = h }
}

// Service is the business boundary for study operations.
type Service struct {
	store      Store
	engine     *Engine
	inferencer Inferencer
	configs    ConfigSource
	notifier   Notifier
	hooks      ServiceHooks
	logger     log.Logger

	inflight sync.WaitGroup
}

// NewService creates a new study service.
func NewService(store Store, engine *Engine, inferencer Inferencer, configs ConfigSource, logger log.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		engine:     engine,
		inferencer: inferencer,
		configs:    configs,
		logger:     logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fingerprint is the hex SHA-256 of the image bytes, used for dedup.
func Fingerprint(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// Submit accepts a radiograph, handling dedup and lifecycle. With async set
// the study is processed in the background and only its ID is returned.
func (s *Service) Submit(ctx context.Context, sub *Submission, async bool) (*SubmitResult, error) {
	if sub == nil || len(sub.Image) == 0 {
		return nil, ErrEmptyImage
	}
	fp := Fingerprint(sub.Image)

	// dedup: skip if the same image is already pending or processing
	if existing, ok, err := s.store.GetByFingerprint(ctx, fp); err != nil {
		return nil, err
	} else if ok && existing.InFlight() {
		s.submitted("duplicate")
		return &SubmitResult{ID: existing.ID, Skipped: true, Reason: "duplicate"}, nil
	}

	id := ulid.Make().String()
	study := &Study{
		ID:               id,
		Fingerprint:      fp,
		Status:           StudyPending,
		OriginalFilename: sub.Filename,
		AccessionNumber:  sub.AccessionNumber,
		PatientID:        sub.PatientID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.Put(ctx, study); errors.Is(err, ErrInFlight) {
		// lost the race with a concurrent upload of the same image
		existing, ok, gerr := s.store.GetByFingerprint(ctx, fp)
		if gerr != nil {
			return nil, gerr
		}
		if !ok {
			return nil, err
		}
		s.submitted("duplicate")
		return &SubmitResult{ID: existing.ID, Skipped: true, Reason: "duplicate"}, nil
	} else if err != nil {
		return nil, err
	}
	s.audit(ctx, id, AuditStudyUpload, sub.Actor, map[string]any{
		"filename":    sub.Filename,
		"fingerprint": fp,
		"size_bytes":  len(sub.Image),
	})
	s.submitted("accepted")

	if async {
		// pass only the ID so the goroutine never shares the Study pointer
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.process(context.WithoutCancel(ctx), id, sub.Image, sub.Filename)
		}()
		return &SubmitResult{ID: id}, nil
	}

	// a client that goes away must not leave the study stuck in processing
	pctx := context.WithoutCancel(ctx)
	s.process(pctx, id, sub.Image, sub.Filename)
	done, ok, err := s.store.Get(pctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("study %s vanished after processing", id)
	}
	return &SubmitResult{ID: id, Study: done}, nil
}

// Wait blocks until background analyses finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate runs the engine on pre-computed raw output against the current config.
// Nothing is persisted.
func (s *Service) Evaluate(ctx context.Context, raw *RawOutput) *Analysis {
	return s.engine.Analyze(ctx, raw, s.configs.EngineConfig())
}

// Get retrieves a study by ID.
func (s *Service) Get(ctx context.Context, id string) (*Study, bool, error) {
	return s.store.Get(ctx, id)
}

// Worklist lists studies, most urgent first.
func (s *Service) Worklist(ctx context.Context, f ListFilter) ([]*Study, error) {
	return s.store.List(ctx, f)
}

// Audit lists audit entries, newest first.
func (s *Service) Audit(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	return s.store.ListAudit(ctx, f)
}

// RecordAudit appends an audit entry that is not tied to the study lifecycle,
// such as a settings change.
func (s *Service) RecordAudit(ctx context.Context, studyID, action, actor string, details map[string]any) error {
	return s.store.AppendAudit(ctx, &AuditEntry{
		ID:        ulid.Make().String(),
		StudyID:   studyID,
		Action:    action,
		Actor:     actor,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Service) process(ctx context.Context, id string, image []byte, filename string) {
	L := s.logger.With("study_id", id)
	start := time.Now()

	study, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch study for processing")
		return
	}

	study.Status = StudyProcessing
	if err := s.store.Put(ctx, study); err != nil {
		L.Error(ctx, err, "failed to update status to processing")
		return
	}
	s.audit(ctx, id, AuditAnalysisStart, "", nil)

	// one snapshot for the whole study so inference and triage agree
	cfg := s.configs.EngineConfig().Normalized()

	raw, err := s.inferencer.Infer(ctx, &InferenceRequest{
		Image:              image,
		Filename:           filename,
		DetectorConfidence: cfg.DetectorConfidence,
		DetectorIOU:        cfg.DetectorIOU,
		DetectorMaxBoxes:   cfg.DetectorMaxBoxes,
	})
	if err != nil {
		L.Error(ctx, err, "inference failed")
		study.Status = StudyFailed
		study.Error = fmt.Sprintf("inference failed: %v", err)
		study.CompletedAt = time.Now().UTC()
		study.Duration = time.Since(start).Seconds()
		if perr := s.store.Put(ctx, study); perr != nil {
			L.Error(ctx, perr, "failed to persist failed study")
		}
		s.audit(ctx, id, AuditAnalysisError, "", map[string]any{"error": err.Error()})
		s.finished(StudyFailed, true)
		return
	}

	analysis := s.engine.Analyze(ctx, raw, cfg)

	study.Status = StudyCompleted
	study.Analysis = analysis
	study.CompletedAt = time.Now().UTC()
	study.Duration = time.Since(start).Seconds()
	if err := s.store.Put(ctx, study); err != nil {
		L.Error(ctx, err, "failed to persist study analysis")
		return
	}
	s.audit(ctx, id, AuditAnalysisComplete, "", map[string]any{
		"triage_level":  string(analysis.TriageLevel),
		"llm_rewritten": analysis.Report.LLMRewritten,
	})
	s.finished(StudyCompleted, false)

	if analysis.TriageLevel == LevelUrgent && s.notifier != nil {
		if err := s.notifier.NotifyUrgent(ctx, study); err != nil {
			L.Error(ctx, err, "urgent notification failed")
		}
	}

	L.Info(ctx, "study processed",
		"level", analysis.TriageLevel,
		"duration", study.Duration,
	)
}

func (s *Service) audit(ctx context.Context, studyID, action, actor string, details map[string]any) {
	if err := s.RecordAudit(ctx, studyID, action, actor, details); err != nil {
		s.logger.Error(ctx, err, "failed to write audit entry", "study_id", studyID, "action", action)
	}
}

func (s *Service) submitted(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}

func (s *Service) finished(status StudyStatus, inferenceFailed bool) {
	if s.hooks.OnFinish != nil {
		s.hooks.OnFinish(status, inferenceFailed)
	}
}
