package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu      sync.Mutex
	studies map[string]*Study
	seen    map[string]string
	audit   []*AuditEntry
	reviews []*QAReview
	putErr  error
	getErr  error
	// honorCtx makes reads and writes fail once their context is done.
	honorCtx bool
	// staleLookups is how many GetByFingerprint calls miss, as if a
	// concurrent insert was not yet visible.
	staleLookups int
}

func newMockStore() *mockStore {
	return &mockStore{
		studies: make(map[string]*Study),
		seen:    make(map[string]string),
	}
}

func (m *mockStore) ctxErr(ctx context.Context) error {
	if m.honorCtx {
		return ctx.Err()
	}
	return nil
}

func (m *mockStore) Get(ctx context.Context, id string) (*Study, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	if err := m.ctxErr(ctx); err != nil {
		return nil, false, err
	}
	s, ok := m.studies[id]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (m *mockStore) GetByFingerprint(ctx context.Context, fp string) (*Study, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	if err := m.ctxErr(ctx); err != nil {
		return nil, false, err
	}
	if m.staleLookups > 0 {
		m.staleLookups--
		return nil, false, nil
	}
	id, ok := m.seen[fp]
	if !ok {
		return nil, false, nil
	}
	cp := *m.studies[id]
	return &cp, true, nil
}

func (m *mockStore) Put(ctx context.Context, s *Study) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if err := m.ctxErr(ctx); err != nil {
		return err
	}
	if s.InFlight() {
		if prev, ok := m.studies[m.seen[s.Fingerprint]]; ok && prev.ID != s.ID && prev.InFlight() {
			return ErrInFlight
		}
	}
	cp := *s
	m.studies[s.ID] = &cp
	m.seen[s.Fingerprint] = s.ID
	return nil
}

func (m *mockStore) List(_ context.Context, _ ListFilter) ([]*Study, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Study, 0, len(m.studies))
	for _, s := range m.studies {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) AppendAudit(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *mockStore) ListAudit(_ context.Context, f AuditFilter) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditEntry
	for _, e := range m.audit {
		if f.StudyID != "" && e.StudyID != f.StudyID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) PutReview(_ context.Context, r *QAReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reviews = append(m.reviews, &cp)
	return nil
}

func (m *mockStore) ListReviews(_ context.Context, studyID string) ([]*QAReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*QAReview, 0)
	for _, r := range m.reviews {
		if r.StudyID == studyID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) StudyStats(_ context.Context, since time.Time) ([]StudyStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StudyStat
	for _, s := range m.studies {
		if !s.CreatedAt.Before(since) {
			out = append(out, StudyStat{Level: s.TriageLevel(), Status: s.Status, CreatedAt: s.CreatedAt, Duration: s.Duration})
		}
	}
	return out, nil
}

func (m *mockStore) CountByLevel(_ context.Context) (map[Level]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Level]int)
	for _, s := range m.studies {
		if s.Analysis != nil {
			out[s.Analysis.TriageLevel]++
		}
	}
	return out, nil
}

func (m *mockStore) actions(studyID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.audit {
		if e.StudyID == studyID {
			out = append(out, e.Action)
		}
	}
	return out
}

type mockInferencer struct {
	mu   sync.Mutex
	raw  *RawOutput
	err  error
	wait chan struct{}
	last *InferenceRequest
	// before runs at the start of every call
	before func()
}

func (m *mockInferencer) Infer(ctx context.Context, req *InferenceRequest) (*RawOutput, error) {
	if m.before != nil {
		m.before()
	}
	if m.wait != nil {
		<-m.wait
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = req
	return m.raw, m.err
}

type staticConfig struct{ cfg EngineConfig }

func (s staticConfig) EngineConfig() EngineConfig { return s.cfg }

type mockNotifier struct {
	mu      sync.Mutex
	studies []*Study
	err     error
}

func (m *mockNotifier) NotifyUrgent(_ context.Context, s *Study) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.studies = append(m.studies, s)
	return m.err
}

func newTestService(store Store, inf Inferencer, opts ...Option) *Service {
	engine := NewEngine(CalibrationSet{}, nil, log.Nop(), EngineHooks{})
	return NewService(store, engine, inf, staticConfig{DefaultConfig()}, log.Nop(), opts...)
}

func submission(image string) *Submission {
	return &Submission{Image: []byte(image), Filename: "chest.png", AccessionNumber: "ACC-1", Actor: "tester"}
}

func TestSubmit_EmptyImage(t *testing.T) {
	t.Parallel()

	svc := newTestService(newMockStore(), &mockInferencer{})
	if _, err := svc.Submit(context.Background(), &Submission{}, false); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("err = %v, want ErrEmptyImage", err)
	}
}

func TestSubmit_SyncCompletes(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	inf := &mockInferencer{raw: urgentRaw()}
	notifier := &mockNotifier{}
	var submits []string
	var finished []StudyStatus
	svc := newTestService(store, inf, WithNotifier(notifier), WithHooks(ServiceHooks{
		OnSubmit: func(r string) { submits = append(submits, r) },
		OnFinish: func(s StudyStatus, _ bool) { finished = append(finished, s) },
	}))

	sr, err := svc.Submit(context.Background(), submission("img-1"), false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sr.Skipped || sr.Study == nil {
		t.Fatalf("result = %+v, want processed study", sr)
	}
	if sr.Study.Status != StudyCompleted {
		t.Errorf("status = %q, want completed", sr.Study.Status)
	}
	if sr.Study.TriageLevel() != LevelUrgent {
		t.Errorf("level = %q, want URGENT", sr.Study.TriageLevel())
	}
	if sr.Study.Fingerprint != Fingerprint([]byte("img-1")) {
		t.Errorf("fingerprint = %q", sr.Study.Fingerprint)
	}
	if sr.Study.AccessionNumber != "ACC-1" {
		t.Errorf("accession = %q", sr.Study.AccessionNumber)
	}
	if inf.last.DetectorMaxBoxes != DefaultDetectorMaxBoxes || inf.last.DetectorConfidence != DefaultDetectorConfidence {
		t.Errorf("inference params = %+v", inf.last)
	}

	want := []string{AuditStudyUpload, AuditAnalysisStart, AuditAnalysisComplete}
	got := store.actions(sr.ID)
	if len(got) != len(want) {
		t.Fatalf("audit = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if len(notifier.studies) != 1 || notifier.studies[0].ID != sr.ID {
		t.Errorf("notified = %d studies, want 1", len(notifier.studies))
	}
	if len(submits) != 1 || submits[0] != "accepted" {
		t.Errorf("submits = %v", submits)
	}
	if len(finished) != 1 || finished[0] != StudyCompleted {
		t.Errorf("finished = %v", finished)
	}
}

func TestSubmit_InferenceFailure(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	notifier := &mockNotifier{}
	svc := newTestService(store, &mockInferencer{err: errors.New("model server down")}, WithNotifier(notifier))

	sr, err := svc.Submit(context.Background(), submission("img-2"), false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sr.Study.Status != StudyFailed {
		t.Errorf("status = %q, want failed", sr.Study.Status)
	}
	if sr.Study.Analysis != nil {
		t.Error("expected no analysis on failed study")
	}
	if sr.Study.Error == "" {
		t.Error("expected error message")
	}
	acts := store.actions(sr.ID)
	if acts[len(acts)-1] != AuditAnalysisError {
		t.Errorf("last audit = %q, want %q", acts[len(acts)-1], AuditAnalysisError)
	}
	if len(notifier.studies) != 0 {
		t.Error("failed study must not notify")
	}
}

func TestSubmit_NormalDoesNotNotify(t *testing.T) {
	t.Parallel()

	notifier := &mockNotifier{}
	svc := newTestService(newMockStore(), &mockInferencer{raw: &RawOutput{}}, WithNotifier(notifier))

	sr, err := svc.Submit(context.Background(), submission("img-3"), false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sr.Study.TriageLevel() != LevelNormal {
		t.Errorf("level = %q, want NORMAL", sr.Study.TriageLevel())
	}
	if len(notifier.studies) != 0 {
		t.Error("NORMAL study must not notify")
	}
}

func TestSubmit_DedupInFlight(t *testing.T) {
	t.Parallel()

	for _, status := range []StudyStatus{StudyPending, StudyProcessing} {
		store := newMockStore()
		fp := Fingerprint([]byte("dup"))
		store.studies["existing"] = &Study{ID: "existing", Fingerprint: fp, Status: status}
		store.seen[fp] = "existing"

		svc := newTestService(store, &mockInferencer{})
		sr, err := svc.Submit(context.Background(), submission("dup"), false)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if !sr.Skipped || sr.Reason != "duplicate" || sr.ID != "existing" {
			t.Errorf("%s: result = %+v, want duplicate of existing", status, sr)
		}
	}
}

func TestSubmit_DuplicateRaceResolvesToWinner(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	fp := Fingerprint([]byte("race"))
	store.studies["winner"] = &Study{ID: "winner", Fingerprint: fp, Status: StudyProcessing}
	store.seen[fp] = "winner"
	// the first lookup misses as if the winner's insert landed right after it
	store.staleLookups = 1

	var submits []string
	svc := newTestService(store, &mockInferencer{raw: &RawOutput{}}, WithHooks(ServiceHooks{
		OnSubmit: func(r string) { submits = append(submits, r) },
	}))
	sr, err := svc.Submit(context.Background(), submission("race"), false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !sr.Skipped || sr.Reason != "duplicate" || sr.ID != "winner" {
		t.Errorf("result = %+v, want duplicate of winner", sr)
	}
	if len(store.studies) != 1 {
		t.Errorf("studies = %d, want only the winner", len(store.studies))
	}
	if len(submits) != 1 || submits[0] != "duplicate" {
		t.Errorf("submits = %v", submits)
	}
}

func TestSubmit_SyncSurvivesClientCancel(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.honorCtx = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// the client goes away while inference runs
	inf := &mockInferencer{raw: urgentRaw(), before: cancel}
	svc := newTestService(store, inf)

	sr, err := svc.Submit(ctx, submission("gone"), false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sr.Study == nil || sr.Study.Status != StudyCompleted {
		t.Fatalf("result = %+v, want completed study", sr)
	}
	stored, ok, _ := store.Get(context.Background(), sr.ID)
	if !ok || stored.Status != StudyCompleted {
		t.Fatalf("stored study = %+v, want completed", stored)
	}

	inf.before = nil
	again, err := svc.Submit(context.Background(), submission("gone"), false)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.Skipped {
		t.Errorf("resubmit = %+v, want a new study", again)
	}
}

func TestSubmit_ResubmitAfterCompletion(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	fp := Fingerprint([]byte("again"))
	store.studies["old"] = &Study{ID: "old", Fingerprint: fp, Status: StudyCompleted}
	store.seen[fp] = "old"

	svc := newTestService(store, &mockInferencer{raw: &RawOutput{}})
	sr, err := svc.Submit(context.Background(), submission("again"), false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sr.Skipped || sr.ID == "old" {
		t.Errorf("result = %+v, want a new study", sr)
	}
}

func TestSubmit_Async(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	inf := &mockInferencer{raw: urgentRaw(), wait: make(chan struct{})}
	svc := newTestService(store, inf)

	sr, err := svc.Submit(context.Background(), submission("async"), true)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sr.ID == "" || sr.Study != nil {
		t.Fatalf("result = %+v, want ID only", sr)
	}

	// while inference is blocked the same image is a duplicate
	dup, err := svc.Submit(context.Background(), submission("async"), true)
	if err != nil {
		t.Fatalf("Submit dup: %v", err)
	}
	if !dup.Skipped {
		t.Error("expected in-flight duplicate to be skipped")
	}

	// Wait gives up while inference is still blocked
	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := svc.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait while blocked = %v, want deadline exceeded", err)
	}

	close(inf.wait)

	ctx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	if err := svc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	s, ok, _ := store.Get(context.Background(), sr.ID)
	if !ok || s.Status != StudyCompleted {
		t.Fatalf("study = %+v, want completed after Wait", s)
	}
	if s.TriageLevel() != LevelUrgent {
		t.Errorf("level = %q, want URGENT", s.TriageLevel())
	}
}

func TestSubmit_StoreErrors(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.getErr = errors.New("db down")
	svc := newTestService(store, &mockInferencer{})
	if _, err := svc.Submit(context.Background(), submission("x"), false); err == nil {
		t.Error("expected lookup error")
	}

	store = newMockStore()
	store.putErr = errors.New("disk full")
	svc = newTestService(store, &mockInferencer{})
	if _, err := svc.Submit(context.Background(), submission("x"), false); err == nil {
		t.Error("expected put error")
	}
}

func TestEvaluate_UsesCurrentConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Findings[Pneumothorax] = FindingThreshold{TriageThreshold: 0.3, StrongThreshold: 0.9, Enabled: true}
	svc := NewService(newMockStore(), NewEngine(CalibrationSet{}, nil, log.Nop(), EngineHooks{}),
		&mockInferencer{}, staticConfig{cfg}, log.Nop())

	a := svc.Evaluate(context.Background(), urgentRaw())
	if a.TriageLevel != LevelRoutine {
		t.Errorf("level = %q, want ROUTINE with raised strong threshold", a.TriageLevel)
	}
}

func TestRecordAudit(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(store, &mockInferencer{})
	if err := svc.RecordAudit(context.Background(), "", AuditSettingsChange, "admin", map[string]any{"field": "llm"}); err != nil {
		t.Fatalf("RecordAudit: %v", err)
	}
	entries, err := svc.Audit(context.Background(), AuditFilter{})
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != AuditSettingsChange || entries[0].Actor != "admin" || entries[0].ID == "" {
		t.Errorf("entries = %+v", entries)
	}
}
