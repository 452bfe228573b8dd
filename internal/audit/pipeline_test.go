package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/redact"
)

// waitingSink records writes and lets tests wait for them.
type waitingSink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	wrote   chan struct{}
}

func newWaitingSink() *waitingSink {
	return &waitingSink{wrote: make(chan struct{}, 64)}
}

func (s *waitingSink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	err := s.err
	s.mu.Unlock()
	s.wrote <- struct{}{}
	return err
}

func (s *waitingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("sink write timed out")
	}
}

func (s *waitingSink) all() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func newTestPipeline(sink Sink, cfg Config) (*Pipeline, prometheus.Counter) {
	errs := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_audit_errors_total"})
	return NewPipeline(sink, redact.New(true), errs, cfg, zap.NewNop()), errs
}

func TestPipelineEmitReachesSink(t *testing.T) {
	sink := newWaitingSink()
	p, _ := newTestPipeline(sink, Config{})
	defer p.Close()

	p.Emit(Entry{TenantID: "t1", Operation: "createUser"})
	sink.wait(t)

	got := sink.all()
	if len(got) != 1 || got[0].Operation != "createUser" {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].ID == "" {
		t.Error("pipeline must assign an id")
	}
}

func TestPipelineCloseDrainsQueue(t *testing.T) {
	sink := newWaitingSink()
	p, _ := newTestPipeline(sink, Config{QueueSize: 32})

	for i := 0; i < 10; i++ {
		p.Emit(Entry{TenantID: "t1", Operation: "deleteUser"})
	}
	p.Close()

	if got := len(sink.all()); got != 10 {
		t.Errorf("entries after close = %d, want 10", got)
	}
}

func TestPipelineSinkFailureCounted(t *testing.T) {
	sink := newWaitingSink()
	sink.err = context.DeadlineExceeded
	p, errs := newTestPipeline(sink, Config{})
	defer p.Close()

	p.Emit(Entry{TenantID: "t1"})
	sink.wait(t)

	// The write completed (and failed); give the counter update a moment.
	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(errs) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := testutil.ToFloat64(errs); got != 1 {
		t.Errorf("error counter = %v", got)
	}
}

func TestSnapshotRedactsAndTruncates(t *testing.T) {
	sink := newWaitingSink()
	p, _ := newTestPipeline(sink, Config{MaxBodySize: 64})
	defer p.Close()

	raw := p.Snapshot(map[string]interface{}{
		"userName": "alice",
		"password": "hunter2",
		"note":     strings.Repeat("x", 200),
	})
	if strings.Contains(string(raw), "hunter2") {
		t.Error("password survived redaction")
	}
	// Truncation must leave valid JSON: the oversize document collapses to a
	// JSON string carrying the truncated text.
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("truncated snapshot is not valid JSON: %v (%s)", err, raw)
	}
	if !strings.HasSuffix(s, truncatedSuffix) {
		t.Errorf("snapshot not truncated: %q", s)
	}
}

func TestSnapshotTruncationSurvivesEntryMarshal(t *testing.T) {
	sink := newWaitingSink()
	p, _ := newTestPipeline(sink, Config{MaxBodySize: 64})
	defer p.Close()

	e := Entry{NewValue: p.Snapshot(map[string]string{
		"displayName": strings.Repeat("x", 500),
	})}
	if _, err := json.Marshal(e); err != nil {
		t.Fatalf("entry with truncated snapshot failed to marshal: %v", err)
	}
}

func TestSnapshotNil(t *testing.T) {
	sink := newWaitingSink()
	p, _ := newTestPipeline(sink, Config{})
	defer p.Close()
	if p.Snapshot(nil) != nil {
		t.Error("nil snapshot must stay nil")
	}
}

func TestRecorderLifecycle(t *testing.T) {
	sink := newWaitingSink()
	p, _ := newTestPipeline(sink, Config{})
	defer p.Close()

	rec := p.Begin("POST", "/scim/v2/Users", "203.0.113.9", "test-agent", "req-1", "corr-1")
	rec.Authenticated("t1", "actor-1", ActorUser)
	rec.Operation("createUser", "User", "u1")
	rec.Snapshots(nil, map[string]string{"userName": "alice"})
	rec.Finalize(201)
	sink.wait(t)

	got := sink.all()[0]
	if got.TenantID != "t1" || got.Operation != "createUser" || got.HTTPStatus != 201 {
		t.Errorf("entry = %+v", got)
	}
	if got.RequestID != "req-1" || got.CorrelationID != "corr-1" || got.HTTPMethod != "POST" {
		t.Errorf("entry = %+v", got)
	}
	if got.NewValue == nil || got.OldValue != nil {
		t.Errorf("snapshots = old %s new %s", got.OldValue, got.NewValue)
	}
	if got.ResponseTimeMs < 0 {
		t.Errorf("response time = %d", got.ResponseTimeMs)
	}
}

func TestRecorderFinalizesOnce(t *testing.T) {
	sink := newWaitingSink()
	p, _ := newTestPipeline(sink, Config{})

	rec := p.Begin("GET", "/scim/v2/Users/u1", "", "", "req-1", "req-1")
	rec.Finalize(200)
	rec.Finalize(500) // deferred recover path must not double-emit
	p.Close()

	got := sink.all()
	if len(got) != 1 || got[0].HTTPStatus != 200 {
		t.Errorf("entries = %+v", got)
	}
}

func TestRecorderFailureRedactsMessage(t *testing.T) {
	sink := newWaitingSink()
	p, _ := newTestPipeline(sink, Config{})

	rec := p.Begin("POST", "/scim/v2/Users", "", "", "req-1", "req-1")
	rec.Failure("uniqueness", "duplicate userName alice@example.com")
	rec.Finalize(409)
	p.Close()

	got := sink.all()[0]
	if got.ErrorCode != "uniqueness" {
		t.Errorf("error code = %q", got.ErrorCode)
	}
	if strings.Contains(got.ErrorMessage, "alice@example.com") {
		t.Errorf("error message leaked PII: %q", got.ErrorMessage)
	}
}
