package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/redact"
)

const truncatedSuffix = "…[truncated]"

// Sink persists finished audit entries. Implementations must tolerate
// concurrent writers.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Config tunes the pipeline.
type Config struct {
	EnablePIIRedaction bool          `yaml:"enablePiiRedaction"`
	LogRequestBodies   bool          `yaml:"logRequestBodies"`
	MaxBodySize        int           `yaml:"maxBodySize"` // byte budget for old/new snapshots
	RetentionDays      int           `yaml:"retentionDays" validate:"omitempty,gte=90"`
	QueueSize          int           `yaml:"queueSize"`
	FlushTimeout       time.Duration `yaml:"flushTimeout"`
}

// Pipeline accepts entries from the request path and hands them to the sink
// on a background goroutine. Emission is fire-and-forget: sink failures are
// counted and logged, never surfaced to the request.
type Pipeline struct {
	sink     Sink
	redactor *redact.Redactor
	logger   *zap.Logger
	errors   prometheus.Counter
	cfg      Config
	queue    chan Entry
	done     chan struct{}
}

// NewPipeline starts the background emitter.
func NewPipeline(sink Sink, redactor *redact.Redactor, errCounter prometheus.Counter, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 8192
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	p := &Pipeline{
		sink:     sink,
		redactor: redactor,
		logger:   logger,
		errors:   errCounter,
		cfg:      cfg,
		queue:    make(chan Entry, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Pipeline) run() {
	for e := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
		if err := p.sink.Write(ctx, e); err != nil {
			p.errors.Inc()
			p.logger.Error("Failed to write audit entry",
				zap.String("correlation_id", e.CorrelationID),
				zap.Error(err))
		}
		cancel()
	}
	close(p.done)
}

// Close drains the queue and stops the emitter.
func (p *Pipeline) Close() {
	close(p.queue)
	<-p.done
}

// Emit enqueues a finished entry. A full queue drops the entry and bumps the
// error counter rather than blocking the request.
func (p *Pipeline) Emit(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	select {
	case p.queue <- e:
	default:
		p.errors.Inc()
		p.logger.Warn("Audit queue full, entry dropped",
			zap.String("correlation_id", e.CorrelationID))
	}
}

// Snapshot redacts and truncates a resource snapshot for the old/new fields.
// An oversize snapshot is replaced by a JSON string holding the truncated
// document, so the result is always valid JSON for the JSONB columns.
func (p *Pipeline) Snapshot(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := p.redactor.JSON(raw)
	if len(out) > p.cfg.MaxBodySize {
		trunc, err := json.Marshal(string(out[:p.cfg.MaxBodySize]) + truncatedSuffix)
		if err != nil {
			return nil
		}
		return trunc
	}
	return out
}

// RedactText passes a free-text value (error messages, metadata) through the
// redactor.
func (p *Pipeline) RedactText(s string) string {
	return p.redactor.Text(s)
}

// Recorder brackets one request: begun at ingress, enriched after auth,
// finalized after dispatch. It is not safe for concurrent use; each request
// owns its recorder.
type Recorder struct {
	pipeline *Pipeline
	entry    Entry
	started  time.Time
	emitted  bool
}

// Begin opens a recorder at ingress.
func (p *Pipeline) Begin(method, path, clientIP, userAgent, requestID, correlationID string) *Recorder {
	return &Recorder{
		pipeline: p,
		started:  time.Now().UTC(),
		entry: Entry{
			Timestamp:     time.Now().UTC(),
			RequestID:     requestID,
			CorrelationID: correlationID,
			HTTPMethod:    method,
			RequestPath:   path,
			ClientIP:      clientIP,
			UserAgent:     userAgent,
			ActorType:     ActorSystem,
		},
	}
}

// Authenticated enriches the entry once the tenant context is resolved.
func (r *Recorder) Authenticated(tenantID, actorID string, actorType ActorType) {
	r.entry.TenantID = tenantID
	r.entry.ActorID = actorID
	r.entry.ActorType = actorType
}

// Operation tags the entry with the dispatched operation and target.
func (r *Recorder) Operation(op, resourceType, resourceID string) {
	r.entry.Operation = op
	r.entry.ResourceType = resourceType
	r.entry.ResourceID = resourceID
}

// Snapshots captures redacted before/after images of a mutation.
func (r *Recorder) Snapshots(oldValue, newValue interface{}) {
	r.entry.OldValue = r.pipeline.Snapshot(oldValue)
	r.entry.NewValue = r.pipeline.Snapshot(newValue)
}

// Failure tags the entry with an error outcome.
func (r *Recorder) Failure(code, message string) {
	r.entry.ErrorCode = code
	r.entry.ErrorMessage = r.pipeline.RedactText(message)
}

// Finalize stamps status and latency and emits exactly once. Safe to call
// from a deferred recover path.
func (r *Recorder) Finalize(status int) {
	if r.emitted {
		return
	}
	r.emitted = true
	r.entry.HTTPStatus = status
	r.entry.ResponseTimeMs = time.Since(r.started).Milliseconds()
	r.pipeline.Emit(r.entry)
}
