package trace

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
	"github.com/nextlevelbuilder/omnihub/internal/store"
)

// Service records message-lifecycle traces. Tracing is observability, not
// transactional state: every store failure is logged and swallowed so that
// tracing can never abort message processing.
type Service struct {
	store           store.TraceStore
	enabled         bool
	maxPayloadBytes int
	tracer          oteltrace.Tracer
}

// Options configures a trace Service.
type Options struct {
	Enabled         bool
	MaxPayloadBytes int // default 1 MiB
}

func NewService(st store.TraceStore, opts Options) *Service {
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 1 << 20
	}
	return &Service{
		store:           st,
		enabled:         opts.Enabled && st != nil,
		maxPayloadBytes: opts.MaxPayloadBytes,
		tracer:          otel.Tracer("omnihub/trace"),
	}
}

// Enabled reports whether traces are being recorded.
func (s *Service) Enabled() bool { return s.enabled }

// CreateTrace opens a trace for an inbound message. Returns nil when tracing
// is disabled or the initial write fails; callers treat a nil *Context as a
// no-op recorder.
func (s *Service) CreateTrace(ctx context.Context, msg *bus.InboundMessage) *Context {
	if !s.enabled {
		return nil
	}
	now := time.Now().UTC()
	rec := &store.TraceRecord{
		TraceID:      newTraceID(),
		InstanceName: msg.Instance,
		ChannelType:  string(msg.Channel),
		SenderID:     msg.SenderID,
		SenderName:   msg.DisplayName,
		MessageID:    msg.MessageID,
		MessageType:  string(msg.MessageType),
		HasMedia:     msg.HasMedia(),
		SessionName:  msg.SessionName,
		Status:       store.StatusReceived,
		ReceivedAt:   now,
	}
	if err := s.store.CreateTrace(ctx, rec); err != nil {
		slog.Warn("trace create failed, continuing without trace", "instance", msg.Instance, "error", err)
		return nil
	}

	_, span := s.tracer.Start(ctx, "message.process",
		oteltrace.WithAttributes(
			attribute.String("omnihub.trace_id", rec.TraceID),
			attribute.String("omnihub.instance", rec.InstanceName),
			attribute.String("omnihub.channel", rec.ChannelType),
			attribute.String("omnihub.message_type", rec.MessageType),
		))

	return &Context{
		svc:        s,
		TraceID:    rec.TraceID,
		receivedAt: now,
		status:     store.StatusReceived,
		span:       span,
	}
}

// CreateOutboundTrace opens a trace for a send that is not tied to an
// inbound message (e.g. an IPC-initiated Discord send). Stage names use the
// {channel}_send convention.
func (s *Service) CreateOutboundTrace(ctx context.Context, channel bus.ChannelType, instanceName, recipient string) *Context {
	if !s.enabled {
		return nil
	}
	now := time.Now().UTC()
	rec := &store.TraceRecord{
		TraceID:      newTraceID(),
		InstanceName: instanceName,
		ChannelType:  string(channel),
		SenderID:     recipient,
		MessageType:  string(bus.TypeText),
		Status:       store.StatusProcessing,
		ReceivedAt:   now,
	}
	if err := s.store.CreateTrace(ctx, rec); err != nil {
		slog.Warn("outbound trace create failed", "instance", instanceName, "error", err)
		return nil
	}
	_, span := s.tracer.Start(ctx, "message.send",
		oteltrace.WithAttributes(
			attribute.String("omnihub.trace_id", rec.TraceID),
			attribute.String("omnihub.instance", instanceName),
			attribute.String("omnihub.channel", string(channel)),
		))
	return &Context{
		svc:        s,
		TraceID:    rec.TraceID,
		receivedAt: now,
		status:     store.StatusProcessing,
		span:       span,
	}
}

// Get returns one trace record, or nil when unknown.
func (s *Service) Get(ctx context.Context, traceID string) (*store.TraceRecord, error) {
	return s.store.GetTrace(ctx, traceID)
}

// ListRecent returns the most recent traces, newest first.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]store.TraceRecord, error) {
	return s.store.ListRecent(ctx, limit)
}

// Payloads returns the stage snapshots of one trace in creation order.
func (s *Service) Payloads(ctx context.Context, traceID string) ([]store.TracePayload, error) {
	return s.store.ListPayloads(ctx, traceID)
}

// Context tracks one trace through the status state machine. A nil *Context
// is valid and all methods no-op on it, so call sites never branch on
// whether tracing is enabled.
type Context struct {
	svc        *Service
	TraceID    string
	receivedAt time.Time
	span       oteltrace.Span

	mu     sync.Mutex
	status string
	done   bool
}

// legal transitions of the trace status state machine. Re-entering
// processing after agent_called covers the channel-delivery phase.
var transitions = map[string][]string{
	store.StatusReceived:    {store.StatusProcessing, store.StatusFailed},
	store.StatusProcessing:  {store.StatusAgentCalled, store.StatusCompleted, store.StatusFailed},
	store.StatusAgentCalled: {store.StatusProcessing, store.StatusCompleted, store.StatusFailed},
}

func canTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LogStage appends one immutable stage snapshot. Failures are swallowed.
func (c *Context) LogStage(ctx context.Context, stage string, payload any, payloadType string, statusCode int, errorDetails string) {
	if c == nil {
		return
	}
	compressed, size, containsMedia := c.svc.compressPayload(payload)
	p := &store.TracePayload{
		TraceID:       c.TraceID,
		Stage:         stage,
		PayloadType:   payloadType,
		StatusCode:    statusCode,
		ErrorDetails:  errorDetails,
		Compressed:    compressed,
		SizeBytes:     size,
		ContainsMedia: containsMedia,
	}
	if err := c.svc.store.AddPayload(ctx, p); err != nil {
		slog.Warn("trace stage write failed", "trace_id", c.TraceID, "stage", stage, "error", err)
		return
	}
	if c.span != nil {
		c.span.AddEvent(stage, oteltrace.WithAttributes(
			attribute.String("payload_type", payloadType),
			attribute.Int("payload_bytes", size),
		))
	}
}

// UpdateStatus drives the state machine. Illegal transitions are logged and
// dropped rather than surfaced: a broken trace must not break the message.
func (c *Context) UpdateStatus(ctx context.Context, status string, opts ...UpdateOption) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		slog.Warn("trace already terminal, dropping update", "trace_id", c.TraceID, "status", status)
		return
	}
	if !canTransition(c.status, status) {
		slog.Warn("illegal trace transition dropped", "trace_id", c.TraceID, "from", c.status, "to", status)
		return
	}

	upd := store.TraceUpdate{Status: status}
	for _, opt := range opts {
		opt(&upd)
	}

	if status == store.StatusCompleted || status == store.StatusFailed {
		now := time.Now().UTC()
		ms := now.Sub(c.receivedAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		upd.CompletedAt = &now
		upd.ProcessingTimeMS = &ms
		if status == store.StatusFailed && (upd.ErrorStage == nil || *upd.ErrorStage == "") {
			stage := "unknown"
			upd.ErrorStage = &stage
		}
		c.done = true
	}

	if err := c.svc.store.UpdateTrace(ctx, c.TraceID, upd); err != nil {
		slog.Warn("trace status update failed", "trace_id", c.TraceID, "status", status, "error", err)
	}
	c.status = status

	if c.done && c.span != nil {
		if status == store.StatusFailed {
			msg := ""
			if upd.ErrorMessage != nil {
				msg = *upd.ErrorMessage
			}
			c.span.SetStatus(codes.Error, msg)
		} else {
			c.span.SetStatus(codes.Ok, "")
		}
		c.span.End()
	}
}

// UpdateOption mutates the column set of one status transition.
type UpdateOption func(*store.TraceUpdate)

func WithAgentSessionID(id string) UpdateOption {
	return func(u *store.TraceUpdate) { u.AgentSessionID = &id }
}

func WithAgentRequestAt(t time.Time) UpdateOption {
	return func(u *store.TraceUpdate) { u.AgentRequestAt = &t }
}

func WithAgentResponse(t time.Time, success bool) UpdateOption {
	return func(u *store.TraceUpdate) {
		u.AgentResponseAt = &t
		u.AgentSuccess = &success
	}
}

func WithSendResult(t time.Time, success bool) UpdateOption {
	return func(u *store.TraceUpdate) {
		u.EvolutionSendAt = &t
		u.EvolutionSuccess = &success
	}
}

func WithError(stage, message string) UpdateOption {
	return func(u *store.TraceUpdate) {
		u.ErrorStage = &stage
		u.ErrorMessage = &message
	}
}

// Fail is shorthand for the terminal failed transition.
func (c *Context) Fail(ctx context.Context, stage string, err error) {
	if c == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.UpdateStatus(ctx, store.StatusFailed, WithError(stage, msg))
}

// compressPayload marshals and gzips a stage payload, substituting a
// truncation marker when the JSON exceeds the configured cap.
func (s *Service) compressPayload(payload any) (compressed []byte, size int, containsMedia bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	size = len(raw)
	containsMedia = bytes.Contains(raw, []byte(`"base64"`)) || bytes.Contains(raw, []byte(`"mediaUrl"`))
	if size > s.maxPayloadBytes {
		raw = []byte(fmt.Sprintf(`{"truncated":true,"original_size_bytes":%d}`, size))
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, size, containsMedia
	}
	if err := zw.Close(); err != nil {
		return nil, size, containsMedia
	}
	return buf.Bytes(), size, containsMedia
}

// DecompressPayload restores the JSON of one stored stage snapshot.
func DecompressPayload(p *store.TracePayload) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(p.Compressed))
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return buf.Bytes(), nil
}

func newTraceID() string {
	return uuid.Must(uuid.NewV7()).String()
}
