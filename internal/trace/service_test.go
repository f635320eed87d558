package trace

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
	"github.com/nextlevelbuilder/omnihub/internal/store"
)

// memTraceStore is an in-memory TraceStore for service tests.
type memTraceStore struct {
	mu       sync.Mutex
	records  map[string]*store.TraceRecord
	updates  []store.TraceUpdate
	payloads []store.TracePayload
}

func newMemTraceStore() *memTraceStore {
	return &memTraceStore{records: make(map[string]*store.TraceRecord)}
}

func (m *memTraceStore) CreateTrace(ctx context.Context, rec *store.TraceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.TraceID] = &cp
	return nil
}

func (m *memTraceStore) UpdateTrace(ctx context.Context, traceID string, upd store.TraceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, upd)
	if rec, ok := m.records[traceID]; ok {
		rec.Status = upd.Status
	}
	return nil
}

func (m *memTraceStore) GetTrace(ctx context.Context, traceID string) (*store.TraceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[traceID], nil
}

func (m *memTraceStore) ListRecent(ctx context.Context, limit int) ([]store.TraceRecord, error) {
	return nil, nil
}

func (m *memTraceStore) AddPayload(ctx context.Context, p *store.TracePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, *p)
	return nil
}

func (m *memTraceStore) ListPayloads(ctx context.Context, traceID string) ([]store.TracePayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payloads, nil
}

func (m *memTraceStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func inbound() *bus.InboundMessage {
	return &bus.InboundMessage{
		Channel:     bus.ChannelWhatsApp,
		Instance:    "main",
		SenderID:    "5511999990000@s.whatsapp.net",
		DisplayName: "Maria",
		Text:        "hi",
		MessageType: bus.TypeText,
		MessageID:   "MSG1",
		SessionName: "wa_5511999990000",
	}
}

func TestServiceDisabledReturnsNilContext(t *testing.T) {
	svc := NewService(newMemTraceStore(), Options{Enabled: false})
	if tc := svc.CreateTrace(context.Background(), inbound()); tc != nil {
		t.Fatal("CreateTrace returned a context with tracing disabled")
	}

	// All Context methods must be nil-safe.
	var tc *Context
	tc.LogStage(context.Background(), store.StageWebhookReceived, nil, store.PayloadWebhook, 0, "")
	tc.UpdateStatus(context.Background(), store.StatusProcessing)
	tc.Fail(context.Background(), store.StageAgentRequest, nil)
}

func TestTraceLifecycle(t *testing.T) {
	ctx := context.Background()
	ms := newMemTraceStore()
	svc := NewService(ms, Options{Enabled: true})

	tc := svc.CreateTrace(ctx, inbound())
	if tc == nil {
		t.Fatal("CreateTrace returned nil with tracing enabled")
	}

	tc.UpdateStatus(ctx, store.StatusProcessing)
	tc.UpdateStatus(ctx, store.StatusAgentCalled, WithAgentSessionID("sess-1"))
	tc.UpdateStatus(ctx, store.StatusProcessing, WithAgentResponse(time.Now().UTC(), true))
	tc.UpdateStatus(ctx, store.StatusCompleted, WithSendResult(time.Now().UTC(), true))

	rec, err := svc.Get(ctx, tc.TraceID)
	if err != nil || rec == nil {
		t.Fatalf("Get: rec=%v err=%v", rec, err)
	}
	if rec.Status != store.StatusCompleted {
		t.Errorf("final status = %q, want %q", rec.Status, store.StatusCompleted)
	}

	last := ms.updates[len(ms.updates)-1]
	if last.CompletedAt == nil {
		t.Error("terminal update missing CompletedAt")
	}
	if last.ProcessingTimeMS == nil || *last.ProcessingTimeMS < 0 {
		t.Error("terminal update missing non-negative ProcessingTimeMS")
	}
}

func TestTraceIllegalTransitionsDropped(t *testing.T) {
	ctx := context.Background()
	ms := newMemTraceStore()
	svc := NewService(ms, Options{Enabled: true})

	tc := svc.CreateTrace(ctx, inbound())

	// received -> completed skips processing and must be dropped.
	tc.UpdateStatus(ctx, store.StatusCompleted)
	if len(ms.updates) != 0 {
		t.Fatalf("illegal transition was persisted: %+v", ms.updates)
	}

	tc.UpdateStatus(ctx, store.StatusProcessing)
	tc.UpdateStatus(ctx, store.StatusFailed)

	// Terminal traces drop all further updates.
	tc.UpdateStatus(ctx, store.StatusProcessing)
	if got := len(ms.updates); got != 2 {
		t.Errorf("update count = %d, want 2 (post-terminal update must be dropped)", got)
	}
}

func TestFailDefaultsErrorStage(t *testing.T) {
	ctx := context.Background()
	ms := newMemTraceStore()
	svc := NewService(ms, Options{Enabled: true})

	tc := svc.CreateTrace(ctx, inbound())
	tc.UpdateStatus(ctx, store.StatusFailed)

	last := ms.updates[len(ms.updates)-1]
	if last.ErrorStage == nil || *last.ErrorStage != "unknown" {
		t.Errorf("ErrorStage = %v, want default %q", last.ErrorStage, "unknown")
	}
}

func TestLogStagePayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	ms := newMemTraceStore()
	svc := NewService(ms, Options{Enabled: true})

	tc := svc.CreateTrace(ctx, inbound())
	tc.LogStage(ctx, store.StageWebhookReceived, map[string]any{
		"base64": "aGVsbG8=",
		"note":   "media payload",
	}, store.PayloadWebhook, 0, "")

	if len(ms.payloads) != 1 {
		t.Fatalf("payload count = %d, want 1", len(ms.payloads))
	}
	p := ms.payloads[0]
	if !p.ContainsMedia {
		t.Error("ContainsMedia = false for a base64-carrying payload")
	}

	raw, err := DecompressPayload(&p)
	if err != nil {
		t.Fatalf("DecompressPayload: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decompressed payload is not JSON: %v", err)
	}
	if decoded["note"] != "media payload" {
		t.Errorf("round-tripped payload = %v", decoded)
	}
}

func TestLogStageTruncatesOversizedPayloads(t *testing.T) {
	ctx := context.Background()
	ms := newMemTraceStore()
	svc := NewService(ms, Options{Enabled: true, MaxPayloadBytes: 64})

	tc := svc.CreateTrace(ctx, inbound())
	tc.LogStage(ctx, store.StageAgentResponse, map[string]any{
		"text": strings.Repeat("x", 1024),
	}, store.PayloadResponse, 200, "")

	p := ms.payloads[0]
	if p.SizeBytes <= 64 {
		t.Errorf("SizeBytes = %d, want the original size", p.SizeBytes)
	}
	raw, err := DecompressPayload(&p)
	if err != nil {
		t.Fatalf("DecompressPayload: %v", err)
	}
	var marker struct {
		Truncated bool `json:"truncated"`
		Original  int  `json:"original_size_bytes"`
	}
	if err := json.Unmarshal(raw, &marker); err != nil || !marker.Truncated {
		t.Errorf("stored payload = %s, want truncation marker", raw)
	}
}

func TestDetectMessageType(t *testing.T) {
	tests := []struct {
		name string
		msg  map[string]any
		want bus.MessageType
	}{
		{"conversation", map[string]any{"conversation": "hi"}, bus.TypeText},
		{"extended text", map[string]any{"extendedTextMessage": map[string]any{"text": "hi"}}, bus.TypeText},
		{"image", map[string]any{"imageMessage": map[string]any{}}, bus.TypeImage},
		{"video", map[string]any{"videoMessage": map[string]any{}}, bus.TypeVideo},
		{"audio", map[string]any{"audioMessage": map[string]any{}}, bus.TypeAudio},
		{"document", map[string]any{"documentMessage": map[string]any{}}, bus.TypeDocument},
		{"empty", map[string]any{}, bus.TypeUnknown},
		{"nil", nil, bus.TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMessageType(tt.msg); got != tt.want {
				t.Errorf("DetectMessageType = %q, want %q", got, tt.want)
			}
		})
	}
}
