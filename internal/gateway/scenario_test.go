package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omnihub/internal/channels"
	"github.com/nextlevelbuilder/omnihub/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/omnihub/internal/config"
	"github.com/nextlevelbuilder/omnihub/internal/gateway"
	"github.com/nextlevelbuilder/omnihub/internal/router"
	"github.com/nextlevelbuilder/omnihub/internal/store"
	"github.com/nextlevelbuilder/omnihub/internal/trace"
)

// memTraces is an in-memory TraceStore that also records the status
// transitions each trace went through.
type memTraces struct {
	mu       sync.Mutex
	records  map[string]*store.TraceRecord
	payloads map[string][]store.TracePayload
	history  map[string][]string
}

func newMemTraces() *memTraces {
	return &memTraces{
		records:  make(map[string]*store.TraceRecord),
		payloads: make(map[string][]store.TracePayload),
		history:  make(map[string][]string),
	}
}

func (m *memTraces) CreateTrace(ctx context.Context, rec *store.TraceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.TraceID] = &cp
	m.history[rec.TraceID] = append(m.history[rec.TraceID], rec.Status)
	return nil
}

func (m *memTraces) UpdateTrace(ctx context.Context, traceID string, upd store.TraceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[traceID]
	if !ok {
		return fmt.Errorf("trace %s not found", traceID)
	}
	rec.Status = upd.Status
	m.history[traceID] = append(m.history[traceID], upd.Status)
	if upd.AgentSessionID != nil {
		rec.AgentSessionID = *upd.AgentSessionID
	}
	if upd.AgentRequestAt != nil {
		rec.AgentRequestAt = upd.AgentRequestAt
	}
	if upd.AgentResponseAt != nil {
		rec.AgentResponseAt = upd.AgentResponseAt
	}
	if upd.EvolutionSendAt != nil {
		rec.EvolutionSendAt = upd.EvolutionSendAt
	}
	if upd.CompletedAt != nil {
		rec.CompletedAt = upd.CompletedAt
	}
	if upd.ProcessingTimeMS != nil {
		rec.ProcessingTimeMS = *upd.ProcessingTimeMS
	}
	if upd.AgentSuccess != nil {
		rec.AgentSuccess = upd.AgentSuccess
	}
	if upd.EvolutionSuccess != nil {
		rec.EvolutionSuccess = upd.EvolutionSuccess
	}
	if upd.ErrorMessage != nil {
		rec.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ErrorStage != nil {
		rec.ErrorStage = *upd.ErrorStage
	}
	return nil
}

func (m *memTraces) GetTrace(ctx context.Context, traceID string) (*store.TraceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[traceID]
	if !ok {
		return nil, fmt.Errorf("trace %s not found", traceID)
	}
	cp := *rec
	return &cp, nil
}

func (m *memTraces) ListRecent(ctx context.Context, limit int) ([]store.TraceRecord, error) {
	return nil, nil
}

func (m *memTraces) AddPayload(ctx context.Context, p *store.TracePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[p.TraceID] = append(m.payloads[p.TraceID], *p)
	return nil
}

func (m *memTraces) ListPayloads(ctx context.Context, traceID string) ([]store.TracePayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.TracePayload(nil), m.payloads[traceID]...), nil
}

func (m *memTraces) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memTraces) statusHistory(traceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history[traceID]...)
}

// memUsers is an in-memory UserStore.
type memUsers struct {
	mu    sync.Mutex
	users map[string]*store.User // keyed by provider/external/instance
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[string]*store.User)}
}

func userKey(provider, externalID, instanceName string) string {
	return provider + "/" + externalID + "/" + instanceName
}

func (m *memUsers) GetByExternal(ctx context.Context, provider, externalID, instanceName string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userKey(provider, externalID, instanceName)]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) Upsert(ctx context.Context, u *store.User) error {
	return nil
}

func (m *memUsers) LinkExternal(ctx context.Context, link *store.ExternalID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userKey(link.Provider, link.ExternalID, link.InstanceName)]; !ok {
		m.users[userKey(link.Provider, link.ExternalID, link.InstanceName)] = &store.User{
			ID:           link.UserID,
			InstanceName: link.InstanceName,
		}
	}
	return nil
}

func (m *memUsers) RecordInteraction(ctx context.Context, userID, sessionName, agentUserID string) error {
	return nil
}

// TestWebhookToCompletedTrace drives one text webhook through the full
// pipeline: ingress → parse → agent call → bridge send → terminal trace.
func TestWebhookToCompletedTrace(t *testing.T) {
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/chat" {
			t.Errorf("agent path = %q, want /api/agent/chat", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"Hello back!","session_id":"sess-1","user_id":"agent-user-1","success":true}`))
	}))
	t.Cleanup(agentSrv.Close)

	bridgeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	t.Cleanup(bridgeSrv.Close)

	cfg := &config.Config{
		Instances: []config.InstanceConfig{{
			Name:             "main",
			ChannelType:      config.ChannelWhatsApp,
			IsActive:         true,
			EvolutionURL:     bridgeSrv.URL,
			EvolutionKey:     "bridge-key",
			WhatsAppInstance: "wa1",
			Agent: config.AgentConfig{
				Kind:   config.AgentAutomagik,
				APIURL: agentSrv.URL,
			},
		}},
	}

	traces := newMemTraces()
	svc := trace.NewService(traces, trace.Options{Enabled: true})
	routes := router.New(newMemUsers(), svc)

	ch := whatsapp.NewChannel(&cfg.Instances[0], routes, svc, "55")
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("channel start: %v", err)
	}
	t.Cleanup(func() { _ = ch.Stop(context.Background()) })

	manager := channels.NewManager()
	manager.Register(ch)

	srv := gateway.NewServer(cfg, manager, gateway.NewDeduper(config.RedisConfig{}))
	mux := srv.BuildMux()

	webhook := `{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "MSG-E2E"},
			"pushName": "Maria",
			"message": {"conversation": "Hi"}
		}
	}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/whatsapp/main", strings.NewReader(webhook)))
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status  string `json:"status"`
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode webhook response: %v", err)
	}
	if resp.Status != "success" || resp.TraceID == "" {
		t.Fatalf("webhook response = %+v, want success with a trace id", resp)
	}

	var final *store.TraceRecord
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := traces.GetTrace(context.Background(), resp.TraceID)
		if err == nil && (got.Status == store.StatusCompleted || got.Status == store.StatusFailed) {
			final = got
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if final == nil {
		t.Fatal("trace never reached a terminal status")
	}

	if final.Status != store.StatusCompleted {
		t.Fatalf("status = %q (error %q at %q), want completed", final.Status, final.ErrorMessage, final.ErrorStage)
	}
	if final.AgentSessionID == "" {
		t.Error("agent_session_id not set after the agent call")
	}
	if final.EvolutionSuccess == nil || !*final.EvolutionSuccess {
		t.Error("evolution_success not recorded as true after the bridge send")
	}
	if final.CompletedAt == nil {
		t.Error("completed_at not stamped on the terminal status")
	}
	if final.ProcessingTimeMS < 0 {
		t.Errorf("total_processing_time_ms = %d, want >= 0", final.ProcessingTimeMS)
	}

	history := traces.statusHistory(resp.TraceID)
	for _, want := range []string{store.StatusReceived, store.StatusProcessing, store.StatusAgentCalled, store.StatusCompleted} {
		found := false
		for _, got := range history {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("status history %v missing %q", history, want)
		}
	}
}
