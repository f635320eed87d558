package router

import (
	"context"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/omnihub/internal/agent"
	"github.com/nextlevelbuilder/omnihub/internal/bus"
	"github.com/nextlevelbuilder/omnihub/internal/config"
)

// fakeBackend is a scriptable agent.Backend.
type fakeBackend struct {
	mu       sync.Mutex
	requests []*agent.Request
	reply    bus.NormalizedReply
	err      error
	streams  bool
	deltas   []string
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Run(ctx context.Context, req *agent.Request) (bus.NormalizedReply, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil && req.Media != nil {
		return bus.NormalizedReply{}, f.err
	}
	return f.reply, nil
}

func (f *fakeBackend) Stream(ctx context.Context, req *agent.Request) (<-chan string, func() error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	ch := make(chan string, len(f.deltas))
	for _, d := range f.deltas {
		ch <- d
	}
	close(ch)
	return ch, func() error { return nil }
}

func (f *fakeBackend) StreamSupported() bool { return f.streams }

func inbound(text string) *bus.InboundMessage {
	return &bus.InboundMessage{
		Channel:     bus.ChannelWhatsApp,
		Instance:    "main",
		SenderID:    "5511999990000@s.whatsapp.net",
		DisplayName: "Maria",
		Text:        text,
		MessageType: bus.TypeText,
		MessageID:   "MSG1",
		SessionName: "wa_5511999990000",
	}
}

func instanceCfg() *config.InstanceConfig {
	return &config.InstanceConfig{
		Name:        "main",
		ChannelType: config.ChannelWhatsApp,
		IsActive:    true,
		Agent:       config.AgentConfig{Kind: config.AgentAutomagik, APIURL: "http://agent"},
	}
}

func newTestRouter(backend agent.Backend) *Router {
	r := New(nil, nil)
	r.backends["main"] = backend
	return r
}

func TestRouteSilentPrefixSwallowed(t *testing.T) {
	fb := &fakeBackend{reply: bus.NormalizedReply{
		Text:    SilentPrefix + " internal ack",
		Success: true,
	}}
	r := newTestRouter(fb)

	reply, err := r.Route(context.Background(), inbound("hi"), instanceCfg(), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.Text != "" {
		t.Errorf("reply.Text = %q, want empty for silent-prefixed reply", reply.Text)
	}
	if !reply.Success {
		t.Error("reply.Success = false, silent replies are still successes")
	}
}

func TestRouteBuildsDeterministicIdentity(t *testing.T) {
	fb := &fakeBackend{reply: bus.NormalizedReply{Text: "ok", Success: true}}
	r := newTestRouter(fb)

	if _, err := r.Route(context.Background(), inbound("hi"), instanceCfg(), nil); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(fb.requests) != 1 {
		t.Fatalf("backend saw %d requests, want 1", len(fb.requests))
	}
	req := fb.requests[0]
	if req.SessionID != agent.DeterministicSessionID("wa_5511999990000") {
		t.Errorf("SessionID = %q, want deterministic id for the session name", req.SessionID)
	}
	if req.UserID != agent.DeterministicUserID("5511999990000@s.whatsapp.net") {
		t.Errorf("UserID = %q, want deterministic id for the sender", req.UserID)
	}
	if req.User == nil || req.User.DisplayName != "Maria" {
		t.Errorf("User descriptor = %+v, want display name populated", req.User)
	}
}

func TestRouteRetriesWithoutMedia(t *testing.T) {
	fb := &fakeBackend{
		reply: bus.NormalizedReply{Text: "ok", Success: true},
		err:   agent.ErrUnsupportedParams,
	}
	r := newTestRouter(fb)

	msg := inbound("see attachment")
	msg.Media = &bus.Media{MimeType: "image/jpeg", Base64: "aGk="}

	reply, err := r.Route(context.Background(), msg, instanceCfg(), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.Text != "ok" {
		t.Errorf("reply.Text = %q, want the retry result", reply.Text)
	}
	if len(fb.requests) != 2 {
		t.Fatalf("backend saw %d requests, want 2 (original + media-less retry)", len(fb.requests))
	}
	if fb.requests[0].Media == nil {
		t.Error("first request dropped the media")
	}
	if fb.requests[1].Media != nil {
		t.Error("retry still carried media")
	}
}

func TestRouteStreamDeliversDeltas(t *testing.T) {
	fb := &fakeBackend{streams: true, deltas: []string{"He", "llo"}}
	r := newTestRouter(fb)

	var got []string
	reply, err := r.RouteStream(context.Background(), inbound("hi"), instanceCfg(), nil, func(d string) {
		got = append(got, d)
	})
	if err != nil {
		t.Fatalf("RouteStream: %v", err)
	}
	if reply.Text != "Hello" {
		t.Errorf("reply.Text = %q, want accumulated deltas", reply.Text)
	}
	if len(got) != 2 || got[0] != "He" {
		t.Errorf("onDelta saw %q, want deltas in order", got)
	}
}

func TestRouteStreamFallsBackToRun(t *testing.T) {
	fb := &fakeBackend{streams: false, reply: bus.NormalizedReply{Text: "whole", Success: true}}
	r := newTestRouter(fb)

	called := false
	reply, err := r.RouteStream(context.Background(), inbound("hi"), instanceCfg(), nil, func(string) {
		called = true
	})
	if err != nil {
		t.Fatalf("RouteStream: %v", err)
	}
	if reply.Text != "whole" {
		t.Errorf("reply.Text = %q, want Run result", reply.Text)
	}
	if called {
		t.Error("onDelta invoked for a non-streaming backend")
	}
}

func TestInvalidateDropsCachedBackend(t *testing.T) {
	fb := &fakeBackend{reply: bus.NormalizedReply{Text: "ok", Success: true}}
	r := newTestRouter(fb)

	r.Invalidate("main")

	// The fake is gone; the router now builds a real backend from config.
	b, err := r.Backend(instanceCfg())
	if err != nil {
		t.Fatalf("Backend: %v", err)
	}
	if _, ok := b.(*fakeBackend); ok {
		t.Error("Invalidate left the cached backend in place")
	}
}

func TestSameSessionPrefix(t *testing.T) {
	tests := []struct {
		name    string
		session string
		prefix  string
		want    bool
	}{
		{"exact prefix match", "wa_5511999990000", "wa", true},
		{"prefix equals session", "wa", "wa", true},
		{"different prefix", "other_5511999990000", "wa", false},
		{"prefix is a substring only", "warehouse_1", "wa", false},
		{"empty session", "", "wa", false},
		{"empty prefix", "wa_1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sameSessionPrefix(tt.session, tt.prefix); got != tt.want {
				t.Errorf("sameSessionPrefix(%q, %q) = %v, want %v", tt.session, tt.prefix, got, tt.want)
			}
		})
	}
}
