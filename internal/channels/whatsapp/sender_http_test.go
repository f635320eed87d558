package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
	"github.com/nextlevelbuilder/omnihub/internal/config"
)

type bridgeCall struct {
	path   string
	apikey string
	body   sendTextBody
}

// fakeBridge records sendText calls and answers with a fixed status.
type fakeBridge struct {
	mu     sync.Mutex
	status int
	calls  []bridgeCall
}

func (b *fakeBridge) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body sendTextBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.calls = append(b.calls, bridgeCall{
			path:   r.URL.Path,
			apikey: r.Header.Get("apikey"),
			body:   body,
		})
		b.mu.Unlock()
		w.WriteHeader(b.status)
		_, _ = w.Write([]byte(`{"status":"irrelevant"}`))
	}
}

func (b *fakeBridge) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBridge) call(i int) bridgeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[i]
}

func newBridgeSender(t *testing.T, bridge *fakeBridge) *Sender {
	t.Helper()
	srv := httptest.NewServer(bridge.handler())
	t.Cleanup(srv.Close)
	return NewSender(SenderOptions{
		ServerURL:          srv.URL,
		APIKey:             "secret-key",
		Instance:           "inst1",
		DefaultCountryCode: "55",
	})
}

func TestSendTextPostsToBridge(t *testing.T) {
	bridge := &fakeBridge{status: http.StatusCreated}
	s := newBridgeSender(t, bridge)

	err := s.SendText(context.Background(), "5511999990000@s.whatsapp.net", "hello there", SendOptions{})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if bridge.callCount() != 1 {
		t.Fatalf("bridge call count = %d, want 1", bridge.callCount())
	}
	call := bridge.call(0)
	if call.path != "/message/sendText/inst1" {
		t.Errorf("path = %q, want /message/sendText/inst1", call.path)
	}
	if call.apikey != "secret-key" {
		t.Errorf("apikey header = %q, want secret-key", call.apikey)
	}
	if call.body.Number != "5511999990000" {
		t.Errorf("number = %q, want 5511999990000", call.body.Number)
	}
	if call.body.Text != "hello there" {
		t.Errorf("text = %q, want the original message", call.body.Text)
	}
}

func TestDeliverStreamedChunksSequentially(t *testing.T) {
	bridge := &fakeBridge{status: http.StatusOK}
	c := &Channel{
		instance: &config.InstanceConfig{Name: "main"},
		sender:   newBridgeSender(t, bridge),
	}
	reply := bus.NormalizedReply{
		Text:            "part one. part two.",
		StreamingChunks: []string{"part one.", " part two."},
	}
	opts := SendOptions{Mentions: []string{"12345"}}
	if err := c.deliver(context.Background(), "5511999990000", reply, opts); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if bridge.callCount() != 2 {
		t.Fatalf("bridge call count = %d, want one send per chunk", bridge.callCount())
	}
	if got := bridge.call(0).body.Text; got != "part one." {
		t.Errorf("first chunk text = %q, want %q", got, "part one.")
	}
	if len(bridge.call(0).body.Mentioned) != 1 {
		t.Error("first chunk lost the mentions")
	}
	if len(bridge.call(1).body.Mentioned) != 0 {
		t.Error("later chunk must not repeat the mentions")
	}
}

func TestSendTextFalsePositive400(t *testing.T) {
	// Known bridge bug: sends that include a quote or mentions succeed on
	// the phone but come back as 400. Treat those as delivered.
	tests := []struct {
		name    string
		opts    SendOptions
		wantErr bool
	}{
		{"400 with mentions delivered", SendOptions{Mentions: []string{"12345"}}, false},
		{"400 with quote delivered", SendOptions{Quoted: &bus.Quoted{MessageID: "Q1"}}, false},
		{"plain 400 fails", SendOptions{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := &fakeBridge{status: http.StatusBadRequest}
			s := newBridgeSender(t, bridge)
			err := s.SendText(context.Background(), "5511999990000", "reply", tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("SendText err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
