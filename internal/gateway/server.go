// Package gateway is the webhook ingress: it terminates HTTP from the
// Evolution bridge, unwraps and fans out raw events to the per-instance
// channels, and answers health probes. It never talks to agent backends
// directly.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/omnihub/internal/channels"
	"github.com/nextlevelbuilder/omnihub/internal/config"
)

// EventSink accepts one raw provider event and returns the opened trace id.
// The WhatsApp channel implements it; Discord events arrive over the bot
// gateway instead of webhooks.
type EventSink interface {
	HandleEvent(ctx context.Context, raw map[string]any) (string, error)
}

// Server is the webhook ingress HTTP server.
type Server struct {
	cfg     *config.Config
	manager *channels.Manager
	dedup   *Deduper
	limiter *channels.WebhookRateLimiter
	started time.Time

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, manager *channels.Manager, dedup *Deduper) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		dedup:   dedup,
		started: time.Now(),
	}
	if cfg.Gateway.RateLimitRPM > 0 {
		s.limiter = channels.NewWebhookRateLimiter(cfg.Gateway.RateLimitRPM)
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{channel}/{instance}", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

type webhookResponse struct {
	Status   string `json:"status"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleWebhook ingests one bridge POST. Messages inside one request are
// processed sequentially so replies to a burst keep the sender's order.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	instanceName := r.PathValue("instance")

	if s.limiter != nil && !s.limiter.Allow(instanceName) {
		writeJSON(w, http.StatusTooManyRequests, webhookResponse{Status: "error", Error: "rate limited"})
		return
	}

	ch := s.manager.Get(instanceName)
	if ch == nil {
		writeJSON(w, http.StatusNotFound, webhookResponse{Status: "error", Error: "unknown instance"})
		return
	}
	sink, ok := ch.(EventSink)
	if !ok {
		writeJSON(w, http.StatusNotFound, webhookResponse{Status: "error", Error: "instance does not accept webhooks"})
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Error("webhook body unreadable", "instance", instanceName, "error", err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Status: "error", Error: "invalid payload"})
		return
	}

	messages, err := extractMessages(payload)
	if err != nil {
		slog.Error("webhook payload unparseable", "instance", instanceName, "error", err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Status: "error", Error: err.Error()})
		return
	}

	var lastTraceID string
	for _, raw := range messages {
		if id := providerMessageID(raw); id != "" && s.dedup.Seen(r.Context(), instanceName, id) {
			slog.Debug("duplicate webhook dropped", "instance", instanceName, "message_id", id)
			continue
		}
		traceID, err := sink.HandleEvent(r.Context(), raw)
		if err != nil {
			slog.Error("webhook event rejected", "instance", instanceName, "error", err)
			continue
		}
		if traceID != "" {
			lastTraceID = traceID
		}
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Status:   "success",
		Instance: instanceName,
		TraceID:  lastTraceID,
	})
}

// extractMessages normalizes the bridge's payload shapes into a list of raw
// message objects. The data field may be a base64-wrapped JSON string, an
// object carrying a messages array, a single message object, or absent
// entirely (the whole payload is the message).
func extractMessages(payload map[string]any) ([]map[string]any, error) {
	data, ok := payload["data"]
	if !ok {
		return []map[string]any{payload}, nil
	}

	if encoded, ok := data.(string); ok {
		// Some bridge versions wrap the event as base64 JSON. When the
		// string does not decode, treat the whole payload as the message.
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			slog.Warn("webhook data is not base64, using raw payload", "error", err)
			return []map[string]any{payload}, nil
		}
		var inner any
		if err := json.Unmarshal(decoded, &inner); err != nil {
			slog.Warn("decoded webhook data is not json, using raw payload", "error", err)
			return []map[string]any{payload}, nil
		}
		data = inner
	}

	obj, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected data type %T", data)
	}

	if list, ok := obj["messages"].([]any); ok {
		msgs := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				msgs = append(msgs, m)
			}
		}
		return msgs, nil
	}
	if single, ok := obj["message"].(map[string]any); ok {
		// Some bridge versions wrap a single message one level deeper while
		// keeping key/pushName at the data level.
		if _, hasKey := obj["key"]; hasKey {
			return []map[string]any{obj}, nil
		}
		return []map[string]any{single}, nil
	}
	return []map[string]any{obj}, nil
}

// providerMessageID digs out the bridge's message id for dedup.
func providerMessageID(raw map[string]any) string {
	key, ok := raw["key"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := key["id"].(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	instances := map[string]bool{}
	for _, name := range s.manager.Names() {
		if ch := s.manager.Get(name); ch != nil {
			instances[name] = ch.IsRunning()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"instances":      instances,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// StartTestServer creates a listener on :0 and returns the actual address
// and a start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
