package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// IPCServer exposes a per-instance control surface over a unix socket so
// operators and sidecars can reach one bot without going through the public
// gateway. The socket is owner-only: bots can send to arbitrary channels.
type IPCServer struct {
	channel *Channel
	path    string
	server  *http.Server
}

func NewIPCServer(c *Channel, dir string) *IPCServer {
	return &IPCServer{
		channel: c,
		path:    SocketPath(dir, c.instance.Name),
	}
}

// SocketPath returns the unix socket path for an instance's IPC server.
// An empty dir falls back to the system temp directory.
func SocketPath(dir, instance string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("omnihub-discord-%s.sock", instance))
}

func (s *IPCServer) Start() error {
	// A previous unclean shutdown leaves the socket file behind.
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("discord ipc server", "instance", s.channel.Name(), "error", err)
		}
	}()
	slog.Debug("discord ipc listening", "instance", s.channel.Name(), "socket", s.path)
	return nil
}

func (s *IPCServer) Stop(ctx context.Context) {
	if s.server == nil {
		return
	}
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Debug("discord ipc shutdown", "instance", s.channel.Name(), "error", err)
	}
	_ = os.Remove(s.path)
}

type ipcSendRequest struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

func (s *IPCServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req ipcSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if req.ChannelID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel_id and text are required"})
		return
	}

	s.channel.mu.Lock()
	bot := s.channel.bot
	connected := s.channel.connected
	s.channel.mu.Unlock()
	if bot == nil || !connected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "bot not connected"})
		return
	}
	if err := bot.SendChunked(req.ChannelID, req.Text); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *IPCServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.channel.HealthReport())
}

func (s *IPCServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.channel.StatusReport())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
