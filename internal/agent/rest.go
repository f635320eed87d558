package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
	"github.com/nextlevelbuilder/omnihub/internal/config"
)

// restCore is the synchronous JSON wire shared by the automagik and hive
// variants: POST a chat payload, read a single JSON reply.
type restCore struct {
	cfg    config.AgentConfig
	client *http.Client
}

func newRESTCore(cfg config.AgentConfig) restCore {
	return restCore{
		cfg: cfg,
		// Per-call deadlines come from the request context; the client
		// timeout is a hard upper bound safety net.
		client: &http.Client{Timeout: timeoutFor(cfg, 60*time.Second) + 10*time.Second},
	}
}

// chatRequest is the REST wire payload.
type chatRequest struct {
	MessageContent string          `json:"message_content"`
	MessageType    string          `json:"message_type,omitempty"`
	SessionName    string          `json:"session_name,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	User           *UserDescriptor `json:"user,omitempty"`
	MediaContents  []mediaContent  `json:"media_contents,omitempty"`
	MediaURL       string          `json:"media_url,omitempty"`
	MimeType       string          `json:"mime_type,omitempty"`
	SessionOrigin  string          `json:"session_origin"`
}

type mediaContent struct {
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	URL      string `json:"url,omitempty"`
}

// chatResponse tolerates both `message` and `text` reply fields.
type chatResponse struct {
	Message   string         `json:"message"`
	Text      string         `json:"text"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Success   *bool          `json:"success"`
	ToolCalls []bus.ToolCall `json:"tool_calls"`
	Usage     map[string]int `json:"usage"`
}

// call POSTs the request and normalizes the reply. Timeouts and transport
// errors degrade to an apology reply; err is non-nil only for 401.
func (r *restCore) call(ctx context.Context, path string, req *Request) (bus.NormalizedReply, error) {
	sessionID := req.SessionID
	if sessionID == "" && req.SessionName != "" {
		sessionID = DeterministicSessionID(req.SessionName)
	}

	body := chatRequest{
		MessageContent: req.Text,
		MessageType:    string(req.MessageType),
		SessionName:    req.SessionName,
		SessionID:      sessionID,
		UserID:         req.UserID,
		SessionOrigin:  "omnihub",
	}
	if req.UserID == "" && req.User != nil {
		body.User = req.User
	}
	if req.Media != nil {
		if req.Media.Base64 != "" {
			body.MediaContents = []mediaContent{{MimeType: req.Media.MimeType, Data: req.Media.Base64}}
		} else if req.Media.URL != "" {
			body.MediaURL = req.Media.URL
			body.MimeType = req.Media.MimeType
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return apologyReply(sessionID, false), fmt.Errorf("marshal agent request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeoutFor(r.cfg, 60*time.Second))
	defer cancel()

	url := strings.TrimRight(r.cfg.APIURL, "/") + path
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return apologyReply(sessionID, false), fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("x-api-key", r.cfg.APIKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded
		slog.Warn("agent call failed", "url", url, "timed_out", timedOut, "error", err)
		return apologyReply(sessionID, timedOut), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return apologyReply(sessionID, false), fmt.Errorf("agent %s: %w", url, ErrCredentialsExpired)
	}
	if resp.StatusCode == http.StatusUnprocessableEntity && (len(body.MediaContents) > 0 || body.MediaURL != "") {
		// Older backend versions reject the media parameters outright.
		// Surface this distinctly so the router can retry without them.
		return apologyReply(sessionID, false), fmt.Errorf("agent %s: %w", url, ErrUnsupportedParams)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		slog.Warn("agent response read failed", "url", url, "error", err)
		return apologyReply(sessionID, false), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("agent returned non-2xx", "url", url, "status", resp.StatusCode, "body", truncate(string(raw), 500))
		return apologyReply(sessionID, false), nil
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		slog.Warn("agent response parse failed", "url", url, "error", err)
		return apologyReply(sessionID, false), nil
	}

	text := cr.Message
	if text == "" {
		text = cr.Text
	}
	success := true
	if cr.Success != nil {
		success = *cr.Success
	}
	if cr.SessionID == "" {
		cr.SessionID = sessionID
	}
	return bus.NormalizedReply{
		Text:        text,
		Success:     success,
		SessionID:   cr.SessionID,
		AgentUserID: cr.UserID,
		ToolCalls:   cr.ToolCalls,
		Usage:       cr.Usage,
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// automagikBackend talks to an Automagik agent's chat endpoint.
type automagikBackend struct {
	restCore
}

func newAutomagikBackend(cfg config.AgentConfig) *automagikBackend {
	return &automagikBackend{restCore: newRESTCore(cfg)}
}

func (b *automagikBackend) Name() string { return "automagik" }

func (b *automagikBackend) Run(ctx context.Context, req *Request) (bus.NormalizedReply, error) {
	return b.call(ctx, "/api/agent/chat", req)
}

func (b *automagikBackend) Stream(ctx context.Context, req *Request) (<-chan string, func() error) {
	return unsupportedStream()
}

func (b *automagikBackend) StreamSupported() bool { return false }

// hiveBackend talks to a Hive deployment; teams and single agents live on
// different paths but share the wire shape.
type hiveBackend struct {
	restCore
}

func newHiveBackend(cfg config.AgentConfig) *hiveBackend {
	return &hiveBackend{restCore: newRESTCore(cfg)}
}

func (b *hiveBackend) Name() string { return "hive" }

func (b *hiveBackend) Run(ctx context.Context, req *Request) (bus.NormalizedReply, error) {
	kind := "agents"
	if b.cfg.AgentType == "team" {
		kind = "teams"
	}
	return b.call(ctx, fmt.Sprintf("/playground/%s/%s/runs", kind, b.cfg.AgentID), req)
}

func (b *hiveBackend) Stream(ctx context.Context, req *Request) (<-chan string, func() error) {
	return unsupportedStream()
}

func (b *hiveBackend) StreamSupported() bool { return false }

func unsupportedStream() (<-chan string, func() error) {
	ch := make(chan string)
	close(ch)
	return ch, func() error { return ErrStreamingUnsupported }
}
