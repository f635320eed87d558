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

// leoStreamTimeout is the fixed ceiling for one workflow run. Generous on
// purpose: multi-step LLM workflows routinely take tens of seconds.
const leoStreamTimeout = 120 * time.Second

// leoBackend talks to the leo workflow engine's SSE streaming endpoint.
// Run and Stream hit the same endpoint; Run just drains the stream.
type leoBackend struct {
	cfg    config.AgentConfig
	client *http.Client
}

func newLeoBackend(cfg config.AgentConfig) *leoBackend {
	return &leoBackend{
		cfg: cfg,
		// No client-level timeout: streams outlive any sane fixed value.
		// The per-call context carries the deadline.
		client: &http.Client{},
	}
}

func (b *leoBackend) Name() string { return "leo" }

func (b *leoBackend) StreamSupported() bool { return true }

// leoEnvelope is the workflow invocation payload.
type leoEnvelope struct {
	BPC         string       `json:"bpc,omitempty"`
	Environment string       `json:"environment,omitempty"`
	Version     string       `json:"version,omitempty"`
	Interface   leoInterface `json:"interface"`
	Options     leoOptions   `json:"options"`
}

type leoInterface struct {
	Inputs leoInputs `json:"inputs"`
}

type leoInputs struct {
	Message string `json:"message"`
}

type leoOptions struct {
	SessionID    string `json:"sessionId"`
	RuntimeToken string `json:"runtimeToken,omitempty"`
	StreamMode   string `json:"streamMode"`
}

func (b *leoBackend) Run(ctx context.Context, req *Request) (bus.NormalizedReply, error) {
	sessionID := leoSessionID(req)
	parser := NewStreamParser(nil)

	err := b.streamInto(ctx, req, sessionID, parser)
	if err != nil {
		if errors.Is(err, ErrCredentialsExpired) {
			return apologyReply(sessionID, false), err
		}
		timedOut := errors.Is(err, context.DeadlineExceeded)
		slog.Warn("leo run failed", "timed_out", timedOut, "error", err)
		return apologyReply(sessionID, timedOut), nil
	}

	return bus.NormalizedReply{
		Text:      parser.Final(),
		Success:   true,
		SessionID: sessionID,
	}, nil
}

func (b *leoBackend) Stream(ctx context.Context, req *Request) (<-chan string, func() error) {
	sessionID := leoSessionID(req)
	deltas := make(chan string, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(deltas)
		parser := NewStreamParser(func(d string) {
			select {
			case deltas <- d:
			case <-ctx.Done():
			}
		})
		err := b.streamInto(ctx, req, sessionID, parser)
		if err == nil && parser.DeltaCount() == 0 {
			// Snapshot-only stream: surface the fallback text as one delta.
			select {
			case deltas <- parser.Final():
			case <-ctx.Done():
			}
		}
		errCh <- err
	}()

	return deltas, func() error { return <-errCh }
}

// streamInto issues the HTTP request and feeds the body to the parser.
func (b *leoBackend) streamInto(ctx context.Context, req *Request, sessionID string, parser *StreamParser) error {
	envelope := leoEnvelope{
		BPC:         b.cfg.LeoBPC,
		Environment: b.cfg.LeoEnvironment,
		Version:     b.cfg.LeoVersion,
		Interface:   leoInterface{Inputs: leoInputs{Message: req.Text}},
		Options: leoOptions{
			SessionID:    sessionID,
			RuntimeToken: b.cfg.LeoRuntimeToken,
			StreamMode:   "verbose",
		},
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal leo envelope: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeoutFor(b.cfg, leoStreamTimeout))
	defer cancel()

	url := fmt.Sprintf("%s/workflow-engine/%s/stream",
		strings.TrimRight(b.cfg.APIURL, "/"), b.cfg.AgentID)
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build leo request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if b.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	if b.cfg.LeoSubscription != "" {
		httpReq.Header.Set("Ocp-Apim-Subscription-Key", b.cfg.LeoSubscription)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return context.DeadlineExceeded
		}
		return fmt.Errorf("leo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("leo workflow %s: %w", b.cfg.AgentID, ErrCredentialsExpired)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("leo returned %d: %s", resp.StatusCode, truncate(string(body), 500))
	}

	if err := parser.Consume(resp.Body); err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return context.DeadlineExceeded
		}
		return fmt.Errorf("read leo stream: %w", err)
	}
	return nil
}

// leoSessionID builds the engine's "session_<unix-ms>" form unless the
// request already carries one.
func leoSessionID(req *Request) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return fmt.Sprintf("session_%d", time.Now().UnixMilli())
}
