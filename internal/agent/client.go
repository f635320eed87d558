// Package agent abstracts the per-tenant AI agent backends behind one
// interface. Two wire protocols exist today: synchronous JSON REST
// (automagik, hive) and a server-sent-events streaming protocol (leo).
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
	"github.com/nextlevelbuilder/omnihub/internal/config"
)

// ErrCredentialsExpired is returned on HTTP 401 from a backend. It is
// surfaced distinctly because the operator response is re-configuration,
// never a retry.
var ErrCredentialsExpired = errors.New("agent credentials expired")

// ErrStreamingUnsupported is returned by Stream on backends that only
// implement the synchronous path.
var ErrStreamingUnsupported = errors.New("backend does not support streaming")

// ErrUnsupportedParams is returned when a backend rejects optional request
// parameters (typically media fields on older deployments). Callers retry
// once without the optional parameters instead of failing the message.
var ErrUnsupportedParams = errors.New("backend rejected optional parameters")

// Localized fallback replies. Delivered through the normal channel path so
// the conversation never appears to hang.
const (
	timeoutApology = "Desculpe, está demorando mais do que o esperado para processar sua mensagem. Por favor, tente novamente em alguns instantes."
	errorApology   = "Desculpe, encontrei um erro ao processar sua mensagem. Por favor, tente novamente."
)

// Request is one agent invocation built by the router.
type Request struct {
	Text        string
	SessionName string
	SessionID   string // synthesized deterministically when empty
	UserID      string // cached agent-side user id, empty for new users
	User        *UserDescriptor
	MessageType bus.MessageType
	Media       *bus.Media
}

// UserDescriptor lets the backend mint an agent-side user id for senders we
// have not seen before.
type UserDescriptor struct {
	DisplayName string         `json:"display_name,omitempty"`
	PhoneNumber string         `json:"phone_number,omitempty"`
	ExternalID  string         `json:"external_id,omitempty"`
	UserData    map[string]any `json:"user_data,omitempty"`
}

// Backend is one agent protocol variant. Run must always return a usable
// NormalizedReply: timeouts and backend errors degrade to an apology reply
// with Success=false rather than propagating to the channel.
type Backend interface {
	Name() string
	Run(ctx context.Context, req *Request) (bus.NormalizedReply, error)

	// Stream re-issues the request on the streaming path. The returned
	// channel yields text deltas in arrival order and closes at stream end;
	// wait blocks until then and returns the terminal error. Each call is a
	// fresh network request: streams are finite and not restartable.
	Stream(ctx context.Context, req *Request) (deltas <-chan string, wait func() error)
	StreamSupported() bool
}

// New constructs the backend for an instance's agent configuration.
// Adding a protocol variant means adding a case here and a constructor,
// nothing else.
func New(cfg config.AgentConfig) (Backend, error) {
	switch cfg.Kind {
	case config.AgentAutomagik:
		return newAutomagikBackend(cfg), nil
	case config.AgentHive:
		return newHiveBackend(cfg), nil
	case config.AgentLeo:
		return newLeoBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q", cfg.Kind)
	}
}

// timeoutFor resolves the per-call ceiling with a floor default.
func timeoutFor(cfg config.AgentConfig, fallback time.Duration) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return fallback
}

// apologyReply builds the degraded reply for a failed or timed-out call.
func apologyReply(sessionID string, timedOut bool) bus.NormalizedReply {
	text := errorApology
	if timedOut {
		text = timeoutApology
	}
	return bus.NormalizedReply{Text: text, Success: false, SessionID: sessionID}
}
