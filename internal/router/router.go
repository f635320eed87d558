// Package router mediates between normalized inbound messages and the
// per-tenant agent backends: it resolves a stable local identity for the
// sender, builds the agent request, and returns a NormalizedReply. It never
// performs outbound delivery; that is the channel sender's job.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/omnihub/internal/agent"
	"github.com/nextlevelbuilder/omnihub/internal/bus"
	"github.com/nextlevelbuilder/omnihub/internal/config"
	"github.com/nextlevelbuilder/omnihub/internal/store"
	"github.com/nextlevelbuilder/omnihub/internal/trace"
)

// SilentPrefix marks agent replies that must not be delivered. The agent
// uses it for internal acknowledgements.
const SilentPrefix = "AUTOMAGIK:"

// Router routes inbound messages to agent backends.
type Router struct {
	users  store.UserStore
	traces *trace.Service

	mu       sync.RWMutex
	backends map[string]agent.Backend // keyed by instance name
}

func New(users store.UserStore, traces *trace.Service) *Router {
	return &Router{
		users:    users,
		traces:   traces,
		backends: make(map[string]agent.Backend),
	}
}

// Backend returns (building if needed) the agent backend for an instance.
func (r *Router) Backend(ic *config.InstanceConfig) (agent.Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[ic.Name]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[ic.Name]; ok {
		return b, nil
	}
	b, err := agent.New(ic.Agent)
	if err != nil {
		return nil, fmt.Errorf("backend for instance %s: %w", ic.Name, err)
	}
	r.backends[ic.Name] = b
	return b, nil
}

// Invalidate drops the cached backend for an instance (config reload).
func (r *Router) Invalidate(instanceName string) {
	r.mu.Lock()
	delete(r.backends, instanceName)
	r.mu.Unlock()
}

// Route resolves identity, dispatches to the agent backend, and returns the
// normalized reply. A reply with empty Text and Success=true means "nothing
// to deliver" (silent-prefix replies).
func (r *Router) Route(ctx context.Context, msg *bus.InboundMessage, ic *config.InstanceConfig, tc *trace.Context) (bus.NormalizedReply, error) {
	return r.dispatch(ctx, msg, ic, tc, nil)
}

// RouteStream is Route with live delta delivery: onDelta is invoked for each
// streamed fragment when the backend supports streaming. On non-streaming
// backends it behaves exactly like Route.
func (r *Router) RouteStream(ctx context.Context, msg *bus.InboundMessage, ic *config.InstanceConfig, tc *trace.Context, onDelta func(string)) (bus.NormalizedReply, error) {
	return r.dispatch(ctx, msg, ic, tc, onDelta)
}

func (r *Router) dispatch(ctx context.Context, msg *bus.InboundMessage, ic *config.InstanceConfig, tc *trace.Context, onDelta func(string)) (bus.NormalizedReply, error) {
	backend, err := r.Backend(ic)
	if err != nil {
		tc.Fail(ctx, store.StageAgentRequest, err)
		return bus.NormalizedReply{Text: "", Success: false}, err
	}

	tc.UpdateStatus(ctx, store.StatusProcessing)

	user, cachedAgentID := r.resolveUser(ctx, msg, ic)

	req := r.buildRequest(msg, cachedAgentID, user)

	tc.LogStage(ctx, store.StageAgentRequest, map[string]any{
		"session_name": req.SessionName,
		"session_id":   req.SessionID,
		"user_id":      req.UserID,
		"message_type": string(req.MessageType),
		"has_media":    req.Media != nil,
		"text_length":  len(req.Text),
	}, store.PayloadRequest, 0, "")

	now := time.Now().UTC()
	tc.UpdateStatus(ctx, store.StatusAgentCalled,
		trace.WithAgentSessionID(req.SessionID),
		trace.WithAgentRequestAt(now))

	reply, err := invoke(ctx, backend, req, onDelta)
	if err != nil && errors.Is(err, agent.ErrUnsupportedParams) && req.Media != nil {
		// Forward-compatibility fallback: retry without the optional media
		// parameters rather than failing the whole message.
		slog.Info("retrying agent call without media parameters", "instance", ic.Name)
		bare := *req
		bare.Media = nil
		reply, err = invoke(ctx, backend, &bare, onDelta)
	}
	if err != nil {
		tc.LogStage(ctx, store.StageAgentResponse, map[string]any{"error": err.Error()},
			store.PayloadResponse, 0, err.Error())
		tc.Fail(ctx, store.StageAgentRequest, err)
		return reply, err
	}

	tc.UpdateStatus(ctx, store.StatusProcessing,
		trace.WithAgentResponse(time.Now().UTC(), reply.Success))
	tc.LogStage(ctx, store.StageAgentResponse, map[string]any{
		"success":     reply.Success,
		"session_id":  reply.SessionID,
		"text_length": len(reply.Text),
		"tool_calls":  len(reply.ToolCalls),
		"usage":       reply.Usage,
	}, store.PayloadResponse, 0, "")

	if user != nil && reply.Success {
		if err := r.users.RecordInteraction(ctx, user.ID, msg.SessionName, reply.AgentUserID); err != nil {
			slog.Warn("user interaction update failed", "user_id", user.ID, "error", err)
		}
	}

	if strings.HasPrefix(reply.Text, SilentPrefix) {
		slog.Debug("silent agent reply swallowed", "instance", ic.Name, "session", msg.SessionName)
		reply.Text = ""
	}
	return reply, nil
}

// invoke dispatches one request, streaming deltas through onDelta when both
// sides support it.
func invoke(ctx context.Context, backend agent.Backend, req *agent.Request, onDelta func(string)) (bus.NormalizedReply, error) {
	if onDelta == nil || !backend.StreamSupported() {
		return backend.Run(ctx, req)
	}
	deltas, wait := backend.Stream(ctx, req)
	var full strings.Builder
	for delta := range deltas {
		full.WriteString(delta)
		onDelta(delta)
	}
	if err := wait(); err != nil {
		return bus.NormalizedReply{}, err
	}
	return bus.NormalizedReply{Text: full.String(), Success: true, SessionID: req.SessionID}, nil
}

// resolveUser finds or creates the local user for the sender and decides
// whether the cached agent-side user id may be reused. The cache is only
// valid under the same session prefix: an instance switch must not leak
// identity across tenants.
func (r *Router) resolveUser(ctx context.Context, msg *bus.InboundMessage, ic *config.InstanceConfig) (*store.User, string) {
	if r.users == nil || msg.SenderID == "" {
		return nil, ""
	}
	provider := string(msg.Channel)

	user, err := r.users.GetByExternal(ctx, provider, msg.SenderID, ic.Name)
	if err != nil {
		slog.Warn("user lookup failed", "sender", msg.SenderID, "error", err)
		return nil, ""
	}
	if user == nil {
		user = &store.User{
			ID:           uuid.Must(uuid.NewV7()).String(),
			InstanceName: ic.Name,
			DisplayName:  msg.DisplayName,
		}
		if msg.Channel == bus.ChannelWhatsApp {
			user.WhatsAppJID = msg.SenderID
			user.PhoneNumber = strings.SplitN(msg.SenderID, "@", 2)[0]
		}
		if err := r.users.Upsert(ctx, user); err != nil {
			slog.Warn("user create failed", "sender", msg.SenderID, "error", err)
			return nil, ""
		}
		if err := r.users.LinkExternal(ctx, &store.ExternalID{
			UserID:       user.ID,
			Provider:     provider,
			ExternalID:   msg.SenderID,
			InstanceName: ic.Name,
		}); err != nil {
			slog.Warn("external id link failed", "sender", msg.SenderID, "error", err)
		}
		return user, ""
	}

	if user.LastAgentUserID != "" && sameSessionPrefix(user.LastSessionName, ic.SessionPrefix()) {
		return user, user.LastAgentUserID
	}
	return user, ""
}

// buildRequest assembles the agent request from the decorated message text
// and the identity resolution result.
func (r *Router) buildRequest(msg *bus.InboundMessage, cachedAgentID string, user *store.User) *agent.Request {
	req := &agent.Request{
		Text:        msg.Text,
		SessionName: msg.SessionName,
		SessionID:   agent.DeterministicSessionID(msg.SessionName),
		MessageType: msg.MessageType,
		Media:       msg.Media,
	}
	if cachedAgentID != "" {
		req.UserID = cachedAgentID
		return req
	}

	desc := &agent.UserDescriptor{
		DisplayName: msg.DisplayName,
		ExternalID:  msg.SenderID,
	}
	if user != nil && user.PhoneNumber != "" {
		desc.PhoneNumber = user.PhoneNumber
	}
	req.User = desc
	req.UserID = agent.DeterministicUserID(msg.SenderID)
	return req
}

// sameSessionPrefix reports whether a stored session name belongs to the
// given instance prefix. Session names are "{prefix}_{peer}".
func sameSessionPrefix(sessionName, prefix string) bool {
	if sessionName == "" || prefix == "" {
		return false
	}
	return sessionName == prefix || strings.HasPrefix(sessionName, prefix+"_")
}
