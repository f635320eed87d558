package store

import (
	"context"
	"time"
)

// Trace status values. The lifecycle is
// received → processing → agent_called → processing → {completed | failed}.
const (
	StatusReceived    = "received"
	StatusProcessing  = "processing"
	StatusAgentCalled = "agent_called"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// Payload types for stage snapshots.
const (
	PayloadRequest  = "request"
	PayloadResponse = "response"
	PayloadWebhook  = "webhook"
)

// Well-known stage names.
const (
	StageWebhookReceived = "webhook_received"
	StageAgentRequest    = "agent_request"
	StageAgentResponse   = "agent_response"
	StageEvolutionSend   = "evolution_send"
)

// TraceRecord is one inbound message's processing lifecycle. Mutated through
// the trace state machine until terminal, then immutable.
type TraceRecord struct {
	TraceID           string     `json:"trace_id"`
	InstanceName      string     `json:"instance_name"`
	ChannelType       string     `json:"channel_type"`
	SenderID          string     `json:"sender_id,omitempty"`
	SenderName        string     `json:"sender_name,omitempty"`
	MessageID         string     `json:"message_id,omitempty"` // provider message id
	MessageType       string     `json:"message_type"`
	HasMedia          bool       `json:"has_media"`
	SessionName       string     `json:"session_name,omitempty"`
	AgentSessionID    string     `json:"agent_session_id,omitempty"`
	Status            string     `json:"status"`
	ReceivedAt        time.Time  `json:"received_at"`
	AgentRequestAt    *time.Time `json:"agent_request_at,omitempty"`
	AgentResponseAt   *time.Time `json:"agent_response_at,omitempty"`
	EvolutionSendAt   *time.Time `json:"evolution_send_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ProcessingTimeMS  int64      `json:"total_processing_time_ms,omitempty"`
	AgentSuccess      *bool      `json:"agent_response_success,omitempty"`
	EvolutionSuccess  *bool      `json:"evolution_success,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ErrorStage        string     `json:"error_stage,omitempty"`
}

// TraceUpdate carries the mutable subset of a TraceRecord for a status
// transition. Nil pointers leave the column untouched.
type TraceUpdate struct {
	Status           string
	AgentSessionID   *string
	AgentRequestAt   *time.Time
	AgentResponseAt  *time.Time
	EvolutionSendAt  *time.Time
	CompletedAt      *time.Time
	ProcessingTimeMS *int64
	AgentSuccess     *bool
	EvolutionSuccess *bool
	ErrorMessage     *string
	ErrorStage       *string
}

// TracePayload is one append-only stage snapshot. Never mutated after
// insert; used for forensic replay, never for control flow.
type TracePayload struct {
	ID            string    `json:"id"`
	TraceID       string    `json:"trace_id"`
	Stage         string    `json:"stage"`
	PayloadType   string    `json:"payload_type"` // request | response | webhook
	StatusCode    int       `json:"status_code,omitempty"`
	ErrorDetails  string    `json:"error_details,omitempty"`
	Compressed    []byte    `json:"-"` // gzip-compressed JSON
	SizeBytes     int       `json:"payload_size_bytes"`
	ContainsMedia bool      `json:"contains_media"`
	CreatedAt     time.Time `json:"created_at"`
}

// TraceStore persists trace records and their stage payloads. Every write is
// its own committed statement: a crash mid-pipeline leaves a durable partial
// trace with the last known stage.
type TraceStore interface {
	CreateTrace(ctx context.Context, rec *TraceRecord) error
	UpdateTrace(ctx context.Context, traceID string, upd TraceUpdate) error
	GetTrace(ctx context.Context, traceID string) (*TraceRecord, error)
	ListRecent(ctx context.Context, limit int) ([]TraceRecord, error)

	AddPayload(ctx context.Context, p *TracePayload) error
	ListPayloads(ctx context.Context, traceID string) ([]TracePayload, error)

	// DeleteOlderThan removes traces (and their payloads) received before
	// cutoff. Returns the number of trace records removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
