// Package channels provides the channel abstraction layer and the
// per-instance registry that owns channel lifecycles. Channels connect
// messaging providers (WhatsApp via the Evolution bridge, Discord) to the
// message router.
package channels

import (
	"context"
	"unicode/utf8"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
)

// Channel is one running channel binding for one tenant instance.
type Channel interface {
	// Name returns the instance name this channel serves.
	Name() string

	// ChannelType returns the provider kind (whatsapp, discord).
	ChannelType() bus.ChannelType

	// Start begins processing. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts the channel down. Idempotent.
	Stop(ctx context.Context) error

	// IsRunning reports whether the channel is actively processing.
	IsRunning() bool

	// Send delivers an outbound message through this channel.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// StreamingChannel is implemented by channels that can render an agent
// reply progressively while it is still being generated.
type StreamingChannel interface {
	Channel
	// StreamEnabled reports whether the instance currently wants streaming
	// delivery. When false the reply is sent once, complete.
	StreamEnabled() bool
}

// InboundHandler receives a normalized inbound message from a channel and
// owns routing plus reply delivery for it.
type InboundHandler func(ctx context.Context, msg *bus.InboundMessage) error

// Truncate shortens s to max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
