package bus

// MessageType classifies the payload of an inbound message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeUnknown  MessageType = "unknown"
)

// ChannelType identifies the originating messaging provider.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelDiscord  ChannelType = "discord"
)

// InboundMessage is the channel-agnostic shape every provider event is
// normalized into before reaching the router.
type InboundMessage struct {
	Channel     ChannelType `json:"channel"`
	Instance    string      `json:"instance"`
	SenderID    string      `json:"sender_id"`    // provider-specific id (JID, Discord user id)
	DisplayName string      `json:"display_name"` // push name / username
	Text        string      `json:"text"`
	MessageType MessageType `json:"message_type"`
	MessageID   string      `json:"message_id,omitempty"` // provider message id, used for dedup
	SessionName string      `json:"session_name"`
	Media       *Media      `json:"media,omitempty"`
	Quoted      *Quoted     `json:"quoted,omitempty"`

	// Raw carries the original provider event for trace payloads only.
	// Never used for control flow.
	Raw map[string]any `json:"-"`
}

// HasMedia reports whether the message carries a media payload.
func (m *InboundMessage) HasMedia() bool { return m.Media != nil }

// Media is an attachment on an inbound message. Base64 content is preferred
// over the URL when both are present: the remote asset may not be available
// yet when the webhook fires.
type Media struct {
	MimeType string `json:"mime_type,omitempty"`
	Base64   string `json:"base64,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Quoted describes the message an inbound message replies to.
type Quoted struct {
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
	HasMedia  bool   `json:"has_media,omitempty"`
}

// OutboundMessage is a reply queued for delivery through a channel.
type OutboundMessage struct {
	Channel   ChannelType `json:"channel"`
	Instance  string      `json:"instance"`
	Recipient string      `json:"recipient"` // phone/JID or Discord channel id
	Text      string      `json:"text"`
	Quoted    *Quoted     `json:"quoted,omitempty"`
	Mentions  []string    `json:"mentions,omitempty"`
}

// NormalizedReply is what every agent backend produces and the only value
// channel senders consume.
type NormalizedReply struct {
	Text            string         `json:"text"`
	Success         bool           `json:"success"`
	SessionID       string         `json:"session_id,omitempty"`
	AgentUserID     string         `json:"agent_user_id,omitempty"`
	ToolCalls       []ToolCall     `json:"tool_calls,omitempty"`
	Usage           map[string]int `json:"usage,omitempty"`
	StreamingChunks []string       `json:"streaming_chunks,omitempty"`
}

// ToolCall records one tool invocation reported by an agent backend.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
}
