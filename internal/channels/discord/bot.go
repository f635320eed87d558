package discord

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
)

// Handler receives lifecycle and message events from a connected bot. The
// owning channel implements it; the adapter below stays transport-only so
// reconnection policy lives in one place.
type Handler interface {
	OnReady(guildCount int)
	OnMessage(channelID string, msg *bus.InboundMessage)
	OnDisconnect()
}

var mentionPattern = regexp.MustCompile(`<@!?\d+>`)

// Bot wraps one discordgo session. It translates gateway events into Handler
// calls and filters out traffic the agent should never see: messages from
// bots, from itself, and guild messages that do not mention it.
type Bot struct {
	instance string
	session  *discordgo.Session
	handler  Handler
	selfID   string
	started  time.Time
}

func NewBot(instance, token string, handler Handler) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	// The reconnection loop in this package owns retry policy.
	session.ShouldReconnectOnError = false

	b := &Bot{instance: instance, session: session, handler: handler}
	session.AddHandler(b.onReady)
	session.AddHandler(b.onMessageCreate)
	session.AddHandler(b.onDisconnect)
	return b, nil
}

// Connect opens the gateway connection. The returned error distinguishes
// permanent credential failures via IsPermanentAuthError.
func (b *Bot) Connect() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	b.started = time.Now()
	return nil
}

func (b *Bot) Disconnect() error {
	return b.session.Close()
}

func (b *Bot) Latency() time.Duration { return b.session.HeartbeatLatency() }

func (b *Bot) Uptime() time.Duration {
	if b.started.IsZero() {
		return 0
	}
	return time.Since(b.started)
}

// Counts returns the guild count and the summed approximate member count of
// cached guilds.
func (b *Bot) Counts() (guilds, users int) {
	state := b.session.State
	if state == nil {
		return 0, 0
	}
	state.RLock()
	defer state.RUnlock()
	for _, g := range state.Guilds {
		guilds++
		users += g.MemberCount
	}
	return guilds, users
}

// SendChunked sends text to a channel, splitting it across messages when it
// exceeds the platform limit.
func (b *Bot) SendChunked(channelID, text string) error {
	return sendChunked(b.session, channelID, text)
}

func (b *Bot) NewStreamEditor(channelID string) (*StreamEditor, error) {
	return NewStreamEditor(b.session, channelID)
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.selfID = r.User.ID
	b.handler.OnReady(len(r.Guilds))
}

func (b *Bot) onDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	b.handler.OnDisconnect()
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == b.selfID {
		return
	}
	isDM := m.GuildID == ""
	if !isDM && !b.mentionsSelf(m) {
		return
	}
	text := strings.TrimSpace(mentionPattern.ReplaceAllString(m.Content, ""))
	if text == "" && len(m.Attachments) == 0 {
		return
	}

	msg := &bus.InboundMessage{
		Channel:     bus.ChannelDiscord,
		Instance:    b.instance,
		SenderID:    m.Author.ID,
		DisplayName: resolveDisplayName(m),
		Text:        text,
		MessageType: bus.TypeText,
		MessageID:   m.ID,
		SessionName: sessionNameFor(m),
	}
	b.handler.OnMessage(m.ChannelID, msg)
}

func (b *Bot) mentionsSelf(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == b.selfID {
			return true
		}
	}
	return false
}

// sessionNameFor derives the agent session name. Guild messages share a
// per-guild-per-author session; DMs get their own namespace.
func sessionNameFor(m *discordgo.MessageCreate) string {
	if m.GuildID == "" {
		return fmt.Sprintf("discord_dm_%s", m.Author.ID)
	}
	return fmt.Sprintf("discord_%s_%s", m.GuildID, m.Author.ID)
}

// resolveDisplayName picks the most specific name available: server nickname,
// then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// IsPermanentAuthError reports whether a connection error indicates invalid
// credentials, where retrying can never succeed. Discord closes the gateway
// with code 4004 on authentication failure.
func IsPermanentAuthError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "4004") ||
		strings.Contains(s, "Authentication failed") ||
		strings.Contains(s, "401: Unauthorized")
}
