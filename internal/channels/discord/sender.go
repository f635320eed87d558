package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

const (
	maxMessageLen    = 2000
	chunkSendDelay   = 500 * time.Millisecond
	editMinInterval  = 500 * time.Millisecond
	placeholderText  = "⏳ Processing your request..."
	minChunkFraction = 2 // boundaries before 1/minChunkFraction of the limit are ignored
)

// SplitChunks splits text into pieces that each fit within the platform
// message limit. The limit counts characters, not bytes. Cut points prefer,
// in order: a blank line, a sentence end, a word boundary. A boundary in the
// first half of the window is ignored so chunks stay reasonably balanced.
func SplitChunks(text string) []string {
	var chunks []string
	for utf8.RuneCountInString(text) > maxMessageLen {
		window := firstRunes(text, maxMessageLen)
		cut := chunkBoundary(window)
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n "))
		text = strings.TrimLeft(text[cut:], "\n ")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// firstRunes returns the prefix of s holding at most n runes.
func firstRunes(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}

func chunkBoundary(window string) int {
	min := len(window) / minChunkFraction
	if i := strings.LastIndex(window, "\n\n"); i > min {
		return i
	}
	for _, sep := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(window, sep); i > min {
			return i + 1
		}
	}
	if i := strings.LastIndexByte(window, ' '); i > min {
		return i
	}
	return len(window)
}

// sendChunked sends text as one or more messages, pausing briefly between
// consecutive chunks.
func sendChunked(s *discordgo.Session, channelID, text string) error {
	chunks := SplitChunks(text)
	for i, chunk := range chunks {
		if i > 0 {
			time.Sleep(chunkSendDelay)
		}
		if _, err := s.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// StreamEditor renders a streamed reply by editing a single placeholder
// message in place. Edits are throttled; once the accumulated text exceeds
// the platform limit it is truncated with a marker and further edits only
// update the shown count.
type StreamEditor struct {
	session   *discordgo.Session
	channelID string
	messageID string
	limiter   *rate.Limiter
	buf       strings.Builder
	deleted   bool
	lastShown string
}

// NewStreamEditor posts the placeholder message and returns an editor bound
// to it.
func NewStreamEditor(s *discordgo.Session, channelID string) (*StreamEditor, error) {
	msg, err := s.ChannelMessageSend(channelID, placeholderText)
	if err != nil {
		return nil, fmt.Errorf("send placeholder: %w", err)
	}
	return &StreamEditor{
		session:   s,
		channelID: channelID,
		messageID: msg.ID,
		limiter:   rate.NewLimiter(rate.Every(editMinInterval), 1),
	}, nil
}

// Append accumulates a delta and edits the message if the throttle allows.
// A deleted placeholder silently ends the stream rendering.
func (e *StreamEditor) Append(ctx context.Context, delta string) error {
	e.buf.WriteString(delta)
	if e.deleted || !e.limiter.Allow() {
		return nil
	}
	return e.edit(ctx)
}

// Finish flushes the final accumulated text, waiting out the throttle so the
// last edit always lands.
func (e *StreamEditor) Finish(ctx context.Context) error {
	if e.deleted {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	return e.edit(ctx)
}

// Text returns the full accumulated reply, untruncated.
func (e *StreamEditor) Text() string { return e.buf.String() }

func (e *StreamEditor) edit(ctx context.Context) error {
	shown := truncateForDisplay(e.buf.String())
	if shown == e.lastShown || shown == "" {
		return nil
	}
	_, err := e.session.ChannelMessageEdit(e.channelID, e.messageID, shown, discordgo.WithContext(ctx))
	if err != nil {
		if isUnknownMessage(err) {
			e.deleted = true
			return nil
		}
		return fmt.Errorf("edit message: %w", err)
	}
	e.lastShown = shown
	return nil
}

// truncateForDisplay fits text within the message limit, appending a marker
// that states how much of the full reply is shown. Limits count characters.
func truncateForDisplay(text string) string {
	total := utf8.RuneCountInString(text)
	if total <= maxMessageLen {
		return text
	}
	marker := fmt.Sprintf("\n\n... (response too long, showing %d of %d chars)", maxMessageLen, total)
	cut := maxMessageLen - utf8.RuneCountInString(marker)
	if cut < 0 {
		cut = 0
	}
	return firstRunes(text, cut) + marker
}

// isUnknownMessage reports whether err means the target message no longer
// exists, typically because a user deleted the placeholder mid-stream.
func isUnknownMessage(err error) bool {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Message != nil {
		return rerr.Message.Code == discordgo.ErrCodeUnknownMessage
	}
	return false
}
