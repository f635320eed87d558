package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	typingKeepalive   = 9 * time.Second
	typingMaxDuration = 60 * time.Second
)

// keepTyping shows the typing indicator on a channel until the returned stop
// function is called or the max duration elapses. Discord expires the
// indicator after ~10s, so it is re-sent on a shorter interval.
func keepTyping(ctx context.Context, s *discordgo.Session, channelID string) (stop func()) {
	ctx, cancel := context.WithTimeout(ctx, typingMaxDuration)
	go func() {
		ticker := time.NewTicker(typingKeepalive)
		defer ticker.Stop()
		for {
			_ = s.ChannelTyping(channelID)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
