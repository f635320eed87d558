package discord

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/omnihub/internal/config"
	"github.com/nextlevelbuilder/omnihub/internal/trace"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	ic := &config.InstanceConfig{
		Name:            "test",
		ChannelType:     config.ChannelDiscord,
		DiscordBotToken: "token",
	}
	return NewChannel(ic, nil, trace.NewService(nil, trace.Options{}), "")
}

func TestUnexpectedDisconnectReleasesSession(t *testing.T) {
	c := newTestChannel(t)
	bot, err := NewBot("test", "token", c)
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	c.mu.Lock()
	c.bot = bot
	c.connected = true
	c.disconnected = make(chan struct{})
	c.mu.Unlock()

	served := make(chan bool, 1)
	go func() { served <- c.serve(context.Background()) }()
	c.OnDisconnect()
	if reconnect := <-served; !reconnect {
		t.Fatal("serve treated a gateway drop as shutdown")
	}

	// The run loop tears the dead session down before reconnecting.
	c.teardown()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		t.Error("session not released before reconnect")
	}
	if c.connected {
		t.Error("connected flag not cleared")
	}
}

func TestTeardownWithoutSession(t *testing.T) {
	c := newTestChannel(t)
	c.teardown() // must not panic with no bot attached
	if c.bot != nil {
		t.Error("teardown left a bot behind")
	}
}
