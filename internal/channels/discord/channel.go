package discord

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
	"github.com/nextlevelbuilder/omnihub/internal/config"
	"github.com/nextlevelbuilder/omnihub/internal/router"
	"github.com/nextlevelbuilder/omnihub/internal/store"
	"github.com/nextlevelbuilder/omnihub/internal/trace"
)

const (
	maxConnectAttempts = 5
	maxConnectBackoff  = 60 * time.Second
	breakerOpenWait    = 30 * time.Second
	heartbeatInterval  = 30 * time.Second

	stageSend = "discord_send"
)

// Health is the lightweight liveness report served over IPC.
type Health struct {
	Status        string       `json:"status"`
	BotConnected  bool         `json:"bot_connected"`
	LatencyMS     int64        `json:"latency_ms"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`
	Breaker       BreakerState `json:"circuit_breaker"`
}

// Status extends Health with gateway statistics.
type Status struct {
	Status     string `json:"status"`
	GuildCount int    `json:"guild_count"`
	UserCount  int    `json:"user_count"`
	LatencyMS  int64  `json:"latency_ms"`
	UptimeSec  int64  `json:"uptime_seconds"`
}

// Channel owns one Discord bot: its gateway session, reconnection loop,
// circuit breaker, and IPC socket. Each instance gets its own Channel with
// its own lock; a stuck bot never blocks its siblings.
type Channel struct {
	instance *config.InstanceConfig
	routes   *router.Router
	traces   *trace.Service
	ipcDir   string

	mu        sync.Mutex
	bot       *Bot
	connected bool
	heartbeat time.Time

	breaker *CircuitBreaker
	ipc     *IPCServer

	running      atomic.Bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	disconnected chan struct{}
}

func NewChannel(ic *config.InstanceConfig, routes *router.Router, traces *trace.Service, ipcDir string) *Channel {
	return &Channel{
		instance: ic,
		routes:   routes,
		traces:   traces,
		ipcDir:   ipcDir,
		breaker:  NewCircuitBreaker(),
	}
}

func (c *Channel) Name() string                 { return c.instance.Name }
func (c *Channel) ChannelType() bus.ChannelType { return bus.ChannelDiscord }
func (c *Channel) IsRunning() bool              { return c.running.Load() }

// StreamEnabled reports whether replies for this instance render as live
// message edits.
func (c *Channel) StreamEnabled() bool { return c.instance.Agent.StreamMode }

func (c *Channel) Breaker() *CircuitBreaker { return c.breaker }

func (c *Channel) Start(ctx context.Context) error {
	if c.instance.DiscordBotToken == "" {
		return fmt.Errorf("instance %s: discord token not configured", c.instance.Name)
	}
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.ipc = NewIPCServer(c, c.ipcDir)
	if err := c.ipc.Start(); err != nil {
		slog.Warn("discord ipc socket unavailable", "instance", c.instance.Name, "error", err)
		c.ipc = nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()
	slog.Info("discord channel started", "instance", c.instance.Name)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.ipc != nil {
		c.ipc.Stop(ctx)
	}
	slog.Info("discord channel stopped", "instance", c.instance.Name)
	return nil
}

// run is the supervised connection loop. Transient failures back off
// exponentially with jitter; the breaker gates attempts after repeated
// failures; credential failures and exhausted retry sessions park the bot
// until an explicit restart.
func (c *Channel) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.teardown()
			return
		}
		if !c.breaker.CanAttempt(time.Now()) {
			if c.breaker.IndefinitelyOpen() {
				slog.Error("discord bot parked, restart required", "instance", c.instance.Name)
				c.teardown()
				return
			}
			slog.Warn("discord circuit breaker open, waiting", "instance", c.instance.Name)
			if !sleepCtx(ctx, breakerOpenWait) {
				c.teardown()
				return
			}
			continue
		}

		if err := c.connect(); err != nil {
			if IsPermanentAuthError(err) {
				slog.Error("discord token rejected, not retrying", "instance", c.instance.Name, "error", err)
				c.breaker.OpenIndefinitely()
				c.teardown()
				return
			}
			c.breaker.RecordFailure()
			attempt++
			if attempt >= maxConnectAttempts {
				slog.Error("discord connect attempts exhausted", "instance", c.instance.Name, "attempts", attempt)
				c.breaker.OpenIndefinitely()
				c.teardown()
				return
			}
			wait := connectBackoff(attempt)
			slog.Warn("discord connect failed", "instance", c.instance.Name,
				"attempt", attempt, "retry_in", wait, "error", err)
			if !sleepCtx(ctx, wait) {
				c.teardown()
				return
			}
			continue
		}

		c.breaker.RecordSuccess()
		attempt = 0

		if !c.serve(ctx) {
			c.teardown()
			return
		}
		// Unexpected disconnect: release the dead session, count the
		// failure, and go around.
		c.teardown()
		c.breaker.RecordFailure()
		attempt++
	}
}

func (c *Channel) connect() error {
	bot, err := NewBot(c.instance.Name, c.instance.DiscordBotToken, c)
	if err != nil {
		return err
	}
	if err := bot.Connect(); err != nil {
		return err
	}
	c.mu.Lock()
	c.bot = bot
	c.disconnected = make(chan struct{})
	c.heartbeat = time.Now()
	c.mu.Unlock()
	return nil
}

// serve blocks while the bot is connected, stamping heartbeats. It returns
// false when the loop should exit (shutdown), true on an unexpected
// disconnect that warrants a reconnect.
func (c *Channel) serve(ctx context.Context) bool {
	c.mu.Lock()
	disconnected := c.disconnected
	c.mu.Unlock()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-disconnected:
			slog.Warn("discord gateway disconnected", "instance", c.instance.Name)
			return true
		case <-ticker.C:
			c.mu.Lock()
			c.heartbeat = time.Now()
			c.mu.Unlock()
		}
	}
}

func (c *Channel) teardown() {
	c.mu.Lock()
	bot := c.bot
	c.bot = nil
	c.connected = false
	c.mu.Unlock()
	if bot != nil {
		if err := bot.Disconnect(); err != nil {
			slog.Debug("discord disconnect", "instance", c.instance.Name, "error", err)
		}
	}
}

func connectBackoff(attempt int) time.Duration {
	wait := min(time.Duration(1<<attempt)*time.Second, maxConnectBackoff)
	jitter := time.Duration(rand.Int64N(int64(wait) / 10))
	return wait + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// OnReady implements Handler.
func (c *Channel) OnReady(guildCount int) {
	c.mu.Lock()
	c.connected = true
	c.heartbeat = time.Now()
	c.mu.Unlock()
	slog.Info("discord bot ready", "instance", c.instance.Name, "guilds", guildCount)
}

// OnDisconnect implements Handler.
func (c *Channel) OnDisconnect() {
	c.mu.Lock()
	c.connected = false
	if c.disconnected != nil {
		select {
		case <-c.disconnected:
		default:
			close(c.disconnected)
		}
	}
	c.mu.Unlock()
}

// OnMessage implements Handler. Each message is processed on its own
// goroutine; Discord has no ordering contract between channels.
func (c *Channel) OnMessage(channelID string, msg *bus.InboundMessage) {
	c.mu.Lock()
	bot := c.bot
	c.mu.Unlock()
	if bot == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.instance.AgentTimeout()+30*time.Second)
		defer cancel()
		c.process(ctx, bot, channelID, msg)
	}()
}

func (c *Channel) process(ctx context.Context, bot *Bot, channelID string, msg *bus.InboundMessage) {
	tc := c.traces.CreateTrace(ctx, msg)
	tc.LogStage(ctx, store.StageWebhookReceived, map[string]any{
		"discord_channel_id": channelID,
		"message_id":         msg.MessageID,
		"text_length":        len(msg.Text),
	}, store.PayloadWebhook, 0, "")

	if c.StreamEnabled() {
		c.processStreaming(ctx, bot, channelID, msg, tc)
		return
	}

	stopTyping := keepTyping(ctx, bot.session, channelID)
	defer stopTyping()

	reply, err := c.routes.Route(ctx, msg, c.instance, tc)
	if err != nil {
		slog.Error("routing failed", "instance", c.instance.Name, "session", msg.SessionName, "error", err)
		if reply.Text == "" {
			return
		}
	}
	if reply.Text == "" {
		tc.UpdateStatus(ctx, store.StatusCompleted)
		return
	}
	c.finishDelivery(ctx, tc, channelID, len(reply.Text), bot.SendChunked(channelID, reply.Text))
}

// processStreaming renders the reply as live edits of a placeholder
// message. If the placeholder cannot be posted it falls back to the
// non-streaming path within the same trace.
func (c *Channel) processStreaming(ctx context.Context, bot *Bot, channelID string, msg *bus.InboundMessage, tc *trace.Context) {
	editor, err := bot.NewStreamEditor(channelID)
	if err != nil {
		slog.Warn("stream placeholder failed, sending whole reply", "instance", c.instance.Name, "error", err)
		reply, rerr := c.routes.Route(ctx, msg, c.instance, tc)
		if rerr != nil {
			return
		}
		if reply.Text == "" {
			tc.UpdateStatus(ctx, store.StatusCompleted)
			return
		}
		c.finishDelivery(ctx, tc, channelID, len(reply.Text), bot.SendChunked(channelID, reply.Text))
		return
	}

	reply, err := c.routes.RouteStream(ctx, msg, c.instance, tc, func(delta string) {
		if aerr := editor.Append(ctx, delta); aerr != nil {
			slog.Debug("stream edit failed", "instance", c.instance.Name, "error", aerr)
		}
	})
	if err != nil {
		slog.Error("routing failed", "instance", c.instance.Name, "session", msg.SessionName, "error", err)
		if reply.Text == "" {
			return
		}
	}
	if reply.Text != "" {
		editor.buf.Reset()
		editor.buf.WriteString(reply.Text)
	}
	c.finishDelivery(ctx, tc, channelID, len(editor.Text()), editor.Finish(ctx))
}

func (c *Channel) finishDelivery(ctx context.Context, tc *trace.Context, channelID string, textLen int, sendErr error) {
	now := time.Now().UTC()
	tc.LogStage(ctx, stageSend, map[string]any{
		"discord_channel_id": channelID,
		"text_length":        textLen,
		"error":              errString(sendErr),
	}, store.PayloadResponse, 0, errString(sendErr))
	if sendErr != nil {
		tc.UpdateStatus(ctx, store.StatusFailed,
			trace.WithSendResult(now, false),
			trace.WithError(stageSend, sendErr.Error()))
		slog.Error("discord delivery failed", "instance", c.instance.Name, "error", sendErr)
		return
	}
	tc.UpdateStatus(ctx, store.StatusCompleted, trace.WithSendResult(now, true))
}

// Send delivers an outbound message to a Discord channel id, recording an
// outbound-only trace.
func (c *Channel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	c.mu.Lock()
	bot := c.bot
	connected := c.connected
	c.mu.Unlock()
	if bot == nil || !connected {
		return fmt.Errorf("instance %s: bot not connected", c.instance.Name)
	}

	tc := c.traces.CreateOutboundTrace(ctx, bus.ChannelDiscord, c.instance.Name, msg.Recipient)
	err := bot.SendChunked(msg.Recipient, msg.Text)
	now := time.Now().UTC()
	if err != nil {
		tc.UpdateStatus(ctx, store.StatusFailed,
			trace.WithSendResult(now, false),
			trace.WithError(stageSend, err.Error()))
		return fmt.Errorf("discord send: %w", err)
	}
	tc.UpdateStatus(ctx, store.StatusCompleted, trace.WithSendResult(now, true))
	return nil
}

// HealthReport summarizes the bot for the IPC health endpoint.
func (c *Channel) HealthReport() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := Health{
		Status:       "disconnected",
		BotConnected: c.connected,
		Breaker:      c.breaker.Snapshot(),
	}
	if c.connected && c.bot != nil {
		h.Status = "healthy"
		h.LatencyMS = c.bot.Latency().Milliseconds()
	}
	if !c.heartbeat.IsZero() {
		t := c.heartbeat
		h.LastHeartbeat = &t
	}
	return h
}

// StatusReport summarizes gateway statistics for the IPC status endpoint.
func (c *Channel) StatusReport() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Status: "disconnected"}
	if c.connected && c.bot != nil {
		st.Status = "connected"
		st.GuildCount, st.UserCount = c.bot.Counts()
		st.LatencyMS = c.bot.Latency().Milliseconds()
		st.UptimeSec = int64(c.bot.Uptime().Seconds())
	}
	return st
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
