package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
	"github.com/nextlevelbuilder/omnihub/internal/channels"
	"github.com/nextlevelbuilder/omnihub/internal/config"
	"github.com/nextlevelbuilder/omnihub/internal/router"
	"github.com/nextlevelbuilder/omnihub/internal/store"
	"github.com/nextlevelbuilder/omnihub/internal/trace"
)

const (
	inboundQueueSize = 256

	// chunkPacing spaces pre-chunked streaming replies.
	chunkPacing = 500 * time.Millisecond

	// quotedContextLimit caps quoted text replayed to the agent.
	quotedContextLimit = 200
)

// Outbound-only trace stages for this channel.
const (
	stageSend         = "whatsapp_send"
	stageSendResponse = "whatsapp_send_response"
)

// Channel processes inbound bridge webhooks for one instance and delivers
// replies through the Sender. One worker goroutine drains the queue so
// messages from the same webhook keep their order.
type Channel struct {
	instance *config.InstanceConfig
	sender   *Sender
	routes   *router.Router
	traces   *trace.Service
	feed     *EventFeed // optional websocket event feed

	queue   chan queued
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type queued struct {
	msg *bus.InboundMessage
	tc  *trace.Context
}

func NewChannel(ic *config.InstanceConfig, routes *router.Router, traces *trace.Service, countryCode string) *Channel {
	sender := NewSender(SenderOptions{
		ServerURL:          ic.EvolutionURL,
		APIKey:             ic.EvolutionKey,
		Instance:           ic.WhatsAppInstance,
		AutoSplit:          ic.AutoSplit(),
		DefaultCountryCode: countryCode,
	})
	return &Channel{
		instance: ic,
		sender:   sender,
		routes:   routes,
		traces:   traces,
		queue:    make(chan queued, inboundQueueSize),
	}
}

func (c *Channel) Name() string                 { return c.instance.Name }
func (c *Channel) ChannelType() bus.ChannelType { return bus.ChannelWhatsApp }
func (c *Channel) IsRunning() bool              { return c.running.Load() }

// Sender exposes the bridge client for collaborators (profile updates).
func (c *Channel) Sender() *Sender { return c.sender }

// SetEventFeed attaches an optional websocket event feed started with the
// channel. Used by deployments that prefer a socket over webhooks.
func (c *Channel) SetEventFeed(feed *EventFeed) { c.feed = feed }

func (c *Channel) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.wg.Add(1)
	go c.worker(workerCtx)
	if c.feed != nil {
		c.feed.Start(workerCtx)
	}
	slog.Info("whatsapp channel started", "instance", c.instance.Name)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	if c.feed != nil {
		c.feed.Stop()
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
	slog.Info("whatsapp channel stopped", "instance", c.instance.Name)
	return nil
}

// HandleEvent normalizes one raw webhook message, opens its trace, and
// queues it. Returns the trace id (empty when tracing is off or the event
// was skipped).
func (c *Channel) HandleEvent(ctx context.Context, raw map[string]any) (string, error) {
	msg := ParseMessage(c.instance.Name, c.instance.SessionPrefix(), raw)
	if msg == nil {
		return "", nil
	}

	tc := c.traces.CreateTrace(ctx, msg)
	tc.LogStage(ctx, store.StageWebhookReceived, raw, store.PayloadWebhook, 0, "")

	select {
	case c.queue <- queued{msg: msg, tc: tc}:
	default:
		err := fmt.Errorf("inbound queue full for instance %s", c.instance.Name)
		tc.Fail(ctx, store.StageWebhookReceived, err)
		return traceID(tc), err
	}
	return traceID(tc), nil
}

func traceID(tc *trace.Context) string {
	if tc == nil {
		return ""
	}
	return tc.TraceID
}

func (c *Channel) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-c.queue:
			c.process(ctx, item.msg, item.tc)
		}
	}
}

// process routes one message and delivers the reply. The typing indicator
// is stopped from a deferred guard so it never outlives the message.
func (c *Channel) process(ctx context.Context, msg *bus.InboundMessage, tc *trace.Context) {
	typist := NewTypist(c.sender, msg.SenderID)
	typist.Start(ctx)
	defer typist.Stop()

	decorated := *msg
	decorated.Text = decorateText(msg)

	var (
		reply bus.NormalizedReply
		err   error
	)
	if c.instance.Agent.StreamMode {
		// WhatsApp cannot edit sent messages, so streamed output is
		// collected per backend event and delivered as paced chunks.
		var chunks []string
		reply, err = c.routes.RouteStream(ctx, &decorated, c.instance, tc, func(delta string) {
			chunks = append(chunks, delta)
		})
		if err == nil && len(chunks) > 1 && strings.Join(chunks, "") == reply.Text {
			reply.StreamingChunks = chunks
		}
	} else {
		reply, err = c.routes.Route(ctx, &decorated, c.instance, tc)
	}
	if err != nil {
		slog.Error("routing failed", "instance", c.instance.Name, "session", msg.SessionName, "error", err)
		if reply.Text == "" {
			return
		}
	}

	if reply.Text == "" && len(reply.StreamingChunks) == 0 {
		// Silent reply: nothing to deliver, the message still completed.
		tc.UpdateStatus(ctx, store.StatusCompleted)
		return
	}

	opts := SendOptions{}
	if msg.Quoted != nil {
		opts.Quoted = &bus.Quoted{MessageID: msg.MessageID}
		opts.ReplyToMedia = msg.Quoted.HasMedia
	}

	sendErr := c.deliver(ctx, msg.SenderID, reply, opts)
	now := time.Now().UTC()
	tc.LogStage(ctx, store.StageEvolutionSend, map[string]any{
		"recipient":   msg.SenderID,
		"text_length": len(reply.Text),
		"chunks":      len(reply.StreamingChunks),
		"error":       errString(sendErr),
	}, store.PayloadResponse, 0, errString(sendErr))

	if sendErr != nil {
		tc.UpdateStatus(ctx, store.StatusFailed,
			trace.WithSendResult(now, false),
			trace.WithError(store.StageEvolutionSend, sendErr.Error()))
		slog.Error("whatsapp delivery failed", "instance", c.instance.Name, "error", sendErr)
		return
	}
	typist.MarkSent()
	tc.UpdateStatus(ctx, store.StatusCompleted, trace.WithSendResult(now, true))
}

// deliver sends the reply: pre-chunked streaming replies go out
// sequentially with fixed pacing, everything else as one (splittable) send.
func (c *Channel) deliver(ctx context.Context, recipient string, reply bus.NormalizedReply, opts SendOptions) error {
	if len(reply.StreamingChunks) > 0 {
		for i, chunk := range reply.StreamingChunks {
			chunkOpts := SendOptions{}
			if i == 0 {
				chunkOpts = opts
			}
			if err := c.sender.SendText(ctx, recipient, chunk, chunkOpts); err != nil {
				return fmt.Errorf("chunk %d/%d: %w", i+1, len(reply.StreamingChunks), err)
			}
			if i < len(reply.StreamingChunks)-1 {
				select {
				case <-time.After(chunkPacing):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	}
	return c.sender.SendText(ctx, recipient, reply.Text, opts)
}

// Send delivers an outbound message not tied to an inbound webhook,
// recording an outbound-only trace.
func (c *Channel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	tc := c.traces.CreateOutboundTrace(ctx, bus.ChannelWhatsApp, c.instance.Name, msg.Recipient)
	tc.LogStage(ctx, stageSend, map[string]any{
		"recipient":   msg.Recipient,
		"text_length": len(msg.Text),
	}, store.PayloadRequest, 0, "")

	opts := SendOptions{Mentions: msg.Mentions}
	if msg.Quoted != nil {
		opts.Quoted = msg.Quoted
		opts.ReplyToMedia = msg.Quoted.HasMedia
	}
	err := c.sender.SendText(ctx, msg.Recipient, msg.Text, opts)

	now := time.Now().UTC()
	tc.LogStage(ctx, stageSendResponse, map[string]any{"error": errString(err)},
		store.PayloadResponse, 0, errString(err))
	if err != nil {
		tc.UpdateStatus(ctx, store.StatusFailed,
			trace.WithSendResult(now, false),
			trace.WithError(stageSend, err.Error()))
		return err
	}
	tc.UpdateStatus(ctx, store.StatusCompleted, trace.WithSendResult(now, true))
	return nil
}

// decorateText applies the quoted-context and sender-name prefixes the
// agent expects.
func decorateText(msg *bus.InboundMessage) string {
	text := msg.Text
	if msg.DisplayName != "" {
		text = fmt.Sprintf("[%s]: %s", msg.DisplayName, text)
	}
	if msg.Quoted != nil && msg.Quoted.Text != "" {
		quoted := channels.Truncate(strings.TrimSpace(msg.Quoted.Text), quotedContextLimit)
		text = fmt.Sprintf("📝 **Replying to:** %s\n\n%s", quoted, text)
	}
	return text
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
