package whatsapp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	presenceRefresh = 15 * time.Second
	// stopHold keeps the indicator visible briefly after the reply is sent
	// so it does not vanish abruptly.
	stopHold = 1 * time.Second
)

// Typist keeps a "composing" presence alive for one recipient while a reply
// is being generated. Start launches an independent refresh loop; Stop is
// idempotent and must run from a deferred guard so a stuck indicator never
// outlives its message.
type Typist struct {
	sender    *Sender
	recipient string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	sent    bool
	stopped bool
}

func NewTypist(sender *Sender, recipient string) *Typist {
	return &Typist{sender: sender, recipient: recipient}
}

// Start begins the refresh loop. Calling Start twice is a no-op.
func (t *Typist) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil || t.stopped {
		return
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(loopCtx)
}

func (t *Typist) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(presenceRefresh)
	defer ticker.Stop()

	t.post(ctx, "composing")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.post(ctx, "composing")
		}
	}
}

// MarkSent records that the reply went out; Stop will hold the indicator
// briefly before pausing it.
func (t *Typist) MarkSent() {
	t.mu.Lock()
	t.sent = true
	t.mu.Unlock()
}

// Stop cancels the refresh loop and sends a final "paused" presence.
func (t *Typist) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	cancel := t.cancel
	done := t.done
	sent := t.sent
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	if sent {
		time.Sleep(stopHold)
	}
	cancel()
	<-done

	ctx, cancelPost := context.WithTimeout(context.Background(), sendHTTPTimeout)
	defer cancelPost()
	t.post(ctx, "paused")
}

func (t *Typist) post(ctx context.Context, presence string) {
	if err := t.sender.SendPresence(ctx, t.recipient, presence, presenceRefresh); err != nil {
		slog.Debug("presence update failed", "recipient", t.recipient, "presence", presence, "error", err)
	}
}
