package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventFeed subscribes to the bridge's websocket event stream as an
// alternative to webhooks. Events arriving over the socket are handed to
// the same per-message handler the webhook ingress uses.
type EventFeed struct {
	url     string
	apiKey  string
	handler func(ctx context.Context, raw map[string]any) (string, error)

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventFeed builds a feed for one bridge instance. serverURL is the
// bridge's HTTP base; the socket lives at /ws/events/{instance}.
func NewEventFeed(serverURL, apiKey, instance string, handler func(ctx context.Context, raw map[string]any) (string, error)) *EventFeed {
	wsURL := strings.TrimRight(serverURL, "/") + "/ws/events/" + instance
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	return &EventFeed{url: wsURL, apiKey: apiKey, handler: handler}
}

// Start launches the listen loop. A failed initial dial is not fatal; the
// loop keeps retrying with capped backoff.
func (f *EventFeed) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})

	if err := f.connect(); err != nil {
		slog.Warn("initial bridge event socket dial failed, will retry", "url", f.url, "error", err)
	}
	go f.listenLoop(loopCtx)
}

// Stop closes the socket and waits for the loop to exit.
func (f *EventFeed) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.closeConn()
	<-f.done
}

func (f *EventFeed) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := map[string][]string{}
	if f.apiKey != "" {
		header["apikey"] = []string{f.apiKey}
	}
	conn, _, err := dialer.Dial(f.url, header)
	if err != nil {
		return fmt.Errorf("dial bridge events %s: %w", f.url, err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	slog.Info("bridge event socket connected", "url", f.url)
	return nil
}

func (f *EventFeed) closeConn() {
	f.mu.Lock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	f.mu.Unlock()
}

// listenLoop reads events with automatic reconnection and capped backoff.
func (f *EventFeed) listenLoop(ctx context.Context) {
	defer close(f.done)
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()

		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := f.connect(); err != nil {
				slog.Warn("bridge event socket reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Warn("bridge event socket read error, will reconnect", "error", err)
			f.closeConn()
			continue
		}

		var event map[string]any
		if err := json.Unmarshal(message, &event); err != nil {
			slog.Warn("invalid bridge event JSON", "error", err)
			continue
		}
		if _, err := f.handler(ctx, event); err != nil {
			slog.Warn("bridge event handling failed", "error", err)
		}
	}
}
