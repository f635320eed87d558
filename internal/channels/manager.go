package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
)

// Manager is the single registry of running channel instances, keyed by
// instance name. Each entry is an owned struct; all mutation goes through
// the manager's lock, but a failing instance never blocks another.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// Register adds a channel to the registry. Registering an instance name
// twice replaces the old entry; the caller stops the old channel first.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
}

// Deregister removes an instance from the registry.
func (m *Manager) Deregister(name string) {
	m.mu.Lock()
	delete(m.channels, name)
	m.mu.Unlock()
}

// Get returns the channel serving an instance, or nil.
func (m *Manager) Get(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[name]
}

// Names returns the registered instance names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered channel concurrently. One instance
// failing to start is logged but does not abort the others.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	chans := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.RUnlock()

	if len(chans) == 0 {
		slog.Warn("no channel instances configured")
		return nil
	}

	var g errgroup.Group
	for _, ch := range chans {
		g.Go(func() error {
			slog.Info("starting channel", "instance", ch.Name(), "type", ch.ChannelType())
			if err := ch.Start(ctx); err != nil {
				slog.Error("channel start failed", "instance", ch.Name(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every registered channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	chans := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, ch := range chans {
		g.Go(func() error {
			if err := ch.Stop(ctx); err != nil {
				slog.Error("channel stop failed", "instance", ch.Name(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Send routes an outbound message to the instance that owns it.
func (m *Manager) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	ch := m.Get(msg.Instance)
	if ch == nil {
		return fmt.Errorf("no channel for instance %q", msg.Instance)
	}
	return ch.Send(ctx, msg)
}
