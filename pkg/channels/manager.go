// SmallBot - Discord assistant for the Small Bets community
// License: MIT
//
// Copyright (c) 2026 SmallBot contributors

package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/commands"
	"github.com/smallbets/smallbot/pkg/config"
	"github.com/smallbets/smallbot/pkg/logger"
)

// guildLookup is implemented by transports that know about servers.
type guildLookup interface {
	GuildInfo(guildID string) (*commands.GuildInfo, bool)
	ChannelMention(guildID, channelName string) (string, bool)
}

type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds the Discord transport from cfg. cmds may be nil.
func NewManager(cfg config.DiscordConfig, messageBus *bus.MessageBus, cmds *commands.Handler) (*Manager, error) {
	m := NewEmptyManager(messageBus)

	logger.InfoC("channels", "Initializing channel manager")
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("channels.discord.token is required")
	}

	discord, err := NewDiscordChannel(cfg, messageBus, cmds)
	if err != nil {
		return nil, fmt.Errorf("initialize Discord channel: %w", err)
	}
	m.RegisterChannel(discord.Name(), discord)
	logger.InfoCF("channels", "Channel initialization completed", map[string]any{
		"enabled_channels": len(m.channels),
	})
	return m, nil
}

// NewEmptyManager returns a manager with no transports registered.
func NewEmptyManager(messageBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
	}
}

func (m *Manager) StartAll(ctx context.Context) error {
	channelsCopy := m.snapshot()
	if len(channelsCopy) == 0 {
		logger.WarnC("channels", "No channels enabled")
		return nil
	}

	logger.InfoC("channels", "Starting all channels")

	var started []string
	var startErrors []string
	for name, channel := range channelsCopy {
		logger.InfoCF("channels", "Starting channel", map[string]any{"channel": name})
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			startErrors = append(startErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		started = append(started, name)
	}

	if len(startErrors) > 0 {
		for _, name := range started {
			if err := channelsCopy[name].Stop(ctx); err != nil {
				logger.WarnCF("channels", "Failed to stop partially-started channel", map[string]any{
					"channel": name,
					"error":   err.Error(),
				})
			}
		}
		return fmt.Errorf("failed to start channels: %s", strings.Join(startErrors, "; "))
	}

	m.startDispatch(ctx)

	logger.InfoCF("channels", "All channels started", map[string]any{
		"count": len(started),
	})
	return nil
}

func (m *Manager) startDispatch(ctx context.Context) {
	dispatchCtx, cancel := context.WithCancel(ctx)
	task := &asyncTask{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
	}
	m.dispatchTask = task
	m.mu.Unlock()

	go func() {
		defer close(task.done)
		m.dispatchOutbound(dispatchCtx)
	}()
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task := m.dispatchTask
	m.dispatchTask = nil
	m.mu.Unlock()

	logger.InfoC("channels", "Stopping all channels")

	if task != nil {
		task.cancel()
		<-task.done
	}

	for name, channel := range m.snapshot() {
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}

	logger.InfoC("channels", "All channels stopped")
	return nil
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	logger.InfoC("channels", "Outbound dispatcher started")
	defer logger.InfoC("channels", "Outbound dispatcher stopped")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		m.deliver(ctx, msg)
	}
}

func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	channel, exists := m.GetChannel(msg.Channel)
	if !exists {
		logger.WarnCF("channels", "Unknown channel for outbound message", map[string]any{
			"channel":        msg.Channel,
			"correlation_id": msg.CorrelationID,
		})
		return
	}

	if err := channel.Send(ctx, msg); err != nil {
		logger.ErrorCF("channels", "Error sending message to channel", map[string]any{
			"channel":        msg.Channel,
			"kind":           string(msg.Kind),
			"correlation_id": msg.CorrelationID,
			"error":          err.Error(),
		})
	}
}

func (m *Manager) snapshot() map[string]Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		out[name] = channel
	}
	return out
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

func (m *Manager) GetStatus() map[string]any {
	status := make(map[string]any)
	for name, channel := range m.snapshot() {
		status[name] = map[string]any{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

func (m *Manager) GetEnabledChannels() []string {
	names := make([]string, 0)
	for name := range m.snapshot() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// GuildInfo asks each transport that knows about servers.
func (m *Manager) GuildInfo(guildID string) (*commands.GuildInfo, bool) {
	for _, name := range m.GetEnabledChannels() {
		ch, _ := m.GetChannel(name)
		if l, ok := ch.(guildLookup); ok {
			if info, found := l.GuildInfo(guildID); found {
				return info, true
			}
		}
	}
	return nil, false
}

func (m *Manager) ChannelMention(guildID, channelName string) (string, bool) {
	for _, name := range m.GetEnabledChannels() {
		ch, _ := m.GetChannel(name)
		if l, ok := ch.(guildLookup); ok {
			if mention, found := l.ChannelMention(guildID, channelName); found {
				return mention, true
			}
		}
	}
	return "", false
}
