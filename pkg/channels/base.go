package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       bus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed checks senderID against the allow list. A compound id such as
// "123456|ann#0001" matches on either part. An empty list allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && strings.EqualFold(candidate, userPart)) {
			return true
		}
	}

	return false
}

// HandleMessage publishes msg to the bus when its sender is allowed.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	sender := msg.SenderID
	if msg.Username != "" {
		sender += "|" + msg.Username + "#" + msg.Discriminator
	}
	if !c.IsAllowed(sender) {
		logger.DebugCF(c.name, "Message rejected by allowlist", map[string]any{
			"user_id": msg.SenderID,
		})
		return false
	}

	msg.Channel = c.name
	if !c.bus.PublishInbound(msg) {
		logger.WarnCF(c.name, "Inbound queue full, message dropped", map[string]any{
			"chat_id":    msg.ChatID,
			"message_id": msg.MessageID,
		})
		return false
	}
	return true
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
