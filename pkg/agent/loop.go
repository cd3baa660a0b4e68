// SmallBot - Discord assistant for the Small Bets community
// License: MIT
//
// Copyright (c) 2026 SmallBot contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/commands"
	"github.com/smallbets/smallbot/pkg/conversation"
	"github.com/smallbets/smallbot/pkg/logger"
	"github.com/smallbets/smallbot/pkg/metrics"
	"github.com/smallbets/smallbot/pkg/providers"
)

// GuildResolver answers the platform lookups that some replies need.
type GuildResolver interface {
	GuildInfo(guildID string) (*commands.GuildInfo, bool)
	ChannelMention(guildID, channelName string) (string, bool)
}

type Options struct {
	Router            RouterConfig
	RecordingsChannel string
	RecordingsURL     string
}

type Deps struct {
	Builder  *conversation.Builder
	Tracker  *conversation.Tracker
	Invoker  *Invoker
	Commands *commands.Handler
	Metrics  *metrics.Metrics
}

type AgentLoop struct {
	bus      *bus.MessageBus
	router   *Router
	builder  *conversation.Builder
	tracker  *conversation.Tracker
	invoker  *Invoker
	commands *commands.Handler
	metrics  *metrics.Metrics
	opts     Options

	resolverMu sync.RWMutex
	resolver   GuildResolver

	running  atomic.Bool
	inflight sync.WaitGroup
}

func NewAgentLoop(msgBus *bus.MessageBus, deps Deps, opts Options) (*AgentLoop, error) {
	if deps.Builder == nil || deps.Tracker == nil || deps.Invoker == nil {
		return nil, errors.New("agent: builder, tracker and invoker are required")
	}
	if opts.RecordingsChannel == "" {
		opts.RecordingsChannel = "📼recordings"
	}
	if opts.RecordingsURL == "" {
		opts.RecordingsURL = "https://home.smallbets.co/home/recordings"
	}
	return &AgentLoop{
		bus:      msgBus,
		router:   NewRouter(opts.Router),
		builder:  deps.Builder,
		tracker:  deps.Tracker,
		invoker:  deps.Invoker,
		commands: deps.Commands,
		metrics:  deps.Metrics,
		opts:     opts,
	}, nil
}

func (al *AgentLoop) SetGuildResolver(r GuildResolver) {
	al.resolverMu.Lock()
	al.resolver = r
	al.resolverMu.Unlock()
}

func (al *AgentLoop) guildResolver() GuildResolver {
	al.resolverMu.RLock()
	defer al.resolverMu.RUnlock()
	return al.resolver
}

// Run consumes the inbound bus until ctx ends or Stop is called. Each
// message is handled on its own goroutine so a slow model call never holds
// up the next event.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	defer al.inflight.Wait()

	for al.running.Load() {
		msg, ok := al.bus.ConsumeInbound(ctx)
		if !ok {
			// Context done or bus closed.
			return nil
		}

		al.inflight.Add(1)
		go func(msg bus.InboundMessage) {
			defer al.inflight.Done()
			al.processMessage(ctx, msg, func(out bus.OutboundMessage) {
				if !al.bus.PublishOutbound(out) {
					logger.WarnCF("agent", "Outbound queue full, reply dropped", map[string]any{
						"chat_id":        out.ChatID,
						"correlation_id": out.CorrelationID,
					})
				}
			})
		}(msg)
	}
	return nil
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

// ProcessDirect handles one message synchronously and returns the replies it
// produced, typing indicators excluded. Used by the console.
func (al *AgentLoop) ProcessDirect(ctx context.Context, msg bus.InboundMessage) []bus.OutboundMessage {
	var out []bus.OutboundMessage
	var mu sync.Mutex
	al.processMessage(ctx, msg, func(m bus.OutboundMessage) {
		if m.Kind == bus.OutboundTyping {
			return
		}
		mu.Lock()
		out = append(out, m)
		mu.Unlock()
	})
	return out
}

// Classify exposes the routing decision for a message without acting on it.
func (al *AgentLoop) Classify(msg bus.InboundMessage) Decision {
	return al.router.Classify(msg)
}

type emitFunc func(bus.OutboundMessage)

// processMessage is the per-message boundary: panics stop here.
func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage, emit emitFunc) {
	correlationID := uuid.NewString()
	defer func() {
		if r := recover(); r != nil {
			al.metrics.IncPanic()
			logger.ErrorCF("agent", "Message handler panicked", map[string]any{
				"correlation_id": correlationID,
				"chat_id":        msg.ChatID,
				"panic":          fmt.Sprint(r),
				"stack":          string(debug.Stack()),
			})
		}
	}()

	d := al.router.Classify(msg)
	al.metrics.ObserveRoute(string(d.Route))
	logger.DebugCF("agent", "Routed message", map[string]any{
		"correlation_id": correlationID,
		"route":          string(d.Route),
		"rule":           d.Rule,
		"persona":        string(d.Persona),
		"channel":        msg.Channel,
		"chat":           msg.ChatName,
		"sender":         msg.Username,
	})

	r := &turn{msg: msg, correlationID: correlationID, emit: emit}
	switch d.Route {
	case RouteIgnore:
	case RouteRecordings:
		r.reply(al.recordingsText(msg))
	case RouteCommand:
		al.dispatchCommand(ctx, r)
	case RouteGreeting:
		r.reply(fmt.Sprintf("Hello %s! You need me?", msg.Username))
	case RouteHistory:
		al.appendHistory(r)
	case RouteConversation:
		al.converse(ctx, r, d)
	}
}

// turn carries one inbound message through its route.
type turn struct {
	msg           bus.InboundMessage
	correlationID string
	emit          emitFunc
}

// reply sends content threaded under the triggering message.
func (t *turn) reply(content string) {
	t.emit(bus.OutboundMessage{
		Channel:       t.msg.Channel,
		ChatID:        t.msg.ChatID,
		Content:       content,
		ReplyTo:       t.msg.MessageID,
		CorrelationID: t.correlationID,
	})
}

func (t *turn) typing() {
	t.emit(bus.OutboundMessage{
		Kind:          bus.OutboundTyping,
		Channel:       t.msg.Channel,
		ChatID:        t.msg.ChatID,
		CorrelationID: t.correlationID,
	})
}

func apologyText(username string) string {
	return fmt.Sprintf("Hey %s, sorry about this but I seem to be having some issues but my internal commands should still work.", username)
}

func (al *AgentLoop) recordingsText(msg bus.InboundMessage) string {
	channel := "#" + al.opts.RecordingsChannel
	if r := al.guildResolver(); r != nil {
		if mention, ok := r.ChannelMention(msg.GuildID, al.opts.RecordingsChannel); ok {
			channel = mention
		}
	}
	return fmt.Sprintf("Hey %s, I noticed you mentioned recording(s). "+
		"\nOur recordings are usually posted in our %s channel within 24 hours of the event and Cohort recordings are sent by email. "+
		"\nAnd they are also posted on our home site: %s "+
		"\nThe latest recording up there on our Home site is: Enough GPT to be Dangerous.",
		msg.Username, channel, al.opts.RecordingsURL)
}

func (al *AgentLoop) dispatchCommand(ctx context.Context, t *turn) {
	if al.commands == nil {
		return
	}
	req, ok := commands.ParseText(al.router.cfg.CommandPrefix, t.msg.Content)
	if !ok {
		return
	}
	req.Invoker = commands.User{
		ID:            t.msg.SenderID,
		Username:      t.msg.Username,
		Discriminator: t.msg.Discriminator,
		DisplayName:   t.msg.DisplayName,
	}
	if r := al.guildResolver(); r != nil && t.msg.GuildID != "" {
		if g, ok := r.GuildInfo(t.msg.GuildID); ok {
			req.Guild = g
		}
	}

	reply, ok := al.commands.Text(ctx, req)
	if !ok {
		logger.DebugCF("agent", "Unknown text command", map[string]any{
			"command":        req.Name,
			"correlation_id": t.correlationID,
		})
		return
	}
	t.emit(bus.OutboundMessage{
		Channel:       t.msg.Channel,
		ChatID:        t.msg.ChatID,
		Content:       reply.Content,
		Embed:         reply.Embed,
		CorrelationID: t.correlationID,
	})
}

func (al *AgentLoop) appendHistory(t *turn) {
	if strings.TrimSpace(t.msg.ChatName) == "" {
		return
	}
	n, err := al.tracker.Append(t.msg.ChatName, t.msg.Username, t.msg.Content)
	if err != nil {
		logger.WarnCF("agent", "Channel history append failed", map[string]any{
			"chat":           t.msg.ChatName,
			"correlation_id": t.correlationID,
			"error":          err.Error(),
		})
		return
	}
	logger.DebugCF("agent", "Channel history updated", map[string]any{
		"chat":    t.msg.ChatName,
		"entries": n,
	})
}

// converse runs an LLM route. The user turn is committed before the model
// call; the assistant turn only after a successful reply.
func (al *AgentLoop) converse(ctx context.Context, t *turn, d Decision) {
	user := conversation.User{
		Username:      t.msg.Username,
		Discriminator: t.msg.Discriminator,
		DisplayName:   t.msg.DisplayName,
	}
	key := conversation.UserKey(user, d.Persona)

	if _, err := al.builder.GetOrCreate(ctx, user, t.msg.Content, d.Persona); err != nil {
		al.fail(t, d, key, err, 0)
		return
	}
	conv, err := al.builder.Append(key, providers.UserMessage(d.Text))
	if err != nil {
		al.fail(t, d, key, err, 0)
		return
	}

	messages := conv.Messages()
	if d.UseHistory && t.msg.ChatName != "" {
		messages = append(messages, al.tracker.Read(t.msg.ChatName).Messages()...)
	}

	t.typing()
	start := time.Now()
	reply, err := al.invoker.Complete(ctx, messages)
	elapsed := time.Since(start)
	if err != nil {
		al.fail(t, d, key, err, elapsed)
		return
	}
	if _, err := al.builder.Append(key, reply); err != nil {
		al.fail(t, d, key, err, elapsed)
		return
	}

	al.metrics.ObserveCompletion(string(d.Persona), metrics.OutcomeSuccess, elapsed)
	logger.InfoCF("agent", "Completion sent", map[string]any{
		"correlation_id": t.correlationID,
		"key":            key,
		"messages":       len(messages),
		"duration_ms":    elapsed.Milliseconds(),
	})
	t.reply(reply.Content)
}

// fail logs a cache fault or a provider failure under its own message and
// answers with the apology. Nothing about the error reaches the user.
func (al *AgentLoop) fail(t *turn, d Decision, key string, err error, elapsed time.Duration) {
	fields := map[string]any{
		"correlation_id": t.correlationID,
		"key":            key,
		"persona":        string(d.Persona),
		"error":          err.Error(),
	}

	var pe *providers.ProviderError
	switch {
	case errors.Is(err, conversation.ErrCacheMiss):
		al.metrics.ObserveCompletion(string(d.Persona), metrics.OutcomeCacheMiss, elapsed)
		logger.ErrorCF("agent", "Conversation cache fault", fields)
	case errors.As(err, &pe):
		al.metrics.ObserveCompletion(string(d.Persona), metrics.OutcomeProviderFailure, elapsed)
		fields["reason"] = pe.Reason
		fields["status"] = pe.StatusCode
		fields["timeout"] = pe.Timeout
		logger.ErrorCF("agent", "Completion provider failure", fields)
	default:
		al.metrics.ObserveCompletion(string(d.Persona), metrics.OutcomeProviderFailure, elapsed)
		logger.ErrorCF("agent", "Completion failed", fields)
	}
	t.reply(apologyText(t.msg.Username))
}
