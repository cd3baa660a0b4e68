package agent

import (
	"strings"

	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/conversation"
)

// Route is the single handling path chosen for an inbound message.
type Route string

const (
	RouteIgnore       Route = "ignore"
	RouteConversation Route = "conversation"
	RouteRecordings   Route = "recordings"
	RouteCommand      Route = "command"
	RouteGreeting     Route = "greeting"
	RouteHistory      Route = "history"
)

// Decision is the outcome of Classify.
type Decision struct {
	Route Route
	// Rule names the table row that matched, for logs and tests.
	Rule    string
	Persona conversation.Persona
	// UseHistory is false for direct messages, which have no channel.
	UseHistory bool
	// Text is the user turn: the message content, minus bot mentions on the
	// mention route.
	Text string
}

type RouterConfig struct {
	BotName       string
	MentionID     string
	CommandPrefix string
}

type rule struct {
	name  string
	match func(r *Router, msg bus.InboundMessage) (Decision, bool)
}

// Router classifies messages against an ordered rule table. The first rule
// that matches wins; the last two rows match everything.
type Router struct {
	cfg   RouterConfig
	rules []rule
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.BotName == "" {
		cfg.BotName = "smallbot"
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}
	return &Router{cfg: cfg, rules: defaultRules}
}

var defaultRules = []rule{
	{name: "self-or-bot", match: func(r *Router, msg bus.InboundMessage) (Decision, bool) {
		return Decision{Route: RouteIgnore}, msg.FromSelf || msg.FromBot
	}},
	{name: "direct", match: func(r *Router, msg bus.InboundMessage) (Decision, bool) {
		return conversationDecision(conversation.PersonaDefault, false, msg.Content), msg.ChatKind == bus.ChatDirect
	}},
	{name: "reply-to-bot", match: func(r *Router, msg bus.InboundMessage) (Decision, bool) {
		return conversationDecision(conversation.PersonaDefault, true, msg.Content), msg.ReplyToBot
	}},
	{name: "taleb", match: func(r *Router, msg bus.InboundMessage) (Decision, bool) {
		return conversationDecision(conversation.PersonaTaleb, true, msg.Content), containsFold(msg.Content, "taleb mode")
	}},
	{name: "recordings", match: func(r *Router, msg bus.InboundMessage) (Decision, bool) {
		ok := containsFold(msg.Content, "recording") && strings.Contains(msg.Content, "?")
		return Decision{Route: RouteRecordings}, ok
	}},
	{name: "command", match: func(r *Router, msg bus.InboundMessage) (Decision, bool) {
		return Decision{Route: RouteCommand, Text: msg.Content}, strings.HasPrefix(msg.Content, r.cfg.CommandPrefix)
	}},
	{name: "mention", match: func(r *Router, msg bus.InboundMessage) (Decision, bool) {
		stripped, found := r.stripMentions(msg)
		if !found && !msg.MentionsBot {
			return Decision{}, false
		}
		if stripped == "" {
			return Decision{Route: RouteGreeting}, true
		}
		return conversationDecision(conversation.PersonaDefault, true, stripped), true
	}},
	{name: "bot-name", match: func(r *Router, msg bus.InboundMessage) (Decision, bool) {
		return conversationDecision(conversation.PersonaDefault, true, msg.Content), containsFold(msg.Content, r.cfg.BotName)
	}},
	{name: "thread", match: func(r *Router, msg bus.InboundMessage) (Decision, bool) {
		return Decision{Route: RouteHistory, Text: msg.Content}, msg.ChatKind == bus.ChatThread
	}},
	{name: "channel", match: func(r *Router, msg bus.InboundMessage) (Decision, bool) {
		return Decision{Route: RouteHistory, Text: msg.Content}, true
	}},
}

func conversationDecision(p conversation.Persona, history bool, text string) Decision {
	return Decision{Route: RouteConversation, Persona: p, UseHistory: history, Text: text}
}

// Classify is a pure function of the message.
func (r *Router) Classify(msg bus.InboundMessage) Decision {
	for _, rl := range r.rules {
		if d, ok := rl.match(r, msg); ok {
			d.Rule = rl.name
			return d
		}
	}
	return Decision{Route: RouteIgnore, Rule: "none"}
}

// RuleNames lists the table in evaluation order.
func (r *Router) RuleNames() []string {
	names := make([]string, len(r.rules))
	for i, rl := range r.rules {
		names[i] = rl.name
	}
	return names
}

// stripMentions removes every mention token for the bot and reports whether
// one was present.
func (r *Router) stripMentions(msg bus.InboundMessage) (string, bool) {
	content := msg.Content
	found := false
	for _, id := range []string{r.cfg.MentionID, msg.Metadata[bus.MetadataBotID]} {
		if id == "" {
			continue
		}
		for _, token := range []string{"<@" + id + ">", "<@!" + id + ">"} {
			if strings.Contains(content, token) {
				found = true
				content = strings.ReplaceAll(content, token, "")
			}
		}
	}
	return strings.TrimSpace(content), found
}

func containsFold(s, substr string) bool {
	if substr == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
