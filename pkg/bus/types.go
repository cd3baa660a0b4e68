package bus

import "time"

// ChatKind is the kind of conversation surface a message arrived on.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatText   ChatKind = "text"
	ChatThread ChatKind = "thread"
)

// InboundMessage is one chat message, normalized by the transport that
// received it.
type InboundMessage struct {
	// Channel is the transport name ("discord", "console").
	Channel string
	// ChatID addresses replies; ChatName is the channel or thread name used
	// as the history key.
	ChatID   string
	ChatName string
	ChatKind ChatKind
	GuildID  string

	MessageID     string
	SenderID      string
	Username      string
	Discriminator string
	DisplayName   string
	// FromSelf is set for the bot's own messages, FromBot for any bot.
	FromSelf bool
	FromBot  bool

	Content string
	// ReplyToBot is set when the message replies to one of the bot's messages.
	ReplyToID  string
	ReplyToBot bool
	// MentionsBot is set when the transport saw a mention of the bot; the
	// router also checks Content for the configured mention token.
	MentionsBot bool

	ReceivedAt time.Time
	Metadata   map[string]string
}

// MetadataBotID is the Metadata key holding the platform id of the bot
// account, so mentions of it can be recognized downstream.
const MetadataBotID = "bot_id"

type OutboundKind string

const (
	OutboundText   OutboundKind = ""
	OutboundTyping OutboundKind = "typing"
)

// Embed is a titled rich block. Transports without rich rendering print the
// title and description.
type Embed struct {
	Title        string
	Description  string
	URL          string
	Color        int
	ThumbnailURL string
	AuthorName   string
	AuthorIcon   string
	Fields       []EmbedField
	Timestamp    time.Time
}

type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

type OutboundMessage struct {
	Kind    OutboundKind
	Channel string
	ChatID  string
	Content string
	Embed   *Embed
	// ReplyTo threads the message under the given message id.
	ReplyTo string
	// CorrelationID ties the reply to the inbound message in logs.
	CorrelationID string
}
