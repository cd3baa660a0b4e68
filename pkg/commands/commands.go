// Package commands renders the bot's explicit commands: "!" text commands,
// slash commands and the welcome message for new members. Handlers return
// replies; transports decide how to deliver them.
package commands

import (
	"net/http"
	"strings"
	"time"

	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/directory"
	"github.com/smallbets/smallbot/pkg/providers"
)

const (
	ColorBlue  = 0x3498DB
	ColorGreen = 0x2ECC71
	ColorRed   = 0xE74C3C
)

// BrokenText is sent for slash command failures.
const BrokenText = "Forgive me but it appears something is broken on my side and I am unable to respond intelligently right now. \nTry again in a little bit please"

// User is a platform member as seen by a command.
type User struct {
	ID            string
	Username      string
	Discriminator string
	DisplayName   string
	AvatarURL     string
	Mention       string
}

func (u User) Handle() string {
	return u.Username + "#" + u.Discriminator
}

func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Reply is what a command produces. Ephemeral replies are only visible to
// the invoker where the transport supports it.
type Reply struct {
	Content   string
	Embed     *bus.Embed
	Ephemeral bool
}

// Text returns a plain rendering of the reply.
func (r Reply) Text() string {
	if r.Embed == nil {
		return r.Content
	}
	var b strings.Builder
	if r.Content != "" {
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	if r.Embed.Title != "" {
		b.WriteString(r.Embed.Title)
		b.WriteString("\n")
	}
	b.WriteString(r.Embed.Description)
	for _, f := range r.Embed.Fields {
		b.WriteString("\n")
		b.WriteString(f.Name + ": " + f.Value)
	}
	if r.Embed.URL != "" {
		b.WriteString("\n")
		b.WriteString(r.Embed.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// GuildInfo describes the server a command was run in.
type GuildInfo struct {
	Name        string
	MemberCount int
	CreatedAt   time.Time
	IconURL     string
}

type Options struct {
	ProfileURL  string
	SearchURL   string
	SearchLimit int
	QuoteURL    string
	// WhisperTimeout bounds the model call behind /whisper.
	WhisperTimeout time.Duration
}

const (
	defaultQuoteURL     = "https://zenquotes.io/api/random"
	defaultProfileURL   = "https://home.smallbets.co/Home/DirectoryProfile?userId="
	defaultSearchURL    = "https://home.smallbets.co/Home/Directory?SearchString="
	defaultSearchLimit  = 10
	directorySignupURL  = "https://home.smallbets.co/Home/Directory"
	defaultWhisperLimit = 30 * time.Second
)

// Handler serves every command. The directory and chat client may be nil;
// commands that need them then answer with BrokenText.
type Handler struct {
	dir        directory.Directory
	chat       providers.ChatClient
	opts       Options
	httpClient *http.Client
	now        func() time.Time
}

func NewHandler(dir directory.Directory, chat providers.ChatClient, opts Options) *Handler {
	if opts.ProfileURL == "" {
		opts.ProfileURL = defaultProfileURL
	}
	if opts.SearchURL == "" {
		opts.SearchURL = defaultSearchURL
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = defaultSearchLimit
	}
	if opts.QuoteURL == "" {
		opts.QuoteURL = defaultQuoteURL
	}
	if opts.WhisperTimeout <= 0 {
		opts.WhisperTimeout = defaultWhisperLimit
	}
	return &Handler{
		dir:        dir,
		chat:       chat,
		opts:       opts,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}
