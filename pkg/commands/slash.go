package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/conversation"
	"github.com/smallbets/smallbot/pkg/directory"
	"github.com/smallbets/smallbot/pkg/logger"
	"github.com/smallbets/smallbot/pkg/providers"
)

type OptionType int

const (
	OptionString OptionType = iota
	OptionUser
)

type Option struct {
	Name        string
	Description string
	Type        OptionType
	Required    bool
}

// Definition describes a slash command for registration.
type Definition struct {
	Name        string
	Description string
	Options     []Option
}

func Definitions() []Definition {
	return []Definition{
		{Name: "help", Description: "Replies back to you with the commands the bot has."},
		{
			Name:        "whisper",
			Description: "SmallBot replies back only to you with any questions you might have.",
			Options: []Option{{
				Name:        "question",
				Description: "The question or message you have for SmallBot that you want answered just for you.",
				Type:        OptionString,
				Required:    true,
			}},
		},
		{
			Name:        "who-is",
			Description: "Get info on a small bets user.",
			Options:     []Option{{Name: "user", Description: "The user whose info you want", Type: OptionUser, Required: true}},
		},
		{
			Name:        "see-bets",
			Description: "Get the projects a small bets user is working on.",
			Options:     []Option{{Name: "user", Description: "The user whose projects you want to see", Type: OptionUser, Required: true}},
		},
		{
			Name:        "search",
			Description: "SmallBot searches our community directory for profiles that match your query.",
			Options: []Option{{
				Name:        "term",
				Description: "The search term you want SmallBot to try and search our directory for.",
				Type:        OptionString,
				Required:    true,
			}},
		},
	}
}

// SlashRequest carries a slash command invocation. Target is set for user
// options, Text for string options.
type SlashRequest struct {
	Name    string
	Invoker User
	Target  *User
	Text    string
}

// Slash runs a slash command. Every reply is ephemeral.
func (h *Handler) Slash(ctx context.Context, req SlashRequest) Reply {
	var r Reply
	switch req.Name {
	case "help":
		r = Reply{Embed: &bus.Embed{
			Title:       "Help",
			Description: commandList("Here are my available commands:"),
			Color:       ColorBlue,
		}}
	case "whisper":
		r = h.whisper(ctx, req.Text)
	case "who-is":
		r = h.whoIs(ctx, req.Target)
	case "see-bets":
		r = h.seeBets(ctx, req.Target)
	case "search":
		r = h.search(ctx, req.Text)
	default:
		r = Reply{Content: fmt.Sprintf("I don't know the /%s command.", req.Name)}
	}
	r.Ephemeral = true
	return r
}

func (h *Handler) whisper(ctx context.Context, question string) Reply {
	question = strings.TrimSpace(question)
	if question == "" {
		return Reply{Content: "Ask me something and I will answer just for you."}
	}
	if h.chat == nil {
		return Reply{Content: BrokenText}
	}
	tmpl, _ := conversation.LookupPersona(conversation.PersonaDefault)
	messages := []providers.Message{providers.SystemMessage(tmpl.System)}
	for _, instr := range tmpl.Instructions {
		messages = append(messages, providers.UserMessage(instr))
	}
	messages = append(messages, providers.UserMessage(question))

	callCtx, cancel := context.WithTimeout(ctx, h.opts.WhisperTimeout)
	defer cancel()
	resp, err := h.chat.Chat(callCtx, messages)
	if err != nil {
		logger.WarnCF("commands", "Whisper completion failed", map[string]any{"error": err.Error()})
		return Reply{Content: BrokenText}
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		logger.WarnC("commands", "Whisper completion returned no choices")
		return Reply{Content: BrokenText}
	}
	return Reply{Content: resp.Choices[0].Message.Content}
}

func (h *Handler) lookupTarget(ctx context.Context, target *User) (*directory.Profile, error) {
	if target == nil {
		return nil, directory.ErrNotFound
	}
	if h.dir == nil {
		return nil, errors.New("directory not configured")
	}
	return h.dir.Lookup(ctx, target.Handle())
}

func (h *Handler) whoIs(ctx context.Context, target *User) Reply {
	p, err := h.lookupTarget(ctx, target)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		logger.WarnCF("commands", "who-is lookup failed", map[string]any{"error": err.Error()})
		return Reply{Content: BrokenText}
	}
	embed := &bus.Embed{Timestamp: h.now()}
	if target != nil {
		embed.Title = fmt.Sprintf("Who is %s? Here is what I found:", target.Username)
		embed.AuthorName = target.Handle()
		embed.AuthorIcon = target.AvatarURL
	}
	if p == nil {
		embed.Description = "I found no info. Maybe they have not yet setup their Community Directory profile."
		embed.Color = ColorRed
		return Reply{Embed: embed}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", p.FullName())
	if u := p.TwitterURL(); u != "" {
		fmt.Fprintf(&b, "Twitter: %s\n", u)
	}
	if u := p.LinkedInURL(); u != "" {
		fmt.Fprintf(&b, "LinkedIn: %s\n", u)
	}
	if p.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", p.Location)
	}
	if p.ProjectCount != nil {
		fmt.Fprintf(&b, "# of Projects: %d\n", *p.ProjectCount)
	}
	embed.Description = b.String()
	embed.Color = ColorGreen
	embed.URL = h.opts.ProfileURL + p.ID
	return Reply{Embed: embed}
}

func (h *Handler) seeBets(ctx context.Context, target *User) Reply {
	p, err := h.lookupTarget(ctx, target)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		logger.WarnCF("commands", "see-bets lookup failed", map[string]any{"error": err.Error()})
		return Reply{Content: BrokenText}
	}
	embed := &bus.Embed{Timestamp: h.now()}
	if target != nil {
		embed.Title = fmt.Sprintf("See Small Bets for %s. Here is what I found:", target.Username)
		embed.AuthorName = target.Handle()
		embed.AuthorIcon = target.AvatarURL
	}
	if p == nil {
		embed.Description = "I found no info. Maybe they have not yet setup their Small Bets Directory profile."
		embed.Color = ColorRed
		return Reply{Embed: embed}
	}

	projects, err := h.dir.Projects(ctx, p.ID)
	if err != nil {
		logger.WarnCF("commands", "see-bets projects failed", map[string]any{"error": err.Error()})
		return Reply{Content: BrokenText}
	}

	var b strings.Builder
	switch {
	case p.ProjectCount != nil:
		fmt.Fprintf(&b, "%d projects.\n", *p.ProjectCount)
	case len(projects) > 0:
		fmt.Fprintf(&b, "%d projects.\n", len(projects))
	default:
		b.WriteString("No projects listed on their Small Bets directory profile.\n")
	}
	for _, proj := range projects {
		fmt.Fprintf(&b, "%s: %s\n", proj.Name, proj.URL)
	}
	embed.Description = b.String()
	embed.Color = ColorGreen
	embed.URL = h.opts.ProfileURL + p.ID
	return Reply{Embed: embed}
}

func (h *Handler) search(ctx context.Context, term string) Reply {
	term = strings.TrimSpace(term)
	if h.dir == nil {
		return Reply{Content: BrokenText}
	}
	results, err := h.dir.Search(ctx, term, h.opts.SearchLimit)
	if err != nil {
		logger.WarnCF("commands", "Directory search failed", map[string]any{"error": err.Error()})
		return Reply{Content: BrokenText}
	}
	if len(results) > h.opts.SearchLimit {
		results = results[:h.opts.SearchLimit]
	}
	if len(results) == 0 {
		return Reply{Embed: &bus.Embed{
			Title:       "I found 0 results.",
			Description: "Try searching for something else.",
			Color:       ColorRed,
			Timestamp:   h.now(),
		}}
	}

	var b strings.Builder
	for _, p := range results {
		count := 0
		if p.ProjectCount != nil {
			count = *p.ProjectCount
		}
		fmt.Fprintf(&b, "%s: with %d projects.\n", p.FullName(), count)
		if u := p.LinkedInURL(); u != "" {
			fmt.Fprintf(&b, "Their LinkedIn: %s\n", u)
		}
		if u := p.TwitterURL(); u != "" {
			fmt.Fprintf(&b, "Their Twitter: %s\n", u)
		}
		fmt.Fprintf(&b, "Directory Profile: %s%s\n\n", h.opts.ProfileURL, p.ID)
	}
	return Reply{Embed: &bus.Embed{
		Title:       fmt.Sprintf("I found %d results.", len(results)),
		Description: b.String(),
		URL:         h.opts.SearchURL + url.QueryEscape(term),
		Color:       ColorGreen,
		Timestamp:   h.now(),
	}}
}
