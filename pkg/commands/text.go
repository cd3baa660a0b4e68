package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/logger"
)

// TextRequest is a prefixed text command such as "!ping".
type TextRequest struct {
	Name    string
	Args    []string
	Invoker User
	// Guild is nil outside a server.
	Guild *GuildInfo
}

// ParseText splits content after prefix into a command name and arguments.
// ok is false when content does not start with prefix or names nothing.
func ParseText(prefix, content string) (TextRequest, bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return TextRequest{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return TextRequest{}, false
	}
	return TextRequest{Name: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

// Text runs a text command. ok is false for unknown commands, which get no
// reply.
func (h *Handler) Text(ctx context.Context, req TextRequest) (Reply, bool) {
	switch req.Name {
	case "help":
		return h.textHelp(), true
	case "ping", "pong", "hello":
		return Reply{Content: "pong!"}, true
	case "quote":
		return h.quote(ctx), true
	case "server-info":
		return h.serverInfo(req.Guild), true
	default:
		return Reply{}, false
	}
}

func commandList(header string) string {
	var b strings.Builder
	b.WriteString(header + "\n")
	b.WriteString("!quote: Fetches a random quote from the internet.\n")
	b.WriteString("!server-info: Displays very basic server-related information.\n")
	b.WriteString("!ping: pong.\n")
	b.WriteString("There are also the more powerful slash commands such as: who-is ('/who-is user:') see-bets ('/see-bets user:') search ('/search term:') and ('/whisper question:') that respond directly to you with info on a user from our Member Directory.\n")
	return b.String()
}

func (h *Handler) textHelp() Reply {
	return Reply{Embed: &bus.Embed{
		Title:       "Help",
		Description: commandList("Here are the available commands:"),
		Color:       ColorBlue,
	}}
}

func (h *Handler) serverInfo(g *GuildInfo) Reply {
	if g == nil {
		return Reply{Content: "Server info is only available inside a server."}
	}
	fields := []bus.EmbedField{
		{Name: "Member Count", Value: strconv.Itoa(g.MemberCount), Inline: true},
	}
	if !g.CreatedAt.IsZero() {
		fields = append(fields, bus.EmbedField{Name: "Server Creation Date", Value: g.CreatedAt.Format("02 January 2006"), Inline: true})
	}
	return Reply{Embed: &bus.Embed{
		Title:        g.Name + " Information",
		Color:        ColorBlue,
		Fields:       fields,
		ThumbnailURL: g.IconURL,
	}}
}

type zenQuote struct {
	Quote  string `json:"q"`
	Author string `json:"a"`
}

func (h *Handler) quote(ctx context.Context) Reply {
	q, err := h.fetchQuote(ctx)
	if err != nil {
		logger.WarnCF("commands", "Quote fetch failed", map[string]any{"error": err.Error()})
		return Reply{Content: "I could not fetch a quote right now, try again in a little bit."}
	}
	return Reply{Embed: &bus.Embed{
		Title:       "Random Quote",
		Description: fmt.Sprintf("\"%s\"\n- %s", q.Quote, q.Author),
		Color:       ColorBlue,
	}}
}

func (h *Handler) fetchQuote(ctx context.Context) (zenQuote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.opts.QuoteURL, nil)
	if err != nil {
		return zenQuote{}, err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return zenQuote{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return zenQuote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return zenQuote{}, fmt.Errorf("quote service returned %s", resp.Status)
	}
	var quotes []zenQuote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return zenQuote{}, fmt.Errorf("decode quote: %w", err)
	}
	if len(quotes) == 0 || strings.TrimSpace(quotes[0].Quote) == "" {
		return zenQuote{}, fmt.Errorf("quote service returned no quotes")
	}
	return quotes[0], nil
}
