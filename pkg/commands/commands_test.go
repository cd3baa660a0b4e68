package commands

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smallbets/smallbot/pkg/directory"
	"github.com/smallbets/smallbot/pkg/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	profiles map[string]*directory.Profile
	projects map[string][]directory.Project
	search   []directory.Profile
	err      error
	limit    int
}

func (d *fakeDirectory) Lookup(ctx context.Context, handle string) (*directory.Profile, error) {
	if d.err != nil {
		return nil, d.err
	}
	if p, ok := d.profiles[handle]; ok {
		return p, nil
	}
	return nil, directory.ErrNotFound
}

func (d *fakeDirectory) Projects(ctx context.Context, profileID string) ([]directory.Project, error) {
	return d.projects[profileID], nil
}

func (d *fakeDirectory) Search(ctx context.Context, term string, limit int) ([]directory.Profile, error) {
	d.limit = limit
	if d.err != nil {
		return nil, d.err
	}
	return d.search, nil
}

type fakeChat struct {
	reply string
	err   error
	got   []providers.Message
}

func (c *fakeChat) Chat(ctx context.Context, messages []providers.Message) (*providers.ChatResponse, error) {
	c.got = messages
	if c.err != nil {
		return nil, c.err
	}
	if c.reply == "" {
		return &providers.ChatResponse{}, nil
	}
	return &providers.ChatResponse{Choices: []providers.ChatChoice{{Message: providers.AssistantMessage(c.reply)}}}, nil
}

func (c *fakeChat) Model() string { return "test" }

func intPtr(n int) *int { return &n }

func louieDirectory() *fakeDirectory {
	return &fakeDirectory{
		profiles: map[string]*directory.Profile{
			"louie#0001": {ID: "p-1", FirstName: "Louie", LastName: "Bacaj", Twitter: "LBacaj", LinkedIn: "louiebacaj", ProjectCount: intPtr(2)},
		},
		projects: map[string][]directory.Project{
			"p-1": {
				{Name: "The M&Ms Newsletter", URL: "https://newsletter.memesmotivations.com/"},
				{Name: "Small Bets", URL: "https://smallbets.co/"},
			},
		},
	}
}

var louie = &User{Username: "louie", Discriminator: "0001"}

func TestParseText(t *testing.T) {
	req, ok := ParseText("!", "!Ping now")
	require.True(t, ok)
	assert.Equal(t, "ping", req.Name)
	assert.Equal(t, []string{"now"}, req.Args)

	_, ok = ParseText("!", "!")
	assert.False(t, ok)
	_, ok = ParseText("!", "ping")
	assert.False(t, ok)
}

func TestText_PingAliases(t *testing.T) {
	h := NewHandler(nil, nil, Options{})
	for _, name := range []string{"ping", "pong", "hello"} {
		r, ok := h.Text(context.Background(), TextRequest{Name: name})
		require.True(t, ok)
		assert.Equal(t, "pong!", r.Content)
	}
	_, ok := h.Text(context.Background(), TextRequest{Name: "nope"})
	assert.False(t, ok)
}

func TestText_HelpAndServerInfo(t *testing.T) {
	h := NewHandler(nil, nil, Options{})

	r, ok := h.Text(context.Background(), TextRequest{Name: "help"})
	require.True(t, ok)
	require.NotNil(t, r.Embed)
	assert.Contains(t, r.Embed.Description, "!server-info")

	r, _ = h.Text(context.Background(), TextRequest{Name: "server-info", Guild: &GuildInfo{
		Name:        "Small Bets",
		MemberCount: 42,
		CreatedAt:   time.Date(2022, 5, 1, 0, 0, 0, 0, time.UTC),
	}})
	require.NotNil(t, r.Embed)
	assert.Equal(t, "Small Bets Information", r.Embed.Title)
	assert.Equal(t, "42", r.Embed.Fields[0].Value)
	assert.Equal(t, "01 May 2022", r.Embed.Fields[1].Value)

	r, _ = h.Text(context.Background(), TextRequest{Name: "server-info"})
	assert.Nil(t, r.Embed)
	assert.NotEmpty(t, r.Content)
}

func TestText_Quote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"q":"Ship it.","a":"Someone"}]`))
	}))
	defer server.Close()

	h := NewHandler(nil, nil, Options{QuoteURL: server.URL})
	r, ok := h.Text(context.Background(), TextRequest{Name: "quote"})
	require.True(t, ok)
	require.NotNil(t, r.Embed)
	assert.Equal(t, "\"Ship it.\"\n- Someone", r.Embed.Description)
}

func TestText_QuoteFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	h := NewHandler(nil, nil, Options{QuoteURL: server.URL})
	r, _ := h.Text(context.Background(), TextRequest{Name: "quote"})
	assert.Nil(t, r.Embed)
	assert.Contains(t, r.Content, "could not fetch a quote")
}

func TestSlash_AllEphemeral(t *testing.T) {
	h := NewHandler(louieDirectory(), &fakeChat{reply: "42"}, Options{})
	for _, def := range Definitions() {
		req := SlashRequest{Name: def.Name, Target: louie, Text: "louie"}
		r := h.Slash(context.Background(), req)
		assert.True(t, r.Ephemeral, def.Name)
	}
}

func TestSlash_WhoIs(t *testing.T) {
	h := NewHandler(louieDirectory(), nil, Options{})

	r := h.Slash(context.Background(), SlashRequest{Name: "who-is", Target: louie})
	require.NotNil(t, r.Embed)
	assert.Equal(t, "Who is louie? Here is what I found:", r.Embed.Title)
	assert.Contains(t, r.Embed.Description, "Name: Louie Bacaj\n")
	assert.Contains(t, r.Embed.Description, "Twitter: https://twitter.com/LBacaj\n")
	assert.Contains(t, r.Embed.Description, "# of Projects: 2\n")
	assert.Equal(t, "https://home.smallbets.co/Home/DirectoryProfile?userId=p-1", r.Embed.URL)
	assert.Equal(t, ColorGreen, r.Embed.Color)

	r = h.Slash(context.Background(), SlashRequest{Name: "who-is", Target: &User{Username: "ghost", Discriminator: "1"}})
	require.NotNil(t, r.Embed)
	assert.Equal(t, ColorRed, r.Embed.Color)
	assert.Contains(t, r.Embed.Description, "I found no info")
}

func TestSlash_WhoIsDirectoryError(t *testing.T) {
	h := NewHandler(&fakeDirectory{err: errors.New("boom")}, nil, Options{})
	r := h.Slash(context.Background(), SlashRequest{Name: "who-is", Target: louie})
	assert.Equal(t, BrokenText, r.Content)
}

func TestSlash_SeeBets(t *testing.T) {
	h := NewHandler(louieDirectory(), nil, Options{})
	r := h.Slash(context.Background(), SlashRequest{Name: "see-bets", Target: louie})
	require.NotNil(t, r.Embed)
	assert.True(t, strings.HasPrefix(r.Embed.Description, "2 projects.\n"))
	assert.Contains(t, r.Embed.Description, "Small Bets: https://smallbets.co/\n")
}

func TestSlash_SearchCapsResults(t *testing.T) {
	dir := &fakeDirectory{}
	for i := 0; i < 12; i++ {
		dir.search = append(dir.search, directory.Profile{ID: "id", FirstName: "Member"})
	}
	h := NewHandler(dir, nil, Options{})

	r := h.Slash(context.Background(), SlashRequest{Name: "search", Text: "member x"})
	require.NotNil(t, r.Embed)
	assert.Equal(t, 10, dir.limit)
	assert.Equal(t, "I found 10 results.", r.Embed.Title)
	assert.Equal(t, "https://home.smallbets.co/Home/Directory?SearchString=member+x", r.Embed.URL)
}

func TestSlash_SearchNoResults(t *testing.T) {
	h := NewHandler(&fakeDirectory{}, nil, Options{})
	r := h.Slash(context.Background(), SlashRequest{Name: "search", Text: "zzz"})
	require.NotNil(t, r.Embed)
	assert.Equal(t, "I found 0 results.", r.Embed.Title)
}

func TestSlash_Whisper(t *testing.T) {
	chat := &fakeChat{reply: "Build small bets."}
	h := NewHandler(nil, chat, Options{})

	r := h.Slash(context.Background(), SlashRequest{Name: "whisper", Text: "what should I build?"})
	assert.Equal(t, "Build small bets.", r.Content)
	require.NotEmpty(t, chat.got)
	assert.Equal(t, providers.RoleSystem, chat.got[0].Role)
	assert.Equal(t, "what should I build?", chat.got[len(chat.got)-1].Content)
}

func TestSlash_WhisperFailures(t *testing.T) {
	for name, chat := range map[string]*fakeChat{
		"error":      {err: &providers.ProviderError{Provider: "openai", StatusCode: 500, Reason: "Internal Server Error"}},
		"no-choices": {},
	} {
		t.Run(name, func(t *testing.T) {
			h := NewHandler(nil, chat, Options{})
			r := h.Slash(context.Background(), SlashRequest{Name: "whisper", Text: "hi"})
			assert.Equal(t, BrokenText, r.Content)
			assert.True(t, r.Ephemeral)
		})
	}
}

func TestWelcome(t *testing.T) {
	h := NewHandler(louieDirectory(), nil, Options{})

	r := h.Welcome(context.Background(), User{Username: "louie", Discriminator: "0001", Mention: "<@1>"})
	require.NotNil(t, r.Embed)
	assert.Contains(t, r.Embed.Description, "Welcome to the Small Bets Community, <@1>!")
	assert.Contains(t, r.Embed.Description, "already set up your community profile")

	r = h.Welcome(context.Background(), User{Username: "new", Discriminator: "0002"})
	assert.Contains(t, r.Embed.Description, "I was unable to find your Small Bets Directory profile")
	assert.Contains(t, r.Embed.Description, "Welcome to the Small Bets Community, new!")
}

func TestReplyText(t *testing.T) {
	h := NewHandler(nil, nil, Options{})
	r, _ := h.Text(context.Background(), TextRequest{Name: "help"})
	text := r.Text()
	assert.True(t, strings.HasPrefix(text, "Help\nHere are the available commands:"))
	assert.Equal(t, "pong!", Reply{Content: "pong!"}.Text())
}
