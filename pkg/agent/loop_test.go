package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/commands"
	"github.com/smallbets/smallbot/pkg/contextstore"
	"github.com/smallbets/smallbot/pkg/conversation"
	"github.com/smallbets/smallbot/pkg/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedChat answers every call with reply, or err, or blocks until the
// call's context ends. An empty reply means a response with no choices.
type scriptedChat struct {
	mu    sync.Mutex
	reply string
	err   error
	block bool
	panic bool
	calls [][]providers.Message
}

func (c *scriptedChat) Chat(ctx context.Context, messages []providers.Message) (*providers.ChatResponse, error) {
	c.mu.Lock()
	c.calls = append(c.calls, append([]providers.Message(nil), messages...))
	c.mu.Unlock()

	switch {
	case c.panic:
		panic("boom")
	case c.block:
		<-ctx.Done()
		return nil, ctx.Err()
	case c.err != nil:
		return nil, c.err
	case c.reply == "":
		return &providers.ChatResponse{}, nil
	}
	return &providers.ChatResponse{Choices: []providers.ChatChoice{{Message: providers.AssistantMessage(c.reply)}}}, nil
}

func (c *scriptedChat) Model() string { return "gpt-4" }

func (c *scriptedChat) Calls() [][]providers.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeResolver struct{}

func (fakeResolver) GuildInfo(guildID string) (*commands.GuildInfo, bool) {
	return &commands.GuildInfo{Name: "Small Bets", MemberCount: 3}, guildID == "g1"
}

func (fakeResolver) ChannelMention(guildID, name string) (string, bool) {
	return "<#99>", name == "📼recordings"
}

type harness struct {
	loop    *AgentLoop
	builder *conversation.Builder
	tracker *conversation.Tracker
	chat    *scriptedChat
}

func newHarness(t *testing.T, chat *scriptedChat, timeout time.Duration) *harness {
	t.Helper()
	store := contextstore.New[conversation.Conversation](24 * time.Hour)
	builder := conversation.NewBuilder(store, nil, 24*time.Hour)
	tracker := conversation.NewTracker(store, 10, 24*time.Hour)
	al, err := NewAgentLoop(bus.NewMessageBus(), Deps{
		Builder:  builder,
		Tracker:  tracker,
		Invoker:  NewInvoker(chat, "openai", timeout),
		Commands: commands.NewHandler(nil, nil, commands.Options{}),
	}, Options{Router: RouterConfig{BotName: "smallbot", MentionID: mentionID, CommandPrefix: "!"}})
	require.NoError(t, err)
	return &harness{loop: al, builder: builder, tracker: tracker, chat: chat}
}

func dmFrom(username, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:       "discord",
		ChatID:        "dm-" + username,
		ChatKind:      bus.ChatDirect,
		MessageID:     "m1",
		Username:      username,
		Discriminator: "0001",
		Content:       content,
	}
}

func inGeneral(username, content string) bus.InboundMessage {
	msg := dmFrom(username, content)
	msg.ChatID = "c-general"
	msg.ChatName = "general"
	msg.ChatKind = bus.ChatText
	msg.GuildID = "g1"
	return msg
}

func TestNewAgentLoop_RequiresCollaborators(t *testing.T) {
	_, err := NewAgentLoop(bus.NewMessageBus(), Deps{}, Options{})
	assert.Error(t, err)
}

func TestDirectMessageScenario(t *testing.T) {
	h := newHarness(t, &scriptedChat{reply: "hi!"}, time.Second)

	out := h.loop.ProcessDirect(context.Background(), dmFrom("ann", "hello"))
	require.Len(t, out, 1)
	assert.Equal(t, "hi!", out[0].Content)
	assert.Equal(t, "m1", out[0].ReplyTo)
	assert.Equal(t, "dm-ann", out[0].ChatID)
	assert.NotEmpty(t, out[0].CorrelationID)

	calls := h.chat.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 5)
	assert.Equal(t, providers.RoleSystem, calls[0][0].Role)
	assert.Equal(t, providers.UserMessage("hello"), calls[0][4])

	stored, ok := h.builder.Get("ann#0001")
	require.True(t, ok)
	require.Len(t, stored, 6)
	assert.Equal(t, providers.AssistantMessage("hi!"), stored[5])
}

func TestProviderFailureKeepsUserTurnOnly(t *testing.T) {
	chat := &scriptedChat{err: &providers.ProviderError{Provider: "openai", StatusCode: 429, Reason: "Too Many Requests"}}
	h := newHarness(t, chat, time.Second)

	out := h.loop.ProcessDirect(context.Background(), dmFrom("ann", "hello"))
	require.Len(t, out, 1)
	assert.Equal(t, apologyText("ann"), out[0].Content)
	assert.NotContains(t, out[0].Content, "Too Many Requests")

	stored, ok := h.builder.Get("ann#0001")
	require.True(t, ok)
	require.Len(t, stored, 5)
	assert.Equal(t, providers.UserMessage("hello"), stored[4])
}

func TestTimeoutScenario(t *testing.T) {
	h := newHarness(t, &scriptedChat{block: true}, 20*time.Millisecond)
	_, err := h.tracker.Append("general", "bob", "morning all")
	require.NoError(t, err)
	before := h.tracker.Read("general")

	out := h.loop.ProcessDirect(context.Background(), inGeneral("ann", "smallbot are you there"))
	require.Len(t, out, 1)
	assert.Equal(t, apologyText("ann"), out[0].Content)

	stored, _ := h.builder.Get("ann#0001")
	require.Len(t, stored, 5)
	assert.Equal(t, providers.RoleUser, stored[4].Role)
	assert.Equal(t, before, h.tracker.Read("general"))
}

func TestZeroChoicesIsAFailure(t *testing.T) {
	h := newHarness(t, &scriptedChat{}, time.Second)
	out := h.loop.ProcessDirect(context.Background(), dmFrom("ann", "hello"))
	require.Len(t, out, 1)
	assert.Equal(t, apologyText("ann"), out[0].Content)
}

func TestCacheFaultGetsApology(t *testing.T) {
	h := newHarness(t, &scriptedChat{reply: "never"}, time.Second)
	var got []bus.OutboundMessage
	tr := &turn{msg: dmFrom("ann", "hi"), correlationID: "c", emit: func(m bus.OutboundMessage) { got = append(got, m) }}

	h.loop.converse(context.Background(), tr, Decision{Route: RouteConversation, Persona: "ghost", Text: "hi"})
	require.Len(t, got, 1)
	assert.Equal(t, apologyText("ann"), got[0].Content)
	assert.Empty(t, h.chat.Calls())
}

func TestChannelHistoryFollowsConversation(t *testing.T) {
	h := newHarness(t, &scriptedChat{reply: "sure"}, time.Second)

	for _, m := range []string{"first", "second"} {
		out := h.loop.ProcessDirect(context.Background(), inGeneral("bob", m))
		assert.Empty(t, out)
	}
	out := h.loop.ProcessDirect(context.Background(), inGeneral("ann", "smallbot what did bob say"))
	require.Len(t, out, 1)

	calls := h.chat.Calls()
	require.Len(t, calls, 1)
	sent := calls[0]
	require.Len(t, sent, 5+3)
	assert.Equal(t, providers.UserMessage("smallbot what did bob say"), sent[4])
	assert.True(t, strings.HasPrefix(sent[5].Content, "In addition, I am providing this for context"))
	assert.Contains(t, sent[7].Content, "second")

	// Assistant replies stay out of the channel history.
	assert.Len(t, h.tracker.Read("general"), 3)
}

func TestChannelHistoryScenario(t *testing.T) {
	h := newHarness(t, &scriptedChat{reply: "unused"}, time.Second)
	for i := 1; i <= 12; i++ {
		out := h.loop.ProcessDirect(context.Background(), inGeneral("bob", fmt.Sprintf("m%d", i)))
		assert.Empty(t, out)
	}
	hist := h.tracker.Read("general")
	require.Len(t, hist, 10)
	assert.Contains(t, hist[0].Content, "discord channel: general")
	assert.True(t, strings.HasSuffix(hist[1].Content, "m4"))
	assert.True(t, strings.HasSuffix(hist[9].Content, "m12"))
	assert.Empty(t, h.chat.Calls())
}

func TestThreadHistoryUsesThreadName(t *testing.T) {
	h := newHarness(t, &scriptedChat{}, time.Second)
	msg := inGeneral("bob", "in the thread")
	msg.ChatKind = bus.ChatThread
	msg.ChatName = "launch-week"
	h.loop.ProcessDirect(context.Background(), msg)

	assert.Len(t, h.tracker.Read("launch-week"), 2)
	assert.Nil(t, h.tracker.Read("general"))
}

func TestTalebPersonaIsolation(t *testing.T) {
	h := newHarness(t, &scriptedChat{reply: "imbecile"}, time.Second)

	out := h.loop.ProcessDirect(context.Background(), inGeneral("ann", "taleb mode: should I quit my job?"))
	require.Len(t, out, 1)

	_, ok := h.builder.Get("ann#0001")
	assert.False(t, ok)
	taleb, ok := h.builder.Get("ann#0001#taleb")
	require.True(t, ok)
	assert.Contains(t, taleb[0].Content, "Nassim Nicholas Taleb")
	assert.Len(t, taleb, 6)
}

func TestAutoReplies(t *testing.T) {
	h := newHarness(t, &scriptedChat{reply: "unused"}, time.Second)

	out := h.loop.ProcessDirect(context.Background(), inGeneral("ann", "<@"+mentionID+">"))
	require.Len(t, out, 1)
	assert.Equal(t, "Hello ann! You need me?", out[0].Content)
	assert.Equal(t, "m1", out[0].ReplyTo)

	out = h.loop.ProcessDirect(context.Background(), inGeneral("ann", "any recordings?"))
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Content, "posted in our #📼recordings channel")
	assert.Contains(t, out[0].Content, "https://home.smallbets.co/home/recordings")

	h.loop.SetGuildResolver(fakeResolver{})
	out = h.loop.ProcessDirect(context.Background(), inGeneral("ann", "any recordings?"))
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Content, "posted in our <#99> channel")

	assert.Empty(t, h.chat.Calls())
}

func TestTextCommands(t *testing.T) {
	h := newHarness(t, &scriptedChat{}, time.Second)
	h.loop.SetGuildResolver(fakeResolver{})

	out := h.loop.ProcessDirect(context.Background(), inGeneral("ann", "!ping"))
	require.Len(t, out, 1)
	assert.Equal(t, "pong!", out[0].Content)

	out = h.loop.ProcessDirect(context.Background(), inGeneral("ann", "!server-info"))
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Embed)
	assert.Equal(t, "Small Bets Information", out[0].Embed.Title)

	out = h.loop.ProcessDirect(context.Background(), inGeneral("ann", "!nope"))
	assert.Empty(t, out)
}

func TestIgnoresBots(t *testing.T) {
	h := newHarness(t, &scriptedChat{reply: "x"}, time.Second)
	msg := dmFrom("otherbot", "hello")
	msg.FromBot = true
	assert.Empty(t, h.loop.ProcessDirect(context.Background(), msg))
	assert.Empty(t, h.chat.Calls())
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t, &scriptedChat{panic: true}, time.Second)
	assert.NotPanics(t, func() {
		h.loop.ProcessDirect(context.Background(), dmFrom("ann", "hello"))
	})

	h.chat.panic = false
	h.chat.reply = "recovered"
	out := h.loop.ProcessDirect(context.Background(), dmFrom("ann", "again"))
	require.Len(t, out, 1)
	assert.Equal(t, "recovered", out[0].Content)
}

func TestConcurrentTurnsAreAllKept(t *testing.T) {
	h := newHarness(t, &scriptedChat{reply: "ok"}, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.loop.ProcessDirect(context.Background(), dmFrom("ann", fmt.Sprintf("turn %d", i)))
		}(i)
	}
	wg.Wait()

	stored, ok := h.builder.Get("ann#0001")
	require.True(t, ok)
	assert.Len(t, stored, 4+2*10)
	assert.Equal(t, providers.RoleSystem, stored[0].Role)
	for _, m := range stored[1:] {
		assert.NotEqual(t, providers.RoleSystem, m.Role)
	}
}

func TestRunPublishesTypingThenReply(t *testing.T) {
	chat := &scriptedChat{reply: "hi!"}
	store := contextstore.New[conversation.Conversation](24 * time.Hour)
	msgBus := bus.NewMessageBus()
	al, err := NewAgentLoop(msgBus, Deps{
		Builder: conversation.NewBuilder(store, nil, 24*time.Hour),
		Tracker: conversation.NewTracker(store, 10, 24*time.Hour),
		Invoker: NewInvoker(chat, "openai", time.Second),
	}, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = al.Run(ctx)
		close(done)
	}()

	require.True(t, msgBus.PublishInbound(dmFrom("ann", "hello")))

	first, ok := msgBus.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, bus.OutboundTyping, first.Kind)
	second, ok := msgBus.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "hi!", second.Content)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestInvoker(t *testing.T) {
	ctx := context.Background()

	msg, err := NewInvoker(&scriptedChat{reply: "hi"}, "openai", time.Second).Complete(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, providers.AssistantMessage("hi"), msg)

	_, err = NewInvoker(&scriptedChat{}, "openai", time.Second).Complete(ctx, nil)
	var pe *providers.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "no choices", pe.Reason)
	assert.True(t, errors.Is(err, providers.ErrMalformedResponse))

	_, err = NewInvoker(&scriptedChat{block: true}, "openai", 10*time.Millisecond).Complete(ctx, nil)
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Timeout)

	_, err = NewInvoker(nil, "openai", time.Second).Complete(ctx, nil)
	require.ErrorAs(t, err, &pe)
}
