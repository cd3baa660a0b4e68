package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/commands"
	"github.com/smallbets/smallbot/pkg/config"
	"github.com/smallbets/smallbot/pkg/logger"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second
	interactionTimeout    = 90 * time.Second
	// Discord allows 2000 characters per message; the rest is headroom for
	// keeping code blocks whole.
	messageChunkLimit = 1500
)

type DiscordChannel struct {
	*BaseChannel
	session  *discordgo.Session
	config   config.DiscordConfig
	commands *commands.Handler
	typing   map[string]*typingSession
	typingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

// NewDiscordChannel wires the gateway session. cmds serves slash commands
// and welcome messages; when nil both are disabled.
func NewDiscordChannel(cfg config.DiscordConfig, bus *bus.MessageBus, cmds *commands.Handler) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMembers

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", bus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
		commands:    cmds,
		typing:      make(map[string]*typingSession),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.session.AddHandler(c.handleMessage)
	if c.commands != nil {
		c.session.AddHandler(c.handleInteraction)
		if c.config.WelcomeEnabled {
			c.session.AddHandler(c.handleMemberAdd)
		}
	}

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	if c.commands != nil && c.config.SlashCommands {
		if err := c.registerSlashCommands(botUser.ID); err != nil {
			// Text routes keep working without slash commands.
			logger.ErrorCF("discord", "Slash command registration failed", map[string]any{
				"error": err.Error(),
			})
		}
	}

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	c.stopAllTyping()
	if c.cancel != nil {
		c.cancel()
	}

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}

	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}

	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	if msg.Kind == bus.OutboundTyping {
		c.beginTyping(channelID)
		return nil
	}
	defer c.endTyping(channelID)

	for _, send := range buildMessageSends(msg) {
		if err := c.sendComplex(ctx, channelID, send); err != nil {
			return err
		}
	}
	return nil
}

// buildMessageSends splits msg into Discord-sized messages. Only the first
// one is threaded under msg.ReplyTo; the embed rides on the last.
func buildMessageSends(msg bus.OutboundMessage) []*discordgo.MessageSend {
	var sends []*discordgo.MessageSend
	if strings.TrimSpace(msg.Content) != "" {
		for _, chunk := range splitMessage(msg.Content, messageChunkLimit) {
			sends = append(sends, &discordgo.MessageSend{Content: chunk})
		}
	}
	if msg.Embed != nil {
		if len(sends) == 0 {
			sends = append(sends, &discordgo.MessageSend{})
		}
		last := sends[len(sends)-1]
		last.Embeds = []*discordgo.MessageEmbed{toDiscordEmbed(msg.Embed)}
	}
	if len(sends) > 0 && msg.ReplyTo != "" {
		sends[0].Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo}
	}
	return sends
}

func toDiscordEmbed(e *bus.Embed) *discordgo.MessageEmbed {
	if e == nil {
		return nil
	}
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		URL:         e.URL,
		Color:       e.Color,
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	if e.ThumbnailURL != "" {
		out.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
	}
	if e.AuthorName != "" {
		out.Author = &discordgo.MessageEmbedAuthor{Name: e.AuthorName, IconURL: e.AuthorIcon}
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return out
}

// splitMessage splits long messages into chunks, preserving code block integrity
// Uses natural boundaries (newlines, spaces) and extends messages slightly to avoid breaking code blocks
func splitMessage(content string, limit int) []string {
	var messages []string

	for len(content) > 0 {
		if len(content) <= limit {
			messages = append(messages, content)
			break
		}

		msgEnd := findLastNewline(content[:limit], 200)
		if msgEnd <= 0 {
			msgEnd = findLastSpace(content[:limit], 100)
		}
		if msgEnd <= 0 {
			msgEnd = limit
		}

		candidate := content[:msgEnd]
		if unclosedIdx := findLastUnclosedCodeBlock(candidate); unclosedIdx >= 0 {
			extendedLimit := limit + 500
			if len(content) > extendedLimit {
				closingIdx := findNextClosingCodeBlock(content, msgEnd)
				if closingIdx > 0 && closingIdx <= extendedLimit {
					msgEnd = closingIdx
				} else {
					// No close in reach: split before the block opens.
					msgEnd = findLastNewline(content[:unclosedIdx], 200)
					if msgEnd <= 0 {
						msgEnd = findLastSpace(content[:unclosedIdx], 100)
					}
					if msgEnd <= 0 {
						msgEnd = unclosedIdx
					}
				}
			} else {
				msgEnd = len(content)
			}
		}

		if msgEnd <= 0 {
			msgEnd = limit
		}

		messages = append(messages, content[:msgEnd])
		content = strings.TrimSpace(content[msgEnd:])
	}

	return messages
}

// findLastUnclosedCodeBlock returns the index of the last ``` that opens a
// block with no matching close, or -1.
func findLastUnclosedCodeBlock(text string) int {
	count := 0
	lastOpenIdx := -1

	for i := 0; i+2 < len(text); i++ {
		if text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			if count%2 == 0 {
				lastOpenIdx = i
			}
			count++
			i += 2
		}
	}

	if count%2 == 1 {
		return lastOpenIdx
	}
	return -1
}

// findNextClosingCodeBlock returns the index just past the next ``` at or
// after startIdx, or -1.
func findNextClosingCodeBlock(text string, startIdx int) int {
	for i := startIdx; i+2 < len(text); i++ {
		if text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			return i + 3
		}
	}
	return -1
}

func findLastNewline(s string, searchWindow int) int {
	return findLastByte(s, searchWindow, func(b byte) bool { return b == '\n' })
}

func findLastSpace(s string, searchWindow int) int {
	return findLastByte(s, searchWindow, func(b byte) bool { return b == ' ' || b == '\t' })
}

// findLastByte scans the last searchWindow bytes of s backwards.
func findLastByte(s string, searchWindow int, match func(byte) bool) int {
	searchStart := len(s) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(s) - 1; i >= searchStart; i-- {
		if match(s[i]) {
			return i
		}
	}
	return -1
}

func (c *DiscordChannel) sendComplex(ctx context.Context, channelID string, send *discordgo.MessageSend) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSendComplex(channelID, send)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if channelID == "" || c.session == nil {
		return
	}
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.ErrorCF("discord", "Failed to send typing indicator", map[string]any{
			"error": err.Error(),
		})
	}
}

// beginTyping keeps the indicator alive until a matching endTyping. Nested
// calls on one channel share a single refresher.
func (c *DiscordChannel) beginTyping(channelID string) {
	c.typingMu.Lock()
	if sess, ok := c.typing[channelID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingSession{
		pending: 1,
		cancel:  cancel,
	}
	c.typingMu.Unlock()

	c.sendTyping(channelID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordChannel) endTyping(channelID string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	sess, ok := c.typing[channelID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, channelID)
	sess.cancel()
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}

	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}

	var ch *discordgo.Channel
	if m.GuildID != "" {
		ch = c.lookupChannel(m.ChannelID)
	}

	msg := normalizeMessage(m.Message, ch, botID)
	if strings.TrimSpace(msg.Content) == "" {
		return
	}

	logger.DebugCF("discord", "Received message", map[string]any{
		"sender":    msg.Username,
		"sender_id": msg.SenderID,
		"chat":      msg.ChatName,
		"kind":      string(msg.ChatKind),
	})

	c.HandleMessage(msg)
}

func (c *DiscordChannel) lookupChannel(channelID string) *discordgo.Channel {
	if c.session.State != nil {
		if ch, err := c.session.State.Channel(channelID); err == nil {
			return ch
		}
	}
	ch, err := c.session.Channel(channelID)
	if err != nil {
		logger.WarnCF("discord", "Channel lookup failed", map[string]any{
			"channel_id": channelID,
			"error":      err.Error(),
		})
		return nil
	}
	return ch
}

// normalizeMessage maps a gateway message onto the bus shape. ch is the
// channel the message was posted in; nil means a direct message.
func normalizeMessage(m *discordgo.Message, ch *discordgo.Channel, botID string) bus.InboundMessage {
	msg := bus.InboundMessage{
		ChatID:        m.ChannelID,
		ChatKind:      bus.ChatDirect,
		GuildID:       m.GuildID,
		MessageID:     m.ID,
		SenderID:      m.Author.ID,
		Username:      m.Author.Username,
		Discriminator: m.Author.Discriminator,
		DisplayName:   displayName(m.Author, m.Member),
		FromSelf:      botID != "" && m.Author.ID == botID,
		FromBot:       m.Author.Bot,
		Content:       m.Content,
		Metadata:      map[string]string{bus.MetadataBotID: botID},
	}

	if m.GuildID != "" {
		msg.ChatKind = bus.ChatText
		if ch != nil {
			msg.ChatName = ch.Name
			if ch.IsThread() {
				msg.ChatKind = bus.ChatThread
			}
		}
	}

	if ref := m.ReferencedMessage; ref != nil {
		msg.ReplyToID = ref.ID
		msg.ReplyToBot = botID != "" && ref.Author != nil && ref.Author.ID == botID
	} else if m.MessageReference != nil {
		msg.ReplyToID = m.MessageReference.MessageID
	}

	for _, u := range m.Mentions {
		if u != nil && botID != "" && u.ID == botID {
			msg.MentionsBot = true
			break
		}
	}
	return msg
}

func displayName(u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func toCommandUser(u *discordgo.User, member *discordgo.Member) commands.User {
	if u == nil {
		return commands.User{}
	}
	return commands.User{
		ID:            u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
		DisplayName:   displayName(u, member),
		AvatarURL:     u.AvatarURL(""),
		Mention:       u.Mention(),
	}
}

func (c *DiscordChannel) registerSlashCommands(appID string) error {
	defs := commands.Definitions()
	cmds := make([]*discordgo.ApplicationCommand, 0, len(defs))
	for _, d := range defs {
		cmd := &discordgo.ApplicationCommand{Name: d.Name, Description: d.Description}
		for _, o := range d.Options {
			optType := discordgo.ApplicationCommandOptionString
			if o.Type == commands.OptionUser {
				optType = discordgo.ApplicationCommandOptionUser
			}
			cmd.Options = append(cmd.Options, &discordgo.ApplicationCommandOption{
				Type:        optType,
				Name:        o.Name,
				Description: o.Description,
				Required:    o.Required,
			})
		}
		cmds = append(cmds, cmd)
	}

	registered, err := c.session.ApplicationCommandBulkOverwrite(appID, c.config.GuildID, cmds)
	if err != nil {
		return fmt.Errorf("register slash commands: %w", err)
	}
	logger.InfoCF("discord", "Slash commands registered", map[string]any{
		"count":    len(registered),
		"guild_id": c.config.GuildID,
	})
	return nil
}

// slashRequest maps interaction data onto a command request.
func slashRequest(data discordgo.ApplicationCommandInteractionData, invoker commands.User) commands.SlashRequest {
	req := commands.SlashRequest{Name: data.Name, Invoker: invoker}
	for _, opt := range data.Options {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionUser:
			id, _ := opt.Value.(string)
			var u *discordgo.User
			var member *discordgo.Member
			if data.Resolved != nil {
				u = data.Resolved.Users[id]
				member = data.Resolved.Members[id]
			}
			if u == nil {
				u = &discordgo.User{ID: id}
			}
			target := toCommandUser(u, member)
			req.Target = &target
		case discordgo.ApplicationCommandOptionString:
			req.Text = opt.StringValue()
		}
	}
	return req
}

func (c *DiscordChannel) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	var invoker commands.User
	if i.Member != nil && i.Member.User != nil {
		invoker = toCommandUser(i.Member.User, i.Member)
	} else if i.User != nil {
		invoker = toCommandUser(i.User, nil)
	}
	if !c.IsAllowed(invoker.ID + "|" + invoker.Handle()) {
		return
	}

	req := slashRequest(i.ApplicationCommandData(), invoker)

	// Acknowledge within Discord's three second window; the answer follows.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}); err != nil {
		logger.WarnCF("discord", "Failed to acknowledge interaction", map[string]any{
			"command": req.Name,
			"error":   err.Error(),
		})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.baseContext(), interactionTimeout)
		defer cancel()

		reply := c.commands.Slash(ctx, req)
		edit := &discordgo.WebhookEdit{}
		if reply.Content != "" {
			content := reply.Content
			edit.Content = &content
		}
		if reply.Embed != nil {
			embeds := []*discordgo.MessageEmbed{toDiscordEmbed(reply.Embed)}
			edit.Embeds = &embeds
		}
		if _, err := s.InteractionResponseEdit(i.Interaction, edit); err != nil {
			logger.WarnCF("discord", "Failed to answer interaction", map[string]any{
				"command": req.Name,
				"error":   err.Error(),
			})
		}
	}()
}

func (c *DiscordChannel) handleMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m == nil || m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	member := toCommandUser(m.User, m.Member)

	go func() {
		ctx, cancel := context.WithTimeout(c.baseContext(), sendTimeout)
		defer cancel()

		reply := c.commands.Welcome(ctx, member)
		dm, err := s.UserChannelCreate(member.ID)
		if err != nil {
			logger.WarnCF("discord", "Could not open welcome DM", map[string]any{
				"user":  member.Handle(),
				"error": err.Error(),
			})
			return
		}
		if err := c.Send(ctx, bus.OutboundMessage{ChatID: dm.ID, Content: reply.Content, Embed: reply.Embed}); err != nil {
			logger.WarnCF("discord", "Welcome DM failed", map[string]any{
				"user":  member.Handle(),
				"error": err.Error(),
			})
			return
		}
		logger.InfoCF("discord", "Welcomed new member", map[string]any{"user": member.Handle()})
	}()
}

func (c *DiscordChannel) baseContext() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// GuildInfo reads the guild from the gateway state cache.
func (c *DiscordChannel) GuildInfo(guildID string) (*commands.GuildInfo, bool) {
	if c.session.State == nil || guildID == "" {
		return nil, false
	}
	g, err := c.session.State.Guild(guildID)
	if err != nil {
		return nil, false
	}
	info := &commands.GuildInfo{
		Name:        g.Name,
		MemberCount: g.MemberCount,
		IconURL:     g.IconURL(""),
	}
	if created, err := discordgo.SnowflakeTimestamp(g.ID); err == nil {
		info.CreatedAt = created
	}
	return info, true
}

// ChannelMention resolves a channel name in a guild to its mention markup.
func (c *DiscordChannel) ChannelMention(guildID, channelName string) (string, bool) {
	if c.session.State == nil || guildID == "" {
		return "", false
	}
	g, err := c.session.State.Guild(guildID)
	if err != nil {
		return "", false
	}
	for _, ch := range g.Channels {
		if ch != nil && ch.Name == channelName {
			return ch.Mention(), true
		}
	}
	return "", false
}
