package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/commands"
	"github.com/smallbets/smallbot/pkg/logger"
)

// consoleSession plays one member talking to the bot, either in a DM or in
// a named channel.
type consoleSession struct {
	rt       *botRuntime
	username string
	channel  string
	seq      int
}

func (s *consoleSession) inbound(content string) bus.InboundMessage {
	s.seq++
	msg := bus.InboundMessage{
		Channel:       "console",
		ChatID:        "console",
		ChatKind:      bus.ChatDirect,
		MessageID:     strconv.Itoa(s.seq),
		SenderID:      "console-" + s.username,
		Username:      s.username,
		Discriminator: "0001",
		Content:       content,
		ReceivedAt:    time.Now(),
	}
	if s.channel != "" {
		msg.ChatID = "console:" + s.channel
		msg.ChatName = s.channel
		msg.ChatKind = bus.ChatText
	}
	return msg
}

func (s *consoleSession) send(ctx context.Context, content string) []string {
	var out []string
	for _, m := range s.rt.loop.ProcessDirect(ctx, s.inbound(content)) {
		text := commands.Reply{Content: m.Content, Embed: m.Embed}.Text()
		if strings.TrimSpace(text) != "" {
			out = append(out, text)
		}
	}
	return out
}

func runConsole(message, username, channel string, debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(false); err != nil {
		return err
	}

	rt, err := newBotRuntime(cfg, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer rt.Close()

	session := &consoleSession{rt: rt, username: username, channel: strings.TrimPrefix(channel, "#")}
	ctx := context.Background()

	if strings.TrimSpace(message) != "" {
		printReplies(session.send(ctx, message))
		return nil
	}

	where := "a DM"
	if session.channel != "" {
		where = "#" + session.channel
	}
	fmt.Printf("%s console: talking as %s in %s (Ctrl+C to exit)\n\n", appName, username, where)
	interactiveConsole(ctx, session)
	return nil
}

func printReplies(replies []string) {
	if len(replies) == 0 {
		fmt.Println("(no reply)")
		return
	}
	for _, r := range replies {
		fmt.Printf("\n%s %s\n\n", appName, r)
	}
}

func interactiveConsole(ctx context.Context, session *consoleSession) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          session.username + "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".smallbot_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleConsole(ctx, session, os.Stdin)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !consoleLine(ctx, session, line) {
			return
		}
	}
}

func simpleConsole(ctx context.Context, session *consoleSession, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Print(session.username + "> ")
		if !scanner.Scan() {
			fmt.Println("\nGoodbye!")
			return
		}
		if !consoleLine(ctx, session, scanner.Text()) {
			return
		}
	}
}

// consoleLine handles one input line; false ends the session.
func consoleLine(ctx context.Context, session *consoleSession, line string) bool {
	input := strings.TrimSpace(line)
	switch {
	case input == "":
		return true
	case input == "exit" || input == "quit":
		fmt.Println("Goodbye!")
		return false
	case strings.HasPrefix(input, "/join"):
		session.channel = strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(input, "/join")), "#")
		if session.channel == "" {
			fmt.Println("Now in a DM")
		} else {
			fmt.Printf("Now in #%s\n", session.channel)
		}
		return true
	}
	printReplies(session.send(ctx, input))
	return true
}
