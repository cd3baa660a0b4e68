// SmallBot - Discord assistant for the Small Bets community
// License: MIT
//
// Copyright (c) 2026 SmallBot contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/smallbets/smallbot/pkg/agent"
	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/channels"
	"github.com/smallbets/smallbot/pkg/commands"
	"github.com/smallbets/smallbot/pkg/config"
	"github.com/smallbets/smallbot/pkg/contextstore"
	"github.com/smallbets/smallbot/pkg/conversation"
	"github.com/smallbets/smallbot/pkg/directory"
	"github.com/smallbets/smallbot/pkg/health"
	"github.com/smallbets/smallbot/pkg/logger"
	"github.com/smallbets/smallbot/pkg/metrics"
	"github.com/smallbets/smallbot/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "smallbot"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	build = buildTime
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	fmt.Printf("  Go: %s\n", goVer)
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPathOverride string

func getConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}
	if p := strings.TrimSpace(os.Getenv("SMALLBOT_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".smallbot", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

// botRuntime is everything behind the agent loop, shared by the gateway
// and the console.
type botRuntime struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	store    *contextstore.Store[conversation.Conversation]
	sweeper  *contextstore.Sweeper
	dirStore *directory.SQLiteStore
	commands *commands.Handler
	loop     *agent.AgentLoop
	metrics  *metrics.Metrics
}

func newBotRuntime(cfg *config.Config, reg prometheus.Registerer) (*botRuntime, error) {
	m := metrics.MustNew(reg)

	dirStore, err := directory.NewSQLiteStore(cfg.DirectoryPath())
	if err != nil {
		return nil, fmt.Errorf("open member directory: %w", err)
	}
	dir := directory.NewCached(dirStore)

	ttl := cfg.ContextTTL()
	store := contextstore.New[conversation.Conversation](ttl,
		contextstore.WithCapacity[conversation.Conversation](cfg.Context.MaxEntries),
		contextstore.WithEvictionHook[conversation.Conversation](m.EvictionHook("context")),
	)
	sweeper, err := contextstore.NewSweeper(cfg.Context.SweepSchedule, store)
	if err != nil {
		dirStore.Close()
		return nil, err
	}

	client, err := providers.CreateClient(cfg)
	if err != nil {
		dirStore.Close()
		return nil, fmt.Errorf("create chat client: %w", err)
	}

	cmds := commands.NewHandler(dir, client, commands.Options{
		ProfileURL:     cfg.Directory.ProfileURL,
		SearchURL:      cfg.Directory.SearchURL,
		SearchLimit:    cfg.Directory.SearchLimit,
		WhisperTimeout: cfg.ProviderTimeout(),
	})

	msgBus := bus.NewMessageBus()
	dc := cfg.Channels.Discord
	loop, err := agent.NewAgentLoop(msgBus, agent.Deps{
		Builder:  conversation.NewBuilder(store, dir, ttl),
		Tracker:  conversation.NewTracker(store, cfg.Context.ChannelHistoryLimit, ttl),
		Invoker:  agent.NewInvoker(client, providers.ProviderOpenAI, cfg.ProviderTimeout()),
		Commands: cmds,
		Metrics:  m,
	}, agent.Options{
		Router: agent.RouterConfig{
			BotName:       dc.BotName,
			MentionID:     dc.MentionID,
			CommandPrefix: dc.CommandPrefix,
		},
		RecordingsChannel: dc.RecordingsChannel,
		RecordingsURL:     dc.RecordingsURL,
	})
	if err != nil {
		dirStore.Close()
		return nil, err
	}

	m.GaugeFunc("context_store", "entries", "Live entries in the context store.", func() float64 {
		return float64(store.Len())
	})
	m.CounterFunc("bus", "inbound_dropped_total", "Inbound messages dropped on a full queue.", func() float64 {
		return float64(msgBus.DroppedInbound())
	})
	m.CounterFunc("bus", "outbound_dropped_total", "Outbound messages dropped on a full queue.", func() float64 {
		return float64(msgBus.DroppedOutbound())
	})

	logger.InfoCF("main", "Runtime initialized", map[string]any{
		"model":         client.Model(),
		"context_ttl":   ttl.String(),
		"history_limit": cfg.Context.ChannelHistoryLimit,
		"max_entries":   cfg.Context.MaxEntries,
	})

	return &botRuntime{
		cfg:      cfg,
		bus:      msgBus,
		store:    store,
		sweeper:  sweeper,
		dirStore: dirStore,
		commands: cmds,
		loop:     loop,
		metrics:  m,
	}, nil
}

func (r *botRuntime) Close() {
	r.bus.Close()
	if err := r.dirStore.Close(); err != nil {
		logger.WarnCF("main", "Closing member directory failed", map[string]any{"error": err.Error()})
	}
}

func runGateway(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(true); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := newBotRuntime(cfg, reg)
	if err != nil {
		return err
	}
	defer rt.Close()

	channelManager, err := channels.NewManager(cfg.Channels.Discord, rt.bus, rt.commands)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}
	rt.loop.SetGuildResolver(channelManager)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthServer := health.NewServerWithGatherer(cfg.Gateway.Host, cfg.Gateway.Port, reg)
	healthServer.RegisterCheck("discord", func(context.Context) error {
		ch, ok := channelManager.GetChannel("discord")
		if !ok || !ch.IsRunning() {
			return errors.New("discord channel not running")
		}
		return nil
	})
	go func() {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("health", "Health server error", map[string]any{"error": err.Error()})
		}
	}()

	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	go rt.sweeper.Run(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := rt.loop.Run(ctx); err != nil {
			logger.ErrorCF("agent", "Agent loop stopped", map[string]any{"error": err.Error()})
		}
	}()
	healthServer.SetReady(true)

	fmt.Printf("✓ Channels enabled: %s\n", strings.Join(channelManager.GetEnabledChannels(), ", "))
	fmt.Printf("✓ Health endpoints available at http://%s:%d/health, /ready and /metrics\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Println("Press Ctrl+C to stop")

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	healthServer.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rt.loop.Stop()
	select {
	case <-loopDone:
	case <-shutdownCtx.Done():
		logger.WarnC("agent", "In-flight messages did not finish before shutdown")
	}
	_ = channelManager.StopAll(shutdownCtx)
	_ = healthServer.Stop(shutdownCtx)
	fmt.Println("✓ Gateway stopped")
	return nil
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	configPath := getConfigPath()
	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Printf("Build: %s\n", build)
	}
	fmt.Println()

	mark := func(ok bool, missing string) string {
		if ok {
			return "✓"
		}
		return missing
	}
	_, statErr := os.Stat(configPath)
	fmt.Println("Config:", configPath, mark(statErr == nil, "✗ (defaults and environment)"))
	_, dbErr := os.Stat(cfg.DirectoryPath())
	fmt.Println("Member directory:", cfg.DirectoryPath(), mark(dbErr == nil, "not initialized"))

	apiReady := strings.TrimSpace(cfg.Providers.OpenAI.APIKey) != ""
	discordReady := strings.TrimSpace(cfg.Channels.Discord.Token) != ""
	fmt.Printf("Model: %s\n", cfg.Providers.OpenAI.Model)
	fmt.Printf("Context TTL: %s, channel history: %d\n", cfg.ContextTTL(), cfg.Context.ChannelHistoryLimit)
	fmt.Println("OpenAI API key:", mark(apiReady, "not set"))
	fmt.Println("Discord token:", mark(discordReady, "not set"))
	fmt.Println("Console ready:", mark(apiReady, "no"))
	fmt.Println("Gateway ready:", mark(apiReady && discordReady, "no"))
	return nil
}

func runInit(force bool) error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}
	if err := config.SaveConfig(configPath, config.DefaultConfig()); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("%s config written to %s\n", appName, configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set providers.openai.api_key (or SMALLBOT_PROVIDERS_OPENAI_API_KEY)")
	fmt.Println("  2. Set channels.discord.token (or SMALLBOT_CHANNELS_DISCORD_TOKEN)")
	fmt.Println("  3. Load demo members: smallbot directory seed")
	fmt.Println("  4. Try it locally: smallbot console")
	fmt.Println("  5. Run the bot: smallbot gateway")
	return nil
}
