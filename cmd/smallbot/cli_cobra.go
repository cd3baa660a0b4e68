package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	return buildRootCommand(true).Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "smallbot",
		Short: "Discord assistant for the Small Bets community",
		Long: strings.TrimSpace(`smallbot answers members in DMs and channels with an LLM, keeps short-lived
per-member conversations and per-channel history, and serves text and slash
commands backed by the member directory.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&configPathOverride, "config", "", "Config file (default ~/.smallbot/config.json or $SMALLBOT_CONFIG)")

	root.AddCommand(newInitCommand())
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newConsoleCommand())
	root.AddCommand(newDirectoryCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}
	return root
}

func newInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file",
		Example: "  smallbot init\n  smallbot init --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}

func newGatewayCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord bot with health and metrics endpoints",
		Long:    "Connect to Discord, route every message through the agent loop, and serve /health, /ready and /metrics.",
		Example: "  smallbot gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newConsoleCommand() *cobra.Command {
	var (
		message string
		user    string
		channel string
		debug   bool
	)
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Talk to the bot locally without Discord",
		Long: strings.TrimSpace(`Run the same routing, conversation and command logic as the gateway from a
terminal. Without --channel you are in a DM; "/join <name>" switches channels.`),
		Example: strings.Join([]string{
			"  smallbot console",
			"  smallbot console --channel general --user louie",
			"  smallbot console --message \"!quote\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(user) == "" {
				return fmt.Errorf("--user must not be empty")
			}
			return runConsole(message, user, channel, debug)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send one message and exit")
	cmd.Flags().StringVarP(&user, "user", "u", "console", "Username to talk as")
	cmd.Flags().StringVarP(&channel, "channel", "c", "", "Channel name to talk in (default: DM)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newDirectoryCommand() *cobra.Command {
	dirRoot := &cobra.Command{
		Use:   "directory",
		Short: "Manage the local member directory",
		Long:  "Inspect and seed the SQLite member directory behind /who-is, /see-bets and /search.",
	}

	dirRoot.AddCommand(&cobra.Command{
		Use:     "seed",
		Short:   "Load the sample member profiles",
		Example: "  smallbot directory seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirectorySeed()
		},
	})

	dirRoot.AddCommand(&cobra.Command{
		Use:     "show <username#discriminator>",
		Short:   "Show a member profile and projects",
		Args:    cobra.ExactArgs(1),
		Example: "  smallbot directory show louie#0001",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirectoryShow(args[0])
		},
	})

	var limit int
	search := &cobra.Command{
		Use:     "search <term>",
		Short:   "Search members by name, handle or location",
		Args:    cobra.MinimumNArgs(1),
		Example: "  smallbot directory search lisbon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirectorySearch(strings.Join(args, " "), limit)
		},
	}
	search.Flags().IntVarP(&limit, "limit", "l", 10, "Maximum results")
	dirRoot.AddCommand(search)

	return dirRoot
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and readiness",
		Example: "  smallbot status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  smallbot version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
