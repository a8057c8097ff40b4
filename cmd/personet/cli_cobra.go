package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"personet/pkg/channels"
	"personet/pkg/config"
	"personet/pkg/extractor"
	"personet/pkg/logger"
	"personet/pkg/profile"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "personet",
		Short: "Person identity resolution and profile aggregation engine for chat bots",
		Long: strings.TrimSpace(`personet resolves platform accounts to stable natural-person identities,
aggregates per-person profile dimensions (nicknames, identity facts,
personality, impressions) from observed conversations, and exports
bounded profile views for prompt injection.`),
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

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newResolveCommand())
	root.AddCommand(newLinkCommand())
	root.AddCommand(newMergeCommand())
	root.AddCommand(newShowCommand())
	root.AddCommand(newExportCommand())
	root.AddCommand(newImpressCommand())
	root.AddCommand(newSweepCommand())
	root.AddCommand(newReplCommand())
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.personet configuration",
		Example: "  personet onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := getConfigPath()

			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("Config already exists at %s\n", configPath)
				fmt.Print("Overwrite? (y/n): ")
				reader := bufio.NewReader(os.Stdin)
				response, readErr := reader.ReadString('\n')
				if readErr != nil {
					fmt.Println("Aborted.")
					return nil
				}
				response = strings.ToLower(strings.TrimSpace(response))
				if response != "y" && response != "yes" {
					fmt.Println("Aborted.")
					return nil
				}
			}

			cfg := config.DefaultConfig()
			if err := config.SaveConfig(configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("%s is ready!\n", appName)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Set a unique security.profile_id_salt in", configPath)
			fmt.Println("  2. Add your extractor API key to extractor.api_key")
			fmt.Println("  3. (Gateway mode) Add your Discord bot token to channels.discord.token")
			fmt.Println("  4. Inspect profiles: personet show <id>, personet export ...")
			fmt.Println("  5. Run the observer: personet gateway")
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and runtime readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			configPath := getConfigPath()

			fmt.Printf("%s Status\n", appName)
			fmt.Printf("Version: %s\n", formatVersion())
			fmt.Println()

			if _, err := os.Stat(configPath); err == nil {
				fmt.Println("Config:", configPath, "✓")
			} else {
				fmt.Println("Config:", configPath, "✗")
			}

			dbPath := cfg.DBPath()
			if _, err := os.Stat(dbPath); err == nil {
				fmt.Println("Profile DB:", dbPath, "✓")
			} else {
				fmt.Println("Profile DB:", dbPath, "not initialized")
			}

			status := func(enabled bool) string {
				if enabled {
					return "✓"
				}
				return "not set"
			}
			extractorReady := strings.TrimSpace(cfg.Extractor.APIKey) != ""
			discordReady := strings.TrimSpace(cfg.Channels.Discord.Token) != ""

			fmt.Println("Extractor API:", status(extractorReady))
			fmt.Println("Discord token:", status(discordReady))
			fmt.Println("Gateway ready:", status(extractorReady && discordReady))
			fmt.Printf("ID strategy: %s\n", cfg.Security.IDStrategy)
			return nil
		},
	}
}

func newResolveCommand() *cobra.Command {
	var legacyRef string

	cmd := &cobra.Command{
		Use:   "resolve [platform] [platform-user-id]",
		Short: "Resolve an account to its natural-person id, creating on first contact",
		Example: strings.Join([]string{
			"  personet resolve qq 12345",
			"  personet resolve --legacy person_abc",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := context.Background()
			if legacyRef != "" {
				id, created, err := eng.resolver.ResolveLegacy(ctx, legacyRef)
				if err != nil {
					return err
				}
				printResolved(id, created)
				return nil
			}

			if len(args) != 2 {
				return fmt.Errorf("expected <platform> <platform-user-id> (or --legacy <ref>)")
			}
			id, created, err := eng.resolver.ResolveOrCreate(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			printResolved(id, created)
			return nil
		},
	}
	cmd.Flags().StringVar(&legacyRef, "legacy", "", "Resolve an external person reference instead of a platform account")
	return cmd
}

func printResolved(id string, created bool) {
	if created {
		fmt.Printf("✓ Created profile %s\n", id)
	} else {
		fmt.Println(id)
	}
}

func newLinkCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "link <platform> <platform-user-id> <profile-id>",
		Short:   "Link an additional platform account to an existing profile",
		Args:    cobra.ExactArgs(3),
		Example: "  personet link telegram 98765 3f8a...",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.resolver.LinkAccount(context.Background(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Printf("✓ Linked %s/%s to %s\n", args[0], args[1], args[2])
			return nil
		},
	}
}

func newMergeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "merge <primary-id> <secondary-id>",
		Short:   "Merge the secondary profile into the primary and tombstone it",
		Args:    cobra.ExactArgs(2),
		Example: "  personet merge 3f8a... 9c1d...",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.resolver.Merge(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("✓ Merged %s into %s\n", args[1], args[0])
			return nil
		},
	}
}

func newShowCommand() *cobra.Command {
	var fields []string

	cmd := &cobra.Command{
		Use:     "show <profile-id>",
		Short:   "Print a profile document as JSON",
		Args:    cobra.ExactArgs(1),
		Example: "  personet show 3f8a... --fields identity,impression",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			p, err := eng.aggregator.Read(context.Background(), args[0], fields...)
			if err != nil {
				return err
			}
			raw, err := json.MarshalIndent(p, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "Dimensions to include (default all)")
	return cmd
}

func newExportCommand() *cobra.Command {
	var (
		platform string
		groupID  string
		dims     []string
	)

	cmd := &cobra.Command{
		Use:     "export <profile-id>...",
		Short:   "Export bounded profile views for prompt injection",
		Args:    cobra.MinimumNArgs(1),
		Example: "  personet export --platform qq --group g1 3f8a91... 9c1db2...",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			result, err := eng.exporter.Export(context.Background(), profile.ExportContext{
				Platform:   platform,
				GroupID:    groupID,
				Dimensions: dims,
			}, args)
			if err != nil {
				return err
			}

			out := make(map[string]profile.ExportRecord, len(result.Order))
			for _, id := range result.Order {
				out[id] = result.Records[id]
			}
			raw, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			if result.Failed > 0 {
				fmt.Fprintf(os.Stderr, "Warning: %d candidate(s) failed to export\n", result.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "Platform of the conversational context (required)")
	cmd.Flags().StringVar(&groupID, "group", "", "Group id of the conversational context")
	cmd.Flags().StringSliceVar(&dims, "dimensions", nil, "Dimensions to include (default all)")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func newImpressCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "impress <profile-id> <text>",
		Short:   "Append an impression note to a profile",
		Args:    cobra.ExactArgs(2),
		Example: "  personet impress 3f8a... \"likes talking about astronomy\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			entry, err := eng.aggregator.AppendImpression(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("✓ Recorded impression %s\n", entry.ID)
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the retention sweep once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := profile.NewSQLiteStore(cfg.DBPath())
			if err != nil {
				return err
			}

			stub := func(ctx context.Context, prompt string) (string, error) {
				return "", fmt.Errorf("extractor not available in sweep mode")
			}
			svc, err := profile.NewService(cfg, store, stub, nil)
			if err != nil {
				_ = store.Close()
				return err
			}
			defer svc.Close()

			if err := svc.Sweep(context.Background()); err != nil {
				return err
			}
			fmt.Println("✓ Sweep complete")
			return nil
		},
	}
}

func newGatewayCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord observer and profile engine",
		Example: "  personet gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// lazyNames breaks the construction cycle between the service (which
// needs a name provider) and the discord channel (which needs the
// service as observer).
type lazyNames struct {
	provider profile.NameProvider
}

func (l *lazyNames) PersonNames(ctx context.Context, platform string, uids []string) (map[string]string, error) {
	if l.provider == nil {
		return nil, nil
	}
	return l.provider.PersonNames(ctx, platform, uids)
}

func runGateway(debug bool) error {
	level := "info"
	if debug {
		level = "debug"
	}
	if err := logger.Init(level); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configPath := getConfigPath()
	if strings.TrimSpace(cfg.Extractor.APIKey) == "" {
		return fmt.Errorf("extractor.api_key is required in %s or PERSONET_EXTRACTOR_API_KEY", configPath)
	}
	if strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		return fmt.Errorf("channels.discord.token is required in %s or PERSONET_CHANNELS_DISCORD_TOKEN", configPath)
	}

	client, err := extractor.NewClient(cfg.Extractor)
	if err != nil {
		return err
	}

	store, err := profile.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open profile store: %w", err)
	}

	names := &lazyNames{}
	svc, err := profile.NewService(cfg, store, client.Extract, names)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer svc.Close()

	manager, err := channels.NewManager(cfg, svc)
	if err != nil {
		return err
	}
	if discord, ok := manager.GetChannel("discord"); ok {
		if provider, ok := discord.(profile.NameProvider); ok {
			names.provider = provider
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		return err
	}

	fmt.Println("✓ Gateway started")
	fmt.Printf("✓ Analysis modules: %s\n", strings.Join(svc.Registry().ModuleNames(), ", "))
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	if err := manager.StopAll(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: stopping channels: %v\n", err)
	}
	fmt.Println("✓ Gateway stopped")
	return nil
}
