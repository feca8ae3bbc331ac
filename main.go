package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"peerlink/commands"
	"peerlink/config"

	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"
)

var (
	configFile string
	logLevel   string
	exitCode   int
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig() *config.Config {
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func newInitCmd(ctx context.Context) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Run: func(cmd *cobra.Command, args []string) {
			checkConfig(configFile)
			cfg := config.NewEmptyConfig(configFile)
			if err := commands.RunInit(ctx, cfg, force); err != nil {
				log.Fatalf("Init failed: %v", err)
			}
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func newRegistryCmd(ctx context.Context) *cobra.Command {
	var listen, store string

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Serve the rendezvous registry over HTTP",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if cmd.Flags().Changed("listen") {
				cfg.Registry.Listen = listen
			}
			if cmd.Flags().Changed("store") {
				cfg.Registry.Store = store
			}
			if err := cfg.Validate(); err != nil {
				log.Fatalf("Invalid configuration: %v", err)
			}

			if err := commands.RunRegistry(ctx, cfg); err != nil {
				log.Fatalf("Registry failed: %v", err)
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":5000", "Address to serve the registry on")
	cmd.Flags().StringVar(&store, "store", config.StoreRedis, "Registry store: memory, leveldb or redis")

	return cmd
}

func newPeerCmd(ctx context.Context) *cobra.Command {
	var (
		server, username string
		port             int
		auto             bool
	)

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run an interactive peer",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if cmd.Flags().Changed("server") {
				cfg.Peer.Server = server
			}
			if cmd.Flags().Changed("username") {
				cfg.Peer.Username = username
			}
			if cmd.Flags().Changed("port") {
				cfg.Peer.Port = port
			}
			if err := cfg.Validate(); err != nil {
				log.Fatalf("Invalid configuration: %v", err)
			}

			exitCode = commands.RunPeer(ctx, cfg, auto, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Registry address (default from STUN_SERVER or config)")
	cmd.Flags().StringVar(&username, "username", "", "Username for registration")
	cmd.Flags().IntVar(&port, "port", 5001, "Port for direct sessions")
	cmd.Flags().BoolVar(&auto, "auto", false, "Register on start, exit with 1 if that fails")

	return cmd
}

func newInfoCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the records held by the registry store",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if err := commands.RunInfo(ctx, cfg, os.Stdout); err != nil {
				log.Fatalf("Info failed: %v", err)
			}
		},
	}
}

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:           "peerlink",
		Short:         "Rendezvous registry and direct peer-to-peer sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setLogLevel(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	root.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level")

	root.AddCommand(newInitCmd(ctx), newRegistryCmd(ctx), newPeerCmd(ctx), newInfoCmd(ctx))

	if err := root.Execute(); err != nil {
		log.Fatalf("%v", err)
	}

	cancel()
	os.Exit(exitCode)
}
