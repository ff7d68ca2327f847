package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"switchboard/internal/config"
	"switchboard/internal/gateway"
)

var version = "dev"

var (
	cfgFile string
	port    int
)

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Switchboard - multi-channel conversational gateway",
	Long: `Switchboard bridges chat channels (WebSocket, Telegram, WhatsApp) to a
streaming reply backend, handling identity, sessions, and delivery per
channel.`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "config file path")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "override the listen port")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenRootCmd())

	// Running without a subcommand starts the server
	rootCmd.RunE = serveCmd.RunE
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	g, err := gateway.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("[Main] Switchboard %s starting", version)
	return g.Start(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
