package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentsystems/control-plane-gateway/pkg/config"
	"github.com/agentsystems/control-plane-gateway/pkg/gateway"
	"github.com/agentsystems/control-plane-gateway/pkg/log"
	"github.com/agentsystems/control-plane-gateway/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "gateway",
	Short:   "Agent Control Plane gateway",
	Long:    `gateway exposes agent containers to callers over HTTP, forwarding invocations, enforcing egress allowlists, and reaping idle containers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("gateway version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		metrics.SetVersion(Version)

		env := config.LoadEnv()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		state, err := gateway.Build(ctx, env)
		if err != nil {
			return fmt.Errorf("failed to initialize gateway: %w", err)
		}
		defer state.Close()

		errCh := make(chan error, 1)
		go func() { errCh <- state.Run(ctx) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutdown signal received")
			cancel()
			<-errCh
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("gateway exited: %w", err)
			}
		}

		log.Info("gateway shutdown complete")
		return nil
	},
}
