// Package cli implements the afkd command line.
package cli

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coinhost/afkd/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "afkd",
	Short: "AFK coin-earning service",
	Long: `afkd runs AFK earning sessions and the coin ledger behind them.
Clients start a session, send periodic heartbeats and stop; the server
credits coins for the time between heartbeats, capped per heartbeat and
per day. Every balance change goes through the append-only ledger.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", daemon.DefaultConfigPath(), "Path to config.toml")
	// glog registers -v, -logtostderr and friends on the standard flag set.
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads the config named by --config.
func loadConfig() (daemon.Config, error) {
	return daemon.LoadConfig(configPath)
}

// openDaemon loads config and wires the services for one command.
func openDaemon(cmd *cobra.Command) (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.New(cmd.Context(), cfg)
}
