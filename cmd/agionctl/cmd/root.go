// Package cmd provides the CLI commands for agionctl.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	agion "github.com/agion-ai/agion-sdk-go"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agionctl",
	Short: "Agion governance SDK command line",
	Long: `agionctl exercises the Agion governance SDK from the command line:
evaluate actions against the synced policy set, publish events to the
log substrate, and inspect the policies a given agent would load.

Configuration:
  Config is loaded from agionctl.yaml in the current directory,
  $HOME/.agion/, or /etc/agion/.

  Environment variables with the AGION_ prefix override config values.
  Example: AGION_GATEWAY_URL=https://governance.internal`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agionctl.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("agionctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home != "" {
			viper.AddConfigPath(filepath.Join(home, ".agion"))
		}
		viper.AddConfigPath("/etc/agion")
	}

	viper.SetEnvPrefix("AGION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Running without a config file is fine; flags and env cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
			os.Exit(1)
		}
	}
}

// clientConfig assembles the SDK configuration from viper keys.
func clientConfig() agion.Config {
	return agion.Config{
		AgentID:      viper.GetString("agent_id"),
		AgentVersion: viper.GetString("agent_version"),
		GatewayURL:   viper.GetString("gateway_url"),
		APIKey:       viper.GetString("api_key"),
		RedisURL:     viper.GetString("redis_url"),
		SyncInterval: viper.GetDuration("sync_interval"),
		RPCTimeout:   viper.GetDuration("rpc_timeout"),
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withClient builds and starts an SDK client, runs fn, and closes the
// client with a bounded shutdown window.
func withClient(cmd *cobra.Command, fn func(c *agion.Client) error) error {
	client, err := agion.New(clientConfig(), agion.WithLogger(newLogger()))
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()
	return fn(client)
}
