// Command oauth-core serves the token and introspection endpoints of an
// OAuth 2.0 authorization server backed by memory, Valkey or SQL storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

type rootOptions struct {
	viper      *viper.Viper
	configPath string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{viper: newViper()}

	cmd := &cobra.Command{
		Use:           "oauth-core",
		Short:         "OAuth 2.0 token and introspection server",
		SilenceErrors: true,
	}

	persistent := cmd.PersistentFlags()
	persistent.StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file")
	persistent.String("log-level", "info", "log level (debug, info, warn, error)")
	persistent.String("log-format", "text", "log format (text, json)")

	cmd.AddCommand(
		newServeCommand(opts),
		newKeygenCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the oauth-core version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "oauth-core %s\n", version)
			return err
		},
	}
}
