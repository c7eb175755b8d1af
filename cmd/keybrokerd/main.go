// Package main is the entry point for the keybrokerd binary, the reference
// privileged key-management service. It speaks the broker's stdio protocol
// on stdin/stdout; logs go to stderr so they never corrupt the wire.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cryosec/keybroker/internal/service"
	"github.com/cryosec/keybroker/pkg/logging"
	"github.com/cryosec/keybroker/pkg/protocol"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keybrokerd",
		Short: "Privileged key-management service",
		Long: `The privileged half of the key broker. It holds key material and
performs cryptographic operations on behalf of broker clients, which reach
it over newline-delimited JSON on stdin/stdout.

Normally spawned by the broker rather than run by hand.`,
		RunE:          runService,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("tier", string(protocol.TierComplete), "Capability tier to advertise (basic, standard, complete)")

	return rootCmd
}

func runService(cmd *cobra.Command, _ []string) error {
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	tierFlag, err := cmd.Flags().GetString("tier")
	if err != nil {
		return err
	}
	tier := protocol.Tier(tierFlag)
	if !tier.Valid() {
		return fmt.Errorf("unknown tier %q", tierFlag)
	}

	logger := logging.Setup(os.Stderr, logging.Options{Level: logLevel, Format: "text"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vault := service.NewVault(version, logger)
	server := service.NewStdioServer(service.NewDispatcher(vault, tier, version), logger)

	logger.Info("service started", "tier", tier, "version", version)
	return server.Serve(ctx, os.Stdin, os.Stdout)
}
