package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryosec/keybroker/internal/service"
	"github.com/cryosec/keybroker/pkg/authz"
	"github.com/cryosec/keybroker/pkg/broker"
	"github.com/cryosec/keybroker/pkg/channel"
	"github.com/cryosec/keybroker/pkg/config"
	"github.com/cryosec/keybroker/pkg/logging"
	"github.com/cryosec/keybroker/pkg/protocol"
	"github.com/cryosec/keybroker/pkg/secure"
	"github.com/cryosec/keybroker/pkg/security"
	"github.com/cryosec/keybroker/pkg/telemetry"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keybroker",
		Short: "Broker CLI for the privileged key-management service",
		Long: `keybroker mediates access to a privileged key-management service running
in a separate process. Connections are established on demand and torn down
cleanly; every subcommand performs one brokered operation.

Example:
  keybroker --config /etc/keybroker.yaml ping
  keybroker random 32
  keybroker keygen --algorithm AES-GCM --bits 256`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("loopback", false, "Use an in-process service instead of spawning one")

	rootCmd.AddCommand(
		newPingCmd(),
		newStatusCmd(),
		newRandomCmd(),
		newEncryptCmd(),
		newDecryptCmd(),
		newKeygenCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

// app carries everything a subcommand needs after bootstrap.
type app struct {
	cfg      *config.Config
	broker   *broker.Broker
	shutdown []func()
}

func (a *app) close() {
	a.broker.Disconnect()
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		a.shutdown[i]()
	}
}

// newApp loads configuration, sets up logging and telemetry, and builds the
// broker over the configured channel.
func newApp(cmd *cobra.Command) (*app, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	loopback, err := cmd.Flags().GetBool("loopback")
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger := logging.Setup(os.Stderr, logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	a := &app{cfg: cfg}

	ctx := cmd.Context()
	if cfg.Telemetry.Endpoint != "" {
		stop, err := telemetry.SetupProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     cfg.Telemetry.Headers,
		})
		if err != nil {
			return nil, err
		}
		a.shutdown = append(a.shutdown, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = stop(shutdownCtx)
		})
	}

	metrics := telemetry.NewBrokerMetrics()
	if cfg.Metrics.Enabled {
		srv := telemetry.NewMetricsServer(metrics, cfg.Metrics.Port, cfg.Metrics.Path, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		a.shutdown = append(a.shutdown, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	var gate broker.Authorizer
	if cfg.Authz.PolicyPath != "" {
		az, err := authz.LoadFile(ctx, cfg.Authz.PolicyPath, logger)
		if err != nil {
			return nil, err
		}
		gate = az
	}

	var ch channel.Channel
	if loopback {
		ch = service.NewDispatcher(service.NewVault(version, logger), protocol.TierComplete, version).Loopback()
	} else {
		if len(cfg.Service.Command) == 0 {
			return nil, fmt.Errorf("no service command configured; set service.command or use --loopback")
		}
		ch = channel.NewStdio(channel.StdioConfig{
			Command:     cfg.Service.Command,
			Env:         cfg.Service.Env,
			WorkDir:     cfg.Service.WorkDir,
			StopTimeout: cfg.Service.StopTimeout,
		}, logger)
	}

	a.broker = broker.New(ch, broker.Options{
		Logger:      logger,
		Observer:    metrics,
		Authorizer:  gate,
		RequireTier: protocol.Tier(cfg.Service.RequireTier),
	})
	return a, nil
}

// withProxy runs fn against a freshly acquired proxy and tears the broker
// down afterwards.
func withProxy(cmd *cobra.Command, fn func(ctx context.Context, p *broker.Proxy) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	var cancel context.CancelFunc
	if a.cfg.Service.ConnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Service.ConnectTimeout)
		defer cancel()
	}

	p, err := a.broker.AcquireProxy(ctx)
	if err != nil {
		return err
	}

	callCtx := cmd.Context()
	if a.cfg.Service.CallTimeout > 0 {
		var callCancel context.CancelFunc
		callCtx, callCancel = context.WithTimeout(callCtx, a.cfg.Service.CallTimeout)
		defer callCancel()
	}
	return fn(callCtx, p)
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the service is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProxy(cmd, func(ctx context.Context, p *broker.Proxy) error {
				start := time.Now()
				if err := p.Ping(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK tier=%s rtt=%s\n", p.Tier(), time.Since(start).Round(time.Microsecond))
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProxy(cmd, func(ctx context.Context, p *broker.Proxy) error {
				status, err := p.Status(ctx)
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(status))
				for k := range status {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, status[k])
				}
				return nil
			})
		},
	}
}

func newRandomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "random <bytes>",
		Short: "Generate cryptographically random data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var length int
			if _, err := fmt.Sscanf(args[0], "%d", &length); err != nil {
				return fmt.Errorf("invalid length %q", args[0])
			}
			return withProxy(cmd, func(ctx context.Context, p *broker.Proxy) error {
				data, err := p.GenerateRandomData(ctx, length)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%x\n", data.Bytes())
				return nil
			})
		},
	}
	return cmd
}

func newEncryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt <plaintext>",
		Short: "Encrypt data with a held key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, _ := cmd.Flags().GetString("key")
			return withProxy(cmd, func(ctx context.Context, p *broker.Proxy) error {
				out, err := p.Encrypt(ctx, secure.New([]byte(args[0])), keyID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%x\n", out.Bytes())
				return nil
			})
		},
	}
	cmd.Flags().StringP("key", "k", "", "Key identifier (empty = default key)")
	return cmd
}

func newDecryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decrypt <ciphertext-hex>",
		Short: "Decrypt data with a held key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, _ := cmd.Flags().GetString("key")
			var raw []byte
			if _, err := fmt.Sscanf(args[0], "%x", &raw); err != nil {
				return fmt.Errorf("invalid hex ciphertext")
			}
			return withProxy(cmd, func(ctx context.Context, p *broker.Proxy) error {
				out, err := p.Decrypt(ctx, secure.New(raw), keyID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out.Bytes())
				return nil
			})
		},
	}
	cmd.Flags().StringP("key", "k", "", "Key identifier (empty = default key)")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key in the service's vault",
		RunE: func(cmd *cobra.Command, _ []string) error {
			algorithm, _ := cmd.Flags().GetString("algorithm")
			bits, _ := cmd.Flags().GetInt("bits")
			keyID, _ := cmd.Flags().GetString("key")

			var options map[string]string
			if keyID != "" {
				options = map[string]string{"keyIdentifier": keyID}
			}
			dto := security.NewConfigDTO(algorithm, bits, options)
			if err := dto.Validate(); err != nil {
				return err
			}

			return withProxy(cmd, func(ctx context.Context, p *broker.Proxy) error {
				key, err := p.GenerateKey(ctx, dto)
				if err != nil {
					return err
				}
				out := map[string]any{
					"algorithm": algorithm,
					"bits":      bits,
					"bytes":     key.Len(),
				}
				if keyID != "" {
					out["key_id"] = keyID
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
			})
		},
	}
	cmd.Flags().String("algorithm", "AES-GCM", "Key algorithm")
	cmd.Flags().Int("bits", 256, "Key size in bits")
	cmd.Flags().StringP("key", "k", "", "Key identifier to store under")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show broker and service versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "keybroker %s\n", version)
			return withProxy(cmd, func(ctx context.Context, p *broker.Proxy) error {
				remote, err := p.ServiceVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "service %s (tier %s)\n", remote, p.Tier())
				return nil
			})
		},
	}
}
