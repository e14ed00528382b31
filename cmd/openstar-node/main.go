package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nmxmxh/openstar/internal/identity"
	"github.com/nmxmxh/openstar/internal/node"
	"github.com/nmxmxh/openstar/kernel/utils"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "openstar-node",
		Short:         "Run OpenStar oracles over a peer-to-peer mesh",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (json, yaml or toml)")
	flags.String("identity", "", "path of the identity key file")
	flags.String("relay", "", "rendezvous relay url")
	flags.StringSlice("oracles", nil, "oracles to run (coin, blockchain)")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")

	_ = v.BindPFlag("identity_path", flags.Lookup("identity"))
	_ = v.BindPFlag("transport.relay_url", flags.Lookup("relay"))
	_ = v.BindPFlag("oracles", flags.Lookup("oracles"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	v.SetEnvPrefix("OPENSTAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		&cobra.Command{
			Use:   "identity",
			Short: "Print the node address, creating the key file if needed",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(v, cfgFile)
				if err != nil {
					return err
				}
				id, created, err := identity.LoadOrCreate(cfg.IdentityPath)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintln(cmd.ErrOrStderr(), "created", cfg.IdentityPath)
				}
				fmt.Fprintln(cmd.OutOrStdout(), id.Address())
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "openstar-node", Version)
			},
		},
	)
	return root
}

func loadConfig(v *viper.Viper, cfgFile string) (node.Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return node.Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	var cfg node.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return node.Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return node.WithDefaults(cfg)
}

func run(ctx context.Context, cfg node.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := utils.NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	id, created, err := identity.LoadOrCreate(cfg.IdentityPath)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	if created {
		logger.Info("created identity", "path", cfg.IdentityPath)
	}

	n, err := node.New(cfg, id, logger)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			err := n.Stop(context.Background())
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("shutdown did not finish in time")
			}
			return err
		case <-ticker.C:
			reports, err := n.Reports(ctx)
			if err != nil {
				continue
			}
			for _, r := range reports {
				logger.Info("status",
					"oracle", r.Oracle,
					"epoch", r.Epoch,
					"peers", r.Peers,
					"connected", r.Transport.Connected,
					"mempool", r.Mempool,
					"fingerprint", r.Fingerprint[:min(16, len(r.Fingerprint))],
				)
			}
		}
	}
}
