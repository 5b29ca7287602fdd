package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"cosmossdk.io/log"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gridmint/gridmint/crypto"
	"github.com/gridmint/gridmint/node"
)

const envPrefix = "GRIDMINT"

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gridmintd",
		Short: "gridmint validator node daemon",
	}
	cmd.AddCommand(startCmd(), initCmd(), keysCmd())
	return cmd
}

// bindFlags wires flags to viper so every option also works as a config
// file entry or a GRIDMINT_* environment variable.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v.BindPFlags(cmd.Flags())
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the validator node",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := bindFlags(cmd, v); err != nil {
				return err
			}

			home := cast.ToString(v.Get("home"))
			if cfgFile := filepath.Join(home, "config.toml"); fileExists(cfgFile) {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config file: %w", err)
				}
			}

			cfg := node.DefaultConfig()
			cfg.KeySeed = cast.ToString(v.Get("seed"))
			cfg.ListenAddr = cast.ToString(v.Get("listen"))
			cfg.Peers = cast.ToStringSlice(v.Get("peers"))
			cfg.DataDir = filepath.Join(home, "data")
			cfg.GenesisFile = filepath.Join(home, "genesis.json")
			cfg.RoundTimeout = cast.ToDuration(v.Get("round-timeout"))
			cfg.MaxBlockTxs = cast.ToInt(v.Get("max-block-txs"))
			cfg.AllowEmptyBlocks = cast.ToBool(v.Get("empty-blocks"))
			cfg.MetricsEnabled = cast.ToBool(v.Get("metrics"))
			cfg.MetricsAddr = cast.ToString(v.Get("metrics-addr"))
			cfg.LogLevel = cast.ToString(v.Get("log-level"))

			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}

			n, err := node.NewNode(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := n.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return n.Stop()
		},
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("seed", "", "key seed for this validator's identity")
	cmd.Flags().String("listen", "0.0.0.0:26656", "gossip listen address")
	cmd.Flags().StringSlice("peers", nil, "peer list, nodeID@host:port entries")
	cmd.Flags().Duration("round-timeout", node.DefaultConfig().RoundTimeout, "consensus round timeout")
	cmd.Flags().Int("max-block-txs", node.DefaultConfig().MaxBlockTxs, "max transactions per block")
	cmd.Flags().Bool("empty-blocks", false, "propose blocks with no transactions")
	cmd.Flags().Bool("metrics", true, "enable the metrics/status HTTP server")
	cmd.Flags().String("metrics-addr", "0.0.0.0:26660", "metrics HTTP address")
	cmd.Flags().String("log-level", "info", "log level (debug|info|warn|error)")
	return cmd
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [chain-id]",
		Short: "Write a single-validator genesis file for this node's key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := bindFlags(cmd, v); err != nil {
				return err
			}
			seed := cast.ToString(v.Get("seed"))
			if seed == "" {
				return fmt.Errorf("--seed is required")
			}
			home := cast.ToString(v.Get("home"))
			if err := os.MkdirAll(home, 0o755); err != nil {
				return err
			}

			kp := crypto.KeyPairFromSeed([]byte(seed))
			genesis := &node.Genesis{
				ChainID:     args[0],
				EpochLength: cast.ToUint64(v.Get("epoch-length")),
				Validators: []node.GenesisValidator{{
					ID:     crypto.NodeID(kp.PublicKeyBytes()),
					PubKey: hex.EncodeToString(kp.PublicKeyBytes()),
					Stake:  cast.ToString(v.Get("stake")),
					Role:   "authority",
				}},
			}
			path := filepath.Join(home, "genesis.json")
			if fileExists(path) {
				return fmt.Errorf("genesis file already exists at %s", path)
			}
			if err := node.SaveGenesis(path, genesis); err != nil {
				return err
			}
			fmt.Printf("wrote %s (validator %s)\n", path, genesis.Validators[0].ID)
			return nil
		},
	}
	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("seed", "", "key seed for this validator's identity")
	cmd.Flags().Uint64("epoch-length", 100, "blocks per validator epoch")
	cmd.Flags().String("stake", "1", "genesis stake weight for this validator")
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Show the validator identity derived from a key seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := bindFlags(cmd, v); err != nil {
				return err
			}
			seed := cast.ToString(v.Get("seed"))
			if seed == "" {
				return fmt.Errorf("--seed is required")
			}
			kp := crypto.KeyPairFromSeed([]byte(seed))
			fmt.Printf("node id:    %s\n", crypto.NodeID(kp.PublicKeyBytes()))
			fmt.Printf("public key: %s\n", hex.EncodeToString(kp.PublicKeyBytes()))
			return nil
		},
	}
	cmd.Flags().String("seed", "", "key seed for this validator's identity")
	return cmd
}

func newLogger(level string) (log.Logger, error) {
	filter, err := log.ParseLogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	return log.NewLogger(os.Stderr, log.FilterOption(filter)), nil
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gridmint"
	}
	return filepath.Join(home, ".gridmint")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
