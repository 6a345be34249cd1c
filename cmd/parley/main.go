package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parley"
	"github.com/outofforest/parley/id"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx = logger.WithLogger(ctx, logger.New(logger.DefaultConfig))

	if err := rootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Get(ctx).Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "parley",
		Short:        "Runs endpoint offering and consuming remote command and notification sets",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML configuration file")
	cmd.AddCommand(runCmd(&configPath), configCmd(&configPath))
	return cmd
}

func runCmd(configPath *string) *cobra.Command {
	var peers []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Signs the node in and keeps it running until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			for _, p := range peers {
				peer, err := parsePeer(p)
				if err != nil {
					return err
				}
				config.Peers = append(config.Peers, peer)
			}

			node, err := parley.NewNode(parley.NodeConfig{Config: config})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			log := logger.Get(ctx)
			node.CommandHub().OnEndpointSignedIn(func(ctx context.Context, endpoint id.EndpointID) {
				log.Info("Commands of endpoint available", zap.Stringer("endpoint", endpoint))
			})
			node.NotificationHub().OnEndpointSignedIn(func(ctx context.Context, endpoint id.EndpointID) {
				log.Info("Notifications of endpoint available", zap.Stringer("endpoint", endpoint))
			})

			log.Info("Starting node", zap.Stringer("endpoint", node.Endpoint()))
			return node.Run(ctx)
		},
	}
	cmd.Flags().StringArrayVar(&peers, "peer", nil, "known peer in form endpoint@address, repeatable")
	return cmd
}

func configCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Prints effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			data, err := config.Encode()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return errors.WithStack(err)
		},
	}
}

func loadConfig(path string) (parley.Config, error) {
	if path == "" {
		return parley.DefaultConfig(), nil
	}
	return parley.LoadConfig(path)
}

func parsePeer(s string) (parley.PeerConfig, error) {
	pos := strings.LastIndex(s, "@")
	if pos <= 0 || pos == len(s)-1 {
		return parley.PeerConfig{}, errors.Errorf("invalid peer %q, endpoint@address expected", s)
	}
	return parley.PeerConfig{
		Endpoint: s[:pos],
		Address:  s[pos+1:],
	}, nil
}
