package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/exchange/internal/config"
	"github.com/danmuck/exchange/internal/controller"
	"github.com/danmuck/exchange/internal/entropy"
	"github.com/danmuck/exchange/internal/frontend"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func nodeCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a front-end node",
		RunE: func(cmd *cobra.Command, args []string) error {
			fileCfg, err := config.LoadNodeConfig(path)
			if err != nil {
				return err
			}
			svcCfg, err := fileCfg.ServiceConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, closeStore, err := fileCfg.Store.Open(ctx)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := closeStore(closeCtx); err != nil {
					log.Warn().Err(err).Msg("exchangectl node close store")
				}
			}()

			svc, err := frontend.NewService(svcCfg, st, entropy.NewCrypto(entropy.DefaultSize))
			if err != nil {
				return err
			}
			log.Info().
				Str("node_id", svcCfg.NodeID).
				Str("segment", svcCfg.Segment).
				Str("store", fileCfg.Store.Driver).
				Msg("exchangectl node starting")
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "node.toml", "node config file")
	return cmd
}

func controllerCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the partition controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			fileCfg, err := config.LoadControllerConfig(path)
			if err != nil {
				return err
			}
			svcCfg, err := fileCfg.ServiceConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().Str("controller_id", svcCfg.ControllerID).Msg("exchangectl controller starting")
			return controller.NewService(svcCfg).Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "controller.toml", "controller config file")
	return cmd
}
