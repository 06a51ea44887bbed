package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tabtree"
	"pkt.systems/tabtree/httpapi"
	"pkt.systems/tabtree/internal/appconfig"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var sourceKind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Track browser windows and serve the tab tree over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if sourceKind != "" {
				cfg.Source.Kind = sourceKind
			}
			logger.Info("tab source selected", "kind", cfg.Source.Kind, "cdp_url", cfg.Source.CDPURL, "headless", cfg.Source.Headless)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			src, closeSource, err := openSource(ctx, cfg.Source, logger)
			if err != nil {
				return err
			}
			defer closeSource()

			server, err := tabtree.New(tabtree.ServerConfig{
				Service: cfg.ServiceConfig(),
				HTTP:    toHTTPConfig(cfg.HTTP),
			}, tabtree.ServerDeps{
				Source:        src,
				Windows:       src,
				Notifications: src,
				Logger:        logger,
			}, tabtree.WithHTTP())
			if err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override the HTTP listen address")
	cmd.Flags().StringVar(&sourceKind, "source", "", "override the tab source (memory or cdp)")
	return cmd
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:          cfg.Addr,
		StreamHistory: cfg.StreamHistory,
	}
}
