package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fedgate/pkg/auth"
	"fedgate/pkg/server"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var (
		listenAddr   string
		adminAddr    string
		generateKeys bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the federation endpoint",
		Long: `Serve /receive/<nickname> and /dfrn_confirm/<nickname> for every configured
local identity, plus /healthz, /metrics and cached avatars.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			if adminAddr != "" {
				cfg.Server.AdminAddr = adminAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := buildNode(ctx, cfg, generateKeys, logger)
			if err != nil {
				return err
			}
			defer n.Close()

			builder, err := auth.NewTLSConfigBuilder(cfg.Server.TLS)
			if err != nil {
				return err
			}
			tlsConfig, err := builder.BuildServerConfig()
			if err != nil {
				return err
			}

			srv := server.New(server.Config{
				ListenAddr:      cfg.Server.ListenAddr,
				AdminAddr:       cfg.Server.AdminAddr,
				MaxEnvelopeSize: cfg.Server.MaxEnvelopeSize.Bytes(),
				RateLimit:       cfg.Server.RateLimit,
				RateBurst:       cfg.Server.RateBurst,
				TLS:             tlsConfig,
				PublicSink:      cfg.PublicSinkIdentity(),
				Gatherer:        n.registry,
				ReleaseMode:     !verbose,
			}, n.receiver, n.engine, n.store, n.avatars, logger.Named("server"))

			n.notifier.Start(ctx)
			defer n.notifier.Stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(ctx)
			}()

			logger.Info("Starting fedgate",
				zap.String("base_url", cfg.Federation.BaseURL),
				zap.String("protocol", cfg.Federation.Protocol),
				zap.String("store", string(cfg.Store.Driver)),
				zap.Int("local_identities", len(n.locals)),
				zap.Strings("routes", n.router.Slots()))

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("Shutting down fedgate")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Error("Shutdown failed", zap.Error(err))
				return err
			}
			return <-errCh
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "override server.listen_addr")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "override server.admin_addr (gRPC health)")
	cmd.Flags().BoolVar(&generateKeys, "generate-keys", false, "create missing site keys")

	return cmd
}
