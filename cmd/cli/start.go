package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/initialization"
	"github.com/toolgate/toolgate/internal/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func NewStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway service",
		Long:  `Start the Toolgate gateway: the MCP endpoint, the credential watcher and the session manager.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}

			return runServer()
		},
	}

	return cmd
}

func runServer() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	container, err := initialization.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer container.Shutdown()

	if err := container.Start(ctx); err != nil {
		return err
	}

	app := server.NewHTTPServer(server.HTTPServerDependencies{
		InstanceController: container.Controller,
		CredentialResolver: container.Resolver,
		OwnerTokenParser:   container.OwnerTokens,
		MetricsRegistry:    container.Metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.HTTPAddress).Msg("Starting HTTP server")
		errCh <- app.Listen(cfg.HTTPAddress)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down HTTP server cleanly")
	}

	return nil
}
