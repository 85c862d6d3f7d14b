package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/engram/internal/log"
	"github.com/lazypower/engram/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled sweeps and the admin API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := log.FromCtx(ctx)

	eng, reg, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.DB.Close()

	eng.Start(log.WithComponent(ctx, "archiver"))
	defer eng.Stop()

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(eng, reg, VersionString()),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return log.WithComponent(ctx, "server") },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("db", eng.DB.Path).Msg("engram serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
