package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"pdfqueue/api"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const httpShutdownTimeout = 5 * time.Second

var noWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and, unless --no-worker, the worker pool)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noWorker, "no-worker", false, "only enqueue tasks; leave processing to `pdfqueue worker` (asynq queue only)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, !noWorker)
	if err != nil {
		return err
	}
	defer a.shutdown()

	if err := a.queue.Start(ctx); err != nil {
		return err
	}
	if err := a.manager.Recover(ctx); err != nil {
		a.logger.Error("startup recovery failed", "error", err)
	}
	a.manager.Start(ctx)

	gin.SetMode(a.cfg.GinMode)
	srv := &http.Server{
		Addr:    ":" + a.cfg.Port,
		Handler: api.SetupRouter(a.manager, a.cfg, a.logger),
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "port", a.cfg.Port, "mode", a.cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal or a listener failure.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	a.logger.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server forced to shutdown", "error", err)
	}

	a.logger.Info("server exiting")
	return nil
}
