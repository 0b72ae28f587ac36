package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"pdfqueue/config"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the worker pool (requires QUEUE_DRIVER=asynq)",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.shutdown()

	if a.cfg.QueueDriver != config.QueueAsynq {
		return fmt.Errorf("worker needs QUEUE_DRIVER=%s; the %s queue runs inside `pdfqueue serve`",
			config.QueueAsynq, a.cfg.QueueDriver)
	}

	if err := a.queue.Start(ctx); err != nil {
		return err
	}
	a.manager.Start(ctx)

	<-ctx.Done()
	stop()
	a.logger.Info("worker shutting down")
	return nil
}
