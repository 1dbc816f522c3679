package cli

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/recall/pkg/worker"
)

var workerIdleSeconds int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the embedding worker",
	Long: `Serve embedding requests over the unix socket so concurrent recall
processes share one rate-limited provider connection. The worker exits
on its own after an idle period. Starting a second worker while one is
live is a no-op.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerIdleSeconds, "idle-timeout", 0, "seconds without connections before exiting (default from config)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	app, err := newApp(true)
	if err != nil {
		return err
	}
	defer app.Close()

	embedder := app.directEmbedder()
	if embedder == nil {
		return fmt.Errorf("no embedding provider configured")
	}

	idleSeconds := workerIdleSeconds
	if idleSeconds == 0 {
		idleSeconds = app.cfg.Worker.IdleTimeoutSeconds
	}

	srv, err := worker.NewServer(worker.ServerConfig{
		SocketPath:  app.cfg.WorkerSocket(),
		Embedder:    embedder,
		Limiter:     app.limiter(),
		Logger:      app.logger(),
		IdleTimeout: time.Duration(idleSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.Run(ctx)
	if errors.Is(err, worker.ErrAlreadyRunning) {
		fmt.Println("Worker already running.")
		return nil
	}
	return err
}
