package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/r3fresh-alm/r3fresh/internal/server"
	"github.com/r3fresh-alm/r3fresh/internal/sink"
)

var (
	collectGRPC   string
	collectHTTP   string
	collectAPIKey string
	collectOut    string
)

func init() {
	rootCmd.AddCommand(collectCmd)
	collectCmd.Flags().StringVar(&collectGRPC, "grpc", ":50051", "gRPC listen address (empty to disable)")
	collectCmd.Flags().StringVar(&collectHTTP, "http", ":8080", "HTTP listen address (empty to disable)")
	collectCmd.Flags().StringVar(&collectAPIKey, "api-key", os.Getenv("ALM_API_KEY"), "Bearer key clients must present")
	collectCmd.Flags().StringVarP(&collectOut, "out", "o", "-", "Append received events as JSONL to this file, - for stdout")
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run an event collector",
	Long: "Accepts event batches over gRPC and HTTP (POST /v1/events) and writes\n" +
		"them as JSONL. The output can be checked with almctl verify.",
	RunE: runCollect,
}

func runCollect(cmd *cobra.Command, args []string) error {
	if collectGRPC == "" && collectHTTP == "" {
		return fmt.Errorf("at least one of --grpc or --http is required")
	}

	w := cmd.OutOrStdout()
	if collectOut != "-" {
		f, err := os.OpenFile(collectOut, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open output: %w", err)
		}
		defer f.Close()
		w = f
	}

	logger := slog.Default()
	srv := server.New(server.Config{
		APIKey: collectAPIKey,
		Sink:   sink.NewLineSink(w, logger),
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	if collectGRPC != "" {
		go func() { errCh <- srv.ListenGRPC(collectGRPC) }()
		fmt.Fprintf(cmd.ErrOrStderr(), "alm collector: gRPC on %s\n", collectGRPC)
	}
	if collectHTTP != "" {
		go func() { errCh <- srv.ListenHTTP(collectHTTP) }()
		fmt.Fprintf(cmd.ErrOrStderr(), "alm collector: HTTP on %s\n", collectHTTP)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.ErrOrStderr(), "\nShutting down collector...")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.GracefulStop(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "received %d events in %d batches\n", srv.Received(), srv.Batches())
	return serveErr
}
