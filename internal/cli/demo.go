package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/r3fresh-alm/r3fresh/internal/audit"
	"github.com/r3fresh-alm/r3fresh/sdk/go/alm"
)

func init() {
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted support agent and print its events",
	Long: "Runs one instrumented agent run: a knowledge-base search, a denied\n" +
		"delete_records call, an inventory lookup that recovers after a retry\n" +
		"and a handoff to billing. Events go to stdout as JSONL, narration to\n" +
		"stderr. Exits 1 if the delete is not blocked or the stream is invalid.",
	RunE: runDemo,
}

func runDemo(cmd *cobra.Command, args []string) error {
	var buf bytes.Buffer
	narrate := cmd.ErrOrStderr()

	client, err := alm.New("support-bot",
		alm.WithEnv("demo"),
		alm.WithAgentVersion(version),
		alm.WithWriter(io.MultiWriter(cmd.OutOrStdout(), &buf)),
		alm.WithPolicy(alm.Policy{
			DeniedTools:        []string{"delete_records"},
			DefaultAllow:       true,
			MaxToolCallsPerRun: alm.Limit(10),
		}),
		alm.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}

	search := client.Tool("search_kb", func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"article": "KB-1042", "title": "Refund windows"}, nil
	})
	deleteRecords := client.Tool("delete_records", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("delete_records must never run in the demo")
	})
	lookups := 0
	inventory := client.Tool("fetch_inventory", func(ctx context.Context, args map[string]any) (any, error) {
		lookups++
		if lookups == 1 {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		}
		return map[string]any{"sku": args["sku"], "in_stock": 3}, nil
	}, alm.WithMaxRetries(2))

	deleteBlocked := false
	var summary alm.Summary
	err = client.Run(cmd.Context(), "resolve ticket 4711", func(ctx context.Context, run *alm.Run) error {
		fmt.Fprintf(narrate, "run %s\n", run.ID())

		err := client.Task(ctx, "research", "find refund policy", func(ctx context.Context) error {
			_, err := search.Invoke(ctx, map[string]any{"query": "refund window", "api_key": "sk-demo"})
			report(narrate, "search_kb", err)
			return err
		})
		if err != nil {
			return err
		}

		_, err = deleteRecords.Invoke(ctx, map[string]any{"customer": "c-88"})
		report(narrate, "delete_records", err)
		deleteBlocked = errors.Is(err, alm.ErrPermission)

		if err := client.Task(ctx, "fulfillment", "check replacement stock", func(ctx context.Context) error {
			_, err := inventory.Invoke(ctx, map[string]any{"sku": "WIDGET-9"})
			report(narrate, "fetch_inventory", err)
			return err
		}); err != nil {
			return err
		}

		if err := run.Handoff("billing-bot", "refund needs approval", map[string]any{"ticket": 4711}); err != nil {
			return err
		}
		fmt.Fprintln(narrate, "  -> handed off to billing-bot")
		return nil
	})
	closeErr := client.Close(context.WithoutCancel(cmd.Context()))
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	result := audit.VerifyReader(bytes.NewReader(buf.Bytes()))
	ids, _ := audit.RunIDs(bytes.NewReader(buf.Bytes()))
	if len(ids) == 1 {
		if replay, err := audit.ReplayReader(bytes.NewReader(buf.Bytes()), audit.ReplayFilter{RunID: ids[0]}); err == nil && replay.Summary.Reported != nil {
			summary = *replay.Summary.Reported
		}
	}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Fprintf(narrate, "\nRun summary:\n%s\n\n", out)

	switch {
	case !deleteBlocked:
		fmt.Fprintln(narrate, "FAIL: delete_records was not blocked.")
		return fmt.Errorf("demo failed")
	case !result.Valid:
		fmt.Fprintf(narrate, "FAIL: event stream invalid at line %d: %s\n", result.ErrorLine, result.Error)
		return fmt.Errorf("demo failed")
	}
	fmt.Fprintf(narrate, "PASS: delete_records blocked, %d events verified.\n", result.Lines)
	return nil
}

func report(w io.Writer, tool string, err error) {
	var denied *alm.DeniedError
	switch {
	case err == nil:
		fmt.Fprintf(w, "  ✓ %s allowed\n", tool)
	case errors.As(err, &denied):
		fmt.Fprintf(w, "  ✗ %s BLOCKED (%s)\n", tool, denied.Reason)
	default:
		fmt.Fprintf(w, "  ! %s failed: %v\n", tool, err)
	}
}
