package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/r3fresh-alm/r3fresh/internal/audit"
)

var verifySummaries bool

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifySummaries, "summaries", false, "Also check each run.end summary against the run's events")
}

var verifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify an event stream",
	Long: "Walks a JSONL event stream and checks the envelope of every event and\n" +
		"the ordering rules of every run: run.start first, nothing after run.end,\n" +
		"tool.request before policy.decision before tool.response.\n" +
		"Use - to read standard input. Exits 0 if valid, 1 otherwise.",
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	data, err := readStream(cmd, args[0])
	if err != nil {
		return err
	}

	result := audit.VerifyReader(bytes.NewReader(data))
	if !result.Valid {
		if result.ErrorLine > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "FAILED: %s\n", result.Error)
		}
		return fmt.Errorf("stream is invalid")
	}

	if verifySummaries {
		if err := verifyRunSummaries(cmd, data); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d events verified across %d runs\n", result.Lines, result.Runs)
	return nil
}

func verifyRunSummaries(cmd *cobra.Command, data []byte) error {
	ids, err := audit.RunIDs(bytes.NewReader(data))
	if err != nil {
		return err
	}
	failed := 0
	for _, id := range ids {
		replay, err := audit.ReplayReader(bytes.NewReader(data), audit.ReplayFilter{RunID: id})
		if err != nil {
			return err
		}
		for _, m := range replay.Summary.Mismatches() {
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s: %s\n", id, m)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d summary mismatches", failed)
	}
	return nil
}

// readStream reads path, or standard input when path is "-".
func readStream(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	return data, nil
}
