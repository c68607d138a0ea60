package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/r3fresh-alm/r3fresh/internal/config"
	almmcp "github.com/r3fresh-alm/r3fresh/internal/mcp"
)

var (
	mcpPolicy     string
	mcpPurpose    string
	mcpAgentID    string
	mcpMaxRetries int
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpPolicy, "policy", "", "Path to policy YAML (default ALM_POLICY_FILE, then ~/.alm/policy.yaml)")
	mcpCmd.Flags().StringVar(&mcpPurpose, "purpose", "mcp session", "Purpose recorded on the session's run.start")
	mcpCmd.Flags().StringVar(&mcpAgentID, "agent-id", "alm-mcp", "Agent id stamped on events (ALM_AGENT_ID overrides)")
	mcpCmd.Flags().IntVar(&mcpMaxRetries, "max-retries", 0, "Retries for retryable alm_http failures")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP tool server with lifecycle events",
	Long: "Runs an MCP (Model Context Protocol) server over stdio. The session is\n" +
		"one run; every tool call is checked against policy and recorded.\n" +
		"Exposes alm_check, alm_summary and alm_http. Delivery follows the ALM_*\n" +
		"environment; in stdout mode events are written to stderr.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	cfg.AgentID = mcpAgentID
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.Default()
	// stdout carries the MCP protocol.
	s, err := cfg.NewSink(os.Stderr, logger)
	if err != nil {
		return err
	}

	policyPath := mcpPolicy
	if policyPath == "" {
		policyPath = cfg.PolicyFile
	}
	srv, err := almmcp.New(almmcp.Config{
		AgentID:    cfg.AgentID,
		Env:        cfg.Env,
		Purpose:    mcpPurpose,
		PolicyPath: policyPath,
		Sink:       s,
		Logger:     logger,
		MaxRetries: mcpMaxRetries,

		RedactOptions: cfg.RedactOptions(),
	})
	if err != nil {
		_ = s.Close(context.Background())
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.ErrOrStderr(), "alm MCP server running on stdio (run %s)\n", srv.RunID())
	runErr := srv.Run(ctx)

	closeErr := srv.Close(context.WithoutCancel(ctx))
	out, _ := json.MarshalIndent(srv.Summary(), "", "  ")
	fmt.Fprintf(cmd.ErrOrStderr(), "\nRun summary:\n%s\n", out)

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return closeErr
}
