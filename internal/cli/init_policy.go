package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/r3fresh-alm/r3fresh/internal/policy"
)

var (
	initPolicyPath  string
	initPolicyForce bool
)

func init() {
	rootCmd.AddCommand(initPolicyCmd)
	initPolicyCmd.Flags().StringVar(&initPolicyPath, "path", "", "Where to write the policy (default ~/.alm/policy.yaml)")
	initPolicyCmd.Flags().BoolVar(&initPolicyForce, "force", false, "Overwrite an existing file")
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Generate a default policy.yaml with comments",
	Long:  "Creates ~/.alm/policy.yaml with the permissive default policy.\nEdit it to deny tools, restrict to an allow-list or set a per-run budget.",
	RunE:  runInitPolicy,
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	path := initPolicyPath
	if path == "" {
		path = policy.DefaultPath()
	}
	if path == "" {
		return fmt.Errorf("cannot determine home directory, pass --path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil && !initPolicyForce {
		return fmt.Errorf("policy already exists at %s (use --force to overwrite)", path)
	}

	if err := os.WriteFile(path, []byte(policy.DefaultConfigYAML()), 0o644); err != nil {
		return fmt.Errorf("failed to write policy: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	return nil
}
