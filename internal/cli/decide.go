package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/r3fresh-alm/r3fresh/internal/policy"
)

var (
	decidePolicy string
	decideCount  int
	decideFormat string
)

func init() {
	rootCmd.AddCommand(decideCmd)
	decideCmd.Flags().StringVar(&decidePolicy, "policy", "", "Path to policy YAML (default ~/.alm/policy.yaml)")
	decideCmd.Flags().IntVar(&decideCount, "count", 0, "Allowed tool calls already made in the run")
	decideCmd.Flags().StringVarP(&decideFormat, "format", "f", "text", "Output format (text|json)")
}

var decideCmd = &cobra.Command{
	Use:   "decide <tool>...",
	Short: "Show the policy decision for tool names",
	Long: "Evaluates each tool name against the policy as if the run had already\n" +
		"made --count allowed calls. Nothing is invoked and no events are emitted.",
	Args: cobra.MinimumNArgs(1),
	RunE: runDecide,
}

type decision struct {
	Tool     string `json:"tool"`
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func runDecide(cmd *cobra.Command, args []string) error {
	if decideCount < 0 {
		return fmt.Errorf("--count must be >= 0, got %d", decideCount)
	}
	cfg, hash, err := policy.LoadConfigWithHash(decidePolicy)
	if err != nil {
		return err
	}
	p := policy.New(cfg)

	results := make([]decision, 0, len(args))
	for _, tool := range args {
		d, reason := p.Decide(tool, decideCount)
		results = append(results, decision{Tool: tool, Decision: string(d), Reason: reason})
	}

	out := cmd.OutOrStdout()
	switch decideFormat {
	case "json":
		data, err := json.MarshalIndent(map[string]any{
			"policy_version": hash,
			"count":          decideCount,
			"decisions":      results,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	case "text":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, r := range results {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Tool, r.Decision, r.Reason)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q", decideFormat)
	}
	return nil
}
