// Package alm records the lifecycle of an AI agent as a stream of structured
// events: runs, tasks, tool calls with their policy decisions, and handoffs.
// Tool calls are checked against a policy before they run; denied tools are
// never invoked.
//
// Usage:
//
//	client, err := alm.New("support-bot",
//	    alm.WithEnv("production"),
//	    alm.WithHTTP("https://collector.example.com", apiKey),
//	    alm.WithPolicy(alm.Policy{DeniedTools: []string{"delete_records"}, DefaultAllow: true}),
//	)
//	defer client.Close(ctx)
//
//	search := client.Tool("search", searchFn, alm.WithMaxRetries(2))
//	err = client.Run(ctx, "answer ticket", func(ctx context.Context, run *alm.Run) error {
//	    return client.Task(ctx, "lookup", "find the order", func(ctx context.Context) error {
//	        _, err := search.Invoke(ctx, map[string]any{"q": "order 42"})
//	        return err
//	    })
//	})
//
// The SDK links directly against internal packages. External users import
// github.com/r3fresh-alm/r3fresh/sdk/go/alm.
package alm
