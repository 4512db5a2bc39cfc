package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/postconvo/internal/config"
	"github.com/sells-group/postconvo/internal/pipeline"
	"github.com/sells-group/postconvo/internal/resilience"
)

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Print the configured circuit breakers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printBreakers(os.Stdout, cfg.Breakers)
	},
}

// resolvedBreakers returns the effective config of every built-in breaker
// plus any extra ones named in config, sorted by name.
func resolvedBreakers(breakers map[string]config.BreakerConfig) []resilience.CircuitBreakerConfig {
	names := map[string]struct{}{
		pipeline.BreakerLLM:   {},
		pipeline.BreakerGraph: {},
		pipeline.BreakerCache: {},
	}
	for name := range breakers {
		names[name] = struct{}{}
	}

	out := make([]resilience.CircuitBreakerConfig, 0, len(names))
	for name := range names {
		b := breakers[name]
		out = append(out, resilience.FromCircuitConfig(name, b.FailureThreshold, b.RecoveryTimeoutSecs, b.HalfOpenMaxCalls))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func printBreakers(out io.Writer, breakers map[string]config.BreakerConfig) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFAILURE THRESHOLD\tRECOVERY TIMEOUT\tHALF-OPEN CALLS")
	for _, b := range resolvedBreakers(breakers) {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", b.Name, b.FailureThreshold, b.RecoveryTimeout, b.HalfOpenMaxCalls)
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(breakersCmd)
}
