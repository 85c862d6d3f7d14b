package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <user> <memory-id>",
	Short: "Show a memory's links and current score breakdown",
	Long: "Prints the stored state of one memory and the score it would receive now. " +
		"Inspecting does not count as an access.",
	Args: cobra.ExactArgs(2),
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.DB.Close()

	m, b, err := eng.Inspect(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s [%s]\n", m.ID, m.Lifecycle())
	fmt.Fprintf(out, "  %s\n\n", m.Text)
	fmt.Fprintf(out, "stored score   %.3f (day %d)\n", m.ImportanceScore, m.ScoredActivityDay)
	fmt.Fprintf(out, "current score  %.3f\n", b.Score)
	fmt.Fprintf(out, "  value %.4f  hub %.4f  recency %.4f  temporal %.2f  ceiling %.2f\n",
		b.Value, b.Hub, b.Recency, b.Temporal, b.Ceiling)
	fmt.Fprintf(out, "accesses       %d (created day %d, last day %d)\n",
		m.AccessCount, m.CreatedActivityDay, m.LastAccessedActivityDay)
	if m.HappensAt != nil {
		fmt.Fprintf(out, "happens at     %s\n", m.HappensAt.Format("2006-01-02 15:04"))
	}
	if m.ExpiresAt != nil {
		fmt.Fprintf(out, "expires at     %s\n", m.ExpiresAt.Format("2006-01-02 15:04"))
	}

	if len(m.OutboundLinks) > 0 {
		fmt.Fprintln(out, "\noutbound:")
		for _, l := range m.OutboundLinks {
			fmt.Fprintf(out, "  -> %s %s%s\n", l.TargetID, l.Type, confidenceSuffix(l.Confidence))
		}
	}
	if len(m.InboundLinks) > 0 {
		fmt.Fprintln(out, "\ninbound:")
		for _, l := range m.InboundLinks {
			fmt.Fprintf(out, "  <- %s %s%s\n", l.TargetID, l.Type, confidenceSuffix(l.Confidence))
		}
	}
	return nil
}

func confidenceSuffix(c float64) string {
	if c == 0 {
		return ""
	}
	return fmt.Sprintf(" (%.2f)", c)
}
