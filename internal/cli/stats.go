package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-user memory counts",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.DB.Close()

	stats, err := eng.DB.Stats(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	if len(stats) == 0 {
		fmt.Fprintln(out, "No memories stored.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tDAY\tACTIVE\tARCHIVED\tMEAN SCORE\tLINKS")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.3f\t%d\n",
			s.UserID, s.ActivityDay, s.Active, s.Archived, s.MeanScore, s.OutboundLinks)
	}
	return tw.Flush()
}
