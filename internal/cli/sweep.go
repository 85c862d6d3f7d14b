package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/engram/internal/engine"
)

var sweepUser string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Rescore idle and time-sensitive memories once",
	Long: "Runs one rescoring pass over memories that have gone idle or carry an event or " +
		"expiry time, archiving those whose importance has decayed away.",
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().StringVarP(&sweepUser, "user", "u", "", "sweep only this user")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.DB.Close()

	var reports []engine.SweepReport
	if sweepUser != "" {
		r, err := eng.SweepUser(ctx, sweepUser)
		if err != nil {
			return fmt.Errorf("sweep %s: %w", sweepUser, err)
		}
		reports = []engine.SweepReport{r}
	} else {
		reports, err = eng.SweepAll(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, r := range reports {
		if r.Err != nil {
			failed++
			fmt.Fprintf(out, "%s: failed: %v\n", r.UserID, r.Err)
			continue
		}
		fmt.Fprintf(out, "%s: rescored %d, archived %d\n", r.UserID, r.Scanned, r.Archived)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d users failed", failed, len(reports))
	}
	return nil
}
