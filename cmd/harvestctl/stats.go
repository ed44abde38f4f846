package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var statsDays int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print per-day delivery outcomes",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().IntVar(&statsDays, "days", 7, "Number of days to report, ending today")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	if statsDays < 1 || statsDays > 366 {
		return errors.Errorf("--days must be between 1 and 366, got %d", statsDays)
	}

	e, err := openEnv(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.Close()

	stats, err := e.repos.Deliveries.DeliveryStats(cmd.Context(), statsDays)
	if err != nil {
		return errors.Wrap(err, "load delivery stats")
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DAY\tPROCESSED\tERRORED\tMALFORMED\tTEST")
	for _, d := range stats.PerDay {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", d.Day.Format("2006-01-02"), d.Processed, d.Errored, d.Malformed, d.Test)
	}
	fmt.Fprintf(w, "TOTAL %d\tunresolved %d\tsuccess %.1f%%\t\t\n", stats.Total, stats.Unresolved, stats.SuccessRate*100)
	return w.Flush()
}
