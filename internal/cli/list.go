package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/blinktest/blinktest/internal/store"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tests",
	Long: `List published tests with their status, response count and average rating.

Examples:
  blinktest list
  blinktest list --status active`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "only show tests with this status (active, completed, archived)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	filter := store.TestFilter{Status: store.TestStatus(listStatus)}
	switch filter.Status {
	case "", store.StatusActive, store.StatusCompleted, store.StatusArchived:
	default:
		return fmt.Errorf("invalid status %q: must be active, completed or archived", listStatus)
	}

	return withStore(func(s *store.SQLiteStore) error {
		sums, err := s.ListTestSummaries(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("failed to list tests: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(sums) == 0 {
			fmt.Fprintln(out, "No tests yet.")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Publish one from the web app or with:")
			fmt.Fprintln(out, "  blinktest create --thumbnail thumb.png --email you@example.com")
			return nil
		}

		// Print table
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATOR\tCHANNEL\tSTATUS\tRESPONSES\tAVG\tCREATED")

		for _, sum := range sums {
			avg := "-"
			if sum.ResponseCount > 0 {
				avg = fmt.Sprintf("%.1f", sum.AvgRating)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				sum.Test.ID,
				sum.Test.CreatorName,
				sum.Test.ChannelTag,
				strings.ToUpper(string(sum.Test.Status)),
				humanize.Comma(int64(sum.ResponseCount)),
				avg,
				humanize.Time(sum.Test.CreatedAt),
			)
		}

		return w.Flush()
	})
}
