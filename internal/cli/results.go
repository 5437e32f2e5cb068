package cli

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/blinktest/blinktest/internal/capture"
	"github.com/blinktest/blinktest/internal/stats"
	"github.com/blinktest/blinktest/internal/store"
)

var resultsCmd = &cobra.Command{
	Use:   "results <id>",
	Short: "Show detailed results for a test",
	Long:  `Show the rating distribution, the share of clear ratings with its confidence interval, and how the test compares with the baseline.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	id := args[0]

	return withStore(func(s *store.SQLiteStore) error {
		ctx := cmd.Context()

		test, err := s.GetTest(ctx, id)
		if err != nil {
			return notFound("test", id, err)
		}
		responses, err := s.ListResponses(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list responses: %w", err)
		}
		all, err := s.ListAllResponses(ctx)
		if err != nil {
			return fmt.Errorf("failed to list responses: %w", err)
		}

		result := stats.Analyze(test, responses, all)
		out := cmd.OutOrStdout()

		// Print header
		fmt.Fprintf(out, "TEST: %s\n", test.ID)
		fmt.Fprintf(out, "CREATOR: %s\n", test.CreatorName)
		fmt.Fprintf(out, "CHANNEL: %s\n", test.ChannelTag)
		fmt.Fprintf(out, "STATUS: %s\n", test.Status)
		fmt.Fprintf(out, "CREATED: %s (%s)\n", test.CreatedAt.Format("2006-01-02"), humanize.Time(test.CreatedAt))
		fmt.Fprintln(out)

		fmt.Fprintf(out, "RESPONSES: %d / %d\n", result.Responses, result.TargetResponses)
		if result.Responses == 0 {
			fmt.Fprintln(out, "No responses yet.")
			return nil
		}
		fmt.Fprintf(out, "AVERAGE RATING: %.2f\n", result.AvgRating)
		fmt.Fprintln(out)

		// Print distribution
		fmt.Fprintln(out, "RATING  COUNT  SHARE")
		fmt.Fprintln(out, strings.Repeat("─", 40))
		for r := capture.MaxRating; r >= capture.MinRating; r-- {
			share := result.Share(r)
			fmt.Fprintf(out, "%-6d  %-5d  %-6s %s\n",
				r,
				result.Distribution[r-1],
				formatPercent(share),
				strings.Repeat("█", int(share*20+0.5)),
			)
		}
		fmt.Fprintln(out)

		fmt.Fprintf(out, "CLEAR (rated %d+): %s  95%% CI [%.1f%%, %.1f%%]\n",
			capture.ClearRating, formatPercent(result.ClearRate), result.CILower*100, result.CIUpper*100)

		// Print significance message
		if result.Baseline.Responses == 0 {
			fmt.Fprintln(out, "Baseline: no other responses to compare against")
			return nil
		}
		fmt.Fprintf(out, "BASELINE: %s over %s responses\n", formatPercent(result.Baseline.Rate), humanize.Comma(int64(result.Baseline.Responses)))

		confPct := result.ConfidenceLevel * 100
		switch {
		case result.Confident:
			fmt.Fprintf(out, "Statistical significance: %.1f%% confident this thumbnail reads clearer than the baseline\n", confPct)
		case confPct >= 90:
			fmt.Fprintf(out, "Statistical significance: %.1f%% confident it beats the baseline (not yet significant)\n", confPct)
		default:
			fmt.Fprintln(out, "Statistical significance: Not enough data to tell it apart from the baseline")
		}
		return nil
	})
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", rate*100)
}
