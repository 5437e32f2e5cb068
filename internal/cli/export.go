package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/blinktest/blinktest/internal/store"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export the responses of a test",
	Long: `Export every response of a test in CSV or JSON format.

Examples:
  blinktest export 3f2a... --format csv > responses.csv
  blinktest export 3f2a... --format json > responses.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format (csv or json)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	id := args[0]

	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}

	return withStore(func(s *store.SQLiteStore) error {
		ctx := cmd.Context()

		// Verify test exists
		if _, err := s.GetTest(ctx, id); err != nil {
			return notFound("test", id, err)
		}

		responses, err := s.ListResponses(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list responses: %w", err)
		}

		if exportFormat == "csv" {
			return exportCSV(cmd.OutOrStdout(), responses)
		}
		return exportJSON(cmd.OutOrStdout(), id, responses)
	})
}

func exportCSV(out io.Writer, responses []*store.Response) error {
	w := csv.NewWriter(out)

	// Write header
	if err := w.Write([]string{"timestamp", "response_id", "variant_id", "tester", "rating", "answer_html"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Write rows
	for _, r := range responses {
		row := []string{
			strconv.FormatInt(r.CreatedAt.Unix(), 10),
			r.ID,
			r.VariantID,
			r.TesterName,
			strconv.Itoa(r.ClarityRating),
			r.AnswerHTML,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

type jsonExport struct {
	TestID    string         `json:"test_id"`
	Responses []jsonResponse `json:"responses"`
}

type jsonResponse struct {
	Timestamp  int64  `json:"timestamp"`
	ID         string `json:"id"`
	VariantID  string `json:"variant_id"`
	Tester     string `json:"tester"`
	Rating     int    `json:"rating"`
	AnswerHTML string `json:"answer_html"`
}

func exportJSON(out io.Writer, testID string, responses []*store.Response) error {
	export := jsonExport{
		TestID:    testID,
		Responses: make([]jsonResponse, len(responses)),
	}

	for i, r := range responses {
		export.Responses[i] = jsonResponse{
			Timestamp:  r.CreatedAt.Unix(),
			ID:         r.ID,
			VariantID:  r.VariantID,
			Tester:     r.TesterName,
			Rating:     r.ClarityRating,
			AnswerHTML: r.AnswerHTML,
		}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
