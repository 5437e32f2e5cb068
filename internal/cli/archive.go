package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blinktest/blinktest/internal/store"
)

func init() {
	rootCmd.AddCommand(newArchiveCmd())
}

func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a test",
		Long: `Archive a test so it leaves the feed and the review queue.
Its results stay available.

Example:
  blinktest archive 3f2a...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			return withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()

				test, err := s.GetTest(ctx, id)
				if err != nil {
					return notFound("test", id, err)
				}
				if test.Status == store.StatusArchived {
					fmt.Fprintf(cmd.OutOrStdout(), "Test %s is already archived\n", id)
					return nil
				}

				err = s.UpdateTestStatus(ctx, id, store.StatusArchived)
				if errors.Is(err, store.ErrInvalidStatus) {
					return fmt.Errorf("test %s cannot be archived from %s", id, test.Status)
				}
				if err != nil {
					return fmt.Errorf("failed to archive test: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Archived test %s\n", id)
				return nil
			})
		},
	}
}
