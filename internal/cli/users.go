package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/blinktest/blinktest/internal/store"
)

var roles = []store.Role{store.RoleMember, store.RoleAdmin}

// promptRole asks for a role interactively. Tests replace it.
var promptRole = func(email string, current store.Role) (store.Role, error) {
	cursor := 0
	for i, r := range roles {
		if r == current {
			cursor = i
		}
	}

	prompt := promptui.Select{
		Label:     fmt.Sprintf("Role for %s", email),
		Items:     roles,
		CursorPos: cursor,
		Size:      len(roles),
	}

	idx, _, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return roles[idx], nil
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user accounts",
}

func init() {
	usersCmd.AddCommand(newUsersListCmd())
	usersCmd.AddCommand(newUsersRoleCmd())
	rootCmd.AddCommand(usersCmd)
}

func newUsersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				profiles, err := s.ListProfiles(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list users: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(profiles) == 0 {
					fmt.Fprintln(out, "No users yet.")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "EMAIL\tNAME\tROLE\tJOINED")
				for _, p := range profiles {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						p.Email,
						p.Name,
						strings.ToUpper(string(p.Role)),
						humanize.Time(p.CreatedAt),
					)
				}
				return w.Flush()
			})
		},
	}
}

func newUsersRoleCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "role <email>",
		Short: "Change a user's role",
		Long: `Change a user's role. Without --role you pick one interactively.

Examples:
  blinktest users role jimmy@example.com --role admin
  blinktest users role jimmy@example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.ToLower(strings.TrimSpace(args[0]))

			next := store.Role(role)
			if role != "" && !next.Valid() {
				return fmt.Errorf("invalid role %q: must be member or admin", role)
			}

			return withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()

				p, err := s.GetProfileByEmail(ctx, email)
				if err != nil {
					return notFound("user", email, err)
				}

				if role == "" {
					next, err = promptRole(p.Email, p.Role)
					if err == promptui.ErrInterrupt {
						return nil
					}
					if err != nil {
						return fmt.Errorf("failed to read role: %w", err)
					}
				}

				if next == p.Role {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is already %s\n", p.Email, next)
					return nil
				}
				if err := s.UpdateProfileRole(ctx, p.ID, next); err != nil {
					return fmt.Errorf("failed to update role: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s (was %s)\n", p.Email, next, p.Role)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "new role (member or admin)")
	return cmd
}
