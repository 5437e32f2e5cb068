package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/blinktest/blinktest/internal/flow"
	"github.com/blinktest/blinktest/internal/store"
	"github.com/blinktest/blinktest/internal/thumbnail"
)

type createInput struct {
	Thumbnail string `validate:"required,file"`
	Email     string `validate:"required,email"`
	Channel   string `validate:"required,channel"`
	Badge     string `validate:"max=8"`
}

var createValidate = newCreateValidator()

func newCreateValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return store.ValidChannel(fl.Field().String())
	})
	return v
}

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var in createInput

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a test from a thumbnail file",
		Long: `Publish a test for an existing user, the same way the web app does after
a self-test.

Examples:
  blinktest create --thumbnail thumb.png --email jimmy@example.com
  blinktest create --thumbnail thumb.webp --email jimmy@example.com --channel Gaming --badge 24:13`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := createValidate.Struct(in); err != nil {
				return createInputError(err)
			}

			data, err := os.ReadFile(in.Thumbnail)
			if err != nil {
				return fmt.Errorf("failed to read thumbnail: %w", err)
			}
			img, err := thumbnail.Parse(filepath.Base(in.Thumbnail), data)
			if err != nil {
				return fmt.Errorf("invalid thumbnail: %w", err)
			}

			return withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()

				owner, err := s.GetProfileByEmail(ctx, strings.ToLower(strings.TrimSpace(in.Email)))
				if err != nil {
					return notFound("user", in.Email, err)
				}

				objects, err := openObjects(ctx)
				if err != nil {
					return fmt.Errorf("failed to open thumbnail storage: %w", err)
				}

				pub := flow.NewPublisher(s, objects, cfg.PublishCleanupOrphans)
				test, variant, err := pub.Publish(ctx, flow.PublishRequest{
					Owner:         flow.Identity{UserID: owner.ID, Name: owner.Name},
					Image:         img,
					ChannelTag:    in.Channel,
					DurationBadge: in.Badge,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Published test %s for %s\n", test.ID, owner.Name)
				fmt.Fprintf(out, "  Thumbnail: %s (%dx%d, %s)\n", variant.ThumbnailURL, img.Width, img.Height, humanize.IBytes(uint64(len(img.Data))))
				fmt.Fprintf(out, "  Channel: %s\n", test.ChannelTag)
				if variant.DurationBadge != "" {
					fmt.Fprintf(out, "  Duration badge: %s\n", variant.DurationBadge)
				}
				fmt.Fprintf(out, "  Share: /test/%s\n", test.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&in.Thumbnail, "thumbnail", "", "image file to publish (required)")
	cmd.Flags().StringVar(&in.Email, "email", "", "email of the creator's account (required)")
	cmd.Flags().StringVar(&in.Channel, "channel", store.DefaultChannel, "channel tag ("+strings.Join(store.Channels, ", ")+")")
	cmd.Flags().StringVar(&in.Badge, "badge", store.DefaultDurationBadge, "duration badge shown on the thumbnail")
	cmd.MarkFlagRequired("thumbnail")
	cmd.MarkFlagRequired("email")

	return cmd
}

func createInputError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("--%s is required", field))
		case "file":
			msgs = append(msgs, fmt.Sprintf("--%s: no such file", field))
		case "email":
			msgs = append(msgs, "--email must be a valid email address")
		case "channel":
			msgs = append(msgs, fmt.Sprintf("--channel must be one of: %s", strings.Join(store.Channels, ", ")))
		default:
			msgs = append(msgs, fmt.Sprintf("--%s is invalid", field))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
