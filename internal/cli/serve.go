package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blinktest/blinktest/internal/auth"
	"github.com/blinktest/blinktest/internal/flow"
	"github.com/blinktest/blinktest/internal/ratelimit"
	"github.com/blinktest/blinktest/internal/server"
	"github.com/blinktest/blinktest/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the BlinkTest HTTP server.

The server provides:
  - Self-test flow: upload, countdown, one-second flash, answer, publish
  - Participant flow for published tests
  - Feed, review queue, results with live updates
  - Health check and Prometheus metrics

Example:
  blinktest serve --addr :8080 --storage minio --realtime redis`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "address to listen on")
	serveCmd.Flags().String("storage", "local", "thumbnail storage backend (local or minio)")
	serveCmd.Flags().String("realtime", "memory", "live results backend (memory or redis)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	objects, err := openObjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to open thumbnail storage: %w", err)
	}

	broker, err := openBroker(ctx)
	if err != nil {
		return fmt.Errorf("failed to open realtime broker: %w", err)
	}
	defer broker.Close()

	secret, err := sessionSecret()
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	srv := server.New(server.Options{
		Store:          s,
		Auth:           auth.NewService(s, secret),
		Objects:        objects,
		Broker:         broker,
		Limiter:        ratelimit.New(cfg.RateLimit.Max, cfg.RateLimit.Window, clock),
		LimiterSweep:   cfg.RateLimit.Sweep,
		Registry:       flow.NewRegistry(clock, cfg.FlowIdleTimeout),
		Clock:          clock,
		Addr:           cfg.Addr,
		LoadTimeout:    cfg.FlashLoadTimeout,
		SitePasswords:  cfg.SitePasswords,
		CleanupOrphans: cfg.PublishCleanupOrphans,
	})

	log.Info().
		Str("db", dbPath).
		Str("storage", cfg.Storage.Backend).
		Str("realtime", cfg.Realtime.Backend).
		Bool("gated", len(cfg.SitePasswords) > 0).
		Msg("starting server")

	return srv.Start(ctx)
}

