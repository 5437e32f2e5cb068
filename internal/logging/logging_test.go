package logging_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blinktest/blinktest/internal/logging"
)

func TestSetup_JSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	if err := logging.Setup(&buf, "warn", false); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	log.Info().Msg("hidden")
	log.Warn().Str("flow_id", "f1").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, `"flow_id":"f1"`) || !strings.Contains(out, `"message":"shown"`) {
		t.Errorf("unexpected output %q", out)
	}
}

func TestSetup_InvalidLevel(t *testing.T) {
	var buf bytes.Buffer
	if err := logging.Setup(&buf, "loud", false); err == nil {
		t.Error("expected error for unknown level")
	}
}
