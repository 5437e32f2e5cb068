package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/blinktest/blinktest/internal/store"
	"github.com/blinktest/blinktest/internal/testutil"
)

type cliEnv struct {
	dbPath     string
	storageDir string
}

func setupCLI(t *testing.T) *cliEnv {
	t.Helper()
	env := &cliEnv{
		dbPath:     filepath.Join(t.TempDir(), "test.db"),
		storageDir: t.TempDir(),
	}
	t.Setenv("BLINKTEST_STORAGE_DIR", env.storageDir)
	return env
}

// seed opens the database, runs fn and closes it again before the command
// under test opens it.
func (e *cliEnv) seed(t *testing.T, fn func(s *store.SQLiteStore)) {
	t.Helper()
	s, err := store.Open(e.dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()
	fn(s)
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(args, "--db", e.dbPath, "--log-level", "error"))
	defer resetFlags(rootCmd)

	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlags puts every flag back to its default so commands don't leak
// values into the next test.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func addResponse(t *testing.T, s *store.SQLiteStore, test *store.Test, variant *store.Variant, tester *store.Profile, rating int) {
	t.Helper()
	_, err := s.CreateResponse(context.Background(), store.NewResponse{
		TestID:        test.ID,
		VariantID:     variant.ID,
		UserID:        &tester.ID,
		TesterName:    tester.Name,
		AnswerHTML:    "<p>a, \"quoted\" answer</p>",
		ClarityRating: rating,
	})
	if err != nil {
		t.Fatalf("failed to create response: %v", err)
	}
}

func TestList_Empty(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "No tests yet.") {
		t.Errorf("expected empty message, got:\n%s", out)
	}
}

func TestList_ShowsTests(t *testing.T) {
	env := setupCLI(t)
	var active, archived *store.Test
	env.seed(t, func(s *store.SQLiteStore) {
		owner := testutil.CreateProfile(t, s, "owner@example.com", "Owner")
		active, _ = testutil.PublishTest(t, s, owner)
		archived, _ = testutil.PublishTest(t, s, owner)
		if err := s.UpdateTestStatus(context.Background(), archived.ID, store.StatusArchived); err != nil {
			t.Fatalf("UpdateTestStatus: %v", err)
		}
	})

	out, err := env.run(t, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, want := range []string{"ID", "CREATOR", active.ID, archived.ID, "Owner", "ACTIVE", "ARCHIVED"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = env.run(t, "list", "--status", "active")
	if err != nil {
		t.Fatalf("list --status failed: %v", err)
	}
	if !strings.Contains(out, active.ID) || strings.Contains(out, archived.ID) {
		t.Errorf("expected only the active test:\n%s", out)
	}

	if _, err := env.run(t, "list", "--status", "running"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestResults(t *testing.T) {
	env := setupCLI(t)
	var test *store.Test
	env.seed(t, func(s *store.SQLiteStore) {
		owner := testutil.CreateProfile(t, s, "owner@example.com", "Owner")
		a := testutil.CreateProfile(t, s, "a@example.com", "A")
		b := testutil.CreateProfile(t, s, "b@example.com", "B")
		var variant *store.Variant
		test, variant = testutil.PublishTest(t, s, owner)
		addResponse(t, s, test, variant, a, 4)
		addResponse(t, s, test, variant, b, 5)
	})

	out, err := env.run(t, "results", test.ID)
	if err != nil {
		t.Fatalf("results failed: %v", err)
	}
	for _, want := range []string{
		"TEST: " + test.ID,
		"RESPONSES: 2 / 10",
		"AVERAGE RATING: 4.50",
		"CLEAR (rated 4+): 100.0%",
		"no other responses",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestResults_NoResponses(t *testing.T) {
	env := setupCLI(t)
	var test *store.Test
	env.seed(t, func(s *store.SQLiteStore) {
		test, _ = testutil.PublishTest(t, s, testutil.CreateProfile(t, s, "owner@example.com", "Owner"))
	})

	out, err := env.run(t, "results", test.ID)
	if err != nil {
		t.Fatalf("results failed: %v", err)
	}
	if !strings.Contains(out, "No responses yet.") {
		t.Errorf("expected no responses message:\n%s", out)
	}
}

func TestResults_NotFound(t *testing.T) {
	env := setupCLI(t)

	_, err := env.run(t, "results", "missing")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestExport(t *testing.T) {
	env := setupCLI(t)
	var test *store.Test
	env.seed(t, func(s *store.SQLiteStore) {
		owner := testutil.CreateProfile(t, s, "owner@example.com", "Owner")
		a := testutil.CreateProfile(t, s, "a@example.com", "A")
		b := testutil.CreateProfile(t, s, "b@example.com", "B")
		var variant *store.Variant
		test, variant = testutil.PublishTest(t, s, owner)
		addResponse(t, s, test, variant, a, 2)
		addResponse(t, s, test, variant, b, 5)
	})

	t.Run("csv", func(t *testing.T) {
		out, err := env.run(t, "export", test.ID, "--format", "csv")
		if err != nil {
			t.Fatalf("export failed: %v", err)
		}
		rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
		if err != nil {
			t.Fatalf("invalid CSV: %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("expected header and 2 rows, got %d", len(rows))
		}
		if rows[0][4] != "rating" || rows[1][5] != "<p>a, \"quoted\" answer</p>" {
			t.Errorf("unexpected rows: %v", rows)
		}
	})

	t.Run("json", func(t *testing.T) {
		out, err := env.run(t, "export", test.ID, "-f", "json")
		if err != nil {
			t.Fatalf("export failed: %v", err)
		}
		var got jsonExport
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if got.TestID != test.ID || len(got.Responses) != 2 {
			t.Fatalf("unexpected export: %+v", got)
		}
		ratings := map[int]bool{}
		for _, r := range got.Responses {
			ratings[r.Rating] = true
		}
		if !ratings[2] || !ratings[5] {
			t.Errorf("expected ratings 2 and 5, got %+v", got.Responses)
		}
	})

	t.Run("invalid format", func(t *testing.T) {
		if _, err := env.run(t, "export", test.ID, "--format", "xml"); err == nil {
			t.Error("expected error for invalid format")
		}
	})

	t.Run("missing test", func(t *testing.T) {
		if _, err := env.run(t, "export", "missing"); err == nil {
			t.Error("expected error for missing test")
		}
	})
}

func TestCreate(t *testing.T) {
	env := setupCLI(t)
	var owner *store.Profile
	env.seed(t, func(s *store.SQLiteStore) {
		owner = testutil.CreateProfile(t, s, "owner@example.com", "Owner")
	})

	thumb := filepath.Join(t.TempDir(), "thumb.png")
	if err := os.WriteFile(thumb, testutil.PNG(t, 64, 36), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := env.run(t, "create", "--thumbnail", thumb, "--email", "Owner@Example.com", "--channel", "Gaming")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !strings.Contains(out, "Published test") || !strings.Contains(out, "64x36") {
		t.Errorf("unexpected output:\n%s", out)
	}

	env.seed(t, func(s *store.SQLiteStore) {
		ctx := context.Background()
		tests, err := s.ListTests(ctx, store.TestFilter{UserID: owner.ID})
		if err != nil {
			t.Fatalf("ListTests: %v", err)
		}
		if len(tests) != 1 {
			t.Fatalf("expected 1 test, got %d", len(tests))
		}
		if tests[0].ChannelTag != "Gaming" || tests[0].CreatorName != "Owner" {
			t.Errorf("unexpected test: %+v", tests[0])
		}
		v, err := s.PrimaryVariant(ctx, tests[0].ID)
		if err != nil {
			t.Fatalf("PrimaryVariant: %v", err)
		}
		if v.DurationBadge != store.DefaultDurationBadge {
			t.Errorf("expected default badge, got %q", v.DurationBadge)
		}
		stored := filepath.Join(env.storageDir, "thumbnails", tests[0].ID, "0.png")
		if _, err := os.Stat(stored); err != nil {
			t.Errorf("expected stored thumbnail: %v", err)
		}
	})
}

func TestCreate_InvalidInput(t *testing.T) {
	env := setupCLI(t)
	env.seed(t, func(s *store.SQLiteStore) {
		testutil.CreateProfile(t, s, "owner@example.com", "Owner")
	})

	thumb := filepath.Join(t.TempDir(), "thumb.png")
	if err := os.WriteFile(thumb, testutil.PNG(t, 8, 8), 0o644); err != nil {
		t.Fatal(err)
	}
	notImage := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(notImage, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing file", []string{"--thumbnail", "/nope.png", "--email", "owner@example.com"}, "no such file"},
		{"bad email", []string{"--thumbnail", thumb, "--email", "owner"}, "valid email"},
		{"bad channel", []string{"--thumbnail", thumb, "--email", "owner@example.com", "--channel", "Vlogs"}, "--channel must be one of"},
		{"not an image", []string{"--thumbnail", notImage, "--email", "owner@example.com"}, "invalid thumbnail"},
		{"unknown user", []string{"--thumbnail", thumb, "--email", "nobody@example.com"}, "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(t, append([]string{"create"}, tt.args...)...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestArchive(t *testing.T) {
	env := setupCLI(t)
	var test *store.Test
	env.seed(t, func(s *store.SQLiteStore) {
		test, _ = testutil.PublishTest(t, s, testutil.CreateProfile(t, s, "owner@example.com", "Owner"))
	})

	out, err := env.run(t, "archive", test.ID)
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if !strings.Contains(out, "Archived test "+test.ID) {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = env.run(t, "archive", test.ID)
	if err != nil {
		t.Fatalf("second archive failed: %v", err)
	}
	if !strings.Contains(out, "already archived") {
		t.Errorf("unexpected output: %s", out)
	}

	env.seed(t, func(s *store.SQLiteStore) {
		got, err := s.GetTest(context.Background(), test.ID)
		if err != nil {
			t.Fatalf("GetTest: %v", err)
		}
		if got.Status != store.StatusArchived {
			t.Errorf("expected archived, got %s", got.Status)
		}
	})

	if _, err := env.run(t, "archive", "missing"); err == nil {
		t.Error("expected error for missing test")
	}
}

func TestUsers(t *testing.T) {
	env := setupCLI(t)
	var member *store.Profile
	env.seed(t, func(s *store.SQLiteStore) {
		member = testutil.CreateProfile(t, s, "member@example.com", "Member")
	})

	out, err := env.run(t, "users", "list")
	if err != nil {
		t.Fatalf("users list failed: %v", err)
	}
	if !strings.Contains(out, "member@example.com") || !strings.Contains(out, "MEMBER") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = env.run(t, "users", "role", "member@example.com", "--role", "admin")
	if err != nil {
		t.Fatalf("users role failed: %v", err)
	}
	if !strings.Contains(out, "is now admin (was member)") {
		t.Errorf("unexpected output: %s", out)
	}

	if _, err := env.run(t, "users", "role", "member@example.com", "--role", "owner"); err == nil {
		t.Error("expected error for invalid role")
	}
	if _, err := env.run(t, "users", "role", "nobody@example.com", "--role", "admin"); err == nil {
		t.Error("expected error for unknown user")
	}

	// Without --role the prompt decides.
	orig := promptRole
	t.Cleanup(func() { promptRole = orig })
	var asked store.Role
	promptRole = func(email string, current store.Role) (store.Role, error) {
		asked = current
		return store.RoleMember, nil
	}

	if _, err := env.run(t, "users", "role", "MEMBER@example.com"); err != nil {
		t.Fatalf("users role with prompt failed: %v", err)
	}
	if asked != store.RoleAdmin {
		t.Errorf("prompt should start from the current role, got %q", asked)
	}

	env.seed(t, func(s *store.SQLiteStore) {
		p, err := s.GetProfile(context.Background(), member.ID)
		if err != nil {
			t.Fatalf("GetProfile: %v", err)
		}
		if p.Role != store.RoleMember {
			t.Errorf("expected member, got %s", p.Role)
		}
	})
}
