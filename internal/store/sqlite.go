package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateResponse = errors.New("response already recorded for this test")
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrInvalidStatus     = errors.New("invalid status transition")
)

type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'member' CHECK (role IN ('member', 'admin')),
    password_hash BLOB NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    user_id TEXT REFERENCES profiles(id),
    creator_name TEXT NOT NULL,
    channel_tag TEXT NOT NULL,
    intended_message TEXT,
    notes TEXT,
    status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'archived')),
    target_responses INTEGER NOT NULL DEFAULT 10,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status);
CREATE INDEX IF NOT EXISTS idx_tests_user ON tests(user_id);

CREATE TABLE IF NOT EXISTS test_variants (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL REFERENCES tests(id),
    thumbnail_url TEXT NOT NULL,
    display_order INTEGER NOT NULL DEFAULT 0,
    duration_badge TEXT NOT NULL DEFAULT '10:00',
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_variants_test ON test_variants(test_id, display_order);

CREATE TABLE IF NOT EXISTS responses (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL REFERENCES tests(id),
    variant_id TEXT NOT NULL REFERENCES test_variants(id),
    user_id TEXT REFERENCES profiles(id),
    tester_name TEXT NOT NULL,
    answer_html TEXT NOT NULL,
    clarity_rating INTEGER NOT NULL CHECK (clarity_rating BETWEEN 1 AND 5),
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_responses_test ON responses(test_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_responses_test_user ON responses(test_id, user_id) WHERE user_id IS NOT NULL;
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Profiles

func (s *SQLiteStore) CreateProfile(ctx context.Context, p *Profile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Role == "" {
		p.Role = RoleMember
	}
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, email, name, role, password_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Email, p.Name, string(p.Role), p.PasswordHash, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert profile: %w", err)
	}

	p.CreatedAt = time.Unix(now, 0)
	return nil
}

const profileColumns = `id, email, name, role, password_hash, created_at`

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	return scanProfile(row)
}

func (s *SQLiteStore) GetProfileByEmail(ctx context.Context, email string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE email = ? COLLATE NOCASE`, email)
	return scanProfile(row)
}

func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *SQLiteStore) UpdateProfileRole(ctx context.Context, id string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE profiles SET role = ? WHERE id = ?`, string(role), id)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return requireAffected(result)
}

// Tests

func (s *SQLiteStore) CreateTest(ctx context.Context, t NewTest) (*Test, error) {
	if t.ChannelTag == "" {
		t.ChannelTag = DefaultChannel
	}
	if t.TargetResponses <= 0 {
		t.TargetResponses = DefaultTargetResponses
	}

	test := &Test{
		ID:              uuid.NewString(),
		UserID:          t.UserID,
		CreatorName:     t.CreatorName,
		ChannelTag:      t.ChannelTag,
		IntendedMessage: t.IntendedMessage,
		Notes:           t.Notes,
		Status:          StatusActive,
		TargetResponses: t.TargetResponses,
	}

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tests (id, user_id, creator_name, channel_tag, intended_message, notes, status, target_responses, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?)`,
		test.ID, nullableID(t.UserID), t.CreatorName, t.ChannelTag,
		nullableText(t.IntendedMessage), nullableText(t.Notes), t.TargetResponses, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert test: %w", err)
	}

	test.CreatedAt = time.Unix(now, 0)
	return test, nil
}

const testColumns = `t.id, t.user_id, t.creator_name, t.channel_tag, t.intended_message, t.notes, t.status, t.target_responses, t.created_at`

func (s *SQLiteStore) GetTest(ctx context.Context, id string) (*Test, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests t WHERE t.id = ?`, id)
	return scanTest(row)
}

func (s *SQLiteStore) ListTests(ctx context.Context, filter TestFilter) ([]*Test, error) {
	where, args := filter.clause()
	query := `SELECT ` + testColumns + ` FROM tests t` + where + ` ORDER BY t.created_at DESC, t.rowid DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	var tests []*Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

func (s *SQLiteStore) ListTestSummaries(ctx context.Context, filter TestFilter) ([]*TestSummary, error) {
	where, args := filter.clause()
	query := `SELECT ` + testColumns + `,
			COALESCE(v.thumbnail_url, ''),
			COALESCE(v.duration_badge, ''),
			COUNT(r.id),
			COALESCE(AVG(r.clarity_rating), 0)
		FROM tests t
		LEFT JOIN test_variants v ON v.test_id = t.id AND v.display_order = 0
		LEFT JOIN responses r ON r.test_id = t.id` + where + `
		GROUP BY t.id
		ORDER BY t.created_at DESC, t.rowid DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list test summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*TestSummary
	for rows.Next() {
		var sum TestSummary
		var test Test
		var userID, intended, notes sql.NullString
		var createdAt int64
		err := rows.Scan(&test.ID, &userID, &test.CreatorName, &test.ChannelTag, &intended, &notes,
			&test.Status, &test.TargetResponses, &createdAt,
			&sum.ThumbnailURL, &sum.DurationBadge, &sum.ResponseCount, &sum.AvgRating)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test summary: %w", err)
		}
		fillTest(&test, userID, intended, notes, createdAt)
		sum.Test = &test
		summaries = append(summaries, &sum)
	}
	return summaries, rows.Err()
}

// UpdateTestStatus moves a test forward in its lifecycle. Backward moves
// (including re-activation) return ErrInvalidStatus.
func (s *SQLiteStore) UpdateTestStatus(ctx context.Context, id string, status TestStatus) error {
	test, err := s.GetTest(ctx, id)
	if err != nil {
		return err
	}
	if !test.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, test.Status, status)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE tests SET status = ? WHERE id = ? AND status = ?`,
		string(status), id, string(test.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to update test status: %w", err)
	}
	return requireAffected(result)
}

// DeleteTest removes a test and everything hanging off it. Only used to
// clean up a test whose publish did not complete.
func (s *SQLiteStore) DeleteTest(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE test_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete responses: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM test_variants WHERE test_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete variants: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	return tx.Commit()
}

// Variants

func (s *SQLiteStore) CreateVariant(ctx context.Context, v NewVariant) (*Variant, error) {
	if v.DurationBadge == "" {
		v.DurationBadge = DefaultDurationBadge
	}

	variant := &Variant{
		ID:            uuid.NewString(),
		TestID:        v.TestID,
		ThumbnailURL:  v.ThumbnailURL,
		DisplayOrder:  v.DisplayOrder,
		DurationBadge: v.DurationBadge,
	}

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_variants (id, test_id, thumbnail_url, display_order, duration_badge, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		variant.ID, v.TestID, v.ThumbnailURL, v.DisplayOrder, v.DurationBadge, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert variant: %w", err)
	}

	variant.CreatedAt = time.Unix(now, 0)
	return variant, nil
}

func (s *SQLiteStore) ListVariants(ctx context.Context, testID string) ([]*Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test_id, thumbnail_url, display_order, duration_badge, created_at
		 FROM test_variants WHERE test_id = ? ORDER BY display_order, rowid`, testID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()

	var variants []*Variant
	for rows.Next() {
		var v Variant
		var createdAt int64
		if err := rows.Scan(&v.ID, &v.TestID, &v.ThumbnailURL, &v.DisplayOrder, &v.DurationBadge, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		v.CreatedAt = time.Unix(createdAt, 0)
		variants = append(variants, &v)
	}
	return variants, rows.Err()
}

// PrimaryVariant returns the lowest display_order variant of a test.
func (s *SQLiteStore) PrimaryVariant(ctx context.Context, testID string) (*Variant, error) {
	variants, err := s.ListVariants(ctx, testID)
	if err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, ErrNotFound
	}
	return variants[0], nil
}

// Responses

func (s *SQLiteStore) CreateResponse(ctx context.Context, r NewResponse) (*Response, error) {
	resp := &Response{
		ID:            uuid.NewString(),
		TestID:        r.TestID,
		VariantID:     r.VariantID,
		UserID:        r.UserID,
		TesterName:    r.TesterName,
		AnswerHTML:    r.AnswerHTML,
		ClarityRating: r.ClarityRating,
	}

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responses (id, test_id, variant_id, user_id, tester_name, answer_html, clarity_rating, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.ID, r.TestID, r.VariantID, nullableID(r.UserID), r.TesterName, r.AnswerHTML, r.ClarityRating, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateResponse
		}
		return nil, fmt.Errorf("failed to insert response: %w", err)
	}

	resp.CreatedAt = time.Unix(now, 0)
	return resp, nil
}

const responseColumns = `id, test_id, variant_id, user_id, tester_name, answer_html, clarity_rating, created_at`

func (s *SQLiteStore) ListResponses(ctx context.Context, testID string) ([]*Response, error) {
	return s.queryResponses(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE test_id = ? ORDER BY created_at DESC, rowid DESC`, testID)
}

func (s *SQLiteStore) ListAllResponses(ctx context.Context) ([]*Response, error) {
	return s.queryResponses(ctx,
		`SELECT `+responseColumns+` FROM responses ORDER BY created_at DESC, rowid DESC`)
}

func (s *SQLiteStore) RespondedTestIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT test_id FROM responses WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list responded tests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan test id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) queryResponses(ctx context.Context, query string, args ...any) ([]*Response, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	defer rows.Close()

	var responses []*Response
	for rows.Next() {
		var r Response
		var userID sql.NullString
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.TestID, &r.VariantID, &userID, &r.TesterName, &r.AnswerHTML, &r.ClarityRating, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		if userID.Valid {
			id := userID.String
			r.UserID = &id
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		responses = append(responses, &r)
	}
	return responses, rows.Err()
}

// helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var createdAt int64
	err := row.Scan(&p.ID, &p.Email, &p.Name, &p.Role, &p.PasswordHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

func scanTest(row rowScanner) (*Test, error) {
	var test Test
	var userID, intended, notes sql.NullString
	var createdAt int64

	err := row.Scan(&test.ID, &userID, &test.CreatorName, &test.ChannelTag, &intended, &notes,
		&test.Status, &test.TargetResponses, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	fillTest(&test, userID, intended, notes, createdAt)
	return &test, nil
}

func fillTest(t *Test, userID, intended, notes sql.NullString, createdAt int64) {
	if userID.Valid {
		id := userID.String
		t.UserID = &id
	}
	t.IntendedMessage = intended.String
	t.Notes = notes.String
	t.CreatedAt = time.Unix(createdAt, 0)
}

func (f TestFilter) clause() (string, []any) {
	var conds []string
	var args []any

	if f.Status != "" {
		conds = append(conds, "t.status = ?")
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		conds = append(conds, "t.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ExcludeUserID != "" {
		conds = append(conds, "(t.user_id IS NULL OR t.user_id != ?)")
		args = append(args, f.ExcludeUserID)
	}
	if len(f.ExcludeIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.ExcludeIDs)), ",")
		conds = append(conds, "t.id NOT IN ("+placeholders+")")
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullableID(id *string) sql.NullString {
	if id == nil || *id == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *id, Valid: true}
}

func nullableText(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
