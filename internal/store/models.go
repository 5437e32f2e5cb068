package store

import "time"

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin
}

type TestStatus string

const (
	StatusActive    TestStatus = "active"
	StatusCompleted TestStatus = "completed"
	StatusArchived  TestStatus = "archived"
)

// CanTransition reports whether a test may move from s to next.
// Status only moves forward; archived is terminal.
func (s TestStatus) CanTransition(next TestStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusCompleted || next == StatusArchived
	case StatusCompleted:
		return next == StatusArchived
	default:
		return false
	}
}

// Channels is the enumerated set of channel tags a test can carry.
var Channels = []string{"Main", "Gaming", "Beast Reacts", "Beast Philanthropy", "Other"}

const (
	DefaultChannel         = "Main"
	DefaultDurationBadge   = "10:00"
	DefaultTargetResponses = 10
)

func ValidChannel(tag string) bool {
	for _, c := range Channels {
		if c == tag {
			return true
		}
	}
	return false
}

type Profile struct {
	ID           string
	Email        string
	Name         string
	Role         Role
	PasswordHash []byte
	CreatedAt    time.Time
}

func (p *Profile) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

type Test struct {
	ID              string
	UserID          *string // nil for legacy/anonymous tests
	CreatorName     string
	ChannelTag      string
	IntendedMessage string
	Notes           string
	Status          TestStatus
	TargetResponses int
	CreatedAt       time.Time
}

// OwnedBy reports whether userID owns the test.
func (t *Test) OwnedBy(userID string) bool {
	return t.UserID != nil && *t.UserID == userID
}

type Variant struct {
	ID            string
	TestID        string
	ThumbnailURL  string
	DisplayOrder  int
	DurationBadge string
	CreatedAt     time.Time
}

type Response struct {
	ID            string    `json:"id"`
	TestID        string    `json:"test_id"`
	VariantID     string    `json:"variant_id"`
	UserID        *string   `json:"user_id,omitempty"`
	TesterName    string    `json:"tester_name"`
	AnswerHTML    string    `json:"answer_html"`
	ClarityRating int       `json:"clarity_rating"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewTest holds the fields set when a test is published.
type NewTest struct {
	UserID          *string
	CreatorName     string
	ChannelTag      string
	IntendedMessage string
	Notes           string
	TargetResponses int
}

type NewVariant struct {
	TestID        string
	ThumbnailURL  string
	DisplayOrder  int
	DurationBadge string
}

type NewResponse struct {
	TestID        string
	VariantID     string
	UserID        *string
	TesterName    string
	AnswerHTML    string
	ClarityRating int
}

// TestFilter narrows ListTests. Zero values mean "no filter".
type TestFilter struct {
	Status        TestStatus
	UserID        string
	ExcludeUserID string
	ExcludeIDs    []string
	Limit         int
}

// TestSummary is a test joined with its primary variant and response aggregates.
type TestSummary struct {
	Test          *Test
	ThumbnailURL  string
	DurationBadge string
	ResponseCount int
	AvgRating     float64
}
