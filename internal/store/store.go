package store

import "context"

// Store defines the interface for record storage operations
type Store interface {
	// Profile operations
	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (*Profile, error)
	ListProfiles(ctx context.Context) ([]*Profile, error)
	UpdateProfileRole(ctx context.Context, id string, role Role) error

	// Test operations
	CreateTest(ctx context.Context, t NewTest) (*Test, error)
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context, filter TestFilter) ([]*Test, error)
	ListTestSummaries(ctx context.Context, filter TestFilter) ([]*TestSummary, error)
	UpdateTestStatus(ctx context.Context, id string, status TestStatus) error
	DeleteTest(ctx context.Context, id string) error

	// Variant operations
	CreateVariant(ctx context.Context, v NewVariant) (*Variant, error)
	ListVariants(ctx context.Context, testID string) ([]*Variant, error)
	PrimaryVariant(ctx context.Context, testID string) (*Variant, error)

	// Response operations
	CreateResponse(ctx context.Context, r NewResponse) (*Response, error)
	ListResponses(ctx context.Context, testID string) ([]*Response, error)
	ListAllResponses(ctx context.Context) ([]*Response, error)
	RespondedTestIDs(ctx context.Context, userID string) ([]string, error)

	// Lifecycle
	Close() error
}
