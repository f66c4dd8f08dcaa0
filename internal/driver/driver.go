// Package driver abstracts the automated interaction with the external
// listings site. The executor only ever sees this capability surface, so
// its skip/retry policy is testable with a fake driver.
package driver

import (
	"context"
	"fmt"

	"github.com/dmercado/republish/internal/model"
)

// ItemID identifies one listing on the external site.
type ItemID string

// Driver establishes authenticated automation sessions against the site.
type Driver interface {
	// Authenticate logs in and returns one session. Failures are fatal to
	// the run that requested the session.
	Authenticate(ctx context.Context) (Session, error)
}

// Session is one authenticated interaction with the site. Sessions are
// never shared across concurrent runs, and Close must be invoked on every
// exit path.
type Session interface {
	// ListPending returns the identifiers of currently eligible listings
	// for a category. An empty result is valid, not an error.
	ListPending(ctx context.Context, category model.Category) ([]ItemID, error)

	// Republish attempts one republish action. Failures are independent
	// per item.
	Republish(ctx context.Context, category model.Category, item ItemID) error

	// Close releases the session.
	Close()
}

// AuthError is fatal to the whole run: no categories are processed.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// DiscoveryError means one category's pending listings could not be
// enumerated. The run records a zero count for it and continues.
type DiscoveryError struct {
	Category string
	Err      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for category %s: %v", e.Category, e.Err)
}
func (e *DiscoveryError) Unwrap() error { return e.Err }

// ItemActionError means one republish action failed. The item is skipped;
// neither the category nor the run aborts.
type ItemActionError struct {
	Category string
	Item     ItemID
	Err      error
}

func (e *ItemActionError) Error() string {
	return fmt.Sprintf("republish failed for item %s in category %s: %v", e.Item, e.Category, e.Err)
}
func (e *ItemActionError) Unwrap() error { return e.Err }
