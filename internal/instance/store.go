package instance

import (
	"context"
	"time"

	"github.com/mbd888/tenantfleet/internal/pagination"
)

// Store persists instances and their transitions.
type Store interface {
	// Create inserts inst, which must be in StatusRequested, together with
	// its first transition. It fails with ErrActiveInstanceExists when the
	// subscription already has an instance that occupies its slot.
	Create(ctx context.Context, inst *Instance) error

	Get(ctx context.Context, id string) (*Instance, error)

	// UpdateStatus applies change if the instance is still in expected (and
	// at change.ExpectedVersion, when set). It returns the updated instance,
	// ErrConflict on a mismatch or ErrNotFound.
	UpdateStatus(ctx context.Context, id string, expected Status, change Change) (*Instance, error)

	// ListActiveForSubscription returns the instances occupying the
	// subscription's slot.
	ListActiveForSubscription(ctx context.Context, subscriptionID string) ([]*Instance, error)

	// ListTransitions returns an instance's transitions, oldest first.
	ListTransitions(ctx context.Context, id string) ([]*Transition, error)

	// ListInFlight returns instances in an in-flight status last updated
	// before olderThan, oldest first.
	ListInFlight(ctx context.Context, olderThan time.Time, limit int) ([]*Instance, error)

	// List returns instances newest first, starting after cursor.
	List(ctx context.Context, filter Filter, cursor *pagination.Cursor, limit int) ([]*Instance, error)
}
