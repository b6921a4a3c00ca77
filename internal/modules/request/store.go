// README: Persistence contract for service requests; every write is a version-checked swap.
package request

import (
	"context"
	"time"

	"roadside/internal/types"
)

type Store interface {
	// Create inserts a new record. It fails with ErrActiveRequest when the
	// requester already has a non-terminal request.
	Create(ctx context.Context, r *ServiceRequest) error
	Get(ctx context.Context, id types.ID) (*ServiceRequest, error)
	// Update replaces the record only if its stored version still equals
	// expectedVersion; on success the version becomes expectedVersion+1 and
	// r.StatusVersion is set to it. A false result means another writer won.
	Update(ctx context.Context, r *ServiceRequest, expectedVersion int) (bool, error)
	// ListDispatchDue returns pending requests whose DispatchDueAt is at or
	// before now, oldest first.
	ListDispatchDue(ctx context.Context, now time.Time, limit int) ([]types.ID, error)
	AppendEvent(ctx context.Context, e TransitionEvent) error
}
