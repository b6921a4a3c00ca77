package notify

import (
	"context"

	"go.uber.org/multierr"

	"roadside/internal/modules/request"
	"roadside/internal/types"
)

// Fanout delivers to every notifier and combines their errors.
type Fanout []request.Notifier

func (f Fanout) NotifyProviders(ctx context.Context, r *request.ServiceRequest, providerIDs []types.ID) error {
	var errs error
	for _, n := range f {
		errs = multierr.Append(errs, n.NotifyProviders(ctx, r, providerIDs))
	}
	return errs
}

func (f Fanout) NotifyRequester(ctx context.Context, r *request.ServiceRequest, ev request.Event) error {
	var errs error
	for _, n := range f {
		errs = multierr.Append(errs, n.NotifyRequester(ctx, r, ev))
	}
	return errs
}
