// README: Notifier that only writes to the structured log.
package notify

import (
	"context"

	"roadside/internal/logger"
	"roadside/internal/modules/request"
	"roadside/internal/types"
)

// LogNotifier writes notifications to the structured log; used when no push
// or event transport is configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyProviders(ctx context.Context, r *request.ServiceRequest, providerIDs []types.ID) error {
	n.log.Info(n.log.WithFields(ctx, map[string]any{
		"service_request_id": string(r.ID),
		"provider_ids":       providerIDs,
	}), "offers issued")
	return nil
}

func (n *LogNotifier) NotifyRequester(ctx context.Context, r *request.ServiceRequest, ev request.Event) error {
	n.log.Info(n.log.WithFields(ctx, map[string]any{
		"service_request_id": string(r.ID),
		"requester_id":       string(r.RequesterID),
		"event":              string(ev),
		"status":             string(r.Status),
	}), "requester notified")
	return nil
}
