// README: FCM push notifications telling providers about new offers.
package notify

import (
	"context"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/multierr"

	"roadside/internal/logger"
	"roadside/internal/modules/request"
	"roadside/internal/types"
)

type TokenResolver interface {
	DeviceTokens(ctx context.Context, ids []types.ID) (map[types.ID]string, error)
}

type batchSender interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

type FCMNotifier struct {
	sender batchSender
	tokens TokenResolver
	log    *logger.Logger
}

func NewFCMNotifier(ctx context.Context, app *firebase.App, tokens TokenResolver, log *logger.Logger) (*FCMNotifier, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return newFCMNotifier(client, tokens, log), nil
}

func newFCMNotifier(sender batchSender, tokens TokenResolver, log *logger.Logger) *FCMNotifier {
	if log == nil {
		log = logger.Nop()
	}
	return &FCMNotifier{sender: sender, tokens: tokens, log: log}
}

// NotifyProviders pushes an offer to every provider with a registered device.
// Providers without a token are skipped.
func (n *FCMNotifier) NotifyProviders(ctx context.Context, r *request.ServiceRequest, providerIDs []types.ID) error {
	tokens, err := n.tokens.DeviceTokens(ctx, providerIDs)
	if err != nil {
		return fmt.Errorf("resolve device tokens: %w", err)
	}
	msgs := offerMessages(r, providerIDs, tokens)
	if len(msgs) == 0 {
		return nil
	}

	resp, err := n.sender.SendEach(ctx, msgs)
	if err != nil {
		return fmt.Errorf("sending FCM batch for request %s: %w", r.ID, err)
	}
	var errs error
	for i, res := range resp.Responses {
		if res != nil && !res.Success {
			errs = multierr.Append(errs, fmt.Errorf("fcm to provider %s: %w", msgs[i].Data["provider_id"], res.Error))
		}
	}
	n.log.Debug(n.log.WithFields(ctx, map[string]any{
		"service_request_id": string(r.ID),
		"sent":               resp.SuccessCount,
		"failed":             resp.FailureCount,
	}), "fcm offers sent")
	return errs
}

// NotifyRequester is a no-op: requesters follow progress through the status view.
func (n *FCMNotifier) NotifyRequester(context.Context, *request.ServiceRequest, request.Event) error {
	return nil
}

func offerMessages(r *request.ServiceRequest, providerIDs []types.ID, tokens map[types.ID]string) []*messaging.Message {
	msgs := make([]*messaging.Message, 0, len(providerIDs))
	for _, id := range providerIDs {
		token := tokens[id]
		if token == "" {
			continue
		}
		data := map[string]string{
			"type":        "new_offer",
			"request_id":  string(r.ID),
			"provider_id": string(id),
			"category":    string(r.Category),
			"urgency":     string(r.Urgency),
		}
		for _, o := range r.Offers {
			if o.ProviderID == id && o.State == request.OfferOpen {
				data["expires_at"] = strconv.FormatInt(o.ExpiresAt.Unix(), 10)
				if o.DistanceKm != nil {
					data["distance_km"] = strconv.FormatFloat(*o.DistanceKm, 'f', 2, 64)
				}
			}
		}
		if r.Location != nil {
			data["lat"] = strconv.FormatFloat(r.Location.Lat, 'f', 6, 64)
			data["lng"] = strconv.FormatFloat(r.Location.Lng, 'f', 6, 64)
		}
		msgs = append(msgs, &messaging.Message{
			Token: token,
			Data:  data,
			Notification: &messaging.Notification{
				Title: "New service request",
				Body:  offerBody(r),
			},
			Android: &messaging.AndroidConfig{Priority: "high"},
		})
	}
	return msgs
}

func offerBody(r *request.ServiceRequest) string {
	body := fmt.Sprintf("%s request (%s urgency)", r.Category, r.Urgency)
	if r.Location != nil && r.Location.Address != "" {
		body += " near " + r.Location.Address
	}
	return body
}
