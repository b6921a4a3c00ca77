// README: Tracking service exposes the requester/provider status view and the cancel-with-reason surface.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"roadside/internal/logger"
	"roadside/internal/modules/location"
	"roadside/internal/modules/provider"
	"roadside/internal/modules/request"
	"roadside/internal/types"
)

const DefaultAverageSpeedKmh = 30.0

type Requests interface {
	Get(ctx context.Context, id types.ID) (*request.ServiceRequest, error)
	Cancel(ctx context.Context, cmd request.CancelCommand) (*request.ServiceRequest, error)
}

type ProviderLocator interface {
	Get(ctx context.Context, id types.ID) (*provider.Provider, error)
}

type Service struct {
	requests  Requests
	providers ProviderLocator
	speedKmh  float64
	log       *logger.Logger
}

func NewService(requests Requests, providers ProviderLocator, averageSpeedKmh float64, log *logger.Logger) *Service {
	if averageSpeedKmh <= 0 {
		averageSpeedKmh = DefaultAverageSpeedKmh
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{requests: requests, providers: providers, speedKmh: averageSpeedKmh, log: log}
}

type View struct {
	ID                  types.ID              `json:"id"`
	RequesterID         types.ID              `json:"requester_id"`
	Category            types.Category        `json:"category"`
	Urgency             request.Urgency       `json:"urgency"`
	Status              request.Status        `json:"status"`
	StatusVersion       int                   `json:"status_version"`
	Location            *types.Point          `json:"location,omitempty"`
	VehicleInfo         request.VehicleInfo   `json:"vehicle_info"`
	Description         string                `json:"description,omitempty"`
	AssignedProviderID  *types.ID             `json:"assigned_provider_id,omitempty"`
	Offers              []request.Offer       `json:"offers,omitempty"`
	RejectReason        *request.RejectReason `json:"reject_reason,omitempty"`
	RejectMessage       string                `json:"reject_message,omitempty"`
	ProviderLocation    *types.Point          `json:"provider_location,omitempty"`
	ProviderDistanceKm  *float64              `json:"provider_distance_km,omitempty"`
	EstimatedArrivalMin *int                  `json:"estimated_arrival_minutes,omitempty"`
	Cancellable         bool                  `json:"cancellable"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
	AcceptedAt          *time.Time            `json:"accepted_at,omitempty"`
	OnTheWayAt          *time.Time            `json:"on_the_way_at,omitempty"`
	ArrivedAt           *time.Time            `json:"arrived_at,omitempty"`
	CompletedAt         *time.Time            `json:"completed_at,omitempty"`
	CancelledAt         *time.Time            `json:"cancelled_at,omitempty"`
	RejectedAt          *time.Time            `json:"rejected_at,omitempty"`
}

type CancelResult struct {
	Success bool           `json:"success"`
	Status  request.Status `json:"status"`
	Reason  string         `json:"reason,omitempty"`
}

// GetStatus returns the view of a request to its requester, its assigned
// provider, or a provider holding an open offer on it.
func (s *Service) GetStatus(ctx context.Context, requestID, actorID types.ID) (*View, error) {
	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !canView(r, actorID) {
		return nil, fmt.Errorf("%w: not a party to this request", request.ErrActorMismatch)
	}
	return s.Render(ctx, r, actorID), nil
}

// Render builds the view of r for viewer. Offers are only shown while
// pending: the requester sees all of them, a provider only its own.
func (s *Service) Render(ctx context.Context, r *request.ServiceRequest, viewer types.ID) *View {
	v := &View{
		ID:                 r.ID,
		RequesterID:        r.RequesterID,
		Category:           r.Category,
		Urgency:            r.Urgency,
		Status:             r.Status,
		StatusVersion:      r.StatusVersion,
		Location:           r.Location,
		VehicleInfo:        r.VehicleInfo,
		Description:        r.Description,
		AssignedProviderID: r.AssignedProviderID,
		RejectReason:       r.RejectReason,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		AcceptedAt:         r.AcceptedAt,
		OnTheWayAt:         r.OnTheWayAt,
		ArrivedAt:          r.ArrivedAt,
		CompletedAt:        r.CompletedAt,
		CancelledAt:        r.CancelledAt,
		RejectedAt:         r.RejectedAt,
	}
	_, v.Cancellable = request.Next(r.Status, request.EventCancel)
	if r.RejectReason != nil {
		v.RejectMessage = r.RejectReason.Message()
	}
	if r.Status == request.StatusPending {
		v.Offers = visibleOffers(r, viewer)
	}

	switch r.Status {
	case request.StatusArrived:
		zero := 0
		v.EstimatedArrivalMin = &zero
	case request.StatusAccepted, request.StatusOnTheWay:
		s.attachETA(ctx, r, v)
	}
	return v
}

func visibleOffers(r *request.ServiceRequest, viewer types.ID) []request.Offer {
	if viewer == r.RequesterID {
		return r.Offers
	}
	var own []request.Offer
	for _, o := range r.Offers {
		if o.ProviderID == viewer {
			own = append(own, o)
		}
	}
	return own
}

func (s *Service) attachETA(ctx context.Context, r *request.ServiceRequest, v *View) {
	if r.AssignedProviderID == nil || s.providers == nil {
		return
	}
	p, err := s.providers.Get(ctx, *r.AssignedProviderID)
	if err != nil {
		s.log.Warn(s.log.WithFields(ctx, map[string]any{"service_request_id": string(r.ID), "error": err.Error()}), "provider lookup for eta failed")
		return
	}
	if p.Location == nil {
		return
	}
	pos := *p.Location
	v.ProviderLocation = &pos
	if r.Location == nil {
		return
	}
	d, err := location.DistanceKm(pos, *r.Location)
	if err != nil {
		return
	}
	minutes := EstimateMinutes(d, s.speedKmh)
	v.ProviderDistanceKm = &d
	v.EstimatedArrivalMin = &minutes
}

// EstimateMinutes is a straight-line ETA at a constant speed, rounded up.
func EstimateMinutes(distanceKm, speedKmh float64) int {
	if distanceKm <= 0 || speedKmh <= 0 {
		return 0
	}
	return int(math.Ceil(distanceKm / speedKmh * 60))
}

// Cancel cancels on behalf of actorID. Outside the cancellation window the
// result carries a reason and the error wraps request.ErrInvalidTransition.
func (s *Service) Cancel(ctx context.Context, requestID, actorID types.ID) (CancelResult, error) {
	r, err := s.requests.Cancel(ctx, request.CancelCommand{RequestID: requestID, ActorID: actorID})
	if err == nil {
		return CancelResult{Success: true, Status: r.Status}, nil
	}
	if !errors.Is(err, request.ErrInvalidTransition) {
		return CancelResult{Reason: err.Error()}, err
	}

	res := CancelResult{Reason: "request can no longer be cancelled"}
	if current, getErr := s.requests.Get(ctx, requestID); getErr == nil {
		res.Status = current.Status
		res.Reason = cancelReason(current.Status)
	}
	return res, err
}

func cancelReason(status request.Status) string {
	switch status {
	case request.StatusArrived:
		return "the provider has already arrived; cancellation is no longer possible"
	case request.StatusCompleted:
		return "the request is already completed"
	case request.StatusCancelled:
		return "the request is already cancelled"
	case request.StatusRejected:
		return "the request was rejected"
	default:
		return fmt.Sprintf("a %s request cannot be cancelled", status)
	}
}

func canView(r *request.ServiceRequest, actorID types.ID) bool {
	if actorID == r.RequesterID {
		return true
	}
	if r.AssignedProviderID != nil && *r.AssignedProviderID == actorID {
		return true
	}
	if r.Status == request.StatusPending {
		for _, id := range r.OpenOffers() {
			if id == actorID {
				return true
			}
		}
	}
	return false
}
