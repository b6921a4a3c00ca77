// README: Service request aggregate, offer records and the lifecycle transition table.
package request

import (
	"errors"
	"time"

	"roadside/internal/types"
)

var (
	ErrInvalidIntake     = errors.New("invalid intake")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrActorMismatch     = errors.New("actor not permitted for this transition")
	ErrNotFound          = errors.New("service request not found")
	ErrConflict          = errors.New("service request changed concurrently")
	ErrActiveRequest     = errors.New("requester already has an active request")
)

type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusOnTheWay  Status = "on_the_way"
	StatusArrived   Status = "arrived"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Urgent requests get the short offer timeout.
func (u Urgency) Urgent() bool {
	return u == UrgencyHigh || u == UrgencyCritical
}

type RejectReason string

const (
	ReasonNoCandidates  RejectReason = "no_candidates_available"
	ReasonOfferTimeouts RejectReason = "offer_timeout_exhausted"
)

func (r RejectReason) Message() string {
	switch r {
	case ReasonNoCandidates:
		return "No eligible service provider is available nearby."
	case ReasonOfferTimeouts:
		return "No service provider accepted the request in time."
	default:
		return ""
	}
}

type Event string

const (
	EventSubmit          Event = "submit"
	EventNoCandidates    Event = "no_candidates"
	EventOffersExhausted Event = "offers_exhausted"
	EventAccept          Event = "accept"
	EventProviderDecline Event = "provider_decline"
	EventOnTheWay        Event = "on_the_way"
	EventArrived         Event = "arrived"
	EventCompleted       Event = "completed"
	EventCancel          Event = "cancel"
)

// AdvanceEvent parses the provider-driven progress events.
func AdvanceEvent(name string) (Event, bool) {
	switch Event(name) {
	case EventOnTheWay, EventArrived, EventCompleted:
		return Event(name), true
	}
	return "", false
}

type transitionKey struct {
	from  Status
	event Event
}

// transitions is the complete lifecycle. Anything absent is illegal.
var transitions = map[transitionKey]Status{
	{StatusNone, EventSubmit}:              StatusPending,
	{StatusPending, EventNoCandidates}:     StatusRejected,
	{StatusPending, EventOffersExhausted}:  StatusRejected,
	{StatusPending, EventAccept}:           StatusAccepted,
	{StatusPending, EventCancel}:           StatusCancelled,
	{StatusAccepted, EventOnTheWay}:        StatusOnTheWay,
	{StatusAccepted, EventProviderDecline}: StatusPending,
	{StatusAccepted, EventCancel}:          StatusCancelled,
	{StatusOnTheWay, EventArrived}:         StatusArrived,
	{StatusOnTheWay, EventCancel}:          StatusCancelled,
	{StatusArrived, EventCompleted}:        StatusCompleted,
}

// Next returns the status reached by applying ev in from.
func Next(from Status, ev Event) (Status, bool) {
	to, ok := transitions[transitionKey{from, ev}]
	return to, ok
}

// CanTransition reports whether any event moves from to to.
func CanTransition(from, to Status) bool {
	for k, v := range transitions {
		if k.from == from && v == to {
			return true
		}
	}
	return false
}

type VehicleInfo struct {
	Brand string `json:"brand" validate:"required,max=64"`
	Model string `json:"model" validate:"required,max=64"`
	Year  int    `json:"year" validate:"omitempty,min=1900,max=2100"`
	Plate string `json:"plate" validate:"required,max=16"`
}

type OfferState string

const (
	OfferOpen      OfferState = "open"
	OfferAccepted  OfferState = "accepted"
	OfferExpired   OfferState = "expired"
	OfferDeclined  OfferState = "declined"
	OfferWithdrawn OfferState = "withdrawn"
)

type Offer struct {
	ProviderID  types.ID   `json:"provider_id"`
	Round       int        `json:"round"`
	Rank        int        `json:"rank"`
	DistanceKm  *float64   `json:"distance_km,omitempty"`
	State       OfferState `json:"state"`
	OfferedAt   time.Time  `json:"offered_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

type ServiceRequest struct {
	ID                 types.ID
	RequesterID        types.ID
	Category           types.Category
	Urgency            Urgency
	Location           *types.Point
	VehicleInfo        VehicleInfo
	Description        string
	Status             Status
	StatusVersion      int
	AssignedProviderID *types.ID
	Offers             []Offer
	ExcludedProviders  []types.ID
	// Round increments each time an accepted request is re-opened.
	Round        int
	RejectReason *RejectReason
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AcceptedAt   *time.Time
	OnTheWayAt   *time.Time
	ArrivedAt    *time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time
	RejectedAt   *time.Time
}

// TransitionEvent is one row of the lifecycle audit log.
type TransitionEvent struct {
	RequestID  types.ID
	FromStatus Status
	ToStatus   Status
	Event      Event
	ActorID    *types.ID
	CreatedAt  time.Time
}

func (r *ServiceRequest) IsExcluded(id types.ID) bool {
	for _, x := range r.ExcludedProviders {
		if x == id {
			return true
		}
	}
	return false
}

// OpenOffers returns the ids holding an open offer.
func (r *ServiceRequest) OpenOffers() []types.ID {
	var out []types.ID
	for _, o := range r.Offers {
		if o.State == OfferOpen {
			out = append(out, o.ProviderID)
		}
	}
	return out
}

// OfferedTo lists every provider offered in any round, in offer order.
func (r *ServiceRequest) OfferedTo() []types.ID {
	seen := make(map[types.ID]bool, len(r.Offers))
	var out []types.ID
	for _, o := range r.Offers {
		if !seen[o.ProviderID] {
			seen[o.ProviderID] = true
			out = append(out, o.ProviderID)
		}
	}
	return out
}

// latestOffer returns the index of the provider's most recent offer, or -1.
func (r *ServiceRequest) latestOffer(id types.ID) int {
	for i := len(r.Offers) - 1; i >= 0; i-- {
		if r.Offers[i].ProviderID == id {
			return i
		}
	}
	return -1
}

func (r *ServiceRequest) offeredInRound(id types.ID, round int) bool {
	for _, o := range r.Offers {
		if o.ProviderID == id && o.Round == round {
			return true
		}
	}
	return false
}

func (r *ServiceRequest) roundHasOffers() bool {
	for _, o := range r.Offers {
		if o.Round == r.Round {
			return true
		}
	}
	return false
}

func (r *ServiceRequest) openCount() int {
	n := 0
	for _, o := range r.Offers {
		if o.State == OfferOpen {
			n++
		}
	}
	return n
}

// closeOpenOffers moves every open offer to state and returns how many moved.
func (r *ServiceRequest) closeOpenOffers(state OfferState, at time.Time) int {
	n := 0
	for i := range r.Offers {
		if r.Offers[i].State == OfferOpen {
			t := at
			r.Offers[i].State = state
			r.Offers[i].RespondedAt = &t
			n++
		}
	}
	return n
}

// expireOffers closes open offers whose deadline is at or before now.
func (r *ServiceRequest) expireOffers(now time.Time) int {
	n := 0
	for i := range r.Offers {
		o := &r.Offers[i]
		if o.State == OfferOpen && !o.ExpiresAt.After(now) {
			t := now
			o.State = OfferExpired
			o.RespondedAt = &t
			n++
		}
	}
	return n
}

// DispatchDueAt is when the offer sweep must next look at the request: the
// earliest open offer deadline, or the last update when nothing is open yet.
// It is nil outside pending.
func (r *ServiceRequest) DispatchDueAt() *time.Time {
	if r.Status != StatusPending {
		return nil
	}
	var due *time.Time
	for _, o := range r.Offers {
		if o.State != OfferOpen {
			continue
		}
		if due == nil || o.ExpiresAt.Before(*due) {
			t := o.ExpiresAt
			due = &t
		}
	}
	if due == nil {
		t := r.UpdatedAt
		due = &t
	}
	return due
}

// Clone returns a deep copy.
func (r *ServiceRequest) Clone() *ServiceRequest {
	out := *r
	if r.Location != nil {
		loc := *r.Location
		if r.Location.Accuracy != nil {
			acc := *r.Location.Accuracy
			loc.Accuracy = &acc
		}
		out.Location = &loc
	}
	out.AssignedProviderID = cloneID(r.AssignedProviderID)
	out.Offers = make([]Offer, len(r.Offers))
	for i, o := range r.Offers {
		out.Offers[i] = o
		out.Offers[i].RespondedAt = cloneTime(o.RespondedAt)
		if o.DistanceKm != nil {
			d := *o.DistanceKm
			out.Offers[i].DistanceKm = &d
		}
	}
	out.ExcludedProviders = append([]types.ID(nil), r.ExcludedProviders...)
	if r.RejectReason != nil {
		reason := *r.RejectReason
		out.RejectReason = &reason
	}
	out.AcceptedAt = cloneTime(r.AcceptedAt)
	out.OnTheWayAt = cloneTime(r.OnTheWayAt)
	out.ArrivedAt = cloneTime(r.ArrivedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.CancelledAt = cloneTime(r.CancelledAt)
	out.RejectedAt = cloneTime(r.RejectedAt)
	return &out
}

func cloneID(id *types.ID) *types.ID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
