// README: Lifecycle engine for service requests: intake, offer rounds, assignment, progress and cancellation.
package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"roadside/internal/config"
	"roadside/internal/logger"
	"roadside/internal/metrics"
	"roadside/internal/modules/matching"
	"roadside/internal/types"
)

// maxWriteAttempts bounds re-read/re-plan cycles after a lost version check.
const maxWriteAttempts = 3

// contendedWriteAttempts bounds accepts and cancels, which keep retrying while
// other writers churn the version. The ctx deadline ends them sooner.
const contendedWriteAttempts = 64

const maxWriteBackoff = 5 * time.Millisecond

type Matcher interface {
	Match(ctx context.Context, category types.Category, near *types.Point) ([]matching.CandidateOffer, error)
}

type Notifier interface {
	NotifyProviders(ctx context.Context, r *ServiceRequest, providerIDs []types.ID) error
	NotifyRequester(ctx context.Context, r *ServiceRequest, ev Event) error
}

type Geocoder interface {
	ReverseGeocode(ctx context.Context, p types.Point) (string, error)
}

// Locker guards the offer sweep across replicas.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Deps struct {
	Store    Store
	Matcher  Matcher
	Notifier Notifier
	Geocoder Geocoder
	Logger   *logger.Logger
	Metrics  *metrics.Dispatch
	Config   config.DispatchConfig
	Now      func() time.Time
}

type Service struct {
	store    Store
	matcher  Matcher
	notifier Notifier
	geocoder Geocoder
	log      *logger.Logger
	metrics  *metrics.Dispatch
	cfg      config.DispatchConfig
	now      func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		matcher:  d.Matcher,
		notifier: d.Notifier,
		geocoder: d.Geocoder,
		log:      d.Logger,
		metrics:  d.Metrics,
		cfg:      d.Config,
		now:      d.Now,
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type AdvanceCommand struct {
	RequestID types.ID
	ActorID   types.ID
	Event     Event
}

type DeclineCommand struct {
	RequestID  types.ID
	ProviderID types.ID
}

type CancelCommand struct {
	RequestID types.ID
	ActorID   types.ID
}

type step struct {
	from, to Status
	event    Event
	actor    *types.ID
}

// change is one planned write together with its side effects.
type change struct {
	next    *ServiceRequest
	steps   []step
	offered []types.ID
	expired int
	dirty   bool
}

func (c *change) transition(to Status, ev Event, actor *types.ID) {
	c.steps = append(c.steps, step{from: c.next.Status, to: to, event: ev, actor: actor})
	c.next.Status = to
	c.dirty = true
}

var (
	errAssignmentLost = errors.New("assignment lost")
	errAlreadyHeld    = errors.New("assignment already held")
)

func (s *Service) Get(ctx context.Context, id types.ID) (*ServiceRequest, error) {
	return s.store.Get(ctx, id)
}

// Submit validates intake, creates the request in pending and runs the first
// offer round. A failed first round leaves the request pending for the sweep.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (*ServiceRequest, error) {
	if err := ValidateIntake(cmd); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	r := &ServiceRequest{
		ID:          types.ID(uuid.NewString()),
		RequesterID: cmd.RequesterID,
		Category:    cmd.Category,
		Urgency:     cmd.Urgency,
		VehicleInfo: cmd.VehicleInfo,
		Description: cmd.Description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cmd.Location != nil {
		loc := *cmd.Location
		if cmd.Location.Accuracy != nil {
			acc := *cmd.Location.Accuracy
			loc.Accuracy = &acc
		}
		r.Location = &loc
		s.labelLocation(ctx, r.Location)
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	ctx = s.log.WithField(ctx, "service_request_id", string(r.ID))
	s.record(ctx, r, step{from: StatusNone, to: StatusPending, event: EventSubmit, actor: &r.RequesterID})
	s.metrics.IncSubmitted(string(r.Category), string(r.Urgency))

	out, _, err := s.mutate(ctx, r.ID, func(current *ServiceRequest, now time.Time) (*change, error) {
		return s.planDispatch(ctx, current, now)
	})
	if err != nil {
		s.log.Error(ctx, "initial dispatch failed; request left for offer sweep", err)
		if latest, getErr := s.store.Get(ctx, r.ID); getErr == nil {
			return latest, nil
		}
		return r, nil
	}
	return out, nil
}

// TryAssign is the single arbitration point for accepts. Exactly one provider
// can win a pending request; a provider that loses the race gets false with a
// nil error. Accepting a request the caller already holds reports true again.
func (s *Service) TryAssign(ctx context.Context, requestID, providerID types.ID) (bool, error) {
	ctx = s.log.WithFields(ctx, map[string]any{"service_request_id": string(requestID), "provider_id": string(providerID)})
	_, _, err := s.mutateContended(ctx, requestID, func(current *ServiceRequest, now time.Time) (*change, error) {
		return s.planAssign(current, providerID, now)
	})
	switch {
	case err == nil:
		s.metrics.IncAssignment("granted")
		return true, nil
	case errors.Is(err, errAlreadyHeld):
		return true, nil
	case errors.Is(err, errAssignmentLost):
		s.metrics.IncAssignment("lost")
		s.log.Info(ctx, "assignment lost to another provider")
		return false, nil
	case errors.Is(err, ErrConflict):
		// Out of attempts. Only a request that moved on counts as lost.
		current, getErr := s.store.Get(ctx, requestID)
		if getErr == nil && (current.Status != StatusPending || current.AssignedProviderID != nil) {
			s.metrics.IncAssignment("lost")
			return false, nil
		}
		s.metrics.IncAssignment("conflict")
		s.log.Warn(ctx, "assignment gave up under write contention")
		return false, err
	default:
		s.metrics.IncAssignment("refused")
		return false, err
	}
}

func (s *Service) planAssign(current *ServiceRequest, providerID types.ID, now time.Time) (*change, error) {
	switch {
	case current.Status == StatusPending:
	case current.Status == StatusAccepted && current.AssignedProviderID != nil && *current.AssignedProviderID == providerID:
		return nil, errAlreadyHeld
	case current.Status.Terminal():
		return nil, fmt.Errorf("%w: request is %s", ErrInvalidTransition, current.Status)
	default:
		return nil, errAssignmentLost
	}

	if current.IsExcluded(providerID) {
		return nil, fmt.Errorf("%w: provider is excluded from this request", ErrActorMismatch)
	}
	idx := current.latestOffer(providerID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: provider holds no offer", ErrActorMismatch)
	}
	offer := current.Offers[idx]
	if offer.State != OfferOpen || offer.Round != current.Round || !offer.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: offer is no longer open", ErrInvalidTransition)
	}
	to, ok := Next(current.Status, EventAccept)
	if !ok {
		return nil, ErrInvalidTransition
	}

	ch := &change{next: current.Clone()}
	next := ch.next
	responded := now
	next.Offers[idx].State = OfferAccepted
	next.Offers[idx].RespondedAt = &responded
	next.closeOpenOffers(OfferWithdrawn, now)
	assignee := providerID
	next.AssignedProviderID = &assignee
	next.AcceptedAt = &responded
	ch.transition(to, EventAccept, &assignee)
	return ch, nil
}

// Advance applies a provider-driven progress event. Only the assignee may
// drive on_the_way, arrived and completed.
func (s *Service) Advance(ctx context.Context, cmd AdvanceCommand) (*ServiceRequest, error) {
	ctx = s.log.WithField(ctx, "service_request_id", string(cmd.RequestID))
	out, _, err := s.mutate(ctx, cmd.RequestID, func(current *ServiceRequest, now time.Time) (*change, error) {
		if _, ok := AdvanceEvent(string(cmd.Event)); !ok {
			return nil, fmt.Errorf("%w: %q is not a progress event", ErrInvalidTransition, cmd.Event)
		}
		to, ok := Next(current.Status, cmd.Event)
		if !ok {
			return nil, fmt.Errorf("%w: %s does not allow %s", ErrInvalidTransition, current.Status, cmd.Event)
		}
		if current.AssignedProviderID == nil || *current.AssignedProviderID != cmd.ActorID {
			return nil, fmt.Errorf("%w: only the assigned provider may report progress", ErrActorMismatch)
		}
		ch := &change{next: current.Clone()}
		at := now
		switch to {
		case StatusOnTheWay:
			ch.next.OnTheWayAt = &at
		case StatusArrived:
			ch.next.ArrivedAt = &at
		case StatusCompleted:
			ch.next.CompletedAt = &at
		}
		actor := cmd.ActorID
		ch.transition(to, cmd.Event, &actor)
		return ch, nil
	})
	return out, err
}

// Cancel is requester-only and allowed while pending, accepted or on the way.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*ServiceRequest, error) {
	ctx = s.log.WithField(ctx, "service_request_id", string(cmd.RequestID))
	out, _, err := s.mutateContended(ctx, cmd.RequestID, func(current *ServiceRequest, now time.Time) (*change, error) {
		to, ok := Next(current.Status, EventCancel)
		if !ok {
			return nil, fmt.Errorf("%w: cannot cancel a request that is %s", ErrInvalidTransition, current.Status)
		}
		if current.RequesterID != cmd.ActorID {
			return nil, fmt.Errorf("%w: only the requester may cancel", ErrActorMismatch)
		}
		ch := &change{next: current.Clone()}
		at := now
		ch.next.closeOpenOffers(OfferWithdrawn, now)
		ch.next.AssignedProviderID = nil
		ch.next.CancelledAt = &at
		actor := cmd.ActorID
		ch.transition(to, EventCancel, &actor)
		return ch, nil
	})
	return out, err
}

// Decline lets a provider turn down an open offer, or give back an accepted
// request before departing. Giving back re-opens the request for a new round
// that excludes the provider.
func (s *Service) Decline(ctx context.Context, cmd DeclineCommand) (*ServiceRequest, error) {
	ctx = s.log.WithFields(ctx, map[string]any{"service_request_id": string(cmd.RequestID), "provider_id": string(cmd.ProviderID)})
	out, _, err := s.mutate(ctx, cmd.RequestID, func(current *ServiceRequest, now time.Time) (*change, error) {
		ch := &change{next: current.Clone(), dirty: true}
		next := ch.next
		at := now
		actor := cmd.ProviderID

		switch current.Status {
		case StatusPending:
			idx := current.latestOffer(cmd.ProviderID)
			if idx < 0 || current.IsExcluded(cmd.ProviderID) {
				return nil, fmt.Errorf("%w: provider holds no offer", ErrActorMismatch)
			}
			if o := current.Offers[idx]; o.State != OfferOpen || o.Round != current.Round {
				return nil, fmt.Errorf("%w: offer is no longer open", ErrInvalidTransition)
			}
			next.Offers[idx].State = OfferDeclined
			next.Offers[idx].RespondedAt = &at
		case StatusAccepted:
			if current.AssignedProviderID == nil || *current.AssignedProviderID != cmd.ProviderID {
				return nil, fmt.Errorf("%w: only the assigned provider may give back a request", ErrActorMismatch)
			}
			to, ok := Next(current.Status, EventProviderDecline)
			if !ok {
				return nil, ErrInvalidTransition
			}
			if idx := current.latestOffer(cmd.ProviderID); idx >= 0 {
				next.Offers[idx].State = OfferDeclined
				next.Offers[idx].RespondedAt = &at
			}
			next.AssignedProviderID = nil
			next.AcceptedAt = nil
			next.ExcludedProviders = append(next.ExcludedProviders, cmd.ProviderID)
			next.Round++
			ch.transition(to, EventProviderDecline, &actor)
		default:
			return nil, fmt.Errorf("%w: cannot decline a request that is %s", ErrInvalidTransition, current.Status)
		}

		if err := s.fillOffers(ctx, ch, now); err != nil {
			return nil, err
		}
		return ch, nil
	})
	return out, err
}

// ExpireOffers closes lapsed offers on a pending request and runs the next
// offer round. Requests outside pending are returned unchanged.
func (s *Service) ExpireOffers(ctx context.Context, id types.ID) (*ServiceRequest, error) {
	ctx = s.log.WithField(ctx, "service_request_id", string(id))
	out, _, err := s.mutate(ctx, id, func(current *ServiceRequest, now time.Time) (*change, error) {
		return s.planDispatch(ctx, current, now)
	})
	return out, err
}

func (s *Service) planDispatch(ctx context.Context, current *ServiceRequest, now time.Time) (*change, error) {
	if current.Status != StatusPending {
		return nil, nil
	}
	ch := &change{next: current.Clone()}
	if err := s.fillOffers(ctx, ch, now); err != nil {
		return nil, err
	}
	if !ch.dirty {
		return nil, nil
	}
	return ch, nil
}

// fillOffers expires lapsed offers, tops open offers up to the policy's batch
// from a fresh ranking, and rejects the request once nobody is left to ask.
func (s *Service) fillOffers(ctx context.Context, ch *change, now time.Time) error {
	next := ch.next
	if next.Status != StatusPending {
		return nil
	}
	if ch.expired = next.expireOffers(now); ch.expired > 0 {
		ch.dirty = true
	}

	if want := s.cfg.OfferBatch() - next.openCount(); want > 0 {
		ranked, err := s.matcher.Match(ctx, next.Category, next.Location)
		if err != nil {
			return fmt.Errorf("match candidates: %w", err)
		}
		timeout := s.offerTimeout(next.Urgency)
		for _, c := range ranked {
			if len(ch.offered) == want {
				break
			}
			if next.IsExcluded(c.ProviderID) || next.offeredInRound(c.ProviderID, next.Round) {
				continue
			}
			o := Offer{
				ProviderID: c.ProviderID,
				Round:      next.Round,
				Rank:       c.Rank,
				State:      OfferOpen,
				OfferedAt:  now,
				ExpiresAt:  now.Add(timeout),
			}
			if c.Located {
				d := c.DistanceKm
				o.DistanceKm = &d
			}
			next.Offers = append(next.Offers, o)
			ch.offered = append(ch.offered, c.ProviderID)
			ch.dirty = true
		}
	}

	if next.openCount() > 0 {
		return nil
	}
	reason, ev := ReasonOfferTimeouts, EventOffersExhausted
	if !next.roundHasOffers() {
		reason, ev = ReasonNoCandidates, EventNoCandidates
	}
	to, ok := Next(next.Status, ev)
	if !ok {
		return ErrInvalidTransition
	}
	at := now
	next.RejectReason = &reason
	next.RejectedAt = &at
	ch.transition(to, ev, nil)
	return nil
}

func (s *Service) offerTimeout(u Urgency) time.Duration {
	if u.Urgent() {
		return s.cfg.UrgentOfferTimeout
	}
	return s.cfg.StandardOfferTimeout
}

// mutate re-reads the request, plans a change and writes it with a version
// check, re-planning when another writer got there first. A nil change from
// plan is a no-op.
func (s *Service) mutate(ctx context.Context, id types.ID, plan planFunc) (*ServiceRequest, *change, error) {
	return s.write(ctx, id, maxWriteAttempts, plan)
}

// mutateContended is mutate with a larger budget and a short backoff between
// lost version checks.
func (s *Service) mutateContended(ctx context.Context, id types.ID, plan planFunc) (*ServiceRequest, *change, error) {
	return s.write(ctx, id, contendedWriteAttempts, plan)
}

type planFunc func(current *ServiceRequest, now time.Time) (*change, error)

func (s *Service) write(ctx context.Context, id types.ID, attempts int, plan planFunc) (*ServiceRequest, *change, error) {
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := writeBackoff(ctx, attempt); err != nil {
				return nil, nil, err
			}
		}
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		now := s.stamp(current)
		ch, err := plan(current, now)
		if err != nil {
			return nil, nil, err
		}
		if ch == nil {
			return current, nil, nil
		}
		ch.next.UpdatedAt = now
		ok, err := s.store.Update(ctx, ch.next, current.StatusVersion)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			s.afterCommit(ctx, ch)
			return ch.next, ch, nil
		}
	}
	return nil, nil, ErrConflict
}

func writeBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt) * 250 * time.Microsecond
	if d > maxWriteBackoff {
		d = maxWriteBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// stamp returns the write time for a change to r; timestamps never move backwards.
func (s *Service) stamp(r *ServiceRequest) time.Time {
	now := s.now().UTC()
	if now.Before(r.UpdatedAt) {
		return r.UpdatedAt
	}
	return now
}

func (s *Service) afterCommit(ctx context.Context, ch *change) {
	r := ch.next
	for _, st := range ch.steps {
		s.record(ctx, r, st)
	}
	s.metrics.AddOffers(string(OfferExpired), ch.expired)
	s.metrics.AddOffers(string(OfferOpen), len(ch.offered))
	if r.Status == StatusRejected && r.RejectReason != nil {
		s.metrics.IncRejection(string(*r.RejectReason))
	}

	if s.notifier == nil {
		return
	}
	if len(ch.offered) > 0 {
		if err := s.notifier.NotifyProviders(ctx, r, ch.offered); err != nil {
			s.log.Warn(s.log.WithField(ctx, "error", err.Error()), "provider notification failed")
		}
	}
	for _, st := range ch.steps {
		if err := s.notifier.NotifyRequester(ctx, r, st.event); err != nil {
			s.log.Warn(s.log.WithField(ctx, "error", err.Error()), "requester notification failed")
		}
	}
}

func (s *Service) record(ctx context.Context, r *ServiceRequest, st step) {
	e := TransitionEvent{
		RequestID:  r.ID,
		FromStatus: st.from,
		ToStatus:   st.to,
		Event:      st.event,
		ActorID:    st.actor,
		CreatedAt:  r.UpdatedAt,
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		s.log.Error(ctx, "append transition event", err)
	}
	s.metrics.IncTransition(string(st.from), string(st.to))
	s.log.Info(s.log.WithFields(ctx, map[string]any{
		"from":    string(st.from),
		"to":      string(st.to),
		"event":   string(st.event),
		"version": r.StatusVersion,
	}), "service request transitioned")
}

func (s *Service) labelLocation(ctx context.Context, p *types.Point) {
	if s.geocoder == nil || p.Address != "" {
		return
	}
	gctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	addr, err := s.geocoder.ReverseGeocode(gctx, *p)
	if err != nil {
		s.log.Warn(s.log.WithField(ctx, "error", err.Error()), "reverse geocode failed")
		return
	}
	p.Address = addr
}
