package request

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadside/internal/config"
	"roadside/internal/modules/matching"
	"roadside/internal/types"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fakeMatcher struct {
	mu     sync.Mutex
	ranked []matching.CandidateOffer
	err    error
	calls  int
}

func (f *fakeMatcher) Match(_ context.Context, _ types.Category, _ *types.Point) ([]matching.CandidateOffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]matching.CandidateOffer(nil), f.ranked...), nil
}

func (f *fakeMatcher) set(ids ...types.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranked = f.ranked[:0]
	for i, id := range ids {
		f.ranked = append(f.ranked, matching.CandidateOffer{ProviderID: id, DistanceKm: float64(i + 1), Located: true, Rank: i + 1})
	}
}

func (f *fakeMatcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type recordingNotifier struct {
	mu      sync.Mutex
	offered [][]types.ID
	events  []Event
	err     error
}

func (n *recordingNotifier) NotifyProviders(_ context.Context, _ *ServiceRequest, ids []types.ID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offered = append(n.offered, append([]types.ID(nil), ids...))
	return n.err
}

func (n *recordingNotifier) NotifyRequester(_ context.Context, _ *ServiceRequest, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeGeocoder struct{ addr string }

func (g fakeGeocoder) ReverseGeocode(context.Context, types.Point) (string, error) {
	if g.addr == "" {
		return "", errors.New("no result")
	}
	return g.addr, nil
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	matcher  *fakeMatcher
	notifier *recordingNotifier
	clock    *testClock
}

func newHarness(t *testing.T, policy string, candidates ...types.ID) *harness {
	t.Helper()
	cfg := config.DefaultDispatch()
	cfg.Policy = policy
	h := &harness{
		store:    NewMemoryStore(),
		matcher:  &fakeMatcher{},
		notifier: &recordingNotifier{},
		clock:    &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	h.matcher.set(candidates...)
	h.svc = NewService(Deps{
		Store:    h.store,
		Matcher:  h.matcher,
		Notifier: h.notifier,
		Config:   cfg,
		Now:      h.clock.Now,
	})
	return h
}

func (h *harness) submit(t *testing.T, requester types.ID) *ServiceRequest {
	t.Helper()
	cmd := validSubmit()
	cmd.RequesterID = requester
	r, err := h.svc.Submit(context.Background(), cmd)
	require.NoError(t, err)
	return r
}

func (h *harness) get(t *testing.T, id types.ID) *ServiceRequest {
	t.Helper()
	r, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) accept(t *testing.T, id, provider types.ID) {
	t.Helper()
	granted, err := h.svc.TryAssign(context.Background(), id, provider)
	require.NoError(t, err)
	require.True(t, granted)
}

func openOffers(r *ServiceRequest) []types.ID { return r.OpenOffers() }

// ---------------------------------------------------------------------------
// Intake
// ---------------------------------------------------------------------------

func TestSubmitOffersNearestCandidate(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1", "p2")
	r := h.submit(t, "req-1")

	assert.Equal(t, StatusPending, r.Status)
	assert.Nil(t, r.AssignedProviderID)
	assert.Equal(t, []types.ID{"p1"}, openOffers(r))
	assert.Equal(t, h.clock.Now().Add(60*time.Second), r.Offers[0].ExpiresAt, "critical requests use the urgent timeout")
	assert.Equal(t, [][]types.ID{{"p1"}}, h.notifier.offered)

	events := h.store.Events(r.ID)
	require.Len(t, events, 1)
	assert.Equal(t, StatusNone, events[0].FromStatus)
	assert.Equal(t, StatusPending, events[0].ToStatus)
}

func TestSubmitStandardUrgencyUsesLongTimeout(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	cmd := validSubmit()
	cmd.Urgency = UrgencyLow
	r, err := h.svc.Submit(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(180*time.Second), r.Offers[0].ExpiresAt)
}

func TestSubmitWithoutCandidatesRejects(t *testing.T) {
	h := newHarness(t, config.PolicySequential)
	r := h.submit(t, "req-1")

	assert.Equal(t, StatusRejected, r.Status)
	require.NotNil(t, r.RejectReason)
	assert.Equal(t, ReasonNoCandidates, *r.RejectReason)
	assert.NotEmpty(t, r.RejectReason.Message())
	assert.Nil(t, r.AssignedProviderID)
	assert.Equal(t, []Event{EventNoCandidates}, h.notifier.events)

	events := h.store.Events(r.ID)
	require.Len(t, events, 2)
	assert.Equal(t, EventNoCandidates, events[1].Event)
}

func TestSubmitRejectsInvalidIntakeWithoutSideEffects(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	cmd := validSubmit()
	cmd.Location = nil

	_, err := h.svc.Submit(context.Background(), cmd)
	require.ErrorIs(t, err, ErrInvalidIntake)
	assert.Zero(t, h.matcher.calls)
	assert.Empty(t, h.notifier.offered)
}

func TestSubmitOneActiveRequestPerRequester(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	first := h.submit(t, "req-1")

	_, err := h.svc.Submit(context.Background(), validSubmit())
	require.ErrorIs(t, err, ErrActiveRequest)

	_, err = h.svc.Cancel(context.Background(), CancelCommand{RequestID: first.ID, ActorID: "req-1"})
	require.NoError(t, err)

	second := h.submit(t, "req-1")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSubmitLabelsLocation(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	h.svc.geocoder = fakeGeocoder{addr: "Istiklal Cd. 1, Istanbul"}
	r := h.submit(t, "req-1")
	assert.Equal(t, "Istiklal Cd. 1, Istanbul", r.Location.Address)

	h2 := newHarness(t, config.PolicySequential, "p1")
	h2.svc.geocoder = fakeGeocoder{}
	r2 := h2.submit(t, "req-2")
	assert.Empty(t, r2.Location.Address, "geocoding failures are ignored")
}

func TestSubmitMatchFailureLeavesRequestForSweep(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	h.matcher.fail(errors.New("directory unavailable"))

	r := h.submit(t, "req-1")
	assert.Equal(t, StatusPending, r.Status)
	assert.Empty(t, r.Offers)

	h.matcher.fail(nil)
	h.clock.Advance(time.Second)
	n, err := h.svc.SweepExpiredOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []types.ID{"p1"}, openOffers(h.get(t, r.ID)))
}

func TestNotifierFailuresDoNotFailTransitions(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	h.notifier.err = errors.New("push gateway down")
	r := h.submit(t, "req-1")
	h.accept(t, r.ID, "p1")
	assert.Equal(t, StatusAccepted, h.get(t, r.ID).Status)
}

// ---------------------------------------------------------------------------
// Assignment and progress
// ---------------------------------------------------------------------------

func TestHappyPathToCompletion(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1", "p2")
	ctx := context.Background()
	r := h.submit(t, "req-1")

	h.clock.Advance(10 * time.Second)
	h.accept(t, r.ID, "p1")
	accepted := h.get(t, r.ID)
	assert.Equal(t, StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.AssignedProviderID)
	assert.Equal(t, types.ID("p1"), *accepted.AssignedProviderID)
	require.NotNil(t, accepted.AcceptedAt)
	assert.Equal(t, OfferAccepted, accepted.Offers[0].State)

	for _, ev := range []Event{EventOnTheWay, EventArrived, EventCompleted} {
		h.clock.Advance(time.Minute)
		_, err := h.svc.Advance(ctx, AdvanceCommand{RequestID: r.ID, ActorID: "p1", Event: ev})
		require.NoError(t, err, "event %s", ev)
	}

	done := h.get(t, r.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 5, done.StatusVersion)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, done.CompletedAt.After(*done.AcceptedAt))
	assert.False(t, done.UpdatedAt.Before(done.CreatedAt))
	assert.Equal(t, types.ID("p1"), *done.AssignedProviderID)

	events := h.store.Events(r.ID)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].ToStatus, events[i].FromStatus)
	}
}

func TestAcceptRequiresOpenOffer(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1", "p2")
	r := h.submit(t, "req-1")

	_, err := h.svc.TryAssign(context.Background(), r.ID, "p2")
	assert.ErrorIs(t, err, ErrActorMismatch, "p2 was never offered")

	h.clock.Advance(61 * time.Second)
	_, err = h.svc.TryAssign(context.Background(), r.ID, "p1")
	assert.ErrorIs(t, err, ErrInvalidTransition, "offer lapsed")

	_, err = h.svc.TryAssign(context.Background(), "missing", "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptIsIdempotentForWinner(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	r := h.submit(t, "req-1")
	h.accept(t, r.ID, "p1")
	before := h.get(t, r.ID).StatusVersion

	h.accept(t, r.ID, "p1")
	assert.Equal(t, before, h.get(t, r.ID).StatusVersion)
}

func TestAcceptAfterAnotherWinnerIsNotGranted(t *testing.T) {
	h := newHarness(t, config.PolicyBroadcast, "p1", "p2", "p3")
	r := h.submit(t, "req-1")
	assert.ElementsMatch(t, []types.ID{"p1", "p2", "p3"}, openOffers(r))

	h.accept(t, r.ID, "p2")
	granted, err := h.svc.TryAssign(context.Background(), r.ID, "p1")
	require.NoError(t, err)
	assert.False(t, granted)

	got := h.get(t, r.ID)
	assert.Equal(t, types.ID("p2"), *got.AssignedProviderID)
	assert.Empty(t, got.OpenOffers(), "losing offers are withdrawn")
}

func TestAdvanceGuards(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	ctx := context.Background()
	r := h.submit(t, "req-1")

	_, err := h.svc.Advance(ctx, AdvanceCommand{RequestID: r.ID, ActorID: "p1", Event: EventOnTheWay})
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot move to on_the_way")

	h.accept(t, r.ID, "p1")

	_, err = h.svc.Advance(ctx, AdvanceCommand{RequestID: r.ID, ActorID: "p9", Event: EventOnTheWay})
	assert.ErrorIs(t, err, ErrActorMismatch)

	_, err = h.svc.Advance(ctx, AdvanceCommand{RequestID: r.ID, ActorID: "p1", Event: EventArrived})
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot skip on_the_way")

	_, err = h.svc.Advance(ctx, AdvanceCommand{RequestID: r.ID, ActorID: "p1", Event: EventCancel})
	assert.ErrorIs(t, err, ErrInvalidTransition, "cancel is not a progress event")

	assert.Equal(t, StatusAccepted, h.get(t, r.ID).Status)
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestCancelWindow(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		advance []Event
		wantErr error
	}{
		{name: "pending"},
		{name: "accepted", advance: []Event{EventAccept}},
		{name: "on the way", advance: []Event{EventAccept, EventOnTheWay}},
		{name: "arrived", advance: []Event{EventAccept, EventOnTheWay, EventArrived}, wantErr: ErrInvalidTransition},
		{name: "completed", advance: []Event{EventAccept, EventOnTheWay, EventArrived, EventCompleted}, wantErr: ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, config.PolicySequential, "p1")
			r := h.submit(t, "req-1")
			for _, ev := range tt.advance {
				if ev == EventAccept {
					h.accept(t, r.ID, "p1")
					continue
				}
				_, err := h.svc.Advance(ctx, AdvanceCommand{RequestID: r.ID, ActorID: "p1", Event: ev})
				require.NoError(t, err)
			}

			_, err := h.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, ActorID: "p1"})
			if tt.wantErr == nil {
				require.ErrorIs(t, err, ErrActorMismatch, "providers cannot cancel")
			}

			out, err := h.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, ActorID: "req-1"})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, out.Status)
			assert.Nil(t, out.AssignedProviderID)
			assert.NotNil(t, out.CancelledAt)
			assert.Empty(t, out.OpenOffers())
		})
	}
}

func TestAcceptAfterCancelFails(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	r := h.submit(t, "req-1")
	_, err := h.svc.Cancel(context.Background(), CancelCommand{RequestID: r.ID, ActorID: "req-1"})
	require.NoError(t, err)

	granted, err := h.svc.TryAssign(context.Background(), r.ID, "p1")
	assert.False(t, granted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, OfferWithdrawn, h.get(t, r.ID).Offers[0].State)
}

func TestRefusedCommandsLeaveRecordUntouched(t *testing.T) {
	ctx := context.Background()
	type command struct {
		name string
		run  func(svc *Service, id types.ID) error
	}
	advance := func(actor types.ID, ev Event) func(*Service, types.ID) error {
		return func(svc *Service, id types.ID) error {
			_, err := svc.Advance(ctx, AdvanceCommand{RequestID: id, ActorID: actor, Event: ev})
			return err
		}
	}
	cancel := func(actor types.ID) func(*Service, types.ID) error {
		return func(svc *Service, id types.ID) error {
			_, err := svc.Cancel(ctx, CancelCommand{RequestID: id, ActorID: actor})
			return err
		}
	}
	decline := func(provider types.ID) func(*Service, types.ID) error {
		return func(svc *Service, id types.ID) error {
			_, err := svc.Decline(ctx, DeclineCommand{RequestID: id, ProviderID: provider})
			return err
		}
	}
	assign := func(provider types.ID) func(*Service, types.ID) error {
		return func(svc *Service, id types.ID) error {
			granted, err := svc.TryAssign(ctx, id, provider)
			if err == nil && granted {
				return errors.New("unexpected grant")
			}
			return err
		}
	}

	tests := []struct {
		name     string
		setup    func(t *testing.T, h *harness, id types.ID)
		commands []command
	}{
		{
			name:  "pending",
			setup: func(*testing.T, *harness, types.ID) {},
			commands: []command{
				{"advance before accept", advance("p1", EventOnTheWay)},
				{"progress event cancel", advance("req-1", EventCancel)},
				{"provider cancels", cancel("p1")},
				{"accept without offer", assign("p2")},
				{"decline without offer", decline("p2")},
			},
		},
		{
			name:  "accepted",
			setup: func(t *testing.T, h *harness, id types.ID) { h.accept(t, id, "p1") },
			commands: []command{
				{"skip on_the_way", advance("p1", EventArrived)},
				{"non-assignee progress", advance("p2", EventOnTheWay)},
				{"provider cancels", cancel("p2")},
				{"non-assignee give back", decline("p2")},
				{"late accept", assign("p2")},
			},
		},
		{
			name: "completed",
			setup: func(t *testing.T, h *harness, id types.ID) {
				h.accept(t, id, "p1")
				for _, ev := range []Event{EventOnTheWay, EventArrived, EventCompleted} {
					_, err := h.svc.Advance(ctx, AdvanceCommand{RequestID: id, ActorID: "p1", Event: ev})
					require.NoError(t, err)
				}
			},
			commands: []command{
				{"complete twice", advance("p1", EventCompleted)},
				{"cancel after completion", cancel("req-1")},
				{"give back after completion", decline("p1")},
				{"accept after completion", assign("p1")},
			},
		},
		{
			name: "cancelled",
			setup: func(t *testing.T, h *harness, id types.ID) {
				_, err := h.svc.Cancel(ctx, CancelCommand{RequestID: id, ActorID: "req-1"})
				require.NoError(t, err)
			},
			commands: []command{
				{"cancel twice", cancel("req-1")},
				{"advance after cancel", advance("p1", EventOnTheWay)},
				{"decline after cancel", decline("p1")},
				{"accept after cancel", assign("p1")},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, config.PolicySequential, "p1", "p2")
			r := h.submit(t, "req-1")
			tt.setup(t, h, r.ID)

			before := h.get(t, r.ID)
			eventsBefore := len(h.store.Events(r.ID))
			for _, cmd := range tt.commands {
				_ = cmd.run(h.svc, r.ID)
				assert.Equal(t, before, h.get(t, r.ID), cmd.name)
				assert.Len(t, h.store.Events(r.ID), eventsBefore, cmd.name)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Offer rounds
// ---------------------------------------------------------------------------

func TestSequentialOffersRotateThenExhaust(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1", "p2")
	ctx := context.Background()
	r := h.submit(t, "req-1")

	h.clock.Advance(30 * time.Second)
	n, err := h.svc.SweepExpiredOffers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "offer still live")

	h.clock.Advance(31 * time.Second)
	_, err = h.svc.SweepExpiredOffers(ctx)
	require.NoError(t, err)
	got := h.get(t, r.ID)
	assert.Equal(t, []types.ID{"p2"}, openOffers(got))
	assert.Equal(t, OfferExpired, got.Offers[0].State)

	h.clock.Advance(61 * time.Second)
	_, err = h.svc.SweepExpiredOffers(ctx)
	require.NoError(t, err)
	got = h.get(t, r.ID)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, ReasonOfferTimeouts, *got.RejectReason)
	assert.Equal(t, []types.ID{"p1", "p2"}, got.OfferedTo())
}

func TestBroadcastKeepsBatchOpen(t *testing.T) {
	h := newHarness(t, config.PolicyBroadcast, "p1", "p2", "p3", "p4", "p5")
	ctx := context.Background()
	r := h.submit(t, "req-1")
	assert.Equal(t, []types.ID{"p1", "p2", "p3"}, openOffers(r))

	_, err := h.svc.Decline(ctx, DeclineCommand{RequestID: r.ID, ProviderID: "p2"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ID{"p1", "p3", "p4"}, openOffers(h.get(t, r.ID)))

	h.clock.Advance(61 * time.Second)
	_, err = h.svc.ExpireOffers(ctx, r.ID)
	require.NoError(t, err)
	got := h.get(t, r.ID)
	assert.Equal(t, []types.ID{"p5"}, openOffers(got))
	assert.Equal(t, StatusPending, got.Status)
}

func TestDeclineRules(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1", "p2")
	ctx := context.Background()
	r := h.submit(t, "req-1")

	_, err := h.svc.Decline(ctx, DeclineCommand{RequestID: r.ID, ProviderID: "p2"})
	assert.ErrorIs(t, err, ErrActorMismatch)

	out, err := h.svc.Decline(ctx, DeclineCommand{RequestID: r.ID, ProviderID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"p2"}, openOffers(out))

	_, err = h.svc.Decline(ctx, DeclineCommand{RequestID: r.ID, ProviderID: "p1"})
	assert.ErrorIs(t, err, ErrInvalidTransition, "already declined")

	out, err = h.svc.Decline(ctx, DeclineCommand{RequestID: r.ID, ProviderID: "p2"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, ReasonOfferTimeouts, *out.RejectReason)
}

func TestProviderGiveBackReopensWithExclusion(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1", "p2")
	ctx := context.Background()
	r := h.submit(t, "req-1")
	h.accept(t, r.ID, "p1")

	out, err := h.svc.Decline(ctx, DeclineCommand{RequestID: r.ID, ProviderID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Status)
	assert.Nil(t, out.AssignedProviderID)
	assert.Nil(t, out.AcceptedAt)
	assert.Equal(t, 1, out.Round)
	assert.Equal(t, []types.ID{"p1"}, out.ExcludedProviders)
	assert.Equal(t, []types.ID{"p2"}, openOffers(out))

	_, err = h.svc.TryAssign(ctx, r.ID, "p1")
	assert.ErrorIs(t, err, ErrActorMismatch, "excluded provider cannot accept again")

	h.accept(t, r.ID, "p2")
	assert.Equal(t, types.ID("p2"), *h.get(t, r.ID).AssignedProviderID)

	var evs []Event
	for _, e := range h.store.Events(r.ID) {
		evs = append(evs, e.Event)
	}
	assert.Equal(t, []Event{EventSubmit, EventAccept, EventProviderDecline, EventAccept}, evs)
}

func TestGiveBackWithoutOtherCandidatesRejects(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	ctx := context.Background()
	r := h.submit(t, "req-1")
	h.accept(t, r.ID, "p1")

	out, err := h.svc.Decline(ctx, DeclineCommand{RequestID: r.ID, ProviderID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, ReasonNoCandidates, *out.RejectReason)

	_, err = h.svc.Decline(ctx, DeclineCommand{RequestID: r.ID, ProviderID: "p1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGiveBackOnlyWhileAccepted(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1", "p2")
	ctx := context.Background()
	r := h.submit(t, "req-1")
	h.accept(t, r.ID, "p1")

	_, err := h.svc.Decline(ctx, DeclineCommand{RequestID: r.ID, ProviderID: "p2"})
	assert.ErrorIs(t, err, ErrActorMismatch)

	_, err = h.svc.Advance(ctx, AdvanceCommand{RequestID: r.ID, ActorID: "p1", Event: EventOnTheWay})
	require.NoError(t, err)
	_, err = h.svc.Decline(ctx, DeclineCommand{RequestID: r.ID, ProviderID: "p1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExpireOffersIgnoresSettledRequests(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	r := h.submit(t, "req-1")
	h.accept(t, r.ID, "p1")
	h.clock.Advance(time.Hour)

	out, err := h.svc.ExpireOffers(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, out.Status)

	n, err := h.svc.SweepExpiredOffers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimestampsNeverMoveBackwards(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	r := h.submit(t, "req-1")

	h.clock.Advance(-time.Hour)
	h.accept(t, r.ID, "p1")
	got := h.get(t, r.ID)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	assert.False(t, got.AcceptedAt.Before(got.CreatedAt))
}

func TestSweepCombinesFailures(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	a := h.submit(t, "req-a")
	b := h.submit(t, "req-b")
	require.Len(t, openOffers(a), 1)
	require.Len(t, openOffers(b), 1)

	h.matcher.fail(errors.New("directory unavailable"))
	h.clock.Advance(2 * time.Minute)
	n, err := h.svc.SweepExpiredOffers(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), string(a.ID))
	assert.Contains(t, err.Error(), string(b.ID))
}

type countingLock struct {
	mu       sync.Mutex
	held     bool
	acquired int
	released int
}

func (l *countingLock) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	l.acquired++
	return true, nil
}

func (l *countingLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.released++
	return nil
}

func TestSweepOnceHonoursLock(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1", "p2")
	r := h.submit(t, "req-1")
	h.clock.Advance(2 * time.Minute)

	lock := &countingLock{held: true}
	h.svc.sweepOnce(context.Background(), lock)
	assert.Equal(t, []types.ID{"p1"}, h.get(t, r.ID).OfferedTo(), "held lock skips the sweep")

	lock.held = false
	h.svc.sweepOnce(context.Background(), lock)
	assert.Equal(t, 1, lock.acquired)
	assert.Equal(t, 1, lock.released)
	assert.Equal(t, []types.ID{"p2"}, openOffers(h.get(t, r.ID)))
}
