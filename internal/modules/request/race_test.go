// README: Concurrency tests for assignment arbitration (run with -race).
package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"roadside/internal/config"
	"roadside/internal/types"
)

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	const attempts = 16
	providers := providerIDs(attempts)

	h := newHarness(t, config.PolicyBroadcast, providers...)
	cfg := config.DefaultDispatch()
	cfg.Policy = config.PolicyBroadcast
	cfg.BroadcastSize = attempts
	h.svc.cfg = cfg

	r := h.submit(t, "req-race")
	require.Len(t, r.OpenOffers(), attempts)

	winner := runConcurrentAccepts(t, h.svc, r.ID, providers)

	got := h.get(t, r.ID)
	require.Equal(t, StatusAccepted, got.Status)
	require.NotNil(t, got.AssignedProviderID)
	require.Equal(t, winner, *got.AssignedProviderID)
	require.Empty(t, got.OpenOffers())
}

// slowStore widens the read-to-write window so concurrent writers collide.
type slowStore struct {
	*MemoryStore
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, id types.ID) (*ServiceRequest, error) {
	r, err := s.MemoryStore.Get(ctx, id)
	time.Sleep(s.delay)
	return r, err
}

func (s *slowStore) Update(ctx context.Context, r *ServiceRequest, expectedVersion int) (bool, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.Update(ctx, r, expectedVersion)
}

func newContendedHarness(t *testing.T, providers []types.ID) (*Service, *slowStore) {
	t.Helper()
	cfg := config.DefaultDispatch()
	cfg.Policy = config.PolicyBroadcast
	cfg.BroadcastSize = len(providers)
	store := &slowStore{MemoryStore: NewMemoryStore(), delay: time.Millisecond}
	matcher := &fakeMatcher{}
	matcher.set(providers...)
	clock := &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc := NewService(Deps{
		Store:    store,
		Matcher:  matcher,
		Notifier: &recordingNotifier{},
		Config:   cfg,
		Now:      clock.Now,
	})
	return svc, store
}

func providerIDs(n int) []types.ID {
	ids := make([]types.ID, n)
	for i := range ids {
		ids[i] = types.ID(fmt.Sprintf("p%02d", i))
	}
	return ids
}

// declineAll fires declines from every provider in others once start closes.
// Their errors are irrelevant: late declines hit an accepted or cancelled request.
func declineAll(svc *Service, id types.ID, others []types.ID, start <-chan struct{}, wg *sync.WaitGroup) {
	for _, p := range others {
		wg.Add(1)
		go func(pid types.ID) {
			defer wg.Done()
			<-start
			_, _ = svc.Decline(context.Background(), DeclineCommand{RequestID: id, ProviderID: pid})
		}(p)
	}
}

func TestAcceptSurvivesConcurrentDeclines(t *testing.T) {
	providers := providerIDs(32)
	for i := 0; i < 5; i++ {
		svc, store := newContendedHarness(t, providers)
		cmd := validSubmit()
		cmd.RequesterID = types.ID(fmt.Sprintf("req-%d", i))
		r, err := svc.Submit(context.Background(), cmd)
		require.NoError(t, err)
		require.Len(t, r.OpenOffers(), len(providers))

		start := make(chan struct{})
		var wg sync.WaitGroup
		var (
			granted   bool
			acceptErr error
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			granted, acceptErr = svc.TryAssign(context.Background(), r.ID, providers[0])
		}()
		declineAll(svc, r.ID, providers[1:], start, &wg)
		close(start)
		wg.Wait()

		require.NoError(t, acceptErr)
		require.True(t, granted, "the only remaining offer holder must win")
		got, err := store.Get(context.Background(), r.ID)
		require.NoError(t, err)
		require.Equal(t, StatusAccepted, got.Status)
		require.NotNil(t, got.AssignedProviderID)
		require.Equal(t, providers[0], *got.AssignedProviderID)
	}
}

// stuckStore loses every version check.
type stuckStore struct {
	*MemoryStore
}

func (s *stuckStore) Update(context.Context, *ServiceRequest, int) (bool, error) {
	return false, nil
}

func TestAssignConflictOnPendingIsRetryable(t *testing.T) {
	h := newHarness(t, config.PolicySequential, "p1")
	r := h.submit(t, "req-stuck")
	svc := NewService(Deps{
		Store:    &stuckStore{MemoryStore: h.store},
		Matcher:  h.matcher,
		Notifier: h.notifier,
		Config:   h.svc.cfg,
		Now:      h.clock.Now,
	})

	granted, err := svc.TryAssign(context.Background(), r.ID, "p1")
	require.False(t, granted)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, StatusPending, h.get(t, r.ID).Status)
}

func TestCancelSurvivesConcurrentDeclines(t *testing.T) {
	providers := providerIDs(32)
	for i := 0; i < 5; i++ {
		svc, store := newContendedHarness(t, providers)
		cmd := validSubmit()
		cmd.RequesterID = types.ID(fmt.Sprintf("req-%d", i))
		r, err := svc.Submit(context.Background(), cmd)
		require.NoError(t, err)

		start := make(chan struct{})
		var wg sync.WaitGroup
		var cancelErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = svc.Cancel(context.Background(), CancelCommand{RequestID: r.ID, ActorID: r.RequesterID})
		}()
		// p00 keeps its offer so the request stays cancellable throughout.
		declineAll(svc, r.ID, providers[1:], start, &wg)
		close(start)
		wg.Wait()

		require.NoError(t, cancelErr)
		got, err := store.Get(context.Background(), r.ID)
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, got.Status)
		require.Empty(t, got.OpenOffers())
	}
}

func TestConcurrentAcceptVsCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, config.PolicySequential, "p1")
		ctx := context.Background()
		r := h.submit(t, types.ID(fmt.Sprintf("req-%d", i)))

		start := make(chan struct{})
		var wg sync.WaitGroup
		var (
			granted   bool
			acceptErr error
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			granted, acceptErr = h.svc.TryAssign(ctx, r.ID, "p1")
		}()
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = h.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, ActorID: r.RequesterID})
		}()
		close(start)
		wg.Wait()

		// Cancel is legal from pending and accepted, so it always lands.
		require.NoError(t, cancelErr)
		final := h.get(t, r.ID)
		require.Equal(t, StatusCancelled, final.Status)
		require.Nil(t, final.AssignedProviderID)
		if !granted {
			require.ErrorIs(t, acceptErr, ErrInvalidTransition)
		}
	}
}

// runConcurrentAccepts races every provider's accept and returns the single winner.
func runConcurrentAccepts(t *testing.T, svc *Service, id types.ID, providers []types.ID) types.ID {
	t.Helper()
	ctx := context.Background()
	start := make(chan struct{})
	var wg sync.WaitGroup
	type result struct {
		provider types.ID
		granted  bool
		err      error
	}
	results := make(chan result, len(providers))

	for _, p := range providers {
		wg.Add(1)
		go func(pid types.ID) {
			defer wg.Done()
			<-start
			granted, err := svc.TryAssign(ctx, id, pid)
			results <- result{provider: pid, granted: granted, err: err}
		}(p)
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	var winner types.ID
	for res := range results {
		if res.err != nil && !errors.Is(res.err, ErrInvalidTransition) {
			t.Fatalf("unexpected error: %v", res.err)
		}
		if res.granted {
			winners++
			winner = res.provider
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 granted accept, got %d", winners)
	}
	return winner
}
