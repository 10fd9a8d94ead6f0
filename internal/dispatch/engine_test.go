package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-dispatch/internal/apperrors"
	"github.com/example/service-dispatch/internal/cache"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/storage"
)

const (
	customer  = "+9647700000001"
	providerA = "+9647800000001"
	providerB = "+9647800000002"
)

type recordingSink struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingSink) Record(_ context.Context, e models.ActivityEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, e.Action)
}

type fixture struct {
	engine *Engine
	store  *storage.MemoryStore
	index  *geo.MemoryIndex
	cache  *cache.Cache
	sink   *recordingSink
}

func newFixture() *fixture {
	f := &fixture{
		store: storage.NewMemoryStore(),
		index: geo.NewMemoryIndex(),
		cache: cache.New(),
		sink:  &recordingSink{},
	}
	f.engine = &Engine{
		Store:    f.store,
		Index:    f.index,
		Cache:    f.cache,
		Activity: f.sink,
		Log:      logging.Discard(),
		ListTTL:  time.Minute,
		StatsTTL: 2 * time.Minute,
	}
	return f
}

func str(s string) *string { return &s }

func (f *fixture) create(t *testing.T) *models.ServiceRequest {
	t.Helper()
	r, err := f.engine.Create(context.Background(), CreateInput{
		ServiceType:   "tow",
		Location:      &models.LatLng{Lat: 33.3, Lng: 44.4},
		CustomerPhone: str(customer),
	})
	require.NoError(t, err)
	return r
}

func assertHolderInvariant(t *testing.T, r *models.ServiceRequest) {
	t.Helper()
	assert.Equal(t, r.Status.HoldsProvider(), r.AcceptedByPhone != nil,
		"status %s with acceptedByPhone=%v", r.Status, r.AcceptedByPhone)
}

func TestCreateValidatesAndIndexes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.engine.Create(ctx, CreateInput{ServiceType: "  "})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.engine.Create(ctx, CreateInput{ServiceType: "tow", Location: &models.LatLng{Lat: 100, Lng: 0}})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	r := f.create(t)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Nil(t, r.AcceptedByPhone)
	assert.Equal(t, 1, f.index.Len())

	anon, err := f.engine.Create(ctx, CreateInput{ServiceType: "fuel"})
	require.NoError(t, err)
	assert.Nil(t, anon.CustomerPhone)
	assert.Equal(t, 1, f.index.Len(), "requests without location stay out of the index")
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.create(t)

	acc, err := f.engine.Accept(ctx, r.ID, providerA)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, acc.Status)
	assert.Equal(t, providerA, *acc.AcceptedByPhone)
	assert.NotNil(t, acc.AcceptedAt)
	assert.Equal(t, 0, f.index.Len(), "accepted requests leave the pending index")

	steps := []func(context.Context, string, string) (*models.ServiceRequest, error){
		f.engine.MarkOnTheWay, f.engine.MarkInProgress, f.engine.Complete,
	}
	want := []models.Status{models.StatusOnTheWay, models.StatusInProgress, models.StatusDone}
	for i, step := range steps {
		out, err := step(ctx, r.ID, providerA)
		require.NoError(t, err)
		assert.Equal(t, want[i], out.Status)
		assertHolderInvariant(t, out)
	}

	done, err := f.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.CancelledAt)
	assert.Equal(t, []string{
		"request.create", "request.accept", "request.on_the_way", "request.in_progress", "request.complete",
	}, f.sink.actions)
}

func TestSkippingStatesIsRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.create(t)
	_, err := f.engine.Accept(ctx, r.ID, providerA)
	require.NoError(t, err)

	_, err = f.engine.Complete(ctx, r.ID, providerA)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	_, err = f.engine.MarkInProgress(ctx, r.ID, providerA)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	got, _ := f.engine.Get(ctx, r.ID)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

func TestAdvanceRequiresOwnership(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.create(t)

	_, err := f.engine.MarkOnTheWay(ctx, r.ID, providerA)
	assert.ErrorIs(t, err, apperrors.ErrForbidden, "nobody owns a pending request")

	_, err = f.engine.Accept(ctx, r.ID, providerA)
	require.NoError(t, err)
	_, err = f.engine.MarkOnTheWay(ctx, r.ID, providerB)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	_, err = f.engine.CancelByProvider(ctx, r.ID, providerB)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = f.engine.MarkOnTheWay(ctx, r.ID, "")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.engine.MarkOnTheWay(ctx, "missing", providerA)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSecondAcceptConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.create(t)

	_, err := f.engine.Accept(ctx, r.ID, providerA)
	require.NoError(t, err)
	_, err = f.engine.Accept(ctx, r.ID, providerB)
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, "request already accepted by another provider", err.Error())

	got, _ := f.engine.Get(ctx, r.ID)
	assert.Equal(t, providerA, *got.AcceptedByPhone)
}

func TestReacceptByHolderIsInvalidState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.create(t)

	_, err := f.engine.Accept(ctx, r.ID, providerA)
	require.NoError(t, err)
	_, err = f.engine.Accept(ctx, r.ID, providerA)
	require.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.NotErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, "you already accepted this request", err.Error())

	got, _ := f.engine.Get(ctx, r.ID)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, providerA, *got.AcceptedByPhone)
}

func TestAcceptRaceHasOneWinner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.create(t)

	const n = 50
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.engine.Accept(ctx, r.ID, fmt.Sprintf("+96478%08d", i))
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrConflict)
	}
	assert.Equal(t, 1, wins)

	got, _ := f.engine.Get(ctx, r.ID)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assertHolderInvariant(t, got)
}

func TestSingleActiveJobSequential(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first := f.create(t)
	second := f.create(t)

	_, err := f.engine.Accept(ctx, first.ID, providerA)
	require.NoError(t, err)

	_, err = f.engine.Accept(ctx, second.ID, providerA)
	require.ErrorIs(t, err, apperrors.ErrActiveJob)
	assert.Equal(t, "you already have an active request, finish it first", err.Error())

	got, _ := f.engine.Get(ctx, second.ID)
	assert.Equal(t, models.StatusPending, got.Status, "second request is untouched")

	// finishing the first job frees the provider
	for _, step := range []func(context.Context, string, string) (*models.ServiceRequest, error){
		f.engine.MarkOnTheWay, f.engine.MarkInProgress, f.engine.Complete,
	} {
		_, err := step(ctx, first.ID, providerA)
		require.NoError(t, err)
	}
	_, err = f.engine.Accept(ctx, second.ID, providerA)
	assert.NoError(t, err)
}

func TestSingleActiveJobConcurrent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	const n = 10
	ids := make([]string, n)
	for i := range ids {
		ids[i] = f.create(t).ID
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.engine.Accept(ctx, ids[i], providerA)
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrActiveJob)
	}
	assert.Equal(t, 1, wins)

	held, _, err := f.store.Find(ctx, storage.Filter{AcceptedByPhone: providerA}, 1, 0)
	require.NoError(t, err)
	assert.Len(t, held, 1)
}

func TestCustomerCancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pending := f.create(t)
	_, err := f.engine.CancelByCustomer(ctx, pending.ID, "+9647799999999")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	out, err := f.engine.CancelByCustomer(ctx, pending.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, out.Status)
	assert.NotNil(t, out.CancelledAt)
	assert.Equal(t, 0, f.index.Len())

	_, err = f.engine.CancelByCustomer(ctx, pending.ID, customer)
	require.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.Equal(t, "request already cancelled", err.Error())

	accepted := f.create(t)
	_, err = f.engine.Accept(ctx, accepted.ID, providerA)
	require.NoError(t, err)
	f.cache.Set(cache.ProviderStatsKey(providerA), "stale", time.Minute)

	out, err = f.engine.CancelByCustomer(ctx, accepted.ID, customer)
	require.NoError(t, err)
	assertHolderInvariant(t, out)
	_, ok := f.cache.Get(cache.ProviderStatsKey(providerA))
	assert.False(t, ok, "released provider's stats are dropped")

	// the provider is free again
	next := f.create(t)
	_, err = f.engine.Accept(ctx, next.ID, providerA)
	assert.NoError(t, err)
}

func TestCannotCancelDone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := completed(t, f)

	_, err := f.engine.CancelByCustomer(ctx, r.ID, customer)
	require.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.Equal(t, "cannot cancel completed request", err.Error())

	_, err = f.engine.CancelByProvider(ctx, r.ID, providerA)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestProviderCancelClearsHolder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.create(t)
	_, err := f.engine.Accept(ctx, r.ID, providerA)
	require.NoError(t, err)
	_, err = f.engine.MarkOnTheWay(ctx, r.ID, providerA)
	require.NoError(t, err)

	out, err := f.engine.CancelByProvider(ctx, r.ID, providerA)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, out.Status)
	assert.Nil(t, out.AcceptedByPhone)
	assert.NotNil(t, out.CancelledAt)

	_, err = f.engine.Accept(ctx, r.ID, providerB)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "cancelled requests are not requeued")
}

func TestMutationsInvalidateCache(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.create(t)

	_, res, err := f.engine.List(ctx, ListQuery{Status: "pending"})
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res)
	page, res, err := f.engine.List(ctx, ListQuery{Status: "pending"})
	require.NoError(t, err)
	assert.Equal(t, cache.Hit, res)
	assert.Equal(t, 1, page.Total)

	_, res, err = f.engine.ProviderStats(ctx, providerA)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res)
	_, res, _ = f.engine.ProviderStats(ctx, providerA)
	assert.Equal(t, cache.Hit, res)

	_, err = f.engine.Accept(ctx, r.ID, providerA)
	require.NoError(t, err)

	page, res, err = f.engine.List(ctx, ListQuery{Status: "pending"})
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res)
	assert.Equal(t, 0, page.Total)

	st, res, err := f.engine.ProviderStats(ctx, providerA)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res)
	assert.Equal(t, 1, st.Active)

	for _, step := range []func(context.Context, string, string) (*models.ServiceRequest, error){
		f.engine.MarkOnTheWay, f.engine.MarkInProgress,
	} {
		_, err := step(ctx, r.ID, providerA)
		require.NoError(t, err)
	}
	_, _, _ = f.engine.ProviderStats(ctx, providerA)
	_, err = f.engine.Complete(ctx, r.ID, providerA)
	require.NoError(t, err)
	_, ok := f.cache.Get(cache.ProviderStatsKey(providerA))
	assert.False(t, ok, "stats key is absent after complete")
}

func TestListValidationAndPaging(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.create(t)
	}

	_, _, err := f.engine.List(ctx, ListQuery{Status: "lost"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	page, _, err := f.engine.List(ctx, ListQuery{Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Pages)
	assert.Len(t, page.Items, 1)

	page, _, err = f.engine.List(ctx, ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, DefaultListLimit, page.Limit)
	assert.Equal(t, 1, page.Page)
}

func TestRequestsByPhone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.create(t)
	f.create(t)
	_, err := f.engine.Accept(ctx, a.ID, providerA)
	require.NoError(t, err)

	mine, err := f.engine.RequestsByPhone(ctx, customer, RoleCustomer)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	held, err := f.engine.RequestsByPhone(ctx, providerA, RoleProvider)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, a.ID, held[0].ID)

	_, err = f.engine.RequestsByPhone(ctx, providerA, Role("admin"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRebuildIndex(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t)
	f.create(t)
	accepted := f.create(t)
	_, err := f.engine.Accept(ctx, accepted.ID, providerA)
	require.NoError(t, err)

	fresh := geo.NewMemoryIndex()
	for i := 0; i < 5; i++ {
		// left behind by a previous process whose store is gone
		require.NoError(t, fresh.Add(ctx, fmt.Sprintf("gone-%d", i), models.GeoPoint{Lng: 44.4, Lat: 33.3}))
	}
	f.engine.Index = fresh
	n, err := f.engine.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, fresh.Len())
}

func TestTransitionTable(t *testing.T) {
	all := []models.Status{
		models.StatusPending, models.StatusAccepted, models.StatusOnTheWay,
		models.StatusInProgress, models.StatusDone, models.StatusCancelled,
	}
	from := map[Action][]models.Status{
		ActionAccept:           {models.StatusPending},
		ActionOnTheWay:         {models.StatusAccepted},
		ActionInProgress:       {models.StatusOnTheWay},
		ActionComplete:         {models.StatusInProgress},
		ActionCancelByCustomer: {models.StatusPending, models.StatusAccepted, models.StatusOnTheWay, models.StatusInProgress},
		ActionCancelByProvider: {models.StatusAccepted, models.StatusOnTheWay, models.StatusInProgress},
	}
	for a, legal := range from {
		for _, s := range all {
			assert.Equal(t, slices.Contains(legal, s), Allowed(a, s), "%s from %s", a, s)
		}
	}
	assert.False(t, Allowed(Action("teleport"), models.StatusPending))
}

func completed(t *testing.T, f *fixture) *models.ServiceRequest {
	t.Helper()
	ctx := context.Background()
	r := f.create(t)
	_, err := f.engine.Accept(ctx, r.ID, providerA)
	require.NoError(t, err)
	var out *models.ServiceRequest
	for _, step := range []func(context.Context, string, string) (*models.ServiceRequest, error){
		f.engine.MarkOnTheWay, f.engine.MarkInProgress, f.engine.Complete,
	} {
		out, err = step(ctx, r.ID, providerA)
		require.NoError(t, err)
	}
	return out
}
