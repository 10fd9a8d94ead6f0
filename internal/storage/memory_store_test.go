package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-dispatch/internal/apperrors"
	"github.com/example/service-dispatch/internal/models"
)

func strPtr(s string) *string { return &s }

func newClockedStore() (*MemoryStore, *time.Time) {
	s := NewMemoryStore()
	t := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		t = t.Add(time.Second)
		return t
	}
	return s, &t
}

func mustCreate(t *testing.T, s *MemoryStore, serviceType, customer string) *models.ServiceRequest {
	t.Helper()
	r := &models.ServiceRequest{ServiceType: serviceType, CustomerPhone: strPtr(customer)}
	require.NoError(t, s.Create(context.Background(), r))
	return r
}

func TestCreateAssignsIDAndPending(t *testing.T) {
	s, _ := newClockedStore()
	r := mustCreate(t, s, "plumbing", "+1")

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.False(t, r.CreatedAt.IsZero())

	got, err := s.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "plumbing", got.ServiceType)

	got.ServiceType = "mutated"
	again, _ := s.Get(context.Background(), r.ID)
	assert.Equal(t, "plumbing", again.ServiceType, "reads must not alias stored state")
}

func TestGetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestFindPagingNewestFirst(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustCreate(t, s, "cleaning", "+1").ID)
	}
	mustCreate(t, s, "plumbing", "+2")

	page1, total, err := s.Find(ctx, Filter{ServiceType: "cleaning"}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID)
	assert.Equal(t, ids[3], page1[1].ID)

	page3, _, err := s.Find(ctx, Filter{ServiceType: "cleaning"}, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, ids[0], page3[0].ID)

	beyond, total, err := s.Find(ctx, Filter{}, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, beyond)
	assert.Equal(t, 6, total)
}

func TestFindByPhones(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()
	a := mustCreate(t, s, "x", "+1")
	mustCreate(t, s, "x", "+2")
	_, err := s.Transition(ctx, a.ID, Condition{Statuses: []models.Status{models.StatusPending}},
		Mutation{Status: models.StatusAccepted, Provider: ProviderSet, ProviderPhone: "+9"})
	require.NoError(t, err)

	mine, total, err := s.Find(ctx, Filter{CustomerPhone: "+1"}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, a.ID, mine[0].ID)

	active, err := s.FindOne(ctx, Filter{Statuses: models.ActiveStatuses, AcceptedByPhone: "+9"})
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, a.ID, active.ID)

	none, err := s.FindOne(ctx, Filter{AcceptedByPhone: "+8"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestGetManyKeepsOrderAndSkipsUnknown(t *testing.T) {
	s, _ := newClockedStore()
	a := mustCreate(t, s, "x", "+1")
	b := mustCreate(t, s, "x", "+1")
	got, err := s.GetMany(context.Background(), []string{b.ID, "ghost", a.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a.ID, got[1].ID)
}

func TestTransitionStatusMismatchConflicts(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()
	r := mustCreate(t, s, "x", "+1")

	_, err := s.Transition(ctx, r.ID, Condition{Statuses: []models.Status{models.StatusAccepted}},
		Mutation{Status: models.StatusOnTheWay})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	got, _ := s.Get(ctx, r.ID)
	assert.Equal(t, models.StatusPending, got.Status, "failed transition writes nothing")
}

func TestTransitionOwnerCondition(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()
	r := mustCreate(t, s, "x", "+1")
	_, err := s.Transition(ctx, r.ID, Condition{Statuses: []models.Status{models.StatusPending}},
		Mutation{Status: models.StatusAccepted, Provider: ProviderSet, ProviderPhone: "+9"})
	require.NoError(t, err)

	_, err = s.Transition(ctx, r.ID, Condition{AcceptedByPhone: strPtr("+8")}, Mutation{Status: models.StatusOnTheWay})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	out, err := s.Transition(ctx, r.ID, Condition{AcceptedByPhone: strPtr("+9")}, Mutation{Status: models.StatusOnTheWay})
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnTheWay, out.Status)
	assert.True(t, out.UpdatedAt.After(out.CreatedAt))
}

func TestTransitionClearsProvider(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()
	r := mustCreate(t, s, "x", "+1")
	_, err := s.Transition(ctx, r.ID, Condition{}, Mutation{Status: models.StatusAccepted, Provider: ProviderSet, ProviderPhone: "+9"})
	require.NoError(t, err)

	out, err := s.Transition(ctx, r.ID, Condition{}, Mutation{Status: models.StatusPending, Provider: ProviderClear})
	require.NoError(t, err)
	assert.Nil(t, out.AcceptedByPhone)
}

func TestTransitionRejectsSecondActiveJob(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()
	a := mustCreate(t, s, "x", "+1")
	b := mustCreate(t, s, "x", "+2")
	accept := Mutation{Status: models.StatusAccepted, Provider: ProviderSet, ProviderPhone: "+9"}
	cond := Condition{Statuses: []models.Status{models.StatusPending}, NoActiveJobFor: "+9"}

	_, err := s.Transition(ctx, a.ID, cond, accept)
	require.NoError(t, err)
	_, err = s.Transition(ctx, b.ID, cond, accept)
	assert.ErrorIs(t, err, apperrors.ErrActiveJob)
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := &models.ServiceRequest{ServiceType: "x"}
	require.NoError(t, s.Create(ctx, r))

	const n = 32
	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		start   = make(chan struct{})
		winners = make(chan string, n)
	)
	for i := 0; i < n; i++ {
		phone := "+9" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Transition(ctx, r.ID,
				Condition{Statuses: []models.Status{models.StatusPending}, NoActiveJobFor: phone},
				Mutation{Status: models.StatusAccepted, Provider: ProviderSet, ProviderPhone: phone})
			if err == nil {
				wins.Add(1)
				winners <- phone
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrConflict)
		}()
	}
	close(start)
	wg.Wait()
	close(winners)

	require.Equal(t, int32(1), wins.Load())
	got, _ := s.Get(ctx, r.ID)
	assert.Equal(t, <-winners, *got.AcceptedByPhone)
}

func TestSettingsDefaultsAndClamp(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()

	_, err := s.GetSettings(ctx, "+9")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	low := 5.0
	out, err := s.UpsertSettings(ctx, "+9", SettingsPatch{MaxDistance: &low})
	require.NoError(t, err)
	assert.Equal(t, 10.0, out.MaxDistance)
	assert.True(t, out.IsOnline)
	assert.True(t, out.NotificationsEnabled)

	high := 100.0
	off := false
	out, err = s.UpsertSettings(ctx, "+9", SettingsPatch{MaxDistance: &high, IsOnline: &off})
	require.NoError(t, err)
	assert.Equal(t, 50.0, out.MaxDistance)
	assert.False(t, out.IsOnline)

	loc := models.GeoPoint{Lng: 44.36, Lat: 33.31}
	out, err = s.UpsertSettings(ctx, "+9", SettingsPatch{CurrentLocation: &loc})
	require.NoError(t, err)
	require.NotNil(t, out.CurrentLocation)
	assert.Equal(t, loc, *out.CurrentLocation)
	assert.Equal(t, 50.0, out.MaxDistance, "untouched fields keep their value")
}
