package instance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tenantfleet/internal/limits"
	"github.com/mbd888/tenantfleet/internal/naming"
	"github.com/mbd888/tenantfleet/internal/pagination"
)

func newInstance(id, subID string) *Instance {
	l, _ := limits.Resolve(limits.TierStarter)
	return &Instance{
		ID:             id,
		SubscriptionID: subID,
		AccountID:      "acct_1",
		Tier:           limits.TierStarter,
		Identity: naming.Identity{
			AppName:          "acme-0a1b2c3d",
			Subdomain:        "acme-0a1b2c3d.tenants.test",
			DBServiceName:    "acme-0a1b2c3d-db",
			CacheServiceName: "acme-0a1b2c3d-cache",
			Seed:             id,
		},
		Status: StatusRequested,
		Limits: l,
	}
}

func strPtr(s string) *string { return &s }

func TestMemoryStore_CreateWritesFirstTransition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inst := newInstance("i-1", "sub_1")
	require.NoError(t, store.Create(ctx, inst))
	assert.Equal(t, int64(1), inst.Version)
	assert.False(t, inst.CreatedAt.IsZero())

	got, err := store.Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, got.Status)
	assert.Equal(t, inst.Limits, got.Limits)

	trs, err := store.ListTransitions(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, Status(""), trs[0].From)
	assert.Equal(t, StatusRequested, trs[0].To)
	assert.Equal(t, ActionProvision, trs[0].Action)
}

func TestMemoryStore_CreateRejectsNonRequested(t *testing.T) {
	inst := newInstance("i-1", "sub_1")
	inst.Status = StatusRunning
	assert.ErrorIs(t, NewMemoryStore().Create(context.Background(), inst), ErrInvalidStatus)
}

func TestMemoryStore_OneActiveInstancePerSubscription(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Create(ctx, newInstance("i-1", "sub_1")))
	assert.ErrorIs(t, store.Create(ctx, newInstance("i-2", "sub_1")), ErrActiveInstanceExists)
	require.NoError(t, store.Create(ctx, newInstance("i-3", "sub_2")))

	// A failed instance that still holds resources keeps the slot.
	_, err := store.UpdateStatus(ctx, "i-1", StatusRequested, Change{To: StatusFailed, Action: "fail", ErrorCode: "quota_exceeded"})
	require.NoError(t, err)
	assert.ErrorIs(t, store.Create(ctx, newInstance("i-2", "sub_1")), ErrActiveInstanceExists)

	active, err := store.ListActiveForSubscription(ctx, "sub_1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "i-1", active[0].ID)
}

func TestMemoryStore_FailedAndReleasedFreesSlot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newInstance("i-1", "sub_1")))

	released := true
	_, err := store.UpdateStatus(ctx, "i-1", StatusRequested, Change{
		To: StatusFailed, Action: "fail", ResourcesReleased: &released,
	})
	require.NoError(t, err)

	active, _ := store.ListActiveForSubscription(ctx, "sub_1")
	assert.Empty(t, active)
	require.NoError(t, store.Create(ctx, newInstance("i-2", "sub_1")))

	// Retrying the released instance would re-occupy a taken slot.
	_, err = store.UpdateStatus(ctx, "i-1", StatusFailed, Change{To: StatusRequested, Action: "retry"})
	assert.ErrorIs(t, err, ErrActiveInstanceExists)
}

func TestMemoryStore_UpdateStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newInstance("i-1", "sub_1")))

	got, err := store.UpdateStatus(ctx, "i-1", StatusRequested, Change{
		To: StatusProvisioningApp, Action: "create_app", ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	_, err = store.UpdateStatus(ctx, "i-1", StatusRequested, Change{To: StatusProvisioningApp, Action: "create_app"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.UpdateStatus(ctx, "i-1", StatusProvisioningApp, Change{To: StatusProvisioningApp, Action: "create_app", ExpectedVersion: 1})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.UpdateStatus(ctx, "i-missing", StatusRequested, Change{To: StatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.UpdateStatus(ctx, "i-1", StatusProvisioningApp, Change{To: "exploded"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestMemoryStore_ConcurrentCASExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newInstance("i-1", "sub_1")))

	const writers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for n := 0; n < writers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateStatus(ctx, "i-1", StatusRequested, Change{
				To: StatusProvisioningApp, Action: "create_app", ExpectedVersion: 1,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, ErrConflict) {
				conflict++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflict)

	trs, _ := store.ListTransitions(ctx, "i-1")
	assert.Len(t, trs, 2)
}

func TestChange_ApplyErrorFields(t *testing.T) {
	now := time.Now()
	inst := newInstance("i-1", "sub_1")
	inst.Version = 3

	failed, tr := Change{
		To:             StatusFailed,
		Action:         "create_managed_db",
		Step:           strPtr("attach_storage"),
		LastGoodStatus: func() *Status { s := StatusProvisioningStorage; return &s }(),
		ErrorCode:      "quota_exceeded",
		ErrorDetail:    "database quota exhausted",
	}.Apply(inst, now)

	assert.Equal(t, int64(4), failed.Version)
	assert.Equal(t, "quota_exceeded", failed.ErrorCode)
	assert.Equal(t, StatusProvisioningStorage, failed.LastGoodStatus)
	assert.Equal(t, "attach_storage", tr.Step)
	assert.Equal(t, StatusRequested, tr.From)
	assert.Equal(t, "quota_exceeded", tr.ErrorCode)
	assert.Equal(t, StatusRequested, inst.Status, "input must not be mutated")

	// Rollback records on a failed instance keep the original cause.
	rolled, tr := Change{To: StatusFailed, Action: "rollback:destroy_app", ErrorCode: "platform_unavailable"}.Apply(failed, now)
	assert.Equal(t, "quota_exceeded", rolled.ErrorCode)
	assert.Equal(t, "platform_unavailable", tr.ErrorCode)

	ref := "s3://exports/acme.sql.gz"
	exported, _ := Change{To: StatusFailed, Action: "export_data", ExportRef: &ref}.Apply(rolled, now)
	assert.Equal(t, ref, exported.ExportRef)

	resumed, _ := Change{To: StatusProvisioningStorage, Action: "retry"}.Apply(failed, now)
	assert.Empty(t, resumed.ErrorCode)
	assert.Empty(t, resumed.ErrorDetail)

	// Error codes on non-failure transitions stay on the transition only.
	noted, tr := Change{To: StatusDeprovisioning, Action: "export_data", ErrorCode: "export_failed"}.Apply(resumed, now)
	assert.Empty(t, noted.ErrorCode)
	assert.Equal(t, "export_failed", tr.ErrorCode)
}

func TestMemoryStore_ListInFlight(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	require.NoError(t, store.Create(ctx, newInstance("i-stuck", "sub_1")))
	require.NoError(t, store.Create(ctx, newInstance("i-running", "sub_2")))
	_, err := store.UpdateStatus(ctx, "i-running", StatusRequested, Change{To: StatusRunning, Action: "verify"})
	require.NoError(t, err)

	clock = clock.Add(5 * time.Minute)
	require.NoError(t, store.Create(ctx, newInstance("i-fresh", "sub_3")))

	got, err := store.ListInFlight(ctx, clock.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "i-stuck", got[0].ID)
}

func TestMemoryStore_ListPaginates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	for _, id := range []string{"i-1", "i-2", "i-3", "i-4", "i-5"} {
		clock = clock.Add(time.Second)
		require.NoError(t, store.Create(ctx, newInstance(id, "sub_"+id)))
	}
	_, err := store.UpdateStatus(ctx, "i-2", StatusRequested, Change{To: StatusRunning})
	require.NoError(t, err)

	page, err := store.List(ctx, Filter{}, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "i-5", page[0].ID)
	assert.Equal(t, "i-4", page[1].ID)

	cursor := &pagination.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}
	page, err = store.List(ctx, Filter{}, cursor, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "i-3", page[0].ID)

	page, err = store.List(ctx, Filter{Status: StatusRunning}, nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "i-2", page[0].ID)
}

func TestOccupies(t *testing.T) {
	for _, s := range Statuses {
		switch s {
		case StatusDeprovisioned:
			assert.False(t, Occupies(s, false), s)
		case StatusFailed:
			assert.True(t, Occupies(s, false))
			assert.False(t, Occupies(s, true))
		default:
			assert.True(t, Occupies(s, false), s)
		}
	}
}
