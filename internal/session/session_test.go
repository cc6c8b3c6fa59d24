package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/acgh213/repairdesk/internal/cache"
	"github.com/acgh213/repairdesk/internal/store"
	"github.com/acgh213/repairdesk/internal/testutil"
)

type fixture struct {
	m      *Manager
	clock  *testutil.Clock
	stores *store.Stores
	userID uuid.UUID
}

func newFixture(t *testing.T, mode TierMode) *fixture {
	t.Helper()
	clock := testutil.NewClock()
	stores := testutil.NewSQLiteStores(t)
	u := testutil.CreateUser(t, stores.Users, "sess", store.RoleRequester, "pw")

	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.Now = clock.Now
	return &fixture{
		m:      New(stores.Sessions, cache.New[uuid.UUID](clock.Now, 0), cfg),
		clock:  clock,
		stores: stores,
		userID: u.ID,
	}
}

func (f *fixture) create(t *testing.T, d time.Duration) string {
	t.Helper()
	token, err := GenerateToken()
	require.NoError(t, err)
	require.True(t, f.m.CreateSession(context.Background(), f.userID, token, d, "127.0.0.1", "test-agent"))
	return token
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	require.Len(t, a, TokenLength*2)
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, hashToken(a))
}

func TestCreateSession_StoresHashAndTier(t *testing.T) {
	f := newFixture(t, ModeHeuristic)
	short := f.create(t, DefaultShortTTL)
	long := f.create(t, DefaultLongTTL)

	rec, err := f.stores.Sessions.Get(context.Background(), hashToken(short))
	require.NoError(t, err)
	require.Equal(t, store.TierShort, rec.Tier)
	require.True(t, rec.ExpiresAt.Equal(f.clock.Now().Add(30*time.Minute)))

	rec, err = f.stores.Sessions.Get(context.Background(), hashToken(long))
	require.NoError(t, err)
	require.Equal(t, store.TierLong, rec.Tier)

	_, err = f.stores.Sessions.Get(context.Background(), short)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetSession_ShortSessionSlides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeHeuristic)
	token := f.create(t, DefaultShortTTL)

	for i := 0; i < 10; i++ {
		f.clock.Advance(20 * time.Minute)
		s, err := f.m.GetSession(ctx, token)
		require.NoError(t, err, "check %d", i)
		require.Equal(t, f.userID, s.UserID)
		require.LessOrEqual(t, s.ExpiresAt.Sub(f.clock.Now()), 30*time.Minute)
	}
}

func TestGetSession_ShortSessionExpiresWhenIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeHeuristic)
	token := f.create(t, DefaultShortTTL)

	f.clock.Advance(10 * time.Minute)
	_, err := f.m.GetSession(ctx, token)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	_, err = f.m.GetSession(ctx, token)
	require.ErrorIs(t, err, ErrSessionExpired)

	// The expired record is removed.
	_, err = f.m.GetSession(ctx, token)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetSession_ExpiresAtDeadline(t *testing.T) {
	f := newFixture(t, ModeHeuristic)
	token := f.create(t, DefaultShortTTL)

	f.clock.Advance(30 * time.Minute)
	_, err := f.m.GetSession(context.Background(), token)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestGetSession_LongSessionStaysLong(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeHeuristic)
	token := f.create(t, DefaultLongTTL)

	for _, gap := range []time.Duration{time.Minute, 3 * 24 * time.Hour, 6 * 24 * time.Hour, time.Hour} {
		f.clock.Advance(gap)
		s, err := f.m.GetSession(ctx, token)
		require.NoError(t, err)
		require.True(t, s.ExpiresAt.Equal(f.clock.Now().Add(DefaultLongTTL)))
	}
}

func TestGetSession_TierModesDifferNearExpiry(t *testing.T) {
	ctx := context.Background()

	heuristic := newFixture(t, ModeHeuristic)
	token := heuristic.create(t, DefaultLongTTL)
	heuristic.clock.Advance(DefaultLongTTL - 45*time.Minute)
	s, err := heuristic.m.GetSession(ctx, token)
	require.NoError(t, err)
	require.True(t, s.ExpiresAt.Equal(heuristic.clock.Now().Add(DefaultShortTTL)))

	stored := newFixture(t, ModeStored)
	token = stored.create(t, DefaultLongTTL)
	stored.clock.Advance(DefaultLongTTL - 45*time.Minute)
	s, err = stored.m.GetSession(ctx, token)
	require.NoError(t, err)
	require.True(t, s.ExpiresAt.Equal(stored.clock.Now().Add(DefaultLongTTL)))
}

func TestGetSession_UnknownToken(t *testing.T) {
	f := newFixture(t, ModeHeuristic)
	_, err := f.m.GetSession(context.Background(), "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLookup_MirrorsCreateAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeHeuristic)
	token := f.create(t, DefaultShortTTL)

	id, ok := f.m.Lookup(token)
	require.True(t, ok)
	require.Equal(t, f.userID, id)

	require.True(t, f.m.DeleteSession(ctx, token))
	_, ok = f.m.Lookup(token)
	require.False(t, ok)

	require.True(t, f.m.DeleteSession(ctx, token))
	_, err := f.m.GetSession(ctx, token)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLookup_FollowsExtension(t *testing.T) {
	f := newFixture(t, ModeHeuristic)
	token := f.create(t, DefaultShortTTL)

	f.clock.Advance(25 * time.Minute)
	_, err := f.m.GetSession(context.Background(), token)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	_, ok := f.m.Lookup(token)
	require.True(t, ok)
}

func TestIssue(t *testing.T) {
	f := newFixture(t, ModeHeuristic)

	token, expiresAt, err := f.m.Issue(context.Background(), f.userID, true, "127.0.0.1", "ua")
	require.NoError(t, err)
	require.True(t, expiresAt.Equal(f.clock.Now().Add(DefaultLongTTL)))

	s, err := f.m.GetSession(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, store.TierLong, s.Tier)
}

func TestDeleteAllForUserAndClean(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeHeuristic)
	a := f.create(t, DefaultShortTTL)
	f.create(t, DefaultShortTTL)
	f.create(t, DefaultLongTTL)

	f.clock.Advance(time.Hour)
	n, err := f.m.CleanExpiredSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = f.m.DeleteAllForUser(ctx, f.userID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = f.m.GetSession(ctx, a)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

var errDown = errors.New("connection refused")

// flakySessions fails writes but serves reads from the wrapped store.
type flakySessions struct {
	store.Sessions
}

func (flakySessions) Create(context.Context, *store.Session) error { return errDown }

func (flakySessions) UpdateExpiry(context.Context, string, time.Time) error { return errDown }

func (flakySessions) Delete(context.Context, string) error { return errDown }

func TestGetSession_ExtensionFailureKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeHeuristic)
	token := f.create(t, DefaultShortTTL)
	created := f.clock.Now()

	flaky := New(flakySessions{f.stores.Sessions}, cache.New[uuid.UUID](f.clock.Now, 0), f.m.cfg)
	f.clock.Advance(10 * time.Minute)

	s, err := flaky.GetSession(ctx, token)
	require.NoError(t, err)
	require.True(t, s.ExpiresAt.Equal(created.Add(DefaultShortTTL)))
}

func TestMutations_StoreFailure(t *testing.T) {
	f := newFixture(t, ModeHeuristic)
	flaky := New(flakySessions{f.stores.Sessions}, cache.New[uuid.UUID](f.clock.Now, 0), f.m.cfg)

	require.False(t, flaky.CreateSession(context.Background(), f.userID, "tok", DefaultShortTTL, "", ""))
	require.False(t, flaky.DeleteSession(context.Background(), "tok"))

	_, _, err := flaky.Issue(context.Background(), f.userID, false, "", "")
	require.Error(t, err)
}
