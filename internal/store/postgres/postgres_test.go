package postgres_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgh213/repairdesk/internal/store"
	"github.com/acgh213/repairdesk/internal/testutil"
)

func TestUsers_RecordFailedAttemptLocksAtThreshold(t *testing.T) {
	stores := testutil.SetupDB(t)
	ctx := context.Background()
	u := testutil.CreateUser(t, stores.Users, "pg-lock", store.RoleRequester, "pw")
	now := time.Now().UTC().Truncate(time.Millisecond)

	var last *store.LockState
	for i := 0; i < 5; i++ {
		ls, err := stores.Users.RecordFailedAttempt(ctx, u.ID, store.FailedAttempt{
			At: now.Add(time.Duration(i) * time.Second), Window: 15 * time.Minute, Threshold: 5,
		})
		require.NoError(t, err)
		last = ls
	}
	require.Equal(t, 5, last.FailedAttempts)
	require.True(t, last.IsLocked)
	require.NotNil(t, last.LockedAt)

	require.NoError(t, stores.Users.SetLocked(ctx, u.ID, false, now))
	ls, err := stores.Users.LockState(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, ls.IsLocked)
	require.Zero(t, ls.FailedAttempts)
}

func TestUsers_UsernameUniqueIgnoringCase(t *testing.T) {
	stores := testutil.SetupDB(t)
	ctx := context.Background()
	u := testutil.CreateUser(t, stores.Users, "Pg-Case", store.RoleAdmin, "pw")

	err := stores.Users.Create(ctx, &store.User{Username: strings.ToLower(u.Username), PasswordHash: "x", Role: store.RoleRequester})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestUsers_RecordFailedAttemptConcurrent(t *testing.T) {
	stores := testutil.SetupDB(t)
	ctx := context.Background()
	u := testutil.CreateUser(t, stores.Users, "pg-race", store.RoleRequester, "pw")
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := stores.Users.RecordFailedAttempt(ctx, u.ID, store.FailedAttempt{
				At: now, Window: 15 * time.Minute, Threshold: 5,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ls, err := stores.Users.LockState(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, 25, ls.FailedAttempts)
	require.True(t, ls.IsLocked)
}

func TestIPBlocks_UpsertAndExpire(t *testing.T) {
	stores := testutil.SetupDB(t)
	ctx := context.Background()
	ip := "198.51.100." + uuid.New().String()[:4]
	now := time.Now().UTC()

	b := testutil.CreateIPBlock(t, stores.IPBlocks, ip, now, now.Add(10*time.Minute))
	t.Cleanup(func() { _ = stores.IPBlocks.Delete(context.Background(), ip) })

	got, err := stores.IPBlocks.GetActive(ctx, ip, now)
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)

	_, err = stores.IPBlocks.GetActive(ctx, ip, now.Add(11*time.Minute))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessions_Lifecycle(t *testing.T) {
	stores := testutil.SetupDB(t)
	ctx := context.Background()
	u := testutil.CreateUser(t, stores.Users, "pg-sess", store.RoleRequester, "pw")
	now := time.Now().UTC()
	hash := uuid.New().String()

	require.NoError(t, stores.Sessions.Create(ctx, &store.Session{
		TokenHash: hash, UserID: u.ID, Tier: store.TierShort, CreatedAt: now, ExpiresAt: now.Add(30 * time.Minute),
	}))

	got, err := stores.Sessions.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, u.ID, got.UserID)

	n, err := stores.Sessions.DeleteAllForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
