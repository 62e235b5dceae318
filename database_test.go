package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB opens a fresh on-disk database per test. In-memory sqlite
// would hand each pooled connection its own empty database.
func setupTestDB(t *testing.T) context.Context {
	t.Helper()
	GlobalConfig = &Config{QueueLimit: 10}
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, InitDatabase(ctx, dsn))
	t.Cleanup(CloseDatabase)
	return ctx
}

const (
	dbUserA  = snowflake.ID(1001)
	dbUserB  = snowflake.ID(1002)
	dbAdmin  = snowflake.ID(1003)
	dbChatID = snowflake.ID(5001)
)

func TestUpsertUser(t *testing.T) {
	ctx := setupTestDB(t)

	require.NoError(t, UpsertUser(ctx, dbUserA, "alice", "Alice"))
	u, err := GetUser(ctx, dbUserA)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "alice", u.Username)
	assert.False(t, u.IsPremium)

	// A second contact refreshes names without resetting anything else.
	require.NoError(t, UpsertUser(ctx, dbUserA, "alice2", "Alice II"))
	u, err = GetUser(ctx, dbUserA)
	require.NoError(t, err)
	assert.Equal(t, "alice2", u.Username)
	assert.Equal(t, "Alice II", u.FirstName)
}

func TestGetUserUnknown(t *testing.T) {
	ctx := setupTestDB(t)

	u, err := GetUser(ctx, dbUserA)
	require.NoError(t, err)
	assert.Nil(t, u)

	premium, err := IsPremiumUser(ctx, dbUserA)
	require.NoError(t, err)
	assert.False(t, premium)
}

func TestPremiumLifecycle(t *testing.T) {
	ctx := setupTestDB(t)

	until, err := GrantPremium(ctx, dbUserA, 30)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), until, time.Minute)

	premium, err := IsPremiumUser(ctx, dbUserA)
	require.NoError(t, err)
	assert.True(t, premium)

	// Force the grant into the past; the next check downgrades in place.
	_, err = DB.ExecContext(ctx,
		"UPDATE users SET premium_until = ? WHERE user_id = ?",
		time.Now().UTC().Add(-time.Hour), dbUserA.String())
	require.NoError(t, err)

	premium, err = IsPremiumUser(ctx, dbUserA)
	require.NoError(t, err)
	assert.False(t, premium)

	// The downgrade write happens in the background; wait for it to land.
	require.Eventually(t, func() bool {
		var flag int
		if err := DB.QueryRowContext(ctx,
			"SELECT is_premium FROM users WHERE user_id = ?", dbUserA.String()).Scan(&flag); err != nil {
			return false
		}
		return flag == 0
	}, 2*time.Second, 10*time.Millisecond)

	// With the flag already cleared, the sweep finds nothing left to do.
	n, err := RevokeExpiredPremium(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGrantPremiumOverwrites(t *testing.T) {
	ctx := setupTestDB(t)

	_, err := GrantPremium(ctx, dbUserA, 365)
	require.NoError(t, err)

	// A shorter re-grant replaces the window instead of extending it.
	until, err := GrantPremium(ctx, dbUserA, 1)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), until, time.Minute)

	u, err := GetUser(ctx, dbUserA)
	require.NoError(t, err)
	assert.WithinDuration(t, until, u.PremiumUntil, time.Second)
}

func TestRevokeExpiredPremium(t *testing.T) {
	ctx := setupTestDB(t)

	_, err := GrantPremium(ctx, dbUserA, 30)
	require.NoError(t, err)
	_, err = GrantPremium(ctx, dbUserB, 30)
	require.NoError(t, err)
	_, err = GrantPremium(ctx, dbAdmin, 30)
	require.NoError(t, err)

	// Expire two of the three grants.
	for _, id := range []snowflake.ID{dbUserA, dbUserB} {
		_, err = DB.ExecContext(ctx,
			"UPDATE users SET premium_until = ? WHERE user_id = ?",
			time.Now().UTC().Add(-time.Minute), id.String())
		require.NoError(t, err)
	}

	n, err := RevokeExpiredPremium(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// The sweep is idempotent.
	n, err = RevokeExpiredPremium(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	premium, err := IsPremiumUser(ctx, dbAdmin)
	require.NoError(t, err)
	assert.True(t, premium)
}

func TestBanLifecycle(t *testing.T) {
	ctx := setupTestDB(t)

	_, banned, err := GetBanReason(ctx, dbUserA)
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, BanUser(ctx, dbUserA, dbAdmin, "spamming requests"))
	reason, banned, err := GetBanReason(ctx, dbUserA)
	require.NoError(t, err)
	assert.True(t, banned)
	assert.Equal(t, "spamming requests", reason)

	// Re-banning refreshes the stored reason.
	require.NoError(t, BanUser(ctx, dbUserA, dbAdmin, "repeat offender"))
	reason, banned, err = GetBanReason(ctx, dbUserA)
	require.NoError(t, err)
	assert.True(t, banned)
	assert.Equal(t, "repeat offender", reason)

	removed, err := UnbanUser(ctx, dbUserA)
	require.NoError(t, err)
	assert.True(t, removed)

	// Unbanning someone who is not banned reports false, not an error.
	removed, err = UnbanUser(ctx, dbUserA)
	require.NoError(t, err)
	assert.False(t, removed)

	_, banned, err = GetBanReason(ctx, dbUserA)
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestRecordPlaybackAndStats(t *testing.T) {
	ctx := setupTestDB(t)

	require.NoError(t, UpsertUser(ctx, dbUserA, "alice", "Alice"))
	require.NoError(t, UpsertUser(ctx, dbUserB, "bob", "Bob"))
	_, err := GrantPremium(ctx, dbUserB, 7)
	require.NoError(t, err)
	require.NoError(t, BanUser(ctx, dbAdmin, dbUserA, "test"))

	require.NoError(t, RecordPlayback(ctx, dbChatID, dbUserA, "Song One", "https://example.com/1", 3*time.Minute))
	require.NoError(t, RecordPlayback(ctx, dbChatID, dbUserA, "Song Two", "https://example.com/2", 4*time.Minute))

	u, err := GetUser(ctx, dbUserA)
	require.NoError(t, err)
	assert.Equal(t, 2, u.TotalSongsPlayed)

	stats, err := GetBotStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 1, stats.PremiumUsers)
	assert.Equal(t, 1, stats.BannedUsers)
	assert.Equal(t, 2, stats.SongsPlayed)
}

func TestGetAllUserIDs(t *testing.T) {
	ctx := setupTestDB(t)

	require.NoError(t, UpsertUser(ctx, dbUserA, "alice", "Alice"))
	require.NoError(t, UpsertUser(ctx, dbUserB, "bob", "Bob"))

	ids, err := GetAllUserIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []snowflake.ID{dbUserA, dbUserB}, ids)
}

func TestBotConfigRoundTrip(t *testing.T) {
	ctx := setupTestDB(t)

	v, err := GetBotConfig(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, SetBotConfig(ctx, "mode", "production"))
	require.NoError(t, SetBotConfig(ctx, "mode", "development"))

	v, err = GetBotConfig(ctx, "mode")
	require.NoError(t, err)
	assert.Equal(t, "development", v)
}
