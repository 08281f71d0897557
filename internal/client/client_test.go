package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/pool"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/queue"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config_proxies.json")
	p, err := pool.Open(path, zerolog.Nop())
	require.NoError(t, err)
	return p
}

func TestProfileAssetCheckPassesOnEmptyField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"avatar": ""}`))
	}))
	defer srv.Close()

	c := New(Config{APIBaseURL: srv.URL, APIKey: "k"}, newTestPool(t), zerolog.Nop())
	out := c.Run(context.Background(), queue.AnimatedAvatar, "76561197960434622")
	require.Equal(t, OutcomeResult, out.Kind)
	require.True(t, out.Passed)
}

func TestProfileAssetCheckFailsOnNonEmptyField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"avatar": "some_hash"}`))
	}))
	defer srv.Close()

	c := New(Config{APIBaseURL: srv.URL, APIKey: "k"}, newTestPool(t), zerolog.Nop())
	out := c.Run(context.Background(), queue.AnimatedAvatar, "76561197960434622")
	require.Equal(t, OutcomeResult, out.Kind)
	require.False(t, out.Passed)
}

func TestSteamLevelPrivateOnEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Config{APIBaseURL: srv.URL, APIKey: "k"}, newTestPool(t), zerolog.Nop())
	out := c.Run(context.Background(), queue.SteamLevel, "76561197960434622")
	require.Equal(t, OutcomeResult, out.Kind)
	require.True(t, out.Passed)
	require.True(t, out.Private)
}

func TestSteamLevelThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"player_level": 20}`))
	}))
	defer srv.Close()

	c := New(Config{APIBaseURL: srv.URL, APIKey: "k"}, newTestPool(t), zerolog.Nop())
	out := c.Run(context.Background(), queue.SteamLevel, "76561197960434622")
	require.Equal(t, OutcomeResult, out.Kind)
	require.False(t, out.Passed)
}

func TestFriendsPassesOnPrivate401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{APIBaseURL: srv.URL, APIKey: "k"}, newTestPool(t), zerolog.Nop())
	out := c.Run(context.Background(), queue.Friends, "76561197960434622")
	require.Equal(t, OutcomeResult, out.Kind)
	require.True(t, out.Passed)
	require.Equal(t, "private", out.Details)
}

func TestFriendsThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"friendslist": {"friends": [{"steamid":"1"},{"steamid":"2"}]}}`))
	}))
	defer srv.Close()

	c := New(Config{APIBaseURL: srv.URL, APIKey: "k"}, newTestPool(t), zerolog.Nop())
	out := c.Run(context.Background(), queue.Friends, "76561197960434622")
	require.Equal(t, OutcomeResult, out.Kind)
	require.True(t, out.Passed)
}

func TestFriends429TriggersDeferWhenAllCooled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newTestPool(t) // single direct connection
	c := New(Config{APIBaseURL: srv.URL, APIKey: "k"}, p, zerolog.Nop())
	out := c.Run(context.Background(), queue.Friends, "76561197960434622")
	require.Equal(t, OutcomeDeferred, out.Kind)
	require.True(t, p.AllInCooldown())
}

func TestCSGOInventoryPassesOnNull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`null`))
	}))
	defer srv.Close()

	c := New(Config{CommunityBaseURL: srv.URL}, newTestPool(t), zerolog.Nop())
	out := c.Run(context.Background(), queue.CSGOInventory, "76561197960434622")
	require.Equal(t, OutcomeResult, out.Kind)
	require.True(t, out.Passed)
}

func TestCSGOInventoryFailsWhenAssetsPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"assets": [{"id":"1"}]}`))
	}))
	defer srv.Close()

	c := New(Config{CommunityBaseURL: srv.URL}, newTestPool(t), zerolog.Nop())
	out := c.Run(context.Background(), queue.CSGOInventory, "76561197960434622")
	require.Equal(t, OutcomeResult, out.Kind)
	require.False(t, out.Passed)
}

func TestClassifyError(t *testing.T) {
	class, ok := classifyError(errLike("dial tcp: socks connect tcp: ECONNREFUSED"))
	require.True(t, ok)
	require.Equal(t, pool.ErrorClassSOCKS, class)

	class, ok = classifyError(errLike("read: connection reset by peer ECONNRESET"))
	require.True(t, ok)
	require.Equal(t, pool.ErrorClassConnection, class)

	_, ok = classifyError(errLike("something completely unclassified"))
	require.False(t, ok)
}

func TestRateGateEnforcesMinimumInterval(t *testing.T) {
	g := NewRateGate()
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, g.Wait(ctx))
	require.NoError(t, g.Wait(ctx))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 950*time.Millisecond)
}

type errLike string

func (e errLike) Error() string { return string(e) }
