package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeExistence struct {
	exists map[string]bool
	err    error
}

func (f *fakeExistence) Exists(_ context.Context, accountID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.exists[accountID], nil
}

func newTestStore(t *testing.T, existence RemoteExistenceChecker) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles_queue.json")
	s, err := Open(path, existence, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestStore(t, &fakeExistence{})

	res, err := s.Enqueue(context.Background(), "notdigits", "alice")
	require.NoError(t, err)
	require.Equal(t, InvalidInput, res)

	res, err = s.Enqueue(context.Background(), "76561197960434622", "")
	require.NoError(t, err)
	require.Equal(t, InvalidInput, res)
}

func TestEnqueueHappyPath(t *testing.T) {
	s := newTestStore(t, &fakeExistence{exists: map[string]bool{}})

	res, err := s.Enqueue(context.Background(), "76561197960434622", "alice")
	require.NoError(t, err)
	require.Equal(t, Added, res)
	require.Equal(t, 1, s.Len())

	res, err = s.Enqueue(context.Background(), "76561197960434622", "bob")
	require.NoError(t, err)
	require.Equal(t, AlreadyQueued, res)
}

func TestEnqueueDuplicateInRemote(t *testing.T) {
	s := newTestStore(t, &fakeExistence{exists: map[string]bool{"76561197960434622": true}})

	res, err := s.Enqueue(context.Background(), "76561197960434622", "alice")
	require.NoError(t, err)
	require.Equal(t, DuplicateInRemote, res)
	require.Equal(t, 0, s.Len())
}

func TestEnqueueBestEffortOnExistenceError(t *testing.T) {
	s := newTestStore(t, &fakeExistence{err: context.DeadlineExceeded})

	res, err := s.Enqueue(context.Background(), "76561197960434622", "alice")
	require.NoError(t, err)
	require.Equal(t, Added, res)
	require.Equal(t, 1, s.Len())
}

func TestUpdateCheckErrors(t *testing.T) {
	s := newTestStore(t, &fakeExistence{})
	_, err := s.Enqueue(context.Background(), "76561197960434622", "alice")
	require.NoError(t, err)

	err = s.UpdateCheck("00000000000000000", AnimatedAvatar, Passed)
	require.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateCheck("76561197960434622", AnimatedAvatar, "bogus")
	require.ErrorIs(t, err, ErrInvalidStatus)

	require.NoError(t, s.UpdateCheck("76561197960434622", AnimatedAvatar, Passed))
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t, &fakeExistence{})
	_, err := s.Enqueue(context.Background(), "76561197960434622", "alice")
	require.NoError(t, err)

	removed, err := s.Remove("76561197960434622")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = s.Remove("76561197960434622")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestSelectionAlgorithm(t *testing.T) {
	s := newTestStore(t, &fakeExistence{})
	_, err := s.Enqueue(context.Background(), "76561197960434622", "alice")
	require.NoError(t, err)
	_, err = s.Enqueue(context.Background(), "76561197960434623", "bob")
	require.NoError(t, err)

	// Head has to_check work and pool is up: head wins.
	item := s.GetNextProcessable(false)
	require.NotNil(t, item)
	require.Equal(t, "76561197960434622", item.AccountID)

	// Mark head's rate-limited checks deferred, profile-asset checks passed.
	for _, c := range ProfileAssetChecks {
		require.NoError(t, s.UpdateCheck("76561197960434622", c, Passed))
	}
	for _, c := range RateLimitedChecks {
		require.NoError(t, s.UpdateCheck("76561197960434622", c, Deferred))
	}

	// Pool fully cooled: head is blocked (deferred only), fall back to scanning
	// for profile-asset to_check work — second item still has to_check work.
	item = s.GetNextProcessable(true)
	require.NotNil(t, item)
	require.Equal(t, "76561197960434623", item.AccountID)

	// Pool healthy again: head (deferred, no to_check) is processable again.
	item = s.GetNextProcessable(false)
	require.NotNil(t, item)
	require.Equal(t, "76561197960434622", item.AccountID)
}

func TestResetDeferredToCheck(t *testing.T) {
	s := newTestStore(t, &fakeExistence{})
	_, err := s.Enqueue(context.Background(), "76561197960434622", "alice")
	require.NoError(t, err)
	require.NoError(t, s.UpdateCheck("76561197960434622", Friends, Deferred))

	require.NoError(t, s.ResetDeferredToCheck())

	item := s.GetNextProcessable(false)
	require.NotNil(t, item)
	require.Equal(t, ToCheck, item.Checks[Friends])
}

func TestReloadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles_queue.json")
	s, err := Open(path, &fakeExistence{}, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Enqueue(context.Background(), "76561197960434622", "alice")
	require.NoError(t, err)

	s2, err := Open(path, &fakeExistence{}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 1, s2.Len())
}

func TestStats(t *testing.T) {
	s := newTestStore(t, &fakeExistence{})
	_, err := s.Enqueue(context.Background(), "76561197960434622", "alice")
	require.NoError(t, err)

	stats := s.Stats()
	require.Equal(t, 1, stats.TotalItems)
	require.Equal(t, 1, stats.BySubmitter["alice"])
	require.Equal(t, 1, stats.ByCheckStatus[AnimatedAvatar][ToCheck])
}
