// Package queue implements the persistent work queue:
// a single JSON file holding an ordered list of QueueItems, each carrying a
// seven-check status map, mutated under one in-process lock with whole-file
// rewrite semantics.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is one of the four states a check can be in.
type Status string

const (
	ToCheck  Status = "to_check"
	Passed   Status = "passed"
	Failed   Status = "failed"
	Deferred Status = "deferred"
)

func (s Status) valid() bool {
	switch s {
	case ToCheck, Passed, Failed, Deferred:
		return true
	default:
		return false
	}
}

// CheckName identifies one of the seven checks, in canonical execution order.
type CheckName string

const (
	AnimatedAvatar        CheckName = "animated_avatar"
	AvatarFrame           CheckName = "avatar_frame"
	MiniProfileBackground CheckName = "mini_profile_background"
	ProfileBackground     CheckName = "profile_background"
	SteamLevel            CheckName = "steam_level"
	Friends               CheckName = "friends"
	CSGOInventory         CheckName = "csgo_inventory"
)

// CanonicalOrder is the fixed dispatch order used by the worker loop.
var CanonicalOrder = []CheckName{
	AnimatedAvatar, AvatarFrame, MiniProfileBackground, ProfileBackground,
	SteamLevel, Friends, CSGOInventory,
}

// ProfileAssetChecks are the five non-rate-limited checks.
var ProfileAssetChecks = []CheckName{
	AnimatedAvatar, AvatarFrame, MiniProfileBackground, ProfileBackground, SteamLevel,
}

// RateLimitedChecks are the two checks that must use the connection pool.
var RateLimitedChecks = []CheckName{Friends, CSGOInventory}

func IsRateLimited(c CheckName) bool {
	return c == Friends || c == CSGOInventory
}

func allChecksToCheck() map[CheckName]Status {
	m := make(map[CheckName]Status, len(CanonicalOrder))
	for _, c := range CanonicalOrder {
		m[c] = ToCheck
	}
	return m
}

// QueueItem is a single pending account submission.
type QueueItem struct {
	AccountID  string               `json:"account_id"`
	Submitter  string               `json:"submitter"`
	EnqueuedAt int64                `json:"enqueued_at"` // epoch millis
	Checks     map[CheckName]Status `json:"checks"`
}

func (it *QueueItem) hasStatus(s Status) bool {
	for _, st := range it.Checks {
		if st == s {
			return true
		}
	}
	return false
}

// HasToCheck reports whether any check is still pending.
func (it *QueueItem) HasToCheck() bool { return it.hasStatus(ToCheck) }

// HasDeferred reports whether any check is deferred.
func (it *QueueItem) HasDeferred() bool { return it.hasStatus(Deferred) }

// HasAnyProfileAssetToCheck reports whether any of the five non-rate-limited
// checks is still pending — used by the selection algorithm's fallback step.
func (it *QueueItem) HasAnyProfileAssetToCheck() bool {
	for _, c := range ProfileAssetChecks {
		if it.Checks[c] == ToCheck {
			return true
		}
	}
	return false
}

var accountIDPattern = regexp.MustCompile(`^[0-9]{17}$`)

// EnqueueResult reports the outcome of an Enqueue call.
type EnqueueResult string

const (
	Added             EnqueueResult = "added"
	AlreadyQueued     EnqueueResult = "already_queued"
	DuplicateInRemote EnqueueResult = "duplicate_in_remote"
	InvalidInput      EnqueueResult = "invalid_input"
)

// ErrNotFound is returned by UpdateCheck when the account id isn't in the queue.
var ErrNotFound = fmt.Errorf("queue: item not found")

// ErrInvalidStatus is returned by UpdateCheck for an unrecognised status value.
var ErrInvalidStatus = fmt.Errorf("queue: invalid status")

// RemoteExistenceChecker is the external collaborator consulted before enqueue
// Implementations call the remote account service's
// existence endpoint. A non-nil error means the check itself failed (network
// error), in which case Enqueue proceeds best-effort.
type RemoteExistenceChecker interface {
	Exists(ctx context.Context, accountID string) (bool, error)
}

// Store is the persisted queue. All mutating operations take Store.mu.
type Store struct {
	mu        sync.Mutex
	path      string
	log       zerolog.Logger
	items     []*QueueItem
	byID      map[string]*QueueItem
	existence RemoteExistenceChecker
}

// Stats is the aggregate view returned by Stats().
type Stats struct {
	TotalItems    int                          `json:"total_items"`
	ByCheckStatus map[CheckName]map[Status]int `json:"by_check_status"`
	BySubmitter   map[string]int               `json:"by_submitter"`
}

// Open loads (or creates) the queue file at path.
func Open(path string, existence RemoteExistenceChecker, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path:      path,
		log:       log,
		byID:      make(map[string]*QueueItem),
		existence: existence,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.items = nil
		s.byID = make(map[string]*QueueItem)
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		s.items = nil
		s.byID = make(map[string]*QueueItem)
		return nil
	}
	var items []*QueueItem
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("queue: decode %s: %w", s.path, err)
	}
	s.items = items
	s.byID = make(map[string]*QueueItem, len(items))
	for _, it := range items {
		s.byID[it.AccountID] = it
	}
	return nil
}

// retry schedule: 500/1000/1500ms, capped at 2000ms. persist only ever makes
// 3 attempts (sleeping before attempts 2 and 3), so backoffSchedule[2]
// (1500ms) is never reached here — it's reserved for a would-be 4th attempt.
var backoffSchedule = []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond, 1500 * time.Millisecond}

func cappedBackoff(attempt int) time.Duration {
	if attempt < len(backoffSchedule) {
		d := backoffSchedule[attempt]
		if d > 2000*time.Millisecond {
			return 2000 * time.Millisecond
		}
		return d
	}
	return 2000 * time.Millisecond
}

// persist rewrites the whole file atomically: write to a temp file in the same
// directory, then rename over the target. Retried up to 3 times.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(cappedBackoff(attempt - 1))
		}
		if err := s.writeOnce(data); err != nil {
			lastErr = err
			s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("queue: persist attempt failed")
			continue
		}
		return nil
	}
	return fmt.Errorf("queue: persist failed after retries: %w", lastErr)
}

func (s *Store) writeOnce(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".profiles_queue-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Enqueue validates and appends a new item. An id already in the queue yields
// AlreadyQueued; otherwise the remote existence checker is consulted, and if
// that check itself fails the item is appended anyway (best-effort).
func (s *Store) Enqueue(ctx context.Context, accountID, submitter string) (EnqueueResult, error) {
	if submitter == "" || !accountIDPattern.MatchString(accountID) {
		return InvalidInput, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[accountID]; ok {
		return AlreadyQueued, nil
	}

	if s.existence != nil {
		exists, err := s.existence.Exists(ctx, accountID)
		if err != nil {
			s.log.Warn().Err(err).Str("account_id", accountID).Msg("queue: existence check failed, enqueueing best-effort")
		} else if exists {
			return DuplicateInRemote, nil
		}
	}

	it := &QueueItem{
		AccountID:  accountID,
		Submitter:  submitter,
		EnqueuedAt: time.Now().UnixMilli(),
		Checks:     allChecksToCheck(),
	}
	s.items = append(s.items, it)
	s.byID[accountID] = it
	if err := s.persist(); err != nil {
		return "", err
	}
	return Added, nil
}

// UpdateCheck sets the status of a single check on an item and persists.
func (s *Store) UpdateCheck(accountID string, check CheckName, status Status) error {
	if !status.valid() {
		return ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byID[accountID]
	if !ok {
		return ErrNotFound
	}
	it.Checks[check] = status
	return s.persist()
}

// Remove deletes an item, idempotently. Returns whether a removal happened.
func (s *Store) Remove(accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byID[accountID]
	if !ok {
		return false, nil
	}
	delete(s.byID, accountID)
	for i, cur := range s.items {
		if cur == it {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	if err := s.persist(); err != nil {
		return true, err
	}
	return true, nil
}

// GetNextProcessable implements the item-selection algorithm.
func (s *Store) GetNextProcessable(allPoolInCooldown bool) *QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return nil
	}
	head := s.items[0]

	hasToCheck := head.HasToCheck()
	hasDeferred := head.HasDeferred()

	switch {
	case !hasToCheck && !hasDeferred:
		// complete, awaits finalization
		return head
	case !hasToCheck && hasDeferred:
		if !allPoolInCooldown {
			return head
		}
	case hasToCheck:
		if !allPoolInCooldown {
			return head
		}
	}

	// Fallback: pool fully cooled (or head blocked on cooldown with only
	// rate-limited to_check work) — scan from head for profile-asset work.
	for _, it := range s.items {
		if it.HasAnyProfileAssetToCheck() {
			return it
		}
	}
	return nil
}

// ResetDeferredToCheck replaces every deferred check with to_check, across the
// whole queue, and persists once.
func (s *Store) ResetDeferredToCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, it := range s.items {
		for c, st := range it.Checks {
			if st == Deferred {
				it.Checks[c] = ToCheck
				changed = true
			}
		}
	}
	if !changed {
		return nil
	}
	return s.persist()
}

// Stats aggregates per-check-status and per-submitter counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		TotalItems:    len(s.items),
		ByCheckStatus: make(map[CheckName]map[Status]int),
		BySubmitter:   make(map[string]int),
	}
	for _, c := range CanonicalOrder {
		st.ByCheckStatus[c] = map[Status]int{ToCheck: 0, Passed: 0, Failed: 0, Deferred: 0}
	}
	for _, it := range s.items {
		st.BySubmitter[it.Submitter]++
		for c, status := range it.Checks {
			st.ByCheckStatus[c][status]++
		}
	}
	return st
}

// Len returns the current queue length (for health/metrics reporting).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Snapshot returns a copy of the current items, safe for concurrent read by
// ingress handlers (copy-on-read).
func (s *Store) Snapshot() []QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueItem, len(s.items))
	for i, it := range s.items {
		cp := *it
		cp.Checks = make(map[CheckName]Status, len(it.Checks))
		for k, v := range it.Checks {
			cp.Checks[k] = v
		}
		out[i] = cp
	}
	return out
}
