// Package worker implements the scheduling loop: the single-flight
// scheduling tick that drives the seven-check state machine, the periodic
// deferred-reclaim sweep, and the proxy smoke test.
package worker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/client"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/metrics"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/pool"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/queue"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/remote"
)

// Config tunes the worker's scheduling delays.
type Config struct {
	TickDelay         time.Duration // default 350ms between items
	EmptyQueueDelay   time.Duration // default 5000ms when the queue is empty
	SweepInterval     time.Duration // default 60s
	SmokeTestInterval time.Duration // default 15min
	SmokeTestURL      string        // known-public endpoint probed through the current connection
}

func (c Config) withDefaults() Config {
	if c.TickDelay == 0 {
		c.TickDelay = 350 * time.Millisecond
	}
	if c.EmptyQueueDelay == 0 {
		c.EmptyQueueDelay = 5000 * time.Millisecond
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.SmokeTestInterval == 0 {
		c.SmokeTestInterval = 15 * time.Minute
	}
	return c
}

// Worker drives the processing loop. It is the sole mutator of check statuses
// after enqueue.
type Worker struct {
	cfg    Config
	queue  *queue.Store
	pool   *pool.Pool
	client *client.Client
	writer *remote.Writer
	log    zerolog.Logger

	// inFlight enforces "at most one processing pass runs at any time"
	// a TryLock-equivalent guard over a single mutex, in the
	// spirit of the teacher's activeWorkers atomic counter (processor.go),
	// but strict: this spec needs exactly one worker, not a bounded pool.
	inFlight sync.Mutex
}

// New constructs a Worker. writer may be nil in tests that only exercise
// check execution without finalization.
func New(cfg Config, q *queue.Store, p *pool.Pool, c *client.Client, w *remote.Writer, log zerolog.Logger) *Worker {
	return &Worker{
		cfg:    cfg.withDefaults(),
		queue:  q,
		pool:   p,
		client: c,
		writer: w,
		log:    log,
	}
}

// Run blocks, driving the scheduling tick and the two periodic timers, until
// ctx is cancelled. Cancellation is soft: the in-flight tick is
// allowed to finish; the loops simply stop re-arming.
func (w *Worker) Run(ctx context.Context) {
	// Startup reclaim: the in-memory DeferredSet is an optimization rebuilt
	// from the queue file — nothing to rebuild here since Deferred
	// status already lives in the file; this just gives stuck items a fresh
	// start against whatever pool state exists now.
	if err := w.queue.ResetDeferredToCheck(); err != nil {
		w.log.Warn().Err(err).Msg("worker: startup deferred reclaim failed")
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); w.tickLoop(ctx) }()
	go func() { defer wg.Done(); w.sweepLoop(ctx) }()
	go func() { defer wg.Done(); w.smokeTestLoop(ctx) }()
	wg.Wait()
}

func (w *Worker) tickLoop(ctx context.Context) {
	delay := w.cfg.TickDelay
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			processed := w.ProcessQueue(ctx)
			if processed {
				delay = w.cfg.TickDelay
			} else {
				delay = w.cfg.EmptyQueueDelay
			}
			if ctx.Err() != nil {
				return
			}
			timer.Reset(delay)
		}
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce()
		}
	}
}

// sweepOnce implements the 60s pool/deferred-reclaim sweep: if the
// pool has any available connection and the queue has deferred work, reset it
// to to_check.
func (w *Worker) sweepOnce() {
	w.pool.Status() // refreshes pool gauges as a side effect
	if w.pool.AllInCooldown() {
		return
	}
	if err := w.queue.ResetDeferredToCheck(); err != nil {
		w.log.Warn().Err(err).Msg("worker: deferred-reclaim sweep failed")
	}
}

func (w *Worker) smokeTestLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SmokeTestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.smokeTestOnce(ctx)
		}
	}
}

// smokeTestOnce issues a known-public request through the current connection;
// an HTTP 401 counts as success — it proves the connection
// reached the target at all, which is all a smoke test needs to show.
func (w *Worker) smokeTestOnce(ctx context.Context) {
	if w.cfg.SmokeTestURL == "" {
		return
	}
	conn := w.pool.Current()
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := httpGetRequest(reqCtx, w.cfg.SmokeTestURL)
	if err != nil {
		w.log.Warn().Err(err).Msg("worker: smoke test request build failed")
		return
	}
	resp, err := conn.Client().Do(req)
	if err != nil {
		w.log.Warn().Err(err).Msg("worker: smoke test failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode == 401 || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		w.log.Debug().Msg("worker: smoke test ok")
		return
	}
	w.log.Warn().Int("status", resp.StatusCode).Msg("worker: smoke test unexpected status")
}

func httpGetRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	return req, nil
}

// ProcessQueue runs a single scheduling tick.
// Returns true if an item was actually advanced (used to pick the next
// timer delay).
func (w *Worker) ProcessQueue(ctx context.Context) bool {
	if !w.inFlight.TryLock() {
		// another pass is already running: at-most-one-worker
		return false
	}
	defer w.inFlight.Unlock()

	allCooled := w.pool.AllInCooldown()
	if !allCooled {
		w.drainDeferred()
	}

	metrics.QueueDepth.Set(float64(w.queue.Len()))

	item := w.queue.GetNextProcessable(allCooled)
	if item == nil {
		return false
	}

	toRun := w.pendingChecksInOrder(item)
	if len(toRun) == 0 {
		w.finalize(ctx, item)
		return true
	}

	w.runChecks(ctx, item, toRun, allCooled)
	return true
}

// drainDeferred resets any deferred items back to to_check: when the pool isn't fully cooled,
// reclaim any items stuck at deferred so they get a chance to run again. This
// mirrors sweepOnce but runs at the top of every pass in which the pool is not
// fully cooled, rather than every 60s.
func (w *Worker) drainDeferred() {
	if err := w.queue.ResetDeferredToCheck(); err != nil {
		w.log.Warn().Err(err).Msg("worker: drain deferred failed")
	}
}

func (w *Worker) pendingChecksInOrder(item *queue.QueueItem) []queue.CheckName {
	var out []queue.CheckName
	for _, c := range queue.CanonicalOrder {
		if item.Checks[c] == queue.ToCheck {
			out = append(out, c)
		}
	}
	return out
}

// runChecks executes the private-profile short-circuit loop
// step 6.
func (w *Worker) runChecks(ctx context.Context, item *queue.QueueItem, toRun []queue.CheckName, allCooled bool) {
	private := false

	for _, check := range toRun {
		if private && queue.IsRateLimited(check) {
			if err := w.queue.UpdateCheck(item.AccountID, check, queue.Passed); err != nil {
				w.log.Warn().Err(err).Str("account_id", item.AccountID).Msg("worker: update check failed")
			}
			metrics.CheckOutcomes.WithLabelValues(string(check), string(queue.Passed)).Inc()
			continue
		}

		if queue.IsRateLimited(check) && allCooled {
			if err := w.queue.UpdateCheck(item.AccountID, check, queue.Deferred); err != nil {
				w.log.Warn().Err(err).Str("account_id", item.AccountID).Msg("worker: update check failed")
			}
			metrics.CheckOutcomes.WithLabelValues(string(check), string(queue.Deferred)).Inc()
			continue
		}

		outcome := w.client.Run(ctx, check, item.AccountID)
		switch outcome.Kind {
		case client.OutcomeResult:
			if outcome.Passed {
				if err := w.queue.UpdateCheck(item.AccountID, check, queue.Passed); err != nil {
					w.log.Warn().Err(err).Str("account_id", item.AccountID).Msg("worker: update check failed")
				}
				metrics.CheckOutcomes.WithLabelValues(string(check), string(queue.Passed)).Inc()
				if check == queue.SteamLevel && outcome.Private {
					private = true
				}
			} else {
				if err := w.queue.UpdateCheck(item.AccountID, check, queue.Failed); err != nil {
					w.log.Warn().Err(err).Str("account_id", item.AccountID).Msg("worker: update check failed")
				}
				metrics.CheckOutcomes.WithLabelValues(string(check), string(queue.Failed)).Inc()
				if _, err := w.queue.Remove(item.AccountID); err != nil {
					w.log.Warn().Err(err).Str("account_id", item.AccountID).Msg("worker: remove on failed check failed")
				}
				return // break out of the loop: item removed
			}
		case client.OutcomeDeferred:
			if err := w.queue.UpdateCheck(item.AccountID, check, queue.Deferred); err != nil {
				w.log.Warn().Err(err).Str("account_id", item.AccountID).Msg("worker: update check failed")
			}
			metrics.CheckOutcomes.WithLabelValues(string(check), string(queue.Deferred)).Inc()
			// continue to next check
		case client.OutcomeError:
			w.log.Debug().Err(outcome.Err).Str("account_id", item.AccountID).Str("check", string(check)).
				Msg("worker: transient check error, retrying next pass")
			return // leave as to_check, break out
		}
	}
}

// finalize implements the finalization branch.
func (w *Worker) finalize(ctx context.Context, item *queue.QueueItem) {
	allPassed := true
	anyFailed := false
	for _, c := range queue.CanonicalOrder {
		switch item.Checks[c] {
		case queue.Failed:
			anyFailed = true
		case queue.Passed:
		default:
			allPassed = false
		}
	}

	if anyFailed {
		if _, err := w.queue.Remove(item.AccountID); err != nil {
			w.log.Warn().Err(err).Str("account_id", item.AccountID).Msg("worker: finalize remove (failed) error")
		}
		metrics.FinalizeOutcomes.WithLabelValues("removed_failed").Inc()
		return
	}
	if !allPassed {
		// shouldn't happen: toRun was empty yet not all passed/failed — no-op, retried next pass
		return
	}

	if w.writer == nil {
		return
	}

	outcome, err := w.writer.Write(ctx, item.AccountID, item.Submitter)
	switch outcome {
	case remote.WriteSuccess, remote.WriteAlreadyExists:
		if _, rmErr := w.queue.Remove(item.AccountID); rmErr != nil {
			w.log.Warn().Err(rmErr).Str("account_id", item.AccountID).Msg("worker: finalize remove error")
		}
		// Open question: the finalization path calls remove a
		// second time after a branch that already removed the item. Treated
		// as a no-op idempotent call here, not given new semantics.
		if _, rmErr := w.queue.Remove(item.AccountID); rmErr != nil {
			w.log.Warn().Err(rmErr).Str("account_id", item.AccountID).Msg("worker: finalize redundant remove error")
		}
		metrics.FinalizeOutcomes.WithLabelValues(string(outcome)).Inc()
	case remote.WriteRetryable:
		w.log.Debug().Err(err).Str("account_id", item.AccountID).Msg("worker: downstream write retryable, retrying next pass")
		// leave item in queue, all checks passed, retried next tick
		metrics.FinalizeOutcomes.WithLabelValues(string(outcome)).Inc()
	case remote.WritePermanent:
		w.log.Warn().Err(err).Str("account_id", item.AccountID).Msg("worker: downstream write permanent failure, removing")
		if _, rmErr := w.queue.Remove(item.AccountID); rmErr != nil {
			w.log.Warn().Err(rmErr).Str("account_id", item.AccountID).Msg("worker: finalize remove error")
		}
		metrics.FinalizeOutcomes.WithLabelValues(string(outcome)).Inc()
	}
}
