// Package client implements the validation client: the seven
// per-account checks against the external account service, routed through the
// connection pool for the two rate-limited checks, with error classification
// and cooldown-driven retry.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/pool"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/queue"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// OutcomeKind discriminates the three shapes of CheckOutcome.
type OutcomeKind string

const (
	OutcomeResult   OutcomeKind = "result"
	OutcomeDeferred OutcomeKind = "deferred"
	OutcomeError    OutcomeKind = "error"
)

// Outcome is the result of running a single check.
type Outcome struct {
	Kind    OutcomeKind
	Passed  bool // valid when Kind == OutcomeResult
	Private bool // set by steam_level when the profile is private
	Details string

	NextAvailableInMs int64 // valid when Kind == OutcomeDeferred
	Err               error // valid when Kind == OutcomeError
}

// Config carries the account-service endpoints and credentials.
type Config struct {
	APIBaseURL       string // e.g. https://api.steampowered.com
	CommunityBaseURL string // e.g. https://steamcommunity.com
	APIKey           string
}

// Client dispatches the seven checks.
type Client struct {
	cfg  Config
	pool *pool.Pool
	gate *RateGate
	log  zerolog.Logger
}

// New constructs a Client bound to the given pool.
func New(cfg Config, p *pool.Pool, log zerolog.Logger) *Client {
	return &Client{cfg: cfg, pool: p, gate: NewRateGate(), log: log}
}

// Run dispatches one of the seven named checks.
func (c *Client) Run(ctx context.Context, check queue.CheckName, accountID string) Outcome {
	switch check {
	case queue.AnimatedAvatar:
		return c.profileAssetCheck(ctx, "/IPlayerService/GetAnimatedAvatar/v1/", accountID, "avatar")
	case queue.AvatarFrame:
		return c.profileAssetCheck(ctx, "/IPlayerService/GetAvatarFrame/v1/", accountID, "avatar_frame")
	case queue.MiniProfileBackground:
		return c.profileAssetCheck(ctx, "/IPlayerService/GetMiniProfileBackground/v1/", accountID, "profile_background")
	case queue.ProfileBackground:
		return c.profileAssetCheck(ctx, "/IPlayerService/GetProfileBackground/v1/", accountID, "profile_background")
	case queue.SteamLevel:
		return c.steamLevelCheck(ctx, accountID)
	case queue.Friends:
		return c.friendsCheck(ctx, accountID)
	case queue.CSGOInventory:
		return c.csgoInventoryCheck(ctx, accountID)
	default:
		return Outcome{Kind: OutcomeError, Err: fmt.Errorf("client: unknown check %q", check)}
	}
}

func (c *Client) directClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// profileAssetCheck covers the five non-rate-limited checks: direct
// connection, 10s timeout, pass iff the named field is absent or empty.
func (c *Client) profileAssetCheck(ctx context.Context, path, accountID, field string) Outcome {
	u := c.cfg.APIBaseURL + path + "?" + url.Values{
		"key":     {c.cfg.APIKey},
		"steamid": {accountID},
	}.Encode()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := newRequest(ctx, u)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}
	resp, err := c.directClient().Do(req)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == 0 {
		return Outcome{Kind: OutcomeError, Err: fmt.Errorf("client: %s: status %d", path, resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}

	var parsed map[string]json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			return Outcome{Kind: OutcomeError, Err: fmt.Errorf("client: %s: decode: %w", path, err)}
		}
	}
	return Outcome{Kind: OutcomeResult, Passed: fieldAbsentOrEmpty(parsed, field)}
}

func fieldAbsentOrEmpty(parsed map[string]json.RawMessage, field string) bool {
	raw, ok := parsed[field]
	if !ok {
		return true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == ""
	}
	// non-string and present: only JSON null counts as empty
	return string(raw) == "null"
}

// steamLevelCheck passes iff player_level <= 13; an empty response body is a
// pass carrying the private marker.
func (c *Client) steamLevelCheck(ctx context.Context, accountID string) Outcome {
	u := c.cfg.APIBaseURL + "/IPlayerService/GetSteamLevel/v1/?" + url.Values{
		"key":     {c.cfg.APIKey},
		"steamid": {accountID},
	}.Encode()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := newRequest(ctx, u)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}
	resp, err := c.directClient().Do(req)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Outcome{Kind: OutcomeError, Err: fmt.Errorf("client: steam_level: status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}
	if len(body) == 0 || strings.TrimSpace(string(body)) == "{}" {
		return Outcome{Kind: OutcomeResult, Passed: true, Private: true, Details: "empty response"}
	}

	var parsed struct {
		PlayerLevel int `json:"player_level"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Outcome{Kind: OutcomeError, Err: fmt.Errorf("client: steam_level: decode: %w", err)}
	}
	return Outcome{Kind: OutcomeResult, Passed: parsed.PlayerLevel <= 13}
}

// friendsCheck is rate-limited: routed through the pool, 15s timeout.
// HTTP 401 is a pass (private friends list).
func (c *Client) friendsCheck(ctx context.Context, accountID string) Outcome {
	u := c.cfg.APIBaseURL + "/ISteamUser/GetFriendList/v0001/?" + url.Values{
		"key":          {c.cfg.APIKey},
		"steamid":      {accountID},
		"relationship": {"friend"},
	}.Encode()

	return c.dispatchRateLimited(ctx, u, pool.EndpointFriends, 15*time.Second, nil, func(resp *http.Response, body []byte) (Outcome, bool) {
		if resp.StatusCode == http.StatusUnauthorized {
			return Outcome{Kind: OutcomeResult, Passed: true, Details: "private"}, true
		}
		if resp.StatusCode >= 300 {
			return Outcome{}, false
		}
		var parsed struct {
			FriendsList struct {
				Friends []json.RawMessage `json:"friends"`
			} `json:"friendslist"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return Outcome{Kind: OutcomeError, Err: fmt.Errorf("client: friends: decode: %w", err)}, true
		}
		return Outcome{Kind: OutcomeResult, Passed: len(parsed.FriendsList.Friends) <= 60}, true
	})
}

// csgoInventoryCheck is rate-limited: routed through the pool, 25s timeout,
// fetch-metadata headers, accepts 2xx/3xx as non-error. Passes when the
// inventory is null, an empty object, or has no assets. 401/403 are passes.
func (c *Client) csgoInventoryCheck(ctx context.Context, accountID string) Outcome {
	u := c.cfg.CommunityBaseURL + "/inventory/" + accountID + "/730/2"

	headers := map[string]string{
		"Sec-Fetch-Dest": "empty",
		"Sec-Fetch-Mode": "cors",
		"Sec-Fetch-Site": "same-origin",
	}

	return c.dispatchRateLimited(ctx, u, pool.EndpointCSGOInventory, 25*time.Second, headers, func(resp *http.Response, body []byte) (Outcome, bool) {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return Outcome{Kind: OutcomeResult, Passed: true, Details: "private"}, true
		}
		if resp.StatusCode >= 400 {
			return Outcome{}, false
		}
		trimmed := strings.TrimSpace(string(body))
		if trimmed == "" || trimmed == "null" || trimmed == "{}" {
			return Outcome{Kind: OutcomeResult, Passed: true}, true
		}
		var parsed struct {
			Assets []json.RawMessage `json:"assets"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return Outcome{Kind: OutcomeError, Err: fmt.Errorf("client: csgo_inventory: decode: %w", err)}, true
		}
		return Outcome{Kind: OutcomeResult, Passed: len(parsed.Assets) == 0}, true
	})
}

// parseFn interprets a successful (connection-level) response into an
// Outcome. The second return value is false when the response is not handled
// (e.g. a 5xx that made it through); the caller then reports a transient
// error without applying a cooldown.
type parseFn func(resp *http.Response, body []byte) (Outcome, bool)

// dispatchRateLimited implements the shared control flow for friends and
// csgo_inventory: rate gate, pool-routed request, error classification, and
// the cooldown-then-retry-once-then-defer loop (an
// explicit loop bounded by pool size, not recursion).
func (c *Client) dispatchRateLimited(ctx context.Context, rawURL string, endpoint pool.Endpoint, timeout time.Duration, extraHeaders map[string]string, parse parseFn) Outcome {
	maxAttempts := 8 // bounded by pool size in practice; a hard ceiling avoids infinite loops on a misbehaving pool
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.gate.Wait(ctx); err != nil {
			return Outcome{Kind: OutcomeError, Err: err}
		}

		conn := c.pool.Current()
		if class, ok := c.pool.TakeInjectedFault(); ok {
			rot := c.pool.MarkCurrentCooldown(class, endpoint, "simulated fault")
			if rot.AllInCooldown {
				return Outcome{Kind: OutcomeDeferred, NextAvailableInMs: time.Until(rot.EarliestAvailableAt).Milliseconds()}
			}
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := newRequest(reqCtx, rawURL)
		if err != nil {
			cancel()
			return Outcome{Kind: OutcomeError, Err: err}
		}
		for k, v := range extraHeaders {
			req.Header.Set(k, v)
		}

		resp, err := conn.Client().Do(req)
		if err != nil {
			cancel()
			class, classified := classifyError(err)
			if !classified {
				return Outcome{Kind: OutcomeError, Err: err}
			}
			rot := c.pool.MarkCurrentCooldown(class, endpoint, err.Error())
			if rot.AllInCooldown {
				return Outcome{Kind: OutcomeDeferred, NextAvailableInMs: time.Until(rot.EarliestAvailableAt).Milliseconds()}
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if readErr != nil {
			return Outcome{Kind: OutcomeError, Err: readErr}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			rot := c.pool.MarkCurrentCooldown(pool.ErrorClassHTTP429, endpoint, "HTTP 429")
			if rot.AllInCooldown {
				return Outcome{Kind: OutcomeDeferred, NextAvailableInMs: time.Until(rot.EarliestAvailableAt).Milliseconds()}
			}
			continue
		}

		outcome, handled := parse(resp, body)
		if handled {
			return outcome
		}
		// parse declined to handle (e.g. unexpected 5xx): transient, leave as to_check.
		return Outcome{Kind: OutcomeError, Err: fmt.Errorf("client: %s: unexpected status %d", endpoint, resp.StatusCode)}
	}
	return Outcome{Kind: OutcomeError, Err: fmt.Errorf("client: %s: exhausted retries across pool", endpoint)}
}

// classifyError implements the error classification table for
// rate-limited calls. The bool return is false for uncategorized errors,
// which fall through without triggering a cooldown.
func classifyError(err error) (pool.ErrorClass, bool) {
	msg := err.Error()
	lower := strings.ToLower(msg)

	if strings.Contains(lower, "socks") {
		return pool.ErrorClassSOCKS, true
	}
	for _, code := range []string{"econnrefused", "enotfound", "ehostunreach"} {
		if strings.Contains(lower, code) {
			return pool.ErrorClassSOCKS, true
		}
	}

	connectionMarkers := []string{
		"socket hang up", "econnreset", "etimedout", "timeout", "ssl", "tls", "certificate",
	}
	for _, m := range connectionMarkers {
		if strings.Contains(lower, m) {
			return pool.ErrorClassConnection, true
		}
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pool.ErrorClassConnection, true
	}

	return pool.ErrorClassUnknown, false
}
