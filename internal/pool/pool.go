// Package pool implements the connection pool: an ordered set
// of egress connections (one always-present direct connection plus zero or
// more SOCKS5 proxies) with per-endpoint, per-error-class cooldown scheduling
// and rotation.
package pool

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/metrics"
)

// Kind distinguishes a direct connection from a SOCKS5 proxy.
type Kind string

const (
	Direct Kind = "direct"
	SOCKS5 Kind = "socks5"
)

// Endpoint identifies which cooldown-matrix row an outbound call belongs to.
type Endpoint string

const (
	EndpointFriends       Endpoint = "friends"
	EndpointCSGOInventory Endpoint = "csgo_inventory"
	EndpointOther         Endpoint = "other"
)

// ErrorClass classifies a failed outbound call for the cooldown matrix.
type ErrorClass string

const (
	ErrorClassHTTP429    ErrorClass = "429"
	ErrorClassConnection ErrorClass = "connection_error"
	ErrorClassSOCKS      ErrorClass = "socks_error"
	ErrorClassUnknown    ErrorClass = "unknown"
)

// DefaultCooldown is the pool-wide default duration (6h5m),
// used when the matrix has no entry for a given (class, endpoint) pair.
const DefaultCooldown = 6*time.Hour + 5*time.Minute

// cooldownMatrix implements the per-error-class cooldown table.
var cooldownMatrix = map[ErrorClass]map[Endpoint]time.Duration{
	ErrorClassHTTP429: {
		EndpointFriends:       5 * time.Minute,
		EndpointCSGOInventory: 6*time.Hour + 5*time.Minute,
	},
	ErrorClassConnection: {
		EndpointFriends:       10 * time.Minute,
		EndpointCSGOInventory: 10 * time.Minute,
		EndpointOther:         10 * time.Minute,
	},
	ErrorClassSOCKS: {
		EndpointFriends:       15 * time.Minute,
		EndpointCSGOInventory: 15 * time.Minute,
		EndpointOther:         15 * time.Minute,
	},
	ErrorClassUnknown: {
		EndpointFriends:       10 * time.Minute,
		EndpointCSGOInventory: 10 * time.Minute,
		EndpointOther:         10 * time.Minute,
	},
}

func cooldownDuration(class ErrorClass, endpoint Endpoint) time.Duration {
	if byEndpoint, ok := cooldownMatrix[class]; ok {
		if d, ok := byEndpoint[endpoint]; ok {
			return d
		}
	}
	return DefaultCooldown
}

// Connection is a single egress route and its cooldown state.
type Connection struct {
	Kind          Kind       `json:"kind"`
	URL           string     `json:"url,omitempty"`
	InCooldown    bool       `json:"in_cooldown"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	client *http.Client
}

func (c *Connection) cooledNow(now time.Time) bool {
	return c.CooldownUntil != nil && c.CooldownUntil.After(now)
}

// fileFormat is the on-disk shape of config_proxies.json.
type fileFormat struct {
	Connections        []*Connection `json:"connections"`
	CurrentIndex       int           `json:"current_index"`
	CooldownDurationMs int64         `json:"cooldown_duration_ms"`
}

// Pool holds the ordered connection list and current-index cursor.
type Pool struct {
	mu                sync.Mutex
	path              string
	log               zerolog.Logger
	connections       []*Connection
	currentIndex      int
	defaultCooldownMs int64
	simulateFaults    bool
	injectedFault     map[int]ErrorClass // testing-only fault injection, keyed by connection index
}

// Open loads (or bootstraps) the pool config file at path. If it's missing,
// a single direct connection is created.
func Open(path string, log zerolog.Logger) (*Pool, error) {
	p := &Pool{
		path:              path,
		log:               log,
		defaultCooldownMs: DefaultCooldown.Milliseconds(),
		injectedFault:     make(map[int]ErrorClass),
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	p.ensureDirectFirst()
	for _, c := range p.connections {
		if err := p.buildClient(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) load() error {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		p.connections = []*Connection{{Kind: Direct}}
		return nil
	}
	if err != nil {
		return fmt.Errorf("pool: read %s: %w", p.path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("pool: decode %s: %w", p.path, err)
	}
	// Legacy keys are silently stripped: only the three known
	// top-level keys are consulted; anything else in raw is simply ignored.
	var ff fileFormat
	if v, ok := raw["connections"]; ok {
		if err := json.Unmarshal(v, &ff.Connections); err != nil {
			return fmt.Errorf("pool: decode connections: %w", err)
		}
	}
	if v, ok := raw["current_index"]; ok {
		_ = json.Unmarshal(v, &ff.CurrentIndex)
	}
	if v, ok := raw["cooldown_duration_ms"]; ok {
		_ = json.Unmarshal(v, &ff.CooldownDurationMs)
	}

	var kept []*Connection
	for _, c := range ff.Connections {
		switch c.Kind {
		case Direct, SOCKS5:
			if c.Kind == SOCKS5 {
				if _, err := url.Parse(c.URL); err != nil || c.URL == "" {
					p.log.Warn().Str("url", c.URL).Msg("pool: dropping malformed socks5 entry")
					continue
				}
			}
			kept = append(kept, c)
		default:
			// connections other than direct/socks5 are silently dropped
		}
	}
	p.connections = kept
	p.currentIndex = ff.CurrentIndex
	if ff.CooldownDurationMs > 0 {
		p.defaultCooldownMs = ff.CooldownDurationMs
	}
	return nil
}

// ensureDirectFirst guarantees index 0 is always a direct connection.
func (p *Pool) ensureDirectFirst() {
	for i, c := range p.connections {
		if c.Kind == Direct {
			if i != 0 {
				p.connections[0], p.connections[i] = p.connections[i], p.connections[0]
			}
			return
		}
	}
	p.connections = append([]*Connection{{Kind: Direct}}, p.connections...)
}

func (p *Pool) buildClient(c *Connection) error {
	dialer, err := p.dialerFor(c)
	if err != nil {
		return err
	}
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{},
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
	}
	c.client = &http.Client{Transport: tr}
	return nil
}

type contextDialer interface {
	Dial(network, addr string) (net.Conn, error)
}

func (p *Pool) dialerFor(c *Connection) (contextDialer, error) {
	if c.Kind == Direct {
		return &net.Dialer{}, nil
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("pool: invalid socks5 url %q: %w", c.URL, err)
	}
	var auth *proxy.Auth
	if u.User != nil {
		pw, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pw}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("pool: building socks5 dialer: %w", err)
	}
	return d, nil
}

func (p *Pool) persistLocked() {
	conns := make([]*Connection, len(p.connections))
	copy(conns, p.connections)
	ff := fileFormat{
		Connections:        conns,
		CurrentIndex:       p.currentIndex,
		CooldownDurationMs: p.defaultCooldownMs,
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		p.log.Error().Err(err).Msg("pool: encode config failed")
		return
	}
	// Best-effort: cooldown persistence is a convenience, not correctness
	// a failed write here is logged, not retried.
	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".config_proxies-*.tmp")
	if err != nil {
		p.log.Warn().Err(err).Msg("pool: persist config failed")
		return
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		p.log.Warn().Err(err).Msg("pool: persist config failed")
		return
	}
	tmp.Close()
	if err := os.Rename(tmpName, p.path); err != nil {
		p.log.Warn().Err(err).Msg("pool: persist config failed")
	}
}

// sweepCooldownsLocked clears any cooldown whose deadline has passed. Must be
// called with p.mu held.
func (p *Pool) sweepCooldownsLocked(now time.Time) {
	for _, c := range p.connections {
		if c.InCooldown && !c.cooledNow(now) {
			c.InCooldown = false
			c.CooldownUntil = nil
		}
	}
}

// RotateResult is returned by RotateToNextAvailable.
type RotateResult struct {
	Connection          *Connection
	AllInCooldown       bool
	EarliestAvailableAt time.Time
}

// Current lazily clears expired cooldowns and returns the in-use connection,
// rotating away from it first if it is currently cooled.
func (p *Pool) Current() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.sweepCooldownsLocked(now)

	cur := p.connections[p.currentIndex]
	if !cur.cooledNow(now) {
		return cur
	}
	res := p.rotateToNextAvailableLocked(now)
	return res.Connection
}

// RotateToNextAvailable moves current_index forward modulo N, stopping at the
// first non-cooled entry. If all are cooled, it selects the earliest-to-clear
// entry and reports AllInCooldown.
func (p *Pool) RotateToNextAvailable() RotateResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.sweepCooldownsLocked(now)
	return p.rotateToNextAvailableLocked(now)
}

func (p *Pool) rotateToNextAvailableLocked(now time.Time) RotateResult {
	n := len(p.connections)
	for i := 1; i <= n; i++ {
		idx := (p.currentIndex + i) % n
		if !p.connections[idx].cooledNow(now) {
			p.currentIndex = idx
			p.persistLocked()
			return RotateResult{Connection: p.connections[idx]}
		}
	}

	// All cooled: pick earliest to clear.
	earliestIdx := p.currentIndex
	var earliest time.Time
	for i, c := range p.connections {
		if c.CooldownUntil == nil {
			continue
		}
		if earliest.IsZero() || c.CooldownUntil.Before(earliest) {
			earliest = *c.CooldownUntil
			earliestIdx = i
		}
	}
	p.currentIndex = earliestIdx
	p.persistLocked()
	return RotateResult{
		Connection:          p.connections[earliestIdx],
		AllInCooldown:       true,
		EarliestAvailableAt: earliest,
	}
}

// MarkCurrentCooldown stamps the current connection as cooled for the
// duration dictated by (errorClass, endpoint), records the error, then
// rotates and returns the rotation result.
func (p *Pool) MarkCurrentCooldown(errorClass ErrorClass, endpoint Endpoint, errMsg string) RotateResult {
	p.mu.Lock()
	now := time.Now()
	p.sweepCooldownsLocked(now)

	cur := p.connections[p.currentIndex]
	until := now.Add(cooldownDuration(errorClass, endpoint))
	cur.InCooldown = true
	cur.CooldownUntil = &until
	cur.LastError = errMsg
	res := p.rotateToNextAvailableLocked(now)
	p.mu.Unlock()

	metrics.CooldownEvents.WithLabelValues(string(cur.Kind), string(errorClass)).Inc()
	p.log.Info().
		Str("error_class", string(errorClass)).
		Str("endpoint", string(endpoint)).
		Time("cooldown_until", until).
		Msg("pool: connection cooled down")
	return res
}

// AddSOCKS5 validates and appends a new SOCKS5 connection.
func (p *Pool) AddSOCKS5(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "socks5" {
		return fmt.Errorf("pool: invalid socks5 url %q", rawURL)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c := &Connection{Kind: SOCKS5, URL: rawURL}
	if err := p.buildClient(c); err != nil {
		return err
	}
	p.connections = append(p.connections, c)
	p.persistLocked()
	return nil
}

// RemoveSOCKS5 removes a connection by url. If current_index would dangle
// (point past the end, or at the removed entry), it is renormalized to 0.
func (p *Pool) RemoveSOCKS5(rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, c := range p.connections {
		if c.Kind == SOCKS5 && c.URL == rawURL {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("pool: no such connection %q", rawURL)
	}
	p.connections = append(p.connections[:idx], p.connections[idx+1:]...)
	if p.currentIndex >= len(p.connections) || p.currentIndex == idx {
		p.currentIndex = 0
	}
	p.persistLocked()
	return nil
}

// AllInCooldown reports whether every connection is currently cooled.
func (p *Pool) AllInCooldown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.sweepCooldownsLocked(now)
	for _, c := range p.connections {
		if !c.cooledNow(now) {
			return false
		}
	}
	return true
}

// Status is the snapshot returned by Status(), safe for concurrent read
// (copy-on-read).
type Status struct {
	Available         int          `json:"available"`
	Total             int          `json:"total"`
	Current           Connection   `json:"current"`
	NextAvailableInMs int64        `json:"next_available_in_ms"`
	Connections       []Connection `json:"connections"`
}

// Status returns a point-in-time snapshot of the pool.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.sweepCooldownsLocked(now)

	st := Status{Total: len(p.connections)}
	var earliest time.Time
	for _, c := range p.connections {
		cp := *c
		cp.client = nil
		st.Connections = append(st.Connections, cp)
		if !c.cooledNow(now) {
			st.Available++
		} else if c.CooldownUntil != nil && (earliest.IsZero() || c.CooldownUntil.Before(earliest)) {
			earliest = *c.CooldownUntil
		}
	}
	if !earliest.IsZero() {
		st.NextAvailableInMs = earliest.Sub(now).Milliseconds()
	}
	cur := *p.connections[p.currentIndex]
	cur.client = nil
	st.Current = cur

	metrics.PoolAvailable.Set(float64(st.Available))
	metrics.PoolTotal.Set(float64(st.Total))
	return st
}

// Client returns the *http.Client bound to a given Connection, routing
// requests through that connection's transport.
func (c *Connection) Client() *http.Client { return c.client }

// InjectFault is the simulated-errors testing hook. It is never called
// in production wiring — see main.go's --simulate-errors gate.
func (p *Pool) InjectFault(connectionIndex int, class ErrorClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.simulateFaults = true
	p.injectedFault[connectionIndex] = class
}

// TakeInjectedFault returns and clears a pending injected fault for the
// current connection, if any test hook armed one.
func (p *Pool) TakeInjectedFault() (ErrorClass, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.simulateFaults {
		return "", false
	}
	class, ok := p.injectedFault[p.currentIndex]
	if ok {
		delete(p.injectedFault, p.currentIndex)
	}
	return class, ok
}
