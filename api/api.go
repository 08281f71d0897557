// Package api implements the HTTP ingress adapter: account-id submission,
// health, and metrics endpoints, generalizing the teacher's API type (which
// wrapped a single Redis-backed ServeHTTP handler) into a small multi-route
// server built on Go's method+pattern ServeMux.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/metrics"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/pool"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/queue"
)

var accountIDPattern = regexp.MustCompile(`^[0-9]{17}$`)

// Enqueuer is the subset of *queue.Store the API needs, kept as an interface
// so handlers can be exercised against a fake in tests.
type Enqueuer interface {
	Enqueue(ctx context.Context, accountID, submitter string) (queue.EnqueueResult, error)
}

// PoolStatuser is the subset of *pool.Pool the health endpoint needs.
type PoolStatuser interface {
	Status() pool.Status
	AllInCooldown() bool
}

// FaultInjector is the subset of *pool.Pool the admin fault-injection route
// needs. Only wired in when the process was started with --simulate-errors.
type FaultInjector interface {
	InjectFault(connectionIndex int, class pool.ErrorClass)
}

// API is the HTTP ingress adapter.
type API struct {
	Server        *http.Server
	Queue         Enqueuer
	Pool          PoolStatuser
	FaultInjector FaultInjector
	APIKey        string
	Log           zerolog.Logger
	startedAt     time.Time
}

// New wires the ingress routes: submission, health, and a Prometheus
// /metrics scrape endpoint. When simulateErrors is true and injector is
// non-nil, an additional admin route is registered so the fault-injection
// hook (§9's "simulated errors" open question) has a real trigger instead
// of sitting dead behind the CLI flag.
func New(q Enqueuer, p PoolStatuser, injector FaultInjector, simulateErrors bool, apiKey, host string, port int, logger zerolog.Logger) *API {
	as := &API{Queue: q, Pool: p, FaultInjector: injector, APIKey: apiKey, Log: logger, startedAt: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/add-steam-id", as.handleAddSteamID)
	mux.HandleFunc("GET /api/add-steam-id", as.handleAddSteamID)
	mux.HandleFunc("GET /api/health", as.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	if simulateErrors && injector != nil {
		mux.HandleFunc("POST /admin/inject-fault", as.handleInjectFault)
	}

	as.Server = &http.Server{
		Handler:           requestLogging(logger)(mux),
		Addr:              addr(host, port),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return as
}

func addr(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return host + ":" + strconv.Itoa(port)
}

// requestLogging stamps every request with a correlation id and logs the
// outcome, matching the teacher's as.Log.Println-on-every-mutation habit but
// generalized into structured zerolog fields.
func requestLogging(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := uuid.NewString()
			start := time.Now()
			log.Info().Str("request_id", reqID).Str("method", r.Method).Str("path", r.URL.Path).Msg("request received")
			next.ServeHTTP(w, r)
			log.Info().Str("request_id", reqID).Dur("elapsed", time.Since(start)).Msg("request handled")
		})
	}
}

// addSteamIDRequest mirrors §6's ingress body shape: {steam_id, username}.
type addSteamIDRequest struct {
	SteamID  string `json:"steam_id"`
	Username string `json:"username"`
}

// outcome values reported to the caller, per §4.5/§7's ingress result set.
const (
	outcomeAdded           = "added"
	outcomeAlreadyInQueue  = "already_in_queue"
	outcomeAlreadyInRemote = "already_in_remote"
	outcomeInvalidInput    = "invalid_input"
	outcomeUnauthorized    = "unauthorized"
	outcomeInternalError   = "internal_error"
)

func (as *API) handleAddSteamID(w http.ResponseWriter, r *http.Request) {
	if !as.authorize(r) {
		as.writeOutcome(w, http.StatusUnauthorized, outcomeUnauthorized, "")
		return
	}

	var req addSteamIDRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.SteamID = q.Get("steam_id")
		req.Username = q.Get("username")
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			as.writeOutcome(w, http.StatusBadRequest, outcomeInvalidInput, "")
			return
		}
	}

	req.SteamID = strings.TrimSpace(req.SteamID)
	req.Username = strings.TrimSpace(req.Username)
	if !accountIDPattern.MatchString(req.SteamID) || req.Username == "" {
		metrics.EnqueueOutcomes.WithLabelValues(outcomeInvalidInput).Inc()
		as.writeOutcome(w, http.StatusBadRequest, outcomeInvalidInput, req.SteamID)
		return
	}

	result, err := as.Queue.Enqueue(r.Context(), req.SteamID, req.Username)
	if err != nil {
		as.Log.Error().Err(err).Str("steam_id", req.SteamID).Msg("enqueue failed")
		metrics.EnqueueOutcomes.WithLabelValues(outcomeInternalError).Inc()
		as.writeOutcome(w, http.StatusInternalServerError, outcomeInternalError, req.SteamID)
		return
	}

	switch result {
	case queue.InvalidInput:
		metrics.EnqueueOutcomes.WithLabelValues(outcomeInvalidInput).Inc()
		as.writeOutcome(w, http.StatusBadRequest, outcomeInvalidInput, req.SteamID)
	case queue.DuplicateInRemote:
		metrics.EnqueueOutcomes.WithLabelValues(outcomeAlreadyInRemote).Inc()
		as.writeOutcome(w, http.StatusOK, outcomeAlreadyInRemote, req.SteamID)
	case queue.AlreadyQueued:
		metrics.EnqueueOutcomes.WithLabelValues(outcomeAlreadyInQueue).Inc()
		as.writeOutcome(w, http.StatusOK, outcomeAlreadyInQueue, req.SteamID)
	default:
		metrics.EnqueueOutcomes.WithLabelValues(outcomeAdded).Inc()
		as.writeOutcome(w, http.StatusCreated, outcomeAdded, req.SteamID)
	}
}

func (as *API) writeOutcome(w http.ResponseWriter, status int, outcome, steamID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp, _ := json.Marshal(map[string]string{"steam_id": steamID, "result": outcome})
	w.Write(resp)
}

// healthResponse mirrors §6's GET /api/health shape.
type healthResponse struct {
	Status      string            `json:"status"`
	Connections healthConnections `json:"connections"`
	UptimeS     float64           `json:"uptime"`
}

type healthConnections struct {
	Total         int  `json:"total"`
	Available     int  `json:"available"`
	AllInCooldown bool `json:"all_in_cooldown"`
}

func (as *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", UptimeS: time.Since(as.startedAt).Seconds()}
	if as.Pool != nil {
		st := as.Pool.Status()
		resp.Connections = healthConnections{
			Total:         st.Total,
			Available:     st.Available,
			AllInCooldown: as.Pool.AllInCooldown(),
		}
		if resp.Connections.AllInCooldown {
			resp.Status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	data, _ := json.Marshal(resp)
	w.Write(data)
}

// injectFaultRequest is the testing-only admin route body: arm a fault on
// a given connection index so the next call through it synthesizes the
// named error class instead of actually dialing out.
type injectFaultRequest struct {
	ConnectionIndex int    `json:"connection_index"`
	ErrorClass      string `json:"error_class"`
}

func (as *API) handleInjectFault(w http.ResponseWriter, r *http.Request) {
	if !as.authorize(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req injectFaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	class := pool.ErrorClass(req.ErrorClass)
	switch class {
	case pool.ErrorClassHTTP429, pool.ErrorClassConnection, pool.ErrorClassSOCKS, pool.ErrorClassUnknown:
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	as.FaultInjector.InjectFault(req.ConnectionIndex, class)
	as.Log.Warn().Int("connection_index", req.ConnectionIndex).Str("error_class", string(class)).Msg("admin: fault injected")
	w.WriteHeader(http.StatusNoContent)
}

func (as *API) authorize(r *http.Request) bool {
	if as.APIKey == "" {
		return true
	}
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	return key == as.APIKey
}
