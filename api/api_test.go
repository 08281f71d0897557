package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/pool"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/queue"
)

type fakeEnqueuer struct {
	result queue.EnqueueResult
	err    error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, accountID, submitter string) (queue.EnqueueResult, error) {
	return f.result, f.err
}

type fakePool struct {
	status        pool.Status
	allInCooldown bool
}

func (f *fakePool) Status() pool.Status { return f.status }
func (f *fakePool) AllInCooldown() bool { return f.allInCooldown }

type fakeFaultInjector struct {
	connectionIndex int
	class           pool.ErrorClass
}

func (f *fakeFaultInjector) InjectFault(connectionIndex int, class pool.ErrorClass) {
	f.connectionIndex = connectionIndex
	f.class = class
}

func TestAddSteamIDRejectsMalformedAccountID(t *testing.T) {
	a := New(&fakeEnqueuer{result: queue.Added}, &fakePool{}, nil, false, "", "", 0, zerolog.Nop())
	srv := httptest.NewServer(a.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/add-steam-id?steam_id=123&username=alice")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddSteamIDRejectsEmptyUsername(t *testing.T) {
	a := New(&fakeEnqueuer{result: queue.Added}, &fakePool{}, nil, false, "", "", 0, zerolog.Nop())
	srv := httptest.NewServer(a.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/add-steam-id?steam_id=76561197960434622&username=")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddSteamIDHappyPath(t *testing.T) {
	a := New(&fakeEnqueuer{result: queue.Added}, &fakePool{}, nil, false, "", "", 0, zerolog.Nop())
	srv := httptest.NewServer(a.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/add-steam-id?steam_id=76561197960434622&username=alice")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "added", body["result"])
}

func TestAddSteamIDRequiresAPIKeyWhenConfigured(t *testing.T) {
	a := New(&fakeEnqueuer{result: queue.Added}, &fakePool{}, nil, false, "secret", "", 0, zerolog.Nop())
	srv := httptest.NewServer(a.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/add-steam-id?steam_id=76561197960434622&username=alice")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/api/add-steam-id?steam_id=76561197960434622&username=alice&api_key=secret")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
}

func TestAddSteamIDDuplicateInRemoteReturnsOK(t *testing.T) {
	a := New(&fakeEnqueuer{result: queue.DuplicateInRemote}, &fakePool{}, nil, false, "", "", 0, zerolog.Nop())
	srv := httptest.NewServer(a.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/add-steam-id?steam_id=76561197960434622&username=alice")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "already_in_remote", body["result"])
}

func TestHealthReportsPoolStatus(t *testing.T) {
	a := New(&fakeEnqueuer{}, &fakePool{status: pool.Status{Total: 2, Available: 1}}, nil, false, "", "", 0, zerolog.Nop())
	srv := httptest.NewServer(a.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 2, body.Connections.Total)
	require.Equal(t, 1, body.Connections.Available)
}

func TestHealthDegradedWhenAllCooled(t *testing.T) {
	a := New(&fakeEnqueuer{}, &fakePool{allInCooldown: true}, nil, false, "", "", 0, zerolog.Nop())
	srv := httptest.NewServer(a.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "degraded", body.Status)
	require.True(t, body.Connections.AllInCooldown)
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	a := New(&fakeEnqueuer{}, &fakePool{}, nil, false, "", "", 0, zerolog.Nop())
	srv := httptest.NewServer(a.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInjectFaultRouteOnlyRegisteredWhenEnabled(t *testing.T) {
	a := New(&fakeEnqueuer{}, &fakePool{}, &fakeFaultInjector{}, false, "", "", 0, zerolog.Nop())
	srv := httptest.NewServer(a.Server.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/inject-fault", "application/json", strings.NewReader(`{"connection_index":0,"error_class":"429"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInjectFaultArmsThePool(t *testing.T) {
	injector := &fakeFaultInjector{}
	a := New(&fakeEnqueuer{}, &fakePool{}, injector, true, "", "", 0, zerolog.Nop())
	srv := httptest.NewServer(a.Server.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/inject-fault", "application/json", strings.NewReader(`{"connection_index":2,"error_class":"socks_error"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, 2, injector.connectionIndex)
	require.Equal(t, pool.ErrorClassSOCKS, injector.class)
}

func TestInjectFaultRejectsUnknownErrorClass(t *testing.T) {
	injector := &fakeFaultInjector{}
	a := New(&fakeEnqueuer{}, &fakePool{}, injector, true, "", "", 0, zerolog.Nop())
	srv := httptest.NewServer(a.Server.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/inject-fault", "application/json", strings.NewReader(`{"connection_index":0,"error_class":"bogus"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "", string(injector.class))
}
