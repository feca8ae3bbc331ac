package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peerlink/datastore/memory"
	"peerlink/metrics"
	"peerlink/registry"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *httptest.Server
	store  *memory.Memory
	clock  *clock.Mock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New(clk)

	reg := registry.New(store, registry.Options{Clock: clk})
	srv := NewServer(reg, ServerOptions{Clock: clk, Metrics: metrics.Handler(metrics.NewRegistry())})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})

	return &testEnv{server: ts, store: store, clock: clk}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) *T {
	t.Helper()

	v := new(T)
	require.NoError(t, json.Unmarshal(raw, v), string(raw))
	return v
}

func TestRegisterEndpoint(t *testing.T) {
	e := newTestEnv(t)

	code, raw := e.do(t, http.MethodPost, "/register", `{"username":"alice","ip":"10.0.0.1","port":5001}`)
	require.Equal(t, http.StatusCreated, code)

	res := decode[RegisterResponse](t, raw)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, "Registration successful", res.Message)
	require.Equal(t, "alice", res.Peer.Username)
	require.Equal(t, "10.0.0.1", res.Peer.IP)
	require.Equal(t, 5001, res.Peer.Port)
	require.Equal(t, "online", res.Peer.Status)
	require.True(t, res.Peer.LastSeen.Equal(e.clock.Now()))

	// A numeric string is coerced
	code, raw = e.do(t, http.MethodPost, "/register", `{"username":"bob","ip":"10.0.0.2","port":"5002"}`)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, 5002, decode[RegisterResponse](t, raw).Peer.Port)

	// So is a number with a fraction
	code, raw = e.do(t, http.MethodPost, "/register", `{"username":"carol","ip":"10.0.0.3","port":5003.0}`)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, 5003, decode[RegisterResponse](t, raw).Peer.Port)
}

func TestRegisterEndpointRejects(t *testing.T) {
	e := newTestEnv(t)

	for _, tc := range []struct {
		name    string
		body    string
		message string
	}{
		{"empty body", "", "No JSON data provided"},
		{"broken json", `{"username":`, "Invalid JSON"},
		{"missing username", `{"ip":"10.0.0.1","port":5001}`, "Field 'username' is required"},
		{"missing ip", `{"username":"alice","port":5001}`, "Field 'ip' is required"},
		{"missing port", `{"username":"alice","ip":"10.0.0.1"}`, "Field 'port' is required"},
		{"bad port", `{"username":"alice","ip":"10.0.0.1","port":"abc"}`, "port must be an integer"},
		{"port out of range", `{"username":"alice","ip":"10.0.0.1","port":0}`, "between 1 and 65535"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, raw := e.do(t, http.MethodPost, "/register", tc.body)
			require.Equal(t, http.StatusBadRequest, code)

			res := decode[ErrorResponse](t, raw)
			require.Equal(t, StatusError, res.Status)
			require.Contains(t, res.Message, tc.message)
		})
	}

	pairs, err := e.store.Enumerate(context.Background())
	require.NoError(t, err)
	require.Empty(t, pairs)
}

func TestPeersEndpoint(t *testing.T) {
	e := newTestEnv(t)

	code, _ := e.do(t, http.MethodPost, "/register", `{"username":"alice","ip":"10.0.0.1","port":5001}`)
	require.Equal(t, http.StatusCreated, code)

	e.clock.Add(200 * time.Second)
	code, _ = e.do(t, http.MethodPost, "/register", `{"username":"bob","ip":"10.0.0.2","port":5002}`)
	require.Equal(t, http.StatusCreated, code)

	code, raw := e.do(t, http.MethodGet, "/peers", "")
	require.Equal(t, http.StatusOK, code)
	res := decode[PeersResponse](t, raw)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, 2, res.Count)

	code, raw = e.do(t, http.MethodGet, "/peers?exclude=bob", "")
	require.Equal(t, http.StatusOK, code)
	res = decode[PeersResponse](t, raw)
	require.Equal(t, 1, res.Count)
	require.Equal(t, "alice", res.Peers[0].Username)

	// alice crosses the liveness window
	e.clock.Add(100 * time.Second)
	code, raw = e.do(t, http.MethodGet, "/peers", "")
	require.Equal(t, http.StatusOK, code)
	res = decode[PeersResponse](t, raw)
	require.Equal(t, 1, res.Count)
	require.Equal(t, "bob", res.Peers[0].Username)

	code, _ = e.do(t, http.MethodGet, "/peerinfo?username=alice", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestPeersEndpointEmpty(t *testing.T) {
	e := newTestEnv(t)

	code, raw := e.do(t, http.MethodGet, "/peers", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"success","count":0,"peers":[]}`, string(raw))
}

func TestPeerInfoEndpoint(t *testing.T) {
	e := newTestEnv(t)

	code, raw := e.do(t, http.MethodGet, "/peerinfo", "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "Username parameter is required", decode[ErrorResponse](t, raw).Message)

	code, raw = e.do(t, http.MethodGet, "/peerinfo?username=carol", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "User 'carol' not found", decode[ErrorResponse](t, raw).Message)

	e.do(t, http.MethodPost, "/register", `{"username":"alice","ip":"10.0.0.1","port":5001}`)
	code, raw = e.do(t, http.MethodGet, "/peerinfo?username=alice", "")
	require.Equal(t, http.StatusOK, code)

	res := decode[PeerInfoResponse](t, raw)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, "alice@10.0.0.1:5001", res.Peer.String())
}

func TestUnregisterEndpoint(t *testing.T) {
	e := newTestEnv(t)

	e.do(t, http.MethodPost, "/register", `{"username":"alice","ip":"10.0.0.1","port":5001}`)

	code, raw := e.do(t, http.MethodPost, "/unregister", `{}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "Username parameter is required", decode[ErrorResponse](t, raw).Message)

	code, raw = e.do(t, http.MethodPost, "/unregister", `{"username":"carol"}`)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "User 'carol' not found", decode[ErrorResponse](t, raw).Message)

	pairs, err := e.store.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	code, raw = e.do(t, http.MethodPost, "/unregister", `{"username":"alice"}`)
	require.Equal(t, http.StatusOK, code)
	res := decode[UnregisterResponse](t, raw)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, "User 'alice' removed", res.Message)

	code, _ = e.do(t, http.MethodGet, "/peerinfo?username=alice", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestHealthWithStoreDown(t *testing.T) {
	e := newTestEnv(t)

	code, raw := e.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)
	res := decode[HealthResponse](t, raw)
	require.Equal(t, StatusHealthy, res.Status)
	require.Equal(t, ServiceName, res.Service)
	require.Equal(t, StoreConnected, res.Redis)
	require.True(t, res.Timestamp.Equal(e.clock.Now()))

	e.store.Close()

	code, raw = e.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, StoreDisconnected, decode[HealthResponse](t, raw).Redis)

	// The rest of the surface keeps answering, with a store error
	code, raw = e.do(t, http.MethodGet, "/peers", "")
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "Database connection error", decode[ErrorResponse](t, raw).Message)

	code, _ = e.do(t, http.MethodPost, "/register", `{"username":"alice","ip":"10.0.0.1","port":5001}`)
	require.Equal(t, http.StatusInternalServerError, code)

	code, _ = e.do(t, http.MethodGet, "/peerinfo?username=alice", "")
	require.Equal(t, http.StatusInternalServerError, code)

	code, _ = e.do(t, http.MethodPost, "/unregister", `{"username":"alice"}`)
	require.Equal(t, http.StatusInternalServerError, code)
}

func TestIndexAndMethods(t *testing.T) {
	e := newTestEnv(t)

	code, raw := e.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, code)
	res := decode[IndexResponse](t, raw)
	require.Equal(t, ServiceName, res.Service)
	assert.Equal(t, "POST /register", res.Endpoints["register"])
	assert.Len(t, res.Endpoints, 5)

	code, _ = e.do(t, http.MethodGet, "/register", "")
	require.Equal(t, http.StatusMethodNotAllowed, code)

	code, _ = e.do(t, http.MethodPost, "/peers", "{}")
	require.Equal(t, http.StatusMethodNotAllowed, code)

	code, _ = e.do(t, http.MethodGet, "/nowhere", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)

	e.do(t, http.MethodPost, "/register", `{"username":"alice","ip":"10.0.0.1","port":5001}`)

	code, raw := e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(raw), "peerlink_registry_registrations_total")
}

func TestServeStopsOnCancel(t *testing.T) {
	clk := clock.NewMock()
	store := memory.New(clk)
	defer store.Close()

	srv := NewServer(registry.New(store, registry.Options{Clock: clk}), ServerOptions{Clock: clk})

	l, err := newLocalListener()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, l)
	}()

	c := NewClient("http://"+l.Addr().String(), time.Second)
	require.Eventually(t, func() bool {
		_, err := c.Health(context.Background())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
