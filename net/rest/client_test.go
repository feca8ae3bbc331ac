package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peerlink/registry"

	"github.com/stretchr/testify/require"
)

func newLocalListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func TestClientRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := NewClient(e.server.URL+"/", time.Second)
	require.Equal(t, e.server.URL, c.BaseURL())

	h, err := c.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, StoreConnected, h.Redis)

	res, err := c.Register(ctx, "alice", "10.0.0.1", 5001)
	require.NoError(t, err)
	require.Equal(t, "Registration successful", res.Message)
	require.Equal(t, 5001, res.Peer.Port)

	_, err = c.Register(ctx, "bob", "10.0.0.2", 5002)
	require.NoError(t, err)

	peers, err := c.Peers(ctx, "")
	require.NoError(t, err)
	require.Len(t, peers, 2)

	peers, err = c.Peers(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "bob", peers[0].Username)

	rec, err := c.PeerInfo(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:5002", rec.Endpoint())

	require.NoError(t, c.Unregister(ctx, "bob"))

	_, err = c.PeerInfo(ctx, "bob")
	require.ErrorIs(t, err, registry.ErrNotFound)

	err = c.Unregister(ctx, "bob")
	require.ErrorIs(t, err, registry.ErrNotFound)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, "User 'bob' not found", apiErr.Message)
}

func TestClientErrors(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := NewClient(e.server.URL, time.Second)

	_, err := c.Register(ctx, "alice", "10.0.0.1", 70000)
	require.ErrorIs(t, err, registry.ErrInvalidArgument)

	e.store.Close()
	_, err = c.Peers(ctx, "")
	require.ErrorIs(t, err, registry.ErrStoreUnavailable)
}

func TestClientServerDown(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := NewClient(url, 500*time.Millisecond)
	_, err := c.Health(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot connect to server")

	var apiErr *APIError
	require.False(t, errors.As(err, &apiErr))
}

func TestClientUnknownErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, time.Second)
	_, err := c.Health(context.Background())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	require.Equal(t, "Unknown error", apiErr.Message)
	require.Nil(t, errors.Unwrap(apiErr))
}
