package commands

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"peerlink/config"
	"peerlink/datastore/memory"
	"peerlink/net/rest"
	"peerlink/net/session"
	"peerlink/registry"
	swarmpeer "peerlink/swarm/peer"

	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestRegistryURL(t *testing.T) string {
	t.Helper()

	store := memory.New(nil)
	ts := httptest.NewServer(rest.NewServer(registry.New(store, registry.Options{}), rest.ServerOptions{}).Handler())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	return ts.URL
}

func newTestConfig(server, username string) *config.Config {
	cfg := config.NewEmptyConfig("")
	cfg.Peer.Server = server
	cfg.Peer.Username = username
	cfg.Peer.Port = 0
	cfg.Peer.AdvertiseIP = "127.0.0.1"
	cfg.Peer.RegisterAttempts = 1
	cfg.Peer.RegisterBackoff = config.Duration(10 * time.Millisecond)
	cfg.Session.PollInterval = config.Duration(50 * time.Millisecond)
	return cfg
}

func TestRunPeerAutoFails(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	out := &lockedBuffer{}
	code := RunPeer(context.Background(), newTestConfig(url, "alice"), true, strings.NewReader(""), out)

	require.Equal(t, 1, code)
	require.Contains(t, out.String(), "Auto mode failed")
}

func TestRunPeerMenu(t *testing.T) {
	url := newTestRegistryURL(t)
	out := &lockedBuffer{}

	input := strings.Join([]string{"1", "4", "2", "nobody", "9", "0"}, "\n") + "\n"
	code := RunPeer(context.Background(), newTestConfig(url, "alice"), true, strings.NewReader(input), out)
	require.Equal(t, 0, code)

	text := out.String()
	require.Contains(t, text, "P2P Chat Client")
	require.Contains(t, text, "TCP server ready on 127.0.0.1:")
	require.Contains(t, text, "No online peers")
	require.Contains(t, text, "STUN server is available")
	require.Contains(t, text, "User 'nobody' not found")
	require.Contains(t, text, "Invalid choice")
	require.Contains(t, text, "Goodbye!")

	// The peer unregisters on the way out
	_, err := rest.NewClient(url, time.Second).PeerInfo(context.Background(), "alice")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRunPeerNeedsRegistration(t *testing.T) {
	url := newTestRegistryURL(t)
	out := &lockedBuffer{}

	code := RunPeer(context.Background(), newTestConfig(url, ""), false, strings.NewReader("1\n5\n"), out)
	require.Equal(t, 0, code)

	text := out.String()
	require.Contains(t, text, "Please register first")
	require.Contains(t, text, "You are not registered")
	require.Contains(t, text, "EOF received - exiting...")
}

func TestRunPeerCancelled(t *testing.T) {
	url := newTestRegistryURL(t)
	out := &lockedBuffer{}

	// Never delivers a line, like a terminal nobody types into
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- RunPeer(ctx, newTestConfig(url, "alice"), true, r, out)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Your choice: ")
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case code := <-done:
		require.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("RunPeer did not return after cancel")
	}
	require.Contains(t, out.String(), "SIGINT received - exiting...")
}

func TestRunPeerChat(t *testing.T) {
	url := newTestRegistryURL(t)
	ctx := context.Background()

	received := make(chan session.Event, 16)
	alice := swarmpeer.New(rest.NewClient(url, time.Second), swarmpeer.Options{
		Username:    "alice",
		AdvertiseIP: "127.0.0.1",
		Session: session.Options{
			PollInterval: 50 * time.Millisecond,
			OnEvent: func(ev session.Event) {
				if ev.Kind == session.EventMessage {
					received <- ev
				}
			},
		},
	})
	require.NoError(t, alice.Register(ctx))
	defer alice.Close()

	out := &lockedBuffer{}
	input := strings.Join([]string{"3", "1", "hello alice", "exit", "0"}, "\n") + "\n"
	code := RunPeer(ctx, newTestConfig(url, "bob"), true, strings.NewReader(input), out)
	require.Equal(t, 0, code)

	select {
	case ev := <-received:
		require.Equal(t, "bob", ev.Peer)
		require.Equal(t, "hello alice", string(ev.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("alice never got the message")
	}

	text := out.String()
	require.Contains(t, text, "1. alice - "+alice.Endpoint()+" (online)")
	require.Contains(t, text, "--- Chat with alice ---")
	require.Contains(t, text, "You: hello alice")
	require.Contains(t, text, "Ending chat...")
}
