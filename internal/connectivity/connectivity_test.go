package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsConnected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewProber(server.URL)
	assert.True(t, p.IsConnected(context.Background()))

	down := NewProber("http://127.0.0.1:1")
	assert.False(t, down.IsConnected(context.Background()))
}

func TestIsConnectedTreatsServerErrorsAsOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewProber(server.URL)
	assert.False(t, p.IsConnected(context.Background()))
}

func TestIsConnectedCachesVerdict(t *testing.T) {
	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewProber(server.URL)

	assert.True(t, p.IsConnected(context.Background()))
	assert.True(t, p.IsConnected(context.Background()))
	assert.Equal(t, int32(1), hits.Load())
}

func TestOnRestoreFiresOnTransition(t *testing.T) {
	var online atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if online.Load() {
			w.WriteHeader(http.StatusOK)

			return
		}

		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewProber(server.URL)

	restored := make(chan struct{}, 1)
	p.OnRestore(func() {
		select {
		case restored <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Watch(ctx, 20*time.Millisecond)

	// Let at least one offline probe land before going online.
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()

		return !p.lastProbe.IsZero()
	}, 2*time.Second, 5*time.Millisecond)

	online.Store(true)

	select {
	case <-restored:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an OnRestore callback after the backend came back")
	}
}
