package hub

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestRelayEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	relay := newTestRelay(ctx, store, AllowAll())
	defer relay.Close()
	server := httptest.NewServer(relay)
	defer server.Close()

	replicaA := NewLogReplica().(*LogReplica)
	replicaB := NewLogReplica().(*LogReplica)

	transportA := NewSharedTransportWithDefaults(ctx, wsUrl(server))
	transportB := NewSharedTransportWithDefaults(ctx, wsUrl(server))

	syncedA := make(chan int, 8)
	syncedB := make(chan int, 8)
	providerA := NewProvider(ctx, transportA, "doc", replicaA, &ProviderOptions{
		Listeners: ProviderListeners{
			OnSyncBatch: func(updateCount int) {
				syncedA <- updateCount
			},
		},
		Settings: &ProviderSettings{},
	})
	defer providerA.Destroy()
	providerB := NewProvider(ctx, transportB, "doc", replicaB, &ProviderOptions{
		Listeners: ProviderListeners{
			OnSyncBatch: func(updateCount int) {
				syncedB <- updateCount
			},
		},
		Settings: &ProviderSettings{},
	})
	defer providerB.Destroy()

	// both clients complete the initial sync against an empty document
	for _, synced := range []chan int{syncedA, syncedB} {
		select {
		case n := <-synced:
			assert.Equal(t, n, 0)
		case <-time.After(5 * time.Second):
			t.Fatal("initial sync did not complete")
		}
	}

	// a local edit on A reaches B through the relay
	update := []byte("hello from a")
	replicaA.Commit(update)
	waitFor(t, 5*time.Second, func() bool {
		for _, got := range replicaB.Updates() {
			if bytes.Equal(got, update) {
				return true
			}
		}
		return false
	})
	// and never echoes back to A
	assert.Equal(t, replicaA.Updates(), [][]byte{update})

	// the server replica holds it too
	document := relay.Registry().Peek("doc")
	assert.NotEqual(t, document, nil)
	assert.Equal(t, document.Version(), VersionVector{"log": 1})
}

func TestRelayLateJoinerSyncs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay(ctx, NewMemoryStore(), AllowAll())
	defer relay.Close()
	server := httptest.NewServer(relay)
	defer server.Close()

	replicaA := NewLogReplica().(*LogReplica)
	transportA := NewSharedTransportWithDefaults(ctx, wsUrl(server))
	syncedA := make(chan int, 8)
	providerA := NewProvider(ctx, transportA, "doc", replicaA, &ProviderOptions{
		Listeners: ProviderListeners{
			OnSyncBatch: func(updateCount int) {
				syncedA <- updateCount
			},
		},
		Settings: &ProviderSettings{},
	})
	defer providerA.Destroy()

	select {
	case <-syncedA:
	case <-time.After(5 * time.Second):
		t.Fatal("initial sync did not complete")
	}
	replicaA.Commit([]byte("u1"))
	replicaA.Commit([]byte("u2"))

	// the server accepts both before the late joiner arrives
	waitFor(t, 5*time.Second, func() bool {
		document := relay.Registry().Peek("doc")
		return document != nil && document.Version().Covers(VersionVector{"log": 2})
	})

	replicaB := NewLogReplica().(*LogReplica)
	transportB := NewSharedTransportWithDefaults(ctx, wsUrl(server))
	syncedB := make(chan int, 8)
	providerB := NewProvider(ctx, transportB, "doc", replicaB, &ProviderOptions{
		Listeners: ProviderListeners{
			OnSyncBatch: func(updateCount int) {
				syncedB <- updateCount
			},
		},
		Settings: &ProviderSettings{},
	})
	defer providerB.Destroy()

	select {
	case n := <-syncedB:
		assert.Equal(t, n, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("late join sync did not complete")
	}
	assert.Equal(t, replicaB.Updates(), [][]byte{[]byte("u1"), []byte("u2")})
}

func TestRelayMultiplexesDocumentsOverOneSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay(ctx, NewMemoryStore(), AllowAll())
	defer relay.Close()
	server := httptest.NewServer(relay)
	defer server.Close()

	transport := NewSharedTransportWithDefaults(ctx, wsUrl(server))

	synced := make(chan string, 8)
	newDocProvider := func(documentName string) *Provider {
		return NewProvider(ctx, transport, documentName, NewLogReplica(), &ProviderOptions{
			Listeners: ProviderListeners{
				OnSyncBatch: func(updateCount int) {
					synced <- documentName
				},
			},
			Settings: &ProviderSettings{},
		})
	}
	provider1 := newDocProvider("doc-1")
	defer provider1.Destroy()
	provider2 := newDocProvider("doc-2")
	defer provider2.Destroy()

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case documentName := <-synced:
			seen[documentName] = true
		case <-time.After(5 * time.Second):
			t.Fatal("documents did not sync over the shared socket")
		}
	}
	waitFor(t, 5*time.Second, func() bool {
		return relay.Registry().DocumentCount() == 2
	})
}

func TestRelayEphemeralEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	relay := newTestRelay(ctx, store, AllowAll())
	defer relay.Close()
	server := httptest.NewServer(relay)
	defer server.Close()

	ephemeralA := NewMemoryEphemeralStoreWithDefaults(ctx)
	defer ephemeralA.Close()
	ephemeralB := NewMemoryEphemeralStoreWithDefaults(ctx)
	defer ephemeralB.Close()

	transportA := NewSharedTransportWithDefaults(ctx, wsUrl(server))
	transportB := NewSharedTransportWithDefaults(ctx, wsUrl(server))

	providerA := NewProvider(ctx, transportA, "doc", NewLogReplica(), &ProviderOptions{
		Ephemeral: ephemeralA,
		Settings:  &ProviderSettings{},
	})
	defer providerA.Destroy()
	providerB := NewProvider(ctx, transportB, "doc", NewLogReplica(), &ProviderOptions{
		Ephemeral: ephemeralB,
		Settings:  &ProviderSettings{},
	})
	defer providerB.Destroy()

	// wait until both sockets attached
	waitFor(t, 5*time.Second, func() bool {
		document := relay.Registry().Peek("doc")
		return document != nil && document.ConnectionCount() == 2
	})

	ephemeralA.Set("cursor", []byte("42"))

	waitFor(t, 5*time.Second, func() bool {
		value, ok := ephemeralB.Get("cursor")
		return ok && bytes.Equal(value, []byte("42"))
	})

	// presence is broadcast but never persisted
	document := relay.Registry().Peek("doc")
	assert.Equal(t, document.HasPending(), false)
	document.persistNow()
	assert.Equal(t, store.UpdateCount("doc"), 0)
}

func TestRelayJwtAdmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("relay-secret")
	relay := newTestRelay(ctx, NewMemoryStore(), NewJwtAuthenticator(secret))
	defer relay.Close()
	server := httptest.NewServer(relay)
	defer server.Close()

	goodToken, err := MintToken(secret, []string{"doc"}, "", time.Hour)
	assert.Equal(t, err, nil)

	transportA := NewSharedTransportWithDefaults(ctx, wsUrl(server))
	syncedA := make(chan int, 8)
	providerA := NewProvider(ctx, transportA, "doc", NewLogReplica(), &ProviderOptions{
		Token: StaticToken(goodToken),
		Listeners: ProviderListeners{
			OnSyncBatch: func(updateCount int) {
				syncedA <- updateCount
			},
		},
		Settings: &ProviderSettings{},
	})
	defer providerA.Destroy()

	select {
	case <-syncedA:
	case <-time.After(5 * time.Second):
		t.Fatal("admitted client did not sync")
	}

	transportB := NewSharedTransportWithDefaults(ctx, wsUrl(server))
	denials := make(chan string, 8)
	providerB := NewProvider(ctx, transportB, "doc", NewLogReplica(), &ProviderOptions{
		Token: StaticToken("forged"),
		Listeners: ProviderListeners{
			OnAuthDenied: func(reason string) {
				denials <- reason
			},
		},
		Settings: &ProviderSettings{},
	})
	defer providerB.Destroy()

	select {
	case reason := <-denials:
		assert.Equal(t, strings.Contains(reason, "invalid token"), true)
	case <-time.After(5 * time.Second):
		t.Fatal("forged client was not denied")
	}
}
