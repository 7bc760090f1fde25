package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestFanoutExcludesOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay(ctx, newScriptedStore(), AllowAll())
	defer relay.Close()

	connA, _ := attachedConnection(relay, "d")
	connB, _ := attachedConnection(relay, "d")
	connC, _ := attachedConnection(relay, "d")

	update := []byte{0xaa, 0xbb}
	frame, err := EncodeMessage("d", &UpdateMessage{Update: update})
	assert.Equal(t, err, nil)
	assert.Equal(t, connA.handleFrame(frame), true)

	document := relay.Registry().Peek("d")
	assert.NotEqual(t, document, nil)
	assert.Equal(t, document.HasPending(), true)

	for _, conn := range []*Connection{connB, connC} {
		messages := decodeQueuedFrames(t, conn)
		assert.Equal(t, len(messages), 1)
		assert.Equal(t, messages[0], &UpdateMessage{Update: update})
	}
	// the origin receives nothing back
	assert.Equal(t, len(decodeQueuedFrames(t, connA)), 0)
}

func TestOrderPreservation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay(ctx, newScriptedStore(), AllowAll())
	defer relay.Close()

	connA, _ := attachedConnection(relay, "d")
	connB, _ := attachedConnection(relay, "d")

	n := 32
	for i := 0; i < n; i += 1 {
		frame, err := EncodeMessage("d", &UpdateMessage{Update: []byte{byte(i)}})
		assert.Equal(t, err, nil)
		connA.handleFrame(frame)
	}

	messages := decodeQueuedFrames(t, connB)
	assert.Equal(t, len(messages), n)
	for i, message := range messages {
		assert.Equal(t, message, &UpdateMessage{Update: []byte{byte(i)}})
	}
}

func TestSyncRequestEmptyVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay(ctx, newScriptedStore(), AllowAll())
	defer relay.Close()

	// keep the document resident and give the server one update
	connA, _ := attachedConnection(relay, "d")
	update := []byte{0x07}
	assert.Equal(t, relay.InjectUpdate(ctx, "d", update), nil)

	// a server introduced update reaches every connection
	messages := decodeQueuedFrames(t, connA)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0], &UpdateMessage{Update: update})

	// a fresh client with nothing gets the full state
	connB, _ := attachedConnection(relay, "d")
	frame, err := EncodeMessage("d", &SyncRequestMessage{VersionJson: ""})
	assert.Equal(t, err, nil)
	connB.handleFrame(frame)

	messages = decodeQueuedFrames(t, connB)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0], &SyncBatchMessage{Updates: [][]byte{update}})
}

func TestSyncRequestIncremental(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultRelaySettings()
	settings.DocumentSettings.UnloadDelay = 50 * time.Millisecond
	relay := NewRelay(
		ctx,
		newScriptedStore(),
		func() Replica {
			return newPeerReplica("P")
		},
		AllowAll(),
		settings,
	)
	defer relay.Close()

	connA, _ := attachedConnection(relay, "d")
	for i := 1; i <= 3; i += 1 {
		frame, err := EncodeMessage("d", &UpdateMessage{Update: []byte{byte(i)}})
		assert.Equal(t, err, nil)
		connA.handleFrame(frame)
	}

	connB, _ := attachedConnection(relay, "d")
	frame, err := EncodeMessage("d", &SyncRequestMessage{VersionJson: `{"P":1}`})
	assert.Equal(t, err, nil)
	connB.handleFrame(frame)

	messages := decodeQueuedFrames(t, connB)
	assert.Equal(t, len(messages), 1)
	batch := messages[0].(*SyncBatchMessage)
	assert.Equal(t, batch.Updates, [][]byte{{0x02}, {0x03}})

	// applying the batch brings the requester up to the server's version
	client := newPeerReplica("P")
	client.Import([]byte{0x01})
	for _, update := range batch.Updates {
		client.Import(update)
	}
	server := relay.Registry().Peek("d")
	assert.Equal(t, client.Version().Covers(server.Version()), true)
}

func TestUnparsableVersionFallsBackToEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay(ctx, newScriptedStore(), AllowAll())
	defer relay.Close()

	connA, _ := attachedConnection(relay, "d")
	assert.Equal(t, relay.InjectUpdate(ctx, "d", []byte{0x01}), nil)
	decodeQueuedFrames(t, connA)

	frame, err := EncodeMessage("d", &SyncRequestMessage{VersionJson: "%%%"})
	assert.Equal(t, err, nil)
	connA.handleFrame(frame)

	messages := decodeQueuedFrames(t, connA)
	assert.Equal(t, len(messages), 1)
	batch := messages[0].(*SyncBatchMessage)
	// treated as a client with nothing
	assert.Equal(t, len(batch.Updates), 1)
}

func TestEphemeralNotStored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newScriptedStore()
	relay := newTestRelay(ctx, store, AllowAll())
	defer relay.Close()

	connA, _ := attachedConnection(relay, "d")
	connB, _ := attachedConnection(relay, "d")

	delta := []byte{0xee}
	frame, err := EncodeMessage("d", &EphemeralMessage{Delta: delta})
	assert.Equal(t, err, nil)
	connA.handleFrame(frame)

	messages := decodeQueuedFrames(t, connB)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0], &EphemeralMessage{Delta: delta})
	assert.Equal(t, len(decodeQueuedFrames(t, connA)), 0)

	document := relay.Registry().Peek("d")
	assert.Equal(t, document.HasPending(), false)
	document.persistNow()
	assert.Equal(t, store.updateCount("d"), 0)
}

func TestPersistCoalescing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newScriptedStore()
	relay := newTestRelay(ctx, store, AllowAll())
	defer relay.Close()

	connA, _ := attachedConnection(relay, "d")
	for i := 0; i < 3; i += 1 {
		frame, err := EncodeMessage("d", &UpdateMessage{Update: []byte{byte(i)}})
		assert.Equal(t, err, nil)
		connA.handleFrame(frame)
	}

	document := relay.Registry().Peek("d")
	assert.Equal(t, document.HasPending(), true)

	// the debounce window coalesces the three updates into one persist pass
	waitFor(t, time.Second, func() bool {
		return !document.HasPending()
	})
	assert.Equal(t, store.updateCount("d"), 3)

	// idempotent: a second pass with no new updates stores nothing
	document.persistNow()
	assert.Equal(t, store.updateCount("d"), 3)
}

func TestPersistFailureDestroysDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newScriptedStore()
	store.storeErr = errors.New("disk full")
	relay := newTestRelay(ctx, store, AllowAll())
	defer relay.Close()

	connA, ws := attachedConnection(relay, "d")

	frame, err := EncodeMessage("d", &UpdateMessage{Update: []byte{0x01}})
	assert.Equal(t, err, nil)
	connA.handleFrame(frame)

	document := relay.Registry().Peek("d")
	assert.NotEqual(t, document, nil)

	// retries exhaust, the document destroys itself, and every attached
	// connection closes with a storage failure
	waitFor(t, 5*time.Second, func() bool {
		return document.isDestroyed() && connA.State() == Closed
	})
	assert.Equal(t, ws.writtenCloseCode(), int(CloseStorageFailure))
	waitFor(t, time.Second, func() bool {
		return relay.Registry().DocumentCount() == 0
	})
}

func TestBroadcastStateless(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay(ctx, newScriptedStore(), AllowAll())
	defer relay.Close()

	connA, _ := attachedConnection(relay, "d")
	connB, _ := attachedConnection(relay, "d")

	document := relay.Registry().Peek("d")
	payload := []byte("server notice")
	document.BroadcastStateless(payload, func(conn *Connection) bool {
		return conn == connB
	})

	assert.Equal(t, len(decodeQueuedFrames(t, connA)), 0)
	messages := decodeQueuedFrames(t, connB)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0], &EphemeralMessage{Delta: payload})
}

func TestUpdateCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay(ctx, newScriptedStore(), AllowAll())
	defer relay.Close()

	type observed struct {
		documentName string
		origin       *Connection
		update       []byte
	}
	observations := make(chan observed, 8)
	unsub := relay.AddUpdateCallback(func(document *Document, origin *Connection, update []byte) {
		observations <- observed{document.Name(), origin, update}
	})

	connA, _ := attachedConnection(relay, "d")
	frame, err := EncodeMessage("d", &UpdateMessage{Update: []byte{0x42}})
	assert.Equal(t, err, nil)
	connA.handleFrame(frame)

	select {
	case o := <-observations:
		assert.Equal(t, o.documentName, "d")
		assert.Equal(t, o.origin == connA, true)
		assert.Equal(t, o.update, []byte{0x42})
	case <-time.After(time.Second):
		t.Fatal("update callback not fired")
	}

	unsub()
	connA.handleFrame(frame)
	select {
	case <-observations:
		t.Fatal("callback fired after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestImportErrorStillBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultRelaySettings()
	relay := NewRelay(
		ctx,
		newScriptedStore(),
		func() Replica {
			return &failingImportReplica{}
		},
		AllowAll(),
		settings,
	)
	defer relay.Close()

	connA, _ := attachedConnection(relay, "d")
	connB, _ := attachedConnection(relay, "d")

	frame, err := EncodeMessage("d", &UpdateMessage{Update: []byte{0x01}})
	assert.Equal(t, err, nil)
	connA.handleFrame(frame)

	// the replica rejected the update but peers may have its dependencies
	messages := decodeQueuedFrames(t, connB)
	assert.Equal(t, len(messages), 1)
}

type failingImportReplica struct{}

func (self *failingImportReplica) Import(update []byte) error {
	return errors.New("missing dependency")
}

func (self *failingImportReplica) ExportFrom(from VersionVector) ([][]byte, error) {
	return nil, nil
}

func (self *failingImportReplica) Version() VersionVector {
	return VersionVector{}
}

func (self *failingImportReplica) SubscribeLocalUpdates(callback func(update []byte)) func() {
	return func() {}
}
