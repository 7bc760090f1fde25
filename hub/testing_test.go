package hub

import (
	"context"
	"errors"
	"flag"
	"sync"
	"testing"
	"time"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// an in memory websocket for driving a server connection without a network
type fakeWs struct {
	mutex sync.Mutex

	inbound    chan []byte
	written    [][]byte
	closeCode  int
	readClosed chan struct{}
	closeOnce  sync.Once
}

func newFakeWs() *fakeWs {
	return &fakeWs{
		inbound:    make(chan []byte, 1024),
		written:    [][]byte{},
		readClosed: make(chan struct{}),
	}
}

func (self *fakeWs) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-self.inbound:
		return 2, frame, nil
	case <-self.readClosed:
		return 0, nil, errors.New("closed")
	}
}

func (self *fakeWs) WriteMessage(messageType int, data []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	select {
	case <-self.readClosed:
		return errors.New("closed")
	default:
	}
	self.written = append(self.written, data)
	return nil
}

func (self *fakeWs) WriteControl(messageType int, data []byte, deadline time.Time) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if 2 <= len(data) {
		self.closeCode = int(data[0])<<8 | int(data[1])
	}
	return nil
}

func (self *fakeWs) SetReadDeadline(t time.Time) error {
	return nil
}

func (self *fakeWs) SetWriteDeadline(t time.Time) error {
	return nil
}

func (self *fakeWs) Close() error {
	self.closeOnce.Do(func() {
		close(self.readClosed)
	})
	return nil
}

func (self *fakeWs) writtenCloseCode() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.closeCode
}

// a replica with a named peer, for sync scenarios with real looking
// version vectors
type peerReplica struct {
	mutex          sync.Mutex
	peerId         string
	updates        [][]byte
	localCallbacks *CallbackList[func(update []byte)]
}

func newPeerReplica(peerId string) *peerReplica {
	return &peerReplica{
		peerId:         peerId,
		updates:        [][]byte{},
		localCallbacks: NewCallbackList[func(update []byte)](),
	}
}

func (self *peerReplica) Import(update []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.updates = append(self.updates, update)
	return nil
}

func (self *peerReplica) ExportFrom(from VersionVector) ([][]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	start := int(from[self.peerId])
	if len(self.updates) < start {
		start = len(self.updates)
	}
	out := make([][]byte, len(self.updates)-start)
	copy(out, self.updates[start:])
	return out, nil
}

func (self *peerReplica) Version() VersionVector {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.updates) == 0 {
		return VersionVector{}
	}
	return VersionVector{
		self.peerId: uint64(len(self.updates)),
	}
}

func (self *peerReplica) SubscribeLocalUpdates(callback func(update []byte)) func() {
	callbackId := self.localCallbacks.Add(callback)
	return func() {
		self.localCallbacks.Remove(callbackId)
	}
}

// a store whose load and store behavior is scripted by the test
type scriptedStore struct {
	mutex sync.Mutex

	loadDelay  time.Duration
	loadErr    error
	loadResult *LoadResult
	loadCount  int

	storeErr error
	updates  map[string][][]byte
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{
		updates: map[string][][]byte{},
	}
}

func (self *scriptedStore) Load(ctx context.Context, documentName string) (*LoadResult, error) {
	self.mutex.Lock()
	self.loadCount += 1
	delay := self.loadDelay
	loadErr := self.loadErr
	result := self.loadResult
	self.mutex.Unlock()

	if 0 < delay {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if loadErr != nil {
		return nil, loadErr
	}
	return result, nil
}

func (self *scriptedStore) Store(ctx context.Context, documentName string, update []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.storeErr != nil {
		return self.storeErr
	}
	self.updates[documentName] = append(self.updates[documentName], update)
	return nil
}

func (self *scriptedStore) updateCount(documentName string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.updates[documentName])
}

func (self *scriptedStore) loads() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.loadCount
}

// a provider transport that records every sent frame
type fakeTransport struct {
	mutex     sync.Mutex
	frames    chan []byte
	providers map[string]*Provider
	open      bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames:    make(chan []byte, 1024),
		providers: map[string]*Provider{},
		open:      true,
	}
}

func (self *fakeTransport) register(provider *Provider) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.providers[provider.documentName] = provider
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.providers, provider.documentName)
	}
}

func (self *fakeTransport) send(frame []byte) bool {
	self.frames <- frame
	return true
}

func (self *fakeTransport) isOpen() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.open
}

// drains sent frames decoded as client messages for `window`
func (self *fakeTransport) drain(window time.Duration) []Message {
	messages := []Message{}
	deadline := time.After(window)
	for {
		select {
		case frame := <-self.frames:
			if _, message, err := DecodeClientMessage(frame); err == nil {
				messages = append(messages, message)
			}
		case <-deadline:
			return messages
		}
	}
}

func newTestRelay(ctx context.Context, store DocumentStore, authenticator Authenticator) *Relay {
	settings := DefaultRelaySettings()
	settings.DocumentSettings.Debounce = 20 * time.Millisecond
	settings.DocumentSettings.MaxDebounce = 100 * time.Millisecond
	settings.DocumentSettings.UnloadDelay = 50 * time.Millisecond
	settings.DocumentSettings.LoadTimeout = 2 * time.Second
	return NewRelay(ctx, store, NewLogReplica, authenticator, settings)
}

// polls until the condition holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if deadline.Before(time.Now()) {
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func attachedConnection(relay *Relay, documentName string) (*Connection, *fakeWs) {
	ws := newFakeWs()
	conn := newConnection(context.Background(), ws, relay, relay.settings.ConnectionSettings)
	frame, _ := EncodeMessage(documentName, &AuthMessage{Token: ""})
	conn.handleFrame(frame)
	// consume the auth reply
	<-conn.sendQueue
	return conn, ws
}

func decodeQueuedFrames(t *testing.T, conn *Connection) []Message {
	t.Helper()
	messages := []Message{}
	for {
		select {
		case frame := <-conn.sendQueue:
			_, message, err := DecodeServerMessage(frame)
			if err != nil {
				t.Fatalf("bad queued frame: %s", err)
			}
			messages = append(messages, message)
		default:
			return messages
		}
	}
}
