package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type DocumentSettings struct {
	// write debounce window for persist coalescing
	Debounce time.Duration
	// hard deadline after the first unpersisted update
	MaxDebounce time.Duration
	// idle delay before an unreferenced document is evicted
	UnloadDelay time.Duration
	LoadTimeout time.Duration
}

func DefaultDocumentSettings() *DocumentSettings {
	return &DocumentSettings{
		Debounce:    2 * time.Second,
		MaxDebounce: 10 * time.Second,
		UnloadDelay: 30 * time.Second,
		LoadTimeout: 30 * time.Second,
	}
}

// fired after an update has been applied and broadcast
type UpdateFunction func(document *Document, origin *Connection, update []byte)

// the authoritative server side state for one named document.
// `stateLock` covers the replica, the pending updates, the last persisted
// version and the connection set. per document operations serialize;
// operations across documents proceed in parallel
type Document struct {
	ctx    context.Context
	cancel context.CancelFunc

	name     string
	replica  Replica
	store    DocumentStore
	settings *DocumentSettings

	updateCallbacks *CallbackList[UpdateFunction]

	stateLock        sync.Mutex
	connections      map[*Connection]bool
	pendingUpdates   [][]byte
	lastPersistedVV  VersionVector
	persistTimer     *time.Timer
	firstPendingTime time.Time
	destroyed        bool
	destroyCallback  func(document *Document)

	// optional presence store bridged in by the registry
	ephemeralStore EphemeralStore
	ephemeralUnsub func()
}

// hydrates a fresh replica from the store. a load failure or timeout means
// the document is not created
func loadDocument(
	ctx context.Context,
	name string,
	newReplica ReplicaFactory,
	store DocumentStore,
	updateCallbacks *CallbackList[UpdateFunction],
	settings *DocumentSettings,
) (*Document, error) {
	loadCtx, loadCancel := context.WithTimeout(ctx, settings.LoadTimeout)
	defer loadCancel()

	replica := newReplica()
	result, err := store.Load(loadCtx, name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if result != nil {
		if 0 < len(result.Snapshot) {
			if err := replica.Import(result.Snapshot); err != nil {
				return nil, fmt.Errorf("load %s: import snapshot: %w", name, err)
			}
		}
		for i, update := range result.Updates {
			if err := replica.Import(update); err != nil {
				return nil, fmt.Errorf("load %s: import update %d: %w", name, i, err)
			}
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	document := &Document{
		ctx:             cancelCtx,
		cancel:          cancel,
		name:            name,
		replica:         replica,
		store:           store,
		settings:        settings,
		updateCallbacks: updateCallbacks,
		connections:     map[*Connection]bool{},
		pendingUpdates:  [][]byte{},
		// the hydrated state is exactly what the store holds
		lastPersistedVV: replica.Version().Clone(),
	}
	glog.V(1).Infof("[doc]load %s vv=%s\n", name, document.lastPersistedVV.Json())
	return document, nil
}

func (self *Document) Name() string {
	return self.name
}

func (self *Document) Attach(conn *Connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.destroyed {
		return
	}
	self.connections[conn] = true
	glog.V(1).Infof("[doc]attach %s %s n=%d\n", self.name, conn.Id(), len(self.connections))
}

func (self *Document) Detach(conn *Connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.connections, conn)
	glog.V(1).Infof("[doc]detach %s %s n=%d\n", self.name, conn.Id(), len(self.connections))
}

func (self *Document) ConnectionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.connections)
}

func (self *Document) HasPending() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return 0 < len(self.pendingUpdates)
}

func (self *Document) Version() VersionVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.replica.Version().Clone()
}

// applies the update to the replica, queues it for persistence, and fans one
// update frame out to every attached connection except the origin.
// a nil origin is a server introduced update and reaches all connections
func (self *Document) HandleClientUpdate(update []byte, origin *Connection) {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}

	if err := self.replica.Import(update); err != nil {
		// the update still ships to peers, which may have its dependencies
		glog.Infof("[doc]%s import error = %s\n", self.name, err)
	}
	self.pendingUpdates = append(self.pendingUpdates, update)
	self.armPersist()

	frame, err := EncodeMessage(self.name, &UpdateMessage{Update: update})
	if err != nil {
		self.stateLock.Unlock()
		glog.Errorf("[doc]%s encode update = %s\n", self.name, err)
		return
	}
	for conn := range self.connections {
		if conn != origin {
			conn.send(frame)
		}
	}
	callbacks := self.updateCallbacks.Get()
	self.stateLock.Unlock()

	glog.V(2).Infof("[doc]%s update %d bytes -> %s\n", self.name, len(update), originTag(origin))
	for _, callback := range callbacks {
		c := callback
		HandleError(func() {
			c(self, origin, update)
		})
	}
}

// replies only to the origin with the updates the requester is missing
func (self *Document) HandleSyncRequest(versionJson string, origin *Connection) {
	from := ParseVersionVector(versionJson)

	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	updates, err := self.replica.ExportFrom(from)
	self.stateLock.Unlock()

	if err != nil {
		// reply with an empty batch rather than stalling the requester
		glog.Infof("[doc]%s export from %s = %s\n", self.name, from.Json(), err)
		updates = nil
	}
	frame, err := EncodeMessage(self.name, &SyncBatchMessage{Updates: updates})
	if err != nil {
		glog.Errorf("[doc]%s encode sync batch = %s\n", self.name, err)
		return
	}
	origin.send(frame)
	glog.V(2).Infof("[doc]%s sync batch n=%d -> %s\n", self.name, len(updates), originTag(origin))
}

// broadcast only. ephemeral payloads never touch the replica or the
// persistence pipeline
func (self *Document) HandleEphemeral(delta []byte, origin *Connection) {
	frame, err := EncodeMessage(self.name, &EphemeralMessage{Delta: delta})
	if err != nil {
		glog.Errorf("[doc]%s encode ephemeral = %s\n", self.name, err)
		return
	}

	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	for conn := range self.connections {
		if conn != origin {
			conn.send(frame)
		}
	}
	self.stateLock.Unlock()
	glog.V(2).Infof("[doc]%s ephemeral %d bytes -> %s\n", self.name, len(delta), originTag(origin))
}

// out of band server push to the subset of connections matched by the
// predicate. a nil predicate matches all
func (self *Document) BroadcastStateless(payload []byte, predicate func(*Connection) bool) {
	frame, err := EncodeMessage(self.name, &EphemeralMessage{Delta: payload})
	if err != nil {
		glog.Errorf("[doc]%s encode stateless = %s\n", self.name, err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for conn := range self.connections {
		if predicate == nil || predicate(conn) {
			conn.send(frame)
		}
	}
}

// must hold stateLock
func (self *Document) armPersist() {
	now := time.Now()
	if self.persistTimer == nil {
		self.firstPendingTime = now
		self.persistTimer = time.AfterFunc(self.settings.Debounce, self.persistNow)
		return
	}
	// debounce, capped by the hard deadline after the first pending update
	deadline := self.firstPendingTime.Add(self.settings.MaxDebounce)
	next := now.Add(self.settings.Debounce)
	if deadline.Before(next) {
		next = deadline
	}
	self.persistTimer.Reset(time.Until(next))
}

func (self *Document) persistNow() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.persistTimer = nil
	if self.destroyed || len(self.pendingUpdates) == 0 {
		return
	}

	// suspending on the store hook while holding the state lock is the one
	// sanctioned suspension point. per document operations serialize behind it
	persist := func() error {
		updates, err := self.replica.ExportFrom(self.lastPersistedVV)
		if err != nil {
			return err
		}
		for _, update := range updates {
			if err := self.store.Store(self.ctx, self.name, update); err != nil {
				return err
			}
		}
		return nil
	}

	retrySchedule := backoff.NewExponentialBackOff()
	retrySchedule.InitialInterval = self.settings.Debounce / 4
	retrySchedule.MaxElapsedTime = 3 * self.settings.MaxDebounce
	err := backoff.RetryNotify(
		persist,
		backoff.WithContext(retrySchedule, self.ctx),
		func(err error, next time.Duration) {
			glog.Infof("[doc]%s persist retry in %s = %s\n", self.name, next, err)
		},
	)
	if err != nil {
		glog.Errorf("[doc]%s persist failed beyond retry budget = %s\n", self.name, err)
		self.destroyLocked(CloseStorageFailure, err.Error())
		return
	}

	self.lastPersistedVV = self.replica.Version().Clone()
	self.pendingUpdates = [][]byte{}
	self.firstPendingTime = time.Time{}
	glog.V(1).Infof("[doc]%s persisted vv=%s\n", self.name, self.lastPersistedVV.Json())
}

// final persist at eviction time. pending updates are already flushed when
// this is called; the remaining work is log compaction and the lifecycle
// notifications
func (self *Document) unload() {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	self.destroyed = true
	if self.persistTimer != nil {
		self.persistTimer.Stop()
		self.persistTimer = nil
	}
	self.stateLock.Unlock()

	safeUnsub(self.ephemeralUnsub)
	if closer, ok := self.ephemeralStore.(interface{ Close() }); ok {
		closer.Close()
	}

	if lifecycle, ok := self.store.(StoreLifecycle); ok {
		HandleError(func() {
			lifecycle.BeforeUnloadDocument(self.name)
		})
	}
	if compactor, ok := self.store.(StoreCompactor); ok {
		if updates, err := self.replica.ExportFrom(VersionVector{}); err != nil {
			glog.Infof("[doc]%s compact export = %s\n", self.name, err)
		} else if err := compactor.Compact(self.ctx, self.name, updates); err != nil {
			glog.Infof("[doc]%s compact = %s\n", self.name, err)
		}
	}
	if lifecycle, ok := self.store.(StoreLifecycle); ok {
		HandleError(func() {
			lifecycle.AfterUnloadDocument(self.name)
		})
	}
	glog.V(1).Infof("[doc]unload %s\n", self.name)
	self.cancel()
}

// must hold stateLock
func (self *Document) destroyLocked(code CloseCode, reason string) {
	if self.destroyed {
		return
	}
	self.destroyed = true
	if self.persistTimer != nil {
		self.persistTimer.Stop()
		self.persistTimer = nil
	}
	conns := maps.Keys(self.connections)
	self.connections = map[*Connection]bool{}
	destroyCallback := self.destroyCallback
	ephemeralUnsub := self.ephemeralUnsub
	self.cancel()

	go func() {
		safeUnsub(ephemeralUnsub)
		for _, conn := range conns {
			conn.close(code, reason)
		}
		if destroyCallback != nil {
			destroyCallback(self)
		}
	}()
}

func (self *Document) isDestroyed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.destroyed
}

func originTag(origin *Connection) string {
	if origin == nil {
		return "all"
	}
	return fmt.Sprintf("peers of %s", origin.Id())
}
