package hub

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// name to live document map with load on demand, reference counting and
// idle eviction. concurrent acquires for the same name coalesce onto a
// single in flight load
type Registry struct {
	ctx context.Context

	store           DocumentStore
	newReplica      ReplicaFactory
	updateCallbacks *CallbackList[UpdateFunction]
	settings        *DocumentSettings

	// when set, every loaded document gets a presence store whose locally
	// surfaced deltas (e.g. from sibling relay nodes) fan out to the
	// document's connections
	ephemeralFanout func(ctx context.Context, documentName string) EphemeralStore

	mutex   sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	refCount int
	// closed when the load completes, success or not
	loaded      chan struct{}
	document    *Document
	loadErr     error
	unloadTimer *time.Timer
}

func NewRegistry(
	ctx context.Context,
	store DocumentStore,
	newReplica ReplicaFactory,
	updateCallbacks *CallbackList[UpdateFunction],
	settings *DocumentSettings,
) *Registry {
	return &Registry{
		ctx:             ctx,
		store:           store,
		newReplica:      newReplica,
		updateCallbacks: updateCallbacks,
		settings:        settings,
		entries:         map[string]*registryEntry{},
	}
}

// creates and asynchronously loads the document on a miss.
// every successful acquire must be paired with a release
func (self *Registry) Acquire(ctx context.Context, documentName string) (*Document, error) {
	self.mutex.Lock()
	entry := self.entries[documentName]
	if entry == nil {
		entry = &registryEntry{
			loaded: make(chan struct{}),
		}
		self.entries[documentName] = entry
		go self.load(documentName, entry)
	}
	entry.refCount += 1
	if entry.unloadTimer != nil {
		entry.unloadTimer.Stop()
		entry.unloadTimer = nil
	}
	self.mutex.Unlock()

	select {
	case <-entry.loaded:
	case <-ctx.Done():
		self.Release(documentName)
		return nil, ctx.Err()
	}
	if entry.loadErr != nil {
		// the entry was already removed by the loader
		return nil, entry.loadErr
	}
	return entry.document, nil
}

func (self *Registry) load(documentName string, entry *registryEntry) {
	document, err := loadDocument(
		self.ctx,
		documentName,
		self.newReplica,
		self.store,
		self.updateCallbacks,
		self.settings,
	)

	self.mutex.Lock()
	if err != nil {
		entry.loadErr = err
		// not registered. every pending acquirer observes the error
		if self.entries[documentName] == entry {
			delete(self.entries, documentName)
		}
	} else {
		document.destroyCallback = func(d *Document) {
			self.remove(documentName, entry)
		}
		if self.ephemeralFanout != nil {
			if store := self.ephemeralFanout(document.ctx, documentName); store != nil {
				document.ephemeralStore = store
				document.ephemeralUnsub = store.SubscribeLocalUpdates(func(delta []byte) {
					document.HandleEphemeral(delta, nil)
				})
			}
		}
		entry.document = document
	}
	self.mutex.Unlock()
	close(entry.loaded)
}

// removes an entry whose document destroyed itself, e.g. on storage failure
func (self *Registry) remove(documentName string, entry *registryEntry) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.entries[documentName] == entry {
		delete(self.entries, documentName)
	}
}

func (self *Registry) Release(documentName string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := self.entries[documentName]
	if entry == nil {
		return
	}
	entry.refCount -= 1
	if entry.refCount < 0 {
		entry.refCount = 0
	}
	if entry.refCount == 0 && entry.unloadTimer == nil {
		entry.unloadTimer = time.AfterFunc(self.settings.UnloadDelay, func() {
			self.tryUnload(documentName, entry)
		})
	}
}

func (self *Registry) tryUnload(documentName string, entry *registryEntry) {
	self.mutex.Lock()
	if self.entries[documentName] != entry || 0 < entry.refCount {
		self.mutex.Unlock()
		return
	}
	document := entry.document
	if document == nil {
		// load never completed
		delete(self.entries, documentName)
		self.mutex.Unlock()
		return
	}
	if document.HasPending() {
		// never unload ahead of the persist pipeline. try again after the
		// pending updates flush
		entry.unloadTimer = time.AfterFunc(self.settings.UnloadDelay, func() {
			self.tryUnload(documentName, entry)
		})
		self.mutex.Unlock()
		glog.V(1).Infof("[registry]%s unload deferred, pending updates\n", documentName)
		return
	}
	delete(self.entries, documentName)
	self.mutex.Unlock()

	document.unload()
}

func (self *Registry) DocumentCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.entries)
}

// the live document for a name, without loading. nil when not resident
func (self *Registry) Peek(documentName string) *Document {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := self.entries[documentName]
	if entry == nil {
		return nil
	}
	select {
	case <-entry.loaded:
		return entry.document
	default:
		return nil
	}
}

// closes every resident document without waiting for idle eviction
func (self *Registry) Close() {
	self.mutex.Lock()
	entries := map[string]*registryEntry{}
	for documentName, entry := range self.entries {
		entries[documentName] = entry
		if entry.unloadTimer != nil {
			entry.unloadTimer.Stop()
			entry.unloadTimer = nil
		}
	}
	self.entries = map[string]*registryEntry{}
	self.mutex.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.loaded:
			if entry.document != nil {
				entry.document.persistNow()
				entry.document.unload()
			}
		default:
		}
	}
}
