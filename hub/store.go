package hub

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"
)

// persistence is reached only through this hook interface.
// Load returns nil for a document that has never been stored.
// Store appends one update blob to the document's log
type DocumentStore interface {
	Load(ctx context.Context, documentName string) (*LoadResult, error)
	Store(ctx context.Context, documentName string, update []byte) error
}

// either a single snapshot blob, a sequence of update blobs, or both.
// a snapshot is imported first, then the updates in order
type LoadResult struct {
	Snapshot []byte
	Updates  [][]byte
}

// optional lifecycle notifications around document eviction
type StoreLifecycle interface {
	BeforeUnloadDocument(documentName string)
	AfterUnloadDocument(documentName string)
}

// optional log compaction. replaces the stored log with the given export,
// which is the replica's full history at unload time
type StoreCompactor interface {
	Compact(ctx context.Context, documentName string, updates [][]byte) error
}

// in process store for tests and single node runs
type MemoryStore struct {
	mutex     sync.Mutex
	snapshots map[string][]byte
	updates   map[string][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: map[string][]byte{},
		updates:   map[string][][]byte{},
	}
}

func (self *MemoryStore) Load(ctx context.Context, documentName string) (*LoadResult, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	snapshot, hasSnapshot := self.snapshots[documentName]
	updates, hasUpdates := self.updates[documentName]
	if !hasSnapshot && !hasUpdates {
		return nil, nil
	}
	out := make([][]byte, len(updates))
	copy(out, updates)
	return &LoadResult{
		Snapshot: snapshot,
		Updates:  out,
	}, nil
}

func (self *MemoryStore) Store(ctx context.Context, documentName string, update []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.updates[documentName] = append(self.updates[documentName], update)
	return nil
}

func (self *MemoryStore) Compact(ctx context.Context, documentName string, updates [][]byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.snapshots, documentName)
	if len(updates) == 1 {
		self.snapshots[documentName] = updates[0]
		delete(self.updates, documentName)
	} else {
		next := make([][]byte, len(updates))
		copy(next, updates)
		self.updates[documentName] = next
	}
	return nil
}

func (self *MemoryStore) DocumentNames() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	names := map[string]bool{}
	for name := range self.snapshots {
		names[name] = true
	}
	for name := range self.updates {
		names[name] = true
	}
	return maps.Keys(names)
}

func (self *MemoryStore) UpdateCount(documentName string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.updates[documentName])
}
