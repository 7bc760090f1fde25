package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// non persisted, last writer wins keyed state with ttl eviction. the hub
// relays deltas without interpreting them; stores that do interpret them
// (MemoryEphemeralStore and RedisEphemeralStore) share the delta layout
// of encodeEphemeralDelta
type EphemeralStore interface {
	// applies a delta received from a peer
	Apply(delta []byte) error
	// fires for deltas originated locally, e.g. by Set
	SubscribeLocalUpdates(callback func(delta []byte)) (unsub func())
	// the full current state as one delta
	EncodeAll() ([]byte, error)
}

type ephemeralEntry struct {
	value []byte
	// last writer wins on the millisecond timestamp
	timestampMillis uint64
}

// delta := varuint(n) then n x (varstring(key) varuint(timestampMillis) varbytes(value))
// a zero length value removes the key
func encodeEphemeralDelta(entries map[string]ephemeralEntry) []byte {
	encoder := NewEncoder()
	encoder.WriteVarUint(uint64(len(entries)))
	keys := maps.Keys(entries)
	slices.Sort(keys)
	for _, key := range keys {
		entry := entries[key]
		encoder.WriteVarString(key)
		encoder.WriteVarUint(entry.timestampMillis)
		encoder.WriteVarBytes(entry.value)
	}
	return encoder.Bytes()
}

func decodeEphemeralDelta(delta []byte) (map[string]ephemeralEntry, error) {
	decoder := NewDecoder(delta)
	n, err := decoder.ReadVarUint()
	if err != nil {
		return nil, err
	}
	entries := make(map[string]ephemeralEntry, n)
	for i := uint64(0); i < n; i += 1 {
		key, err := decoder.ReadVarString()
		if err != nil {
			return nil, err
		}
		timestampMillis, err := decoder.ReadVarUint()
		if err != nil {
			return nil, err
		}
		value, err := decoder.ReadVarBytes()
		if err != nil {
			return nil, err
		}
		entries[key] = ephemeralEntry{
			value:           value,
			timestampMillis: timestampMillis,
		}
	}
	if 0 < decoder.Remaining() {
		return nil, fmt.Errorf("%d trailing bytes in ephemeral delta", decoder.Remaining())
	}
	return entries, nil
}

type MemoryEphemeralStoreSettings struct {
	Ttl           time.Duration
	SweepInterval time.Duration
}

func DefaultMemoryEphemeralStoreSettings() *MemoryEphemeralStoreSettings {
	return &MemoryEphemeralStoreSettings{
		Ttl:           30 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

// in process ephemeral store for tests and single node runs
type MemoryEphemeralStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MemoryEphemeralStoreSettings

	mutex     sync.Mutex
	entries   map[string]ephemeralEntry
	expiresAt map[string]time.Time

	localCallbacks *CallbackList[func(delta []byte)]
}

func NewMemoryEphemeralStoreWithDefaults(ctx context.Context) *MemoryEphemeralStore {
	return NewMemoryEphemeralStore(ctx, DefaultMemoryEphemeralStoreSettings())
}

func NewMemoryEphemeralStore(ctx context.Context, settings *MemoryEphemeralStoreSettings) *MemoryEphemeralStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &MemoryEphemeralStore{
		ctx:            cancelCtx,
		cancel:         cancel,
		settings:       settings,
		entries:        map[string]ephemeralEntry{},
		expiresAt:      map[string]time.Time{},
		localCallbacks: NewCallbackList[func(delta []byte)](),
	}
	go store.sweep()
	return store
}

func (self *MemoryEphemeralStore) sweep() {
	ticker := time.NewTicker(self.settings.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			self.mutex.Lock()
			for key, expires := range self.expiresAt {
				if expires.Before(now) {
					delete(self.entries, key)
					delete(self.expiresAt, key)
				}
			}
			self.mutex.Unlock()
		}
	}
}

// local write. fans out to local subscribers so an attached provider ships
// the delta to peers
func (self *MemoryEphemeralStore) Set(key string, value []byte) {
	entry := ephemeralEntry{
		value:           value,
		timestampMillis: uint64(time.Now().UnixMilli()),
	}
	self.mutex.Lock()
	self.applyEntry(key, entry)
	self.mutex.Unlock()

	delta := encodeEphemeralDelta(map[string]ephemeralEntry{key: entry})
	for _, callback := range self.localCallbacks.Get() {
		c := callback
		HandleError(func() {
			c(delta)
		})
	}
}

func (self *MemoryEphemeralStore) Delete(key string) {
	self.Set(key, nil)
}

func (self *MemoryEphemeralStore) Get(key string) ([]byte, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.entries[key]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

func (self *MemoryEphemeralStore) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.entries)
}

// must hold mutex
func (self *MemoryEphemeralStore) applyEntry(key string, entry ephemeralEntry) {
	existing, ok := self.entries[key]
	if ok && entry.timestampMillis < existing.timestampMillis {
		// stale writer
		return
	}
	if len(entry.value) == 0 {
		delete(self.entries, key)
		delete(self.expiresAt, key)
		return
	}
	self.entries[key] = entry
	self.expiresAt[key] = time.Now().Add(self.settings.Ttl)
}

// EphemeralStore

func (self *MemoryEphemeralStore) Apply(delta []byte) error {
	entries, err := decodeEphemeralDelta(delta)
	if err != nil {
		return err
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for key, entry := range entries {
		self.applyEntry(key, entry)
	}
	return nil
}

func (self *MemoryEphemeralStore) SubscribeLocalUpdates(callback func(delta []byte)) func() {
	callbackId := self.localCallbacks.Add(callback)
	return func() {
		self.localCallbacks.Remove(callbackId)
	}
}

func (self *MemoryEphemeralStore) EncodeAll() ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return encodeEphemeralDelta(self.entries), nil
}

func (self *MemoryEphemeralStore) Close() {
	self.cancel()
	glog.V(2).Infof("[ephemeral]close\n")
}
