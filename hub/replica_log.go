package hub

import (
	"sync"
)

const logReplicaPeer = "log"

// a relay only replica. updates are kept opaque in arrival order and the
// version vector is the single `log` peer counting them. deployments that
// need real convergence semantics bind their crdt engine instead; this
// binding is enough to relay, batch initial sync, and persist
type LogReplica struct {
	mutex          sync.Mutex
	updates        [][]byte
	localCallbacks *CallbackList[func(update []byte)]
}

func NewLogReplica() Replica {
	return &LogReplica{
		updates:        [][]byte{},
		localCallbacks: NewCallbackList[func(update []byte)](),
	}
}

func (self *LogReplica) Import(update []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.updates = append(self.updates, update)
	return nil
}

func (self *LogReplica) ExportFrom(from VersionVector) ([][]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	start := int(from[logReplicaPeer])
	if len(self.updates) < start {
		start = len(self.updates)
	}
	out := make([][]byte, len(self.updates)-start)
	copy(out, self.updates[start:])
	return out, nil
}

func (self *LogReplica) Version() VersionVector {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.updates) == 0 {
		return VersionVector{}
	}
	return VersionVector{
		logReplicaPeer: uint64(len(self.updates)),
	}
}

// a local write api for clients using the log replica directly
func (self *LogReplica) Commit(update []byte) {
	self.mutex.Lock()
	self.updates = append(self.updates, update)
	self.mutex.Unlock()

	for _, callback := range self.localCallbacks.Get() {
		c := callback
		HandleError(func() {
			c(update)
		})
	}
}

func (self *LogReplica) SubscribeLocalUpdates(callback func(update []byte)) func() {
	callbackId := self.localCallbacks.Add(callback)
	return func() {
		self.localCallbacks.Remove(callbackId)
	}
}

func (self *LogReplica) Updates() [][]byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([][]byte, len(self.updates))
	copy(out, self.updates)
	return out
}
