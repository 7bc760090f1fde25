package hub

import (
	"encoding/json"

	"github.com/golang/glog"
)

// the hub is not a crdt. the engine is external and must satisfy this
// capability interface up front; a partial engine is a wiring error at
// construction, not a runtime branch

// mapping from peer id to the highest observed operation counter
type VersionVector map[string]uint64

// canonical json. string-keyed maps marshal with sorted keys
func (self VersionVector) Json() string {
	if len(self) == 0 {
		return "{}"
	}
	b, err := json.Marshal(self)
	if err != nil {
		// a map[string]uint64 cannot fail to marshal
		panic(err)
	}
	return string(b)
}

func (self VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(self))
	for peerId, counter := range self {
		out[peerId] = counter
	}
	return out
}

// pointwise comparison. true if every counter in `other` is covered by self
func (self VersionVector) Covers(other VersionVector) bool {
	for peerId, counter := range other {
		if self[peerId] < counter {
			return false
		}
	}
	return true
}

// a malformed or empty descriptor means the client has nothing.
// the connection is not failed on a bad descriptor
func ParseVersionVector(versionJson string) VersionVector {
	if versionJson == "" {
		return VersionVector{}
	}
	var vv VersionVector
	if err := json.Unmarshal([]byte(versionJson), &vv); err != nil {
		glog.V(1).Infof("[vv]unparsable descriptor, using empty = %s\n", err)
		return VersionVector{}
	}
	if vv == nil {
		return VersionVector{}
	}
	return vv
}

// server side replica of one document.
// Import applies one opaque incremental update.
// ExportFrom produces the updates present locally but absent from `from`;
// an engine with only a monolithic export returns a one element slice.
// SubscribeLocalUpdates fires for updates originated by the local replica;
// the returned unsubscribe is best effort and called exactly once.
type Replica interface {
	Import(update []byte) error
	ExportFrom(from VersionVector) ([][]byte, error)
	Version() VersionVector
	SubscribeLocalUpdates(callback func(update []byte)) (unsub func())
}

type ReplicaFactory func() Replica
