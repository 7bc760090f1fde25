package hub

import (
	"context"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type RelaySettings struct {
	ConnectionSettings *ConnectionSettings
	DocumentSettings   *DocumentSettings
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		ConnectionSettings: DefaultConnectionSettings(),
		DocumentSettings:   DefaultDocumentSettings(),
	}
}

// the server. accepts websocket peers, runs the per document sync engine,
// and fans updates out with origin elision
type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry      *Registry
	authenticator Authenticator
	settings      *RelaySettings

	updateCallbacks *CallbackList[UpdateFunction]

	upgrader websocket.Upgrader
}

func NewRelayWithDefaults(
	ctx context.Context,
	store DocumentStore,
	newReplica ReplicaFactory,
	authenticator Authenticator,
) *Relay {
	return NewRelay(ctx, store, newReplica, authenticator, DefaultRelaySettings())
}

func NewRelay(
	ctx context.Context,
	store DocumentStore,
	newReplica ReplicaFactory,
	authenticator Authenticator,
	settings *RelaySettings,
) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	updateCallbacks := NewCallbackList[UpdateFunction]()
	relay := &Relay{
		ctx:             cancelCtx,
		cancel:          cancel,
		registry:        NewRegistry(cancelCtx, store, newReplica, updateCallbacks, settings.DocumentSettings),
		authenticator:   authenticator,
		settings:        settings,
		updateCallbacks: updateCallbacks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	return relay
}

func (self *Relay) Registry() *Registry {
	return self.registry
}

// wires a presence store factory into every subsequently loaded document.
// call before serving
func (self *Relay) SetEphemeralFanout(fanout func(ctx context.Context, documentName string) EphemeralStore) {
	self.registry.ephemeralFanout = fanout
}

// observer for every accepted update, after apply and fanout
func (self *Relay) AddUpdateCallback(callback UpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(callback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade = %s\n", err)
		return
	}
	conn := newConnection(self.ctx, ws, self, self.settings.ConnectionSettings)
	glog.V(1).Infof("[relay]accept %s\n", conn.Id())
	go conn.run()
}

// a server introduced update, e.g. from an admin import. the origin is nil
// and the update fans out to every attached connection
func (self *Relay) InjectUpdate(ctx context.Context, documentName string, update []byte) error {
	document, err := self.registry.Acquire(ctx, documentName)
	if err != nil {
		return err
	}
	defer self.registry.Release(documentName)

	document.HandleClientUpdate(update, nil)
	return nil
}

func (self *Relay) Close() {
	self.registry.Close()
	self.cancel()
}
