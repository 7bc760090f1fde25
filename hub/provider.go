package hub

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ProviderSettings struct {
	// cadence of the client initiated resync that keeps the pipeline warm
	// and recovers from silent gaps. zero or negative disables it
	ForceSyncInterval time.Duration
}

func DefaultProviderSettings() *ProviderSettings {
	return &ProviderSettings{
		ForceSyncInterval: 15 * time.Second,
	}
}

// fixed typed listener slots. there are no dynamic event names
type ProviderListeners struct {
	OnOpen       func()
	OnClose      func()
	OnStatus     func(status TransportStatus)
	OnAuthDenied func(reason string)
	OnSyncBatch  func(updateCount int)
}

type ProviderOptions struct {
	// ephemeral presence store. optional
	Ephemeral EphemeralStore
	// admission token value or producer. optional
	Token     TokenSource
	Listeners ProviderListeners
	Settings  *ProviderSettings
}

// the client side of one document over a shared websocket. subscribes to
// local replica updates, multiplexes outbound frames, applies inbound
// updates, and keeps liveness with a periodic force sync
type Provider struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentName string
	replica      Replica
	transport    providerTransport
	ephemeral    EphemeralStore
	token        TokenSource
	listeners    ProviderListeners
	settings     *ProviderSettings

	mutex           sync.Mutex
	attached        bool
	unsubTransport  func()
	unsubReplica    func()
	unsubEphemeral  func()
	forceSyncCancel context.CancelFunc
}

func NewProviderWithDefaults(
	ctx context.Context,
	transport *SharedTransport,
	documentName string,
	replica Replica,
) *Provider {
	return NewProvider(ctx, transport, documentName, replica, &ProviderOptions{})
}

func NewProvider(
	ctx context.Context,
	transport *SharedTransport,
	documentName string,
	replica Replica,
	options *ProviderOptions,
) *Provider {
	return newProvider(ctx, transport, documentName, replica, options)
}

func newProvider(
	ctx context.Context,
	transport providerTransport,
	documentName string,
	replica Replica,
	options *ProviderOptions,
) *Provider {
	settings := options.Settings
	if settings == nil {
		settings = DefaultProviderSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	provider := &Provider{
		ctx:          cancelCtx,
		cancel:       cancel,
		documentName: documentName,
		replica:      replica,
		transport:    transport,
		ephemeral:    options.Ephemeral,
		token:        options.Token,
		listeners:    options.Listeners,
		settings:     settings,
	}
	provider.Attach()
	return provider
}

func (self *Provider) DocumentName() string {
	return self.documentName
}

func (self *Provider) IsAttached() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.attached
}

// wires the transport registration and the local update subscriptions.
// idempotent
func (self *Provider) Attach() {
	self.mutex.Lock()
	if self.attached {
		self.mutex.Unlock()
		return
	}
	self.attached = true
	self.unsubTransport = self.transport.register(self)
	self.unsubReplica = self.replica.SubscribeLocalUpdates(self.handleLocalUpdate)
	if self.ephemeral != nil {
		self.unsubEphemeral = self.ephemeral.SubscribeLocalUpdates(self.handleLocalEphemeral)
	}
	var forceSyncCtx context.Context
	if 0 < self.settings.ForceSyncInterval {
		forceSyncCtx, self.forceSyncCancel = context.WithCancel(self.ctx)
	}
	self.mutex.Unlock()

	if forceSyncCtx != nil {
		go self.forceSyncLoop(forceSyncCtx)
	}
	glog.V(1).Infof("[provider]attach %s\n", self.documentName)
}

// unwires everything wired by attach. each unsubscribe runs exactly once
// and never panics outward. idempotent
func (self *Provider) Detach() {
	self.mutex.Lock()
	if !self.attached {
		self.mutex.Unlock()
		return
	}
	self.attached = false
	unsubTransport := self.unsubTransport
	unsubReplica := self.unsubReplica
	unsubEphemeral := self.unsubEphemeral
	forceSyncCancel := self.forceSyncCancel
	self.unsubTransport = nil
	self.unsubReplica = nil
	self.unsubEphemeral = nil
	self.forceSyncCancel = nil
	self.mutex.Unlock()

	if forceSyncCancel != nil {
		forceSyncCancel()
	}
	safeUnsub(unsubReplica)
	safeUnsub(unsubEphemeral)
	safeUnsub(unsubTransport)
	glog.V(1).Infof("[provider]detach %s\n", self.documentName)
}

func (self *Provider) Destroy() {
	self.Detach()
	self.cancel()
}

// reissues the initial sync request now
func (self *Provider) ForceSync() {
	self.sendSyncRequest()
}

func (self *Provider) forceSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(self.settings.ForceSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if self.IsAttached() {
				self.sendSyncRequest()
			}
		}
	}
}

// called by the transport when the socket opens: auth, then initial sync.
// the token producer may block, so this runs off the transport's loop
func (self *Provider) handleOpen() {
	go HandleError(func() {
		if self.token != nil {
			token, err := self.token.Token(self.ctx)
			if err != nil {
				// no token available. proceed and let server policy decide
				glog.Infof("[provider]%s token producer = %s\n", self.documentName, err)
			} else {
				self.sendMessage(&AuthMessage{Token: token})
			}
		}
		self.sendSyncRequest()
		self.fire(self.listeners.OnOpen)
	})
}

func (self *Provider) handleClose() {
	self.fire(self.listeners.OnClose)
}

func (self *Provider) handleStatus(status TransportStatus) {
	if callback := self.listeners.OnStatus; callback != nil {
		HandleError(func() {
			callback(status)
		})
	}
}

func (self *Provider) handleServerMessage(message Message) {
	switch v := message.(type) {
	case *UpdateMessage:
		if err := self.replica.Import(v.Update); err != nil {
			glog.Infof("[provider]%s import = %s\n", self.documentName, err)
		}
	case *SyncBatchMessage:
		for _, update := range v.Updates {
			if err := self.replica.Import(update); err != nil {
				glog.Infof("[provider]%s import batch update = %s\n", self.documentName, err)
			}
		}
		glog.V(2).Infof("[provider]%s sync batch n=%d\n", self.documentName, len(v.Updates))
		if callback := self.listeners.OnSyncBatch; callback != nil {
			n := len(v.Updates)
			HandleError(func() {
				callback(n)
			})
		}
	case *AuthReply:
		if v.Code == AuthPermissionDenied {
			glog.Infof("[provider]%s auth denied = %s\n", self.documentName, v.Reason)
			if callback := self.listeners.OnAuthDenied; callback != nil {
				reason := v.Reason
				HandleError(func() {
					callback(reason)
				})
			}
		}
	case *EphemeralMessage:
		if self.ephemeral != nil {
			if err := self.ephemeral.Apply(v.Delta); err != nil {
				glog.Infof("[provider]%s ephemeral apply = %s\n", self.documentName, err)
			}
		}
	}
}

func (self *Provider) handleLocalUpdate(update []byte) {
	self.sendMessage(&UpdateMessage{Update: update})
}

func (self *Provider) handleLocalEphemeral(delta []byte) {
	self.sendMessage(&EphemeralMessage{Delta: delta})
}

func (self *Provider) sendSyncRequest() {
	versionJson := ""
	if vv := self.replica.Version(); 0 < len(vv) {
		versionJson = vv.Json()
	}
	self.sendMessage(&SyncRequestMessage{VersionJson: versionJson})
}

// send silently no-ops while detached
func (self *Provider) sendMessage(message Message) bool {
	if !self.IsAttached() {
		return false
	}
	frame, err := EncodeMessage(self.documentName, message)
	if err != nil {
		glog.Errorf("[provider]%s encode %s = %s\n", self.documentName, message.MessageType(), err)
		return false
	}
	return self.transport.send(frame)
}

func (self *Provider) fire(callback func()) {
	if callback != nil {
		HandleError(callback)
	}
}
