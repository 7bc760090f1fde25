package hub

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type TransportStatus int

const (
	TransportConnecting TransportStatus = iota
	TransportOpen
	TransportClosed
)

func (self TransportStatus) String() string {
	switch self {
	case TransportConnecting:
		return "connecting"
	case TransportOpen:
		return "open"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type SharedTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultSharedTransportSettings() *SharedTransportSettings {
	return &SharedTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     256,
	}
}

// what a provider needs from its transport. the shared websocket transport
// is the production implementation; tests substitute an in memory one
type providerTransport interface {
	register(provider *Provider) (unsub func())
	send(frame []byte) bool
	isOpen() bool
}

// one websocket shared by any number of providers, demultiplexed by
// document name. the caller creates it and passes it to each provider; a
// provider never creates a transport. it is destroyed when its reference
// count hits zero
type SharedTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	dialer   *websocket.Dialer
	settings *SharedTransportSettings

	sendQueue chan []byte

	mutex     sync.Mutex
	providers map[string]*Provider
	refCount  int
	open      bool
}

func NewSharedTransportWithDefaults(ctx context.Context, url string) *SharedTransport {
	return NewSharedTransport(ctx, url, DefaultSharedTransportSettings())
}

func NewSharedTransport(ctx context.Context, url string, settings *SharedTransportSettings) *SharedTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &SharedTransport{
		ctx:    cancelCtx,
		cancel: cancel,
		url:    url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
		settings:  settings,
		sendQueue: make(chan []byte, settings.SendBufferSize),
		providers: map[string]*Provider{},
	}
	go transport.run()
	return transport
}

func (self *SharedTransport) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.notifyStatus(TransportConnecting)
		ws, _, err := self.dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[ct]dial %s = %s\n", self.url, err)
			select {
			case <-self.ctx.Done():
				return
			case <-NewReconnect(self.settings.ReconnectTimeout).After():
				continue
			}
		}

		self.runConn(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-NewReconnect(self.settings.ReconnectTimeout).After():
		}
	}
}

func (self *SharedTransport) runConn(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	self.mutex.Lock()
	self.open = true
	providers := self.providerSnapshot()
	self.mutex.Unlock()

	for _, provider := range providers {
		provider.handleStatus(TransportOpen)
		provider.handleOpen()
	}
	defer func() {
		self.mutex.Lock()
		self.open = false
		closedProviders := self.providerSnapshot()
		self.mutex.Unlock()
		for _, provider := range closedProviders {
			provider.handleStatus(TransportClosed)
			provider.handleClose()
		}
	}()

	// writer
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-self.sendQueue:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					glog.V(1).Infof("[ct]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ct]-> %d bytes\n", len(frame))
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	// reader
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ct]<- error = %s\n", err)
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if len(frame) == 0 {
				// ping
				continue
			}
			self.dispatch(frame)
		default:
			glog.V(2).Infof("[ct]other=%d<-\n", messageType)
		}
	}
}

func (self *SharedTransport) dispatch(frame []byte) {
	documentName, message, err := DecodeServerMessage(frame)
	if err != nil {
		glog.Infof("[ct]bad frame = %s\n", err)
		return
	}

	self.mutex.Lock()
	provider := self.providers[documentName]
	self.mutex.Unlock()

	if provider == nil {
		glog.V(1).Infof("[ct]drop frame for %s (no provider)\n", documentName)
		return
	}
	provider.handleServerMessage(message)
}

// must hold mutex
func (self *SharedTransport) providerSnapshot() []*Provider {
	providers := make([]*Provider, 0, len(self.providers))
	for _, provider := range self.providers {
		providers = append(providers, provider)
	}
	return providers
}

// providerTransport

func (self *SharedTransport) register(provider *Provider) func() {
	self.mutex.Lock()
	self.providers[provider.documentName] = provider
	self.refCount += 1
	open := self.open
	self.mutex.Unlock()

	if open {
		go provider.handleOpen()
	}

	return func() {
		self.mutex.Lock()
		if self.providers[provider.documentName] == provider {
			delete(self.providers, provider.documentName)
		}
		self.refCount -= 1
		last := self.refCount <= 0
		self.mutex.Unlock()

		if last {
			self.cancel()
		}
	}
}

func (self *SharedTransport) send(frame []byte) bool {
	select {
	case self.sendQueue <- frame:
		return true
	default:
		glog.Infof("[ct]send buffer full, dropping %d bytes\n", len(frame))
		return false
	}
}

func (self *SharedTransport) isOpen() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.open
}

func (self *SharedTransport) notifyStatus(status TransportStatus) {
	self.mutex.Lock()
	providers := self.providerSnapshot()
	self.mutex.Unlock()

	for _, provider := range providers {
		provider.handleStatus(status)
	}
}

func (self *SharedTransport) Close() {
	self.cancel()
}
