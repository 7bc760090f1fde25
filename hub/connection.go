package hub

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ConnectionSettings struct {
	// per connection backpressure. on overflow the connection is closed
	OutboundQueueLimit int
	// inbound frames larger than this are a protocol error
	MaxFrameSize ByteCount
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
	// grace period to flush the outbound queue on a normal closure
	DrainTimeout time.Duration
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		OutboundQueueLimit: 256,
		MaxFrameSize:       mib(8),
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingTimeout:        15 * time.Second,
		DrainTimeout:       5 * time.Second,
	}
}

type ConnectionState int

const (
	Connecting ConnectionState = iota
	Authenticating
	Active
	Closing
	Closed
)

// the socket side of one websocket peer. one reader and one writer task;
// frames for any number of documents are multiplexed by document name.
// admission is per document: the first auth or sync request frame for a new
// name triggers the auth check, and a denial kills only that attachment
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	ws       wsConn
	relay    *Relay
	settings *ConnectionSettings

	sendQueue chan []byte

	stateLock   sync.Mutex
	state       ConnectionState
	attachments map[string]*attachment
}

type attachment struct {
	document *Document
	denied   bool
}

// the subset of *websocket.Conn the connection drives.
// tests substitute an in memory pipe
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

func newConnection(ctx context.Context, ws wsConn, relay *Relay, settings *ConnectionSettings) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:         cancelCtx,
		cancel:      cancel,
		id:          NewId(),
		ws:          ws,
		relay:       relay,
		settings:    settings,
		sendQueue:   make(chan []byte, settings.OutboundQueueLimit),
		state:       Connecting,
		attachments: map[string]*attachment{},
	}
}

func (self *Connection) Id() Id {
	return self.id
}

func (self *Connection) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *Connection) run() {
	defer self.close(CloseNormal, "")

	self.stateLock.Lock()
	if self.state != Connecting {
		self.stateLock.Unlock()
		return
	}
	self.state = Active
	self.stateLock.Unlock()

	go self.writeLoop()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frame, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[conn]%s<- error = %s\n", self.id, err)
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if len(frame) == 0 {
				// ping
				glog.V(2).Infof("[conn]ping %s<-\n", self.id)
				continue
			}
			if !self.handleFrame(frame) {
				return
			}
		default:
			glog.V(2).Infof("[conn]other=%d %s<-\n", messageType, self.id)
		}
	}
}

func (self *Connection) writeLoop() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case frame := <-self.sendQueue:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				// a websocket write deadline cannot be recovered
				glog.V(1).Infof("[conn]%s-> error = %s\n", self.id, err)
				return
			}
			glog.V(2).Infof("[conn]%s-> %d bytes\n", self.id, len(frame))
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

// enqueue for transmission. never blocks and never calls back into a
// document; on overflow the connection schedules its own teardown
func (self *Connection) send(frame []byte) bool {
	self.stateLock.Lock()
	if self.state != Active && self.state != Connecting {
		self.stateLock.Unlock()
		return false
	}
	self.stateLock.Unlock()

	select {
	case self.sendQueue <- frame:
		return true
	default:
		glog.Infof("[conn]%s outbound queue overflow\n", self.id)
		go self.close(CloseSlowConsumer, "outbound queue overflow")
		return false
	}
}

// returns false when the connection must close
func (self *Connection) handleFrame(frame []byte) bool {
	if self.settings.MaxFrameSize < ByteCount(len(frame)) {
		glog.Infof("[conn]%s oversize frame %d\n", self.id, len(frame))
		self.close(CloseProtocolError, "oversize frame")
		return false
	}
	documentName, message, err := DecodeClientMessage(frame)
	if err != nil {
		glog.Infof("[conn]%s bad frame = %s\n", self.id, err)
		self.close(CloseProtocolError, err.Error())
		return false
	}

	switch v := message.(type) {
	case *AuthMessage:
		self.authenticate(documentName, v.Token)
	case *SyncRequestMessage:
		if att := self.ensureAttachment(documentName); att != nil {
			att.document.HandleSyncRequest(v.VersionJson, self)
		}
	case *UpdateMessage:
		if att := self.activeAttachment(documentName); att != nil {
			att.document.HandleClientUpdate(v.Update, self)
		}
	case *EphemeralMessage:
		if att := self.activeAttachment(documentName); att != nil {
			att.document.HandleEphemeral(v.Delta, self)
		}
	case *SyncBatchMessage:
		// server emitted only
		glog.Infof("[conn]%s client sent sync batch\n", self.id)
		self.close(CloseProtocolError, "sync batch is server emitted")
		return false
	}
	return true
}

// the attachment for frames that require admission. frames for a denied or
// never admitted document are dropped without failing the socket
func (self *Connection) activeAttachment(documentName string) *attachment {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	att := self.attachments[documentName]
	if att == nil || att.denied || att.document == nil {
		glog.V(1).Infof("[conn]%s drop frame for %s (not attached)\n", self.id, documentName)
		return nil
	}
	return att
}

// admission on first contact. a sync request before any auth frame runs the
// auth check with an empty token; server policy decides admission
func (self *Connection) ensureAttachment(documentName string) *attachment {
	self.stateLock.Lock()
	att := self.attachments[documentName]
	self.stateLock.Unlock()

	if att != nil {
		if att.denied {
			return nil
		}
		return att
	}
	return self.authenticate(documentName, "")
}

func (self *Connection) authenticate(documentName string, token string) *attachment {
	self.stateLock.Lock()
	if att := self.attachments[documentName]; att != nil {
		self.stateLock.Unlock()
		if att.denied {
			return nil
		}
		// already admitted. re-affirm the decision
		self.sendAuthReply(documentName, AuthAuthenticated, "")
		return att
	}
	self.stateLock.Unlock()

	decision := self.relay.authenticator.Authenticate(self.ctx, documentName, token)
	if !decision.Allow {
		glog.Infof("[conn]%s auth denied %s = %s\n", self.id, documentName, decision.Reason)
		self.stateLock.Lock()
		self.attachments[documentName] = &attachment{denied: true}
		self.stateLock.Unlock()
		self.sendAuthReply(documentName, AuthPermissionDenied, decision.Reason)
		return nil
	}

	document, err := self.relay.registry.Acquire(self.ctx, documentName)
	if err != nil {
		glog.Infof("[conn]%s load failure %s = %s\n", self.id, documentName, err)
		self.stateLock.Lock()
		self.attachments[documentName] = &attachment{denied: true}
		self.stateLock.Unlock()
		self.sendAuthReply(documentName, AuthPermissionDenied, CloseLoadFailure.String())
		return nil
	}

	self.stateLock.Lock()
	if self.state != Active && self.state != Connecting {
		self.stateLock.Unlock()
		self.relay.registry.Release(documentName)
		return nil
	}
	att := &attachment{document: document}
	self.attachments[documentName] = att
	self.stateLock.Unlock()

	document.Attach(self)
	self.sendAuthReply(documentName, AuthAuthenticated, decision.Scope)
	glog.V(1).Infof("[conn]%s attached %s\n", self.id, documentName)
	return att
}

func (self *Connection) sendAuthReply(documentName string, code AuthCode, reason string) {
	frame, err := EncodeMessage(documentName, &AuthReply{Code: code, Reason: reason})
	if err != nil {
		glog.Errorf("[conn]%s encode auth reply = %s\n", self.id, err)
		return
	}
	self.send(frame)
}

// idempotent. detaches every document, drains outbound for normal closures
// only, and tears the socket down
func (self *Connection) close(code CloseCode, reason string) {
	self.stateLock.Lock()
	if self.state == Closing || self.state == Closed {
		self.stateLock.Unlock()
		return
	}
	self.state = Closing
	attachments := self.attachments
	self.attachments = map[string]*attachment{}
	self.stateLock.Unlock()

	for documentName, att := range attachments {
		if att.document != nil {
			att.document.Detach(self)
			self.relay.registry.Release(documentName)
		}
	}

	// stop the writer task before draining so the two do not interleave
	self.cancel()
	if code == CloseNormal {
		self.drainOutbound()
	}

	deadline := time.Now().Add(self.settings.WriteTimeout)
	closeMessage := websocket.FormatCloseMessage(int(code), reason)
	if err := self.ws.WriteControl(websocket.CloseMessage, closeMessage, deadline); err != nil {
		glog.V(2).Infof("[conn]%s close control = %s\n", self.id, err)
	}
	self.ws.Close()

	self.stateLock.Lock()
	self.state = Closed
	self.stateLock.Unlock()
	glog.V(1).Infof("[conn]close %s %s %s\n", self.id, code, reason)
}

func (self *Connection) drainOutbound() {
	deadline := time.Now().Add(self.settings.DrainTimeout)
	for {
		select {
		case frame, ok := <-self.sendQueue:
			if !ok {
				return
			}
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		default:
			return
		}
		if deadline.Before(time.Now()) {
			return
		}
	}
}

// document names this connection is attached to
func (self *Connection) AttachedDocuments() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	names := []string{}
	for documentName, att := range self.attachments {
		if !att.denied && att.document != nil {
			names = append(names, documentName)
		}
	}
	return names
}
