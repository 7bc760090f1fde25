package hub

import (
	"fmt"
)

// every binary frame carries, in order:
// varstring(documentName) varuint(type) payload
// the payload layout per type is part of the wire contract and must consume
// the entire remainder of the frame

type MessageType uint64

const (
	MessageAuth MessageType = iota
	MessageUpdate
	MessageSyncRequest
	MessageSyncBatch
	MessageEphemeral
)

func (self MessageType) String() string {
	switch self {
	case MessageAuth:
		return "auth"
	case MessageUpdate:
		return "update"
	case MessageSyncRequest:
		return "sync request"
	case MessageSyncBatch:
		return "sync batch"
	case MessageEphemeral:
		return "ephemeral"
	default:
		return fmt.Sprintf("message(%d)", uint64(self))
	}
}

type AuthCode uint64

const (
	AuthPermissionDenied AuthCode = 0
	AuthAuthenticated    AuthCode = 1
)

const DefaultMaxDocumentNameLen = 1024

type Message interface {
	MessageType() MessageType
	encodePayload(encoder *Encoder)
}

// client to server. carries the admission token for the named document
type AuthMessage struct {
	Token string
}

func (self *AuthMessage) MessageType() MessageType {
	return MessageAuth
}

func (self *AuthMessage) encodePayload(encoder *Encoder) {
	encoder.WriteVarString(self.Token)
}

// server to client. the admission decision for the named document
type AuthReply struct {
	Code   AuthCode
	Reason string
}

func (self *AuthReply) MessageType() MessageType {
	return MessageAuth
}

func (self *AuthReply) encodePayload(encoder *Encoder) {
	encoder.WriteVarUint(uint64(self.Code))
	encoder.WriteVarString(self.Reason)
}

// one incremental crdt update, opaque to the hub
type UpdateMessage struct {
	Update []byte
}

func (self *UpdateMessage) MessageType() MessageType {
	return MessageUpdate
}

func (self *UpdateMessage) encodePayload(encoder *Encoder) {
	encoder.WriteVarBytes(self.Update)
}

// version vector descriptor as canonical json. empty string means none
type SyncRequestMessage struct {
	VersionJson string
}

func (self *SyncRequestMessage) MessageType() MessageType {
	return MessageSyncRequest
}

func (self *SyncRequestMessage) encodePayload(encoder *Encoder) {
	encoder.WriteVarString(self.VersionJson)
}

// server to client, only in response to a sync request
type SyncBatchMessage struct {
	Updates [][]byte
}

func (self *SyncBatchMessage) MessageType() MessageType {
	return MessageSyncBatch
}

func (self *SyncBatchMessage) encodePayload(encoder *Encoder) {
	encoder.WriteVarUint(uint64(len(self.Updates)))
	for _, update := range self.Updates {
		encoder.WriteVarBytes(update)
	}
}

// opaque ephemeral state delta. broadcast, never persisted
type EphemeralMessage struct {
	Delta []byte
}

func (self *EphemeralMessage) MessageType() MessageType {
	return MessageEphemeral
}

func (self *EphemeralMessage) encodePayload(encoder *Encoder) {
	encoder.WriteVarBytes(self.Delta)
}

func EncodeMessage(documentName string, message Message) ([]byte, error) {
	if err := validateDocumentName(documentName); err != nil {
		return nil, err
	}
	encoder := NewEncoder()
	encoder.WriteVarString(documentName)
	encoder.WriteVarUint(uint64(message.MessageType()))
	message.encodePayload(encoder)
	return encoder.Bytes(), nil
}

func validateDocumentName(documentName string) error {
	if len(documentName) == 0 {
		return fmt.Errorf("%w: empty document name", ErrProtocol)
	}
	if DefaultMaxDocumentNameLen < len(documentName) {
		return fmt.Errorf("%w: document name exceeds %d bytes", ErrProtocol, DefaultMaxDocumentNameLen)
	}
	return nil
}

// decodes a frame received by the server.
// the auth payload in this direction is the client token
func DecodeClientMessage(frame []byte) (string, Message, error) {
	return decodeMessage(frame, func(decoder *Decoder) (Message, error) {
		token, err := decoder.ReadVarString()
		if err != nil {
			return nil, err
		}
		return &AuthMessage{Token: token}, nil
	})
}

// decodes a frame received by the client.
// the auth payload in this direction is the server decision
func DecodeServerMessage(frame []byte) (string, Message, error) {
	return decodeMessage(frame, func(decoder *Decoder) (Message, error) {
		code, err := decoder.ReadVarUint()
		if err != nil {
			return nil, err
		}
		reason, err := decoder.ReadVarString()
		if err != nil {
			return nil, err
		}
		return &AuthReply{Code: AuthCode(code), Reason: reason}, nil
	})
}

func decodeMessage(frame []byte, decodeAuth func(*Decoder) (Message, error)) (string, Message, error) {
	decoder := NewDecoder(frame)
	documentName, err := decoder.ReadVarString()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrProtocol, err)
	}
	if err := validateDocumentName(documentName); err != nil {
		return "", nil, err
	}
	messageType, err := decoder.ReadVarUint()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrProtocol, err)
	}

	var message Message
	switch MessageType(messageType) {
	case MessageAuth:
		message, err = decodeAuth(decoder)
	case MessageUpdate:
		var update []byte
		update, err = decoder.ReadVarBytes()
		if err == nil {
			message = &UpdateMessage{Update: update}
		}
	case MessageSyncRequest:
		var versionJson string
		versionJson, err = decoder.ReadVarString()
		if err == nil {
			message = &SyncRequestMessage{VersionJson: versionJson}
		}
	case MessageSyncBatch:
		var n uint64
		n, err = decoder.ReadVarUint()
		if err == nil {
			if uint64(decoder.Remaining()) < n {
				// each update costs at least one length byte
				err = ErrLengthOutOfRange
			} else {
				updates := make([][]byte, 0, n)
				for i := uint64(0); i < n; i += 1 {
					var update []byte
					update, err = decoder.ReadVarBytes()
					if err != nil {
						break
					}
					updates = append(updates, update)
				}
				if err == nil {
					message = &SyncBatchMessage{Updates: updates}
				}
			}
		}
	case MessageEphemeral:
		var delta []byte
		delta, err = decoder.ReadVarBytes()
		if err == nil {
			message = &EphemeralMessage{Delta: delta}
		}
	default:
		return "", nil, fmt.Errorf("%w: unknown message type %d", ErrProtocol, messageType)
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s payload: %s", ErrProtocol, MessageType(messageType), err)
	}
	if 0 < decoder.Remaining() {
		return "", nil, fmt.Errorf("%w: %d trailing bytes after %s payload", ErrProtocol, decoder.Remaining(), MessageType(messageType))
	}
	return documentName, message, nil
}
