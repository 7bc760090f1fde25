package hub

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Logging convention in the `hub` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - auth denials, backpressure closes, persist retries
//     - abnormal exits
// Error:
//     unrecoverable crash details
// V(1):
//     document and connection lifecycle - load, unload, attach, detach
// V(2):
//     per-frame traffic. Frequent events - send, broadcast, sync - should be
//     filtered by document name or connection id

// close codes carried on the websocket close frame.
// the 4000-4999 block is reserved for application close codes.
type CloseCode int

const (
	CloseNormal         CloseCode = 1000
	CloseProtocolError  CloseCode = 4400
	CloseAuthDenied     CloseCode = 4401
	CloseLoadFailure    CloseCode = 4404
	CloseSlowConsumer   CloseCode = 4408
	CloseStorageFailure CloseCode = 4500
)

func (self CloseCode) String() string {
	switch self {
	case CloseNormal:
		return "normal"
	case CloseProtocolError:
		return "protocol error"
	case CloseAuthDenied:
		return "auth denied"
	case CloseLoadFailure:
		return "load failure"
	case CloseSlowConsumer:
		return "slow consumer"
	case CloseStorageFailure:
		return "storage failure"
	default:
		return fmt.Sprintf("close(%d)", int(self))
	}
}

var ErrProtocol = errors.New("protocol error")

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

func ParseId(idStr string) (Id, error) {
	switch len(idStr) {
	case 36:
		idStr = idStr[0:8] + idStr[9:13] + idStr[14:18] + idStr[19:23] + idStr[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		return Id{}, fmt.Errorf("cannot parse id %v", idStr)
	}
	buf, err := hex.DecodeString(idStr)
	if err != nil {
		return Id{}, err
	}
	var id Id
	copy(id[:], buf)
	return id, nil
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}
