// Package wire defines InfoMesh's on-the-wire message types, stream
// protocol identifiers, and the size limits enforced on every decoded
// message, per spec §6.
package wire

import "fmt"

// MessageType is the stable numeric id carried in every frame's envelope.
type MessageType uint8

const (
	MsgPing MessageType = 0
	MsgPong MessageType = 1

	MsgSearchRequest  MessageType = 10
	MsgSearchResponse MessageType = 11

	MsgIndexPublish MessageType = 20
	MsgIndexAck     MessageType = 21
	MsgIndexQuery   MessageType = 22
	MsgIndexQueryResponse MessageType = 23

	MsgCrawlAssign    MessageType = 30
	MsgCrawlLock      MessageType = 31
	MsgCrawlUnlock    MessageType = 32
	MsgCrawlAssignAck MessageType = 33
	MsgCrawlLockAck   MessageType = 34

	MsgReplicateRequest  MessageType = 40
	MsgReplicateResponse MessageType = 41

	MsgAttestationPublish MessageType = 50
	MsgAttestationAck     MessageType = 51

	MsgKeyRevocation    MessageType = 60
	MsgKeyRevocationAck MessageType = 61

	MsgCreditProofRequest  MessageType = 70
	MsgCreditProofResponse MessageType = 71
	MsgCreditSyncAnnounce  MessageType = 72
	MsgCreditSyncExchange  MessageType = 73

	MsgIndexSubmit    MessageType = 80
	MsgIndexSubmitAck MessageType = 81

	MsgPexRequest  MessageType = 90
	MsgPexResponse MessageType = 91

	MsgError          MessageType = 99
	MsgSignedEnvelope MessageType = 100
)

// Stream protocol identifiers (libp2p protocol.ID strings), per spec §6.
const (
	ProtocolSearch      = "/infomesh/search/1.0.0"
	ProtocolIndex       = "/infomesh/index/1.0.0"
	ProtocolCrawl       = "/infomesh/crawl/1.0.0"
	ProtocolReplicate   = "/infomesh/replicate/1.0.0"
	ProtocolPing        = "/infomesh/ping/1.0.0"
	ProtocolCredit      = "/infomesh/credit/1.0.0"
	ProtocolCreditSync  = "/infomesh/credit-sync/1.0.0"
	ProtocolIndexSubmit = "/infomesh/index-submit/1.0.0"
	ProtocolPex         = "/infomesh/pex/1.0.0"
)

// Decode limits enforced on every deserialized message (§6): once a payload
// is decoded, CheckLimits rejects it if any map or array exceeds these sizes.
const (
	MaxMapLen    = 1 << 16
	MaxArrayLen  = 1 << 16
	MaxStringLen = 1 << 20
	MaxBinaryLen = 1 << 20
)

// Envelope is the generic frame body: a numeric type tag plus an untyped
// payload map, matching the reference wire format {type: u8, payload: map}.
type Envelope struct {
	Type    MessageType    `msgpack:"type"`
	Payload map[string]any `msgpack:"payload"`
}

// ErrShapeMismatch is returned when a decoded payload doesn't have the
// fields a handler expects — a malformed or adversarial remote payload
// must never panic the decoder.
var ErrShapeMismatch = fmt.Errorf("wire: payload shape mismatch")

// CheckLimits walks a decoded map/array tree (as produced by msgpack's
// generic any decoding) and rejects it if any map, slice, or string/binary
// value exceeds the §6 caps. It is a defense-in-depth check layered on top
// of the pre-decode MaxWireMessageBytes cap in hashcodec.
func CheckLimits(v any) error {
	switch t := v.(type) {
	case map[string]any:
		if len(t) > MaxMapLen {
			return fmt.Errorf("%w: map has %d entries", ErrShapeMismatch, len(t))
		}
		for _, child := range t {
			if err := CheckLimits(child); err != nil {
				return err
			}
		}
	case []any:
		if len(t) > MaxArrayLen {
			return fmt.Errorf("%w: array has %d entries", ErrShapeMismatch, len(t))
		}
		for _, child := range t {
			if err := CheckLimits(child); err != nil {
				return err
			}
		}
	case string:
		if len(t) > MaxStringLen {
			return fmt.Errorf("%w: string has %d bytes", ErrShapeMismatch, len(t))
		}
	case []byte:
		if len(t) > MaxBinaryLen {
			return fmt.Errorf("%w: binary has %d bytes", ErrShapeMismatch, len(t))
		}
	}
	return nil
}
