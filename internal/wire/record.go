// Package wire defines the on-the-wire record carried by every broker
// frame and the length-prefixed framing around it.
package wire

// MsgType identifies the kind of a Record, as enumerated in the protocol
// spec. Values are stable across versions; unknown values decode fine
// (the field is a plain uint) but are rejected by Session.OnRecord.
type MsgType uint8

const (
	MsgTypeUnknown MsgType = iota
	MsgTypeACK
	MsgTypeNACK
	MsgTypeLOGON
	MsgTypeLOGOFF
	MsgTypeSUBSCRIBE
	MsgTypeUNSUBSCRIBE
	MsgTypeCUSTOM
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeACK:
		return "ACK"
	case MsgTypeNACK:
		return "NACK"
	case MsgTypeLOGON:
		return "LOGON"
	case MsgTypeLOGOFF:
		return "LOGOFF"
	case MsgTypeSUBSCRIBE:
		return "SUBSCRIBE"
	case MsgTypeUNSUBSCRIBE:
		return "UNSUBSCRIBE"
	case MsgTypeCUSTOM:
		return "CUSTOM"
	default:
		return "UNKNOWN"
	}
}

// Record is the decoded application message carried inside one frame.
// Field numbers in the `cbor` tags are the wire keys (see SPEC_FULL.md
// §3) — keeping them small integers instead of field names is what keeps
// the CBOR encoding compact. Unknown keys present on the wire are
// silently ignored by the decoder, which is the forward-compatibility
// rule the framing spec requires.
type Record struct {
	MsgType         MsgType  `cbor:"1,keyasint"`
	MsgKey          uint32   `cbor:"2,keyasint"`
	ReplyMsgKey     uint32   `cbor:"3,keyasint,omitempty"`
	AckKeys         []uint32 `cbor:"4,keyasint,omitempty"`
	OrigClientType  int32    `cbor:"5,keyasint,omitempty"`
	OrigClientID    int32    `cbor:"6,keyasint,omitempty"`
	DestClientType  int32    `cbor:"7,keyasint,omitempty"`
	DestClientID    int32    `cbor:"8,keyasint,omitempty"`
	Topic           int32    `cbor:"9,keyasint,omitempty"`
	IsArchived      bool     `cbor:"10,keyasint,omitempty"`
	Payload         []byte   `cbor:"11,keyasint,omitempty"`
}

// Clone returns a shallow copy safe to mutate (origin fields, mainly)
// without affecting the original — broadcast fan-out mutates origin
// fields per subscriber-independent rules but must not race the
// publisher's own use of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.AckKeys != nil {
		c.AckKeys = append([]uint32(nil), r.AckKeys...)
	}
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	return &c
}
