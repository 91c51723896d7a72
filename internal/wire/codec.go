package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize is the largest payload a frame may carry, per spec §4.1.
const MaxFrameSize = 1 << 20 // 1 MiB

// LengthPrefixSize is the width of the little-endian length prefix.
const LengthPrefixSize = 4

// ErrOversizeFrame is returned when a frame's declared length exceeds
// MaxFrameSize. The caller MUST treat this as fatal to the connection:
// the declared length is trusted for sizing a receive buffer, so an
// oversized claim is refused before any payload bytes are read.
var ErrOversizeFrame = errors.New("wire: frame exceeds maximum size")

// ErrNeedMore indicates a caller-level accumulation error: fewer bytes
// were supplied than the frame requires. Streaming callers (Conn) never
// see this because they read with io.ReadFull; it exists for callers
// that decode from an in-memory buffer incrementally.
var ErrNeedMore = errors.New("wire: need more bytes")

// ErrMalformedRecord wraps a decode failure on a correctly-sized
// payload. It is never fatal to the connection: the length prefix was
// honored exactly, so the stream is still byte-aligned on the next
// frame. Callers log and continue reading rather than disconnecting.
var ErrMalformedRecord = errors.New("wire: malformed record payload")

var encMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return m
}()

var decMode = func() cbor.DecMode {
	m, err := cbor.DecOptions{
		// Extra/unknown map keys are ignored by default, which is the
		// forward-compatibility rule the protocol depends on.
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// Encode serializes r into a length-prefixed frame.
func Encode(r *Record) ([]byte, error) {
	body, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("wire: encode record: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrOversizeFrame
	}
	out := make([]byte, LengthPrefixSize+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[LengthPrefixSize:], body)
	return out, nil
}

// EncodeHeartbeat returns the 4-byte zero-length frame.
func EncodeHeartbeat() []byte {
	return []byte{0, 0, 0, 0}
}

// DecodeLength reads the 4-byte little-endian length prefix.
func DecodeLength(prefix []byte) (uint32, error) {
	if len(prefix) < LengthPrefixSize {
		return 0, ErrNeedMore
	}
	return binary.LittleEndian.Uint32(prefix[:LengthPrefixSize]), nil
}

// DecodeRecord parses exactly len(body) bytes as a Record. An empty body
// is never passed here by Conn — a zero-length frame is handled upstream
// as a heartbeat — but DecodeRecord treats it as a decode error rather
// than special-casing it, so standalone callers (tests, replay tooling)
// get consistent behavior.
func DecodeRecord(body []byte) (*Record, error) {
	var r Record
	if err := decMode.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return &r, nil
}

// ReadFrame reads exactly one frame from r: the 4-byte length prefix
// followed by that many payload bytes. It returns (nil, nil) for a
// heartbeat (zero-length frame), (record, nil) for a decoded record, or
// a non-nil error. ErrOversizeFrame is fatal to the caller's connection;
// any other non-nil, non-io.EOF error from DecodeRecord is a Protocol
// error that the caller should log and then keep reading (the stream
// position is correctly synced because exactly N bytes were consumed).
func ReadFrame(r io.Reader) (*Record, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n == 0 {
		return nil, nil
	}
	if n > MaxFrameSize {
		return nil, ErrOversizeFrame
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return DecodeRecord(body)
}

// WriteFrame writes r's encoding (or a heartbeat frame if r is nil) to w.
func WriteFrame(w io.Writer, r *Record) error {
	var frame []byte
	if r == nil {
		frame = EncodeHeartbeat()
	} else {
		var err error
		frame, err = Encode(r)
		if err != nil {
			return err
		}
	}
	_, err := w.Write(frame)
	return err
}
