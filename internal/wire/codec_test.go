package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Record{
		{MsgType: MsgTypeLOGON, MsgKey: 1, OrigClientType: 1, OrigClientID: 100},
		{
			MsgType:        MsgTypeCUSTOM,
			MsgKey:         7,
			AckKeys:        []uint32{1, 2, 3},
			OrigClientType: 2,
			OrigClientID:   200,
			DestClientType: 1,
			DestClientID:   100,
			Topic:          5,
			IsArchived:     true,
			Payload:        []byte("hello"),
		},
		{MsgType: MsgTypeACK, MsgKey: 9, ReplyMsgKey: 42},
	}

	for _, want := range cases {
		frame, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := ReadFrame(bytes.NewReader(frame))
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if got.MsgType != want.MsgType || got.MsgKey != want.MsgKey ||
			got.ReplyMsgKey != want.ReplyMsgKey || got.Topic != want.Topic ||
			got.DestClientType != want.DestClientType || got.DestClientID != want.DestClientID ||
			got.OrigClientType != want.OrigClientType || got.OrigClientID != want.OrigClientID ||
			got.IsArchived != want.IsArchived || !bytes.Equal(got.Payload, want.Payload) ||
			len(got.AckKeys) != len(want.AckKeys) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	frame := EncodeHeartbeat()
	if len(frame) != 4 {
		t.Fatalf("heartbeat frame length = %d, want 4", len(frame))
	}
	rec, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame(heartbeat): %v", err)
	}
	if rec != nil {
		t.Fatalf("ReadFrame(heartbeat) = %+v, want nil", rec)
	}
}

func TestReadFrameOversize(t *testing.T) {
	var prefix [4]byte
	prefix[0] = 0xff
	prefix[1] = 0xff
	prefix[2] = 0xff
	prefix[3] = 0x7f // huge length, well above MaxFrameSize
	_, err := ReadFrame(bytes.NewReader(prefix[:]))
	if err != ErrOversizeFrame {
		t.Fatalf("err = %v, want ErrOversizeFrame", err)
	}
}

func TestReadFrameDecodeErrorResyncs(t *testing.T) {
	// A correctly-sized but garbage payload must not return io.EOF-like
	// confusion, and the reader must be positioned exactly at the next
	// frame afterward.
	bad := make([]byte, 4+3)
	bad[0] = 3
	bad[4], bad[5], bad[6] = 0xff, 0xff, 0xff // not valid CBOR

	good, err := Encode(&Record{MsgType: MsgTypeACK, MsgKey: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	r := bytes.NewReader(append(bad, good...))
	if _, err := ReadFrame(r); err == nil {
		t.Fatal("expected decode error on garbage payload")
	}
	rec, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame after bad frame: %v", err)
	}
	if rec.MsgKey != 1 {
		t.Fatalf("resynced record = %+v, want MsgKey=1", rec)
	}
}
