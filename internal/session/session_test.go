package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/auth"
	"github.com/adred-codev/msgbroker/internal/conn"
	"github.com/adred-codev/msgbroker/internal/subscription"
	"github.com/adred-codev/msgbroker/internal/wire"
)

// fakeRegistry is a minimal in-memory Registry for exercising Session
// in isolation from the real sessionmgr package.
type fakeRegistry struct {
	mu       sync.Mutex
	byID     map[subscription.SessionID]*Session
	byIdent  map[[2]int32]*Session
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		byID:    map[subscription.SessionID]*Session{},
		byIdent: map[[2]int32]*Session{},
	}
}

func (r *fakeRegistry) register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID()] = s
}

func (r *fakeRegistry) Activate(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byIdent[[2]int32{s.ClientType(), s.ClientID()}] = s
}

func (r *fakeRegistry) FindByIdentity(clientType, clientID int32) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byIdent[[2]int32{clientType, clientID}]
	return s, ok
}

func (r *fakeRegistry) Deliver(id subscription.SessionID, rec *wire.Record) bool {
	r.mu.Lock()
	s, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return s.Send(rec)
}

// harness wires a Session to one end of a net.Pipe and gives the test
// the other end to read/write raw frames against.
type harness struct {
	sess *Session
	peer net.Conn
}

func newHarness(t *testing.T, reg *fakeRegistry, id subscription.SessionID, idx *subscription.Index) *harness {
	t.Helper()
	client, server := net.Pipe()
	sess := New(id, idx, reg, auth.NoAuth{}, zerolog.Nop())
	reg.register(sess)
	c := conn.New(server, conn.Config{Component: "session"}, sess, zerolog.Nop())
	sess.Attach(c)
	t.Cleanup(func() { sess.ShutDown(); client.Close() })
	return &harness{sess: sess, peer: client}
}

func readRecord(t *testing.T, c net.Conn, timeout time.Duration) *wire.Record {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(timeout))
	rec, err := wire.ReadFrame(c)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if rec == nil {
		// Heartbeats are disabled in these tests (Config.HeartbeatInterval
		// is zero), so a nil record here would be a bug, not an event to
		// skip past.
		t.Fatal("unexpected heartbeat frame")
	}
	return rec
}

func writeRecord(t *testing.T, c net.Conn, rec *wire.Record) {
	t.Helper()
	if err := wire.WriteFrame(c, rec); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func TestLogonReceivesAck(t *testing.T) {
	idx := subscription.New()
	reg := newFakeRegistry()
	h := newHarness(t, reg, 1, idx)

	writeRecord(t, h.peer, &wire.Record{MsgType: wire.MsgTypeLOGON, MsgKey: 1, OrigClientType: 1, OrigClientID: 100})

	ack := readRecord(t, h.peer, time.Second)
	if ack.MsgType != wire.MsgTypeACK || ack.MsgKey != 1 {
		t.Fatalf("got %+v, want ACK{msg_key=1}", ack)
	}
}

func TestUnauthenticatedNonLogonShutsDown(t *testing.T) {
	idx := subscription.New()
	reg := newFakeRegistry()
	h := newHarness(t, reg, 1, idx)

	writeRecord(t, h.peer, &wire.Record{MsgType: wire.MsgTypeCUSTOM, MsgKey: 1})

	h.peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4)
	if _, err := h.peer.Read(buf); err == nil {
		t.Fatal("expected connection to be closed before LOGON")
	}
}

func TestSubscriptionFanoutScenarioB(t *testing.T) {
	idx := subscription.New()
	reg := newFakeRegistry()

	a := newHarness(t, reg, 1, idx)
	b := newHarness(t, reg, 2, idx)

	// A logs on as (1, 100) and subscribes to key (2, 0, 0).
	writeRecord(t, a.peer, &wire.Record{MsgType: wire.MsgTypeLOGON, MsgKey: 1, OrigClientType: 1, OrigClientID: 100})
	readRecord(t, a.peer, time.Second) // ACK for LOGON

	writeRecord(t, a.peer, &wire.Record{MsgType: wire.MsgTypeSUBSCRIBE, MsgKey: 2, DestClientType: 2})
	readRecord(t, a.peer, time.Second) // ACK for SUBSCRIBE

	// B logs on as (2, 200).
	writeRecord(t, b.peer, &wire.Record{MsgType: wire.MsgTypeLOGON, MsgKey: 1, OrigClientType: 2, OrigClientID: 200})
	readRecord(t, b.peer, time.Second) // ACK for LOGON

	// B's LOGON is fanned out to A, whose (2, 0, 0) subscription matches it.
	notice := readRecord(t, a.peer, time.Second)
	if notice.MsgType != wire.MsgTypeLOGON || notice.OrigClientType != 2 || notice.OrigClientID != 200 {
		t.Fatalf("A got %+v, want LOGON notice from (2,200)", notice)
	}

	// B publishes CUSTOM.
	writeRecord(t, b.peer, &wire.Record{MsgType: wire.MsgTypeCUSTOM, MsgKey: 7, Payload: []byte("hello")})

	got := readRecord(t, a.peer, time.Second)
	if got.MsgType != wire.MsgTypeCUSTOM || got.MsgKey != 7 || string(got.Payload) != "hello" {
		t.Fatalf("A got %+v, want CUSTOM{msg_key=7, payload=hello}", got)
	}
	if got.OrigClientType != 2 || got.OrigClientID != 200 {
		t.Fatalf("A got origin (%d,%d), want (2,200)", got.OrigClientType, got.OrigClientID)
	}

	// B must not receive its own publication.
	b.peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := wire.ReadFrame(b.peer); err == nil {
		t.Fatal("B unexpectedly received its own broadcast")
	}
}

func TestDirectedCustomGetsAck(t *testing.T) {
	idx := subscription.New()
	reg := newFakeRegistry()

	a := newHarness(t, reg, 1, idx)
	b := newHarness(t, reg, 2, idx)

	writeRecord(t, a.peer, &wire.Record{MsgType: wire.MsgTypeLOGON, MsgKey: 1, OrigClientType: 1, OrigClientID: 100})
	readRecord(t, a.peer, time.Second)

	writeRecord(t, b.peer, &wire.Record{MsgType: wire.MsgTypeLOGON, MsgKey: 1, OrigClientType: 2, OrigClientID: 200})
	readRecord(t, b.peer, time.Second)

	writeRecord(t, b.peer, &wire.Record{MsgType: wire.MsgTypeCUSTOM, MsgKey: 9, DestClientType: 1, DestClientID: 100, Payload: []byte("x")})

	got := readRecord(t, a.peer, time.Second)
	if got.MsgType != wire.MsgTypeCUSTOM || got.MsgKey != 9 {
		t.Fatalf("A got %+v, want CUSTOM{msg_key=9}", got)
	}

	ack := readRecord(t, b.peer, time.Second)
	if ack.MsgType != wire.MsgTypeACK || ack.MsgKey != 9 {
		t.Fatalf("B got %+v, want ACK{msg_key=9}", ack)
	}
}
