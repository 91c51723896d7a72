package acceptor

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/auth"
	"github.com/adred-codev/msgbroker/internal/conn"
	"github.com/adred-codev/msgbroker/internal/sessionmgr"
	"github.com/adred-codev/msgbroker/internal/subscription"
	"github.com/adred-codev/msgbroker/internal/wire"
)

func TestAcceptorHandlesLogon(t *testing.T) {
	idx := subscription.New()
	mgr := sessionmgr.New(zerolog.Nop())

	a, err := Listen("127.0.0.1:0", idx, mgr, auth.NoAuth{}, conn.Config{Component: "session"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go a.Serve()
	defer a.Close()

	nc, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer nc.Close()

	if err := wire.WriteFrame(nc, &wire.Record{MsgType: wire.MsgTypeLOGON, MsgKey: 1, OrigClientType: 1, OrigClientID: 100}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(time.Second))
	rec, err := wire.ReadFrame(nc)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if rec.MsgType != wire.MsgTypeACK || rec.MsgKey != 1 {
		t.Fatalf("got %+v, want ACK{msg_key=1}", rec)
	}

	if _, ok := mgr.FindByIdentity(1, 100); !ok {
		t.Fatal("session not registered under (1,100) after LOGON")
	}
}

func TestAcceptorCloseStopsServe(t *testing.T) {
	idx := subscription.New()
	mgr := sessionmgr.New(zerolog.Nop())

	a, err := Listen("127.0.0.1:0", idx, mgr, auth.NoAuth{}, conn.Config{Component: "session"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	done := make(chan struct{})
	go func() { a.Serve(); close(done) }()

	a.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
