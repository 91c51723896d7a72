package sessionmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/auth"
	"github.com/adred-codev/msgbroker/internal/conn"
	"github.com/adred-codev/msgbroker/internal/session"
	"github.com/adred-codev/msgbroker/internal/subscription"
	"github.com/adred-codev/msgbroker/internal/wire"
)

func newSessionPair(t *testing.T, mgr *Manager, idx *subscription.Index) (*session.Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	id := mgr.NextID()
	s := session.New(id, idx, mgr, auth.NoAuth{}, zerolog.Nop())
	mgr.Add(s)
	c := conn.New(server, conn.Config{Component: "session"}, s, zerolog.Nop())
	s.Attach(c)
	t.Cleanup(func() { client.Close() })
	return s, client
}

func TestActivateAndFindByIdentity(t *testing.T) {
	mgr := New(zerolog.Nop())
	idx := subscription.New()
	s, client := newSessionPair(t, mgr, idx)
	defer s.ShutDown()

	wire.WriteFrame(client, &wire.Record{MsgType: wire.MsgTypeLOGON, MsgKey: 1, OrigClientType: 1, OrigClientID: 100})
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := wire.ReadFrame(client); err != nil {
		t.Fatalf("ReadFrame(ack): %v", err)
	}

	found, ok := mgr.FindByIdentity(1, 100)
	if !ok || found.ID() != s.ID() {
		t.Fatalf("FindByIdentity(1,100) = (%v, %v), want (%v, true)", found, ok, s)
	}
}

func TestReaperRemovesShutDownSessions(t *testing.T) {
	mgr := New(zerolog.Nop())
	idx := subscription.New()
	s, client := newSessionPair(t, mgr, idx)

	if mgr.Count() != 1 {
		t.Fatalf("Count = %d, want 1 before shutdown", mgr.Count())
	}

	ctx, cancel := context.WithCancel(context.Background())
	go mgr.RunReaper(ctx, 10*time.Millisecond)
	defer cancel()

	s.ShutDown()
	client.Close()

	deadline := time.After(time.Second)
	for mgr.Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("reaper did not remove shut-down session in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClearAllShutsDownEverySession(t *testing.T) {
	mgr := New(zerolog.Nop())
	idx := subscription.New()

	_, c1 := newSessionPair(t, mgr, idx)
	_, c2 := newSessionPair(t, mgr, idx)
	defer c1.Close()
	defer c2.Close()

	if mgr.Count() != 2 {
		t.Fatalf("Count = %d, want 2", mgr.Count())
	}

	done := make(chan struct{})
	go func() {
		mgr.ClearAll(5, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ClearAll did not complete in time")
	}
}
