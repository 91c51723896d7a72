package clientcomm_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/acceptor"
	"github.com/adred-codev/msgbroker/internal/auth"
	"github.com/adred-codev/msgbroker/internal/clientcomm"
	"github.com/adred-codev/msgbroker/internal/conn"
	"github.com/adred-codev/msgbroker/internal/sessionmgr"
	"github.com/adred-codev/msgbroker/internal/subscription"
)

func startBroker(t *testing.T) *acceptor.Acceptor {
	t.Helper()
	idx := subscription.New()
	mgr := sessionmgr.New(zerolog.Nop())
	a, err := acceptor.Listen("127.0.0.1:0", idx, mgr, auth.NoAuth{}, conn.Config{Component: "session"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go a.Serve()
	t.Cleanup(func() { a.Close() })
	return a
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClientCommLogonWithPendingSubscription(t *testing.T) {
	a := startBroker(t)

	cc := clientcomm.New(clientcomm.Config{
		Addr:       a.Addr().String(),
		ClientType: 1,
		ClientID:   100,
	}, zerolog.Nop())
	t.Cleanup(cc.ShutDown)

	cc.Subscribe(subscription.Key{ClientType: 2})

	if err := cc.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, time.Second, cc.IsLoggedOn)
}

func TestClientCommFanoutBetweenTwoClients(t *testing.T) {
	a := startBroker(t)

	clientA := clientcomm.New(clientcomm.Config{Addr: a.Addr().String(), ClientType: 1, ClientID: 100}, zerolog.Nop())
	clientB := clientcomm.New(clientcomm.Config{Addr: a.Addr().String(), ClientType: 2, ClientID: 200}, zerolog.Nop())
	t.Cleanup(clientA.ShutDown)
	t.Cleanup(clientB.ShutDown)

	clientA.Subscribe(subscription.Key{ClientType: 2})

	if err := clientA.Connect(); err != nil {
		t.Fatalf("A Connect: %v", err)
	}
	waitFor(t, time.Second, clientA.IsLoggedOn)

	if err := clientB.Connect(); err != nil {
		t.Fatalf("B Connect: %v", err)
	}
	waitFor(t, time.Second, clientB.IsLoggedOn)

	if _, ok := clientB.SendCustom([]byte("hello"), 0, 0, 0); !ok {
		t.Fatal("SendCustom failed")
	}

	waitFor(t, time.Second, func() bool { return clientA.PeerOnline(2, 200) })
}

func TestClientCommSendAndWaitTimesOut(t *testing.T) {
	a := startBroker(t)

	cc := clientcomm.New(clientcomm.Config{Addr: a.Addr().String(), ClientType: 1, ClientID: 100}, zerolog.Nop())
	t.Cleanup(cc.ShutDown)

	if err := cc.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, cc.IsLoggedOn)

	start := time.Now()
	reply, ok := cc.SendAndWait(context.Background(), []byte("q"), 0, 9, 900, 100*time.Millisecond)
	elapsed := time.Since(start)

	if ok || reply != nil {
		t.Fatalf("expected timeout, got reply=%v ok=%v", reply, ok)
	}
	if elapsed < 100*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestClientCommMsgKeyMonotonic(t *testing.T) {
	a := startBroker(t)
	cc := clientcomm.New(clientcomm.Config{Addr: a.Addr().String(), ClientType: 1, ClientID: 100}, zerolog.Nop())
	t.Cleanup(cc.ShutDown)

	if err := cc.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, cc.IsLoggedOn)

	k1, ok1 := cc.SendCustom([]byte("a"), 0, 0, 0)
	k2, ok2 := cc.SendCustom([]byte("b"), 0, 0, 0)
	if !ok1 || !ok2 {
		t.Fatalf("SendCustom failed: ok1=%v ok2=%v", ok1, ok2)
	}
	if k2 <= k1 {
		t.Fatalf("msg_key not strictly increasing: k1=%d k2=%d", k1, k2)
	}
}
