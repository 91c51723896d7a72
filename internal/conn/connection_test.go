package conn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/brokererr"
	"github.com/adred-codev/msgbroker/internal/wire"
)

type recordingHandler struct {
	mu      sync.Mutex
	records []*wire.Record
	closed  *brokererr.Error
	done    chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{})}
}

func (h *recordingHandler) OnRecord(rec *wire.Record) {
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
}

func (h *recordingHandler) OnClosed(err *brokererr.Error) {
	h.mu.Lock()
	h.closed = err
	h.mu.Unlock()
	close(h.done)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func TestConnectionDeliversRecords(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := newRecordingHandler()
	c := New(server, Config{Component: "test"}, h, zerolog.Nop())
	defer c.ShutDown()

	go func() {
		wire.WriteFrame(client, &wire.Record{MsgType: wire.MsgTypeLOGON, MsgKey: 1})
	}()

	deadline := time.After(time.Second)
	for h.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("record not delivered in time")
		case <-time.After(time.Millisecond):
		}
	}

	if h.records[0].MsgKey != 1 {
		t.Fatalf("got MsgKey=%d, want 1", h.records[0].MsgKey)
	}
}

func TestConnectionSendWritesFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := newRecordingHandler()
	c := New(server, Config{Component: "test"}, h, zerolog.Nop())
	defer c.ShutDown()

	readDone := make(chan *wire.Record, 1)
	go func() {
		rec, err := wire.ReadFrame(client)
		if err == nil {
			readDone <- rec
		}
	}()

	if !c.Send(&wire.Record{MsgType: wire.MsgTypeACK, MsgKey: 5}) {
		t.Fatal("Send returned false")
	}

	select {
	case rec := <-readDone:
		if rec.MsgKey != 5 {
			t.Fatalf("got MsgKey=%d, want 5", rec.MsgKey)
		}
	case <-time.After(time.Second):
		t.Fatal("record not written in time")
	}
}

func TestConnectionShutDownNotifiesHandlerOnce(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := newRecordingHandler()
	c := New(server, Config{Component: "test"}, h, zerolog.Nop())

	c.ShutDown()
	c.ShutDown() // must not panic or double-notify

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("OnClosed not called")
	}
	if h.closed == nil || h.closed.Reason != brokererr.ReasonManual {
		t.Fatalf("closed = %+v, want ReasonManual", h.closed)
	}
	c.Wait()
}

func TestConnectionSendsHeartbeatFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := newRecordingHandler()
	c := New(server, Config{Component: "test", HeartbeatInterval: 10 * time.Millisecond}, h, zerolog.Nop())
	defer c.ShutDown()

	rec, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if rec != nil {
		t.Fatalf("got %+v, want heartbeat (nil)", rec)
	}
}
