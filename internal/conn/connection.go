// Package conn implements the per-connection I/O driver shared by the
// server's Session and the client's ClientComm: one reader goroutine,
// one writer goroutine, and a heartbeat ticker, communicating through
// channels rather than a mutex-guarded net.Conn. This is the idiomatic
// Go equivalent of a single-threaded io_service strand — the donor
// server's readPump/writePump goroutine pair (server.go) plays the
// same role for its WebSocket connections; this generalizes that shape
// to the raw length-prefixed TCP framing in internal/wire.
package conn

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/brokererr"
	"github.com/adred-codev/msgbroker/internal/metrics"
	"github.com/adred-codev/msgbroker/internal/wire"
)

// State is the connection's lifecycle stage.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateRetryConnect
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateRetryConnect:
		return "retry_connect"
	default:
		return "unknown"
	}
}

// Handler receives events from a Connection. OnRecord is called from
// the reader goroutine for every non-heartbeat frame; OnClosed is
// called exactly once, from whichever goroutine detects the fatal
// error first (or calls ShutDown), right after the socket is closed.
// The pumps may still be exiting at that point; Wait blocks until
// they have.
type Handler interface {
	OnRecord(rec *wire.Record)
	OnClosed(err *brokererr.Error)
}

// Config controls timing behavior.
type Config struct {
	HeartbeatInterval time.Duration // how often to send a zero-length frame; 0 disables
	ReadIdleTimeout   time.Duration // disconnect if nothing arrives for this long; 0 disables
	SendQueueSize     int           // buffered outbound record channel size
	Component         string        // "session" or "clientcomm", for error/log context
}

// Connection wraps a net.Conn with a reader goroutine, a writer
// goroutine, and a bounded outbound queue. All public methods are safe
// for concurrent use.
type Connection struct {
	nc      net.Conn
	cfg     Config
	handler Handler
	logger  zerolog.Logger

	state atomic.Int32
	send  chan *wire.Record
	done  chan struct{}
	once  sync.Once

	wg sync.WaitGroup
}

// New wraps nc and immediately starts its reader/writer goroutines.
// The caller must not use nc directly after this call.
func New(nc net.Conn, cfg Config, handler Handler, logger zerolog.Logger) *Connection {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	c := &Connection{
		nc:      nc,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		send:    make(chan *wire.Record, cfg.SendQueueSize),
		done:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnected))

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Connection) State() State { return State(c.state.Load()) }

// Send enqueues rec for delivery. Returns false without blocking if
// the outbound queue is full or the connection is already shutting
// down — callers treat that the same as any other delivery failure.
func (c *Connection) Send(rec *wire.Record) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- rec:
		return true
	default:
		return false
	}
}

// ShutDown begins an orderly close: the writer goroutine is told to
// stop accepting new sends and the socket is closed, so both pumps
// exit. If the connection had not already failed, the handler then
// receives its one OnClosed call, with ReasonManual. Safe to call more
// than once.
func (c *Connection) ShutDown() {
	var notify bool
	c.once.Do(func() {
		c.state.Store(int32(StateDisconnecting))
		close(c.done)
		c.nc.Close()
		notify = true
	})
	if notify {
		c.handler.OnClosed(brokererr.Transport(c.cfg.Component, brokererr.ReasonManual, nil))
	}
}

// Wait blocks until both the reader and writer goroutines have exited.
func (c *Connection) Wait() { c.wg.Wait() }

func (c *Connection) readLoop() {
	defer c.wg.Done()

	for {
		if c.cfg.ReadIdleTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))
		}

		rec, err := wire.ReadFrame(c.nc)
		if err != nil {
			if errors.Is(err, wire.ErrMalformedRecord) {
				metrics.ProtocolErrors.WithLabelValues("malformed_record").Inc()
				c.logger.Warn().Err(err).Str("component", c.cfg.Component).Msg("dropping malformed record, stream still in sync")
				continue
			}
			c.fail(classifyReadErr(c.cfg.Component, err))
			return
		}

		metrics.FramesReceived.Inc()
		if rec == nil {
			// Heartbeat: proves liveness, nothing to dispatch.
			continue
		}
		c.handler.OnRecord(rec)
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()

	var ticker *time.Ticker
	var tickC <-chan time.Time
	if c.cfg.HeartbeatInterval > 0 {
		ticker = time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case rec, ok := <-c.send:
			if !ok {
				return
			}
			if err := wire.WriteFrame(c.nc, rec); err != nil {
				c.fail(brokererr.Transport(c.cfg.Component, brokererr.ReasonException, err))
				return
			}
			metrics.FramesSent.Inc()
		case <-tickC:
			if err := wire.WriteFrame(c.nc, nil); err != nil {
				c.fail(brokererr.Transport(c.cfg.Component, brokererr.ReasonException, err))
				return
			}
			metrics.FramesSent.Inc()
		}
	}
}

// fail tears the connection down and notifies the handler exactly
// once. Called from whichever pump hits the fatal error first; the
// other pump observes c.nc closed (or c.done) and exits through its
// own path. A second call to fail is a no-op, since ShutDown/fail are
// both guarded by the same sync.Once.
func (c *Connection) fail(reason *brokererr.Error) {
	var notify bool
	c.once.Do(func() {
		c.state.Store(int32(StateDisconnected))
		close(c.done)
		c.nc.Close()
		notify = true
	})
	if notify {
		c.handler.OnClosed(reason)
	}
}

func classifyReadErr(component string, err error) *brokererr.Error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return brokererr.Transport(component, brokererr.ReasonServerDisconnected, nil)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return brokererr.Transport(component, brokererr.ReasonServerNotResponding, err)
	}
	if errors.Is(err, wire.ErrOversizeFrame) {
		return brokererr.Protocol(component, "oversize frame", err)
	}
	return brokererr.Transport(component, brokererr.ReasonException, err)
}
