// Package acceptor implements the TCP listener from spec §4.7: bind,
// accept loop, wrap each socket in a session.Session, register with
// the manager. The plain net.Listen call is the donor server's own
// listener setup (server.go's Start); what differs is that the donor
// hands accepted sockets to an HTTP mux for a WebSocket upgrade, while
// this binds the raw length-prefixed framing directly.
package acceptor

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/auth"
	"github.com/adred-codev/msgbroker/internal/conn"
	"github.com/adred-codev/msgbroker/internal/metrics"
	"github.com/adred-codev/msgbroker/internal/session"
	"github.com/adred-codev/msgbroker/internal/sessionmgr"
	"github.com/adred-codev/msgbroker/internal/subscription"
)

// Acceptor binds one TCP port and feeds accepted sockets into the
// session manager.
type Acceptor struct {
	ln        net.Listener
	index     *subscription.Index
	mgr       *sessionmgr.Manager
	authn     auth.Authenticator
	logger    zerolog.Logger
	connCfg   conn.Config
	pool      session.Dispatcher
	rateLimit *connRateLimiter
}

// Listen binds addr (e.g. ":8888") immediately. A bind failure here is
// a Config-kind error per spec §7 and MUST abort process startup.
func Listen(addr string, index *subscription.Index, mgr *sessionmgr.Manager, authn auth.Authenticator, connCfg conn.Config, logger zerolog.Logger) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen %s: %w", addr, err)
	}
	return &Acceptor{ln: ln, index: index, mgr: mgr, authn: authn, connCfg: connCfg, logger: logger}, nil
}

// UsePool assigns the worker pool every accepted session's broadcast
// fan-out will submit deliveries to. Optional: with no pool, sessions
// deliver synchronously.
func (a *Acceptor) UsePool(pool session.Dispatcher) {
	a.pool = pool
}

// UseRateLimit enables connection admission rate limiting (spec §5):
// globalPerSec/globalBurst bound the system-wide accept rate,
// ipPerSec/ipBurst bound any single remote IP. Optional: with no call to
// UseRateLimit, every accepted socket is admitted unconditionally.
func (a *Acceptor) UseRateLimit(globalPerSec float64, globalBurst int, ipPerSec float64, ipBurst int) {
	a.rateLimit = newConnRateLimiter(globalPerSec, globalBurst, ipPerSec, ipBurst)
}

// Addr returns the bound address, useful when addr was ":0" in tests.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Serve runs the accept loop until Close is called, at which point the
// listener's own Accept error terminates the loop. Transient per-
// connection errors are logged and the loop continues, per spec §4.7;
// only the listener being closed ends Serve.
func (a *Acceptor) Serve() {
	for {
		nc, err := a.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info().Err(err).Msg("acceptor: listener closed, accept loop exiting")
				return
			}
			a.logger.Warn().Err(err).Msg("acceptor: transient accept error")
			continue
		}

		if a.rateLimit != nil {
			ip := remoteIP(nc)
			if ok, scope := a.rateLimit.allow(ip); !ok {
				metrics.ConnectionsRateLimited.WithLabelValues(scope).Inc()
				a.logger.Warn().Str("ip", ip).Str("scope", scope).Msg("acceptor: connection rejected, rate limited")
				nc.Close()
				continue
			}
		}

		id := a.mgr.NextID()
		s := session.New(id, a.index, a.mgr, a.authn, a.logger)
		if a.pool != nil {
			s.UsePool(a.pool)
		}
		a.mgr.Add(s)

		c := conn.New(nc, a.connCfg, s, a.logger)
		s.Attach(c)
	}
}

// Close stops accepting new connections. It does not shut down
// sessions already registered; the caller drives that separately
// (sessionmgr.ClearAll), matching spec §2's top-down shutdown order.
func (a *Acceptor) Close() error {
	return a.ln.Close()
}

// remoteIP extracts the bare host from nc's remote address, falling back
// to the full address string if it isn't a host:port pair (e.g. a pipe
// in tests).
func remoteIP(nc net.Conn) string {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return nc.RemoteAddr().String()
	}
	return host
}

// DefaultConnConfig is the Config an acceptor wires onto every accepted
// session connection: a 30s heartbeat, matching the client runtime's
// expectation that the broker itself stays observably alive, and no
// read-idle timeout (clients may go quiet between events; heartbeats
// alone carry liveness).
func DefaultConnConfig() conn.Config {
	return conn.Config{
		HeartbeatInterval: 30 * time.Second,
		SendQueueSize:     256,
		Component:         "session",
	}
}
