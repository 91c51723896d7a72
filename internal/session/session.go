// Package session implements the server-side per-client Session: the
// message-handling table from spec §4.5 layered on top of a
// conn.Connection. Fan-out addressing reuses the wire record's own
// dest_client_type/dest_client_id/topic fields as the subscription key
// a SUBSCRIBE/UNSUBSCRIBE record declares — the same three fields a
// CUSTOM record uses to address a delivery, so one record shape serves
// both "declare interest" and "publish" without a second payload
// schema.
package session

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/auth"
	"github.com/adred-codev/msgbroker/internal/brokererr"
	"github.com/adred-codev/msgbroker/internal/conn"
	"github.com/adred-codev/msgbroker/internal/ioreactor"
	"github.com/adred-codev/msgbroker/internal/metrics"
	"github.com/adred-codev/msgbroker/internal/subscription"
	"github.com/adred-codev/msgbroker/internal/wire"
)

// Registry is the subset of the session manager a Session needs. It is
// an interface, not a direct dependency on the sessionmgr package, so
// ownership stays one-directional: sessionmgr imports session, never
// the reverse.
type Registry interface {
	// Activate indexes s by its now-known (client_type, client_id)
	// identity, called once on successful LOGON.
	Activate(s *Session)
	// FindByIdentity looks up a logged-on session by identity, for
	// directed CUSTOM delivery.
	FindByIdentity(clientType, clientID int32) (*Session, bool)
	// Deliver resolves id to a live session and sends rec to it.
	// Returns false if id is unknown (already reaped) or the send was
	// dropped — either way the caller treats it as "not delivered"
	// without further retry, per spec §4.4's lazy-sweep note.
	Deliver(id subscription.SessionID, rec *wire.Record) bool
}

// Dispatcher runs a fan-out delivery off the calling goroutine. Backed
// by an *ioreactor.WorkerPool in cmd/broker's wiring; sessions used in
// tests leave it nil and deliver synchronously, which is still non-
// blocking because Connection.Send itself never blocks.
type Dispatcher interface {
	Submit(task ioreactor.Task)
}

// UsePool assigns the worker pool a broadcast's per-subscriber
// deliveries are submitted to. Optional: a Session with no pool
// delivers synchronously.
func (s *Session) UsePool(pool Dispatcher) {
	s.pool = pool
}

// Session pairs one Connection with broker-side identity and message
// handling. The zero value is not usable; construct with New.
type Session struct {
	id      subscription.SessionID
	c       *conn.Connection
	index   *subscription.Index
	reg     Registry
	authn   auth.Authenticator
	logger  zerolog.Logger
	pool    Dispatcher

	authenticated atomic.Bool
	clientType    atomic.Int32
	clientID      atomic.Int32

	rxCount atomic.Int64
	txCount atomic.Int64

	shutdownOnce  atomic.Bool
	shutdownDone  chan struct{}
}

// New builds a Session with no connection yet; Attach binds it to the
// conn.Connection that carries its traffic. OnClosed drives the
// session's own teardown once that connection ends.
func New(id subscription.SessionID, index *subscription.Index, reg Registry, authn auth.Authenticator, logger zerolog.Logger) *Session {
	s := &Session{
		id:           id,
		index:        index,
		reg:          reg,
		authn:        authn,
		logger:       logger.With().Uint64("session_id", uint64(id)).Logger(),
		shutdownDone: make(chan struct{}),
	}
	return s
}

// Attach binds the Session to a live connection. Split from New so the
// acceptor can register the Session (for diagnostics/cancellation)
// before the first byte is read.
func (s *Session) Attach(c *conn.Connection) {
	s.c = c
}

func (s *Session) ID() subscription.SessionID { return s.id }
func (s *Session) ClientType() int32          { return s.clientType.Load() }
func (s *Session) ClientID() int32            { return s.clientID.Load() }
func (s *Session) Authenticated() bool        { return s.authenticated.Load() }
func (s *Session) Name() string {
	return namef(s.clientType.Load(), s.clientID.Load())
}

func namef(clientType, clientID int32) string {
	if clientType == 0 && clientID == 0 {
		return "(unauthenticated)"
	}
	return fmtTuple(clientType, clientID)
}

func fmtTuple(a, b int32) string {
	const digits = "0123456789"
	// Tiny local itoa to avoid importing strconv twice for a one-liner;
	// kept trivial on purpose.
	return itoa(a) + "/" + itoa(b)
}

func itoa(v int32) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Send stamps origin fields from the session's own identity when the
// record doesn't already carry an origin, then dispatches it on the
// underlying connection.
func (s *Session) Send(rec *wire.Record) bool {
	if rec.OrigClientType == 0 && s.clientType.Load() != 0 {
		rec.OrigClientType = s.clientType.Load()
		rec.OrigClientID = s.clientID.Load()
	}
	ok := s.c.Send(rec)
	if ok {
		s.txCount.Add(1)
	}
	return ok
}

// OnRecord implements conn.Handler. It is invoked from the
// Connection's reader goroutine, so it must not block.
func (s *Session) OnRecord(rec *wire.Record) {
	s.rxCount.Add(1)

	if !s.authenticated.Load() && rec.MsgType != wire.MsgTypeLOGON {
		s.logger.Warn().Str("msg_type", rec.MsgType.String()).Msg("record received before LOGON, shutting session down")
		s.c.ShutDown()
		return
	}

	switch rec.MsgType {
	case wire.MsgTypeLOGON:
		s.handleLogon(rec)
	case wire.MsgTypeLOGOFF:
		s.handleLogoff(rec)
	case wire.MsgTypeSUBSCRIBE:
		s.handleSubscribe(rec)
	case wire.MsgTypeUNSUBSCRIBE:
		s.handleUnsubscribe(rec)
	case wire.MsgTypeACK, wire.MsgTypeNACK:
		// No broker-side routing: these resolve a waiter on the client
		// runtime, which is the peer on the other end of this TCP
		// connection, not something the broker acts on.
	case wire.MsgTypeCUSTOM:
		s.handleCustom(rec)
	default:
		s.logger.Warn().Uint8("msg_type", uint8(rec.MsgType)).Msg("unknown msg_type, shutting session down")
		s.c.ShutDown()
	}
}

func (s *Session) handleLogon(rec *wire.Record) {
	if s.authenticated.Load() {
		return
	}
	claimed := auth.Identity{ClientType: rec.OrigClientType, ClientID: rec.OrigClientID}
	identity, err := s.authn.Authenticate(rec.Payload, claimed)
	if err != nil {
		s.logger.Warn().Err(err).Msg("LOGON rejected")
		s.c.ShutDown()
		return
	}

	s.clientType.Store(identity.ClientType)
	s.clientID.Store(identity.ClientID)
	s.authenticated.Store(true)
	s.reg.Activate(s)

	s.Send(&wire.Record{MsgType: wire.MsgTypeACK, MsgKey: rec.MsgKey})

	fanout := &wire.Record{
		MsgType:        wire.MsgTypeLOGON,
		MsgKey:         rec.MsgKey,
		OrigClientType: identity.ClientType,
		OrigClientID:   identity.ClientID,
	}
	s.broadcast(fanout)

	s.logger.Info().Int32("client_type", identity.ClientType).Int32("client_id", identity.ClientID).Msg("session authenticated")
}

func (s *Session) handleLogoff(rec *wire.Record) {
	ct, cid := s.clientType.Load(), s.clientID.Load()
	s.clientType.Store(0)
	s.clientID.Store(0)

	if ct != 0 {
		s.broadcast(&wire.Record{
			MsgType:        wire.MsgTypeLOGOFF,
			OrigClientType: ct,
			OrigClientID:   cid,
		})
	}
}

func (s *Session) handleSubscribe(rec *wire.Record) {
	key := subscription.Key{ClientType: rec.DestClientType, ClientID: rec.DestClientID, Topic: rec.Topic}
	s.index.Add(s.id, key)
	metrics.SubscriptionsActive.Set(float64(s.index.Count()))

	s.Send(&wire.Record{MsgType: wire.MsgTypeACK, MsgKey: rec.MsgKey})

	if key.ClientType != 0 && key.ClientID != 0 {
		if target, ok := s.reg.FindByIdentity(key.ClientType, key.ClientID); ok && target.Authenticated() {
			s.Send(&wire.Record{
				MsgType:        wire.MsgTypeLOGON,
				OrigClientType: target.ClientType(),
				OrigClientID:   target.ClientID(),
			})
		}
	}
}

func (s *Session) handleUnsubscribe(rec *wire.Record) {
	key := subscription.Key{ClientType: rec.DestClientType, ClientID: rec.DestClientID, Topic: rec.Topic}
	s.index.Remove(s.id, key)
	metrics.SubscriptionsActive.Set(float64(s.index.Count()))
	s.Send(&wire.Record{MsgType: wire.MsgTypeACK, MsgKey: rec.MsgKey})
}

func (s *Session) handleCustom(rec *wire.Record) {
	if rec.OrigClientType == 0 {
		rec.OrigClientType = s.clientType.Load()
		rec.OrigClientID = s.clientID.Load()
	}

	if rec.DestClientType != 0 {
		target, ok := s.reg.FindByIdentity(rec.DestClientType, rec.DestClientID)
		if ok {
			target.Send(rec)
			s.Send(&wire.Record{
				MsgType:        wire.MsgTypeACK,
				MsgKey:         rec.MsgKey,
				OrigClientType: target.ClientType(),
				OrigClientID:   target.ClientID(),
			})
		}
		return
	}

	s.broadcast(rec)
}

// broadcast delivers rec to every session subscribed to its origin:
// (rec.OrigClientType, rec.OrigClientID, rec.Topic), excluding this
// session (self-exclusion, spec invariant 5). An undirected publish
// never carries dest fields, so origin is the only key a subscriber
// can have declared interest in.
func (s *Session) broadcast(rec *wire.Record) {
	matchKey := subscription.Key{ClientType: rec.OrigClientType, ClientID: rec.OrigClientID, Topic: rec.Topic}
	targets := s.index.Match(matchKey, s.id)
	metrics.BroadcastFanout.Observe(float64(len(targets)))
	deliverAll(s.pool, s.reg, targets, rec)
}

// deliverAll hands each target delivery to pool if one is configured,
// so a slow subscriber's bounded send-channel backpressure never stalls
// the goroutine that triggered the broadcast (a Session's reader, or a
// feed bridge's consume loop). With no pool, delivery runs inline.
func deliverAll(pool Dispatcher, reg Registry, targets []subscription.SessionID, rec *wire.Record) {
	for _, id := range targets {
		id := id
		deliver := func() {
			if !reg.Deliver(id, rec) {
				metrics.BroadcastDropped.WithLabelValues("unreachable").Inc()
			}
		}
		if pool != nil {
			pool.Submit(deliver)
			continue
		}
		deliver()
	}
}

// PublishExternal injects a message from outside the session pool (a
// feed bridge) into the fan-out path, as if a CUSTOM record with no
// origin identity and no destination had arrived on topic. There is no
// session to exclude, so every subscriber to topic is a delivery
// target. Returns the number of matched targets, not confirmed
// deliveries — with a pool configured, delivery completes
// asynchronously.
func PublishExternal(index *subscription.Index, reg Registry, pool Dispatcher, topic int32, payload []byte) int {
	rec := &wire.Record{MsgType: wire.MsgTypeCUSTOM, Topic: topic, Payload: payload}
	matchKey := subscription.Key{Topic: topic}
	targets := index.Match(matchKey, 0)
	metrics.BroadcastFanout.Observe(float64(len(targets)))
	deliverAll(pool, reg, targets, rec)
	return len(targets)
}

// ShutDown runs the spec §4.5 shutdown sequence: unsubscribe
// everything, fan out a synthetic LOGOFF if the session had a logged-
// on identity, then close the connection. Safe to call more than
// once.
func (s *Session) ShutDown() {
	if !s.shutdownOnce.CompareAndSwap(false, true) {
		<-s.shutdownDone
		return
	}
	defer close(s.shutdownDone)

	s.index.RemoveAllFor(s.id)

	if ct := s.clientType.Load(); ct != 0 {
		s.broadcast(&wire.Record{
			MsgType:        wire.MsgTypeLOGOFF,
			OrigClientType: ct,
			OrigClientID:   s.clientID.Load(),
		})
	}

	if s.c != nil {
		s.c.ShutDown()
		s.c.Wait()
	}
}

// OnClosed implements conn.Handler. Invoked once the Connection has
// closed its socket for any reason (peer disconnect, I/O error, or a
// manual ShutDown already in progress); ShutDown then waits for the
// Connection's pumps to exit.
func (s *Session) OnClosed(reason *brokererr.Error) {
	metrics.DisconnectsTotal.WithLabelValues(string(reason.Reason)).Inc()
	go s.ShutDown()
}

// ShutdownComplete reports whether ShutDown has fully finished,
// letting the session manager's reaper identify sessions safe to
// remove from its indexes.
func (s *Session) ShutdownComplete() bool {
	select {
	case <-s.shutdownDone:
		return true
	default:
		return false
	}
}

// Diagnostics returns a one-line summary for the console "D" command,
// including how many sessions hold a wildcard-topic subscription to
// this session's own identity (spec §4.4's get_subscribers_to).
func (s *Session) Diagnostics() string {
	watchers := s.index.GetSubscribersTo(s.clientType.Load(), s.clientID.Load())
	return s.Name() + " rx=" + itoa(int32(s.rxCount.Load())) + " tx=" + itoa(int32(s.txCount.Load())) +
		" watchers=" + itoa(int32(len(watchers)))
}
