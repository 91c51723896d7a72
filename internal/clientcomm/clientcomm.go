// Package clientcomm implements the client runtime counterpart to a
// broker Session: dial, LOGON handshake, reconnect-with-backoff,
// subscription replay, a monotonic msg-key allocator, synchronous
// send_and_wait on top of the async transport, and piggyback-ack
// bookkeeping. The shape is grounded on the original implementation's
// ClientComm/CommHandler pair (original_source/MessagingService/...),
// re-architected per spec §9's Design Notes: composition over the
// source's WorkerThread/TimedThread inheritance chain, a single-shot
// cancellable timer instead of a polled shutdown flag, and a
// future-style wait table instead of blocking the reactor thread.
package clientcomm

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/brokererr"
	"github.com/adred-codev/msgbroker/internal/conn"
	"github.com/adred-codev/msgbroker/internal/metrics"
	"github.com/adred-codev/msgbroker/internal/subscription"
	"github.com/adred-codev/msgbroker/internal/wire"
)

// Config configures a ClientComm instance.
type Config struct {
	Addr       string // host:port of the broker
	ClientType int32
	ClientID   int32
	// Token is placed in the LOGON payload as {"token": "..."} for a
	// JWTAuthenticator-backed broker. Leave empty against a --no-auth
	// broker, which trusts ClientType/ClientID directly.
	Token string
	// ReconnectRetry, when positive, arms a single-shot timer to redial
	// after any non-manual disconnect.
	ReconnectRetry time.Duration
	Name           string
	conn.Config
}

type pendingWait struct {
	ch chan *wire.Record
}

type peerState struct {
	online      bool
	needToAck   []uint32
	sentUnacked []uint32
}

// ClientComm is safe for concurrent use.
type ClientComm struct {
	cfg    Config
	logger zerolog.Logger

	mu sync.Mutex
	c  *conn.Connection

	loggedOn   atomic.Bool
	msgKey     atomic.Uint32
	logonKey   atomic.Uint32
	shutdown   atomic.Bool
	reconnectT *time.Timer

	subsMu sync.Mutex
	subs   []subscription.Key

	waitMu sync.Mutex
	waits  map[uint32]*pendingWait

	peersMu sync.Mutex
	peers   map[[2]int32]*peerState
}

// New builds an unconnected ClientComm. Call Connect to dial.
func New(cfg Config, logger zerolog.Logger) *ClientComm {
	if cfg.Component == "" {
		cfg.Component = "clientcomm"
	}
	cc := &ClientComm{
		cfg:    cfg,
		logger: logger,
		waits:  map[uint32]*pendingWait{},
		peers:  map[[2]int32]*peerState{},
	}
	cc.msgKey.Store(1)
	return cc
}

// IsLoggedOn reports whether the LOGON ACK has been observed since the
// last connect.
func (cc *ClientComm) IsLoggedOn() bool { return cc.loggedOn.Load() }

// nextMsgKey allocates the next outbound msg_key, monotonically
// increasing starting at 1 (spec invariant 8).
func (cc *ClientComm) nextMsgKey() uint32 {
	return cc.msgKey.Add(1) - 1
}

// Connect dials cfg.Addr and sends LOGON. Returns once the TCP
// connection is established; the LOGON ACK arrives asynchronously and
// flips IsLoggedOn.
func (cc *ClientComm) Connect() error {
	if cc.shutdown.Load() {
		return fmt.Errorf("clientcomm: shut down")
	}
	nc, err := net.DialTimeout("tcp", cc.cfg.Addr, 5*time.Second)
	if err != nil {
		cc.logger.Warn().Err(err).Str("addr", cc.cfg.Addr).Msg("connect failed")
		cc.armReconnect()
		return err
	}

	cc.mu.Lock()
	cc.c = conn.New(nc, cc.cfg.Config, cc, cc.logger)
	cc.mu.Unlock()

	cc.sendLogon()
	return nil
}

func (cc *ClientComm) sendLogon() {
	key := cc.nextMsgKey()
	cc.logonKey.Store(key)

	var payload []byte
	if cc.cfg.Token != "" {
		payload, _ = json.Marshal(struct {
			Token string `json:"token"`
		}{Token: cc.cfg.Token})
	}

	cc.mu.Lock()
	c := cc.c
	cc.mu.Unlock()
	if c != nil {
		c.Send(&wire.Record{
			MsgType:        wire.MsgTypeLOGON,
			MsgKey:         key,
			OrigClientType: cc.cfg.ClientType,
			OrigClientID:   cc.cfg.ClientID,
			Payload:        payload,
		})
	}
}

func (cc *ClientComm) replaySubscriptions() {
	cc.subsMu.Lock()
	keys := append([]subscription.Key(nil), cc.subs...)
	cc.subsMu.Unlock()

	for _, k := range keys {
		cc.sendSubscription(wire.MsgTypeSUBSCRIBE, k)
	}
}

func (cc *ClientComm) sendSubscription(msgType wire.MsgType, k subscription.Key) {
	cc.mu.Lock()
	c := cc.c
	cc.mu.Unlock()
	if c == nil {
		return
	}
	c.Send(&wire.Record{
		MsgType:        msgType,
		MsgKey:         cc.nextMsgKey(),
		DestClientType: k.ClientType,
		DestClientID:   k.ClientID,
		Topic:          k.Topic,
	})
}

// Subscribe declares interest in key. Idempotent: returns false if
// already declared. While logged on, the SUBSCRIBE record is sent
// immediately; otherwise it is replayed on the next successful LOGON.
func (cc *ClientComm) Subscribe(key subscription.Key) bool {
	cc.subsMu.Lock()
	for _, k := range cc.subs {
		if k == key {
			cc.subsMu.Unlock()
			return false
		}
	}
	cc.subs = append(cc.subs, key)
	cc.subsMu.Unlock()

	if cc.loggedOn.Load() {
		cc.sendSubscription(wire.MsgTypeSUBSCRIBE, key)
	}
	return true
}

// Unsubscribe withdraws interest in key. Idempotent.
func (cc *ClientComm) Unsubscribe(key subscription.Key) bool {
	cc.subsMu.Lock()
	found := -1
	for i, k := range cc.subs {
		if k == key {
			found = i
			break
		}
	}
	if found < 0 {
		cc.subsMu.Unlock()
		return false
	}
	cc.subs = append(cc.subs[:found], cc.subs[found+1:]...)
	cc.subsMu.Unlock()

	if cc.loggedOn.Load() {
		cc.sendSubscription(wire.MsgTypeUNSUBSCRIBE, key)
	}
	return true
}

// SendCustom publishes a CUSTOM record, directed if destClientType is
// non-zero, broadcast by topic otherwise. Any currently-pending
// need_to_ack keys owed to (destClientType, destClientID) are piggy-
// backed onto ack_keys and cleared on successful enqueue.
func (cc *ClientComm) SendCustom(payload []byte, topic, destClientType, destClientID int32) (uint32, bool) {
	key := cc.nextMsgKey()
	rec := &wire.Record{
		MsgType:        wire.MsgTypeCUSTOM,
		MsgKey:         key,
		OrigClientType: cc.cfg.ClientType,
		OrigClientID:   cc.cfg.ClientID,
		Topic:          topic,
		DestClientType: destClientType,
		DestClientID:   destClientID,
		Payload:        payload,
	}

	if destClientType != 0 {
		rec.AckKeys = cc.drainNeedToAck(destClientType, destClientID)
	}

	cc.mu.Lock()
	c := cc.c
	cc.mu.Unlock()
	if c == nil || !c.Send(rec) {
		for _, k := range rec.AckKeys {
			cc.markNeedToAck(destClientType, destClientID, k)
		}
		return key, false
	}
	if destClientType != 0 {
		cc.trackSentUnacked(destClientType, destClientID, key)
	}
	return key, true
}

// SendAndWait sends a CUSTOM record and blocks until a matching reply
// arrives or ctx/timeout expires, per spec §4.8's three-way match:
// an ACK echoing msg_key, any record whose reply_msg_key equals
// msg_key, or any record whose ack_keys contains msg_key.
func (cc *ClientComm) SendAndWait(ctx context.Context, payload []byte, topic, destClientType, destClientID int32, timeout time.Duration) (*wire.Record, bool) {
	key := cc.nextMsgKey()
	rec := &wire.Record{
		MsgType:        wire.MsgTypeCUSTOM,
		MsgKey:         key,
		OrigClientType: cc.cfg.ClientType,
		OrigClientID:   cc.cfg.ClientID,
		Topic:          topic,
		DestClientType: destClientType,
		DestClientID:   destClientID,
		Payload:        payload,
	}
	if destClientType != 0 {
		rec.AckKeys = cc.drainNeedToAck(destClientType, destClientID)
	}

	w := &pendingWait{ch: make(chan *wire.Record, 1)}
	cc.waitMu.Lock()
	cc.waits[key] = w
	cc.waitMu.Unlock()
	defer func() {
		cc.waitMu.Lock()
		delete(cc.waits, key)
		cc.waitMu.Unlock()
	}()

	cc.mu.Lock()
	c := cc.c
	cc.mu.Unlock()
	if c == nil || !c.Send(rec) {
		return nil, false
	}
	if destClientType != 0 {
		cc.trackSentUnacked(destClientType, destClientID, key)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case reply := <-w.ch:
		return reply, true
	case <-t.C:
		metrics.SendAndWaitTimeouts.Inc()
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (cc *ClientComm) resolveWait(key uint32, rec *wire.Record) {
	cc.waitMu.Lock()
	w, ok := cc.waits[key]
	cc.waitMu.Unlock()
	if !ok {
		return
	}
	select {
	case w.ch <- rec:
	default:
	}
}

// OnRecord implements conn.Handler.
func (cc *ClientComm) OnRecord(rec *wire.Record) {
	switch rec.MsgType {
	case wire.MsgTypeACK:
		if rec.MsgKey == cc.logonKey.Load() && !cc.loggedOn.Load() {
			cc.loggedOn.Store(true)
			cc.replaySubscriptions()
		}
		cc.resolveWait(rec.MsgKey, rec)
		cc.clearSentUnacked(rec.OrigClientType, rec.OrigClientID, rec.MsgKey)
	case wire.MsgTypeLOGOFF:
		cc.markOffline(rec.OrigClientType, rec.OrigClientID)
	default:
		if rec.ReplyMsgKey != 0 {
			cc.resolveWait(rec.ReplyMsgKey, rec)
		}
		for _, k := range rec.AckKeys {
			cc.resolveWait(k, rec)
		}
	}

	if len(rec.AckKeys) > 0 {
		cc.clearSentUnackedMany(rec.OrigClientType, rec.OrigClientID, rec.AckKeys)
	}
	if rec.OrigClientType != 0 {
		cc.markOnline(rec.OrigClientType, rec.OrigClientID)
	}
	if rec.MsgType == wire.MsgTypeCUSTOM && rec.DestClientType == cc.cfg.ClientType && rec.DestClientID == cc.cfg.ClientID {
		cc.markNeedToAck(rec.OrigClientType, rec.OrigClientID, rec.MsgKey)
	}
}

// OnClosed implements conn.Handler.
func (cc *ClientComm) OnClosed(reason *brokererr.Error) {
	cc.loggedOn.Store(false)
	if reason.Reason != brokererr.ReasonManual && !cc.shutdown.Load() {
		cc.armReconnect()
	}
}

func (cc *ClientComm) armReconnect() {
	if cc.cfg.ReconnectRetry <= 0 {
		return
	}
	metrics.ReconnectsTotal.Inc()
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.reconnectT != nil {
		cc.reconnectT.Stop()
	}
	cc.reconnectT = time.AfterFunc(cc.cfg.ReconnectRetry, func() {
		if !cc.shutdown.Load() {
			cc.Connect()
		}
	})
}

// Disconnect closes the current connection without reconnecting.
func (cc *ClientComm) Disconnect() {
	cc.mu.Lock()
	c := cc.c
	if cc.reconnectT != nil {
		cc.reconnectT.Stop()
	}
	cc.mu.Unlock()
	if c != nil {
		c.ShutDown()
	}
}

// ShutDown permanently stops this ClientComm: no further reconnects,
// current connection closed.
func (cc *ClientComm) ShutDown() {
	cc.shutdown.Store(true)
	cc.Disconnect()
}
