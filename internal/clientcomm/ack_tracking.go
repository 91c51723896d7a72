package clientcomm

// This file implements the per-peer piggyback-ack bookkeeping from
// spec §4.8: need_to_ack (keys we owe an ack for) and sent_unacked
// (our own keys we're still waiting to see acked), both keyed by the
// peer's (client_type, client_id).

func (cc *ClientComm) markOnline(clientType, clientID int32) {
	cc.peersMu.Lock()
	defer cc.peersMu.Unlock()
	p := cc.peerLocked(clientType, clientID)
	p.online = true
}

func (cc *ClientComm) markOffline(clientType, clientID int32) {
	cc.peersMu.Lock()
	defer cc.peersMu.Unlock()
	p := cc.peerLocked(clientType, clientID)
	p.online = false
}

func (cc *ClientComm) peerLocked(clientType, clientID int32) *peerState {
	key := [2]int32{clientType, clientID}
	p, ok := cc.peers[key]
	if !ok {
		p = &peerState{}
		cc.peers[key] = p
	}
	return p
}

// markNeedToAck records that we owe peer an ack for msgKey, because it
// sent us a CUSTOM record directed at our identity.
func (cc *ClientComm) markNeedToAck(clientType, clientID int32, msgKey uint32) {
	cc.peersMu.Lock()
	defer cc.peersMu.Unlock()
	p := cc.peerLocked(clientType, clientID)
	p.needToAck = append(p.needToAck, msgKey)
}

// drainNeedToAck returns and clears every key currently owed to peer,
// to be piggybacked onto the next outbound record's ack_keys.
func (cc *ClientComm) drainNeedToAck(clientType, clientID int32) []uint32 {
	cc.peersMu.Lock()
	defer cc.peersMu.Unlock()
	p := cc.peerLocked(clientType, clientID)
	if len(p.needToAck) == 0 {
		return nil
	}
	keys := p.needToAck
	p.needToAck = nil
	return keys
}

// trackSentUnacked records that we sent msgKey to peer and want it
// acked eventually.
func (cc *ClientComm) trackSentUnacked(clientType, clientID int32, msgKey uint32) {
	cc.peersMu.Lock()
	defer cc.peersMu.Unlock()
	p := cc.peerLocked(clientType, clientID)
	p.sentUnacked = append(p.sentUnacked, msgKey)
}

// clearSentUnacked removes a single key from peer's sent_unacked list,
// called when an ACK whose msg_key equals that key arrives.
func (cc *ClientComm) clearSentUnacked(clientType, clientID int32, msgKey uint32) {
	cc.clearSentUnackedMany(clientType, clientID, []uint32{msgKey})
}

// clearSentUnackedMany removes every key in keys from peer's
// sent_unacked list, called for a record's ack_keys field.
func (cc *ClientComm) clearSentUnackedMany(clientType, clientID int32, keys []uint32) {
	if len(keys) == 0 {
		return
	}
	remove := make(map[uint32]struct{}, len(keys))
	for _, k := range keys {
		remove[k] = struct{}{}
	}

	cc.peersMu.Lock()
	defer cc.peersMu.Unlock()
	p := cc.peerLocked(clientType, clientID)
	if len(p.sentUnacked) == 0 {
		return
	}
	kept := p.sentUnacked[:0]
	for _, k := range p.sentUnacked {
		if _, drop := remove[k]; !drop {
			kept = append(kept, k)
		}
	}
	p.sentUnacked = kept
}

// SentUnacked returns a snapshot of keys still awaiting ack from peer,
// for diagnostics and tests.
func (cc *ClientComm) SentUnacked(clientType, clientID int32) []uint32 {
	cc.peersMu.Lock()
	defer cc.peersMu.Unlock()
	p := cc.peerLocked(clientType, clientID)
	return append([]uint32(nil), p.sentUnacked...)
}

// PeerOnline reports whether peer has been observed sending a record
// (and not since logged off).
func (cc *ClientComm) PeerOnline(clientType, clientID int32) bool {
	cc.peersMu.Lock()
	defer cc.peersMu.Unlock()
	return cc.peerLocked(clientType, clientID).online
}
