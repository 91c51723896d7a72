// Package feed defines the external-feed-bridge contract the broker
// uses to ingest messages from outside its own client population
// (spec §4.9). Kafka and NATS adapters live in sibling packages
// (kafkafeed, natsfeed); both satisfy Source and both call a Publish
// func to hand a message to the broker's fan-out path without knowing
// anything about sessions, connections, or the wire format.
package feed

import "context"

// Publish injects a message on topic into the broker's subscription
// fan-out, as if it had arrived from a client with no destination and
// no identity. Implemented by session.PublishExternal in cmd/broker's
// wiring. Returns the number of subscriber sessions it matched; with a
// worker pool, delivery to them completes asynchronously.
type Publish func(topic int32, payload []byte) int

// Source is one external feed bridge. Start must not block past its
// own setup (it spawns its consume loop in a goroutine); Stop blocks
// until that goroutine has exited.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
}
