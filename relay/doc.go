// Package relay forwards a store's change feed to external systems
// (NATS JetStream, Kafka).
//
// A Relay attaches a listener to the store's shared change feed, buffers
// events in a bounded in-memory queue, and delivers them to a Sink with
// exponential-backoff retries. Payloads are msgpack-encoded Event records,
// keyed by document id so partitioned sinks keep per-document ordering.
//
// # Delivery semantics
//
// Delivery is best-effort, at-most-once: the queue is memory only, and when
// it overflows the oldest undelivered event is dropped (counted by the
// vole_relay_dropped_total metric) in favor of the newest. Consumers that
// need a complete history should read the store's change feed directly with
// a Since cursor instead.
//
// # Sinks
//
// Sink implementations register themselves by type:
//
//	import _ "github.com/maxpert/vole/relay/sink"
//
//	snk, err := relay.NewSink(relay.SinkConfig{Type: "nats", URL: natsURL})
//	if err != nil {
//		return err
//	}
//	r, err := relay.NewRelay(relay.Config{
//		Name:        "audit",
//		Store:       store,
//		Sink:        snk,
//		SubjectPrefix: "vole.changes",
//		IncludeDocs: true,
//	})
//	if err != nil {
//		return err
//	}
//	r.Start()
//	defer r.Stop()
//
// A GlobFilter narrows the relayed set by document id pattern; design
// documents are excluded by default.
package relay
