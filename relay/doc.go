// Package relay fans committed status events out across tracker instances
// through Redis pub/sub.
//
// Each instance registers the relay as an extension and runs its
// subscription loop. Local writes are published to a shared channel as
// MessagePack-encoded stream events tagged with the instance ID; events
// from other instances are injected into the local broker so WebSocket
// subscribers see every write regardless of which instance committed it.
//
// Usage:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	eng, _ := engine.Build(tracker)
//	r := relay.New(rdb, eng.Broker())
//	eng.Extensions().Register(r)
//	go r.Run(ctx)
//
// To relay only some event types:
//
//	r := relay.New(rdb, eng.Broker(),
//	    relay.WithEvents(stream.EventStatusChange),
//	)
//
// Ordering across instances follows Redis delivery order on the channel.
// Per-entity ordering holds because an instance publishes while it still
// holds the entity lock and subscribers drop versions they have already
// seen.
package relay
