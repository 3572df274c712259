// Package redisstream provides Redis adapters for xdispatch: a Streams
// producer and consumer, an outbox kept in hashes and sorted sets, and an
// inbox on SET NX keys.
//
// Producer name: "redis-streams"
//
// Minimal config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - stream_prefix: prepended to the topic to name the stream (default "")
//   - max_len_approx: XADD MAXLEN ~ (default 0 = unbounded)
//   - group: consumer group name (default "xdispatch")
//   - consumer: consumer name (default "xdispatch-<host>-<pid>")
//   - concurrency: number of workers (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - dead_letter: stream receiving messages the handler rejected (optional)
//   - key_prefix: prefix for outbox and inbox keys (default "xdispatch:")
//   - inbox_ttl: expiry of inbox entries (default 0 = keep)
//
// Example builder usage:
//
//	proc, _ := xdispatch.NewProcessorBuilder().
//	    WithRegistry(reg).
//	    WithHandlerFactory(factory).
//	    WithMappers(mappers).
//	    WithOutbox(redisstream.NewOutbox(client, "orders:")).
//	    WithNamedProducer("orders.placed", redisstream.ProducerName, map[string]any{
//	        "addr":           "localhost:6379",
//	        "max_len_approx": int64(100000),
//	    }).
//	    Build()
package redisstream
