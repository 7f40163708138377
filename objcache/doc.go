// Package objcache implements the object cache storage: a per-subscription,
// per-stream-kind TTL cache of objects that serves late or slow
// subscribers without re-requesting from the publisher.
//
// Like the relation manager, a single goroutine owns all cache state and
// serializes mutations behind a command channel. Cache keys are
// (session_id, upstream_subscribe_id); a key hosts either a datagram cache
// or a subgroup-stream cache, never both.
package objcache
