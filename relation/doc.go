// Package relation implements the pub/sub relation manager: the in-memory
// index of track namespaces, track names, track aliases and subscribe IDs
// across upstream (publisher-side) and downstream (subscriber-side)
// subscriptions, plus the many-to-many relation recording which downstream
// subscribers depend on which upstream subscription.
//
// A single goroutine owns all state and serializes every mutation behind a
// command channel; every exported method sends a closure to that goroutine
// and blocks for its reply. This gives total ordering of state transitions
// without explicit locks, mirroring the single-owner-task discipline used
// throughout this relay.
package relation
