// Package moq implements the wire-protocol codec for Media-over-QUIC
// Transport: the QUIC-style variable-length integer encoding, every control
// message exchanged on a session's bidirectional control stream, and the
// datagram/subgroup-stream framing used on the data plane.
//
// This package contains no session, relay, or cache logic; those concerns
// live in the relation, objcache, relayctl, forward and session packages.
package moq
