// Package forward runs the per-subscription forwarder task: once a
// downstream subscription is bound to an upstream track, a Forwarder polls
// the object cache for new objects and writes them to the downstream
// session, re-framed with the downstream's track_alias.
package forward
