// Package session supervises one connected MoQT-over-WebTransport peer: it
// runs the control-message read loop (dispatching into relayctl.Handler),
// accepts incoming data-plane datagrams and uni-directional streams when
// the peer is acting as a publisher, and implements the interfaces the
// relayctl and forward packages need to reach back out to this connection.
package session
