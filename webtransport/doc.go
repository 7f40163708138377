// Package webtransport is the relay's narrow transport abstraction:
// inbound byte buffers and accepted streams on a WebTransport-over-HTTP/3
// session, and the outbound equivalents. It wraps
// github.com/quic-go/webtransport-go so the rest of this relay depends on
// one small surface (Server, Session, Stream, SendStream, ReceiveStream)
// instead of importing the transport library directly.
package webtransport
