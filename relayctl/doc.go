// Package relayctl implements the control-message handlers: one function
// per MoQT control message type, validating session state and mutating
// the relation manager and object cache, plus the control-message
// dispatcher that routes outbound messages to a session's control-stream
// writer.
package relayctl
