package relayctl

import "errors"

var (
	// ErrProtocolViolation is returned when a control message arrives
	// outside its legal state-machine window.
	ErrProtocolViolation = errors.New("relayctl: protocol violation")
	ErrNoCompatibleVersion = errors.New("relayctl: no compatible version")
	ErrUnauthorized        = errors.New("relayctl: authorization failed")
)
