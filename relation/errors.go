package relation

import "errors"

var (
	ErrSessionExists        = errors.New("relation: session id already registered")
	ErrSessionNotFound      = errors.New("relation: session id not registered")
	ErrNamespaceExists      = errors.New("relation: namespace already announced by another session")
	ErrNamespaceNotFound    = errors.New("relation: namespace not announced")
	ErrPrefixOverlap        = errors.New("relation: prefix overlaps an existing registration")
	ErrSubscribeIDInUse     = errors.New("relation: subscribe id already in use")
	ErrSubscriptionNotFound = errors.New("relation: subscription not found")
	ErrNotUpstream          = errors.New("relation: session is not a publisher")
	ErrNotDownstream        = errors.New("relation: session is not a subscriber")
)
