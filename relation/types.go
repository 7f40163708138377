package relation

import (
	"strconv"
	"strings"
)

// SessionID identifies a transport session (one per connected MoQT peer).
type SessionID uint64

// SubscribeState is a subscription's position in its lifecycle.
type SubscribeState int

const (
	StateRequesting SubscribeState = iota
	StateActive
	StateFailed
	StateCancelled
)

func (s SubscribeState) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Endpoint identifies one side of a pub/sub relation edge.
type Endpoint struct {
	Session    SessionID
	SubscribeID uint64
}

// Subscription is a single upstream or downstream subscribe record.
type Subscription struct {
	Session     SessionID
	SubscribeID uint64
	TrackAlias  uint64
	Namespace   []string
	TrackName   string
	State       SubscribeState
}

// FullTrackName returns the (namespace, name) key identifying a track.
func (s Subscription) FullTrackName() string {
	return trackKey(s.Namespace, s.TrackName)
}

// namespaceKey renders a namespace tuple into an unambiguous map key: each
// part is length-prefixed so that ["a","bc"] and ["ab","c"] never collide.
func namespaceKey(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

func trackKey(namespace []string, name string) string {
	return namespaceKey(namespace) + "|" + strconv.Itoa(len(name)) + ":" + name
}

// prefixOverlaps reports whether a and b overlap as namespace prefixes: one
// is a prefix of the other, considered element-by-element on the tuple.
func prefixOverlaps(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
