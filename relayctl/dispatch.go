package relayctl

import (
	"context"

	"github.com/zsiec/moqrelay/moq"
)

// Dispatcher routes an outbound control message to the correct session's
// control-stream writer task. Implementations must totally order writes
// for a given session, serializing writes per peer.
type Dispatcher interface {
	Send(ctx context.Context, session uint64, msgType uint64, payload []byte) error
}

// ForwardRequest describes a downstream subscription ready to start
// receiving objects: the bound upstream endpoint, the IDs to re-frame
// forwarded objects with, and the original SUBSCRIBE that selects the
// start position, filter, and group order.
type ForwardRequest struct {
	DownstreamSession     uint64
	DownstreamSubscribeID uint64
	DownstreamTrackAlias  uint64
	UpstreamSession       uint64
	UpstreamSubscribeID   uint64
	Subscribe             moq.Subscribe
}

// ForwarderSpawner starts and stops the per-subscription forwarder task for
// a downstream subscription.
type ForwarderSpawner interface {
	Spawn(ctx context.Context, req ForwardRequest) error
	Stop(downstreamSession, downstreamSubscribeID uint64)
}
