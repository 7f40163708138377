package forward

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/moqrelay/metrics"
	"github.com/zsiec/moqrelay/objcache"
	"github.com/zsiec/moqrelay/relayctl"
)

// DefaultPollInterval is how often a Forwarder checks the object cache for
// new entries once it has caught up to the live edge.
const DefaultPollInterval = 20 * time.Millisecond

type endpoint struct {
	session     uint64
	subscribeID uint64
}

// Manager tracks one running Forwarder per downstream endpoint and
// implements relayctl.ForwarderSpawner.
type Manager struct {
	cache    *objcache.Cache
	senders  SenderLookup
	dispatch relayctl.Dispatcher
	metrics  *metrics.Registry
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	running map[endpoint]context.CancelFunc
}

// SenderLookup resolves the ObjectSender for a connected downstream
// session. A session that has since disconnected returns (nil, false).
type SenderLookup interface {
	Sender(session uint64) (ObjectSender, bool)
}

// NewManager builds a forwarder Manager. interval <= 0 uses
// DefaultPollInterval. dispatch carries SUBSCRIBE_DONE back to the
// downstream's control stream when a forwarder finishes or fails.
func NewManager(cache *objcache.Cache, senders SenderLookup, dispatch relayctl.Dispatcher, reg *metrics.Registry, logger *slog.Logger, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Manager{
		cache: cache, senders: senders, dispatch: dispatch, metrics: reg, logger: logger, interval: interval,
		running: make(map[endpoint]context.CancelFunc),
	}
}

var _ relayctl.ForwarderSpawner = (*Manager)(nil)

// Spawn starts a Forwarder for req, stopping any previous forwarder already
// running for the same downstream endpoint.
func (m *Manager) Spawn(ctx context.Context, req relayctl.ForwardRequest) error {
	ep := endpoint{req.DownstreamSession, req.DownstreamSubscribeID}

	sender, ok := m.senders.Sender(req.DownstreamSession)
	if !ok {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	if old, exists := m.running[ep]; exists {
		old()
	}
	m.running[ep] = cancel
	m.mu.Unlock()

	f := &Forwarder{
		cache:    m.cache,
		sender:   sender,
		dispatch: m.dispatch,
		metrics:  m.metrics,
		logger:   m.logger.With("downstream_session", req.DownstreamSession, "downstream_subscribe_id", req.DownstreamSubscribeID),
		interval: m.interval,
		req:      req,
	}
	go func() {
		defer cancel()
		f.run(runCtx)
		m.mu.Lock()
		if m.running[ep] != nil {
			delete(m.running, ep)
		}
		m.mu.Unlock()
	}()
	return nil
}

// Stop cancels the forwarder running for a downstream endpoint, if any.
func (m *Manager) Stop(session, subscribeID uint64) {
	ep := endpoint{session, subscribeID}
	m.mu.Lock()
	cancel, ok := m.running[ep]
	if ok {
		delete(m.running, ep)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}
