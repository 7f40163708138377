package relation

import "context"

// sessionEntry's publisher/subscriber capability is a pair of bits rather
// than a strict enum, since MoQT's SETUP ROLE parameter allows a session
// to announce PubSub (both publisher and subscriber).
type sessionEntry struct {
	canPublish       bool
	canSubscribe     bool
	maxSubscribeID   uint64
	usedSubscribeIDs map[uint64]struct{}
	usedTrackAliases map[uint64]struct{}
	announced        map[string][]string // namespaceKey -> namespace
	prefixes         map[string][]string // namespaceKey -> prefix
}

func newSessionEntry(canPublish, canSubscribe bool, maxSubscribeID uint64) *sessionEntry {
	return &sessionEntry{
		canPublish:       canPublish,
		canSubscribe:     canSubscribe,
		maxSubscribeID:   maxSubscribeID,
		usedSubscribeIDs: make(map[uint64]struct{}),
		usedTrackAliases: make(map[uint64]struct{}),
		announced:        make(map[string][]string),
		prefixes:         make(map[string][]string),
	}
}

type edgeKey struct {
	up   Endpoint
	down Endpoint
}

// Manager is the pub/sub relation manager described in this relay's
// design: a single owner goroutine that serializes every mutation behind a
// command channel, giving total ordering without explicit locks.
type Manager struct {
	cmdCh chan func()

	sessions map[SessionID]*sessionEntry

	// subscriptions is keyed by (session, subscribe_id); both upstream and
	// downstream subscriptions live here, distinguished by the owning
	// session's canPublish/canSubscribe capability.
	subscriptions map[SessionID]map[uint64]*Subscription

	// namespaceOwner maps an announced namespace to the publisher session.
	namespaceOwner map[string]SessionID

	// edges maps an upstream endpoint to the set of downstream endpoints
	// bound to it.
	edges map[Endpoint]map[Endpoint]struct{}
}

// NewManager starts the owner goroutine and returns a handle to it. The
// goroutine exits when ctx is cancelled.
func NewManager(ctx context.Context) *Manager {
	m := &Manager{
		cmdCh:          make(chan func(), 64),
		sessions:       make(map[SessionID]*sessionEntry),
		subscriptions:  make(map[SessionID]map[uint64]*Subscription),
		namespaceOwner: make(map[string]SessionID),
		edges:          make(map[Endpoint]map[Endpoint]struct{}),
	}
	go m.run(ctx)
	return m
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.cmdCh:
			cmd()
		}
	}
}

// call submits fn to the owner goroutine and blocks until it runs.
func (m *Manager) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case m.cmdCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetupPublisher registers session as a publisher with the given
// max_subscribe_id. Fails if the session is already registered.
func (m *Manager) SetupPublisher(ctx context.Context, session SessionID, maxSubscribeID uint64) error {
	return m.setup(ctx, session, true, false, maxSubscribeID)
}

// SetupSubscriber registers session as a subscriber with the given
// max_subscribe_id. Fails if the session is already registered.
func (m *Manager) SetupSubscriber(ctx context.Context, session SessionID, maxSubscribeID uint64) error {
	return m.setup(ctx, session, false, true, maxSubscribeID)
}

// SetupPubSub registers session as both a publisher and a subscriber,
// for SETUP's ROLE=PubSub.
func (m *Manager) SetupPubSub(ctx context.Context, session SessionID, maxSubscribeID uint64) error {
	return m.setup(ctx, session, true, true, maxSubscribeID)
}

func (m *Manager) setup(ctx context.Context, session SessionID, canPublish, canSubscribe bool, maxSubscribeID uint64) error {
	var outErr error
	err := m.call(ctx, func() {
		if _, ok := m.sessions[session]; ok {
			outErr = ErrSessionExists
			return
		}
		m.sessions[session] = newSessionEntry(canPublish, canSubscribe, maxSubscribeID)
		m.subscriptions[session] = make(map[uint64]*Subscription)
	})
	if err != nil {
		return err
	}
	return outErr
}

// SetUpstreamAnnouncedNamespace registers namespace as announced by session.
// Only one publisher may hold a given exact namespace at a time.
func (m *Manager) SetUpstreamAnnouncedNamespace(ctx context.Context, session SessionID, namespace []string) error {
	var outErr error
	err := m.call(ctx, func() {
		se, ok := m.sessions[session]
		if !ok {
			outErr = ErrSessionNotFound
			return
		}
		key := namespaceKey(namespace)
		if owner, exists := m.namespaceOwner[key]; exists && owner != session {
			outErr = ErrNamespaceExists
			return
		}
		m.namespaceOwner[key] = session
		se.announced[key] = namespace
	})
	if err != nil {
		return err
	}
	return outErr
}

// DeleteUpstreamAnnouncedNamespace withdraws a previously announced
// namespace.
func (m *Manager) DeleteUpstreamAnnouncedNamespace(ctx context.Context, session SessionID, namespace []string) error {
	var outErr error
	err := m.call(ctx, func() {
		se, ok := m.sessions[session]
		if !ok {
			outErr = ErrSessionNotFound
			return
		}
		key := namespaceKey(namespace)
		if _, ok := se.announced[key]; !ok {
			outErr = ErrNamespaceNotFound
			return
		}
		delete(se.announced, key)
		delete(m.namespaceOwner, key)
	})
	if err != nil {
		return err
	}
	return outErr
}

// SetDownstreamSubscribedNamespacePrefix registers prefix for session,
// rejecting it if it overlaps any existing registered prefix for any
// session (one is a prefix of the other, element-by-element).
func (m *Manager) SetDownstreamSubscribedNamespacePrefix(ctx context.Context, session SessionID, prefix []string) error {
	var outErr error
	err := m.call(ctx, func() {
		se, ok := m.sessions[session]
		if !ok {
			outErr = ErrSessionNotFound
			return
		}
		for _, other := range m.sessions {
			for _, existing := range other.prefixes {
				if prefixOverlaps(existing, prefix) {
					outErr = ErrPrefixOverlap
					return
				}
			}
		}
		se.prefixes[namespaceKey(prefix)] = prefix
	})
	if err != nil {
		return err
	}
	return outErr
}

// MatchingAnnouncedNamespaces returns every currently-announced upstream
// namespace matching prefix, used to backfill ANNOUNCE on a new
// SUBSCRIBE_ANNOUNCES.
func (m *Manager) MatchingAnnouncedNamespaces(ctx context.Context, prefix []string) ([][]string, error) {
	var out [][]string
	err := m.call(ctx, func() {
		seen := make(map[string]struct{})
		for _, se := range m.sessions {
			for key, ns := range se.announced {
				if _, dup := seen[key]; dup {
					continue
				}
				if prefixOverlaps(ns, prefix) {
					out = append(out, ns)
					seen[key] = struct{}{}
				}
			}
		}
	})
	return out, err
}

// MatchingSubscriberSessions returns the session ids whose registered
// prefix matches namespace, used to fan out ANNOUNCE/UNANNOUNCE.
func (m *Manager) MatchingSubscriberSessions(ctx context.Context, namespace []string) ([]SessionID, error) {
	var out []SessionID
	err := m.call(ctx, func() {
		for id, se := range m.sessions {
			if !se.canSubscribe {
				continue
			}
			for _, prefix := range se.prefixes {
				if prefixOverlaps(namespace, prefix) {
					out = append(out, id)
					break
				}
			}
		}
	})
	return out, err
}

// IsValidDownstreamSubscribeID reports whether id is below session's
// max_subscribe_id and not already in use.
func (m *Manager) IsValidDownstreamSubscribeID(ctx context.Context, session SessionID, id uint64) (bool, error) {
	var valid bool
	err := m.call(ctx, func() {
		se, ok := m.sessions[session]
		if !ok {
			return
		}
		if _, used := se.usedSubscribeIDs[id]; used {
			return
		}
		valid = id < se.maxSubscribeID
	})
	return valid, err
}

// IsValidDownstreamTrackAlias reports whether alias is not already in use
// by session.
func (m *Manager) IsValidDownstreamTrackAlias(ctx context.Context, session SessionID, alias uint64) (bool, error) {
	var valid bool
	err := m.call(ctx, func() {
		se, ok := m.sessions[session]
		if !ok {
			return
		}
		_, used := se.usedTrackAliases[alias]
		valid = !used
	})
	return valid, err
}

// NextUnusedTrackAlias returns the lowest unused track alias for session,
// suggested in SUBSCRIBE_ERROR{RetryTrackAlias}.
func (m *Manager) NextUnusedTrackAlias(ctx context.Context, session SessionID) (uint64, error) {
	var alias uint64
	err := m.call(ctx, func() {
		se, ok := m.sessions[session]
		if !ok {
			return
		}
		alias = lowestUnused(se.usedTrackAliases)
	})
	return alias, err
}

func lowestUnused(used map[uint64]struct{}) uint64 {
	for i := uint64(0); ; i++ {
		if _, ok := used[i]; !ok {
			return i
		}
	}
}

// IsTrackExisting reports whether some upstream subscription already
// exists for (namespace, name).
func (m *Manager) IsTrackExisting(ctx context.Context, namespace []string, name string) (bool, error) {
	var found bool
	err := m.call(ctx, func() {
		key := trackKey(namespace, name)
		for session, subs := range m.subscriptions {
			se := m.sessions[session]
			if se == nil || !se.canPublish {
				continue
			}
			for _, s := range subs {
				if s.FullTrackName() == key {
					found = true
					return
				}
			}
		}
	})
	return found, err
}

// SetDownstreamSubscription inserts a downstream subscription using the IDs
// supplied by the subscriber.
func (m *Manager) SetDownstreamSubscription(ctx context.Context, session SessionID, subscribeID, trackAlias uint64, namespace []string, name string) error {
	return m.insertSubscription(ctx, session, subscribeID, trackAlias, namespace, name, false)
}

// SetUpstreamSubscription allocates a fresh (subscribe_id, track_alias)
// pair unique within session and inserts the upstream subscription record.
func (m *Manager) SetUpstreamSubscription(ctx context.Context, session SessionID, namespace []string, name string) (subscribeID, trackAlias uint64, err error) {
	var outErr error
	callErr := m.call(ctx, func() {
		se, ok := m.sessions[session]
		if !ok {
			outErr = ErrSessionNotFound
			return
		}
		subscribeID = lowestUnused(se.usedSubscribeIDs)
		trackAlias = lowestUnused(se.usedTrackAliases)
		se.usedSubscribeIDs[subscribeID] = struct{}{}
		se.usedTrackAliases[trackAlias] = struct{}{}
		m.subscriptions[session][subscribeID] = &Subscription{
			Session: session, SubscribeID: subscribeID, TrackAlias: trackAlias,
			Namespace: namespace, TrackName: name, State: StateRequesting,
		}
	})
	if callErr != nil {
		return subscribeID, trackAlias, callErr
	}
	return subscribeID, trackAlias, outErr
}

func (m *Manager) insertSubscription(ctx context.Context, session SessionID, subscribeID, trackAlias uint64, namespace []string, name string, wantPublisher bool) error {
	var outErr error
	err := m.call(ctx, func() {
		se, ok := m.sessions[session]
		if !ok {
			outErr = ErrSessionNotFound
			return
		}
		if wantPublisher && !se.canPublish {
			outErr = ErrNotUpstream
			return
		}
		if !wantPublisher && !se.canSubscribe {
			outErr = ErrNotDownstream
			return
		}
		if _, used := se.usedSubscribeIDs[subscribeID]; used {
			outErr = ErrSubscribeIDInUse
			return
		}
		se.usedSubscribeIDs[subscribeID] = struct{}{}
		se.usedTrackAliases[trackAlias] = struct{}{}
		m.subscriptions[session][subscribeID] = &Subscription{
			Session: session, SubscribeID: subscribeID, TrackAlias: trackAlias,
			Namespace: namespace, TrackName: name, State: StateRequesting,
		}
	})
	if err != nil {
		return err
	}
	return outErr
}

// SetPubsubRelation inserts the edge (upstream) -> (downstream). Fails if
// either endpoint is not a registered subscription.
func (m *Manager) SetPubsubRelation(ctx context.Context, upSession SessionID, upID uint64, downSession SessionID, downID uint64) error {
	var outErr error
	err := m.call(ctx, func() {
		if m.lookupSubscription(upSession, upID) == nil || m.lookupSubscription(downSession, downID) == nil {
			outErr = ErrSubscriptionNotFound
			return
		}
		up := Endpoint{Session: upSession, SubscribeID: upID}
		down := Endpoint{Session: downSession, SubscribeID: downID}
		if m.edges[up] == nil {
			m.edges[up] = make(map[Endpoint]struct{})
		}
		m.edges[up][down] = struct{}{}
	})
	if err != nil {
		return err
	}
	return outErr
}

func (m *Manager) lookupSubscription(session SessionID, id uint64) *Subscription {
	subs, ok := m.subscriptions[session]
	if !ok {
		return nil
	}
	return subs[id]
}

// ActivateUpstreamSubscription transitions Requesting -> Active. Idempotent.
func (m *Manager) ActivateUpstreamSubscription(ctx context.Context, session SessionID, id uint64) error {
	return m.activate(ctx, session, id)
}

// ActivateDownstreamSubscription transitions Requesting -> Active. Idempotent.
func (m *Manager) ActivateDownstreamSubscription(ctx context.Context, session SessionID, id uint64) error {
	return m.activate(ctx, session, id)
}

func (m *Manager) activate(ctx context.Context, session SessionID, id uint64) error {
	var outErr error
	err := m.call(ctx, func() {
		s := m.lookupSubscription(session, id)
		if s == nil {
			outErr = ErrSubscriptionNotFound
			return
		}
		if s.State == StateRequesting {
			s.State = StateActive
		}
	})
	if err != nil {
		return err
	}
	return outErr
}

// MarkFailed transitions a subscription to Failed, used when an upstream
// SUBSCRIBE_ERROR arrives.
func (m *Manager) MarkFailed(ctx context.Context, session SessionID, id uint64) error {
	var outErr error
	err := m.call(ctx, func() {
		s := m.lookupSubscription(session, id)
		if s == nil {
			outErr = ErrSubscriptionNotFound
			return
		}
		s.State = StateFailed
	})
	if err != nil {
		return err
	}
	return outErr
}

// GetRequestingDownstreamEndpoints returns the downstream endpoints bound
// to (upSession, upID) that are still Requesting.
func (m *Manager) GetRequestingDownstreamEndpoints(ctx context.Context, upSession SessionID, upID uint64) ([]Endpoint, error) {
	var out []Endpoint
	err := m.call(ctx, func() {
		up := Endpoint{Session: upSession, SubscribeID: upID}
		for down := range m.edges[up] {
			if s := m.lookupSubscription(down.Session, down.SubscribeID); s != nil && s.State == StateRequesting {
				out = append(out, down)
			}
		}
	})
	return out, err
}

// GetAllDownstreamEndpoints returns every downstream endpoint bound to the
// given upstream, regardless of state; used when fanning out
// SUBSCRIBE_ERROR or tearing down on upstream loss.
func (m *Manager) GetAllDownstreamEndpoints(ctx context.Context, upSession SessionID, upID uint64) ([]Endpoint, error) {
	var out []Endpoint
	err := m.call(ctx, func() {
		up := Endpoint{Session: upSession, SubscribeID: upID}
		for down := range m.edges[up] {
			out = append(out, down)
		}
	})
	return out, err
}

// GetUpstreamEndpoint returns the upstream endpoint bound to a downstream
// endpoint, if any.
func (m *Manager) GetUpstreamEndpoint(ctx context.Context, downSession SessionID, downID uint64) (Endpoint, bool, error) {
	var up Endpoint
	var found bool
	err := m.call(ctx, func() {
		down := Endpoint{Session: downSession, SubscribeID: downID}
		for upEp, downs := range m.edges {
			if _, ok := downs[down]; ok {
				up, found = upEp, true
				return
			}
		}
	})
	return up, found, err
}

// GetUpstreamSessionID returns the session that announced namespace, if
// any.
func (m *Manager) GetUpstreamSessionID(ctx context.Context, namespace []string) (SessionID, bool, error) {
	var id SessionID
	var found bool
	err := m.call(ctx, func() {
		id, found = m.namespaceOwner[namespaceKey(namespace)]
	})
	return id, found, err
}

// GetUpstreamSubscription returns the upstream subscription for
// (namespace, name) hosted by upSession, if any.
func (m *Manager) GetUpstreamSubscription(ctx context.Context, namespace []string, name string, upSession SessionID) (*Subscription, bool, error) {
	var found *Subscription
	err := m.call(ctx, func() {
		key := trackKey(namespace, name)
		for _, s := range m.subscriptions[upSession] {
			if s.FullTrackName() == key {
				cp := *s
				found = &cp
				return
			}
		}
	})
	return found, found != nil, err
}

// RemoveDownstreamEdge removes the relation edge for a downstream endpoint
// and reports whether the upstream it was bound to has no remaining
// downstreams.
func (m *Manager) RemoveDownstreamEdge(ctx context.Context, downSession SessionID, downID uint64) (upstream Endpoint, upstreamEmpty bool, err error) {
	err = m.call(ctx, func() {
		down := Endpoint{Session: downSession, SubscribeID: downID}
		for up, downs := range m.edges {
			if _, ok := downs[down]; ok {
				delete(downs, down)
				upstream = up
				upstreamEmpty = len(downs) == 0
				if upstreamEmpty {
					delete(m.edges, up)
				}
				return
			}
		}
	})
	return upstream, upstreamEmpty, err
}

// DeleteSubscription removes the subscription record at (session, id) and
// frees its subscribe_id and track_alias so they can be reused by a later
// SUBSCRIBE, per the lifecycle in spec.md section 3: a subscription is
// destroyed on UNSUBSCRIBE (or session close, handled by DeleteClient). It
// does not touch relation edges; callers that still hold one (e.g.
// HandleUnsubscribe) remove it separately via RemoveDownstreamEdge.
func (m *Manager) DeleteSubscription(ctx context.Context, session SessionID, id uint64) error {
	var outErr error
	err := m.call(ctx, func() {
		subs, ok := m.subscriptions[session]
		if !ok {
			outErr = ErrSessionNotFound
			return
		}
		s, ok := subs[id]
		if !ok {
			outErr = ErrSubscriptionNotFound
			return
		}
		delete(subs, id)
		if se, ok := m.sessions[session]; ok {
			delete(se.usedSubscribeIDs, id)
			delete(se.usedTrackAliases, s.TrackAlias)
		}
	})
	if err != nil {
		return err
	}
	return outErr
}

// DeleteClient removes session and every subscription and edge touching
// it, returning whether anything was removed.
func (m *Manager) DeleteClient(ctx context.Context, session SessionID) (bool, error) {
	var removed bool
	err := m.call(ctx, func() {
		if _, ok := m.sessions[session]; !ok {
			return
		}
		removed = true

		for key, owner := range m.namespaceOwner {
			if owner == session {
				delete(m.namespaceOwner, key)
			}
		}

		for up := range m.edges {
			if up.Session == session {
				delete(m.edges, up)
				continue
			}
			for down := range m.edges[up] {
				if down.Session == session {
					delete(m.edges[up], down)
				}
			}
			if len(m.edges[up]) == 0 {
				delete(m.edges, up)
			}
		}

		delete(m.subscriptions, session)
		delete(m.sessions, session)
	})
	return removed, err
}
