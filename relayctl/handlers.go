package relayctl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/moqrelay/metrics"
	"github.com/zsiec/moqrelay/moq"
	"github.com/zsiec/moqrelay/objcache"
	"github.com/zsiec/moqrelay/relation"
)

// Handler wires the control-message state machine to the relation manager,
// the object cache, and the per-session dispatcher. One Handler is shared
// across every session; all session-specific state lives in the relation
// manager, the cache, and StateTracker.
type Handler struct {
	rel       *relation.Manager
	cache     *objcache.Cache
	dispatch  Dispatcher
	forwarder ForwarderSpawner
	auth      *Authorizer
	states    *StateTracker
	metrics   *metrics.Registry
	logger    *slog.Logger
	cacheTTL  time.Duration
}

// NewHandler builds a Handler. cacheTTL is stored on the Handler but no
// handler reads it; objects ingested into the cache get the TTL passed to
// session.New.
func NewHandler(rel *relation.Manager, cache *objcache.Cache, dispatch Dispatcher, forwarder ForwarderSpawner, auth *Authorizer, states *StateTracker, reg *metrics.Registry, logger *slog.Logger, cacheTTL time.Duration) *Handler {
	return &Handler{
		rel: rel, cache: cache, dispatch: dispatch, forwarder: forwarder,
		auth: auth, states: states, metrics: reg, logger: logger, cacheTTL: cacheTTL,
	}
}

// HandleClientSetup processes CLIENT_SETUP, the only message legal before a
// session reaches StateSetUp. It negotiates the version, registers the
// session's role with the relation manager, and replies with SERVER_SETUP.
func (h *Handler) HandleClientSetup(ctx context.Context, session uint64, cs moq.ClientSetup) error {
	if h.states.Get(session) != StateConnected {
		h.countError(moq.MsgClientSetup)
		return ErrProtocolViolation
	}

	selected, ok := negotiateVersion(cs.Versions)
	if !ok {
		h.countError(moq.MsgClientSetup)
		return ErrNoCompatibleVersion
	}

	if err := h.auth.Check(cs.Params); err != nil {
		h.countError(moq.MsgClientSetup)
		return err
	}

	roleParam, _ := cs.Params.GetVarint(moq.ParamRole)
	if roleParam == 0 {
		roleParam = moq.RolePubSub
	}

	sid := relation.SessionID(session)
	var maxSub uint64
	if v, ok := cs.Params.GetVarint(moq.ParamMaxSubscribeID); ok {
		maxSub = v
	}

	var err error
	switch roleParam {
	case moq.RolePublisher:
		err = h.rel.SetupPublisher(ctx, sid, maxSub)
	case moq.RoleSubscriber:
		err = h.rel.SetupSubscriber(ctx, sid, maxSub)
	default:
		err = h.rel.SetupPubSub(ctx, sid, maxSub)
	}
	if err != nil {
		return err
	}

	h.states.Set(session, StateSetUp)
	h.metrics.ActiveSessions.Inc()

	payload := moq.SerializeServerSetup(moq.ServerSetup{SelectedVersion: selected})
	return h.dispatch.Send(ctx, session, moq.MsgServerSetup, payload)
}

func negotiateVersion(offered []uint64) (uint64, bool) {
	for _, v := range offered {
		if v == moq.Version {
			return moq.Version, true
		}
	}
	return 0, false
}

func (h *Handler) countError(msgType uint64) {
	if h.metrics == nil {
		return
	}
	h.metrics.ControlErrors.WithLabelValues(msgTypeName(msgType)).Inc()
}

func msgTypeName(t uint64) string {
	switch t {
	case moq.MsgClientSetup:
		return "client_setup"
	case moq.MsgSubscribe:
		return "subscribe"
	case moq.MsgSubscribeOK:
		return "subscribe_ok"
	case moq.MsgSubscribeError:
		return "subscribe_error"
	case moq.MsgUnsubscribe:
		return "unsubscribe"
	case moq.MsgAnnounce:
		return "announce"
	case moq.MsgUnannounce:
		return "unannounce"
	case moq.MsgSubscribeAnnounces:
		return "subscribe_announces"
	default:
		return "unknown"
	}
}

// HandleSubscribe implements the canonical SUBSCRIBE path: validate IDs,
// resolve the upstream track, and either join an already-forwarding track
// or originate a new upstream SUBSCRIBE.
func (h *Handler) HandleSubscribe(ctx context.Context, session uint64, sub moq.Subscribe) error {
	sid := relation.SessionID(session)

	validID, err := h.rel.IsValidDownstreamSubscribeID(ctx, sid, sub.SubscribeID)
	if err != nil {
		return err
	}
	if !validID {
		return h.dispatch.Send(ctx, session, moq.MsgSubscribeError, moq.SerializeSubscribeError(moq.SubscribeError{
			SubscribeID: sub.SubscribeID, ErrorCode: moq.SubErrInternalError, ReasonPhrase: "subscribe id reused or out of range",
		}))
	}

	validAlias, err := h.rel.IsValidDownstreamTrackAlias(ctx, sid, sub.TrackAlias)
	if err != nil {
		return err
	}
	if !validAlias {
		suggested, err := h.rel.NextUnusedTrackAlias(ctx, sid)
		if err != nil {
			return err
		}
		payload := moq.SerializeSubscribeError(moq.SubscribeError{
			SubscribeID: sub.SubscribeID, ErrorCode: moq.SubErrRetryTrackAlias,
			ReasonPhrase: fmt.Sprintf("track alias in use, retry with %d", suggested),
		})
		return h.dispatch.Send(ctx, session, moq.MsgSubscribeError, payload)
	}

	upSession, found, err := h.rel.GetUpstreamSessionID(ctx, sub.Namespace)
	if err != nil {
		return err
	}
	if !found {
		return h.dispatch.Send(ctx, session, moq.MsgSubscribeError, moq.SerializeSubscribeError(moq.SubscribeError{
			SubscribeID: sub.SubscribeID, ErrorCode: moq.SubErrTrackDoesNotExist, ReasonPhrase: "no publisher for namespace",
		}))
	}

	upSub, found, err := h.rel.GetUpstreamSubscription(ctx, sub.Namespace, sub.TrackName, upSession)
	if err != nil {
		return err
	}

	if err := h.rel.SetDownstreamSubscription(ctx, sid, sub.SubscribeID, sub.TrackAlias, sub.Namespace, sub.TrackName); err != nil {
		return err
	}

	if found {
		return h.joinExistingTrack(ctx, session, sub, upSession, upSub)
	}
	return h.originateUpstreamSubscribe(ctx, session, sub, upSession)
}

// joinExistingTrack binds a downstream subscription to an already-active
// upstream one, replying immediately with cache-derived content_exists
// fields and spawning the forwarder without waiting on the upstream again.
func (h *Handler) joinExistingTrack(ctx context.Context, session uint64, sub moq.Subscribe, upSession relation.SessionID, upSub *relation.Subscription) error {
	sid := relation.SessionID(session)
	if err := h.rel.SetPubsubRelation(ctx, upSession, upSub.SubscribeID, sid, sub.SubscribeID); err != nil {
		return err
	}
	if err := h.rel.ActivateDownstreamSubscription(ctx, sid, sub.SubscribeID); err != nil {
		return err
	}

	key := objcache.Key{Session: uint64(upSession), SubscribeID: upSub.SubscribeID}
	group, hasGroup, err := h.cache.GetLargestGroupID(ctx, key)
	if err != nil {
		return err
	}
	ok := moq.SubscribeOK{SubscribeID: sub.SubscribeID, GroupOrder: sub.GroupOrder}
	if hasGroup {
		object, _, err := h.cache.GetLargestObjectID(ctx, key)
		if err != nil {
			return err
		}
		ok.ContentExists = true
		ok.LargestGroup = group
		ok.LargestObject = object
	}

	if err := h.dispatch.Send(ctx, session, moq.MsgSubscribeOK, moq.SerializeSubscribeOK(ok)); err != nil {
		return err
	}
	h.metrics.ActiveSubscriptions.Inc()

	return h.forwarder.Spawn(ctx, ForwardRequest{
		DownstreamSession: session, DownstreamSubscribeID: sub.SubscribeID, DownstreamTrackAlias: sub.TrackAlias,
		UpstreamSession: uint64(upSession), UpstreamSubscribeID: upSub.SubscribeID, Subscribe: sub,
	})
}

// originateUpstreamSubscribe allocates fresh upstream IDs and forwards a
// re-framed SUBSCRIBE to the publisher; the downstream reply is deferred
// until HandleSubscribeOK/HandleSubscribeError arrives for the upstream
// subscription.
func (h *Handler) originateUpstreamSubscribe(ctx context.Context, session uint64, sub moq.Subscribe, upSession relation.SessionID) error {
	sid := relation.SessionID(session)
	upSubID, upAlias, err := h.rel.SetUpstreamSubscription(ctx, upSession, sub.Namespace, sub.TrackName)
	if err != nil {
		return err
	}
	if err := h.rel.SetPubsubRelation(ctx, upSession, upSubID, sid, sub.SubscribeID); err != nil {
		return err
	}

	upstream := sub
	upstream.SubscribeID = upSubID
	upstream.TrackAlias = upAlias
	return h.dispatch.Send(ctx, uint64(upSession), moq.MsgSubscribe, moq.SerializeSubscribe(upstream))
}

// HandleSubscribeOK activates the upstream subscription and fans the
// confirmation out to every downstream still waiting on it, re-framing IDs
// per downstream and spawning a forwarder for each.
func (h *Handler) HandleSubscribeOK(ctx context.Context, upSession uint64, ok moq.SubscribeOK) error {
	upSID := relation.SessionID(upSession)
	if err := h.rel.ActivateUpstreamSubscription(ctx, upSID, ok.SubscribeID); err != nil {
		return err
	}

	waiting, err := h.rel.GetRequestingDownstreamEndpoints(ctx, upSID, ok.SubscribeID)
	if err != nil {
		return err
	}

	for _, down := range waiting {
		if err := h.rel.ActivateDownstreamSubscription(ctx, down.Session, down.SubscribeID); err != nil {
			h.logger.Error("activate downstream subscription", "err", err)
			continue
		}
		reply := ok
		reply.SubscribeID = down.SubscribeID
		if err := h.dispatch.Send(ctx, uint64(down.Session), moq.MsgSubscribeOK, moq.SerializeSubscribeOK(reply)); err != nil {
			h.logger.Error("send subscribe ok", "err", err)
			continue
		}
		h.metrics.ActiveSubscriptions.Inc()
	}
	return nil
}

// HandleSubscribeError fails the upstream subscription and fans
// SUBSCRIBE_ERROR out to every downstream that was waiting on it.
func (h *Handler) HandleSubscribeError(ctx context.Context, upSession uint64, se moq.SubscribeError) error {
	upSID := relation.SessionID(upSession)
	if err := h.rel.MarkFailed(ctx, upSID, se.SubscribeID); err != nil {
		return err
	}

	downs, err := h.rel.GetAllDownstreamEndpoints(ctx, upSID, se.SubscribeID)
	if err != nil {
		return err
	}
	for _, down := range downs {
		reply := se
		reply.SubscribeID = down.SubscribeID
		if err := h.dispatch.Send(ctx, uint64(down.Session), moq.MsgSubscribeError, moq.SerializeSubscribeError(reply)); err != nil {
			h.logger.Error("send subscribe error", "err", err)
		}
		h.forwarder.Stop(uint64(down.Session), down.SubscribeID)
		if _, _, err := h.rel.RemoveDownstreamEdge(ctx, down.Session, down.SubscribeID); err != nil {
			h.logger.Error("remove downstream edge", "err", err)
		}
	}
	return nil
}

// HandleUnsubscribe removes the downstream edge and subscription record and,
// if it was the last downstream bound to its upstream, cancels the upstream
// subscription by sending it an UNSUBSCRIBE in turn. Cancellation is
// unconditional: there is no grace period once the last viewer leaves.
func (h *Handler) HandleUnsubscribe(ctx context.Context, session uint64, u moq.Unsubscribe) error {
	sid := relation.SessionID(session)
	upstream, upstreamEmpty, err := h.rel.RemoveDownstreamEdge(ctx, sid, u.SubscribeID)
	if err != nil {
		return err
	}
	h.forwarder.Stop(session, u.SubscribeID)
	h.metrics.ActiveSubscriptions.Dec()
	if err := h.rel.DeleteSubscription(ctx, sid, u.SubscribeID); err != nil {
		h.logger.Error("delete downstream subscription", "session", session, "subscribe_id", u.SubscribeID, "err", err)
	}
	if !upstreamEmpty {
		return nil
	}
	return h.dispatch.Send(ctx, uint64(upstream.Session), moq.MsgUnsubscribe, moq.SerializeUnsubscribe(moq.Unsubscribe{SubscribeID: upstream.SubscribeID}))
}

// HandleAnnounce registers namespace as announced by session and fans it
// out to every subscriber whose registered prefix matches.
func (h *Handler) HandleAnnounce(ctx context.Context, session uint64, a moq.Announce) error {
	sid := relation.SessionID(session)
	if err := h.rel.SetUpstreamAnnouncedNamespace(ctx, sid, a.Namespace); err != nil {
		return err
	}
	if err := h.dispatch.Send(ctx, session, moq.MsgAnnounceOK, moq.SerializeAnnounceOK(moq.AnnounceOK{Namespace: a.Namespace})); err != nil {
		return err
	}

	subs, err := h.rel.MatchingSubscriberSessions(ctx, a.Namespace)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if err := h.dispatch.Send(ctx, uint64(s), moq.MsgAnnounce, moq.SerializeAnnounce(a)); err != nil {
			h.logger.Error("fan out announce", "err", err)
		}
	}
	return nil
}

// HandleUnannounce withdraws a namespace and fans UNANNOUNCE out to every
// matching subscriber.
func (h *Handler) HandleUnannounce(ctx context.Context, session uint64, u moq.Unannounce) error {
	sid := relation.SessionID(session)
	if err := h.rel.DeleteUpstreamAnnouncedNamespace(ctx, sid, u.Namespace); err != nil {
		return err
	}

	subs, err := h.rel.MatchingSubscriberSessions(ctx, u.Namespace)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if err := h.dispatch.Send(ctx, uint64(s), moq.MsgUnannounce, moq.SerializeUnannounce(u)); err != nil {
			h.logger.Error("fan out unannounce", "err", err)
		}
	}
	return nil
}

// HandleSubscribeAnnounces registers a prefix for session and backfills
// ANNOUNCE for every already-announced namespace under it.
func (h *Handler) HandleSubscribeAnnounces(ctx context.Context, session uint64, sa moq.SubscribeAnnounces) error {
	sid := relation.SessionID(session)
	if err := h.rel.SetDownstreamSubscribedNamespacePrefix(ctx, sid, sa.Prefix); err != nil {
		if err == relation.ErrPrefixOverlap {
			return h.dispatch.Send(ctx, session, moq.MsgSubscribeAnnouncesErr, moq.SerializeSubscribeAnnouncesError(moq.SubscribeAnnouncesError{
				Prefix: sa.Prefix, ErrorCode: 0x01, ReasonPhrase: "prefix overlaps an existing registration",
			}))
		}
		return err
	}

	if err := h.dispatch.Send(ctx, session, moq.MsgSubscribeAnnouncesOK, moq.SerializeSubscribeAnnouncesOK(moq.SubscribeAnnouncesOK{Prefix: sa.Prefix})); err != nil {
		return err
	}

	namespaces, err := h.rel.MatchingAnnouncedNamespaces(ctx, sa.Prefix)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		if err := h.dispatch.Send(ctx, session, moq.MsgAnnounce, moq.SerializeAnnounce(moq.Announce{Namespace: ns})); err != nil {
			h.logger.Error("backfill announce", "err", err)
		}
	}
	return nil
}

// HandleSessionClosed cascades teardown through the relation manager and
// object cache when a transport session disconnects.
func (h *Handler) HandleSessionClosed(ctx context.Context, session uint64) {
	sid := relation.SessionID(session)
	if _, err := h.rel.DeleteClient(ctx, sid); err != nil {
		h.logger.Error("delete client from relation manager", "session", session, "err", err)
	}
	if _, err := h.cache.DeleteClient(ctx, session); err != nil {
		h.logger.Error("delete client from object cache", "session", session, "err", err)
	}
	h.states.Delete(session)
	h.metrics.ActiveSessions.Dec()
}
