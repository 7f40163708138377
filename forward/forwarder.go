package forward

import (
	"context"
	"log/slog"
	"time"

	"github.com/zsiec/moqrelay/metrics"
	"github.com/zsiec/moqrelay/moq"
	"github.com/zsiec/moqrelay/objcache"
	"github.com/zsiec/moqrelay/relayctl"
)

// Forwarder copies one upstream subscription's cached objects to one
// downstream session, re-framing them with the downstream's track_alias.
// It starts at the position selected by the original SUBSCRIBE's filter
// type and then polls the cache at interval for anything new.
type Forwarder struct {
	cache    *objcache.Cache
	sender   ObjectSender
	dispatch relayctl.Dispatcher
	metrics  *metrics.Registry
	logger   *slog.Logger
	interval time.Duration
	req      relayctl.ForwardRequest
}

// done sends SUBSCRIBE_DONE on the downstream's control stream, rewritten
// with the downstream's own subscribe_id. Dispatch failures are logged but
// otherwise ignored: the forwarder is exiting either way. A cancelled ctx
// means this exit is the cancellation itself (UNSUBSCRIBE or session
// close), which already has its own teardown path, so done is a no-op.
func (f *Forwarder) done(ctx context.Context, statusCode uint64, reason string) {
	if f.dispatch == nil || ctx.Err() != nil {
		return
	}
	payload := moq.SerializeSubscribeDone(moq.SubscribeDone{
		SubscribeID: f.req.DownstreamSubscribeID, StatusCode: statusCode, ReasonPhrase: reason,
	})
	if err := f.dispatch.Send(ctx, f.req.DownstreamSession, moq.MsgSubscribeDone, payload); err != nil {
		f.logger.Debug("send subscribe done failed", "err", err)
	}
}

func (f *Forwarder) key() objcache.Key {
	return objcache.Key{Session: f.req.UpstreamSession, SubscribeID: f.req.UpstreamSubscribeID}
}

func (f *Forwarder) run(ctx context.Context) {
	key := f.key()
	sub := f.req.Subscribe

	// The upstream publisher picks datagram or subgroup-stream framing, and
	// may not have produced anything yet; wait for the first cached object
	// before committing to a framing strategy.
	var kind string
	for kind == "" {
		var err error
		kind, err = f.cache.Kind(ctx, key)
		if err != nil {
			return
		}
		if kind != "" {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.interval):
		}
	}

	if kind == "datagram" {
		f.runDatagram(ctx, key, sub)
		return
	}
	f.runSubgroup(ctx, key, sub)
}

func (f *Forwarder) runDatagram(ctx context.Context, key objcache.Key, sub moq.Subscribe) {
	cursor, hasCursor, err := f.startDatagramCursor(ctx, key, sub)
	if err != nil {
		f.logger.Error("select datagram start position", "err", err)
		f.done(ctx, moq.DoneInternalError, "unsupported filter type")
		return
	}
	if hasCursor {
		if f.rangeComplete(sub, cursor.Object) {
			f.done(ctx, moq.DoneRangeComplete, "absolute range delivered")
			return
		}
		f.sendDatagram(ctx, cursor.Object)
	}

	var lastCacheID uint64
	haveLast := hasCursor
	if hasCursor {
		lastCacheID = cursor.CacheID
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				var res objcache.Result
				var found bool
				var err error
				if haveLast {
					res, found, err = f.cache.GetNextDatagramObject(ctx, key, lastCacheID)
				} else {
					res, found, err = f.cache.GetLatestDatagramObject(ctx, key)
				}
				if err != nil {
					f.logger.Error("poll datagram cache", "err", err)
					f.done(ctx, moq.DoneInternalError, "cache read failed")
					return
				}
				if !found {
					break
				}
				haveLast = true
				lastCacheID = res.CacheID
				if f.rangeComplete(sub, res.Object) {
					f.done(ctx, moq.DoneRangeComplete, "absolute range delivered")
					return
				}
				f.sendDatagram(ctx, res.Object)
			}
		}
	}
}

func (f *Forwarder) startDatagramCursor(ctx context.Context, key objcache.Key, sub moq.Subscribe) (objcache.Result, bool, error) {
	switch sub.FilterType {
	case moq.FilterLatestObject:
		return f.cache.GetLatestDatagramObject(ctx, key)
	case moq.FilterLatestGroup:
		return f.cache.GetLatestDatagramGroup(ctx, key)
	case moq.FilterAbsoluteStart, moq.FilterAbsoluteRange:
		return f.cache.GetAbsoluteDatagramObject(ctx, key, sub.StartGroup, sub.StartObject)
	default:
		return objcache.Result{}, false, ErrUnsupportedFilter
	}
}

// rangeComplete reports whether obj is past an AbsoluteRange subscription's
// end position.
func (f *Forwarder) rangeComplete(sub moq.Subscribe, obj moq.Object) bool {
	if sub.FilterType != moq.FilterAbsoluteRange {
		return false
	}
	if obj.GroupID > sub.EndGroup {
		return true
	}
	return obj.GroupID == sub.EndGroup && obj.ObjectID > sub.EndObject
}

func (f *Forwarder) sendDatagram(ctx context.Context, obj moq.Object) {
	obj.TrackAlias = f.req.DownstreamTrackAlias
	if err := f.sender.SendDatagram(ctx, obj); err != nil {
		f.metrics.ForwarderDrops.WithLabelValues(f.req.Subscribe.TrackName).Inc()
		f.logger.Debug("send datagram failed", "err", err)
	}
}

// subgroupState tracks the open downstream stream for one upstream
// subgroup.
type subgroupState struct {
	writer  SubgroupWriter
	lastID  uint64
	hasLast bool
}

func (f *Forwarder) runSubgroup(ctx context.Context, key objcache.Key, sub moq.Subscribe) {
	startGroup, ok, err := f.startGroupID(ctx, key, sub)
	if err != nil {
		f.logger.Error("select subgroup start group", "err", err)
		f.done(ctx, moq.DoneInternalError, "unsupported filter type")
		return
	}

	states := make(map[objcache.SubgroupID]*subgroupState)
	defer func() {
		for _, st := range states {
			st.writer.Close()
		}
	}()

	nextGroup := uint64(0)
	if ok {
		nextGroup = startGroup
	}
	seenAnyGroup := ok

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !seenAnyGroup {
				g, ok, err := f.startGroupID(ctx, key, sub)
				if err != nil {
					f.logger.Error("poll subgroup start group", "err", err)
					f.done(ctx, moq.DoneInternalError, "cache read failed")
					return
				}
				if !ok {
					continue
				}
				nextGroup, seenAnyGroup = g, true
			}

			ids, err := f.cache.GetAllSubgroupIDs(ctx, key, nextGroup)
			if err != nil {
				f.logger.Error("list subgroup ids", "err", err)
				f.done(ctx, moq.DoneInternalError, "cache read failed")
				return
			}
			for _, sgNum := range ids {
				sgID := objcache.SubgroupID{GroupID: nextGroup, SubgroupID: sgNum}
				if f.drainSubgroup(ctx, key, sgID, states, sub) {
					f.done(ctx, moq.DoneRangeComplete, "absolute range delivered")
					return
				}
			}

			largest, ok, err := f.cache.GetLargestGroupID(ctx, key)
			if err != nil {
				f.logger.Error("get largest group id", "err", err)
				f.done(ctx, moq.DoneInternalError, "cache read failed")
				return
			}
			if ok && largest > nextGroup {
				for _, st := range states {
					st.writer.Close()
				}
				states = make(map[objcache.SubgroupID]*subgroupState)
				nextGroup = largest
			}
		}
	}
}

func (f *Forwarder) startGroupID(ctx context.Context, key objcache.Key, sub moq.Subscribe) (uint64, bool, error) {
	switch sub.FilterType {
	case moq.FilterLatestObject, moq.FilterLatestGroup:
		return f.cache.GetLargestGroupID(ctx, key)
	case moq.FilterAbsoluteStart, moq.FilterAbsoluteRange:
		return sub.StartGroup, true, nil
	default:
		return 0, false, ErrUnsupportedFilter
	}
}

// drainSubgroup writes every new entry in one subgroup to the downstream,
// opening the stream lazily on its first object. Returns true if the
// forwarder should stop entirely (AbsoluteRange exhausted).
func (f *Forwarder) drainSubgroup(ctx context.Context, key objcache.Key, sgID objcache.SubgroupID, states map[objcache.SubgroupID]*subgroupState, sub moq.Subscribe) bool {
	st, ok := states[sgID]
	if !ok {
		st = &subgroupState{}
		states[sgID] = st
	}

	for {
		var res objcache.Result
		var found bool
		var err error
		if st.hasLast {
			res, found, err = f.cache.GetNextSubgroupStreamObject(ctx, key, sgID, st.lastID)
		} else {
			res, found, err = f.cache.GetFirstSubgroupStreamObject(ctx, key, sgID)
		}
		if err != nil {
			f.logger.Error("poll subgroup cache", "err", err)
			return false
		}
		if !found {
			return false
		}
		st.hasLast = true
		st.lastID = res.CacheID

		if f.rangeComplete(sub, res.Object) {
			return true
		}

		if st.writer == nil {
			w, err := f.sender.OpenSubgroupStream(ctx, moq.SubgroupHeader{
				TrackAlias: f.req.DownstreamTrackAlias, GroupID: sgID.GroupID, SubgroupID: sgID.SubgroupID,
				Priority: sub.Priority,
			})
			if err != nil {
				f.metrics.ForwarderDrops.WithLabelValues(f.req.Subscribe.TrackName).Inc()
				f.logger.Debug("open subgroup stream failed", "err", err)
				return false
			}
			st.writer = w
		}

		obj := res.Object
		obj.TrackAlias = f.req.DownstreamTrackAlias
		if err := st.writer.WriteObject(obj); err != nil {
			f.metrics.ForwarderDrops.WithLabelValues(f.req.Subscribe.TrackName).Inc()
			f.logger.Debug("write subgroup object failed", "err", err)
			return false
		}
		if obj.Status == moq.StatusEndOfGroup {
			st.writer.Close()
			st.writer = nil
		}
	}
}
