package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/moqrelay/forward"
	"github.com/zsiec/moqrelay/moq"
	"github.com/zsiec/moqrelay/objcache"
	"github.com/zsiec/moqrelay/relayctl"
	"github.com/zsiec/moqrelay/webtransport"
)

// DefaultIngestTTL is the cache TTL applied to ingested objects when New
// is given a ttl of zero or less.
const DefaultIngestTTL = 30 * time.Second

// Session supervises a single connected peer. It owns the control stream
// and serializes every write to it, so the relayctl Handler's fan-out
// calls never interleave bytes from concurrent goroutines.
type Session struct {
	id      uint64
	wt      *webtransport.Session
	control webtransport.Stream
	reader  *bufio.Reader
	writeMu sync.Mutex

	handler *relayctl.Handler
	cache   *objcache.Cache
	logger  *slog.Logger
	ttl     time.Duration

	aliasMu sync.Mutex
	aliases map[uint64]uint64 // track_alias -> subscribe_id, for objects this session publishes
}

var _ forward.ObjectSender = (*Session)(nil)

// New wraps an already-established WebTransport session. control must be
// the peer's first bidirectional stream, carrying CLIENT_SETUP. ttl bounds
// how long objects this session publishes survive in the cache; <= 0 uses
// DefaultIngestTTL.
func New(id uint64, wt *webtransport.Session, control webtransport.Stream, handler *relayctl.Handler, cache *objcache.Cache, logger *slog.Logger, ttl time.Duration) *Session {
	if ttl <= 0 {
		ttl = DefaultIngestTTL
	}
	return &Session{
		id: id, wt: wt, control: control, reader: bufio.NewReader(control),
		handler: handler, cache: cache, ttl: ttl,
		logger:  logger.With("session", id),
		aliases: make(map[uint64]uint64),
	}
}

// ID returns this session's id, as used throughout relation/objcache/relayctl.
func (s *Session) ID() uint64 { return s.id }

// Run performs CLIENT_SETUP and then blocks, running the control read loop
// and the data-plane ingest loops, until ctx is cancelled or the peer
// disconnects.
func (s *Session) Run(ctx context.Context) error {
	msgType, payload, err := moq.ReadControlMsg(s.reader)
	if err != nil {
		return fmt.Errorf("read CLIENT_SETUP: %w", err)
	}
	if msgType != moq.MsgClientSetup {
		return fmt.Errorf("expected CLIENT_SETUP, got 0x%x", msgType)
	}
	cs, err := moq.ParseClientSetup(payload)
	if err != nil {
		return fmt.Errorf("parse CLIENT_SETUP: %w", err)
	}
	if err := s.handler.HandleClientSetup(ctx, s.id, cs); err != nil {
		return fmt.Errorf("handle CLIENT_SETUP: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.acceptDatagrams(ctx)
	go s.acceptUniStreams(ctx)

	s.controlLoop(ctx)
	s.handler.HandleSessionClosed(context.WithoutCancel(ctx), s.id)
	return ctx.Err()
}

func (s *Session) controlLoop(ctx context.Context) {
	for {
		msgType, payload, err := moq.ReadControlMsg(s.reader)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("control read ended", "err", err)
			}
			return
		}
		if err := s.dispatch(ctx, msgType, payload); err != nil {
			s.logger.Warn("control message handling failed", "type", msgType, "err", err)
			if errors.Is(err, relayctl.ErrProtocolViolation) {
				return
			}
		}
	}
}

// knownControlMessageTypes are every control-message type code this relay
// recognizes on the wire, whether or not its control loop expects to
// receive one (some, like SERVER_SETUP or SUBSCRIBE_OK replies this relay
// itself sends, only ever flow the other direction). A type code outside
// this set is unknown to the protocol entirely and a ProtocolViolation
// per spec.md section 4.1, not merely an unexpected direction.
var knownControlMessageTypes = map[uint64]struct{}{
	moq.MsgSubscribe: {}, moq.MsgSubscribeOK: {}, moq.MsgSubscribeError: {},
	moq.MsgAnnounce: {}, moq.MsgAnnounceOK: {}, moq.MsgAnnounceError: {},
	moq.MsgUnannounce: {}, moq.MsgUnsubscribe: {}, moq.MsgSubscribeDone: {},
	moq.MsgSubscribeAnnounces: {}, moq.MsgSubscribeAnnouncesOK: {}, moq.MsgSubscribeAnnouncesErr: {},
	moq.MsgMaxRequestID: {}, moq.MsgGoAway: {}, moq.MsgClientSetup: {}, moq.MsgServerSetup: {},
}

// dataStreamTypeCodesOnControlStream are object-data-stream type codes that
// have no control-message meaning at all, so seeing one as the first byte of
// the control stream is unambiguously the "object data stream framed on the
// control stream" violation from spec.md section 8. StreamTypeSubgroupHeader
// is deliberately absent: its code numerically collides with MsgSubscribeOK,
// so it cannot be distinguished from a legitimate reply at this layer and is
// handled (necessarily) as SUBSCRIBE_OK below; a conformant sender only ever
// puts it on a uni stream, never the control stream.
var dataStreamTypeCodesOnControlStream = map[uint64]struct{}{
	moq.StreamTypeObjectDatagram:       {},
	moq.StreamTypeObjectDatagramStatus: {},
}

func (s *Session) dispatch(ctx context.Context, msgType uint64, payload []byte) error {
	switch msgType {
	case moq.MsgSubscribe:
		sub, err := moq.ParseSubscribe(payload)
		if err != nil {
			return err
		}
		return s.handler.HandleSubscribe(ctx, s.id, sub)
	case moq.MsgSubscribeOK:
		ok, err := moq.ParseSubscribeOK(payload)
		if err != nil {
			return err
		}
		return s.handler.HandleSubscribeOK(ctx, s.id, ok)
	case moq.MsgSubscribeError:
		se, err := moq.ParseSubscribeError(payload)
		if err != nil {
			return err
		}
		return s.handler.HandleSubscribeError(ctx, s.id, se)
	case moq.MsgUnsubscribe:
		u, err := moq.ParseUnsubscribe(payload)
		if err != nil {
			return err
		}
		return s.handler.HandleUnsubscribe(ctx, s.id, u)
	case moq.MsgAnnounce:
		a, err := moq.ParseAnnounce(payload)
		if err != nil {
			return err
		}
		return s.handler.HandleAnnounce(ctx, s.id, a)
	case moq.MsgUnannounce:
		u, err := moq.ParseUnannounce(payload)
		if err != nil {
			return err
		}
		return s.handler.HandleUnannounce(ctx, s.id, u)
	case moq.MsgSubscribeAnnounces:
		sa, err := moq.ParseSubscribeAnnounces(payload)
		if err != nil {
			return err
		}
		return s.handler.HandleSubscribeAnnounces(ctx, s.id, sa)
	default:
		if _, isDataStreamType := dataStreamTypeCodesOnControlStream[msgType]; isDataStreamType {
			return relayctl.ErrProtocolViolation
		}
		if _, known := knownControlMessageTypes[msgType]; !known {
			return relayctl.ErrProtocolViolation
		}
		s.logger.Debug("unhandled control message", "type", msgType)
		return nil
	}
}

// Write sends one control message to this session's peer. It is the target
// of relayctl.Dispatcher once looked up through a Registry.
func (s *Session) Write(msgType uint64, payload []byte) error {
	if msgType == moq.MsgSubscribe {
		if sub, err := moq.ParseSubscribe(payload); err == nil {
			s.aliasMu.Lock()
			s.aliases[sub.TrackAlias] = sub.SubscribeID
			s.aliasMu.Unlock()
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return moq.WriteControlMsg(s.control, msgType, payload)
}

func (s *Session) subscribeIDFor(trackAlias uint64) (uint64, bool) {
	s.aliasMu.Lock()
	defer s.aliasMu.Unlock()
	id, ok := s.aliases[trackAlias]
	return id, ok
}

// SendDatagram implements forward.ObjectSender.
func (s *Session) SendDatagram(_ context.Context, obj moq.Object) error {
	return s.wt.SendDatagram(moq.EncodeDatagramObject(obj))
}

// OpenSubgroupStream implements forward.ObjectSender.
func (s *Session) OpenSubgroupStream(ctx context.Context, hdr moq.SubgroupHeader) (forward.SubgroupWriter, error) {
	stream, err := s.wt.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(moq.EncodeSubgroupHeader(hdr.TrackAlias, hdr.GroupID, hdr.SubgroupID, hdr.Priority)); err != nil {
		stream.Close()
		return nil, err
	}
	return &subgroupWriter{stream: stream}, nil
}

func (s *Session) acceptDatagrams(ctx context.Context) {
	for {
		data, err := s.wt.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("datagram accept ended", "err", err)
			}
			return
		}
		obj, err := moq.DecodeDatagramObject(data)
		if err != nil {
			s.logger.Debug("bad datagram object", "err", err)
			continue
		}
		subID, ok := s.subscribeIDFor(obj.TrackAlias)
		if !ok {
			continue
		}
		key := objcache.Key{Session: s.id, SubscribeID: subID}
		if _, err := s.cache.SetDatagramObject(ctx, key, obj, s.ttl); err != nil {
			s.logger.Debug("cache datagram object", "err", err)
		}
	}
}

func (s *Session) acceptUniStreams(ctx context.Context) {
	for {
		stream, err := s.wt.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("uni stream accept ended", "err", err)
			}
			return
		}
		go s.ingestUniStream(ctx, stream)
	}
}

func (s *Session) ingestUniStream(ctx context.Context, stream webtransport.ReceiveStream) {
	br := bufio.NewReader(stream)
	hdr, err := moq.DecodeSubgroupHeader(br)
	if err != nil {
		s.logger.Debug("bad subgroup header", "err", err)
		return
	}
	subID, ok := s.subscribeIDFor(hdr.TrackAlias)
	if !ok {
		return
	}
	key := objcache.Key{Session: s.id, SubscribeID: subID}
	sgID := objcache.SubgroupID{GroupID: hdr.GroupID, SubgroupID: hdr.SubgroupID}
	if err := s.cache.CreateSubgroupStreamCache(ctx, key, sgID, hdr); err != nil {
		s.logger.Debug("create subgroup cache", "err", err)
		return
	}

	for {
		obj, err := moq.DecodeSubgroupObject(br, hdr)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("bad subgroup object", "err", err)
			}
			return
		}
		if _, err := s.cache.SetSubgroupStreamObject(ctx, key, sgID, obj, s.ttl); err != nil {
			s.logger.Debug("cache subgroup object", "err", err)
			return
		}
		if obj.Status == moq.StatusEndOfGroup || obj.Status == moq.StatusEndOfTrack {
			return
		}
	}
}
