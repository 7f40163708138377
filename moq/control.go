package moq

import (
	"bufio"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Control message type codes.
const (
	MsgSubscribe              uint64 = 0x03
	MsgSubscribeOK            uint64 = 0x04
	MsgSubscribeError         uint64 = 0x05
	MsgAnnounce               uint64 = 0x06
	MsgAnnounceOK             uint64 = 0x07
	MsgAnnounceError          uint64 = 0x08
	MsgUnannounce             uint64 = 0x09
	MsgUnsubscribe            uint64 = 0x0a
	MsgSubscribeDone          uint64 = 0x0b
	MsgSubscribeAnnounces     uint64 = 0x11
	MsgSubscribeAnnouncesOK   uint64 = 0x12
	MsgSubscribeAnnouncesErr  uint64 = 0x13
	MsgMaxRequestID           uint64 = 0x15
	MsgGoAway                 uint64 = 0x10
	MsgClientSetup            uint64 = 0x20
	MsgServerSetup            uint64 = 0x21
)

// Version is the MoQT version this relay negotiates.
const Version uint64 = 0xff00000f

// Subscribe filter types.
const (
	FilterLatestGroup   uint64 = 0x01
	FilterLatestObject  uint64 = 0x02
	FilterAbsoluteStart uint64 = 0x03
	FilterAbsoluteRange uint64 = 0x04
)

// Group order values.
const (
	GroupOrderOriginal   byte = 0x00
	GroupOrderAscending  byte = 0x01
	GroupOrderDescending byte = 0x02
)

// Forwarding preference values.
const (
	ForwardDatagram byte = 0x00
	ForwardSubgroup byte = 0x01
)

// Session terminal error codes.
const (
	ErrCodeProtocolViolation       uint64 = 0x01
	ErrCodeInternalError           uint64 = 0x02
	ErrCodeDuplicateTrackAlias     uint64 = 0x03
	ErrCodeParameterLengthMismatch uint64 = 0x04
)

// SUBSCRIBE-level error codes.
const (
	SubErrInternalError    uint64 = 0x00
	SubErrInvalidRange     uint64 = 0x01
	SubErrRetryTrackAlias  uint64 = 0x02
	SubErrTrackDoesNotExist uint64 = 0x03
	SubErrUnauthorized     uint64 = 0x04
	SubErrTimeout          uint64 = 0x05
	SubErrNotSupported     uint64 = 0x06
)

// SUBSCRIBE_DONE status codes.
const (
	DoneUnsubscribed  uint64 = 0x00
	DoneInternalError uint64 = 0x01
	DoneRangeComplete uint64 = 0x02
)

// ClientSetup is the first message sent by a MoQT client on the control stream.
type ClientSetup struct {
	Versions []uint64
	Params   ParamList
}

// ServerSetup is the relay's response to a ClientSetup.
type ServerSetup struct {
	SelectedVersion uint64
	Params          ParamList
}

// Subscribe requests delivery of a track.
type Subscribe struct {
	SubscribeID  uint64
	TrackAlias   uint64
	Namespace    []string
	TrackName    string
	Priority     byte
	GroupOrder   byte
	FilterType   uint64
	StartGroup   uint64 // AbsoluteStart, AbsoluteRange only
	StartObject  uint64 // AbsoluteStart, AbsoluteRange only
	EndGroup     uint64 // AbsoluteRange only
	EndObject    uint64 // AbsoluteRange only
	Params       ParamList
}

// SubscribeOK confirms a subscription.
type SubscribeOK struct {
	SubscribeID   uint64
	Expires       uint64
	GroupOrder    byte
	ContentExists bool
	LargestGroup  uint64 // only when ContentExists
	LargestObject uint64 // only when ContentExists
	Params        ParamList
}

// SubscribeError rejects a subscription.
type SubscribeError struct {
	SubscribeID  uint64
	ErrorCode    uint64
	ReasonPhrase string
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	SubscribeID uint64
}

// SubscribeDone notifies a subscriber that its subscription has ended.
type SubscribeDone struct {
	SubscribeID  uint64
	StatusCode   uint64
	ReasonPhrase string
}

// Announce registers a publisher's track namespace.
type Announce struct {
	Namespace []string
	Params    ParamList
}

// AnnounceOK confirms an announce.
type AnnounceOK struct {
	Namespace []string
}

// AnnounceError rejects an announce.
type AnnounceError struct {
	Namespace    []string
	ErrorCode    uint64
	ReasonPhrase string
}

// Unannounce withdraws a previously announced namespace.
type Unannounce struct {
	Namespace []string
}

// SubscribeAnnounces registers a namespace prefix a subscriber wants to follow.
type SubscribeAnnounces struct {
	Prefix []string
	Params ParamList
}

// SubscribeAnnouncesOK confirms a SubscribeAnnounces.
type SubscribeAnnouncesOK struct {
	Prefix []string
}

// SubscribeAnnouncesError rejects a SubscribeAnnounces.
type SubscribeAnnouncesError struct {
	Prefix       []string
	ErrorCode    uint64
	ReasonPhrase string
}

// MaxRequestIDMsg updates the peer's subscribe-id quota (max_subscribe_id).
type MaxRequestIDMsg struct {
	MaxSubscribeID uint64
}

// GoAway signals a graceful session shutdown.
type GoAway struct {
	NewSessionURI string
}

// ReadControlMsg reads one MoQT control message from the control stream.
// Wire format: varint(type) || varint(payload_length) || payload.
func ReadControlMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		bb := bufio.NewReader(r)
		br = bb
		r = bb
	}

	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	length, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}

	return msgType, payload, nil
}

// WriteControlMsg writes a MoQT control message in a single Write call so
// the frame is atomic even without external synchronization on the stream.
func WriteControlMsg(w io.Writer, msgType uint64, payload []byte) error {
	var buf []byte
	buf = AppendVarint(buf, msgType)
	buf = AppendVarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// ParseClientSetup parses a CLIENT_SETUP payload.
func ParseClientSetup(data []byte) (ClientSetup, error) {
	r := newBufReader(data)
	var cs ClientSetup

	numVersions, err := r.readVarint()
	if err != nil {
		return cs, &ParseError{Field: "num_versions", Err: err}
	}
	cs.Versions = make([]uint64, numVersions)
	for i := range cs.Versions {
		v, err := r.readVarint()
		if err != nil {
			return cs, &ParseError{Field: "version", Err: err}
		}
		cs.Versions[i] = v
	}

	cs.Params, err = parseParams(r)
	if err != nil {
		return cs, &ParseError{Field: "params", Err: err}
	}
	return cs, nil
}

// SerializeClientSetup serializes a CLIENT_SETUP payload.
func SerializeClientSetup(cs ClientSetup) []byte {
	var buf []byte
	buf = AppendVarint(buf, uint64(len(cs.Versions)))
	for _, v := range cs.Versions {
		buf = AppendVarint(buf, v)
	}
	buf = appendParams(buf, cs.Params)
	return buf
}

// ParseServerSetup parses a SERVER_SETUP payload.
func ParseServerSetup(data []byte) (ServerSetup, error) {
	r := newBufReader(data)
	var ss ServerSetup

	var err error
	ss.SelectedVersion, err = r.readVarint()
	if err != nil {
		return ss, &ParseError{Field: "selected_version", Err: err}
	}
	ss.Params, err = parseParams(r)
	if err != nil {
		return ss, &ParseError{Field: "params", Err: err}
	}
	return ss, nil
}

// SerializeServerSetup serializes a SERVER_SETUP payload.
func SerializeServerSetup(ss ServerSetup) []byte {
	var buf []byte
	buf = AppendVarint(buf, ss.SelectedVersion)
	buf = appendParams(buf, ss.Params)
	return buf
}

// ParseSubscribe parses a SUBSCRIBE payload, honoring the conditional
// start/end field presence table keyed by FilterType.
func ParseSubscribe(data []byte) (Subscribe, error) {
	r := newBufReader(data)
	var s Subscribe

	var err error
	s.SubscribeID, err = r.readVarint()
	if err != nil {
		return s, &ParseError{Field: "subscribe_id", Err: err}
	}
	s.TrackAlias, err = r.readVarint()
	if err != nil {
		return s, &ParseError{Field: "track_alias", Err: err}
	}
	s.Namespace, err = parseNamespaceTuple(r)
	if err != nil {
		return s, &ParseError{Field: "namespace", Err: err}
	}
	trackName, err := r.readVarIntBytes()
	if err != nil {
		return s, &ParseError{Field: "track_name", Err: err}
	}
	s.TrackName = string(trackName)

	s.Priority, err = r.readByte()
	if err != nil {
		return s, &ParseError{Field: "priority", Err: err}
	}
	s.GroupOrder, err = r.readByte()
	if err != nil {
		return s, &ParseError{Field: "group_order", Err: err}
	}
	s.FilterType, err = r.readVarint()
	if err != nil {
		return s, &ParseError{Field: "filter_type", Err: err}
	}

	switch s.FilterType {
	case FilterLatestGroup, FilterLatestObject:
		// No start/end fields.
	case FilterAbsoluteStart:
		if s.StartGroup, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "start_group", Err: err}
		}
		if s.StartObject, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "start_object", Err: err}
		}
	case FilterAbsoluteRange:
		if s.StartGroup, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "start_group", Err: err}
		}
		if s.StartObject, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "start_object", Err: err}
		}
		if s.EndGroup, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "end_group", Err: err}
		}
		if s.EndObject, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "end_object", Err: err}
		}
	default:
		return s, &ParseError{Field: "filter_type", Err: fmt.Errorf("%w: 0x%x", ErrMalformedMessage, s.FilterType)}
	}

	s.Params, err = parseParams(r)
	if err != nil {
		return s, &ParseError{Field: "params", Err: err}
	}
	if r.remaining() != 0 {
		return s, &ParseError{Field: "params", Err: fmt.Errorf("%w: %d spurious trailing bytes after params", ErrMalformedMessage, r.remaining())}
	}
	return s, nil
}

// SerializeSubscribe serializes a SUBSCRIBE payload.
func SerializeSubscribe(s Subscribe) []byte {
	var buf []byte
	buf = AppendVarint(buf, s.SubscribeID)
	buf = AppendVarint(buf, s.TrackAlias)
	buf = AppendNamespaceTuple(buf, s.Namespace)
	buf = appendVarIntBytes(buf, []byte(s.TrackName))
	buf = append(buf, s.Priority, s.GroupOrder)
	buf = AppendVarint(buf, s.FilterType)

	switch s.FilterType {
	case FilterAbsoluteStart:
		buf = AppendVarint(buf, s.StartGroup)
		buf = AppendVarint(buf, s.StartObject)
	case FilterAbsoluteRange:
		buf = AppendVarint(buf, s.StartGroup)
		buf = AppendVarint(buf, s.StartObject)
		buf = AppendVarint(buf, s.EndGroup)
		buf = AppendVarint(buf, s.EndObject)
	}

	buf = appendParams(buf, s.Params)
	return buf
}

// ParseSubscribeOK parses a SUBSCRIBE_OK payload.
func ParseSubscribeOK(data []byte) (SubscribeOK, error) {
	r := newBufReader(data)
	var sok SubscribeOK

	var err error
	sok.SubscribeID, err = r.readVarint()
	if err != nil {
		return sok, &ParseError{Field: "subscribe_id", Err: err}
	}
	sok.Expires, err = r.readVarint()
	if err != nil {
		return sok, &ParseError{Field: "expires", Err: err}
	}
	sok.GroupOrder, err = r.readByte()
	if err != nil {
		return sok, &ParseError{Field: "group_order", Err: err}
	}
	contentExists, err := r.readByte()
	if err != nil {
		return sok, &ParseError{Field: "content_exists", Err: err}
	}
	switch contentExists {
	case 0:
		sok.ContentExists = false
	case 1:
		sok.ContentExists = true
		if sok.LargestGroup, err = r.readVarint(); err != nil {
			return sok, &ParseError{Field: "largest_group", Err: err}
		}
		if sok.LargestObject, err = r.readVarint(); err != nil {
			return sok, &ParseError{Field: "largest_object", Err: err}
		}
	default:
		return sok, &ParseError{Field: "content_exists", Err: fmt.Errorf("%w: 0x%x", ErrMalformedMessage, contentExists)}
	}

	sok.Params, err = parseParams(r)
	if err != nil {
		return sok, &ParseError{Field: "params", Err: err}
	}
	return sok, nil
}

// SerializeSubscribeOK serializes a SUBSCRIBE_OK payload.
func SerializeSubscribeOK(sok SubscribeOK) []byte {
	var buf []byte
	buf = AppendVarint(buf, sok.SubscribeID)
	buf = AppendVarint(buf, sok.Expires)
	buf = append(buf, sok.GroupOrder)

	if sok.ContentExists {
		buf = append(buf, 1)
		buf = AppendVarint(buf, sok.LargestGroup)
		buf = AppendVarint(buf, sok.LargestObject)
	} else {
		buf = append(buf, 0)
	}

	buf = appendParams(buf, sok.Params)
	return buf
}

// ParseSubscribeError parses a SUBSCRIBE_ERROR payload.
func ParseSubscribeError(data []byte) (SubscribeError, error) {
	r := newBufReader(data)
	var se SubscribeError

	var err error
	se.SubscribeID, err = r.readVarint()
	if err != nil {
		return se, &ParseError{Field: "subscribe_id", Err: err}
	}
	se.ErrorCode, err = r.readVarint()
	if err != nil {
		return se, &ParseError{Field: "error_code", Err: err}
	}
	reason, err := r.readVarIntBytes()
	if err != nil {
		return se, &ParseError{Field: "reason_phrase", Err: err}
	}
	se.ReasonPhrase = string(reason)
	return se, nil
}

// SerializeSubscribeError serializes a SUBSCRIBE_ERROR payload.
func SerializeSubscribeError(se SubscribeError) []byte {
	var buf []byte
	buf = AppendVarint(buf, se.SubscribeID)
	buf = AppendVarint(buf, se.ErrorCode)
	buf = appendVarIntBytes(buf, []byte(se.ReasonPhrase))
	return buf
}

// ParseUnsubscribe parses an UNSUBSCRIBE payload.
func ParseUnsubscribe(data []byte) (Unsubscribe, error) {
	r := newBufReader(data)
	id, err := r.readVarint()
	if err != nil {
		return Unsubscribe{}, &ParseError{Field: "subscribe_id", Err: err}
	}
	return Unsubscribe{SubscribeID: id}, nil
}

// SerializeUnsubscribe serializes an UNSUBSCRIBE payload.
func SerializeUnsubscribe(u Unsubscribe) []byte {
	return AppendVarint(nil, u.SubscribeID)
}

// ParseSubscribeDone parses a SUBSCRIBE_DONE payload.
func ParseSubscribeDone(data []byte) (SubscribeDone, error) {
	r := newBufReader(data)
	var sd SubscribeDone

	var err error
	sd.SubscribeID, err = r.readVarint()
	if err != nil {
		return sd, &ParseError{Field: "subscribe_id", Err: err}
	}
	sd.StatusCode, err = r.readVarint()
	if err != nil {
		return sd, &ParseError{Field: "status_code", Err: err}
	}
	reason, err := r.readVarIntBytes()
	if err != nil {
		return sd, &ParseError{Field: "reason_phrase", Err: err}
	}
	sd.ReasonPhrase = string(reason)
	return sd, nil
}

// SerializeSubscribeDone serializes a SUBSCRIBE_DONE payload.
func SerializeSubscribeDone(sd SubscribeDone) []byte {
	var buf []byte
	buf = AppendVarint(buf, sd.SubscribeID)
	buf = AppendVarint(buf, sd.StatusCode)
	buf = appendVarIntBytes(buf, []byte(sd.ReasonPhrase))
	return buf
}

// ParseAnnounce parses an ANNOUNCE payload.
func ParseAnnounce(data []byte) (Announce, error) {
	r := newBufReader(data)
	var a Announce

	var err error
	a.Namespace, err = parseNamespaceTuple(r)
	if err != nil {
		return a, &ParseError{Field: "namespace", Err: err}
	}
	a.Params, err = parseParams(r)
	if err != nil {
		return a, &ParseError{Field: "params", Err: err}
	}
	return a, nil
}

// SerializeAnnounce serializes an ANNOUNCE payload.
func SerializeAnnounce(a Announce) []byte {
	var buf []byte
	buf = AppendNamespaceTuple(buf, a.Namespace)
	buf = appendParams(buf, a.Params)
	return buf
}

// ParseAnnounceOK parses an ANNOUNCE_OK payload.
func ParseAnnounceOK(data []byte) (AnnounceOK, error) {
	r := newBufReader(data)
	ns, err := parseNamespaceTuple(r)
	if err != nil {
		return AnnounceOK{}, &ParseError{Field: "namespace", Err: err}
	}
	return AnnounceOK{Namespace: ns}, nil
}

// SerializeAnnounceOK serializes an ANNOUNCE_OK payload.
func SerializeAnnounceOK(a AnnounceOK) []byte {
	return AppendNamespaceTuple(nil, a.Namespace)
}

// ParseAnnounceError parses an ANNOUNCE_ERROR payload.
func ParseAnnounceError(data []byte) (AnnounceError, error) {
	r := newBufReader(data)
	var ae AnnounceError

	var err error
	ae.Namespace, err = parseNamespaceTuple(r)
	if err != nil {
		return ae, &ParseError{Field: "namespace", Err: err}
	}
	ae.ErrorCode, err = r.readVarint()
	if err != nil {
		return ae, &ParseError{Field: "error_code", Err: err}
	}
	reason, err := r.readVarIntBytes()
	if err != nil {
		return ae, &ParseError{Field: "reason_phrase", Err: err}
	}
	ae.ReasonPhrase = string(reason)
	return ae, nil
}

// SerializeAnnounceError serializes an ANNOUNCE_ERROR payload.
func SerializeAnnounceError(ae AnnounceError) []byte {
	var buf []byte
	buf = AppendNamespaceTuple(buf, ae.Namespace)
	buf = AppendVarint(buf, ae.ErrorCode)
	buf = appendVarIntBytes(buf, []byte(ae.ReasonPhrase))
	return buf
}

// ParseUnannounce parses an UNANNOUNCE payload.
func ParseUnannounce(data []byte) (Unannounce, error) {
	r := newBufReader(data)
	ns, err := parseNamespaceTuple(r)
	if err != nil {
		return Unannounce{}, &ParseError{Field: "namespace", Err: err}
	}
	return Unannounce{Namespace: ns}, nil
}

// SerializeUnannounce serializes an UNANNOUNCE payload.
func SerializeUnannounce(u Unannounce) []byte {
	return AppendNamespaceTuple(nil, u.Namespace)
}

// ParseSubscribeAnnounces parses a SUBSCRIBE_ANNOUNCES payload.
func ParseSubscribeAnnounces(data []byte) (SubscribeAnnounces, error) {
	r := newBufReader(data)
	var sa SubscribeAnnounces

	var err error
	sa.Prefix, err = parseNamespaceTuple(r)
	if err != nil {
		return sa, &ParseError{Field: "prefix", Err: err}
	}
	sa.Params, err = parseParams(r)
	if err != nil {
		return sa, &ParseError{Field: "params", Err: err}
	}
	return sa, nil
}

// SerializeSubscribeAnnounces serializes a SUBSCRIBE_ANNOUNCES payload.
func SerializeSubscribeAnnounces(sa SubscribeAnnounces) []byte {
	var buf []byte
	buf = AppendNamespaceTuple(buf, sa.Prefix)
	buf = appendParams(buf, sa.Params)
	return buf
}

// ParseSubscribeAnnouncesOK parses a SUBSCRIBE_ANNOUNCES_OK payload.
func ParseSubscribeAnnouncesOK(data []byte) (SubscribeAnnouncesOK, error) {
	r := newBufReader(data)
	prefix, err := parseNamespaceTuple(r)
	if err != nil {
		return SubscribeAnnouncesOK{}, &ParseError{Field: "prefix", Err: err}
	}
	return SubscribeAnnouncesOK{Prefix: prefix}, nil
}

// SerializeSubscribeAnnouncesOK serializes a SUBSCRIBE_ANNOUNCES_OK payload.
func SerializeSubscribeAnnouncesOK(sa SubscribeAnnouncesOK) []byte {
	return AppendNamespaceTuple(nil, sa.Prefix)
}

// ParseSubscribeAnnouncesError parses a SUBSCRIBE_ANNOUNCES_ERROR payload.
func ParseSubscribeAnnouncesError(data []byte) (SubscribeAnnouncesError, error) {
	r := newBufReader(data)
	var sae SubscribeAnnouncesError

	var err error
	sae.Prefix, err = parseNamespaceTuple(r)
	if err != nil {
		return sae, &ParseError{Field: "prefix", Err: err}
	}
	sae.ErrorCode, err = r.readVarint()
	if err != nil {
		return sae, &ParseError{Field: "error_code", Err: err}
	}
	reason, err := r.readVarIntBytes()
	if err != nil {
		return sae, &ParseError{Field: "reason_phrase", Err: err}
	}
	sae.ReasonPhrase = string(reason)
	return sae, nil
}

// SerializeSubscribeAnnouncesError serializes a SUBSCRIBE_ANNOUNCES_ERROR payload.
func SerializeSubscribeAnnouncesError(sae SubscribeAnnouncesError) []byte {
	var buf []byte
	buf = AppendNamespaceTuple(buf, sae.Prefix)
	buf = AppendVarint(buf, sae.ErrorCode)
	buf = appendVarIntBytes(buf, []byte(sae.ReasonPhrase))
	return buf
}

// ParseGoAway parses a GOAWAY payload.
func ParseGoAway(data []byte) (GoAway, error) {
	r := newBufReader(data)
	uri, err := r.readVarIntBytes()
	if err != nil {
		return GoAway{}, &ParseError{Field: "new_session_uri", Err: err}
	}
	return GoAway{NewSessionURI: string(uri)}, nil
}

// SerializeGoAway serializes a GOAWAY payload.
func SerializeGoAway(ga GoAway) []byte {
	return appendVarIntBytes(nil, []byte(ga.NewSessionURI))
}

// ParseMaxRequestID parses a MAX_REQUEST_ID payload.
func ParseMaxRequestID(data []byte) (MaxRequestIDMsg, error) {
	r := newBufReader(data)
	id, err := r.readVarint()
	if err != nil {
		return MaxRequestIDMsg{}, &ParseError{Field: "max_subscribe_id", Err: err}
	}
	return MaxRequestIDMsg{MaxSubscribeID: id}, nil
}

// SerializeMaxRequestID serializes a MAX_REQUEST_ID payload.
func SerializeMaxRequestID(m MaxRequestIDMsg) []byte {
	return AppendVarint(nil, m.MaxSubscribeID)
}
