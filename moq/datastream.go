package moq

import (
	"bufio"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Data-stream type codes.
const (
	StreamTypeObjectDatagram       uint64 = 0x01
	StreamTypeObjectDatagramStatus uint64 = 0x02
	StreamTypeSubgroupHeader       uint64 = 0x04
)

// ObjectStatus terminates a track or group in lieu of a payload.
type ObjectStatus uint64

// Object status values.
const (
	StatusNormal       ObjectStatus = 0x00
	StatusDoesNotExist ObjectStatus = 0x01
	StatusEndOfGroup   ObjectStatus = 0x03
	StatusEndOfTrack   ObjectStatus = 0x04
)

// Object is a single data-plane object: a video/audio/generic payload frame
// identified by (track_alias, group_id, object_id), or a terminating status
// in place of a payload.
type Object struct {
	TrackAlias        uint64
	GroupID           uint64
	ObjectID          uint64
	PublisherPriority byte
	Extensions        []byte
	Payload           []byte // non-nil iff HasPayload
	Status            ObjectStatus
	HasPayload        bool
}

// EncodeDatagramObject encodes obj as an OBJECT_DATAGRAM (HasPayload) or
// OBJECT_DATAGRAM_STATUS wire message.
func EncodeDatagramObject(obj Object) []byte {
	var buf []byte
	if obj.HasPayload {
		buf = AppendVarint(buf, StreamTypeObjectDatagram)
	} else {
		buf = AppendVarint(buf, StreamTypeObjectDatagramStatus)
	}
	buf = AppendVarint(buf, obj.TrackAlias)
	buf = AppendVarint(buf, obj.GroupID)
	buf = AppendVarint(buf, obj.ObjectID)
	buf = append(buf, obj.PublisherPriority)
	buf = AppendVarint(buf, uint64(len(obj.Extensions)))
	buf = append(buf, obj.Extensions...)

	if obj.HasPayload {
		buf = append(buf, obj.Payload...)
	} else {
		buf = AppendVarint(buf, uint64(obj.Status))
	}
	return buf
}

// DecodeDatagramObject decodes a single datagram's payload (the datagram
// boundary already delimits the message, so no outer length prefix exists).
func DecodeDatagramObject(data []byte) (Object, error) {
	r := newBufReader(data)
	var obj Object

	typ, err := r.readVarint()
	if err != nil {
		return obj, &ParseError{Field: "type", Err: err}
	}
	switch typ {
	case StreamTypeObjectDatagram:
		obj.HasPayload = true
	case StreamTypeObjectDatagramStatus:
		obj.HasPayload = false
	default:
		return obj, &ParseError{Field: "type", Err: fmt.Errorf("%w: 0x%x", ErrUnknownMessageType, typ)}
	}

	if obj.TrackAlias, err = r.readVarint(); err != nil {
		return obj, &ParseError{Field: "track_alias", Err: err}
	}
	if obj.GroupID, err = r.readVarint(); err != nil {
		return obj, &ParseError{Field: "group_id", Err: err}
	}
	if obj.ObjectID, err = r.readVarint(); err != nil {
		return obj, &ParseError{Field: "object_id", Err: err}
	}
	if obj.PublisherPriority, err = r.readByte(); err != nil {
		return obj, &ParseError{Field: "publisher_priority", Err: err}
	}

	extLen, err := r.readVarint()
	if err != nil {
		return obj, &ParseError{Field: "ext_count", Err: err}
	}
	ext, err := readN(r, int(extLen))
	if err != nil {
		return obj, &ParseError{Field: "extensions", Err: err}
	}
	obj.Extensions = ext

	if obj.HasPayload {
		obj.Payload = data[r.pos:]
		if len(obj.Payload) == 0 {
			return obj, &ParseError{Field: "payload", Err: fmt.Errorf("%w: empty payload", ErrMalformedMessage)}
		}
	} else {
		status, err := r.readVarint()
		if err != nil {
			return obj, &ParseError{Field: "object_status", Err: err}
		}
		obj.Status = ObjectStatus(status)
	}

	return obj, nil
}

func readN(r *bufReader, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if r.pos+n > len(r.data) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// EncodeSubgroupHeader encodes a SUBGROUP_HEADER, written once at the start
// of a unidirectional data stream before any objects.
func EncodeSubgroupHeader(trackAlias, groupID, subgroupID uint64, priority byte) []byte {
	var buf []byte
	buf = AppendVarint(buf, StreamTypeSubgroupHeader)
	buf = AppendVarint(buf, trackAlias)
	buf = AppendVarint(buf, groupID)
	buf = AppendVarint(buf, subgroupID)
	buf = append(buf, priority)
	return buf
}

// SubgroupHeader is the decoded header of a subgroup data stream.
type SubgroupHeader struct {
	TrackAlias uint64
	GroupID    uint64
	SubgroupID uint64
	Priority   byte
}

// DecodeSubgroupHeader reads and decodes the SUBGROUP_HEADER from the start
// of a freshly opened unidirectional stream.
func DecodeSubgroupHeader(r io.Reader) (SubgroupHeader, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	var hdr SubgroupHeader
	typ, err := quicvarint.Read(br)
	if err != nil {
		return hdr, fmt.Errorf("read stream type: %w", err)
	}
	if typ != StreamTypeSubgroupHeader {
		return hdr, fmt.Errorf("%w: 0x%x", ErrUnknownMessageType, typ)
	}
	if hdr.TrackAlias, err = quicvarint.Read(br); err != nil {
		return hdr, fmt.Errorf("read track alias: %w", err)
	}
	if hdr.GroupID, err = quicvarint.Read(br); err != nil {
		return hdr, fmt.Errorf("read group id: %w", err)
	}
	if hdr.SubgroupID, err = quicvarint.Read(br); err != nil {
		return hdr, fmt.Errorf("read subgroup id: %w", err)
	}

	var priBuf [1]byte
	if _, err := io.ReadFull(br.(io.Reader), priBuf[:]); err != nil {
		return hdr, fmt.Errorf("read priority: %w", err)
	}
	hdr.Priority = priBuf[0]
	return hdr, nil
}

// EncodeSubgroupObject encodes a single object on an already-open subgroup
// stream: varint(object_id) || varint(ext_len) || extensions || varint(payload_len) || payload,
// or, when Object.HasPayload is false, the status form:
// varint(object_id) || varint(ext_len) || extensions || varint(0) || varint(status).
func EncodeSubgroupObject(obj Object) []byte {
	var buf []byte
	buf = AppendVarint(buf, obj.ObjectID)
	buf = AppendVarint(buf, uint64(len(obj.Extensions)))
	buf = append(buf, obj.Extensions...)

	if obj.HasPayload {
		buf = AppendVarint(buf, uint64(len(obj.Payload)))
		buf = append(buf, obj.Payload...)
	} else {
		buf = AppendVarint(buf, 0)
		buf = AppendVarint(buf, uint64(obj.Status))
	}
	return buf
}

// DecodeSubgroupObject reads a single object from an open subgroup stream.
// trackAlias/groupID/subgroupID come from the stream's SubgroupHeader and
// are stamped onto the returned Object for the caller's convenience.
func DecodeSubgroupObject(r *bufio.Reader, hdr SubgroupHeader) (Object, error) {
	obj := Object{TrackAlias: hdr.TrackAlias, GroupID: hdr.GroupID, PublisherPriority: hdr.Priority}

	objectID, err := quicvarint.Read(r)
	if err != nil {
		return obj, err
	}
	obj.ObjectID = objectID

	extLen, err := quicvarint.Read(r)
	if err != nil {
		return obj, fmt.Errorf("read ext_count: %w", err)
	}
	if extLen > 0 {
		ext := make([]byte, extLen)
		if _, err := io.ReadFull(r, ext); err != nil {
			return obj, fmt.Errorf("read extensions: %w", err)
		}
		obj.Extensions = ext
	}

	payloadLen, err := quicvarint.Read(r)
	if err != nil {
		return obj, fmt.Errorf("read payload_len: %w", err)
	}
	if payloadLen == 0 {
		status, err := quicvarint.Read(r)
		if err != nil {
			return obj, fmt.Errorf("read object_status: %w", err)
		}
		obj.Status = ObjectStatus(status)
		obj.HasPayload = false
		return obj, nil
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return obj, fmt.Errorf("read payload: %w", err)
	}
	obj.Payload = payload
	obj.HasPayload = true
	return obj, nil
}
