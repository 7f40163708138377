package moq

import (
	"bufio"
	"bytes"
	"testing"
)

func TestDatagramObjectRoundTrip(t *testing.T) {
	t.Parallel()
	obj := Object{
		TrackAlias:        9,
		GroupID:           1,
		ObjectID:          2,
		PublisherPriority: 200,
		Extensions:        []byte{0xde, 0xad},
		Payload:           []byte("frame-data"),
		HasPayload:        true,
	}

	got, err := DecodeDatagramObject(EncodeDatagramObject(obj))
	if err != nil {
		t.Fatal(err)
	}
	if got.TrackAlias != obj.TrackAlias || got.GroupID != obj.GroupID || got.ObjectID != obj.ObjectID {
		t.Fatalf("got %+v, want %+v", got, obj)
	}
	if !bytes.Equal(got.Payload, obj.Payload) {
		t.Fatalf("payload = %q, want %q", got.Payload, obj.Payload)
	}
	if !bytes.Equal(got.Extensions, obj.Extensions) {
		t.Fatalf("extensions = %x, want %x", got.Extensions, obj.Extensions)
	}
}

func TestDatagramObjectStatusRoundTrip(t *testing.T) {
	t.Parallel()
	obj := Object{
		TrackAlias: 9,
		GroupID:    1,
		ObjectID:   0,
		Status:     StatusEndOfGroup,
		HasPayload: false,
	}

	got, err := DecodeDatagramObject(EncodeDatagramObject(obj))
	if err != nil {
		t.Fatal(err)
	}
	if got.HasPayload {
		t.Fatal("status object decoded as having a payload")
	}
	if got.Status != StatusEndOfGroup {
		t.Fatalf("status = %v, want %v", got.Status, StatusEndOfGroup)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected no payload, got %d bytes", len(got.Payload))
	}
}

func TestDatagramObjectEmptyPayloadRejected(t *testing.T) {
	t.Parallel()
	obj := Object{TrackAlias: 1, GroupID: 1, ObjectID: 1, HasPayload: true, Payload: nil}
	if _, err := DecodeDatagramObject(EncodeDatagramObject(obj)); err == nil {
		t.Fatal("expected error decoding a datagram object with an empty payload")
	}
}

func TestDatagramObjectTruncated(t *testing.T) {
	t.Parallel()
	full := EncodeDatagramObject(Object{TrackAlias: 1, GroupID: 1, ObjectID: 1, HasPayload: true, Payload: []byte("x")})
	if _, err := DecodeDatagramObject(full[:len(full)-3]); err == nil {
		t.Fatal("expected error decoding truncated datagram object")
	}
}

func TestSubgroupStreamRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.Write(EncodeSubgroupHeader(9, 1, 0, 128))
	buf.Write(EncodeSubgroupObject(Object{ObjectID: 0, Payload: []byte("a"), HasPayload: true}))
	buf.Write(EncodeSubgroupObject(Object{ObjectID: 1, Payload: []byte("bb"), HasPayload: true}))
	buf.Write(EncodeSubgroupObject(Object{ObjectID: 2, Status: StatusEndOfGroup, HasPayload: false}))

	r := bufio.NewReader(&buf)
	hdr, err := DecodeSubgroupHeader(r)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.TrackAlias != 9 || hdr.GroupID != 1 || hdr.SubgroupID != 0 || hdr.Priority != 128 {
		t.Fatalf("got %+v", hdr)
	}

	var objs []Object
	for i := 0; i < 3; i++ {
		obj, err := DecodeSubgroupObject(r, hdr)
		if err != nil {
			t.Fatalf("object %d: %v", i, err)
		}
		objs = append(objs, obj)
	}

	if string(objs[0].Payload) != "a" || string(objs[1].Payload) != "bb" {
		t.Fatalf("payloads = %q, %q", objs[0].Payload, objs[1].Payload)
	}
	if objs[2].HasPayload || objs[2].Status != StatusEndOfGroup {
		t.Fatalf("final object = %+v, want EndOfGroup status", objs[2])
	}
	for i, obj := range objs {
		if obj.TrackAlias != 9 || obj.GroupID != 1 {
			t.Fatalf("object %d missing header-derived fields: %+v", i, obj)
		}
	}
}

func TestSubgroupHeaderWrongStreamType(t *testing.T) {
	t.Parallel()
	buf := AppendVarint(nil, StreamTypeObjectDatagram) // not a subgroup header
	if _, err := DecodeSubgroupHeader(bufio.NewReader(bytes.NewReader(buf))); err == nil {
		t.Fatal("expected error decoding a non-subgroup-header stream type")
	}
}
