package moq

import (
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// bufReader wraps a byte slice for sequential varint/byte reading during
// control-message and data-stream-object decoding.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	return b.readBytes(int(length))
}

// readBytes reads exactly n bytes with no length prefix of its own; the
// caller already knows n (e.g. from a preceding explicit length field).
func (b *bufReader) readBytes(n int) ([]byte, error) {
	end := b.pos + n
	if n < 0 || end > len(b.data) || end < b.pos {
		return nil, io.ErrUnexpectedEOF
	}
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}

func (b *bufReader) remaining() int {
	return len(b.data) - b.pos
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	buf = append(buf, data...)
	return buf
}

// parseNamespaceTuple reads a namespace tuple: varint(count) || {varint(len) bytes}^count.
func parseNamespaceTuple(r *bufReader) ([]string, error) {
	count, err := r.readVarint()
	if err != nil {
		return nil, err
	}
	parts := make([]string, count)
	for i := uint64(0); i < count; i++ {
		b, err := r.readVarIntBytes()
		if err != nil {
			return nil, err
		}
		parts[i] = string(b)
	}
	return parts, nil
}

// AppendNamespaceTuple appends a namespace tuple to buf.
func AppendNamespaceTuple(buf []byte, parts []string) []byte {
	buf = quicvarint.Append(buf, uint64(len(parts)))
	for _, p := range parts {
		buf = appendVarIntBytes(buf, []byte(p))
	}
	return buf
}

// VarintLen returns the number of bytes needed to encode v as a QUIC varint.
func VarintLen(v uint64) int {
	return quicvarint.Len(v)
}

// AppendVarint appends v to buf as a QUIC varint.
func AppendVarint(buf []byte, v uint64) []byte {
	return quicvarint.Append(buf, v)
}
