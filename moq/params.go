package moq

// Version-specific parameter type keys. Odd keys carry a
// length-prefixed byte string; even keys carry a varint value. Unknown
// parameter types are parsed and returned like any other; callers ignore them.
const (
	ParamAuthorizationInfo uint64 = 0x01 // odd: length-prefixed bytes
	ParamDeliveryTimeout   uint64 = 0x02 // even: varint milliseconds
	ParamMaxCacheDuration  uint64 = 0x04 // even: varint milliseconds
	ParamMaxSubscribeID    uint64 = 0x06 // even: varint
	ParamRole              uint64 = 0x00 // even: varint, CLIENT_SETUP/SERVER_SETUP only
)

// Role values carried by ParamRole in CLIENT_SETUP, declaring which
// direction(s) a session intends to use.
const (
	RolePublisher  uint64 = 0x01
	RoleSubscriber uint64 = 0x02
	RolePubSub     uint64 = 0x03
)

// Param is a single decoded version-specific parameter. Bytes holds the raw
// bytes for byte-string parameters and is empty (with Varint set) for
// varint parameters; IsBytes tells you which applies.
type Param struct {
	Type   uint64
	Bytes  []byte
	Varint uint64
}

// IsBytes reports whether this parameter's key encodes a length-prefixed
// byte string (odd key) rather than a varint value (even key).
func (p Param) IsBytes() bool {
	return p.Type%2 == 1
}

// ParamList is an ordered collection of version-specific parameters attached
// to a control message.
type ParamList []Param

// GetBytes returns the byte-string value of the first parameter matching
// typ, if any.
func (pl ParamList) GetBytes(typ uint64) ([]byte, bool) {
	for _, p := range pl {
		if p.Type == typ {
			return p.Bytes, true
		}
	}
	return nil, false
}

// GetVarint returns the varint value of the first parameter matching typ,
// if any.
func (pl ParamList) GetVarint(typ uint64) (uint64, bool) {
	for _, p := range pl {
		if p.Type == typ {
			return p.Varint, true
		}
	}
	return 0, false
}

// parseParams reads varint(param_count) followed by that many TLV params,
// each framed per spec section 6 as varint(param_type) || varint(len) ||
// value: the length is always explicit, never inferred from the type's
// parity. Unrecognized parameter types are still fully parsed by their
// stated length (so the stream stays in sync) and returned like any other
// parameter; callers that don't recognize a Type simply ignore it,
// satisfying the forward-compatibility requirement. An even-typed
// parameter whose value bytes aren't a well-formed varint is malformed.
func parseParams(r *bufReader) (ParamList, error) {
	count, err := r.readVarint()
	if err != nil {
		return nil, err
	}

	params := make(ParamList, 0, count)
	for i := uint64(0); i < count; i++ {
		key, err := r.readVarint()
		if err != nil {
			return nil, err
		}
		length, err := r.readVarint()
		if err != nil {
			return nil, err
		}
		value, err := r.readBytes(int(length))
		if err != nil {
			return nil, err
		}
		if key%2 == 1 {
			params = append(params, Param{Type: key, Bytes: value})
			continue
		}
		vr := newBufReader(value)
		v, err := vr.readVarint()
		if err != nil || vr.remaining() != 0 {
			return nil, ErrMalformedMessage
		}
		params = append(params, Param{Type: key, Varint: v})
	}
	return params, nil
}

// appendParams appends varint(len(params)) followed by each param framed as
// varint(param_type) || varint(len) || value per spec section 6.
func appendParams(buf []byte, params ParamList) []byte {
	buf = AppendVarint(buf, uint64(len(params)))
	for _, p := range params {
		buf = AppendVarint(buf, p.Type)
		if p.IsBytes() {
			buf = appendVarIntBytes(buf, p.Bytes)
		} else {
			value := AppendVarint(nil, p.Varint)
			buf = appendVarIntBytes(buf, value)
		}
	}
	return buf
}
