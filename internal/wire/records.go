package wire

import "encoding/binary"

// AuthStatus is the outcome of an auth handshake (§4.3).
type AuthStatus byte

const (
	AuthSuccess      AuthStatus = 0
	AuthInvalidToken AuthStatus = 1
	AuthNotRegistered AuthStatus = 2
)

// ConnectStatus is the outcome of a probe's ConnectRequest (§4.5).
type ConnectStatus byte

const (
	ConnectSuccess     ConnectStatus = 0
	ConnectNotFound    ConnectStatus = 1
	ConnectForbidden   ConnectStatus = 2
	ConnectNotAvailable ConnectStatus = 3
)

// AuthRequestLength is the fixed wire length of an AuthRequest.
const AuthRequestLength = 1 + TokenLength

// AuthRequest carries the session token presented immediately after TCP
// establishment by both provider and probe connections.
type AuthRequest struct {
	SessionToken SessionToken
}

// Encode renders the record as version ‖ session_token[25].
func (r AuthRequest) Encode() []byte {
	buf := make([]byte, AuthRequestLength)
	buf[0] = version
	copy(buf[1:], r.SessionToken[:])
	return buf
}

// DecodeAuthRequest parses an AuthRequestLength-byte buffer.
func DecodeAuthRequest(b []byte) (AuthRequest, error) {
	if len(b) != AuthRequestLength || b[0] != version {
		return AuthRequest{}, ErrMalformed
	}
	tok, err := NewSessionToken(b[1:])
	if err != nil {
		return AuthRequest{}, ErrMalformed
	}
	return AuthRequest{SessionToken: tok}, nil
}

// AuthResponseLength is the fixed wire length of an AuthResponse.
const AuthResponseLength = 2

// AuthResponse carries the handshake outcome.
type AuthResponse struct {
	Status AuthStatus
}

// Encode renders the record as version ‖ status[1].
func (r AuthResponse) Encode() []byte {
	return []byte{version, byte(r.Status)}
}

// DecodeAuthResponse parses a 2-byte buffer.
func DecodeAuthResponse(b []byte) (AuthResponse, error) {
	if len(b) != AuthResponseLength || b[0] != version {
		return AuthResponse{}, ErrMalformed
	}
	switch AuthStatus(b[1]) {
	case AuthSuccess, AuthInvalidToken, AuthNotRegistered:
		return AuthResponse{Status: AuthStatus(b[1])}, nil
	default:
		return AuthResponse{}, ErrMalformed
	}
}

// ConnectRequestMinLength is the shortest possible ConnectRequest (the
// Imsi-carrying form); ConnectRequestMissing reports how many more bytes a
// partial read still needs once the identifier-type byte is known.
const ConnectRequestMinLength = 2 + ImsiWireLength

// ConnectRequest is a probe's request to be paired with a SIM.
type ConnectRequest struct {
	Identifier SimIdentifier
}

// Encode renders version ‖ id_type[1] ‖ id_bytes[15 or 20].
func (r ConnectRequest) Encode() []byte {
	idType := r.Identifier.IdentifierType()
	var body []byte
	switch idType {
	case IdentifierImsi:
		imsi, _ := r.Identifier.Imsi()
		body = imsi.Encode()
	case IdentifierIccid:
		iccid, _ := r.Identifier.Iccid()
		body = iccid.Encode()
	}
	buf := make([]byte, 2+len(body))
	buf[0] = version
	buf[1] = byte(idType)
	copy(buf[2:], body)
	return buf
}

// ConnectRequestMissing inspects a partial buffer (at least 2 bytes) and
// returns how many more bytes are required to have a complete record, or
// -1 if the buffer is already malformed (unknown identifier-type byte).
// Callers with fewer than 2 bytes should request up to
// ConnectRequestMinLength first; see internal/stream.
func ConnectRequestMissing(b []byte) int {
	if len(b) < 2 {
		return ConnectRequestMinLength - len(b)
	}
	switch IdentifierType(b[1]) {
	case IdentifierImsi:
		return (2 + ImsiWireLength) - len(b)
	case IdentifierIccid:
		return (2 + IccidWireLength) - len(b)
	default:
		return -1
	}
}

// DecodeConnectRequest parses a complete ConnectRequest buffer, as
// determined by ConnectRequestMissing reaching 0.
func DecodeConnectRequest(b []byte) (ConnectRequest, error) {
	if len(b) < 2 || b[0] != version {
		return ConnectRequest{}, ErrMalformed
	}
	switch IdentifierType(b[1]) {
	case IdentifierImsi:
		if len(b) != 2+ImsiWireLength {
			return ConnectRequest{}, ErrMalformed
		}
		imsi, err := DecodeImsi(b[2:])
		if err != nil {
			return ConnectRequest{}, err
		}
		return ConnectRequest{Identifier: NewSimIdentifierImsi(imsi)}, nil
	case IdentifierIccid:
		if len(b) != 2+IccidWireLength {
			return ConnectRequest{}, ErrMalformed
		}
		iccid, err := DecodeIccid(b[2:])
		if err != nil {
			return ConnectRequest{}, err
		}
		return ConnectRequest{Identifier: NewSimIdentifierIccid(iccid)}, nil
	default:
		return ConnectRequest{}, ErrMalformed
	}
}

// ConnectResponseLength is the fixed wire length of a ConnectResponse.
const ConnectResponseLength = 2

// ConnectResponse carries the match engine's verdict on a ConnectRequest.
type ConnectResponse struct {
	Status ConnectStatus
}

// Encode renders version ‖ status[1].
func (r ConnectResponse) Encode() []byte {
	return []byte{version, byte(r.Status)}
}

// DecodeConnectResponse parses a 2-byte buffer.
func DecodeConnectResponse(b []byte) (ConnectResponse, error) {
	if len(b) != ConnectResponseLength || b[0] != version {
		return ConnectResponse{}, ErrMalformed
	}
	switch ConnectStatus(b[1]) {
	case ConnectSuccess, ConnectNotFound, ConnectForbidden, ConnectNotAvailable:
		return ConnectResponse{Status: ConnectStatus(b[1])}, nil
	default:
		return ConnectResponse{}, ErrMalformed
	}
}

// ApduOp distinguishes a plain APDU exchange from a session reset signal.
type ApduOp byte

const (
	ApduOpApdu  ApduOp = 0
	ApduOpReset ApduOp = 1
)

// ApduHeaderLength is the fixed portion of an ApduPacket: version, op, and
// the u32 payload length.
const ApduHeaderLength = 6

// MaxApduPayload is the receiver-enforced and sender-enforced cap on
// ApduPacket payload size (§6, §9 OQ-2: resolves the source's apparent
// 1024-byte assertion typo to the u32-bounded-but-capped 65535).
const MaxApduPayload = 65535

// ApduPacket is a single APDU frame relayed verbatim between a paired
// probe and provider.
type ApduPacket struct {
	Op      ApduOp
	Payload []byte
}

// NewApduPacket validates the payload length before constructing a packet,
// enforcing the sender-side half of the §6 cap.
func NewApduPacket(op ApduOp, payload []byte) (ApduPacket, error) {
	if len(payload) > MaxApduPayload {
		return ApduPacket{}, ErrMalformed
	}
	return ApduPacket{Op: op, Payload: payload}, nil
}

// Encode renders version ‖ op[1] ‖ plen[u32] ‖ payload.
func (p ApduPacket) Encode() []byte {
	buf := make([]byte, ApduHeaderLength+len(p.Payload))
	buf[0] = version
	buf[1] = byte(p.Op)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(p.Payload)))
	copy(buf[6:], p.Payload)
	return buf
}

// ApduPayloadLen reads the plen field out of a header-sized (or longer)
// buffer, without requiring the full packet to be present yet.
func ApduPayloadLen(header []byte) (uint32, error) {
	if len(header) < ApduHeaderLength {
		return 0, ErrMalformed
	}
	return binary.BigEndian.Uint32(header[2:6]), nil
}

// DecodeApduPacket parses a complete ApduPacket buffer.
func DecodeApduPacket(b []byte) (ApduPacket, error) {
	if len(b) < ApduHeaderLength || b[0] != version {
		return ApduPacket{}, ErrMalformed
	}
	switch ApduOp(b[1]) {
	case ApduOpApdu, ApduOpReset:
	default:
		return ApduPacket{}, ErrMalformed
	}
	plen := binary.BigEndian.Uint32(b[2:6])
	if plen > MaxApduPayload {
		return ApduPacket{}, ErrMalformed
	}
	if uint32(len(b)) != ApduHeaderLength+plen {
		return ApduPacket{}, ErrMalformed
	}
	payload := make([]byte, plen)
	copy(payload, b[6:])
	return ApduPacket{Op: ApduOp(b[1]), Payload: payload}, nil
}
