package stream

import (
	"io"

	"github.com/sbaresearch/moatt-go/internal/wire"
)

// ReadAuthRequest reads a fixed-length AuthRequest.
func ReadAuthRequest(s *Stream) (wire.AuthRequest, error) {
	b, err := s.ReadExactly(wire.AuthRequestLength)
	if err != nil {
		return wire.AuthRequest{}, err
	}
	return wire.DecodeAuthRequest(b)
}

// ReadAuthResponse reads a fixed-length AuthResponse.
func ReadAuthResponse(s *Stream) (wire.AuthResponse, error) {
	b, err := s.ReadExactly(wire.AuthResponseLength)
	if err != nil {
		return wire.AuthResponse{}, err
	}
	return wire.DecodeAuthResponse(b)
}

// ReadConnectResponse reads a fixed-length ConnectResponse.
func ReadConnectResponse(s *Stream) (wire.ConnectResponse, error) {
	b, err := s.ReadExactly(wire.ConnectResponseLength)
	if err != nil {
		return wire.ConnectResponse{}, err
	}
	return wire.DecodeConnectResponse(b)
}

// ReadConnectRequest implements the variable-length read loop from §4.2:
// read the minimum possible length, decode-peek byte 1 to learn the
// identifier type, then read exactly the remaining bytes.
func ReadConnectRequest(s *Stream) (wire.ConnectRequest, error) {
	buf, err := s.ReadExactly(wire.ConnectRequestMinLength)
	if err != nil {
		return wire.ConnectRequest{}, err
	}

	missing := wire.ConnectRequestMissing(buf)
	if missing < 0 {
		return wire.ConnectRequest{}, wire.ErrMalformed
	}
	for missing > 0 {
		more, err := s.Read(missing)
		if err != nil {
			if err == io.EOF {
				return wire.ConnectRequest{}, io.ErrUnexpectedEOF
			}
			return wire.ConnectRequest{}, err
		}
		if len(more) == 0 {
			return wire.ConnectRequest{}, io.ErrUnexpectedEOF
		}
		buf = append(buf, more...)
		missing = wire.ConnectRequestMissing(buf)
		if missing < 0 {
			return wire.ConnectRequest{}, wire.ErrMalformed
		}
	}
	return wire.DecodeConnectRequest(buf)
}

// ReadApduPacket implements the variable-length read loop for ApduPacket:
// read the 6-byte header, inspect plen, then read exactly plen more bytes.
// Returns io.EOF if the peer closes before the 6-byte header is complete
// (including at a clean frame boundary), or io.ErrUnexpectedEOF if it
// closes partway through the payload.
func ReadApduPacket(s *Stream) (wire.ApduPacket, error) {
	buf, err := s.ReadExactly(wire.ApduHeaderLength)
	if err != nil {
		return wire.ApduPacket{}, err
	}

	plen, err := wire.ApduPayloadLen(buf)
	if err != nil {
		return wire.ApduPacket{}, err
	}
	if plen > wire.MaxApduPayload {
		return wire.ApduPacket{}, wire.ErrMalformed
	}

	missing := int(plen)
	for missing > 0 {
		more, err := s.Read(missing)
		if err != nil {
			if err == io.EOF {
				return wire.ApduPacket{}, io.ErrUnexpectedEOF
			}
			return wire.ApduPacket{}, err
		}
		if len(more) == 0 {
			return wire.ApduPacket{}, io.ErrUnexpectedEOF
		}
		buf = append(buf, more...)
		missing -= len(more)
	}
	return wire.DecodeApduPacket(buf)
}

// WriteApduPacket writes a complete, encoded ApduPacket frame.
func WriteApduPacket(s *Stream, p wire.ApduPacket) error {
	return s.WriteAll(p.Encode())
}
