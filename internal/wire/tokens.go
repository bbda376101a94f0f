// Package wire implements the binary record schema spoken on the provider
// and probe tunnel sockets: token types, SIM identifiers, and the fixed and
// length-prefixed records built from them.
package wire

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

// version is the leading byte of every record on the wire.
const version byte = 0x01

// ErrMalformed is returned by decoders when a buffer does not hold a valid
// record of the expected shape. It is distinct from a short-read signal —
// callers that need more bytes should keep reading, not treat this as fatal.
var ErrMalformed = errors.New("wire: malformed record")

// TokenLength is the fixed size, in bytes, of every bearer token kind.
const TokenLength = 25

// Token is an opaque 25-byte bearer credential used by the REST admin API.
// It is intentionally a distinct type from SessionToken: the two must never
// be interchangeable, even though they share a representation.
type Token [TokenLength]byte

// NewToken builds a Token from exactly TokenLength bytes.
func NewToken(b []byte) (Token, error) {
	var t Token
	if len(b) != TokenLength {
		return t, ErrMalformed
	}
	copy(t[:], b)
	return t, nil
}

// RandomToken generates a Token using a cryptographically secure source.
func RandomToken() (Token, error) {
	var t Token
	if _, err := rand.Read(t[:]); err != nil {
		return t, err
	}
	return t, nil
}

// Bytes returns the raw token bytes.
func (t Token) Bytes() []byte {
	b := make([]byte, TokenLength)
	copy(b, t[:])
	return b
}

// Base64 renders the token as standard base64, as used on the REST surface.
func (t Token) Base64() string {
	return base64.StdEncoding.EncodeToString(t[:])
}

// TokenFromBase64 decodes a Token from standard or unpadded base64.
func TokenFromBase64(s string) (Token, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return Token{}, ErrMalformed
		}
	}
	return NewToken(b)
}

// SessionToken is structurally identical to Token but semantically
// distinct: it is issued by the REST admin login endpoint and presented by
// tunnel clients during AuthRequest. Because it is its own Go type, it
// cannot be compared against a Token by the compiler, which is how this
// port avoids the cross-kind equality bug noted in the original source
// (spec.md design note: SessionToken.__eq__ compared against the wrong
// class there).
type SessionToken [TokenLength]byte

// NewSessionToken builds a SessionToken from exactly TokenLength bytes.
func NewSessionToken(b []byte) (SessionToken, error) {
	var t SessionToken
	if len(b) != TokenLength {
		return t, ErrMalformed
	}
	copy(t[:], b)
	return t, nil
}

// RandomSessionToken generates a SessionToken using a cryptographically
// secure source.
func RandomSessionToken() (SessionToken, error) {
	var t SessionToken
	if _, err := rand.Read(t[:]); err != nil {
		return t, err
	}
	return t, nil
}

// Bytes returns the raw token bytes.
func (t SessionToken) Bytes() []byte {
	b := make([]byte, TokenLength)
	copy(b, t[:])
	return b
}

// Base64 renders the session token as standard base64.
func (t SessionToken) Base64() string {
	return base64.StdEncoding.EncodeToString(t[:])
}

// SessionTokenFromBase64 decodes a SessionToken from standard or unpadded
// base64.
func SessionTokenFromBase64(s string) (SessionToken, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return SessionToken{}, ErrMalformed
		}
	}
	return NewSessionToken(b)
}
