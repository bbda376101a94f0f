// Package auth implements the handshake shared by provider and probe
// connections (§4.3): read an AuthRequest, consult the external token
// validator, write an AuthResponse, and close on anything but success.
package auth

import (
	"context"
	"time"

	"github.com/sbaresearch/moatt-go/internal/stream"
	"github.com/sbaresearch/moatt-go/internal/wire"
)

// Validator is the synchronous token-validity predicate the tunnel core
// consumes from the external registry (§4.4). Implementations must be
// safe to call from the handshake path without blocking the executor.
type Validator interface {
	Valid(ctx context.Context, token wire.SessionToken) wire.AuthStatus
}

// DefaultTimeout is the recommended (not mandatory) handshake deadline
// from §4.3/§5.
const DefaultTimeout = 30 * time.Second

// Handshake performs the auth exchange on s and returns the session token
// and an ok flag. On any non-Success status the response has already been
// written and the caller should close the connection; ok is false.
func Handshake(ctx context.Context, s *stream.Stream, validator Validator, timeout time.Duration) (wire.SessionToken, bool, error) {
	if timeout > 0 {
		_ = s.Conn().SetDeadline(time.Now().Add(timeout))
		defer s.Conn().SetDeadline(time.Time{})
	}

	req, err := stream.ReadAuthRequest(s)
	if err != nil {
		return wire.SessionToken{}, false, err
	}

	status := validator.Valid(ctx, req.SessionToken)

	if err := s.WriteAll(wire.AuthResponse{Status: status}.Encode()); err != nil {
		return wire.SessionToken{}, false, err
	}

	if status != wire.AuthSuccess {
		return req.SessionToken, false, nil
	}
	return req.SessionToken, true, nil
}
