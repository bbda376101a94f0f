// Package registry provides the SIM registry and token validator
// collaborators the tunnel core consumes (spec.md §4.4), backed by an
// in-memory, mutex-guarded store shared with the REST admin surface.
//
// Modeled on the teacher's discovery.Scanner: an external-source-backed
// lookup table behind a small interface and a sync.RWMutex, with
// snapshot-style accessors rather than exposing the map directly.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sbaresearch/moatt-go/internal/wire"
)

// ErrNotFound indicates no provider has ever registered the requested SIM.
var ErrNotFound = errors.New("registry: sim not registered")

// ErrForbidden indicates the SIM is registered, but not to the session
// scope the caller presented (see DESIGN.md OQ-1).
var ErrForbidden = errors.New("registry: sim registered to a different session")

// ProviderBinding is what a successful registry lookup resolves to: enough
// information for the match engine to know which session registered the
// SIM, without saying anything about whether a provider connection is
// currently parked waiting for it (that liveness lives in internal/match).
type ProviderBinding struct {
	Owner     wire.SessionToken
	Sim       wire.SimIdentifier
	CreatedAt time.Time
	scope     string
}

type sessionRecord struct {
	expiresAt time.Time
	scope     string
}

// DefaultScope is the tenant scope assigned to sessions minted without an
// explicit scope. Every SIM registered and looked up under DefaultScope is
// visible to every other DefaultScope session — i.e. a single-tenant
// broker, matching spec.md's S1 scenario where the provider and probe
// authenticate with two different session tokens yet the probe's request
// still succeeds.
const DefaultScope = ""

// Store is the in-memory registry/session backing. The zero value is not
// usable; construct with New.
type Store struct {
	adminToken wire.Token
	sessionTTL time.Duration

	mu           sync.RWMutex
	sessions     map[wire.SessionToken]sessionRecord
	registrations map[wire.SimIdentifier]ProviderBinding

	// subMu/subscribers back Subscribe/Unsubscribe/notify below, modeled on
	// the teacher's sol.Manager subscriber map: a provider connection that
	// authenticated before registering any SIMs via REST parks here until
	// its first registration arrives.
	subMu       sync.Mutex
	subscribers map[wire.SessionToken][]chan struct{}
}

// New builds a Store. adminToken is the pre-shared credential accepted by
// POST /admin/login; sessionTTL bounds how long minted session tokens
// remain valid.
func New(adminToken wire.Token, sessionTTL time.Duration) *Store {
	return &Store{
		adminToken:    adminToken,
		sessionTTL:    sessionTTL,
		sessions:      make(map[wire.SessionToken]sessionRecord),
		registrations: make(map[wire.SimIdentifier]ProviderBinding),
	}
}

// AdminValid reports whether b is the configured admin bearer token.
func (s *Store) AdminValid(b wire.Token) bool {
	return b == s.adminToken
}

// MintSession issues a new session token with the store's configured TTL,
// scoped to DefaultScope.
func (s *Store) MintSession() (wire.SessionToken, error) {
	return s.MintSessionScoped(DefaultScope)
}

// MintSessionScoped issues a new session token scoped to the given tenant.
// Only a provider's registrations and a probe's requests made within the
// same scope can match each other; see Lookup.
func (s *Store) MintSessionScoped(scope string) (wire.SessionToken, error) {
	tok, err := wire.RandomSessionToken()
	if err != nil {
		return wire.SessionToken{}, err
	}
	s.mu.Lock()
	s.sessions[tok] = sessionRecord{expiresAt: time.Now().Add(s.sessionTTL), scope: scope}
	s.mu.Unlock()
	return tok, nil
}

// Valid implements auth.Validator: Success if tok was issued and has not
// expired, NotRegistered otherwise. Malformed tokens never reach here —
// the wire decoder rejects those before a Validator call is made — so
// AuthInvalidToken is not produced by this implementation.
func (s *Store) Valid(_ context.Context, tok wire.SessionToken) wire.AuthStatus {
	s.mu.RLock()
	rec, ok := s.sessions[tok]
	s.mu.RUnlock()
	if !ok || time.Now().After(rec.expiresAt) {
		return wire.AuthNotRegistered
	}
	return wire.AuthSuccess
}

// Register records that owner is the provider-of-record for sim. A later
// registration for the same SIM replaces the earlier one — the registry
// tracks ownership metadata only; which connection is actually parked
// waiting for the SIM is the match engine's concern (internal/match), not
// this store's. Register is a no-op if owner is not a currently valid
// session.
//
// After recording the registration, Register wakes any goroutine blocked
// in Subscribe(owner) — this is how a provider connection that completed
// its auth handshake before any SIM was registered to it learns that work
// has arrived.
func (s *Store) Register(owner wire.SessionToken, sim wire.SimIdentifier) {
	s.mu.Lock()
	rec, ok := s.sessions[owner]
	if !ok || time.Now().After(rec.expiresAt) {
		s.mu.Unlock()
		return
	}
	s.registrations[sim] = ProviderBinding{Owner: owner, Sim: sim, CreatedAt: time.Now(), scope: rec.scope}
	s.mu.Unlock()

	s.notify(owner)
}

// Subscribe returns a channel that receives a value each time a SIM is
// registered to token, until Unsubscribe is called with the same channel.
// Modeled on the teacher's sol.Manager.Subscribe: a per-key slice of
// channels guarded by its own mutex, kept separate from the registration
// table's lock so a slow subscriber never stalls Register.
func (s *Store) Subscribe(token wire.SessionToken) chan struct{} {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	if s.subscribers == nil {
		s.subscribers = make(map[wire.SessionToken][]chan struct{})
	}
	s.subscribers[token] = append(s.subscribers[token], ch)
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes ch from token's subscriber list. Call in a defer
// paired with Subscribe once the caller no longer needs notifications.
func (s *Store) Unsubscribe(token wire.SessionToken, ch chan struct{}) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	subs := s.subscribers[token]
	for i, c := range subs {
		if c == ch {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(s.subscribers, token)
	} else {
		s.subscribers[token] = subs
	}
}

// notify wakes every subscriber of token with a non-blocking send into its
// one-slot channel. If a wakeup is already pending the new one is dropped,
// which loses nothing: the subscriber re-reads SimsForSession when it takes
// the pending one. Like the teacher's broadcast(), it never blocks Register
// on a slow subscriber.
func (s *Store) notify(token wire.SessionToken) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers[token] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SimsForSession returns every SIM currently registered to token, for a
// provider connection to learn what it should park itself waiting for.
func (s *Store) SimsForSession(token wire.SessionToken) []wire.SimIdentifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sims []wire.SimIdentifier
	for sim, b := range s.registrations {
		if b.Owner == token {
			sims = append(sims, sim)
		}
	}
	return sims
}

// Lookup implements the SimRegistry collaborator (§4.4): resolves sim to
// its ProviderBinding, or ErrNotFound/ErrForbidden per §4.5 step 1.
//
// requester is the session token the *probe* authenticated with. Per
// OQ-1 in DESIGN.md, ownership is checked by tenant scope (§4.9), not by
// requiring the probe and provider to share one literal session token —
// spec.md's S1 scenario has the provider and probe authenticate with two
// distinct tokens T and T' and still expects Success. Forbidden is
// returned when the SIM's registering session and the requester's session
// belong to different scopes, or when the requester is not a known
// session; single-tenant deployments mint every session under DefaultScope
// and never see Forbidden for a known requester.
func (s *Store) Lookup(_ context.Context, requester wire.SessionToken, sim wire.SimIdentifier) (ProviderBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	binding, ok := s.registrations[sim]
	if !ok {
		return ProviderBinding{}, ErrNotFound
	}
	reqRec, ok := s.sessions[requester]
	if !ok || reqRec.scope != binding.scope {
		return ProviderBinding{}, ErrForbidden
	}
	return binding, nil
}

// Snapshot returns a copy of all current registrations, for the admin
// listing endpoint.
func (s *Store) Snapshot() []ProviderBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProviderBinding, 0, len(s.registrations))
	for _, b := range s.registrations {
		out = append(out, b)
	}
	return out
}
