// Package match implements the rendezvous between providers waiting for a
// connection and probes requesting one (spec.md §4.5).
//
// Modeled on the teacher's sol.Manager: a map guarded by a single mutex,
// with register/deregister/reserve as the only three mutating operations
// (§5's "single-writer discipline"), generalized from one session per
// server name to one or more waiting providers per SIM identifier.
package match

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sbaresearch/moatt-go/internal/registry"
	"github.com/sbaresearch/moatt-go/internal/stream"
	"github.com/sbaresearch/moatt-go/internal/wire"
)

// ProviderCallback is the application decision point a provider connection
// supplies: given a ConnectRequest, decide synchronously whether to accept
// the probe (§4.5 step 4, §9 "Provider callback").
type ProviderCallback func(ctx context.Context, req wire.ConnectRequest) wire.ConnectStatus

// parkedProvider is one provider connection's wait for a probe, registered
// under every SIM it owns simultaneously (§4.5: "it registers itself in
// the mapping under each SIM it owns"). State machine per §4.5: Idle (not
// yet constructed) -> Registered (present in Engine.waiting under each of
// sims) -> Reserved (removed from every sims entry, handed to one probe)
// -> Paired|Dead (terminal; never re-enters Registered).
type parkedProvider struct {
	sims     []wire.SimIdentifier
	stream   *stream.Stream
	callback ProviderCallback
	// requestCh carries the ConnectRequest to the parked provider goroutine,
	// which replies on responseCh with the callback's verdict. Buffered 1
	// so neither Request's send nor Serve's reply blocks on the other side.
	requestCh  chan wire.ConnectRequest
	responseCh chan wire.ConnectStatus
	// cancelled is closed when the provider's own connection dies while
	// still Registered, so a racing reserve can detect it atomically.
	cancelled chan struct{}
}

// Engine is the shared, cross-connection rendezvous table. Construct it
// once per process and pass it to every accepted connection's handler —
// deliberately not a package-level singleton (§9 "Global match-engine
// state").
type Engine struct {
	registry Registry

	mu      sync.Mutex
	waiting map[wire.SimIdentifier][]*parkedProvider
}

// Registry is the subset of the SIM registry collaborator the match engine
// needs (§4.4).
type Registry interface {
	Lookup(ctx context.Context, requester wire.SessionToken, sim wire.SimIdentifier) (registry.ProviderBinding, error)
}

// New builds an Engine backed by reg.
func New(reg Registry) *Engine {
	return &Engine{
		registry: reg,
		waiting:  make(map[wire.SimIdentifier][]*parkedProvider),
	}
}

// ProviderHandle is returned by Wait and used by the provider connection's
// goroutine to service a connection request as it arrives, and to
// deregister on teardown.
type ProviderHandle struct {
	engine *Engine
	p      *parkedProvider
}

// Wait registers the calling provider connection as willing to serve any
// of sims, appending to any other providers already waiting on each of
// them (§4.5 step 6: FIFO tie-break — this is why each waiting[sim] is an
// append-only slice consumed from the front). Whichever SIM a probe
// reserves first, the provider is atomically removed from every other
// sims entry too: one physical connection can serve only one probe.
func (e *Engine) Wait(providerStream *stream.Stream, sims []wire.SimIdentifier, cb ProviderCallback) *ProviderHandle {
	p := &parkedProvider{
		sims:       sims,
		stream:     providerStream,
		callback:   cb,
		requestCh:  make(chan wire.ConnectRequest, 1),
		responseCh: make(chan wire.ConnectStatus, 1),
		cancelled:  make(chan struct{}),
	}

	e.mu.Lock()
	for _, sim := range sims {
		e.waiting[sim] = append(e.waiting[sim], p)
	}
	e.mu.Unlock()

	return &ProviderHandle{engine: e, p: p}
}

// Serve blocks until a probe reserves this provider (for any of the SIMs
// it registered for), or ctx is cancelled, or Cancel is called. On a
// reservation it invokes the callback and reports the verdict back to the
// match engine.
func (h *ProviderHandle) Serve(ctx context.Context) (wire.ConnectRequest, wire.ConnectStatus, bool) {
	select {
	case <-ctx.Done():
		return wire.ConnectRequest{}, 0, false
	case <-h.p.cancelled:
		return wire.ConnectRequest{}, 0, false
	case req := <-h.p.requestCh:
		status := h.p.callback(ctx, req)
		h.p.responseCh <- status
		return req, status, true
	}
}

// Cancel removes the provider from the waiting table under every SIM it
// registered for (a no-op for SIMs where it was already reserved away) and
// wakes any blocked Serve call. Call when the provider's socket dies while
// parked (§5 "Cancellation").
func (h *ProviderHandle) Cancel() {
	h.engine.removeFromWaiting(h.p)

	select {
	case <-h.p.cancelled:
	default:
		close(h.p.cancelled)
	}
}

// removeFromWaiting deletes p from every sims entry it may still occupy.
// Must not be called while already holding e.mu.
func (e *Engine) removeFromWaiting(p *parkedProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sim := range p.sims {
		slots := e.waiting[sim]
		for i, s := range slots {
			if s == p {
				slots = append(slots[:i], slots[i+1:]...)
				break
			}
		}
		if len(slots) == 0 {
			delete(e.waiting, sim)
		} else {
			e.waiting[sim] = slots
		}
	}
}

// Result is the outcome of a probe's Request call.
type Result struct {
	Status wire.ConnectStatus
	// PairingID correlates the two sides' log lines for a successful
	// pairing.
	PairingID string
	// ProviderStream is set only on ConnectSuccess: the matched provider's
	// stream, handed to the probe side so it can construct the
	// SessionPairing (§4.5 step 5 — the match engine's caller, not the
	// provider connection, owns pairing construction).
	ProviderStream *stream.Stream
}

// Request implements §4.5 steps 1-5 on behalf of one probe connection:
// verify ownership via the registry, reserve a waiting provider FIFO, hand
// it the request, and relay the provider's verdict.
func (e *Engine) Request(ctx context.Context, requester wire.SessionToken, req wire.ConnectRequest) Result {
	_, err := e.registry.Lookup(ctx, requester, req.Identifier)
	switch err {
	case nil:
	case registry.ErrNotFound:
		return Result{Status: wire.ConnectNotFound}
	case registry.ErrForbidden:
		return Result{Status: wire.ConnectForbidden}
	default:
		log.WithError(err).Warn("match: unexpected registry error")
		return Result{Status: wire.ConnectNotFound}
	}

	p := e.reserve(req.Identifier)
	if p == nil {
		return Result{Status: wire.ConnectNotAvailable}
	}

	select {
	case p.requestCh <- req:
	case <-ctx.Done():
		return Result{Status: wire.ConnectNotAvailable}
	}

	select {
	case status := <-p.responseCh:
		if status == wire.ConnectSuccess {
			return Result{Status: wire.ConnectSuccess, PairingID: uuid.NewString(), ProviderStream: p.stream}
		}
		return Result{Status: status}
	case <-p.cancelled:
		// Provider died between being reserved and answering: Reserved ->
		// Dead without completing the callback (§4.5 slot state machine).
		return Result{Status: wire.ConnectNotAvailable}
	case <-ctx.Done():
		return Result{Status: wire.ConnectNotAvailable}
	}
}

// reserve pops the earliest-registered waiting provider for sim, if any,
// and atomically removes it from every other SIM it was also waiting on.
func (e *Engine) reserve(sim wire.SimIdentifier) *parkedProvider {
	e.mu.Lock()
	slots := e.waiting[sim]
	if len(slots) == 0 {
		e.mu.Unlock()
		return nil
	}
	p := slots[0]
	rest := slots[1:]
	if len(rest) == 0 {
		delete(e.waiting, sim)
	} else {
		e.waiting[sim] = rest
	}
	e.mu.Unlock()

	// Remove p from its other SIMs too; it can only ever serve one probe.
	e.removeFromWaiting(p)
	return p
}

// WaitingCount reports how many providers are currently parked for sim.
func (e *Engine) WaitingCount(sim wire.SimIdentifier) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiting[sim])
}
