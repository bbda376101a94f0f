// Package relay implements the APDU forwarding between a paired probe and
// provider (spec.md §4.6): two independent directional goroutines,
// frame-at-a-time, with EOF/error teardown and Reset-is-just-a-frame
// semantics.
//
// Grounded on the teacher's sol.Manager.connectSOL read/dispatch loop (one
// goroutine continuously reading and reacting on each event), generalized
// from a single fan-out read to two independent forwarding directions.
package relay

import (
	"context"
	"errors"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sbaresearch/moatt-go/internal/stream"
	"github.com/sbaresearch/moatt-go/internal/wire"
)

// Counters is the subset of metrics the relay reports into (§4.10);
// satisfied by internal/metrics.
type Counters interface {
	RelayBytes(direction string, n int)
	PairingOpened()
	PairingClosed()
}

// noopCounters discards everything; used when the caller doesn't care.
type noopCounters struct{}

func (noopCounters) RelayBytes(string, int) {}
func (noopCounters) PairingOpened()         {}
func (noopCounters) PairingClosed()         {}

// Pairing owns the two streams of an established SessionPairing (spec.md
// §3). It owns neither stream's lifecycle beyond closing both together on
// teardown — per §9's "cyclic ownership" note, nothing here holds a
// back-pointer from one stream to the other; each direction's goroutine
// only ever touches its own read side and the other's write side.
type Pairing struct {
	Probe    *stream.Stream
	Provider *stream.Stream

	// PairingID correlates this pairing's two log lines.
	PairingID string
	// Sim is the identifier this pairing was established for, for logging
	// and metrics.
	Sim wire.SimIdentifier

	Counters Counters

	closeOnce sync.Once
}

// Run relays frames in both directions until either side reaches EOF, a
// decode failure occurs, a write fails, or ctx is cancelled. It always
// closes both streams before returning (§3 SessionPairing lifetime).
func (p *Pairing) Run(ctx context.Context) {
	if p.Counters == nil {
		p.Counters = noopCounters{}
	}
	p.Counters.PairingOpened()
	defer p.Counters.PairingClosed()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.forward(ctx, "probe_to_provider", p.Probe, p.Provider)
		cancel()
	}()
	go func() {
		defer wg.Done()
		p.forward(ctx, "provider_to_probe", p.Provider, p.Probe)
		cancel()
	}()

	<-ctx.Done()
	p.teardown()
	wg.Wait()
}

// forward runs one direction: read a frame from src, write it verbatim to
// dst. Loops until src reaches EOF, a frame fails to decode, a write
// fails, or ctx is cancelled.
func (p *Pairing) forward(ctx context.Context, direction string, src, dst *stream.Stream) {
	for {
		if ctx.Err() != nil {
			return
		}

		packet, err := stream.ReadApduPacket(src)
		if err != nil {
			p.logTeardownCause(direction, err)
			return
		}

		// ApduOp.Reset is forwarded like any other frame (§4.6 rule 2); the
		// tunnel is transparent to it.
		if err := stream.WriteApduPacket(dst, packet); err != nil {
			log.WithFields(log.Fields{
				"pairing": p.PairingID, "sim": p.Sim.String(), "direction": direction,
			}).WithError(err).Warn("relay: write failed, tearing down pairing")
			return
		}

		p.Counters.RelayBytes(direction, len(packet.Payload)+wire.ApduHeaderLength)
	}
}

func (p *Pairing) logTeardownCause(direction string, err error) {
	fields := log.Fields{"pairing": p.PairingID, "sim": p.Sim.String(), "direction": direction}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, stream.ErrClosed):
		log.WithFields(fields).Debug("relay: peer closed, tearing down pairing")
	case errors.Is(err, wire.ErrMalformed):
		log.WithFields(fields).Warn("relay: malformed frame, tearing down pairing")
	default:
		log.WithFields(fields).WithError(err).Warn("relay: read failed, tearing down pairing")
	}
}

// teardown closes both streams exactly once. Closing either socket
// cancels both relay goroutines promptly: closing both streams makes each
// direction's blocked Read return an error, and any write still in flight
// targets a closed socket and errors out too.
func (p *Pairing) teardown() {
	p.closeOnce.Do(func() {
		_ = p.Probe.Close()
		_ = p.Provider.Close()
	})
}
