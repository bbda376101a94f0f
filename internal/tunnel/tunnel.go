// Package tunnel implements the dual listener (spec.md §4.7) and the two
// per-connection handlers it dispatches to: a provider connection parks in
// the match engine until a probe reserves it, a probe connection issues a
// ConnectRequest and, on success, both sides hand off into the APDU relay.
//
// Grounded on the teacher's server.Server.Run (http.Server + ctx-triggered
// Shutdown) generalized to two raw TCP accept loops supervised together,
// the way the teacher supervises scanner.Run and srv.Run side by side in
// main.go.
package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sbaresearch/moatt-go/internal/auth"
	"github.com/sbaresearch/moatt-go/internal/config"
	"github.com/sbaresearch/moatt-go/internal/match"
	"github.com/sbaresearch/moatt-go/internal/metrics"
	"github.com/sbaresearch/moatt-go/internal/registry"
	"github.com/sbaresearch/moatt-go/internal/relay"
	"github.com/sbaresearch/moatt-go/internal/stream"
	"github.com/sbaresearch/moatt-go/internal/wire"
)

// Server owns the provider and probe TCP listeners and wires each accepted
// connection to auth, registry, match, and relay.
type Server struct {
	ProviderAddr string
	ProbeAddr    string
	ProviderTLS  *config.TLSConfig

	Validator   auth.Validator
	Registry    *registry.Store
	Engine      *match.Engine
	Metrics     *metrics.Metrics
	AuthTimeout time.Duration
}

// New builds a Server from the process configuration and its collaborators.
func New(cfg *config.Config, store *registry.Store, engine *match.Engine, m *metrics.Metrics) (*Server, error) {
	return &Server{
		ProviderAddr: net.JoinHostPort(cfg.Provider.BindAddr, fmt.Sprint(cfg.Provider.Port)),
		ProbeAddr:    net.JoinHostPort(cfg.Probe.BindAddr, fmt.Sprint(cfg.Probe.Port)),
		ProviderTLS:  cfg.Provider.TLS,
		Validator:    store,
		Registry:     store,
		Engine:       engine,
		Metrics:      m,
		AuthTimeout:  auth.DefaultTimeout,
	}, nil
}

// Run binds both listeners and serves until ctx is cancelled, at which
// point it closes both listeners and waits for in-flight accept loops to
// notice.
func (s *Server) Run(ctx context.Context) error {
	providerLn, err := net.Listen("tcp", s.ProviderAddr)
	if err != nil {
		return fmt.Errorf("tunnel: provider listen: %w", err)
	}

	tlsCfg, err := buildProviderTLSConfig(s.ProviderTLS)
	if err != nil {
		providerLn.Close()
		return err
	}
	if tlsCfg != nil {
		providerLn = tls.NewListener(providerLn, tlsCfg)
	}

	probeLn, err := net.Listen("tcp", s.ProbeAddr)
	if err != nil {
		providerLn.Close()
		return fmt.Errorf("tunnel: probe listen: %w", err)
	}

	log.WithFields(log.Fields{"provider_addr": s.ProviderAddr, "probe_addr": s.ProbeAddr, "tls": tlsCfg != nil}).
		Info("tunnel: listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, providerLn, "provider", s.handleProvider) })
	g.Go(func() error { return s.acceptLoop(gctx, probeLn, "probe", s.handleProbe) })
	g.Go(func() error {
		<-gctx.Done()
		providerLn.Close()
		probeLn.Close()
		return nil
	})

	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, side string, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tunnel: %s accept: %w", side, err)
		}
		go handle(ctx, conn)
	}
}

// defaultProviderCallback accepts every probe request: this broker core has
// no business logic of its own to veto a pairing with (spec.md's
// non-goal "does not interpret APDU contents" extends to the connect
// decision too, absent an operator-supplied policy).
func defaultProviderCallback(_ context.Context, _ wire.ConnectRequest) wire.ConnectStatus {
	return wire.ConnectSuccess
}

// handleProvider runs the provider side of §4.3-§4.5: authenticate, learn
// which SIMs this session owns, park in the match engine, and on a match
// write this connection's own ConnectResponse before handing the stream
// off to the probe side's relay.Pairing.
func (s *Server) handleProvider(ctx context.Context, conn net.Conn) {
	st := stream.New(conn)

	token, ok, err := auth.Handshake(ctx, st, s.Validator, s.AuthTimeout)
	if err != nil {
		log.WithError(err).Debug("tunnel: provider handshake read failed")
		st.Close()
		return
	}
	if !ok {
		s.Metrics.ObserveAuth("provider", "rejected")
		st.Close()
		return
	}
	s.Metrics.ObserveAuth("provider", "success")

	sims := s.waitForRegistration(ctx, token)
	if len(sims) == 0 {
		st.Close()
		return
	}

	stop := make(chan struct{})
	dead := watchForClose(conn, stop)

	parkCtx, cancelPark := context.WithCancel(ctx)
	handle := s.Engine.Wait(st, sims, defaultProviderCallback)
	s.Metrics.ProvidersWaiting.Inc()
	go func() {
		select {
		case <-dead:
			handle.Cancel()
			cancelPark()
		case <-parkCtx.Done():
		}
	}()

	req, status, matched := handle.Serve(parkCtx)
	s.Metrics.ProvidersWaiting.Dec()

	close(stop)
	<-dead // guarantee the detector has stopped touching conn before any relay read does
	cancelPark()
	conn.SetReadDeadline(time.Time{})

	if !matched {
		st.Close()
		return
	}

	if err := st.WriteAll(wire.ConnectResponse{Status: status}.Encode()); err != nil {
		log.WithError(err).Warn("tunnel: writing provider ConnectResponse failed")
		st.Close()
		return
	}
	if status != wire.ConnectSuccess {
		st.Close()
		return
	}

	log.WithFields(log.Fields{"sim": req.Identifier.String()}).Info("tunnel: provider matched")
	// The probe side now owns both streams via relay.Pairing; nothing left
	// to do here.
}

// handleProbe runs the probe side of §4.3, §4.5: authenticate, issue a
// ConnectRequest, and on success construct and run the relay pairing.
func (s *Server) handleProbe(ctx context.Context, conn net.Conn) {
	st := stream.New(conn)

	token, ok, err := auth.Handshake(ctx, st, s.Validator, s.AuthTimeout)
	if err != nil {
		log.WithError(err).Debug("tunnel: probe handshake read failed")
		st.Close()
		return
	}
	if !ok {
		s.Metrics.ObserveAuth("probe", "rejected")
		st.Close()
		return
	}
	s.Metrics.ObserveAuth("probe", "success")

	req, err := stream.ReadConnectRequest(st)
	if err != nil {
		log.WithError(err).Debug("tunnel: malformed ConnectRequest")
		st.Close()
		return
	}

	result := s.Engine.Request(ctx, token, req)
	s.Metrics.ObserveConnect(connectStatusLabel(result.Status))

	if err := st.WriteAll(wire.ConnectResponse{Status: result.Status}.Encode()); err != nil {
		log.WithError(err).Warn("tunnel: writing probe ConnectResponse failed")
		st.Close()
		return
	}
	if result.Status != wire.ConnectSuccess {
		st.Close()
		return
	}

	pairing := &relay.Pairing{
		Probe:     st,
		Provider:  result.ProviderStream,
		PairingID: result.PairingID,
		Sim:       req.Identifier,
		Counters:  s.Metrics,
	}
	pairing.Run(ctx)
}

// waitForRegistration blocks until token has at least one SIM registered to
// it (REST registration may race with the provider's TCP handshake — see
// SPEC_FULL.md §4.9), or ctx is cancelled.
func (s *Server) waitForRegistration(ctx context.Context, token wire.SessionToken) []wire.SimIdentifier {
	// Subscribe before the first check so a registration that lands in
	// between still leaves a wakeup on ch.
	ch := s.Registry.Subscribe(token)
	defer s.Registry.Unsubscribe(token, ch)

	if sims := s.Registry.SimsForSession(token); len(sims) > 0 {
		return sims
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			if sims := s.Registry.SimsForSession(token); len(sims) > 0 {
				return sims
			}
		}
	}
}

// watchForClose polls conn for death (EOF/error) while a provider is
// parked in the match engine, using short read deadlines so it can be
// stopped via stop without ever consuming bytes a subsequent reader
// needs: a timed-out Read returns zero bytes. The returned channel closes
// once the goroutine has stopped touching conn — callers must wait for it
// before any other goroutine reads from conn, to avoid two goroutines
// racing on the same socket.
func watchForClose(conn net.Conn, stop <-chan struct{}) <-chan struct{} {
	dead := make(chan struct{})
	go func() {
		defer close(dead)
		buf := make([]byte, 1)
		for {
			select {
			case <-stop:
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			_, err := conn.Read(buf)
			if err == nil {
				// A parked provider should send nothing; treat any byte as
				// a protocol violation and report it as dead.
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}()
	return dead
}

func connectStatusLabel(status wire.ConnectStatus) string {
	switch status {
	case wire.ConnectSuccess:
		return "success"
	case wire.ConnectNotFound:
		return "not_found"
	case wire.ConnectForbidden:
		return "forbidden"
	case wire.ConnectNotAvailable:
		return "not_available"
	default:
		return "unknown"
	}
}
