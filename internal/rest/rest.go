// Package rest implements the admin HTTP surface (SPEC_FULL.md §4.8): a
// gorilla/mux router, mounted on its own port, separate from the two
// tunnel listeners.
//
// Grounded on the teacher's server.Server: a struct holding a *mux.Router
// and collaborators, a setupRoutes method, and a Run(ctx) that serves an
// http.Server and shuts it down on context cancellation.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sbaresearch/moatt-go/internal/metrics"
	"github.com/sbaresearch/moatt-go/internal/registry"
	"github.com/sbaresearch/moatt-go/internal/wire"
)

const sessionCookieName = "session_token"

// Server is the admin HTTP surface.
type Server struct {
	addr    string
	store   *registry.Store
	metrics *metrics.Metrics

	router     *mux.Router
	httpServer *http.Server
	validate   *validator.Validate
}

// New builds a Server bound to addr, backed by store for token/registration
// state and m for the /metrics endpoint.
func New(addr string, store *registry.Store, m *metrics.Metrics) *Server {
	s := &Server{
		addr:     addr,
		store:    store,
		metrics:  m,
		router:   mux.NewRouter(),
		validate: validator.New(),
	}
	s.setupRoutes()
	return s
}

// Addr reports the configured bind address, for startup logging.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/admin/login", s.handleLogin).Methods(http.MethodPost)
	s.router.HandleFunc("/admin/sims", s.handleAdminListSims).Methods(http.MethodGet)
	s.router.HandleFunc("/provider/sims", s.handleRegisterSims).Methods(http.MethodPut)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.WithFields(log.Fields{"method": r.Method, "path": r.URL.Path, "remote": r.RemoteAddr}).Debug("rest: request")
		next.ServeHTTP(w, r)
	})
}

// Run serves the admin API until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware)
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", s.addr).Info("rest: listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// loginResponse is returned by POST /admin/login.
type loginResponse struct {
	SessionToken string `json:"session_token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	bearer, ok := bearerToken(r)
	if !ok {
		http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
		return
	}
	tok, err := wire.TokenFromBase64(bearer)
	if err != nil || !s.store.AdminValid(tok) {
		http.Error(w, "invalid admin token", http.StatusUnauthorized)
		return
	}

	session, err := s.store.MintSession()
	if err != nil {
		log.WithError(err).Error("rest: minting session token failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.Base64(),
		Path:     "/",
		HttpOnly: true,
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{SessionToken: session.Base64()})
}

// simRegistrationRequest is one entry of the PUT /provider/sims body
// (SPEC_FULL.md's SimRegistrationRequest).
type simRegistrationRequest struct {
	Type  string `json:"type" validate:"required,oneof=imsi iccid"`
	Value string `json:"value" validate:"required"`
}

func (s *Server) handleRegisterSims(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromRequest(r)
	if !ok {
		http.Error(w, "missing or invalid session token", http.StatusUnauthorized)
		return
	}

	var reqs []simRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, "malformed JSON body", http.StatusBadRequest)
		return
	}

	sims := make([]wire.SimIdentifier, 0, len(reqs))
	for _, req := range reqs {
		if err := s.validate.Struct(req); err != nil {
			http.Error(w, fmt.Sprintf("invalid registration entry: %v", err), http.StatusBadRequest)
			return
		}
		sim, err := decodeSimRegistration(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sims = append(sims, sim)
	}

	for _, sim := range sims {
		s.store.Register(session, sim)
	}

	w.WriteHeader(http.StatusNoContent)
}

func decodeSimRegistration(req simRegistrationRequest) (wire.SimIdentifier, error) {
	switch req.Type {
	case "imsi":
		imsi, err := wire.NewImsi(req.Value)
		if err != nil {
			return wire.SimIdentifier{}, fmt.Errorf("invalid imsi %q: %w", req.Value, err)
		}
		return wire.NewSimIdentifierImsi(imsi), nil
	case "iccid":
		iccid, err := wire.NewIccid(req.Value)
		if err != nil {
			return wire.SimIdentifier{}, fmt.Errorf("invalid iccid %q: %w", req.Value, err)
		}
		return wire.NewSimIdentifierIccid(iccid), nil
	default:
		return wire.SimIdentifier{}, fmt.Errorf("unknown identifier type %q", req.Type)
	}
}

// adminBindingView is the admin listing's JSON shape for one registration.
type adminBindingView struct {
	Sim       string `json:"sim"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleAdminListSims(w http.ResponseWriter, r *http.Request) {
	bearer, ok := bearerToken(r)
	if !ok {
		http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
		return
	}
	tok, err := wire.TokenFromBase64(bearer)
	if err != nil || !s.store.AdminValid(tok) {
		http.Error(w, "invalid admin token", http.StatusUnauthorized)
		return
	}

	bindings := s.store.Snapshot()
	out := make([]adminBindingView, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, adminBindingView{Sim: b.Sim.String(), CreatedAt: b.CreatedAt.Format(time.RFC3339)})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// sessionFromRequest resolves the caller's session token from the
// session_token cookie (§4.8).
func (s *Server) sessionFromRequest(r *http.Request) (wire.SessionToken, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return wire.SessionToken{}, false
	}
	tok, err := wire.SessionTokenFromBase64(cookie.Value)
	if err != nil {
		return wire.SessionToken{}, false
	}
	if s.store.Valid(r.Context(), tok) != wire.AuthSuccess {
		return wire.SessionToken{}, false
	}
	return tok, true
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	b := strings.TrimPrefix(h, prefix)
	return b, b != ""
}
