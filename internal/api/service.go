package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/netchanged/pkg/version"
)

const shutdownTimeout = 5 * time.Second

// Service represents the HTTP server for the API
type Service struct {
	address  string
	port     int
	state    StateSource
	gatherer prometheus.Gatherer

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewService creates the API service. A nil gatherer disables /metrics.
func NewService(host string, port int, state StateSource, gatherer prometheus.Gatherer) *Service {
	return &Service{
		address:  host,
		port:     port,
		state:    state,
		gatherer: gatherer,
	}
}

// Start listens on the configured address and serves until ctx ends. A
// listen failure is returned immediately.
func (s *Service) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.address, fmt.Sprint(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	log.WithField("addr", ln.Addr().String()).Info("Starting netchanged API service")
	defer log.Info("Stopping netchanged API service")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("API shutdown did not complete cleanly")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Handler returns the API routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("/ready", getOnly(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("/state", getOnly(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.state.Current())
	}))
	mux.HandleFunc("/version", getOnly(s.handleVersion))
	mux.HandleFunc("/events", getOnly(func(w http.ResponseWriter, r *http.Request) {
		StreamEvents(s, w, r)
	}))
	if s.gatherer != nil {
		metrics := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
		mux.Handle("/metrics", getOnly(metrics.ServeHTTP))
	}
	return mux
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := VersionInfo{
		Version:   version.Version,
		Commit:    version.CommitHash,
		BuildTime: version.BuildTime,
	}

	constraint := r.URL.Query().Get("constraint")
	if constraint == "" {
		writeJSON(w, http.StatusOK, info)
		return
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid constraint: %v", err)})
		return
	}

	v, err := semver.NewVersion(info.Version)
	if err != nil {
		log.WithField("version", info.Version).Debug("Build version is not a semantic version")
		writeJSON(w, http.StatusPreconditionFailed, errorResponse{Error: fmt.Sprintf("version %q cannot be compared", info.Version)})
		return
	}

	if !c.Check(v) {
		writeJSON(w, http.StatusPreconditionFailed, errorResponse{Error: fmt.Sprintf("version %s does not satisfy %s", v, constraint)})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to encode API response")
	}
}
