// Package status serves a small read-only HTTP API describing the running
// server: a JSON summary, the ban list and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/ballast/internal/bans"
)

type ClientSummary struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Account  string `json:"account,omitempty"`
	Owner    bool   `json:"owner,omitempty"`
}

// Summary is a point in time description of the server.
type Summary struct {
	ServerName  string          `json:"server_name"`
	PlayStyle   string          `json:"play_style"`
	Public      bool            `json:"public"`
	HasPassword bool            `json:"has_password"`
	MaxPlayers  int             `json:"max_players"`
	Pending     int             `json:"pending"`
	Clients     []ClientSummary `json:"clients"`
	StartedAt   time.Time       `json:"started_at"`
}

// SummarySource returns the latest summary. It is called from HTTP handler
// goroutines and must be safe for concurrent use.
type SummarySource interface {
	Summary() Summary
}

type BanSource interface {
	Entries() []bans.Entry
}

type banJSON struct {
	ID        uint64     `json:"id"`
	Name      string     `json:"name"`
	Endpoint  string     `json:"endpoint,omitempty"`
	Account   string     `json:"account,omitempty"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type Config struct {
	Address string
}

type Server struct {
	Config   Config
	Logger   *logrus.Logger
	Summary  SummarySource
	Bans     BanSource
	Gatherer prometheus.Gatherer

	server       *http.Server
	listener     net.Listener
	shutdownOnce sync.Once
}

// NewRouter builds the status routes.
func (s *Server) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/status", s.handleStatus)
	r.Get("/bans", s.handleBans)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start binds the listener and serves requests in the background until
// Stop is called or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.Config.Address)
	if err != nil {
		return fmt.Errorf("error starting status server: %w", err)
	}
	s.listener = l
	s.server = &http.Server{
		Handler:           s.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.Logger.Infof("[STATUS] listening on %s", l.Addr())

	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Warnf("[STATUS] server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(shutdownCtx)
	}()
	return nil
}

// Addr returns the address the server is listening on, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if s.server == nil {
			return
		}
		if err = s.server.Shutdown(ctx); err != nil {
			s.Logger.Warnf("[STATUS] error shutting down: %v", err)
		}
	})
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.Summary == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no summary available"})
		return
	}
	summary := s.Summary.Summary()
	if summary.Clients == nil {
		summary.Clients = []ClientSummary{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleBans(w http.ResponseWriter, r *http.Request) {
	out := []banJSON{}
	if s.Bans != nil {
		for _, e := range s.Bans.Entries() {
			b := banJSON{
				ID:        e.ID,
				Name:      e.Name,
				Endpoint:  e.Endpoint,
				Reason:    e.Reason,
				ExpiresAt: e.ExpiresAt,
				CreatedAt: e.CreatedAt,
			}
			if e.AccountID != nil {
				b.Account = e.AccountID.String()
			}
			out = append(out, b)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
