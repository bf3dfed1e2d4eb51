// Package httpd serves a set of stores over HTTP. The API follows the
// document database conventions: per-store routes for document CRUD,
// _all_docs, views, _find and _changes, plus _watch endpoints that stream
// live query snapshots as server-sent events.
package httpd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/telemetry"
)

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	// Addr is the listen address, e.g. ":5984". ":0" picks a free port.
	Addr string
	// EnablePprof mounts the profiling handlers under /debug/pprof.
	EnablePprof bool
}

// Server is the HTTP front end over a set of stores.
type Server struct {
	opts     ServerOptions
	handlers *Handlers
	listener net.Listener
	server   *http.Server
}

// NewServer creates a server; Start brings it up.
func NewServer(handlers *Handlers, opts ServerOptions) *Server {
	return &Server{opts: opts, handlers: handlers}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	RegisterRoutes(mux, s.handlers)

	if mh := telemetry.Handler(); mh != nil {
		mux.Handle("/metrics", mh)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	if s.opts.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.server = &http.Server{Handler: mux}

	log.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP server")
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Info().Msg("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
