package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/docstore"
	"github.com/maxpert/vole/httpd"
	"github.com/maxpert/vole/relay"
	_ "github.com/maxpert/vole/relay/sink"
	"github.com/maxpert/vole/telemetry"
)

// executeServe runs the HTTP server and configured relays until SIGINT or
// SIGTERM.
func executeServe(cfg *Configuration) error {
	log.Info().Str("version", version).Msg("Starting volewatch")

	if cfg.Prometheus.Enabled {
		telemetry.Init()
	}

	stores := httpd.NewStores()
	defer stores.CloseAll()
	for _, sc := range cfg.Stores {
		store, err := docstore.Open(sc.Name, docstore.Options{
			Backend:     sc.Backend,
			Path:        sc.Path,
			CacheSizeMB: sc.CacheSizeMB,
			SyncWrites:  sc.SyncWrites,
		})
		if err != nil {
			return fmt.Errorf("failed to open store %q: %w", sc.Name, err)
		}
		stores.Add(store)
	}

	relays, err := startRelays(cfg, stores)
	if err != nil {
		stopRelays(relays)
		return err
	}

	handlers := httpd.NewHandlers(stores, httpd.Config{Secret: cfg.HTTP.Secret})
	server := httpd.NewServer(handlers, httpd.ServerOptions{
		Addr:        fmt.Sprintf("%s:%d", cfg.HTTP.BindAddress, cfg.HTTP.Port),
		EnablePprof: cfg.HTTP.EnablePprof,
	})
	if err := server.Start(); err != nil {
		stopRelays(relays)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
	stopRelays(relays)
	return stores.CloseAll()
}

func startRelays(cfg *Configuration, stores *httpd.Stores) ([]*relay.Relay, error) {
	relays := make([]*relay.Relay, 0, len(cfg.Relays))
	for _, rc := range cfg.Relays {
		store, ok := stores.Get(rc.Store)
		if !ok {
			return relays, fmt.Errorf("relay %q: unknown store %q", rc.Name, rc.Store)
		}

		sink, err := relay.NewSink(relay.SinkConfig{Type: rc.Sink, URL: rc.URL, Brokers: rc.Brokers})
		if err != nil {
			return relays, fmt.Errorf("relay %q: %w", rc.Name, err)
		}

		filter, err := relay.NewGlobFilter(rc.IDPatterns, rc.IncludeDesign)
		if err != nil {
			sink.Close()
			return relays, fmt.Errorf("relay %q: %w", rc.Name, err)
		}

		rl, err := relay.NewRelay(relay.Config{
			Name:          rc.Name,
			Store:         store,
			Sink:          sink,
			Filter:        filter,
			SubjectPrefix: rc.SubjectPrefix,
			IncludeDocs:   rc.IncludeDocs,
			Tombstones:    rc.Tombstones,
			QueueSize:     rc.QueueSize,
			MaxRetries:    rc.MaxRetries,
		})
		if err != nil {
			sink.Close()
			return relays, fmt.Errorf("relay %q: %w", rc.Name, err)
		}
		if err := rl.Start(); err != nil {
			sink.Close()
			return relays, fmt.Errorf("relay %q: %w", rc.Name, err)
		}
		relays = append(relays, rl)
	}
	return relays, nil
}

func stopRelays(relays []*relay.Relay) {
	for _, rl := range relays {
		rl.Stop()
	}
}
