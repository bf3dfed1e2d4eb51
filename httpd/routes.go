package httpd

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/docstore"
)

// RegisterRoutes mounts the store API on mux using a chi router.
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()

	r.Get("/", handlers.handleWelcome)
	r.With(handlers.auth).Get("/_stores", handlers.handleListStores)

	r.Route("/{store}", func(r chi.Router) {
		r.Use(handlers.auth)

		r.Get("/", handlers.withStore(handlers.handleInfo))
		r.Get("/_all_docs", handlers.withStore(handlers.handleAllDocs))
		r.Post("/_all_docs", handlers.withStore(handlers.handleAllDocs))
		r.Post("/_bulk_docs", handlers.withStore(handlers.handleBulkDocs))
		r.Get("/_changes", handlers.withStore(handlers.handleChanges))

		r.Post("/_find", handlers.withFinder(handlers.handleFind))
		r.Get("/_index", handlers.withFinder(handlers.handleListIndexes))
		r.Post("/_index", handlers.withFinder(handlers.handleCreateIndex))

		r.Get("/_design/{ddoc}", handlers.withStore(handlers.handleGetDoc))
		r.Put("/_design/{ddoc}", handlers.withStore(handlers.handlePutDoc))
		r.Delete("/_design/{ddoc}", handlers.withStore(handlers.handleDeleteDoc))
		r.Get("/_design/{ddoc}/_view/{view}", handlers.withStore(handlers.handleView))

		r.Route("/_watch", func(r chi.Router) {
			r.Get("/_all_docs", handlers.withStore(handlers.handleWatchAllDocs))
			r.Get("/_design/{ddoc}", handlers.withStore(handlers.handleWatchDoc))
			r.Get("/_design/{ddoc}/_view/{view}", handlers.withStore(handlers.handleWatchView))
			r.Post("/_find", handlers.withStore(handlers.handleWatchFind))
			r.Get("/{docid}", handlers.withStore(handlers.handleWatchDoc))
		})

		r.Get("/{docid}", handlers.withStore(handlers.handleGetDoc))
		r.Put("/{docid}", handlers.withStore(handlers.handlePutDoc))
		r.Delete("/{docid}", handlers.withStore(handlers.handleDeleteDoc))
	})

	mux.Handle("/", r)

	log.Info().Msg("Store API routes registered")
}

// urlParam reads a chi URL parameter.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// withStore resolves the {store} URL parameter before calling fn.
func (h *Handlers) withStore(fn func(http.ResponseWriter, *http.Request, docstore.Store)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := urlParam(r, "store")
		store, ok := h.stores.Get(name)
		if !ok {
			writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("store %q not found", name))
			return
		}
		fn(w, r, store)
	}
}

// withFinder additionally requires the selector-query capability.
func (h *Handlers) withFinder(fn func(http.ResponseWriter, *http.Request, docstore.Finder)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := urlParam(r, "store")
		store, ok := h.stores.Get(name)
		if !ok {
			writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("store %q not found", name))
			return
		}
		finder, ok := store.(docstore.Finder)
		if !ok {
			writeError(w, &docstore.CapabilityError{Feature: "find"})
			return
		}
		fn(w, r, finder)
	}
}
