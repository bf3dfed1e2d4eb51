package httpd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/docstore"
	"github.com/maxpert/vole/live"
)

// Version is reported by the welcome endpoint.
const Version = "0.1.0"

// Config configures the handler set.
type Config struct {
	// Secret is the pre-shared key for store endpoints. Empty disables
	// authentication.
	Secret string
	// Client runs the live watch endpoints. Nil uses live.DefaultClient.
	Client *live.Client
}

// Handlers serves the store API: document CRUD, queries, change feeds and
// live watches.
type Handlers struct {
	stores *Stores
	client *live.Client
	secret string
}

// NewHandlers creates the handler set over the given store registry.
func NewHandlers(stores *Stores, cfg Config) *Handlers {
	client := cfg.Client
	if client == nil {
		client = live.DefaultClient
	}
	return &Handlers{
		stores: stores,
		client: client,
		secret: cfg.Secret,
	}
}

// handleWelcome handles GET /
func (h *Handlers) handleWelcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"vole":    "Welcome",
		"version": Version,
	})
}

// handleListStores handles GET /_stores
func (h *Handlers) handleListStores(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stores.Names())
}

// handleInfo handles GET /{store}
func (h *Handlers) handleInfo(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	info, err := store.Info(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"store_name": info.Name,
		"doc_count":  info.DocCount,
		"update_seq": info.UpdateSeq,
	})
}

// handleGetDoc handles GET /{store}/{docid}
func (h *Handlers) handleGetDoc(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	doc, err := store.Get(r.Context(), docID(r), docstore.GetOptions{Rev: r.URL.Query().Get("rev")})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handlePutDoc handles PUT /{store}/{docid}
func (h *Handlers) handlePutDoc(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	var doc docstore.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	id := docID(r)
	if bodyID := doc.ID(); bodyID != "" && bodyID != id {
		writeErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("document id %q does not match URL id %q", bodyID, id))
		return
	}
	doc[docstore.FieldID] = id
	if rev := r.URL.Query().Get("rev"); rev != "" {
		doc[docstore.FieldRev] = rev
	}

	rev, err := store.Put(r.Context(), doc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": rev})
}

// handleDeleteDoc handles DELETE /{store}/{docid}
func (h *Handlers) handleDeleteDoc(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	id := docID(r)
	rev, err := store.Delete(r.Context(), id, r.URL.Query().Get("rev"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "rev": rev})
}

// handleBulkDocs handles POST /{store}/_bulk_docs
func (h *Handlers) handleBulkDocs(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	var body struct {
		Docs []docstore.Document `json:"docs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	results, err := store.BulkDocs(r.Context(), body.Docs)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			out = append(out, map[string]any{
				"id":     res.ID,
				"error":  errorName(errorStatus(res.Err)),
				"reason": res.Err.Error(),
			})
			continue
		}
		out = append(out, map[string]any{"ok": true, "id": res.ID, "rev": res.Rev})
	}
	writeJSON(w, http.StatusCreated, out)
}

// docID resolves the document id from the URL, handling the design document
// routes where the id spans two path segments.
func docID(r *http.Request) string {
	if ddoc := urlParam(r, "ddoc"); ddoc != "" {
		return docstore.DesignPrefix + ddoc
	}
	return urlParam(r, "docid")
}

// writeJSON writes data as a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response.
func writeErrorResponse(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]any{
		"error":  errorName(status),
		"reason": reason,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeError maps a store error onto its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeErrorResponse(w, errorStatus(err), err.Error())
}

// errorStatus extracts the HTTP status carried by store errors; anything
// without one is a 500.
func errorStatus(err error) int {
	var capErr *docstore.CapabilityError
	if errors.As(err, &capErr) {
		return http.StatusNotImplemented
	}
	var st interface{ Status() int }
	if errors.As(err, &st) {
		return st.Status()
	}
	return http.StatusInternalServerError
}

// errorName renders a status code in the wire error vocabulary.
func errorName(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusNotImplemented:
		return "not_implemented"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}
