package httpd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/docstore"
	"github.com/maxpert/vole/live"
	"github.com/maxpert/vole/result"
)

// watchFrame is the wire shape of one live query snapshot. During a refetch
// the phase is "loading" while Data and Error still carry the last settled
// outcome, so clients keep rendering stale rows until the cycle settles.
type watchFrame struct {
	Version uint64 `json:"version"`
	Phase   string `json:"phase"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// handleWatchDoc handles GET /{store}/_watch/{docid}. The response is a
// server-sent event stream with one snapshot event per observable change to
// the live query state, starting from the current state.
func (h *Handlers) handleWatchDoc(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	heartbeat, err := heartbeatParam(r.URL.Query())
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	watch, err := h.client.WatchDoc(store, docID(r), docstore.GetOptions{Rev: r.URL.Query().Get("rev")})
	if err != nil {
		writeError(w, err)
		return
	}
	defer watch.Stop()

	streamSnapshots(w, r, watch.Snapshot(), watch.Updates(), heartbeat, func(doc docstore.Document) any {
		if doc == nil {
			return nil
		}
		return doc
	})
}

// handleWatchAllDocs handles GET /{store}/_watch/_all_docs
func (h *Handlers) handleWatchAllDocs(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	q := r.URL.Query()
	heartbeat, err := heartbeatParam(q)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := parseAllDocsOptions(q)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	watch, err := h.client.WatchAllDocs(store, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	defer watch.Stop()

	streamSnapshots(w, r, watch.Snapshot(), watch.Updates(), heartbeat, encodeViewResult)
}

// handleWatchView handles GET /{store}/_watch/_design/{ddoc}/_view/{view}
func (h *Handlers) handleWatchView(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	q := r.URL.Query()
	heartbeat, err := heartbeatParam(q)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := parseViewOptions(q)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	view := docstore.Named{DDoc: urlParam(r, "ddoc"), Name: urlParam(r, "view")}

	watch, err := h.client.WatchView(store, view, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	defer watch.Stop()

	streamSnapshots(w, r, watch.Snapshot(), watch.Updates(), heartbeat, encodeViewResult)
}

// handleWatchFind handles POST /{store}/_watch/_find. The body is a
// selector query plus an optional index to ensure before the first cycle.
func (h *Handlers) handleWatchFind(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	heartbeat, err := heartbeatParam(r.URL.Query())
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		findRequestJSON
		Index *struct {
			Fields []string `json:"fields"`
			Name   string   `json:"name"`
			DDoc   string   `json:"ddoc"`
		} `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	var opts live.FindOptions
	if body.Index != nil {
		opts.Index = &docstore.IndexDef{
			Fields: body.Index.Fields,
			Name:   body.Index.Name,
			DDoc:   body.Index.DDoc,
		}
	}

	watch, err := h.client.WatchFind(store, body.request(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	defer watch.Stop()

	streamSnapshots(w, r, watch.Snapshot(), watch.Updates(), heartbeat, func(res docstore.FindResult) any {
		return findResultBody(&res)
	})
}

func encodeViewResult(res docstore.ViewResult) any {
	return viewResultBody(&res)
}

// streamSnapshots writes snapshots as server-sent events until the client
// disconnects. Every frame carries the version, so reconnecting clients can
// drop frames they have already seen.
func streamSnapshots[T any](w http.ResponseWriter, r *http.Request, first result.Snapshot[T], updates <-chan result.Snapshot[T], heartbeat time.Duration, encode func(T) any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if !writeSnapshotEvent(w, first, encode) {
		return
	}
	flusher.Flush()
	lastVersion := first.Version

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		case snap := <-updates:
			if snap.Version <= lastVersion {
				continue
			}
			lastVersion = snap.Version
			if !writeSnapshotEvent(w, snap, encode) {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSnapshotEvent[T any](w http.ResponseWriter, snap result.Snapshot[T], encode func(T) any) bool {
	frame := watchFrame{
		Version: snap.Version,
		Phase:   snap.Phase.String(),
		Loading: snap.Loading,
	}
	if snap.Err != nil {
		frame.Error = snap.Err.Error()
	}
	frame.Data = encode(snap.Data)

	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode snapshot frame")
		return false
	}
	fmt.Fprintf(w, "event: snapshot\ndata: %s\nid: %d\n\n", data, snap.Version)
	return true
}
