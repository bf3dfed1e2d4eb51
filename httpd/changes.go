package httpd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/docstore"
)

const defaultHeartbeat = 30 * time.Second

// changeJSON is the wire shape of one change feed entry.
type changeJSON struct {
	Seq     uint64            `json:"seq"`
	ID      string            `json:"id"`
	Changes []revJSON         `json:"changes"`
	Deleted bool              `json:"deleted,omitempty"`
	Doc     docstore.Document `json:"doc,omitempty"`
}

type revJSON struct {
	Rev string `json:"rev"`
}

func changeBody(ev docstore.ChangeEvent) changeJSON {
	return changeJSON{
		Seq:     ev.Seq,
		ID:      ev.ID,
		Changes: []revJSON{{Rev: ev.Rev}},
		Deleted: ev.Deleted,
		Doc:     ev.Doc,
	}
}

// handleChanges handles GET /{store}/_changes.
//
// feed=normal (the default) returns every change since the given sequence
// and closes. feed=continuous streams newline-delimited JSON and
// feed=eventsource streams server-sent events; both run until the client
// disconnects or limit is reached, with heartbeats keeping the connection
// alive through idle stretches.
func (h *Handlers) handleChanges(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	q := r.URL.Query()

	opts, err := parseChangesOptions(q)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(q, "limit")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	heartbeat, err := heartbeatParam(q)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	switch q.Get("feed") {
	case "", "normal":
		opts.OneShot = true
		h.serveChangesOnce(w, r, store, opts, limit)
	case "continuous":
		h.streamChanges(w, r, store, opts, limit, heartbeat, false)
	case "eventsource":
		h.streamChanges(w, r, store, opts, limit, heartbeat, true)
	default:
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown feed mode %q", q.Get("feed")))
	}
}

func parseChangesOptions(q url.Values) (docstore.ChangesOptions, error) {
	var opts docstore.ChangesOptions
	var err error

	switch since := q.Get("since"); since {
	case "", "0":
	case "now":
		opts.SinceNow = true
	default:
		opts.Since, err = strconv.ParseUint(since, 10, 64)
		if err != nil {
			return opts, fmt.Errorf("invalid since: %q", since)
		}
	}
	if opts.IncludeDocs, err = boolParam(q, "include_docs"); err != nil {
		return opts, err
	}
	if raw := q.Get("doc_ids"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.DocIDs); err != nil {
			return opts, fmt.Errorf("invalid doc_ids: %q", raw)
		}
	}
	opts.DocPattern = q.Get("doc_pattern")
	return opts, nil
}

func heartbeatParam(q url.Values) (time.Duration, error) {
	raw := q.Get("heartbeat")
	if raw == "" {
		return defaultHeartbeat, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 1 {
		return 0, fmt.Errorf("invalid heartbeat: %q", raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// serveChangesOnce drains a one-shot feed into a single JSON response.
func (h *Handlers) serveChangesOnce(w http.ResponseWriter, r *http.Request, store docstore.Store, opts docstore.ChangesOptions, limit int) {
	feed, err := store.Changes(opts)
	if err != nil {
		writeError(w, err)
		return
	}
	defer feed.Cancel()

	lastSeq := opts.Since
	results := make([]changeJSON, 0, 64)
	for ev := range feed.Events() {
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
		results = append(results, changeBody(ev))
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	if err := feed.Err(); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"last_seq": lastSeq,
	})
}

// streamChanges serves a live feed until the client goes away, the limit is
// reached or the feed fails.
func (h *Handlers) streamChanges(w http.ResponseWriter, r *http.Request, store docstore.Store, opts docstore.ChangesOptions, limit int, heartbeat time.Duration, sse bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	feed, err := store.Changes(opts)
	if err != nil {
		writeError(w, err)
		return
	}
	defer feed.Cancel()

	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if sse {
				fmt.Fprint(w, ":heartbeat\n\n")
			} else {
				fmt.Fprint(w, "\n")
			}
			flusher.Flush()
		case ev, open := <-feed.Events():
			if !open {
				if err := feed.Err(); err != nil {
					log.Warn().Err(err).Str("store", store.Name()).Msg("Streaming change feed failed")
				}
				return
			}
			data, err := json.Marshal(changeBody(ev))
			if err != nil {
				log.Error().Err(err).Msg("Failed to encode change event")
				return
			}
			if sse {
				fmt.Fprintf(w, "data: %s\nid: %d\n\n", data, ev.Seq)
			} else {
				fmt.Fprintf(w, "%s\n", data)
			}
			flusher.Flush()
			sent++
			if limit > 0 && sent >= limit {
				return
			}
		}
	}
}
