package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/maxpert/vole/docstore"
	"github.com/maxpert/vole/live"
	"github.com/maxpert/vole/result"
)

// executeTail follows one live query, printing a JSON line per snapshot
// until interrupted.
func executeTail(ctx context.Context, cfg *Config) error {
	store, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	switch cfg.Mode {
	case "doc":
		watch, err := live.WatchDoc(store, cfg.DocID, docstore.GetOptions{})
		if err != nil {
			return err
		}
		defer watch.Stop()
		return printSnapshots(ctx, watch.Updates(), func(doc docstore.Document) any {
			if doc == nil {
				return nil
			}
			return doc
		})

	case "all_docs":
		watch, err := live.WatchAllDocs(store, docstore.AllDocsOptions{
			StartKey:    cfg.StartKey,
			EndKey:      cfg.EndKey,
			Limit:       cfg.Limit,
			Skip:        cfg.Skip,
			IncludeDocs: cfg.IncludeDocs,
			Descending:  cfg.Descending,
		})
		if err != nil {
			return err
		}
		defer watch.Stop()
		return printSnapshots(ctx, watch.Updates(), encodeViewResult)

	case "view":
		opts := docstore.ViewOptions{
			Limit:       cfg.Limit,
			Skip:        cfg.Skip,
			IncludeDocs: cfg.IncludeDocs,
			Descending:  cfg.Descending,
		}
		if cfg.StartKey != "" {
			opts.StartKey = cfg.StartKey
		}
		if cfg.EndKey != "" {
			opts.EndKey = cfg.EndKey
		}
		watch, err := live.WatchView(store, docstore.Named{DDoc: cfg.DDoc, Name: cfg.View}, opts)
		if err != nil {
			return err
		}
		defer watch.Stop()
		return printSnapshots(ctx, watch.Updates(), encodeViewResult)

	case "find":
		var selector map[string]any
		if err := json.Unmarshal([]byte(cfg.Selector), &selector); err != nil {
			return fmt.Errorf("invalid selector: %w", err)
		}
		watch, err := live.WatchFind(store, docstore.FindRequest{
			Selector: selector,
			Limit:    cfg.Limit,
			Skip:     cfg.Skip,
		}, live.FindOptions{})
		if err != nil {
			return err
		}
		defer watch.Stop()
		return printSnapshots(ctx, watch.Updates(), func(res docstore.FindResult) any {
			return map[string]any{"docs": res.Docs, "warning": res.Warning}
		})

	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

func encodeViewResult(res docstore.ViewResult) any {
	rows := make([]map[string]any, len(res.Rows))
	for i, row := range res.Rows {
		r := map[string]any{"id": row.ID, "key": row.Key, "value": row.Value}
		if row.Doc != nil {
			r["doc"] = row.Doc
		}
		rows[i] = r
	}
	return map[string]any{
		"total_rows": res.TotalRows,
		"offset":     res.Offset,
		"rows":       rows,
	}
}

// printSnapshots writes one JSON line per snapshot to stdout.
func printSnapshots[T any](ctx context.Context, updates <-chan result.Snapshot[T], encode func(T) any) error {
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-updates:
			line := map[string]any{
				"version": snap.Version,
				"phase":   snap.Phase.String(),
				"loading": snap.Loading,
			}
			if snap.Err != nil {
				line["error"] = snap.Err.Error()
			}
			line["data"] = encode(snap.Data)
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
	}
}
