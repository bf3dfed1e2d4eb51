// Package live turns point-in-time queries into live ones: a watcher runs a
// query, subscribes to the store's change feed, and requeries whenever a
// relevant change lands, publishing result snapshots as they evolve.
//
//	store := docstore.OpenMemory("inventory")
//	watch, err := live.WatchDoc(store, "skus/1", docstore.GetOptions{})
//	if err != nil {
//		return err
//	}
//	defer watch.Stop()
//	for snap := range watch.Updates() {
//		render(snap)
//	}
//
// A snapshot carries the last known data alongside the phase, so consumers
// keep rendering stale rows while a refresh is in flight. Changes that
// arrive during a query coalesce into a single follow-up cycle, and a
// superseded cycle's result is discarded rather than applied out of order.
//
// Watchers on the same store share one change feed through a feed.Registry;
// a Client owns that registry plus the once-per-store index bookkeeping for
// find watches. The package-level functions run on DefaultClient, which is
// what most programs want.
package live

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maxpert/vole/docstore"
	"github.com/maxpert/vole/feed"
	"github.com/maxpert/vole/memo"
)

const ensuredIndexCacheSize = 128

// Client hands out watchers and owns what they share: the change feed
// registry and the ensured-index cache.
type Client struct {
	registry *feed.Registry
	ensured  *lru.Cache[memo.Fingerprint, struct{}]
}

// ClientOptions configures a Client. The zero value is a working default.
type ClientOptions struct {
	// Registry shares change feeds between watchers. Nil uses the
	// process-wide feed.Default.
	Registry *feed.Registry
}

func NewClient(opts ClientOptions) *Client {
	registry := opts.Registry
	if registry == nil {
		registry = feed.Default
	}
	ensured, err := lru.New[memo.Fingerprint, struct{}](ensuredIndexCacheSize)
	if err != nil {
		// Only fails for size <= 0.
		panic(err)
	}
	return &Client{registry: registry, ensured: ensured}
}

// Registry returns the feed registry this client's watchers share.
func (c *Client) Registry() *feed.Registry { return c.registry }

// DefaultClient backs the package-level Watch functions.
var DefaultClient = NewClient(ClientOptions{})

// WatchDoc follows one document on the default client.
func WatchDoc(store docstore.Store, id string, opts docstore.GetOptions) (*DocWatch, error) {
	return DefaultClient.WatchDoc(store, id, opts)
}

// WatchAllDocs runs a live all-docs query on the default client.
func WatchAllDocs(store docstore.Store, opts docstore.AllDocsOptions) (*AllDocsWatch, error) {
	return DefaultClient.WatchAllDocs(store, opts)
}

// WatchView runs a live view query on the default client.
func WatchView(store docstore.Store, view docstore.View, opts docstore.ViewOptions) (*ViewWatch, error) {
	return DefaultClient.WatchView(store, view, opts)
}

// WatchFind runs a live selector query on the default client.
func WatchFind(store docstore.Store, req docstore.FindRequest, opts FindOptions) (*FindWatch, error) {
	return DefaultClient.WatchFind(store, req, opts)
}
