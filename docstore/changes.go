package docstore

import (
	"errors"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// errFeedStopped aborts a replay when the feed is stopped mid-walk. Never
// escapes the pump.
var errFeedStopped = errors.New("feed stopped")

// Feed is a live change subscription. Events are delivered in sequence order
// on Events(); the channel closes when the feed ends. After it closes, Err
// reports why: nil after Cancel, otherwise a *FeedError wrapping the cause
// (ErrFeedOverflow, ErrStoreClosed or a storage failure).
//
// A feed never skips silently. If the consumer falls behind the buffer the
// feed dies with ErrFeedOverflow and can be restarted from the last seen
// sequence number.
type Feed struct {
	id    uint64
	store *LocalStore

	events  chan ChangeEvent
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool

	unsubscribe func()

	// stopErr is set once before stopCh closes; the pump copies it into err.
	// err is written only by the pump, before events closes.
	stopErr error
	err     error
}

// Events returns the delivery channel. It closes when the feed ends.
func (f *Feed) Events() <-chan ChangeEvent { return f.events }

// Err reports why the feed ended. Valid only after Events is closed.
func (f *Feed) Err() error { return f.err }

// Cancel stops the feed and waits for delivery to finish. Idempotent.
func (f *Feed) Cancel() {
	f.shutdown(nil)
}

// shutdown stops the pump with the given terminal error and waits for it to
// exit. The error is handed to the pump rather than written here, keeping
// err single-writer.
func (f *Feed) shutdown(err error) {
	if f.stopped.CompareAndSwap(false, true) {
		f.stopErr = err
		close(f.stopCh)
	}
	<-f.doneCh
}

// feedFilter is the per-feed event filter compiled from ChangesOptions.
type feedFilter struct {
	ids     map[string]struct{}
	pattern glob.Glob
}

func newFeedFilter(opts ChangesOptions) (*feedFilter, error) {
	if len(opts.DocIDs) > 0 && opts.DocPattern != "" {
		return nil, badRequest("doc_ids and doc_pattern are mutually exclusive")
	}
	f := &feedFilter{}
	if len(opts.DocIDs) > 0 {
		f.ids = make(map[string]struct{}, len(opts.DocIDs))
		for _, id := range opts.DocIDs {
			f.ids[id] = struct{}{}
		}
	}
	if opts.DocPattern != "" {
		g, err := glob.Compile(opts.DocPattern)
		if err != nil {
			return nil, badRequest("invalid doc_pattern %q: %v", opts.DocPattern, err)
		}
		f.pattern = g
	}
	return f, nil
}

func (f *feedFilter) matches(id string) bool {
	if f.ids != nil {
		_, ok := f.ids[id]
		return ok
	}
	if f.pattern != nil {
		return f.pattern.Match(id)
	}
	return true
}

// newFeed subscribes to the store's hub, then replays the change index and
// switches to live delivery. Subscribing before the replay means nothing
// committed in between can be missed; the sequence watermark deduplicates
// whatever lands in both.
func newFeed(s *LocalStore, opts ChangesOptions) (*Feed, error) {
	filter, err := newFeedFilter(opts)
	if err != nil {
		return nil, err
	}

	sub, unsub := s.hub.subscribe(opts.Buffer)
	f := &Feed{
		store:       s,
		events:      make(chan ChangeEvent),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		unsubscribe: unsub,
	}
	if err := s.addFeed(f); err != nil {
		unsub()
		return nil, err
	}
	go f.pump(sub, filter, opts)
	return f, nil
}

func (f *Feed) pump(sub *hubSub, filter *feedFilter, opts ChangesOptions) {
	defer close(f.doneCh)
	defer close(f.events)
	defer f.store.removeFeed(f.id)
	defer f.unsubscribe()

	watermark := opts.Since
	if opts.SinceNow {
		last, err := f.store.backend.lastSeq()
		if err != nil {
			f.err = &FeedError{Err: err}
			return
		}
		watermark = last
	} else {
		stopped, err := f.replay(filter, opts, &watermark)
		if err != nil {
			f.err = &FeedError{Err: err}
			return
		}
		if stopped {
			f.err = f.stopErr
			return
		}
	}
	if opts.OneShot {
		return
	}

	for {
		select {
		case <-f.stopCh:
			f.err = f.stopErr
			return
		case ev, ok := <-sub.ch:
			log.Warn().Msgf("DEBUG pump got ev=%+v ok=%v watermark=%d", ev, ok, watermark)
			if !ok {
				if sub.err != nil {
					log.Warn().Str("store", f.store.name).Err(sub.err).Msg("Change feed terminated")
					f.err = &FeedError{Err: sub.err}
				}
				return
			}
			if ev.Seq <= watermark {
				continue
			}
			watermark = ev.Seq
			if !filter.matches(ev.ID) {
				continue
			}
			if !opts.IncludeDocs {
				ev.Doc = nil
			}
			select {
			case f.events <- ev:
			case <-f.stopCh:
				f.err = f.stopErr
				return
			}
		}
	}
}

// replay walks the change index past the starting watermark. Returns stopped
// when the feed was shut down mid-replay.
func (f *Feed) replay(filter *feedFilter, opts ChangesOptions, watermark *uint64) (stopped bool, err error) {
	err = f.store.backend.changesSince(*watermark, func(rec docRecord) error {
		if rec.Seq > *watermark {
			*watermark = rec.Seq
		}
		if !filter.matches(rec.ID) {
			return nil
		}
		ev := ChangeEvent{ID: rec.ID, Rev: rec.Rev, Seq: rec.Seq, Deleted: rec.Deleted}
		if opts.IncludeDocs {
			doc, derr := rec.decode()
			if derr != nil {
				return derr
			}
			ev.Doc = doc
		}
		select {
		case f.events <- ev:
			return nil
		case <-f.stopCh:
			return errFeedStopped
		}
	})
	if err == errFeedStopped {
		return true, nil
	}
	return false, err
}
