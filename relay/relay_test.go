package relay_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/vole/docstore"
	"github.com/maxpert/vole/encoding"
	"github.com/maxpert/vole/feed"
	"github.com/maxpert/vole/relay"
	"github.com/maxpert/vole/relay/sink"
)

func putDoc(t *testing.T, s docstore.Store, doc docstore.Document) string {
	t.Helper()
	rev, err := s.Put(context.Background(), doc)
	if err != nil {
		t.Fatalf("Put %q failed: %v", doc.ID(), err)
	}
	return rev
}

// awaitMessages polls the mock sink until want messages arrived.
func awaitMessages(t *testing.T, m *sink.MockSink, want int) []sink.MockMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := m.Recorded(); len(got) >= want {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sink messages, have %d", want, len(m.Recorded()))
	return nil
}

func decodeEvent(t *testing.T, payload []byte) relay.Event {
	t.Helper()
	var ev relay.Event
	if err := encoding.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("failed to decode relayed event: %v", err)
	}
	return ev
}

func TestNewRelay_Validation(t *testing.T) {
	s := docstore.OpenMemory("validate")
	defer s.Close()
	mock := &sink.MockSink{}

	tests := []struct {
		name    string
		config  relay.Config
		wantErr string
	}{
		{"missing_name", relay.Config{Store: s, Sink: mock}, "name is required"},
		{"missing_store", relay.Config{Name: "r", Sink: mock}, "store is required"},
		{"missing_sink", relay.Config{Name: "r", Store: s}, "sink is required"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := relay.NewRelay(tc.config)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("NewRelay error = %v, want %q", err, tc.wantErr)
			}
		})
	}

	r, err := relay.NewRelay(relay.Config{Name: "r", Store: s, Sink: mock, Registry: feed.NewRegistry()})
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	if r.Subject() != "validate" {
		t.Errorf("Subject = %q, want the bare store name", r.Subject())
	}

	prefixed, err := relay.NewRelay(relay.Config{
		Name: "r", Store: s, Sink: mock, Registry: feed.NewRegistry(),
		SubjectPrefix: "vole.changes",
	})
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	if prefixed.Subject() != "vole.changes.validate" {
		t.Errorf("Subject = %q", prefixed.Subject())
	}
}

func TestRelay_PublishesChanges(t *testing.T) {
	s := docstore.OpenMemory("orders")
	defer s.Close()
	reg := feed.NewRegistry()
	mock := &sink.MockSink{}

	r, err := relay.NewRelay(relay.Config{
		Name:        "orders-out",
		Store:       s,
		Registry:    reg,
		Sink:        mock,
		IncludeDocs: true,
		Tombstones:  true,
	})
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("repeated Start failed: %v", err)
	}
	if got := reg.ActiveFeeds(); got != 1 {
		t.Errorf("ActiveFeeds = %d, want one feed after double Start", got)
	}

	rev := putDoc(t, s, docstore.Document{docstore.FieldID: "o1", "total": 42})
	putDoc(t, s, docstore.Document{docstore.FieldID: "o2", "total": 7})

	msgs := awaitMessages(t, mock, 2)
	if msgs[0].Subject != "orders" || msgs[0].Key != "o1" {
		t.Errorf("first message = %+v", msgs[0])
	}
	ev := decodeEvent(t, msgs[0].Value)
	if ev.Store != "orders" || ev.ID != "o1" || ev.Seq != 1 || ev.Rev == "" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Doc == nil {
		t.Error("IncludeDocs relay stripped the document body")
	}

	// A deletion is relayed as the event followed by a nil-value tombstone.
	if _, err := s.Delete(context.Background(), "o1", rev); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	msgs = awaitMessages(t, mock, 4)
	del := decodeEvent(t, msgs[2].Value)
	if !del.Deleted || del.ID != "o1" {
		t.Errorf("deletion event = %+v", del)
	}
	if msgs[3].Value != nil || msgs[3].Key != "o1" {
		t.Errorf("tombstone = %+v, want a nil value keyed by id", msgs[3])
	}

	r.Stop()
	r.Stop() // idempotent
	if got := reg.ActiveFeeds(); got != 0 {
		t.Errorf("ActiveFeeds = %d after Stop, want 0", got)
	}
}

func TestRelay_FilterAndDocStripping(t *testing.T) {
	s := docstore.OpenMemory("mixed")
	defer s.Close()
	reg := feed.NewRegistry()
	mock := &sink.MockSink{}

	filter, err := relay.NewGlobFilter([]string{"orders:*"}, false)
	if err != nil {
		t.Fatalf("NewGlobFilter failed: %v", err)
	}
	r, err := relay.NewRelay(relay.Config{
		Name:     "filtered",
		Store:    s,
		Registry: reg,
		Sink:     mock,
		Filter:   filter,
	})
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	putDoc(t, s, docstore.Document{docstore.FieldID: "orders:1"})
	putDoc(t, s, docstore.Document{docstore.FieldID: "users:1"})
	putDoc(t, s, docstore.Document{docstore.FieldID: "_design/probe", "language": "vole"})
	putDoc(t, s, docstore.Document{docstore.FieldID: "orders:2"})

	msgs := awaitMessages(t, mock, 2)
	if msgs[0].Key != "orders:1" || msgs[1].Key != "orders:2" {
		t.Errorf("messages = %+v, want only the order changes", msgs)
	}
	ev := decodeEvent(t, msgs[0].Value)
	if ev.Doc != nil {
		t.Error("document body leaked without IncludeDocs")
	}
}

// flakySink fails the first n publishes, then delegates to the mock.
type flakySink struct {
	mock  sink.MockSink
	fails atomic.Int64
	calls atomic.Int64
}

func (f *flakySink) Publish(subject, key string, value []byte) error {
	f.calls.Add(1)
	if f.fails.Add(-1) >= 0 {
		return errors.New("sink unavailable")
	}
	return f.mock.Publish(subject, key, value)
}

func (f *flakySink) Close() error { return nil }

func TestRelay_RetriesUntilSuccess(t *testing.T) {
	s := docstore.OpenMemory("retry")
	defer s.Close()
	fs := &flakySink{}
	fs.fails.Store(2)

	r, err := relay.NewRelay(relay.Config{
		Name:         "retrying",
		Store:        s,
		Registry:     feed.NewRegistry(),
		Sink:         fs,
		RetryInitial: 2 * time.Millisecond,
		MaxRetries:   5,
	})
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	putDoc(t, s, docstore.Document{docstore.FieldID: "a"})

	msgs := awaitMessages(t, &fs.mock, 1)
	if msgs[0].Key != "a" {
		t.Errorf("message = %+v", msgs[0])
	}
	if got := fs.calls.Load(); got != 3 {
		t.Errorf("publish attempts = %d, want two failures and a success", got)
	}
}

func TestRelay_DropsAfterMaxRetries(t *testing.T) {
	s := docstore.OpenMemory("dropping")
	defer s.Close()
	fs := &flakySink{}
	fs.fails.Store(1 << 30)

	r, err := relay.NewRelay(relay.Config{
		Name:         "dropper",
		Store:        s,
		Registry:     feed.NewRegistry(),
		Sink:         fs,
		RetryInitial: time.Millisecond,
		MaxRetries:   2,
	})
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	putDoc(t, s, docstore.Document{docstore.FieldID: "doomed"})

	// Both attempts fail and the event is dropped.
	deadline := time.Now().Add(2 * time.Second)
	for fs.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("sink was never retried")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// With the sink healthy again, the next event flows while the dropped
	// one stays gone.
	time.Sleep(20 * time.Millisecond)
	fs.fails.Store(0)
	putDoc(t, s, docstore.Document{docstore.FieldID: "survivor"})
	msgs := awaitMessages(t, &fs.mock, 1)
	if len(msgs) != 1 || msgs[0].Key != "survivor" {
		t.Errorf("messages = %+v, want only the post-recovery event", msgs)
	}
}

// gateSink parks the first publish until released.
type gateSink struct {
	mock    sink.MockSink
	entered chan struct{}
	release chan struct{}
	first   atomic.Bool
}

func newGateSink() *gateSink {
	return &gateSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gateSink) Publish(subject, key string, value []byte) error {
	if g.first.CompareAndSwap(false, true) {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.mock.Publish(subject, key, value)
}

func (g *gateSink) Close() error { return nil }

func TestRelay_StopFlushesQueuedEvents(t *testing.T) {
	s := docstore.OpenMemory("flush")
	defer s.Close()
	reg := feed.NewRegistry()
	gs := newGateSink()

	filter, err := relay.NewGlobFilter([]string{"ev:*"}, false)
	if err != nil {
		t.Fatalf("NewGlobFilter failed: %v", err)
	}
	r, err := relay.NewRelay(relay.Config{
		Name:     "flusher",
		Store:    s,
		Registry: reg,
		Sink:     gs,
		Filter:   filter,
	})
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Observe the shared feed so the test knows when the relay has queued
	// everything; the fence write is filtered out of the relay itself.
	h, err := reg.Acquire(s)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer h.Release()
	seen := make(chan docstore.ChangeEvent, 16)
	remove := h.Listen(feed.Funcs{OnChange: func(ev docstore.ChangeEvent) { seen <- ev }})
	defer remove()

	putDoc(t, s, docstore.Document{docstore.FieldID: "ev:1"})
	<-gs.entered // first delivery is parked inside the sink

	putDoc(t, s, docstore.Document{docstore.FieldID: "ev:2"})
	putDoc(t, s, docstore.Document{docstore.FieldID: "ev:3"})
	putDoc(t, s, docstore.Document{docstore.FieldID: "zz-fence"})

	fenceSeen := time.After(2 * time.Second)
	for fenced := false; !fenced; {
		select {
		case ev := <-seen:
			fenced = ev.ID == "zz-fence"
		case <-fenceSeen:
			t.Fatal("fence change never arrived")
		}
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	close(gs.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	msgs := gs.mock.Recorded()
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v, want all queued events flushed on Stop", msgs)
	}
	for i, want := range []string{"ev:1", "ev:2", "ev:3"} {
		if msgs[i].Key != want {
			t.Errorf("message %d key = %q, want %q", i, msgs[i].Key, want)
		}
	}
}

func TestRelay_FeedFailureSurfacesInErr(t *testing.T) {
	s := docstore.OpenMemory("failing")
	mock := &sink.MockSink{}

	r, err := relay.NewRelay(relay.Config{
		Name:     "watcher",
		Store:    s,
		Registry: feed.NewRegistry(),
		Sink:     mock,
	})
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if r.Err() != nil {
		t.Errorf("Err = %v before any failure", r.Err())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.Err() == nil {
		if time.Now().After(deadline) {
			t.Fatal("feed failure never surfaced")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !errors.Is(r.Err(), docstore.ErrStoreClosed) {
		t.Errorf("Err = %v, want ErrStoreClosed", r.Err())
	}
	r.Stop()
}

func TestGlobFilter(t *testing.T) {
	ev := func(id string) docstore.ChangeEvent { return docstore.ChangeEvent{ID: id} }

	open, err := relay.NewGlobFilter(nil, false)
	if err != nil {
		t.Fatalf("NewGlobFilter failed: %v", err)
	}
	if !open.Match(ev("anything")) {
		t.Error("empty filter rejected a data document")
	}
	if open.Match(ev("_design/views")) {
		t.Error("empty filter passed a design document")
	}

	withDesign, err := relay.NewGlobFilter(nil, true)
	if err != nil {
		t.Fatalf("NewGlobFilter failed: %v", err)
	}
	if !withDesign.Match(ev("_design/views")) {
		t.Error("IncludeDesign filter rejected a design document")
	}

	orders, err := relay.NewGlobFilter([]string{"orders:*", "carts:*"}, false)
	if err != nil {
		t.Fatalf("NewGlobFilter failed: %v", err)
	}
	for id, want := range map[string]bool{
		"orders:1": true,
		"carts:9":  true,
		"users:1":  false,
	} {
		if got := orders.Match(ev(id)); got != want {
			t.Errorf("Match(%q) = %v, want %v", id, got, want)
		}
	}

	if _, err := relay.NewGlobFilter([]string{"["}, false); err == nil {
		t.Error("invalid pattern compiled")
	}
}

func TestNewSink_Factories(t *testing.T) {
	created, err := relay.NewSink(relay.SinkConfig{Type: "mock"})
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	if _, ok := created.(*sink.MockSink); !ok {
		t.Errorf("sink = %T, want the registered mock", created)
	}

	if _, err := relay.NewSink(relay.SinkConfig{Type: "carrier-pigeon"}); err == nil {
		t.Error("unknown sink type succeeded")
	}
}
