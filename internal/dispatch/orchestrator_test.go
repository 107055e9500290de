package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chanpost/internal/clock"
	"chanpost/internal/eventbus"
	"chanpost/internal/media"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

var (
	primary   = transport.ChatTarget{ChatID: -1001}
	secondary = transport.ChatTarget{ChatID: -1002}
)

type sentMsg struct {
	Method  string
	To      transport.ChatTarget
	Media   transport.Media
	Caption string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	// fail returns an error for matching sends.
	fail func(method string, m transport.Media) error
}

func (s *fakeSender) record(method string, to transport.ChatTarget, m transport.Media, caption string) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(method, m); err != nil {
			return transport.MessageRef{}, err
		}
	}
	s.sent = append(s.sent, sentMsg{Method: method, To: to, Media: m, Caption: caption})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(s.sent)}, nil
}

func (s *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return s.record("text", to, transport.Media{}, text)
}

func (s *fakeSender) SendPhoto(ctx context.Context, to transport.ChatTarget, m transport.Media, caption string) (transport.MessageRef, error) {
	return s.record("photo", to, m, caption)
}

func (s *fakeSender) SendVideo(ctx context.Context, to transport.ChatTarget, m transport.Media, caption string) (transport.MessageRef, error) {
	return s.record("video", to, m, caption)
}

func (s *fakeSender) messages() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMsg(nil), s.sent...)
}

// fakeResolver passes FileIDs through and "downloads" URLs into dir. URLs
// containing "broken" do not resolve.
type fakeResolver struct {
	dir   string
	paths []string
}

func (r *fakeResolver) Resolve(ctx context.Context, ref media.Ref) (media.Resolved, bool) {
	if ref.FileID != "" {
		return media.Resolved{FileID: ref.FileID}, true
	}
	if ref.URL == "" || strings.Contains(ref.URL, "broken") {
		return media.Resolved{}, false
	}
	p := filepath.Join(r.dir, "dl-"+filepath.Base(ref.URL))
	_ = os.WriteFile(p, []byte("media"), 0o644)
	r.paths = append(r.paths, p)
	return media.Resolved{Path: p}, true
}

type fakeBlobs struct {
	failures int
	reads    int
	deleted  []string
}

func (b *fakeBlobs) ReadAll(ctx context.Context, key string) ([]byte, error) {
	b.reads++
	if b.reads <= b.failures {
		return nil, errors.New("transient")
	}
	return []byte("blob:" + key), nil
}

func (b *fakeBlobs) Delete(ctx context.Context, key string) error {
	b.deleted = append(b.deleted, key)
	return nil
}

type fakeComposer struct {
	dir     string
	sources []string
	err     error
	outputs []string
}

func (c *fakeComposer) Compose(ctx context.Context, src string) (string, error) {
	c.sources = append(c.sources, src)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}
	if c.err != nil {
		return "", c.err
	}
	out := filepath.Join(c.dir, "result-"+filepath.Base(src)+".mp4")
	if err := os.WriteFile(out, []byte("video"), 0o644); err != nil {
		return "", err
	}
	c.outputs = append(c.outputs, out)
	return out, nil
}

type fakeFetcher struct{ ids []string }

func (f *fakeFetcher) FetchFile(ctx context.Context, fileID, dst string) error {
	f.ids = append(f.ids, fileID)
	return os.WriteFile(dst, []byte("fetched"), 0o644)
}

type harness struct {
	store    *storage.MemoryStore
	sender   *fakeSender
	resolver *fakeResolver
	blobs    *fakeBlobs
	clock    *clock.Fake
	orch     *Orchestrator
}

func newHarness(t *testing.T, d Deps, items ...storage.Item) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemoryStore(items...),
		sender:   &fakeSender{},
		resolver: &fakeResolver{dir: t.TempDir()},
		blobs:    &fakeBlobs{},
		clock:    clock.NewFake(time.Date(2026, 5, 1, 8, 45, 0, 0, time.UTC)),
	}
	if d.Store == nil {
		d.Store = h.store
	} else if ms, ok := d.Store.(*storage.MemoryStore); ok {
		h.store = ms
	}
	if d.Sender == nil {
		d.Sender = h.sender
	} else if fs, ok := d.Sender.(*fakeSender); ok {
		h.sender = fs
	}
	if d.Resolver == nil {
		d.Resolver = h.resolver
	}
	if d.Blobs == nil {
		d.Blobs = h.blobs
	} else if fb, ok := d.Blobs.(*fakeBlobs); ok {
		h.blobs = fb
	}
	d.Clock = h.clock
	d.Log = logx.Nop()
	d.NewRunID = func() string { return "run-1" }
	o, err := New(Config{Primary: primary, Secondary: secondary, MediaDir: t.TempDir()}, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = o
	return h
}

func eligible(rank int, url string) storage.Item {
	return storage.Item{Rank: rank, URL: url, Caption: "c" + url, Checked: true, Approved: true}
}

func TestDispatchDeliversHighestRankedEligible(t *testing.T) {
	h := newHarness(t, Deps{},
		storage.Item{Rank: 100, URL: "https://x/unchecked.jpg", Approved: true},
		storage.Item{Rank: 90, URL: "https://x/rejected.jpg", Checked: true},
		storage.Item{Rank: 80, URL: "https://x/published.jpg", Checked: true, Approved: true, Published: true},
		eligible(10, "https://x/ten.jpg"),
		eligible(5, "https://x/five.jpg"),
	)
	rep := h.orch.Dispatch(context.Background())
	if rep.Result != ResultDelivered || rep.RunID != "run-1" {
		t.Fatalf("report = %+v", rep)
	}
	msgs := h.sender.messages()
	if len(msgs) != 1 || msgs[0].Method != "photo" || msgs[0].To != primary || msgs[0].Caption != "chttps://x/ten.jpg" {
		t.Fatalf("sent = %+v", msgs)
	}
	it, _ := h.store.Get(4)
	if !it.Published {
		t.Fatalf("item 4 not published: %+v", it)
	}
	// Downloaded media is removed after the attempt.
	for _, p := range h.resolver.paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("downloaded file %s still exists", p)
		}
	}
}

func TestDispatchFallsBackAndMarksIneligible(t *testing.T) {
	sender := &fakeSender{fail: func(_ string, m transport.Media) error {
		if strings.Contains(m.Path, "ten") {
			return errors.New("telegram: bad request")
		}
		return nil
	}}
	h := newHarness(t, Deps{Sender: sender},
		eligible(10, "https://x/ten.jpg"),
		eligible(5, "https://x/five.jpg"),
	)
	rep := h.orch.Dispatch(context.Background())
	if rep.Result != ResultDelivered || len(rep.Attempts) != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Attempts[0].Reason != ReasonSendFailed || rep.Attempts[0].ItemID != 1 {
		t.Fatalf("first attempt = %+v", rep.Attempts[0])
	}
	ten, _ := h.store.Get(1)
	if !ten.Checked || ten.Approved || ten.Published {
		t.Fatalf("rank 10 item = %+v, want checked, unapproved, unpublished", ten)
	}
	five, _ := h.store.Get(2)
	if !five.Published {
		t.Fatalf("rank 5 item = %+v, want published", five)
	}
}

func TestDispatchIdleTouchesNothing(t *testing.T) {
	store := storage.NewMemoryStore(storage.Item{Rank: 1, URL: "u", Checked: true, Approved: true, Published: true})
	var writes []string
	store.ErrSet = func(column string, id int64) error {
		writes = append(writes, column)
		return nil
	}
	h := newHarness(t, Deps{Store: store})
	rep := h.orch.Dispatch(context.Background())
	if rep.Result != ResultIdle || len(rep.Attempts) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(writes) != 0 || len(h.sender.messages()) != 0 {
		t.Fatalf("idle run mutated store %v or sent %v", writes, h.sender.messages())
	}
}

func TestDispatchExhaustsAfterMaxAttempts(t *testing.T) {
	sender := &fakeSender{fail: func(string, transport.Media) error { return errors.New("down") }}
	h := newHarness(t, Deps{Sender: sender},
		eligible(4, "https://x/a.jpg"),
		eligible(3, "https://x/b.jpg"),
		eligible(2, "https://x/c.jpg"),
		eligible(1, "https://x/d.jpg"),
	)
	rep := h.orch.Dispatch(context.Background())
	if rep.Result != ResultExhausted || len(rep.Attempts) != DefaultMaxAttempts {
		t.Fatalf("report = %+v", rep)
	}
	seen := map[int64]bool{}
	for _, a := range rep.Attempts {
		if seen[a.ItemID] {
			t.Fatalf("item %d attempted twice", a.ItemID)
		}
		seen[a.ItemID] = true
	}
	last, _ := h.store.Get(4)
	if !last.Eligible() {
		t.Fatalf("fourth item should be untouched: %+v", last)
	}
}

func TestDispatchStopsWhenIneligibleMarkIsLost(t *testing.T) {
	store := storage.NewMemoryStore(eligible(10, "https://x/broken.jpg"), eligible(5, "https://x/ok.jpg"))
	store.ErrSet = func(column string, id int64) error {
		if column == "approved" {
			return errors.New("disk full")
		}
		return nil
	}
	h := newHarness(t, Deps{Store: store})
	rep := h.orch.Dispatch(context.Background())
	if rep.Result != ResultStoreError || rep.Err == nil {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Attempts) != 2 || rep.Attempts[0].Reason != ReasonResolveFailed || rep.Attempts[1].Reason != ReasonStoreFailed {
		t.Fatalf("attempts = %+v", rep.Attempts)
	}
	if len(h.sender.messages()) != 0 {
		t.Fatalf("nothing should be sent: %+v", h.sender.messages())
	}
}

func TestDispatchStoreErrorOnSelect(t *testing.T) {
	store := storage.NewMemoryStore()
	store.ErrNext = errors.New("connection refused")
	h := newHarness(t, Deps{Store: store})
	rep := h.orch.Dispatch(context.Background())
	if rep.Result != ResultStoreError || !errors.Is(rep.Err, store.ErrNext) {
		t.Fatalf("report = %+v", rep)
	}
}

func TestDispatchNoMedia(t *testing.T) {
	h := newHarness(t, Deps{},
		storage.Item{Rank: 9, Checked: true, Approved: true},
		eligible(1, "https://x/ok.jpg"),
	)
	rep := h.orch.Dispatch(context.Background())
	if rep.Attempts[0].Reason != ReasonNoMedia || rep.Result != ResultDelivered {
		t.Fatalf("report = %+v", rep)
	}
	first, _ := h.store.Get(1)
	if first.Approved {
		t.Fatalf("no-media item should be unapproved: %+v", first)
	}
}

func TestDispatchSelectsVideoByExtension(t *testing.T) {
	h := newHarness(t, Deps{}, eligible(1, "https://x/clip.MP4"))
	rep := h.orch.Dispatch(context.Background())
	msgs := h.sender.messages()
	if rep.Result != ResultDelivered || len(msgs) != 1 || msgs[0].Method != "video" || !rep.Attempts[0].Video {
		t.Fatalf("report=%+v sent=%+v", rep, msgs)
	}
}

func TestDispatchClassifiesDownloadByContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/DASH_720" {
			w.Header().Set("Content-Type", "video/mp4")
		} else {
			w.Header().Set("Content-Type", "image/jpeg")
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	cases := []struct {
		name   string
		url    string
		method string
	}{
		{name: "extensionless video", url: srv.URL + "/DASH_720", method: "video"},
		{name: "image behind video extension", url: srv.URL + "/still.mp4", method: "photo"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			res := media.NewResolver(dir, 5*time.Second, logx.Nop())
			h := newHarness(t, Deps{Resolver: res}, eligible(1, tc.url))
			rep := h.orch.Dispatch(context.Background())
			msgs := h.sender.messages()
			if rep.Result != ResultDelivered || len(msgs) != 1 || msgs[0].Method != tc.method {
				t.Fatalf("report=%+v sent=%+v", rep, msgs)
			}
			if got := rep.Attempts[0].Video; got != (tc.method == "video") {
				t.Fatalf("outcome video = %v", got)
			}
			left, _ := os.ReadDir(dir)
			if len(left) != 0 {
				t.Fatalf("download not removed: %v", left)
			}
		})
	}
}

func sentinel(key string) storage.Item {
	return storage.Item{Rank: storage.DefaultSentinelRank, FileID: key, Caption: "ad", Checked: true, Approved: true}
}

func TestDispatchBlobRetriesThenSends(t *testing.T) {
	blobs := &fakeBlobs{failures: 2}
	composer := &fakeComposer{dir: t.TempDir()}
	h := newHarness(t, Deps{Blobs: blobs, Composer: composer}, sentinel("ads/promo.jpg"))
	rep := h.orch.Dispatch(context.Background())
	if rep.Result != ResultDelivered {
		t.Fatalf("report = %+v", rep)
	}
	if got := h.clock.Sleeps(); len(got) != 2 || got[0] != 3*time.Second || got[1] != 3*time.Second {
		t.Fatalf("sleeps = %v, want two 3s backoffs", got)
	}
	msgs := h.sender.messages()
	if len(msgs) != 1 || string(msgs[0].Media.Data) != "blob:ads/promo.jpg" || msgs[0].Media.Name != "promo.jpg" {
		t.Fatalf("sent = %+v", msgs)
	}
	if len(blobs.deleted) != 1 || blobs.deleted[0] != "ads/promo.jpg" {
		t.Fatalf("deleted = %v", blobs.deleted)
	}
	if len(composer.sources) != 0 {
		t.Fatal("sentinel items have no derived artifact")
	}
	it, _ := h.store.Get(1)
	if !it.Published {
		t.Fatalf("sentinel item not published: %+v", it)
	}
}

func TestDispatchBlobExhaustion(t *testing.T) {
	blobs := &fakeBlobs{failures: 3}
	h := newHarness(t, Deps{Blobs: blobs}, sentinel("ads/gone.jpg"), eligible(1, "https://x/next.jpg"))
	rep := h.orch.Dispatch(context.Background())
	if rep.Attempts[0].Reason != ReasonBlobFetchFailed || blobs.reads != 3 {
		t.Fatalf("attempt = %+v reads=%d", rep.Attempts[0], blobs.reads)
	}
	if len(h.clock.Sleeps()) != 2 {
		t.Fatalf("sleeps = %v", h.clock.Sleeps())
	}
	if rep.Result != ResultDelivered || len(blobs.deleted) != 0 {
		t.Fatalf("report = %+v deleted=%v", rep, blobs.deleted)
	}
	gone, _ := h.store.Get(1)
	if gone.Approved {
		t.Fatalf("failed sentinel should be ineligible: %+v", gone)
	}
}

func TestDispatchDerivedArtifact(t *testing.T) {
	composer := &fakeComposer{dir: t.TempDir()}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	h := newHarness(t, Deps{Composer: composer, Bus: bus}, eligible(1, "https://x/meme.jpg"))
	rep := h.orch.Dispatch(context.Background())
	if rep.Result != ResultDelivered {
		t.Fatalf("report = %+v", rep)
	}
	msgs := h.sender.messages()
	if len(msgs) != 2 || msgs[1].Method != "video" || msgs[1].To != secondary {
		t.Fatalf("sent = %+v", msgs)
	}
	if len(composer.outputs) != 1 {
		t.Fatalf("outputs = %v", composer.outputs)
	}
	if _, err := os.Stat(composer.outputs[0]); !os.IsNotExist(err) {
		t.Fatal("derived video should be deleted after sending")
	}

	var derived *DerivedEvent
	for len(events) > 0 {
		ev := <-events
		if d, ok := ev.Data.(DerivedEvent); ok && ev.Type == eventbus.DispatchDerived {
			derived = &d
		}
	}
	if derived == nil || derived.Status != DerivedSent {
		t.Fatalf("derived event = %+v", derived)
	}
}

func TestDispatchDerivedFailureKeepsPrimary(t *testing.T) {
	composer := &fakeComposer{dir: t.TempDir(), err: errors.New("ffmpeg exploded")}
	h := newHarness(t, Deps{Composer: composer}, eligible(1, "https://x/meme.jpg"))
	rep := h.orch.Dispatch(context.Background())
	if rep.Result != ResultDelivered || len(h.sender.messages()) != 1 {
		t.Fatalf("report = %+v sent=%+v", rep, h.sender.messages())
	}
	it, _ := h.store.Get(1)
	if !it.Published {
		t.Fatal("primary delivery must still be published")
	}
}

func TestDispatchDerivedFetchesInlineFile(t *testing.T) {
	composer := &fakeComposer{dir: t.TempDir()}
	fetcher := &fakeFetcher{}
	item := storage.Item{Rank: 3, FileID: "AgADfile", Checked: true, Approved: true}
	h := newHarness(t, Deps{Composer: composer, Fetcher: fetcher}, item)
	rep := h.orch.Dispatch(context.Background())
	if rep.Result != ResultDelivered {
		t.Fatalf("report = %+v", rep)
	}
	if len(fetcher.ids) != 1 || fetcher.ids[0] != "AgADfile" {
		t.Fatalf("fetched = %v", fetcher.ids)
	}
	if len(composer.sources) != 1 {
		t.Fatalf("composer sources = %v", composer.sources)
	}
	if _, err := os.Stat(composer.sources[0]); !os.IsNotExist(err) {
		t.Fatal("fetched source should be removed")
	}
	msgs := h.sender.messages()
	if len(msgs) != 2 || msgs[0].Media.FileID != "AgADfile" {
		t.Fatalf("sent = %+v", msgs)
	}
}

func TestDispatchVideoSkipsDerived(t *testing.T) {
	composer := &fakeComposer{dir: t.TempDir()}
	h := newHarness(t, Deps{Composer: composer}, eligible(1, "https://x/clip.mov"))
	h.orch.Dispatch(context.Background())
	if len(composer.sources) != 0 {
		t.Fatal("video items have no derived artifact")
	}
}

func TestDispatchPublishFailureStillDelivered(t *testing.T) {
	store := storage.NewMemoryStore(eligible(1, "https://x/a.jpg"))
	store.ErrSet = func(column string, id int64) error {
		if column == "published" {
			return errors.New("locked")
		}
		return nil
	}
	h := newHarness(t, Deps{Store: store})
	rep := h.orch.Dispatch(context.Background())
	if rep.Result != ResultDelivered {
		t.Fatalf("report = %+v", rep)
	}
	if _, ok := rep.Delivered(); !ok {
		t.Fatal("Delivered() should find the attempt")
	}
}
