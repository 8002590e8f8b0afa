package news_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/NullMeDev/rsmn/internal/news"
	"github.com/NullMeDev/rsmn/internal/store/memstore"
	"github.com/NullMeDev/rsmn/internal/testutil"
)

type portalResult struct {
	candidates []news.Candidate
	err        error
	delay      time.Duration
}

type fakeSource map[string]portalResult

func (f fakeSource) FetchCandidates(ctx context.Context, portalURL string) ([]news.Candidate, error) {
	r := f[portalURL]
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.candidates, r.err
}

type fakeDetails struct {
	mu     sync.Mutex
	fail   map[string]bool
	called map[string]int
}

func (f *fakeDetails) FetchDetail(_ context.Context, url string) (news.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.called == nil {
		f.called = make(map[string]int)
	}
	f.called[url]++
	if f.fail[url] {
		return news.Detail{}, fmt.Errorf("fetching %s: 404", url)
	}
	return news.Detail{URL: url, Title: "Title of " + url, Text: "body of " + url}, nil
}

type fakeTransformer struct {
	selection news.Selection
	selectErr error
	enrichErr error

	mu      sync.Mutex
	enrichN int
}

func (f *fakeTransformer) Select(context.Context, []news.Candidate) (news.Selection, error) {
	return f.selection, f.selectErr
}

func (f *fakeTransformer) Enrich(_ context.Context, title, _ string) (news.Enrichment, error) {
	f.mu.Lock()
	f.enrichN++
	f.mu.Unlock()
	if f.enrichErr != nil {
		return news.Enrichment{}, f.enrichErr
	}
	return news.Enrichment{Title: title, Description: "desc " + title, Explained: "long " + title}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func candidates(portal string, urls ...string) []news.Candidate {
	var out []news.Candidate
	for _, u := range urls {
		out = append(out, news.Candidate{Title: "Candidate " + u, URL: u, Excerpt: "excerpt " + u, Portal: portal})
	}
	return out
}

type fixture struct {
	store       *memstore.Store
	details     *fakeDetails
	transformer *fakeTransformer
	clock       *clock
	processor   *news.Processor
}

func newFixture(t *testing.T, src fakeSource, tr *fakeTransformer, mutate func(*news.Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:       memstore.New(),
		details:     &fakeDetails{fail: map[string]bool{}},
		transformer: tr,
		clock:       &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	var portals []string
	for p := range src {
		portals = append(portals, p)
	}
	var seq int
	var seqMu sync.Mutex
	opts := news.Options{
		Portals:     portals,
		Source:      src,
		Details:     f.details,
		Transformer: tr,
		Store:       f.store,
		Now:         f.clock.Now,
		NewID: func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("entry-%02d", seq)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.processor = news.NewProcessor(opts)
	return f
}

func TestRefreshBuildsEntry(t *testing.T) {
	src := fakeSource{
		"https://a.example": {candidates: candidates("a.example", "https://a.example/1", "https://a.example/2")},
		"https://b.example": {candidates: candidates("b.example", "https://b.example/1")},
	}
	tr := &fakeTransformer{selection: news.Selection{
		{URL: "https://a.example/1", Category: news.Principales},
		{URL: "https://a.example/1", Category: "POLÍTICA"},
		{URL: "https://a.example/2", Category: "ECONOMÍA"},
		{URL: "https://a.example/2", Category: "SOCIEDAD"},
		{URL: "https://b.example/1", Category: "MUNDO"},
	}}
	f := newFixture(t, src, tr, nil)

	entry, err := f.processor.Refresh(context.Background())
	testutil.AssertNoError(t, err)

	var got []news.Pick
	for _, a := range entry.Articles {
		got = append(got, news.Pick{URL: a.URL, Category: a.Category})
	}
	testutil.AssertEqual(t, got, []news.Pick{
		{URL: "https://a.example/1", Category: news.Principales},
		{URL: "https://a.example/1", Category: "POLÍTICA"},
		{URL: "https://a.example/2", Category: "ECONOMÍA"},
		{URL: "https://b.example/1", Category: "MUNDO"},
	})
	testutil.AssertEqual(t, entry.Articles[0].Portal, "a.example")
	testutil.AssertEqual(t, entry.Articles[0].Title, "Title of https://a.example/1")
	testutil.AssertEqual(t, entry.Articles[0].Explained, "long Title of https://a.example/1")
	testutil.AssertEqual(t, entry.ID, "entry-01")

	// One detail fetch and one enrichment per unique URL.
	testutil.AssertEqual(t, f.details.called, map[string]int{
		"https://a.example/1": 1,
		"https://a.example/2": 1,
		"https://b.example/1": 1,
	})
	testutil.AssertEqual(t, tr.enrichN, 3)

	latest, err := f.store.LatestEntry(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, latest.ID, entry.ID)
}

func TestRefreshDropsFailedDetails(t *testing.T) {
	urls := []string{"https://a.example/1", "https://a.example/2", "https://a.example/3", "https://a.example/4", "https://a.example/5"}
	var sel news.Selection
	for _, u := range urls {
		sel = append(sel, news.Pick{URL: u, Category: "SOCIEDAD"})
	}
	src := fakeSource{"https://a.example": {candidates: candidates("a.example", urls...)}}
	f := newFixture(t, src, &fakeTransformer{selection: sel}, nil)
	f.details.fail["https://a.example/3"] = true

	entry, err := f.processor.Refresh(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(entry.Articles), 4)
	for _, a := range entry.Articles {
		if a.URL == "https://a.example/3" {
			t.Fatalf("failed article %s was kept", a.URL)
		}
	}
}

func TestRefreshSkipsSlowPortal(t *testing.T) {
	src := fakeSource{
		"https://slow.example": {candidates: candidates("slow.example", "https://slow.example/1"), delay: time.Second},
		"https://fast.example": {candidates: candidates("fast.example", "https://fast.example/1")},
	}
	tr := &fakeTransformer{selection: news.Selection{{URL: "https://fast.example/1", Category: news.Principales}}}
	f := newFixture(t, src, tr, func(o *news.Options) {
		o.PortalTimeout = 20 * time.Millisecond
	})

	start := time.Now()
	entry, err := f.processor.Refresh(context.Background())
	testutil.AssertNoError(t, err)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("refresh waited %s for the slow portal", elapsed)
	}
	testutil.AssertEqual(t, len(entry.Articles), 1)
	testutil.AssertEqual(t, entry.Articles[0].Portal, "fast.example")
}

// gatedSource blocks every fetch until release is closed.
type gatedSource struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSource) FetchCandidates(ctx context.Context, portalURL string) ([]news.Candidate, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return candidates("a.example", "https://a.example/1"), nil
}

func TestRefreshSurvivesInitiatorCancel(t *testing.T) {
	gate := &gatedSource{started: make(chan struct{}), release: make(chan struct{})}
	tr := &fakeTransformer{selection: news.Selection{{URL: "https://a.example/1", Category: news.Principales}}}
	f := newFixture(t, fakeSource{"https://a.example": {}}, tr, func(o *news.Options) {
		o.Source = gate
	})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.processor.Refresh(ctx)
		first <- err
	}()
	<-gate.started

	type result struct {
		entry *news.Entry
		err   error
	}
	second := make(chan result, 1)
	go func() {
		e, err := f.processor.Refresh(context.Background())
		second <- result{e, err}
	}()

	cancel()
	select {
	case err := <-first:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("first caller got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first caller kept waiting after its context was cancelled")
	}

	close(gate.release)
	var res result
	select {
	case res = <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got a result")
	}
	testutil.AssertNoError(t, res.err)
	testutil.AssertEqual(t, len(res.entry.Articles), 1)

	latest, err := f.store.LatestEntry(context.Background())
	testutil.AssertNoError(t, err)
	if latest == nil {
		t.Fatal("no entry was persisted")
	}
}

func TestRefreshMalformedSelectionFallsBack(t *testing.T) {
	src := fakeSource{"https://a.example": {candidates: candidates("a.example", "https://a.example/1")}}
	tr := &fakeTransformer{selection: news.Selection{{URL: "https://a.example/1", Category: news.Principales}}}

	var fallbacks []error
	f := newFixture(t, src, tr, func(o *news.Options) {
		o.OnFallback = func(err error) { fallbacks = append(fallbacks, err) }
	})
	ctx := context.Background()

	first, err := f.processor.Refresh(ctx)
	testutil.AssertNoError(t, err)

	tr.selection = nil
	tr.selectErr = fmt.Errorf("parsing: %w", news.ErrMalformedSelection)
	f.clock.Advance(time.Hour)

	got, err := f.processor.Refresh(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.ID, first.ID)
	testutil.AssertEqual(t, f.store.EntryCount(), 1)
	testutil.AssertEqual(t, len(fallbacks), 1)
	if !errors.Is(fallbacks[0], news.ErrMalformedSelection) {
		t.Fatalf("fallback error %v does not wrap ErrMalformedSelection", fallbacks[0])
	}
}

func TestRefreshWithoutCacheFails(t *testing.T) {
	cases := map[string]struct {
		src  fakeSource
		tr   *fakeTransformer
		fail []string
		want error
	}{
		"no candidates": {
			src:  fakeSource{"https://a.example": {err: errors.New("connection refused")}},
			tr:   &fakeTransformer{},
			want: news.ErrNoContent,
		},
		"malformed selection": {
			src:  fakeSource{"https://a.example": {candidates: candidates("a.example", "https://a.example/1")}},
			tr:   &fakeTransformer{selectErr: news.ErrMalformedSelection},
			want: news.ErrMalformedSelection,
		},
		"empty after dedupe": {
			src:  fakeSource{"https://a.example": {candidates: candidates("a.example", "https://a.example/1")}},
			tr:   &fakeTransformer{selection: news.Selection{{URL: " ", Category: "MUNDO"}}},
			want: news.ErrMalformedSelection,
		},
		"every detail failed": {
			src:  fakeSource{"https://a.example": {candidates: candidates("a.example", "https://a.example/1")}},
			tr:   &fakeTransformer{selection: news.Selection{{URL: "https://a.example/1", Category: "MUNDO"}}},
			fail: []string{"https://a.example/1"},
			want: news.ErrNoArticles,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, tc.src, tc.tr, nil)
			for _, u := range tc.fail {
				f.details.fail[u] = true
			}
			entry, err := f.processor.Refresh(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if entry != nil {
				t.Fatalf("expected no entry, got %+v", entry)
			}
			var nerr *news.Error
			if !errors.As(err, &nerr) {
				t.Fatalf("error %T is not *news.Error", err)
			}
			testutil.AssertEqual(t, f.store.EntryCount(), 0)
		})
	}
}

func TestRefreshPrunesHistory(t *testing.T) {
	src := fakeSource{"https://a.example": {candidates: candidates("a.example", "https://a.example/1")}}
	tr := &fakeTransformer{selection: news.Selection{{URL: "https://a.example/1", Category: news.Principales}}}
	f := newFixture(t, src, tr, nil)
	ctx := context.Background()

	var last *news.Entry
	for range 13 {
		f.clock.Advance(30 * time.Minute)
		e, err := f.processor.Refresh(ctx)
		testutil.AssertNoError(t, err)
		last = e
	}
	testutil.AssertEqual(t, f.store.EntryCount(), news.HistorySize)

	latest, err := f.processor.Latest(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, latest.ID, last.ID)
}

func TestEnrichmentFailureUsesFallback(t *testing.T) {
	src := fakeSource{"https://a.example": {candidates: candidates("a.example", "https://a.example/1")}}
	tr := &fakeTransformer{
		selection: news.Selection{{URL: "https://a.example/1", Category: "CLIMA"}},
		enrichErr: errors.New("rate limited"),
	}
	f := newFixture(t, src, tr, nil)

	entry, err := f.processor.Refresh(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, entry.Articles, []news.Article{{
		Category:    "CLIMA",
		Title:       "Title of https://a.example/1",
		Description: "excerpt https://a.example/1",
		URL:         "https://a.example/1",
		Explained:   news.FallbackExplanation,
		Portal:      "a.example",
	}})
}

func TestIsStale(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := news.Entry{CreatedAt: created}

	cases := map[string]struct {
		age  time.Duration
		want bool
	}{
		"fresh":           {age: 10 * time.Minute, want: false},
		"just under":      {age: news.MaxAge - time.Second, want: false},
		"exactly max":     {age: news.MaxAge, want: true},
		"long past":       {age: 5 * time.Hour, want: true},
		"clock went back": {age: -time.Minute, want: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			now := created.Add(tc.age)
			testutil.AssertEqual(t, news.IsStale(e, now), tc.want)
			testutil.AssertEqual(t, e.IsFresh(now), !tc.want)
		})
	}
}

func TestCurrent(t *testing.T) {
	src := fakeSource{"https://a.example": {candidates: candidates("a.example", "https://a.example/1")}}
	tr := &fakeTransformer{selection: news.Selection{{URL: "https://a.example/1", Category: news.Principales}}}
	f := newFixture(t, src, tr, nil)
	ctx := context.Background()

	needs, err := f.processor.NeedsRefresh(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, needs, true)

	// Empty cache triggers a synchronous refresh.
	first, err := f.processor.Current(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, f.store.EntryCount(), 1)

	// A stale entry is served as-is.
	f.clock.Advance(2 * time.Hour)
	got, err := f.processor.Current(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.ID, first.ID)
	testutil.AssertEqual(t, f.store.EntryCount(), 1)

	needs, err = f.processor.NeedsRefresh(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, needs, true)
}

func TestCurrentWithoutCacheReportsUnavailable(t *testing.T) {
	src := fakeSource{"https://a.example": {err: errors.New("dns")}}
	f := newFixture(t, src, &fakeTransformer{}, nil)

	_, err := f.processor.Current(context.Background())
	if !errors.Is(err, news.ErrNoCache) {
		t.Fatalf("got %v, want ErrNoCache", err)
	}
	if !errors.Is(err, news.ErrNoContent) {
		t.Fatalf("got %v, want it to wrap ErrNoContent", err)
	}
}

func TestOnRefreshHook(t *testing.T) {
	src := fakeSource{"https://a.example": {candidates: candidates("a.example", "https://a.example/1")}}
	tr := &fakeTransformer{selection: news.Selection{{URL: "https://a.example/1", Category: news.Principales}}}
	var seen []string
	f := newFixture(t, src, tr, func(o *news.Options) {
		o.OnRefresh = func(e news.Entry) { seen = append(seen, e.ID) }
	})

	entry, err := f.processor.Refresh(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, seen, []string{entry.ID})
}

func TestDedupe(t *testing.T) {
	in := news.Selection{
		{URL: "u1", Category: news.Principales},
		{URL: "u1", Category: "principales"},
		{URL: "u1", Category: "POLÍTICA"},
		{URL: "u1", Category: "ECONOMÍA"},
		{URL: "", Category: "MUNDO"},
		{URL: " u2 ", Category: "MUNDO"},
		{URL: "u2", Category: news.Principales},
	}
	testutil.AssertEqual(t, news.Dedupe(in), news.Selection{
		{URL: "u1", Category: news.Principales},
		{URL: "u1", Category: "POLÍTICA"},
		{URL: "u2", Category: "MUNDO"},
		{URL: "u2", Category: news.Principales},
	})
}
