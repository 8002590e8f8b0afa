package news

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/NullMeDev/rsmn/internal/logging"
)

const (
	// MaxAge is how old the current entry may get before it is stale.
	MaxAge = 30 * time.Minute
	// HistorySize is the number of entries kept after each refresh.
	HistorySize = 10

	DefaultParallelism    = 8
	DefaultPortalTimeout  = 45 * time.Second
	DefaultArticleTimeout = 30 * time.Second

	FallbackDescription = "Resumen no disponible por el momento."
	FallbackExplanation = "No pudimos generar una explicación para esta noticia. Podés leer la nota completa en el enlace."
)

var tracer = otel.Tracer("github.com/NullMeDev/rsmn/internal/news")

// IsStale reports whether e is at least MaxAge old at now.
func IsStale(e Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) >= MaxAge
}

// IsFresh is the negation of IsStale.
func (e Entry) IsFresh(now time.Time) bool {
	return !IsStale(e, now)
}

// Options configures a Processor.
type Options struct {
	Portals     []string
	Source      Source
	Details     DetailFetcher
	Transformer Transformer
	Store       Store
	Logger      *logging.Logger

	History        int
	Parallelism    int
	PortalTimeout  time.Duration
	ArticleTimeout time.Duration

	// OnRefresh is called after a new entry was persisted.
	OnRefresh func(Entry)
	// OnFallback is called when a refresh failed and the last good entry was
	// served instead.
	OnFallback func(err error)

	Now   func() time.Time
	NewID func() string
}

// Processor owns the digest cache: it refreshes it through the
// scrape → select → detail → enrich → persist pipeline and serves reads.
type Processor struct {
	portals     []string
	source      Source
	details     DetailFetcher
	transformer Transformer
	store       Store
	log         *logging.Logger

	history        int
	parallelism    int
	portalTimeout  time.Duration
	articleTimeout time.Duration

	onRefresh  func(Entry)
	onFallback func(error)

	now   func() time.Time
	newID func() string

	group singleflight.Group
}

// NewProcessor creates a new Processor instance
func NewProcessor(opts Options) *Processor {
	p := &Processor{
		portals:        opts.Portals,
		source:         opts.Source,
		details:        opts.Details,
		transformer:    opts.Transformer,
		store:          opts.Store,
		log:            opts.Logger,
		history:        opts.History,
		parallelism:    opts.Parallelism,
		portalTimeout:  opts.PortalTimeout,
		articleTimeout: opts.ArticleTimeout,
		onRefresh:      opts.OnRefresh,
		onFallback:     opts.OnFallback,
		now:            opts.Now,
		newID:          opts.NewID,
	}
	if p.log == nil {
		p.log = logging.Discard()
	}
	if p.history <= 0 {
		p.history = HistorySize
	}
	if p.parallelism <= 0 {
		p.parallelism = DefaultParallelism
	}
	if p.portalTimeout <= 0 {
		p.portalTimeout = DefaultPortalTimeout
	}
	if p.articleTimeout <= 0 {
		p.articleTimeout = DefaultArticleTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	return p
}

// Latest returns the current entry without refreshing. It returns nil when
// nothing was ever cached.
func (p *Processor) Latest(ctx context.Context) (*Entry, error) {
	return p.store.LatestEntry(ctx)
}

// Current returns the current entry regardless of its age. Only when there
// is no entry at all does it run a synchronous refresh.
func (p *Processor) Current(ctx context.Context) (*Entry, error) {
	latest, err := p.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading latest entry: %w", err)
	}
	if latest != nil {
		p.log.Debug("Using cached entry (%d min old)", int(p.now().Sub(latest.CreatedAt).Minutes()))
		return latest, nil
	}

	p.log.Warning("No cache found, generating first entry...")
	entry, err := p.Refresh(ctx)
	if err != nil {
		return nil, NewError(KindEmpty, CodeNoCache, "no cached news", fmt.Errorf("%w: %w", ErrNoCache, err))
	}
	return entry, nil
}

// NeedsRefresh reports whether the cache is empty or stale.
func (p *Processor) NeedsRefresh(ctx context.Context) (bool, error) {
	latest, err := p.Latest(ctx)
	if err != nil {
		return false, err
	}
	return latest == nil || !latest.IsFresh(p.now()), nil
}

// Refresh runs the pipeline and persists a new entry. When the pipeline
// fails and an earlier entry exists, that entry is returned instead and the
// failure is only logged. Concurrent calls share a single run, which is not
// cancelled when the caller that started it goes away; a caller whose ctx is
// done stops waiting and gets ctx.Err().
func (p *Processor) Refresh(ctx context.Context) (*Entry, error) {
	runCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan("refresh", func() (any, error) {
		return p.refresh(runCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			p.log.Debug("Joined in-flight refresh")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		p.log.Warning("Stopped waiting for refresh: %v", ctx.Err())
		return nil, ctx.Err()
	}
}

func (p *Processor) refresh(ctx context.Context) (*Entry, error) {
	ctx, span := tracer.Start(ctx, "news.Refresh")
	defer span.End()

	p.log.Info("Refreshing news cache...")
	entry, err := p.build(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int("articles", len(entry.Articles)))
		p.log.Info("News cache refreshed successfully (%d articles)", len(entry.Articles))
		if p.onRefresh != nil {
			p.onRefresh(*entry)
		}
		return entry, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.log.Error("Error refreshing news cache: %v", err)

	last, lerr := p.Latest(ctx)
	if lerr != nil {
		p.log.Error("Failed to load last cached entry: %v", lerr)
		return nil, err
	}
	if last == nil {
		return nil, err
	}

	p.log.Warning("Returning last cached entry from %s due to error", last.CreatedAt.Format(time.RFC3339))
	if p.onFallback != nil {
		p.onFallback(err)
	}
	return last, nil
}

func (p *Processor) build(ctx context.Context) (*Entry, error) {
	candidates := p.collectCandidates(ctx)
	if len(candidates) == 0 {
		return nil, NewError(KindEmpty, CodeNoContent, "no candidates from any portal", ErrNoContent)
	}

	selection, err := p.selectArticles(ctx, candidates)
	if err != nil {
		return nil, err
	}

	byURL := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		if _, ok := byURL[c.URL]; !ok {
			byURL[c.URL] = c
		}
	}

	urls := uniqueURLs(selection)
	details := p.fetchDetails(ctx, urls)
	enriched := p.enrich(ctx, details, byURL)

	var articles []Article
	for _, pick := range selection {
		d, ok := details[pick.URL]
		if !ok || d.err != nil {
			continue
		}
		e := enriched[pick.URL]
		articles = append(articles, Article{
			Category:    pick.Category,
			Title:       e.Title,
			Description: e.Description,
			URL:         pick.URL,
			Explained:   e.Explained,
			Portal:      portalFor(pick.URL, byURL),
		})
	}
	if len(articles) == 0 {
		return nil, NewError(KindEmpty, CodeNoArticles, fmt.Sprintf("all %d selected articles failed", len(urls)), ErrNoArticles)
	}

	entry := Entry{
		ID:        p.newID(),
		CreatedAt: p.now(),
		Articles:  articles,
	}
	if err := p.store.InsertEntry(ctx, entry); err != nil {
		return nil, NewError(KindStore, CodePersist, "failed to persist cache entry", err)
	}
	p.prune(ctx)
	return &entry, nil
}

func (p *Processor) collectCandidates(ctx context.Context) []Candidate {
	ctx, span := tracer.Start(ctx, "news.collectCandidates")
	defer span.End()

	p.log.Info("Starting to scrape %d portals...", len(p.portals))
	results := make([][]Candidate, len(p.portals))
	failed := make([]bool, len(p.portals))

	p.forEach(len(p.portals), func(i int) {
		pctx, cancel := context.WithTimeout(ctx, p.portalTimeout)
		defer cancel()

		cands, err := p.source.FetchCandidates(pctx, p.portals[i])
		if err != nil {
			p.log.Error("Error scraping %s: %v", p.portals[i], err)
			failed[i] = true
			return
		}
		results[i] = cands
	})

	var all []Candidate
	ok := 0
	for i, r := range results {
		if !failed[i] {
			ok++
		}
		all = append(all, r...)
	}
	span.SetAttributes(attribute.Int("candidates", len(all)))
	p.log.Info("Successfully scraped %d/%d portals (%d articles)", ok, len(p.portals), len(all))
	return all
}

func (p *Processor) selectArticles(ctx context.Context, candidates []Candidate) (Selection, error) {
	ctx, span := tracer.Start(ctx, "news.selectArticles")
	defer span.End()

	selection, err := p.transformer.Select(ctx, candidates)
	if err != nil {
		if errors.Is(err, ErrMalformedSelection) {
			return nil, NewError(KindTransform, CodeMalformedSelection, "selection output could not be parsed", err)
		}
		return nil, NewError(KindTransform, CodeSelect, "selection call failed", err)
	}

	selection = Dedupe(selection)
	if len(selection) == 0 {
		return nil, NewError(KindTransform, CodeMalformedSelection, "selection is empty", ErrMalformedSelection)
	}
	span.SetAttributes(attribute.Int("picks", len(selection)))
	p.log.Info("Selected %d articles", len(selection))
	return selection, nil
}

type detailResult struct {
	detail Detail
	err    error
}

func (p *Processor) fetchDetails(ctx context.Context, urls []string) map[string]detailResult {
	ctx, span := tracer.Start(ctx, "news.fetchDetails")
	defer span.End()

	results := make([]detailResult, len(urls))
	p.forEach(len(urls), func(i int) {
		actx, cancel := context.WithTimeout(ctx, p.articleTimeout)
		defer cancel()

		d, err := p.details.FetchDetail(actx, urls[i])
		if err != nil {
			p.log.Error("Error scraping article %s: %v", urls[i], err)
		}
		results[i] = detailResult{detail: d, err: err}
	})

	out := make(map[string]detailResult, len(urls))
	failed := 0
	for i, u := range urls {
		out[u] = results[i]
		if results[i].err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("failed", failed))
	if failed > 0 {
		p.log.Warning("Dropped %d/%d articles whose detail fetch failed", failed, len(urls))
	}
	return out
}

func (p *Processor) enrich(ctx context.Context, details map[string]detailResult, byURL map[string]Candidate) map[string]Enrichment {
	ctx, span := tracer.Start(ctx, "news.enrich")
	defer span.End()

	var urls []string
	for u, d := range details {
		if d.err == nil {
			urls = append(urls, u)
		}
	}

	results := make([]Enrichment, len(urls))
	p.forEach(len(urls), func(i int) {
		u := urls[i]
		d := details[u].detail
		title := d.Title
		if title == "" {
			title = byURL[u].Title
		}

		e, err := p.transformer.Enrich(ctx, title, d.Text)
		if err != nil {
			p.log.Warning("Enrichment failed for %s, using fallback: %v", u, err)
			description := strings.TrimSpace(byURL[u].Excerpt)
			if description == "" {
				description = FallbackDescription
			}
			results[i] = Enrichment{Title: title, Description: description, Explained: FallbackExplanation}
			return
		}
		if strings.TrimSpace(e.Title) == "" {
			e.Title = title
		}
		if strings.TrimSpace(e.Explained) == "" {
			e.Explained = FallbackExplanation
		}
		results[i] = e
	})

	out := make(map[string]Enrichment, len(urls))
	for i, u := range urls {
		out[u] = results[i]
	}
	return out
}

func (p *Processor) prune(ctx context.Context) {
	ids, err := p.store.EntryIDsBeyond(ctx, p.history)
	if err != nil {
		p.log.Error("Failed to list old cache entries: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := p.store.DeleteEntries(ctx, ids); err != nil {
		p.log.Error("Failed to delete old cache entries: %v", err)
		return
	}
	p.log.Info("Cleaned %d old cache entries", len(ids))
}

// forEach runs fn for every index in [0, n) with bounded parallelism and
// waits for all of them. A failing call never cancels its siblings.
func (p *Processor) forEach(n int, fn func(i int)) {
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, p.parallelism)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// Dedupe drops empty URLs and repeated picks. Principales keeps each URL
// once; topical categories share one URL set so a story lands in at most one
// of them. A Principales story may still appear in its topical category.
func Dedupe(sel Selection) Selection {
	principal := make(map[string]bool)
	topical := make(map[string]bool)
	out := make(Selection, 0, len(sel))
	for _, pick := range sel {
		u := strings.TrimSpace(pick.URL)
		if u == "" {
			continue
		}
		if IsPrincipal(pick.Category) {
			if principal[u] {
				continue
			}
			principal[u] = true
			out = append(out, Pick{URL: u, Category: Principales})
			continue
		}
		if topical[u] {
			continue
		}
		topical[u] = true
		out = append(out, Pick{URL: u, Category: pick.Category})
	}
	return out
}

func uniqueURLs(sel Selection) []string {
	seen := make(map[string]bool, len(sel))
	var urls []string
	for _, pick := range sel {
		if !seen[pick.URL] {
			seen[pick.URL] = true
			urls = append(urls, pick.URL)
		}
	}
	return urls
}

func portalFor(u string, byURL map[string]Candidate) string {
	if c, ok := byURL[u]; ok && c.Portal != "" {
		return c.Portal
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(parsed.Hostname(), "www.")
}
