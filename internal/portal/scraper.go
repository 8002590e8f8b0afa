// Package portal scrapes news portals for candidate articles and fetches the
// full text of individual articles.
package portal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html/charset"

	"github.com/NullMeDev/rsmn/internal/logging"
	"github.com/NullMeDev/rsmn/internal/news"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	DefaultPortalTimeout  = 45 * time.Second
	DefaultArticleTimeout = 30 * time.Second

	minTitleLen      = 15
	maxTitleLen      = 300
	minParagraphLen  = 30
	minContentLen    = 200
	wholePageMaxLen  = 8000
	maxBodyBytes     = 10 << 20
	junkSelector     = "script, style, nav, footer, header, iframe, noscript, aside, .ad, .ads, .advertisement"
	containerSel     = "article, .article, .story, .card, .news"
	headingSel       = "h1, h2, h3, h4, .title, .headline"
	excerptSel       = "p, .summary, .description, .excerpt, .deck"
	contentJunkSel   = "script, style, nav, footer, header, iframe, aside, .ad, .ads, button, form"
	acceptHeader     = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	acceptLangHeader = "es-AR,es;q=0.9,en;q=0.8"
)

var (
	excludedPath = regexp.MustCompile(`(?i)/(tag|category|autor|author|seccion|section)/`)
	titleSuffix  = regexp.MustCompile(`\s*[-|–—]\s*[^-|–—]+$`)
	whitespace   = regexp.MustCompile(`\s+`)

	contentSelectors = []string{
		"article",
		".article-content",
		".story-content",
		".post-content",
		"main",
		".entry-content",
		`[itemprop="articleBody"]`,
	}
)

// Options configures a Scraper.
type Options struct {
	Client         *http.Client
	UserAgent      string
	PortalTimeout  time.Duration
	ArticleTimeout time.Duration
	Logger         *logging.Logger
}

// Scraper implements news.Source and news.DetailFetcher over HTTP.
type Scraper struct {
	client         *http.Client
	feeds          *gofeed.Parser
	userAgent      string
	portalTimeout  time.Duration
	articleTimeout time.Duration
	log            *logging.Logger
}

// NewScraper creates a new scraper instance
func NewScraper(opts Options) *Scraper {
	s := &Scraper{
		client:         opts.Client,
		feeds:          gofeed.NewParser(),
		userAgent:      opts.UserAgent,
		portalTimeout:  opts.PortalTimeout,
		articleTimeout: opts.ArticleTimeout,
		log:            opts.Logger,
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: DefaultPortalTimeout}
	}
	if s.userAgent == "" {
		s.userAgent = DefaultUserAgent
	}
	if s.portalTimeout <= 0 {
		s.portalTimeout = DefaultPortalTimeout
	}
	if s.articleTimeout <= 0 {
		s.articleTimeout = DefaultArticleTimeout
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	return s
}

type page struct {
	body        []byte
	contentType string
}

func (s *Scraper) get(ctx context.Context, rawURL string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Language", acceptLangHeader)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	reader, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), contentType)
	if err != nil {
		return nil, fmt.Errorf("decoding charset: %w", err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return &page{body: body, contentType: contentType}, nil
}

// FetchCandidates downloads a portal front page (or feed) and extracts the
// links that look like articles.
func (s *Scraper) FetchCandidates(ctx context.Context, portalURL string) ([]news.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.portalTimeout)
	defer cancel()

	base, err := url.Parse(strings.TrimSpace(portalURL))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid portal url %q", portalURL)
	}
	portalName := hostName(base)

	s.log.Info("Scraping: %s", portalURL)
	pg, err := s.get(ctx, base.String())
	if err != nil {
		return nil, err
	}
	s.log.Debug("Downloaded %d bytes from %s", len(pg.body), portalURL)

	if isFeed(pg) {
		return s.feedCandidates(pg, portalName)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pg.body))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}
	doc.Find(junkSelector).Remove()

	candidates := linkCandidates(doc, base, portalName)
	if len(candidates) == 0 {
		s.log.Warning("No articles found with selectors, using text fallback for %s", portalURL)
		text := truncateRunes(normalizeSpace(doc.Find("body").Text()), wholePageMaxLen)
		return []news.Candidate{{
			Title:   "Contenido completo de " + portalName,
			URL:     base.String(),
			Excerpt: text,
			Portal:  portalName,
		}}, nil
	}

	s.log.Info("Scraped %d articles from %s", len(candidates), portalURL)
	return candidates, nil
}

func linkCandidates(doc *goquery.Document, base *url.URL, portalName string) []news.Candidate {
	var out []news.Candidate
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		articleURL := resolve(base, href)
		if articleURL == "" || seen[articleURL] {
			return
		}
		if !strings.Contains(articleURL, portalName) ||
			strings.Contains(articleURL, "#") ||
			excludedPath.MatchString(articleURL) {
			return
		}

		container := link.Closest(containerSel)
		title := normalizeSpace(link.Text())
		if utf8.RuneCountInString(title) < minTitleLen {
			title = normalizeSpace(container.Find(headingSel).First().Text())
		}
		n := utf8.RuneCountInString(title)
		if n < minTitleLen || n > maxTitleLen {
			return
		}

		excerpt := ""
		if container.Length() > 0 {
			excerpt = normalizeSpace(container.Find(excerptSel).First().Text())
		}
		if excerpt == title {
			excerpt = ""
		}

		seen[articleURL] = true
		out = append(out, news.Candidate{
			Title:   title,
			URL:     articleURL,
			Excerpt: excerpt,
			Portal:  portalName,
		})
	})
	return out
}

func (s *Scraper) feedCandidates(pg *page, portalName string) ([]news.Candidate, error) {
	feed, err := s.feeds.Parse(bytes.NewReader(pg.body))
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	var out []news.Candidate
	seen := make(map[string]bool)
	for _, item := range feed.Items {
		link := strings.TrimSpace(item.Link)
		title := normalizeSpace(item.Title)
		if link == "" || title == "" || seen[link] {
			continue
		}
		seen[link] = true
		out = append(out, news.Candidate{
			Title:   title,
			URL:     link,
			Excerpt: htmlText(item.Description),
			Portal:  portalName,
		})
	}
	s.log.Info("Parsed %d feed items from %s", len(out), portalName)
	return out, nil
}

// FetchDetail downloads one article and extracts its title and body text.
func (s *Scraper) FetchDetail(ctx context.Context, articleURL string) (news.Detail, error) {
	ctx, cancel := context.WithTimeout(ctx, s.articleTimeout)
	defer cancel()

	s.log.Debug("Scraping article: %s", articleURL)
	pg, err := s.get(ctx, articleURL)
	if err != nil {
		return news.Detail{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pg.body))
	if err != nil {
		return news.Detail{}, fmt.Errorf("parsing html: %w", err)
	}
	doc.Find(contentJunkSel).Remove()

	title := strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if title == "" {
		title, _ = doc.Find(`meta[property="og:title"]`).Attr("content")
	}
	title = strings.TrimSpace(titleSuffix.ReplaceAllString(normalizeSpace(title), ""))

	text := articleText(doc)
	if text == "" {
		return news.Detail{}, fmt.Errorf("no text content at %s", articleURL)
	}
	s.log.Debug("Article scraped: %q (%d chars)", truncateRunes(title, 50), utf8.RuneCountInString(text))

	return news.Detail{URL: articleURL, Title: title, Text: text}, nil
}

func articleText(doc *goquery.Document) string {
	for _, sel := range contentSelectors {
		content := doc.Find(sel)
		if content.Length() == 0 {
			continue
		}
		var paragraphs []string
		content.Find("p").Each(func(_ int, p *goquery.Selection) {
			text := normalizeSpace(p.Text())
			if utf8.RuneCountInString(text) > minParagraphLen {
				paragraphs = append(paragraphs, text)
			}
		})
		joined := strings.Join(paragraphs, " ")
		if utf8.RuneCountInString(joined) > minContentLen {
			return joined
		}
	}
	return normalizeSpace(doc.Find("body").Text())
}

func isFeed(pg *page) bool {
	ct := strings.ToLower(pg.contentType)
	if strings.Contains(ct, "rss") || strings.Contains(ct, "atom") {
		return true
	}
	if strings.Contains(ct, "html") {
		return false
	}
	head := bytes.TrimSpace(pg.body)
	if len(head) > 512 {
		head = head[:512]
	}
	head = bytes.ToLower(head)
	return bytes.Contains(head, []byte("<rss")) || bytes.Contains(head, []byte("<feed"))
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

func hostName(u *url.URL) string {
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func htmlText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return normalizeSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return normalizeSpace(fragment)
	}
	return normalizeSpace(doc.Text())
}

func normalizeSpace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
