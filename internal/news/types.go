package news

import (
	"context"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Principales is the reserved category holding the most important stories
// of the day. Its articles may also appear under a topical category.
const Principales = "PRINCIPALES"

// Topical categories, in the order they are presented.
var Categories = []string{
	"POLÍTICA",
	"ECONOMÍA",
	"SOCIEDAD",
	"MUNDO",
	"DEPORTES",
	"TECNOLOGÍA",
	"ESPECTÁCULOS",
	"POLICIALES",
	"CLIMA",
}

// CanonicalCategory maps name to its canonical spelling, ignoring case,
// surrounding space and accents ("politica" → "POLÍTICA").
func CanonicalCategory(name string) (string, bool) {
	key := foldCategory(name)
	if key == foldCategory(Principales) {
		return Principales, true
	}
	for _, c := range Categories {
		if foldCategory(c) == key {
			return c, true
		}
	}
	return "", false
}

func foldCategory(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		out = s
	}
	return strings.ToUpper(out)
}

// IsPrincipal reports whether category is the reserved Principales value.
func IsPrincipal(category string) bool {
	return strings.EqualFold(strings.TrimSpace(category), Principales)
}

// Article is one processed story inside a cache entry.
type Article struct {
	Category    string `json:"category" bson:"category"`
	Title       string `json:"title" bson:"title"`
	Description string `json:"description" bson:"description"`
	URL         string `json:"url" bson:"url"`
	Explained   string `json:"explained,omitempty" bson:"explained,omitempty"`
	Portal      string `json:"portal" bson:"portal"`
}

// Entry is an immutable snapshot of the latest processed article set.
type Entry struct {
	ID        string    `json:"id" bson:"_id"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	Articles  []Article `json:"articles" bson:"articles"`
}

// Candidate is a raw article link found on a portal front page.
type Candidate struct {
	Title   string
	URL     string
	Excerpt string
	Portal  string
}

// Detail is the full text of an article page.
type Detail struct {
	URL   string
	Title string
	Text  string
}

// Pick is one (url, category) pair chosen by the selection phase.
type Pick struct {
	URL      string
	Category string
}

// Selection is the ordered output of the selection phase.
type Selection []Pick

// Enrichment is the per-article output of the enrichment phase.
type Enrichment struct {
	Title       string
	Description string
	Explained   string
}

// Source fetches candidate articles from one portal.
type Source interface {
	FetchCandidates(ctx context.Context, portalURL string) ([]Candidate, error)
}

// DetailFetcher retrieves the full text of a single article.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, url string) (Detail, error)
}

// Transformer selects and enriches articles using a language model.
type Transformer interface {
	Select(ctx context.Context, candidates []Candidate) (Selection, error)
	Enrich(ctx context.Context, title, text string) (Enrichment, error)
}

// Store persists cache entries.
type Store interface {
	InsertEntry(ctx context.Context, e Entry) error
	// LatestEntry returns the entry with the greatest CreatedAt, or nil when
	// nothing was ever stored.
	LatestEntry(ctx context.Context) (*Entry, error)
	// EntryIDsBeyond returns the IDs of every entry older than the n most
	// recent ones.
	EntryIDsBeyond(ctx context.Context, n int) ([]string, error)
	DeleteEntries(ctx context.Context, ids []string) error
}
