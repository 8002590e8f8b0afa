// Package digest renders the condensed PRINCIPALES message sent to
// subscribers.
package digest

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/NullMeDev/rsmn/internal/news"
)

const (
	Header       = "*RSM - Las noticias del dia*"
	EmptyState   = "No hay noticias principales disponibles"
	MaxArticles  = 6
	footerPrefix = "Mas noticias en "
)

var upper = cases.Upper(language.Spanish)

// Format builds the digest from the Principales articles of an entry, in
// order and capped at MaxArticles.
func Format(articles []news.Article, domain string) string {
	var lines []string
	for _, a := range articles {
		if !strings.Contains(strings.ToLower(a.Category), "principales") {
			continue
		}
		if len(lines) == MaxArticles {
			break
		}
		lines = append(lines, "• *"+upper.String(Clean(a.Title))+":* "+Clean(a.Description))
	}

	body := EmptyState
	if len(lines) > 0 {
		body = strings.Join(lines, "\n\n")
	}
	return Header + "\n\n" + body + "\n\n" + footerPrefix + domain
}

// Clean removes control characters, specials and the emoji and symbol blocks
// the channel renders badly, then trims.
func Clean(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if stripped(r) {
			return -1
		}
		return r
	}, s))
}

func stripped(r rune) bool {
	switch {
	case r <= 0x1F, r >= 0x7F && r <= 0x9F:
		return true
	case r >= 0xFFF0 && r <= 0xFFFF:
		return true
	case r >= 0x1F300 && r <= 0x1F9FF: // misc symbols, emoticons, transport
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x1F1E0 && r <= 0x1F1FF: // flags
		return true
	}
	return false
}
