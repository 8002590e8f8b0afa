// Package transform selects and enriches articles with a language model.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/NullMeDev/rsmn/internal/logging"
	"github.com/NullMeDev/rsmn/internal/news"
)

const (
	maxCandidates  = 400
	maxArticleText = 6000
)

// Completer sends one system+user prompt pair and returns the raw reply.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Service implements news.Transformer on top of a Completer.
type Service struct {
	completer Completer
	log       *logging.Logger
}

// NewService creates a new transform service
func NewService(c Completer, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{completer: c, log: logger}
}

const selectPrompt = `Sos un editor de noticias argentino.
Te paso una lista de artículos candidatos scrapeados de portales, uno por línea, con el formato:
[portal] título | url

Elegí las noticias más relevantes del día y clasificalas.

REGLAS ESTRICTAS:
- PRINCIPALES: exactamente 5 noticias, las más importantes del día sin importar la categoría.
- Categorías topicales: POLÍTICA, ECONOMÍA, SOCIEDAD, MUNDO, DEPORTES, TECNOLOGÍA, ESPECTÁCULOS, POLICIALES, CLIMA. Máximo 3 noticias cada una. Omití las que no tengan noticias.
- Una noticia puede estar en PRINCIPALES y en una sola categoría topical, nunca en dos topicales.
- Si varios portales cubren el mismo hecho, elegí una sola url.
- Usá únicamente urls de la lista, copiadas exactamente.

Respondé SOLO con un objeto JSON cuyas claves son las categorías y cuyos valores son arrays de urls, por ejemplo:
{"PRINCIPALES": ["https://..."], "ECONOMÍA": ["https://..."]}`

const enrichPrompt = `Sos un analista de noticias experto argentino.
Te paso el título y el texto completo de una nota. Devolvé SOLO un objeto JSON con estos campos:
- "title": título corto y claro, sin el nombre del portal
- "description": una o dos frases directas que resuman el hecho
- "explained": una explicación de 2 a 4 párrafos con el contexto necesario para entender la noticia

Tono informal-profesional, como explicárselo a alguien inteligente con poco tiempo.
No uses emojis, asteriscos ni formato markdown.`

// Select asks the model to choose and classify candidates. Output order is
// Principales first, then the fixed topical order; within a category the
// model's order is kept.
func (s *Service) Select(ctx context.Context, candidates []news.Candidate) (news.Selection, error) {
	if len(candidates) > maxCandidates {
		s.log.Warning("Truncating %d candidates to %d for selection", len(candidates), maxCandidates)
		candidates = candidates[:maxCandidates]
	}

	var b strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&b, "[%s] %s | %s\n", c.Portal, c.Title, c.URL)
		if c.Excerpt != "" && c.Title == "Contenido completo de "+c.Portal {
			fmt.Fprintf(&b, "%s\n", truncate(c.Excerpt, maxArticleText))
		}
	}

	s.log.Info("Selecting articles from %d candidates...", len(candidates))
	reply, err := s.completer.Complete(ctx, selectPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("selection completion: %w", err)
	}

	sel, err := ParseSelection(reply)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.URL] = true
	}
	out := sel[:0]
	for _, p := range sel {
		if !known[p.URL] {
			s.log.Warning("Dropping selected url not among candidates: %s", p.URL)
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no selected url matches a candidate", news.ErrMalformedSelection)
	}
	return out, nil
}

// ParseSelection decodes a selection reply. Anything other than an object of
// known categories mapping to arrays of strings is malformed, as is an
// object holding no URL at all.
func ParseSelection(reply string) (news.Selection, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimFence(reply)), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", news.ErrMalformedSelection, err)
	}

	byCategory := make(map[string][]string, len(raw))
	for key, value := range raw {
		category, ok := news.CanonicalCategory(key)
		if !ok {
			return nil, fmt.Errorf("%w: unknown category %q", news.ErrMalformedSelection, key)
		}
		var urls []string
		if err := json.Unmarshal(value, &urls); err != nil {
			return nil, fmt.Errorf("%w: category %q: %v", news.ErrMalformedSelection, key, err)
		}
		byCategory[category] = append(byCategory[category], urls...)
	}

	var sel news.Selection
	for _, category := range append([]string{news.Principales}, news.Categories...) {
		for _, u := range byCategory[category] {
			if u = strings.TrimSpace(u); u != "" {
				sel = append(sel, news.Pick{URL: u, Category: category})
			}
		}
	}
	if len(sel) == 0 {
		return nil, fmt.Errorf("%w: empty selection", news.ErrMalformedSelection)
	}
	return sel, nil
}

// Enrich rewrites a title and produces the short and long descriptions of
// one article.
func (s *Service) Enrich(ctx context.Context, title, text string) (news.Enrichment, error) {
	user := fmt.Sprintf("Título: %s\n\nTexto:\n%s", title, truncate(text, maxArticleText))
	reply, err := s.completer.Complete(ctx, enrichPrompt, user)
	if err != nil {
		return news.Enrichment{}, fmt.Errorf("enrichment completion: %w", err)
	}
	return ParseEnrichment(reply)
}

// ParseEnrichment decodes an enrichment reply. A missing description is an
// error; title and explained may be empty.
func ParseEnrichment(reply string) (news.Enrichment, error) {
	var result struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Explained   string `json:"explained"`
	}
	if err := json.Unmarshal([]byte(trimFence(reply)), &result); err != nil {
		return news.Enrichment{}, fmt.Errorf("failed to parse AI response: %w", err)
	}
	if strings.TrimSpace(result.Description) == "" {
		return news.Enrichment{}, fmt.Errorf("AI response has no description")
	}
	return news.Enrichment{
		Title:       strings.TrimSpace(result.Title),
		Description: strings.TrimSpace(result.Description),
		Explained:   strings.TrimSpace(result.Explained),
	}, nil
}

// Models sometimes wrap JSON in code fences; remove those.
func trimFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
