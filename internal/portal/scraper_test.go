package portal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NullMeDev/rsmn/internal/testutil"
)

const frontPage = `<!doctype html>
<html><head><title>Portal</title></head>
<body>
<header><a href="/header-link-should-be-removed-entirely">Header link that is long enough</a></header>
<article class="card">
  <h2><a href="/politica/2026/03/01/votacion-en-el-senado">El Senado aprobó la ley de presupuesto</a></h2>
  <p class="summary">La votación terminó de madrugada.</p>
</article>
<div class="story">
  <h3>Se espera una ola de calor para el fin de semana</h3>
  <a href="/clima/ola-de-calor"><img src="x.jpg"></a>
</div>
<a href="/tag/economia/">Todas las noticias de economía del día</a>
<a href="/seccion/deportes/">Sección de deportes con resultados</a>
<a href="/politica/2026/03/01/votacion-en-el-senado#comentarios">Comentarios sobre la votación</a>
<a href="https://other.example/nota-externa">Nota en otro portal con título largo</a>
<a href="/corto">Corto</a>
<a href="/politica/2026/03/01/votacion-en-el-senado">El Senado aprobó la ley de presupuesto</a>
<script>var a = "<a href='/script-link'>inside script tag link</a>";</script>
</body></html>`

func newTestScraper() *Scraper {
	return NewScraper(Options{
		PortalTimeout:  time.Second,
		ArticleTimeout: time.Second,
	})
}

func TestFetchCandidates(t *testing.T) {
	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(frontPage))
	}))
	defer srv.Close()

	got, err := newTestScraper().FetchCandidates(context.Background(), srv.URL)
	testutil.AssertNoError(t, err)

	var urls, titles, excerpts []string
	for _, c := range got {
		urls = append(urls, strings.TrimPrefix(c.URL, srv.URL))
		titles = append(titles, c.Title)
		excerpts = append(excerpts, c.Excerpt)
		testutil.AssertEqual(t, c.Portal, "127.0.0.1")
	}
	testutil.AssertEqual(t, urls, []string{"/politica/2026/03/01/votacion-en-el-senado", "/clima/ola-de-calor"})
	testutil.AssertEqual(t, titles, []string{"El Senado aprobó la ley de presupuesto", "Se espera una ola de calor para el fin de semana"})
	testutil.AssertEqual(t, excerpts, []string{"La votación terminó de madrugada.", ""})
	testutil.AssertEqual(t, gotUA, DefaultUserAgent)
	testutil.AssertEqual(t, gotLang, acceptLangHeader)
}

func TestFetchCandidatesWholePageFallback(t *testing.T) {
	body := "<html><body><p>" + strings.Repeat("palabra ", 2000) + "</p></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	got, err := newTestScraper().FetchCandidates(context.Background(), srv.URL)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(got), 1)
	testutil.AssertEqual(t, got[0].Title, "Contenido completo de 127.0.0.1")
	testutil.AssertEqual(t, len([]rune(got[0].Excerpt)), wholePageMaxLen)
}

func TestFetchCandidatesFeed(t *testing.T) {
	const feed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Portal</title>
<item><title>Primera noticia del feed</title><link>https://portal.example/n/1</link><description><![CDATA[<p>Resumen <b>uno</b></p>]]></description></item>
<item><title>Segunda noticia del feed</title><link>https://portal.example/n/2</link></item>
<item><title></title><link>https://portal.example/n/3</link></item>
</channel></rss>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		w.Write([]byte(feed))
	}))
	defer srv.Close()

	got, err := newTestScraper().FetchCandidates(context.Background(), srv.URL)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(got), 2)
	testutil.AssertEqual(t, got[0].URL, "https://portal.example/n/1")
	testutil.AssertEqual(t, got[0].Excerpt, "Resumen uno")
}

func TestFetchCandidatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestScraper().FetchCandidates(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "HTTP 503") {
		t.Fatalf("got %v, want HTTP 503 error", err)
	}
}

func TestFetchCandidatesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	s := NewScraper(Options{PortalTimeout: 50 * time.Millisecond})
	start := time.Now()
	if _, err := s.FetchCandidates(context.Background(), srv.URL); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("portal timeout not applied")
	}
}

func TestFetchDetail(t *testing.T) {
	para := "Este es un párrafo suficientemente largo como para contar en el texto final de la nota."
	page := `<html><head><title>Otra cosa</title>
<meta property="og:title" content="OG"></head><body>
<nav><p>` + para + ` navegación</p></nav>
<article>
  <h1>Suben las tarifas de luz - Diario Ejemplo</h1>
  <p>Corto.</p>
  <p>` + para + `</p>
  <p>` + para + `</p>
  <p>` + para + `</p>
  <form><p>` + para + ` formulario</p></form>
</article>
</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
	}))
	defer srv.Close()

	d, err := newTestScraper().FetchDetail(context.Background(), srv.URL+"/nota")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, d.Title, "Suben las tarifas de luz")
	testutil.AssertEqual(t, d.Text, strings.Join([]string{para, para, para}, " "))
	testutil.AssertEqual(t, d.URL, srv.URL+"/nota")
}

func TestFetchDetailBodyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Titular | Portal</title></head><body><div>Texto   breve
		de la nota</div></body></html>`))
	}))
	defer srv.Close()

	d, err := newTestScraper().FetchDetail(context.Background(), srv.URL)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, d.Title, "Titular")
	testutil.AssertEqual(t, d.Text, "Texto breve de la nota")
}

func TestFetchDetailEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body><script>x()</script></body></html>`))
	}))
	defer srv.Close()

	if _, err := newTestScraper().FetchDetail(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for empty article")
	}
}
