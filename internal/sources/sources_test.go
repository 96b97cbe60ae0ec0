package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

type stubAdapter struct {
	name string
	tier models.SourceTier
	fn   func(ctx context.Context, q models.Query) models.SourceResult
}

func (s *stubAdapter) Name() string            { return s.name }
func (s *stubAdapter) Tier() models.SourceTier { return s.tier }
func (s *stubAdapter) Fetch(ctx context.Context, q models.Query) models.SourceResult {
	return s.fn(ctx, q)
}

func TestRegistry_CoverageValidation(t *testing.T) {
	r := NewRegistry(arbor.NewLogger())

	require.NoError(t, r.Register(&stubAdapter{name: "api", tier: models.TierPrimaryAPI}))
	require.NoError(t, r.Register(&stubAdapter{name: "rss", tier: models.TierSecondaryRSS}))

	err := r.ValidateCoverage()
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(models.TierTertiaryHTTP))

	require.NoError(t, r.Register(&stubAdapter{name: "board", tier: models.TierTertiaryHTTP}))
	assert.NoError(t, r.ValidateCoverage())
}

func TestRegistry_RejectsDuplicateNames(t *testing.T) {
	r := NewRegistry(arbor.NewLogger())

	require.NoError(t, r.Register(&stubAdapter{name: "api", tier: models.TierPrimaryAPI}))
	err := r.Register(&stubAdapter{name: "api", tier: models.TierSecondaryRSS})
	assert.Error(t, err)
	assert.Equal(t, 1, r.Size())
}

func TestSafeFetch_ContainsPanic(t *testing.T) {
	adapter := &stubAdapter{
		name: "broken",
		tier: models.TierPrimaryAPI,
		fn: func(ctx context.Context, q models.Query) models.SourceResult {
			panic("selector exploded")
		},
	}

	result := SafeFetch(context.Background(), adapter, models.Query{Keywords: "golang"})
	assert.Equal(t, "broken", result.Source)
	assert.Contains(t, result.Err, "selector exploded")
	assert.Empty(t, result.Jobs)
}

func TestHTTPBoardAdapter_JSONArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"title":"Go Engineer","company":"Acme","url":"https://acme.test/jobs/1","description":"Build services"}]`)
	}))
	defer server.Close()

	a := NewHTTPBoardAdapter(HTTPBoardConfig{
		Name:       "acme-board",
		Tier:       models.TierPrimaryAPI,
		BaseURL:    server.URL,
		QueryParam: "q",
	}, arbor.NewLogger())

	result := a.Fetch(context.Background(), models.Query{Keywords: "golang"})
	require.Empty(t, result.Err)
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, "Go Engineer", result.Jobs[0].Title)
	assert.Equal(t, "acme-board", result.Jobs[0].Source)
	assert.Equal(t, string(models.TierPrimaryAPI), result.Jobs[0].SourceTier)
}

func TestHTTPBoardAdapter_JSONEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jobs":[{"title":"SRE","company":"Acme","url":"https://acme.test/jobs/2","description":"Keep it up"}]}`)
	}))
	defer server.Close()

	a := NewHTTPBoardAdapter(HTTPBoardConfig{
		Name:    "acme-board",
		Tier:    models.TierPrimaryAPI,
		BaseURL: server.URL,
	}, arbor.NewLogger())

	result := a.Fetch(context.Background(), models.Query{Keywords: "sre"})
	require.Empty(t, result.Err)
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, "SRE", result.Jobs[0].Title)
}

func TestHTTPBoardAdapter_HTMLFallback(t *testing.T) {
	page := `<html><body>
		<div class="job">
			<h2 class="title">Backend Developer</h2>
			<span class="company">Initech</span>
			<span class="loc">Remote</span>
			<a class="link" href="/jobs/42">view</a>
			<p class="desc">Ship features</p>
		</div>
	</body></html>`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, page)
	}))
	defer server.Close()

	a := NewHTTPBoardAdapter(HTTPBoardConfig{
		Name:             "initech-board",
		Tier:             models.TierTertiaryHTTP,
		BaseURL:          server.URL,
		ItemSelector:     "div.job",
		TitleSelector:    ".title",
		CompanySelector:  ".company",
		LocationSelector: ".loc",
		LinkSelector:     "a.link",
		DescSelector:     ".desc",
	}, arbor.NewLogger())

	result := a.Fetch(context.Background(), models.Query{Keywords: "backend"})
	require.Empty(t, result.Err)
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, "Backend Developer", result.Jobs[0].Title)
	assert.Equal(t, "Initech", result.Jobs[0].Company)
	assert.Equal(t, server.URL+"/jobs/42", result.Jobs[0].URL)
}

func TestHTTPBoardAdapter_ErrorStatusReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	a := NewHTTPBoardAdapter(HTTPBoardConfig{
		Name:    "blocked-board",
		Tier:    models.TierTertiaryHTTP,
		BaseURL: server.URL,
	}, arbor.NewLogger())

	result := a.Fetch(context.Background(), models.Query{Keywords: "golang"})
	assert.Contains(t, result.Err, "429")
	assert.Empty(t, result.Jobs)
}

func TestRSSAdapter_ParsesFeed(t *testing.T) {
	feed := `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Jobs</title>
    <item>
      <title>Platform Engineer at Hooli</title>
      <link>https://jobs.test/p/9</link>
      <description>&lt;p&gt;Run the &amp;amp; platform&lt;/p&gt;</description>
      <pubDate>Mon, 24 Aug 2026 08:00:00 GMT</pubDate>
    </item>
    <item>
      <title>No link job</title>
      <description>dropped</description>
    </item>
  </channel>
</rss>`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feed)
	}))
	defer server.Close()

	a := NewRSSAdapter(RSSConfig{
		Name:    "hooli-feed",
		Tier:    models.TierSecondaryRSS,
		FeedURL: server.URL + "?q={keywords}",
	}, arbor.NewLogger())

	result := a.Fetch(context.Background(), models.Query{Keywords: "golang"})
	require.Empty(t, result.Err)
	require.Len(t, result.Jobs, 1, "item without link is dropped")

	job := result.Jobs[0]
	assert.Equal(t, "Platform Engineer", job.Title)
	assert.Equal(t, "Hooli", job.Company)
	assert.Equal(t, "Run the & platform", job.Description)
	assert.Equal(t, "hooli-feed", job.Source)
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "Senior Go & Rust", stripHTML("<b>Senior</b> Go &amp; Rust"))
	assert.Equal(t, "a b", stripHTML("a\n\n   b"))
}

func TestAdapterTimeout_Configured(t *testing.T) {
	board := NewHTTPBoardAdapter(HTTPBoardConfig{
		Name:    "board",
		Tier:    models.TierPrimaryAPI,
		BaseURL: "https://jobs.test",
		Timeout: 5 * time.Second,
	}, arbor.NewLogger())
	assert.Equal(t, 5*time.Second, board.client.Timeout)

	feed := NewRSSAdapter(RSSConfig{
		Name:    "feed",
		Tier:    models.TierSecondaryRSS,
		FeedURL: "https://jobs.test/feed",
		Timeout: 5 * time.Second,
	}, arbor.NewLogger())
	assert.Equal(t, 5*time.Second, feed.client.Timeout)
}

func TestAdapterTimeout_DefaultsWhenUnset(t *testing.T) {
	board := NewHTTPBoardAdapter(HTTPBoardConfig{
		Name:    "board",
		Tier:    models.TierPrimaryAPI,
		BaseURL: "https://jobs.test",
	}, arbor.NewLogger())
	assert.Equal(t, httpBoardTimeout, board.client.Timeout)

	feed := NewRSSAdapter(RSSConfig{
		Name:    "feed",
		Tier:    models.TierSecondaryRSS,
		FeedURL: "https://jobs.test/feed",
	}, arbor.NewLogger())
	assert.Equal(t, rssTimeout, feed.client.Timeout)
}
