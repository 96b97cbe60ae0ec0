package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

func TestContentHash_Deterministic(t *testing.T) {
	a := ContentHash("same content")
	b := ContentHash("same content")
	c := ContentHash("different content")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestCache_RoundTrip(t *testing.T) {
	cache, err := OpenCache(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	defer cache.Close()

	hash := ContentHash("page content")

	miss, err := cache.Get(hash)
	require.NoError(t, err)
	assert.Nil(t, miss)

	jobs := []models.JobRecord{{
		RawJob:    models.RawJob{Title: "Go Engineer", Company: "Acme", URL: "https://acme.test/1", Description: "Build services"},
		ScrapedAt: "2026-08-24T10:00:00Z",
		Platform:  "acme",
	}}
	require.NoError(t, cache.Put(hash, "https://acme.test/search", jobs))

	hit, err := cache.Get(hash)
	require.NoError(t, err)
	require.NotNil(t, hit)
	require.Len(t, hit.Jobs, 1)
	assert.Equal(t, "Go Engineer", hit.Jobs[0].Title)
	assert.Equal(t, "https://acme.test/search", hit.PageURL)
}

func TestParseJobs_TolerantOfCodeFences(t *testing.T) {
	e := &Extractor{logger: arbor.NewLogger()}

	raw := "```json\n[{\"title\":\"SRE\",\"company\":\"Hooli\",\"description\":\"Keep it running\"}]\n```"
	jobs, err := e.parseJobs(raw, "https://hooli.test/search", "hooli")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, "SRE", job.Title)
	assert.Equal(t, "https://hooli.test/search", job.URL, "missing url falls back to page url")
	assert.Equal(t, "hooli", job.Platform)
	assert.Equal(t, string(models.TierHeadless), job.SourceTier)
	assert.NotEmpty(t, job.ScrapedAt)
}

func TestParseJobs_DropsUntitledRows(t *testing.T) {
	e := &Extractor{logger: arbor.NewLogger()}

	jobs, err := e.parseJobs(`[{"title":"","company":"x"},{"title":"Real","company":"y"}]`, "u", "s")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestParseJobs_RejectsNonArray(t *testing.T) {
	e := &Extractor{logger: arbor.NewLogger()}

	_, err := e.parseJobs(`{"not":"an array"}`, "u", "s")
	assert.Error(t, err)
}
