package headless

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

func TestGotoTimeout_ByRiskLevel(t *testing.T) {
	assert.Equal(t, 60*time.Second, gotoTimeout(models.RiskHigh))
	assert.Equal(t, 45*time.Second, gotoTimeout(models.RiskMedium))
	assert.Equal(t, 30*time.Second, gotoTimeout(models.RiskLow))
	assert.Equal(t, 30*time.Second, gotoTimeout(""), "unknown risk falls back to the low timeout")
}

func TestDomainOf(t *testing.T) {
	domain, err := domainOf("https://www.linkedin.com/jobs/search?keywords=go")
	require.NoError(t, err)
	assert.Equal(t, "www.linkedin.com", domain)

	_, err = domainOf("not a url://")
	assert.Error(t, err)
}

func TestShouldAbort_TrackingAlwaysBlocked(t *testing.T) {
	assert.True(t, shouldAbort("https://www.google-analytics.com/collect", network.ResourceTypeScript, false))
	assert.True(t, shouldAbort("https://cdn.Hotjar.com/h.js", network.ResourceTypeScript, true))
	assert.False(t, shouldAbort("https://jobs.example.com/api/search", network.ResourceTypeXHR, false))
}

func TestShouldAbort_HeavyResourcesOnlyInPaidMode(t *testing.T) {
	url := "https://jobs.example.com/logo.png"

	assert.False(t, shouldAbort(url, network.ResourceTypeImage, false))
	assert.True(t, shouldAbort(url, network.ResourceTypeImage, true))
	assert.True(t, shouldAbort(url, network.ResourceTypeStylesheet, true))
	assert.True(t, shouldAbort(url, network.ResourceTypeFont, true))
	assert.False(t, shouldAbort(url, network.ResourceTypeDocument, true))
}

func TestSession_UsageBudget(t *testing.T) {
	paid := newSession(context.Background(), nil, 1, true)
	free := newSession(context.Background(), nil, 2, false)

	for i := 0; i < maxUsesFree; i++ {
		paid.Use()
		free.Use()
	}
	assert.False(t, paid.Exhausted(), "paid session has 30-use budget")
	assert.True(t, free.Exhausted(), "free session exhausts at 10 uses")

	for i := maxUsesFree; i < maxUsesPaid; i++ {
		paid.Use()
	}
	assert.True(t, paid.Exhausted())
}

func TestSession_ErrorScoreRetires(t *testing.T) {
	s := newSession(context.Background(), nil, 1, true)

	s.AddError()
	assert.False(t, s.Exhausted())
	s.AddError()
	assert.True(t, s.Exhausted(), "error score 2 retires the session")
}

func TestSession_RetireIsImmediate(t *testing.T) {
	s := newSession(context.Background(), nil, 1, true)

	s.Retire()
	assert.True(t, s.Exhausted())
}

func TestPool_ConcurrencyBounds(t *testing.T) {
	config := common.HeadlessConfig{MaxConcurrency: 5}

	paid := NewPool(config, true, arbor.NewLogger())
	paid.sessions = make([]*Session, 8)
	paid.initialized = true
	assert.Equal(t, 5, paid.Concurrency(), "paid mode uses the configured ceiling")

	free := NewPool(config, false, arbor.NewLogger())
	free.sessions = make([]*Session, 8)
	free.initialized = true
	assert.Equal(t, 2, free.Concurrency(), "free mode caps at 2")

	small := NewPool(config, true, arbor.NewLogger())
	small.sessions = make([]*Session, 3)
	small.initialized = true
	assert.Equal(t, 3, small.Concurrency(), "pool size bounds the fan-out")
}
