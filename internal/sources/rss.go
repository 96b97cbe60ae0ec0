package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

const rssTimeout = 30 * time.Second

var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

// RSSConfig describes one RSS 2.0 job feed. The query keywords are
// substituted into FeedURL via the {keywords} and {location} placeholders.
type RSSConfig struct {
	Name      string
	Tier      models.SourceTier
	FeedURL   string
	UserAgent string
	Timeout   time.Duration // zero falls back to rssTimeout
}

// RSSAdapter fetches job listings from an RSS 2.0 feed
type RSSAdapter struct {
	config RSSConfig
	client *http.Client
	logger arbor.ILogger
}

// NewRSSAdapter creates an adapter for one RSS feed
func NewRSSAdapter(config RSSConfig, logger arbor.ILogger) *RSSAdapter {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = rssTimeout
	}
	return &RSSAdapter{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (a *RSSAdapter) Name() string            { return a.config.Name }
func (a *RSSAdapter) Tier() models.SourceTier { return a.config.Tier }

type rssFeed struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	Author      string `xml:"author"`
	Creator     string `xml:"creator"` // dc:creator in job feeds
	Location    string `xml:"location"`
	Company     string `xml:"company"`
}

// Fetch pulls the feed and maps items onto RawJobs
func (a *RSSAdapter) Fetch(ctx context.Context, query models.Query) models.SourceResult {
	start := time.Now()
	result := models.SourceResult{Source: a.config.Name, Tier: a.config.Tier}

	feedURL := strings.NewReplacer(
		"{keywords}", url.QueryEscape(query.Keywords),
		"{location}", url.QueryEscape(query.Location),
	).Replace(a.config.FeedURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		result.Err = fmt.Sprintf("failed to build request: %v", err)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")
	if a.config.UserAgent != "" {
		req.Header.Set("User-Agent", a.config.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		result.Err = fmt.Sprintf("feed request failed: %v", err)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Err = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	var feed rssFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		result.Err = fmt.Sprintf("failed to parse feed: %v", err)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	for _, item := range feed.Channel.Items {
		job := itemToJob(item)
		if job.Title == "" || job.URL == "" {
			continue
		}
		job.Source = a.config.Name
		job.SourceTier = string(a.config.Tier)
		result.Jobs = append(result.Jobs, job)
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// itemToJob normalizes one feed item. Job feeds commonly pack the company
// into the title as "Title at Company" or into dc:creator.
func itemToJob(item rssItem) models.RawJob {
	job := models.RawJob{
		Title:       strings.TrimSpace(item.Title),
		URL:         strings.TrimSpace(item.Link),
		Description: stripHTML(item.Description),
		PostedDate:  strings.TrimSpace(item.PubDate),
		Location:    strings.TrimSpace(item.Location),
		Company:     strings.TrimSpace(item.Company),
	}

	if job.Company == "" {
		job.Company = strings.TrimSpace(item.Creator)
	}
	if job.Company == "" {
		job.Company = strings.TrimSpace(item.Author)
	}
	if job.Company == "" {
		if idx := strings.LastIndex(job.Title, " at "); idx > 0 {
			job.Company = strings.TrimSpace(job.Title[idx+4:])
			job.Title = strings.TrimSpace(job.Title[:idx])
		}
	}
	return job
}

// stripHTML flattens feed description markup to text
func stripHTML(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	return strings.Join(strings.Fields(s), " ")
}
