package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

const httpBoardTimeout = 30 * time.Second

// HTTPBoardConfig describes one JSON job-board endpoint. Selectors are the
// goquery fallbacks used when the endpoint answers with HTML instead.
type HTTPBoardConfig struct {
	Name          string
	Tier          models.SourceTier
	BaseURL       string
	QueryParam    string
	LocationParam string
	UserAgent     string
	Timeout       time.Duration // zero falls back to httpBoardTimeout

	ItemSelector     string
	TitleSelector    string
	CompanySelector  string
	LocationSelector string
	LinkSelector     string
	DescSelector     string
}

// HTTPBoardAdapter fetches job listings from a board that serves JSON,
// falling back to HTML scraping when the response is not JSON
type HTTPBoardAdapter struct {
	config HTTPBoardConfig
	client *http.Client
	logger arbor.ILogger
}

// NewHTTPBoardAdapter creates an adapter for one HTTP job board
func NewHTTPBoardAdapter(config HTTPBoardConfig, logger arbor.ILogger) *HTTPBoardAdapter {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = httpBoardTimeout
	}
	return &HTTPBoardAdapter{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (a *HTTPBoardAdapter) Name() string            { return a.config.Name }
func (a *HTTPBoardAdapter) Tier() models.SourceTier { return a.config.Tier }

// Fetch queries the board and normalizes the response into RawJobs
func (a *HTTPBoardAdapter) Fetch(ctx context.Context, query models.Query) models.SourceResult {
	start := time.Now()
	result := models.SourceResult{Source: a.config.Name, Tier: a.config.Tier}

	endpoint, err := a.buildURL(query)
	if err != nil {
		result.Err = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		result.Err = fmt.Sprintf("failed to build request: %v", err)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}
	req.Header.Set("Accept", "application/json, text/html")
	if a.config.UserAgent != "" {
		req.Header.Set("User-Agent", a.config.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		result.Err = fmt.Sprintf("request failed: %v", err)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Err = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		result.Jobs, err = a.parseJSON(resp.Body)
	} else {
		result.Jobs, err = a.parseHTML(resp.Body)
	}
	if err != nil {
		result.Err = err.Error()
	}
	result.DurationMs = time.Since(start).Milliseconds()

	for i := range result.Jobs {
		result.Jobs[i].Source = a.config.Name
		result.Jobs[i].SourceTier = string(a.config.Tier)
	}
	return result
}

func (a *HTTPBoardAdapter) buildURL(query models.Query) (string, error) {
	u, err := url.Parse(a.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid board url %q: %w", a.config.BaseURL, err)
	}
	params := u.Query()
	if a.config.QueryParam != "" {
		params.Set(a.config.QueryParam, query.Keywords)
	}
	if a.config.LocationParam != "" && query.Location != "" {
		params.Set(a.config.LocationParam, query.Location)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// parseJSON accepts either a bare array or a {"jobs": [...]} envelope
func (a *HTTPBoardAdapter) parseJSON(body io.Reader) ([]models.RawJob, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var jobs []models.RawJob
	if err := json.Unmarshal(data, &jobs); err == nil {
		return jobs, nil
	}

	var envelope struct {
		Jobs []models.RawJob `json:"jobs"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unrecognized board response shape: %w", err)
	}
	return envelope.Jobs, nil
}

// parseHTML applies the configured selectors to an HTML listing page
func (a *HTTPBoardAdapter) parseHTML(body io.Reader) ([]models.RawJob, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse board html: %w", err)
	}

	var jobs []models.RawJob
	doc.Find(a.config.ItemSelector).Each(func(_ int, s *goquery.Selection) {
		job := models.RawJob{
			Title:       strings.TrimSpace(s.Find(a.config.TitleSelector).First().Text()),
			Company:     strings.TrimSpace(s.Find(a.config.CompanySelector).First().Text()),
			Location:    strings.TrimSpace(s.Find(a.config.LocationSelector).First().Text()),
			Description: strings.TrimSpace(s.Find(a.config.DescSelector).First().Text()),
		}
		if href, ok := s.Find(a.config.LinkSelector).First().Attr("href"); ok {
			job.URL = resolveHref(a.config.BaseURL, href)
		}
		if job.Title == "" || job.URL == "" {
			return
		}
		jobs = append(jobs, job)
	})
	return jobs, nil
}

// resolveHref makes relative listing links absolute against the board URL
func resolveHref(base, href string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(ref).String()
}
