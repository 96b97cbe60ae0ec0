package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

const extractionPrompt = `You are a job-listing extraction engine. The input is the markdown rendering of a job-board search results page. Extract every distinct job posting into a JSON array. Each element must have these string fields: title, company, location, description, url, salary, job_type, posted_date. Use "" for anything the page does not state. Respond with the JSON array only, no prose and no code fences.`

// maxContentChars bounds the markdown handed to the model per page
const maxContentChars = 60000

var codeFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// Extractor turns raw page HTML into JobRecords through a Claude
// completion, with a content-hash cache in front of the API
type Extractor struct {
	client    anthropic.Client
	converter *md.Converter
	cache     *Cache
	model     string
	maxTokens int
	timeout   time.Duration
	logger    arbor.ILogger
}

// NewExtractor creates the extraction collaborator. cache may be nil to
// disable caching.
func NewExtractor(config common.ExtractConfig, cache *Cache, logger arbor.ILogger) (*Extractor, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("extraction requires an Anthropic API key (set ANTHROPIC_API_KEY)")
	}

	model := config.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	client := anthropic.NewClient(
		option.WithAPIKey(config.APIKey),
	)

	logger.Debug().
		Str("model", model).
		Int("max_tokens", maxTokens).
		Dur("timeout", timeout).
		Bool("cache", cache != nil).
		Msg("Extraction service initialized")

	return &Extractor{
		client:    client,
		converter: md.NewConverter("", true, nil),
		cache:     cache,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Extract converts a page into JobRecords. The HTML is reduced to
// markdown first; identical content hits the cache instead of the API.
func (e *Extractor) Extract(ctx context.Context, html, pageURL, sourceLabel string) ([]models.JobRecord, error) {
	content, err := e.preprocess(html, pageURL)
	if err != nil {
		return nil, err
	}

	hash := ContentHash(content)
	if e.cache != nil {
		cached, err := e.cache.Get(hash)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Extraction cache read failed; calling API")
		} else if cached != nil {
			e.logger.Debug().
				Str("url", pageURL).
				Int("jobs", len(cached.Jobs)).
				Msg("Extraction cache hit")
			return cached.Jobs, nil
		}
	}

	start := time.Now()
	raw, err := e.complete(ctx, content)
	if err != nil {
		return nil, err
	}

	jobs, err := e.parseJobs(raw, pageURL, sourceLabel)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("url", pageURL).
		Str("source", sourceLabel).
		Int("jobs", len(jobs)).
		Dur("duration", time.Since(start)).
		Msg("Page extraction completed")

	if e.cache != nil {
		if err := e.cache.Put(hash, pageURL, jobs); err != nil {
			e.logger.Warn().Err(err).Msg("Extraction cache write failed")
		}
	}
	return jobs, nil
}

// preprocess renders the HTML to markdown and truncates to the content cap
func (e *Extractor) preprocess(html, pageURL string) (string, error) {
	content, err := e.converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("markdown conversion failed for %s: %w", pageURL, err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("page %s produced no extractable content", pageURL)
	}
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}
	return content, nil
}

func (e *Extractor) complete(ctx context.Context, content string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Messages.New(timeoutCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: int64(e.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: extractionPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(content)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("extraction completion failed: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("extraction completion returned no text")
	}
	return out.String(), nil
}

// parseJobs decodes the model response, tolerating stray code fences, and
// promotes rows to stamped JobRecords
func (e *Extractor) parseJobs(raw, pageURL, sourceLabel string) ([]models.JobRecord, error) {
	raw = strings.TrimSpace(raw)
	if m := codeFencePattern.FindStringSubmatch(raw); m != nil {
		raw = strings.TrimSpace(m[1])
	}

	var rows []models.RawJob
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, fmt.Errorf("extraction response is not a job array: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	jobs := make([]models.JobRecord, 0, len(rows))
	for _, row := range rows {
		if row.Title == "" {
			continue
		}
		if row.URL == "" {
			row.URL = pageURL
		}
		row.Source = sourceLabel
		row.SourceTier = string(models.TierHeadless)
		jobs = append(jobs, models.JobRecord{
			RawJob:    row,
			ScrapedAt: now,
			Platform:  sourceLabel,
		})
	}
	return jobs, nil
}
