package headless

import (
	"context"
	"net/url"
	"strings"

	"github.com/ternarybob/colligo/internal/models"
)

// SeedTemplate formats a search URL for one headless source. {keywords}
// and {location} placeholders are substituted URL-escaped.
type SeedTemplate struct {
	Source      string
	URLTemplate string
}

// DefaultSeedTemplates covers the bot-protected boards the non-headless
// tiers cannot reach
var DefaultSeedTemplates = []SeedTemplate{
	{Source: "linkedin", URLTemplate: "https://www.linkedin.com/jobs/search?keywords={keywords}&location={location}"},
	{Source: "indeed", URLTemplate: "https://www.indeed.com/jobs?q={keywords}&l={location}"},
	{Source: "glassdoor", URLTemplate: "https://www.glassdoor.com/Job/jobs.htm?sc.keyword={keywords}"},
}

// Tier adapts the controller to the orchestrator's escalation hook
type Tier struct {
	controller *Controller
	templates  []SeedTemplate
}

// NewTier builds the escalation tier over the controller
func NewTier(controller *Controller, templates []SeedTemplate) *Tier {
	if len(templates) == 0 {
		templates = DefaultSeedTemplates
	}
	return &Tier{controller: controller, templates: templates}
}

// Collect expands every (template, query) pair into a seed and runs the
// controller, feeding extracted jobs into save
func (t *Tier) Collect(ctx context.Context, queries []models.Query, save func(ctx context.Context, job models.JobRecord)) {
	seeds := make([]Seed, 0, len(t.templates)*len(queries))
	for _, template := range t.templates {
		for _, query := range queries {
			seeds = append(seeds, Seed{
				URL:    expandTemplate(template.URLTemplate, query),
				Source: template.Source,
			})
		}
	}
	t.controller.Run(ctx, seeds, SaveFunc(save))
}

func expandTemplate(template string, query models.Query) string {
	return strings.NewReplacer(
		"{keywords}", url.QueryEscape(query.Keywords),
		"{location}", url.QueryEscape(query.Location),
	).Replace(template)
}
