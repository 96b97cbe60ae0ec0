package ratelimit

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

// Profiles resolves the politeness profile for a host. Built-in profiles
// cover the well-known bot-protected boards; everything else gets the
// default profile. A YAML overlay file can override or extend both.
type Profiles struct {
	mu       sync.RWMutex
	byDomain map[string]models.RateLimitConfig
	fallback models.RateLimitConfig
}

// builtinProfiles carry the risk classification for hosts that are known to
// block aggressively. Keys match the registrable domain (subdomains resolve
// via suffix match).
func builtinProfiles() map[string]models.RateLimitConfig {
	high := models.RateLimitConfig{
		MaxRequestsPerMinute:    6,
		MinDelayMs:              8000,
		JitterMs:                4000,
		MaxConcurrentPerDomain:  1,
		RiskLevel:               models.RiskHigh,
		BusinessHoursMultiplier: 1.5,
		BackoffMultiplier:       2.0,
		MaxBackoffMs:            300000,
	}
	medium := models.RateLimitConfig{
		MaxRequestsPerMinute:    15,
		MinDelayMs:              3000,
		JitterMs:                2000,
		MaxConcurrentPerDomain:  2,
		RiskLevel:               models.RiskMedium,
		BusinessHoursMultiplier: 1.25,
		BackoffMultiplier:       2.0,
		MaxBackoffMs:            180000,
	}

	return map[string]models.RateLimitConfig{
		"linkedin.com":     high,
		"indeed.com":       high,
		"glassdoor.com":    high,
		"seek.com.au":      medium,
		"ziprecruiter.com": medium,
		"monster.com":      medium,
	}
}

func defaultProfile() models.RateLimitConfig {
	return models.RateLimitConfig{
		MaxRequestsPerMinute:    20,
		MinDelayMs:              2000,
		JitterMs:                1500,
		MaxConcurrentPerDomain:  3,
		RiskLevel:               models.RiskLow,
		BusinessHoursMultiplier: 1.0,
		BackoffMultiplier:       2.0,
		MaxBackoffMs:            120000,
	}
}

// NewProfiles builds the profile table, applying the global env overrides
// (BASE_DELAY_MS / RANDOM_DELAY_RANGE_MS / backoff tuning) on top of every
// profile, then the optional YAML overlay file on top of that.
func NewProfiles(env common.RateLimitEnv) (*Profiles, error) {
	p := &Profiles{
		byDomain: builtinProfiles(),
		fallback: defaultProfile(),
	}

	applyEnv := func(cfg *models.RateLimitConfig) {
		if env.BaseDelayMs > 0 {
			cfg.MinDelayMs = env.BaseDelayMs
		}
		if env.RandomDelayRangeMs > 0 {
			cfg.JitterMs = env.RandomDelayRangeMs
		}
		if env.BackoffMultiplier > 0 {
			cfg.BackoffMultiplier = env.BackoffMultiplier
		}
	}
	for domain, cfg := range p.byDomain {
		applyEnv(&cfg)
		p.byDomain[domain] = cfg
	}
	applyEnv(&p.fallback)

	if env.ProfilesFile != "" {
		if err := p.loadOverlay(env.ProfilesFile); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// loadOverlay merges a YAML file of domain -> profile entries. A "default"
// key replaces the fallback profile.
func (p *Profiles) loadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rate profiles file %s: %w", path, err)
	}

	var overlay map[string]models.RateLimitConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse rate profiles file %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for domain, cfg := range overlay {
		if domain == "default" {
			p.fallback = cfg
			continue
		}
		p.byDomain[strings.ToLower(domain)] = cfg
	}
	return nil
}

// Get resolves the profile for a host, matching subdomains against
// registered profile domains by suffix
func (p *Profiles) Get(domain string) models.RateLimitConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()

	domain = strings.ToLower(domain)
	if cfg, ok := p.byDomain[domain]; ok {
		return cfg
	}
	for registered, cfg := range p.byDomain {
		if strings.HasSuffix(domain, "."+registered) {
			return cfg
		}
	}
	return p.fallback
}
