package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

const (
	// validationRate throttles echo-endpoint probes during pool builds
	validationRate  = 10 // requests per second
	validationBurst = 5

	defaultEchoEndpoint = "https://httpbin.org/ip"
)

// paidProviders is the substring list used to classify a pool as paid.
// Matching is case-insensitive against the manual proxy URLs.
var paidProviders = []string{
	"webshare",
	"oxylabs",
	"brightdata",
	"smartproxy",
	"zyte",
	"residential",
	"iproyal",
	"soax",
	"netnut",
	"geonode",
}

// Alerter receives operator notifications on pool depletion
type Alerter interface {
	Dispatch(ctx context.Context, severity models.Severity, title, message string)
}

// Pool owns the validated proxy list. The active list is replaced
// atomically on revalidation; readers always see a complete pool.
type Pool struct {
	config  common.ProxyConfig
	logger  arbor.ILogger
	alerter Alerter

	client  *http.Client
	limiter *rate.Limiter

	mu     sync.RWMutex
	active []models.ValidatedProxy
	class  models.PoolClass
	realIP string

	cancelRefresh context.CancelFunc
	refreshDone   chan struct{}

	fetchFreeList func(ctx context.Context) ([]string, error)
}

// NewPool creates an empty pool; call BuildInitialPool before use
func NewPool(config common.ProxyConfig, logger arbor.ILogger, alerter Alerter) *Pool {
	if config.EchoEndpoint == "" {
		config.EchoEndpoint = defaultEchoEndpoint
	}
	return &Pool{
		config:        config,
		logger:        logger,
		alerter:       alerter,
		client:        &http.Client{Timeout: 15 * time.Second},
		limiter:       rate.NewLimiter(rate.Limit(validationRate), validationBurst),
		class:         ClassifyPool(config.URLs),
		fetchFreeList: fetchFreeList,
	}
}

// ClassifyPool returns paid when any manual URL names a known paid
// provider. An empty manual list is always free.
func ClassifyPool(urls []string) models.PoolClass {
	for _, u := range urls {
		lower := strings.ToLower(u)
		for _, provider := range paidProviders {
			if strings.Contains(lower, provider) {
				return models.PoolPaid
			}
		}
	}
	return models.PoolFree
}

// BuildInitialPool validates the manual list, tops up from the free
// aggregator when short, and aborts when the floor cannot be reached.
func (p *Pool) BuildInitialPool(ctx context.Context) error {
	p.detectRealIP(ctx)

	candidates := make([]candidate, 0, len(p.config.URLs))
	for _, raw := range p.config.URLs {
		c, err := parseProxyURL(raw, "manual")
		if err != nil {
			p.logger.Warn().Err(err).Str("url", raw).Msg("Skipping unparseable manual proxy")
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) < p.config.MinCount {
		free, err := p.fetchFreeList(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Free-list fetch failed during initial build")
		}
		for _, raw := range free {
			if c, err := parseProxyURL(raw, "free-list"); err == nil {
				candidates = append(candidates, c)
			}
		}
	}

	validated := p.validateAll(ctx, candidates)
	if len(validated) < p.config.MinCount {
		return fmt.Errorf("proxy pool below minimum after validation: %d < %d",
			len(validated), p.config.MinCount)
	}

	p.mu.Lock()
	p.active = validated
	p.mu.Unlock()

	p.logger.Info().
		Int("pool_size", len(validated)).
		Str("class", string(p.class)).
		Msg("Initial proxy pool built")
	return nil
}

// Revalidate retests every active proxy, drops failures, tops up from the
// free list when short, and alerts critically on depletion
func (p *Pool) Revalidate(ctx context.Context) {
	p.mu.RLock()
	current := make([]candidate, 0, len(p.active))
	for _, v := range p.active {
		current = append(current, candidate{url: v.URL, host: v.Host, port: v.Port, protocol: v.Protocol, source: v.Source})
	}
	p.mu.RUnlock()

	validated := p.validateAll(ctx, current)
	dropped := len(current) - len(validated)

	if len(validated) < p.config.MinCount {
		free, err := p.fetchFreeList(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Free-list fetch failed during revalidation")
		}
		topUp := make([]candidate, 0, len(free))
		for _, raw := range free {
			if c, err := parseProxyURL(raw, "free-list"); err == nil && !containsHost(validated, c) {
				topUp = append(topUp, c)
			}
		}
		validated = append(validated, p.validateAll(ctx, topUp)...)
		sort.Slice(validated, func(i, j int) bool {
			return validated[i].ResponseTimeMs < validated[j].ResponseTimeMs
		})
	}

	p.mu.Lock()
	p.active = validated
	p.mu.Unlock()

	p.logger.Info().
		Int("pool_size", len(validated)).
		Int("dropped", dropped).
		Msg("Proxy pool revalidated")

	if len(validated) < p.config.MinCount && p.alerter != nil {
		p.alerter.Dispatch(ctx, models.SeverityCritical, "Proxy pool depleted",
			fmt.Sprintf("%d proxies remaining after revalidation and top-up (minimum %d)",
				len(validated), p.config.MinCount))
	}
}

// StartRefresh launches the background revalidation timer
func (p *Pool) StartRefresh() {
	interval := time.Duration(p.config.RefreshIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancelRefresh = cancel
	p.refreshDone = make(chan struct{})

	common.SafeGo(p.logger, "proxy-refresh", func() {
		defer close(p.refreshDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Revalidate(ctx)
			}
		}
	})
}

// Stop halts background revalidation
func (p *Pool) Stop() {
	if p.cancelRefresh != nil {
		p.cancelRefresh()
		<-p.refreshDone
	}
}

// Class reports the paid/free classification of the configured pool
func (p *Pool) Class() models.PoolClass {
	return p.class
}

// HasPaid reports whether the pool is classified paid
func (p *Pool) HasPaid() bool {
	return p.class == models.PoolPaid
}

// Size returns the current active pool size
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

// Active returns a copy of the pool sorted fastest-first
func (p *Pool) Active() []models.ValidatedProxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.ValidatedProxy, len(p.active))
	copy(out, p.active)
	return out
}

type candidate struct {
	url      string
	host     string
	port     int
	protocol string
	source   string
}

// validateAll probes each candidate through the echo endpoint, keeping
// accepts sorted by response time ascending
func (p *Pool) validateAll(ctx context.Context, candidates []candidate) []models.ValidatedProxy {
	validated := make([]models.ValidatedProxy, 0, len(candidates))
	for _, c := range candidates {
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}
		if v, ok := p.validate(ctx, c); ok {
			validated = append(validated, v)
		}
	}
	sort.Slice(validated, func(i, j int) bool {
		return validated[i].ResponseTimeMs < validated[j].ResponseTimeMs
	})
	return validated
}

// validate issues a timed request through the proxy to the echo endpoint.
// Accept on 200, latency within ceiling, and, for free-list proxies, an
// echoed origin that differs from the real IP. Manual proxies skip the
// anonymity filter.
func (p *Pool) validate(ctx context.Context, c candidate) (models.ValidatedProxy, bool) {
	proxyURL, err := url.Parse(c.url)
	if err != nil {
		return models.ValidatedProxy{}, false
	}

	client := &http.Client{
		Timeout:   p.client.Timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.EchoEndpoint, nil)
	if err != nil {
		return models.ValidatedProxy{}, false
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return models.ValidatedProxy{}, false
	}
	defer resp.Body.Close()
	elapsed := time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		return models.ValidatedProxy{}, false
	}
	if p.config.MaxResponseTimeMs > 0 && elapsed > int64(p.config.MaxResponseTimeMs) {
		return models.ValidatedProxy{}, false
	}

	origin := parseEchoOrigin(resp.Body)
	anonymity := models.AnonymityUnknown
	if origin != "" && p.realIP != "" {
		if origin == p.realIP {
			anonymity = models.AnonymityTransparent
		} else {
			anonymity = models.AnonymityAnonymous
		}
	}
	if c.source != "manual" && anonymity == models.AnonymityTransparent {
		return models.ValidatedProxy{}, false
	}

	return models.ValidatedProxy{
		URL:            c.url,
		Host:           c.host,
		Port:           c.port,
		Protocol:       c.protocol,
		Source:         c.source,
		ResponseTimeMs: elapsed,
		Anonymity:      anonymity,
	}, true
}

// detectRealIP queries the echo endpoint directly so the anonymity filter
// has a baseline. Failure leaves realIP empty and the filter disabled.
func (p *Pool) detectRealIP(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.EchoEndpoint, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Real IP detection failed; anonymity filter disabled")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		p.realIP = parseEchoOrigin(resp.Body)
	}
}

// parseEchoOrigin reads an httpbin-style {"origin": "1.2.3.4"} body,
// falling back to treating the body as a bare IP
func parseEchoOrigin(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var echo struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(data, &echo); err == nil && echo.Origin != "" {
		// httpbin reports comma-joined hops for some proxies
		return strings.TrimSpace(strings.Split(echo.Origin, ",")[0])
	}
	return strings.TrimSpace(string(data))
}

// parseProxyURL accepts scheme://host:port or bare host:port forms
func parseProxyURL(raw, source string) (candidate, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return candidate{}, fmt.Errorf("invalid proxy url %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return candidate{}, fmt.Errorf("proxy url %q has no host", raw)
	}
	port := 0
	if u.Port() != "" {
		port, err = strconv.Atoi(u.Port())
		if err != nil {
			return candidate{}, fmt.Errorf("proxy url %q has invalid port: %w", raw, err)
		}
	}
	return candidate{
		url:      raw,
		host:     u.Hostname(),
		port:     port,
		protocol: u.Scheme,
		source:   source,
	}, nil
}

func containsHost(pool []models.ValidatedProxy, c candidate) bool {
	for _, v := range pool {
		if v.Host == c.host && v.Port == c.port {
			return true
		}
	}
	return false
}
