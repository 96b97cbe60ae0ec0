package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
)

// Pool manages the browser sessions used for headless navigation.
// Sessions are handed out round-robin; exhausted sessions are replaced
// with fresh browser contexts transparently on acquire.
type Pool struct {
	mu          sync.Mutex
	sessions    []*Session
	allocCancel []context.CancelFunc
	config      common.HeadlessConfig
	paidMode    bool
	nextIndex   int
	nextID      int
	initialized bool
	logger      arbor.ILogger
}

// NewPool creates an uninitialized session pool
func NewPool(config common.HeadlessConfig, paidMode bool, logger arbor.ILogger) *Pool {
	return &Pool{
		config:   config,
		paidMode: paidMode,
		logger:   logger,
	}
}

// Concurrency returns the navigation fan-out: the configured ceiling in
// paid mode, capped at 2 in free mode, never above the pool size
func (p *Pool) Concurrency() int {
	limit := p.config.MaxConcurrency
	if !p.paidMode && limit > 2 {
		limit = 2
	}
	if size := p.Size(); limit > size {
		limit = size
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Init launches the browser instances. Partial success is tolerated as
// long as at least one browser starts.
func (p *Pool) Init(instances int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return fmt.Errorf("browser pool already initialized")
	}
	if instances <= 0 {
		return fmt.Errorf("browser pool size must be positive, got %d", instances)
	}

	p.logger.Info().
		Int("pool_size", instances).
		Bool("paid_mode", p.paidMode).
		Msg("Initializing browser session pool")

	var lastErr error
	for i := 0; i < instances; i++ {
		session, allocCancel, err := p.createSession()
		if err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Int("index", i).Msg("Browser instance failed to start")
			continue
		}
		p.sessions = append(p.sessions, session)
		p.allocCancel = append(p.allocCancel, allocCancel)
	}

	if len(p.sessions) == 0 {
		return fmt.Errorf("no browser instances could be started: %w", lastErr)
	}
	if len(p.sessions) < instances {
		p.logger.Warn().
			Int("requested", instances).
			Int("started", len(p.sessions)).
			Msg("Browser pool started with fewer instances than requested")
	}

	p.initialized = true
	return nil
}

// Acquire returns the next session, replacing it first if its budgets are
// spent
func (p *Pool) Acquire() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized || len(p.sessions) == 0 {
		return nil, fmt.Errorf("browser pool not initialized")
	}

	index := p.nextIndex % len(p.sessions)
	p.nextIndex = (p.nextIndex + 1) % len(p.sessions)

	session := p.sessions[index]
	if session.Exhausted() {
		p.logger.Debug().Int("session_id", session.id).Msg("Replacing exhausted browser session")
		session.close()
		p.allocCancel[index]()

		fresh, allocCancel, err := p.createSession()
		if err != nil {
			return nil, fmt.Errorf("failed to replace exhausted session: %w", err)
		}
		p.sessions[index] = fresh
		p.allocCancel[index] = allocCancel
		session = fresh
	}

	session.Use()
	return session, nil
}

// Size returns the current session count
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Shutdown closes every browser context
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return
	}

	done := make(chan struct{})
	go func() {
		for i, session := range p.sessions {
			session.close()
			p.allocCancel[i]()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		p.logger.Warn().Msg("Browser pool shutdown timed out")
	}

	p.sessions = nil
	p.allocCancel = nil
	p.initialized = false
	p.logger.Info().Msg("Browser session pool shut down")
}

// createSession starts one browser and verifies it responds. Caller holds
// the pool mutex.
func (p *Pool) createSession() (*Session, context.CancelFunc, error) {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", p.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(p.config.UserAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	p.nextID++
	session := newSession(browserCtx, browserCancel, p.nextID, p.paidMode)
	return session, allocatorCancel, nil
}
