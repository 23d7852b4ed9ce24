// Package browser maintains a bounded pool of reusable headless browser
// contexts and the global concurrency cap scrape tasks run under.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// acquirePollInterval is how often a blocked acquire re-checks the pool
// when every context slot is taken.
const acquirePollInterval = 100 * time.Millisecond

// Manager is the capability set scrape code depends on. Pool is the
// production implementation.
type Manager interface {
	AcquireContext(ctx context.Context) (*Context, error)
	ReleaseContext(c *Context)
	RunBounded(ctx context.Context, op func() error) error
	Available() int
	Metrics() Metrics
}

// Metrics is a point-in-time snapshot of pool counters.
type Metrics struct {
	ContextsCreated      int64 `json:"contexts_created"`
	ContextsReused       int64 `json:"contexts_reused"`
	InPool               int   `json:"in_pool"`
	InUse                int   `json:"in_use"`
	MaxConcurrentReached int64 `json:"max_concurrent_reached"`
}

// session abstracts the lifetime operations of one isolated browser
// context so the pool logic is testable without a browser.
type session interface {
	closePages() error
	dispose() error
}

// Context is one isolated browsing context. Contexts are never shared
// concurrently; the pool hands each one to a single task at a time.
type Context struct {
	sess session
}

// Browser returns the underlying rod browser for page creation. It is nil
// for fake sessions in tests.
func (c *Context) Browser() *rod.Browser {
	if rs, ok := c.sess.(*rodSession); ok {
		return rs.incognito
	}
	return nil
}

type rodSession struct {
	parent    *rod.Browser
	incognito *rod.Browser
}

func (s *rodSession) closePages() error {
	pages, err := s.incognito.Pages()
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	for _, page := range pages {
		if err := page.Close(); err != nil {
			return fmt.Errorf("close page: %w", err)
		}
	}
	return nil
}

func (s *rodSession) dispose() error {
	return proto.TargetDisposeBrowserContext{
		BrowserContextID: s.incognito.BrowserContextID,
	}.Call(s.parent)
}

// Config controls pool sizing and the browser endpoint.
type Config struct {
	MaxContexts   int
	MaxConcurrent int
	ControlURL    string
}

// Pool implements Manager over one shared rod browser. Each Context wraps
// an incognito browser context of that browser.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	idle  []*Context
	inUse int

	sem        *semaphore.Weighted
	concMu     sync.Mutex
	concurrent int64

	created              int64
	reused               int64
	maxConcurrentReached int64

	browser *rod.Browser

	// newSession is swapped out in tests.
	newSession func() (session, error)
}

func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if cfg.MaxContexts < 1 {
		cfg.MaxContexts = 5
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 3
	}
	return &Pool{
		cfg:    cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Start connects to the browser. With an empty ControlURL rod launches a
// local headless browser.
func (p *Pool) Start(ctx context.Context) error {
	b := rod.New().Context(ctx)
	if p.cfg.ControlURL != "" {
		b = b.ControlURL(p.cfg.ControlURL)
	}
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	p.browser = b
	p.newSession = func() (session, error) {
		incog, err := b.Incognito()
		if err != nil {
			return nil, fmt.Errorf("create browser context: %w", err)
		}
		return &rodSession{parent: b, incognito: incog}, nil
	}
	p.logger.Info("browser pool started",
		zap.Int("max_contexts", p.cfg.MaxContexts),
		zap.Int("max_concurrent", p.cfg.MaxConcurrent))
	return nil
}

// Close disposes all idle contexts and shuts the browser down.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		if err := c.sess.dispose(); err != nil {
			p.logger.Warn("dispose context", zap.Error(err))
		}
	}
	if p.browser != nil {
		return p.browser.Close()
	}
	return nil
}

// AcquireContext returns an idle context, or creates one while the total
// stays under MaxContexts. When the cap is reached it polls until a
// release frees a slot or ctx is done.
func (p *Pool) AcquireContext(ctx context.Context) (*Context, error) {
	for {
		p.mu.Lock()
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.inUse++
			p.reused++
			p.mu.Unlock()
			return c, nil
		}
		if len(p.idle)+p.inUse < p.cfg.MaxContexts {
			p.inUse++
			p.created++
			factory := p.newSession
			p.mu.Unlock()

			sess, err := factory()
			if err != nil {
				p.mu.Lock()
				p.inUse--
				p.created--
				p.mu.Unlock()
				return nil, err
			}
			return &Context{sess: sess}, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// ReleaseContext closes the context's open pages and either parks it for
// reuse or disposes it. Keeping the idle list under half of MaxContexts
// bounds steady-state memory while still absorbing bursts.
func (p *Pool) ReleaseContext(c *Context) {
	if c == nil {
		return
	}
	if err := c.sess.closePages(); err != nil {
		p.logger.Warn("close pages on release", zap.Error(err))
		p.discard(c)
		return
	}

	p.mu.Lock()
	if len(p.idle) < p.cfg.MaxContexts/2 {
		p.idle = append(p.idle, c)
		p.inUse--
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.discard(c)
}

func (p *Pool) discard(c *Context) {
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
	if err := c.sess.dispose(); err != nil {
		p.logger.Warn("dispose context", zap.Error(err))
	}
}

// RunBounded runs op while holding one slot of the global concurrency
// semaphore.
func (p *Pool) RunBounded(ctx context.Context, op func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.concMu.Lock()
	p.concurrent++
	if p.concurrent > p.maxConcurrentReached {
		p.maxConcurrentReached = p.concurrent
	}
	p.concMu.Unlock()
	defer func() {
		p.concMu.Lock()
		p.concurrent--
		p.concMu.Unlock()
	}()

	return op()
}

// Available reports how many context slots are not currently in use.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxContexts - p.inUse
}

func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.concMu.Lock()
	reached := p.maxConcurrentReached
	p.concMu.Unlock()
	return Metrics{
		ContextsCreated:      p.created,
		ContextsReused:       p.reused,
		InPool:               len(p.idle),
		InUse:                p.inUse,
		MaxConcurrentReached: reached,
	}
}
