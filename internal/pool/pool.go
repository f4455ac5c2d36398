// Package pool keeps one health-checked HTTP connection per origin.
//
// All pool state lives in a single map guarded by one mutex. Callers get
// snapshot copies from Stats and Connections and never hold the lock across
// their own work.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool: closed")
	ErrBadOrigin  = errors.New("pool: origin must be scheme://host")
)

const (
	// sampleWindow is how many recent outcomes feed the error rate.
	sampleWindow = 20
	// maxErrorRate above which a connection is unhealthy.
	maxErrorRate = 0.5
)

// Config configures a Pool.
type Config struct {
	MaxConnections      int
	KeepaliveExpiry     time.Duration
	HealthCheckInterval time.Duration
	Timeout             time.Duration
	// MinSamples is the number of recent requests needed before the error
	// rate is trusted.
	MinSamples int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConnections:      100,
		KeepaliveExpiry:     30 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		Timeout:             30 * time.Second,
		MinSamples:          5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.KeepaliveExpiry <= 0 {
		c.KeepaliveExpiry = d.KeepaliveExpiry
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
}

// ConnInfo is a snapshot of one pooled connection.
type ConnInfo struct {
	Origin          string        `json:"origin"`
	RequestCount    int64         `json:"requestCount"`
	ErrorCount      int64         `json:"errorCount"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	CreatedAt       time.Time     `json:"createdAt"`
	LastUsed        time.Time     `json:"lastUsed"`
	Active          int           `json:"active"`
	Healthy         bool          `json:"healthy"`
}

// Stats is a snapshot of pool-wide counters.
type Stats struct {
	TotalConnections  int   `json:"totalConnections"`
	ActiveConnections int   `json:"activeConnections"`
	IdleConnections   int   `json:"idleConnections"`
	TotalRequests     int64 `json:"totalRequests"`
	TotalErrors       int64 `json:"totalErrors"`
	Created           int64 `json:"created"`
	Evicted           int64 `json:"evicted"`
	Waiting           int   `json:"waiting"`
}

// Conn is a pooled connection to one origin. Return it with Release.
type Conn struct {
	origin    string
	client    *http.Client
	transport *http.Transport
	createdAt time.Time

	// Guarded by Pool.mu.
	active        int
	lastUsed      time.Time
	requests      int64
	errors        int64
	outcomes      []bool
	responseTimes []time.Duration
	healthy       bool
	evicted       bool
}

// Origin returns the scheme://host this connection serves.
func (c *Conn) Origin() string { return c.origin }

// Client returns an http.Client bound to this connection's transport.
func (c *Conn) Client() *http.Client { return c.client }

func (c *Conn) errorRate() float64 {
	if len(c.outcomes) == 0 {
		return 0
	}
	var failed int
	for _, ok := range c.outcomes {
		if !ok {
			failed++
		}
	}
	return float64(failed) / float64(len(c.outcomes))
}

// Pool manages per-origin connections.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	conns   map[string]*Conn
	changed chan struct{} // closed and replaced whenever a slot may have freed
	waiting int
	created int64
	evicted int64
	closed  bool
	started bool

	stop chan struct{}
	done chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool. Call Start to run the health loop.
func New(cfg Config, opts ...Option) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:     cfg,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
		conns:   make(map[string]*Conn),
		changed: make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the background health-check loop. Safe to call twice.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	go p.healthLoop()
}

func (p *Pool) healthLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeCheck()
		}
	}
}

func (p *Pool) safeCheck() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in pool health check", "panic", fmt.Sprint(r))
		}
	}()
	p.CheckHealth()
}

// Close stops the health loop, waits for it to exit and closes every
// connection. Blocked Acquire calls return ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	for origin, c := range p.conns {
		c.transport.CloseIdleConnections()
		delete(p.conns, origin)
	}
	p.notifyLocked()
	p.mu.Unlock()

	close(p.stop)
	if started {
		<-p.done
	}
	return nil
}

// OriginOf reduces a URL to the scheme://host key the pool uses.
func OriginOf(req *http.Request) (string, error) {
	if req.URL == nil || req.URL.Scheme == "" || req.URL.Host == "" {
		return "", ErrBadOrigin
	}
	return req.URL.Scheme + "://" + req.URL.Host, nil
}

// Acquire returns the connection for origin, creating it if needed. At
// capacity it evicts the least recently used idle connection; when every
// connection is active it blocks until one is released or ctx ends.
func (p *Pool) Acquire(ctx context.Context, origin string) (*Conn, error) {
	if origin == "" {
		return nil, ErrBadOrigin
	}

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		now := p.now()
		if c, ok := p.conns[origin]; ok {
			if c.active == 0 && (now.Sub(c.lastUsed) >= p.cfg.KeepaliveExpiry || !c.healthy) {
				p.evictLocked(c, "recycled")
			} else {
				c.active++
				c.lastUsed = now
				p.mu.Unlock()
				return c, nil
			}
		}

		if len(p.conns) < p.cfg.MaxConnections {
			c := p.newConnLocked(origin, now)
			p.mu.Unlock()
			return c, nil
		}

		if victim := p.lruIdleLocked(); victim != nil {
			p.evictLocked(victim, "capacity")
			continue
		}

		// All connections are active: wait for a release.
		wait := p.changed
		p.waiting++
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			return nil, ctx.Err()
		case <-wait:
		}

		p.mu.Lock()
		p.waiting--
	}
}

func (p *Pool) newConnLocked(origin string, now time.Time) *Conn {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   p.cfg.Timeout,
			KeepAlive: p.cfg.KeepaliveExpiry,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       p.cfg.KeepaliveExpiry,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	c := &Conn{
		origin:    origin,
		transport: tr,
		client:    &http.Client{Transport: tr, Timeout: p.cfg.Timeout},
		createdAt: now,
		lastUsed:  now,
		active:    1,
		healthy:   true,
	}
	p.conns[origin] = c
	p.created++
	p.logger.Debug("pool connection created", "origin", origin)
	return c
}

func (p *Pool) lruIdleLocked() *Conn {
	var victim *Conn
	for _, c := range p.conns {
		if c.active > 0 {
			continue
		}
		if victim == nil || c.lastUsed.Before(victim.lastUsed) {
			victim = c
		}
	}
	return victim
}

func (p *Pool) evictLocked(c *Conn, reason string) {
	delete(p.conns, c.origin)
	c.evicted = true
	c.transport.CloseIdleConnections()
	p.evicted++
	p.notifyLocked()
	p.logger.Debug("pool connection evicted", "origin", c.origin, "reason", reason)
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Release returns a connection acquired with Acquire and records the
// request outcome.
func (p *Pool) Release(c *Conn, success bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.active > 0 {
		c.active--
	}
	c.lastUsed = p.now()
	c.requests++
	if !success {
		c.errors++
	}
	c.outcomes = append(c.outcomes, success)
	if len(c.outcomes) > sampleWindow {
		c.outcomes = c.outcomes[len(c.outcomes)-sampleWindow:]
	}
	c.responseTimes = append(c.responseTimes, elapsed)
	if len(c.responseTimes) > sampleWindow {
		c.responseTimes = c.responseTimes[len(c.responseTimes)-sampleWindow:]
	}
	if len(c.outcomes) >= p.cfg.MinSamples && c.errorRate() > maxErrorRate {
		c.healthy = false
	}

	if c.evicted && c.active == 0 {
		c.transport.CloseIdleConnections()
	}
	p.notifyLocked()
}

// CheckHealth evicts idle connections that are unhealthy or have been idle
// longer than twice the keepalive expiry. Active ones are only marked.
func (p *Pool) CheckHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, c := range p.conns {
		unhealthy := len(c.outcomes) >= p.cfg.MinSamples && c.errorRate() > maxErrorRate
		if unhealthy {
			c.healthy = false
		}
		if c.active > 0 {
			continue
		}
		switch {
		case !c.healthy:
			p.evictLocked(c, "error_rate")
		case now.Sub(c.lastUsed) > 2*p.cfg.KeepaliveExpiry:
			p.evictLocked(c, "idle")
		}
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		TotalConnections: len(p.conns),
		Created:          p.created,
		Evicted:          p.evicted,
		Waiting:          p.waiting,
	}
	for _, c := range p.conns {
		if c.active > 0 {
			s.ActiveConnections++
		} else {
			s.IdleConnections++
		}
		s.TotalRequests += c.requests
		s.TotalErrors += c.errors
	}
	return s
}

// Connections returns a snapshot of every pooled connection.
func (p *Pool) Connections() []ConnInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ConnInfo, 0, len(p.conns))
	for _, c := range p.conns {
		info := ConnInfo{
			Origin:       c.origin,
			RequestCount: c.requests,
			ErrorCount:   c.errors,
			CreatedAt:    c.createdAt,
			LastUsed:     c.lastUsed,
			Active:       c.active,
			Healthy:      c.healthy,
		}
		if n := len(c.responseTimes); n > 0 {
			var total time.Duration
			for _, d := range c.responseTimes {
				total += d
			}
			info.AvgResponseTime = total / time.Duration(n)
		}
		out = append(out, info)
	}
	return out
}
