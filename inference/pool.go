package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// session is anything a pool can hand out and tear down.
type session interface {
	Destroy() error
}

// SessionPool keeps a fixed number of sessions for one model. Sessions that
// fail are discarded and replaced by the health check.
type SessionPool[S session] struct {
	sessions   chan S
	size       int
	live       int
	factory    func() (S, error)
	timeout    time.Duration
	mu         sync.Mutex
	closed     bool
	stop       chan struct{}
	metrics    *PoolMetrics
	lastErrors []error
}

type PoolMetrics struct {
	mu              sync.RWMutex
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	TotalDiscarded  int64
	AcquireFailures int64
	WaitTime        time.Duration
}

// PoolStats is a copy of the pool counters.
type PoolStats struct {
	Size            int           `json:"pool_size"`
	Available       int           `json:"available"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	TotalDiscarded  int64         `json:"total_discarded"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

func NewSessionPool[S session](size int, timeout time.Duration, factory func() (S, error)) (*SessionPool[S], error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if timeout <= 0 {
		timeout = AcquireTimeout
	}

	pool := &SessionPool[S]{
		sessions: make(chan S, size),
		size:     size,
		factory:  factory,
		timeout:  timeout,
		stop:     make(chan struct{}),
		metrics:  &PoolMetrics{},
	}

	for i := 0; i < size; i++ {
		s, err := factory()
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to initialize session %d: %w", i, err), pool.Destroy())
		}
		pool.sessions <- s
		pool.live++
	}

	go pool.healthCheck()

	return pool, nil
}

func (p *SessionPool[S]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *SessionPool[S]) Acquire(ctx context.Context) (S, error) {
	var zero S
	if p.isClosed() {
		return zero, fmt.Errorf("pool is closed")
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case s, ok := <-p.sessions:
		if !ok {
			return zero, fmt.Errorf("pool is closed")
		}
		p.metrics.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metrics.mu.Unlock()
		return s, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.AcquireFailures++
		p.metrics.mu.Unlock()
		if errs := p.LastErrors(); len(errs) > 0 {
			return zero, fmt.Errorf("timeout waiting for available session after %v, last session error: %w", p.timeout, errs[len(errs)-1])
		}
		return zero, fmt.Errorf("timeout waiting for available session after %v", p.timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (p *SessionPool[S]) Release(s S) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metrics.mu.Unlock()

	if p.closed {
		if err := s.Destroy(); err != nil {
			p.lastErrors = appendError(p.lastErrors, err)
		}
		return
	}
	p.sessions <- s
}

// Discard destroys a session that failed instead of returning it and creates
// its replacement right away, so repeated failures never drain the pool.
func (p *SessionPool[S]) Discard(s S) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalDiscarded++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()

	if err := s.Destroy(); err != nil {
		p.recordError(err)
	}
	p.replenish()
}

// Destroy closes the pool and tears down every idle session. Sessions still
// in use are destroyed when they are released.
func (p *SessionPool[S]) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	var err error
	for s := range p.sessions {
		err = errors.Join(err, s.Destroy())
	}
	return err
}

func (p *SessionPool[S]) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates sessions lost through Discard.
func (p *SessionPool[S]) replenish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	for p.live < p.size {
		s, err := p.factory()
		if err != nil {
			p.lastErrors = appendError(p.lastErrors, err)
			return
		}
		p.sessions <- s
		p.live++
	}
}

func (p *SessionPool[S]) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErrors = appendError(p.lastErrors, err)
}

func appendError(errs []error, err error) []error {
	errs = append(errs, err)
	if len(errs) > 10 {
		errs = errs[1:]
	}
	return errs
}

func (p *SessionPool[S]) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *SessionPool[S]) Stats() PoolStats {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		Available:       len(p.sessions),
		InUse:           p.metrics.InUse,
		TotalAcquired:   p.metrics.TotalAcquired,
		TotalReleased:   p.metrics.TotalReleased,
		TotalDiscarded:  p.metrics.TotalDiscarded,
		AcquireFailures: p.metrics.AcquireFailures,
		WaitTime:        p.metrics.WaitTime,
	}
}
