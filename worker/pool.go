// Package worker implements the fixed-size reactor-thread pool and
// retry-budget glue of spec.md §4.9/§5: a small pool of worker goroutines
// (the Go-idiomatic equivalent of a per-thread libevent `event_base` plus
// socketpair command pipe) that the player thread offloads blocking work
// to — ALAC header preparation, metadata prep, cache access, and any
// per-output callback that would otherwise block the player's own event
// loop.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Task is one unit of work dispatched to a pool thread.
type Task func()

// Hooks are invoked once per pool thread at startup/shutdown — the
// Go-idiomatic stand-in for the teacher's per-thread "open/close a
// database connection" init/exit callbacks (spec.md §4.9).
type Hooks struct {
	OnThreadStart func(threadIndex int)
	OnThreadStop  func(threadIndex int)
}

const defaultBacklog = 64

// Pool is a fixed-size set of worker goroutines ("reactor threads"), each
// with its own bounded job channel, dispatched to round-robin by current
// backlog. Default size is 2, per spec.md §4.9/§5.
type Pool struct {
	threads []*poolThread
	next    uint64
	log     zerolog.Logger

	wg sync.WaitGroup
}

type poolThread struct {
	jobs chan Task
}

// NewPool starts size worker goroutines (size<=0 defaults to 2, the
// spec's documented default), running hooks.OnThreadStart/OnThreadStop
// once per thread around its job loop.
func NewPool(size int, hooks Hooks) *Pool {
	if size <= 0 {
		size = 2
	}
	p := &Pool{
		threads: make([]*poolThread, size),
		log:     log.Logger,
	}
	for i := 0; i < size; i++ {
		t := &poolThread{jobs: make(chan Task, defaultBacklog)}
		p.threads[i] = t
		p.wg.Add(1)
		go p.run(i, t, hooks)
	}
	return p
}

func (p *Pool) run(index int, t *poolThread, hooks Hooks) {
	defer p.wg.Done()
	if hooks.OnThreadStart != nil {
		hooks.OnThreadStart(index)
	}
	defer func() {
		if hooks.OnThreadStop != nil {
			hooks.OnThreadStop(index)
		}
	}()

	for task := range t.jobs {
		p.runTask(index, task)
	}
}

func (p *Pool) runTask(index int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("thread", index).Interface("panic", r).Msg("worker: task panicked")
		}
	}()
	task()
}

// ErrPoolFull is returned by Execute when every thread's backlog is full.
type ErrPoolFull struct{}

func (ErrPoolFull) Error() string { return "worker: pool backlog full on every thread" }

// Execute schedules task to run immediately (delay<=0), dispatched to
// whichever thread currently has the shortest backlog, or after delay via
// a one-shot timer otherwise — matching spec.md §4.9's "execute(cb, arg,
// delay)". Execute never blocks: if every thread's queue is full it
// returns ErrPoolFull immediately rather than waiting.
func (p *Pool) Execute(task Task, delay time.Duration) error {
	if delay > 0 {
		time.AfterFunc(delay, func() {
			// Best-effort: a delayed task that lands on a full pool is
			// logged and dropped rather than retried indefinitely.
			if err := p.Execute(task, 0); err != nil {
				p.log.Warn().Err(err).Msg("worker: delayed task dropped, pool full")
			}
		})
		return nil
	}
	return p.dispatch(task)
}

func (p *Pool) dispatch(task Task) error {
	n := len(p.threads)
	start := int(atomic.AddUint64(&p.next, 1)) % n

	shortest := -1
	shortestLen := -1
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		l := len(p.threads[idx].jobs)
		if l == 0 {
			select {
			case p.threads[idx].jobs <- task:
				return nil
			default:
			}
		}
		if shortestLen == -1 || l < shortestLen {
			shortest, shortestLen = idx, l
		}
	}

	select {
	case p.threads[shortest].jobs <- task:
		return nil
	default:
		return ErrPoolFull{}
	}
}

// Stop closes every thread's job channel and waits for in-flight tasks to
// finish. Stop must only be called once.
func (p *Pool) Stop() {
	for _, t := range p.threads {
		close(t.jobs)
	}
	p.wg.Wait()
}

// RetryBudget bounds how long a caller facing a full send buffer (spec.md
// §5: "a full send buffer defers session failure via an evtimer... A 60-s
// retry budget in the worker pool dispatcher lets a full-backlog send(2)
// return RES_RETRY to the caller") keeps retrying before giving up.
// Grounded on flowpbx's per-key rate.Limiter pattern (internal/pushgw/ratelimit.go),
// here applied to one dispatcher-wide retry allowance instead of a
// per-license-key map.
type RetryBudget struct {
	limiter *rate.Limiter
	window  time.Duration

	mu      sync.Mutex
	started time.Time
}

// NewRetryBudget returns a RetryBudget that permits retries at rate r
// (e.g. rate.Every(time.Second)) up to the given window (spec.md's 60 s)
// from the first Allow call, after which Allow always reports the budget
// exhausted until Reset is called.
func NewRetryBudget(r rate.Limit, burst int, window time.Duration) *RetryBudget {
	return &RetryBudget{limiter: rate.NewLimiter(r, burst), window: window}
}

// Allow reports whether another retry attempt is still within both the
// per-attempt rate limit and the overall window since the first attempt.
func (b *RetryBudget) Allow() bool {
	now := time.Now()

	b.mu.Lock()
	if b.started.IsZero() {
		b.started = now
	} else if now.Sub(b.started) > b.window {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	return b.limiter.Allow()
}

// Reset clears the window start, as if no retries had yet been attempted.
func (b *RetryBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = time.Time{}
}

// WaitWithBudget is a convenience helper: it calls send repeatedly,
// waiting interval between attempts, until send succeeds, the context is
// cancelled, or the retry budget is exhausted.
func WaitWithBudget(ctx context.Context, budget *RetryBudget, interval time.Duration, send func() error) error {
	for {
		err := send()
		if err == nil {
			return nil
		}
		if !budget.Allow() {
			return fmt.Errorf("worker: retry budget exhausted: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
