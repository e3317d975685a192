// Package throttle holds the rate and ordering policy for outbound calls.
package throttle

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrStop ends a Worker run without reporting an error.
var ErrStop = errors.New("stop")

// Pacer enforces a minimum interval between calls. A nil Pacer never waits.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer allows one call per interval; a non-positive interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{lim: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next call is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.lim == nil {
		return ctx.Err()
	}
	return p.lim.Wait(ctx)
}

// Interval reports the configured spacing; zero means unpaced.
func (p *Pacer) Interval() time.Duration {
	if p == nil || p.lim == nil || p.lim.Limit() == rate.Inf {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(p.lim.Limit()))
}

// Sleep pauses for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryAfter reads the provider's requested wait from retry-after-ms or
// Retry-After (seconds or HTTP date); fallback applies when neither is usable.
func RetryAfter(h http.Header, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return fallback
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return fallback
}

// Worker runs indexed jobs with bounded concurrency. With Concurrency 1 jobs
// run one after another in index order.
type Worker struct {
	Concurrency int
}

// Sequential is the single in-flight worker used by every run.
var Sequential = Worker{Concurrency: 1}

// Run calls job for 0..n-1. A job returning ErrStop prevents later jobs from
// starting; any other error cancels the run and is returned.
func (w Worker) Run(ctx context.Context, n int, job func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, w.Concurrency))

	var stopped atomic.Bool
	for i := range n {
		if stopped.Load() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if stopped.Load() || gctx.Err() != nil {
				return nil
			}
			err := job(gctx, i)
			if errors.Is(err, ErrStop) {
				stopped.Store(true)
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
