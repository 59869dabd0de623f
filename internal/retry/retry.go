package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	InitialDelay time.Duration
	Backoff      float64
	MaxDelay     time.Duration
	MaxRetries   int

	// IsTransient overrides the default classification when set.
	IsTransient func(error) bool

	// Sleep and Rand are injectable for tests. Nil means real sleep and a
	// time-seeded source.
	Sleep func(context.Context, time.Duration) error
	Rand  *rand.Rand
}

// DefaultPolicy mirrors the bridge-wide defaults: 500ms initial, x2 backoff,
// 10s cap, 3 retries.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 500 * time.Millisecond,
		Backoff:      2,
		MaxDelay:     10 * time.Second,
		MaxRetries:   3,
	}
}

func (p Policy) normalized() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.Backoff <= 1 {
		p.Backoff = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	if p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p
}

// Delay returns the backoff before attempt n (1-based retry number), already
// jittered by U(0.8, 1.2) and clamped to MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	if n < 1 {
		n = 1
	}
	base := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		base *= p.Backoff
	}
	jitter := 0.8 + 0.4*p.Rand.Float64()
	d := time.Duration(base * jitter)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// PermanentError marks an error that must not be retried regardless of
// classification.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// HTTPStatusError carries an upstream status code through the retry core.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// IsTransient reports whether err is worth retrying: network-level failures,
// HTTP 429/5xx, and data-service unavailability.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		s := statusErr.Status
		return s == 429 || s >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "enotfound", "econnaborted",
		"network", "database connection", "not available",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Do runs fn with the policy, sleeping between transient failures. The
// returned error is the last one observed; callers can test it with
// IsTransient to distinguish exhaustion from a permanent stop.
func Do(ctx context.Context, log *slog.Logger, p Policy, op string, fn func(context.Context) error) error {
	p = p.normalized()
	classify := p.IsTransient
	if classify == nil {
		classify = IsTransient
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !classify(err) {
			return err
		}
		if attempt > p.MaxRetries {
			return err
		}
		delay := p.Delay(attempt)
		if log != nil {
			log.Warn("transient failure, backing off",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
		}
		if serr := p.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
