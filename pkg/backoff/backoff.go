// Package backoff tracks the health of each polled source of a site and
// decides when a failing source may be polled again.
package backoff

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/evsync/pkg/cloud"
	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

// Decision is the outcome of recording a failure.
type Decision struct {
	// Delay is how long the source is held back. Zero for auth failures.
	Delay time.Duration
	// NotifyReauth is true for the first auth failure of an episode.
	NotifyReauth bool
}

// Controller is the backoff state of one site. Every source has its own
// failure count and backoff so one failing source never holds back another.
type Controller struct {
	siteID string
	now    func() time.Time

	mu      sync.Mutex
	base    time.Duration
	ceiling time.Duration
	sources map[types.SourceKind]*types.SourceHealth

	reauth            bool
	credsFingerprint  string
	reauthFingerprint string
}

// New returns a Controller for siteID.
func New(siteID string, base, ceiling time.Duration) *Controller {
	return &Controller{
		siteID:  siteID,
		now:     time.Now,
		base:    base,
		ceiling: ceiling,
		sources: make(map[types.SourceKind]*types.SourceHealth),
	}
}

// SetClock replaces the time source. Used by tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetLimits updates the base and ceiling delays.
func (c *Controller) SetLimits(base, ceiling time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = base
	c.ceiling = ceiling
}

func (c *Controller) health(kind types.SourceKind) *types.SourceHealth {
	h, ok := c.sources[kind]
	if !ok {
		h = &types.SourceHealth{SiteID: c.siteID, Source: kind}
		c.sources[kind] = h
	}
	return h
}

// Allow returns true if kind may be polled now.
func (c *Controller) Allow(kind types.SourceKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reauth {
		return false
	}
	h, ok := c.sources[kind]
	if !ok {
		return true
	}
	return !c.now().Before(h.BackoffUntil)
}

// Until returns when kind may next be polled, or the zero time if it may be
// polled now.
func (c *Controller) Until(kind types.SourceKind) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.sources[kind]
	if !ok || !c.now().Before(h.BackoffUntil) {
		return time.Time{}
	}
	return h.BackoffUntil
}

// RecordSuccess resets the failure count and backoff of kind.
func (c *Controller) RecordSuccess(kind types.SourceKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.health(kind)
	h.LastSuccess = c.now()
	h.ConsecutiveFailures = 0
	h.BackoffUntil = time.Time{}
}

// RecordFailure records a failed poll of kind. Auth failures pause the whole
// site instead of backing off the source.
func (c *Controller) RecordFailure(ctx context.Context, kind types.SourceKind, err error) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	h := c.health(kind)
	h.LastFailure = now
	h.LastStatus = cloud.StatusOf(err)
	h.LastClass = cloud.KindOf(err).String()
	if err != nil {
		h.LastMessage = err.Error()
	}

	if cloud.KindOf(err) == cloud.KindAuth {
		return Decision{NotifyReauth: c.requireReauthLocked(ctx, string(kind), err)}
	}

	h.ConsecutiveFailures++
	delay := c.delay(h.ConsecutiveFailures)
	if ra := cloud.RetryAfterOf(err); ra > delay {
		delay = ra
	}
	h.BackoffUntil = now.Add(delay)
	log.Ctx(ctx).WarnContext(ctx, "source degraded",
		slog.String("source", string(kind)),
		slog.Int("failures", h.ConsecutiveFailures),
		slog.Duration("backoff", delay),
		slog.Any("error", err),
	)
	return Decision{Delay: delay}
}

// delay returns min(base*2^n, ceiling).
func (c *Controller) delay(n int) time.Duration {
	d := c.base
	for i := 0; i < n; i++ {
		d *= 2
		if c.ceiling > 0 && d >= c.ceiling {
			return c.ceiling
		}
	}
	return d
}

// RequireReauth pauses the site after an auth failure outside of polling,
// such as a rejected command. It returns true for the first failure of an
// episode.
func (c *Controller) RequireReauth(ctx context.Context, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requireReauthLocked(ctx, "command", err)
}

func (c *Controller) requireReauthLocked(ctx context.Context, origin string, err error) bool {
	if c.reauth {
		return false
	}
	c.reauth = true
	c.reauthFingerprint = c.credsFingerprint
	log.Ctx(ctx).ErrorContext(ctx, "site requires reauthentication",
		slog.String("source", origin),
		slog.Any("error", err),
	)
	return true
}

// ReauthRequired returns true while the site is paused waiting for new
// credentials.
func (c *Controller) ReauthRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reauth
}

// SetCredentials records the fingerprint of the credentials in use. New
// credentials end a reauth episode and resume polling.
func (c *Controller) SetCredentials(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credsFingerprint = fingerprint
	if c.reauth && fingerprint != c.reauthFingerprint {
		c.reauth = false
		c.reauthFingerprint = ""
		return true
	}
	return false
}

// Snapshot returns a copy of every source's health, ordered by source.
func (c *Controller) Snapshot() []types.SourceHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.SourceHealth, 0, len(c.sources))
	for _, h := range c.sources {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Source < out[j].Source
	})
	return out
}
