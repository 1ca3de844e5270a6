package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raterudder/evsync/pkg/backoff"
	"github.com/raterudder/evsync/pkg/cloud"
	"github.com/raterudder/evsync/pkg/command"
	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/metrics"
	"github.com/raterudder/evsync/pkg/publish"
	"github.com/raterudder/evsync/pkg/scheduler"
	"github.com/raterudder/evsync/pkg/state"
	"github.com/raterudder/evsync/pkg/storage"
	"github.com/raterudder/evsync/pkg/types"
)

const (
	// modeTTL is how long a fetched charge mode is reused.
	modeTTL = 5 * time.Minute
	// historyTTL is how long fetched session history is reused.
	historyTTL = time.Minute
	// historyFailureBackoff holds session history back after a failure.
	historyFailureBackoff = 15 * time.Minute
	// sessionRestoreWindow is how far back sessions are loaded on start.
	sessionRestoreWindow = 30 * 24 * time.Hour
)

// runner is everything one site needs for its passes.
type runner struct {
	siteID    string
	now       func() time.Time
	client    *cloud.Client
	site      *state.Site
	backoff   *backoff.Controller
	machine   *scheduler.Machine
	commands  *command.Reconciler
	storage   storage.Database
	creds     CredentialsProvider
	metrics   *metrics.Metrics
	publisher *publish.Publisher

	// running is held for the duration of a pass
	running sync.Mutex
	wake    chan struct{}

	mu             sync.Mutex
	settings       types.Settings
	credsPrint     string
	modeFetched    map[string]time.Time
	historyFetched map[string]time.Time
	historyBackoff map[string]time.Time
}

func (c *Coordinator) newRunner(ctx context.Context, siteID string, settings types.Settings) *runner {
	c.mu.RLock()
	now := c.now
	c.mu.RUnlock()

	r := &runner{
		siteID:         siteID,
		now:            now,
		client:         c.clients.Site(siteID),
		site:           c.store.Site(siteID, state.ConfigFromSettings(settings)),
		backoff:        backoff.New(siteID, settings.BackoffBase(), settings.BackoffCeiling()),
		machine:        scheduler.NewMachine(scheduler.ConfigFromSettings(settings)),
		storage:        c.storage,
		creds:          c.creds,
		metrics:        c.metrics,
		publisher:      c.publisher,
		wake:           make(chan struct{}, 1),
		settings:       settings,
		modeFetched:    make(map[string]time.Time),
		historyFetched: make(map[string]time.Time),
		historyBackoff: make(map[string]time.Time),
	}
	r.backoff.SetClock(now)
	r.machine.SetClock(now)
	r.client.SetTimeout(settings.APITimeout())
	r.commands = command.New(r.client, r.site, settings.Hold(), settings.CommandTimeout(), command.Hooks{
		Sent: func() {
			r.machine.CommandIssued()
			r.wakeUp()
		},
		Result: func(kind types.CommandKind, outcome types.Outcome) {
			r.metrics.ObserveCommand(siteID, kind, outcome)
		},
		AuthFailed: func(ctx context.Context, err error) {
			r.requireReauth(ctx, err)
		},
	})
	r.commands.SetClock(now)

	if counters, err := c.storage.GetCounters(ctx, siteID); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore energy counters", slog.Any("error", err))
	} else {
		r.site.RestoreCounters(counters)
	}
	t := now()
	if sessions, err := c.storage.GetSessions(ctx, siteID, t.Add(-sessionRestoreWindow), t.Add(time.Minute)); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore sessions", slog.Any("error", err))
	} else {
		r.site.RestoreSessions(sessions)
	}

	if err := r.refreshCredentials(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load credentials", slog.Any("error", err))
	}
	r.annotate()
	return r
}

func (r *runner) currentSettings() types.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

func (r *runner) applySettings(s types.Settings) {
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()

	r.site.SetConfig(state.ConfigFromSettings(s))
	r.backoff.SetLimits(s.BackoffBase(), s.BackoffCeiling())
	r.machine.SetConfig(scheduler.ConfigFromSettings(s))
	r.commands.SetLimits(s.Hold(), s.CommandTimeout())
	r.client.SetTimeout(s.APITimeout())
}

// wakeUp triggers a pass as soon as the current one, if any, is done.
func (r *runner) wakeUp() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// refreshCredentials applies the provider's credentials when they changed.
func (r *runner) refreshCredentials(ctx context.Context) error {
	if r.creds == nil {
		return nil
	}
	creds, err := r.creds.Credentials(ctx, r.siteID)
	if err != nil {
		return fmt.Errorf("failed to get credentials: %w", err)
	}
	fp := creds.Fingerprint()

	r.mu.Lock()
	changed := fp != r.credsPrint
	r.credsPrint = fp
	r.mu.Unlock()
	if !changed {
		return nil
	}

	r.client.ApplyCredentials(creds)
	if r.backoff.SetCredentials(fp) {
		log.Ctx(ctx).InfoContext(ctx, "credentials changed, resuming polling")
	}
	return nil
}

func (r *runner) requireReauth(ctx context.Context, err error) {
	if r.backoff.RequireReauth(ctx, err) && r.creds != nil {
		r.creds.OnReauthRequired(ctx, r.siteID, err)
	}
}

func (r *runner) invalidateMode(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modeFetched, serial)
}

// annotate refreshes the parts of the snapshot owned by the runner.
func (r *runner) annotate() {
	a := state.Annotations{
		Attributes:     r.commands.Attributes(r.site.Chargers()),
		Health:         r.backoff.Snapshot(),
		Cadence:        string(r.machine.State()),
		ReauthRequired: r.backoff.ReauthRequired(),
	}
	if until, ok := r.machine.LiveStreamUntil(); ok {
		a.LiveStreamUntil = &until
	}
	r.site.Annotate(a)
}

func (r *runner) setLiveStream(ctx context.Context, enabled bool) (time.Time, error) {
	if r.backoff.ReauthRequired() {
		return time.Time{}, ErrReauthRequired
	}
	var resp cloud.ControlResponse
	var err error
	if enabled {
		resp, err = r.client.StartLiveStream(ctx)
	} else {
		resp, err = r.client.StopLiveStream(ctx)
	}
	if err != nil {
		if cloud.KindOf(err) == cloud.KindAuth {
			r.requireReauth(ctx, err)
		}
		return time.Time{}, fmt.Errorf("failed to set live stream: %w", err)
	}
	if !resp.Accepted() {
		return time.Time{}, fmt.Errorf("live stream request not accepted: %s", resp.BodyStatus)
	}

	var until time.Time
	if enabled {
		until = r.machine.StartLiveStream(resp.Duration)
		log.Ctx(ctx).InfoContext(ctx, "live stream started", slog.Time("until", until))
	} else {
		r.machine.StopLiveStream()
		log.Ctx(ctx).InfoContext(ctx, "live stream stopped")
	}
	r.annotate()
	r.wakeUp()
	return until, nil
}
