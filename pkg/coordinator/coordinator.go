// Package coordinator runs one reconciliation pass per site at the cadence
// the site's scheduler picks, and routes commands to the site's reconciler.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/evsync/pkg/cloud"
	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/metrics"
	"github.com/raterudder/evsync/pkg/publish"
	"github.com/raterudder/evsync/pkg/state"
	"github.com/raterudder/evsync/pkg/storage"
	"github.com/raterudder/evsync/pkg/types"
)

var (
	// ErrPassInProgress is returned when a pass is requested while the
	// previous pass of the same site is still running.
	ErrPassInProgress  = errors.New("pass already in progress")
	ErrUnknownSite     = errors.New("unknown site")
	ErrReauthRequired  = errors.New("site requires reauthentication")
	ErrInvalidSettings = errors.New("invalid settings")
)

// CredentialsProvider supplies the cloud credentials of a site and is told
// when they stop working.
type CredentialsProvider interface {
	Credentials(ctx context.Context, siteID string) (types.Credentials, error)
	// OnReauthRequired is called once per auth failure episode.
	OnReauthRequired(ctx context.Context, siteID string, err error)
}

// Coordinator owns every site's runner.
type Coordinator struct {
	clients   *cloud.Map
	storage   storage.Database
	store     *state.Store
	creds     CredentialsProvider
	metrics   *metrics.Metrics
	publisher *publish.Publisher
	now       func() time.Time

	mu     sync.RWMutex
	sites  map[string]*runner
	runCtx context.Context
	wg     sync.WaitGroup
}

// New returns a Coordinator. metrics and publisher may be nil.
func New(clients *cloud.Map, db storage.Database, creds CredentialsProvider, m *metrics.Metrics, p *publish.Publisher) *Coordinator {
	return &Coordinator{
		clients:   clients,
		storage:   db,
		store:     state.NewStore(),
		creds:     creds,
		metrics:   m,
		publisher: p,
		now:       time.Now,
		sites:     make(map[string]*runner),
	}
}

// SetClock replaces the time source of sites added afterwards. Used by tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Coordinator) runner(siteID string) (*runner, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.sites[siteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	return r, nil
}

// AddSite loads a site's settings and checkpoints and starts managing it.
// Adding a site that already exists is a no-op.
func (c *Coordinator) AddSite(ctx context.Context, siteID string) error {
	if siteID == "" {
		return errors.New("siteID cannot be empty")
	}
	c.mu.RLock()
	_, exists := c.sites[siteID]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	ctx = log.WithAttrs(ctx, slog.String("siteID", siteID))
	settings, err := c.loadSettings(ctx, siteID)
	if err != nil {
		return err
	}
	r := c.newRunner(ctx, siteID, settings)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sites[siteID]; ok {
		return nil
	}
	c.sites[siteID] = r
	if c.runCtx != nil {
		c.startLocked(r)
	}
	log.Ctx(ctx).InfoContext(ctx, "site added", slog.Int("chargers", len(r.site.Chargers())))
	return nil
}

// loadSettings reads and migrates the stored settings of a site.
func (c *Coordinator) loadSettings(ctx context.Context, siteID string) (types.Settings, error) {
	settings, version, err := c.storage.GetSettings(ctx, siteID)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	settings, migrated, err := types.MigrateSettings(settings, version)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to migrate settings: %w", err)
	}
	if migrated {
		if err := c.storage.SetSettings(ctx, siteID, settings, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to save migrated settings", slog.Any("error", err))
		}
	}
	if err := settings.Validate(); err != nil {
		return types.Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return settings, nil
}

// Sites returns the managed site ids in order.
func (c *Coordinator) Sites() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sites))
	for id := range c.sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the latest snapshot of a site.
func (c *Coordinator) Snapshot(siteID string) (types.SiteSnapshot, error) {
	r, err := c.runner(siteID)
	if err != nil {
		return types.SiteSnapshot{}, err
	}
	return r.site.Snapshot(), nil
}

// Health returns the health of every source of a site.
func (c *Coordinator) Health(siteID string) ([]types.SourceHealth, bool, error) {
	r, err := c.runner(siteID)
	if err != nil {
		return nil, false, err
	}
	return r.backoff.Snapshot(), r.backoff.ReauthRequired(), nil
}

// Settings returns the settings a site is running with.
func (c *Coordinator) Settings(siteID string) (types.Settings, error) {
	r, err := c.runner(siteID)
	if err != nil {
		return types.Settings{}, err
	}
	return r.currentSettings(), nil
}

// UpdateSettings reads the stored settings of a site, applies fn, validates
// and persists the result and then applies it to the running site.
func (c *Coordinator) UpdateSettings(ctx context.Context, siteID string, fn func(*types.Settings) error) (types.Settings, error) {
	r, err := c.runner(siteID)
	if err != nil {
		return types.Settings{}, err
	}
	ctx = log.WithAttrs(ctx, slog.String("siteID", siteID))
	settings, err := c.loadSettings(ctx, siteID)
	if err != nil {
		return types.Settings{}, err
	}
	if err := fn(&settings); err != nil {
		return types.Settings{}, err
	}
	if err := settings.Validate(); err != nil {
		return types.Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if err := c.storage.SetSettings(ctx, siteID, settings, types.CurrentSettingsVersion); err != nil {
		return types.Settings{}, fmt.Errorf("failed to save settings: %w", err)
	}
	r.applySettings(settings)
	r.annotate()
	r.wakeUp()
	log.Ctx(ctx).InfoContext(ctx, "settings updated")
	return settings, nil
}

// UpdateCredentials reloads a site's credentials from the provider and
// triggers a pass. New credentials end a reauth pause.
func (c *Coordinator) UpdateCredentials(ctx context.Context, siteID string) error {
	r, err := c.runner(siteID)
	if err != nil {
		return err
	}
	ctx = log.WithAttrs(ctx, slog.String("siteID", siteID))
	if err := r.refreshCredentials(ctx); err != nil {
		return err
	}
	r.annotate()
	r.wakeUp()
	return nil
}

// Pass runs one reconciliation pass for a site. Overlapping passes of the
// same site are suppressed with ErrPassInProgress.
func (c *Coordinator) Pass(ctx context.Context, siteID string) error {
	r, err := c.runner(siteID)
	if err != nil {
		return err
	}
	if !r.running.TryLock() {
		c.metrics.ObservePass(siteID, "skipped", 0)
		return ErrPassInProgress
	}
	defer r.running.Unlock()
	return r.pass(log.WithAttrs(ctx, slog.String("siteID", siteID)))
}

// PassAll runs a pass for every site concurrently and returns the errors
// keyed by site. Sites with a pass in progress are skipped.
func (c *Coordinator) PassAll(ctx context.Context) map[string]error {
	ids := c.Sites()
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Pass(ctx, id)
		}()
	}
	wg.Wait()

	out := make(map[string]error)
	for i, err := range errs {
		if err != nil && !errors.Is(err, ErrPassInProgress) {
			out[ids[i]] = err
		}
	}
	return out
}

// Issue sends a command to a charger of a site.
func (c *Coordinator) Issue(ctx context.Context, siteID, serial string, cmd types.Command) types.CommandResult {
	r, err := c.runner(siteID)
	if err != nil {
		return types.CommandResult{Outcome: types.OutcomeRejected, Err: err}
	}
	if r.backoff.ReauthRequired() {
		return types.CommandResult{Outcome: types.OutcomeRejected, Err: ErrReauthRequired}
	}
	ctx = log.WithAttrs(ctx, slog.String("siteID", siteID))
	res := r.commands.Issue(ctx, serial, cmd)
	if cmd.Kind == types.CommandSetMode && res.Outcome != types.OutcomeRejected {
		r.invalidateMode(serial)
	}
	r.annotate()
	return res
}

// SetLiveStream starts or stops the backend's live stream for a site and
// returns when the window ends.
func (c *Coordinator) SetLiveStream(ctx context.Context, siteID string, enabled bool) (time.Time, error) {
	r, err := c.runner(siteID)
	if err != nil {
		return time.Time{}, err
	}
	ctx = log.WithAttrs(ctx, slog.String("siteID", siteID))
	return r.setLiveStream(ctx, enabled)
}

// Run drives every site until ctx is canceled. Sites added while running
// are started immediately.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.runCtx != nil {
		c.mu.Unlock()
		return errors.New("coordinator already running")
	}
	c.runCtx = ctx
	for _, r := range c.sites {
		c.startLocked(r)
	}
	c.mu.Unlock()

	<-ctx.Done()
	c.wg.Wait()

	c.mu.Lock()
	c.runCtx = nil
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) startLocked(r *runner) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(c.runCtx, r)
	}()
}

func (c *Coordinator) loop(ctx context.Context, r *runner) {
	ctx = log.WithAttrs(ctx, slog.String("siteID", r.siteID))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-timer.C:
		}
		if err := c.Pass(ctx, r.siteID); err != nil && !errors.Is(err, ErrPassInProgress) {
			log.Ctx(ctx).ErrorContext(ctx, "pass failed", slog.Any("error", err))
		}
		timer.Reset(r.machine.Interval())
	}
}
