package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raterudder/evsync/pkg/cloud"
	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/normalize"
	"github.com/raterudder/evsync/pkg/state"
	"github.com/raterudder/evsync/pkg/types"
)

// siteSources are polled once per pass. siteOnly sites skip the charger
// scoped ones.
var siteSources = []types.SourceKind{
	types.SourceStatus,
	types.SourceSummary,
	types.SourceInventory,
	types.SourceSiteEnergy,
	types.SourceBattery,
	types.SourceEvents,
}

type fetch struct {
	kind   types.SourceKind
	serial string

	rec normalize.Record
	err error
}

// due returns the fetches this pass should make.
func (r *runner) due(settings types.Settings, now time.Time) []*fetch {
	var out []*fetch
	for _, kind := range siteSources {
		if settings.SiteOnly && kind.ChargerScoped() {
			continue
		}
		if r.backoff.Allow(kind) {
			out = append(out, &fetch{kind: kind})
		}
	}
	if settings.SiteOnly {
		return out
	}

	chargers := r.site.Chargers()
	serials := make([]string, 0, len(chargers))
	for serial := range chargers {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	modeOK := r.backoff.Allow(types.SourceChargeMode)
	historyOK := r.backoff.Allow(types.SourceSessionHistory)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, serial := range serials {
		if last, ok := r.modeFetched[serial]; modeOK && (!ok || now.Sub(last) >= modeTTL) {
			out = append(out, &fetch{kind: types.SourceChargeMode, serial: serial})
		}
		if now.Before(r.historyBackoff[serial]) {
			continue
		}
		if last, ok := r.historyFetched[serial]; historyOK && (!ok || now.Sub(last) >= historyTTL) {
			out = append(out, &fetch{kind: types.SourceSessionHistory, serial: serial})
		}
	}
	return out
}

// fetchAll fetches and normalizes every source concurrently. A failing
// source never cancels its siblings.
func (r *runner) fetchAll(ctx context.Context, fetches []*fetch) {
	var g errgroup.Group
	for _, f := range fetches {
		g.Go(func() error {
			start := r.now()
			body, err := r.client.Fetch(ctx, f.kind, f.serial)
			if err == nil {
				f.rec, err = normalize.Normalize(f.kind, body)
				if err != nil {
					err = &cloud.Error{Kind: cloud.KindServerFault, Op: string(f.kind), Message: "malformed response", Err: err}
				}
			}
			f.err = err
			r.metrics.ObserveFetch(r.siteID, f.kind, r.now().Sub(start), err)
			log.Ctx(ctx).DebugContext(ctx, "fetched source",
				slog.String("source", string(f.kind)),
				slog.String("serial", f.serial),
				slog.Bool("ok", err == nil),
			)
			return nil
		})
	}
	// goroutines never return an error
	_ = g.Wait()
}

// pass runs one reconciliation pass. The caller holds r.running.
func (r *runner) pass(ctx context.Context) error {
	start := r.now()
	settings := r.currentSettings()
	if settings.Pause {
		log.Ctx(ctx).DebugContext(ctx, "site paused, skipping pass")
		r.metrics.ObservePass(r.siteID, "paused", 0)
		return nil
	}

	if err := r.refreshCredentials(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to refresh credentials", slog.Any("error", err))
	}
	if r.backoff.ReauthRequired() {
		log.Ctx(ctx).DebugContext(ctx, "waiting for new credentials, skipping pass")
		r.annotate()
		r.metrics.ObservePass(r.siteID, "reauth", 0)
		return nil
	}

	fetches := r.due(settings, start)
	r.fetchAll(ctx, fetches)

	at := r.now()
	u := state.Update{
		At:      at,
		Records: make(map[types.SourceKind]normalize.Record),
		Modes:   make(map[string]types.ChargeMode),
		History: make(map[string][]types.SessionRecord),
	}
	var failed int
	for _, f := range fetches {
		if f.err != nil {
			failed++
			r.recordFailure(ctx, f, at)
			continue
		}
		r.backoff.RecordSuccess(f.kind)
		switch f.kind {
		case types.SourceChargeMode:
			r.mu.Lock()
			r.modeFetched[f.serial] = at
			r.mu.Unlock()
			if f.rec.Mode != "" {
				u.Modes[f.serial] = f.rec.Mode
			}
		case types.SourceSessionHistory:
			r.mu.Lock()
			r.historyFetched[f.serial] = at
			delete(r.historyBackoff, f.serial)
			r.mu.Unlock()
			u.History[f.serial] = f.rec.History
		default:
			u.Records[f.kind] = f.rec
		}
	}

	res := r.site.Apply(ctx, u)
	chargers := r.site.Chargers()

	for _, ch := range r.commands.Check(ctx, chargers) {
		r.metrics.ObserveHold(r.siteID, ch.State)
	}
	for _, id := range res.Resets {
		r.metrics.ObserveReset(r.siteID, id)
	}
	for range res.Anomalies {
		r.metrics.ObserveAnomaly(r.siteID)
	}
	for _, serial := range res.Removed {
		r.forgetCharger(ctx, serial)
	}

	if _, ok := u.Records[types.SourceStatus]; ok {
		active := false
		for _, c := range chargers {
			if c.Active() {
				active = true
				break
			}
		}
		r.machine.Observe(active)
	}
	r.annotate()
	r.persist(ctx, res)

	snap := r.site.Snapshot()
	if err := r.publisher.PublishSnapshot(ctx, snap); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish snapshot", slog.Any("error", err))
	}
	r.metrics.SetSnapshot(snap, r.now())

	result := "ok"
	if failed > 0 {
		result = "degraded"
	}
	r.metrics.ObservePass(r.siteID, result, r.now().Sub(start))
	log.Ctx(ctx).DebugContext(ctx, "pass complete",
		slog.Uint64("pass", res.Pass),
		slog.Int("fetched", len(fetches)),
		slog.Int("failed", failed),
		slog.String("cadence", snap.Cadence),
	)
	return nil
}

func (r *runner) recordFailure(ctx context.Context, f *fetch, at time.Time) {
	d := r.backoff.RecordFailure(ctx, f.kind, f.err)
	if d.NotifyReauth && r.creds != nil {
		r.creds.OnReauthRequired(ctx, r.siteID, f.err)
	}
	if f.kind == types.SourceSessionHistory {
		r.mu.Lock()
		r.historyBackoff[f.serial] = at.Add(historyFailureBackoff)
		r.mu.Unlock()
	}
}

func (r *runner) forgetCharger(ctx context.Context, serial string) {
	r.commands.Forget(serial)
	r.metrics.ForgetCharger(r.siteID, serial)
	r.mu.Lock()
	delete(r.modeFetched, serial)
	delete(r.historyFetched, serial)
	delete(r.historyBackoff, serial)
	r.mu.Unlock()
	if err := r.publisher.RemoveCharger(ctx, r.siteID, serial); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to clear charger topic", slog.String("serial", serial), slog.Any("error", err))
	}
}

// persist saves closed or enriched sessions and counter checkpoints. Failures
// are logged; the next pass saves again.
func (r *runner) persist(ctx context.Context, res state.Result) {
	if len(res.Sessions) > 0 {
		if err := r.storage.UpsertSessions(ctx, r.siteID, res.Sessions); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist sessions", slog.Int("count", len(res.Sessions)), slog.Any("error", err))
		}
	}

	counters := r.site.Counters()
	if len(counters) == 0 {
		return
	}
	list := make([]types.EnergyCounter, 0, len(counters))
	for _, c := range counters {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if err := r.storage.UpsertCounters(ctx, r.siteID, list); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist energy counters", slog.Any("error", err))
	}
}
