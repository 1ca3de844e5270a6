package storage

import (
	"context"
	"errors"
	"time"

	"github.com/raterudder/evsync/pkg/types"
)

var (
	ErrSiteNotFound = errors.New("site not found")
)

// Database defines the interface for persisting site state and retrieving settings.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, siteID string) (types.Settings, int, error)
	SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error

	// Sessions
	// UpsertSessions adds or updates session records, keyed by serial and start.
	UpsertSessions(ctx context.Context, siteID string, sessions []types.SessionRecord) error
	GetSessions(ctx context.Context, siteID string, start, end time.Time) ([]types.SessionRecord, error)

	// Energy counter checkpoints
	UpsertCounters(ctx context.Context, siteID string, counters []types.EnergyCounter) error
	GetCounters(ctx context.Context, siteID string) ([]types.EnergyCounter, error)

	// Sites
	GetSite(ctx context.Context, siteID string) (types.Site, error)
	ListSites(ctx context.Context) ([]types.Site, error)
	UpdateSite(ctx context.Context, siteID string, site types.Site) error

	// Lifecycle
	Close() error
}
