package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/evsync/pkg/storage"
	"github.com/raterudder/evsync/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, siteID string) (types.Settings, int, error) {
	args := m.Called(ctx, siteID)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error {
	args := m.Called(ctx, siteID, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) UpsertSessions(ctx context.Context, siteID string, sessions []types.SessionRecord) error {
	args := m.Called(ctx, siteID, sessions)
	return args.Error(0)
}

func (m *MockDatabase) GetSessions(ctx context.Context, siteID string, start, end time.Time) ([]types.SessionRecord, error) {
	args := m.Called(ctx, siteID, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.SessionRecord), args.Error(1)
}

func (m *MockDatabase) UpsertCounters(ctx context.Context, siteID string, counters []types.EnergyCounter) error {
	args := m.Called(ctx, siteID, counters)
	return args.Error(0)
}

func (m *MockDatabase) GetCounters(ctx context.Context, siteID string) ([]types.EnergyCounter, error) {
	args := m.Called(ctx, siteID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.EnergyCounter), args.Error(1)
}

func (m *MockDatabase) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	args := m.Called(ctx, siteID)
	return args.Get(0).(types.Site), args.Error(1)
}

func (m *MockDatabase) ListSites(ctx context.Context) ([]types.Site, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Site), args.Error(1)
}

func (m *MockDatabase) UpdateSite(ctx context.Context, siteID string, site types.Site) error {
	args := m.Called(ctx, siteID, site)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
