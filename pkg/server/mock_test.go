package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type mockCoordinator struct {
	mock.Mock

	mu      sync.Mutex
	updated []types.Settings
}

var _ Coordinator = (*mockCoordinator)(nil)

func (m *mockCoordinator) Sites() []string {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]string)
}

func (m *mockCoordinator) Snapshot(siteID string) (types.SiteSnapshot, error) {
	args := m.Called(siteID)
	return args.Get(0).(types.SiteSnapshot), args.Error(1)
}

func (m *mockCoordinator) Health(siteID string) ([]types.SourceHealth, bool, error) {
	args := m.Called(siteID)
	var health []types.SourceHealth
	if args.Get(0) != nil {
		health = args.Get(0).([]types.SourceHealth)
	}
	return health, args.Bool(1), args.Error(2)
}

func (m *mockCoordinator) Settings(siteID string) (types.Settings, error) {
	args := m.Called(siteID)
	return args.Get(0).(types.Settings), args.Error(1)
}

// UpdateSettings applies fn to the settings given to Return and records the
// result.
func (m *mockCoordinator) UpdateSettings(ctx context.Context, siteID string, fn func(*types.Settings) error) (types.Settings, error) {
	args := m.Called(ctx, siteID)
	if err := args.Error(1); err != nil {
		return types.Settings{}, err
	}
	settings := args.Get(0).(types.Settings)
	if err := fn(&settings); err != nil {
		return types.Settings{}, err
	}
	m.mu.Lock()
	m.updated = append(m.updated, settings)
	m.mu.Unlock()
	return settings, nil
}

func (m *mockCoordinator) lastUpdate() types.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.updated) == 0 {
		return types.Settings{}
	}
	return m.updated[len(m.updated)-1]
}

func (m *mockCoordinator) UpdateCredentials(ctx context.Context, siteID string) error {
	args := m.Called(ctx, siteID)
	return args.Error(0)
}

func (m *mockCoordinator) Issue(ctx context.Context, siteID, serial string, cmd types.Command) types.CommandResult {
	args := m.Called(ctx, siteID, serial, cmd)
	return args.Get(0).(types.CommandResult)
}

func (m *mockCoordinator) SetLiveStream(ctx context.Context, siteID string, enabled bool) (time.Time, error) {
	args := m.Called(ctx, siteID, enabled)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *mockCoordinator) PassAll(ctx context.Context) map[string]error {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(map[string]error)
}

const testKeyID = "test-key"

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// setupOIDCTest starts an issuer serving discovery and a JWKS with a fresh
// RSA key.
func setupOIDCTest(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"issuer":                                srv.URL,
				"authorization_endpoint":                srv.URL + "/auth",
				"token_endpoint":                        srv.URL + "/token",
				"jwks_uri":                              srv.URL + "/keys",
				"id_token_signing_alg_values_supported": []string{"RS256"},
			})
		case "/keys":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"keys": []map[string]string{{
					"kty": "RSA",
					"alg": "RS256",
					"use": "sig",
					"kid": testKeyID,
					"n":   b64(priv.N.Bytes()),
					"e":   b64(big.NewInt(int64(priv.E)).Bytes()),
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	return srv, priv
}

// generateTestToken returns an RS256 ID token for the test-audience client.
func generateTestToken(t *testing.T, issuer string, priv *rsa.PrivateKey, email, subject string) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT", "kid": testKeyID})
	require.NoError(t, err)
	now := time.Now()
	claims, err := json.Marshal(map[string]any{
		"iss":   issuer,
		"aud":   "test-audience",
		"sub":   subject,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	signingInput := b64(header) + "." + b64(claims)
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return signingInput + "." + b64(sig)
}
