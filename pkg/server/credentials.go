package server

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/storage"
	"github.com/raterudder/evsync/pkg/types"
)

// CredentialStore hands out the cloud credentials of every site. Credentials
// saved through the API are stored encrypted in the site settings and take
// precedence over the ones given by flag.
type CredentialStore struct {
	storage       storage.Database
	encryptionKey string
	static        map[string]types.Credentials

	mu    sync.Mutex
	cache map[string]types.Credentials
}

// ConfiguredCredentials registers the credential flags.
func ConfiguredCredentials(db storage.Database) *CredentialStore {
	cs := &CredentialStore{
		storage: db,
		cache:   make(map[string]types.Credentials),
	}
	encryptionKey := lflag.String("credentials-encryption-key", "", "32 character key for encrypting stored credentials")
	sites := map[string]types.Credentials{}
	lflag.JSON(&sites, "sites", sites, "JSON map of siteID to {authToken, cookie} credentials")

	lflag.Do(func() {
		if *encryptionKey != "" && len(*encryptionKey) != 32 {
			panic("credentials-encryption-key must be 32 characters")
		}
		cs.encryptionKey = *encryptionKey
		cs.static = sites
	})
	return cs
}

// NewCredentialStore returns a store with the given key and flag credentials.
func NewCredentialStore(db storage.Database, encryptionKey string, static map[string]types.Credentials) *CredentialStore {
	return &CredentialStore{
		storage:       db,
		encryptionKey: encryptionKey,
		static:        static,
		cache:         make(map[string]types.Credentials),
	}
}

// SiteIDs returns the sites configured by flag.
func (cs *CredentialStore) SiteIDs() []string {
	ids := make([]string, 0, len(cs.static))
	for id := range cs.static {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Credentials returns the credentials of siteID.
func (cs *CredentialStore) Credentials(ctx context.Context, siteID string) (types.Credentials, error) {
	cs.mu.Lock()
	creds, ok := cs.cache[siteID]
	cs.mu.Unlock()
	if ok {
		return creds, nil
	}

	settings, _, err := cs.storage.GetSettings(ctx, siteID)
	if err != nil {
		return types.Credentials{}, fmt.Errorf("failed to get settings: %w", err)
	}
	if len(settings.EncryptedCredentials) > 0 {
		creds, err = cs.decrypt(ctx, settings.EncryptedCredentials)
		if err != nil {
			return types.Credentials{}, err
		}
	} else {
		creds = cs.static[siteID]
	}

	cs.mu.Lock()
	cs.cache[siteID] = creds
	cs.mu.Unlock()
	return creds, nil
}

// OnReauthRequired drops the cached credentials so that ones written to
// storage out of band are picked up by the next pass.
func (cs *CredentialStore) OnReauthRequired(ctx context.Context, siteID string, err error) {
	log.Ctx(ctx).ErrorContext(ctx, "site credentials rejected, new credentials required",
		slog.String("siteID", siteID),
		slog.Any("error", err),
	)
	cs.Invalidate(siteID)
}

// Invalidate drops the cached credentials of siteID.
func (cs *CredentialStore) Invalidate(siteID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.cache, siteID)
}

func (cs *CredentialStore) gcm() (cipher.AEAD, error) {
	if cs.encryptionKey == "" {
		return nil, errors.New("no encryption key configured")
	}
	key := []byte(cs.encryptionKey)
	if len(key) != 32 {
		return nil, errors.New("invalid encryption key length (must be 32 bytes)")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

func (cs *CredentialStore) decrypt(ctx context.Context, encrypted []byte) (types.Credentials, error) {
	if len(encrypted) == 0 {
		return types.Credentials{}, nil
	}
	gcm, err := cs.gcm()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot decrypt credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("cannot decrypt credentials: %w", err)
	}

	if len(encrypted) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted credentials", slog.Int("length", len(encrypted)))
		return types.Credentials{}, errors.New("malformed encrypted credentials")
	}

	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var creds types.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return types.Credentials{}, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return creds, nil
}

func (cs *CredentialStore) encrypt(ctx context.Context, creds types.Credentials) ([]byte, error) {
	gcm, err := cs.gcm()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot encrypt credentials", slog.Any("error", err))
		return nil, fmt.Errorf("cannot encrypt credentials: %w", err)
	}

	jsonBytes, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, jsonBytes, nil), nil
}
