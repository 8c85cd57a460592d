package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
)

// SecretProvider decrypts credentials sealed with Seal. The ciphertext is
// read from a file and the plaintext is cached for CacheTTL, so rotated
// secrets are picked up without a restart.
type SecretProvider struct {
	keeper   *secrets.Keeper
	path     string
	cacheTTL time.Duration

	mu          sync.Mutex
	cached      *Credentials
	cacheExpiry time.Time
	closed      bool
}

// SecretOption configures a SecretProvider.
type SecretOption func(*SecretProvider)

// WithCacheTTL sets how long decrypted credentials are reused (default 5m).
func WithCacheTTL(ttl time.Duration) SecretOption {
	return func(p *SecretProvider) {
		p.cacheTTL = ttl
	}
}

// NewSecretProvider opens the keeper at keeperURL and loads the ciphertext
// stored at path. It fails when the secret cannot be decrypted.
func NewSecretProvider(ctx context.Context, keeperURL, path string, opts ...SecretOption) (*SecretProvider, error) {
	if keeperURL == "" || path == "" {
		return nil, fmt.Errorf("keeper URL and secret path are required")
	}
	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}

	p := &SecretProvider{keeper: keeper, path: path, cacheTTL: 5 * time.Minute}
	for _, opt := range opts {
		opt(p)
	}

	if _, err := p.GetCredentials(ctx); err != nil {
		_ = keeper.Close()
		return nil, fmt.Errorf("failed to load initial credentials: %w", err)
	}
	return p, nil
}

// GetCredentials implements Provider.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.cached == nil || !time.Now().Before(p.cacheExpiry) {
		creds, err := p.load(ctx)
		if err != nil {
			return nil, err
		}
		p.cached = creds
		p.cacheExpiry = time.Now().Add(p.cacheTTL)
	}
	if p.cached.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.cached, nil
}

func (p *SecretProvider) load(ctx context.Context) (*Credentials, error) {
	ciphertext, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return decode(plaintext)
}

// Close releases the keeper.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}

// Seal encrypts creds with the keeper at keeperURL. Write the result to the
// file a SecretProvider reads.
func Seal(ctx context.Context, keeperURL string, creds *Credentials) ([]byte, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := json.Marshal(secretData{Credentials: creds, Version: 1, CreatedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}
	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return ciphertext, nil
}
