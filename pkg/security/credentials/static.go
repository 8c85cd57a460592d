package credentials

import (
	"context"
	"time"
)

// StaticProvider returns fixed credentials, typically from configuration.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticTokenProvider serves token. A positive ttl makes the credentials
// expire.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	creds := &Credentials{Type: CredentialTypeToken, Token: token}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		creds.ExpiresAt = &exp
	}
	return &StaticProvider{creds: creds}
}

// NewStaticUserPasswordProvider serves a user and password.
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{creds: &Credentials{Type: CredentialTypeUserPassword, User: user, Password: password}}
}

// GetCredentials implements Provider.
func (p *StaticProvider) GetCredentials(context.Context) (*Credentials, error) {
	if err := p.creds.Validate(); err != nil {
		return nil, err
	}
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, nil
}

// Close implements Provider.
func (p *StaticProvider) Close() error {
	return nil
}
