// Package credentials supplies the NATS connection credentials. Secrets are
// kept encrypted at rest and opened through gocloud.dev/secrets, so any
// keeper URL it supports works (base64key:// locally, awskms://, gcpkms://,
// hashivault://, azurekeyvault://). Cloud drivers are linked by the binary.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	ErrCredentialsExpired = errors.New("credentials expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrProviderClosed     = errors.New("provider is closed")
)

// CredentialType selects the authentication scheme.
type CredentialType string

const (
	CredentialTypeToken        CredentialType = "token"
	CredentialTypeUserPassword CredentialType = "user_password"
)

// Credentials authenticate one connection.
type Credentials struct {
	Type      CredentialType `json:"type"`
	Token     string         `json:"token,omitempty"`
	User      string         `json:"user,omitempty"`
	Password  string         `json:"password,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// IsExpired reports whether ExpiresAt has passed.
func (c *Credentials) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Validate checks that the fields of the type are set.
func (c *Credentials) Validate() error {
	switch c.Type {
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// String redacts secrets, so credentials can be logged.
func (c *Credentials) String() string {
	if c.Type == CredentialTypeUserPassword {
		return fmt.Sprintf("%s(%s:***)", c.Type, c.User)
	}
	return fmt.Sprintf("%s(***)", c.Type)
}

// NATSOptions returns the connect options authenticating with c.
func (c *Credentials) NATSOptions() []nats.Option {
	switch c.Type {
	case CredentialTypeToken:
		return []nats.Option{nats.Token(c.Token)}
	case CredentialTypeUserPassword:
		return []nats.Option{nats.UserInfo(c.User, c.Password)}
	}
	return nil
}

// Provider returns the current credentials.
type Provider interface {
	GetCredentials(ctx context.Context) (*Credentials, error)
	Close() error
}

// ConnectOptions fetches credentials from p and turns them into NATS
// connect options.
func ConnectOptions(ctx context.Context, p Provider) ([]nats.Option, error) {
	creds, err := p.GetCredentials(ctx)
	if err != nil {
		return nil, err
	}
	return creds.NATSOptions(), nil
}

// secretData is the plaintext of a sealed secret.
type secretData struct {
	Credentials *Credentials `json:"credentials"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
}

func decode(plaintext []byte) (*Credentials, error) {
	var data secretData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret data: %w", err)
	}
	if data.Credentials == nil {
		return nil, fmt.Errorf("%w: secret holds no credentials", ErrInvalidCredentials)
	}
	if err := data.Credentials.Validate(); err != nil {
		return nil, err
	}
	return data.Credentials, nil
}
