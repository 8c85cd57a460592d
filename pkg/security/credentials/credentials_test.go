package credentials_test

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/secrets/localsecrets"

	"github.com/plaenen/eventcore/pkg/security/credentials"
)

func keeperURL(t *testing.T) string {
	t.Helper()
	key, err := localsecrets.NewRandomKey()
	require.NoError(t, err)
	return "base64key://" + base64.URLEncoding.EncodeToString(key[:])
}

func sealTo(t *testing.T, url, path string, creds *credentials.Credentials) {
	t.Helper()
	ciphertext, err := credentials.Seal(context.Background(), url, creds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, ciphertext, 0o600))
}

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name  string
		creds credentials.Credentials
		ok    bool
	}{
		{"token", credentials.Credentials{Type: credentials.CredentialTypeToken, Token: "t"}, true},
		{"missing token", credentials.Credentials{Type: credentials.CredentialTypeToken}, false},
		{"user password", credentials.Credentials{Type: credentials.CredentialTypeUserPassword, User: "u", Password: "p"}, true},
		{"missing password", credentials.Credentials{Type: credentials.CredentialTypeUserPassword, User: "u"}, false},
		{"missing type", credentials.Credentials{Token: "t"}, false},
		{"unknown type", credentials.Credentials{Type: "nkey"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, credentials.ErrInvalidCredentials)
			}
		})
	}
}

func TestCredentials_String(t *testing.T) {
	creds := &credentials.Credentials{Type: credentials.CredentialTypeUserPassword, User: "app", Password: "hunter2"}
	assert.Equal(t, "user_password(app:***)", creds.String())
	assert.NotContains(t, (&credentials.Credentials{Type: credentials.CredentialTypeToken, Token: "s3cret"}).String(), "s3cret")
}

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()

	creds, err := credentials.NewStaticTokenProvider("s3cret", 0).GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", creds.Token)

	expiring := credentials.NewStaticTokenProvider("s3cret", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, err = expiring.GetCredentials(ctx)
	assert.ErrorIs(t, err, credentials.ErrCredentialsExpired)

	_, err = credentials.NewStaticUserPasswordProvider("app", "").GetCredentials(ctx)
	assert.ErrorIs(t, err, credentials.ErrInvalidCredentials)
}

func TestSecretProvider(t *testing.T) {
	ctx := context.Background()
	url := keeperURL(t)
	path := filepath.Join(t.TempDir(), "nats.secret")

	t.Run("decrypts sealed credentials", func(t *testing.T) {
		sealTo(t, url, path, &credentials.Credentials{Type: credentials.CredentialTypeUserPassword, User: "app", Password: "hunter2"})

		p, err := credentials.NewSecretProvider(ctx, url, path)
		require.NoError(t, err)
		defer p.Close()

		creds, err := p.GetCredentials(ctx)
		require.NoError(t, err)
		assert.Equal(t, "app", creds.User)
		assert.Equal(t, "hunter2", creds.Password)
	})

	t.Run("rotation is picked up after the cache expires", func(t *testing.T) {
		sealTo(t, url, path, &credentials.Credentials{Type: credentials.CredentialTypeToken, Token: "first"})

		p, err := credentials.NewSecretProvider(ctx, url, path, credentials.WithCacheTTL(time.Millisecond))
		require.NoError(t, err)
		defer p.Close()

		sealTo(t, url, path, &credentials.Credentials{Type: credentials.CredentialTypeToken, Token: "second"})
		time.Sleep(5 * time.Millisecond)

		creds, err := p.GetCredentials(ctx)
		require.NoError(t, err)
		assert.Equal(t, "second", creds.Token)
	})

	t.Run("wrong key fails at construction", func(t *testing.T) {
		sealTo(t, url, path, &credentials.Credentials{Type: credentials.CredentialTypeToken, Token: "t"})

		_, err := credentials.NewSecretProvider(ctx, keeperURL(t), path)
		require.Error(t, err)
	})

	t.Run("closed provider", func(t *testing.T) {
		sealTo(t, url, path, &credentials.Credentials{Type: credentials.CredentialTypeToken, Token: "t"})

		p, err := credentials.NewSecretProvider(ctx, url, path)
		require.NoError(t, err)
		require.NoError(t, p.Close())
		require.NoError(t, p.Close())

		_, err = p.GetCredentials(ctx)
		assert.ErrorIs(t, err, credentials.ErrProviderClosed)
	})

	t.Run("seal rejects invalid credentials", func(t *testing.T) {
		_, err := credentials.Seal(ctx, url, &credentials.Credentials{Type: credentials.CredentialTypeToken})
		assert.ErrorIs(t, err, credentials.ErrInvalidCredentials)
	})
}

func TestConnectOptions_AuthenticateWithNATS(t *testing.T) {
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, Authorization: "s3cret"})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	defer srv.Shutdown()

	_, err = nats.Connect(srv.ClientURL())
	require.Error(t, err, "server requires a token")

	opts, err := credentials.ConnectOptions(context.Background(), credentials.NewStaticTokenProvider("s3cret", 0))
	require.NoError(t, err)

	nc, err := nats.Connect(srv.ClientURL(), opts...)
	require.NoError(t, err)
	defer nc.Close()
	assert.True(t, nc.IsConnected())
}
