// Package nats runs an in-process NATS server with JetStream, for tests and
// single-binary deployments.
package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an embedded NATS server.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	logger       *slog.Logger
	shutdownOnce sync.Once
}

type embeddedConfig struct {
	host         string
	port         int
	storeDir     string
	debug        bool
	readyTimeout time.Duration
	logger       *slog.Logger
}

// Option configures the embedded server.
type Option func(*embeddedConfig)

// WithHost sets the listen address (default 127.0.0.1).
func WithHost(host string) Option {
	return func(c *embeddedConfig) {
		c.host = host
	}
}

// WithPort sets the client port. -1 picks a random free port (default).
func WithPort(port int) Option {
	return func(c *embeddedConfig) {
		c.port = port
	}
}

// WithStoreDir sets the JetStream storage directory. Empty uses a temp dir.
func WithStoreDir(dir string) Option {
	return func(c *embeddedConfig) {
		c.storeDir = dir
	}
}

// WithDebug enables server debug logging.
func WithDebug(debug bool) Option {
	return func(c *embeddedConfig) {
		c.debug = debug
	}
}

// WithReadyTimeout bounds how long StartEmbeddedServer waits for the server.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *embeddedConfig) {
		c.readyTimeout = d
	}
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *embeddedConfig) {
		c.logger = logger
	}
}

// StartEmbeddedServer starts an embedded NATS server with JetStream enabled.
func StartEmbeddedServer(opts ...Option) (*EmbeddedServer, error) {
	cfg := embeddedConfig{
		host:         "127.0.0.1",
		port:         -1,
		readyTimeout: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := server.NewServer(&server.Options{
		Host:      cfg.host,
		Port:      cfg.port,
		JetStream: true,
		StoreDir:  cfg.storeDir,
		Debug:     cfg.debug,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}
	if cfg.debug {
		s.ConfigureLogger()
	}

	go s.Start()

	if !s.ReadyForConnections(cfg.readyTimeout) {
		s.Shutdown()
		return nil, fmt.Errorf("server not ready after %s", cfg.readyTimeout)
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
		logger: cfg.logger,
	}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server, waiting at most five seconds.
// Safe to call multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.logger.Warn("NATS server shutdown timed out", "timeout", 5*time.Second)
		}
	})
}

// Connect opens a client connection to the server.
func (e *EmbeddedServer) Connect(opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(e.url, opts...)
}
