// eventcore runs the processing core for the bank account domain. Commands
// are accepted through the engine; event streams, application messages and
// exceptions are published to NATS JetStream.
//
// Configuration comes from EVENTCORE_* environment variables. Without
// EVENTCORE_NATS_URL an embedded NATS server is started.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	_ "gocloud.dev/pubsub/mempubsub"     // mem:// topics
	_ "gocloud.dev/pubsub/natspubsub"    // nats:// topics
	_ "gocloud.dev/secrets/localsecrets" // base64key:// keepers

	"github.com/plaenen/eventcore/examples/bankaccount"
	"github.com/plaenen/eventcore/pkg/config"
	"github.com/plaenen/eventcore/pkg/engine"
	natsembedded "github.com/plaenen/eventcore/pkg/infrastructure/nats"
	"github.com/plaenen/eventcore/pkg/messaging"
	"github.com/plaenen/eventcore/pkg/messaging/gocloud"
	natsmsg "github.com/plaenen/eventcore/pkg/messaging/nats"
	"github.com/plaenen/eventcore/pkg/middleware"
	"github.com/plaenen/eventcore/pkg/observability"
	"github.com/plaenen/eventcore/pkg/runner"
	"github.com/plaenen/eventcore/pkg/runtime/embeddednats"
	"github.com/plaenen/eventcore/pkg/runtime/eventbus"
	"github.com/plaenen/eventcore/pkg/security/credentials"
	redisstore "github.com/plaenen/eventcore/pkg/store/redis"
	"github.com/plaenen/eventcore/pkg/store/sqlite"
)

var version = "dev"

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "eventcore: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if dir := filepath.Dir(cfg.SQLiteDSN); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}

	es, err := sqlite.NewEventStore(sqlite.WithDSN(cfg.SQLiteDSN), sqlite.WithWALMode(true))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithCloser(es),
	}

	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = es.Close()
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		opts = append(opts,
			engine.WithCommandStore(redisstore.NewCommandStore(client)),
			engine.WithCloser(client),
		)
		logger.Info("handled commands kept in redis", "addr", cfg.RedisAddr)
	} else {
		opts = append(opts, engine.WithCommandStore(es.CommandStore()))
	}

	var reader *sdkmetric.ManualReader
	if cfg.MetricsInterval > 0 {
		reader = sdkmetric.NewManualReader()
	}
	telemetry, err := initTelemetry(ctx, cfg, es, reader, logger)
	if err != nil {
		_ = es.Close()
		return err
	}
	// Registered after the store so spans are flushed before it closes.
	opts = append(opts, engine.WithTelemetry(telemetry), engine.WithCloser(shutdownCloser(telemetry)))

	var services []runner.Service

	busConfig := natsmsg.DefaultConfig()
	busConfig.SubjectPrefix = cfg.SubjectPrefix
	busConfig.StreamName = strings.ToUpper(cfg.SubjectPrefix)
	busOpts := []eventbus.Option{
		eventbus.WithLogger(logger),
		eventbus.WithTracer(telemetry.Tracer()),
	}
	if cfg.NATSURL == "" {
		nats := embeddednats.New(
			embeddednats.WithLogger(runner.SlogLogger(logger)),
			embeddednats.WithTracer(telemetry.Tracer()),
			embeddednats.WithNATSOptions(
				natsembedded.WithStoreDir(cfg.NATSStoreDir),
				natsembedded.WithLogger(logger),
			),
		)
		services = append(services, nats)
		busOpts = append(busOpts, eventbus.WithURL(nats.URL))
	} else {
		busConfig.URL = cfg.NATSURL
		provider, err := natsCredentials(ctx, cfg)
		if err != nil {
			_ = telemetry.Shutdown(ctx)
			_ = es.Close()
			return err
		}
		if provider != nil {
			busOpts = append(busOpts, eventbus.WithCredentials(provider))
			opts = append(opts, engine.WithCloser(provider))
		}
	}
	bus := eventbus.New(append(busOpts, eventbus.WithConfig(busConfig))...)
	services = append(services, bus)

	topics, err := openTopics(ctx, cfg, bus.Messages(), bus.Exceptions())
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		_ = es.Close()
		return err
	}

	for _, c := range topics.closers {
		opts = append(opts, engine.WithCloser(c))
	}
	opts = append(opts,
		engine.WithEventPublisher(bus.Events()),
		engine.WithMessagePublisher(topics.messages),
		engine.WithExceptionPublisher(topics.exceptions),
		engine.WithHandlerMiddleware(
			middleware.Recovery(logger),
			middleware.Tracing(telemetry.Tracer()),
			middleware.Logging(logger),
			middleware.Validation(),
		),
	)

	eng, err := engine.New(cfg, es, opts...)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		_ = es.Close()
		return fmt.Errorf("create engine: %w", err)
	}
	bankaccount.Register(eng, &bankaccount.Notifier{CheckHandledFirst: true})
	services = append(services, eng)

	if reader != nil {
		services = append(services, newMetricsLogger(reader, cfg.MetricsInterval, logger))
	}

	logger.Info("starting eventcore",
		"version", version,
		"environment", cfg.Environment,
		"sqlite", cfg.SQLiteDSN,
		"embedded_nats", cfg.NATSURL == "",
	)

	return runner.New(services,
		runner.WithLogger(runner.SlogLogger(logger)),
	).Run(ctx)
}

func initTelemetry(ctx context.Context, cfg config.Config, es *sqlite.EventStore, reader sdkmetric.Reader, logger *slog.Logger) (*observability.Telemetry, error) {
	telConfig := observability.Config{
		ServiceName:     "eventcore",
		ServiceVersion:  version,
		Environment:     cfg.Environment,
		TraceSampleRate: cfg.TraceSampleRate,
		MetricReader:    reader,
		Logger:          logger,
	}
	if cfg.TraceSampleRate > 0 {
		exporter, err := observability.NewSQLiteSpanExporter(ctx, es.DB())
		if err != nil {
			return nil, fmt.Errorf("create span exporter: %w", err)
		}
		telConfig.TraceExporter = exporter
	}

	telemetry, err := observability.Init(ctx, telConfig)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return telemetry, nil
}

// natsCredentials returns nil when the external server needs no
// authentication.
func natsCredentials(ctx context.Context, cfg config.Config) (credentials.Provider, error) {
	switch {
	case cfg.NATSCredentialsKeeper != "":
		provider, err := credentials.NewSecretProvider(ctx, cfg.NATSCredentialsKeeper, cfg.NATSCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("load NATS credentials: %w", err)
		}
		return provider, nil
	case cfg.NATSToken != "":
		return credentials.NewStaticTokenProvider(cfg.NATSToken, 0), nil
	}
	return nil, nil
}

type applicationTopics struct {
	messages   messaging.MessagePublisher
	exceptions messaging.ExceptionPublisher
	closers    []io.Closer
}

// openTopics replaces the bus publishers of application messages and
// exceptions with Go CDK topics where a topic URL is configured.
func openTopics(ctx context.Context, cfg config.Config, messages messaging.MessagePublisher, exceptions messaging.ExceptionPublisher) (*applicationTopics, error) {
	t := &applicationTopics{messages: messages, exceptions: exceptions}

	if cfg.MessagesTopicURL != "" {
		p, err := gocloud.OpenPublisher(ctx, cfg.MessagesTopicURL)
		if err != nil {
			return nil, fmt.Errorf("open messages topic: %w", err)
		}
		t.messages = p.Messages()
		t.closers = append(t.closers, topicCloser(p))
	}
	if cfg.ExceptionsTopicURL != "" {
		p, err := gocloud.OpenPublisher(ctx, cfg.ExceptionsTopicURL)
		if err != nil {
			t.close()
			return nil, fmt.Errorf("open exceptions topic: %w", err)
		}
		t.exceptions = p.Exceptions()
		t.closers = append(t.closers, topicCloser(p))
	}
	return t, nil
}

func (t *applicationTopics) close() {
	for _, c := range t.closers {
		_ = c.Close()
	}
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func topicCloser(p *gocloud.Publisher) io.Closer {
	return closerFunc(func() error {
		return p.Close(context.Background())
	})
}

func shutdownCloser(t *observability.Telemetry) io.Closer {
	return closerFunc(func() error {
		return t.Shutdown(context.Background())
	})
}
