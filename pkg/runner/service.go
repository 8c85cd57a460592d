package runner

import "context"

// Service is one component of the eventcore process: the embedded NATS
// server, the event bus, the engine or the metrics logger. The Runner starts
// services in order and stops them in reverse.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start returns once the service can be used by the services after it.
	// The engine accepts commands before Start; Start only adds its
	// background scans.
	Start(ctx context.Context) error

	// Stop releases the service's resources. The bus closes its connection;
	// the engine cancels in-flight retries and closes its stores.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services with a remote dependency, such as
// the event bus reporting its NATS connection.
type HealthChecker interface {
	Service

	// HealthCheck returns an error if the service cannot do its work.
	HealthCheck(ctx context.Context) error
}
