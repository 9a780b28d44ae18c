package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on coordinator types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// RPCServer exposes management endpoints (status, health, metrics) for
// operators and the `mockhub status` command.
type RPCServer interface {
	// Start binds and serves in the background. ctx only bounds startup;
	// the endpoint runs until Stop.
	Start(ctx context.Context, status StatusFunc) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient queries a management endpoint using the chosen protocol
// (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
}
