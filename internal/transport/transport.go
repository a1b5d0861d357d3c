// Package transport defines the contract shared by the daemon's listeners.
//
// The HTTP transport carries browser sessions; the gRPC transport exposes
// the standard health service to orchestrators. cmd/voicechat runs every
// enabled transport side by side and stops them together.
package transport

import "context"

// Transport is a network listener owned by the daemon.
type Transport interface {
	// Name returns the transport identifier (e.g., "http", "grpc").
	Name() string

	// Listen accepts connections until ctx is cancelled, then drains and
	// returns. A nil error means a clean shutdown.
	Listen(ctx context.Context) error
}
