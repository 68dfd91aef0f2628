package connection

import (
	"context"

	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/protocol"
)

// Transport is one live duplex session with the gateway.
// Send must be safe to call concurrently with Receive and with itself.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Transport, error)
}

// SnapshotFetcher pulls full snapshots over request/response, used while
// the live transport is unavailable.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, credential string, class changefeed.EntityClass) (*changefeed.Snapshot, error)
}
