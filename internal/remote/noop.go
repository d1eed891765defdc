package remote

import (
	"context"

	"go.uber.org/zap"
)

// NoopGateway is the offline gateway: pulls report nothing remote, pushes
// log and succeed. All chain operations behave identically with it in
// place, so running without network collaborators is not a degraded mode.
type NoopGateway struct {
	logger *zap.Logger
}

// NewNoopGateway creates a NoopGateway backed by the given logger.
func NewNoopGateway(logger *zap.Logger) *NoopGateway {
	return &NoopGateway{logger: logger}
}

// Pull implements Gateway. There is never a remote document.
func (n *NoopGateway) Pull(_ context.Context) ([]byte, error) {
	return nil, ErrNotFound
}

// Push implements Gateway. The chain bytes are logged as skipped.
func (n *NoopGateway) Push(_ context.Context, data []byte) (string, error) {
	n.logger.Info("sync push skipped (offline mode)", zap.Int("bytes", len(data)))
	return "offline", nil
}
