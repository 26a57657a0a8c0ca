// Package upstream owns the single live model client and rebuilds it whenever
// the active credential changes.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nstogner/ortofix/pkg/credential"
	"github.com/nstogner/ortofix/pkg/model"
)

// Factory hands out the client bound to the pool's current credential.
// It is the only writer of the live client; readers always observe either the
// old or the new client.
type Factory struct {
	pool      *credential.Pool
	newClient model.NewClientFunc

	mu     sync.Mutex
	client model.Client
	// index is the pool position client was built for.
	index int
}

// NewFactory creates a Factory. No client is built until the first call to Client.
func NewFactory(pool *credential.Pool, newClient model.NewClientFunc) *Factory {
	return &Factory{pool: pool, newClient: newClient, index: -1}
}

// Client returns the live client, building it if none exists yet or if the
// pool has moved to another credential since it was built.
func (f *Factory) Client(ctx context.Context) (model.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.pool.Index()
	if f.client != nil && f.index == idx {
		return f.client, nil
	}
	return f.rebuildLocked(ctx, idx)
}

// Rotate advances the pool to the next credential and replaces the live
// client. rotated is false when the pool has no alternative credential, in
// which case the current client is kept.
func (f *Factory) Rotate(ctx context.Context) (rotated bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx, rotated := f.pool.Rotate()
	if !rotated && f.client != nil {
		return false, nil
	}
	if _, err := f.rebuildLocked(ctx, idx); err != nil {
		return rotated, err
	}
	return rotated, nil
}

// PoolIndex reports the active credential position.
func (f *Factory) PoolIndex() int { return f.pool.Index() }

// PoolSize reports how many credentials are configured.
func (f *Factory) PoolSize() int { return f.pool.Len() }

// Close releases the live client.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return nil
	}
	err := f.client.Close()
	f.client = nil
	f.index = -1
	return err
}

func (f *Factory) rebuildLocked(ctx context.Context, idx int) (model.Client, error) {
	client, err := f.newClient(ctx, f.pool.Current())
	if err != nil {
		return nil, fmt.Errorf("building upstream client for credential %d: %w", idx, err)
	}
	// Conversations started on the previous client keep a reference to it,
	// so it is replaced but not closed.
	f.client = client
	f.index = idx
	slog.Debug("Upstream client built", "provider", client.Name(), "credentialIndex", idx)
	return client, nil
}
