// Package guard provides per-asset write exclusion. The reconciler already
// serialises writes inside one process; guards extend that to every replica
// signing for the same marketplace account.
package guard

import (
	"context"
	"fmt"
	"sync"

	"petmarket/pkg/domain"
	"petmarket/pkg/platform/sentinel"
)

// ErrHeld is returned when another writer holds the asset.
var ErrHeld = fmt.Errorf("asset write guard held: %w", sentinel.ErrConflict)

// Memory guards assets within a single process.
type Memory struct {
	mu   sync.Mutex
	held map[domain.AssetID]string
}

func NewMemory() *Memory {
	return &Memory{held: make(map[domain.AssetID]string)}
}

func (g *Memory) Acquire(_ context.Context, asset domain.AssetID, op string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if holder, ok := g.held[asset]; ok {
		return nil, fmt.Errorf("%w: %s by %s", ErrHeld, asset, holder)
	}
	g.held[asset] = op

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.held, asset)
		})
	}, nil
}
