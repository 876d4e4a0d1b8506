package reconciler

import (
	"context"

	"petmarket/internal/catalogue"
	"petmarket/internal/journal"
	"petmarket/internal/ownership"
	"petmarket/pkg/domain"
)

// Ownership is the read side the reconciler resolves records with.
// Not-found answers are already absorbed into Unminted or empty sets.
type Ownership interface {
	OwnerOf(ctx context.Context, id domain.TokenID) (ownership.Record, error)
	TokensOf(ctx context.Context, addr domain.Address) (domain.TokenSet, error)
	AllTokens(ctx context.Context) (domain.TokenSet, error)
	MetadataOf(ctx context.Context, id domain.TokenID) (map[string]string, error)
	FindByAttributes(ctx context.Context, ids domain.TokenSet, d catalogue.Descriptor) (domain.TokenID, bool, error)
}

// Guard excludes writers for the same asset across processes. release must
// be called once the write has finished.
type Guard interface {
	Acquire(ctx context.Context, asset domain.AssetID, op string) (release func(), err error)
}

// Journal records write operations.
type Journal interface {
	Record(ctx context.Context, e journal.Entry)
}
