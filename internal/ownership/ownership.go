// Package ownership is the read side of the ledger: who owns a token, which
// tokens an account holds, and what metadata a token carries.
//
// Not-found answers are normal states here (an unminted token, an account
// without a receiver) and never surface as errors. Transport failures do.
package ownership

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"petmarket/internal/catalogue"
	"petmarket/internal/ledger"
	"petmarket/pkg/domain"
)

// ErrNoMetadata is returned for tokens the ledger holds no metadata for.
var ErrNoMetadata = errors.New("token has no metadata")

const defaultConcurrency = 8

// Record is the ownership of one asset: Unminted, or OwnedBy an address.
type Record struct {
	Minted bool           `json:"minted"`
	Owner  domain.Address `json:"owner,omitempty"`
}

func Unminted() Record                   { return Record{} }
func OwnedBy(addr domain.Address) Record { return Record{Minted: true, Owner: addr} }

func (r Record) String() string {
	if !r.Minted {
		return "unminted"
	}
	return "owned by " + r.Owner.String()
}

type Service struct {
	ledger      ledger.ScriptRunner
	logger      *slog.Logger
	concurrency int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConcurrency bounds the parallel metadata reads of FindByAttributes.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func New(runner ledger.ScriptRunner, opts ...Option) *Service {
	s := &Service{ledger: runner, logger: slog.Default(), concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OwnerOf returns the current holder of id, or Unminted if the ledger does not know it.
func (s *Service) OwnerOf(ctx context.Context, id domain.TokenID) (Record, error) {
	raw, err := s.ledger.RunScript(ctx, ledger.ScriptTokenOwner, ledger.TokenID(id))
	if err != nil {
		if ledger.IsNotFound(err) {
			return Unminted(), nil
		}
		return Record{}, err
	}
	var owner *string
	if err := json.Unmarshal(raw, &owner); err != nil {
		return Record{}, ledger.NewError(ledger.KindDecode, string(ledger.ScriptTokenOwner), "owner is not an address", err)
	}
	if owner == nil || *owner == "" {
		return Unminted(), nil
	}
	addr, err := domain.ParseAddress(*owner)
	if err != nil {
		return Record{}, ledger.NewError(ledger.KindDecode, string(ledger.ScriptTokenOwner), "owner is not an address", err)
	}
	return OwnedBy(addr), nil
}

// TokensOf returns the ids held by addr. An account without a receiver holds nothing.
func (s *Service) TokensOf(ctx context.Context, addr domain.Address) (domain.TokenSet, error) {
	return s.tokenSet(ctx, ledger.ScriptAccountTokenIDs, ledger.Address(addr))
}

// AllTokens returns every id minted by the contract.
func (s *Service) AllTokens(ctx context.Context) (domain.TokenSet, error) {
	return s.tokenSet(ctx, ledger.ScriptAllTokenIDs)
}

func (s *Service) tokenSet(ctx context.Context, script ledger.Script, args ...ledger.Arg) (domain.TokenSet, error) {
	raw, err := s.ledger.RunScript(ctx, script, args...)
	if err != nil {
		if ledger.IsNotFound(err) {
			return domain.NewTokenSet(), nil
		}
		return nil, err
	}
	var ids []uint64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, ledger.NewError(ledger.KindDecode, string(script), "token ids are not a list of integers", err)
	}
	set := make([]domain.TokenID, len(ids))
	for i, id := range ids {
		set[i] = domain.TokenID(id)
	}
	return domain.NewTokenSet(set...), nil
}

// MetadataOf returns the attribute dictionary recorded for id.
func (s *Service) MetadataOf(ctx context.Context, id domain.TokenID) (map[string]string, error) {
	raw, err := s.ledger.RunScript(ctx, ledger.ScriptTokenMetadata, ledger.TokenID(id))
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, ErrNoMetadata
		}
		return nil, err
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, ledger.NewError(ledger.KindDecode, string(ledger.ScriptTokenMetadata), "metadata is not a string dictionary", err)
	}
	if meta == nil {
		return nil, ErrNoMetadata
	}
	return meta, nil
}

// FindByAttributes returns the highest id in ids whose metadata matches d.
// Candidates are read in descending batches of the configured concurrency;
// a batch containing a match ends the scan.
func (s *Service) FindByAttributes(ctx context.Context, ids domain.TokenSet, d catalogue.Descriptor) (domain.TokenID, bool, error) {
	candidates := ids.Descending()
	for start := 0; start < len(candidates); start += s.concurrency {
		batch := candidates[start:min(start+s.concurrency, len(candidates))]
		matched := make([]bool, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for i, id := range batch {
			g.Go(func() error {
				meta, err := s.MetadataOf(gctx, id)
				if errors.Is(err, ErrNoMetadata) {
					return nil
				}
				if err != nil {
					return err
				}
				matched[i] = d.Matches(meta)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, false, err
		}
		for i, ok := range matched {
			if ok {
				s.logger.DebugContext(ctx, "token matched descriptor", "asset_id", d.ID, "token_id", batch[i])
				return batch[i], true, nil
			}
		}
	}
	return 0, false, nil
}
