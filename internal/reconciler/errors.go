package reconciler

import (
	"errors"
	"fmt"

	"petmarket/internal/ledger"
	"petmarket/pkg/domain"
	"petmarket/pkg/platform/sentinel"
)

var (
	ErrUnknownAsset = fmt.Errorf("unknown asset: %w", sentinel.ErrNotFound)
	ErrClosed       = fmt.Errorf("asset machine closed: %w", sentinel.ErrUnavailable)
)

// ConcurrentOperationError rejects a write requested while a read or another
// write for the same asset is outstanding. No ledger call has been made.
type ConcurrentOperationError struct {
	Asset   domain.AssetID
	Op      Op
	Pending string
}

func (e *ConcurrentOperationError) Error() string {
	return fmt.Sprintf("asset %s: %s rejected, %s in flight", e.Asset, e.Op, e.Pending)
}

func (e *ConcurrentOperationError) Unwrap() error { return sentinel.ErrConflict }

// GatingError rejects a write the current state or identity does not allow.
type GatingError struct {
	Asset domain.AssetID
	Op    Op
	State DisplayState
	Label string
}

func (e *GatingError) Error() string {
	return fmt.Sprintf("asset %s: %s not allowed in state %s (%s)", e.Asset, e.Op, e.State, e.Label)
}

func (e *GatingError) Unwrap() error { return sentinel.ErrInvalidState }

// ConsistencyError means a mint settled but no new token could be attributed
// to the asset.
type ConsistencyError struct {
	Asset  domain.AssetID
	Before domain.TokenSet
	After  domain.TokenSet
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("asset %s: mint not attributable: %s (before %d ids, after %d ids)",
		e.Asset, e.Reason, e.Before.Len(), e.After.Len())
}

// OperationError is a failed write. The asset's record has been restored to
// its pre-write value.
type OperationError struct {
	Asset domain.AssetID
	Op    Op
	TxID  ledger.TxID
	Err   error
}

func (e *OperationError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("asset %s: %s (tx %s): %v", e.Asset, e.Op, e.TxID, e.Err)
	}
	return fmt.Sprintf("asset %s: %s: %v", e.Asset, e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// IsConsistency reports whether err carries a ConsistencyError.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
