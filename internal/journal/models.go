// Package journal records the ledger writes this process submits. It is an
// audit trail of operations, never a cache of ownership: nothing reads it
// back to decide who owns an asset.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"petmarket/pkg/domain"
)

type Kind string

const (
	KindActivate Kind = "activate"
	KindMint     Kind = "mint"
	KindAdopt    Kind = "adopt"
	KindRelease  Kind = "release"
)

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusSettled   Status = "settled"
	StatusFailed    Status = "failed"
)

// Entry is one write operation. The same ID is recorded when the operation
// starts and again when it finishes; sinks treat the second write as an update.
type Entry struct {
	ID         uuid.UUID       `json:"id"`
	Kind       Kind            `json:"kind"`
	AssetID    domain.AssetID  `json:"asset_id,omitempty"`
	Address    domain.Address  `json:"address,omitempty"`
	TokenID    *domain.TokenID `json:"token_id,omitempty"`
	TxID       string          `json:"tx_id,omitempty"`
	Status     Status          `json:"status"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Begin opens a submitted entry.
func Begin(kind Kind, asset domain.AssetID, addr domain.Address, now time.Time) Entry {
	return Entry{
		ID:        uuid.New(),
		Kind:      kind,
		AssetID:   asset,
		Address:   addr,
		Status:    StatusSubmitted,
		StartedAt: now,
	}
}

// WithToken returns a copy of e bound to token id.
func (e Entry) WithToken(id domain.TokenID) Entry {
	e.TokenID = &id
	return e
}

// Finish closes the entry as settled, or failed when err is non-nil.
func (e Entry) Finish(txID string, err error, now time.Time) Entry {
	if txID != "" {
		e.TxID = txID
	}
	e.FinishedAt = &now
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
		return e
	}
	e.Status = StatusSettled
	e.Error = ""
	return e
}

// Sink receives entries. Writes with an already seen ID replace the earlier entry.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Store is a sink that can list what it holds, newest first.
type Store interface {
	Sink
	List(ctx context.Context, limit int) ([]Entry, error)
}
