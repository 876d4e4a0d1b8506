// Package ledger defines the port through which the marketplace talks to the
// external ledger: read-only scripts and settled transactions.
//
// Adapters (see flowrest) translate these calls onto a concrete access API and
// classify failures into the Error taxonomy so callers can tell "the resource
// does not exist" apart from "the ledger could not be reached".
package ledger

import (
	"context"
	"encoding/json"
	"maps"
	"slices"

	"petmarket/pkg/domain"
)

// Script names a read-only query.
type Script string

const (
	// ScriptTokenOwner(id UInt64) -> Address?
	ScriptTokenOwner Script = "token_owner"
	// ScriptAccountTokenIDs(addr Address) -> [UInt64]; fails when the account has no receiver capability.
	ScriptAccountTokenIDs Script = "account_token_ids"
	// ScriptTokenMetadata(id UInt64) -> {String: String}
	ScriptTokenMetadata Script = "token_metadata"
	// ScriptAllTokenIDs() -> [UInt64], every token minted by the contract.
	ScriptAllTokenIDs Script = "all_token_ids"
)

// TxKind names a transaction template.
type TxKind string

const (
	// TxSetupReceiver installs the collection receiver on the signer's account.
	TxSetupReceiver TxKind = "setup_receiver"
	// TxMintToken(metadata {String: String}, uri String) mints into the marketplace account.
	TxMintToken TxKind = "mint_token"
	// TxTransferToken(id UInt64, recipient Address) moves a token out of the marketplace account.
	TxTransferToken TxKind = "transfer_token"
	// TxTransferToMarketplace(id UInt64) returns a token from the signer to the marketplace.
	TxTransferToMarketplace TxKind = "transfer_to_marketplace"
)

// TxID identifies a submitted transaction.
type TxID string

// ArgType is the ledger-side type of a script or transaction argument.
type ArgType string

const (
	ArgUInt64     ArgType = "UInt64"
	ArgAddress    ArgType = "Address"
	ArgString     ArgType = "String"
	ArgDictionary ArgType = "Dictionary"
)

// Arg is a typed argument. Value is uint64, string or map[string]string
// depending on Type.
type Arg struct {
	Type  ArgType
	Value any
}

func UInt64(v uint64) Arg                { return Arg{Type: ArgUInt64, Value: v} }
func TokenID(id domain.TokenID) Arg      { return UInt64(uint64(id)) }
func Address(a domain.Address) Arg       { return Arg{Type: ArgAddress, Value: a.String()} }
func String(s string) Arg                { return Arg{Type: ArgString, Value: s} }
func Dictionary(m map[string]string) Arg { return Arg{Type: ArgDictionary, Value: maps.Clone(m)} }

// SortedKeys returns the dictionary keys of a Dictionary argument in stable order.
func (a Arg) SortedKeys() []string {
	m, _ := a.Value.(map[string]string)
	return slices.Sorted(maps.Keys(m))
}

// Transaction is a write request. Authorizer is the account whose signature
// the transaction needs: the marketplace for mint and adopt, the user for
// activation and release.
type Transaction struct {
	Kind       TxKind
	Args       []Arg
	Authorizer domain.Address
}

// Client is the ledger collaborator. Implementations must be safe for
// concurrent use.
type Client interface {
	// RunScript executes a read-only query and returns its result as plain JSON.
	RunScript(ctx context.Context, script Script, args ...Arg) (json.RawMessage, error)
	// SubmitTransaction sends a transaction for signing and execution,
	// returning once it has been accepted.
	SubmitTransaction(ctx context.Context, tx Transaction) (TxID, error)
	// AwaitSettlement blocks until the transaction is final. A transaction that
	// settles with an execution error returns a KindRejected error.
	AwaitSettlement(ctx context.Context, id TxID) error
}

// Submitter is the write half of Client.
type Submitter interface {
	SubmitTransaction(ctx context.Context, tx Transaction) (TxID, error)
	AwaitSettlement(ctx context.Context, id TxID) error
}

// ScriptRunner is the read half of Client.
type ScriptRunner interface {
	RunScript(ctx context.Context, script Script, args ...Arg) (json.RawMessage, error)
}

// Settle submits a transaction and waits for it to become final. The
// transaction id is returned even when settlement fails so callers can record it.
func Settle(ctx context.Context, s Submitter, tx Transaction) (TxID, error) {
	id, err := s.SubmitTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	if err := s.AwaitSettlement(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}
