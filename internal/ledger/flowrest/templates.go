package flowrest

import (
	"embed"
	"fmt"
	"strings"

	"petmarket/internal/ledger"
	"petmarket/pkg/domain"
)

//go:embed cadence/*.cdc
var sources embed.FS

const (
	contractPlaceholder    = "0xPETSTORE"
	marketplacePlaceholder = "0xMARKETPLACE"
)

// Addresses are substituted into the embedded Cadence sources.
type Addresses struct {
	Contract    domain.Address
	Marketplace domain.Address
}

type templates struct {
	scripts map[ledger.Script][]byte
	txs     map[ledger.TxKind][]byte
}

func loadTemplates(addrs Addresses) (*templates, error) {
	if addrs.Contract.IsZero() || addrs.Marketplace.IsZero() {
		return nil, fmt.Errorf("contract and marketplace addresses are required")
	}
	r := strings.NewReplacer(
		contractPlaceholder, addrs.Contract.String(),
		marketplacePlaceholder, addrs.Marketplace.String(),
	)
	read := func(name string) ([]byte, error) {
		raw, err := sources.ReadFile("cadence/" + name + ".cdc")
		if err != nil {
			return nil, fmt.Errorf("read cadence source %s: %w", name, err)
		}
		return []byte(r.Replace(string(raw))), nil
	}

	t := &templates{
		scripts: make(map[ledger.Script][]byte),
		txs:     make(map[ledger.TxKind][]byte),
	}
	for _, s := range []ledger.Script{
		ledger.ScriptTokenOwner,
		ledger.ScriptAccountTokenIDs,
		ledger.ScriptTokenMetadata,
		ledger.ScriptAllTokenIDs,
	} {
		src, err := read(string(s))
		if err != nil {
			return nil, err
		}
		t.scripts[s] = src
	}
	for _, k := range []ledger.TxKind{
		ledger.TxSetupReceiver,
		ledger.TxMintToken,
		ledger.TxTransferToken,
		ledger.TxTransferToMarketplace,
	} {
		src, err := read(string(k))
		if err != nil {
			return nil, err
		}
		t.txs[k] = src
	}
	return t, nil
}
