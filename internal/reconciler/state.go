package reconciler

import (
	"petmarket/internal/ownership"
	"petmarket/internal/session"
	"petmarket/pkg/domain"
)

// DisplayState is the locally derived rendering state of one asset.
type DisplayState string

const (
	StateLoading            DisplayState = "loading"
	StateNotMinted          DisplayState = "not_minted"
	StateOwnedByMarketplace DisplayState = "owned_by_marketplace"
	StateOwnedByUser        DisplayState = "owned_by_user"
	StateOwnedByOther       DisplayState = "owned_by_other"

	// StateUnavailable is a third-party owned asset seen by a signed-in user.
	StateUnavailable  DisplayState = "unavailable"
	StateMinting      DisplayState = "minting"
	StateTransferring DisplayState = "transferring"
)

// Phase is the write in flight for an asset, if any.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseMinting      Phase = "minting"
	PhaseTransferring Phase = "transferring"
)

// Op is a write operation on an asset.
type Op string

const (
	OpMint    Op = "mint"
	OpAdopt   Op = "adopt"
	OpRelease Op = "release"
)

func (o Op) phase() Phase {
	if o == OpMint {
		return PhaseMinting
	}
	return PhaseTransferring
}

// Inputs is everything the display state depends on.
type Inputs struct {
	Identity    session.Identity
	Record      ownership.Record
	Resolved    bool
	Phase       Phase
	Marketplace domain.Address
}

// Derive computes the display state. It is a pure function of its inputs.
func Derive(in Inputs) DisplayState {
	switch in.Phase {
	case PhaseMinting:
		return StateMinting
	case PhaseTransferring:
		return StateTransferring
	}
	if !in.Resolved {
		return StateLoading
	}
	if !in.Record.Minted {
		return StateNotMinted
	}
	owner := in.Record.Owner
	switch {
	case owner == in.Marketplace:
		return StateOwnedByMarketplace
	case in.Identity.Authenticated && owner == in.Identity.Address:
		return StateOwnedByUser
	case in.Identity.Authenticated:
		return StateUnavailable
	default:
		return StateOwnedByOther
	}
}

// Actions are the write affordances for an asset under the current identity.
type Actions struct {
	Mint    bool   `json:"mint"`
	Adopt   bool   `json:"adopt"`
	Release bool   `json:"release"`
	Label   string `json:"label"`
}

// Allows reports whether op is enabled.
func (a Actions) Allows(op Op) bool {
	switch op {
	case OpMint:
		return a.Mint
	case OpAdopt:
		return a.Adopt
	case OpRelease:
		return a.Release
	}
	return false
}

const (
	LabelMint         = "Mint"
	LabelAdopt        = "Adopt"
	LabelRelease      = "Release"
	LabelMinting      = "Minting"
	LabelTransferring = "Transferring"
	LabelLoading      = "Loading"
	LabelNotAvailable = "Not Available"
	LabelNotActivated = "Wallet Not Activated"
)

// Affordances applies the gating rules. Mint and adopt need an authenticated,
// activated identity; release needs the identity that owns the token. Third
// party assets are never actionable.
func Affordances(state DisplayState, id session.Identity) Actions {
	switch state {
	case StateMinting:
		return Actions{Label: LabelMinting}
	case StateTransferring:
		return Actions{Label: LabelTransferring}
	case StateLoading:
		return Actions{Label: LabelLoading}
	case StateOwnedByUser:
		return Actions{Release: id.Authenticated, Label: LabelRelease}
	case StateOwnedByOther, StateUnavailable:
		return Actions{Label: LabelNotAvailable}
	}

	ready := id.Authenticated && id.Activated
	if id.Authenticated && !id.Activated {
		return Actions{Label: LabelNotActivated}
	}
	switch state {
	case StateNotMinted:
		return Actions{Mint: ready, Label: LabelMint}
	case StateOwnedByMarketplace:
		return Actions{Adopt: ready, Label: LabelAdopt}
	}
	return Actions{}
}

// ownerHint describes who holds the asset, from the viewer's perspective.
func ownerHint(state DisplayState) string {
	switch state {
	case StateNotMinted:
		return "Be the first to mint this pet"
	case StateOwnedByMarketplace:
		return "Waiting for adoption at the marketplace"
	case StateOwnedByUser:
		return "This pet lives with you"
	case StateOwnedByOther, StateUnavailable:
		return "Adopted by another account"
	}
	return ""
}
