// Package domain holds the value types shared by every bounded context:
// account addresses, ledger token ids and catalogue asset ids.
//
// Parsing happens at trust boundaries (HTTP input, ledger responses, identity
// tokens). Inside the system these types are assumed valid.
package domain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrInvalidAddress = errors.New("invalid account address")
	ErrInvalidTokenID = errors.New("invalid token id")
	ErrInvalidAssetID = errors.New("invalid asset id")
)

// Address is an opaque ledger account handle. Canonical form is lower-case
// hex with a 0x prefix.
type Address string

// ParseAddress normalises and validates a hex account address.
func ParseAddress(s string) (Address, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	raw := strings.TrimPrefix(s, "0x")
	if raw == "" || len(raw) > 64 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if len(raw)%2 == 1 {
		raw = "0" + raw
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address("0x" + raw), nil
}

// MustAddress is ParseAddress for constants and tests.
func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) IsZero() bool   { return a == "" }
func (a Address) String() string { return string(a) }

// TokenID is the ledger-assigned identifier of a minted token.
type TokenID uint64

func ParseTokenID(s string) (TokenID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTokenID, s)
	}
	return TokenID(n), nil
}

func (t TokenID) String() string { return strconv.FormatUint(uint64(t), 10) }

// AssetID is the catalogue slug of a collectible.
type AssetID string

func ParseAssetID(s string) (AssetID, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 128 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAssetID, s)
	}
	for _, r := range s {
		ok := r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrInvalidAssetID, s)
		}
	}
	return AssetID(s), nil
}

func (a AssetID) String() string { return string(a) }

// TokenSet is a sorted, duplicate-free set of token ids.
type TokenSet []TokenID

// NewTokenSet sorts and de-duplicates ids.
func NewTokenSet(ids ...TokenID) TokenSet {
	out := slices.Clone(ids)
	slices.Sort(out)
	return TokenSet(slices.Compact(out))
}

func (s TokenSet) Len() int { return len(s) }

func (s TokenSet) Contains(id TokenID) bool {
	_, ok := slices.BinarySearch(s, id)
	return ok
}

// Difference returns the ids in s that are absent from other.
func (s TokenSet) Difference(other TokenSet) TokenSet {
	var out TokenSet
	for _, id := range s {
		if !other.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// Max returns the highest id; ok is false for an empty set.
func (s TokenSet) Max() (TokenID, bool) {
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

// Descending returns a copy ordered from highest to lowest id.
func (s TokenSet) Descending() []TokenID {
	out := slices.Clone([]TokenID(s))
	slices.Reverse(out)
	return out
}
