package metadata

//go:generate mockgen -source=metadata.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petmarket/pkg/platform/sentinel"
)

func TestResolver_ResolveURI(t *testing.T) {
	r := Resolver{Gateway: "https://nftstorage.link/"}

	tests := []struct {
		name string
		uri  string
		want string
		err  error
	}{
		{"ipfs with path", "ipfs://bafyrei/metadata.json", "https://nftstorage.link/ipfs/bafyrei/metadata.json", nil},
		{"bare cid", "ipfs://bafyrei", "https://nftstorage.link/ipfs/bafyrei", nil},
		{"https passthrough", "https://example.com/pets/corgi.png", "https://example.com/pets/corgi.png", nil},
		{"unknown scheme", "ftp://example.com/x", "", ErrUnsupportedURI},
		{"relative path", "images/corgi.png", "", ErrUnsupportedURI},
		{"missing cid", "ipfs:///metadata.json", "", ErrUnsupportedURI},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.ResolveURI(tc.uri)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("ipfs without gateway", func(t *testing.T) {
		_, err := Resolver{}.ResolveURI("ipfs://bafyrei")
		assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	})
}

func TestNoop(t *testing.T) {
	var store Store = Noop{}

	tok, err := store.Upload(context.Background(), Document{Name: "Corgi"})
	require.NoError(t, err)
	assert.Empty(t, tok.URI)

	_, err = store.Fetch(context.Background(), "ipfs://bafyrei")
	assert.True(t, errors.Is(err, sentinel.ErrUnavailable))
}
