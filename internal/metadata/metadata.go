// Package metadata defines the storage collaborator that hosts asset
// documents before they are referenced on-ledger, and resolves the
// content-addressed references it hands out into fetchable URLs.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"petmarket/pkg/platform/sentinel"
)

// ErrUnsupportedURI is returned for references that are neither ipfs nor http(s).
var ErrUnsupportedURI = errors.New("unsupported metadata uri")

// Document is the hosted JSON payload describing one asset.
type Document struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Image       string            `json:"image,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Token locates a hosted document: the content-addressed URI recorded on the
// ledger and a gateway URL for it.
type Token struct {
	URI     string `json:"uri"`
	HTTPURL string `json:"http_url"`
}

// Store hosts asset documents.
type Store interface {
	Upload(ctx context.Context, doc Document) (Token, error)
	ResolveURI(uri string) (string, error)
	Fetch(ctx context.Context, uri string) (Document, error)
}

// Resolver turns ipfs:// references into gateway URLs.
type Resolver struct {
	Gateway string
}

// ResolveURI maps ipfs://<cid>/<path> to <gateway>/ipfs/<cid>/<path>. http
// and https URIs pass through unchanged.
func (r Resolver) ResolveURI(uri string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedURI, err)
	}
	switch u.Scheme {
	case "http", "https":
		return u.String(), nil
	case "ipfs":
		if r.Gateway == "" {
			return "", fmt.Errorf("no ipfs gateway configured: %w", sentinel.ErrUnavailable)
		}
		cid := u.Host
		if cid == "" {
			return "", fmt.Errorf("%w: %q has no content id", ErrUnsupportedURI, uri)
		}
		return strings.TrimRight(r.Gateway, "/") + "/ipfs/" + cid + u.EscapedPath(), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedURI, uri)
	}
}

// Noop is used when no storage endpoint is configured. Uploads succeed with an
// empty token, so mints go ahead without a hosted document.
type Noop struct {
	Resolver
}

func (Noop) Upload(context.Context, Document) (Token, error) {
	return Token{}, nil
}

func (Noop) Fetch(context.Context, string) (Document, error) {
	return Document{}, fmt.Errorf("metadata fetch: %w", sentinel.ErrUnavailable)
}
