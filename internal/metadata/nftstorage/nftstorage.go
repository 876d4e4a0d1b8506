// Package nftstorage implements metadata.Store against an NFT.Storage-style
// pinning service: documents are uploaded as JSON and addressed by CID.
package nftstorage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"petmarket/internal/metadata"
	"petmarket/pkg/platform/sentinel"
)

const maxDocumentBytes = 1 << 20

type Store struct {
	metadata.Resolver

	endpoint string
	token    string
	http     *http.Client
	logger   *slog.Logger
}

type Option func(*Store)

func WithHTTPClient(hc *http.Client) Option {
	return func(s *Store) {
		if hc != nil {
			s.http = hc
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a store that uploads to endpoint and resolves through gateway.
func New(endpoint, token, gateway string, timeout time.Duration, opts ...Option) (*Store, error) {
	if endpoint == "" {
		return nil, errors.New("storage endpoint is required")
	}
	if gateway == "" {
		return nil, errors.New("storage gateway is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Store{
		Resolver: metadata.Resolver{Gateway: gateway},
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		http:     &http.Client{Timeout: timeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type uploadResponse struct {
	OK    bool `json:"ok"`
	Value struct {
		CID string `json:"cid"`
	} `json:"value"`
	Error *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Upload pins doc and returns its ipfs:// reference plus a gateway URL.
func (s *Store) Upload(ctx context.Context, doc metadata.Document) (metadata.Token, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return metadata.Token{}, fmt.Errorf("encode document: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/upload", bytes.NewReader(payload))
	if err != nil {
		return metadata.Token{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return metadata.Token{}, fmt.Errorf("upload document: %w: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return metadata.Token{}, fmt.Errorf("upload document: status %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	}
	var out uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&out); err != nil {
		return metadata.Token{}, fmt.Errorf("decode upload response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Value.CID == "" {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return metadata.Token{}, fmt.Errorf("upload document: %s", msg)
	}

	uri := "ipfs://" + out.Value.CID
	httpURL, err := s.ResolveURI(uri)
	if err != nil {
		return metadata.Token{}, err
	}
	s.logger.InfoContext(ctx, "asset document uploaded", "name", doc.Name, "cid", out.Value.CID)
	return metadata.Token{URI: uri, HTTPURL: httpURL}, nil
}

// Fetch downloads a hosted document through the gateway.
func (s *Store) Fetch(ctx context.Context, uri string) (metadata.Document, error) {
	target, err := s.ResolveURI(uri)
	if err != nil {
		return metadata.Document{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return metadata.Document{}, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return metadata.Document{}, fmt.Errorf("fetch document: %w: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return metadata.Document{}, fmt.Errorf("fetch document %s: %w", uri, sentinel.ErrNotFound)
	case resp.StatusCode >= 500:
		return metadata.Document{}, fmt.Errorf("fetch document %s: status %d: %w", uri, resp.StatusCode, sentinel.ErrUnavailable)
	case resp.StatusCode != http.StatusOK:
		return metadata.Document{}, fmt.Errorf("fetch document %s: status %d", uri, resp.StatusCode)
	}

	var doc metadata.Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return metadata.Document{}, fmt.Errorf("decode document %s: %w", uri, err)
	}
	return doc, nil
}
