// Package flowrest implements ledger.Client against a Flow-style Access REST
// API. Transactions are forwarded to an access gateway that holds the signing
// keys for the marketplace account and proxies user signatures.
package flowrest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"petmarket/internal/ledger"
	"petmarket/pkg/platform/circuit"
)

const (
	statusSealed  = "Sealed"
	statusExpired = "Expired"

	maxResponseBytes = 4 << 20
	defaultGasLimit  = 9999
)

// Client talks to the access API. Safe for concurrent use.
type Client struct {
	baseURL       string
	http          *http.Client
	tpl           *templates
	limiter       *rate.Limiter
	breaker       *circuit.Breaker
	tracer        trace.Tracer
	metrics       *Metrics
	logger        *slog.Logger
	pollInterval  time.Duration
	settleTimeout time.Duration
	gasLimit      uint64
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRateLimit caps outgoing calls per second. A non-positive rps disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		if b != nil {
			c.breaker = b
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithSettleTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.settleTimeout = d
		}
	}
}

func WithGasLimit(limit uint64) Option {
	return func(c *Client) {
		if limit > 0 {
			c.gasLimit = limit
		}
	}
}

// New builds a client for the access API rooted at baseURL.
func New(baseURL string, addrs Addresses, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid access API url %q", baseURL)
	}
	tpl, err := loadTemplates(addrs)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          &http.Client{Timeout: 15 * time.Second},
		tpl:           tpl,
		limiter:       rate.NewLimiter(rate.Inf, 0),
		breaker:       circuit.New("ledger"),
		tracer:        otel.Tracer("petmarket/ledger"),
		logger:        slog.Default(),
		pollInterval:  time.Second,
		settleTimeout: 90 * time.Second,
		gasLimit:      defaultGasLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type scriptRequest struct {
	Script    string   `json:"script"`
	Arguments []string `json:"arguments"`
}

type transactionRequest struct {
	Script      string   `json:"script"`
	Arguments   []string `json:"arguments"`
	GasLimit    string   `json:"gas_limit"`
	Authorizers []string `json:"authorizers"`
}

type transactionResponse struct {
	ID string `json:"id"`
}

type transactionResult struct {
	Status       string `json:"status"`
	StatusCode   int    `json:"status_code"`
	ErrorMessage string `json:"error_message"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RunScript executes a read-only script and decodes its JSON-Cadence result.
func (c *Client) RunScript(ctx context.Context, script ledger.Script, args ...ledger.Arg) (json.RawMessage, error) {
	op := "script." + string(script)
	src, ok := c.tpl.scripts[script]
	if !ok {
		return nil, ledger.NewError(ledger.KindRejected, op, "unknown script", nil)
	}
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, ledger.NewError(ledger.KindRejected, op, "encode arguments", err)
	}
	req := scriptRequest{Script: base64.StdEncoding.EncodeToString(src), Arguments: encoded}

	var result string
	if err := c.do(ctx, op, http.MethodPost, "/v1/scripts", req, ledger.KindNotFound, &result); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(result)
	if err != nil {
		return nil, ledger.NewError(ledger.KindDecode, op, "result is not base64", err)
	}
	out, err := decodeResult(raw)
	if err != nil {
		return nil, ledger.NewError(ledger.KindDecode, op, "decode cadence value", err)
	}
	return out, nil
}

// SubmitTransaction sends a transaction to the gateway for signing and returns its id.
func (c *Client) SubmitTransaction(ctx context.Context, tx ledger.Transaction) (ledger.TxID, error) {
	op := "tx." + string(tx.Kind)
	src, ok := c.tpl.txs[tx.Kind]
	if !ok {
		return "", ledger.NewError(ledger.KindRejected, op, "unknown transaction", nil)
	}
	if tx.Authorizer.IsZero() {
		return "", ledger.NewError(ledger.KindRejected, op, "authorizer is required", nil)
	}
	encoded, err := encodeArgs(tx.Args)
	if err != nil {
		return "", ledger.NewError(ledger.KindRejected, op, "encode arguments", err)
	}
	req := transactionRequest{
		Script:      base64.StdEncoding.EncodeToString(src),
		Arguments:   encoded,
		GasLimit:    strconv.FormatUint(c.gasLimit, 10),
		Authorizers: []string{tx.Authorizer.String()},
	}

	var resp transactionResponse
	if err := c.do(ctx, op, http.MethodPost, "/v1/transactions", req, ledger.KindRejected, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", ledger.NewError(ledger.KindDecode, op, "response carries no transaction id", nil)
	}
	c.logger.DebugContext(ctx, "transaction submitted", "kind", tx.Kind, "tx_id", resp.ID)
	return ledger.TxID(resp.ID), nil
}

// AwaitSettlement polls the transaction result until it is sealed, expired,
// or the settle timeout passes. Transient poll failures are retried.
func (c *Client) AwaitSettlement(ctx context.Context, id ledger.TxID) error {
	const op = "await"
	ctx, span := c.tracer.Start(ctx, "ledger.await",
		trace.WithAttributes(attribute.String("ledger.tx_id", string(id))))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.settleTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	path := "/v1/transaction_results/" + url.PathEscape(string(id))
	var lastErr error
	for {
		var res transactionResult
		err := c.do(ctx, "tx.result", http.MethodGet, path, nil, ledger.KindRejected, &res)
		switch {
		case err == nil:
			if settleErr := settled(op, res); settleErr != nil || res.Status == statusSealed {
				if settleErr != nil {
					span.RecordError(settleErr)
					span.SetStatus(codes.Error, settleErr.Error())
				}
				return settleErr
			}
		case ledger.IsTransport(err) || ledger.IsNotFound(err):
			lastErr = err
			c.logger.DebugContext(ctx, "transaction result not yet available", "tx_id", id, "error", err)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		select {
		case <-ctx.Done():
			kind := ledger.KindTimeout
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = ledger.KindTransport
			}
			err := ledger.NewError(kind, op, "transaction "+string(id)+" not sealed", errors.Join(ctx.Err(), lastErr))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		case <-ticker.C:
		}
	}
}

func settled(op string, res transactionResult) error {
	switch {
	case res.ErrorMessage != "":
		return ledger.NewError(ledger.KindRejected, op, res.ErrorMessage, nil)
	case res.Status == statusExpired:
		return ledger.NewError(ledger.KindRejected, op, "transaction expired", nil)
	}
	return nil
}

func encodeArgs(args []ledger.Arg) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		raw, err := encodeArg(a)
		if err != nil {
			return nil, err
		}
		out = append(out, base64.StdEncoding.EncodeToString(raw))
	}
	return out, nil
}

// do performs one traced, rate limited, breaker guarded call. badRequest is
// the kind reported for 400 answers: script failures mean a missing resource,
// transaction failures mean the ledger refused the request.
func (c *Client) do(ctx context.Context, op, method, path string, body any, badRequest ledger.ErrorKind, out any) error {
	ctx, span := c.tracer.Start(ctx, "ledger."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("ledger.op", op)))
	defer span.End()

	start := time.Now()
	err := c.call(ctx, op, method, path, body, badRequest, out)
	outcome := "ok"
	if err != nil {
		outcome = string(ledger.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.metrics.ObserveCall(op, outcome, time.Since(start))
	return err
}

func (c *Client) call(ctx context.Context, op, method, path string, body any, badRequest ledger.ErrorKind, out any) error {
	if !c.breaker.Allow() {
		return ledger.NewError(ledger.KindTransport, op, "circuit open", nil)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return ledger.NewError(contextKind(ctx), op, "rate limit wait", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return ledger.NewError(ledger.KindRejected, op, "encode request", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return ledger.NewError(ledger.KindRejected, op, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailureUnlessCancelled(ctx)
		return ledger.NewError(transportKind(ctx, err), op, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.recordFailureUnlessCancelled(ctx)
		return ledger.NewError(transportKind(ctx, err), op, "read response", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		c.recordFailure()
		return ledger.NewError(ledger.KindTransport, op, errorMessage(resp.StatusCode, data), nil)
	case resp.StatusCode == http.StatusNotFound:
		c.recordSuccess()
		return ledger.NewError(ledger.KindNotFound, op, errorMessage(resp.StatusCode, data), nil)
	case resp.StatusCode == http.StatusBadRequest:
		c.recordSuccess()
		return ledger.NewError(badRequest, op, errorMessage(resp.StatusCode, data), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.recordSuccess()
		return ledger.NewError(ledger.KindRejected, op, errorMessage(resp.StatusCode, data), nil)
	}
	c.recordSuccess()

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return ledger.NewError(ledger.KindDecode, op, "decode response", err)
	}
	return nil
}

func (c *Client) recordFailure() {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.Warn("ledger circuit opened", "breaker", c.breaker.Name())
		c.metrics.SetBreakerOpen(true)
	}
}

// recordFailureUnlessCancelled leaves the breaker alone when the caller gave
// up; a superseded resync round says nothing about the node's health.
func (c *Client) recordFailureUnlessCancelled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.recordFailure()
}

func (c *Client) recordSuccess() {
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.Info("ledger circuit closed", "breaker", c.breaker.Name())
		c.metrics.SetBreakerOpen(false)
	}
}

func errorMessage(status int, body []byte) string {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	return fmt.Sprintf("access API returned %d", status)
}

func contextKind(ctx context.Context) ledger.ErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ledger.KindTimeout
	}
	return ledger.KindTransport
}

func transportKind(ctx context.Context, err error) ledger.ErrorKind {
	if ctx.Err() != nil {
		return contextKind(ctx)
	}
	return ledger.KindOf(err)
}
