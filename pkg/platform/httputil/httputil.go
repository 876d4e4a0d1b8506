// Package httputil holds the JSON envelope shared by every HTTP handler.
//
// Errors are rendered as {"error": code, "error_description": message}. The
// description is omitted for internal errors so failure details stay in logs.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"petmarket/pkg/platform/sentinel"
)

const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInvalidState = "invalid_state"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal_error"
)

// Error is an error that already knows its HTTP rendering.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func BadRequest(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg}
}

func Unauthorized(msg string) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: msg}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err. Sentinel errors map to their HTTP equivalents;
// anything unclassified is an internal error.
func WriteError(w http.ResponseWriter, err error) {
	e := classify(err)
	body := map[string]string{"error": e.Code}
	if e.Code != CodeInternal {
		body["error_description"] = e.Message
	}
	WriteJSON(w, e.Status, body)
}

func classify(err error) *Error {
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
	case errors.Is(err, sentinel.ErrConflict):
		return &Error{Status: http.StatusConflict, Code: CodeConflict, Message: msg}
	case errors.Is(err, sentinel.ErrInvalidState):
		return &Error{Status: http.StatusUnprocessableEntity, Code: CodeInvalidState, Message: msg}
	case errors.Is(err, sentinel.ErrUnavailable):
		return &Error{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: msg}
	}
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg}
}

// DecodeJSON reads a JSON request body into T, rejecting unknown fields.
func DecodeJSON[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, BadRequest("invalid request body")
	}
	return v, nil
}

// QueryInt parses an optional integer query parameter within [1, max].
func QueryInt(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, BadRequest(name + " must be a positive integer")
	}
	return min(n, max), nil
}
