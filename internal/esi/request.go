// Package esi is the remote-request abstraction over the EVE Swagger
// Interface: resource descriptors, results and an HTTP client.
package esi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

var (
	ErrForbidden = errors.New("esi: forbidden")
	ErrNotFound  = errors.New("esi: not found")
)

// Request is a single remote call.
type Request struct {
	Resource Descriptor
	Token    *oauth2.Token
	Params   map[string]string
	// ETag is the cache validator from the last successful fetch.
	ETag string
}

// Result is the remote answer. Transport failures are reported as errors
// by Requester.Do; every HTTP status is a Result.
type Result struct {
	Data         []byte
	Status       int
	Header       http.Header
	ErrorMessage string
	ETag         string
	Expires      time.Time
}

// OK reports a 2xx status.
func (r *Result) OK() bool { return r.Status >= 200 && r.Status < 300 }

// NotModified reports a 304.
func (r *Result) NotModified() bool { return r.Status == http.StatusNotModified }

// Err returns nil for 2xx and 304, a *StatusError otherwise.
func (r *Result) Err() error {
	if r.OK() || r.NotModified() {
		return nil
	}
	return &StatusError{Status: r.Status, Message: r.ErrorMessage}
}

// StatusError is a non-success HTTP answer.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("esi: status %d", e.Status)
	}
	return fmt.Sprintf("esi: status %d: %s", e.Status, e.Message)
}

// Is maps 403 and 404 onto the sentinel errors.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// Requester performs remote calls.
type Requester interface {
	Do(ctx context.Context, req Request) (*Result, error)
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, req Request) (*Result, error)

// Do calls f.
func (f RequesterFunc) Do(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
