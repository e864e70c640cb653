package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	idemerrors "github.com/mirkobrombin/go-idemlock/v1/errors"
	"github.com/mirkobrombin/go-idemlock/v1/fingerprint"
)

// DefaultTokenHeader carries the client idempotency token.
const DefaultTokenHeader = "X-Idempotency-Token"

// DuplicateMessage is the body of a rejected duplicate HTTP request.
const DuplicateMessage = "request already submitted, please do not resubmit"

// TokenSource extracts the idempotency token from a request.
type TokenSource func(r *http.Request) string

// HeaderToken reads the token from the named header.
func HeaderToken(name string) TokenSource {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// ArgsFunc extracts the arguments that identify a request.
type ArgsFunc func(r *http.Request) ([]any, error)

// Registration declares a guarded operation.
type Registration struct {
	Operation fingerprint.Operation
	TTL       time.Duration
	// Token defaults to HeaderToken(DefaultTokenHeader).
	Token TokenSource
}

// Endpoint is a registered operation bound to a Guard.
type Endpoint struct {
	guard *Guard
	op    fingerprint.Operation
	ttl   time.Duration
	token TokenSource
}

// Register validates reg and binds it to g.
func (g *Guard) Register(reg Registration) (*Endpoint, error) {
	if strings.TrimSpace(reg.Operation.Name) == "" {
		return nil, fmt.Errorf("%w: registration without operation name", idemerrors.ErrInvalidRequest)
	}
	if reg.TTL <= 0 {
		return nil, fmt.Errorf("%w: registration %s without positive ttl", idemerrors.ErrInvalidRequest, reg.Operation.Signature())
	}
	token := reg.Token
	if token == nil {
		token = HeaderToken(DefaultTokenHeader)
	}
	return &Endpoint{guard: g, op: reg.Operation, ttl: reg.TTL, token: token}, nil
}

// Operation returns the registered operation.
func (e *Endpoint) Operation() fingerprint.Operation { return e.op }

// Fingerprint computes the fingerprint of one invocation.
func (e *Endpoint) Fingerprint(token string, args []any) (fingerprint.Fingerprint, error) {
	return e.guard.builder.Build(e.op, token, args...)
}

// Do runs fn at most once per token and arguments within the TTL window.
func (e *Endpoint) Do(ctx context.Context, token string, args []any, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, e, token, args, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Do for operations returning a value.
func Call[T any](ctx context.Context, e *Endpoint, token string, args []any, fn func(ctx context.Context) (T, error)) (T, error) {
	fp, err := e.Fingerprint(token, args)
	if err != nil {
		var zero T
		return zero, err
	}
	return Run(ctx, e.guard, fp, e.ttl, fn)
}

// Middleware guards next. Duplicates get 409, requests without a token or
// with unusable arguments get 400 and store failures get 503. args may be
// nil when the token alone identifies a request.
func (e *Endpoint) Middleware(args ArgsFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var vals []any
			if args != nil {
				var err error
				if vals, err = args(r); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
			served := false
			err := e.Do(r.Context(), e.token(r), vals, func(ctx context.Context) error {
				served = true
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
			if err == nil || served {
				return
			}
			http.Error(w, errorMessage(err), StatusCode(err))
		})
	}
}

// StatusCode maps a guard error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, idemerrors.ErrDuplicateSubmission):
		return http.StatusConflict
	case errors.Is(err, idemerrors.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, idemerrors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	if errors.Is(err, idemerrors.ErrDuplicateSubmission) {
		return DuplicateMessage
	}
	return err.Error()
}
