package lock

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	idemerrors "github.com/mirkobrombin/go-idemlock/v1/errors"
)

// Strategy selects how a Mutex acquires and releases a key.
type Strategy int

const (
	// StrategyNaive acquires with set-if-absent and releases with an
	// unconditional delete.
	StrategyNaive Strategy = iota
	// StrategyToken acquires with set-if-absent under a fresh owner token
	// and releases with compare-and-delete.
	StrategyToken
	// StrategyLeased blocks on a reentrant lease.
	StrategyLeased
)

func (s Strategy) String() string {
	switch s {
	case StrategyNaive:
		return "naive"
	case StrategyToken:
		return "token"
	case StrategyLeased:
		return "leased"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a configuration string into a Strategy. The
// letters A, B and C are accepted as aliases.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "naive", "a":
		return StrategyNaive, nil
	case "token", "b":
		return StrategyToken, nil
	case "leased", "lease", "c":
		return StrategyLeased, nil
	}
	return 0, fmt.Errorf("%w: unknown lock strategy %q", idemerrors.ErrInvalidRequest, s)
}

func (s Strategy) valid() bool {
	return s >= StrategyNaive && s <= StrategyLeased
}

// State is the lifecycle position of a Handle.
type State int

const (
	StateUnlocked State = iota
	StateAcquiring
	StateHeld
	StateReleasing
	StateFailed
	// StateExpired means the store no longer records this handle as the
	// owner, either because the TTL lapsed or a renewal was refused.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnlocked:
		return "unlocked"
	case StateAcquiring:
		return "acquiring"
	case StateHeld:
		return "held"
	case StateReleasing:
		return "releasing"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type holderKey struct{}

// WithHolder returns a context whose leased acquisitions are made on behalf
// of holder. Acquisitions sharing a holder re-enter instead of blocking.
func WithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderKey{}, holder)
}

// HolderFrom returns the holder carried by ctx.
func HolderFrom(ctx context.Context) (string, bool) {
	h, ok := ctx.Value(holderKey{}).(string)
	return h, ok && h != ""
}

func ensureHolder(ctx context.Context) (context.Context, string) {
	if h, ok := HolderFrom(ctx); ok {
		return ctx, h
	}
	h := uuid.NewString()
	return WithHolder(ctx, h), h
}
