// Package remote defines the boundary to the content service and its
// failure taxonomy.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
)

var (
	// ErrNetwork covers an unreachable service, a non-success status and
	// timeouts.
	ErrNetwork = errors.New("remote: network failure")
	// ErrDecode is returned for a malformed response body.
	ErrDecode = errors.New("remote: decode failure")
)

// Boundary is the content service.
type Boundary interface {
	// Lookup returns the record at addr, or nil when the address is empty.
	Lookup(ctx context.Context, addr address.Address) (*model.Record, error)
	// BatchLookup returns the records present among addrs. Addresses absent
	// from the result are confirmed empty.
	BatchLookup(ctx context.Context, addrs []address.Address) (map[address.Address]*model.Record, error)
}

// StatusError is a non-2xx response. It matches ErrNetwork.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status=%d body=%q", e.Op, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrNetwork }

// NetworkError wraps err so that errors.Is(err, ErrNetwork) holds while
// keeping the cause (including context errors) visible.
func NetworkError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
}

// DecodeError wraps err as ErrDecode.
func DecodeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDecode, err)
}

// Classify returns a short label for metrics and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "error"
	}
}
