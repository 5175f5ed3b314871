// Package invalidation decodes ownership-change events that mark cached
// records stale.
package invalidation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
)

const (
	OpTransfer = "transfer"
	OpCreate   = "create"
	OpRemove   = "remove"
)

// Event names one cell whose record changed upstream, either by content
// address or by grid coordinates.
type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Address string    `json:"address,omitempty"`
	X       *int64    `json:"x,omitempty"`
	Y       *int64    `json:"y,omitempty"`
	TS      time.Time `json:"ts"`
	Seq     uint64    `json:"seq,omitempty"`
	Owner   string    `json:"owner,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpTransfer, OpCreate, OpRemove:
	default:
		return fmt.Errorf("op must be transfer|create|remove")
	}
	hasAddr := strings.TrimSpace(e.Address) != ""
	hasX, hasY := e.X != nil, e.Y != nil
	if hasX != hasY {
		return fmt.Errorf("x and y must be set together")
	}
	if hasAddr == hasX {
		return fmt.Errorf("exactly one of address or x,y is required")
	}
	if hasAddr {
		if _, err := address.Parse(strings.TrimSpace(e.Address)); err != nil {
			return fmt.Errorf("address: %w", err)
		}
	}
	return nil
}

// Target returns the content address the event refers to.
func (e Event) Target() (address.Address, error) {
	if e.X != nil && e.Y != nil {
		return address.Of(*e.X, *e.Y), nil
	}
	a, err := address.Parse(strings.TrimSpace(e.Address))
	if err != nil {
		return "", fmt.Errorf("address: %w", err)
	}
	return a, nil
}

// Decode parses and validates one wire message.
func Decode(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, fmt.Errorf("validate: %w", err)
	}
	return ev, nil
}
