// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
)

// Coordinate is a cell on the unbounded integer grid.
type Coordinate struct {
	X, Y int64
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d,%d", c.X, c.Y)
}

// Address returns the content address of the cell.
func (c Coordinate) Address() address.Address {
	return address.Of(c.X, c.Y)
}

// Neighbors returns the four orthogonal neighbours: left, right, top, bottom.
func (c Coordinate) Neighbors() [4]Coordinate {
	return [4]Coordinate{
		{X: c.X - 1, Y: c.Y},
		{X: c.X + 1, Y: c.Y},
		{X: c.X, Y: c.Y - 1},
		{X: c.X, Y: c.Y + 1},
	}
}

// Record is the content stored at an address by the remote service.
// A nil *Record means the address is confirmed empty.
type Record struct {
	TransactionHash           string  `json:"transaction_hash"`
	Number                    int64   `json:"ethscription_number"`
	Creator                   string  `json:"creator"`
	CurrentOwner              string  `json:"current_owner"`
	PreviousOwner             *string `json:"previous_owner"`
	ContentURI                string  `json:"content_uri"`
	Mimetype                  string  `json:"mimetype"`
	CreatedAt                 string  `json:"creation_timestamp"`
	BlockConfirmations        int64   `json:"block_confirmations"`
	MinBlockConfirmations     int64   `json:"min_block_confirmations"`
	OverallOrder              string  `json:"overall_order_number_as_int"`
	TransactionIndex          int64   `json:"transaction_index"`
	ValidDataURI              bool    `json:"valid_data_uri"`
	ContentTakenDownAt        *string `json:"content_taken_down_at"`
	ImageRemovedByRightHolder bool    `json:"image_removed_by_request_of_rights_holder"`
}

// OwnedBy reports whether both records exist and share a current owner.
// Owner addresses compare case-insensitively.
func (r *Record) OwnedBy(other *Record) bool {
	if r == nil || other == nil || r.CurrentOwner == "" {
		return false
	}
	return strings.EqualFold(r.CurrentOwner, other.CurrentOwner)
}

// TakenDown reports whether the content was removed upstream.
func (r *Record) TakenDown() bool {
	return r != nil && (r.ContentTakenDownAt != nil || r.ImageRemovedByRightHolder)
}

// ViewportSample is one observation of the viewport centre, in cell units.
type ViewportSample struct {
	At   time.Time
	X, Y float64
}

// Distance returns the euclidean distance between two samples' positions.
func (s ViewportSample) Distance(o ViewportSample) float64 {
	return math.Hypot(s.X-o.X, s.Y-o.Y)
}

// Neighborhood holds the cached records around a cell.
type Neighborhood struct {
	Left, Right, Top, Bottom *Record
}
