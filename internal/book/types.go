package book

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultDepth is the number of levels per side in a View
const DefaultDepth = 8

// Message types carried in the book payload
const (
	TypeSnapshot = "snapshot"
	TypeDelta    = "delta"
)

// Level is one row of the derived view. Total is the cumulative size from the
// best price down to and including this level.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Total decimal.Decimal `json:"total"`
}

// View is the bounded, sorted book handed to observers. Bids are highest
// price first, asks lowest price first.
type View struct {
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
	SeqNum int64   `json:"seqNum"`
}

// Stats holds diagnostic information about the reconciled book
type Stats struct {
	BestBid      decimal.Decimal `json:"bestBid"`
	BestAsk      decimal.Decimal `json:"bestAsk"`
	Spread       decimal.Decimal `json:"spread"`
	MidPrice     decimal.Decimal `json:"midPrice"`
	BidLevels    int             `json:"bidLevels"`
	AskLevels    int             `json:"askLevels"`
	LastSeqNum   int64           `json:"lastSeqNum"`
	HasSeqNum    bool            `json:"hasSeqNum"`
	Snapshots    int64           `json:"snapshots"`
	Deltas       int64           `json:"deltas"`
	Gaps         int64           `json:"gaps"`
	Resubscribes int64           `json:"resubscribes"`
	Dropped      int64           `json:"dropped"`
	LastUpdate   time.Time       `json:"lastUpdate"`
}

// payload is the wire shape of one book message
type payload struct {
	Type   string              `json:"type"`
	SeqNum int64               `json:"seqNum"`
	Bids   [][]decimal.Decimal `json:"bids"`
	Asks   [][]decimal.Decimal `json:"asks"`
}
