package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderType identifies the execution strategy requested by the client.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	// Limit and sniper orders are reserved for future strategies.
	// Intake rejects anything but market today.
	OrderTypeLimit  OrderType = "limit"
	OrderTypeSniper OrderType = "sniper"
)

// OrderStatus tracks an order through its lifecycle. Status only ever moves
// forward along pending -> routing -> building -> submitted -> confirmed,
// with failed reachable from any non-terminal state.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusRouting   OrderStatus = "routing"
	StatusBuilding  OrderStatus = "building"
	StatusSubmitted OrderStatus = "submitted"
	StatusConfirmed OrderStatus = "confirmed"
	StatusFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s OrderStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Supported DEX backends.
const (
	DEXRaydium = "raydium"
	DEXMeteora = "meteora"
)

// Order is the canonical order record. Execution fields (dex_used, tx_hash,
// executed_price, amount_out) stay null until the worker reaches the
// corresponding state; error is set only on terminal failure.
type Order struct {
	gorm.Model    `json:"-"`
	OrderID       string              `gorm:"uniqueIndex" json:"order_id"`
	OrderType     OrderType           `json:"order_type"`
	TokenIn       string              `json:"token_in"`
	TokenOut      string              `json:"token_out"`
	AmountIn      decimal.Decimal     `gorm:"type:decimal(20,8)" json:"amount_in"`
	Slippage      decimal.Decimal     `gorm:"type:decimal(20,8)" json:"slippage"`
	Status        OrderStatus         `gorm:"index" json:"status"`
	DexUsed       *string             `json:"dex_used,omitempty"`
	ExecutedPrice decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"executed_price,omitempty"`
	AmountOut     decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"amount_out,omitempty"`
	TxHash        *string             `json:"tx_hash,omitempty"`
	Error         *string             `json:"error,omitempty"`
	CreatedAt     time.Time           `gorm:"index:idx_orders_created_at,sort:desc" json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Quote is an ephemeral price quote from a single DEX backend.
type Quote struct {
	DEX          string          `json:"dex"`
	Price        decimal.Decimal `json:"price"`
	AmountOut    decimal.Decimal `json:"amount_out"`
	Fee          decimal.Decimal `json:"fee"`
	EstimatedGas decimal.Decimal `json:"estimated_gas"`
}

// RouteResult is the routing decision across all quoted backends. Reason is a
// human-readable comparison trace kept for transparency.
type RouteResult struct {
	SelectedDEX string `json:"selected_dex"`
	Quote       Quote  `json:"quote"`
	Reason      string `json:"reason"`
}

// SwapResult is the outcome of a successful swap execution.
type SwapResult struct {
	TxHash        string          `json:"tx_hash"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	AmountOut     decimal.Decimal `json:"amount_out"`
}
