// Package core defines the shared value types and interfaces of the
// grid trading engine.
package core

import (
	"github.com/shopspring/decimal"
)

// Side is an order side at the venue.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TradeDirection governs which sides of the ladder are armed.
type TradeDirection string

const (
	DirectionLong  TradeDirection = "LONG"
	DirectionShort TradeDirection = "SHORT"
	DirectionBoth  TradeDirection = "BOTH"
)

// PositionSide is the current position of the strategy.
type PositionSide string

const (
	PositionNone  PositionSide = "NONE"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// CloseSide returns the venue side that closes the position.
func (p PositionSide) CloseSide() Side {
	if p == PositionShort {
		return SideBuy
	}
	return SideSell
}

// EntrySide returns the venue side that opens a position.
func (p PositionSide) EntrySide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// OrderKind classifies a desired order slot.
type OrderKind string

const (
	OrderKindEntry OrderKind = "ENTRY"
	OrderKindTP    OrderKind = "TP"
	OrderKindBE    OrderKind = "BE"
	OrderKindSL    OrderKind = "SL"
)

// Symbol describes the traded perpetual contract. Constant per process.
type Symbol struct {
	Name     string          `yaml:"name" json:"name"`
	TickSize decimal.Decimal `yaml:"tick_size" json:"tick_size"`
	StepSize decimal.Decimal `yaml:"step_size" json:"step_size"`
}

// DesiredOrder is one order the state machine intends to hold at the
// venue. The reconciler diffs these against actual open orders.
type DesiredOrder struct {
	Kind          OrderKind       `json:"kind"`
	Level         int             `json:"level,omitempty"` // 1..N for entries
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"` // stop price for SL
	Qty           decimal.Decimal `json:"qty"`   // zero for SL (closePosition)
	ReduceOnly    bool            `json:"reduce_only,omitempty"`
	ClosePosition bool            `json:"close_position,omitempty"`
}

// Entry is one filled ladder level of the current position.
type Entry struct {
	Level    int             `json:"level"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	Notional decimal.Decimal `json:"notional"`
}

// Order is a resting order as reported by the venue.
type Order struct {
	ID            int64
	ClientOrderID string
	Side          Side
	Type          string
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Qty           decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
}

// Position is the venue's view of the open position.
type Position struct {
	Side          PositionSide
	Qty           decimal.Decimal
	AvgPrice      decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Flat reports whether the venue holds no position.
func (p *Position) Flat() bool {
	return p == nil || p.Side == PositionNone || p.Qty.IsZero()
}

// Kline is one candle from the market stream.
type Kline struct {
	Symbol    string
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	OpenTime  int64
	CloseTime int64
	Closed    bool
}
