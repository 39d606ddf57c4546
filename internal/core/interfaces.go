package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Logger defines the interface for logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
}

// Venue defines the typed operations the engine performs against the
// exchange. Every operation is idempotent from the strategy's point of
// view; retries and shrink policies live inside the implementation.
type Venue interface {
	Name() string

	// PlaceLimitEntry places a GTC limit order opening or adding to a
	// position. On margin rejection the implementation shrinks the
	// quantity in 0.1% steps down to 30% of the request.
	PlaceLimitEntry(ctx context.Context, side Side, price, qty decimal.Decimal) (*Order, error)

	// PlaceLimitClose places a reduce-only GTC limit order. On
	// reduce-only rejection the quantity shrinks in 0.1% steps down to
	// 50% of the request.
	PlaceLimitClose(ctx context.Context, side Side, price, qty decimal.Decimal) (*Order, error)

	// PlaceStopMarket places a STOP_MARKET order with closePosition
	// semantics: no quantity is sent, the venue closes the whole
	// position at trigger.
	PlaceStopMarket(ctx context.Context, side Side, stopPrice decimal.Decimal) (*Order, error)

	// CloseAtMarket sends a market order with an explicit quantity,
	// side opposite to the position.
	CloseAtMarket(ctx context.Context, side Side, qty decimal.Decimal) (*Order, error)

	CancelOrder(ctx context.Context, orderID int64) error
	CancelAllOpenOrders(ctx context.Context) error

	// GetPosition returns nil when the venue holds no position. Retries
	// up to 10 times with small backoff before failing.
	GetPosition(ctx context.Context) (*Position, error)
	GetOpenOrders(ctx context.Context) ([]*Order, error)

	SetMarginModeIsolated(ctx context.Context) error
	SetLeverage(ctx context.Context, leverage int) error

	// LastRealizedPnL returns the net realized PnL of the most recent
	// position-reducing trade, fees included.
	LastRealizedPnL(ctx context.Context) (decimal.Decimal, error)
}

// KlineStream delivers closed 1-minute bars from the venue WS.
type KlineStream interface {
	Start(ctx context.Context) (<-chan Kline, error)
	Stop()
}

// TradeEvent is one realized fill recorded by the journal.
type TradeEvent struct {
	Timestamp       time.Time
	Symbol          string
	Event           string // ENTRY_L1..L4, TP, PARTIAL_BE, SL, CANCEL_ALL, *_SHRUNK
	Price           decimal.Decimal
	Qty             decimal.Decimal
	RealizedPnL     decimal.Decimal
	Capital         decimal.Decimal
	GridCenter      decimal.Decimal
	StartGridCenter decimal.Decimal
}

// Journal is the append-only trade record.
type Journal interface {
	Record(ev TradeEvent) error
	Close() error
}

// Alerter pushes operator notifications for events that need eyes.
type Alerter interface {
	Notify(ctx context.Context, title, message string)
}
