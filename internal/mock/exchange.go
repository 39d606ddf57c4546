// Package mock provides an in-memory venue for tests.
package mock

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
)

// Venue implements core.Venue in memory. Tests script the position and
// inject per-operation failures.
type Venue struct {
	mu sync.Mutex

	orders         map[int64]*core.Order
	orderIDCounter int64
	position       *core.Position
	realizedPnL    decimal.Decimal

	MarginMode string
	Leverage   int

	// Failure injection: each counter fails that many calls before the
	// operation starts succeeding again.
	FailEntries    int
	FailCloses     int
	FailStops      int
	FailCancels    int
	FailPositions  int
	EntryErr       error
	CloseErr       error
	PlacedEntries  []*core.Order
	PlacedCloses   []*core.Order
	PlacedStops    []*core.Order
	MarketCloses   []*core.Order
	CancelAllCalls int
}

func NewVenue() *Venue {
	return &Venue{
		orders:         make(map[int64]*core.Order),
		orderIDCounter: 1000,
	}
}

func (m *Venue) Name() string { return "mock" }

// SetPosition installs the position the venue will report.
func (m *Venue) SetPosition(p *core.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = p
}

// SetRealizedPnL installs the value LastRealizedPnL returns.
func (m *Venue) SetRealizedPnL(v decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realizedPnL = v
}

// OpenOrderCount returns the number of resting orders.
func (m *Venue) OpenOrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// RemoveOrder deletes a resting order, simulating a fill.
func (m *Venue) RemoveOrder(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, id)
}

// FindOrder returns the first resting order the predicate accepts.
func (m *Venue) FindOrder(pred func(*core.Order) bool) *core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if pred(o) {
			cp := *o
			return &cp
		}
	}
	return nil
}

func (m *Venue) nextOrder(side core.Side, typ string, price, stopPrice, qty decimal.Decimal, reduceOnly, closePosition bool) *core.Order {
	m.orderIDCounter++
	o := &core.Order{
		ID:            m.orderIDCounter,
		Side:          side,
		Type:          typ,
		Price:         price,
		StopPrice:     stopPrice,
		Qty:           qty,
		ReduceOnly:    reduceOnly,
		ClosePosition: closePosition,
	}
	m.orders[o.ID] = o
	return o
}

func (m *Venue) PlaceLimitEntry(_ context.Context, side core.Side, price, qty decimal.Decimal) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailEntries > 0 {
		m.FailEntries--
		if m.EntryErr != nil {
			return nil, m.EntryErr
		}
		return nil, apperrors.ErrMarginInsufficient
	}
	o := m.nextOrder(side, "LIMIT", price, decimal.Zero, qty, false, false)
	m.PlacedEntries = append(m.PlacedEntries, o)
	return o, nil
}

func (m *Venue) PlaceLimitClose(_ context.Context, side core.Side, price, qty decimal.Decimal) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCloses > 0 {
		m.FailCloses--
		if m.CloseErr != nil {
			return nil, m.CloseErr
		}
		return nil, apperrors.ErrReduceOnlyRejected
	}
	o := m.nextOrder(side, "LIMIT", price, decimal.Zero, qty, true, false)
	m.PlacedCloses = append(m.PlacedCloses, o)
	return o, nil
}

func (m *Venue) PlaceStopMarket(_ context.Context, side core.Side, stopPrice decimal.Decimal) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStops > 0 {
		m.FailStops--
		return nil, apperrors.ErrTransient
	}
	o := m.nextOrder(side, "STOP_MARKET", decimal.Zero, stopPrice, decimal.Zero, false, true)
	m.PlacedStops = append(m.PlacedStops, o)
	return o, nil
}

func (m *Venue) CloseAtMarket(_ context.Context, side core.Side, qty decimal.Decimal) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := &core.Order{ID: m.orderIDCounter + 1, Side: side, Type: "MARKET", Qty: qty, ReduceOnly: true}
	m.orderIDCounter++
	m.MarketCloses = append(m.MarketCloses, o)
	return o, nil
}

func (m *Venue) CancelOrder(_ context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCancels > 0 {
		m.FailCancels--
		return apperrors.ErrTransient
	}
	if _, ok := m.orders[orderID]; !ok {
		return apperrors.ErrOrderNotFound
	}
	delete(m.orders, orderID)
	return nil
}

func (m *Venue) CancelAllOpenOrders(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelAllCalls++
	if m.FailCancels > 0 {
		m.FailCancels--
		return apperrors.ErrTransient
	}
	m.orders = make(map[int64]*core.Order)
	return nil
}

func (m *Venue) GetPosition(_ context.Context) (*core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPositions > 0 {
		m.FailPositions--
		return nil, apperrors.ErrTransient
	}
	if m.position == nil {
		return nil, nil
	}
	cp := *m.position
	return &cp, nil
}

func (m *Venue) GetOpenOrders(_ context.Context) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orders := make([]*core.Order, 0, len(m.orders))
	for _, o := range m.orders {
		cp := *o
		orders = append(orders, &cp)
	}
	return orders, nil
}

func (m *Venue) SetMarginModeIsolated(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarginMode = "ISOLATED"
	return nil
}

func (m *Venue) SetLeverage(_ context.Context, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leverage = leverage
	return nil
}

func (m *Venue) LastRealizedPnL(_ context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realizedPnL, nil
}
