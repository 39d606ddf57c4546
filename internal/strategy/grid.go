// Package strategy holds the grid-martingale decision core. Everything
// here is pure: transitions take a State value plus a parameter
// snapshot and return a new State with the journal lines and venue
// intent that follow from it. Side effects live in the reconciler.
package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/pkg/tradingutils"
)

// SchemaVersion identifies the persisted state layout.
const SchemaVersion = 1

// State is the full strategy snapshot persisted by the state store.
type State struct {
	SchemaVersion   int                 `json:"schema_version"`
	Symbol          string              `json:"symbol"`
	GridCenter      decimal.NullDecimal `json:"grid_center"`
	StartGridCenter decimal.Decimal     `json:"start_grid_center"`
	PositionSide    core.PositionSide   `json:"position_side"`
	CurrentLevel    int                 `json:"current_level"`
	Entries         []core.Entry        `json:"entries"`
	AvgPrice        decimal.Decimal     `json:"avg_price"`
	TotalSize       decimal.Decimal     `json:"total_size"`
	Level1Qty       decimal.Decimal     `json:"level1_qty"`
	EntryFees       decimal.Decimal     `json:"entry_fees"`
	Capital         decimal.Decimal     `json:"capital"`
	DesiredOrders   []core.DesiredOrder `json:"desired_orders"`
	LastSyncedAt    time.Time           `json:"last_synced_at"`
}

// NewState returns the flat initial state with no grid center.
func NewState(symbol string, capital decimal.Decimal) State {
	return State{
		SchemaVersion: SchemaVersion,
		Symbol:        symbol,
		PositionSide:  core.PositionNone,
		Capital:       capital,
	}
}

// Flat reports whether the strategy holds no position.
func (s *State) Flat() bool {
	return s.PositionSide == core.PositionNone
}

// CheckInvariants verifies the structural invariants that must hold
// after every reconciliation. Violations indicate a bug, not bad input.
func (s *State) CheckInvariants(maxLevel int) error {
	flat := s.PositionSide == core.PositionNone
	if flat != (s.CurrentLevel == 0) || flat != (len(s.Entries) == 0) || flat != s.TotalSize.IsZero() {
		return fmt.Errorf("flat-state mismatch: side=%s level=%d entries=%d size=%s",
			s.PositionSide, s.CurrentLevel, len(s.Entries), s.TotalSize)
	}
	if s.CurrentLevel != len(s.Entries) {
		return fmt.Errorf("current_level %d != len(entries) %d", s.CurrentLevel, len(s.Entries))
	}
	var hasTP, hasBE, hasSL bool
	for _, o := range s.DesiredOrders {
		switch o.Kind {
		case core.OrderKindTP:
			hasTP = true
		case core.OrderKindBE:
			hasBE = true
		case core.OrderKindSL:
			hasSL = true
		}
	}
	if hasTP && hasBE {
		return fmt.Errorf("TP and BE coexist in desired orders")
	}
	if s.CurrentLevel >= 1 && !hasTP && !hasBE {
		return fmt.Errorf("open position at level %d without TP or BE", s.CurrentLevel)
	}
	if hasSL != (s.CurrentLevel == maxLevel) {
		return fmt.Errorf("SL present=%v but level=%d of %d", hasSL, s.CurrentLevel, maxLevel)
	}
	return nil
}

// Result is the outcome of a transition: the new state, the journal
// lines it produced, and whether the reconciler must cancel everything
// at the venue before applying the new desired set.
type Result struct {
	State     State
	Journal   []core.TradeEvent
	CancelAll bool
}

// Machine computes ladder prices and state transitions for one symbol.
type Machine struct {
	symbol core.Symbol
}

// NewMachine creates the decision core for a contract.
func NewMachine(symbol core.Symbol) *Machine {
	return &Machine{symbol: symbol}
}

// armedSides returns the position sides the current direction allows.
func armedSides(p *config.GridParams) []core.PositionSide {
	switch p.TradeDirection {
	case core.DirectionShort:
		return []core.PositionSide{core.PositionShort}
	case core.DirectionBoth:
		return []core.PositionSide{core.PositionLong, core.PositionShort}
	default:
		return []core.PositionSide{core.PositionLong}
	}
}

// DesiredOrders derives the full order intent from the position state.
// It is a deterministic function of (side, level, avg, center, capital).
func (m *Machine) DesiredOrders(s *State, p *config.GridParams) []core.DesiredOrder {
	if !s.GridCenter.Valid {
		return nil
	}
	g := s.GridCenter.Decimal

	if s.Flat() {
		var out []core.DesiredOrder
		for _, side := range armedSides(p) {
			out = append(out, m.entryLadder(g, p, s.Capital, 1, side)...)
		}
		return out
	}

	side := s.PositionSide
	out := m.entryLadder(g, p, s.Capital, s.CurrentLevel+1, side)

	if s.CurrentLevel == 1 {
		out = append(out, core.DesiredOrder{
			Kind:       core.OrderKindTP,
			Side:       side.CloseSide(),
			Price:      m.TPPrice(s.AvgPrice, p, side),
			Qty:        tradingutils.TruncateToStep(s.TotalSize, m.symbol.StepSize),
			ReduceOnly: true,
		})
	} else {
		closeQty := s.TotalSize.Sub(s.Level1Qty)
		out = append(out, core.DesiredOrder{
			Kind:       core.OrderKindBE,
			Side:       side.CloseSide(),
			Price:      m.BEPrice(s.AvgPrice, p, side),
			Qty:        tradingutils.TruncateToStep(closeQty, m.symbol.StepSize),
			ReduceOnly: true,
		})
	}

	if s.CurrentLevel == p.MaxEntryLevel {
		out = append(out, core.DesiredOrder{
			Kind:          core.OrderKindSL,
			Side:          side.CloseSide(),
			Price:         m.SLPrice(g, p, side),
			ClosePosition: true,
		})
	}
	return out
}

func (m *Machine) entryLadder(g decimal.Decimal, p *config.GridParams, capital decimal.Decimal, fromLevel int, side core.PositionSide) []core.DesiredOrder {
	var out []core.DesiredOrder
	for level := fromLevel; level <= p.MaxEntryLevel; level++ {
		price := m.LevelPrice(g, p, level, side)
		out = append(out, core.DesiredOrder{
			Kind:  core.OrderKindEntry,
			Level: level,
			Side:  side.EntrySide(),
			Price: price,
			Qty:   m.EntryQty(p, capital, level, price, side),
		})
	}
	return out
}

// ApplyBarClose handles a closed 1-minute bar. The first bar after start
// seeds the grid center; afterwards it only checks for a flat-state
// range breach on the out-of-armed-direction side.
func (m *Machine) ApplyBarClose(s State, p *config.GridParams, closePrice decimal.Decimal, now time.Time) Result {
	if !s.GridCenter.Valid {
		s.GridCenter = decimal.NullDecimal{Decimal: closePrice, Valid: true}
		s.DesiredOrders = m.DesiredOrders(&s, p)
		return Result{State: s}
	}

	if !s.Flat() {
		return Result{State: s}
	}

	g := s.GridCenter.Decimal
	half := p.GridRangePct.Div(decimal.NewFromInt(2))
	breachedUp := closePrice.GreaterThan(g.Mul(one.Add(half)))
	breachedDown := closePrice.LessThan(g.Mul(one.Sub(half)))

	var breach bool
	switch p.TradeDirection {
	case core.DirectionLong:
		breach = breachedUp
	case core.DirectionShort:
		breach = breachedDown
	case core.DirectionBoth:
		breach = breachedUp || breachedDown
	}
	if !breach {
		return Result{State: s}
	}

	s.GridCenter = decimal.NullDecimal{Decimal: closePrice, Valid: true}
	s.DesiredOrders = m.DesiredOrders(&s, p)
	return Result{
		State:     s,
		CancelAll: true,
		Journal: []core.TradeEvent{{
			Timestamp:       now,
			Symbol:          s.Symbol,
			Event:           "CANCEL_ALL",
			Price:           closePrice,
			Capital:         s.Capital,
			GridCenter:      closePrice,
			StartGridCenter: s.StartGridCenter,
		}},
	}
}

// ApplyEntryFill records a filled ladder level. The venue's post-fill
// position is authoritative for average price and size; the local fill
// values feed the journal and the per-level bookkeeping.
func (m *Machine) ApplyEntryFill(s State, p *config.GridParams, side core.PositionSide, level int, fillPrice, fillQty decimal.Decimal, venuePos *core.Position, now time.Time) Result {
	if s.Flat() {
		s.PositionSide = side
		s.StartGridCenter = s.GridCenter.Decimal
	}

	notional := fillPrice.Mul(fillQty)
	s.Entries = append(s.Entries, core.Entry{
		Level:    level,
		Price:    fillPrice,
		Qty:      fillQty,
		Notional: notional,
	})
	if level > s.CurrentLevel {
		s.CurrentLevel = level
	}
	if level == 1 {
		s.Level1Qty = fillQty
	}
	s.EntryFees = s.EntryFees.Add(notional.Mul(p.MakerFee))

	// Local estimate first, venue values override when available.
	prices := make([]decimal.Decimal, len(s.Entries))
	qtys := make([]decimal.Decimal, len(s.Entries))
	total := decimal.Zero
	for i, e := range s.Entries {
		prices[i], qtys[i] = e.Price, e.Qty
		total = total.Add(e.Qty)
	}
	s.AvgPrice = tradingutils.WeightedAvgPrice(prices, qtys)
	s.TotalSize = total
	if !venuePos.Flat() {
		s.AvgPrice = venuePos.AvgPrice
		s.TotalSize = venuePos.Qty.Abs()
	}

	s.DesiredOrders = m.DesiredOrders(&s, p)
	return Result{
		State: s,
		Journal: []core.TradeEvent{{
			Timestamp:       now,
			Symbol:          s.Symbol,
			Event:           fmt.Sprintf("ENTRY_L%d", level),
			Price:           fillPrice,
			Qty:             fillQty,
			Capital:         s.Capital,
			GridCenter:      s.GridCenter.Decimal,
			StartGridCenter: s.StartGridCenter,
		}},
	}
}

// ApplyTPFill closes the whole single-level position at the TP price,
// realizes PnL into capital and recenters the grid on the exit.
func (m *Machine) ApplyTPFill(s State, p *config.GridParams, tpPrice decimal.Decimal, now time.Time) Result {
	long := s.PositionSide == core.PositionLong
	pnl := tradingutils.NetPnL(s.AvgPrice, tpPrice, s.TotalSize, s.EntryFees, p.MakerFee, long)
	qty := s.TotalSize
	start := s.StartGridCenter

	s.Capital = s.Capital.Add(pnl)
	s = resetPosition(s)
	s.GridCenter = decimal.NullDecimal{Decimal: tpPrice, Valid: true}
	s.DesiredOrders = m.DesiredOrders(&s, p)

	return Result{
		State:     s,
		CancelAll: true,
		Journal: []core.TradeEvent{{
			Timestamp:       now,
			Symbol:          s.Symbol,
			Event:           "TP",
			Price:           tpPrice,
			Qty:             qty,
			RealizedPnL:     pnl,
			Capital:         s.Capital,
			GridCenter:      tpPrice,
			StartGridCenter: start,
		}},
	}
}

// ApplyBEFill handles the partial break-even exit: everything above the
// Level-1 quantity is closed at the BE price, the position collapses to
// a synthetic Level 1 at the venue's post-fill values, and the grid
// recenters so that avg sits exactly on Level 1.
//
// venueQty/venueAvg are the venue's post-fill position values, polled
// after cancel-all; the venue is authoritative for both.
func (m *Machine) ApplyBEFill(s State, p *config.GridParams, bePrice, venueQty, venueAvg decimal.Decimal, now time.Time) Result {
	long := s.PositionSide == core.PositionLong
	closeQty := s.TotalSize.Sub(s.Level1Qty)
	feesOnClosed := decimal.Zero
	if s.TotalSize.Sign() > 0 {
		feesOnClosed = s.EntryFees.Mul(closeQty).Div(s.TotalSize)
	}
	pnl := tradingutils.NetPnL(s.AvgPrice, bePrice, closeQty, feesOnClosed, p.MakerFee, long)
	start := s.StartGridCenter

	s.Capital = s.Capital.Add(pnl)
	s.EntryFees = s.EntryFees.Sub(feesOnClosed)

	s.Entries = []core.Entry{{
		Level:    1,
		Price:    venueAvg,
		Qty:      venueQty,
		Notional: venueAvg.Mul(venueQty),
	}}
	s.CurrentLevel = 1
	s.AvgPrice = venueAvg
	s.TotalSize = venueQty
	s.Level1Qty = venueQty

	s.GridCenter = decimal.NullDecimal{Decimal: m.RegridCenter(venueAvg, p, s.PositionSide), Valid: true}
	s.DesiredOrders = m.DesiredOrders(&s, p)

	return Result{
		State:     s,
		CancelAll: true,
		Journal: []core.TradeEvent{{
			Timestamp:       now,
			Symbol:          s.Symbol,
			Event:           "PARTIAL_BE",
			Price:           bePrice,
			Qty:             closeQty,
			RealizedPnL:     pnl,
			Capital:         s.Capital,
			GridCenter:      s.GridCenter.Decimal,
			StartGridCenter: start,
		}},
	}
}

// ApplySLFill closes the whole position at the stop price via the
// venue-held stop market order (taker fill) and recenters there.
func (m *Machine) ApplySLFill(s State, p *config.GridParams, slPrice decimal.Decimal, now time.Time) Result {
	long := s.PositionSide == core.PositionLong
	pnl := tradingutils.NetPnL(s.AvgPrice, slPrice, s.TotalSize, s.EntryFees, p.TakerFee, long)
	qty := s.TotalSize
	start := s.StartGridCenter

	s.Capital = s.Capital.Add(pnl)
	s = resetPosition(s)
	s.GridCenter = decimal.NullDecimal{Decimal: slPrice, Valid: true}
	s.DesiredOrders = m.DesiredOrders(&s, p)

	return Result{
		State:     s,
		CancelAll: true,
		Journal: []core.TradeEvent{{
			Timestamp:       now,
			Symbol:          s.Symbol,
			Event:           "SL",
			Price:           slPrice,
			Qty:             qty,
			RealizedPnL:     pnl,
			Capital:         s.Capital,
			GridCenter:      slPrice,
			StartGridCenter: start,
		}},
	}
}

func resetPosition(s State) State {
	s.PositionSide = core.PositionNone
	s.CurrentLevel = 0
	s.Entries = nil
	s.AvgPrice = decimal.Zero
	s.TotalSize = decimal.Zero
	s.Level1Qty = decimal.Zero
	s.EntryFees = decimal.Zero
	return s
}
