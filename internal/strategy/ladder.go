package strategy

import (
	"github.com/shopspring/decimal"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/pkg/tradingutils"
)

var one = decimal.NewFromInt(1)

// roundPrice aligns a ladder price to the venue tick toward the worse
// side of the trade: down for LONG, up for SHORT, so a printed level is
// always reachable.
func (m *Machine) roundPrice(price decimal.Decimal, side core.PositionSide) decimal.Decimal {
	if side == core.PositionShort {
		return tradingutils.RoundUpToTick(price, m.symbol.TickSize)
	}
	return tradingutils.RoundDownToTick(price, m.symbol.TickSize)
}

// LevelPrice returns the entry price of ladder level i (1-based) for a
// grid centered at g.
func (m *Machine) LevelPrice(g decimal.Decimal, p *config.GridParams, level int, side core.PositionSide) decimal.Decimal {
	d := p.LevelDistances[level-1]
	var raw decimal.Decimal
	if side == core.PositionShort {
		raw = g.Mul(one.Add(d))
	} else {
		raw = g.Mul(one.Sub(d))
	}
	return m.roundPrice(raw, side)
}

// SLPrice returns the stop trigger for a grid centered at g.
func (m *Machine) SLPrice(g decimal.Decimal, p *config.GridParams, side core.PositionSide) decimal.Decimal {
	var raw decimal.Decimal
	if side == core.PositionShort {
		raw = g.Mul(one.Add(p.SLDistance))
	} else {
		raw = g.Mul(one.Sub(p.SLDistance))
	}
	return m.roundPrice(raw, side)
}

// TPPrice returns the take-profit price off the position average.
func (m *Machine) TPPrice(avg decimal.Decimal, p *config.GridParams, side core.PositionSide) decimal.Decimal {
	if side == core.PositionShort {
		return m.roundPrice(avg.Mul(one.Sub(p.TPPct)), side)
	}
	return m.roundPrice(avg.Mul(one.Add(p.TPPct)), side)
}

// BEPrice returns the break-even price off the position average.
func (m *Machine) BEPrice(avg decimal.Decimal, p *config.GridParams, side core.PositionSide) decimal.Decimal {
	if side == core.PositionShort {
		return m.roundPrice(avg.Mul(one.Sub(p.BEPct)), side)
	}
	return m.roundPrice(avg.Mul(one.Add(p.BEPct)), side)
}

// RegridCenter back-derives the grid center that puts Level 1 at the
// current position average. Used after a partial BE exit.
func (m *Machine) RegridCenter(avg decimal.Decimal, p *config.GridParams, side core.PositionSide) decimal.Decimal {
	d1 := p.LevelDistances[0]
	if side == core.PositionShort {
		return avg.Div(one.Add(d1))
	}
	return avg.Div(one.Sub(d1))
}

// EntryQty sizes ladder level i: capital · ratio · leverage / price,
// truncated to the venue step.
func (m *Machine) EntryQty(p *config.GridParams, capital decimal.Decimal, level int, price decimal.Decimal, side core.PositionSide) decimal.Decimal {
	lev := decimal.NewFromInt(int64(p.Leverage(side)))
	notional := capital.Mul(p.EntryRatios[level-1]).Mul(lev)
	return tradingutils.TruncateToStep(notional.Div(price), m.symbol.StepSize)
}
