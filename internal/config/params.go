package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"grid_trader/internal/core"
)

// GridParams is one immutable snapshot of the hot-reloadable strategy
// parameters. Callers read a snapshot per tick; the watcher swaps the
// current pointer atomically.
type GridParams struct {
	InitialCapital decimal.Decimal
	LeverageLong   int
	LeverageShort  int
	TradeDirection core.TradeDirection
	GridRangePct   decimal.Decimal
	MaxEntryLevel  int
	EntryRatios    []decimal.Decimal
	LevelDistances []decimal.Decimal
	SLDistance     decimal.Decimal
	TPPct          decimal.Decimal
	BEPct          decimal.Decimal
	MakerFee       decimal.Decimal
	TakerFee       decimal.Decimal
}

// Leverage returns the configured leverage for a position side.
func (p *GridParams) Leverage(side core.PositionSide) int {
	if side == core.PositionShort {
		return p.LeverageShort
	}
	return p.LeverageLong
}

var requiredParamKeys = []string{
	"INITIAL_CAPITAL", "LEVERAGE_LONG", "LEVERAGE_SHORT", "TRADE_DIRECTION",
	"GRID_RANGE_PCT", "MAX_ENTRY_LEVEL", "ENTRY_RATIOS", "LEVEL_DISTANCES",
	"SL_DISTANCE", "TP_PCT", "BE_PCT", "MAKER_FEE", "TAKER_FEE",
}

// ParseParams reads a KEY=VALUE parameter file. Comments start with '#'.
// Unknown keys are collected for the caller to warn about; missing
// required keys or out-of-range values reject the whole snapshot.
func ParseParams(path string) (*GridParams, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open params file: %w", err)
	}
	defer f.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		raw[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read params file: %w", err)
	}

	known := make(map[string]bool, len(requiredParamKeys))
	for _, k := range requiredParamKeys {
		known[k] = true
	}
	var unknown []string
	for k := range raw {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	for _, k := range requiredParamKeys {
		if _, ok := raw[k]; !ok {
			return nil, unknown, fmt.Errorf("missing required key %s", k)
		}
	}

	p := &GridParams{}
	var perr error
	dec := func(key string) decimal.Decimal {
		v, err := decimal.NewFromString(raw[key])
		if err != nil && perr == nil {
			perr = fmt.Errorf("invalid value for %s: %q", key, raw[key])
		}
		return v
	}
	num := func(key string) int {
		v, err := strconv.Atoi(raw[key])
		if err != nil && perr == nil {
			perr = fmt.Errorf("invalid value for %s: %q", key, raw[key])
		}
		return v
	}
	decList := func(key string) []decimal.Decimal {
		parts := strings.Split(raw[key], ",")
		out := make([]decimal.Decimal, 0, len(parts))
		for _, part := range parts {
			v, err := decimal.NewFromString(strings.TrimSpace(part))
			if err != nil {
				if perr == nil {
					perr = fmt.Errorf("invalid value for %s: %q", key, raw[key])
				}
				return nil
			}
			out = append(out, v)
		}
		return out
	}

	p.InitialCapital = dec("INITIAL_CAPITAL")
	p.LeverageLong = num("LEVERAGE_LONG")
	p.LeverageShort = num("LEVERAGE_SHORT")
	p.TradeDirection = core.TradeDirection(strings.ToUpper(raw["TRADE_DIRECTION"]))
	p.GridRangePct = dec("GRID_RANGE_PCT")
	p.MaxEntryLevel = num("MAX_ENTRY_LEVEL")
	p.EntryRatios = decList("ENTRY_RATIOS")
	p.LevelDistances = decList("LEVEL_DISTANCES")
	p.SLDistance = dec("SL_DISTANCE")
	p.TPPct = dec("TP_PCT")
	p.BEPct = dec("BE_PCT")
	p.MakerFee = dec("MAKER_FEE")
	p.TakerFee = dec("TAKER_FEE")
	if perr != nil {
		return nil, unknown, perr
	}

	if err := p.Validate(); err != nil {
		return nil, unknown, err
	}
	return p, unknown, nil
}

// Validate rejects out-of-range parameter combinations. Runs on every
// reload so a bad edit never reaches the strategy.
func (p *GridParams) Validate() error {
	if p.InitialCapital.Sign() <= 0 {
		return fmt.Errorf("INITIAL_CAPITAL must be positive")
	}
	if p.LeverageLong <= 0 || p.LeverageShort <= 0 {
		return fmt.Errorf("leverage must be a positive integer")
	}
	switch p.TradeDirection {
	case core.DirectionLong, core.DirectionShort, core.DirectionBoth:
	default:
		return fmt.Errorf("TRADE_DIRECTION must be LONG, SHORT or BOTH")
	}
	// The venue holds one leverage setting per symbol, so a dual-sided
	// grid cannot size its ladders with two different values.
	if p.TradeDirection == core.DirectionBoth && p.LeverageLong != p.LeverageShort {
		return fmt.Errorf("TRADE_DIRECTION=BOTH requires LEVERAGE_LONG == LEVERAGE_SHORT, got %d and %d",
			p.LeverageLong, p.LeverageShort)
	}
	if p.GridRangePct.Sign() <= 0 {
		return fmt.Errorf("GRID_RANGE_PCT must be positive")
	}
	if p.MaxEntryLevel < 1 {
		return fmt.Errorf("MAX_ENTRY_LEVEL must be at least 1")
	}
	if len(p.EntryRatios) != p.MaxEntryLevel {
		return fmt.Errorf("ENTRY_RATIOS must have %d values, got %d", p.MaxEntryLevel, len(p.EntryRatios))
	}
	if len(p.LevelDistances) != p.MaxEntryLevel {
		return fmt.Errorf("LEVEL_DISTANCES must have %d values, got %d", p.MaxEntryLevel, len(p.LevelDistances))
	}

	ratioSum := decimal.Zero
	for i, r := range p.EntryRatios {
		if r.Sign() <= 0 {
			return fmt.Errorf("ENTRY_RATIOS[%d] must be positive", i)
		}
		ratioSum = ratioSum.Add(r)
	}
	if ratioSum.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("ENTRY_RATIOS sum %s exceeds 1", ratioSum)
	}

	prev := decimal.Zero
	for i, d := range p.LevelDistances {
		if d.Sign() <= 0 {
			return fmt.Errorf("LEVEL_DISTANCES[%d] must be positive", i)
		}
		if !d.GreaterThan(prev) {
			return fmt.Errorf("LEVEL_DISTANCES must be strictly increasing")
		}
		prev = d
	}
	if !p.SLDistance.GreaterThan(prev) {
		return fmt.Errorf("SL_DISTANCE %s must exceed the deepest level distance %s", p.SLDistance, prev)
	}

	if p.TPPct.Sign() <= 0 || p.BEPct.Sign() <= 0 {
		return fmt.Errorf("TP_PCT and BE_PCT must be positive")
	}
	if !p.BEPct.LessThan(p.TPPct) {
		return fmt.Errorf("BE_PCT %s must be less than TP_PCT %s", p.BEPct, p.TPPct)
	}
	if p.MakerFee.Sign() < 0 || p.TakerFee.Sign() < 0 {
		return fmt.Errorf("fees must be non-negative")
	}
	return nil
}
