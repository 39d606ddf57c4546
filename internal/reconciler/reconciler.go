// Package reconciler drives the venue toward the strategy's desired
// order set. It owns every side effect: polling position and orders,
// inferring fills, cancelling and placing, journalling, persisting.
// All passes are serialized behind one mutex.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/infrastructure/metrics"
	"grid_trader/internal/state"
	"grid_trader/internal/strategy"
	apperrors "grid_trader/pkg/errors"
)

const cancelVerifyAttempts = 5

// The venue client may accept an entry below the requested quantity
// (margin shrink, 30% floor). Such orders still hold their ladder slot.
var entryAcceptFloor = decimal.NewFromFloat(0.30)

// Reconciler synchronizes one symbol's strategy state with the venue.
type Reconciler struct {
	mu        sync.Mutex
	venue     core.Venue
	machine   *strategy.Machine
	store     *state.Store
	journal   core.Journal
	params    *config.Watcher
	logger    core.Logger
	alerter   core.Alerter
	collector *metrics.Collector

	symbol core.Symbol
	state  strategy.State
}

// New wires the reconciler. collector may be nil in tests.
func New(
	venue core.Venue,
	machine *strategy.Machine,
	store *state.Store,
	journal core.Journal,
	params *config.Watcher,
	alerter core.Alerter,
	collector *metrics.Collector,
	symbol core.Symbol,
	initial strategy.State,
	logger core.Logger,
) *Reconciler {
	return &Reconciler{
		venue:     venue,
		machine:   machine,
		store:     store,
		journal:   journal,
		params:    params,
		alerter:   alerter,
		collector: collector,
		symbol:    symbol,
		state:     initial,
		logger:    logger.WithField("component", "reconciler"),
	}
}

// State returns a copy of the current strategy snapshot.
func (r *Reconciler) State() strategy.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnBarClose handles a closed 1-minute bar, then runs a full pass.
func (r *Reconciler) OnBarClose(ctx context.Context, bar core.Kline) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.params.Current()
	seeded := r.state.GridCenter.Valid
	res := r.machine.ApplyBarClose(r.state, p, bar.Close, time.Now())

	dirty := !seeded || res.CancelAll
	if res.CancelAll {
		r.logger.Info("Grid range breached while flat, recentering",
			"close", bar.Close, "new_center", res.State.GridCenter.Decimal)
		if r.collector != nil {
			r.collector.GridResets.Inc()
		}
		if err := r.cancelAllWithVerify(ctx); err != nil {
			return err
		}
	}
	r.state = res.State
	r.recordEvents(res.Journal)

	return r.syncLocked(ctx, p, dirty)
}

// OnHeartbeat runs a full pass with no bar input.
func (r *Reconciler) OnHeartbeat(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncLocked(ctx, r.params.Current(), false)
}

// OnParamsReload recomputes the desired order set under the new
// parameter snapshot and runs a full pass to apply it.
func (r *Reconciler) OnParamsReload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.params.Current()
	before := r.state.DesiredOrders
	r.state.DesiredOrders = r.machine.DesiredOrders(&r.state, p)
	dirty := !desiredEqual(before, r.state.DesiredOrders)
	return r.syncLocked(ctx, p, dirty)
}

func desiredEqual(a, b []core.DesiredOrder) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Level != b[i].Level || a[i].Side != b[i].Side ||
			!a[i].Price.Equal(b[i].Price) || !a[i].Qty.Equal(b[i].Qty) {
			return false
		}
	}
	return true
}

// syncLocked is one reconciliation pass: poll the venue, fold inferred
// fills into the state, then drive open orders to the desired set. The
// snapshot is persisted only when something changed and only after the
// venue calls succeeded, so a crash replays at worst one pass.
func (r *Reconciler) syncLocked(ctx context.Context, p *config.GridParams, dirty bool) (retErr error) {
	start := time.Now()
	defer func() {
		if r.collector != nil {
			r.collector.LastReconcileSec.Set(time.Since(start).Seconds())
			if retErr != nil {
				r.collector.ReconcileErrors.Inc()
			} else {
				r.collector.ReconcilePasses.Inc()
			}
		}
	}()

	if !r.state.GridCenter.Valid {
		// Waiting for the first bar to seed the grid.
		return r.persistIf(dirty)
	}

	pos, err := r.venue.GetPosition(ctx)
	if err != nil {
		return fmt.Errorf("position poll failed: %w", err)
	}
	open, err := r.venue.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("open orders poll failed: %w", err)
	}

	changed, cancelAll, err := r.applyInferredFills(ctx, p, pos, open)
	if err != nil {
		return err
	}
	dirty = dirty || changed

	if cancelAll {
		if err := r.cancelAllWithVerify(ctx); err != nil {
			return err
		}
		open = nil
	}

	if err := r.state.CheckInvariants(p.MaxEntryLevel); err != nil {
		r.alerter.Notify(ctx, "State invariant violation", err.Error())
		return fmt.Errorf("state invariants violated: %w", err)
	}

	if err := r.driveOrders(ctx, open); err != nil {
		return err
	}

	if dirty {
		r.state.LastSyncedAt = time.Now()
		if r.collector != nil {
			capital, _ := r.state.Capital.Float64()
			r.collector.Capital.Set(capital)
			r.collector.PositionLevel.Set(float64(r.state.CurrentLevel))
		}
	}
	return r.persistIf(dirty)
}

func (r *Reconciler) persistIf(dirty bool) error {
	if !dirty {
		return nil
	}
	if err := r.store.Save(&r.state); err != nil {
		return fmt.Errorf("state persist failed: %w", err)
	}
	return nil
}

// applyInferredFills compares the venue position against the local one
// and folds the implied transitions into the state. Returns whether the
// state changed and whether a cancel-all is required before replacing
// the working orders.
func (r *Reconciler) applyInferredFills(ctx context.Context, p *config.GridParams, pos *core.Position, open []*core.Order) (bool, bool, error) {
	changed := false
	cancelAll := false
	now := time.Now()

	venueQty := decimal.Zero
	if !pos.Flat() {
		venueQty = pos.Qty
	}

	if !r.state.Flat() {
		switch {
		case pos.Flat():
			res, err := r.applyFullExit(ctx, p, now)
			if err != nil {
				return changed, cancelAll, err
			}
			r.applyResult(res)
			changed, cancelAll = true, cancelAll || res.CancelAll
			venueQty = decimal.Zero

		case venueQty.LessThan(r.state.TotalSize) && r.state.CurrentLevel >= 2:
			res, err := r.applyPartialBE(ctx, p, pos, now)
			if err != nil {
				return changed, cancelAll, err
			}
			r.applyResult(res)
			changed, cancelAll = true, cancelAll || res.CancelAll
			venueQty = r.state.TotalSize

		case venueQty.LessThan(r.state.TotalSize) && r.state.CurrentLevel == 1:
			// The take profit filled and a deeper entry filled in the
			// same window. The profit exit wins: flatten the residual at
			// market and book the TP.
			res, err := r.applyTPWithResidual(ctx, p, pos, now)
			if err != nil {
				return changed, cancelAll, err
			}
			r.applyResult(res)
			changed, cancelAll = true, cancelAll || res.CancelAll
			venueQty = decimal.Zero
		}
	}

	if venueQty.GreaterThan(r.state.TotalSize) {
		c, err := r.applyEntryFills(p, pos, open, now)
		if err != nil {
			return changed, cancelAll, err
		}
		changed = changed || c
	}
	return changed, cancelAll, nil
}

// applyFullExit resolves a position that vanished at the venue. At
// level 1 the only full close is the take profit; at the deepest level
// the stop market is assumed. Anything else was closed outside the
// engine and is adopted as-is.
func (r *Reconciler) applyFullExit(ctx context.Context, p *config.GridParams, now time.Time) (strategy.Result, error) {
	if r.state.CurrentLevel == 1 {
		tp := r.findDesired(core.OrderKindTP)
		price := r.machine.TPPrice(r.state.AvgPrice, p, r.state.PositionSide)
		if tp != nil {
			price = tp.Price
		}
		r.logger.Info("Take profit fill detected", "price", price, "qty", r.state.TotalSize)
		r.countFill("TP")
		res := r.machine.ApplyTPFill(r.state, p, price, now)
		r.adjustCapitalFromVenue(ctx, &res)
		return res, nil
	}

	if r.state.CurrentLevel == p.MaxEntryLevel {
		sl := r.findDesired(core.OrderKindSL)
		price := r.machine.SLPrice(r.state.GridCenter.Decimal, p, r.state.PositionSide)
		if sl != nil {
			price = sl.Price
		}
		r.logger.Warn("Stop loss fill detected", "price", price, "qty", r.state.TotalSize)
		r.alerter.Notify(ctx, "Stop loss filled",
			fmt.Sprintf("%s closed %s at %s", r.symbol.Name, r.state.TotalSize, price))
		r.countFill("SL")
		res := r.machine.ApplySLFill(r.state, p, price, now)
		r.adjustCapitalFromVenue(ctx, &res)
		return res, nil
	}

	// Closed outside the engine. Adopt the flat venue state and realize
	// whatever the venue reports.
	r.logger.Warn("Position closed outside the engine, adopting flat state",
		"level", r.state.CurrentLevel, "qty", r.state.TotalSize)
	r.alerter.Notify(ctx, "External close detected",
		fmt.Sprintf("%s position at level %d vanished at the venue", r.symbol.Name, r.state.CurrentLevel))
	r.countFill("EXTERNAL_CLOSE")
	price := r.state.AvgPrice
	res := r.machine.ApplySLFill(r.state, p, price, now)
	res.Journal[0].Event = "EXTERNAL_CLOSE"
	r.adjustCapitalFromVenue(ctx, &res)
	return res, nil
}

func (r *Reconciler) applyPartialBE(ctx context.Context, p *config.GridParams, pos *core.Position, now time.Time) (strategy.Result, error) {
	be := r.findDesired(core.OrderKindBE)
	price := r.machine.BEPrice(r.state.AvgPrice, p, r.state.PositionSide)
	if be != nil {
		price = be.Price
	}

	if pos.Qty.Sub(r.state.Level1Qty).Abs().GreaterThan(r.symbol.StepSize) {
		r.logger.Warn("Break-even remainder differs from level 1 quantity, trusting venue",
			"expected", r.state.Level1Qty, "venue", pos.Qty)
		r.recordEvents([]core.TradeEvent{{
			Timestamp:       now,
			Symbol:          r.state.Symbol,
			Event:           "BE_QTY_MISMATCH",
			Price:           price,
			Qty:             pos.Qty,
			Capital:         r.state.Capital,
			GridCenter:      r.state.GridCenter.Decimal,
			StartGridCenter: r.state.StartGridCenter,
		}})
	}

	r.logger.Info("Partial break-even fill detected",
		"price", price, "closed", r.state.TotalSize.Sub(pos.Qty), "remaining", pos.Qty)
	r.countFill("PARTIAL_BE")
	res := r.machine.ApplyBEFill(r.state, p, price, pos.Qty, pos.AvgPrice, now)
	r.adjustCapitalFromVenue(ctx, &res)
	return res, nil
}

func (r *Reconciler) applyTPWithResidual(ctx context.Context, p *config.GridParams, pos *core.Position, now time.Time) (strategy.Result, error) {
	r.logger.Warn("Take profit and deeper entry filled together, flattening residual",
		"residual", pos.Qty)
	if _, err := r.venue.CloseAtMarket(ctx, pos.Side.CloseSide(), pos.Qty); err != nil {
		return strategy.Result{}, fmt.Errorf("residual flatten failed: %w", err)
	}

	tp := r.findDesired(core.OrderKindTP)
	price := r.machine.TPPrice(r.state.AvgPrice, p, r.state.PositionSide)
	if tp != nil {
		price = tp.Price
	}
	r.countFill("TP")
	res := r.machine.ApplyTPFill(r.state, p, price, now)
	r.adjustCapitalFromVenue(ctx, &res)
	return res, nil
}

// applyEntryFills synthesizes ladder fills bottom-up until the local
// size accounts for the venue position.
func (r *Reconciler) applyEntryFills(p *config.GridParams, pos *core.Position, open []*core.Order, now time.Time) (bool, error) {
	side := pos.Side
	changed := false

	// Collect the entry slots that are no longer resting at the venue.
	var filled []core.DesiredOrder
	for _, d := range r.state.DesiredOrders {
		if d.Kind != core.OrderKindEntry || d.Side != side.EntrySide() {
			continue
		}
		if !r.openMatch(open, d) {
			filled = append(filled, d)
		}
	}
	sort.Slice(filled, func(i, j int) bool { return filled[i].Level < filled[j].Level })

	for i, d := range filled {
		if !r.state.TotalSize.LessThan(pos.Qty) {
			break
		}
		var venuePos *core.Position
		if i == len(filled)-1 || r.state.TotalSize.Add(d.Qty).GreaterThanOrEqual(pos.Qty) {
			venuePos = pos
		}
		r.logger.Info("Entry fill detected", "level", d.Level, "price", d.Price, "qty", d.Qty)
		r.countFill(fmt.Sprintf("ENTRY_L%d", d.Level))
		res := r.machine.ApplyEntryFill(r.state, p, side, d.Level, d.Price, d.Qty, venuePos, now)
		r.applyResult(res)
		changed = true
	}

	if r.state.TotalSize.LessThan(pos.Qty) {
		// Size the venue reports cannot be explained by missing entry
		// orders. The venue is authoritative.
		r.logger.Warn("Venue position larger than explainable fills, adopting venue values",
			"local", r.state.TotalSize, "venue", pos.Qty)
		r.state.AvgPrice = pos.AvgPrice
		r.state.TotalSize = pos.Qty
		changed = true
	}
	return changed, nil
}

// adjustCapitalFromVenue trues the realized PnL up against the venue's
// income records when they disagree with the local computation.
func (r *Reconciler) adjustCapitalFromVenue(ctx context.Context, res *strategy.Result) {
	venuePnL, err := r.venue.LastRealizedPnL(ctx)
	if err != nil {
		r.logger.Debug("Income query failed, keeping computed PnL", "error", err)
		return
	}
	if venuePnL.IsZero() || len(res.Journal) == 0 {
		return
	}
	computed := res.Journal[0].RealizedPnL
	diff := venuePnL.Sub(computed)
	if diff.Abs().LessThanOrEqual(computed.Abs().Mul(decimal.NewFromFloat(0.01))) {
		return
	}
	r.logger.Warn("Venue realized PnL differs from computed, trusting venue",
		"computed", computed, "venue", venuePnL)
	res.State.Capital = res.State.Capital.Add(diff)
	res.Journal[0].RealizedPnL = venuePnL
	res.Journal[0].Capital = res.State.Capital
}

func (r *Reconciler) applyResult(res strategy.Result) {
	r.state = res.State
	r.recordEvents(res.Journal)
}

func (r *Reconciler) recordEvents(events []core.TradeEvent) {
	for _, ev := range events {
		if err := r.journal.Record(ev); err != nil {
			r.logger.Error("Failed to journal trade event", "event", ev.Event, "error", err)
		}
	}
}

func (r *Reconciler) findDesired(kind core.OrderKind) *core.DesiredOrder {
	for i := range r.state.DesiredOrders {
		if r.state.DesiredOrders[i].Kind == kind {
			return &r.state.DesiredOrders[i]
		}
	}
	return nil
}

func (r *Reconciler) countFill(event string) {
	if r.collector != nil {
		r.collector.FillsDetected.WithLabelValues(event).Inc()
	}
}

// cancelAllWithVerify cancels every open order and confirms the book is
// empty, retrying a bounded number of times.
func (r *Reconciler) cancelAllWithVerify(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= cancelVerifyAttempts; attempt++ {
		if err := r.venue.CancelAllOpenOrders(ctx); err != nil {
			lastErr = err
		} else {
			open, err := r.venue.GetOpenOrders(ctx)
			if err != nil {
				lastErr = err
			} else if len(open) == 0 {
				return nil
			} else {
				lastErr = fmt.Errorf("%d orders still open", len(open))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("cancel-all not verified after %d attempts: %w", cancelVerifyAttempts, lastErr)
}

// driveOrders diffs the desired set against the venue's open orders:
// extraneous orders are cancelled first, then missing ones are placed
// with entries bottom-up and the stop last.
func (r *Reconciler) driveOrders(ctx context.Context, open []*core.Order) error {
	desired := r.state.DesiredOrders

	matched := make(map[int64]bool)
	for _, o := range open {
		ok := false
		for _, d := range desired {
			if matches(d, o) {
				ok = true
				break
			}
		}
		if ok {
			matched[o.ID] = true
			continue
		}
		if err := r.venue.CancelOrder(ctx, o.ID); err != nil {
			return fmt.Errorf("cancel of stale order %d failed: %w", o.ID, err)
		}
		if r.collector != nil {
			r.collector.OrdersCancelled.Inc()
		}
	}

	toPlace := make([]core.DesiredOrder, 0, len(desired))
	for _, d := range desired {
		if r.openMatchTracked(open, matched, d) {
			continue
		}
		toPlace = append(toPlace, d)
	}
	sort.SliceStable(toPlace, func(i, j int) bool {
		ri, rj := placeRank(toPlace[i]), placeRank(toPlace[j])
		if ri != rj {
			return ri < rj
		}
		return toPlace[i].Level < toPlace[j].Level
	})

	for _, d := range toPlace {
		if err := r.placeOne(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func placeRank(d core.DesiredOrder) int {
	switch d.Kind {
	case core.OrderKindEntry:
		return 0
	case core.OrderKindTP, core.OrderKindBE:
		return 1
	default:
		return 2
	}
}

func (r *Reconciler) placeOne(ctx context.Context, d core.DesiredOrder) error {
	var placed *core.Order
	var err error
	switch d.Kind {
	case core.OrderKindEntry:
		if d.Qty.IsZero() {
			r.logger.Warn("Entry quantity rounds to zero, skipping level", "level", d.Level)
			return nil
		}
		placed, err = r.venue.PlaceLimitEntry(ctx, d.Side, d.Price, d.Qty)
	case core.OrderKindTP, core.OrderKindBE:
		if d.Qty.IsZero() {
			r.logger.Warn("Close quantity rounds to zero, skipping", "kind", d.Kind)
			return nil
		}
		placed, err = r.venue.PlaceLimitClose(ctx, d.Side, d.Price, d.Qty)
	case core.OrderKindSL:
		placed, err = r.venue.PlaceStopMarket(ctx, d.Side, d.Price)
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrMarginInsufficient) || errors.Is(err, apperrors.ErrReduceOnlyRejected) {
			// Shrink floors exhausted. Leave the slot empty; the next
			// pass tries again with fresh venue state.
			r.logger.Warn("Order rejected past shrink floor, leaving slot empty",
				"kind", d.Kind, "level", d.Level, "error", err)
			r.alerter.Notify(ctx, "Order slot unfilled",
				fmt.Sprintf("%s %s level %d rejected: %v", r.symbol.Name, d.Kind, d.Level, err))
			return nil
		}
		return fmt.Errorf("placement of %s failed: %w", d.Kind, err)
	}
	if placed != nil && !d.Qty.IsZero() && !placed.Qty.Equal(d.Qty) {
		// Accepted after a quantity shrink; the accepted fraction goes
		// into the journal.
		r.logger.Warn("Order accepted below requested quantity",
			"kind", d.Kind, "level", d.Level, "requested", d.Qty, "accepted", placed.Qty)
		r.recordEvents([]core.TradeEvent{{
			Timestamp:       time.Now(),
			Symbol:          r.state.Symbol,
			Event:           fmt.Sprintf("%s_SHRUNK", d.Kind),
			Price:           d.Price,
			Qty:             placed.Qty,
			Capital:         r.state.Capital,
			GridCenter:      r.state.GridCenter.Decimal,
			StartGridCenter: r.state.StartGridCenter,
		}})
	}
	if r.collector != nil {
		r.collector.OrdersPlaced.WithLabelValues(string(d.Kind)).Inc()
	}
	return nil
}

func (r *Reconciler) openMatch(open []*core.Order, d core.DesiredOrder) bool {
	for _, o := range open {
		if matches(d, o) {
			return true
		}
	}
	return false
}

func (r *Reconciler) openMatchTracked(open []*core.Order, matched map[int64]bool, d core.DesiredOrder) bool {
	for _, o := range open {
		if matched[o.ID] && matches(d, o) {
			return true
		}
	}
	return false
}

// matches reports whether a resting venue order satisfies a desired
// slot. Prices are exact: both sides are tick-aligned by construction.
// Entry quantities are a range, not an equality: an order the venue
// accepted after shrinking must keep holding its slot, otherwise every
// pass would cancel and re-place it forever.
func matches(d core.DesiredOrder, o *core.Order) bool {
	if o.Side != d.Side {
		return false
	}
	switch d.Kind {
	case core.OrderKindEntry:
		if o.Type != "LIMIT" || o.ReduceOnly || !o.Price.Equal(d.Price) {
			return false
		}
		return o.Qty.LessThanOrEqual(d.Qty) && o.Qty.GreaterThanOrEqual(d.Qty.Mul(entryAcceptFloor))
	case core.OrderKindTP, core.OrderKindBE:
		return o.Type == "LIMIT" && o.ReduceOnly && o.Price.Equal(d.Price)
	case core.OrderKindSL:
		return o.Type == "STOP_MARKET" && o.ClosePosition && o.StopPrice.Equal(d.Price)
	}
	return false
}
