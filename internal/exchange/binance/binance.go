// Package binance adapts the Binance USD-M futures API to the engine's
// venue interface.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/tradingutils"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// Quantity shrink policies on venue rejections. Each step cuts the
	// requested quantity by 0.1% until the floor, then the error is
	// surfaced as-is.
	shrinkStep       = 0.999
	marginFloor      = 0.30
	reduceOnlyFloor  = 0.50
	positionAttempts = 10
)

var shrinkFactor = decimal.NewFromFloat(shrinkStep)

// Config holds the venue adapter settings.
type Config struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	Testnet   bool
	Symbol    core.Symbol
	Logger    core.Logger
}

// placeLimitFunc sends one limit order. Swappable so the shrink loops
// can be exercised without the live client.
type placeLimitFunc func(ctx context.Context, side core.Side, price, qty decimal.Decimal, reduceOnly bool) (*core.Order, error)

// Venue implements core.Venue against Binance USD-M futures.
type Venue struct {
	client           *futures.Client
	symbol           core.Symbol
	logger           core.Logger
	limiter          *rate.Limiter
	pipeline         failsafe.Executor[any]
	positionPipeline failsafe.Executor[any]
	placeLimit       placeLimitFunc
}

// New creates the venue adapter. Order placement is rate limited client
// side; reads and cancels additionally go through a retry plus circuit
// breaker pipeline.
func New(cfg Config) (*Venue, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: missing API credentials", apperrors.ErrAuthenticationFailed)
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.Testnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}

	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return errors.Is(err, apperrors.ErrTransient)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	// Position polls get a deeper retry budget than other reads: the
	// reconciler cannot make progress without a position answer.
	positionRetry := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(500*time.Millisecond, 5*time.Second).
		WithMaxRetries(positionAttempts - 1).
		Build()

	v := &Venue{
		client:           client,
		symbol:           cfg.Symbol,
		logger:           cfg.Logger.WithField("component", "binance_venue"),
		limiter:          rate.NewLimiter(rate.Limit(8), 16),
		pipeline:         failsafe.With[any](retryPolicy, breaker),
		positionPipeline: failsafe.With[any](positionRetry),
	}
	v.placeLimit = v.placeLimitRest
	return v, nil
}

func (v *Venue) Name() string {
	return "binance_futures"
}

// classify translates API and transport errors into the engine's
// sentinel set.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2019, -3005, -3041:
			return fmt.Errorf("%w: %v", apperrors.ErrMarginInsufficient, err)
		case -2022:
			return fmt.Errorf("%w: %v", apperrors.ErrReduceOnlyRejected, err)
		case -1003:
			return fmt.Errorf("%w: %v", apperrors.ErrRateLimited, err)
		case -2013:
			return fmt.Errorf("%w: %v", apperrors.ErrOrderNotFound, err)
		case -1021:
			return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
		case -1022, -2014, -2015:
			return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
		case -1121:
			return fmt.Errorf("%w: %v", apperrors.ErrInvalidSymbol, err)
		}
		if apiErr.Code == 0 || apiErr.Code <= -9000 {
			return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", apperrors.ErrFatal, err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "EOF") {
		return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
}

func newClientOrderID(kind string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("grid-%s-%s", strings.ToLower(kind), id[:20])
}

func (v *Venue) wait(ctx context.Context) error {
	if err := v.limiter.Wait(ctx); err != nil {
		return err
	}
	return nil
}

// execute runs fn through the resilience pipeline. Used for reads and
// cancels; order placement never auto-retries to avoid duplicates.
func (v *Venue) execute(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := v.wait(ctx); err != nil {
		return nil, err
	}
	res, err := v.pipeline.GetWithExecution(func(_ failsafe.Execution[any]) (any, error) {
		out, err := fn()
		return out, classify(err)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PlaceLimitEntry places a GTC limit order, shrinking the quantity in
// 0.1% steps down to 30% of the request on margin rejections.
func (v *Venue) PlaceLimitEntry(ctx context.Context, side core.Side, price, qty decimal.Decimal) (*core.Order, error) {
	floor := qty.Mul(decimal.NewFromFloat(marginFloor))
	attempt := qty
	for {
		order, err := v.placeLimit(ctx, side, price, attempt, false)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, apperrors.ErrMarginInsufficient) {
			return nil, err
		}

		next := tradingutils.TruncateToStep(attempt.Mul(shrinkFactor), v.symbol.StepSize)
		if next.LessThan(floor) || next.Equal(attempt) || next.IsZero() {
			return nil, err
		}
		v.logger.Warn("Margin insufficient, shrinking entry quantity",
			"side", side, "price", price, "from", attempt, "to", next)
		attempt = next
	}
}

// PlaceLimitClose places a reduce-only GTC limit order, shrinking the
// quantity in 0.1% steps down to 50% of the request on reduce-only
// rejections.
func (v *Venue) PlaceLimitClose(ctx context.Context, side core.Side, price, qty decimal.Decimal) (*core.Order, error) {
	floor := qty.Mul(decimal.NewFromFloat(reduceOnlyFloor))
	attempt := qty
	for {
		order, err := v.placeLimit(ctx, side, price, attempt, true)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, apperrors.ErrReduceOnlyRejected) {
			return nil, err
		}

		next := tradingutils.TruncateToStep(attempt.Mul(shrinkFactor), v.symbol.StepSize)
		if next.LessThan(floor) || next.Equal(attempt) || next.IsZero() {
			return nil, err
		}
		v.logger.Warn("Reduce-only rejected, shrinking close quantity",
			"side", side, "price", price, "from", attempt, "to", next)
		attempt = next
	}
}

func (v *Venue) placeLimitRest(ctx context.Context, side core.Side, price, qty decimal.Decimal, reduceOnly bool) (*core.Order, error) {
	if err := v.wait(ctx); err != nil {
		return nil, err
	}

	kind := "entry"
	if reduceOnly {
		kind = "close"
	}
	svc := v.client.NewCreateOrderService().
		Symbol(v.symbol.Name).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Price(price.String()).
		Quantity(qty.String()).
		NewClientOrderID(newClientOrderID(kind))
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return translateCreateResponse(resp), nil
}

// PlaceStopMarket places a close-position stop: no quantity is sent,
// the venue flattens the whole position at trigger.
func (v *Venue) PlaceStopMarket(ctx context.Context, side core.Side, stopPrice decimal.Decimal) (*core.Order, error) {
	if err := v.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := v.client.NewCreateOrderService().
		Symbol(v.symbol.Name).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeStopMarket).
		StopPrice(stopPrice.String()).
		ClosePosition(true).
		NewClientOrderID(newClientOrderID("sl")).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return translateCreateResponse(resp), nil
}

// CloseAtMarket sends a reduce-only market order for an explicit
// quantity.
func (v *Venue) CloseAtMarket(ctx context.Context, side core.Side, qty decimal.Decimal) (*core.Order, error) {
	if err := v.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := v.client.NewCreateOrderService().
		Symbol(v.symbol.Name).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		ReduceOnly(true).
		NewClientOrderID(newClientOrderID("mkt")).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return translateCreateResponse(resp), nil
}

func (v *Venue) CancelOrder(ctx context.Context, orderID int64) error {
	_, err := v.execute(ctx, func() (any, error) {
		return v.client.NewCancelOrderService().
			Symbol(v.symbol.Name).
			OrderID(orderID).
			Do(ctx)
	})
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		// Already gone, which is the state we wanted.
		return nil
	}
	return err
}

func (v *Venue) CancelAllOpenOrders(ctx context.Context) error {
	_, err := v.execute(ctx, func() (any, error) {
		return nil, v.client.NewCancelAllOpenOrdersService().
			Symbol(v.symbol.Name).
			Do(ctx)
	})
	return err
}

// GetPosition polls position risk, retrying up to 10 times before
// giving up. Returns nil when the venue holds no position.
func (v *Venue) GetPosition(ctx context.Context) (*core.Position, error) {
	res, err := v.positionPipeline.WithContext(ctx).GetWithExecution(func(_ failsafe.Execution[any]) (any, error) {
		return v.execute(ctx, func() (any, error) {
			return v.client.NewGetPositionRiskService().
				Symbol(v.symbol.Name).
				Do(ctx)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("position query failed: %w", err)
	}
	return translatePosition(res.([]*futures.PositionRisk)), nil
}

func (v *Venue) GetOpenOrders(ctx context.Context) ([]*core.Order, error) {
	res, err := v.execute(ctx, func() (any, error) {
		return v.client.NewListOpenOrdersService().
			Symbol(v.symbol.Name).
			Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	raw := res.([]*futures.Order)
	orders := make([]*core.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, translateOrder(o))
	}
	return orders, nil
}

// SetMarginModeIsolated switches the symbol to isolated margin. The
// venue answers with an error when the mode is already set; that is
// treated as success.
func (v *Venue) SetMarginModeIsolated(ctx context.Context) error {
	_, err := v.execute(ctx, func() (any, error) {
		return nil, v.client.NewChangeMarginTypeService().
			Symbol(v.symbol.Name).
			MarginType(futures.MarginTypeIsolated).
			Do(ctx)
	})
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code == -4046 {
		return nil
	}
	return err
}

func (v *Venue) SetLeverage(ctx context.Context, leverage int) error {
	_, err := v.execute(ctx, func() (any, error) {
		return v.client.NewChangeLeverageService().
			Symbol(v.symbol.Name).
			Leverage(leverage).
			Do(ctx)
	})
	return err
}

// LastRealizedPnL returns the realized PnL of the most recent
// position-reducing trade, commission included. Entries sharing the
// timestamp of the newest REALIZED_PNL record are summed so the paired
// commission row is netted in.
func (v *Venue) LastRealizedPnL(ctx context.Context) (decimal.Decimal, error) {
	res, err := v.execute(ctx, func() (any, error) {
		return v.client.NewGetIncomeHistoryService().
			Symbol(v.symbol.Name).
			Limit(20).
			Do(ctx)
	})
	if err != nil {
		return decimal.Zero, err
	}

	incomes := res.([]*futures.IncomeHistory)
	var lastTS int64
	for _, in := range incomes {
		if in.IncomeType == "REALIZED_PNL" && in.Time > lastTS {
			lastTS = in.Time
		}
	}
	if lastTS == 0 {
		return decimal.Zero, nil
	}

	total := decimal.Zero
	for _, in := range incomes {
		if in.Time != lastTS {
			continue
		}
		if in.IncomeType != "REALIZED_PNL" && in.IncomeType != "COMMISSION" {
			continue
		}
		amount, err := decimal.NewFromString(in.Income)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to parse income amount %q: %w", in.Income, err)
		}
		total = total.Add(amount)
	}
	return total, nil
}

func translateCreateResponse(resp *futures.CreateOrderResponse) *core.Order {
	if resp == nil {
		return nil
	}
	price, _ := decimal.NewFromString(resp.Price)
	stopPrice, _ := decimal.NewFromString(resp.StopPrice)
	qty, _ := decimal.NewFromString(resp.OrigQuantity)

	return &core.Order{
		ID:            resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Side:          core.Side(resp.Side),
		Type:          string(resp.Type),
		Price:         price,
		StopPrice:     stopPrice,
		Qty:           qty,
		ReduceOnly:    resp.ReduceOnly,
		ClosePosition: resp.ClosePosition,
	}
}

func translateOrder(o *futures.Order) *core.Order {
	price, _ := decimal.NewFromString(o.Price)
	stopPrice, _ := decimal.NewFromString(o.StopPrice)
	qty, _ := decimal.NewFromString(o.OrigQuantity)

	return &core.Order{
		ID:            o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          core.Side(o.Side),
		Type:          string(o.Type),
		Price:         price,
		StopPrice:     stopPrice,
		Qty:           qty,
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
	}
}

func translatePosition(positions []*futures.PositionRisk) *core.Position {
	if len(positions) == 0 {
		return nil
	}
	p := positions[0]

	qty, err := decimal.NewFromString(p.PositionAmt)
	if err != nil || qty.IsZero() {
		return nil
	}
	avg, _ := decimal.NewFromString(p.EntryPrice)
	upnl, _ := decimal.NewFromString(p.UnRealizedProfit)

	side := core.PositionLong
	if qty.IsNegative() {
		side = core.PositionShort
		qty = qty.Neg()
	}
	return &core.Position{
		Side:          side,
		Qty:           qty,
		AvgPrice:      avg,
		UnrealizedPnL: upnl,
	}
}
