package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/mock"
	"grid_trader/internal/state"
	"grid_trader/internal/strategy"
	apperrors "grid_trader/pkg/errors"
)

const testParamsFile = `INITIAL_CAPITAL=1000
LEVERAGE_LONG=10
LEVERAGE_SHORT=10
TRADE_DIRECTION=LONG
GRID_RANGE_PCT=0.04
MAX_ENTRY_LEVEL=4
ENTRY_RATIOS=0.1,0.15,0.25,0.5
LEVEL_DISTANCES=0.005,0.01,0.02,0.04
SL_DISTANCE=0.06
TP_PCT=0.01
BE_PCT=0.002
MAKER_FEE=0.0002
TAKER_FEE=0.0005
`

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	venue   *mock.Venue
	journal *mock.MemoryJournal
	store   *state.Store
	rec     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	venue := mock.NewVenue()
	return newFixtureWith(t, venue, venue)
}

// newFixtureWith builds a reconciler over an arbitrary venue; raw is
// the underlying mock used for assertions.
func newFixtureWith(t *testing.T, venue core.Venue, raw *mock.Venue) *fixture {
	t.Helper()
	dir := t.TempDir()

	paramsPath := filepath.Join(dir, "params.txt")
	require.NoError(t, os.WriteFile(paramsPath, []byte(testParamsFile), 0o644))
	watcher, err := config.NewWatcher(paramsPath, time.Minute, mock.NopLogger{})
	require.NoError(t, err)

	store, err := state.NewStore(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	symbol := core.Symbol{Name: "BTCUSDT", TickSize: d("0.1"), StepSize: d("0.001")}
	journal := mock.NewMemoryJournal()

	rec := New(
		venue,
		strategy.NewMachine(symbol),
		store,
		journal,
		watcher,
		mock.NopAlerter{},
		nil,
		symbol,
		strategy.NewState("BTCUSDT", d("1000")),
		mock.NopLogger{},
	)
	return &fixture{venue: raw, journal: journal, store: store, rec: rec}
}

func bar(close string) core.Kline {
	return core.Kline{Symbol: "BTCUSDT", Close: d(close), Closed: true}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	require.NoError(t, f.rec.OnBarClose(context.Background(), bar("50000")))
}

func TestFirstBarPlacesEntryLadder(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	assert.Equal(t, 4, f.venue.OpenOrderCount())
	assert.Len(t, f.venue.PlacedEntries, 4)
	// bottom-up: level 1 first
	assert.True(t, d("49750").Equal(f.venue.PlacedEntries[0].Price))
	assert.True(t, d("48000").Equal(f.venue.PlacedEntries[3].Price))

	st := f.rec.State()
	assert.True(t, st.GridCenter.Valid)
	assert.True(t, st.Flat())
}

func TestQuietHeartbeatMutatesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	placed := len(f.venue.PlacedEntries)
	events := len(f.journal.Events)
	syncedAt := f.rec.State().LastSyncedAt

	require.NoError(t, f.rec.OnHeartbeat(context.Background()))

	assert.Equal(t, placed, len(f.venue.PlacedEntries))
	assert.Equal(t, events, len(f.journal.Events))
	assert.Equal(t, syncedAt, f.rec.State().LastSyncedAt)
}

func TestRestartWithMatchingOrdersIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	// Second reconciler over the same venue and persisted snapshot.
	snapshot, err := f.store.Load()
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	rec2 := New(
		f.venue,
		strategy.NewMachine(core.Symbol{Name: "BTCUSDT", TickSize: d("0.1"), StepSize: d("0.001")}),
		f.store,
		f.journal,
		f.rec.params,
		mock.NopAlerter{},
		nil,
		core.Symbol{Name: "BTCUSDT", TickSize: d("0.1"), StepSize: d("0.001")},
		*snapshot,
		mock.NopLogger{},
	)

	placed := len(f.venue.PlacedEntries)
	require.NoError(t, rec2.OnHeartbeat(context.Background()))
	assert.Equal(t, placed, len(f.venue.PlacedEntries))
	assert.Equal(t, 4, f.venue.OpenOrderCount())
}

func TestEntryFillInference(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	// Level 1 fills: order disappears, venue reports the position.
	level1 := f.venue.FindOrder(func(o *core.Order) bool { return o.Price.Equal(d("49750")) })
	require.NotNil(t, level1)
	f.venue.RemoveOrder(level1.ID)
	f.venue.SetPosition(&core.Position{Side: core.PositionLong, Qty: d("0.02"), AvgPrice: d("49750")})

	require.NoError(t, f.rec.OnHeartbeat(context.Background()))

	st := f.rec.State()
	assert.Equal(t, core.PositionLong, st.PositionSide)
	assert.Equal(t, 1, st.CurrentLevel)
	assert.True(t, d("0.02").Equal(st.TotalSize))
	assert.Contains(t, f.journal.EventNames(), "ENTRY_L1")

	// TP armed at the venue, remaining ladder still resting.
	require.Len(t, f.venue.PlacedCloses, 1)
	assert.True(t, d("50247.5").Equal(f.venue.PlacedCloses[0].Price))
	assert.Equal(t, 4, f.venue.OpenOrderCount()) // 3 entries + TP
}

func TestDuplicateFillDetectionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	level1 := f.venue.FindOrder(func(o *core.Order) bool { return o.Price.Equal(d("49750")) })
	f.venue.RemoveOrder(level1.ID)
	f.venue.SetPosition(&core.Position{Side: core.PositionLong, Qty: d("0.02"), AvgPrice: d("49750")})

	require.NoError(t, f.rec.OnHeartbeat(context.Background()))
	events := len(f.journal.Events)

	// Same venue state again: nothing new to infer.
	require.NoError(t, f.rec.OnHeartbeat(context.Background()))
	assert.Equal(t, events, len(f.journal.Events))
	assert.Equal(t, 1, f.rec.State().CurrentLevel)
}

func TestTakeProfitInference(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	level1 := f.venue.FindOrder(func(o *core.Order) bool { return o.Price.Equal(d("49750")) })
	f.venue.RemoveOrder(level1.ID)
	f.venue.SetPosition(&core.Position{Side: core.PositionLong, Qty: d("0.02"), AvgPrice: d("49750")})
	require.NoError(t, f.rec.OnHeartbeat(context.Background()))

	// TP fills: position vanishes, TP order gone.
	tp := f.venue.FindOrder(func(o *core.Order) bool { return o.ReduceOnly })
	require.NotNil(t, tp)
	f.venue.RemoveOrder(tp.ID)
	f.venue.SetPosition(nil)

	require.NoError(t, f.rec.OnHeartbeat(context.Background()))

	st := f.rec.State()
	assert.True(t, st.Flat())
	assert.Contains(t, f.journal.EventNames(), "TP")
	assert.True(t, st.Capital.GreaterThan(d("1000")))
	// Grid recentered on the exit, full ladder re-armed.
	assert.True(t, d("50247.5").Equal(st.GridCenter.Decimal))
	assert.Equal(t, 4, f.venue.OpenOrderCount())
	assert.GreaterOrEqual(t, f.venue.CancelAllCalls, 1)
}

func TestPartialBreakEvenInference(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	// Levels 1 and 2 fill.
	for _, price := range []string{"49750", "49500"} {
		o := f.venue.FindOrder(func(o *core.Order) bool { return o.Price.Equal(d(price)) })
		require.NotNil(t, o)
		f.venue.RemoveOrder(o.ID)
	}
	f.venue.SetPosition(&core.Position{Side: core.PositionLong, Qty: d("0.05"), AvgPrice: d("49600")})
	require.NoError(t, f.rec.OnHeartbeat(context.Background()))
	require.Equal(t, 2, f.rec.State().CurrentLevel)

	// BE fills down to the level 1 quantity.
	be := f.venue.FindOrder(func(o *core.Order) bool { return o.ReduceOnly })
	require.NotNil(t, be)
	f.venue.RemoveOrder(be.ID)
	f.venue.SetPosition(&core.Position{Side: core.PositionLong, Qty: d("0.02"), AvgPrice: d("49750")})

	require.NoError(t, f.rec.OnHeartbeat(context.Background()))

	st := f.rec.State()
	assert.Equal(t, 1, st.CurrentLevel)
	assert.True(t, d("0.02").Equal(st.TotalSize))
	assert.True(t, d("49750").Equal(st.AvgPrice))
	assert.Contains(t, f.journal.EventNames(), "PARTIAL_BE")
	// Collapsed back to a single level: a fresh TP must be armed.
	tp := f.venue.FindOrder(func(o *core.Order) bool { return o.ReduceOnly })
	require.NotNil(t, tp)
}

func TestStopLossInference(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	fills := []struct{ price, qty string }{
		{"49750", "0.02"}, {"49500", "0.03"}, {"49000", "0.051"}, {"48000", "0.104"},
	}
	total := decimal.Zero
	for _, fl := range fills {
		o := f.venue.FindOrder(func(o *core.Order) bool { return o.Price.Equal(d(fl.price)) })
		require.NotNil(t, o)
		f.venue.RemoveOrder(o.ID)
		total = total.Add(d(fl.qty))
		f.venue.SetPosition(&core.Position{Side: core.PositionLong, Qty: total, AvgPrice: d(fl.price)})
		require.NoError(t, f.rec.OnHeartbeat(context.Background()))
	}
	require.Equal(t, 4, f.rec.State().CurrentLevel)
	require.Len(t, f.venue.PlacedStops, 1)

	// Stop triggers: book empties, position vanishes.
	require.NoError(t, f.venue.CancelAllOpenOrders(context.Background()))
	f.venue.SetPosition(nil)
	f.venue.CancelAllCalls = 0

	require.NoError(t, f.rec.OnHeartbeat(context.Background()))

	st := f.rec.State()
	assert.True(t, st.Flat())
	assert.Contains(t, f.journal.EventNames(), "SL")
	assert.True(t, st.Capital.LessThan(d("1000")))
	assert.True(t, d("47000").Equal(st.GridCenter.Decimal))
}

func TestMarginRejectionLeavesSlotEmpty(t *testing.T) {
	f := newFixture(t)
	f.venue.FailEntries = 1
	f.venue.EntryErr = apperrors.ErrMarginInsufficient

	require.NoError(t, f.rec.OnBarClose(context.Background(), bar("50000")))

	// One slot skipped, the other three placed.
	assert.Equal(t, 3, f.venue.OpenOrderCount())

	// The next pass fills the hole.
	require.NoError(t, f.rec.OnHeartbeat(context.Background()))
	assert.Equal(t, 4, f.venue.OpenOrderCount())
}

func TestRangeBreachRecentersAndReplaces(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	require.Equal(t, 4, f.venue.OpenOrderCount())

	require.NoError(t, f.rec.OnBarClose(context.Background(), bar("51100")))

	st := f.rec.State()
	assert.True(t, d("51100").Equal(st.GridCenter.Decimal))
	assert.Contains(t, f.journal.EventNames(), "CANCEL_ALL")
	assert.GreaterOrEqual(t, f.venue.CancelAllCalls, 1)
	assert.Equal(t, 4, f.venue.OpenOrderCount())
	// New ladder hangs off the new center.
	entry1 := f.venue.FindOrder(func(o *core.Order) bool { return o.Price.Equal(d("50844.4")) })
	assert.NotNil(t, entry1)
}

func TestCancelAllVerifyGivesUp(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.venue.FailCancels = cancelVerifyAttempts + 1

	err := f.rec.OnBarClose(context.Background(), bar("51100"))
	assert.Error(t, err)
}

func TestTransientPositionErrorFailsPassWithoutMutation(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	before := f.rec.State()

	f.venue.FailPositions = 1
	err := f.rec.OnHeartbeat(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))

	after := f.rec.State()
	assert.Equal(t, before.LastSyncedAt, after.LastSyncedAt)
	assert.Equal(t, before.CurrentLevel, after.CurrentLevel)
}

// shrinkVenue accepts every entry at a fraction of the requested
// quantity, the way the venue client does after margin shrink retries.
type shrinkVenue struct {
	*mock.Venue
	factor decimal.Decimal
}

func (s *shrinkVenue) PlaceLimitEntry(ctx context.Context, side core.Side, price, qty decimal.Decimal) (*core.Order, error) {
	return s.Venue.PlaceLimitEntry(ctx, side, price, qty.Mul(s.factor))
}

func newShrinkFixture(t *testing.T) *fixture {
	t.Helper()
	raw := mock.NewVenue()
	return newFixtureWith(t, &shrinkVenue{Venue: raw, factor: d("0.9")}, raw)
}

func countEvents(names []string, want string) int {
	n := 0
	for _, name := range names {
		if name == want {
			n++
		}
	}
	return n
}

func TestShrunkEntriesHoldTheirSlots(t *testing.T) {
	f := newShrinkFixture(t)
	f.seed(t)

	require.Len(t, f.venue.PlacedEntries, 4)
	require.Equal(t, 4, f.venue.OpenOrderCount())
	// The accepted fraction of each entry is journalled.
	assert.Equal(t, 4, countEvents(f.journal.EventNames(), "ENTRY_SHRUNK"))

	// Quiet heartbeats must not churn the shrunk resting orders.
	events := len(f.journal.Events)
	require.NoError(t, f.rec.OnHeartbeat(context.Background()))
	require.NoError(t, f.rec.OnHeartbeat(context.Background()))

	assert.Len(t, f.venue.PlacedEntries, 4)
	assert.Equal(t, 4, f.venue.OpenOrderCount())
	assert.Equal(t, events, len(f.journal.Events))
}

func TestShrunkRestingEntryIsNotCountedAsFilled(t *testing.T) {
	f := newShrinkFixture(t)
	f.seed(t)

	// Level 1 (accepted at 0.018) fills; the shrunk levels 2..4 are
	// still resting and must not be mistaken for fills.
	level1 := f.venue.FindOrder(func(o *core.Order) bool { return o.Price.Equal(d("49750")) })
	require.NotNil(t, level1)
	f.venue.RemoveOrder(level1.ID)
	f.venue.SetPosition(&core.Position{Side: core.PositionLong, Qty: d("0.018"), AvgPrice: d("49750")})

	require.NoError(t, f.rec.OnHeartbeat(context.Background()))

	st := f.rec.State()
	assert.Equal(t, 1, st.CurrentLevel)
	assert.True(t, d("0.018").Equal(st.TotalSize))
	names := f.journal.EventNames()
	assert.Equal(t, 1, countEvents(names, "ENTRY_L1"))
	assert.Equal(t, 0, countEvents(names, "ENTRY_L2"))
	require.Len(t, f.venue.PlacedCloses, 1)
	assert.Equal(t, 4, f.venue.OpenOrderCount()) // 3 entries + TP
}

func TestPersistedSnapshotSurvivesRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	level1 := f.venue.FindOrder(func(o *core.Order) bool { return o.Price.Equal(d("49750")) })
	f.venue.RemoveOrder(level1.ID)
	f.venue.SetPosition(&core.Position{Side: core.PositionLong, Qty: d("0.02"), AvgPrice: d("49750")})
	require.NoError(t, f.rec.OnHeartbeat(context.Background()))

	snapshot, err := f.store.Load()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, core.PositionLong, snapshot.PositionSide)
	assert.Equal(t, 1, snapshot.CurrentLevel)
	assert.True(t, d("0.02").Equal(snapshot.TotalSize))
	assert.NotEmpty(t, snapshot.DesiredOrders)
}
