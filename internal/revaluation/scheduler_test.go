package revaluation

import (
	"context"
	"errors"
	"testing"
	"time"

	"lv-tradedesk/internal/events"
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/settings"
	"lv-tradedesk/internal/store"
	"lv-tradedesk/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tickTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fixedSource struct{ v float64 }

func (s fixedSource) Float64() float64 { return s.v }
func (s fixedSource) Intn(int) int     { return 0 }

type stubLease struct {
	held bool
	err  error
}

func (l stubLease) Acquire(context.Context, time.Duration) (bool, error) { return l.held, l.err }

type releasingLease struct {
	released int
}

func (l *releasingLease) Acquire(context.Context, time.Duration) (bool, error) { return true, nil }

func (l *releasingLease) Release(context.Context) error {
	l.released++
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

func newScheduler(t *testing.T, mem *store.Memory, opts Options) *Scheduler {
	t.Helper()
	if opts.Rand == nil {
		opts.Rand = fixedSource{v: 0.75}
	}
	s := NewScheduler(mem, settings.NewReader(mem, zerolog.Nop()), opts, zerolog.Nop())
	s.now = func() time.Time { return tickTime }
	return s
}

func position(id, userID, symbolID, leverage string, status types.PositionStatus, openedMinutesAgo int) model.Position {
	return model.Position{
		ID:               id,
		UserID:           userID,
		SymbolID:         symbolID,
		Direction:        types.DirectionBuy,
		InvestmentAmount: dec("1000"),
		Leverage:         leverage,
		EntryPrice:       dec("100"),
		CurrentPrice:     dec("100"),
		Status:           status,
		Source:           types.PositionSourceManual,
		OpenedAt:         tickTime.Add(-time.Duration(openedMinutesAgo) * time.Minute),
	}
}

func seedMarket(mem *store.Memory) {
	mem.PutSymbol(model.Symbol{ID: "btcusdt", Name: "BTC/USDT", CurrentPrice: dec("100"), IsActive: true, Outcome: types.OutcomeForceLoss, LossPercentage: ptr(dec("3"))})
	mem.PutSymbol(model.Symbol{ID: "eurusd", Name: "EUR/USD", CurrentPrice: dec("1.08"), IsActive: true, Outcome: types.OutcomeNone})
}

func TestTick_ForcedLossScenarioIsPersisted(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("p1", "u1", "btcusdt", "5x", types.PositionStatusOpen, 120))
	s := newScheduler(t, mem, Options{})

	report := s.Tick(context.Background())

	assert.True(t, report.Ran)
	assert.Equal(t, 1, report.Active)
	assert.Equal(t, 1, report.Valued)
	got, err := mem.GetPosition(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, got.ProfitLossAmount.Equal(dec("-150")), "amount %s", got.ProfitLossAmount)
	assert.True(t, got.ProfitLossPercentage.Equal(dec("-15")))
	assert.True(t, got.CurrentPrice.Equal(dec("97")))

	cached, ok := s.Cached("p1")
	require.True(t, ok)
	assert.True(t, cached.ProfitLossAmount.Equal(dec("-150")))
}

func TestTick_PausedPositionKeepsValueAcrossTicks(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	p := position("p1", "u1", "btcusdt", "5x", types.PositionStatusOpen, 20)
	mem.PutPosition(p)
	s := newScheduler(t, mem, Options{})

	s.Tick(context.Background())
	atPause, _ := mem.GetPosition(context.Background(), "p1")
	require.True(t, atPause.ProfitLossAmount.IsNegative())

	atPause.Status = types.PositionStatusPaused
	mem.PutPosition(atPause)

	// time moves on and the forced loss would grow
	s.now = func() time.Time { return tickTime.Add(30 * time.Minute) }
	report := s.Tick(context.Background())
	assert.Equal(t, 1, report.Paused)
	assert.Zero(t, report.Valued)

	after, _ := mem.GetPosition(context.Background(), "p1")
	assert.True(t, after.ProfitLossAmount.Equal(atPause.ProfitLossAmount))
	assert.True(t, after.ProfitLossPercentage.Equal(atPause.ProfitLossPercentage))

	cached, ok := s.Cached("p1")
	require.True(t, ok)
	assert.Equal(t, types.PositionStatusPaused, cached.Status)
}

func TestTick_MissingSymbolSkipsOnlyThatPosition(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("orphan", "u1", "gone", "2x", types.PositionStatusOpen, 60))
	mem.PutPosition(position("ok", "u1", "eurusd", "2x", types.PositionStatusOpen, 61))
	mem.PutSetting(settings.KeyGlobalLossControl, "false")
	s := newScheduler(t, mem, Options{})

	report := s.Tick(context.Background())
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Valued)

	orphan, _ := mem.GetPosition(context.Background(), "orphan")
	assert.True(t, orphan.ProfitLossAmount.IsZero())
	ok, _ := mem.GetPosition(context.Background(), "ok")
	// natural move of +0.125% at 2x on 1000
	assert.True(t, ok.ProfitLossAmount.Equal(dec("2.5")), "amount %s", ok.ProfitLossAmount)
}

func TestTick_BadLeverageIsValuedAtOneX(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("p1", "u1", "btcusdt", "ten", types.PositionStatusOpen, 120))
	s := newScheduler(t, mem, Options{})

	report := s.Tick(context.Background())
	assert.Equal(t, 1, report.Valued)
	got, _ := mem.GetPosition(context.Background(), "p1")
	assert.True(t, got.ProfitLossAmount.Equal(dec("-30")))
}

func TestTick_SettingsAreReadEveryTick(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("p1", "u1", "eurusd", "1", types.PositionStatusOpen, 50))
	s := newScheduler(t, mem, Options{})

	report := s.Tick(context.Background())
	assert.True(t, report.Settings.GlobalLossEnforced())
	got, _ := mem.GetPosition(context.Background(), "p1")
	assert.True(t, got.ProfitLossAmount.Equal(dec("-10")), "global loss 1%% of 1000, got %s", got.ProfitLossAmount)

	mem.PutSetting(settings.KeyEnforceUserLossPercentage, "false")
	report = s.Tick(context.Background())
	assert.False(t, report.Settings.GlobalLossEnforced())
	got, _ = mem.GetPosition(context.Background(), "p1")
	assert.True(t, got.ProfitLossAmount.Equal(dec("1.25")), "natural, got %s", got.ProfitLossAmount)
}

func TestTick_SettingsFailureUsesDefaults(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("p1", "u1", "eurusd", "1", types.PositionStatusOpen, 50))
	mem.PutSetting(settings.KeyGlobalLossControl, "false")
	mem.FailOnce("SettingValues", errors.New("timeout"))
	s := newScheduler(t, mem, Options{})

	report := s.Tick(context.Background())
	assert.Equal(t, settings.Defaults(), report.Settings)
	assert.Equal(t, 1, report.Valued)
}

func TestTick_ListFailureKeepsPreviousCache(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("p1", "u1", "btcusdt", "1", types.PositionStatusOpen, 10))
	s := newScheduler(t, mem, Options{})
	s.Tick(context.Background())
	require.Len(t, s.Snapshot(), 1)

	mem.FailOnce("ListActivePositions", errors.New("connection reset"))
	report := s.Tick(context.Background())
	require.Error(t, report.Err)
	assert.Len(t, s.Snapshot(), 1)
	assert.Equal(t, report.At, s.LastTick().At)

	mem.FailOnce("ListSymbols", errors.New("connection reset"))
	report = s.Tick(context.Background())
	require.Error(t, report.Err)

	report = s.Tick(context.Background())
	assert.NoError(t, report.Err)
	assert.Equal(t, 1, report.Valued)
}

func TestTick_CancelledContextKeepsPreviousCache(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("p1", "u1", "btcusdt", "1", types.PositionStatusOpen, 10))
	mem.PutPosition(position("p2", "u1", "eurusd", "1", types.PositionStatusPaused, 10))
	s := newScheduler(t, mem, Options{})
	s.Tick(context.Background())
	require.Len(t, s.Snapshot(), 2)
	before, ok := s.Cached("p1")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.now = func() time.Time { return tickTime.Add(time.Hour) }
	report := s.Tick(ctx)

	require.ErrorIs(t, report.Err, context.Canceled)
	assert.Zero(t, report.Valued)
	assert.Len(t, s.Snapshot(), 2)
	after, ok := s.Cached("p1")
	require.True(t, ok)
	assert.True(t, after.ProfitLossAmount.Equal(before.ProfitLossAmount))
}

func TestTick_WriteFailureSkipsOnlyThatPosition(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("first", "u1", "btcusdt", "1", types.PositionStatusOpen, 120))
	mem.PutPosition(position("second", "u1", "btcusdt", "1", types.PositionStatusOpen, 60))
	mem.FailOnce("UpdatePositionPnL", errors.New("deadlock"))
	s := newScheduler(t, mem, Options{})

	report := s.Tick(context.Background())
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Valued)

	first, _ := mem.GetPosition(context.Background(), "first")
	second, _ := mem.GetPosition(context.Background(), "second")
	assert.True(t, first.ProfitLossAmount.IsZero())
	assert.True(t, second.ProfitLossAmount.Equal(dec("-30")))
}

// stalePNLStore closes the position between listing and writing.
type stalePNLStore struct {
	*store.Memory
}

func (s stalePNLStore) UpdatePositionPnL(ctx context.Context, u model.PnLUpdate) (bool, error) {
	p, err := s.GetPosition(ctx, u.PositionID)
	if err != nil {
		return false, err
	}
	p.Status = types.PositionStatusClosed
	s.PutPosition(p)
	return s.Memory.UpdatePositionPnL(ctx, u)
}

func TestTick_DoesNotOverwriteConcurrentlyClosedPosition(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	p := position("p1", "u1", "btcusdt", "5x", types.PositionStatusOpen, 120)
	p.ProfitLossAmount = dec("-40")
	mem.PutPosition(p)
	st := stalePNLStore{mem}
	s := NewScheduler(st, settings.NewReader(st, zerolog.Nop()), Options{Rand: fixedSource{v: 0.5}}, zerolog.Nop())
	s.now = func() time.Time { return tickTime }

	report := s.Tick(context.Background())
	assert.Equal(t, 1, report.Stale)
	assert.Zero(t, report.Valued)

	got, _ := mem.GetPosition(context.Background(), "p1")
	assert.Equal(t, types.PositionStatusClosed, got.Status)
	assert.True(t, got.ProfitLossAmount.Equal(dec("-40")))
	_, cached := s.Cached("p1")
	assert.False(t, cached)
}

func TestTick_LeaseHeldElsewhereSkipsTick(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("p1", "u1", "btcusdt", "1", types.PositionStatusOpen, 120))
	s := newScheduler(t, mem, Options{Lease: stubLease{held: false}})

	report := s.Tick(context.Background())
	assert.False(t, report.Ran)
	got, _ := mem.GetPosition(context.Background(), "p1")
	assert.True(t, got.ProfitLossAmount.IsZero())
}

func TestTick_LeaseErrorStillRevalues(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("p1", "u1", "btcusdt", "1", types.PositionStatusOpen, 120))
	s := newScheduler(t, mem, Options{Lease: stubLease{err: errors.New("redis down")}})

	report := s.Tick(context.Background())
	assert.True(t, report.Ran)
	assert.Equal(t, 1, report.Valued)
}

func TestTick_PublishesOneEventPerUser(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("a1", "alice", "btcusdt", "1", types.PositionStatusOpen, 10))
	mem.PutPosition(position("a2", "alice", "btcusdt", "1", types.PositionStatusOpen, 20))
	mem.PutPosition(position("b1", "bob", "btcusdt", "1", types.PositionStatusOpen, 30))
	bus := events.NewBus()
	sub := bus.Subscribe()
	s := newScheduler(t, mem, Options{Bus: bus})

	s.Tick(context.Background())

	require.Len(t, sub, 2)
	perUser := map[string]int{}
	for i := 0; i < 2; i++ {
		evt := <-sub
		assert.Equal(t, events.TypePositions, evt.Type)
		perUser[evt.UserID] = len(evt.Data.([]model.Position))
	}
	assert.Equal(t, map[string]int{"alice": 2, "bob": 1}, perUser)
}

func TestScheduler_StartStop(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	mem.PutPosition(position("p1", "u1", "btcusdt", "1", types.PositionStatusOpen, 120))
	s := newScheduler(t, mem, Options{Interval: 10 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool { return s.LastTick().Ran }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()

	got, _ := mem.GetPosition(context.Background(), "p1")
	assert.True(t, got.ProfitLossAmount.Equal(dec("-30")))
}

func TestScheduler_StopReleasesLease(t *testing.T) {
	mem := store.NewMemory()
	seedMarket(mem)
	lease := &releasingLease{}
	s := newScheduler(t, mem, Options{Interval: 10 * time.Millisecond, Lease: lease})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.LastTick().Ran }, time.Second, 5*time.Millisecond)
	s.Stop()
	assert.Equal(t, 1, lease.released)

	s.Stop()
	assert.Equal(t, 1, lease.released, "a stopped scheduler does not release twice")
}
