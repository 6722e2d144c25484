package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantguard/quantguard/internal/clock"
	"github.com/quantguard/quantguard/internal/config"
	"github.com/quantguard/quantguard/internal/exchange"
	"github.com/quantguard/quantguard/internal/gates"
	"github.com/quantguard/quantguard/internal/integrity"
	"github.com/quantguard/quantguard/internal/journal"
	"github.com/quantguard/quantguard/internal/market"
	"github.com/quantguard/quantguard/internal/metrics"
	"github.com/quantguard/quantguard/internal/risk"
	"github.com/quantguard/quantguard/internal/scores"
	"github.com/quantguard/quantguard/internal/store"
)

var engineNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeStore struct {
	snap *store.Snapshot
	log  *[]string

	positions    []*store.Position
	counters     []risk.Counters
	automation   []bool
	killLatched  []bool
	simMetrics   []store.SimMetrics
	integrityRec []integrity.Record
	mode         string
}

func (s *fakeStore) ReadSnapshot(context.Context) (*store.Snapshot, error) {
	if s.log != nil {
		*s.log = append(*s.log, "snapshot")
	}
	return s.snap, nil
}

func (s *fakeStore) SetAutomationEnabled(_ context.Context, enabled bool) error {
	s.automation = append(s.automation, enabled)
	return nil
}

func (s *fakeStore) SetKillSwitchLatched(_ context.Context, latched bool) error {
	s.killLatched = append(s.killLatched, latched)
	return nil
}

func (s *fakeStore) SetMode(_ context.Context, mode string) error {
	s.mode = mode
	return nil
}

func (s *fakeStore) SetAccountBalance(context.Context, float64) error { return nil }

func (s *fakeStore) SetActivePosition(_ context.Context, pos *store.Position) error {
	s.positions = append(s.positions, pos)
	return nil
}

func (s *fakeStore) SetCounters(_ context.Context, c risk.Counters) error {
	s.counters = append(s.counters, c)
	return nil
}

func (s *fakeStore) SetLeverageConfig(context.Context, risk.LeverageConfig) error { return nil }

func (s *fakeStore) SetScore(context.Context, scores.Source, scores.Sample) error { return nil }

func (s *fakeStore) SetIntegrityRecord(_ context.Context, rec integrity.Record) error {
	s.integrityRec = append(s.integrityRec, rec)
	return nil
}

func (s *fakeStore) SetSimMetrics(_ context.Context, m store.SimMetrics) error {
	s.simMetrics = append(s.simMetrics, m)
	return nil
}

func (s *fakeStore) Close() error { return nil }

type fakeConn struct {
	log *[]string

	fast []market.Candle
	slow []market.Candle

	bid, ask    float64
	tickerCalls int

	orders   map[string]exchange.Order
	open     []exchange.Order
	placeErr error
	placed   []exchange.Order
	canceled []string
}

func (c *fakeConn) Candles(_ context.Context, _ string, timeframe string, _ int) ([]market.Candle, error) {
	if c.log != nil {
		*c.log = append(*c.log, "candles:"+timeframe)
	}
	if timeframe == "1m" {
		return c.fast, nil
	}
	return c.slow, nil
}

func (c *fakeConn) Ticker(context.Context, string) (float64, float64, error) {
	c.tickerCalls++
	return c.bid, c.ask, nil
}

func (c *fakeConn) ServerTime(context.Context) (time.Time, error) {
	if c.log != nil {
		*c.log = append(*c.log, "server_time")
	}
	return engineNow, nil
}

func (c *fakeConn) PlaceOrder(_ context.Context, order exchange.Order) (exchange.Order, error) {
	if c.placeErr != nil {
		return exchange.Order{}, c.placeErr
	}
	order.ID = "order-" + order.Kind
	order.Status = "open"
	c.placed = append(c.placed, order)
	return order, nil
}

func (c *fakeConn) CancelOrder(_ context.Context, _ string, orderID string) error {
	c.canceled = append(c.canceled, orderID)
	return nil
}

func (c *fakeConn) OrderStatus(_ context.Context, _ string, orderID string) (exchange.Order, error) {
	order, ok := c.orders[orderID]
	if !ok {
		return exchange.Order{}, exchange.ErrOrderNotFound
	}
	return order, nil
}

func (c *fakeConn) OpenOrders(context.Context, string) ([]exchange.Order, error) {
	return c.open, nil
}

func (c *fakeConn) Balance(context.Context) (float64, error) { return 1000, nil }

func (c *fakeConn) RoundPrice(_ string, price float64) float64   { return price }
func (c *fakeConn) RoundAmount(_ string, amount float64) float64 { return amount }

type fakeExec struct {
	plans    []Plan
	closes   []string
	closeAt  float64
	execErr  error
	closeErr error
}

func (x *fakeExec) Execute(_ context.Context, plan Plan, now time.Time) (*store.Position, error) {
	if x.execErr != nil {
		return nil, x.execErr
	}
	x.plans = append(x.plans, plan)
	return &store.Position{
		Symbol:         plan.Symbol,
		Direction:      plan.Side,
		EntryPrice:     plan.EntryPrice,
		StopPrice:      plan.StopPrice,
		TargetPrice:    plan.TargetPrice,
		Size:           plan.Size,
		EntryTime:      now,
		StopOrderRef:   "stop-1",
		TargetOrderRef: "target-1",
	}, nil
}

func (x *fakeExec) Close(_ context.Context, pos *store.Position, reason string) (float64, error) {
	if x.closeErr != nil {
		return 0, x.closeErr
	}
	x.closes = append(x.closes, reason)
	return x.closeAt, nil
}

type recordingJournal struct {
	evaluations []gates.Evaluation
	events      []journal.Event
}

func (j *recordingJournal) RecordEvaluation(_ context.Context, ev gates.Evaluation) error {
	j.evaluations = append(j.evaluations, ev)
	return nil
}

func (j *recordingJournal) RecordEvent(_ context.Context, e journal.Event) error {
	j.events = append(j.events, e)
	return nil
}

func (j *recordingJournal) Close() error { return nil }

func (j *recordingJournal) eventConditions() []string {
	out := make([]string, len(j.events))
	for i, e := range j.events {
		out[i] = e.Condition
	}
	return out
}

// --- fixtures ---

func engineConfig() config.Config {
	cfg := config.Default()
	cfg.Trading.CandleHistory = 100
	cfg.Strategy.EMAFast = 5
	cfg.Strategy.EMASlow = 10
	cfg.Strategy.ZScoreThreshold = 0.5
	return cfg
}

func fixtureBars(rows [][4]float64, volumes []float64) []market.Candle {
	out := make([]market.Candle, len(rows))
	for i, r := range rows {
		vol := 10.0
		if volumes != nil {
			vol = volumes[i]
		}
		out[i] = market.Candle{
			OpenTime: engineNow.Add(time.Duration(i-len(rows)) * time.Minute),
			Open:     r[0],
			High:     r[1],
			Low:      r[2],
			Close:    r[3],
			Volume:   vol,
		}
	}
	return out
}

// longFast is a plateau at 100 followed by four rising up-candles below the
// window mean on heavy volume, approving a long against an uptrending slow
// window.
func longFast() []market.Candle {
	rows := make([][4]float64, 0, 20)
	vols := make([]float64, 0, 20)
	for i := 0; i < 16; i++ {
		rows = append(rows, [4]float64{100, 100.2, 99.8, 100})
		vols = append(vols, 10)
	}
	for _, c := range []float64{98.0, 98.4, 98.8, 99.2} {
		rows = append(rows, [4]float64{c - 0.3, c + 0.1, c - 0.4, c})
		vols = append(vols, 50)
	}
	return fixtureBars(rows, vols)
}

func uptrendSlow(n int) []market.Candle {
	rows := make([][4]float64, n)
	for i := range rows {
		c := float64(i + 1)
		rows[i] = [4]float64{c, c + 0.1, c - 0.1, c}
	}
	return fixtureBars(rows, nil)
}

type testEngine struct {
	eng  *Engine
	st   *fakeStore
	conn *fakeConn
	exec *fakeExec
	jrnl *recordingJournal
	met  *metrics.Registry
}

func newTestEngine(t *testing.T, mode string, snap *store.Snapshot) *testEngine {
	t.Helper()
	callLog := []string{}
	st := &fakeStore{snap: snap, log: &callLog}
	conn := &fakeConn{
		log:  &callLog,
		fast: longFast(),
		slow: uptrendSlow(12),
		bid:  99.19,
		ask:  99.21,
		orders: map[string]exchange.Order{
			"stop-1":   {ID: "stop-1", Status: "open"},
			"target-1": {ID: "target-1", Status: "open"},
		},
	}
	exec := &fakeExec{closeAt: 99.0}
	jrnl := &recordingJournal{}
	met := metrics.NewRegistry()
	clk := clock.NewWithLocal(func() time.Time { return engineNow })

	eng := New(engineConfig(), mode, st, conn, clk, exec, jrnl, met)
	for _, c := range conn.fast {
		eng.fast.Append(c)
	}
	for _, c := range conn.slow {
		eng.slow.Append(c)
	}
	return &testEngine{eng: eng, st: st, conn: conn, exec: exec, jrnl: jrnl, met: met}
}

func baseSnapshot() *store.Snapshot {
	return &store.Snapshot{
		AutomationEnabled: true,
		Mode:              "paper",
		AccountBalance:    1000,
		Counters:          risk.Counters{DailyTradeDate: "2025-06-01"},
		Leverage:          risk.DefaultLeverageConfig(),
		Scores:            map[scores.Source]scores.Sample{},
	}
}

// --- tick tests ---

func TestTickSkipsStaleData(t *testing.T) {
	te := newTestEngine(t, ModePaper, baseSnapshot())

	// Age the window far past the freshness limit.
	stale := longFast()
	for i := range stale {
		stale[i].OpenTime = stale[i].OpenTime.Add(-10 * time.Minute)
	}
	te.eng.fast = market.NewWindow(100)
	for _, c := range stale {
		te.eng.fast.Append(c)
	}

	te.eng.Tick(context.Background())

	assert.Zero(t, te.conn.tickerCalls, "stale data must not reach the exchange")
	assert.Empty(t, te.jrnl.evaluations, "no evaluation runs on a skipped tick")
	assert.Equal(t, 1.0, testutil.ToFloat64(te.met.TicksSkipped))
}

func TestTickApprovedLongOpensProtectedPosition(t *testing.T) {
	te := newTestEngine(t, ModePaper, baseSnapshot())

	te.eng.Tick(context.Background())

	require.Len(t, te.jrnl.evaluations, 1)
	ev := te.jrnl.evaluations[0]
	assert.Equal(t, gates.OutcomeApprovedLong, ev.Outcome)

	require.Len(t, te.exec.plans, 1)
	plan := te.exec.plans[0]
	assert.Equal(t, risk.SideLong, plan.Side)
	assert.Equal(t, 99.21, plan.EntryPrice, "long enters at the ask")
	assert.Greater(t, plan.Size, 0.0)
	assert.Less(t, plan.StopPrice, plan.EntryPrice)
	assert.Greater(t, plan.TargetPrice, plan.EntryPrice)

	// Notional never exceeds the hard cap.
	assert.LessOrEqual(t, plan.Size*plan.EntryPrice, risk.DefaultLeverageConfig().NotionalCapUSD+1e-9)

	require.Len(t, te.st.positions, 1)
	require.NotNil(t, te.st.positions[0])
	assert.Equal(t, "stop-1", te.st.positions[0].StopOrderRef)

	// Counters persisted twice: after the breaker check and after the open.
	require.Len(t, te.st.counters, 2)
	assert.Equal(t, 1, te.st.counters[1].DailyTradeCount)
}

func TestTickAutomationOffBlocksExecution(t *testing.T) {
	snap := baseSnapshot()
	snap.AutomationEnabled = false
	te := newTestEngine(t, ModePaper, snap)

	te.eng.Tick(context.Background())

	require.Len(t, te.jrnl.evaluations, 1, "evaluation still runs and is journaled")
	assert.Equal(t, gates.OutcomeApprovedLong, te.jrnl.evaluations[0].Outcome)
	assert.Empty(t, te.exec.plans, "no order leaves the process with automation off")
	assert.Empty(t, te.st.positions)
	assert.Len(t, te.st.counters, 1, "breaker counters persist even without execution")
}

func TestTickDailyLimitBlocksEntry(t *testing.T) {
	snap := baseSnapshot()
	snap.Counters.DailyTradeCount = risk.DefaultBreakerConfig().MaxDailyTrades
	te := newTestEngine(t, ModePaper, snap)

	te.eng.Tick(context.Background())

	assert.Empty(t, te.exec.plans)
	assert.Contains(t, te.jrnl.eventConditions(), string(risk.ConditionDailyLimit))
}

func TestTickKillSwitchHalts(t *testing.T) {
	snap := baseSnapshot()
	snap.KillSwitchLatched = true
	te := newTestEngine(t, ModePaper, snap)
	te.conn.open = []exchange.Order{{ID: "dangling-1", Symbol: "BTC/USDT", Status: "open"}}

	te.eng.Tick(context.Background())

	assert.Empty(t, te.exec.plans)
	assert.Contains(t, te.conn.canceled, "dangling-1", "halt cancels every open order")
	require.NotEmpty(t, te.st.automation)
	assert.False(t, te.st.automation[len(te.st.automation)-1])
	require.NotEmpty(t, te.st.killLatched)
	assert.True(t, te.st.killLatched[len(te.st.killLatched)-1])
	assert.Contains(t, te.jrnl.eventConditions(), string(risk.ConditionKillSwitch))
}

func TestTickMarginTripForceClosesPosition(t *testing.T) {
	snap := baseSnapshot()
	snap.AccountBalance = 80
	snap.ActivePosition = &store.Position{
		Symbol:         "BTC/USDT",
		Direction:      risk.SideLong,
		EntryPrice:     100,
		StopPrice:      98,
		TargetPrice:    104,
		Size:           4,
		EntryTime:      engineNow.Add(-10 * time.Minute),
		StopOrderRef:   "stop-1",
		TargetOrderRef: "target-1",
	}
	te := newTestEngine(t, ModePaper, snap)

	te.eng.Tick(context.Background())

	// collateral 80 against equity 80-3.2 puts utilization past the
	// force-close threshold.
	require.Len(t, te.exec.closes, 1)
	assert.Contains(t, te.jrnl.eventConditions(), string(risk.ConditionMarginForceClose))

	require.NotEmpty(t, te.st.positions)
	assert.Nil(t, te.st.positions[len(te.st.positions)-1], "position cleared after force close")

	require.NotEmpty(t, te.st.counters)
	last := te.st.counters[len(te.st.counters)-1]
	assert.Equal(t, 1, last.ConsecutiveLosses, "forced close at a loss counts toward the streak")

	assert.Zero(t, te.conn.tickerCalls, "no new entry is evaluated while supervising a position")
}

func TestTickMissingProtectiveOrderViolation(t *testing.T) {
	snap := baseSnapshot()
	snap.ActivePosition = &store.Position{
		Symbol:         "BTC/USDT",
		Direction:      risk.SideLong,
		EntryPrice:     100,
		StopPrice:      98,
		TargetPrice:    104,
		Size:           1,
		EntryTime:      engineNow.Add(-5 * time.Minute),
		StopOrderRef:   "stop-gone",
		TargetOrderRef: "target-1",
	}
	te := newTestEngine(t, ModePaper, snap)
	// Stop order vanished and cannot be re-placed.
	te.conn.placeErr = errors.New("venue rejected order")

	te.eng.Tick(context.Background())

	require.Len(t, te.exec.closes, 1, "unprotectable position is closed at market")
	assert.Contains(t, te.jrnl.eventConditions(), "protective_order")
	assert.Equal(t, 1.0, testutil.ToFloat64(te.met.IntegrityEvents))

	require.NotEmpty(t, te.st.positions)
	assert.Nil(t, te.st.positions[len(te.st.positions)-1])
}

// --- startup tests ---

func TestStartReadsStateBeforeExchange(t *testing.T) {
	te := newTestEngine(t, ModeSim, baseSnapshot())

	require.NoError(t, te.eng.Start(context.Background()))

	callLog := *te.st.log
	require.NotEmpty(t, callLog)
	assert.Equal(t, "snapshot", callLog[0], "state snapshot loads before any exchange call")
	assert.Equal(t, []string{"snapshot", "candles:1m", "candles:15m", "server_time"}, callLog[:4])
	assert.Equal(t, ModeSim, te.st.mode)
}

func TestStartUnvalidatedStrategyRefusesToTrade(t *testing.T) {
	snap := baseSnapshot()
	snap.Integrity = integrity.Record{Validated: true, ContentHash: "stale-hash"}
	te := newTestEngine(t, ModePaper, snap)

	err := te.eng.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, integrity.ErrViolation)

	require.Len(t, te.st.integrityRec, 1)
	assert.False(t, te.st.integrityRec[0].Validated)
	assert.Len(t, te.st.integrityRec[0].ContentHash, 64)
	assert.Contains(t, te.jrnl.eventConditions(), "hash_mismatch")
}

func TestStartValidatedStrategyPasses(t *testing.T) {
	cfg := engineConfig()
	hash, err := integrity.LogicHash(cfg.Strategy, cfg.Leverage, cfg.Breakers)
	require.NoError(t, err)

	snap := baseSnapshot()
	snap.Integrity = integrity.Record{Validated: true, ContentHash: hash}
	te := newTestEngine(t, ModePaper, snap)

	require.NoError(t, te.eng.Start(context.Background()))
	assert.Empty(t, te.st.integrityRec)
}

func TestStartSimSkipsStrategyVerification(t *testing.T) {
	snap := baseSnapshot()
	snap.Integrity = integrity.Record{} // never validated
	te := newTestEngine(t, ModeSim, snap)

	assert.NoError(t, te.eng.Start(context.Background()))
}

// --- close settlement ---

func TestOnPositionClosedSimMetrics(t *testing.T) {
	snap := baseSnapshot()
	snap.Sim = store.SimMetrics{PnL: 10, TradeCount: 4, WinRate: 50}
	te := newTestEngine(t, ModeSim, snap)

	te.eng.OnPositionClosed(context.Background(), 5.0)

	require.Len(t, te.st.simMetrics, 1)
	sim := te.st.simMetrics[0]
	assert.Equal(t, 15.0, sim.PnL)
	assert.Equal(t, 5, sim.TradeCount)
	assert.InDelta(t, 60.0, sim.WinRate, 1e-9, "3 wins of 5 trades")

	require.NotEmpty(t, te.st.positions)
	assert.Nil(t, te.st.positions[len(te.st.positions)-1])
}

func TestOnPositionClosedLossArmsCooldown(t *testing.T) {
	snap := baseSnapshot()
	snap.Counters.ConsecutiveLosses = 2
	te := newTestEngine(t, ModePaper, snap)

	te.eng.OnPositionClosed(context.Background(), -3.0)

	require.NotEmpty(t, te.st.counters)
	last := te.st.counters[len(te.st.counters)-1]
	assert.Equal(t, 3, last.ConsecutiveLosses)
	assert.Equal(t, engineNow.Add(risk.DefaultBreakerConfig().Cooldown), last.CooldownUntil)
}
