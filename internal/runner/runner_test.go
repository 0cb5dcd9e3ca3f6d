package runner

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/backtrade/internal/asset"
	"github.com/songzhibin97/backtrade/internal/data"
	"github.com/songzhibin97/backtrade/internal/models"
	"github.com/songzhibin97/backtrade/internal/order"
	"github.com/songzhibin97/backtrade/internal/report"
	"github.com/songzhibin97/backtrade/internal/strategy"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func bar(symbol string, at time.Time, o, h, l, c string) models.Kline {
	return models.Kline{
		Symbol:    symbol,
		Interval:  "1m",
		OpenTime:  at,
		CloseTime: at.Add(time.Minute),
		Open:      d(o),
		High:      d(h),
		Low:       d(l),
		Close:     d(c),
		Volume:    d("1000"),
	}
}

// stubSource 预置数据的内存数据源
type stubSource struct {
	klines  map[string][]models.Kline
	funding map[string][]models.FundingRate
}

func (s *stubSource) Klines(_ context.Context, symbol, _ string, _, _ time.Time) ([]models.Kline, error) {
	return s.klines[symbol], nil
}

func (s *stubSource) FundingRates(_ context.Context, symbol string, _, _ time.Time) ([]models.FundingRate, error) {
	return s.funding[symbol], nil
}

// scripted 用闭包拼出来的策略，省去为每个用例定义类型
type scripted struct {
	onTick    func(snap strategy.Snapshot, ev models.MarketEvent) []strategy.Action
	onFill    func(snap strategy.Snapshot, fill models.Fill) []strategy.Action
	onFunding func(snap strategy.Snapshot, fr models.FundingRate, payment decimal.Decimal) []strategy.Action
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) OnTick(snap strategy.Snapshot, ev models.MarketEvent) []strategy.Action {
	if s.onTick == nil {
		return nil
	}
	return s.onTick(snap, ev)
}

func (s *scripted) OnFill(snap strategy.Snapshot, fill models.Fill) []strategy.Action {
	if s.onFill == nil {
		return nil
	}
	return s.onFill(snap, fill)
}

func (s *scripted) OnFunding(snap strategy.Snapshot, fr models.FundingRate, payment decimal.Decimal) []strategy.Action {
	if s.onFunding == nil {
		return nil
	}
	return s.onFunding(snap, fr, payment)
}

type memWriter struct {
	trades   []report.TradeRecord
	equities []report.EquityPoint
}

func (w *memWriter) WriteTrade(rec report.TradeRecord) error { w.trades = append(w.trades, rec); return nil }
func (w *memWriter) WriteEquity(p report.EquityPoint) error  { w.equities = append(w.equities, p); return nil }
func (w *memWriter) Flush() error                            { return nil }

type fixture struct {
	bt     *Backtest
	assets *asset.Manager
	orders *order.Manager
}

// newFixture 组装一个BTCUSDT单交易对回测，手续费默认为0
func newFixture(t *testing.T, src *stubSource, initial map[string]string,
	strat strategy.Strategy, writer report.Writer, makerFee, takerFee string) fixture {
	t.Helper()

	dm := data.NewManager(testLogger())
	for symbol := range src.klines {
		require.NoError(t, dm.Load(context.Background(), src, src, symbol, "1m", t0, t0.Add(24*time.Hour)))
	}

	capital := make(map[string]decimal.Decimal, len(initial))
	for currency, amount := range initial {
		capital[currency] = d(amount)
	}
	assets := asset.NewManager(capital)

	pairs := map[string]*models.TradingPair{
		"BTCUSDT": {Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT"},
	}
	orders := order.NewManager(assets, pairs, d(makerFee), d(takerFee))

	bt := NewBacktest(testLogger(), dm, assets, orders, pairs, strat, "USDT", writer)
	return fixture{bt: bt, assets: assets, orders: orders}
}

func TestPhaseTransitions(t *testing.T) {
	src := &stubSource{klines: map[string][]models.Kline{
		"BTCUSDT": {bar("BTCUSDT", t0, "100", "100", "100", "100")},
	}}
	f := newFixture(t, src, map[string]string{"USDT": "10000"}, &scripted{}, nil, "0", "0")

	assert.Equal(t, PhaseIdle, f.bt.Phase())
	require.NoError(t, f.bt.Run(context.Background()))
	assert.Equal(t, PhaseCompleted, f.bt.Phase())

	// 回测器一次性，重复启动报错
	assert.Error(t, f.bt.Run(context.Background()))
}

func TestAbortOnCancelledContext(t *testing.T) {
	src := &stubSource{klines: map[string][]models.Kline{
		"BTCUSDT": {bar("BTCUSDT", t0, "100", "100", "100", "100")},
	}}
	f := newFixture(t, src, map[string]string{"USDT": "10000"}, &scripted{}, nil, "0", "0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, f.bt.Run(ctx))
	assert.Equal(t, PhaseAborted, f.bt.Phase())
}

// 高买低卖一个来回: 市价建仓后挂102卖、100买各一笔，
// 价格冲高回落两单都成交，一来一回多出0.02个base
func TestGridRoundTripGainsEquity(t *testing.T) {
	src := &stubSource{klines: map[string][]models.Kline{
		"BTCUSDT": {
			bar("BTCUSDT", t0, "100", "100", "100", "100"),
			bar("BTCUSDT", t0.Add(time.Minute), "100", "100", "100", "100"),
			bar("BTCUSDT", t0.Add(2*time.Minute), "100", "103", "99", "100"),
		},
	}}

	strat := &scripted{
		onTick: func(snap strategy.Snapshot, ev models.MarketEvent) []strategy.Action {
			if len(snap.OpenOrders) > 0 || snap.Pair("BTCUSDT").PositionQty.IsPositive() {
				return nil
			}
			// 建仓: 一半权益换成base
			return []strategy.Action{strategy.Place(order.Intent{
				Symbol:   "BTCUSDT",
				Side:     models.SideBuy,
				Type:     models.OrderTypeMarket,
				Quantity: d("50"),
			})}
		},
		onFill: func(snap strategy.Snapshot, fill models.Fill) []strategy.Action {
			if fill.Side != models.SideBuy || fill.Quantity.LessThan(d("50")) {
				return nil
			}
			return []strategy.Action{
				strategy.Place(order.Intent{
					Symbol: "BTCUSDT", Side: models.SideSell,
					Type: models.OrderTypeLimit, Price: d("102"), Quantity: d("0.98"),
				}),
				strategy.Place(order.Intent{
					Symbol: "BTCUSDT", Side: models.SideBuy,
					Type: models.OrderTypeLimit, Price: d("100"), Quantity: d("1"),
				}),
			}
		},
	}

	w := &memWriter{}
	f := newFixture(t, src, map[string]string{"USDT": "10000"}, strat, w, "0", "0")
	require.NoError(t, f.bt.Run(context.Background()))

	// 市价买50 + 限价买1 + 限价卖0.98
	require.Len(t, w.trades, 3)

	btc := f.assets.Get("BTC")
	usdt := f.assets.Get("USDT")
	assert.True(t, btc.Free.Equal(d("50.02")), "BTC free: %s", btc.Free)
	assert.True(t, usdt.Free.Equal(d("4999.96")), "USDT free: %s", usdt.Free)
	assert.True(t, btc.Locked.IsZero())
	assert.True(t, usdt.Locked.IsZero())

	// 最后一根K线收盘价100: 权益 50.02*100 + 4999.96 > 初始10000
	final := w.equities[len(w.equities)-1]
	assert.True(t, final.Equity.Equal(d("10001.96")), "equity: %s", final.Equity)

	assert.Equal(t, 0, f.orders.OpenCount())
	assert.Equal(t, PhaseCompleted, f.bt.Phase())
}

// 任何时刻余额都不允许为负
func TestBalancesNeverNegative(t *testing.T) {
	src := &stubSource{klines: map[string][]models.Kline{
		"BTCUSDT": {
			bar("BTCUSDT", t0, "100", "100", "100", "100"),
			bar("BTCUSDT", t0.Add(time.Minute), "105", "110", "95", "98"),
			bar("BTCUSDT", t0.Add(2*time.Minute), "98", "102", "90", "92"),
		},
	}}

	strat := &scripted{
		onTick: func(snap strategy.Snapshot, ev models.MarketEvent) []strategy.Action {
			mark := snap.Pair("BTCUSDT").MarkPrice
			return []strategy.Action{
				strategy.Place(order.Intent{
					Symbol: "BTCUSDT", Side: models.SideBuy,
					Type: models.OrderTypeLimit, Price: mark.Sub(d("2")), Quantity: d("10"),
				}),
				strategy.Place(order.Intent{
					Symbol: "BTCUSDT", Side: models.SideSell,
					Type: models.OrderTypeLimit, Price: mark.Add(d("2")), Quantity: d("5"),
				}),
			}
		},
	}

	w := &memWriter{}
	f := newFixture(t, src, map[string]string{"USDT": "10000", "BTC": "100"}, strat, w, "0.001", "0.002")
	require.NoError(t, f.bt.Run(context.Background()))

	for _, rec := range w.trades {
		for _, line := range rec.Balances {
			assert.False(t, line.Free.IsNegative(), "%s free negative at %s", line.Currency, rec.Time)
			assert.False(t, line.Locked.IsNegative(), "%s locked negative at %s", line.Currency, rec.Time)
		}
	}
}

// 同样的数据和策略跑两遍，CSV输出必须逐字节一致
func TestDeterministicTradeLog(t *testing.T) {
	src := &stubSource{klines: map[string][]models.Kline{
		"BTCUSDT": {
			bar("BTCUSDT", t0, "100", "100", "100", "100"),
			bar("BTCUSDT", t0.Add(time.Minute), "100", "106", "94", "103"),
			bar("BTCUSDT", t0.Add(2*time.Minute), "103", "108", "97", "99"),
			bar("BTCUSDT", t0.Add(3*time.Minute), "99", "101", "92", "95"),
		},
	}}

	newStrat := func() strategy.Strategy {
		return &scripted{
			onTick: func(snap strategy.Snapshot, ev models.MarketEvent) []strategy.Action {
				if len(snap.OpenOrders) >= 4 {
					return nil
				}
				mark := snap.Pair("BTCUSDT").MarkPrice
				return []strategy.Action{
					strategy.Place(order.Intent{
						Symbol: "BTCUSDT", Side: models.SideBuy,
						Type: models.OrderTypeLimit, Price: mark.Sub(d("3")), Quantity: d("1"),
					}),
					strategy.Place(order.Intent{
						Symbol: "BTCUSDT", Side: models.SideSell,
						Type: models.OrderTypeLimit, Price: mark.Add(d("3")), Quantity: d("1"),
					}),
				}
			},
		}
	}

	run := func() (string, string) {
		var trades, equity bytes.Buffer
		w, err := report.NewCSVWriter(&trades, &equity)
		require.NoError(t, err)
		f := newFixture(t, src, map[string]string{"USDT": "10000", "BTC": "10"}, newStrat(), w, "0.001", "0.002")
		require.NoError(t, f.bt.Run(context.Background()))
		return trades.String(), equity.String()
	}

	trades1, equity1 := run()
	trades2, equity2 := run()
	assert.Equal(t, trades1, trades2)
	assert.Equal(t, equity1, equity2)
	assert.NotEmpty(t, trades1)
}

func TestFundingSettlement(t *testing.T) {
	src := &stubSource{
		klines: map[string][]models.Kline{
			"BTCUSDT": {bar("BTCUSDT", t0, "100", "100", "100", "100")},
		},
		funding: map[string][]models.FundingRate{
			"BTCUSDT": {{Symbol: "BTCUSDT", Time: t0.Add(2 * time.Minute), Rate: d("0.0001")}},
		},
	}

	var gotPayment decimal.Decimal
	strat := &scripted{
		onFunding: func(snap strategy.Snapshot, fr models.FundingRate, payment decimal.Decimal) []strategy.Action {
			gotPayment = payment
			return nil
		},
	}

	f := newFixture(t, src, map[string]string{"USDT": "10000", "BTC": "2"}, strat, nil, "0", "0")
	require.NoError(t, f.bt.Run(context.Background()))

	// 持有2个base，标记价100，费率0.0001: 多头支付 2*100*0.0001 = 0.02
	assert.True(t, gotPayment.Equal(d("0.02")), "payment: %s", gotPayment)
	assert.True(t, f.assets.Get("USDT").Free.Equal(d("9999.98")), "USDT: %s", f.assets.Get("USDT").Free)
	assert.Empty(t, f.assets.Liquidations())
}

func TestFundingBeforeFirstMarkSkipped(t *testing.T) {
	src := &stubSource{
		klines: map[string][]models.Kline{
			"BTCUSDT": {bar("BTCUSDT", t0.Add(time.Minute), "100", "100", "100", "100")},
		},
		funding: map[string][]models.FundingRate{
			// 在首根K线收盘之前，没有标记价
			"BTCUSDT": {{Symbol: "BTCUSDT", Time: t0, Rate: d("0.0001")}},
		},
	}

	funded := false
	strat := &scripted{
		onFunding: func(strategy.Snapshot, models.FundingRate, decimal.Decimal) []strategy.Action {
			funded = true
			return nil
		},
	}

	f := newFixture(t, src, map[string]string{"USDT": "10000", "BTC": "2"}, strat, nil, "0", "0")
	require.NoError(t, f.bt.Run(context.Background()))
	assert.False(t, funded)
	assert.True(t, f.assets.Get("USDT").Free.Equal(d("10000")))
}

// 资金费付不起时触发强平: 持仓按标记价折算，计价余额归零后补回
func TestFundingLiquidationClosesPosition(t *testing.T) {
	src := &stubSource{
		klines: map[string][]models.Kline{
			"BTCUSDT": {bar("BTCUSDT", t0, "100", "100", "100", "100")},
		},
		funding: map[string][]models.FundingRate{
			"BTCUSDT": {{Symbol: "BTCUSDT", Time: t0.Add(2 * time.Minute), Rate: d("0.01")}},
		},
	}

	// 想收 100*100*0.01 = 100，但只有0.01可付
	f := newFixture(t, src, map[string]string{"USDT": "0.01", "BTC": "100"}, &scripted{}, nil, "0", "0")
	require.NoError(t, f.bt.Run(context.Background()))

	require.Len(t, f.assets.Liquidations(), 1)
	ev := f.assets.Liquidations()[0]
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.True(t, ev.Shortfall.Equal(d("99.99")), "shortfall: %s", ev.Shortfall)

	// 默认策略把100个base按标记价100折算成计价货币
	assert.True(t, f.assets.Get("BTC").Total().IsZero(), "BTC: %s", f.assets.Get("BTC").Total())
	assert.True(t, f.assets.Get("USDT").Free.Equal(d("10000")), "USDT: %s", f.assets.Get("USDT").Free)
	assert.Equal(t, PhaseCompleted, f.bt.Phase())
}

// 余额不足的下单意图记为拒单，回测继续
func TestInsufficientBalanceRejectionRecoverable(t *testing.T) {
	src := &stubSource{klines: map[string][]models.Kline{
		"BTCUSDT": {
			bar("BTCUSDT", t0, "100", "100", "100", "100"),
			bar("BTCUSDT", t0.Add(time.Minute), "100", "100", "100", "100"),
		},
	}}

	strat := &scripted{
		onTick: func(snap strategy.Snapshot, ev models.MarketEvent) []strategy.Action {
			return []strategy.Action{
				strategy.Place(order.Intent{
					Symbol: "BTCUSDT", Side: models.SideBuy,
					Type: models.OrderTypeLimit, Price: d("99"), Quantity: d("1000000"),
				}),
				// 非法数量
				strategy.Place(order.Intent{
					Symbol: "BTCUSDT", Side: models.SideBuy,
					Type: models.OrderTypeLimit, Price: d("99"), Quantity: d("0"),
				}),
			}
		},
	}

	f := newFixture(t, src, map[string]string{"USDT": "100"}, strat, nil, "0", "0")
	require.NoError(t, f.bt.Run(context.Background()))

	assert.Equal(t, PhaseCompleted, f.bt.Phase())
	assert.Len(t, f.bt.Rejections(), 4) // 每根K线两笔
	assert.True(t, f.assets.Get("USDT").Free.Equal(d("100")))
}

// 市价买单按标记价预留，下一根K线跳空高开导致free补不上差额:
// 订单被撤销计入拒单，回测继续而不是中断
func TestMarketBuyGapUpRejectedRecoverable(t *testing.T) {
	src := &stubSource{klines: map[string][]models.Kline{
		"BTCUSDT": {
			bar("BTCUSDT", t0, "100", "100", "100", "100"),
			bar("BTCUSDT", t0.Add(time.Minute), "110", "112", "108", "111"),
		},
	}}

	placed := false
	strat := &scripted{
		onTick: func(snap strategy.Snapshot, ev models.MarketEvent) []strategy.Action {
			if placed {
				return nil
			}
			placed = true
			// 标记价100预留9900，free只剩100，110开盘需补990
			return []strategy.Action{
				strategy.Place(order.Intent{
					Symbol: "BTCUSDT", Side: models.SideBuy,
					Type: models.OrderTypeMarket, Quantity: d("99"),
				}),
			}
		},
	}

	f := newFixture(t, src, map[string]string{"USDT": "10000"}, strat, nil, "0", "0")
	require.NoError(t, f.bt.Run(context.Background()))
	assert.Equal(t, PhaseCompleted, f.bt.Phase())

	require.Len(t, f.bt.Rejections(), 1)
	rej := f.bt.Rejections()[0]
	assert.Equal(t, models.OrderTypeMarket, rej.Intent.Type)
	var short *asset.InsufficientBalanceError
	require.ErrorAs(t, rej.Err, &short)

	// 预留全部退回，没有成交也没有持仓
	assert.True(t, f.assets.Get("USDT").Free.Equal(d("10000")))
	assert.True(t, f.assets.Get("USDT").Locked.IsZero())
	assert.True(t, f.assets.Get("BTC").Total().IsZero())
	assert.Zero(t, f.orders.OpenCount())
}

// 权益曲线每根K线采样一次
func TestEquityCurveSampling(t *testing.T) {
	src := &stubSource{klines: map[string][]models.Kline{
		"BTCUSDT": {
			bar("BTCUSDT", t0, "100", "100", "100", "100"),
			bar("BTCUSDT", t0.Add(time.Minute), "101", "101", "101", "101"),
			bar("BTCUSDT", t0.Add(2*time.Minute), "102", "102", "102", "102"),
		},
	}}

	w := &memWriter{}
	f := newFixture(t, src, map[string]string{"USDT": "10000", "BTC": "1"}, &scripted{}, w, "0", "0")
	require.NoError(t, f.bt.Run(context.Background()))

	require.Len(t, w.equities, 3)
	// 持有1个base，标记价逐根上移，权益跟着涨
	assert.True(t, w.equities[0].Equity.Equal(d("10100")))
	assert.True(t, w.equities[2].Equity.Equal(d("10102")))
	for i := 1; i < len(w.equities); i++ {
		assert.True(t, w.equities[i].Time.After(w.equities[i-1].Time))
	}
}
