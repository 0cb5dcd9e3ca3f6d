package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/asset"
	"github.com/songzhibin97/backtrade/internal/data"
	"github.com/songzhibin97/backtrade/internal/models"
	"github.com/songzhibin97/backtrade/internal/order"
	"github.com/songzhibin97/backtrade/internal/report"
	"github.com/songzhibin97/backtrade/internal/strategy"
)

// Phase 运行阶段，只允许 Idle -> Running -> Completed/Aborted
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseCompleted
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseCompleted:
		return "completed"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Rejection 被拒绝的策略指令，拒单不中断回测
type Rejection struct {
	Time   time.Time
	Intent order.Intent
	Err    error
}

type position struct {
	qty     decimal.Decimal
	avgCost decimal.Decimal
}

// Backtest 回测驱动器
//
// 单协程事件循环: 从数据管理器逐个取出市场事件，驱动撮合、资产落账
// 和策略回调。循环内没有任何并发，同样的数据和配置产生字节级一致
// 的成交流水。
type Backtest struct {
	logger *slog.Logger
	data   *data.Manager
	assets *asset.Manager
	orders *order.Manager
	pairs  map[string]*models.TradingPair
	strat  strategy.Strategy
	quote  string
	writer report.Writer

	phase     atomic.Int32
	positions map[string]*position
	lastTime  map[string]time.Time
	rejected  []Rejection
	symbols   []string
}

// NewBacktest 组装回测器并注册默认强平策略(按标记价平仓)
func NewBacktest(logger *slog.Logger, dm *data.Manager, assets *asset.Manager,
	orders *order.Manager, pairs map[string]*models.TradingPair,
	strat strategy.Strategy, quote string, writer report.Writer) *Backtest {

	if writer == nil {
		writer = report.Discard
	}
	symbols := make([]string, 0, len(pairs))
	positions := make(map[string]*position, len(pairs))
	for symbol := range pairs {
		symbols = append(symbols, symbol)
		positions[symbol] = &position{}
	}
	sort.Strings(symbols)

	bt := &Backtest{
		logger:    logger,
		data:      dm,
		assets:    assets,
		orders:    orders,
		pairs:     pairs,
		strat:     strat,
		quote:     quote,
		writer:    writer,
		positions: positions,
		lastTime:  make(map[string]time.Time, len(pairs)),
		symbols:   symbols,
	}
	assets.SetLiquidationPolicy(markClose{bt})
	return bt
}

// Phase 当前阶段，可以在其他协程读
func (bt *Backtest) Phase() Phase {
	return Phase(bt.phase.Load())
}

// Rejections 被拒绝的指令记录
func (bt *Backtest) Rejections() []Rejection {
	return bt.rejected
}

// Run 执行回测直到数据耗尽或出现致命错误
// 重复调用返回错误，回测器是一次性的
func (bt *Backtest) Run(ctx context.Context) error {
	if !bt.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseRunning)) {
		return fmt.Errorf("回测已在 %s 阶段，不能重复启动", bt.Phase())
	}

	bt.logger.Info("回测开始", "strategy", bt.strat.Name(), "events", bt.data.Len(), "symbols", bt.symbols)
	bt.data.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return bt.abort(err)
		}
		ev, ok := bt.data.Next()
		if !ok {
			break
		}
		if err := bt.process(ev); err != nil {
			return bt.abort(err)
		}
	}

	bt.phase.Store(int32(PhaseCompleted))
	if err := bt.writer.Flush(); err != nil {
		return fmt.Errorf("输出结果失败: %w", err)
	}
	bt.logger.Info("回测完成",
		"equity", bt.equity().String(),
		"open_orders", bt.orders.OpenCount(),
		"rejections", len(bt.rejected),
		"liquidations", len(bt.assets.Liquidations()),
	)
	return nil
}

func (bt *Backtest) abort(err error) error {
	bt.phase.Store(int32(PhaseAborted))
	_ = bt.writer.Flush()
	bt.logger.Error("回测中止", "error", err)
	return err
}

func (bt *Backtest) process(ev models.MarketEvent) error {
	symbol := ev.Symbol()
	now := ev.Time()
	if last, ok := bt.lastTime[symbol]; ok && now.Before(last) {
		return models.Invariantf("runner.process", "%s 时间倒流: %s 在 %s 之后", symbol, now, last)
	}
	bt.lastTime[symbol] = now

	pair := bt.pairs[symbol]
	if pair == nil {
		bt.logger.Warn("忽略未配置交易对的事件", "symbol", symbol, "kind", ev.Kind.String())
		return nil
	}

	switch ev.Kind {
	case models.EventFunding:
		return bt.processFunding(pair, ev)
	case models.EventKline:
		return bt.processKline(pair, ev)
	default:
		return models.Invariantf("runner.process", "未知事件类型 %d", ev.Kind)
	}
}

func (bt *Backtest) processFunding(pair *models.TradingPair, ev models.MarketEvent) error {
	fr := *ev.Funding
	if !pair.Priced() {
		// 首根K线之前没有标记价，无法估算资金费
		bt.logger.Warn("跳过无标记价的资金费事件", "symbol", fr.Symbol, "time", fr.Time)
		return nil
	}
	// 资金费按实际持有的base数量结算，含挂单锁定部分
	qty := bt.assets.Get(pair.Base).Total()
	payment := bt.assets.ApplyFunding(pair.Symbol, pair.Quote, fr.Rate, qty, pair.MarkPrice, fr.Time)
	actions := bt.strat.OnFunding(bt.snapshot(fr.Time), fr, payment)
	return bt.route(actions, fr.Time)
}

func (bt *Backtest) processKline(pair *models.TradingPair, ev models.MarketEvent) error {
	bar := *ev.Kline
	pair.MarkPrice = bar.Close
	pair.MarkTime = bar.CloseTime

	fills, unfilled, err := bt.orders.Match(pair.Symbol, bar)
	if err != nil {
		return err
	}
	for _, u := range unfilled {
		bt.rejected = append(bt.rejected, Rejection{
			Time: bar.CloseTime,
			Intent: order.Intent{
				Symbol:   u.Order.Symbol,
				Side:     u.Order.Side,
				Type:     u.Order.Type,
				Quantity: u.Order.Quantity,
			},
			Err: u.Err,
		})
	}
	for _, fill := range fills {
		bt.applyPosition(pair, fill)
		if err := bt.writer.WriteTrade(bt.tradeRecord(fill)); err != nil {
			return fmt.Errorf("写成交流水失败: %w", err)
		}
		if err := bt.route(bt.strat.OnFill(bt.snapshot(fill.Time), fill), fill.Time); err != nil {
			return err
		}
	}

	if err := bt.route(bt.strat.OnTick(bt.snapshot(bar.CloseTime), ev), bar.CloseTime); err != nil {
		return err
	}
	if err := bt.writer.WriteEquity(report.EquityPoint{Time: bar.CloseTime, Equity: bt.equity()}); err != nil {
		return fmt.Errorf("写权益曲线失败: %w", err)
	}
	return nil
}

// applyPosition 成交后更新持仓均价，买入手续费从base扣除
func (bt *Backtest) applyPosition(pair *models.TradingPair, fill models.Fill) {
	pos := bt.positions[pair.Symbol]
	if fill.Side == models.SideBuy {
		credited := fill.Quantity.Sub(fill.Fee)
		newQty := pos.qty.Add(credited)
		if newQty.IsPositive() {
			pos.avgCost = pos.avgCost.Mul(pos.qty).Add(fill.Notional()).Div(newQty)
		}
		pos.qty = newQty
		return
	}
	pos.qty = pos.qty.Sub(fill.Quantity)
	if !pos.qty.IsPositive() {
		pos.qty = decimal.Zero
		pos.avgCost = decimal.Zero
	}
}

// route 执行策略指令，校验类和余额类拒单只记录不中断
func (bt *Backtest) route(actions []strategy.Action, now time.Time) error {
	for _, act := range actions {
		switch {
		case act.Cancel != nil:
			if err := bt.orders.Cancel(*act.Cancel); err != nil {
				bt.logger.Warn("撤单失败", "order_id", act.Cancel.String(), "error", err)
			}
		case act.Place != nil:
			if _, err := bt.orders.Submit(*act.Place, now); err != nil {
				if recoverable(err) {
					bt.rejected = append(bt.rejected, Rejection{Time: now, Intent: *act.Place, Err: err})
					bt.logger.Warn("拒单", "symbol", act.Place.Symbol, "side", act.Place.Side, "error", err)
					continue
				}
				return err
			}
		}
	}
	return nil
}

// recoverable 校验失败和余额不足属于可恢复错误，其余视为致命
func recoverable(err error) bool {
	var ve *order.ValidationError
	var ibe *asset.InsufficientBalanceError
	return errors.As(err, &ve) || errors.As(err, &ibe)
}

func (bt *Backtest) priceOf(currency string) (decimal.Decimal, bool) {
	if currency == bt.quote {
		return decimal.NewFromInt(1), true
	}
	for _, symbol := range bt.symbols {
		p := bt.pairs[symbol]
		if p.Base == currency && p.Quote == bt.quote && p.Priced() {
			return p.MarkPrice, true
		}
	}
	return decimal.Decimal{}, false
}

func (bt *Backtest) equity() decimal.Decimal {
	return bt.assets.TotalEquity(bt.quote, bt.priceOf)
}

func (bt *Backtest) snapshot(now time.Time) strategy.Snapshot {
	equity := bt.equity()
	views := make(map[string]strategy.PairView, len(bt.pairs))
	var open []order.Order
	for _, symbol := range bt.symbols {
		p := bt.pairs[symbol]
		pos := bt.positions[symbol]
		view := strategy.PairView{
			Symbol:      symbol,
			Base:        p.Base,
			Quote:       p.Quote,
			MarkPrice:   p.MarkPrice,
			MarkTime:    p.MarkTime,
			PositionQty: pos.qty,
			AvgCost:     pos.avgCost,
		}
		if p.Priced() {
			baseValue := bt.assets.Get(p.Base).Total().Mul(p.MarkPrice)
			if equity.IsPositive() {
				view.PositionRatio = baseValue.Div(equity)
			}
			view.UnrealizedPnL = p.MarkPrice.Sub(pos.avgCost).Mul(pos.qty)
		}
		views[symbol] = view
		open = append(open, bt.orders.OpenOrders(symbol)...)
	}

	balances := make(map[string]asset.Asset)
	for _, currency := range bt.assets.Currencies() {
		balances[currency] = bt.assets.Get(currency)
	}

	return strategy.Snapshot{
		Time:       now,
		Quote:      bt.quote,
		Equity:     equity,
		Pairs:      views,
		Balances:   balances,
		OpenOrders: open,
	}
}

func (bt *Backtest) tradeRecord(fill models.Fill) report.TradeRecord {
	lines := make([]report.BalanceLine, 0, 4)
	for _, currency := range bt.assets.Currencies() {
		a := bt.assets.Get(currency)
		lines = append(lines, report.BalanceLine{Currency: currency, Free: a.Free, Locked: a.Locked})
	}
	return report.TradeRecord{
		Time:        fill.Time,
		OrderID:     fill.OrderID,
		Symbol:      fill.Symbol,
		Side:        fill.Side,
		Price:       fill.Price,
		Quantity:    fill.Quantity,
		Fee:         fill.Fee,
		FeeCurrency: fill.FeeCurrency,
		Balances:    lines,
	}
}

// markClose 默认强平策略: 撤掉该交易对全部挂单，持仓按标记价折算成计价货币
type markClose struct {
	bt *Backtest
}

func (c markClose) OnLiquidation(ev asset.LiquidationEvent) {
	bt := c.bt
	pair := bt.pairs[ev.Symbol]
	if pair == nil {
		return
	}
	for _, o := range bt.orders.OpenOrders(ev.Symbol) {
		if err := bt.orders.Cancel(o.ID); err != nil {
			bt.logger.Warn("强平撤单失败", "order_id", o.ID.String(), "error", err)
		}
	}
	qty := bt.assets.CloseAtMark(pair.Base, pair.Quote, ev.MarkPrice)
	if pos := bt.positions[ev.Symbol]; pos != nil {
		pos.qty = decimal.Zero
		pos.avgCost = decimal.Zero
	}
	bt.logger.Warn("资金费穿仓，持仓已按标记价强平",
		"symbol", ev.Symbol, "closed_qty", qty.String(), "shortfall", ev.Shortfall.String())
}
