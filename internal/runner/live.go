package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/asset"
	"github.com/songzhibin97/backtrade/internal/exchange"
	"github.com/songzhibin97/backtrade/internal/models"
	"github.com/songzhibin97/backtrade/internal/order"
	"github.com/songzhibin97/backtrade/internal/strategy"
)

// liveOrder 本地跟踪的在途订单
type liveOrder struct {
	localID   uuid.UUID
	venueID   string
	intent    order.Intent
	remaining decimal.Decimal
	createdAt time.Time
}

// Live 实盘驱动器
//
// 和回测共用同一个策略接口，撮合与资产托管交给交易所，本地只维护
// 标记价、持仓和在途订单。事件与成交回报两个通道在单协程内select，
// 策略回调仍然是串行的。
type Live struct {
	logger   *slog.Logger
	adapter  exchange.Adapter
	pairs    map[string]*models.TradingPair
	strat    strategy.Strategy
	quote    string
	interval string

	phase     atomic.Int32
	assets    *asset.Manager
	positions map[string]*position
	open      map[string]*liveOrder // venueID -> order
	symbols   []string
}

// NewLive 组装实盘驱动器
func NewLive(logger *slog.Logger, adapter exchange.Adapter, pairs map[string]*models.TradingPair,
	strat strategy.Strategy, quote, interval string) *Live {

	symbols := make([]string, 0, len(pairs))
	positions := make(map[string]*position, len(pairs))
	for symbol := range pairs {
		symbols = append(symbols, symbol)
		positions[symbol] = &position{}
	}
	sort.Strings(symbols)

	return &Live{
		logger:    logger,
		adapter:   adapter,
		pairs:     pairs,
		strat:     strat,
		quote:     quote,
		interval:  interval,
		positions: positions,
		open:      make(map[string]*liveOrder),
		symbols:   symbols,
	}
}

// Phase 当前阶段
func (l *Live) Phase() Phase {
	return Phase(l.phase.Load())
}

// Run 启动实盘循环，直到ctx取消或事件流断开
func (l *Live) Run(ctx context.Context) error {
	if !l.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseRunning)) {
		return fmt.Errorf("实盘已在 %s 阶段，不能重复启动", l.Phase())
	}

	if err := l.syncBalances(ctx); err != nil {
		l.phase.Store(int32(PhaseAborted))
		return err
	}

	events, err := l.adapter.Events(ctx, l.symbols, l.interval)
	if err != nil {
		l.phase.Store(int32(PhaseAborted))
		return fmt.Errorf("订阅市场事件失败: %w", err)
	}
	fills, err := l.adapter.Fills(ctx)
	if err != nil {
		l.phase.Store(int32(PhaseAborted))
		return fmt.Errorf("订阅成交回报失败: %w", err)
	}

	l.logger.Info("实盘开始", "strategy", l.strat.Name(), "symbols", l.symbols, "interval", l.interval)

	for {
		select {
		case <-ctx.Done():
			l.phase.Store(int32(PhaseCompleted))
			l.logger.Info("实盘停止", "reason", ctx.Err())
			return nil
		case ev, ok := <-events:
			if !ok {
				l.phase.Store(int32(PhaseAborted))
				return fmt.Errorf("市场事件流已断开")
			}
			l.processEvent(ctx, ev)
		case fill, ok := <-fills:
			if !ok {
				l.phase.Store(int32(PhaseAborted))
				return fmt.Errorf("成交回报流已断开")
			}
			l.processFill(ctx, fill)
		}
	}
}

// syncBalances 以交易所账户为准重建本地资产视图
func (l *Live) syncBalances(ctx context.Context) error {
	balances, err := l.adapter.Balances(ctx)
	if err != nil {
		return fmt.Errorf("同步余额失败: %w", err)
	}
	l.assets = asset.NewManager(balances)
	return nil
}

func (l *Live) processEvent(ctx context.Context, ev models.MarketEvent) {
	if ev.Kind != models.EventKline {
		return
	}
	bar := ev.Kline
	pair := l.pairs[bar.Symbol]
	if pair == nil {
		return
	}
	pair.MarkPrice = bar.Close
	pair.MarkTime = bar.CloseTime

	l.route(ctx, l.strat.OnTick(l.snapshot(bar.CloseTime), ev))
}

// processFill 成交回报按本地订单号翻译后回灌策略
func (l *Live) processFill(ctx context.Context, f exchange.Fill) {
	localID := uuid.New()
	if lo, ok := l.open[f.OrderID]; ok {
		localID = lo.localID
		lo.remaining = lo.remaining.Sub(f.Quantity)
		if !lo.remaining.IsPositive() {
			delete(l.open, f.OrderID)
		}
	}

	pair := l.pairs[f.Symbol]
	if pair == nil {
		l.logger.Warn("忽略未配置交易对的成交", "symbol", f.Symbol, "order_id", f.OrderID)
		return
	}

	fill := models.Fill{
		OrderID:     localID,
		Symbol:      f.Symbol,
		Side:        f.Side,
		Price:       f.Price,
		Quantity:    f.Quantity,
		Fee:         f.Fee,
		FeeCurrency: f.FeeCurrency,
		Time:        f.Time,
	}

	pos := l.positions[f.Symbol]
	if f.Side == models.SideBuy {
		newQty := pos.qty.Add(f.Quantity)
		if newQty.IsPositive() {
			pos.avgCost = pos.avgCost.Mul(pos.qty).Add(fill.Notional()).Div(newQty)
		}
		pos.qty = newQty
	} else {
		pos.qty = pos.qty.Sub(f.Quantity)
		if !pos.qty.IsPositive() {
			pos.qty = decimal.Zero
			pos.avgCost = decimal.Zero
		}
	}

	// 余额以交易所为准
	if err := l.syncBalances(ctx); err != nil {
		l.logger.Warn("成交后同步余额失败", "error", err)
	}

	l.logger.Info("成交", "symbol", f.Symbol, "side", f.Side,
		"price", f.Price.String(), "quantity", f.Quantity.String())
	l.route(ctx, l.strat.OnFill(l.snapshot(f.Time), fill))
}

// route 把策略指令转发给交易所，单笔失败只告警不中断
func (l *Live) route(ctx context.Context, actions []strategy.Action) {
	for _, act := range actions {
		switch {
		case act.Cancel != nil:
			lo := l.findLocal(*act.Cancel)
			if lo == nil {
				l.logger.Warn("撤单目标不存在", "order_id", act.Cancel.String())
				continue
			}
			if err := l.adapter.CancelOrder(ctx, lo.intent.Symbol, lo.venueID); err != nil {
				l.logger.Warn("撤单失败", "order_id", lo.venueID, "error", err)
				continue
			}
			delete(l.open, lo.venueID)
		case act.Place != nil:
			venueID, err := l.adapter.PlaceOrder(ctx, *act.Place)
			if err != nil {
				l.logger.Warn("下单失败", "symbol", act.Place.Symbol, "side", act.Place.Side, "error", err)
				continue
			}
			l.open[venueID] = &liveOrder{
				localID:   uuid.New(),
				venueID:   venueID,
				intent:    *act.Place,
				remaining: act.Place.Quantity,
				createdAt: time.Now().UTC(),
			}
		}
	}
}

func (l *Live) findLocal(id uuid.UUID) *liveOrder {
	for _, lo := range l.open {
		if lo.localID == id {
			return lo
		}
	}
	return nil
}

func (l *Live) priceOf(currency string) (decimal.Decimal, bool) {
	if currency == l.quote {
		return decimal.NewFromInt(1), true
	}
	for _, symbol := range l.symbols {
		p := l.pairs[symbol]
		if p.Base == currency && p.Quote == l.quote && p.Priced() {
			return p.MarkPrice, true
		}
	}
	return decimal.Decimal{}, false
}

func (l *Live) snapshot(now time.Time) strategy.Snapshot {
	equity := l.assets.TotalEquity(l.quote, l.priceOf)
	views := make(map[string]strategy.PairView, len(l.pairs))
	for _, symbol := range l.symbols {
		p := l.pairs[symbol]
		pos := l.positions[symbol]
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
			baseValue := l.assets.Get(p.Base).Total().Mul(p.MarkPrice)
			if equity.IsPositive() {
				view.PositionRatio = baseValue.Div(equity)
			}
			view.UnrealizedPnL = p.MarkPrice.Sub(pos.avgCost).Mul(pos.qty)
		}
		views[symbol] = view
	}

	balances := make(map[string]asset.Asset)
	for _, currency := range l.assets.Currencies() {
		balances[currency] = l.assets.Get(currency)
	}

	venueIDs := make([]string, 0, len(l.open))
	for id := range l.open {
		venueIDs = append(venueIDs, id)
	}
	sort.Strings(venueIDs)
	open := make([]order.Order, 0, len(venueIDs))
	for _, id := range venueIDs {
		lo := l.open[id]
		open = append(open, order.Order{
			ID:        lo.localID,
			Symbol:    lo.intent.Symbol,
			Side:      lo.intent.Side,
			Type:      lo.intent.Type,
			Price:     lo.intent.Price,
			Quantity:  lo.intent.Quantity,
			Status:    models.OrderStatusPending,
			CreatedAt: lo.createdAt,
		})
	}

	return strategy.Snapshot{
		Time:       now,
		Quote:      l.quote,
		Equity:     equity,
		Pairs:      views,
		Balances:   balances,
		OpenOrders: open,
	}
}
