package strategy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/asset"
	"github.com/songzhibin97/backtrade/internal/models"
	"github.com/songzhibin97/backtrade/internal/order"
)

// PairView 单个交易对的市场与持仓视图
type PairView struct {
	Symbol    string          `json:"symbol"`
	Base      string          `json:"base"`
	Quote     string          `json:"quote"`
	MarkPrice decimal.Decimal `json:"mark_price"`
	MarkTime  time.Time       `json:"mark_time"`

	// PositionQty 当前持仓数量(base)，由成交累计得出
	PositionQty decimal.Decimal `json:"position_qty"`
	// AvgCost 持仓均价，卖出不改变均价
	AvgCost decimal.Decimal `json:"avg_cost"`
	// PositionRatio 仓位占比 = base市值 / 总权益，权益为0时为0
	PositionRatio decimal.Decimal `json:"position_ratio"`
	// UnrealizedPnL 浮动盈亏 = (标记价 - 均价) * 持仓数量
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Snapshot 策略回调时刻的市场快照，全部字段为值拷贝，策略可以随意持有
type Snapshot struct {
	Time     time.Time              `json:"time"`
	Quote    string                 `json:"quote"`
	Equity   decimal.Decimal        `json:"equity"`
	Pairs    map[string]PairView    `json:"pairs"`
	Balances map[string]asset.Asset `json:"balances"`
	// OpenOrders 当前未完结订单，按价格优先级排列
	OpenOrders []order.Order `json:"open_orders"`
}

// Pair 取指定交易对视图，不存在时返回零值
func (s Snapshot) Pair(symbol string) PairView {
	return s.Pairs[symbol]
}

// Action 策略对执行层的指令: 下单或撤单，二选一
type Action struct {
	Place  *order.Intent
	Cancel *uuid.UUID
}

// Place 构造下单指令
func Place(intent order.Intent) Action {
	return Action{Place: &intent}
}

// Cancel 构造撤单指令
func Cancel(id uuid.UUID) Action {
	return Action{Cancel: &id}
}

// Strategy 策略接口，所有回调在驱动循环内串行执行
// 实现方不需要加锁，也不应阻塞
type Strategy interface {
	Name() string

	// OnTick 每个市场事件处理完后回调一次
	OnTick(snap Snapshot, ev models.MarketEvent) []Action

	// OnFill 每笔成交回调一次，先于同一事件的OnTick
	OnFill(snap Snapshot, fill models.Fill) []Action

	// OnFunding 资金费结算后回调，payment为正表示本方支付
	OnFunding(snap Snapshot, fr models.FundingRate, payment decimal.Decimal) []Action
}
