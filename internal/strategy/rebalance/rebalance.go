package rebalance

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/models"
	"github.com/songzhibin97/backtrade/internal/order"
	"github.com/songzhibin97/backtrade/internal/strategy"
)

// Trigger 重平衡触发方式
type Trigger string

const (
	// TriggerThreshold 仓位占比偏离目标超过阈值时重建阶梯
	TriggerThreshold Trigger = "threshold"
	// TriggerInterval 固定时间间隔重建阶梯
	TriggerInterval Trigger = "interval"
)

// Config 阶梯再平衡参数
type Config struct {
	Symbol string
	// TargetRatio 目标仓位占比 (0,1)，base市值占总权益的比例
	TargetRatio decimal.Decimal
	// LadderNotional 每档订单的名义金额（计价货币）
	LadderNotional decimal.Decimal
	// LadderDepth 买卖各挂多少档
	LadderDepth int
	Trigger     Trigger
	// DriftThreshold threshold模式下触发重建的偏离量
	DriftThreshold decimal.Decimal
	// Interval interval模式下的重建周期
	Interval time.Duration
}

// Strategy 网格式再平衡策略
//
// 每个周期用当前持仓解一次平衡价:
//
//	P* = r*Q / ((1-r)*B)
//
// B为base持仓、Q为quote持仓、r为目标占比。在P*处组合恰好平衡，价格
// 偏离后超出目标的仓位价值为 (1-r)*B*R - r*Q，令其等于k*N可解出
// 第k档的触发价:
//
//	卖k档: R = (r*Q + k*N) / ((1-r)*B)
//	买k档: R = (r*Q - k*N) / ((1-r)*B)
//
// 每档挂名义金额N的限价单。任意一档成交后持仓变化，撤掉剩余档位
// 并用新持仓重新求解。
type Strategy struct {
	cfg         Config
	initialized bool
	lastEpoch   time.Time
}

// New 创建策略，参数不合法时直接panic由上层在配置阶段暴露
func New(cfg Config) *Strategy {
	one := decimal.NewFromInt(1)
	if cfg.Symbol == "" || cfg.TargetRatio.LessThanOrEqual(decimal.Zero) || cfg.TargetRatio.GreaterThanOrEqual(one) {
		panic("rebalance: 目标占比必须在(0,1)内")
	}
	if !cfg.LadderNotional.IsPositive() || cfg.LadderDepth <= 0 {
		panic("rebalance: 阶梯参数必须为正")
	}
	return &Strategy{cfg: cfg}
}

func (s *Strategy) Name() string { return "rebalance" }

// OnTick 检查触发条件，必要时重建阶梯
func (s *Strategy) OnTick(snap strategy.Snapshot, ev models.MarketEvent) []strategy.Action {
	v := snap.Pair(s.cfg.Symbol)
	if !v.MarkPrice.IsPositive() {
		return nil
	}

	if !s.initialized {
		s.initialized = true
		s.lastEpoch = snap.Time
		if act, ok := s.initialRebalance(snap, v); ok {
			// 市价单成交后OnFill会建阶梯
			return []strategy.Action{act}
		}
		return s.rebuild(snap)
	}

	switch s.cfg.Trigger {
	case TriggerInterval:
		if snap.Time.Sub(s.lastEpoch) >= s.cfg.Interval {
			return s.rebuild(snap)
		}
	default:
		drift := v.PositionRatio.Sub(s.cfg.TargetRatio).Abs()
		if drift.GreaterThan(s.cfg.DriftThreshold) {
			return s.rebuild(snap)
		}
	}
	// 两侧都打完时阶梯已空，补建
	if s.countOpen(snap) == 0 {
		return s.rebuild(snap)
	}
	return nil
}

// OnFill 任意成交后持仓已变，立即重建
func (s *Strategy) OnFill(snap strategy.Snapshot, fill models.Fill) []strategy.Action {
	if fill.Symbol != s.cfg.Symbol {
		return nil
	}
	return s.rebuild(snap)
}

func (s *Strategy) OnFunding(snap strategy.Snapshot, fr models.FundingRate, payment decimal.Decimal) []strategy.Action {
	return nil
}

// initialRebalance 第一次进场: 偏离目标时用市价单一次拉到位
func (s *Strategy) initialRebalance(snap strategy.Snapshot, v strategy.PairView) (strategy.Action, bool) {
	base := snap.Balances[v.Base].Total()
	diff := s.cfg.TargetRatio.Mul(snap.Equity).Sub(base.Mul(v.MarkPrice))
	if diff.Abs().LessThan(s.cfg.LadderNotional) {
		return strategy.Action{}, false
	}
	side := models.SideBuy
	if diff.IsNegative() {
		side = models.SideSell
	}
	return strategy.Place(order.Intent{
		Symbol:   s.cfg.Symbol,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Quantity: diff.Abs().Div(v.MarkPrice),
	}), true
}

// rebuild 撤掉本交易对全部挂单并按当前持仓重建阶梯
func (s *Strategy) rebuild(snap strategy.Snapshot) []strategy.Action {
	s.lastEpoch = snap.Time
	var actions []strategy.Action
	for _, o := range snap.OpenOrders {
		if o.Symbol == s.cfg.Symbol {
			actions = append(actions, strategy.Cancel(o.ID))
		}
	}
	return append(actions, s.ladder(snap)...)
}

func (s *Strategy) ladder(snap strategy.Snapshot) []strategy.Action {
	v := snap.Pair(s.cfg.Symbol)
	baseQty := snap.Balances[v.Base].Total()
	quoteQty := snap.Balances[v.Quote].Total()

	r := s.cfg.TargetRatio
	n := s.cfg.LadderNotional
	denom := decimal.NewFromInt(1).Sub(r).Mul(baseQty)
	if !denom.IsPositive() {
		return nil
	}

	var actions []strategy.Action
	// 卖侧: 数量受持仓约束
	sellQty := decimal.Zero
	for k := 1; k <= s.cfg.LadderDepth; k++ {
		price := r.Mul(quoteQty).Add(n.Mul(decimal.NewFromInt(int64(k)))).Div(denom)
		qty := n.Div(price)
		if sellQty.Add(qty).GreaterThan(baseQty) {
			break
		}
		sellQty = sellQty.Add(qty)
		actions = append(actions, strategy.Place(order.Intent{
			Symbol:   s.cfg.Symbol,
			Side:     models.SideSell,
			Type:     models.OrderTypeLimit,
			Price:    price,
			Quantity: qty,
		}))
	}
	// 买侧: 金额受quote余额约束
	spent := decimal.Zero
	for k := 1; k <= s.cfg.LadderDepth; k++ {
		num := r.Mul(quoteQty).Sub(n.Mul(decimal.NewFromInt(int64(k))))
		if !num.IsPositive() {
			break
		}
		if spent.Add(n).GreaterThan(quoteQty) {
			break
		}
		spent = spent.Add(n)
		price := num.Div(denom)
		actions = append(actions, strategy.Place(order.Intent{
			Symbol:   s.cfg.Symbol,
			Side:     models.SideBuy,
			Type:     models.OrderTypeLimit,
			Price:    price,
			Quantity: n.Div(price),
		}))
	}
	return actions
}

func (s *Strategy) countOpen(snap strategy.Snapshot) int {
	count := 0
	for _, o := range snap.OpenOrders {
		if o.Symbol == s.cfg.Symbol {
			count++
		}
	}
	return count
}
