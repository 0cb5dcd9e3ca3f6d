package asset

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/models"
)

// Asset 单一货币的资产，free为可用余额，locked为挂单占用余额
type Asset struct {
	Currency string          `json:"currency"`
	Free     decimal.Decimal `json:"free"`
	Locked   decimal.Decimal `json:"locked"`
}

// Total 总余额
func (a Asset) Total() decimal.Decimal {
	return a.Free.Add(a.Locked)
}

// InsufficientBalanceError 可用余额不足，订单被拒绝，运行继续
type InsufficientBalanceError struct {
	Currency string
	Have     decimal.Decimal
	Need     decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: have %s, need %s", e.Currency, e.Have, e.Need)
}

// LiquidationEvent 资金费结算将导致余额为负时触发的强平事件
// 属于业务事件而非缺陷，由可插拔的清算策略处理
type LiquidationEvent struct {
	Symbol      string          `json:"symbol"`
	Currency    string          `json:"currency"`
	Shortfall   decimal.Decimal `json:"shortfall"` // 缺口金额（正值）
	PositionQty decimal.Decimal `json:"position_qty"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	Time        time.Time       `json:"time"`
}

// LiquidationPolicy 清算策略钩子
// 默认策略: 以当前标记价平掉仓位，余额归零
type LiquidationPolicy interface {
	OnLiquidation(ev LiquidationEvent)
}

type noopLiquidation struct{}

func (noopLiquidation) OnLiquidation(LiquidationEvent) {}

// Manager 多货币资产账本
// 只能被 Runner 的事件循环独占修改，内部不加锁
type Manager struct {
	assets map[string]*Asset
	policy LiquidationPolicy

	liquidations []LiquidationEvent
}

// NewManager 根据初始资金创建账本
func NewManager(initial map[string]decimal.Decimal) *Manager {
	m := &Manager{
		assets: make(map[string]*Asset),
		policy: noopLiquidation{},
	}
	for currency, balance := range initial {
		m.assets[currency] = &Asset{Currency: currency, Free: balance}
	}
	return m
}

// SetLiquidationPolicy 替换默认清算策略
func (m *Manager) SetLiquidationPolicy(p LiquidationPolicy) {
	if p != nil {
		m.policy = p
	}
}

func (m *Manager) get(currency string) *Asset {
	a, ok := m.assets[currency]
	if !ok {
		a = &Asset{Currency: currency}
		m.assets[currency] = a
	}
	return a
}

// Get 查询某货币资产快照
func (m *Manager) Get(currency string) Asset {
	if a, ok := m.assets[currency]; ok {
		return *a
	}
	return Asset{Currency: currency}
}

// Currencies 已知货币列表，按名称排序保证遍历确定性
func (m *Manager) Currencies() []string {
	out := make([]string, 0, len(m.assets))
	for c := range m.assets {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Reserve 将amount从free转入locked，为挂单预留
// 可用余额不足返回 InsufficientBalanceError
func (m *Manager) Reserve(currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return models.Invariantf("asset.Reserve", "negative amount %s %s", amount, currency)
	}
	a := m.get(currency)
	if a.Free.LessThan(amount) {
		return &InsufficientBalanceError{Currency: currency, Have: a.Free, Need: amount}
	}
	a.Free = a.Free.Sub(amount)
	a.Locked = a.Locked.Add(amount)
	return nil
}

// Release 将amount从locked退回free（撤单或市价单结算后的剩余预留）
// 预留必然先于释放发生，locked不足说明订单管理器有缺陷
func (m *Manager) Release(currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return models.Invariantf("asset.Release", "negative amount %s %s", amount, currency)
	}
	a := m.get(currency)
	if a.Locked.LessThan(amount) {
		return models.Invariantf("asset.Release", "locked %s short: have %s, release %s", currency, a.Locked, amount)
	}
	a.Locked = a.Locked.Sub(amount)
	a.Free = a.Free.Add(amount)
	return nil
}

// ApplyFill 将单笔成交落账，整体成功或整体失败
// 买单: 消耗计价货币locked中的预留份额，到手基础货币扣除手续费入free
// 卖单: 消耗基础货币locked，到手计价货币扣除手续费入free
// lockedDebit 是该笔成交消耗的预留额度；市价买单按标记价预留，
// 实际成交额与预留的差额在此处与free轧差
func (m *Manager) ApplyFill(fill models.Fill, base, quote string, lockedDebit decimal.Decimal) error {
	notional := fill.Notional()

	switch fill.Side {
	case models.SideBuy:
		q := m.get(quote)
		if q.Locked.LessThan(lockedDebit) {
			return models.Invariantf("asset.ApplyFill", "locked %s short: have %s, debit %s", quote, q.Locked, lockedDebit)
		}
		// 预留与实际成交额的差额: 正值退回free，负值从free补足
		// free补不上差额属于行情导致的余额不足，不落账，由调用方撤单
		adjust := lockedDebit.Sub(notional)
		if adjust.IsNegative() && q.Free.LessThan(adjust.Neg()) {
			return &InsufficientBalanceError{Currency: quote, Have: q.Free, Need: adjust.Neg()}
		}
		q.Locked = q.Locked.Sub(lockedDebit)
		q.Free = q.Free.Add(adjust)

		b := m.get(base)
		b.Free = b.Free.Add(fill.Quantity).Sub(fill.Fee)

	case models.SideSell:
		b := m.get(base)
		if b.Locked.LessThan(fill.Quantity) {
			return models.Invariantf("asset.ApplyFill", "locked %s short: have %s, debit %s", base, b.Locked, fill.Quantity)
		}
		b.Locked = b.Locked.Sub(fill.Quantity)

		q := m.get(quote)
		q.Free = q.Free.Add(notional).Sub(fill.Fee)

	default:
		return models.Invariantf("asset.ApplyFill", "unknown side %q", fill.Side)
	}
	return nil
}

// ApplyFunding 结算资金费，返回实际支付额（正值为支出）
// payment = positionQty * markPrice * rate
// 正费率时多头付费、空头收费（永续合约通用约定），直接作用于计价货币free
// 若扣费会导致余额为负，则触发 LiquidationEvent 而不允许负余额
func (m *Manager) ApplyFunding(symbol, quote string, rate, positionQty, markPrice decimal.Decimal, at time.Time) decimal.Decimal {
	payment := positionQty.Mul(markPrice).Mul(rate)
	if payment.IsZero() {
		return payment
	}

	q := m.get(quote)
	remaining := q.Free.Sub(payment)
	if remaining.IsNegative() {
		ev := LiquidationEvent{
			Symbol:      symbol,
			Currency:    quote,
			Shortfall:   remaining.Neg(),
			PositionQty: positionQty,
			MarkPrice:   markPrice,
			Time:        at,
		}
		m.liquidations = append(m.liquidations, ev)
		payment = q.Free // 只能付到归零为止
		q.Free = decimal.Zero
		// 余额落账完成后才触发策略，策略平仓的进账不会被清掉
		m.policy.OnLiquidation(ev)
		return payment
	}
	q.Free = remaining
	return payment
}

// Liquidations 本次运行累计的强平事件
func (m *Manager) Liquidations() []LiquidationEvent {
	return m.liquidations
}

// CloseAtMark 把base的全部可用余额按标记价折算成quote，返回折算数量
// 用于强平后的平仓落账，锁定部分不动，由调用方先撤掉挂单
func (m *Manager) CloseAtMark(base, quote string, mark decimal.Decimal) decimal.Decimal {
	b := m.get(base)
	qty := b.Free
	if qty.IsZero() {
		return decimal.Zero
	}
	b.Free = decimal.Zero
	m.get(quote).Free = m.get(quote).Free.Add(qty.Mul(mark))
	return qty
}

// PriceFunc 汇率查询: 返回1单位currency折算成计价货币的价格
type PriceFunc func(currency string) (decimal.Decimal, bool)

// TotalEquity 以quote计价的总权益，所有货币按当前标记价折算
// 没有报价的货币无法估值，计为0并由调用方决定是否接受
func (m *Manager) TotalEquity(quote string, price PriceFunc) decimal.Decimal {
	total := decimal.Zero
	for _, currency := range m.Currencies() {
		a := m.assets[currency]
		balance := a.Total()
		if currency == quote {
			total = total.Add(balance)
			continue
		}
		if p, ok := price(currency); ok {
			total = total.Add(balance.Mul(p))
		}
	}
	return total
}
