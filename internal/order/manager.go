package order

import (
	"encoding/binary"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/asset"
	"github.com/songzhibin97/backtrade/internal/models"
)

// book 单交易对的挂单簿
type book struct {
	buys   []*Order // 价格降序，同价按提交顺序
	sells  []*Order // 价格升序，同价按提交顺序
	market []*Order // 市价单队列，按提交顺序在下一根K线开盘成交
}

// Manager 订单管理器
// 负责订单生命周期、资产预留和K线撮合
// 撮合价格策略（固定并在此声明，避免前视偏差）:
//   - 限价单以自身挂单价成交: 买单 bar.Low <= price 时成交，卖单 bar.High >= price 时成交
//   - 市价单以K线开盘价成交
//
// 默认单根K线内全量成交；配置了volumeLimit后，
// 单根K线的总成交量不超过 volumeLimit * bar.Volume，剩余部分继续挂单
type Manager struct {
	assets *asset.Manager
	pairs  map[string]*models.TradingPair

	makerFee    decimal.Decimal // 限价单费率
	takerFee    decimal.Decimal // 市价单费率
	volumeLimit decimal.Decimal // 单根K线成交量上限比例，0为不限制

	books    map[string]*book
	open     map[uuid.UUID]*Order
	archived map[uuid.UUID]*Order
	nextSeq  uint64
}

// NewManager 创建订单管理器
// pairs 与 Runner 共享，标记价由数据事件推进
func NewManager(assets *asset.Manager, pairs map[string]*models.TradingPair, makerFee, takerFee decimal.Decimal) *Manager {
	return &Manager{
		assets:   assets,
		pairs:    pairs,
		makerFee: makerFee,
		takerFee: takerFee,
		books:    make(map[string]*book),
		open:     make(map[uuid.UUID]*Order),
		archived: make(map[uuid.UUID]*Order),
	}
}

// SetVolumeLimit 开启成交量约束模式
func (m *Manager) SetVolumeLimit(fraction decimal.Decimal) {
	m.volumeLimit = fraction
}

func (m *Manager) bookFor(symbol string) *book {
	b, ok := m.books[symbol]
	if !ok {
		b = &book{}
		m.books[symbol] = b
	}
	return b
}

// Submit 校验意图、预留资产并挂单，返回新订单ID
// 非法意图返回 ValidationError，余额不足返回 asset.InsufficientBalanceError
func (m *Manager) Submit(intent Intent, now time.Time) (uuid.UUID, error) {
	pair, ok := m.pairs[intent.Symbol]
	if !ok {
		return uuid.Nil, &ValidationError{Reason: "unknown trading pair " + intent.Symbol}
	}
	if intent.Side != models.SideBuy && intent.Side != models.SideSell {
		return uuid.Nil, &ValidationError{Reason: "unknown side " + string(intent.Side)}
	}
	if !intent.Quantity.IsPositive() {
		return uuid.Nil, &ValidationError{Reason: "quantity must be positive"}
	}

	// 预留基准价: 限价单用挂单价，市价单用当前标记价
	basis := intent.Price
	switch intent.Type {
	case models.OrderTypeLimit:
		if !intent.Price.IsPositive() {
			return uuid.Nil, &ValidationError{Reason: "limit price must be positive"}
		}
	case models.OrderTypeMarket:
		if !pair.Priced() {
			return uuid.Nil, &ValidationError{Reason: "no mark price for " + intent.Symbol}
		}
		basis = pair.MarkPrice
	default:
		return uuid.Nil, &ValidationError{Reason: "unknown order type " + string(intent.Type)}
	}

	// 计算所需预留: 买单锁计价货币的名义金额，卖单锁基础货币数量
	var lockedCurrency string
	var lockedAmount decimal.Decimal
	if intent.Side == models.SideBuy {
		lockedCurrency = pair.Quote
		lockedAmount = basis.Mul(intent.Quantity)
	} else {
		lockedCurrency = pair.Base
		lockedAmount = intent.Quantity
	}
	if err := m.assets.Reserve(lockedCurrency, lockedAmount); err != nil {
		return uuid.Nil, err
	}

	o := &Order{
		ID:             newOrderID(m.nextSeq),
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Type:           intent.Type,
		Price:          basis,
		Quantity:       intent.Quantity,
		Status:         models.OrderStatusPending,
		LockedCurrency: lockedCurrency,
		LockedAmount:   lockedAmount,
		CreatedAt:      now,
		seq:            m.nextSeq,
	}
	m.nextSeq++

	if err := m.insert(o); err != nil {
		return uuid.Nil, err
	}
	return o.ID, nil
}

// newOrderID 由提交序号派生订单ID
// 同样的提交序列产生同样的ID，保证成交流水可逐字节复现
func newOrderID(seq uint64) uuid.UUID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return uuid.NewSHA1(uuid.NameSpaceOID, buf[:])
}

func (m *Manager) insert(o *Order) error {
	if _, dup := m.open[o.ID]; dup {
		return models.Invariantf("order.insert", "duplicate order id %s", o.ID)
	}
	if _, dup := m.archived[o.ID]; dup {
		return models.Invariantf("order.insert", "order id %s reused after archive", o.ID)
	}
	m.open[o.ID] = o

	b := m.bookFor(o.Symbol)
	switch {
	case o.Type == models.OrderTypeMarket:
		b.market = append(b.market, o)
	case o.Side == models.SideBuy:
		// 降序插入，同价排在已有订单之后
		idx := sort.Search(len(b.buys), func(i int) bool {
			return b.buys[i].Price.LessThan(o.Price)
		})
		b.buys = append(b.buys, nil)
		copy(b.buys[idx+1:], b.buys[idx:])
		b.buys[idx] = o
	default:
		// 升序插入
		idx := sort.Search(len(b.sells), func(i int) bool {
			return b.sells[i].Price.GreaterThan(o.Price)
		})
		b.sells = append(b.sells, nil)
		copy(b.sells[idx+1:], b.sells[idx:])
		b.sells[idx] = o
	}
	return nil
}

func (m *Manager) unlink(o *Order) {
	delete(m.open, o.ID)
	b := m.bookFor(o.Symbol)
	remove := func(list []*Order) []*Order {
		for i, item := range list {
			if item.ID == o.ID {
				return append(list[:i], list[i+1:]...)
			}
		}
		return list
	}
	switch {
	case o.Type == models.OrderTypeMarket:
		b.market = remove(b.market)
	case o.Side == models.SideBuy:
		b.buys = remove(b.buys)
	default:
		b.sells = remove(b.sells)
	}
}

func (m *Manager) archive(o *Order) {
	m.unlink(o)
	m.archived[o.ID] = o
}

// Cancel 撤单并释放剩余预留资产
func (m *Manager) Cancel(id uuid.UUID) error {
	o, ok := m.open[id]
	if !ok {
		if done, archived := m.archived[id]; archived {
			return &InvalidStateError{ID: id, Status: done.Status}
		}
		return &OrderNotFoundError{ID: id}
	}
	if err := m.assets.Release(o.LockedCurrency, o.LockedAmount); err != nil {
		return err
	}
	o.LockedAmount = decimal.Zero
	o.Status = models.OrderStatusCancelled
	m.archive(o)
	return nil
}

// Get 查询订单快照，在挂单和归档中查找
func (m *Manager) Get(id uuid.UUID) (Order, bool) {
	if o, ok := m.open[id]; ok {
		return *o, true
	}
	if o, ok := m.archived[id]; ok {
		return *o, true
	}
	return Order{}, false
}

// OpenOrders 某交易对当前挂单快照，买单在前按价格优先序排列
func (m *Manager) OpenOrders(symbol string) []Order {
	b, ok := m.books[symbol]
	if !ok {
		return nil
	}
	out := make([]Order, 0, len(b.market)+len(b.buys)+len(b.sells))
	for _, o := range b.market {
		out = append(out, *o)
	}
	for _, o := range b.buys {
		out = append(out, *o)
	}
	for _, o := range b.sells {
		out = append(out, *o)
	}
	return out
}

// OpenCount 全部挂单数量
func (m *Manager) OpenCount() int {
	return len(m.open)
}

// LockedTotals 按货币统计当前挂单占用的预留额度，用于账本对账
func (m *Manager) LockedTotals() map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, o := range m.open {
		totals[o.LockedCurrency] = totals[o.LockedCurrency].Add(o.LockedAmount)
	}
	return totals
}

// Unfilled 撮合阶段被撤销的订单及其原因
type Unfilled struct {
	Order Order
	Err   error
}

// Match 用一根新K线撮合该交易对的挂单，返回产生的成交
// 市价单先以开盘价成交，然后买单按价格从高到低、卖单按价格从低到高依次检查
// 市价买单开盘价高出预留基准、free补不上差额时撤单并计入第二个返回值，
// 其余结算失败立即返回（属于不变量破坏）
func (m *Manager) Match(symbol string, bar models.Kline) ([]models.Fill, []Unfilled, error) {
	pair, ok := m.pairs[symbol]
	if !ok {
		return nil, nil, models.Invariantf("order.Match", "unknown trading pair %s", symbol)
	}
	b, ok := m.books[symbol]
	if !ok {
		return nil, nil, nil
	}

	// 成交量预算: 限制单根K线内的总成交量
	budget := decimal.Zero
	limited := m.volumeLimit.IsPositive()
	if limited {
		budget = m.volumeLimit.Mul(bar.Volume)
	}

	var fills []models.Fill
	var unfilled []Unfilled

	settle := func(o *Order, price decimal.Decimal, feeRate decimal.Decimal) (bool, error) {
		qty := o.Remaining()
		if limited {
			if !budget.IsPositive() {
				return false, nil
			}
			if qty.GreaterThan(budget) {
				qty = budget
			}
		}

		f, err := m.fill(o, pair, price, qty, feeRate, bar.CloseTime)
		if err != nil {
			return false, err
		}
		fills = append(fills, f)
		if limited {
			budget = budget.Sub(qty)
		}
		return o.Status.Terminal(), nil
	}

	// 市价单按提交顺序以开盘价成交
	for len(b.market) > 0 {
		o := b.market[0]
		done, err := settle(o, bar.Open, m.takerFee)
		if err != nil {
			var short *asset.InsufficientBalanceError
			if o.Side == models.SideBuy && errors.As(err, &short) {
				// 开盘价超出按标记价的预留，free无法补足差额:
				// 撤单释放剩余预留，回测继续
				if cerr := m.Cancel(o.ID); cerr != nil {
					return fills, unfilled, cerr
				}
				cancelled, _ := m.Get(o.ID)
				unfilled = append(unfilled, Unfilled{Order: cancelled, Err: err})
				continue
			}
			return fills, unfilled, err
		}
		if !done {
			break // 预算耗尽，剩余部分继续排队
		}
	}

	// 买单结算: 挂单价不低于本根K线最低价即成交
	for len(b.buys) > 0 {
		o := b.buys[0]
		if o.Price.LessThan(bar.Low) {
			break
		}
		done, err := settle(o, o.Price, m.makerFee)
		if err != nil {
			return fills, unfilled, err
		}
		if !done {
			break
		}
	}

	// 卖单结算: 挂单价不高于本根K线最高价即成交
	for len(b.sells) > 0 {
		o := b.sells[0]
		if o.Price.GreaterThan(bar.High) {
			break
		}
		done, err := settle(o, o.Price, m.makerFee)
		if err != nil {
			return fills, unfilled, err
		}
		if !done {
			break
		}
	}

	return fills, unfilled, nil
}

// fill 单笔成交: 生成Fill记录、落账、推进订单状态
// 手续费按到手资产收取: 买单收基础货币，卖单收计价货币
func (m *Manager) fill(o *Order, pair *models.TradingPair, price, qty, feeRate decimal.Decimal, at time.Time) (models.Fill, error) {
	var fee decimal.Decimal
	var feeCurrency string
	if o.Side == models.SideBuy {
		fee = qty.Mul(feeRate)
		feeCurrency = pair.Base
	} else {
		fee = price.Mul(qty).Mul(feeRate)
		feeCurrency = pair.Quote
	}

	f := models.Fill{
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Price:       price,
		Quantity:    qty,
		Fee:         fee,
		FeeCurrency: feeCurrency,
		Time:        at,
	}

	// 末笔成交消耗全部剩余预留，避免比例折算留下碎屑
	final := qty.Equal(o.Remaining())
	var lockedDebit decimal.Decimal
	switch {
	case final:
		lockedDebit = o.LockedAmount
	case o.Side == models.SideBuy:
		lockedDebit = o.Price.Mul(qty) // 按预留基准价折算
	default:
		lockedDebit = qty
	}

	if err := m.assets.ApplyFill(f, pair.Base, pair.Quote, lockedDebit); err != nil {
		return f, err
	}

	o.LockedAmount = o.LockedAmount.Sub(lockedDebit)
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if final {
		o.Status = models.OrderStatusFilled
		o.FilledAt = at
		m.archive(o)
	} else {
		o.Status = models.OrderStatusPartiallyFilled
	}
	return f, nil
}
