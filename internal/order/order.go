package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/models"
)

// Order 引擎内部订单，只由订单管理器创建和修改
// 终态订单归档后不再变化
type Order struct {
	ID       uuid.UUID          `json:"id"`
	Symbol   string             `json:"symbol"`
	Side     models.Side        `json:"side"`
	Type     models.OrderType   `json:"type"`
	Price    decimal.Decimal    `json:"price"` // 限价单的挂单价；市价单记录预留基准价
	Quantity decimal.Decimal    `json:"quantity"`
	Status   models.OrderStatus `json:"status"`

	FilledQuantity decimal.Decimal `json:"filled_quantity"`

	// 预留资产: 买单锁定计价货币，卖单锁定基础货币
	LockedCurrency string          `json:"locked_currency"`
	LockedAmount   decimal.Decimal `json:"locked_amount"` // 剩余预留额度

	CreatedAt time.Time `json:"created_at"`
	FilledAt  time.Time `json:"filled_at,omitempty"`

	seq uint64 // 提交序号，同价位FIFO
}

// Remaining 未成交数量
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Intent 策略发出的下单意图，经订单管理器校验后才成为订单
type Intent struct {
	Symbol   string           `json:"symbol"`
	Side     models.Side      `json:"side"`
	Type     models.OrderType `json:"type"`
	Price    decimal.Decimal  `json:"price"`
	Quantity decimal.Decimal  `json:"quantity"`
}

// ValidationError 下单意图非法，订单被拒绝，运行继续
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid order intent: " + e.Reason
}

// OrderNotFoundError 按ID找不到订单
type OrderNotFoundError struct {
	ID uuid.UUID
}

func (e *OrderNotFoundError) Error() string {
	return "order not found: " + e.ID.String()
}

// InvalidStateError 对终态订单执行了非法操作
type InvalidStateError struct {
	ID     uuid.UUID
	Status models.OrderStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("order %s already %s", e.ID, e.Status)
}
