package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/models"
	"github.com/songzhibin97/backtrade/internal/order"
)

// Fill 交易所回报的成交，OrderID是交易所订单号
type Fill struct {
	OrderID     string
	Symbol      string
	Side        models.Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	Time        time.Time
}

// Adapter 实盘执行边界
// 驱动循环只通过这组方法与交易所交互，协议细节全部留在适配器内
type Adapter interface {
	// PlaceOrder 提交订单，返回交易所订单号
	PlaceOrder(ctx context.Context, intent order.Intent) (string, error)

	// CancelOrder 撤销订单
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// Balances 查询账户各货币总余额
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)

	// Events 订阅K线收盘事件，适配器负责把并发回调串行化进通道
	// ctx取消后通道关闭
	Events(ctx context.Context, symbols []string, interval string) (<-chan models.MarketEvent, error)

	// Fills 订阅本账户的成交回报流，ctx取消后通道关闭
	Fills(ctx context.Context) (<-chan Fill, error)

	// Close 释放连接
	Close() error
}
