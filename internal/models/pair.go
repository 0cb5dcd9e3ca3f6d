package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingPair 交易对运行时状态
// MarkPrice 只由数据管理器的事件推进，且事件时间单调不减
type TradingPair struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`  // 基础货币，如 BTC
	Quote  string `json:"quote"` // 计价货币，如 USDT

	MarkPrice decimal.Decimal `json:"mark_price"`
	MarkTime  time.Time       `json:"mark_time"`
}

// Priced 是否已经收到过至少一次报价
func (p *TradingPair) Priced() bool {
	return !p.MarkTime.IsZero()
}
