package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kline 单根K线数据，装载后不再修改
type Kline struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"` // 1m, 5m, 1h ...
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// FundingRate 资金费率结算点
// 正值表示多头支付给空头，负值表示空头支付给多头
type FundingRate struct {
	Symbol string          `json:"symbol"`
	Time   time.Time       `json:"time"`
	Rate   decimal.Decimal `json:"rate"`
}

// EventKind 市场事件类型
type EventKind int

const (
	EventKline EventKind = iota
	EventFunding
)

func (k EventKind) String() string {
	switch k {
	case EventKline:
		return "kline"
	case EventFunding:
		return "funding"
	default:
		return "unknown"
	}
}

// MarketEvent 合并时间流中的单个事件，只会携带 Kline 或 FundingRate 之一
type MarketEvent struct {
	Kind    EventKind    `json:"kind"`
	Kline   *Kline       `json:"kline,omitempty"`
	Funding *FundingRate `json:"funding,omitempty"`
}

// Time 事件时间，用于归并排序
func (e MarketEvent) Time() time.Time {
	if e.Kind == EventFunding {
		return e.Funding.Time
	}
	return e.Kline.CloseTime
}

// Symbol 事件所属交易对
func (e MarketEvent) Symbol() string {
	if e.Kind == EventFunding {
		return e.Funding.Symbol
	}
	return e.Kline.Symbol
}
