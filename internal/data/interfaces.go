package data

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/backtrade/internal/models"
)

// KlineSource 历史K线来源
type KlineSource interface {
	// Klines returns klines for [from, to), sorted by open time ascending
	Klines(ctx context.Context, symbol, interval string, from, to time.Time) ([]models.Kline, error)
}

// FundingSource 历史资金费率来源
type FundingSource interface {
	// FundingRates returns funding settlements for [from, to), sorted by time ascending
	FundingRates(ctx context.Context, symbol string, from, to time.Time) ([]models.FundingRate, error)
}

// Logger 下层包只依赖最小日志接口，*slog.Logger 直接满足
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DataError 数据装载或解析失败
// 致命错误: Runner 不允许带着坏数据进入运行态
type DataError struct {
	Symbol string
	Err    error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data error for %s: %v", e.Symbol, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}
