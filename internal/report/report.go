package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/models"
)

// BalanceLine 成交落账后的单个货币余额
type BalanceLine struct {
	Currency string          `json:"currency"`
	Free     decimal.Decimal `json:"free"`
	Locked   decimal.Decimal `json:"locked"`
}

// TradeRecord 成交流水，余额为该笔成交落账后的快照
type TradeRecord struct {
	Time        time.Time       `json:"time"`
	OrderID     uuid.UUID       `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        models.Side     `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"fee_currency"`
	Balances    []BalanceLine   `json:"balances"`
}

// EquityPoint 权益曲线采样点
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// Writer 回测结果输出
type Writer interface {
	WriteTrade(rec TradeRecord) error
	WriteEquity(p EquityPoint) error
	Flush() error
}

// Discard 丢弃全部输出，给不需要落盘的测试用
var Discard Writer = discard{}

type discard struct{}

func (discard) WriteTrade(TradeRecord) error  { return nil }
func (discard) WriteEquity(EquityPoint) error { return nil }
func (discard) Flush() error                  { return nil }

// CSVWriter 把成交流水和权益曲线写成CSV
// 同样的输入保证产生字节级一致的输出
type CSVWriter struct {
	trades *csv.Writer
	equity *csv.Writer
}

// NewCSVWriter 创建CSV输出，两个流分别写成交和权益
func NewCSVWriter(trades, equity io.Writer) (*CSVWriter, error) {
	w := &CSVWriter{
		trades: csv.NewWriter(trades),
		equity: csv.NewWriter(equity),
	}
	if err := w.trades.Write([]string{"time", "order_id", "symbol", "side", "price", "quantity", "fee", "fee_currency", "balances"}); err != nil {
		return nil, fmt.Errorf("写表头失败: %w", err)
	}
	if err := w.equity.Write([]string{"time", "equity"}); err != nil {
		return nil, fmt.Errorf("写表头失败: %w", err)
	}
	return w, nil
}

func (w *CSVWriter) WriteTrade(rec TradeRecord) error {
	return w.trades.Write([]string{
		rec.Time.UTC().Format(time.RFC3339Nano),
		rec.OrderID.String(),
		rec.Symbol,
		string(rec.Side),
		rec.Price.String(),
		rec.Quantity.String(),
		rec.Fee.String(),
		rec.FeeCurrency,
		encodeBalances(rec.Balances),
	})
}

func (w *CSVWriter) WriteEquity(p EquityPoint) error {
	return w.equity.Write([]string{
		p.Time.UTC().Format(time.RFC3339Nano),
		p.Equity.String(),
	})
}

func (w *CSVWriter) Flush() error {
	w.trades.Flush()
	w.equity.Flush()
	if err := w.trades.Error(); err != nil {
		return err
	}
	return w.equity.Error()
}

// encodeBalances 货币按字典序拼接，保证输出可复现
func encodeBalances(lines []BalanceLine) string {
	sorted := make([]BalanceLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Currency < sorted[j].Currency })

	parts := make([]string, 0, len(sorted))
	for _, l := range sorted {
		parts = append(parts, fmt.Sprintf("%s=%s/%s", l.Currency, l.Free.String(), l.Locked.String()))
	}
	return strings.Join(parts, ";")
}
