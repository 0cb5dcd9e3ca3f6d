package data

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/backtrade/internal/models"
)

// Manager 数据管理器
// 装载各交易对的K线与资金费率序列，合并成一条时间单调不减的事件流
//
// 同一时刻的排序规则（固定策略）:
//  1. 资金费率结算先于K线，保证估值先反映资金费再进行价格驱动的撮合
//  2. 同类事件按交易对符号排序，保证回放确定性
type Manager struct {
	logger Logger

	klines  map[string][]models.Kline
	funding map[string][]models.FundingRate

	merged []models.MarketEvent
	dirty  bool
	pos    int
}

// NewManager 创建空的数据管理器
func NewManager(logger Logger) *Manager {
	return &Manager{
		logger:  logger,
		klines:  make(map[string][]models.Kline),
		funding: make(map[string][]models.FundingRate),
	}
}

// Load 装载一个交易对的历史数据
// 数据源不可读或数据不合法返回 DataError
// K线缺口允许存在，但必须上报日志，不允许静默跳过
func (m *Manager) Load(ctx context.Context, ks KlineSource, fs FundingSource, symbol, interval string, from, to time.Time) error {
	klines, err := ks.Klines(ctx, symbol, interval, from, to)
	if err != nil {
		return &DataError{Symbol: symbol, Err: fmt.Errorf("load klines: %w", err)}
	}
	if len(klines) == 0 {
		return &DataError{Symbol: symbol, Err: fmt.Errorf("no klines in [%s, %s)", from, to)}
	}
	if err := m.validateKlines(symbol, interval, klines); err != nil {
		return err
	}
	m.klines[symbol] = klines

	if fs != nil {
		rates, err := fs.FundingRates(ctx, symbol, from, to)
		if err != nil {
			return &DataError{Symbol: symbol, Err: fmt.Errorf("load funding rates: %w", err)}
		}
		for i := 1; i < len(rates); i++ {
			if rates[i].Time.Before(rates[i-1].Time) {
				return &DataError{Symbol: symbol, Err: fmt.Errorf("funding rates out of order at %s", rates[i].Time)}
			}
		}
		m.funding[symbol] = rates
	}

	m.dirty = true
	return nil
}

// validateKlines 校验排序、价格合法性并统计缺口
func (m *Manager) validateKlines(symbol, interval string, klines []models.Kline) error {
	step, err := parseInterval(interval)
	if err != nil {
		return &DataError{Symbol: symbol, Err: err}
	}

	gaps := 0
	var firstGap time.Time
	for i, k := range klines {
		if !k.Open.IsPositive() || !k.High.IsPositive() || !k.Low.IsPositive() || !k.Close.IsPositive() {
			return &DataError{Symbol: symbol, Err: fmt.Errorf("non-positive price at %s", k.OpenTime)}
		}
		if k.High.LessThan(k.Low) {
			return &DataError{Symbol: symbol, Err: fmt.Errorf("high < low at %s", k.OpenTime)}
		}
		if i == 0 {
			continue
		}
		prev := klines[i-1]
		if !k.OpenTime.After(prev.OpenTime) {
			return &DataError{Symbol: symbol, Err: fmt.Errorf("klines out of order at %s", k.OpenTime)}
		}
		if k.OpenTime.Sub(prev.OpenTime) != step {
			if gaps == 0 {
				firstGap = prev.OpenTime.Add(step)
			}
			gaps++
		}
	}
	if gaps > 0 {
		m.logger.Warn("kline gaps detected",
			"symbol", symbol,
			"interval", interval,
			"gaps", gaps,
			"first_gap", firstGap,
		)
	}
	return nil
}

// Symbols 已装载的交易对，按符号排序
func (m *Manager) Symbols() []string {
	out := make([]string, 0, len(m.klines))
	for s := range m.klines {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// rebuild 把所有序列合并排序成事件流
func (m *Manager) rebuild() {
	total := 0
	for _, ks := range m.klines {
		total += len(ks)
	}
	for _, fs := range m.funding {
		total += len(fs)
	}

	m.merged = make([]models.MarketEvent, 0, total)
	for _, symbol := range m.Symbols() {
		ks := m.klines[symbol]
		for i := range ks {
			m.merged = append(m.merged, models.MarketEvent{Kind: models.EventKline, Kline: &ks[i]})
		}
		fs := m.funding[symbol]
		for i := range fs {
			m.merged = append(m.merged, models.MarketEvent{Kind: models.EventFunding, Funding: &fs[i]})
		}
	}

	sort.SliceStable(m.merged, func(i, j int) bool {
		a, b := m.merged[i], m.merged[j]
		at, bt := a.Time(), b.Time()
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		// 同一时刻: 资金费率先于K线
		if a.Kind != b.Kind {
			return a.Kind == models.EventFunding
		}
		return a.Symbol() < b.Symbol()
	})
	m.dirty = false
	m.pos = 0
}

// Next 取下一个事件，事件时间严格单调不减
// 第二个返回值为 false 表示数据耗尽
func (m *Manager) Next() (models.MarketEvent, bool) {
	if m.dirty {
		m.rebuild()
	}
	if m.pos >= len(m.merged) {
		return models.MarketEvent{}, false
	}
	ev := m.merged[m.pos]
	m.pos++
	return ev, true
}

// Reset 回到序列起点，用于从头重放
func (m *Manager) Reset() {
	m.pos = 0
}

// Len 事件总数
func (m *Manager) Len() int {
	if m.dirty {
		m.rebuild()
	}
	return len(m.merged)
}

// parseInterval 解析K线周期，支持 1m/5m/1h/4h/1d 等写法
func parseInterval(interval string) (time.Duration, error) {
	if interval == "" {
		return 0, fmt.Errorf("empty interval")
	}
	unit := interval[len(interval)-1]
	n, err := strconv.Atoi(strings.TrimSuffix(interval, string(unit)))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad interval %q", interval)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("bad interval unit %q", interval)
	}
}
