package asset

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/backtrade/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestManager() *Manager {
	return NewManager(map[string]decimal.Decimal{
		"USDT": d("10000"),
		"BTC":  d("1"),
	})
}

func TestManager_ReserveRelease(t *testing.T) {
	m := newTestManager()

	// 正常预留
	require.NoError(t, m.Reserve("USDT", d("4000")))
	assert.True(t, m.Get("USDT").Free.Equal(d("6000")))
	assert.True(t, m.Get("USDT").Locked.Equal(d("4000")))

	// 可用余额不足
	err := m.Reserve("USDT", d("7000"))
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "USDT", insufficient.Currency)
	assert.True(t, insufficient.Have.Equal(d("6000")))
	assert.True(t, insufficient.Need.Equal(d("7000")))

	// 释放回可用
	require.NoError(t, m.Release("USDT", d("4000")))
	assert.True(t, m.Get("USDT").Free.Equal(d("10000")))
	assert.True(t, m.Get("USDT").Locked.IsZero())

	// 释放超过锁定量属于不变量破坏
	err = m.Release("USDT", d("1"))
	var violation *models.InvariantViolation
	require.ErrorAs(t, err, &violation)
}

func TestManager_ApplyFillBuy(t *testing.T) {
	m := newTestManager()

	// 限价买单: 预留 100*10=1000 USDT，成交后到手 10 BTC 扣手续费
	require.NoError(t, m.Reserve("USDT", d("1000")))

	fill := models.Fill{
		OrderID:     uuid.New(),
		Symbol:      "BTCUSDT",
		Side:        models.SideBuy,
		Price:       d("100"),
		Quantity:    d("10"),
		Fee:         d("0.01"),
		FeeCurrency: "BTC",
		Time:        time.Now(),
	}
	require.NoError(t, m.ApplyFill(fill, "BTC", "USDT", d("1000")))

	assert.True(t, m.Get("USDT").Free.Equal(d("9000")))
	assert.True(t, m.Get("USDT").Locked.IsZero())
	assert.True(t, m.Get("BTC").Free.Equal(d("10.99")), "1 + 10 - 0.01")
}

func TestManager_ApplyFillSell(t *testing.T) {
	m := newTestManager()

	require.NoError(t, m.Reserve("BTC", d("0.5")))

	fill := models.Fill{
		OrderID:     uuid.New(),
		Symbol:      "BTCUSDT",
		Side:        models.SideSell,
		Price:       d("100"),
		Quantity:    d("0.5"),
		Fee:         d("0.05"),
		FeeCurrency: "USDT",
		Time:        time.Now(),
	}
	require.NoError(t, m.ApplyFill(fill, "BTC", "USDT", d("0.5")))

	assert.True(t, m.Get("BTC").Free.Equal(d("0.5")))
	assert.True(t, m.Get("BTC").Locked.IsZero())
	assert.True(t, m.Get("USDT").Free.Equal(d("10049.95")), "10000 + 50 - 0.05")
}

func TestManager_ApplyFillMarketBuyAdjust(t *testing.T) {
	// 市价买单按标记价预留，成交价高于预留价时差额从free补足
	m := newTestManager()
	require.NoError(t, m.Reserve("USDT", d("1000"))) // 按标记价100预留

	fill := models.Fill{
		Side:     models.SideBuy,
		Price:    d("102"), // 实际开盘价
		Quantity: d("10"),
		Time:     time.Now(),
	}
	require.NoError(t, m.ApplyFill(fill, "BTC", "USDT", d("1000")))

	// 1020 成交额 = 1000 预留 + 20 free
	assert.True(t, m.Get("USDT").Free.Equal(d("8980")))
	assert.True(t, m.Get("USDT").Locked.IsZero())
	assert.True(t, m.Get("BTC").Free.Equal(d("11")))
}

func TestManager_ApplyFillLockedShort(t *testing.T) {
	m := newTestManager()

	fill := models.Fill{
		Side:     models.SideSell,
		Price:    d("100"),
		Quantity: d("0.5"),
	}
	// 未预留直接结算属于不变量破坏
	err := m.ApplyFill(fill, "BTC", "USDT", d("0.5"))
	var violation *models.InvariantViolation
	require.ErrorAs(t, err, &violation)
}

func TestManager_ApplyFillFreeShortRecoverable(t *testing.T) {
	// 市价买单预留后free所剩无几，开盘价高出预留基准太多时
	// 差额补不上: 属于行情导致的余额不足而非账本缺陷，且不落账
	m := newTestManager()
	require.NoError(t, m.Reserve("USDT", d("9900"))) // 按标记价100预留99个

	fill := models.Fill{
		Side:     models.SideBuy,
		Price:    d("110"),
		Quantity: d("99"),
		Time:     time.Now(),
	}
	err := m.ApplyFill(fill, "BTC", "USDT", d("9900"))
	var short *InsufficientBalanceError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "USDT", short.Currency)

	// 结算失败不得留下半截账
	assert.True(t, m.Get("USDT").Free.Equal(d("100")))
	assert.True(t, m.Get("USDT").Locked.Equal(d("9900")))
	assert.True(t, m.Get("BTC").Free.Equal(d("1")))
}

func TestManager_ApplyFunding(t *testing.T) {
	tests := []struct {
		name        string
		rate        string
		positionQty string
		wantPayment string
		wantFree    string
	}{
		{
			// 多头在正费率时付费: 1 * 100 * 0.0001 = 0.01
			name:        "long pays positive rate",
			rate:        "0.0001",
			positionQty: "1",
			wantPayment: "0.01",
			wantFree:    "9999.99",
		},
		{
			// 空头在正费率时收费
			name:        "short receives positive rate",
			rate:        "0.0001",
			positionQty: "-1",
			wantPayment: "-0.01",
			wantFree:    "10000.01",
		},
		{
			// 负费率方向反转
			name:        "long receives negative rate",
			rate:        "-0.0001",
			positionQty: "1",
			wantPayment: "-0.01",
			wantFree:    "10000.01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			payment := m.ApplyFunding("BTCUSDT", "USDT", d(tt.rate), d(tt.positionQty), d("100"), time.Now())
			assert.True(t, payment.Equal(d(tt.wantPayment)), "payment = %s", payment)
			assert.True(t, m.Get("USDT").Free.Equal(d(tt.wantFree)), "free = %s", m.Get("USDT").Free)
		})
	}
}

type recordingPolicy struct {
	events []LiquidationEvent
}

func (p *recordingPolicy) OnLiquidation(ev LiquidationEvent) {
	p.events = append(p.events, ev)
}

func TestManager_ApplyFundingLiquidation(t *testing.T) {
	m := NewManager(map[string]decimal.Decimal{"USDT": d("5")})
	policy := &recordingPolicy{}
	m.SetLiquidationPolicy(policy)

	// 应付 10 但只有 5: 触发强平，余额归零而不是变负
	payment := m.ApplyFunding("BTCUSDT", "USDT", d("0.001"), d("100"), d("100"), time.Now())
	assert.True(t, payment.Equal(d("5")))
	assert.True(t, m.Get("USDT").Free.IsZero())

	require.Len(t, policy.events, 1)
	assert.True(t, policy.events[0].Shortfall.Equal(d("5")))
	assert.Equal(t, "BTCUSDT", policy.events[0].Symbol)
	require.Len(t, m.Liquidations(), 1)
}

func TestManager_CloseAtMark(t *testing.T) {
	m := NewManager(map[string]decimal.Decimal{"BTC": d("2"), "USDT": d("10")})

	qty := m.CloseAtMark("BTC", "USDT", d("100"))
	assert.True(t, qty.Equal(d("2")))
	assert.True(t, m.Get("BTC").Free.IsZero())
	assert.True(t, m.Get("USDT").Free.Equal(d("210")))

	// 没有持仓时是空操作
	assert.True(t, m.CloseAtMark("BTC", "USDT", d("100")).IsZero())
}

func TestManager_TotalEquity(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Reserve("USDT", d("2000"))) // locked也计入权益

	price := func(currency string) (decimal.Decimal, bool) {
		if currency == "BTC" {
			return d("50000"), true
		}
		return decimal.Decimal{}, false
	}
	equity := m.TotalEquity("USDT", price)
	assert.True(t, equity.Equal(d("60000")), "10000 USDT + 1 BTC * 50000")
}

func TestManager_UnknownCurrency(t *testing.T) {
	m := newTestManager()
	err := m.Reserve("ETH", d("1"))
	var insufficient *InsufficientBalanceError
	assert.True(t, errors.As(err, &insufficient))
}
