package source

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/models"
)

const binancePageLimit = 1000

// BinanceSource 从交易所REST接口下载历史数据
// K线走现货接口，资金费率走U本位合约接口
type BinanceSource struct {
	spot    *binance.Client
	futures *futures.Client
}

func NewBinanceSource() *BinanceSource {
	// 历史行情是公开数据，不需要密钥
	return &BinanceSource{
		spot:    binance.NewClient("", ""),
		futures: futures.NewClient("", ""),
	}
}

// Klines implements data.KlineSource
// 接口单次最多返回1000根，按时间窗口分页拉取
func (b *BinanceSource) Klines(ctx context.Context, symbol, interval string, from, to time.Time) ([]models.Kline, error) {
	var result []models.Kline
	cursor := from

	for cursor.Before(to) {
		raw, err := b.spot.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(cursor.UnixMilli()).
			EndTime(to.UnixMilli()).
			Limit(binancePageLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch klines: %w", err)
		}
		if len(raw) == 0 {
			break
		}

		for _, rk := range raw {
			k, err := convertKline(symbol, interval, rk)
			if err != nil {
				return nil, err
			}
			result = append(result, k)
		}

		next := time.UnixMilli(raw[len(raw)-1].CloseTime).UTC()
		if !next.After(cursor) {
			break
		}
		cursor = next
	}

	return result, nil
}

func convertKline(symbol, interval string, rk *binance.Kline) (models.Kline, error) {
	var k models.Kline
	var err error

	k.Symbol = symbol
	k.Interval = interval
	k.OpenTime = time.UnixMilli(rk.OpenTime).UTC()
	k.CloseTime = time.UnixMilli(rk.CloseTime).UTC()

	if k.Open, err = decimal.NewFromString(rk.Open); err != nil {
		return k, fmt.Errorf("failed to parse open price: %w", err)
	}
	if k.High, err = decimal.NewFromString(rk.High); err != nil {
		return k, fmt.Errorf("failed to parse high price: %w", err)
	}
	if k.Low, err = decimal.NewFromString(rk.Low); err != nil {
		return k, fmt.Errorf("failed to parse low price: %w", err)
	}
	if k.Close, err = decimal.NewFromString(rk.Close); err != nil {
		return k, fmt.Errorf("failed to parse close price: %w", err)
	}
	if k.Volume, err = decimal.NewFromString(rk.Volume); err != nil {
		return k, fmt.Errorf("failed to parse volume: %w", err)
	}
	return k, nil
}

// FundingRates implements data.FundingSource
func (b *BinanceSource) FundingRates(ctx context.Context, symbol string, from, to time.Time) ([]models.FundingRate, error) {
	var result []models.FundingRate
	cursor := from

	for cursor.Before(to) {
		raw, err := b.futures.NewFundingRateService().
			Symbol(symbol).
			StartTime(cursor.UnixMilli()).
			EndTime(to.UnixMilli()).
			Limit(binancePageLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch funding rates: %w", err)
		}
		if len(raw) == 0 {
			break
		}

		for _, rf := range raw {
			rate, err := decimal.NewFromString(rf.FundingRate)
			if err != nil {
				return nil, fmt.Errorf("failed to parse funding rate: %w", err)
			}
			result = append(result, models.FundingRate{
				Symbol: symbol,
				Time:   time.UnixMilli(rf.FundingTime).UTC(),
				Rate:   rate,
			})
		}

		next := time.UnixMilli(raw[len(raw)-1].FundingTime).UTC().Add(time.Millisecond)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}

	return result, nil
}
