package binance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/exchange"
	"github.com/songzhibin97/backtrade/internal/models"
	"github.com/songzhibin97/backtrade/internal/order"
)

// stream 一条websocket订阅的生命周期句柄
// doneC 由SDK在读循环退出后关闭，此后回调不会再被调用
type stream struct {
	stopC chan<- struct{}
	doneC <-chan struct{}
	once  sync.Once
}

// stop 通知SDK停流，幂等
func (s *stream) stop() {
	s.once.Do(func() { close(s.stopC) })
}

// wait 等读循环退出，返回后不会再有回调执行
func (s *stream) wait() {
	<-s.doneC
}

// Adapter implements exchange.Adapter for Binance spot
type Adapter struct {
	client *binance.Client
	logger *slog.Logger

	mu      sync.Mutex
	streams []*stream
}

// NewAdapter creates a new Binance adapter instance
func NewAdapter(logger *slog.Logger, apiKey, secretKey string, debug ...bool) *Adapter {
	debug = append(debug, false)
	if debug[0] {
		binance.UseTestnet = true
	}

	return &Adapter{
		client: binance.NewClient(apiKey, secretKey),
		logger: logger,
	}
}

// PlaceOrder implements order placement for Binance
func (a *Adapter) PlaceOrder(ctx context.Context, intent order.Intent) (string, error) {
	var orderType binance.OrderType
	switch intent.Type {
	case models.OrderTypeMarket:
		orderType = binance.OrderTypeMarket
	case models.OrderTypeLimit:
		orderType = binance.OrderTypeLimit
	default:
		return "", fmt.Errorf("unsupported order type: %s", intent.Type)
	}

	var side binance.SideType
	switch intent.Side {
	case models.SideBuy:
		side = binance.SideTypeBuy
	case models.SideSell:
		side = binance.SideTypeSell
	default:
		return "", fmt.Errorf("invalid side: %s", intent.Side)
	}

	svc := a.client.NewCreateOrderService().
		Symbol(intent.Symbol).
		Side(side).
		Type(orderType).
		Quantity(intent.Quantity.String())

	if orderType == binance.OrderTypeLimit {
		svc.TimeInForce(binance.TimeInForceTypeGTC)
		svc.Price(intent.Price.String())
	}

	result, err := svc.Do(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to place order: %w", err)
	}
	return strconv.FormatInt(result.OrderID, 10), nil
}

// CancelOrder implements order cancellation for Binance
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order ID: %w", err)
	}

	if _, err = a.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx); err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return nil
}

// Balances retrieves account balances, free plus locked per asset
func (a *Adapter) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	balances := make(map[string]decimal.Decimal)
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			continue
		}
		total := free.Add(locked)
		if total.IsPositive() {
			balances[b.Asset] = total
		}
	}
	return balances, nil
}

// Events 订阅各交易对的K线流，只转发已收盘的K线
// 多个websocket回调写同一个通道，由通道完成串行化
// out 只在所有读循环退出后才关闭，回调不会写已关闭的通道
func (a *Adapter) Events(ctx context.Context, symbols []string, interval string) (<-chan models.MarketEvent, error) {
	out := make(chan models.MarketEvent, 256)
	streams := make([]*stream, 0, len(symbols))

	for _, symbol := range symbols {
		handler := func(event *binance.WsKlineEvent) {
			if !event.Kline.IsFinal {
				return
			}
			k, err := convertWsKline(event)
			if err != nil {
				a.logger.Warn("丢弃无法解析的K线", "symbol", event.Symbol, "error", err)
				return
			}
			select {
			case out <- models.MarketEvent{Kind: models.EventKline, Kline: k}:
			case <-ctx.Done():
			}
		}
		errHandler := func(err error) {
			a.logger.Error("K线流断开", "symbol", symbol, "error", err)
		}

		doneC, stopC, err := binance.WsKlineServe(symbol, interval, handler, errHandler)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to subscribe klines: %w", err)
		}
		s := &stream{stopC: stopC, doneC: doneC}
		streams = append(streams, s)
		a.track(s)
	}

	go func() {
		<-ctx.Done()
		for _, s := range streams {
			s.stop()
		}
	}()
	go func() {
		for _, s := range streams {
			s.wait()
		}
		close(out)
	}()
	return out, nil
}

// Fills 通过用户数据流接收成交回报
func (a *Adapter) Fills(ctx context.Context) (<-chan exchange.Fill, error) {
	listenKey, err := a.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start user stream: %w", err)
	}

	out := make(chan exchange.Fill, 256)
	handler := func(event *binance.WsUserDataEvent) {
		if event.Event != binance.UserDataEventTypeExecutionReport {
			return
		}
		fill, ok := convertOrderUpdate(&event.OrderUpdate)
		if !ok {
			return
		}
		select {
		case out <- fill:
		case <-ctx.Done():
		}
	}
	errHandler := func(err error) {
		a.logger.Error("用户数据流断开", "error", err)
	}

	doneC, stopC, err := binance.WsUserDataServe(listenKey, handler, errHandler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe user stream: %w", err)
	}
	s := &stream{stopC: stopC, doneC: doneC}
	a.track(s)

	go func() {
		<-ctx.Done()
		s.stop()
	}()
	go func() {
		s.wait()
		close(out)
	}()

	// listenKey 60分钟过期，定期续期
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
					a.logger.Warn("续期用户数据流失败", "error", err)
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) track(s *stream) {
	a.mu.Lock()
	a.streams = append(a.streams, s)
	a.mu.Unlock()
}

// Close stops all websocket streams
// 只通知停流，不负责关闭事件通道，通道由各自的守护协程在读循环退出后关闭
func (a *Adapter) Close() error {
	a.mu.Lock()
	streams := a.streams
	a.streams = nil
	a.mu.Unlock()
	for _, s := range streams {
		s.stop()
	}
	return nil
}

func convertWsKline(event *binance.WsKlineEvent) (*models.Kline, error) {
	open, err := decimal.NewFromString(event.Kline.Open)
	if err != nil {
		return nil, err
	}
	high, err := decimal.NewFromString(event.Kline.High)
	if err != nil {
		return nil, err
	}
	low, err := decimal.NewFromString(event.Kline.Low)
	if err != nil {
		return nil, err
	}
	closep, err := decimal.NewFromString(event.Kline.Close)
	if err != nil {
		return nil, err
	}
	volume, err := decimal.NewFromString(event.Kline.Volume)
	if err != nil {
		return nil, err
	}
	return &models.Kline{
		Symbol:    event.Symbol,
		Interval:  event.Kline.Interval,
		OpenTime:  time.UnixMilli(event.Kline.StartTime).UTC(),
		CloseTime: time.UnixMilli(event.Kline.EndTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closep,
		Volume:    volume,
	}, nil
}

// convertOrderUpdate 只保留带成交量的回报
func convertOrderUpdate(u *binance.WsOrderUpdate) (exchange.Fill, bool) {
	qty, err := decimal.NewFromString(u.LatestVolume)
	if err != nil || !qty.IsPositive() {
		return exchange.Fill{}, false
	}
	price, err := decimal.NewFromString(u.LatestPrice)
	if err != nil {
		return exchange.Fill{}, false
	}
	fee, err := decimal.NewFromString(u.FeeCost)
	if err != nil {
		fee = decimal.Zero
	}

	side := models.SideBuy
	if u.Side == string(binance.SideTypeSell) {
		side = models.SideSell
	}
	return exchange.Fill{
		OrderID:     strconv.FormatInt(u.Id, 10),
		Symbol:      u.Symbol,
		Side:        side,
		Price:       price,
		Quantity:    qty,
		Fee:         fee,
		FeeCurrency: u.FeeAsset,
		Time:        time.UnixMilli(u.TransactionTime).UTC(),
	}, true
}
