package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/exchange"
	"github.com/songzhibin97/backtrade/internal/models"
	"github.com/songzhibin97/backtrade/internal/order"
	"github.com/songzhibin97/backtrade/internal/utils/request"
)

const (
	restBaseURL  = "https://www.okx.com"
	wsPublicURL  = "wss://ws.okx.com:8443/ws/v5/business"
	wsPrivateURL = "wss://ws.okx.com:8443/ws/v5/private"
)

// Credentials OKX API凭证
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// Adapter implements exchange.Adapter for OKX spot
type Adapter struct {
	logger *slog.Logger
	creds  Credentials
	// instIDs 内部symbol -> OKX instId (BTCUSDT -> BTC-USDT)
	instIDs map[string]string
	symbols map[string]string
	conns   []*websocket.Conn
}

// NewAdapter 创建OKX适配器，交易对映射由pairs推导
func NewAdapter(logger *slog.Logger, creds Credentials, pairs map[string]*models.TradingPair) *Adapter {
	instIDs := make(map[string]string, len(pairs))
	symbols := make(map[string]string, len(pairs))
	for symbol, p := range pairs {
		instID := p.Base + "-" + p.Quote
		instIDs[symbol] = instID
		symbols[instID] = symbol
	}
	return &Adapter{
		logger:  logger,
		creds:   creds,
		instIDs: instIDs,
		symbols: symbols,
	}
}

type restResponse struct {
	Code string            `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}

// sign OKX REST签名: base64(HMAC-SHA256(timestamp+method+path+body))
func (a *Adapter) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(a.creds.SecretKey))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) call(ctx context.Context, method, path string, body any) (*restResponse, error) {
	var payload string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		payload = string(raw)
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	req := request.Request.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("OK-ACCESS-KEY", a.creds.APIKey).
		SetHeader("OK-ACCESS-SIGN", a.sign(timestamp, method, path, payload)).
		SetHeader("OK-ACCESS-TIMESTAMP", timestamp).
		SetHeader("OK-ACCESS-PASSPHRASE", a.creds.Passphrase)
	if payload != "" {
		req.SetBody(payload)
	}

	resp, err := req.Execute(method, restBaseURL+path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	var out restResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Code != "0" {
		return nil, fmt.Errorf("okx error %s: %s", out.Code, out.Msg)
	}
	return &out, nil
}

// PlaceOrder implements order placement for OKX
func (a *Adapter) PlaceOrder(ctx context.Context, intent order.Intent) (string, error) {
	instID, ok := a.instIDs[intent.Symbol]
	if !ok {
		return "", fmt.Errorf("unknown symbol: %s", intent.Symbol)
	}

	body := map[string]string{
		"instId": instID,
		"tdMode": "cash",
		"side":   string(intent.Side),
		"sz":     intent.Quantity.String(),
	}
	switch intent.Type {
	case models.OrderTypeLimit:
		body["ordType"] = "limit"
		body["px"] = intent.Price.String()
	case models.OrderTypeMarket:
		body["ordType"] = "market"
		// 市价买单的sz默认是计价货币金额，统一按基础货币数量下
		body["tgtCcy"] = "base_ccy"
	default:
		return "", fmt.Errorf("unsupported order type: %s", intent.Type)
	}

	resp, err := a.call(ctx, "POST", "/api/v5/trade/order", body)
	if err != nil {
		return "", fmt.Errorf("failed to place order: %w", err)
	}
	var result struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if len(resp.Data) == 0 {
		return "", fmt.Errorf("empty order response")
	}
	if err := json.Unmarshal(resp.Data[0], &result); err != nil {
		return "", fmt.Errorf("failed to decode order response: %w", err)
	}
	if result.SCode != "0" {
		return "", fmt.Errorf("order rejected %s: %s", result.SCode, result.SMsg)
	}
	return result.OrdID, nil
}

// CancelOrder implements order cancellation for OKX
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	instID, ok := a.instIDs[symbol]
	if !ok {
		return fmt.Errorf("unknown symbol: %s", symbol)
	}
	_, err := a.call(ctx, "POST", "/api/v5/trade/cancel-order", map[string]string{
		"instId": instID,
		"ordId":  orderID,
	})
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return nil
}

// Balances retrieves account balances
func (a *Adapter) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	resp, err := a.call(ctx, "GET", "/api/v5/account/balance", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	var account struct {
		Details []struct {
			Ccy string `json:"ccy"`
			Eq  string `json:"eq"`
		} `json:"details"`
	}
	if len(resp.Data) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	if err := json.Unmarshal(resp.Data[0], &account); err != nil {
		return nil, fmt.Errorf("failed to decode balance: %w", err)
	}

	balances := make(map[string]decimal.Decimal, len(account.Details))
	for _, d := range account.Details {
		eq, err := decimal.NewFromString(d.Eq)
		if err != nil {
			continue
		}
		if eq.IsPositive() {
			balances[d.Ccy] = eq
		}
	}
	return balances, nil
}

type wsMessage struct {
	Event string `json:"event,omitempty"`
	Code  string `json:"code,omitempty"`
	Msg   string `json:"msg,omitempty"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []json.RawMessage `json:"data"`
}

// Events 订阅K线频道，只转发已确认收盘的K线
func (a *Adapter) Events(ctx context.Context, symbols []string, interval string) (<-chan models.MarketEvent, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsPublicURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	a.conns = append(a.conns, conn)

	channel := "candle" + interval
	args := make([]map[string]string, 0, len(symbols))
	for _, symbol := range symbols {
		instID, ok := a.instIDs[symbol]
		if !ok {
			conn.Close()
			return nil, fmt.Errorf("unknown symbol: %s", symbol)
		}
		args = append(args, map[string]string{"channel": channel, "instId": instID})
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan models.MarketEvent, 256)
	go a.keepAlive(ctx, conn)
	go func() {
		defer close(out)
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					a.logger.Error("K线流断开", "error", err)
				}
				return
			}
			if msg.Event != "" {
				if msg.Event == "error" {
					a.logger.Error("订阅失败", "code", msg.Code, "msg", msg.Msg)
				}
				continue
			}
			symbol := a.symbols[msg.Arg.InstID]
			for _, raw := range msg.Data {
				k, ok := a.parseCandle(symbol, interval, raw)
				if !ok {
					continue
				}
				select {
				case out <- models.MarketEvent{Kind: models.EventKline, Kline: k}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// parseCandle OKX的K线是字符串数组: [ts,o,h,l,c,vol,...,confirm]
func (a *Adapter) parseCandle(symbol, interval string, raw json.RawMessage) (*models.Kline, bool) {
	var fields []string
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) < 9 {
		return nil, false
	}
	if fields[len(fields)-1] != "1" { // 未收盘
		return nil, false
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, false
	}
	values := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		v, err := decimal.NewFromString(fields[i+1])
		if err != nil {
			return nil, false
		}
		values[i] = v
	}
	dur, err := parseBar(interval)
	if err != nil {
		return nil, false
	}
	openTime := time.UnixMilli(ts).UTC()
	return &models.Kline{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  openTime,
		CloseTime: openTime.Add(dur),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, true
}

// Fills 登录私有频道订阅订单回报
func (a *Adapter) Fills(ctx context.Context) (<-chan exchange.Fill, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsPrivateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	a.conns = append(a.conns, conn)

	// 私有频道登录签名用unix秒时间戳
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	login := map[string]any{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":     a.creds.APIKey,
			"passphrase": a.creds.Passphrase,
			"timestamp":  timestamp,
			"sign":       a.sign(timestamp, "GET", "/users/self/verify", ""),
		}},
	}
	if err := conn.WriteJSON(login); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to login: %w", err)
	}

	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Event != "login" {
		conn.Close()
		return nil, fmt.Errorf("login failed: %s %s", ack.Code, ack.Msg)
	}

	subscribe := map[string]any{
		"op":   "subscribe",
		"args": []map[string]string{{"channel": "orders", "instType": "SPOT"}},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan exchange.Fill, 256)
	go a.keepAlive(ctx, conn)
	go func() {
		defer close(out)
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					a.logger.Error("订单回报流断开", "error", err)
				}
				return
			}
			if msg.Event != "" || msg.Arg.Channel != "orders" {
				continue
			}
			for _, raw := range msg.Data {
				fill, ok := a.parseOrderUpdate(raw)
				if !ok {
					continue
				}
				select {
				case out <- fill:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) parseOrderUpdate(raw json.RawMessage) (exchange.Fill, bool) {
	var u struct {
		InstID  string `json:"instId"`
		OrdID   string `json:"ordId"`
		Side    string `json:"side"`
		FillSz  string `json:"fillSz"`
		FillPx  string `json:"fillPx"`
		FillFee string `json:"fillFee"`
		FeeCcy  string `json:"fillFeeCcy"`
		FillTs  string `json:"fillTime"`
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return exchange.Fill{}, false
	}
	qty, err := decimal.NewFromString(u.FillSz)
	if err != nil || !qty.IsPositive() {
		return exchange.Fill{}, false
	}
	price, err := decimal.NewFromString(u.FillPx)
	if err != nil {
		return exchange.Fill{}, false
	}
	// OKX手续费为负数表示扣除
	fee, err := decimal.NewFromString(u.FillFee)
	if err != nil {
		fee = decimal.Zero
	}
	ts, err := strconv.ParseInt(u.FillTs, 10, 64)
	if err != nil {
		return exchange.Fill{}, false
	}

	side := models.SideBuy
	if u.Side == "sell" {
		side = models.SideSell
	}
	return exchange.Fill{
		OrderID:     u.OrdID,
		Symbol:      a.symbols[u.InstID],
		Side:        side,
		Price:       price,
		Quantity:    qty,
		Fee:         fee.Abs(),
		FeeCurrency: u.FeeCcy,
		Time:        time.UnixMilli(ts).UTC(),
	}, true
}

// keepAlive OKX要求30秒内有消息，定期发ping
func (a *Adapter) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

// Close closes all websocket connections
func (a *Adapter) Close() error {
	for _, conn := range a.conns {
		conn.Close()
	}
	a.conns = nil
	return nil
}

func parseBar(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval: %s", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid interval: %s", interval)
	}
	switch interval[len(interval)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'H', 'h':
		return time.Duration(n) * time.Hour, nil
	case 'D', 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval: %s", interval)
	}
}
