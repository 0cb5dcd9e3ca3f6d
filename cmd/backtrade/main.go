package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/asset"
	"github.com/songzhibin97/backtrade/internal/configs"
	"github.com/songzhibin97/backtrade/internal/data"
	"github.com/songzhibin97/backtrade/internal/data/source"
	"github.com/songzhibin97/backtrade/internal/exchange"
	binanceExchange "github.com/songzhibin97/backtrade/internal/exchange/binance"
	okxExchange "github.com/songzhibin97/backtrade/internal/exchange/okx"
	"github.com/songzhibin97/backtrade/internal/models"
	"github.com/songzhibin97/backtrade/internal/order"
	"github.com/songzhibin97/backtrade/internal/report"
	"github.com/songzhibin97/backtrade/internal/runner"
	"github.com/songzhibin97/backtrade/internal/strategy"
	"github.com/songzhibin97/backtrade/internal/strategy/rebalance"
)

var (
	flagconf string

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.LevelDebug,
		ReplaceAttr: nil,
	}))
)

func init() {
	flag.StringVar(&flagconf, "conf", "configs/config.yaml", "config path, eg: -conf config.yaml")
}

func main() {
	flag.Parse()

	config, err := configs.Load(flagconf)
	if err != nil {
		log.Error("Error loading config", "err", err)
		os.Exit(1)
	}

	log.Debug("Loaded config", "mode", config.Mode, "pairs", len(config.Pairs))

	if config.Proxy != "" {
		_ = os.Setenv("HTTP_PROXY", config.Proxy)
		_ = os.Setenv("HTTPS_PROXY", config.Proxy)
		log.Debug("set proxy ok", "proxy", config.Proxy)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch config.Mode {
	case "backtest":
		err = runBacktest(ctx, config)
	case "live":
		err = runLive(ctx, config)
	case "download":
		err = runDownload(ctx, config)
	}
	if err != nil {
		log.Error("System error", "err", err)
		os.Exit(1)
	}
}

func buildPairs(config *configs.Config) map[string]*models.TradingPair {
	pairs := make(map[string]*models.TradingPair, len(config.Pairs))
	for _, p := range config.Pairs {
		pairs[p.Symbol] = &models.TradingPair{Symbol: p.Symbol, Base: p.Base, Quote: p.Quote}
	}
	return pairs
}

func buildStrategy(config *configs.Config) (strategy.Strategy, error) {
	switch config.StrategyConfig.Name {
	case "rebalance":
		rc := config.StrategyConfig.Rebalance
		if len(config.Pairs) != 1 {
			return nil, fmt.Errorf("rebalance策略只支持单个交易对")
		}
		cfg := rebalance.Config{
			Symbol:         config.Pairs[0].Symbol,
			TargetRatio:    decimal.RequireFromString(rc.TargetRatio),
			LadderNotional: decimal.RequireFromString(rc.LadderNotional),
			LadderDepth:    rc.LadderDepth,
			Trigger:        rebalance.Trigger(rc.Trigger),
		}
		if rc.DriftThreshold != "" {
			cfg.DriftThreshold = decimal.RequireFromString(rc.DriftThreshold)
		}
		if rc.Interval != "" {
			interval, err := time.ParseDuration(rc.Interval)
			if err != nil {
				return nil, fmt.Errorf("重建周期非法: %w", err)
			}
			cfg.Interval = interval
		}
		return rebalance.New(cfg), nil
	default:
		return nil, fmt.Errorf("未知策略: %q", config.StrategyConfig.Name)
	}
}

func buildWriter(config *configs.Config) (report.Writer, func(), error) {
	rc := config.ReportConfig
	if rc.ConnStr != "" {
		runID := rc.RunID
		if runID == "" {
			runID = uuid.NewString()
		}
		w, err := report.NewPostgresWriter(rc.ConnStr, runID)
		if err != nil {
			return nil, nil, err
		}
		return w, func() { _ = w.Close() }, nil
	}
	if rc.Dir != "" {
		if err := os.MkdirAll(rc.Dir, 0o755); err != nil {
			return nil, nil, err
		}
		trades, err := os.Create(filepath.Join(rc.Dir, "trades.csv"))
		if err != nil {
			return nil, nil, err
		}
		equity, err := os.Create(filepath.Join(rc.Dir, "equity.csv"))
		if err != nil {
			trades.Close()
			return nil, nil, err
		}
		w, err := report.NewCSVWriter(trades, equity)
		if err != nil {
			trades.Close()
			equity.Close()
			return nil, nil, err
		}
		return w, func() { trades.Close(); equity.Close() }, nil
	}
	return report.Discard, func() {}, nil
}

func runBacktest(ctx context.Context, config *configs.Config) error {
	bc := config.BacktestConfig
	from, to, err := bc.Range()
	if err != nil {
		return err
	}

	var ks data.KlineSource
	var fs data.FundingSource
	switch bc.Source {
	case "postgres":
		src, err := source.NewPostgresSource(config.Database.ConnStr)
		if err != nil {
			return err
		}
		defer src.Close()
		ks, fs = src, src
	case "binance":
		src := source.NewBinanceSource()
		ks, fs = src, src
	default:
		return fmt.Errorf("未知数据源: %q", bc.Source)
	}

	dm := data.NewManager(log)
	for _, p := range config.Pairs {
		if err := dm.Load(ctx, ks, fs, p.Symbol, bc.Interval, from, to); err != nil {
			return err
		}
	}
	log.Debug("loaded market data", "events", dm.Len())

	pairs := buildPairs(config)
	assets := asset.NewManager(config.Capital())
	orders := order.NewManager(assets, pairs,
		decimal.RequireFromString(orDefault(bc.MakerFee, "0")),
		decimal.RequireFromString(orDefault(bc.TakerFee, "0")))
	if bc.VolumeLimit != "" {
		orders.SetVolumeLimit(decimal.RequireFromString(bc.VolumeLimit))
	}

	strat, err := buildStrategy(config)
	if err != nil {
		return err
	}

	writer, closeWriter, err := buildWriter(config)
	if err != nil {
		return err
	}
	defer closeWriter()

	bt := runner.NewBacktest(log, dm, assets, orders, pairs, strat, config.Quote, writer)
	return bt.Run(ctx)
}

// runDownload 从交易所拉取历史数据落库，供后续回测重复使用
func runDownload(ctx context.Context, config *configs.Config) error {
	bc := config.BacktestConfig
	from, to, err := bc.Range()
	if err != nil {
		return err
	}

	store, err := source.NewPostgresSource(config.Database.ConnStr)
	if err != nil {
		return err
	}
	defer store.Close()

	remote := source.NewBinanceSource()
	for _, p := range config.Pairs {
		klines, err := remote.Klines(ctx, p.Symbol, bc.Interval, from, to)
		if err != nil {
			return err
		}
		if err := store.SaveKlines(ctx, klines); err != nil {
			return err
		}
		log.Info("saved klines", "symbol", p.Symbol, "count", len(klines))

		rates, err := remote.FundingRates(ctx, p.Symbol, from, to)
		if err != nil {
			return err
		}
		if err := store.SaveFundingRates(ctx, rates); err != nil {
			return err
		}
		log.Info("saved funding rates", "symbol", p.Symbol, "count", len(rates))
	}
	return nil
}

func runLive(ctx context.Context, config *configs.Config) error {
	pairs := buildPairs(config)

	var adapter exchange.Adapter
	ec := config.ExchangeConfig
	switch ec.Venue {
	case "binance":
		adapter = binanceExchange.NewAdapter(log, ec.APIKey, ec.SecretKey, ec.Debug)
	case "okx":
		adapter = okxExchange.NewAdapter(log, okxExchange.Credentials{
			APIKey:     ec.APIKey,
			SecretKey:  ec.SecretKey,
			Passphrase: ec.Passphrase,
		}, pairs)
	default:
		return fmt.Errorf("未知交易所: %q", ec.Venue)
	}
	defer adapter.Close()

	strat, err := buildStrategy(config)
	if err != nil {
		return err
	}

	live := runner.NewLive(log, adapter, pairs, strat, config.Quote, orDefault(ec.Interval, "1m"))
	return live.Run(ctx)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
