package configs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// 基础配置
	Mode  string `json:"mode" yaml:"mode"`   // backtest 或 live
	Quote string `json:"quote" yaml:"quote"` // 主计价货币，权益按它折算

	Pairs []PairConfig `json:"pairs" yaml:"pairs"` // 交易对列表

	// 初始资金: 货币 -> 数量（回测模式）
	InitialCapital map[string]string `json:"initial_capital" yaml:"initial_capital"`

	BacktestConfig BacktestConfig `json:"backtest_config" yaml:"backtest_config"`
	StrategyConfig StrategyConfig `json:"strategy_config" yaml:"strategy_config"`
	Database       Database       `json:"database" yaml:"database"`
	ExchangeConfig ExchangeConfig `json:"exchange_config" yaml:"exchange_config"`
	ReportConfig   ReportConfig   `json:"report_config" yaml:"report_config"`

	Proxy string `json:"proxy" yaml:"proxy"`
}

type PairConfig struct {
	Symbol string `json:"symbol" yaml:"symbol"` // 交易对标识，如BTCUSDT
	Base   string `json:"base" yaml:"base"`     // 基础货币
	Quote  string `json:"quote" yaml:"quote"`   // 计价货币
}

type BacktestConfig struct {
	Interval string `json:"interval" yaml:"interval"` // K线周期，如1m
	From     string `json:"from" yaml:"from"`         // 起始时间 RFC3339
	To       string `json:"to" yaml:"to"`             // 结束时间 RFC3339
	Source   string `json:"source" yaml:"source"`     // 数据来源: postgres 或 binance

	MakerFee string `json:"maker_fee" yaml:"maker_fee"` // 挂单费率
	TakerFee string `json:"taker_fee" yaml:"taker_fee"` // 吃单费率

	// 单根K线可成交量占比，0表示不限制
	VolumeLimit string `json:"volume_limit" yaml:"volume_limit"`
}

type StrategyConfig struct {
	Name      string          `json:"name" yaml:"name"` // 策略名，目前支持 rebalance
	Rebalance RebalanceConfig `json:"rebalance" yaml:"rebalance"`
}

type RebalanceConfig struct {
	TargetRatio    string `json:"target_ratio" yaml:"target_ratio"`       // 目标仓位占比 (0,1)
	LadderNotional string `json:"ladder_notional" yaml:"ladder_notional"` // 每档名义金额
	LadderDepth    int    `json:"ladder_depth" yaml:"ladder_depth"`       // 买卖各挂几档
	Trigger        string `json:"trigger" yaml:"trigger"`                 // threshold 或 interval
	DriftThreshold string `json:"drift_threshold" yaml:"drift_threshold"` // threshold模式的偏离阈值
	Interval       string `json:"interval" yaml:"interval"`               // interval模式的重建周期
}

type Database struct {
	ConnStr string `json:"conn_str" yaml:"conn_str"` // 数据库连接字符串
}

type ExchangeConfig struct {
	Venue      string `json:"venue" yaml:"venue"` // binance 或 okx
	Debug      bool   `json:"debug" yaml:"debug"`
	APIKey     string `json:"api_key" yaml:"api_key"`         // 交易所API密钥
	SecretKey  string `json:"secret_key" yaml:"secret_key"`   // 交易所密钥
	Passphrase string `json:"passphrase" yaml:"passphrase"`   // OKX口令
	Interval   string `json:"interval" yaml:"interval"`       // 实盘订阅的K线周期
}

type ReportConfig struct {
	Dir     string `json:"dir" yaml:"dir"`           // CSV输出目录，空则不落盘
	ConnStr string `json:"conn_str" yaml:"conn_str"` // 结果库连接串，空则不写库
	RunID   string `json:"run_id" yaml:"run_id"`     // 本次运行标识，空则自动生成
}

// Load 读取配置文件，按扩展名区分yaml和json
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置格式: %s", path)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case "backtest", "live", "download":
	default:
		return fmt.Errorf("mode必须是backtest、live或download: %q", c.Mode)
	}
	if c.Quote == "" {
		return fmt.Errorf("quote不能为空")
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("至少配置一个交易对")
	}
	seen := make(map[string]bool, len(c.Pairs))
	for _, p := range c.Pairs {
		if p.Symbol == "" || p.Base == "" || p.Quote == "" {
			return fmt.Errorf("交易对配置不完整: %+v", p)
		}
		if seen[p.Symbol] {
			return fmt.Errorf("交易对重复: %s", p.Symbol)
		}
		seen[p.Symbol] = true
	}
	if c.Mode == "backtest" || c.Mode == "download" {
		if _, _, err := c.BacktestConfig.Range(); err != nil {
			return err
		}
	}
	if c.Mode == "backtest" {
		for currency, amount := range c.InitialCapital {
			v, err := decimal.NewFromString(amount)
			if err != nil || v.IsNegative() {
				return fmt.Errorf("初始资金非法: %s=%s", currency, amount)
			}
		}
	}
	return nil
}

// Range 解析回测时间范围
func (b BacktestConfig) Range() (time.Time, time.Time, error) {
	from, err := time.Parse(time.RFC3339, b.From)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("起始时间非法: %w", err)
	}
	to, err := time.Parse(time.RFC3339, b.To)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("结束时间非法: %w", err)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("时间范围非法: %s >= %s", b.From, b.To)
	}
	return from, to, nil
}

// Capital 解析初始资金
func (c *Config) Capital() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.InitialCapital))
	for currency, amount := range c.InitialCapital {
		out[currency] = decimal.RequireFromString(amount)
	}
	return out
}
