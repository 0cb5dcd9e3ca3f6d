package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/backtrade/internal/models"

	_ "github.com/lib/pq"
)

// PostgresSource 本地数据库的历史数据源
// 通常由 binance 源下载后落库，回测时重复读取
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(connStr string) (*PostgresSource, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresSource{db: db}

	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return s, nil
}

// Klines implements data.KlineSource
func (s *PostgresSource) Klines(ctx context.Context, symbol, interval string, from, to time.Time) ([]models.Kline, error) {
	query := `
        SELECT symbol, interval, open_time, close_time,
               open, high, low, close, volume
        FROM klines
        WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time < $4
        ORDER BY open_time ASC
    `

	rows, err := s.db.QueryContext(ctx, query, symbol, interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query klines: %w", err)
	}
	defer rows.Close()

	var result []models.Kline
	for rows.Next() {
		var k models.Kline
		var open, high, low, closep, volume string
		err := rows.Scan(
			&k.Symbol,
			&k.Interval,
			&k.OpenTime,
			&k.CloseTime,
			&open,
			&high,
			&low,
			&closep,
			&volume,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan kline: %w", err)
		}
		if k.Open, err = decimal.NewFromString(open); err != nil {
			return nil, fmt.Errorf("failed to parse open price: %w", err)
		}
		if k.High, err = decimal.NewFromString(high); err != nil {
			return nil, fmt.Errorf("failed to parse high price: %w", err)
		}
		if k.Low, err = decimal.NewFromString(low); err != nil {
			return nil, fmt.Errorf("failed to parse low price: %w", err)
		}
		if k.Close, err = decimal.NewFromString(closep); err != nil {
			return nil, fmt.Errorf("failed to parse close price: %w", err)
		}
		if k.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("failed to parse volume: %w", err)
		}
		result = append(result, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating kline rows: %w", err)
	}

	return result, nil
}

// FundingRates implements data.FundingSource
func (s *PostgresSource) FundingRates(ctx context.Context, symbol string, from, to time.Time) ([]models.FundingRate, error) {
	query := `
        SELECT symbol, time, rate
        FROM funding_rates
        WHERE symbol = $1 AND time >= $2 AND time < $3
        ORDER BY time ASC
    `

	rows, err := s.db.QueryContext(ctx, query, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query funding rates: %w", err)
	}
	defer rows.Close()

	var result []models.FundingRate
	for rows.Next() {
		var fr models.FundingRate
		var rate string
		if err := rows.Scan(&fr.Symbol, &fr.Time, &rate); err != nil {
			return nil, fmt.Errorf("failed to scan funding rate: %w", err)
		}
		if fr.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("failed to parse funding rate: %w", err)
		}
		result = append(result, fr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating funding rate rows: %w", err)
	}

	return result, nil
}

// SaveKlines 落库K线，重复的(symbol, interval, open_time)覆盖
func (s *PostgresSource) SaveKlines(ctx context.Context, klines []models.Kline) error {
	query := `
        INSERT INTO klines (
            symbol, interval, open_time, close_time,
            open, high, low, close, volume
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
            close_time = EXCLUDED.close_time,
            open = EXCLUDED.open,
            high = EXCLUDED.high,
            low = EXCLUDED.low,
            close = EXCLUDED.close,
            volume = EXCLUDED.volume
    `

	for _, k := range klines {
		_, err := s.db.ExecContext(ctx, query,
			k.Symbol,
			k.Interval,
			k.OpenTime,
			k.CloseTime,
			k.Open.String(),
			k.High.String(),
			k.Low.String(),
			k.Close.String(),
			k.Volume.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to save kline: %w", err)
		}
	}
	return nil
}

// SaveFundingRates 落库资金费率
func (s *PostgresSource) SaveFundingRates(ctx context.Context, rates []models.FundingRate) error {
	query := `
        INSERT INTO funding_rates (symbol, time, rate)
        VALUES ($1, $2, $3)
        ON CONFLICT (symbol, time) DO UPDATE SET rate = EXCLUDED.rate
    `

	for _, fr := range rates {
		_, err := s.db.ExecContext(ctx, query, fr.Symbol, fr.Time, fr.Rate.String())
		if err != nil {
			return fmt.Errorf("failed to save funding rate: %w", err)
		}
	}
	return nil
}

// Close 关闭数据库连接
func (s *PostgresSource) Close() error {
	return s.db.Close()
}

func (s *PostgresSource) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS klines (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(50) NOT NULL,
			interval VARCHAR(10) NOT NULL,
			open_time TIMESTAMP NOT NULL,
			close_time TIMESTAMP NOT NULL,
			open NUMERIC(30, 12) NOT NULL,
			high NUMERIC(30, 12) NOT NULL,
			low NUMERIC(30, 12) NOT NULL,
			close NUMERIC(30, 12) NOT NULL,
			volume NUMERIC(30, 12) NOT NULL,
			UNIQUE (symbol, interval, open_time)
		)`,

		`CREATE TABLE IF NOT EXISTS funding_rates (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(50) NOT NULL,
			time TIMESTAMP NOT NULL,
			rate NUMERIC(20, 12) NOT NULL,
			UNIQUE (symbol, time)
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}
