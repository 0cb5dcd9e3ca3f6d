package report

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresWriter 把回测结果写入数据库，方便跨次运行对比
type PostgresWriter struct {
	db    *sql.DB
	runID string
}

// NewPostgresWriter 连接数据库并建表，runID区分同一库里的多次回测
func NewPostgresWriter(connStr, runID string) (*PostgresWriter, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	w := &PostgresWriter{db: db, runID: runID}

	if err := w.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return w, nil
}

func (w *PostgresWriter) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id SERIAL PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			time TIMESTAMPTZ NOT NULL,
			order_id VARCHAR(36) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			price DECIMAL(30, 10) NOT NULL,
			quantity DECIMAL(30, 10) NOT NULL,
			fee DECIMAL(30, 10) NOT NULL,
			fee_currency VARCHAR(10) NOT NULL,
			balances TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS backtest_equity (
			id SERIAL PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			time TIMESTAMPTZ NOT NULL,
			equity DECIMAL(30, 10) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_trades_run ON backtest_trades(run_id, time)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_equity_run ON backtest_equity(run_id, time)`,
	}

	for _, query := range queries {
		if _, err := w.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

func (w *PostgresWriter) WriteTrade(rec TradeRecord) error {
	query := `
        INSERT INTO backtest_trades (run_id, time, order_id, symbol, side, price, quantity, fee, fee_currency, balances)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `
	_, err := w.db.Exec(query,
		w.runID, rec.Time, rec.OrderID.String(), rec.Symbol, string(rec.Side),
		rec.Price.String(), rec.Quantity.String(), rec.Fee.String(), rec.FeeCurrency,
		encodeBalances(rec.Balances),
	)
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

func (w *PostgresWriter) WriteEquity(p EquityPoint) error {
	query := `INSERT INTO backtest_equity (run_id, time, equity) VALUES ($1, $2, $3)`
	if _, err := w.db.Exec(query, w.runID, p.Time, p.Equity.String()); err != nil {
		return fmt.Errorf("failed to save equity point: %w", err)
	}
	return nil
}

func (w *PostgresWriter) Flush() error { return nil }

// Close 关闭数据库连接
func (w *PostgresWriter) Close() error { return w.db.Close() }
