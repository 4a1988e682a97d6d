package symbols

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// MarketStore persists collected markets into a DuckDB database.
type MarketStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewMarketStore opens a DuckDB market store. dbPath may be ":memory:" for
// an in-memory database or a file path for persistent storage.
func NewMarketStore(dbPath string, logger *slog.Logger) (*MarketStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open market database: %w", err)
	}

	// Single writer, as recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &MarketStore{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize creates the markets schema. Safe to call repeatedly.
func (s *MarketStore) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS markets (
		base VARCHAR NOT NULL,
		quote VARCHAR NOT NULL,
		exchange VARCHAR NOT NULL,
		depth DOUBLE NOT NULL DEFAULT 0,
		price DOUBLE NOT NULL DEFAULT 0,
		volume DOUBLE NOT NULL DEFAULT 0,
		collected_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT markets_pk PRIMARY KEY (base, quote, exchange)
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create markets table: %w", err)
	}

	s.logger.Debug("market store initialized", "db_path", s.dbPath)
	return nil
}

// SaveMarkets upserts the markets in a single transaction. Re-collected
// markets overwrite the previous row for the same base, quote and exchange.
func (s *MarketStore) SaveMarkets(ctx context.Context, markets []Market) error {
	if len(markets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO markets (base, quote, exchange, depth, price, volume, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, market := range markets {
		if _, err := stmt.ExecContext(ctx,
			market.Base, market.Quote, market.Exchange,
			market.Depth, market.Price, market.Volume); err != nil {
			return fmt.Errorf("failed to insert market %s/%s@%s: %w",
				market.Base, market.Quote, market.Exchange, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit markets: %w", err)
	}

	s.logger.Info("markets saved", "count", len(markets))
	return nil
}

// Markets returns all stored markets ordered by depth, deepest first.
func (s *MarketStore) Markets(ctx context.Context) ([]Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT base, quote, exchange, depth, price, volume
		FROM markets
		ORDER BY depth DESC, base, quote, exchange`)
	if err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	defer rows.Close()

	var markets []Market
	for rows.Next() {
		var m Market
		if err := rows.Scan(&m.Base, &m.Quote, &m.Exchange, &m.Depth, &m.Price, &m.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan market row: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate market rows: %w", err)
	}
	return markets, nil
}

// Close releases the database handle.
func (s *MarketStore) Close() error {
	return s.db.Close()
}
