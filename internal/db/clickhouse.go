package db

import (
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmehdipour/campaign-gateway/internal/config"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the analytics store, e.g.
// clickhouse://default:@localhost:9000/cgw?dial_timeout=5s&compress=true.
// An empty DSN means analytics is not configured and yields nil, nil.
func NewClickHouseConnection(c config.DatabaseConfig) (*sqlx.DB, error) {
	if c.DSN == "" {
		logger.Log.Info("clickhouse disabled: no dsn configured")
		return nil, nil
	}
	db, err := sqlx.Open("clickhouse", c.DSN)
	if err != nil {
		return nil, err
	}
	applyPool(db, c)

	if err := ping(db, c.PingTimeout, 3*time.Second); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	logger.Log.Info("clickhouse connected")
	return db, nil
}
