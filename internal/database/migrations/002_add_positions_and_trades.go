package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/trading-journal/internal/types"
)

// AddPositionsAndTrades creates the position aggregate table and the
// completed round-trip table with their query indexes.
func AddPositionsAndTrades(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Position{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.CompletedTrade{}); err != nil {
		return err
	}

	indexes := []string{
		// Open-position listing filters on quantity and closed_at
		`CREATE INDEX IF NOT EXISTS idx_positions_open
		 ON positions(current_qty, closed_at)`,

		// Completed-trade reporting sorts by close time per symbol
		`CREATE INDEX IF NOT EXISTS idx_completed_trades_symbol_closed
		 ON completed_trades(symbol, closed_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
