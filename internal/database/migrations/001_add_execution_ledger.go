package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/trading-journal/internal/types"
)

// AddExecutionLedger creates the append-mostly execution ledger and the
// file-processing audit trail.
func AddExecutionLedger(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Execution{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.ProcessingLog{}); err != nil {
		return err
	}

	// Composite index backing the canonical per-instrument replay order
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_executions_replay
		 ON executions(symbol, instrument_type, option_key, exec_timestamp, source_file_index)`,

		// Index for looking up the executions a completed trade consumed
		`CREATE INDEX IF NOT EXISTS idx_executions_trade_link
		 ON executions(completed_trade_id, event_type)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
