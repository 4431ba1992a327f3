package trades

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ksred/trading-journal/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetCompletionFills returns every fill carrying quantity in canonical
// replay order, optionally filtered to one symbol. Linked fills are
// included: the completion pass replays the whole history so a window
// seeded by a flip's excess survives across invocations, and uses the
// trade back-reference to skip trips that are already persisted.
func (d *Database) GetCompletionFills(symbol string) ([]types.Execution, error) {
	query := d.db.
		Where("event_type = ? AND qty != 0", types.EventFill)
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}

	var fills []types.Execution
	if err := query.
		Order("symbol, instrument_type, option_key").
		Order("exec_timestamp IS NULL, exec_timestamp, source_file_index, id").
		Find(&fills).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch fills for completion: %w", err)
	}
	return fills, nil
}

// SaveRoundTrip persists a completed trade and links its executions in one
// transaction. The back-reference is what makes the completion pass
// idempotent: trips whose fills are already linked are never re-persisted.
func (d *Database) SaveRoundTrip(trade *types.CompletedTrade, execIDs []uint) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("failed to save completed trade: %w", err)
		}
		if err := tx.Model(&types.Execution{}).
			Where("id IN ?", execIDs).
			Update("completed_trade_id", trade.TradeID).Error; err != nil {
			return fmt.Errorf("failed to link executions: %w", err)
		}
		return nil
	})
}

// GetTrades returns completed trades, newest close first, optionally
// filtered to one symbol.
func (d *Database) GetTrades(symbol string) ([]types.CompletedTrade, error) {
	query := d.db.Model(&types.CompletedTrade{})
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}

	var trades []types.CompletedTrade
	if err := query.Order("closed_at DESC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch completed trades: %w", err)
	}
	return trades, nil
}

func (d *Database) GetTrade(tradeID string) (*types.CompletedTrade, error) {
	var trade types.CompletedTrade
	if err := d.db.Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// UpdateAnnotations writes the two annotation fields and nothing else.
func (d *Database) UpdateAnnotations(tradeID string, updates map[string]interface{}) error {
	return d.db.Model(&types.CompletedTrade{}).
		Where("trade_id = ?", tradeID).
		Updates(updates).Error
}
