package positions

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/trading-journal/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// canonicalOrder is the load-bearing per-instrument replay order:
// execution time first (records without one sort last), then position in
// the source file, then ledger insertion order.
const canonicalOrder = "exec_timestamp IS NULL, exec_timestamp, source_file_index, id"

// GetFillsForKey returns every fill for one instrument key in canonical
// replay order.
func (d *Database) GetFillsForKey(tx *gorm.DB, key types.InstrumentKey) ([]types.Execution, error) {
	var fills []types.Execution
	if err := tx.
		Where("event_type = ? AND symbol = ? AND instrument_type = ? AND option_key = ?",
			types.EventFill, key.Symbol, key.InstrumentType, key.OptionKey).
		Order(canonicalOrder).
		Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

// ListInstrumentKeys returns the distinct instrument keys present in the
// ledger, optionally filtered to one symbol.
func (d *Database) ListInstrumentKeys(symbol string) ([]types.InstrumentKey, error) {
	var keys []types.InstrumentKey
	query := d.db.Model(&types.Execution{}).
		Distinct("symbol", "instrument_type", "option_key").
		Where("event_type = ?", types.EventFill)
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	if err := query.Scan(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// GetOrCreatePosition loads the position row for a key, creating a flat
// one when none exists yet.
func (d *Database) GetOrCreatePosition(tx *gorm.DB, key types.InstrumentKey) (*types.Position, error) {
	var pos types.Position
	err := tx.Where("symbol = ? AND instrument_type = ? AND option_key = ?",
		key.Symbol, key.InstrumentType, key.OptionKey).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pos = types.Position{
			Symbol:         key.Symbol,
			InstrumentType: key.InstrumentType,
			OptionKey:      key.OptionKey,
			AvgCostBasis:   decimal.Zero,
			TotalCost:      decimal.Zero,
			RealizedPnl:    decimal.Zero,
		}
		if err := tx.Create(&pos).Error; err != nil {
			return nil, err
		}
		return &pos, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (d *Database) SavePosition(tx *gorm.DB, pos *types.Position) error {
	return tx.Save(pos).Error
}

// ResetPosition returns a position row to its zero state before a replay.
func (d *Database) ResetPosition(tx *gorm.DB, pos *types.Position) {
	pos.CurrentQty = 0
	pos.AvgCostBasis = decimal.Zero
	pos.TotalCost = decimal.Zero
	pos.RealizedPnl = decimal.Zero
	pos.OpenedAt = nil
	pos.ClosedAt = nil
}

// SetExecutionPnl records the realized P&L a closing fill produced. The
// field is owned by this engine and written on every replay.
func (d *Database) SetExecutionPnl(tx *gorm.DB, execID uint, pnl decimal.NullDecimal) error {
	return tx.Model(&types.Execution{}).
		Where("id = ?", execID).
		Update("realized_pnl", pnl).Error
}

// GetOpenPositions returns every position currently holding quantity.
func (d *Database) GetOpenPositions() ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.
		Where("current_qty != 0 AND closed_at IS NULL").
		Order("symbol").
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// GetPositionsBySymbol returns all position rows for a symbol, one per
// instrument key. Returns an empty slice when the symbol is unknown.
func (d *Database) GetPositionsBySymbol(symbol string) ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.
		Where("symbol = ?", symbol).
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// Transaction runs fn inside one database transaction.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}
