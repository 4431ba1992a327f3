package ingestion

import (
	"errors"

	"gorm.io/gorm"

	"github.com/ksred/trading-journal/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetByUniqueKey returns the stored execution for an idempotency key, or
// nil when the key is unseen.
func (d *Database) GetByUniqueKey(tx *gorm.DB, uniqueKey string) (*types.Execution, error) {
	var exec types.Execution
	if err := tx.Where("unique_key = ?", uniqueKey).First(&exec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &exec, nil
}

func (d *Database) CreateExecution(tx *gorm.DB, exec *types.Execution) error {
	return tx.Create(exec).Error
}

// ReplaceContent upserts the incoming record over a stored one that shares
// its unique key but differs in payload. The stored row keeps its identity
// and any derived fields already set by the downstream engines.
func (d *Database) ReplaceContent(tx *gorm.DB, stored, incoming *types.Execution) error {
	return tx.Model(stored).Updates(map[string]interface{}{
		"exec_timestamp":    incoming.ExecTimestamp,
		"event_type":        incoming.EventType,
		"symbol":            incoming.Symbol,
		"instrument_type":   incoming.InstrumentType,
		"side":              incoming.Side,
		"qty":               incoming.Qty,
		"position_effect":   incoming.PositionEffect,
		"price":             incoming.Price,
		"net_price":         incoming.NetPrice,
		"exp_date":          incoming.ExpDate,
		"strike":            incoming.Strike,
		"right":             incoming.Right,
		"spread_type":       incoming.SpreadType,
		"option_key":        incoming.OptionKey,
		"raw_payload":       incoming.RawPayload,
		"issues":            incoming.Issues,
		"source_file_index": incoming.SourceFileIndex,
	}).Error
}

// FindAmendmentCandidates returns the stored fills matching an amendment's
// business key (symbol, exec_timestamp, side, qty).
func (d *Database) FindAmendmentCandidates(tx *gorm.DB, amend *types.Execution) ([]types.Execution, error) {
	query := tx.Where("event_type = ? AND symbol = ? AND side = ? AND qty = ?",
		types.EventFill, amend.Symbol, amend.Side, amend.Qty)
	if amend.ExecTimestamp != nil {
		query = query.Where("exec_timestamp = ?", amend.ExecTimestamp)
	} else {
		query = query.Where("exec_timestamp IS NULL")
	}

	var candidates []types.Execution
	if err := query.Find(&candidates).Error; err != nil {
		return nil, err
	}
	return candidates, nil
}

// ApplyAmendment updates the amendable fields of a resolved target fill.
func (d *Database) ApplyAmendment(tx *gorm.DB, target, amend *types.Execution) error {
	updates := map[string]interface{}{
		"raw_payload": amend.RawPayload,
	}
	if !amend.Price.IsZero() {
		updates["price"] = amend.Price
	}
	if !amend.NetPrice.IsZero() {
		updates["net_price"] = amend.NetPrice
	}
	if amend.ExecTimestamp != nil {
		updates["exec_timestamp"] = amend.ExecTimestamp
	}
	return tx.Model(target).Updates(updates).Error
}

func (d *Database) CreateProcessingLog(entry *types.ProcessingLog) error {
	return d.db.Create(entry).Error
}

func (d *Database) UpdateProcessingLog(entry *types.ProcessingLog) error {
	return d.db.Save(entry).Error
}

// GetProcessingLogs returns ingestion attempts, newest first.
func (d *Database) GetProcessingLogs(limit int) ([]types.ProcessingLog, error) {
	var entries []types.ProcessingLog
	if err := d.db.Order("started_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Transaction runs fn inside one database transaction.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}
