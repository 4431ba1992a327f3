package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Event types reported by the broker converter
const (
	EventFill   = "fill"
	EventCancel = "cancel"
	EventAmend  = "amend"
)

// Instrument types
const (
	InstrumentEquity = "EQUITY"
	InstrumentOption = "OPTION"
)

// Position effects
const (
	EffectToOpen  = "TO_OPEN"
	EffectToClose = "TO_CLOSE"
)

// Trade directions
const (
	TradeTypeLong  = "LONG"
	TradeTypeShort = "SHORT"
)

// Processing log statuses
const (
	IngestStatusProcessing = "processing"
	IngestStatusCompleted  = "completed"
	IngestStatusPartial    = "partial"
	IngestStatusFailed     = "failed"
)

// Execution is one broker-reported event (fill, cancel or amend). Rows are
// immutable once ingested except for RealizedPnl and CompletedTradeID,
// which are each set exactly once by the downstream engines.
type Execution struct {
	gorm.Model      `json:"-"`
	UniqueKey       string     `gorm:"uniqueIndex" json:"unique_key"`
	ExecTimestamp   *time.Time `gorm:"index" json:"exec_timestamp"`
	EventType       string     `json:"event_type"` // fill, cancel, amend
	Symbol          string     `gorm:"index" json:"symbol"`
	InstrumentType  string     `json:"instrument_type"` // EQUITY, OPTION
	Side            string     `json:"side"`            // BUY, SELL or empty
	Qty             int64      `json:"qty"`             // signed toward side, 0 for cancels
	PositionEffect  string     `json:"position_effect"` // TO_OPEN, TO_CLOSE or empty
	Price           decimal.Decimal `gorm:"type:decimal(18,8)" json:"price"`
	NetPrice        decimal.Decimal `gorm:"type:decimal(18,8)" json:"net_price"`
	ExpDate         *time.Time      `json:"exp_date,omitempty"`
	Strike          decimal.Decimal `gorm:"type:decimal(18,4)" json:"strike,omitempty"`
	Right           string          `json:"right,omitempty"` // CALL or PUT
	SpreadType      string          `json:"spread_type,omitempty"`
	OptionKey       string          `gorm:"index" json:"option_key,omitempty"` // exp|strike|right, empty for equities
	SourceFile      string          `json:"source_file"`
	SourceFileIndex int             `json:"source_file_index"`
	RawPayload      string          `json:"raw_payload"`
	Issues          string          `json:"issues,omitempty"` // comma-separated reconciliation flags

	RealizedPnl      decimal.NullDecimal `gorm:"type:decimal(18,8)" json:"realized_pnl"`
	CompletedTradeID string              `gorm:"index" json:"completed_trade_id,omitempty"`
}

// InstrumentKey identifies the position a fill belongs to.
func (e *Execution) InstrumentKey() InstrumentKey {
	return InstrumentKey{
		Symbol:         e.Symbol,
		InstrumentType: e.InstrumentType,
		OptionKey:      e.OptionKey,
	}
}

// ExecPrice returns the price used for position math: net price when the
// converter supplied one, otherwise the raw fill price.
func (e *Execution) ExecPrice() decimal.Decimal {
	if !e.NetPrice.IsZero() {
		return e.NetPrice
	}
	return e.Price
}

// InstrumentKey scopes positions and round trips to
// (symbol, instrument type, option descriptor).
type InstrumentKey struct {
	Symbol         string `json:"symbol"`
	InstrumentType string `json:"instrument_type"`
	OptionKey      string `json:"option_key,omitempty"`
}

// Position is the running per-instrument holdings aggregate. AvgCostBasis
// changes only on opening executions; a flat position keeps its last basis
// for audit.
type Position struct {
	gorm.Model     `json:"-"`
	Symbol         string `gorm:"uniqueIndex:idx_position_key" json:"symbol"`
	InstrumentType string `gorm:"uniqueIndex:idx_position_key" json:"instrument_type"`
	OptionKey      string `gorm:"uniqueIndex:idx_position_key" json:"option_key,omitempty"`

	CurrentQty   int64           `json:"current_qty"` // positive long, negative short
	AvgCostBasis decimal.Decimal `gorm:"type:decimal(18,8)" json:"avg_cost_basis"`
	TotalCost    decimal.Decimal `gorm:"type:decimal(18,8)" json:"total_cost"`
	RealizedPnl  decimal.Decimal `gorm:"type:decimal(18,8)" json:"realized_pnl"`

	OpenedAt *time.Time `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at"` // nil while open
}

// IsOpen reports whether the position currently holds quantity.
func (p *Position) IsOpen() bool {
	return p.CurrentQty != 0
}

// CompletedTrade is one full entry-to-exit round trip. Only SetupPattern
// and TradeNotes may change after creation.
type CompletedTrade struct {
	gorm.Model     `json:"-"`
	TradeID        string `gorm:"uniqueIndex" json:"trade_id"`
	Symbol         string `gorm:"index" json:"symbol"`
	InstrumentType string `json:"instrument_type"`
	OptionKey      string `json:"option_key,omitempty"`

	TotalQty      int64           `json:"total_qty"`
	EntryAvgPrice decimal.Decimal `gorm:"type:decimal(18,8)" json:"entry_avg_price"`
	ExitAvgPrice  decimal.Decimal `gorm:"type:decimal(18,8)" json:"exit_avg_price"`
	GrossCost     decimal.Decimal `gorm:"type:decimal(18,8)" json:"gross_cost"`
	GrossProceeds decimal.Decimal `gorm:"type:decimal(18,8)" json:"gross_proceeds"`
	NetPnl        decimal.Decimal `gorm:"type:decimal(18,8)" json:"net_pnl"`

	OpenedAt            *time.Time `json:"opened_at"`
	ClosedAt            *time.Time `json:"closed_at"`
	HoldDurationSeconds int64      `json:"hold_duration_seconds"`

	IsWinningTrade bool   `json:"is_winning_trade"` // strictly positive net P&L
	TradeType      string `json:"trade_type"`       // LONG, SHORT

	SetupPattern string `json:"setup_pattern,omitempty"`
	TradeNotes   string `json:"trade_notes,omitempty"`
}

// ProcessingLog is one row per file-ingestion attempt, the audit trail
// read by external monitoring.
type ProcessingLog struct {
	gorm.Model       `json:"-"`
	LogID            string     `gorm:"uniqueIndex" json:"log_id"`
	FilePath         string     `gorm:"index" json:"file_path"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsFailed    int        `json:"records_failed"`
	Status           string     `json:"status"` // processing, completed, partial, failed
	ErrorMessage     string     `json:"error_message,omitempty"`
}
