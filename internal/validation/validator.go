// Package validation normalizes raw converter records into canonical
// executions. It holds no state and never touches the database: the
// ingestion loop decides what to do with a rejected record.
package validation

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/trading-journal/internal/types"
)

// Reconciliation flags attached to accepted-but-suspect records.
const (
	IssueMissingExecTime     = "missing_exec_time"
	IssueMissingOptionFields = "missing_option_fields"
	IssueSectionHeader       = "section_header"
)

// OptionDetails is the converter's nested option descriptor.
type OptionDetails struct {
	ExpDate string  `json:"exp_date"` // YYYY-MM-DD
	Strike  float64 `json:"strike"`
	Right   string  `json:"right"` // CALL or PUT
}

// RawRecord is one untyped NDJSON line from the broker file converter.
// Everything except the provenance fields is optional; cross-field rules
// live in Validate.
type RawRecord struct {
	Section  string   `json:"section"`
	RowIndex int      `json:"row_index"`
	Raw      string   `json:"raw"`
	Issues   []string `json:"issues"`

	ExecTime *time.Time `json:"exec_time"`

	Side      *string `json:"side"`
	Qty       *int64  `json:"qty"`
	PosEffect *string `json:"pos_effect"`
	Symbol    *string `json:"symbol"`

	Exp    *string  `json:"exp"`
	Strike *float64 `json:"strike"`
	Type   *string  `json:"type"` // STOCK, CALL, PUT
	Spread *string  `json:"spread"`

	Price    *float64 `json:"price"`
	NetPrice *float64 `json:"net_price"`

	EventType *string        `json:"event_type"` // fill, cancel, amend
	AssetType *string        `json:"asset_type"` // STOCK, ETF, OPTION
	Option    *OptionDetails `json:"option"`

	SourceFile      *string `json:"source_file"`
	SourceFileIndex *int    `json:"source_file_index"`
}

// IsSectionHeader reports whether the converter marked this line as a
// section header row rather than an event.
func (r *RawRecord) IsSectionHeader() bool {
	for _, issue := range r.Issues {
		if issue == IssueSectionHeader {
			return true
		}
	}
	return false
}

// Error is a typed per-record rejection carrying enough provenance for the
// itemized ingestion report.
type Error struct {
	File   string
	Line   int
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s line %d: %s: %s", e.File, e.Line, e.Field, e.Reason)
}

func reject(file string, line int, field, reason string) *Error {
	return &Error{File: file, Line: line, Field: field, Reason: reason}
}

// Validate converts one raw record into a canonical execution or a typed
// rejection. Ambiguous option records are flagged for reconciliation and
// accepted; only structurally unusable records are rejected.
func Validate(rec *RawRecord, sourceFile string) (*types.Execution, error) {
	if rec.SourceFile != nil && *rec.SourceFile != "" {
		sourceFile = *rec.SourceFile
	}
	line := rec.RowIndex

	symbol := strings.TrimSpace(deref(rec.Symbol))
	if symbol == "" {
		return nil, reject(sourceFile, line, "symbol", "required field is empty")
	}

	eventType := deref(rec.EventType)
	if eventType == "" {
		eventType = types.EventFill
	}
	switch eventType {
	case types.EventFill, types.EventCancel, types.EventAmend:
	default:
		return nil, reject(sourceFile, line, "event_type", fmt.Sprintf("unknown value %q", eventType))
	}

	side := deref(rec.Side)
	switch side {
	case "", "BUY", "SELL":
	default:
		return nil, reject(sourceFile, line, "side", fmt.Sprintf("unknown value %q", side))
	}

	instrumentType, err := mapInstrumentType(rec, sourceFile, line)
	if err != nil {
		return nil, err
	}

	issues := append([]string(nil), rec.Issues...)

	exec := &types.Execution{
		ExecTimestamp:   rec.ExecTime,
		EventType:       eventType,
		Symbol:          symbol,
		InstrumentType:  instrumentType,
		Side:            side,
		PositionEffect:  normalizeEffect(deref(rec.PosEffect)),
		SpreadType:      deref(rec.Spread),
		SourceFile:      sourceFile,
		SourceFileIndex: rec.RowIndex,
		RawPayload:      rec.Raw,
	}
	if rec.SourceFileIndex != nil {
		exec.SourceFileIndex = *rec.SourceFileIndex
	}
	if rec.Qty != nil {
		exec.Qty = *rec.Qty
	}
	if rec.Price != nil {
		exec.Price = decimal.NewFromFloat(*rec.Price)
	}
	if rec.NetPrice != nil {
		exec.NetPrice = decimal.NewFromFloat(*rec.NetPrice)
	}

	switch exec.PositionEffect {
	case "", types.EffectToOpen, types.EffectToClose:
	default:
		return nil, reject(sourceFile, line, "pos_effect", fmt.Sprintf("unknown value %q", deref(rec.PosEffect)))
	}

	if instrumentType == types.InstrumentOption {
		exec.InstrumentType, err = applyOptionFields(exec, rec, &issues)
		if err != nil {
			return nil, reject(sourceFile, line, "option", err.Error())
		}
	}

	// Records without an execution time are kept but flagged; the replay
	// queries order them after every timestamped record for the symbol.
	if exec.ExecTimestamp == nil && eventType == types.EventFill {
		issues = appendIssue(issues, IssueMissingExecTime)
	}

	exec.Issues = strings.Join(issues, ",")
	exec.UniqueKey = UniqueKey(sourceFile, rec.RowIndex, rec.Raw)
	return exec, nil
}

// UniqueKey derives the idempotency key for a record from its provenance
// and raw content. The same line in the same file always maps to the same
// key, independent of ingestion order.
func UniqueKey(sourceFile string, rowIndex int, raw string) string {
	digest := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s:%d:%x", sourceFile, rowIndex, digest[:8])
}

func mapInstrumentType(rec *RawRecord, file string, line int) (string, error) {
	assetType := deref(rec.AssetType)
	if assetType == "" {
		// Fall back to the per-row type column.
		switch deref(rec.Type) {
		case "CALL", "PUT":
			return types.InstrumentOption, nil
		default:
			return types.InstrumentEquity, nil
		}
	}
	switch assetType {
	case "STOCK", "ETF":
		return types.InstrumentEquity, nil
	case "OPTION":
		return types.InstrumentOption, nil
	default:
		return "", reject(file, line, "asset_type", fmt.Sprintf("unknown value %q", assetType))
	}
}

// applyOptionFields fills the option descriptor. A record claiming to be an
// option but missing both strike and expiration is downgraded to EQUITY and
// flagged rather than rejected; a partially present descriptor keeps the
// OPTION type but is flagged for reconciliation.
func applyOptionFields(exec *types.Execution, rec *RawRecord, issues *[]string) (string, error) {
	expRaw := deref(rec.Exp)
	strike := rec.Strike
	right := deref(rec.Type)
	if rec.Option != nil {
		expRaw = rec.Option.ExpDate
		strike = &rec.Option.Strike
		right = rec.Option.Right
	}

	if expRaw == "" && strike == nil {
		*issues = appendIssue(*issues, IssueMissingOptionFields)
		return types.InstrumentEquity, nil
	}
	if expRaw == "" || strike == nil || (right != "CALL" && right != "PUT") {
		*issues = appendIssue(*issues, IssueMissingOptionFields)
	}

	if expRaw != "" {
		exp, err := time.Parse("2006-01-02", expRaw)
		if err != nil {
			return "", fmt.Errorf("invalid expiration date %q", expRaw)
		}
		exec.ExpDate = &exp
	}
	if strike != nil {
		exec.Strike = decimal.NewFromFloat(*strike)
	}
	exec.Right = right
	exec.OptionKey = fmt.Sprintf("%s|%s|%s", expRaw, exec.Strike.String(), right)
	return types.InstrumentOption, nil
}

func normalizeEffect(effect string) string {
	switch strings.ToUpper(strings.TrimSpace(effect)) {
	case "TO OPEN", "TO_OPEN":
		return types.EffectToOpen
	case "TO CLOSE", "TO_CLOSE":
		return types.EffectToClose
	default:
		return effect
	}
}

func appendIssue(issues []string, issue string) []string {
	for _, existing := range issues {
		if existing == issue {
			return issues
		}
	}
	return append(issues, issue)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
