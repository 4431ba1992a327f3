package types

import "github.com/shopspring/decimal"

// RecordError is one itemized per-record failure from an ingestion run.
type RecordError struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// IngestResult summarizes one file-ingestion run. Every run returns it,
// including dry runs and runs that were rolled back.
type IngestResult struct {
	FilePath            string        `json:"file_path"`
	LogID               string        `json:"log_id"`
	Inserted            int           `json:"inserted"`
	Updated             int           `json:"updated"`
	SkippedDuplicates   int           `json:"skipped_duplicates"`
	Failed              int           `json:"failed"`
	AmendmentsAmbiguous int           `json:"amendments_ambiguous"`
	DryRun              bool          `json:"dry_run"`
	Errors              []RecordError `json:"errors,omitempty"`
}

// TradeSummary aggregates completed trades for performance reporting.
type TradeSummary struct {
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       float64         `json:"win_rate"`
	TotalPnl      decimal.Decimal `json:"total_pnl"`
	AverageWin    decimal.Decimal `json:"average_win"`
	AverageLoss   decimal.Decimal `json:"average_loss"`
	ProfitFactor  float64         `json:"profit_factor"`
}
