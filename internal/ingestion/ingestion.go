// Package ingestion is the idempotent ledger: it turns NDJSON record
// streams into durable executions with at-most-once semantics per unique
// key, and keeps the per-file audit trail.
package ingestion

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/trading-journal/internal/positions"
	"github.com/ksred/trading-journal/internal/types"
	"github.com/ksred/trading-journal/internal/validation"
	"github.com/ksred/trading-journal/pkg/response"
)

// ErrAmendmentAmbiguous marks an amendment whose business key matched
// zero or several stored fills. The stored records are left untouched and
// the amendment is routed to manual reconciliation.
var ErrAmendmentAmbiguous = errors.New("amendment resolution ambiguous")

// Options controls one ingestion run.
type Options struct {
	// Atomic ingests the whole file as one transaction and rolls
	// everything back on the first record error.
	Atomic bool `json:"atomic"`
	// DryRun validates records without touching the database.
	DryRun bool `json:"dry_run"`
}

// Service ingests broker record files into the ledger and triggers the
// position replay for the instruments each file touched.
type Service struct {
	db        *Database
	positions *positions.Service
}

func NewService(gormDB *gorm.DB, positionService *positions.Service) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		positions: positionService,
	}
}

// Ingest processes one NDJSON file. It always returns a summary, including
// for runs that failed validation or were rolled back; only I/O-level
// failures surface as errors.
func (s *Service) Ingest(filePath string, opts Options) (*types.IngestResult, error) {
	logger := log.With().
		Str("file", filePath).
		Bool("atomic", opts.Atomic).
		Bool("dry_run", opts.DryRun).
		Str("service", "ingestion").
		Logger()

	logger.Info().Msg("starting ingestion run")

	records, readErrs, err := readFile(filePath)
	if err != nil {
		return nil, err
	}

	result := &types.IngestResult{
		FilePath: filePath,
		DryRun:   opts.DryRun,
		Errors:   readErrs,
		Failed:   len(readErrs),
	}

	// Validate everything up front: atomic mode needs to know about any
	// record error before a single row is written.
	var accepted []*types.Execution
	for _, rec := range records {
		if rec.IsSectionHeader() {
			continue
		}
		exec, err := validation.Validate(rec, filePath)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, recordError(filePath, rec.RowIndex, err))
			logger.Warn().Int("line", rec.RowIndex).Err(err).Msg("record rejected")
			continue
		}
		accepted = append(accepted, exec)
	}

	if opts.DryRun {
		result.Inserted = len(accepted)
		logger.Info().
			Int("validated", len(accepted)).
			Int("failed", result.Failed).
			Msg("dry run complete")
		return result, nil
	}

	logEntry := &types.ProcessingLog{
		LogID:     "ING_" + uuid.New().String(),
		FilePath:  filePath,
		StartedAt: time.Now(),
		Status:    types.IngestStatusProcessing,
	}
	if err := s.db.CreateProcessingLog(logEntry); err != nil {
		return nil, fmt.Errorf("failed to create processing log: %w", err)
	}
	result.LogID = logEntry.LogID

	if opts.Atomic && result.Failed > 0 {
		// Record errors in atomic mode abort the file before any write.
		s.finalizeLog(logEntry, result, types.IngestStatusFailed,
			fmt.Sprintf("%d record(s) failed validation", result.Failed))
		logger.Error().Int("failed", result.Failed).Msg("atomic ingestion aborted by validation errors")
		return result, nil
	}

	touched := make(map[types.InstrumentKey]bool)
	if opts.Atomic {
		err = s.db.Transaction(func(tx *gorm.DB) error {
			for _, exec := range accepted {
				if err := s.applyRecord(tx, exec, result, touched); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.finalizeLog(logEntry, result, types.IngestStatusFailed, err.Error())
			logger.Error().Err(err).Msg("atomic ingestion rolled back")
			result.Inserted, result.Updated, result.SkippedDuplicates = 0, 0, 0
			result.Failed = len(accepted) + result.Failed
			return result, nil
		}
	} else {
		for _, exec := range accepted {
			err := s.db.Transaction(func(tx *gorm.DB) error {
				return s.applyRecord(tx, exec, result, touched)
			})
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, recordError(filePath, exec.SourceFileIndex, err))
				logger.Warn().Int("line", exec.SourceFileIndex).Err(err).Msg("record skipped")
			}
		}
	}

	// Replay the instruments this file touched so position state reflects
	// canonical order even when the file was a backfill.
	for key := range touched {
		if _, err := s.positions.RebuildKey(key); err != nil {
			logger.Error().
				Err(err).
				Str("symbol", key.Symbol).
				Msg("position replay failed after ingestion")
			result.Errors = append(result.Errors, types.RecordError{
				File:    filePath,
				Message: fmt.Sprintf("position replay failed for %s: %v", key.Symbol, err),
			})
		}
	}

	status := types.IngestStatusCompleted
	if result.Failed > 0 {
		status = types.IngestStatusPartial
	}
	s.finalizeLog(logEntry, result, status, "")

	logger.Info().
		Int("inserted", result.Inserted).
		Int("updated", result.Updated).
		Int("skipped_duplicates", result.SkippedDuplicates).
		Int("failed", result.Failed).
		Int("amendments_ambiguous", result.AmendmentsAmbiguous).
		Msg("ingestion run complete")
	return result, nil
}

// applyRecord writes one validated execution into the ledger.
func (s *Service) applyRecord(tx *gorm.DB, exec *types.Execution, result *types.IngestResult, touched map[types.InstrumentKey]bool) error {
	if exec.EventType == types.EventAmend {
		return s.applyAmendment(tx, exec, result, touched)
	}

	stored, err := s.db.GetByUniqueKey(tx, exec.UniqueKey)
	if err != nil {
		return err
	}

	switch {
	case stored == nil:
		if err := s.db.CreateExecution(tx, exec); err != nil {
			return err
		}
		result.Inserted++
	case stored.RawPayload == exec.RawPayload:
		// Identical replay of a known record: idempotent no-op.
		result.SkippedDuplicates++
		return nil
	default:
		// Same key, different payload. Defensive case: the new content
		// wins and the overwrite is logged as an amendment. The upsert may
		// move the row to another instrument, so the prior identity's
		// position needs a replay too.
		log.Warn().
			Str("unique_key", exec.UniqueKey).
			Str("symbol", exec.Symbol).
			Msg("unique key collision with differing payload, upserting new content")
		if stored.EventType == types.EventFill {
			touched[stored.InstrumentKey()] = true
		}
		if err := s.db.ReplaceContent(tx, stored, exec); err != nil {
			return err
		}
		result.Updated++
	}

	if exec.EventType == types.EventFill {
		touched[exec.InstrumentKey()] = true
	}
	return nil
}

// applyAmendment resolves an amend record against the stored fills by its
// business key. Anything other than exactly one candidate is ambiguous:
// logged, counted, and left alone.
func (s *Service) applyAmendment(tx *gorm.DB, amend *types.Execution, result *types.IngestResult, touched map[types.InstrumentKey]bool) error {
	candidates, err := s.db.FindAmendmentCandidates(tx, amend)
	if err != nil {
		return err
	}

	if len(candidates) != 1 {
		result.AmendmentsAmbiguous++
		result.Errors = append(result.Errors, types.RecordError{
			File:    amend.SourceFile,
			Line:    amend.SourceFileIndex,
			Message: fmt.Sprintf("%v: %d candidate(s) for %s %s qty %d", ErrAmendmentAmbiguous, len(candidates), amend.Symbol, amend.Side, amend.Qty),
		})
		log.Warn().
			Str("symbol", amend.Symbol).
			Int("candidates", len(candidates)).
			Int("line", amend.SourceFileIndex).
			Msg("amendment left for manual reconciliation")
		return nil
	}

	target := candidates[0]
	if err := s.db.ApplyAmendment(tx, &target, amend); err != nil {
		return err
	}
	result.Updated++
	touched[target.InstrumentKey()] = true
	return nil
}

func (s *Service) finalizeLog(entry *types.ProcessingLog, result *types.IngestResult, status, errMsg string) {
	now := time.Now()
	entry.CompletedAt = &now
	entry.RecordsProcessed = result.Inserted + result.Updated + result.SkippedDuplicates
	entry.RecordsFailed = result.Failed
	entry.Status = status
	entry.ErrorMessage = errMsg
	if err := s.db.UpdateProcessingLog(entry); err != nil {
		log.Error().Err(err).Str("log_id", entry.LogID).Msg("failed to finalize processing log")
	}
}

// GetProcessingLogs returns recent ingestion attempts for monitoring.
func (s *Service) GetProcessingLogs(limit int) ([]types.ProcessingLog, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.db.GetProcessingLogs(limit)
}

// readFile parses an NDJSON file into raw records, collecting per-line
// decode errors instead of stopping at the first one.
func readFile(filePath string) ([]*validation.RawRecord, []types.RecordError, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer f.Close()

	var records []*validation.RawRecord
	var errs []types.RecordError

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec validation.RawRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			errs = append(errs, types.RecordError{
				File:    filePath,
				Line:    lineNum,
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}
		if rec.RowIndex == 0 {
			rec.RowIndex = lineNum
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	return records, errs, nil
}

func recordError(file string, line int, err error) types.RecordError {
	var vErr *validation.Error
	if errors.As(err, &vErr) {
		return types.RecordError{File: vErr.File, Line: vErr.Line, Message: vErr.Error()}
	}
	return types.RecordError{File: file, Line: line, Message: err.Error()}
}

// GinHandlers contains HTTP handlers for ingestion endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// IngestHandler handles POST requests to ingest an NDJSON file.
// Request body: {"file_path": "...", "atomic": bool, "dry_run": bool}
func (h *GinHandlers) IngestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			FilePath string `json:"file_path" binding:"required"`
			Atomic   bool   `json:"atomic"`
			DryRun   bool   `json:"dry_run"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.Ingest(request.FilePath, Options{
			Atomic: request.Atomic,
			DryRun: request.DryRun,
		})
		response.Handle(c, result, err)
	}
}

// ProcessingLogHandler handles GET requests for the ingestion audit trail.
// Optional query parameter: limit
func (h *GinHandlers) ProcessingLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
				response.BadRequest(c, "limit must be an integer")
				return
			}
		}

		entries, err := h.service.GetProcessingLogs(limit)
		response.Handle(c, entries, err)
	}
}
