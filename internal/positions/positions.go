package positions

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/trading-journal/internal/types"
	"github.com/ksred/trading-journal/pkg/response"
)

// Service replays ledger fills into position state. Positions are always
// derived by replaying an instrument's fills in canonical order, so
// backfilled files that arrive out of business order converge to the same
// state as an in-order feed.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// RebuildKey re-derives one instrument's position from its ledger fills
// inside a single transaction. The row-level write lock on the position
// row serializes concurrent ingestion runs targeting the same key.
func (s *Service) RebuildKey(key types.InstrumentKey) (*types.Position, error) {
	logger := log.With().
		Str("symbol", key.Symbol).
		Str("instrument_type", key.InstrumentType).
		Str("service", "positions").
		Logger()

	var result *types.Position
	err := s.db.Transaction(func(tx *gorm.DB) error {
		pos, err := s.db.GetOrCreatePosition(tx, key)
		if err != nil {
			return err
		}
		s.db.ResetPosition(tx, pos)

		fills, err := s.db.GetFillsForKey(tx, key)
		if err != nil {
			return err
		}

		for i := range fills {
			fill := &fills[i]
			deltas, err := Apply(pos, fill)
			if err != nil {
				return err
			}
			if err := s.recordFillPnl(tx, fill, deltas); err != nil {
				return err
			}
		}

		if err := s.db.SavePosition(tx, pos); err != nil {
			return err
		}
		result = pos
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("position replay failed")
		return nil, err
	}

	logger.Debug().
		Int64("current_qty", result.CurrentQty).
		Str("avg_cost_basis", result.AvgCostBasis.String()).
		Msg("position replayed")
	return result, nil
}

// recordFillPnl persists the realized P&L of the closing deltas onto the
// fill that produced them. Flip executions carry only the closing half.
func (s *Service) recordFillPnl(tx *gorm.DB, fill *types.Execution, deltas []Delta) error {
	var pnl decimal.NullDecimal
	for _, delta := range deltas {
		if !delta.RealizedPnl.Valid {
			continue
		}
		if pnl.Valid {
			pnl.Decimal = pnl.Decimal.Add(delta.RealizedPnl.Decimal)
		} else {
			pnl = delta.RealizedPnl
		}
	}
	if !pnl.Valid && !fill.RealizedPnl.Valid {
		return nil
	}
	fill.RealizedPnl = pnl
	return s.db.SetExecutionPnl(tx, fill.ID, pnl)
}

// Rebuild replays every instrument key in the ledger, or only those of
// one symbol. An arithmetic failure aborts that key alone; remaining keys
// are still processed.
func (s *Service) Rebuild(symbol string) (int, error) {
	logger := log.With().Str("service", "positions").Logger()

	keys, err := s.db.ListInstrumentKeys(symbol)
	if err != nil {
		return 0, err
	}

	rebuilt := 0
	var firstErr error
	for _, key := range keys {
		if _, err := s.RebuildKey(key); err != nil {
			logger.Error().
				Err(err).
				Str("symbol", key.Symbol).
				Msg("skipping instrument after replay failure")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rebuilt++
	}

	logger.Info().
		Int("instruments", len(keys)).
		Int("rebuilt", rebuilt).
		Msg("position rebuild complete")
	return rebuilt, firstErr
}

// GetPosition returns the position rows for one symbol.
func (s *Service) GetPosition(symbol string) ([]types.Position, error) {
	return s.db.GetPositionsBySymbol(symbol)
}

// GetOpenPositions returns every position currently holding quantity.
func (s *Service) GetOpenPositions() ([]types.Position, error) {
	return s.db.GetOpenPositions()
}

// GinHandlers contains HTTP handlers for position endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetOpenPositionsHandler handles GET requests for all open positions
func (h *GinHandlers) GetOpenPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.service.GetOpenPositions()
		response.Handle(c, positions, err)
	}
}

// GetPositionHandler handles GET requests for one symbol's positions
// URL parameter: symbol
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		if symbol == "" {
			response.BadRequest(c, "symbol is required")
			return
		}

		positions, err := h.service.GetPosition(symbol)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if len(positions) == 0 {
			response.NotFound(c, "no position for symbol")
			return
		}
		response.Success(c, positions)
	}
}

// RebuildHandler handles POST requests to replay the ledger into
// position state. Optional query parameter: symbol
func (h *GinHandlers) RebuildHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Query("symbol")

		rebuilt, err := h.service.Rebuild(symbol)
		if err != nil {
			var cErr *ConsistencyError
			if errors.As(err, &cErr) {
				response.InconsistentState(c, cErr.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"instruments_rebuilt": rebuilt})
	}
}
