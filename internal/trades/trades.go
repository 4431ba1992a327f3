package trades

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/trading-journal/internal/types"
	"github.com/ksred/trading-journal/pkg/response"
)

// Service runs the trade completion pass and serves completed-trade
// queries and annotations.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// ProcessCompletedTrades replays each instrument's fill history into
// round trips and persists the ones not yet linked to a trade. Pass an
// empty symbol to process every instrument. The full-history replay makes
// the pass stateless across invocations: a window seeded by a flip's
// excess in one run still completes when its covering fill arrives in a
// later run, and re-running over settled history is a no-op.
func (s *Service) ProcessCompletedTrades(symbol string) ([]types.CompletedTrade, error) {
	logger := log.With().
		Str("symbol", symbol).
		Str("service", "trades").
		Logger()

	fills, err := s.db.GetCompletionFills(symbol)
	if err != nil {
		return nil, err
	}
	if len(fills) == 0 {
		logger.Info().Msg("no fills to process")
		return []types.CompletedTrade{}, nil
	}

	linked := make(map[uint]bool)
	for _, fill := range fills {
		if fill.CompletedTradeID != "" {
			linked[fill.ID] = true
		}
	}

	groups := groupByKey(fills)

	completed := make([]types.CompletedTrade, 0)
	for key, groupFills := range groups {
		trips, buildErr := buildRoundTrips(key, groupFills)
		for _, trip := range trips {
			if anyLinked(linked, trip.execIDs) {
				continue
			}
			if err := s.db.SaveRoundTrip(&trip.trade, trip.execIDs); err != nil {
				logger.Error().
					Err(err).
					Str("symbol", key.Symbol).
					Msg("failed to persist round trip")
				return completed, err
			}
			logger.Info().
				Str("trade_id", trip.trade.TradeID).
				Str("symbol", trip.trade.Symbol).
				Str("trade_type", trip.trade.TradeType).
				Int64("total_qty", trip.trade.TotalQty).
				Str("net_pnl", trip.trade.NetPnl.String()).
				Msg("finalized round trip")
			completed = append(completed, trip.trade)
		}
		if buildErr != nil {
			logger.Warn().
				Err(buildErr).
				Str("symbol", key.Symbol).
				Msg("completion halted for instrument, remaining fills left unlinked")
		}
	}

	logger.Info().
		Int("fills", len(fills)).
		Int("completed_trades", len(completed)).
		Msg("trade completion pass finished")
	return completed, nil
}

func anyLinked(linked map[uint]bool, execIDs []uint) bool {
	for _, id := range execIDs {
		if linked[id] {
			return true
		}
	}
	return false
}

func groupByKey(fills []types.Execution) map[types.InstrumentKey][]types.Execution {
	groups := make(map[types.InstrumentKey][]types.Execution)
	for _, fill := range fills {
		key := fill.InstrumentKey()
		groups[key] = append(groups[key], fill)
	}
	return groups
}

// GetTrades returns completed trades, optionally for one symbol.
func (s *Service) GetTrades(symbol string) ([]types.CompletedTrade, error) {
	return s.db.GetTrades(symbol)
}

// Annotate updates setup_pattern and trade_notes on a completed trade.
// Nil means leave the field alone; every other trade field is immutable
// through this path.
func (s *Service) Annotate(tradeID string, setupPattern, tradeNotes *string) (*types.CompletedTrade, error) {
	trade, err := s.db.GetTrade(tradeID)
	if err != nil || trade == nil {
		return nil, err
	}

	updates := make(map[string]interface{})
	if setupPattern != nil {
		updates["setup_pattern"] = *setupPattern
	}
	if tradeNotes != nil {
		updates["trade_notes"] = *tradeNotes
	}
	if len(updates) > 0 {
		if err := s.db.UpdateAnnotations(tradeID, updates); err != nil {
			return nil, err
		}
	}
	return s.db.GetTrade(tradeID)
}

// Summary aggregates completed trades for performance reporting.
func (s *Service) Summary(symbol string) (*types.TradeSummary, error) {
	trades, err := s.db.GetTrades(symbol)
	if err != nil {
		return nil, err
	}

	summary := &types.TradeSummary{
		TotalTrades: len(trades),
		TotalPnl:    decimal.Zero,
		AverageWin:  decimal.Zero,
		AverageLoss: decimal.Zero,
	}
	if len(trades) == 0 {
		return summary, nil
	}

	winSum, lossSum := decimal.Zero, decimal.Zero
	for _, trade := range trades {
		summary.TotalPnl = summary.TotalPnl.Add(trade.NetPnl)
		if trade.IsWinningTrade {
			summary.WinningTrades++
			winSum = winSum.Add(trade.NetPnl)
		} else {
			summary.LosingTrades++
			lossSum = lossSum.Add(trade.NetPnl)
		}
	}

	summary.WinRate = float64(summary.WinningTrades) / float64(summary.TotalTrades) * 100
	if summary.WinningTrades > 0 {
		summary.AverageWin = winSum.Div(decimal.NewFromInt(int64(summary.WinningTrades)))
	}
	if summary.LosingTrades > 0 {
		summary.AverageLoss = lossSum.Div(decimal.NewFromInt(int64(summary.LosingTrades)))
	}
	if !summary.AverageLoss.IsZero() {
		ratio, _ := summary.AverageWin.Div(summary.AverageLoss.Abs()).Float64()
		summary.ProfitFactor = ratio
	}
	return summary, nil
}

// GinHandlers contains HTTP handlers for completed-trade endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ProcessTradesHandler handles POST requests to run the completion pass.
// Optional query parameter: symbol
func (h *GinHandlers) ProcessTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Query("symbol")

		completed, err := h.service.ProcessCompletedTrades(symbol)
		response.Handle(c, completed, err)
	}
}

// GetTradesHandler handles GET requests for completed trades
func (h *GinHandlers) GetTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trades, err := h.service.GetTrades(c.Query("symbol"))
		response.Handle(c, trades, err)
	}
}

// GetSummaryHandler handles GET requests for the performance summary
func (h *GinHandlers) GetSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.service.Summary(c.Query("symbol"))
		response.Handle(c, summary, err)
	}
}

// AnnotateHandler handles PATCH requests to update a trade's annotations.
// URL parameter: trade_id. Body: {"setup_pattern": ..., "trade_notes": ...}
func (h *GinHandlers) AnnotateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")

		var request struct {
			SetupPattern *string `json:"setup_pattern"`
			TradeNotes   *string `json:"trade_notes"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.service.Annotate(tradeID, request.SetupPattern, request.TradeNotes)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if trade == nil {
			response.NotFound(c, "Trade not found")
			return
		}
		response.Success(c, trade)
	}
}
