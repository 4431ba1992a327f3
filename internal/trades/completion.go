// Package trades groups ledgered executions into completed round-trip
// trades. Completion is a deferred, idempotent reconciliation pass over
// unlinked fills: ingestion and completion can run in separate invocations
// and re-running over already-linked executions is a no-op.
package trades

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ksred/trading-journal/internal/types"
)

// roundTrip is one finalized FLAT -> OPEN -> FLAT window together with the
// executions it consumed.
type roundTrip struct {
	trade   types.CompletedTrade
	execIDs []uint
}

// window accumulates an open position's legs until quantity returns to
// zero. Partial closes stay inside the window; only flat finalizes it.
type window struct {
	openSide   string
	openedQty  int64
	closedQty  int64
	buyValue   decimal.Decimal // money paid across BUY legs
	sellValue  decimal.Decimal // money received across SELL legs
	entryValue decimal.Decimal // opening legs, for the entry average
	exitValue  decimal.Decimal // closing legs, for the exit average
	openedAt   *time.Time
	closedAt   *time.Time
	execIDs    []uint
}

// buildRoundTrips runs the state machine over one instrument's fills,
// which must already be in canonical order. The whole history is replayed
// every pass so window state is reconstructed statelessly; the caller
// skips persisting trips whose executions already carry a trade link.
// A close that overshoots the open quantity finalizes the window with the
// covering portion and seeds the next window with the excess; the flip
// execution itself links to the finalized trade only. An explicit position
// effect that contradicts the running quantity is the same inconsistency
// the position engine rejects: the scan stops and the instrument's
// remaining fills stay unlinked.
func buildRoundTrips(key types.InstrumentKey, fills []types.Execution) ([]roundTrip, error) {
	var trips []roundTrip
	var w *window
	var runningQty int64

	for i := range fills {
		fill := &fills[i]
		if fill.Qty == 0 {
			continue
		}

		qty := fill.Qty
		if qty < 0 {
			qty = -qty
		}
		signed := qty
		if fill.Side == "SELL" {
			signed = -qty
		}
		price := fill.ExecPrice()

		opening, err := classify(key, fill, runningQty, signed)
		if err != nil {
			return trips, err
		}

		if opening {
			if w == nil {
				w = newWindow(fill)
			}
			w.addOpen(fill, qty, price, signed > 0)
			runningQty += signed
			continue
		}

		// Closing leg, possibly beyond the open quantity.
		covering := qty
		held := runningQty
		if held < 0 {
			held = -held
		}
		if covering > held {
			covering = held
		}
		w.addClose(fill, covering, price, signed > 0)
		if runningQty > 0 {
			runningQty -= covering
		} else {
			runningQty += covering
		}

		if runningQty == 0 {
			trips = append(trips, w.finalize(key))
			w = nil

			if excess := qty - covering; excess > 0 {
				// The flip's excess opens the next window at the same
				// price, without relinking the execution.
				w = newWindow(fill)
				w.addOpenValue(excess, price, signed > 0)
				if signed > 0 {
					w.openSide = "BUY"
					runningQty = excess
				} else {
					w.openSide = "SELL"
					runningQty = -excess
				}
			}
		}
	}

	return trips, nil
}

// classify mirrors the position engine's open/close decision so trade
// state cannot contradict position state. An explicit effect wins; a
// close against a flat quantity opens the opposite direction.
func classify(key types.InstrumentKey, fill *types.Execution, runningQty, signed int64) (bool, error) {
	switch fill.PositionEffect {
	case types.EffectToOpen:
		if runningQty != 0 && (runningQty > 0) != (signed > 0) {
			return false, fmt.Errorf("opening leg of %d against open quantity %d for %s %s",
				signed, runningQty, key.Symbol, key.InstrumentType)
		}
		return true, nil
	case types.EffectToClose:
		if runningQty != 0 && (runningQty > 0) == (signed > 0) {
			return false, fmt.Errorf("closing leg of %d runs in the direction of the open quantity %d for %s %s",
				signed, runningQty, key.Symbol, key.InstrumentType)
		}
		return runningQty == 0, nil
	}
	return runningQty == 0 || (runningQty > 0) == (signed > 0), nil
}

func newWindow(first *types.Execution) *window {
	return &window{
		openSide:   first.Side,
		buyValue:   decimal.Zero,
		sellValue:  decimal.Zero,
		entryValue: decimal.Zero,
		exitValue:  decimal.Zero,
		openedAt:   first.ExecTimestamp,
	}
}

func (w *window) addOpen(fill *types.Execution, qty int64, price decimal.Decimal, isBuy bool) {
	w.addOpenValue(qty, price, isBuy)
	if w.openedAt == nil {
		w.openedAt = fill.ExecTimestamp
	}
	w.execIDs = append(w.execIDs, fill.ID)
}

func (w *window) addOpenValue(qty int64, price decimal.Decimal, isBuy bool) {
	value := price.Mul(decimal.NewFromInt(qty))
	w.openedQty += qty
	w.entryValue = w.entryValue.Add(value)
	if isBuy {
		w.buyValue = w.buyValue.Add(value)
	} else {
		w.sellValue = w.sellValue.Add(value)
	}
}

func (w *window) addClose(fill *types.Execution, qty int64, price decimal.Decimal, isBuy bool) {
	value := price.Mul(decimal.NewFromInt(qty))
	w.closedQty += qty
	w.exitValue = w.exitValue.Add(value)
	if isBuy {
		w.buyValue = w.buyValue.Add(value)
	} else {
		w.sellValue = w.sellValue.Add(value)
	}
	w.closedAt = fill.ExecTimestamp
	w.execIDs = append(w.execIDs, fill.ID)
}

func (w *window) finalize(key types.InstrumentKey) roundTrip {
	qty := decimal.NewFromInt(w.openedQty)

	tradeType := types.TradeTypeLong
	grossCost := w.buyValue
	grossProceeds := w.sellValue
	if w.openSide == "SELL" {
		tradeType = types.TradeTypeShort
	}
	netPnl := grossProceeds.Sub(grossCost)

	trade := types.CompletedTrade{
		TradeID:        "TRD_" + uuid.New().String(),
		Symbol:         key.Symbol,
		InstrumentType: key.InstrumentType,
		OptionKey:      key.OptionKey,
		TotalQty:       w.openedQty,
		EntryAvgPrice:  w.entryValue.Div(qty),
		ExitAvgPrice:   w.exitValue.Div(decimal.NewFromInt(w.closedQty)),
		GrossCost:      grossCost,
		GrossProceeds:  grossProceeds,
		NetPnl:         netPnl,
		OpenedAt:       w.openedAt,
		ClosedAt:       w.closedAt,
		IsWinningTrade: netPnl.IsPositive(),
		TradeType:      tradeType,
	}
	if w.openedAt != nil && w.closedAt != nil {
		trade.HoldDurationSeconds = int64(w.closedAt.Sub(*w.openedAt).Seconds())
	}

	return roundTrip{trade: trade, execIDs: w.execIDs}
}
