// Package positions maintains per-instrument position state using weighted
// average cost basis and computes realized P&L on closing executions.
package positions

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ksred/trading-journal/internal/types"
)

// ConsistencyError reports an execution whose application would violate
// the quantity/cost invariants. It aborts processing for that instrument
// only; the stored position is untouched because updates are transactional.
type ConsistencyError struct {
	Key    types.InstrumentKey
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("position consistency violation for %s %s: %s",
		e.Key.Symbol, e.Key.InstrumentType, e.Reason)
}

// Delta describes one atomic sub-operation applied to a position. A flip
// (close beyond the open quantity) yields two deltas: the full close of the
// remainder, then the open of the excess in the opposite direction.
type Delta struct {
	QtyApplied  int64 // signed change to current_qty
	RealizedPnl decimal.NullDecimal
	Opened      bool
	Closed      bool // position returned to flat
}

// Apply mutates pos with one fill and returns the resulting deltas.
// Executions for one instrument key must arrive in non-decreasing
// exec_timestamp order (ties by source_file_index); the service layer
// enforces this via the canonical replay query.
//
// Opening executions fold into the weighted average cost basis. Closing
// executions remove quantity at the stored basis and realize P&L at the
// execution price; the basis itself never changes on a close.
func Apply(pos *types.Position, exec *types.Execution) ([]Delta, error) {
	if exec.EventType != types.EventFill || exec.Qty == 0 {
		return nil, nil
	}

	price := exec.ExecPrice()
	signedQty := abs64(exec.Qty)
	if exec.Side == "SELL" {
		signedQty = -signedQty
	}

	opening := isOpening(pos, exec, signedQty)
	if opening {
		delta, err := applyOpen(pos, exec, signedQty, price)
		if err != nil {
			return nil, err
		}
		return []Delta{delta}, nil
	}
	return applyClose(pos, exec, signedQty, price)
}

// isOpening decides whether the fill extends or reduces the position.
// An explicit position effect wins; otherwise direction against the
// current quantity decides. A close against a flat position is treated as
// opening in the opposite direction (uncovered close / short sale).
func isOpening(pos *types.Position, exec *types.Execution, signedQty int64) bool {
	switch exec.PositionEffect {
	case types.EffectToOpen:
		return true
	case types.EffectToClose:
		return pos.CurrentQty == 0
	}
	if pos.CurrentQty == 0 {
		return true
	}
	return sameSign(pos.CurrentQty, signedQty)
}

func applyOpen(pos *types.Position, exec *types.Execution, signedQty int64, price decimal.Decimal) (Delta, error) {
	tradeCost := price.Mul(decimal.NewFromInt(abs64(signedQty)))
	newQty := pos.CurrentQty + signedQty

	if pos.CurrentQty != 0 && !sameSign(pos.CurrentQty, signedQty) {
		return Delta{}, &ConsistencyError{
			Key:    exec.InstrumentKey(),
			Reason: fmt.Sprintf("opening leg of %d against position of %d", signedQty, pos.CurrentQty),
		}
	}

	// A pure opening leg cannot land on zero quantity, but guard the
	// division regardless.
	if newQty == 0 {
		return Delta{}, &ConsistencyError{
			Key:    exec.InstrumentKey(),
			Reason: "opening execution would produce zero quantity",
		}
	}

	newTotalCost := pos.TotalCost.Add(tradeCost)
	pos.AvgCostBasis = newTotalCost.Div(decimal.NewFromInt(abs64(newQty)))
	pos.TotalCost = newTotalCost
	wasFlat := pos.CurrentQty == 0
	pos.CurrentQty = newQty
	if wasFlat {
		pos.OpenedAt = exec.ExecTimestamp
		pos.ClosedAt = nil
	}

	return Delta{QtyApplied: signedQty, Opened: wasFlat}, nil
}

func applyClose(pos *types.Position, exec *types.Execution, signedQty int64, price decimal.Decimal) ([]Delta, error) {
	if sameSign(pos.CurrentQty, signedQty) {
		return nil, &ConsistencyError{
			Key:    exec.InstrumentKey(),
			Reason: fmt.Sprintf("closing leg of %d runs in the direction of the open position %d", signedQty, pos.CurrentQty),
		}
	}

	closeQty := abs64(signedQty)
	held := abs64(pos.CurrentQty)
	sharesClosed := closeQty
	if sharesClosed > held {
		sharesClosed = held
	}

	costBasisRemoved := pos.AvgCostBasis.Mul(decimal.NewFromInt(sharesClosed))
	proceeds := price.Mul(decimal.NewFromInt(sharesClosed))

	// Sign convention: positive is profit regardless of direction.
	var realized decimal.Decimal
	if pos.CurrentQty > 0 {
		realized = proceeds.Sub(costBasisRemoved)
	} else {
		realized = costBasisRemoved.Sub(proceeds)
	}

	newTotalCost := pos.TotalCost.Sub(costBasisRemoved)
	if newTotalCost.IsNegative() {
		return nil, &ConsistencyError{
			Key:    exec.InstrumentKey(),
			Reason: fmt.Sprintf("closing %d shares would drive total cost negative (%s)", sharesClosed, newTotalCost),
		}
	}

	direction := int64(1)
	if pos.CurrentQty > 0 {
		direction = -1
	}
	pos.CurrentQty += direction * sharesClosed
	pos.TotalCost = newTotalCost
	pos.RealizedPnl = pos.RealizedPnl.Add(realized)

	delta := Delta{
		QtyApplied:  direction * sharesClosed,
		RealizedPnl: decimal.NullDecimal{Decimal: realized, Valid: true},
	}
	if pos.CurrentQty == 0 {
		delta.Closed = true
		pos.ClosedAt = exec.ExecTimestamp
		// AvgCostBasis is retained for audit; it is semantically stale
		// while the position is flat.
		pos.TotalCost = decimal.Zero
	}

	deltas := []Delta{delta}

	// Excess beyond the held quantity flips the position: the remainder
	// opens a new leg in the close's own direction at the execution price.
	if excess := closeQty - sharesClosed; excess > 0 {
		excessSigned := excess
		if signedQty < 0 {
			excessSigned = -excess
		}
		openDelta, err := applyOpen(pos, exec, excessSigned, price)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, openDelta)
	}

	return deltas, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sameSign(a, b int64) bool {
	return (a > 0) == (b > 0)
}
