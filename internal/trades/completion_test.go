package trades

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/trading-journal/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var aaplKey = types.InstrumentKey{Symbol: "AAPL", InstrumentType: types.InstrumentEquity}

func tripFill(id uint, ts time.Time, side string, qty int64, price string) types.Execution {
	exec := types.Execution{
		EventType:      types.EventFill,
		Symbol:         "AAPL",
		InstrumentType: types.InstrumentEquity,
		Side:           side,
		Qty:            qty,
		Price:          dec(price),
		NetPrice:       dec(price),
		ExecTimestamp:  &ts,
	}
	exec.ID = id
	return exec
}

func tripFillEffect(id uint, ts time.Time, side string, qty int64, price, effect string) types.Execution {
	exec := tripFill(id, ts, side, qty, price)
	exec.PositionEffect = effect
	return exec
}

func TestBuildRoundTripsLongWithPartialCloses(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	fills := []types.Execution{
		tripFill(1, base, "BUY", 100, "10"),
		tripFill(2, base.Add(5*time.Minute), "BUY", 100, "12"),
		tripFill(3, base.Add(30*time.Minute), "SELL", 150, "15"),
		tripFill(4, base.Add(45*time.Minute), "SELL", 50, "14"),
	}

	trips, err := buildRoundTrips(aaplKey, fills)
	if err != nil {
		t.Fatalf("buildRoundTrips: %v", err)
	}
	if len(trips) != 1 {
		t.Fatalf("trips = %d, want 1", len(trips))
	}

	trade := trips[0].trade
	if trade.TotalQty != 200 {
		t.Errorf("total_qty = %d, want 200", trade.TotalQty)
	}
	if !trade.EntryAvgPrice.Equal(dec("11")) {
		t.Errorf("entry avg = %s, want 11", trade.EntryAvgPrice)
	}
	if !trade.ExitAvgPrice.Equal(dec("14.75")) {
		t.Errorf("exit avg = %s, want 14.75", trade.ExitAvgPrice)
	}
	if !trade.GrossCost.Equal(dec("2200")) {
		t.Errorf("gross cost = %s, want 2200", trade.GrossCost)
	}
	if !trade.GrossProceeds.Equal(dec("2950")) {
		t.Errorf("gross proceeds = %s, want 2950", trade.GrossProceeds)
	}
	if !trade.NetPnl.Equal(dec("750")) {
		t.Errorf("net pnl = %s, want 750", trade.NetPnl)
	}
	if trade.TradeType != types.TradeTypeLong || !trade.IsWinningTrade {
		t.Errorf("trade = %s winning=%v, want winning LONG", trade.TradeType, trade.IsWinningTrade)
	}
	if trade.HoldDurationSeconds != 45*60 {
		t.Errorf("hold duration = %d, want 2700", trade.HoldDurationSeconds)
	}
	if len(trips[0].execIDs) != 4 {
		t.Errorf("linked executions = %d, want all 4", len(trips[0].execIDs))
	}
}

func TestBuildRoundTripsShortDirection(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	fills := []types.Execution{
		tripFill(1, base, "SELL", 200, "50"),
		tripFill(2, base.Add(time.Hour), "BUY", 200, "45"),
	}

	trips, err := buildRoundTrips(aaplKey, fills)
	if err != nil {
		t.Fatalf("buildRoundTrips: %v", err)
	}
	if len(trips) != 1 {
		t.Fatalf("trips = %d, want 1", len(trips))
	}

	trade := trips[0].trade
	if trade.TradeType != types.TradeTypeShort {
		t.Errorf("trade type = %s, want SHORT", trade.TradeType)
	}
	// For a short the BUY leg is still the cost side: proceeds 10000 in,
	// cost 9000 to cover.
	if !trade.GrossProceeds.Equal(dec("10000")) || !trade.GrossCost.Equal(dec("9000")) {
		t.Errorf("proceeds/cost = %s/%s, want 10000/9000", trade.GrossProceeds, trade.GrossCost)
	}
	if !trade.NetPnl.Equal(dec("1000")) || !trade.IsWinningTrade {
		t.Errorf("net pnl = %s winning=%v, want winning 1000", trade.NetPnl, trade.IsWinningTrade)
	}
}

func TestBuildRoundTripsFlipFinalizesOnceAndSeedsRemainder(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	fills := []types.Execution{
		tripFill(1, base, "BUY", 80, "100"),
		tripFill(2, base.Add(time.Hour), "SELL", 120, "110"),
	}

	trips, err := buildRoundTrips(aaplKey, fills)
	if err != nil {
		t.Fatalf("buildRoundTrips: %v", err)
	}
	// The excess 40 shares open a short that never closes, so only the
	// covered long finalizes.
	if len(trips) != 1 {
		t.Fatalf("trips = %d, want 1", len(trips))
	}

	trade := trips[0].trade
	if trade.TotalQty != 80 {
		t.Errorf("total_qty = %d, want 80 (covered portion only)", trade.TotalQty)
	}
	if !trade.NetPnl.Equal(dec("800")) {
		t.Errorf("net pnl = %s, want 800", trade.NetPnl)
	}

	// The flip execution links to the finalized trade exactly once.
	seen := map[uint]int{}
	for _, id := range trips[0].execIDs {
		seen[id]++
	}
	if seen[2] != 1 {
		t.Errorf("flip execution linked %d times, want 1", seen[2])
	}
}

func TestBuildRoundTripsZeroPnlIsNotWinning(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	fills := []types.Execution{
		tripFill(1, base, "BUY", 100, "10"),
		tripFill(2, base.Add(time.Minute), "SELL", 100, "10"),
	}

	trips, err := buildRoundTrips(aaplKey, fills)
	if err != nil {
		t.Fatalf("buildRoundTrips: %v", err)
	}
	if len(trips) != 1 {
		t.Fatalf("trips = %d, want 1", len(trips))
	}
	if !trips[0].trade.NetPnl.IsZero() {
		t.Errorf("net pnl = %s, want 0", trips[0].trade.NetPnl)
	}
	if trips[0].trade.IsWinningTrade {
		t.Error("breakeven trade must not count as winning")
	}
}

func TestBuildRoundTripsOpenWindowProducesNothing(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	fills := []types.Execution{
		tripFill(1, base, "BUY", 100, "10"),
		tripFill(2, base.Add(time.Minute), "SELL", 40, "11"),
	}

	trips, err := buildRoundTrips(aaplKey, fills)
	if err != nil {
		t.Fatalf("buildRoundTrips: %v", err)
	}
	if len(trips) != 0 {
		t.Errorf("trips = %d, want 0 while the position is still open", len(trips))
	}
}

// Zero-price fills carry quantity through the state machine exactly as the
// position engine applies them, so window quantity and position quantity
// cannot drift apart.
func TestBuildRoundTripsAppliesZeroPriceFills(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	fills := []types.Execution{
		tripFill(1, base, "BUY", 100, "10"),
		tripFill(2, base.Add(time.Minute), "SELL", 100, "0"),
	}

	trips, err := buildRoundTrips(aaplKey, fills)
	if err != nil {
		t.Fatalf("buildRoundTrips: %v", err)
	}
	if len(trips) != 1 {
		t.Fatalf("trips = %d, want 1 (zero-price close still flattens)", len(trips))
	}

	trade := trips[0].trade
	if !trade.NetPnl.Equal(dec("-1000")) {
		t.Errorf("net pnl = %s, want -1000", trade.NetPnl)
	}
	if !trade.ExitAvgPrice.IsZero() {
		t.Errorf("exit avg = %s, want 0", trade.ExitAvgPrice)
	}
	if len(trips[0].execIDs) != 2 {
		t.Errorf("linked executions = %d, want both fills", len(trips[0].execIDs))
	}
}

func TestBuildRoundTripsMultipleSequentialWindows(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	fills := []types.Execution{
		tripFill(1, base, "BUY", 100, "10"),
		tripFill(2, base.Add(time.Minute), "SELL", 100, "11"),
		tripFill(3, base.Add(2*time.Minute), "BUY", 50, "20"),
		tripFill(4, base.Add(3*time.Minute), "SELL", 50, "18"),
	}

	trips, err := buildRoundTrips(aaplKey, fills)
	if err != nil {
		t.Fatalf("buildRoundTrips: %v", err)
	}
	if len(trips) != 2 {
		t.Fatalf("trips = %d, want 2", len(trips))
	}
	if !trips[0].trade.NetPnl.Equal(dec("100")) || !trips[0].trade.IsWinningTrade {
		t.Errorf("first trade pnl = %s, want winning 100", trips[0].trade.NetPnl)
	}
	if !trips[1].trade.NetPnl.Equal(dec("-100")) || trips[1].trade.IsWinningTrade {
		t.Errorf("second trade pnl = %s, want losing -100", trips[1].trade.NetPnl)
	}
}

// An explicit TO_CLOSE on a flat quantity opens the opposite direction,
// matching the position engine's uncovered-close handling.
func TestBuildRoundTripsUncoveredCloseOpensShortWindow(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	fills := []types.Execution{
		tripFillEffect(1, base, "SELL", 50, "9", types.EffectToClose),
		tripFillEffect(2, base.Add(time.Hour), "BUY", 50, "8", types.EffectToClose),
	}

	trips, err := buildRoundTrips(aaplKey, fills)
	if err != nil {
		t.Fatalf("buildRoundTrips: %v", err)
	}
	if len(trips) != 1 {
		t.Fatalf("trips = %d, want 1", len(trips))
	}

	trade := trips[0].trade
	if trade.TradeType != types.TradeTypeShort {
		t.Errorf("trade type = %s, want SHORT", trade.TradeType)
	}
	if !trade.NetPnl.Equal(dec("50")) || !trade.IsWinningTrade {
		t.Errorf("net pnl = %s winning=%v, want winning 50", trade.NetPnl, trade.IsWinningTrade)
	}
}

// An explicit effect contradicting the running quantity is the same
// inconsistency the position engine rejects: the scan halts, keeping the
// trips finalized before the bad fill.
func TestBuildRoundTripsHaltsOnContradictoryEffect(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		fills     []types.Execution
		wantTrips int
	}{
		{
			name: "open against opposite direction",
			fills: []types.Execution{
				tripFillEffect(1, base, "BUY", 100, "10", types.EffectToOpen),
				tripFillEffect(2, base.Add(time.Minute), "SELL", 30, "11", types.EffectToOpen),
			},
			wantTrips: 0,
		},
		{
			name: "close in position direction",
			fills: []types.Execution{
				tripFillEffect(1, base, "BUY", 100, "10", types.EffectToOpen),
				tripFillEffect(2, base.Add(time.Minute), "BUY", 50, "11", types.EffectToClose),
			},
			wantTrips: 0,
		},
		{
			name: "bad fill after a settled round trip",
			fills: []types.Execution{
				tripFill(1, base, "BUY", 100, "10"),
				tripFill(2, base.Add(time.Minute), "SELL", 100, "12"),
				tripFillEffect(3, base.Add(2*time.Minute), "SELL", 50, "11", types.EffectToOpen),
				tripFillEffect(4, base.Add(3*time.Minute), "SELL", 20, "11", types.EffectToClose),
			},
			wantTrips: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trips, err := buildRoundTrips(aaplKey, tt.fills)
			if err == nil {
				t.Fatal("expected a consistency error")
			}
			if len(trips) != tt.wantTrips {
				t.Errorf("trips = %d, want %d finalized before the halt", len(trips), tt.wantTrips)
			}
		})
	}
}
