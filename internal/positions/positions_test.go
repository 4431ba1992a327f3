package positions

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/trading-journal/internal/database/migrations"
	"github.com/ksred/trading-journal/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := migrations.AddExecutionLedger(db); err != nil {
		t.Fatalf("ledger migration failed: %v", err)
	}
	if err := migrations.AddPositionsAndTrades(db); err != nil {
		t.Fatalf("positions migration failed: %v", err)
	}
	return db
}

func seedFill(t *testing.T, db *gorm.DB, idx int, ts *time.Time, symbol, side string, qty int64, price string) *types.Execution {
	t.Helper()

	exec := &types.Execution{
		UniqueKey:       fmt.Sprintf("%s:%s:%d", t.Name(), symbol, idx),
		ExecTimestamp:   ts,
		EventType:       types.EventFill,
		Symbol:          symbol,
		InstrumentType:  types.InstrumentEquity,
		Side:            side,
		Qty:             qty,
		Price:           dec(price),
		NetPrice:        dec(price),
		SourceFile:      "fills.ndjson",
		SourceFileIndex: idx,
	}
	if err := db.Create(exec).Error; err != nil {
		t.Fatalf("failed to seed fill: %v", err)
	}
	return exec
}

func TestRebuildKeyReplaysLedger(t *testing.T) {
	db := newTestDB(t)
	service := NewService(db)
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	t1, t2, t3 := base, base.Add(time.Minute), base.Add(2*time.Minute)
	seedFill(t, db, 1, &t1, "AAPL", "BUY", 100, "10")
	seedFill(t, db, 2, &t2, "AAPL", "BUY", 100, "12")
	closing := seedFill(t, db, 3, &t3, "AAPL", "SELL", 150, "15")

	pos, err := service.RebuildKey(types.InstrumentKey{Symbol: "AAPL", InstrumentType: types.InstrumentEquity})
	if err != nil {
		t.Fatalf("RebuildKey: %v", err)
	}

	if pos.CurrentQty != 50 {
		t.Errorf("qty = %d, want 50", pos.CurrentQty)
	}
	if !pos.AvgCostBasis.Equal(dec("11")) {
		t.Errorf("avg cost = %s, want 11", pos.AvgCostBasis)
	}
	if !pos.RealizedPnl.Equal(dec("600")) {
		t.Errorf("realized pnl = %s, want 600", pos.RealizedPnl)
	}

	// The closing fill gets its realized P&L written back to the ledger.
	var reloaded types.Execution
	if err := db.First(&reloaded, closing.ID).Error; err != nil {
		t.Fatalf("reload closing fill: %v", err)
	}
	if !reloaded.RealizedPnl.Valid || !reloaded.RealizedPnl.Decimal.Equal(dec("600")) {
		t.Errorf("closing fill pnl = %v, want 600", reloaded.RealizedPnl)
	}
}

// Replay must order fills by execution time, not insertion order: a
// backfilled file inserted in reverse still converges to the same state.
func TestRebuildKeyIsInsertionOrderInsensitive(t *testing.T) {
	db := newTestDB(t)
	service := NewService(db)
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	// Inserted close-first: without canonical ordering this would flip
	// the position short before the opens arrive.
	t3, t2, t1 := base.Add(2*time.Minute), base.Add(time.Minute), base
	seedFill(t, db, 3, &t3, "AAPL", "SELL", 150, "15")
	seedFill(t, db, 2, &t2, "AAPL", "BUY", 100, "12")
	seedFill(t, db, 1, &t1, "AAPL", "BUY", 100, "10")

	pos, err := service.RebuildKey(types.InstrumentKey{Symbol: "AAPL", InstrumentType: types.InstrumentEquity})
	if err != nil {
		t.Fatalf("RebuildKey: %v", err)
	}
	if pos.CurrentQty != 50 {
		t.Errorf("qty = %d, want 50", pos.CurrentQty)
	}
	if !pos.RealizedPnl.Equal(dec("600")) {
		t.Errorf("realized pnl = %s, want 600", pos.RealizedPnl)
	}
}

// Fills without an execution timestamp sort after timestamped ones, then
// by position in the source file.
func TestRebuildKeyOrdersUntimestampedFillsLast(t *testing.T) {
	db := newTestDB(t)
	service := NewService(db)
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	seedFill(t, db, 5, nil, "AAPL", "SELL", 100, "13")
	seedFill(t, db, 1, &base, "AAPL", "BUY", 100, "10")

	pos, err := service.RebuildKey(types.InstrumentKey{Symbol: "AAPL", InstrumentType: types.InstrumentEquity})
	if err != nil {
		t.Fatalf("RebuildKey: %v", err)
	}
	// Open first, close second: flat with a $300 profit. The wrong order
	// would flip to a short and leave the long open.
	if pos.CurrentQty != 0 {
		t.Errorf("qty = %d, want 0", pos.CurrentQty)
	}
	if !pos.RealizedPnl.Equal(dec("300")) {
		t.Errorf("realized pnl = %s, want 300", pos.RealizedPnl)
	}
}

func TestRebuildKeyIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	service := NewService(db)
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	t2 := base.Add(time.Minute)
	seedFill(t, db, 1, &base, "AAPL", "BUY", 100, "10")
	seedFill(t, db, 2, &t2, "AAPL", "SELL", 40, "11")

	key := types.InstrumentKey{Symbol: "AAPL", InstrumentType: types.InstrumentEquity}
	first, err := service.RebuildKey(key)
	if err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	second, err := service.RebuildKey(key)
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}

	if first.CurrentQty != second.CurrentQty ||
		!first.AvgCostBasis.Equal(second.AvgCostBasis) ||
		!first.RealizedPnl.Equal(second.RealizedPnl) {
		t.Errorf("replays diverged: %+v vs %+v", first, second)
	}

	var count int64
	db.Model(&types.Position{}).Where("symbol = ?", "AAPL").Count(&count)
	if count != 1 {
		t.Errorf("position rows = %d, want 1", count)
	}
}

func TestRebuildSkipsFailingKeyAndContinues(t *testing.T) {
	db := newTestDB(t)
	service := NewService(db)
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	// BADCO carries an explicit TO_CLOSE in the direction of its open
	// position, which the engine refuses.
	t2 := base.Add(time.Minute)
	bad1 := seedFill(t, db, 1, &base, "BADCO", "BUY", 100, "10")
	bad1.PositionEffect = types.EffectToOpen
	db.Save(bad1)
	bad2 := seedFill(t, db, 2, &t2, "BADCO", "BUY", 50, "11")
	bad2.PositionEffect = types.EffectToClose
	db.Save(bad2)

	seedFill(t, db, 1, &base, "GOODCO", "BUY", 10, "5")

	rebuilt, err := service.Rebuild("")
	if err == nil {
		t.Fatal("expected the inconsistent key's error to surface")
	}
	if rebuilt != 1 {
		t.Errorf("rebuilt = %d, want 1 (the healthy key)", rebuilt)
	}

	var good types.Position
	if err := db.Where("symbol = ?", "GOODCO").First(&good).Error; err != nil {
		t.Fatalf("healthy key should still have been rebuilt: %v", err)
	}
	if good.CurrentQty != 10 {
		t.Errorf("GOODCO qty = %d, want 10", good.CurrentQty)
	}
}

func TestRebuildSeparatesInstrumentKeys(t *testing.T) {
	db := newTestDB(t)
	service := NewService(db)
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	equity := seedFill(t, db, 1, &base, "AAPL", "BUY", 100, "10")
	option := seedFill(t, db, 2, &base, "AAPL", "BUY", 2, "3.50")
	option.InstrumentType = types.InstrumentOption
	option.OptionKey = "2025-12-19|150|CALL"
	db.Save(option)
	_ = equity

	rebuilt, err := service.Rebuild("AAPL")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if rebuilt != 2 {
		t.Errorf("rebuilt = %d, want 2 keys", rebuilt)
	}

	positions, err := service.GetPosition("AAPL")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d, want separate equity and option rows", len(positions))
	}
}
