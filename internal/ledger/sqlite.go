package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"alphapilot/internal/logger"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SqliteStore is the gorm-backed ledger. A single instance owns the
// database; the cycle lock serializes risk-check-through-execution.
type SqliteStore struct {
	db           *gorm.DB
	startingCash decimal.Decimal
	cycleSem     chan struct{}
}

func NewSqliteStore(path string, startingCash decimal.Decimal) (*SqliteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger db path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return newSqliteStore(db, startingCash)
}

// NewSqliteStoreFromDB wires an existing gorm handle; tests use this
// with an in-memory database.
func NewSqliteStoreFromDB(db *gorm.DB, startingCash decimal.Decimal) (*SqliteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db cannot be nil")
	}
	return newSqliteStore(db, startingCash)
}

func newSqliteStore(db *gorm.DB, startingCash decimal.Decimal) (*SqliteStore, error) {
	if err := db.AutoMigrate(&tradeRecordModel{}, &portfolioSnapshotModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &SqliteStore{
		db:           db,
		startingCash: startingCash,
		cycleSem:     make(chan struct{}, 1),
	}, nil
}

// LoadPortfolio returns the latest committed snapshot, or a genesis
// portfolio holding the configured starting cash when the ledger is
// empty. A read failure aborts the caller's cycle.
func (s *SqliteStore) LoadPortfolio(ctx context.Context) (Portfolio, error) {
	var row portfolioSnapshotModel
	err := s.db.WithContext(ctx).Order("id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Portfolio{
			Cash:      s.startingCash,
			Positions: make(map[string]Position),
			AsOf:      time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return Portfolio{}, &PersistenceError{Op: "load portfolio", Err: err}
	}
	positions, err := decodePositions(row.Positions)
	if err != nil {
		return Portfolio{}, &PersistenceError{Op: "decode positions", Err: err}
	}
	return Portfolio{
		Cash:          parseDec(row.Cash),
		Positions:     positions,
		AsOf:          time.Unix(row.CreatedAtUnix, 0).UTC(),
		RealizedPnL:   parseDec(row.RealizedPnL),
		UnrealizedPnL: parseDec(row.UnrealizedPnL),
	}, nil
}

func (s *SqliteStore) SaveSnapshot(ctx context.Context, pf Portfolio, day, window, note string) error {
	positions, err := encodePositions(pf.Positions)
	if err != nil {
		return &PersistenceError{Op: "encode positions", Err: err}
	}
	row := portfolioSnapshotModel{
		Day:           day,
		Window:        window,
		Cash:          pf.Cash.String(),
		Equity:        pf.Equity(nil).String(),
		RealizedPnL:   pf.RealizedPnL.String(),
		UnrealizedPnL: pf.UnrealizedPnL.String(),
		Positions:     positions,
		Note:          note,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return &PersistenceError{Op: "save snapshot", Err: err}
	}
	return nil
}

// AppendTrade inserts the record, treating an idempotency-key conflict
// as a successful no-op rather than a duplicate line.
func (s *SqliteStore) AppendTrade(ctx context.Context, rec TradeRecord) error {
	if strings.TrimSpace(rec.IdempotencyKey) == "" {
		return &PersistenceError{Op: "append trade", Err: fmt.Errorf("empty idempotency key")}
	}
	row := fromRecord(rec)
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&row)
	if tx.Error != nil {
		return &PersistenceError{Op: "append trade", Err: tx.Error}
	}
	if tx.RowsAffected == 0 {
		logger.Debugf("ledger: trade %s already recorded, append skipped", rec.IdempotencyKey)
	}
	return nil
}

func (s *SqliteStore) HasTrade(ctx context.Context, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&tradeRecordModel{}).
		Where("idempotency_key = ?", key).Count(&count).Error
	if err != nil {
		return false, &PersistenceError{Op: "lookup trade", Err: err}
	}
	return count > 0, nil
}

// DailyRealizedLoss sums the losing side of the day's filled trades and
// reports it as a positive amount.
func (s *SqliteStore) DailyRealizedLoss(ctx context.Context, day string) (decimal.Decimal, error) {
	var rows []tradeRecordModel
	err := s.db.WithContext(ctx).
		Where("day = ? AND status = ?", day, string(StatusFilled)).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, &PersistenceError{Op: "daily realized loss", Err: err}
	}
	loss := decimal.Zero
	for _, row := range rows {
		pnl := parseDec(row.RealizedPnL)
		if pnl.IsNegative() {
			loss = loss.Add(pnl.Neg())
		}
	}
	return loss, nil
}

func (s *SqliteStore) TradesForDay(ctx context.Context, day string) ([]TradeRecord, error) {
	var rows []tradeRecordModel
	err := s.db.WithContext(ctx).Where("day = ?", day).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, &PersistenceError{Op: "trades for day", Err: err}
	}
	out := make([]TradeRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// HasSettledWindow reports whether a cycle for the given day and window
// already committed its closing snapshot. The orchestrator uses this to
// re-derive its position after a restart.
func (s *SqliteStore) HasSettledWindow(ctx context.Context, day, window string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&portfolioSnapshotModel{}).
		Where("day = ? AND window = ?", day, window).Count(&count).Error
	if err != nil {
		return false, &PersistenceError{Op: "settled window lookup", Err: err}
	}
	return count > 0, nil
}

func (s *SqliteStore) LockCycle(ctx context.Context) (func(), error) {
	select {
	case s.cycleSem <- struct{}{}:
		return func() { <-s.cycleSem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *SqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
