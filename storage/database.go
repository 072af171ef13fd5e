package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Trade and signal history
// ═══════════════════════════════════════════════════════════════════════════════
//
// SQLite by default, PostgreSQL when the DSN says so. History only: the live
// position set is owned by the executor and snapshotted as JSON, never read
// back from here.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// Models

type SignalRecord struct {
	ID         string `gorm:"primaryKey"`
	ParentID   string `gorm:"index"` // originating signal for split parts
	MessageID  int64  `gorm:"index"`
	Provider   string `gorm:"index"`
	Symbol     string `gorm:"index"`
	Direction  string
	Entry      decimal.Decimal `gorm:"type:decimal(18,8)"`
	StopLoss   decimal.Decimal `gorm:"type:decimal(18,8)"`
	TakeProfit string          // comma-joined plan prices
	Confidence decimal.Decimal `gorm:"type:decimal(6,4)"`
	Priority   string
	Outcome    string // EXECUTED, BLOCKED, MERGED, REVERSED, SIMULATED
	Reason     string
	CreatedAt  time.Time
}

type OrderRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	IntentID  string `gorm:"index"`
	SignalID  string `gorm:"index"`
	Ticket    int64  `gorm:"index"`
	Symbol    string `gorm:"index"`
	Direction string
	Volume    decimal.Decimal `gorm:"type:decimal(12,4)"`
	Price     decimal.Decimal `gorm:"type:decimal(18,8)"`
	Status    string          // FILLED, PARTIAL, FAILED, CLOSED
	Error     string
	Profit    decimal.Decimal `gorm:"type:decimal(18,6)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ModificationRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Ticket    int64  `gorm:"index"`
	MessageID int64  `gorm:"index"`
	Source    string // trailing, break_even, multi_tp, spread_adjust, signal_edit
	Field     string // SL, TP, VOLUME
	OldValue  string
	NewValue  string
	Success   bool
	Error     string
	CreatedAt time.Time
}

type CommandRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Username  string `gorm:"index"`
	ChatID    int64
	Command   string
	Args      string
	Allowed   bool
	CreatedAt time.Time
}

// New opens the history database. A postgres:// DSN selects PostgreSQL,
// anything else is treated as a SQLite path.
func New(dsn string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&SignalRecord{}, &OrderRecord{}, &ModificationRecord{}, &CommandRecord{}); err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// Signal operations

func (d *Database) SaveSignal(rec *SignalRecord) error {
	return d.db.Save(rec).Error
}

func (d *Database) RecentSignals(symbol string, limit int) ([]SignalRecord, error) {
	var out []SignalRecord
	q := d.db.Order("created_at DESC").Limit(limit)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	err := q.Find(&out).Error
	return out, err
}

// Order operations

func (d *Database) SaveOrder(rec *OrderRecord) error {
	return d.db.Create(rec).Error
}

func (d *Database) UpdateOrder(rec *OrderRecord) error {
	return d.db.Save(rec).Error
}

func (d *Database) OrdersForSymbol(symbol string, limit int) ([]OrderRecord, error) {
	var out []OrderRecord
	err := d.db.Where("symbol = ?", symbol).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (d *Database) OrderByTicket(ticket int64) (*OrderRecord, error) {
	var rec OrderRecord
	err := d.db.Where("ticket = ?", ticket).Order("created_at DESC").First(&rec).Error
	return &rec, err
}

func (d *Database) TotalProfit() (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.Model(&OrderRecord{}).
		Select("COALESCE(SUM(profit), 0) as total").
		Scan(&result).Error
	return result.Total, err
}

// Modification operations

func (d *Database) SaveModification(rec *ModificationRecord) error {
	return d.db.Create(rec).Error
}

func (d *Database) ModificationsForTicket(ticket int64) ([]ModificationRecord, error) {
	var out []ModificationRecord
	err := d.db.Where("ticket = ?", ticket).Order("created_at ASC").Find(&out).Error
	return out, err
}

// Command audit operations

func (d *Database) SaveCommand(rec *CommandRecord) error {
	return d.db.Create(rec).Error
}

func (d *Database) RecentCommands(username string, limit int) ([]CommandRecord, error) {
	var out []CommandRecord
	err := d.db.Where("username = ?", username).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
