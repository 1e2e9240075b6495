package herbstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/igm/herbstat/internal/logger"
)

// herbRow is the gorm model for the herbs table.
type herbRow struct {
	ID     int64   `gorm:"primaryKey"`
	Name   string  `gorm:"not null"`
	Price  float64 `gorm:"type:decimal(10,2);not null"`
	Effect *string
	Usage  *string
}

func (herbRow) TableName() string { return "herbs" }

type storeMeta struct {
	ID       int   `gorm:"primaryKey"`
	Revision int64 `gorm:"not null;default:0"`
}

func (storeMeta) TableName() string { return "store_meta" }

// GormStore implements Store on PostgreSQL through gorm.
type GormStore struct {
	db  *gorm.DB
	mu  sync.Mutex
	log *slog.Logger
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&herbRow{}, &storeMeta{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&storeMeta{ID: 1}).Error; err != nil {
		return nil, fmt.Errorf("seeding store_meta: %w", err)
	}

	return NewGormStore(db), nil
}

// NewGormStore wraps an already opened gorm handle. The schema is expected
// to exist.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:  db,
		log: logger.L().With("component", "herbstore", "driver", "postgres"),
	}
}

// Close closes the underlying pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// filterScope translates f into where clauses. strpos keeps the name match
// case-sensitive and free of LIKE wildcards.
func filterScope(f Filter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.ID != nil {
			db = db.Where("id = ?", *f.ID)
		}
		if f.Name != nil {
			db = db.Where("strpos(name, ?) > 0", *f.Name)
		}
		if f.MinPrice != nil {
			db = db.Where("price >= ?", *f.MinPrice)
		}
		if f.MaxPrice != nil {
			db = db.Where("price <= ?", *f.MaxPrice)
		}
		return db.Order("id")
	}
}

// Query returns records matching f ordered by id.
func (s *GormStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	var rows []herbRow
	if err := s.db.WithContext(ctx).Scopes(filterScope(f)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query herbs: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records, nil
}

// All returns every record.
func (s *GormStore) All(ctx context.Context) ([]Record, error) {
	return s.Query(ctx, Filter{})
}

// Revision returns the current replace revision.
func (s *GormStore) Revision(ctx context.Context) (int64, error) {
	var meta storeMeta
	if err := s.db.WithContext(ctx).First(&meta, 1).Error; err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return meta.Revision, nil
}

// ReplaceAll swaps in records as the complete new content.
func (s *GormStore) ReplaceAll(ctx context.Context, records []Record) error {
	return s.replace(ctx, nil, records)
}

// ReplaceAllAt swaps in records only if the revision is still revision.
func (s *GormStore) ReplaceAllAt(ctx context.Context, revision int64, records []Record) error {
	return s.replace(ctx, &revision, records)
}

func (s *GormStore) replace(ctx context.Context, expected *int64, records []Record) error {
	if err := Validate(records); err != nil {
		return err
	}
	records = normalize(records)

	s.mu.Lock()
	defer s.mu.Unlock()

	var newRev int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var meta storeMeta
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&meta, 1).Error; err != nil {
			return fmt.Errorf("read revision: %w", err)
		}
		if expected != nil && *expected != meta.Revision {
			return fmt.Errorf("%w: have %d, caller read %d", ErrConflict, meta.Revision, *expected)
		}

		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&herbRow{}).Error; err != nil {
			return fmt.Errorf("clear herbs: %w", err)
		}

		if err := insertRows(tx, records); err != nil {
			return err
		}

		newRev = meta.Revision + 1
		return tx.Model(&storeMeta{}).Where("id = ?", 1).Update("revision", newRev).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("replace herbs: %w", err)
	}

	s.log.Info("herbs replaced", "count", len(records), "revision", newRev)
	return nil
}

// resyncSequence moves the id sequence past the largest stored id. Inserts
// with explicit ids never advance it.
const resyncSequence = `SELECT setval(pg_get_serial_sequence('herbs', 'id'), COALESCE(MAX(id), 0) + 1, false) FROM herbs`

// insertRows writes the rows with explicit ids first, then lets the
// database number the rest.
func insertRows(tx *gorm.DB, records []Record) error {
	var explicit, generated []herbRow
	for _, r := range records {
		if r.ID != 0 {
			explicit = append(explicit, rowFromRecord(r))
		} else {
			generated = append(generated, rowFromRecord(r))
		}
	}

	if len(explicit) > 0 {
		if err := tx.CreateInBatches(&explicit, 200).Error; err != nil {
			return fmt.Errorf("insert herbs: %w", err)
		}
	}
	if len(generated) == 0 {
		return nil
	}
	if err := tx.Exec(resyncSequence).Error; err != nil {
		return fmt.Errorf("resync id sequence: %w", err)
	}
	if err := tx.CreateInBatches(&generated, 200).Error; err != nil {
		return fmt.Errorf("insert herbs: %w", err)
	}
	return nil
}

func rowFromRecord(r Record) herbRow {
	row := herbRow{ID: r.ID, Name: r.Name, Price: r.Price}
	if r.Effect != "" {
		row.Effect = &r.Effect
	}
	if r.Usage != "" {
		row.Usage = &r.Usage
	}
	return row
}

func (row herbRow) toRecord() Record {
	r := Record{ID: row.ID, Name: row.Name, Price: row.Price}
	if row.Effect != nil {
		r.Effect = *row.Effect
	}
	if row.Usage != nil {
		r.Usage = *row.Usage
	}
	return r
}
