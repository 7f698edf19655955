// Package eventstore archives the ledger event log in a SQL database so the
// history survives restarts.
package eventstore

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"escrowledger/core/events"
	"escrowledger/core/types"
)

var ErrDigestMismatch = errors.New("eventstore: record digest mismatch")

type eventRow struct {
	Sequence   int64  `gorm:"primaryKey;autoIncrement:false"`
	Type       string `gorm:"size:64;index"`
	Attributes string `gorm:"type:text"`
	Digest     string `gorm:"size:64"`
	CreatedAt  time.Time
}

func (eventRow) TableName() string { return "escrow_events" }

// Store is a gorm backed events.Sink.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn. postgres:// and postgresql:// URLs use the Postgres
// driver; anything else is treated as a sqlite path.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("eventstore: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append implements events.Sink.
func (s *Store) Append(rec events.Record) error {
	if rec.Event == nil {
		return errors.New("eventstore: nil event")
	}
	attrs, err := json.Marshal(rec.Event.Attributes)
	if err != nil {
		return fmt.Errorf("eventstore: encode attributes: %w", err)
	}
	row := eventRow{
		Sequence:   rec.Sequence,
		Type:       rec.Event.Type,
		Attributes: string(attrs),
		Digest:     digest(rec.Sequence, rec.Event.Type, attrs),
	}
	if err := s.db.Create(&row).Error; err != nil {
		// A retried append of a row that did land is not an error.
		var existing eventRow
		if lookup := s.db.Where("sequence = ?", rec.Sequence).Take(&existing).Error; lookup == nil && existing.Digest == row.Digest {
			return nil
		}
		return fmt.Errorf("eventstore: insert %d: %w", rec.Sequence, err)
	}
	return nil
}

// List returns up to limit archived records with a sequence greater than
// after, oldest first. A non-positive limit returns everything.
func (s *Store) List(after int64, limit int) ([]events.Record, error) {
	query := s.db.Where("sequence > ?", after).Order("sequence asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []eventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("eventstore: list: %w", err)
	}
	out := make([]events.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Load returns the full archive for restoring an events.Log.
func (s *Store) Load() ([]events.Record, error) {
	return s.List(0, 0)
}

func (row eventRow) record() (events.Record, error) {
	if digest(row.Sequence, row.Type, []byte(row.Attributes)) != row.Digest {
		return events.Record{}, fmt.Errorf("%w: sequence %d", ErrDigestMismatch, row.Sequence)
	}
	attrs := map[string]string{}
	if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
		return events.Record{}, fmt.Errorf("eventstore: decode %d: %w", row.Sequence, err)
	}
	return events.Record{Sequence: row.Sequence, Event: &types.Event{Type: row.Type, Attributes: attrs}}, nil
}

func digest(sequence int64, eventType string, attrs []byte) string {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(sequence))
	h := blake3.New(32, nil)
	h.Write(seq[:])
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(attrs)
	return hex.EncodeToString(h.Sum(nil))
}
