// Package store persists synced activities and the sync cursor.
//
// Writes for one activity go through CommitActivity so the activity row and
// everything hanging off it are applied in a single transaction. Upserts are
// keyed on the Strava id, so replaying a commit leaves the store unchanged.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lildude/stravasync/internal/database"
	"github.com/lildude/stravasync/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrCursorRegression is returned when a sync state update would move
// last_synced_at backwards.
var ErrCursorRegression = errors.New("last_synced_at cannot move backwards")

// StoreError wraps every failure returned by the store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrNotFound
	}
	return &StoreError{Op: op, Err: err}
}

// Store is a gorm-backed activity store.
type Store struct {
	db *gorm.DB
}

// New wraps an open, migrated database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	db, err := database.InitDB(driver, dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	return New(db), nil
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrap("close", err)
	}
	return wrap("close", sqlDB.Close())
}

// Transaction runs fn against a store bound to one transaction. Everything fn
// writes is applied if it returns nil and rolled back otherwise.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
	return wrap("transaction", err)
}

// Bundle is everything written for one activity. A nil slice or pointer leaves
// the stored rows of that kind untouched; a non-nil one, even empty, replaces them.
type Bundle struct {
	Activity    *model.Activity
	Splits      []model.Split
	BestEfforts []model.BestEffort
	Zones       []model.Zone
	Streams     *model.Stream
	Weather     *model.Weather
	Gear        []model.Gear
}

// CommitActivity writes b in one transaction.
func (s *Store) CommitActivity(ctx context.Context, b *Bundle) error {
	if b == nil || b.Activity == nil {
		return &StoreError{Op: "commit activity", Err: errors.New("no activity in bundle")}
	}
	id := b.Activity.RemoteID

	return s.Transaction(ctx, func(tx *Store) error {
		for i := range b.Gear {
			if err := tx.UpsertGear(ctx, &b.Gear[i]); err != nil {
				return err
			}
		}
		if err := tx.UpsertActivity(ctx, b.Activity); err != nil {
			return err
		}
		if b.Splits != nil {
			if err := tx.ReplaceSplits(ctx, id, b.Splits); err != nil {
				return err
			}
		}
		if b.BestEfforts != nil {
			if err := tx.ReplaceBestEfforts(ctx, id, b.BestEfforts); err != nil {
				return err
			}
		}
		if b.Zones != nil {
			if err := tx.ReplaceZones(ctx, id, b.Zones); err != nil {
				return err
			}
		}
		if b.Streams != nil {
			if err := tx.ReplaceStreams(ctx, id, b.Streams); err != nil {
				return err
			}
		}
		if b.Weather != nil {
			if err := tx.ReplaceWeather(ctx, id, b.Weather); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertActivity inserts the activity or overwrites the row with the same remote id.
func (s *Store) UpsertActivity(ctx context.Context, a *model.Activity) error {
	if a.SyncedAt.IsZero() {
		a.SyncedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote_id"}},
		UpdateAll: true,
	}).Create(a).Error
	return wrap("upsert activity", err)
}

// ReplaceSplits makes splits the complete set of splits for the activity.
func (s *Store) ReplaceSplits(ctx context.Context, activityID int64, splits []model.Split) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("activity_id = ?", activityID).Delete(&model.Split{}).Error; err != nil {
		return wrap("replace splits", err)
	}
	if len(splits) == 0 {
		return nil
	}
	rows := make([]model.Split, len(splits))
	for i, sp := range splits {
		sp.ID = 0
		sp.ActivityID = activityID
		rows[i] = sp
	}
	return wrap("replace splits", db.Create(&rows).Error)
}

// ReplaceBestEfforts makes efforts the complete set of best efforts for the activity.
func (s *Store) ReplaceBestEfforts(ctx context.Context, activityID int64, efforts []model.BestEffort) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("activity_id = ?", activityID).Delete(&model.BestEffort{}).Error; err != nil {
		return wrap("replace best efforts", err)
	}
	if len(efforts) == 0 {
		return nil
	}
	rows := make([]model.BestEffort, len(efforts))
	for i, be := range efforts {
		be.ID = 0
		be.ActivityID = activityID
		rows[i] = be
	}
	return wrap("replace best efforts", db.Create(&rows).Error)
}

// ReplaceZones makes zones the complete set of zone buckets for the activity.
func (s *Store) ReplaceZones(ctx context.Context, activityID int64, zones []model.Zone) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("activity_id = ?", activityID).Delete(&model.Zone{}).Error; err != nil {
		return wrap("replace zones", err)
	}
	if len(zones) == 0 {
		return nil
	}
	rows := make([]model.Zone, len(zones))
	for i, z := range zones {
		z.ID = 0
		z.ActivityID = activityID
		rows[i] = z
	}
	return wrap("replace zones", db.Create(&rows).Error)
}

// ReplaceStreams replaces the stored streams of the activity.
func (s *Store) ReplaceStreams(ctx context.Context, activityID int64, st *model.Stream) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("activity_id = ?", activityID).Delete(&model.Stream{}).Error; err != nil {
		return wrap("replace streams", err)
	}
	row := *st
	row.ActivityID = activityID
	return wrap("replace streams", db.Create(&row).Error)
}

// ReplaceWeather replaces the stored weather of the activity.
func (s *Store) ReplaceWeather(ctx context.Context, activityID int64, w *model.Weather) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("activity_id = ?", activityID).Delete(&model.Weather{}).Error; err != nil {
		return wrap("replace weather", err)
	}
	row := *w
	row.ActivityID = activityID
	return wrap("replace weather", db.Create(&row).Error)
}

// UpsertGear inserts the gear or overwrites the row with the same remote id.
func (s *Store) UpsertGear(ctx context.Context, g *model.Gear) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote_id"}},
		UpdateAll: true,
	}).Create(g).Error
	return wrap("upsert gear", err)
}

// GetSyncState returns the athlete's sync state, or ErrNotFound before the first sync.
func (s *Store) GetSyncState(ctx context.Context, athleteID int64) (*model.SyncState, error) {
	var st model.SyncState
	err := s.db.WithContext(ctx).Where("athlete_id = ?", athleteID).First(&st).Error
	if err != nil {
		return nil, wrap("get sync state", err)
	}
	return &st, nil
}

// SetSyncState saves st. A nil LastSyncedAt keeps the stored value, and a value
// earlier than the stored one is refused with ErrCursorRegression.
func (s *Store) SetSyncState(ctx context.Context, st *model.SyncState) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur model.SyncState
		err := tx.Where("athlete_id = ?", st.AthleteID).First(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if st.LastSyncedAt == nil {
				st.LastSyncedAt = cur.LastSyncedAt
				if st.Cursor == nil {
					st.Cursor = cur.Cursor
				}
			} else if cur.LastSyncedAt != nil && st.LastSyncedAt.Before(*cur.LastSyncedAt) {
				return ErrCursorRegression
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "athlete_id"}},
			UpdateAll: true,
		}).Create(st).Error
	})
	return wrap("set sync state", err)
}
