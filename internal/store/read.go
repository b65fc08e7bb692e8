package store

import (
	"context"
	"time"

	"github.com/lildude/stravasync/internal/model"
)

// ActivityFilter narrows ListActivities. Zero fields match everything.
type ActivityFilter struct {
	SportType string
	After     time.Time
	Before    time.Time
	Limit     int
	Offset    int
}

// Version is what the sync needs to know about a stored activity to decide
// whether to fetch it again.
type Version struct {
	PayloadVersion string
	HasDetail      bool
}

// Counts are row counts per table.
type Counts struct {
	Activities  int64
	Splits      int64
	BestEfforts int64
	Gear        int64
	Zones       int64
	Streams     int64
	Weather     int64
}

// Discrepancies are gaps left by partially synced activities.
type Discrepancies struct {
	// MissingDetail are activities stored from a listing without their detail.
	MissingDetail []int64
	// MissingGear are gear ids referenced by activities with no gear row.
	MissingGear []string
}

// Empty reports whether nothing is out of place.
func (d *Discrepancies) Empty() bool {
	return len(d.MissingDetail) == 0 && len(d.MissingGear) == 0
}

// GetActivity returns one activity by its Strava id.
func (s *Store) GetActivity(ctx context.Context, id int64) (*model.Activity, error) {
	var a model.Activity
	if err := s.db.WithContext(ctx).Where("remote_id = ?", id).First(&a).Error; err != nil {
		return nil, wrap("get activity", err)
	}
	return &a, nil
}

// ListActivities returns activities in ascending start order.
func (s *Store) ListActivities(ctx context.Context, f ActivityFilter) ([]model.Activity, error) {
	q := s.db.WithContext(ctx).Order("start_time ASC").Order("remote_id ASC")
	if f.SportType != "" {
		q = q.Where("sport_type = ?", f.SportType)
	}
	if !f.After.IsZero() {
		q = q.Where("start_time > ?", f.After)
	}
	if !f.Before.IsZero() {
		q = q.Where("start_time < ?", f.Before)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var as []model.Activity
	if err := q.Find(&as).Error; err != nil {
		return nil, wrap("list activities", err)
	}
	return as, nil
}

// Splits returns an activity's splits in order.
func (s *Store) Splits(ctx context.Context, activityID int64) ([]model.Split, error) {
	var out []model.Split
	err := s.db.WithContext(ctx).Where("activity_id = ?", activityID).Order("split_index ASC").Find(&out).Error
	return out, wrap("list splits", err)
}

// BestEfforts returns an activity's best efforts in order.
func (s *Store) BestEfforts(ctx context.Context, activityID int64) ([]model.BestEffort, error) {
	var out []model.BestEffort
	err := s.db.WithContext(ctx).Where("activity_id = ?", activityID).Order("effort_index ASC").Find(&out).Error
	return out, wrap("list best efforts", err)
}

// Zones returns an activity's zone buckets.
func (s *Store) Zones(ctx context.Context, activityID int64) ([]model.Zone, error) {
	var out []model.Zone
	err := s.db.WithContext(ctx).Where("activity_id = ?", activityID).Order("zone_type ASC").Order("bucket_index ASC").Find(&out).Error
	return out, wrap("list zones", err)
}

// Streams returns an activity's streams.
func (s *Store) Streams(ctx context.Context, activityID int64) (*model.Stream, error) {
	var st model.Stream
	if err := s.db.WithContext(ctx).Where("activity_id = ?", activityID).First(&st).Error; err != nil {
		return nil, wrap("get streams", err)
	}
	return &st, nil
}

// Weather returns the conditions recorded for an activity.
func (s *Store) Weather(ctx context.Context, activityID int64) (*model.Weather, error) {
	var w model.Weather
	if err := s.db.WithContext(ctx).Where("activity_id = ?", activityID).First(&w).Error; err != nil {
		return nil, wrap("get weather", err)
	}
	return &w, nil
}

// Gear returns all gear.
func (s *Store) Gear(ctx context.Context) ([]model.Gear, error) {
	var out []model.Gear
	err := s.db.WithContext(ctx).Order("remote_id ASC").Find(&out).Error
	return out, wrap("list gear", err)
}

// GetGear returns one piece of gear by its Strava id.
func (s *Store) GetGear(ctx context.Context, id string) (*model.Gear, error) {
	var g model.Gear
	if err := s.db.WithContext(ctx).Where("remote_id = ?", id).First(&g).Error; err != nil {
		return nil, wrap("get gear", err)
	}
	return &g, nil
}

// ActivityVersions returns the stored version of each of ids that exists.
func (s *Store) ActivityVersions(ctx context.Context, ids []int64) (map[int64]Version, error) {
	out := make(map[int64]Version, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var rows []struct {
		RemoteID       int64
		PayloadVersion string
		HasDetail      bool
	}
	err := s.db.WithContext(ctx).Model(&model.Activity{}).
		Select("remote_id", "payload_version", "has_detail").
		Where("remote_id IN ?", ids).
		Scan(&rows).Error
	if err != nil {
		return nil, wrap("activity versions", err)
	}
	for _, r := range rows {
		out[r.RemoteID] = Version{PayloadVersion: r.PayloadVersion, HasDetail: r.HasDetail}
	}
	return out, nil
}

// Counts returns the number of rows in each table.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	db := s.db.WithContext(ctx)
	for _, t := range []struct {
		model any
		n     *int64
	}{
		{&model.Activity{}, &c.Activities},
		{&model.Split{}, &c.Splits},
		{&model.BestEffort{}, &c.BestEfforts},
		{&model.Gear{}, &c.Gear},
		{&model.Zone{}, &c.Zones},
		{&model.Stream{}, &c.Streams},
		{&model.Weather{}, &c.Weather},
	} {
		if err := db.Model(t.model).Count(t.n).Error; err != nil {
			return Counts{}, wrap("count", err)
		}
	}
	return c, nil
}

// Discrepancies reports activities without detail and dangling gear references.
func (s *Store) Discrepancies(ctx context.Context) (*Discrepancies, error) {
	d := &Discrepancies{}
	db := s.db.WithContext(ctx)

	err := db.Model(&model.Activity{}).
		Where("has_detail = ?", false).
		Order("remote_id ASC").
		Pluck("remote_id", &d.MissingDetail).Error
	if err != nil {
		return nil, wrap("discrepancies", err)
	}

	if d.MissingGear, err = s.MissingGear(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// MissingGear returns the gear ids referenced by activities that have no gear row.
func (s *Store) MissingGear(ctx context.Context) ([]string, error) {
	db := s.db.WithContext(ctx)
	var ids []string
	err := db.Model(&model.Activity{}).
		Distinct("gear_id").
		Where("gear_id IS NOT NULL AND gear_id <> ''").
		Where("gear_id NOT IN (?)", db.Model(&model.Gear{}).Select("remote_id")).
		Order("gear_id ASC").
		Pluck("gear_id", &ids).Error
	if err != nil {
		return nil, wrap("missing gear", err)
	}
	return ids, nil
}
