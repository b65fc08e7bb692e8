package model

import (
	"time"

	"gorm.io/datatypes"
)

// Activity represents a Strava activity in the database
type Activity struct {
	RemoteID         int64     `gorm:"primaryKey;autoIncrement:false"`
	AthleteID        int64     `gorm:"index"`
	Name             string
	SportType        string    `gorm:"index"`
	StartTime        time.Time `gorm:"index"`
	Timezone         string
	ElapsedTime      int64 // seconds
	MovingTime       int64 // seconds
	Distance         float64
	ElevationGain    float64
	GearID           *string `gorm:"index"`
	Trainer          bool
	Commute          bool
	AverageSpeed     float64
	AverageHeartrate float64
	AverageCadence   float64
	AverageWatts     float64
	AverageTemp      float64
	StartLat         *float64
	StartLng         *float64
	PayloadVersion   string
	HasDetail        bool
	Raw              datatypes.JSON
	SyncedAt         time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Split represents one kilometre split of an activity
type Split struct {
	ID                  uint  `gorm:"primaryKey"`
	ActivityID          int64 `gorm:"uniqueIndex:idx_splits_activity_split"`
	SplitIndex          int   `gorm:"uniqueIndex:idx_splits_activity_split"`
	Distance            float64
	ElapsedTime         int64
	MovingTime          int64
	ElevationDifference float64
	AverageSpeed        float64
	AverageHeartrate    float64
	PaceZone            int
	PaceSecondsPerKm    float64
}

// BestEffort represents a best effort over a standard distance within an activity
type BestEffort struct {
	ID          uint  `gorm:"primaryKey"`
	ActivityID  int64 `gorm:"uniqueIndex:idx_best_efforts_activity_effort"`
	EffortIndex int   `gorm:"uniqueIndex:idx_best_efforts_activity_effort"`
	RemoteID    int64
	Name        string
	ElapsedTime int64
	MovingTime  int64
	Distance    float64
	PRRank      *int
	StartTime   time.Time
}

// Gear represents a bike or pair of shoes
type Gear struct {
	RemoteID      string `gorm:"primaryKey"`
	Name          string
	Type          string
	DistanceTotal float64
	BrandName     string
	ModelName     string
	Retired       bool
	Weight        float64
	Primary       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Gear) TableName() string {
	return "gear"
}

// Zone represents one heart rate or power bucket of an activity
type Zone struct {
	ID          uint   `gorm:"primaryKey"`
	ActivityID  int64  `gorm:"uniqueIndex:idx_zones_activity_bucket"`
	ZoneType    string `gorm:"uniqueIndex:idx_zones_activity_bucket"`
	BucketIndex int    `gorm:"uniqueIndex:idx_zones_activity_bucket"`
	MinValue    float64
	MaxValue    float64
	TimeInZone  int64
}

// Stream holds the sampled series of an activity, one JSON array per type
type Stream struct {
	ActivityID int64 `gorm:"primaryKey;autoIncrement:false"`
	Time       datatypes.JSON
	Distance   datatypes.JSON
	Latlng     datatypes.JSON
	Altitude   datatypes.JSON
	Speed      datatypes.JSON
	Heartrate  datatypes.JSON
	Cadence    datatypes.JSON
	Watts      datatypes.JSON
	CreatedAt  time.Time
}

// Weather holds the conditions at the start of an activity
type Weather struct {
	ActivityID  int64 `gorm:"primaryKey;autoIncrement:false"`
	Temperature float64
	FeelsLike   float64
	Humidity    int
	WindSpeed   float64
	WindDeg     int
	Summary     string
	Icon        string
	FetchedAt   time.Time
}

func (Weather) TableName() string {
	return "weather"
}

// SyncState records how far an athlete's activities have been synced
type SyncState struct {
	AthleteID     int64 `gorm:"primaryKey;autoIncrement:false"`
	LastSyncedAt  *time.Time
	Cursor        *int64
	LastRunID     string
	LastSuccessAt *time.Time
	LastAttemptAt *time.Time
	LastError     *string
	Stats         datatypes.JSON
}

// All lists every model for migration.
func All() []interface{} {
	return []interface{}{
		&Activity{}, &Split{}, &BestEffort{}, &Gear{}, &Zone{}, &Stream{}, &Weather{}, &SyncState{},
	}
}
