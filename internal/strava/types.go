package strava

import (
	"encoding/json"
	"time"
)

// AthleteRef is the athlete an activity belongs to.
type AthleteRef struct {
	ID int64 `json:"id"`
}

// SummaryActivity is an entry in the athlete's activity list.
type SummaryActivity struct {
	ID                 int64      `json:"id"`
	Athlete            AthleteRef `json:"athlete"`
	Name               string     `json:"name"`
	Type               string     `json:"type"`
	SportType          string     `json:"sport_type"`
	WorkoutType        *int       `json:"workout_type"`
	StartDate          time.Time  `json:"start_date"`
	StartDateLocal     time.Time  `json:"start_date_local"`
	Timezone           string     `json:"timezone"`
	ElapsedTime        int64      `json:"elapsed_time"`
	MovingTime         int64      `json:"moving_time"`
	Distance           float64    `json:"distance"`
	TotalElevationGain float64    `json:"total_elevation_gain"`
	GearID             string     `json:"gear_id"`
	Trainer            bool       `json:"trainer"`
	Commute            bool       `json:"commute"`
	Manual             bool       `json:"manual"`
	Private            bool       `json:"private"`
	StartLatlng        []float64  `json:"start_latlng"`
	EndLatlng          []float64  `json:"end_latlng"`
	AverageSpeed       float64    `json:"average_speed"`
	MaxSpeed           float64    `json:"max_speed"`
	AverageCadence     float64    `json:"average_cadence"`
	AverageWatts       float64    `json:"average_watts"`
	AverageTemp        float64    `json:"average_temp"`
	HasHeartrate       bool       `json:"has_heartrate"`
	AverageHeartrate   float64    `json:"average_heartrate"`
	MaxHeartrate       float64    `json:"max_heartrate"`
	KudosCount         int        `json:"kudos_count"`
	CommentCount       int        `json:"comment_count"`
	AchievementCount   int        `json:"achievement_count"`
	PhotoCount         int        `json:"total_photo_count"`
	PRCount            int        `json:"pr_count"`
}

// StartLocation returns the start coordinates, if the activity has any.
func (a *SummaryActivity) StartLocation() (lat, lng float64, ok bool) {
	if len(a.StartLatlng) != 2 {
		return 0, 0, false
	}
	return a.StartLatlng[0], a.StartLatlng[1], true
}

// DetailedActivity is the full activity, including splits and best efforts.
type DetailedActivity struct {
	SummaryActivity
	Description  string       `json:"description"`
	Calories     float64      `json:"calories"`
	DeviceName   string       `json:"device_name"`
	SplitsMetric []Split      `json:"splits_metric"`
	BestEfforts  []BestEffort `json:"best_efforts"`
	Gear         *Gear        `json:"gear"`

	// Raw is the payload as received.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the payload alongside the decoded fields.
func (d *DetailedActivity) UnmarshalJSON(data []byte) error {
	type plain DetailedActivity
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = DetailedActivity(p)
	d.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Split is one kilometre of an activity.
type Split struct {
	Split               int     `json:"split"`
	Distance            float64 `json:"distance"`
	ElapsedTime         int64   `json:"elapsed_time"`
	MovingTime          int64   `json:"moving_time"`
	ElevationDifference float64 `json:"elevation_difference"`
	AverageSpeed        float64 `json:"average_speed"`
	AverageHeartrate    float64 `json:"average_heartrate"`
	PaceZone            int     `json:"pace_zone"`
}

// BestEffort is the fastest time over a standard distance within an activity.
type BestEffort struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	ElapsedTime int64     `json:"elapsed_time"`
	MovingTime  int64     `json:"moving_time"`
	Distance    float64   `json:"distance"`
	StartDate   time.Time `json:"start_date"`
	PRRank      *int      `json:"pr_rank"`
}

// ZoneBucket is the time spent between Min and Max.
type ZoneBucket struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Time int64   `json:"time"`
}

// ActivityZone is the heart rate or power distribution of an activity.
type ActivityZone struct {
	Type                string       `json:"type"`
	SensorBased         bool         `json:"sensor_based"`
	Score               float64      `json:"score"`
	DistributionBuckets []ZoneBucket `json:"distribution_buckets"`
}

// Stream is one series of samples. Data is kept undecoded because its element
// type depends on the stream.
type Stream struct {
	Data         json.RawMessage `json:"data"`
	SeriesType   string          `json:"series_type"`
	OriginalSize int             `json:"original_size"`
	Resolution   string          `json:"resolution"`
}

// Streams are keyed by stream type.
type Streams map[string]Stream

// StreamKeys are the stream types requested by GetStreams.
var StreamKeys = []string{"time", "distance", "latlng", "altitude", "velocity_smooth", "heartrate", "cadence", "watts"}

// Gear is a bike or a pair of shoes.
type Gear struct {
	ID          string  `json:"id"`
	Primary     bool    `json:"primary"`
	Name        string  `json:"name"`
	Nickname    string  `json:"nickname"`
	Distance    float64 `json:"distance"`
	BrandName   string  `json:"brand_name"`
	ModelName   string  `json:"model_name"`
	FrameType   int     `json:"frame_type"`
	Description string  `json:"description"`
	Retired     bool    `json:"retired"`
	Weight      float64 `json:"weight"`
}

// GearType derives the kind of gear from its id: Strava prefixes bikes with "b"
// and shoes with "g".
func GearType(id string) string {
	switch {
	case len(id) == 0:
		return "unknown"
	case id[0] == 'b':
		return "bike"
	case id[0] == 'g':
		return "shoes"
	default:
		return "unknown"
	}
}
