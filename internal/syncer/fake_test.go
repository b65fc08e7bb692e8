package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lildude/stravasync/internal/model"
	"github.com/lildude/stravasync/internal/store"
	"github.com/lildude/stravasync/internal/strava"
	"github.com/lildude/stravasync/internal/weather"
)

// fakeAPI serves activities in ascending start order, like Strava does for
// listings with after= set.
type fakeAPI struct {
	mu         sync.Mutex
	activities []strava.SummaryActivity

	listErr   map[int]error // by list call number, starting at 1
	detailErr map[int64]error
	zonesErr  error
	gearErr   error
	onDetail  func(id int64)

	lists   []listCall
	details map[int64]int
	zones   int
	streams int
	gear    map[string]int
}

type listCall struct {
	page  int
	after time.Time
}

func newFakeAPI(as ...strava.SummaryActivity) *fakeAPI {
	return &fakeAPI{
		activities: as,
		listErr:    map[int]error{},
		detailErr:  map[int64]error{},
		details:    map[int64]int{},
		gear:       map[string]int{},
	}
}

func (f *fakeAPI) ListActivities(_ context.Context, page, perPage int, after time.Time) ([]strava.SummaryActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lists = append(f.lists, listCall{page: page, after: after})
	if err := f.listErr[len(f.lists)]; err != nil {
		return nil, err
	}

	var window []strava.SummaryActivity
	for _, a := range f.activities {
		if after.IsZero() || a.StartDate.After(after) {
			window = append(window, a)
		}
	}
	from := (page - 1) * perPage
	if from >= len(window) {
		return []strava.SummaryActivity{}, nil
	}
	to := from + perPage
	if to > len(window) {
		to = len(window)
	}
	return append([]strava.SummaryActivity(nil), window[from:to]...), nil
}

func (f *fakeAPI) GetActivity(_ context.Context, id int64) (*strava.DetailedActivity, error) {
	f.mu.Lock()
	f.details[id]++
	err := f.detailErr[id]
	hook := f.onDetail
	var summary *strava.SummaryActivity
	for i := range f.activities {
		if f.activities[i].ID == id {
			summary = &f.activities[i]
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, &strava.ClientRequestError{Op: "get activity", StatusCode: 404, Err: fmt.Errorf("activity %d not found", id)}
	}
	return detailFor(*summary), nil
}

func (f *fakeAPI) GetZones(context.Context, int64) ([]strava.ActivityZone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zones++
	if f.zonesErr != nil {
		return nil, f.zonesErr
	}
	return []strava.ActivityZone{{
		Type: "heartrate",
		DistributionBuckets: []strava.ZoneBucket{
			{Min: 0, Max: 120, Time: 600},
			{Min: 120, Max: 150, Time: 1200},
		},
	}}, nil
}

func (f *fakeAPI) GetStreams(context.Context, int64) (strava.Streams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams++
	return strava.Streams{
		"time":            {Data: json.RawMessage(`[0,1,2]`)},
		"velocity_smooth": {Data: json.RawMessage(`[0,2.5,2.7]`)},
	}, nil
}

func (f *fakeAPI) GetGear(_ context.Context, id string) (*strava.Gear, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gear[id]++
	if f.gearErr != nil {
		return nil, f.gearErr
	}
	return &strava.Gear{ID: id, Name: "Gear " + id, Distance: 123456, BrandName: "Hoka"}, nil
}

func (f *fakeAPI) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists)
}

func detailFor(s strava.SummaryActivity) *strava.DetailedActivity {
	d := &strava.DetailedActivity{
		SummaryActivity: s,
		SplitsMetric: []strava.Split{
			{Split: 1, Distance: 1000, ElapsedTime: 300, MovingTime: 300, AverageSpeed: 3.33},
			{Split: 2, Distance: 1000, ElapsedTime: 290, MovingTime: 290, AverageSpeed: 3.45},
			{Split: 3, Distance: 500, ElapsedTime: 140, MovingTime: 140, AverageSpeed: 3.57},
		},
		BestEfforts: []strava.BestEffort{
			{ID: s.ID*10 + 1, Name: "400m", ElapsedTime: 100, Distance: 400, StartDate: s.StartDate},
			{ID: s.ID*10 + 2, Name: "1k", ElapsedTime: 280, Distance: 1000, StartDate: s.StartDate},
		},
	}
	d.Raw, _ = json.Marshal(s)
	return d
}

var t0 = time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC)

func act(id int64, start time.Time) strava.SummaryActivity {
	return strava.SummaryActivity{
		ID:          id,
		Athlete:     strava.AthleteRef{ID: 99},
		Name:        fmt.Sprintf("Run %d", id),
		Type:        "Run",
		SportType:   "Run",
		StartDate:   start,
		ElapsedTime: 1800,
		MovingTime:  1750,
		Distance:    5000,
		GearID:      "g1",
	}
}

// series returns n activities a day apart starting the day after t0.
func series(n int) []strava.SummaryActivity {
	out := make([]strava.SummaryActivity, n)
	for i := range out {
		out[i] = act(int64(i+1), t0.Add(time.Duration(i+1)*24*time.Hour))
	}
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := store.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// failingStore fails commits after the first ok ones.
type failingStore struct {
	*store.Store
	ok int
}

func (f *failingStore) CommitActivity(ctx context.Context, b *store.Bundle) error {
	if f.ok == 0 {
		return &store.StoreError{Op: "commit activity", Err: fmt.Errorf("disk full")}
	}
	f.ok--
	return f.Store.CommitActivity(ctx, b)
}

type fakeWeather struct {
	calls int
	err   error
}

func (f *fakeWeather) Lookup(_ context.Context, lat, lng float64, at time.Time) (*weather.Conditions, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &weather.Conditions{Temperature: 11.5, Humidity: 80, Summary: "Light Rain", Icon: "10"}, nil
}

func syncState(t *testing.T, s *store.Store) *model.SyncState {
	t.Helper()
	st, err := s.GetSyncState(context.Background(), 99)
	if err != nil {
		t.Fatalf("unable to read sync state: %v", err)
	}
	return st
}
