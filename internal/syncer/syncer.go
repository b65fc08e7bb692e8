// Package syncer mirrors an athlete's Strava activities into the local store.
//
// A run walks the activities started after the stored cursor in ascending
// order, one page at a time. Each new or edited activity is fetched in full and
// committed with its splits, best efforts and other sub-resources as a single
// transaction. The cursor only advances once every activity on a page has been
// committed or deliberately skipped, so a failed run can simply be repeated.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lildude/stravasync/internal/cache"
	"github.com/lildude/stravasync/internal/model"
	"github.com/lildude/stravasync/internal/store"
	"github.com/lildude/stravasync/internal/strava"
	"github.com/lildude/stravasync/internal/weather"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// ErrRunInProgress is returned when another run holds the athlete's lock.
var ErrRunInProgress = errors.New("a sync run is already in progress")

// DefaultLockTTL bounds how long a crashed run can block the next one.
const DefaultLockTTL = 2 * time.Hour

// API is the part of the Strava client the engine uses.
type API interface {
	ListActivities(ctx context.Context, page, perPage int, after time.Time) ([]strava.SummaryActivity, error)
	GetActivity(ctx context.Context, id int64) (*strava.DetailedActivity, error)
	GetZones(ctx context.Context, id int64) ([]strava.ActivityZone, error)
	GetStreams(ctx context.Context, id int64) (strava.Streams, error)
	GetGear(ctx context.Context, id string) (*strava.Gear, error)
}

// Store is the part of the local store the engine uses.
type Store interface {
	GetSyncState(ctx context.Context, athleteID int64) (*model.SyncState, error)
	SetSyncState(ctx context.Context, st *model.SyncState) error
	ActivityVersions(ctx context.Context, ids []int64) (map[int64]store.Version, error)
	CommitActivity(ctx context.Context, b *store.Bundle) error
	MissingGear(ctx context.Context) ([]string, error)
	UpsertGear(ctx context.Context, g *model.Gear) error
}

// Weather looks up the conditions at the start of an activity.
type Weather interface {
	Lookup(ctx context.Context, lat, lng float64, at time.Time) (*weather.Conditions, error)
}

// Locker hands out run-level locks. cache.Cache implements it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (cache.Lock, error)
}

// Options control what a run fetches.
type Options struct {
	AthleteID int64
	PageSize  int
	// AlwaysRefetch fetches detail for every listed activity instead of only
	// new or edited ones.
	AlwaysRefetch bool
	FetchZones    bool
	FetchStreams  bool
	LockTTL       time.Duration
}

// Engine runs syncs. Runs for one athlete are serialised by the Locker.
type Engine struct {
	api     API
	store   Store
	weather Weather
	locker  Locker
	refresh time.Duration
	opts    Options
	log     logrus.FieldLogger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWeather enables weather lookups for activities with a start location.
func WithWeather(w Weather) Option {
	return func(e *Engine) { e.weather = w }
}

// WithLocker sets the run lock. Without one an in-process lock is used.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithLockRefresh sets how often a running sync extends its lock. The default
// is a third of the lock TTL.
func WithLockRefresh(d time.Duration) Option {
	return func(e *Engine) { e.refresh = d }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine.
func New(api API, st Store, opts Options, options ...Option) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = strava.DefaultPageSize
	}
	if opts.PageSize > strava.MaxPageSize {
		opts.PageSize = strava.MaxPageSize
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	e := &Engine{
		api:   api,
		store: st,
		opts:  opts,
		log:   logrus.StandardLogger(),
		now:   time.Now,
	}
	for _, o := range options {
		o(e)
	}
	if e.locker == nil {
		e.locker = cache.NewMemoryCache()
	}
	if e.refresh <= 0 || e.refresh >= opts.LockTTL {
		e.refresh = opts.LockTTL / 3
	}
	return e
}

// Run performs one sync. full ignores the stored cursor and walks the whole
// history; the cursor still never moves backwards.
func (e *Engine) Run(ctx context.Context, full bool) (*Result, error) {
	r := &run{
		Engine:  e,
		res:     &Result{RunID: ulid.Make().String(), State: StateInit},
		started: e.now(),
		gear:    make(map[string]bool),
	}
	r.log = e.log.WithFields(logrus.Fields{"run_id": r.res.RunID, "athlete_id": e.opts.AthleteID})
	r.transition(StateInit)

	lock, err := e.locker.Acquire(ctx, lockKey(e.opts.AthleteID), e.opts.LockTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLocked) {
			err = ErrRunInProgress
		}
		r.res.State = StateFailed
		r.res.Err = err
		r.log.WithError(err).Warn("unable to start sync")
		return r.res, err
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	stop := r.keepLock(runCtx, cancel, lock)
	defer func() {
		stop()
		cancel(nil)
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			r.log.WithError(err).Warn("unable to release sync lock")
		}
	}()

	if err := r.sync(runCtx, full); err != nil {
		if cause := context.Cause(runCtx); errors.Is(cause, cache.ErrLockLost) && ctx.Err() == nil {
			err = cause
		}
		return r.res, r.fail(ctx, err)
	}
	r.succeed(ctx)
	return r.res, nil
}

// keepLock extends the run lock until stop is called. If the lock is lost the
// run is cancelled with cache.ErrLockLost so two runs never overlap.
func (r *run) keepLock(ctx context.Context, cancel context.CancelCauseFunc, lock cache.Lock) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(r.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := lock.Refresh(context.WithoutCancel(ctx), r.opts.LockTTL)
			switch {
			case errors.Is(err, cache.ErrLockLost):
				cancel(err)
				r.log.WithError(err).Error("sync lock lost, stopping run")
				return
			case err != nil:
				// The lock is still ours until the TTL runs out; try again next tick.
				r.log.WithError(err).Warn("unable to refresh sync lock")
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// RunEvery runs a sync now and then every interval until ctx is cancelled. A
// failed run is logged and retried on the next tick, except for an
// authentication failure which cannot recover on its own.
func (e *Engine) RunEvery(ctx context.Context, interval time.Duration, full bool) error {
	if interval <= 0 {
		return fmt.Errorf("invalid sync interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := e.Run(ctx, full)
		full = false

		var ae *strava.AuthError
		switch {
		case errors.As(err, &ae):
			return err
		case err != nil && ctx.Err() == nil:
			e.log.WithError(err).Error("sync run failed, retrying at next interval")
		case err == nil:
			e.log.WithFields(logrus.Fields{
				"run_id":    res.RunID,
				"committed": res.Committed,
				"next_run":  e.now().Add(interval).Format(time.RFC3339),
			}).Info("sync run complete")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func lockKey(athleteID int64) string {
	return fmt.Sprintf("stravasync:lock:%d", athleteID)
}

// run holds the state of a single sync.
type run struct {
	*Engine
	res     *Result
	log     logrus.FieldLogger
	started time.Time
	state   *model.SyncState
	gear    map[string]bool // gear ids already resolved this run
}

func (r *run) transition(s State) {
	r.res.State = s
	r.log.WithField("state", s).Debug("sync state transition")
}

func (r *run) sync(ctx context.Context, full bool) error {
	r.transition(StateDetermineWindow)
	st, err := r.store.GetSyncState(ctx, r.opts.AthleteID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = &model.SyncState{AthleteID: r.opts.AthleteID}
	case err != nil:
		return err
	}
	r.state = st
	r.state.LastRunID = r.res.RunID
	now := r.started.UTC()
	r.state.LastAttemptAt = &now

	var after time.Time
	if full || st.LastSyncedAt == nil {
		r.res.Mode = ModeFull
	} else {
		r.res.Mode = ModeIncremental
		after = *st.LastSyncedAt
	}
	if st.LastSyncedAt != nil {
		r.res.LastSyncedAt = *st.LastSyncedAt
	}
	r.log.WithFields(logrus.Fields{"mode": r.res.Mode, "after": after}).Info("starting sync")

	var hold *time.Time // start of the earliest activity skipped this run
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.transition(StatePaginate)
		activities, err := r.api.ListActivities(ctx, page, r.opts.PageSize, after)
		if err != nil {
			return fmt.Errorf("listing page %d: %w", page, err)
		}
		if len(activities) == 0 {
			return r.resolveMissingGear(ctx)
		}
		r.res.Pages++
		r.res.Listed += len(activities)

		ids := make([]int64, len(activities))
		for i, a := range activities {
			ids[i] = a.ID
		}
		versions, err := r.store.ActivityVersions(ctx, ids)
		if err != nil {
			return err
		}

		var covered []*strava.SummaryActivity
		for i := range activities {
			if err := ctx.Err(); err != nil {
				return err
			}
			a := &activities[i]
			v, known := versions[a.ID]

			out, err := r.process(ctx, a, v, known)
			if err != nil {
				return err
			}
			if out == outcomeSkipped {
				if hold == nil || a.StartDate.Before(*hold) {
					start := a.StartDate
					hold = &start
				}
				continue
			}
			covered = append(covered, a)
		}

		if err := r.advance(ctx, page, covered, hold); err != nil {
			return err
		}
	}
}

// advance moves last_synced_at to the latest start committed on the page, but
// never past a skipped activity and never backwards.
func (r *run) advance(ctx context.Context, page int, covered []*strava.SummaryActivity, hold *time.Time) error {
	r.transition(StateAdvanceCursor)

	var (
		next   time.Time
		cursor int64
	)
	for _, a := range covered {
		start := a.StartDate.UTC()
		if start.After(next) || (start.Equal(next) && a.ID > cursor) {
			next, cursor = start, a.ID
		}
	}
	if hold != nil {
		// after= is exclusive, so stopping a second short relists the skipped activity.
		if limit := hold.UTC().Add(-time.Second); next.After(limit) {
			next, cursor = limit, 0
		}
	}

	if next.IsZero() || (r.state.LastSyncedAt != nil && !next.After(*r.state.LastSyncedAt)) {
		r.log.WithField("page", page).Debug("cursor unchanged")
		return nil
	}

	r.state.LastSyncedAt = &next
	if cursor != 0 {
		r.state.Cursor = &cursor
	}
	r.state.Stats = r.statsJSON()
	if err := r.store.SetSyncState(context.WithoutCancel(ctx), r.state); err != nil {
		return err
	}
	r.res.LastSyncedAt = next
	r.log.WithFields(logrus.Fields{"page": page, "last_synced_at": next}).Info("advanced sync cursor")
	return nil
}

func (r *run) succeed(ctx context.Context) {
	r.transition(StateDone)
	now := r.now().UTC()
	r.state.LastSuccessAt = &now
	r.state.LastError = nil
	r.state.Stats = r.statsJSON()
	// Leave the cursor as advance wrote it.
	st := *r.state
	st.LastSyncedAt = nil
	if err := r.store.SetSyncState(context.WithoutCancel(ctx), &st); err != nil {
		r.log.WithError(err).Warn("unable to record sync success")
	}
	r.log.WithFields(logrus.Fields{
		"mode":         r.res.Mode,
		"pages":        r.res.Pages,
		"listed":       r.res.Listed,
		"committed":    r.res.Committed,
		"unchanged":    r.res.Unchanged,
		"skipped":      r.res.Skipped,
		"gear_fetched": r.res.GearFetched,
	}).Info("sync complete")
}

func (r *run) fail(ctx context.Context, err error) error {
	r.transition(StateFailed)
	r.res.Err = fmt.Errorf("sync run %s failed after committing %d activities: %w", r.res.RunID, r.res.Committed, err)
	r.log.WithError(err).WithField("committed", r.res.Committed).Error("sync failed")

	if r.state != nil {
		msg := err.Error()
		r.state.LastError = &msg
		r.state.Stats = r.statsJSON()
		st := *r.state
		st.LastSyncedAt = nil
		if serr := r.store.SetSyncState(context.WithoutCancel(ctx), &st); serr != nil {
			r.log.WithError(serr).Warn("unable to record sync failure")
		}
	}
	return r.res.Err
}

func (r *run) statsJSON() []byte {
	b, err := json.Marshal(r.res.stats(r.now().Sub(r.started)))
	if err != nil {
		return nil
	}
	return b
}
