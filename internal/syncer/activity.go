package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/lildude/stravasync/internal/model"
	"github.com/lildude/stravasync/internal/store"
	"github.com/lildude/stravasync/internal/strava"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

type outcome int

const (
	outcomeCommitted outcome = iota
	outcomeUnchanged
	outcomeSkipped
)

// process brings one listed activity up to date. Errors other than a rejected
// detail request abort the run.
func (r *run) process(ctx context.Context, a *strava.SummaryActivity, stored store.Version, known bool) (outcome, error) {
	log := r.log.WithFields(logrus.Fields{"activity_id": a.ID, "start": a.StartDate.Format(time.RFC3339)})
	version := strava.PayloadVersion(a)

	if known && stored.HasDetail && stored.PayloadVersion == version && !r.opts.AlwaysRefetch {
		r.res.Unchanged++
		log.Debug("activity unchanged")
		return outcomeUnchanged, nil
	}

	r.transition(StateFetchDetail)
	detail, err := r.api.GetActivity(ctx, a.ID)
	var ce *strava.ClientRequestError
	if errors.As(err, &ce) {
		r.res.Skipped++
		log.WithError(err).Warn("skipping activity, detail request was refused")
		if !known {
			// Keep the listing so the gap shows up as a discrepancy.
			if err := r.store.CommitActivity(context.WithoutCancel(ctx), &store.Bundle{Activity: summaryRow(a, version, r.opts.AthleteID)}); err != nil {
				return outcomeSkipped, err
			}
		}
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}

	r.transition(StateFetchSubresources)
	b := &store.Bundle{
		Activity:    activityRow(detail, version, r.opts.AthleteID),
		Splits:      splitRows(detail.SplitsMetric),
		BestEfforts: bestEffortRows(detail.BestEfforts),
	}

	if r.opts.FetchZones {
		zones, err := r.api.GetZones(ctx, a.ID)
		switch {
		case errors.As(err, &ce):
			log.WithError(err).Warn("unable to fetch zones")
		case err != nil:
			return outcomeSkipped, err
		default:
			b.Zones = zoneRows(zones)
		}
	}

	if r.opts.FetchStreams {
		streams, err := r.api.GetStreams(ctx, a.ID)
		switch {
		case errors.As(err, &ce):
			log.WithError(err).Warn("unable to fetch streams")
		case err != nil:
			return outcomeSkipped, err
		default:
			b.Streams = streamRow(streams)
		}
	}

	if id := detail.GearID; id != "" && !r.gear[id] {
		r.gear[id] = true
		g, err := r.api.GetGear(ctx, id)
		switch {
		case errors.As(err, &ce):
			log.WithError(err).WithField("gear_id", id).Warn("unable to fetch gear")
		case err != nil:
			return outcomeSkipped, err
		default:
			r.res.GearFetched++
			b.Gear = append(b.Gear, gearRow(g))
			log.WithFields(logrus.Fields{
				"gear_id":     g.ID,
				"gear_name":   g.Name,
				"distance_km": g.Distance / 1000,
			}).Info("gear resolved")
		}
	}

	if r.weather != nil {
		if lat, lng, ok := detail.StartLocation(); ok {
			c, err := r.weather.Lookup(ctx, lat, lng, detail.StartDate)
			if err != nil {
				if ctx.Err() != nil {
					return outcomeSkipped, ctx.Err()
				}
				log.WithError(err).Warn("unable to look up weather")
			} else {
				b.Weather = &model.Weather{
					Temperature: c.Temperature,
					FeelsLike:   c.FeelsLike,
					Humidity:    c.Humidity,
					WindSpeed:   c.WindSpeed,
					WindDeg:     c.WindDeg,
					Summary:     c.Summary,
					Icon:        c.Icon,
					FetchedAt:   r.now().UTC(),
				}
			}
		}
	}

	r.transition(StateCommit)
	// A commit is never interrupted; cancellation is honoured between activities.
	if err := r.store.CommitActivity(context.WithoutCancel(ctx), b); err != nil {
		return outcomeSkipped, err
	}
	r.res.Committed++
	log.Infof("%s - %s - %s", detail.StartDateLocal.Format("2006-01-02"), detail.SportType, detail.Name)
	return outcomeCommitted, nil
}

// resolveMissingGear fetches gear that stored activities point at but that an
// earlier run could not resolve. Activities outside the listing window are
// never relisted, so this is the only place their gear gets another try.
func (r *run) resolveMissingGear(ctx context.Context) error {
	ids, err := r.store.MissingGear(ctx)
	if err != nil {
		return err
	}
	var ce *strava.ClientRequestError
	for _, id := range ids {
		if r.gear[id] {
			continue
		}
		r.gear[id] = true
		if err := ctx.Err(); err != nil {
			return err
		}

		log := r.log.WithField("gear_id", id)
		g, err := r.api.GetGear(ctx, id)
		switch {
		case errors.As(err, &ce):
			log.WithError(err).Warn("unable to fetch gear")
			continue
		case err != nil:
			return err
		}
		row := gearRow(g)
		if err := r.store.UpsertGear(context.WithoutCancel(ctx), &row); err != nil {
			return err
		}
		r.res.GearFetched++
		log.WithFields(logrus.Fields{
			"gear_name":   g.Name,
			"distance_km": g.Distance / 1000,
		}).Info("gear resolved")
	}
	return nil
}

func summaryRow(a *strava.SummaryActivity, version string, athleteID int64) *model.Activity {
	row := &model.Activity{
		RemoteID:         a.ID,
		AthleteID:        a.Athlete.ID,
		Name:             a.Name,
		SportType:        a.SportType,
		StartTime:        a.StartDate.UTC(),
		Timezone:         a.Timezone,
		ElapsedTime:      a.ElapsedTime,
		MovingTime:       a.MovingTime,
		Distance:         a.Distance,
		ElevationGain:    a.TotalElevationGain,
		Trainer:          a.Trainer,
		Commute:          a.Commute,
		AverageSpeed:     a.AverageSpeed,
		AverageHeartrate: a.AverageHeartrate,
		AverageCadence:   a.AverageCadence,
		AverageWatts:     a.AverageWatts,
		AverageTemp:      a.AverageTemp,
		PayloadVersion:   version,
	}
	if row.AthleteID == 0 {
		row.AthleteID = athleteID
	}
	if row.SportType == "" {
		row.SportType = a.Type
	}
	if a.GearID != "" {
		id := a.GearID
		row.GearID = &id
	}
	if lat, lng, ok := a.StartLocation(); ok {
		row.StartLat, row.StartLng = &lat, &lng
	}
	return row
}

func activityRow(d *strava.DetailedActivity, version string, athleteID int64) *model.Activity {
	row := summaryRow(&d.SummaryActivity, version, athleteID)
	row.HasDetail = true
	row.Raw = datatypes.JSON(d.Raw)
	return row
}

func splitRows(in []strava.Split) []model.Split {
	out := make([]model.Split, 0, len(in))
	for i, s := range in {
		idx := s.Split
		if idx == 0 {
			idx = i + 1
		}
		row := model.Split{
			SplitIndex:          idx,
			Distance:            s.Distance,
			ElapsedTime:         s.ElapsedTime,
			MovingTime:          s.MovingTime,
			ElevationDifference: s.ElevationDifference,
			AverageSpeed:        s.AverageSpeed,
			AverageHeartrate:    s.AverageHeartrate,
			PaceZone:            s.PaceZone,
		}
		if s.AverageSpeed > 0 {
			row.PaceSecondsPerKm = 1000 / s.AverageSpeed
		}
		out = append(out, row)
	}
	return out
}

func bestEffortRows(in []strava.BestEffort) []model.BestEffort {
	out := make([]model.BestEffort, 0, len(in))
	for i, e := range in {
		out = append(out, model.BestEffort{
			EffortIndex: i,
			RemoteID:    e.ID,
			Name:        e.Name,
			ElapsedTime: e.ElapsedTime,
			MovingTime:  e.MovingTime,
			Distance:    e.Distance,
			PRRank:      e.PRRank,
			StartTime:   e.StartDate.UTC(),
		})
	}
	return out
}

func zoneRows(in []strava.ActivityZone) []model.Zone {
	out := make([]model.Zone, 0)
	for _, z := range in {
		for i, b := range z.DistributionBuckets {
			out = append(out, model.Zone{
				ZoneType:    z.Type,
				BucketIndex: i,
				MinValue:    b.Min,
				MaxValue:    b.Max,
				TimeInZone:  b.Time,
			})
		}
	}
	return out
}

func streamRow(in strava.Streams) *model.Stream {
	data := func(key string) datatypes.JSON {
		s, ok := in[key]
		if !ok || len(s.Data) == 0 {
			return nil
		}
		return datatypes.JSON(s.Data)
	}
	return &model.Stream{
		Time:      data("time"),
		Distance:  data("distance"),
		Latlng:    data("latlng"),
		Altitude:  data("altitude"),
		Speed:     data("velocity_smooth"),
		Heartrate: data("heartrate"),
		Cadence:   data("cadence"),
		Watts:     data("watts"),
	}
}

func gearRow(g *strava.Gear) model.Gear {
	return model.Gear{
		RemoteID:      g.ID,
		Name:          g.Name,
		Type:          strava.GearType(g.ID),
		DistanceTotal: g.Distance,
		BrandName:     g.BrandName,
		ModelName:     g.ModelName,
		Retired:       g.Retired,
		Weight:        g.Weight,
		Primary:       g.Primary,
	}
}
