package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/lildude/stravasync/internal/cache"
	"github.com/lildude/stravasync/internal/client"
	"github.com/lildude/stravasync/internal/config"
	"github.com/lildude/stravasync/internal/credentials"
	"github.com/lildude/stravasync/internal/logger"
	"github.com/lildude/stravasync/internal/ratelimit"
	"github.com/lildude/stravasync/internal/retry"
	"github.com/lildude/stravasync/internal/store"
	"github.com/lildude/stravasync/internal/strava"
	"github.com/lildude/stravasync/internal/syncer"
	"github.com/lildude/stravasync/internal/weather"
	"github.com/sirupsen/logrus"
)

// app holds the long lived pieces shared by the commands.
type app struct {
	cfg   *config.Config
	log   *logrus.Logger
	store *store.Store
	cache cache.Cache // nil without redis
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	a := &app{cfg: cfg, log: logger.New(logOutput, cfg.Log.Level)}

	a.store, err = store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.Redis.URL)
		if err != nil {
			a.store.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.cache = rc
	}
	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.WithError(err).Warn("unable to close redis connection")
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("unable to close store")
	}
}

func (a *app) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   a.cfg.Retry.MaxAttempts,
		BaseDelay:     a.cfg.Retry.BaseDelay,
		MaxDelay:      a.cfg.Retry.MaxDelay,
		JitterPercent: a.cfg.Retry.JitterPercent,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			a.log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Warn("retrying request")
		},
	}
}

// engine wires the credential manager, API client and weather client into a
// sync engine.
func (a *app) engine(ctx context.Context) (*syncer.Engine, error) {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	credOpts := []credentials.Option{
		credentials.WithTokenURL(cfg.Strava.TokenURL),
		credentials.WithRefreshMargin(cfg.Credentials.RefreshMargin),
		credentials.WithRetryPolicy(a.retryPolicy()),
		credentials.WithLogger(a.log),
	}
	if a.cache != nil {
		credOpts = append(credOpts, credentials.WithStore(credentials.NewCacheStore(a.cache, credentials.DefaultTokenKey)))
	}
	tokens := credentials.NewManager(credentials.Credential{
		ClientID:     cfg.Strava.ClientID,
		ClientSecret: cfg.Strava.ClientSecret,
		RefreshToken: cfg.Strava.RefreshToken,
	}, credOpts...)
	if err := tokens.Load(ctx); err != nil {
		a.log.WithError(err).Warn("unable to load stored token, using configured refresh token")
	}

	limiter := ratelimit.New([]ratelimit.Window{
		{Name: "short", Limit: cfg.Strava.ShortLimit, Period: cfg.Strava.ShortWindow},
		{Name: "long", Limit: cfg.Strava.LongLimit, Period: cfg.Strava.LongWindow},
	},
		ratelimit.WithMinInterval(cfg.Strava.MinInterval),
		ratelimit.WithWaitHook(func(d time.Duration, w ratelimit.Window) {
			a.log.WithFields(logrus.Fields{"window": w.String(), "wait": d}).Info("rate limit reached, waiting")
		}),
	)
	api, err := strava.NewClient(tokens,
		strava.WithBaseURL(cfg.Strava.BaseURL),
		strava.WithLimiter(limiter),
		strava.WithRetryPolicy(a.retryPolicy()),
		strava.WithLogger(a.log),
	)
	if err != nil {
		return nil, err
	}

	opts := []syncer.Option{syncer.WithLogger(a.log)}
	if a.cache != nil {
		opts = append(opts, syncer.WithLocker(a.cache))
	}
	if cfg.Weather.APIKey != "" {
		u, err := url.Parse(cfg.Weather.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing weather base URL: %w", err)
		}
		wopts := []weather.Option{
			weather.WithRESTClient(client.NewClient(u, nil)),
			weather.WithRetryPolicy(a.retryPolicy()),
			weather.WithLogger(a.log),
		}
		if a.cache != nil {
			wopts = append(wopts, weather.WithCache(a.cache))
		}
		opts = append(opts, syncer.WithWeather(weather.NewClient(cfg.Weather.APIKey, wopts...)))
	}

	return syncer.New(api, a.store, syncer.Options{
		AthleteID:     cfg.Strava.AthleteID,
		PageSize:      cfg.Strava.PageSize,
		AlwaysRefetch: cfg.Sync.AlwaysRefetch,
		FetchZones:    cfg.Sync.FetchZones,
		FetchStreams:  cfg.Sync.FetchStreams,
		LockTTL:       cfg.Sync.LockTTL,
	}, opts...), nil
}

// logOutput is where the JSON log goes. Command output stays on stdout.
var logOutput io.Writer = os.Stderr
