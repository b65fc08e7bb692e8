// Package weather looks up the conditions at the start of an activity from the
// OpenWeatherMap One Call time machine.
package weather

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lildude/stravasync/internal/cache"
	"github.com/lildude/stravasync/internal/client"
	"github.com/lildude/stravasync/internal/ratelimit"
	"github.com/lildude/stravasync/internal/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// BaseURL is the OpenWeatherMap API root.
const BaseURL = "https://api.openweathermap.org/"

// cacheTTL keeps historical lookups for a month; past weather does not change.
const cacheTTL = 30 * 24 * time.Hour

// DefaultWindows are the free One Call plan limits.
var DefaultWindows = []ratelimit.Window{
	{Name: "minute", Limit: 60, Period: time.Minute},
	{Name: "day", Limit: 1000, Period: 24 * time.Hour},
}

// ErrNoData is returned when the API answers without any observation.
var ErrNoData = errors.New("no weather data returned")

type weather struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type data struct {
	Temp      float64   `json:"temp"`
	FeelsLike float64   `json:"feels_like"`
	Humidity  int       `json:"humidity"`
	WindSpeed float64   `json:"wind_speed"`
	WindDeg   int       `json:"wind_deg"`
	Weather   []weather `json:"weather"`
}

type timeMachine struct {
	Data []data `json:"data"`
}

// Conditions are the observed weather at a place and time.
type Conditions struct {
	Temperature float64 `json:"temperature"` // °C
	FeelsLike   float64 `json:"feels_like"`  // °C
	Humidity    int     `json:"humidity"`    // %
	WindSpeed   float64 `json:"wind_speed"`  // m/s
	WindDeg     int     `json:"wind_deg"`
	Summary     string  `json:"summary"`
	Icon        string  `json:"icon"`
}

// String renders the conditions on one line, e.g. "☀️ Clear Sky | 🌡 19°C | 👌 16°C | 💦 64% | 💨 13km/h ↓".
func (c *Conditions) String() string {
	return fmt.Sprintf("%s %s | 🌡 %d°C | 👌 %d°C | 💦 %d%% | 💨 %dkm/h %s",
		weatherIcon[c.Icon], c.Summary,
		int(math.Round(c.Temperature)), int(math.Round(c.FeelsLike)),
		c.Humidity, int(math.Round(c.WindSpeed*3.6)), windDirectionIcon(c.WindDeg))
}

var weatherIcon = map[string]string{
	"01": "☀️", // Clear
	"02": "🌤",  // Partly cloudy
	"03": "⛅",  // Scattered clouds
	"04": "🌥",  // Broken clouds
	"09": "🌧",  // Shower/rain
	"10": "🌦",  // Rain
	"11": "⛈",  // Thunderstorm
	"13": "🌨",  // Snow
	"50": "🌫",  // Mist
}

// Client fetches historical weather.
type Client struct {
	rest    *client.Client
	apiKey  string
	cache   cache.Cache
	limiter *ratelimit.Limiter
	policy  retry.Policy
	log     logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithCache keeps lookups in c.
func WithCache(c cache.Cache) Option {
	return func(w *Client) { w.cache = c }
}

// WithLimiter replaces the limiter built from DefaultWindows.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(w *Client) { w.limiter = l }
}

// WithRetryPolicy sets the policy for failed requests.
func WithRetryPolicy(p retry.Policy) Option {
	return func(w *Client) { w.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(w *Client) { w.log = l }
}

// WithRESTClient replaces the REST client, mostly to point it at a test server.
func WithRESTClient(rc *client.Client) Option {
	return func(w *Client) { w.rest = rc }
}

// NewClient returns a Client using apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	w := &Client{
		apiKey: apiKey,
		policy: retry.DefaultPolicy(),
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.rest == nil {
		u, _ := url.Parse(BaseURL)
		w.rest = client.NewClient(u, nil)
	}
	if w.limiter == nil {
		w.limiter = ratelimit.New(DefaultWindows)
	}
	w.policy.Retryable = retryable
	return w
}

// Lookup returns the conditions at lat,lng at the given time. Results are cached
// per rounded location and hour.
func (w *Client) Lookup(ctx context.Context, lat, lng float64, at time.Time) (*Conditions, error) {
	key := cacheKey(lat, lng, at)
	if w.cache != nil {
		var c Conditions
		err := w.cache.GetJSON(ctx, key, &c)
		if err == nil {
			return &c, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			w.log.WithError(err).Warn("unable to read cached weather")
		}
	}

	var d data
	err := w.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		d, err = w.getWeather(ctx, lat, lng, at.Unix())
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Conditions{
		Temperature: d.Temp,
		FeelsLike:   d.FeelsLike,
		Humidity:    d.Humidity,
		WindSpeed:   d.WindSpeed,
		WindDeg:     d.WindDeg,
	}
	if len(d.Weather) > 0 {
		c.Summary = cases.Title(language.BritishEnglish).String(d.Weather[0].Description)
		c.Icon = strings.Trim(d.Weather[0].Icon, "dn")
	}

	if w.cache != nil {
		if err := w.cache.SetJSON(ctx, key, c, cacheTTL); err != nil {
			w.log.WithError(err).Warn("unable to cache weather")
		}
	}
	return c, nil
}

func (w *Client) getWeather(ctx context.Context, lat, lng float64, dt int64) (data, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return data{}, err
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("dt", strconv.FormatInt(dt, 10))
	q.Set("appid", w.apiKey)
	q.Set("units", "metric")
	q.Set("lang", "en")

	req, err := w.rest.NewRequest(ctx, http.MethodGet, "data/3.0/onecall/timemachine?"+q.Encode(), nil)
	if err != nil {
		return data{}, fmt.Errorf("creating weather request: %w", err)
	}

	var tm timeMachine
	if _, err := w.rest.Do(req, &tm); err != nil {
		return data{}, fmt.Errorf("getting weather: %w", err)
	}
	if len(tm.Data) == 0 {
		return data{}, ErrNoData
	}
	return tm.Data[0], nil
}

func retryable(err error) bool {
	var he *client.HTTPError
	switch {
	case errors.Is(err, ErrNoData):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &he):
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// cacheKey rounds to two decimal places (about a kilometre) and the hour.
func cacheKey(lat, lng float64, at time.Time) string {
	return fmt.Sprintf("weather:%.2f:%.2f:%d", lat, lng, at.UTC().Truncate(time.Hour).Unix())
}

// Return an icon indicating the wind direction.
// Remember, this is the direction the wind is blowing from
// so we point the arrow in the direction it is going.
func windDirectionIcon(deg int) string {
	switch {
	case deg >= 0 && deg <= 22, deg >= 338 && deg <= 360:
		return "↓"
	case deg >= 23 && deg <= 67:
		return "↙"
	case deg >= 68 && deg <= 112:
		return "←"
	case deg >= 113 && deg <= 157:
		return "↖"
	case deg >= 158 && deg <= 202:
		return "↑"
	case deg >= 203 && deg <= 247:
		return "↗"
	case deg >= 248 && deg <= 292:
		return "→"
	case deg >= 293 && deg <= 337:
		return "↘"
	}
	return ""
}
