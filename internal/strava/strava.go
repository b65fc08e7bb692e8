// Package strava is a rate-limited, retrying client for the parts of the Strava v3
// API needed to mirror an athlete's activities.
package strava

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lildude/stravasync/internal/client"
	"github.com/lildude/stravasync/internal/ratelimit"
	"github.com/lildude/stravasync/internal/retry"
	"github.com/sirupsen/logrus"
)

const (
	// BaseURL is the Strava v3 API root.
	BaseURL = "https://www.strava.com/api/v3/"

	DefaultPageSize = 50
	MaxPageSize     = 200
)

// DefaultWindows are Strava's standard application limits.
var DefaultWindows = []ratelimit.Window{
	{Name: "short", Limit: 100, Period: 15 * time.Minute},
	{Name: "long", Limit: 1000, Period: 24 * time.Hour},
}

// TokenProvider supplies bearer tokens. credentials.Manager implements it.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, stale string) (string, error)
}

// Client talks to the Strava API on behalf of one athlete.
type Client struct {
	rest    *client.Client
	tokens  TokenProvider
	limiter *ratelimit.Limiter
	policy  retry.Policy
	log     logrus.FieldLogger

	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLimiter replaces the default limiter built from DefaultWindows.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithRetryPolicy sets the policy for throttled, failed or unreachable requests.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient returns a Client that authenticates with tokens.
func NewClient(tokens TokenProvider, opts ...Option) (*Client, error) {
	c := &Client{
		tokens:  tokens,
		policy:  retry.DefaultPolicy(),
		log:     logrus.StandardLogger(),
		baseURL: BaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing strava base URL: %w", err)
	}
	c.rest = client.NewClient(u, c.httpClient)
	if c.limiter == nil {
		c.limiter = ratelimit.New(DefaultWindows)
	}
	c.policy.Retryable = retryable
	return c, nil
}

// Limiter returns the limiter guarding every request.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// ListActivities returns one page of the athlete's activities started after the
// given time. A zero after lists from the beginning. With after set Strava returns
// the page in ascending start order.
func (c *Client) ListActivities(ctx context.Context, page, perPage int, after time.Time) ([]SummaryActivity, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = DefaultPageSize
	}
	if perPage > MaxPageSize {
		perPage = MaxPageSize
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	// after=0 keeps the listing ascending for a full sync too.
	var epoch int64
	if !after.IsZero() {
		epoch = after.Unix()
	}
	q.Set("after", strconv.FormatInt(epoch, 10))

	var as []SummaryActivity
	if err := c.get(ctx, "list activities", "athlete/activities", q, &as); err != nil {
		return nil, err
	}
	return as, nil
}

// GetActivity returns the detailed activity, including all best efforts.
func (c *Client) GetActivity(ctx context.Context, id int64) (*DetailedActivity, error) {
	q := url.Values{}
	q.Set("include_all_efforts", "true")

	var a DetailedActivity
	if err := c.get(ctx, fmt.Sprintf("get activity %d", id), fmt.Sprintf("activities/%d", id), q, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetSplits returns the metric splits of an activity. Splits are only served as
// part of the detailed activity, so this costs one detail request.
func (c *Client) GetSplits(ctx context.Context, id int64) ([]Split, error) {
	a, err := c.GetActivity(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.SplitsMetric, nil
}

// GetBestEfforts returns the best efforts of an activity. Like GetSplits it costs
// one detail request.
func (c *Client) GetBestEfforts(ctx context.Context, id int64) ([]BestEffort, error) {
	a, err := c.GetActivity(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.BestEfforts, nil
}

// GetZones returns the heart rate and power zone distributions of an activity.
func (c *Client) GetZones(ctx context.Context, id int64) ([]ActivityZone, error) {
	var zs []ActivityZone
	if err := c.get(ctx, fmt.Sprintf("get zones %d", id), fmt.Sprintf("activities/%d/zones", id), nil, &zs); err != nil {
		return nil, err
	}
	return zs, nil
}

// GetStreams returns the StreamKeys series of an activity.
func (c *Client) GetStreams(ctx context.Context, id int64) (Streams, error) {
	q := url.Values{}
	q.Set("keys", strings.Join(StreamKeys, ","))
	q.Set("key_by_type", "true")

	ss := Streams{}
	if err := c.get(ctx, fmt.Sprintf("get streams %d", id), fmt.Sprintf("activities/%d/streams", id), q, &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

// GetGear returns a bike or pair of shoes.
func (c *Client) GetGear(ctx context.Context, id string) (*Gear, error) {
	var g Gear
	if err := c.get(ctx, "get gear "+id, "gear/"+url.PathEscape(id), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// get performs an authenticated GET, retrying under the client's policy, and
// classifies the final failure.
func (c *Client) get(ctx context.Context, op, path string, q url.Values, v any) error {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var (
		attempts  int
		refreshed bool
	)
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		return c.attempt(ctx, path, v, &refreshed)
	})
	if err == nil {
		return nil
	}
	return classify(op, attempts, err)
}

// attempt sends one request, forcing a single token refresh per operation when
// the API rejects the token.
func (c *Client) attempt(ctx context.Context, path string, v any, refreshed *bool) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	err = c.send(ctx, path, token, v)
	var he *client.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnauthorized {
		return err
	}
	if *refreshed {
		return &AuthError{Op: "request " + path, Err: err}
	}
	*refreshed = true

	c.log.WithField("path", path).Info("token rejected, forcing refresh")
	token, err = c.tokens.ForceRefresh(ctx, token)
	if err != nil {
		return err
	}
	err = c.send(ctx, path, token, v)
	if errors.As(err, &he) && he.StatusCode == http.StatusUnauthorized {
		return &AuthError{Op: "request " + path, Err: err}
	}
	return err
}

func (c *Client) send(ctx context.Context, path, token string, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := c.rest.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return &requestError{err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.rest.Do(req, v)
	if resp != nil {
		logUsage(c.log, resp.Header)
	}
	if err == nil {
		return nil
	}
	var he *client.HTTPError
	if errors.As(err, &he) {
		if he.StatusCode == http.StatusTooManyRequests {
			c.log.WithField("path", path).Warn("strava rate limit exceeded")
		}
		return err
	}
	if resp != nil {
		// The response arrived but could not be decoded.
		return &requestError{err}
	}
	return err
}

// requestError marks failures that come from the request or response itself
// rather than the network.
type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var (
		ae *AuthError
		re *requestError
		he *client.HTTPError
	)
	switch {
	case errors.As(err, &ae), errors.As(err, &re):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &he):
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func classify(op string, attempts int, err error) error {
	var (
		ae *AuthError
		re *requestError
		he *client.HTTPError
	)
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &re):
		return &ClientRequestError{Op: op, Err: re.err}
	case errors.As(err, &he):
		if retryable(he) {
			return &TransientAPIError{Op: op, StatusCode: he.StatusCode, Attempts: attempts, Err: err}
		}
		return &ClientRequestError{Op: op, StatusCode: he.StatusCode, Err: err}
	}
	return &TransientAPIError{Op: op, Attempts: attempts, Err: err}
}

// logUsage records Strava's view of the budget, e.g. "X-RateLimit-Usage: 31,402".
func logUsage(log logrus.FieldLogger, h http.Header) {
	usage := h.Get("X-RateLimit-Usage")
	if usage == "" {
		return
	}
	log.WithFields(logrus.Fields{
		"limit": h.Get("X-RateLimit-Limit"),
		"usage": usage,
	}).Debug("strava rate limit usage")
}
