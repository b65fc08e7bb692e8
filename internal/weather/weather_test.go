package weather

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lildude/stravasync/internal/cache"
	"github.com/lildude/stravasync/internal/client"
	"github.com/lildude/stravasync/internal/logger"
	"github.com/lildude/stravasync/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }}

func TestLookup(t *testing.T) {
	rc, mux, teardown := setup()
	defer teardown()

	startIn := time.Date(2006, 1, 2, 15, 0o4, 0o5, 0, time.UTC)
	startOut := strconv.FormatInt(startIn.Unix(), 10)

	mux.HandleFunc("/data/3.0/onecall/timemachine", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		// Confirm we receive the right query params
		if q.Get("lat") != "51.509865" || q.Get("lon") != "-0.118092" || q.Get("appid") != "123456789" ||
			q.Get("units") != "metric" || q.Get("lang") != "en" || q.Get("dt") != startOut {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		resp, _ := os.ReadFile("testdata/weather.json")
		fmt.Fprintln(w, string(resp))
	})

	wc := NewClient("123456789", WithRESTClient(rc), WithLogger(logger.Discard()), WithRetryPolicy(fastRetry))
	got, err := wc.Lookup(context.Background(), 51.509865, -0.118092, startIn)
	if err != nil {
		t.Fatalf("expected nil error, got %q", err)
	}
	want := Conditions{
		Temperature: 19.13,
		FeelsLike:   16.44,
		Humidity:    64,
		WindSpeed:   3.6,
		WindDeg:     340,
		Summary:     "Clear Sky",
		Icon:        "01",
	}
	if *got != want {
		t.Errorf("expected %+v, got %+v", want, *got)
	}
	if s := got.String(); s != "☀️ Clear Sky | 🌡 19°C | 👌 16°C | 💦 64% | 💨 13km/h ↓" {
		t.Errorf("unexpected summary line %q", s)
	}
}

func TestLookupUsesCache(t *testing.T) {
	rc, mux, teardown := setup()
	defer teardown()

	var calls int32
	mux.HandleFunc("/data/3.0/onecall/timemachine", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		resp, _ := os.ReadFile("testdata/weather.json")
		fmt.Fprintln(w, string(resp))
	})

	wc := NewClient("key", WithRESTClient(rc), WithCache(cache.NewMemoryCache()), WithLogger(logger.Discard()), WithRetryPolicy(fastRetry))
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 7, 5, 0, 0, time.UTC)

	first, err := wc.Lookup(ctx, 51.5099, -0.1181, start)
	if err != nil {
		t.Fatal(err)
	}
	// Same hour, a few metres away.
	second, err := wc.Lookup(ctx, 51.5101, -0.1179, start.Add(40*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if *first != *second {
		t.Errorf("expected the cached conditions, got %+v and %+v", first, second)
	}
	if calls != 1 {
		t.Errorf("expected 1 request, got %d", calls)
	}

	if _, err := wc.Lookup(ctx, 51.5099, -0.1181, start.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected a new request for a different hour, got %d", calls)
	}
}

func TestLookupRetriesServerErrors(t *testing.T) {
	rc, mux, teardown := setup()
	defer teardown()

	var calls int32
	mux.HandleFunc("/data/3.0/onecall/timemachine", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		resp, _ := os.ReadFile("testdata/weather.json")
		fmt.Fprintln(w, string(resp))
	})

	wc := NewClient("key", WithRESTClient(rc), WithLogger(logger.Discard()), WithRetryPolicy(fastRetry))
	if _, err := wc.Lookup(context.Background(), 1, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 requests, got %d", calls)
	}
}

func TestLookupErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		calls   int32
		is      error
	}{
		{
			name:    "unauthorised",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			calls:   1,
		},
		{
			name:    "no data",
			handler: func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, `{"data":[]}`) },
			calls:   1,
			is:      ErrNoData,
		},
		{
			name:    "always failing",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			calls:   3,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rc, mux, teardown := setup()
			defer teardown()

			var calls int32
			mux.HandleFunc("/data/3.0/onecall/timemachine", func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				tc.handler(w, r)
			})

			wc := NewClient("key", WithRESTClient(rc), WithLogger(logger.Discard()), WithRetryPolicy(fastRetry))
			got, err := wc.Lookup(context.Background(), 1, 1, time.Now())
			if err == nil {
				t.Fatalf("expected error, got %+v", got)
			}
			if tc.is != nil && !errors.Is(err, tc.is) {
				t.Errorf("expected %v, got %v", tc.is, err)
			}
			if calls != tc.calls {
				t.Errorf("expected %d requests, got %d", tc.calls, calls)
			}
		})
	}
}

func TestCacheKey(t *testing.T) {
	at := time.Date(2024, 6, 1, 7, 59, 59, 0, time.UTC)
	if got, want := cacheKey(51.50986, -0.11809, at), "weather:51.51:-0.12:1717225200"; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestWindDirectionIcon(t *testing.T) {
	tests := []struct {
		degrees int
		want    string
	}{
		{0, "↓"},
		{45, "↙"},
		{90, "←"},
		{135, "↖"},
		{180, "↑"},
		{225, "↗"},
		{270, "→"},
		{315, "↘"},
		{360, "↓"},
		{-1, ""},
		{361, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.degrees), func(t *testing.T) {
			got := windDirectionIcon(tt.degrees)
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// Setup establishes a test Server that can be used to provide mock responses during testing.
// It returns a pointer to a client, a mux, the server URL and a teardown function that
// must be called when testing is complete.
func setup() (rc *client.Client, mux *http.ServeMux, teardown func()) {
	mux = http.NewServeMux()
	server := httptest.NewServer(mux)

	surl, _ := url.Parse(server.URL + "/")
	c := client.NewClient(surl, nil)

	return c, mux, server.Close
}
