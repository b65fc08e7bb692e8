package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jarcoal/httpmock"
	"github.com/lildude/stravasync/internal/cache"
	"github.com/lildude/stravasync/internal/credentials"
	"github.com/lildude/stravasync/internal/logger"
)

func TestHandler(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	oat := `{
		"access_token":"123456789",
		"token_type":"Bearer",
		"refresh_token":"987654321",
		"expires_in":21600,
		"athlete":{
			"id":1,
			"username":"test"
			}
		}`

	httpmock.RegisterResponder("POST", credentials.TokenURL,
		httpmock.NewStringResponder(200, oat))

	r := miniredis.RunT(t)
	rc, err := cache.NewRedisCache(context.Background(), fmt.Sprintf("redis://%s", r.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	tokens := credentials.NewManager(credentials.Credential{ClientID: "1", ClientSecret: "s"},
		credentials.WithStore(credentials.NewCacheStore(rc, "")),
		credentials.WithLogger(logger.Discard()),
	)

	done := make(chan Result, 1)
	h := &Handler{
		Tokens:      tokens,
		State:       "test-state-token",
		RedirectURL: "http://localhost:8089/auth",
		Log:         logger.Discard(),
		Done:        done,
	}

	tests := []struct {
		name     string
		query    string
		want     int
		location string
	}{
		{
			"no state redirects to strava",
			"",
			http.StatusFound,
			"https://www.strava.com/oauth/authorize?",
		},
		{
			"invalid state",
			"?state=invalid-state",
			http.StatusBadRequest,
			"",
		},
		{
			"declined",
			"?state=test-state-token&error=access_denied",
			http.StatusForbidden,
			"",
		},
		{
			"valid state but no code",
			"?state=test-state-token",
			http.StatusBadRequest,
			"",
		},
		{
			"valid state and code",
			"?state=test-state-token&code=test-code",
			http.StatusOK,
			"",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest("GET", fmt.Sprintf("/auth%s", tc.query), nil) //nolint:noctx
			if err != nil {
				t.Fatal(err)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if status := rr.Code; status != tc.want {
				t.Errorf("%s: handler returned wrong status code: got %d want %d", tc.name, status, tc.want)
			}
			if loc := rr.Header().Get("Location"); !strings.HasPrefix(loc, tc.location) {
				t.Errorf("%s: redirected to %q, want prefix %q", tc.name, loc, tc.location)
			}
		})
	}

	select {
	case res := <-done:
		if res.AthleteID != 1 || res.Token.RefreshToken != "987654321" {
			t.Errorf("result = %+v, want athlete 1 with refresh token 987654321", res)
		}
	default:
		t.Fatal("no result delivered")
	}

	if n := httpmock.GetTotalCallCount(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
}
