// Package auth implements the authentication handler used to obtain the first
// Strava refresh token.
package auth

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Exchanger is the part of credentials.Manager the handler needs.
type Exchanger interface {
	AuthCodeURL(state, redirectURL string) string
	Exchange(ctx context.Context, code, redirectURL string) (*oauth2.Token, int64, error)
}

// Result is what a successful authorization produced.
type Result struct {
	AthleteID int64
	Token     *oauth2.Token
}

// Handler redirects to Strava and completes the authorization on its way back.
type Handler struct {
	Tokens      Exchanger
	State       string
	RedirectURL string
	Log         logrus.FieldLogger
	// Done receives the result of the first successful exchange.
	Done chan<- Result
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if err != nil {
		h.Log.WithError(err).Error("unable to parse form")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	state := r.Form.Get("state")
	if state == "" {
		u := h.Tokens.AuthCodeURL(h.State, h.RedirectURL)
		h.Log.WithField("url", u).Info("redirecting to strava auth")
		http.Redirect(w, r, u, http.StatusFound)
		return
	}

	if state != h.State {
		http.Error(w, "state invalid", http.StatusBadRequest)
		return
	}
	if e := r.Form.Get("error"); e != "" {
		h.Log.WithField("error", e).Warn("authorization declined")
		http.Error(w, "authorization declined: "+e, http.StatusForbidden)
		return
	}
	code := r.Form.Get("code")
	if code == "" {
		http.Error(w, "code not found", http.StatusBadRequest)
		return
	}

	token, athleteID, err := h.Tokens.Exchange(r.Context(), code, h.RedirectURL)
	if err != nil {
		h.Log.WithError(err).Error("token exchange failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.Log.WithField("athlete_id", athleteID).Info("successfully authenticated")

	if _, err := w.Write([]byte("stravasync is authorized, you can close this window.\n")); err != nil {
		h.Log.WithError(err).Warn("unable to write response")
	}

	if h.Done != nil {
		select {
		case h.Done <- Result{AthleteID: athleteID, Token: token}:
		default:
		}
	}
}
