package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lildude/stravasync/internal/credentials"
	"github.com/lildude/stravasync/internal/handlers/auth"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
)

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Grant stravasync access to a Strava account",
	Long: `Starts a local web server, sends you to Strava to approve access and prints the
resulting refresh token and athlete id. With Redis configured the token is also
stored there and picked up by the next sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.Strava.ClientID == "" || a.cfg.Strava.ClientSecret == "" {
			return errors.New("strava.client_id and strava.client_secret are required to authorize")
		}
		opts := []credentials.Option{
			credentials.WithTokenURL(a.cfg.Strava.TokenURL),
			credentials.WithLogger(a.log),
		}
		if a.cache != nil {
			opts = append(opts, credentials.WithStore(credentials.NewCacheStore(a.cache, credentials.DefaultTokenKey)))
		}
		tokens := credentials.NewManager(credentials.Credential{
			ClientID:     a.cfg.Strava.ClientID,
			ClientSecret: a.cfg.Strava.ClientSecret,
		}, opts...)

		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", listen, err)
		}
		base := "http://" + ln.Addr().String()

		done := make(chan auth.Result, 1)
		mux := http.NewServeMux()
		mux.Handle("/auth", &auth.Handler{
			Tokens:      tokens,
			State:       ulid.Make().String(),
			RedirectURL: base + "/auth",
			Log:         a.log,
			Done:        done,
		})
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.WithError(err).Error("authorization server failed")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx) //nolint:errcheck
		}()

		fmt.Fprintf(cmd.OutOrStdout(), "Open %s/auth in a browser to authorize stravasync\n", base)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-done:
			fmt.Fprintf(cmd.OutOrStdout(), "STRAVA_ATHLETE_ID=%d\nSTRAVA_REFRESH_TOKEN=%s\n", res.AthleteID, res.Token.RefreshToken)
			return nil
		}
	},
}

func init() {
	authorizeCmd.Flags().String("listen", "localhost:8089", "Address for the local callback server")

	rootCmd.AddCommand(authorizeCmd)
}
