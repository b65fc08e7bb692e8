package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/lildude/stravasync/internal/model"
	"github.com/lildude/stravasync/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync cursor and what is stored locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		return printStatus(ctx, cmd.OutOrStdout(), a.store, a.cfg.Strava.AthleteID)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printStatus(ctx context.Context, w io.Writer, st *store.Store, athleteID int64) error {
	p := message.NewPrinter(language.BritishEnglish)

	state, err := st.GetSyncState(ctx, athleteID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintf(w, "athlete %d has never been synced\n", athleteID)
	case err != nil:
		return err
	default:
		printState(w, state)
	}

	c, err := st.Counts(ctx)
	if err != nil {
		return err
	}
	p.Fprintf(w, "activities:   %d\n", c.Activities)
	p.Fprintf(w, "splits:       %d\n", c.Splits)
	p.Fprintf(w, "best efforts: %d\n", c.BestEfforts)
	p.Fprintf(w, "zones:        %d\n", c.Zones)
	p.Fprintf(w, "streams:      %d\n", c.Streams)
	p.Fprintf(w, "weather:      %d\n", c.Weather)
	p.Fprintf(w, "gear:         %d\n", c.Gear)
	return nil
}

func printState(w io.Writer, s *model.SyncState) {
	fmt.Fprintf(w, "athlete:          %d\n", s.AthleteID)
	fmt.Fprintf(w, "last synced at:   %s\n", formatTime(s.LastSyncedAt))
	fmt.Fprintf(w, "last success at:  %s\n", formatTime(s.LastSuccessAt))
	fmt.Fprintf(w, "last attempt at:  %s\n", formatTime(s.LastAttemptAt))
	if s.LastRunID != "" {
		fmt.Fprintf(w, "last run:         %s\n", s.LastRunID)
	}
	if s.LastError != nil && *s.LastError != "" {
		fmt.Fprintf(w, "last error:       %s\n", *s.LastError)
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
