package syncer

import (
	"time"
)

// State is a step of a sync run.
type State string

const (
	StateInit              State = "INIT"
	StateDetermineWindow   State = "DETERMINE_WINDOW"
	StatePaginate          State = "PAGINATE"
	StateFetchDetail       State = "FETCH_DETAIL"
	StateFetchSubresources State = "FETCH_SUBRESOURCES"
	StateCommit            State = "COMMIT"
	StateAdvanceCursor     State = "ADVANCE_CURSOR"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// Mode is how the sync window was chosen.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Result summarises a run.
type Result struct {
	RunID string
	State State
	Mode  Mode

	Pages       int
	Listed      int
	Committed   int
	Unchanged   int
	Skipped     int
	GearFetched int

	LastSyncedAt time.Time
	Err          error
}

// stats is the JSON stored on the sync state row.
type stats struct {
	RunID       string `json:"run_id"`
	Mode        Mode   `json:"mode"`
	State       State  `json:"state"`
	Pages       int    `json:"pages"`
	Listed      int    `json:"listed"`
	Committed   int    `json:"committed"`
	Unchanged   int    `json:"unchanged"`
	Skipped     int    `json:"skipped"`
	GearFetched int    `json:"gear_fetched"`
	DurationMS  int64  `json:"duration_ms"`
}

func (r *Result) stats(d time.Duration) stats {
	return stats{
		RunID:       r.RunID,
		Mode:        r.Mode,
		State:       r.State,
		Pages:       r.Pages,
		Listed:      r.Listed,
		Committed:   r.Committed,
		Unchanged:   r.Unchanged,
		Skipped:     r.Skipped,
		GearFetched: r.GearFetched,
		DurationMS:  d.Milliseconds(),
	}
}
