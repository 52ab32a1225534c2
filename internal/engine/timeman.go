package engine

import (
	"time"

	"github.com/gaspox/scacchista/internal/board"
)

// UCILimits contains UCI time control parameters.
type UCILimits struct {
	Time      [2]time.Duration // wtime, btime (remaining time for each color)
	Inc       [2]time.Duration // winc, binc (increment per move)
	MovesToGo int              // moves until next time control (0 = sudden death)
	MoveTime  time.Duration    // fixed time per move (overrides other time controls)
	Depth     int              // maximum search depth
	Nodes     uint64           // maximum nodes to search
	Infinite  bool             // search until stopped
	Ponder    bool             // ponder mode
}

// TimeManager derives a soft and a hard time budget from a go command's
// parameters. The soft budget is a target: the root driver may stop between
// iterations once it is exceeded. The hard budget is a ceiling: the driver
// must abandon the current iteration if it is exceeded, salvaging whatever
// partial result exists.
type TimeManager struct {
	softTime    time.Duration
	hardTime    time.Duration
	startTime   time.Time
	extended    bool
	moveOverhead time.Duration
}

// NewTimeManager creates a new time manager.
func NewTimeManager() *TimeManager {
	return &TimeManager{}
}

// SetMoveOverhead sets the per-move communication/processing buffer
// subtracted from the available time before budgets are computed.
func (tm *TimeManager) SetMoveOverhead(d time.Duration) {
	tm.moveOverhead = d
}

// Init initializes the time manager for a new search. ply is unused by the
// literal formula but kept for API symmetry with callers that track it.
func (tm *TimeManager) Init(limits UCILimits, us board.Color, ply int) {
	tm.startTime = time.Now()
	tm.extended = false

	if limits.MoveTime > 0 {
		m := limits.MoveTime
		if m > tm.moveOverhead {
			m -= tm.moveOverhead
		}
		tm.softTime = m
		tm.hardTime = m
		return
	}

	if limits.Infinite || limits.Depth > 0 || (limits.Time[us] == 0 && limits.MoveTime == 0) {
		tm.softTime = time.Hour
		tm.hardTime = time.Hour
		return
	}

	ourTime := limits.Time[us] - tm.moveOverhead
	if ourTime < time.Millisecond {
		ourTime = time.Millisecond
	}
	inc := limits.Inc[us]

	mtg := limits.MovesToGo
	if mtg < 30 {
		mtg = 30
	}

	base := ourTime / time.Duration(mtg)
	base += inc * 8 / 10

	if base < time.Millisecond {
		base = time.Millisecond
	}
	if base > ourTime {
		base = ourTime
	}

	tm.softTime = base
	tm.hardTime = 2 * base
	if tm.hardTime > ourTime {
		tm.hardTime = ourTime
	}
}

// Elapsed returns the time elapsed since search started.
func (tm *TimeManager) Elapsed() time.Duration {
	return time.Since(tm.startTime)
}

// SoftTime returns the target time for this move.
func (tm *TimeManager) SoftTime() time.Duration {
	return tm.softTime
}

// HardTime returns the maximum time allowed.
func (tm *TimeManager) HardTime() time.Duration {
	return tm.hardTime
}

// ShouldStop returns true if the hard budget has been exceeded mid-search.
func (tm *TimeManager) ShouldStop() bool {
	return tm.Elapsed() >= tm.hardTime
}

// PastOptimum returns true if the soft budget has been exceeded, meaning
// the driver may stop between iterations.
func (tm *TimeManager) PastOptimum() bool {
	return tm.Elapsed() >= tm.softTime
}

// ExtendOnInstability grants a one-time 50% extension of the soft budget
// (never beyond the hard budget) the first time the best move changes
// between two consecutive completed iterations.
func (tm *TimeManager) ExtendOnInstability() {
	if tm.extended {
		return
	}
	tm.extended = true
	tm.softTime = tm.softTime * 3 / 2
	if tm.softTime > tm.hardTime {
		tm.softTime = tm.hardTime
	}
}
