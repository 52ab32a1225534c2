package engine

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspox/scacchista/internal/board"
	"github.com/gaspox/scacchista/internal/book"
	"github.com/gaspox/scacchista/internal/experience"
	"github.com/gaspox/scacchista/internal/tablebase"
)

// NumWorkers is the default number of parallel search workers (matches CPU cores).
var NumWorkers = runtime.GOMAXPROCS(0)

// SearchInfo reports the state of a search after each completed iteration.
type SearchInfo struct {
	Depth        int
	Score        int
	Nodes        uint64
	Time         time.Duration
	PV           []board.Move
	HashFull     int
	MultiPVIndex int // 1-based index of this principal variation
	MultiPVCount int // total number of requested principal variations
}

// SearchResult contains the result of a single PV search.
type SearchResult struct {
	Move  board.Move
	Score int
	PV    []board.Move
	Depth int
}

// Engine is the chess search engine: a shared transposition table fronted
// by a pool of Lazy-SMP workers, each with its own pawn hash.
type Engine struct {
	workers      []*Worker
	pawnTableMB  int
	tt           *TranspositionTable
	ttSizeMB     int
	stopFlag     atomic.Bool

	threads      int
	moveOverhead time.Duration
	multiPV      int

	book      *book.Book
	tablebase tablebase.Prober
	syzygyPath string

	experience *experience.Store

	rootPosHashes []uint64

	// OnInfo is invoked after every completed iteration (and after every
	// completed sub-search when MultiPV > 1).
	OnInfo func(SearchInfo)
}

// NewEngine creates a new chess engine with the given transposition table size in MB.
func NewEngine(ttSizeMB int) *Engine {
	e := &Engine{
		ttSizeMB:     ttSizeMB,
		tt:           NewTranspositionTable(ttSizeMB),
		pawnTableMB:  1,
		threads:      NumWorkers,
		moveOverhead: 80 * time.Millisecond,
		multiPV:      1,
	}
	e.rebuildWorkers()
	return e
}

func (e *Engine) rebuildWorkers() {
	e.workers = make([]*Worker, e.threads)
	for i := 0; i < e.threads; i++ {
		e.workers[i] = NewWorker(i, e.tt, NewPawnTable(e.pawnTableMB), &e.stopFlag)
		if e.tablebase != nil {
			e.workers[i].SetTablebase(e.tablebase, 1)
		}
		if len(e.rootPosHashes) > 0 {
			e.workers[i].SetRootHistory(e.rootPosHashes)
		}
	}
}

// SetThreads resizes the worker pool. Values below 1 are raised to 1; no
// upper bound is applied here or by the UCI handler.
func (e *Engine) SetThreads(n int) {
	if n < 1 {
		n = 1
	}
	e.threads = n
	e.rebuildWorkers()
}

// Threads returns the current worker count.
func (e *Engine) Threads() int { return e.threads }

// SetHashSize resizes and clears the transposition table.
func (e *Engine) SetHashSize(mb int) {
	e.ttSizeMB = mb
	e.tt = NewTranspositionTable(mb)
	e.rebuildWorkers()
}

// SetMoveOverhead sets the per-move communication buffer subtracted from
// the available clock before time budgets are computed.
func (e *Engine) SetMoveOverhead(d time.Duration) {
	e.moveOverhead = d
}

// SetMultiPV sets the number of principal variations to report.
func (e *Engine) SetMultiPV(n int) {
	if n < 1 {
		n = 1
	}
	e.multiPV = n
}

// MultiPV returns the configured number of principal variations.
func (e *Engine) MultiPV() int { return e.multiPV }

// SetStyle selects the evaluation weight profile (Normal/Tal/Petrosian).
func (e *Engine) SetStyle(s Style) {
	SetStyle(s)
}

// LoadBook loads an opening book from a Polyglot file.
func (e *Engine) LoadBook(filename string) error {
	b, err := book.LoadPolyglot(filename)
	if err != nil {
		return err
	}
	e.book = b
	return nil
}

// HasBook returns true if an opening book is loaded.
func (e *Engine) HasBook() bool { return e.book != nil }

// SetTablebase sets the tablebase prober used by the root driver and all
// workers. SyzygyPath itself is treated as opaque configuration (§6); the
// core never constructs a real Syzygy parser from it.
func (e *Engine) SetTablebase(tb tablebase.Prober) {
	e.tablebase = tb
	for _, w := range e.workers {
		w.SetTablebase(tb, 1)
	}
}

// HasTablebase returns true if a tablebase prober is available and reports
// itself ready.
func (e *Engine) HasTablebase() bool {
	return e.tablebase != nil && e.tablebase.Available()
}

// SetSyzygyPath stores the configured tablebase directory opaquely, without
// attempting to parse or validate it.
func (e *Engine) SetSyzygyPath(path string) { e.syzygyPath = path }

// SyzygyPath returns the opaque tablebase directory path.
func (e *Engine) SyzygyPath() string { return e.syzygyPath }

// SetExperience installs the experience store used to seed root move
// ordering and to record completed searches. Passing nil disables it.
func (e *Engine) SetExperience(store *experience.Store) {
	e.experience = store
}

// HasExperience reports whether an experience store is installed.
func (e *Engine) HasExperience() bool { return e.experience != nil }

// SetPositionHistory sets the position history for repetition detection.
// This should be called before a search with hashes from the game's move
// history leading up to the current position.
func (e *Engine) SetPositionHistory(hashes []uint64) {
	e.rootPosHashes = make([]uint64, len(hashes))
	copy(e.rootPosHashes, hashes)
	for _, w := range e.workers {
		w.SetRootHistory(hashes)
	}
}

// Stop stops the current search.
func (e *Engine) Stop() {
	e.stopFlag.Store(true)
}

// Clear clears the transposition table and all worker move-ordering state.
func (e *Engine) Clear() {
	e.tt.Clear()
	for _, w := range e.workers {
		w.orderer.Clear()
	}
}

// Perft counts leaf nodes at the given depth (for move generator testing).
func (e *Engine) Perft(pos *board.Position, depth int) uint64 {
	if depth == 0 {
		return 1
	}
	moves := pos.GenerateLegalMoves()
	if depth == 1 {
		return uint64(moves.Len())
	}
	var nodes uint64
	for i := 0; i < moves.Len(); i++ {
		move := moves.Get(i)
		undo := pos.MakeMove(move)
		nodes += e.Perft(pos, depth-1)
		pos.UnmakeMove(move, undo)
	}
	return nodes
}

// Evaluate returns the static evaluation of a position.
func (e *Engine) Evaluate(pos *board.Position) int {
	return Evaluate(pos)
}

func (e *Engine) getTotalNodes() uint64 {
	var total uint64
	for _, w := range e.workers {
		total += w.Nodes()
	}
	return total
}

// SearchWithUCILimits runs the engine's root driver under UCI time controls
// and returns the selected best move. ply is the current game ply (used
// only for logging/diagnostics elsewhere; the literal time formula does not
// depend on it). When MultiPV > 1, sub-searches run sequentially, excluding
// moves already reported, and OnInfo is invoked once per completed PV per
// depth. Sub-searches after the first run only under a depth limit, and only
// while each previous sub-search reached that depth; a time-, node- or
// stop-ended search reports a single PV.
func (e *Engine) SearchWithUCILimits(pos *board.Position, limits UCILimits, ply int) board.Move {
	if move, ok := e.probeOpeningMove(pos); ok {
		return move
	}

	tm := NewTimeManager()
	tm.SetMoveOverhead(e.moveOverhead)
	tm.Init(limits, pos.SideToMove, ply)

	e.stopFlag.Store(false)
	e.tt.NewSearch()
	e.seedFromExperience(pos)

	numPV := e.multiPV
	if numPV < 1 {
		numPV = 1
	}

	var excluded []board.Move
	var overallBest board.Move
	prevDepth := 0

	for pvIndex := 1; pvIndex <= numPV; pvIndex++ {
		if pvIndex > 1 {
			// Every sub-search ends with the stop flag set. The next PV is
			// searched only when the previous one completed the requested
			// depth; any other ending (time, node limit, mate, or a "stop"
			// command) ends the loop.
			if limits.Depth == 0 || prevDepth < limits.Depth {
				break
			}
			e.stopFlag.Store(false)
		}
		move, score, depth := e.runIterativeDeepening(pos, limits, tm, excluded, pvIndex, numPV)
		if move == board.NoMove {
			break
		}
		prevDepth = depth
		if pvIndex == 1 {
			overallBest = move
			e.recordExperience(pos.Hash, move, score, depth)
		}
		excluded = append(excluded, move)
	}

	return overallBest
}

// seedFromExperience probes the experience store for the root position and,
// if found, installs the remembered move in the transposition table at
// depth 0 purely as a move-ordering hint: it never meets the depth
// requirement needed to short-circuit an actual search (§10.5).
func (e *Engine) seedFromExperience(pos *board.Position) {
	if e.experience == nil {
		return
	}
	rec, ok := e.experience.Probe(pos.Hash)
	if !ok || rec.Move == board.NoMove || !pos.IsLegal(rec.Move) {
		return
	}
	e.tt.Store(pos.Hash, 0, rec.Score, TTExact, rec.Move)
}

// recordExperience asynchronously upserts the completed search's result.
// Best-effort: a write failure is not surfaced to the search.
func (e *Engine) recordExperience(hash uint64, move board.Move, score, depth int) {
	if e.experience == nil || move == board.NoMove {
		return
	}
	go e.experience.Record(hash, move, score, depth)
}

// probeOpeningMove checks the opening book and, failing that, a root
// tablebase lookup, for an immediate move without running any search.
func (e *Engine) probeOpeningMove(pos *board.Position) (board.Move, bool) {
	if e.book != nil {
		if move, ok := e.book.Probe(pos); ok {
			return move, true
		}
	}
	if e.tablebase != nil && e.tablebase.Available() {
		pieceCount := tablebase.CountPieces(pos)
		if pieceCount <= e.tablebase.MaxPieces() {
			result := e.tablebase.ProbeRoot(pos)
			if result.Found && result.Move != board.NoMove {
				return result.Move, true
			}
		}
	}
	return board.NoMove, false
}

// runIterativeDeepening fans the position out across the worker pool and
// drives iterative deepening with the literal aspiration-window policy,
// reporting each completed iteration and respecting the time manager's soft
// and hard budgets. Workers diversify via depth staggering and a per-worker
// aspiration jitter, all sharing the one transposition table.
func (e *Engine) runIterativeDeepening(pos *board.Position, limits UCILimits, tm *TimeManager, excluded []board.Move, pvIndex, pvCount int) (board.Move, int, int) {
	for _, w := range e.workers {
		w.Reset()
		w.SetExcludedMoves(excluded)
	}

	maxDepth := MaxPly
	if limits.Depth > 0 {
		maxDepth = limits.Depth
	}

	startTime := time.Now()
	resultCh := make(chan WorkerResult, len(e.workers)*8)

	var wg sync.WaitGroup
	for i := range e.workers {
		wg.Add(1)
		go e.workerSearch(i, pos, maxDepth, resultCh, &wg)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(resultCh)
		close(done)
	}()

	var bestMove board.Move
	var bestScore int
	var bestPV []board.Move
	var bestDepth int
	var lastBestMove board.Move

resultLoop:
	for {
		select {
		case result, ok := <-resultCh:
			if !ok {
				break resultLoop
			}
			if result.Move == board.NoMove {
				continue
			}
			if result.Depth > bestDepth || (result.Depth == bestDepth && result.Score > bestScore) {
				if result.Depth > bestDepth && bestMove != board.NoMove && result.Move != lastBestMove {
					tm.ExtendOnInstability()
				}
				lastBestMove = result.Move
				bestMove = result.Move
				bestScore = result.Score
				bestPV = result.PV
				bestDepth = result.Depth

				if e.OnInfo != nil {
					e.OnInfo(SearchInfo{
						Depth:        bestDepth,
						Score:        bestScore,
						Nodes:        e.getTotalNodes(),
						Time:         time.Since(startTime),
						PV:           bestPV,
						HashFull:     e.tt.HashFull(),
						MultiPVIndex: pvIndex,
						MultiPVCount: pvCount,
					})
				}

				if bestScore > MateScore-100 || bestScore < -MateScore+100 {
					e.stopFlag.Store(true)
					break resultLoop
				}
				if tm.PastOptimum() {
					e.stopFlag.Store(true)
					break resultLoop
				}
			}

			if tm.ShouldStop() {
				e.stopFlag.Store(true)
				break resultLoop
			}
			if limits.Nodes > 0 && e.getTotalNodes() >= limits.Nodes {
				e.stopFlag.Store(true)
				break resultLoop
			}
		}
	}

	e.stopFlag.Store(true)
	<-done

	return bestMove, bestScore, bestDepth
}

// workerSearch runs iterative deepening inside a single worker goroutine.
// Helper workers start at staggered depths to avoid redundant shallow work,
// and each worker applies its own small aspiration-window jitter so siblings
// sharing one TT explore slightly different lines.
func (e *Engine) workerSearch(workerID int, pos *board.Position, maxDepth int, resultCh chan<- WorkerResult, wg *sync.WaitGroup) {
	defer wg.Done()

	worker := e.workers[workerID]
	worker.InitSearch(pos.Copy())
	worker.SetResultChannel(resultCh)

	var prevScore int
	haveScore := false

	startDepth := 1
	switch {
	case workerID >= 6:
		startDepth = 4
	case workerID >= 3:
		startDepth = 3
	case workerID >= 1:
		startDepth = 2
	}

	for depth := startDepth; depth <= maxDepth; depth++ {
		if e.stopFlag.Load() {
			return
		}

		var score int
		if depth <= 4 || !haveScore {
			_, score = worker.SearchDepth(depth, -Infinity, Infinity)
		} else {
			delta := 50 + worker.Jitter()
			alpha := prevScore - delta
			beta := prevScore + delta
			for {
				_, score = worker.SearchDepth(depth, alpha, beta)
				if e.stopFlag.Load() {
					return
				}
				if score <= alpha {
					delta *= 2
					alpha = prevScore - delta
					if alpha < -Infinity {
						alpha = -Infinity
					}
					continue
				}
				if score >= beta {
					delta *= 2
					beta = prevScore + delta
					if beta > Infinity {
						beta = Infinity
					}
					continue
				}
				break
			}
		}

		if e.stopFlag.Load() {
			return
		}
		prevScore = score
		haveScore = true
	}
}
