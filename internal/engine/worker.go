package engine

import (
	"math"
	"sync/atomic"

	"github.com/gaspox/scacchista/internal/board"
	"github.com/gaspox/scacchista/internal/tablebase"
)

// maxCheckExtensions caps the total number of check-extension plies a single
// search branch may accumulate, preventing search explosion on positions
// with long forcing check sequences.
const maxCheckExtensions = 16

// Worker represents a search worker for parallel Lazy SMP search. Each
// worker has its own position copy, move-ordering tables and pawn hash but
// shares the transposition table with its siblings.
type Worker struct {
	id int

	pos     *board.Position
	orderer *MoveOrderer

	nodes uint64
	pv    PVTable

	undoStack [MaxPly]board.UndoInfo

	// Position history for repetition detection. rootPosHashes holds the
	// game history up to (not including) the search root; posHistoryBuffer
	// is the pre-allocated working copy extended during search so negamax
	// never allocates.
	posHistoryBuffer [MaxPly + 640]uint64
	posHistoryLen    int
	rootPosHashes    []uint64

	// extensions accumulated on the current branch, indexed by ply.
	extCount [MaxPly]int

	// excludedRootMoves lists moves skipped at the root, used to implement
	// Multi-PV by re-running the search with already-reported moves excluded.
	excludedRootMoves []board.Move

	tt        *TranspositionTable
	pawnTable *PawnTable
	stopFlag  *atomic.Bool

	tbProber     tablebase.Prober
	tbProbeDepth int

	resultCh chan<- WorkerResult
	depth    int

	// Aspiration jitter: worker-id-derived perturbation applied to each
	// worker's starting window so siblings sharing one TT explore slightly
	// different lines instead of converging on identical work.
	jitter int
}

// WorkerResult contains the result from a worker's search at a given depth.
type WorkerResult struct {
	WorkerID int
	Depth    int
	Score    int
	Move     board.Move
	PV       []board.Move
	Nodes    uint64
}

// NewWorker creates a new search worker.
func NewWorker(id int, tt *TranspositionTable, pawnTable *PawnTable, stopFlag *atomic.Bool) *Worker {
	return &Worker{
		id:        id,
		orderer:   NewMoveOrderer(),
		tt:        tt,
		pawnTable: pawnTable,
		stopFlag:  stopFlag,
		jitter:    (id % 5) * 7,
	}
}

// SetTablebase sets the tablebase prober for this worker.
func (w *Worker) SetTablebase(prober tablebase.Prober, probeDepth int) {
	w.tbProber = prober
	w.tbProbeDepth = probeDepth
	if w.tbProbeDepth < 1 {
		w.tbProbeDepth = 1
	}
}

// ID returns the worker's ID.
func (w *Worker) ID() int { return w.id }

// Nodes returns the number of nodes searched by this worker.
func (w *Worker) Nodes() uint64 { return w.nodes }

// Jitter returns this worker's aspiration-window perturbation in centipawns,
// used by the root driver to diversify Lazy-SMP siblings.
func (w *Worker) Jitter() int { return w.jitter }

// Reset resets the worker for a new search.
func (w *Worker) Reset() {
	w.nodes = 0
	w.orderer.Clear()
}

// SetRootHistory sets the position history from the game (for repetition detection).
func (w *Worker) SetRootHistory(hashes []uint64) {
	w.rootPosHashes = make([]uint64, len(hashes))
	copy(w.rootPosHashes, hashes)
}

// SetResultChannel sets the channel for sending results.
func (w *Worker) SetResultChannel(ch chan<- WorkerResult) {
	w.resultCh = ch
}

// SetExcludedMoves sets the moves to exclude at root (for Multi-PV).
func (w *Worker) SetExcludedMoves(moves []board.Move) {
	w.excludedRootMoves = moves
}

// InitSearch prepares the worker to search pos, which must be a dedicated
// copy not shared with any other worker.
func (w *Worker) InitSearch(pos *board.Position) {
	w.pos = pos

	rootLen := len(w.rootPosHashes)
	if rootLen > 640 {
		rootLen = 640
		copy(w.posHistoryBuffer[:rootLen], w.rootPosHashes[len(w.rootPosHashes)-640:])
	} else {
		copy(w.posHistoryBuffer[:rootLen], w.rootPosHashes)
	}
	w.posHistoryBuffer[rootLen] = w.pos.Hash
	w.posHistoryLen = rootLen + 1
}

// Pos returns the worker's current position.
func (w *Worker) Pos() *board.Position { return w.pos }

// SearchDepth runs the root search at depth within [alpha, beta] and
// publishes the result over the worker's result channel.
func (w *Worker) SearchDepth(depth, alpha, beta int) (board.Move, int) {
	w.depth = depth
	w.extCount[0] = 0

	score := w.negamax(depth, 0, alpha, beta, board.NoMove, false)

	var bestMove board.Move
	if w.pv.length[0] > 0 {
		bestMove = w.pv.moves[0][0]
	}

	if bestMove == board.NoMove && !w.stopFlag.Load() {
		moves := w.pos.GenerateLegalMoves()
		for i := 0; i < moves.Len(); i++ {
			if !w.isExcludedRootMove(moves.Get(i)) {
				bestMove = moves.Get(i)
				break
			}
		}
	}

	if w.resultCh != nil && !w.stopFlag.Load() {
		w.resultCh <- WorkerResult{
			WorkerID: w.id,
			Depth:    depth,
			Score:    score,
			Move:     bestMove,
			PV:       w.pv.Line(),
			Nodes:    w.nodes,
		}
	}

	return bestMove, score
}

func (w *Worker) evaluate() int {
	return EvaluateWithPawnTable(w.pos, w.pawnTable)
}

// evaluateFast is the cheap material+PSQT evaluator used at quiescence
// leaves, where calling the full tapered evaluator at every node would
// dominate search time.
func (w *Worker) evaluateFast() int {
	return EvaluateFast(w.pos)
}

func (w *Worker) stopped() bool { return w.stopFlag.Load() }

// GetPV returns the principal variation from the last search.
func (w *Worker) GetPV() []board.Move { return w.pv.Line() }

func (w *Worker) isExcludedRootMove(move board.Move) bool {
	for _, excluded := range w.excludedRootMoves {
		if move == excluded {
			return true
		}
	}
	return false
}

// isDraw reports 50-move, insufficient-material and repetition draws.
func (w *Worker) isDraw() bool {
	if w.pos.HalfMoveClock >= 100 {
		return true
	}
	if w.pos.IsInsufficientMaterial() {
		return true
	}
	if w.posHistoryLen > 0 {
		// The last entry is the current position itself; only earlier
		// occurrences count as a repetition.
		currentHash := w.pos.Hash
		for i := 0; i < w.posHistoryLen-1; i++ {
			if w.posHistoryBuffer[i] == currentHash {
				return true
			}
		}
	}
	return false
}

func (w *Worker) pushHistory(hash uint64) {
	if w.posHistoryLen < len(w.posHistoryBuffer) {
		w.posHistoryBuffer[w.posHistoryLen] = hash
	}
	w.posHistoryLen++
}

func (w *Worker) popHistory() {
	if w.posHistoryLen > 0 {
		w.posHistoryLen--
	}
}

// futilityMargins holds the depth<=2 futility pruning margins in centipawns.
var futilityMargins = [3]int{0, 200, 300}

// lmrReduction implements the spec's literal late-move-reduction formula:
// r = floor(0.75 + ln(d)*ln(i)/2.25), clamped to [0, d-1].
func lmrReduction(depth, moveIndex int) int {
	if depth < 1 || moveIndex < 1 {
		return 0
	}
	r := int(0.75 + math.Log(float64(depth))*math.Log(float64(moveIndex))/2.25)
	if r < 0 {
		r = 0
	}
	if r > depth-1 {
		r = depth - 1
	}
	return r
}

// negamax implements principal-variation search with the closed set of
// pruning and extension techniques named by the specification: null-move
// pruning, depth<=2 futility, internal iterative reduction, check
// extensions (capped), and late-move reductions.
func (w *Worker) negamax(depth, ply int, alpha, beta int, prevMove board.Move, cutNode bool) int {
	if ply >= MaxPly-1 {
		return w.evaluate()
	}

	if w.nodes&4095 == 0 && w.stopFlag.Load() {
		return 0
	}
	w.nodes++

	isPV := beta-alpha > 1
	w.pv.length[ply] = ply

	if ply > 0 && w.isDraw() {
		return 0
	}

	if ply > 0 && w.tbProber != nil && depth >= w.tbProbeDepth {
		pieceCount := tablebase.CountPieces(w.pos)
		if pieceCount <= w.tbProber.MaxPieces() {
			tbResult := w.tbProber.Probe(w.pos)
			if tbResult.Found {
				tbScore := tablebase.WDLToScore(tbResult.WDL, ply)
				switch tbResult.WDL {
				case tablebase.WDLWin, tablebase.WDLCursedWin:
					if tbScore >= beta {
						w.tt.Store(w.pos.Hash, MaxPly, AdjustScoreToTT(tbScore, ply), TTLowerBound, board.NoMove)
						return tbScore
					}
				case tablebase.WDLLoss, tablebase.WDLBlessedLoss:
					if tbScore <= alpha {
						w.tt.Store(w.pos.Hash, MaxPly, AdjustScoreToTT(tbScore, ply), TTUpperBound, board.NoMove)
						return tbScore
					}
				default:
					w.tt.Store(w.pos.Hash, MaxPly, AdjustScoreToTT(tbScore, ply), TTExact, board.NoMove)
					return tbScore
				}
			}
		}
	}

	var ttMove board.Move
	ttEntry, found := w.tt.Probe(w.pos.Hash)
	if found {
		ttMove = ttEntry.BestMove(w.pos)
		if !isPV && int(ttEntry.Depth) >= depth {
			score := AdjustScoreFromTT(int(ttEntry.Score), ply)
			switch ttEntry.Flag {
			case TTExact:
				return score
			case TTLowerBound:
				if score >= beta {
					return beta
				}
			case TTUpperBound:
				if score <= alpha {
					return alpha
				}
			}
		}
	}

	if depth <= 0 {
		return w.quiescence(ply, alpha, beta)
	}

	inCheck := w.pos.InCheck()

	// Internal iterative reduction: PV nodes with no TT move at sufficient
	// depth search one ply shallower first so a TT move can be found for
	// this node's own re-search via the iterative-deepening outer loop.
	if isPV && depth >= 4 && ttMove == board.NoMove && !inCheck {
		depth--
	}

	staticEval := w.evaluate()

	// Null-move pruning: skip our own move to see if the position is still
	// good enough to cause a cutoff, with the spec's literal reduction.
	if !isPV && !inCheck && depth >= 3 && staticEval >= beta && w.pos.HasNonPawnMaterial() {
		r := 2
		if depth >= 6 {
			r = 3
		}
		nullUndo := w.pos.MakeNullMove()
		w.pushHistory(w.pos.Hash)
		nullScore := -w.negamax(depth-1-r, ply+1, -beta, -beta+1, board.NullMove, !cutNode)
		w.popHistory()
		w.pos.UnmakeNullMove(nullUndo)

		if w.stopFlag.Load() {
			return 0
		}
		if nullScore >= beta {
			return beta
		}
	}

	moves := w.pos.GenerateLegalMoves()
	if ply == 0 && len(w.excludedRootMoves) > 0 {
		filtered := board.NewMoveList()
		for i := 0; i < moves.Len(); i++ {
			if !w.isExcludedRootMove(moves.Get(i)) {
				filtered.Add(moves.Get(i))
			}
		}
		moves = filtered
	}

	if moves.Len() == 0 {
		if inCheck {
			return -MateScore + ply
		}
		return 0
	}

	scores := w.orderer.ScoreMovesWithCounter(w.pos, moves, ply, ttMove, prevMove)

	// depth<=2 futility pruning: quiet moves that cannot plausibly raise
	// alpha are skipped entirely rather than searched.
	futilityPrune := !isPV && !inCheck && depth >= 1 && depth <= 2 &&
		staticEval+futilityMargins[depth] <= alpha

	bestScore := -Infinity
	bestMove := board.NoMove
	flag := TTUpperBound
	movesSearched := 0
	legalMoves := 0

	for i := 0; i < moves.Len(); i++ {
		PickMove(moves, scores, i)
		move := moves.Get(i)

		isCapture := move.IsCapture()
		isQuiet := !isCapture && !move.IsPromotion()

		givesCheckLikely := move.MovedPiece() == board.King || isCapture || move.IsPromotion()

		if futilityPrune && isQuiet && movesSearched > 0 && !givesCheckLikely {
			continue
		}

		w.undoStack[ply] = w.pos.MakeMove(move)
		if !w.undoStack[ply].Valid {
			continue
		}
		legalMoves++
		w.pushHistory(w.pos.Hash)

		extension := 0
		if w.pos.InCheck() && w.extCount[ply] < maxCheckExtensions {
			extension = 1
			w.extCount[ply+1] = w.extCount[ply] + 1
		} else {
			w.extCount[ply+1] = w.extCount[ply]
		}

		newDepth := depth - 1 + extension

		var score int
		if movesSearched == 0 {
			score = -w.negamax(newDepth, ply+1, -beta, -alpha, move, false)
		} else {
			reduction := 0
			if depth >= 3 && isQuiet && movesSearched >= 4 && !inCheck {
				reduction = lmrReduction(depth, movesSearched+1)
				if isPV {
					reduction--
				}
				if cutNode {
					reduction++
				}
				if reduction < 0 {
					reduction = 0
				}
				if reduction > newDepth-1 {
					reduction = newDepth - 1
				}
			}

			score = -w.negamax(newDepth-reduction, ply+1, -alpha-1, -alpha, move, true)
			if score > alpha && reduction > 0 {
				score = -w.negamax(newDepth, ply+1, -alpha-1, -alpha, move, true)
			}
			if score > alpha && score < beta {
				score = -w.negamax(newDepth, ply+1, -beta, -alpha, move, false)
			}
		}

		w.popHistory()
		w.pos.UnmakeMove(move, w.undoStack[ply])
		movesSearched++

		if w.stopFlag.Load() {
			return 0
		}

		if score > bestScore {
			bestScore = score
			bestMove = move

			if score > alpha {
				alpha = score
				flag = TTExact
				w.pv.Update(ply, move)
			}
		}

		if score >= beta {
			w.tt.Store(w.pos.Hash, depth, AdjustScoreToTT(score, ply), TTLowerBound, bestMove)
			if isQuiet {
				w.orderer.UpdateKillers(move, ply)
				w.orderer.UpdateHistory(move, depth, true)
				w.orderer.UpdateCounterMove(prevMove, move, w.pos)
			}
			return score
		}
	}

	if legalMoves == 0 {
		// No move was applied (the futility skip never touches the first
		// move, so this is not a futility outcome); this is not a terminal
		// position, so alpha is returned, never a mate score.
		return alpha
	}

	w.tt.Store(w.pos.Hash, depth, AdjustScoreToTT(bestScore, ply), flag, bestMove)
	return bestScore
}

// quiescence searches captures (and, while in check, all evasions) to
// settle tactical sequences before returning a static evaluation.
func (w *Worker) quiescence(ply, alpha, beta int) int {
	if ply >= MaxPly-1 {
		return w.evaluateFast()
	}
	if w.stopFlag.Load() {
		return 0
	}
	w.nodes++
	w.pv.length[ply] = ply

	inCheck := w.pos.InCheck()

	var standPat int
	if !inCheck {
		standPat = w.evaluateFast()
		if standPat >= beta {
			return beta
		}
		if standPat > alpha {
			alpha = standPat
		}
	}

	var moves *board.MoveList
	if inCheck {
		moves = w.pos.GenerateLegalMoves()
	} else {
		moves = w.pos.GenerateCaptures()
	}
	if moves.Len() == 0 {
		if inCheck {
			return -MateScore + ply
		}
		return alpha
	}

	scores := w.orderer.ScoreMoves(w.pos, moves, ply, board.NoMove)

	for i := 0; i < moves.Len(); i++ {
		PickMove(moves, scores, i)
		move := moves.Get(i)

		if !inCheck {
			// Delta pruning: a capture that can't plausibly close the gap
			// to alpha even with the full victim value plus a safety
			// margin is not worth searching.
			captureValue := 0
			if move.IsEnPassant() {
				captureValue = PawnValue
			} else if captured := move.CapturedPiece(); captured != board.NoPieceType {
				captureValue = pieceValues[captured]
			}
			if move.IsPromotion() {
				captureValue += pieceValues[move.Promotion()] - PawnValue
			}
			if standPat+captureValue+200 < alpha {
				continue
			}
			// SEE-based pruning: don't search captures that lose material
			// even after all recaptures (the "poisoned square" rule).
			if move.IsCapture() && SEE(w.pos, move) < 0 {
				continue
			}
		}

		undo := w.pos.MakeMove(move)
		if !undo.Valid {
			continue
		}
		w.pushHistory(w.pos.Hash)
		score := -w.quiescence(ply+1, -beta, -alpha)
		w.popHistory()
		w.pos.UnmakeMove(move, undo)

		if score >= beta {
			return beta
		}
		if score > alpha {
			alpha = score
			w.pv.Update(ply, move)
		}
	}

	return alpha
}
