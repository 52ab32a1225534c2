package engine

import (
	"testing"
	"time"

	"github.com/gaspox/scacchista/internal/board"
)

func TestMultiPV(t *testing.T) {
	pos := board.NewPosition()
	eng := NewEngine(16)
	eng.SetThreads(1)
	eng.SetMultiPV(3)

	var lastScore []SearchInfo
	eng.OnInfo = func(info SearchInfo) {
		lastScore = append(lastScore, info)
	}

	limits := UCILimits{Depth: 4, MoveTime: 2 * time.Second}
	move := eng.SearchWithUCILimits(pos, limits, 0)
	if move == board.NoMove {
		t.Fatal("expected a best move")
	}

	seenByIndex := map[int]bool{}
	for _, info := range lastScore {
		seenByIndex[info.MultiPVIndex] = true
	}
	if len(seenByIndex) < 2 {
		t.Fatalf("expected info for at least 2 principal variations, got %d", len(seenByIndex))
	}
}

func TestSearchBasic(t *testing.T) {
	pos := board.NewPosition()
	eng := NewEngine(16)
	eng.SetThreads(1)

	move := eng.SearchWithUCILimits(pos, UCILimits{Depth: 4}, 0)
	if move == board.NoMove {
		t.Error("Search returned NoMove for starting position")
	}
	t.Logf("Best move: %s", move.String())
}

// TestConcurrentSearchRace is a stress test for multi-threaded search.
// Run with: GOMAXPROCS=8 go test -race -run TestConcurrentSearchRace ./internal/engine -v
// This test verifies that parallel search doesn't have race conditions.
func TestConcurrentSearchRace(t *testing.T) {
	eng := NewEngine(16)

	iterations := 10
	if testing.Short() {
		iterations = 3
	}

	for i := 0; i < iterations; i++ {
		var pos *board.Position
		var err error
		if i%2 == 0 {
			pos, err = board.ParseFEN("rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR w KQkq e6 0 2")
		} else {
			pos, err = board.ParseFEN("rnbqkbnr/ppp1pppp/8/3p4/3P4/8/PPP1PPPP/RNBQKBNR w KQkq d6 0 2")
		}
		if err != nil {
			t.Fatalf("ParseFEN: %v", err)
		}

		limits := UCILimits{Depth: 6, MoveTime: 500 * time.Millisecond}
		move := eng.SearchWithUCILimits(pos, limits, 2)
		if move == board.NoMove {
			t.Errorf("Iteration %d: Search returned NoMove", i)
		}
	}

	t.Logf("Completed %d concurrent search iterations without race condition", iterations)
}

// TestConcurrentSearchMultiplePositions tests searching different positions.
func TestConcurrentSearchMultiplePositions(t *testing.T) {
	eng := NewEngine(16)

	positions := []string{
		board.StartFEN,
		"r1bqkbnr/pppp1ppp/2n5/4p3/2B1P3/5N2/PPPP1PPP/RNBQK2R b KQkq - 3 3", // Italian Game
		"8/8/8/4k3/8/4K3/4P3/8 w - - 0 1",                                  // KP endgame
	}

	for i, fen := range positions {
		pos, err := board.ParseFEN(fen)
		if err != nil {
			t.Fatalf("Failed to parse position %d: %v", i, err)
		}

		limits := UCILimits{Depth: 5, MoveTime: 300 * time.Millisecond}
		move := eng.SearchWithUCILimits(pos, limits, 0)
		if move == board.NoMove {
			if !pos.InCheck() || pos.GenerateLegalMoves().Len() > 0 {
				t.Errorf("Position %d: Search returned NoMove", i)
			}
		} else {
			t.Logf("Position %d: best move = %s", i, move.String())
		}
	}
}

func TestPawnHashTable(t *testing.T) {
	pt := NewPawnTable(1) // 1MB

	pos := board.NewPosition()

	_, _, found := pt.Probe(pos.PawnKey)
	if found {
		t.Error("Expected cache miss on first probe")
	}

	pt.Store(pos.PawnKey, -15, -20)

	mg, eg, found := pt.Probe(pos.PawnKey)
	if !found {
		t.Error("Expected cache hit after store")
	}
	if mg != -15 || eg != -20 {
		t.Errorf("Wrong values: got mg=%d, eg=%d, want -15, -20", mg, eg)
	}

	oldKey := pos.PawnKey
	move := board.NewMove(board.E2, board.E4, board.Pawn)
	undo := pos.MakeMove(move)
	if pos.PawnKey == oldKey {
		t.Error("PawnKey should change when pawn moves")
	}

	pos.UnmakeMove(move, undo)
	if pos.PawnKey != oldKey {
		t.Error("PawnKey should be restored on unmake")
	}

	t.Logf("PawnKey: %016x", pos.PawnKey)
}
