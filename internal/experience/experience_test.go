package experience

import (
	"testing"

	"github.com/gaspox/scacchista/internal/board"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProbeMiss(t *testing.T) {
	s := openTestStore(t)

	if _, ok := s.Probe(0x1234); ok {
		t.Fatal("expected miss on empty store")
	}
}

func TestRecordAndProbe(t *testing.T) {
	s := openTestStore(t)

	move := board.NewMove(board.E2, board.E4, board.Pawn)
	if err := s.Record(0xabcd, move, 35, 12); err != nil {
		t.Fatalf("Record: %v", err)
	}

	rec, ok := s.Probe(0xabcd)
	if !ok {
		t.Fatal("expected hit after Record")
	}
	if rec.Move != move || rec.Score != 35 || rec.Depth != 12 || rec.Visits != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestRecordIncrementsVisitsAndKeepsDeeperResult(t *testing.T) {
	s := openTestStore(t)

	deep := board.NewMove(board.G1, board.F3, board.Knight)
	shallow := board.NewMove(board.E2, board.E4, board.Pawn)

	if err := s.Record(0x1, deep, 50, 20); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(0x1, shallow, -10, 4); err != nil {
		t.Fatalf("Record: %v", err)
	}

	rec, ok := s.Probe(0x1)
	if !ok {
		t.Fatal("expected hit")
	}
	if rec.Visits != 2 {
		t.Errorf("Visits = %d, want 2", rec.Visits)
	}
	if rec.Move != deep || rec.Depth != 20 {
		t.Errorf("shallower search should not overwrite deeper record, got %+v", rec)
	}
}
