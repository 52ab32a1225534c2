package board

import "fmt"

// Move encodes a chess move in 32 bits:
//
//	bits 0-5:   from square (0-63)
//	bits 6-11:  to square (0-63)
//	bits 12-15: moved piece type
//	bits 16-19: captured piece type (NoPieceType if none)
//	bits 20-23: promotion piece type (NoPieceType if none)
//	bit  24:    capture flag
//	bit  25:    promotion flag
//	bit  26:    en passant flag
//	bit  27:    castling flag
//	bit  28:    null-move flag
//
// Carrying the moved and captured piece alongside from/to lets move ordering
// and SEE read them without a position lookup, and lets Undo avoid storing
// a full board snapshot.
type Move uint32

const (
	moveFromShift  = 0
	moveToShift    = 6
	movePieceShift = 12
	moveCapShift   = 16
	movePromoShift = 20
	moveFlagShift  = 24

	moveSquareMask = 0x3F
	movePieceMask  = 0xF

	FlagCapture   Move = 1 << (moveFlagShift + 0)
	FlagPromotion Move = 1 << (moveFlagShift + 1)
	FlagEnPassant Move = 1 << (moveFlagShift + 2)
	FlagCastling  Move = 1 << (moveFlagShift + 3)
	flagNull      Move = 1 << (moveFlagShift + 4)
)

// NoMove represents an invalid or absent move.
const NoMove Move = 0

// NullMove is the sentinel used for null-move pruning. It carries no
// from/to/piece information and must never be passed to apply/undo.
const NullMove Move = flagNull

func packMove(from, to Square, moved, captured, promo PieceType, flags Move) Move {
	return Move(from&moveSquareMask)<<moveFromShift |
		Move(to&moveSquareMask)<<moveToShift |
		Move(moved&movePieceMask)<<movePieceShift |
		Move(captured&movePieceMask)<<moveCapShift |
		Move(promo&movePieceMask)<<movePromoShift |
		flags
}

// NewMove creates a quiet (non-capturing, non-promoting) move.
func NewMove(from, to Square, moved PieceType) Move {
	return packMove(from, to, moved, NoPieceType, NoPieceType, 0)
}

// NewCapture creates an ordinary capturing move.
func NewCapture(from, to Square, moved, captured PieceType) Move {
	return packMove(from, to, moved, captured, NoPieceType, FlagCapture)
}

// NewPromotion creates a promotion move, optionally also a capture.
func NewPromotion(from, to Square, captured, promo PieceType) Move {
	flags := FlagPromotion
	if captured != NoPieceType {
		flags |= FlagCapture
	}
	return packMove(from, to, Pawn, captured, promo, flags)
}

// NewEnPassant creates an en passant capture move.
func NewEnPassant(from, to Square) Move {
	return packMove(from, to, Pawn, Pawn, NoPieceType, FlagCapture|FlagEnPassant)
}

// NewCastling creates a castling move (king's movement only; the generator
// and apply/undo logic are responsible for moving the rook atomically).
func NewCastling(from, to Square) Move {
	return packMove(from, to, King, NoPieceType, NoPieceType, FlagCastling)
}

// From returns the origin square.
func (m Move) From() Square {
	return Square((m >> moveFromShift) & moveSquareMask)
}

// To returns the destination square.
func (m Move) To() Square {
	return Square((m >> moveToShift) & moveSquareMask)
}

// MovedPiece returns the piece type that moved.
func (m Move) MovedPiece() PieceType {
	return PieceType((m >> movePieceShift) & movePieceMask)
}

// CapturedPiece returns the captured piece type, or NoPieceType if this is
// not a capture.
func (m Move) CapturedPiece() PieceType {
	return PieceType((m >> moveCapShift) & movePieceMask)
}

// Promotion returns the promotion piece type (only valid if IsPromotion()).
func (m Move) Promotion() PieceType {
	return PieceType((m >> movePromoShift) & movePieceMask)
}

// IsPromotion returns true if this is a promotion move.
func (m Move) IsPromotion() bool {
	return m&FlagPromotion != 0
}

// IsCastling returns true if this is a castling move.
func (m Move) IsCastling() bool {
	return m&FlagCastling != 0
}

// IsEnPassant returns true if this is an en passant capture.
func (m Move) IsEnPassant() bool {
	return m&FlagEnPassant != 0
}

// IsNull returns true if this is the null-move sentinel.
func (m Move) IsNull() bool {
	return m&flagNull != 0
}

// IsCapture returns true if this move captures a piece.
func (m Move) IsCapture() bool {
	return m&FlagCapture != 0
}

// IsQuiet returns true if this is neither a capture nor a promotion.
func (m Move) IsQuiet() bool {
	return !m.IsCapture() && !m.IsPromotion()
}

// String returns the UCI format of the move (e.g., "e2e4", "e7e8q").
func (m Move) String() string {
	if m == NoMove {
		return "0000"
	}

	s := m.From().String() + m.To().String()

	if m.IsPromotion() {
		promoChars := map[PieceType]byte{Knight: 'n', Bishop: 'b', Rook: 'r', Queen: 'q'}
		s += string(promoChars[m.Promotion()])
	}

	return s
}

// ParseMove parses a UCI format move string against the given position,
// filling in the moved/captured piece fields from board state.
func ParseMove(s string, pos *Position) (Move, error) {
	if len(s) < 4 {
		return NoMove, fmt.Errorf("invalid move string: %s", s)
	}

	from, err := ParseSquare(s[0:2])
	if err != nil {
		return NoMove, err
	}

	to, err := ParseSquare(s[2:4])
	if err != nil {
		return NoMove, err
	}

	piece := pos.PieceAt(from)
	if piece == NoPiece {
		return NoMove, fmt.Errorf("no piece at %s", from)
	}
	pt := piece.Type()

	captured := NoPieceType
	if target := pos.PieceAt(to); target != NoPiece {
		captured = target.Type()
	}

	if len(s) == 5 {
		var promo PieceType
		switch s[4] {
		case 'n':
			promo = Knight
		case 'b':
			promo = Bishop
		case 'r':
			promo = Rook
		case 'q':
			promo = Queen
		default:
			return NoMove, fmt.Errorf("invalid promotion piece: %c", s[4])
		}
		return NewPromotion(from, to, captured, promo), nil
	}

	if pt == King && abs(int(to)-int(from)) == 2 {
		return NewCastling(from, to), nil
	}

	if pt == Pawn && to == pos.EnPassant && pos.EnPassant != NoSquare {
		return NewEnPassant(from, to), nil
	}

	if captured != NoPieceType {
		return NewCapture(from, to, pt, captured), nil
	}
	return NewMove(from, to, pt), nil
}

// MoveList is a fixed-size list of moves to avoid allocations.
type MoveList struct {
	moves [256]Move
	count int
}

// NewMoveList creates an empty move list.
func NewMoveList() *MoveList {
	return &MoveList{}
}

// Add adds a move to the list.
func (ml *MoveList) Add(m Move) {
	ml.moves[ml.count] = m
	ml.count++
}

// Len returns the number of moves in the list.
func (ml *MoveList) Len() int {
	return ml.count
}

// Get returns the move at index i.
func (ml *MoveList) Get(i int) Move {
	return ml.moves[i]
}

// Set sets the move at index i.
func (ml *MoveList) Set(i int, m Move) {
	ml.moves[i] = m
}

// Swap swaps two moves in the list.
func (ml *MoveList) Swap(i, j int) {
	ml.moves[i], ml.moves[j] = ml.moves[j], ml.moves[i]
}

// Clear clears the list.
func (ml *MoveList) Clear() {
	ml.count = 0
}

// Contains returns true if the list contains the move.
func (ml *MoveList) Contains(m Move) bool {
	for i := 0; i < ml.count; i++ {
		if ml.moves[i] == m {
			return true
		}
	}
	return false
}

// Slice returns the moves as a slice.
func (ml *MoveList) Slice() []Move {
	return ml.moves[:ml.count]
}

// UndoInfo stores the information needed to undo a move. Since the moved
// and captured piece kinds already live inside Move, only the state that
// Move cannot reconstruct needs to be kept here.
type UndoInfo struct {
	CastlingRights CastlingRights
	EnPassant      Square
	HalfMoveClock  int
	Hash           uint64
	PawnKey        uint64
	Checkers       Bitboard
	Castled        [2]bool // Position.Castled before the move, for unmake
	Valid          bool    // true if a move was actually applied
}
