package engine

import (
	"sync/atomic"

	"github.com/gaspox/scacchista/internal/board"
)

// TTFlag indicates the type of bound stored in the transposition table.
type TTFlag uint64

const (
	TTExact      TTFlag = iota // Exact score
	TTLowerBound               // Failed high (beta cutoff)
	TTUpperBound               // Failed low
)

// Each entry is a single 64-bit word, read and written with plain atomic
// loads/stores. A torn read (a store landing between another goroutine's
// load of the low and high halves) is tolerated: the verification fragment
// simply won't match and the probe is treated as a miss, exactly like a key
// collision. No mutex and no CAS are needed because a stale or torn entry
// can never be worse than "not found".
//
//	bits 0-15:  verification fragment (high 16 bits of the Zobrist key)
//	bits 16-21: move from-square
//	bits 22-27: move to-square
//	bits 28-30: move promotion piece (0 = none)
//	bit  31:    unused
//	bits 32-47: score (int16, already ply-normalized for mate distance)
//	bits 48-55: depth
//	bits 56-57: bound flag
//	bits 58-63: age
const (
	ttVerifyShift = 0
	ttFromShift   = 16
	ttToShift     = 22
	ttPromoShift  = 28
	ttScoreShift  = 32
	ttDepthShift  = 48
	ttFlagShift   = 56
	ttAgeShift    = 58

	ttVerifyMask = 0xFFFF
	ttSquareMask = 0x3F
	ttPromoMask  = 0x7
	ttScoreMask  = 0xFFFF
	ttDepthMask  = 0xFF
	ttFlagMask   = 0x3
	ttAgeMask    = 0x3F

	ttMaxAge = ttAgeMask
)

// bucketSize is the number of probe slots searched per Zobrist index.
// A small bucket lets the replacement policy pick the shallowest/oldest
// entry among a handful of candidates instead of always overwriting the
// single slot a hash happens to map to.
const bucketSize = 4

// promo<->3-bit code. 0 means "no promotion".
func promoToCode(pt board.PieceType) uint64 {
	switch pt {
	case board.Knight:
		return 1
	case board.Bishop:
		return 2
	case board.Rook:
		return 3
	case board.Queen:
		return 4
	default:
		return 0
	}
}

func codeToPromo(c uint64) board.PieceType {
	switch c {
	case 1:
		return board.Knight
	case 2:
		return board.Bishop
	case 3:
		return board.Rook
	case 4:
		return board.Queen
	default:
		return board.NoPieceType
	}
}

func packEntry(verify uint64, from, to board.Square, promo board.PieceType, score int, depth int, flag TTFlag, age uint64) uint64 {
	return (verify & ttVerifyMask) |
		(uint64(from)&ttSquareMask)<<ttFromShift |
		(uint64(to)&ttSquareMask)<<ttToShift |
		(promoToCode(promo)&ttPromoMask)<<ttPromoShift |
		(uint64(uint16(int16(score)))&ttScoreMask)<<ttScoreShift |
		(uint64(depth)&ttDepthMask)<<ttDepthShift |
		(uint64(flag)&ttFlagMask)<<ttFlagShift |
		(age&ttAgeMask)<<ttAgeShift
}

// TTEntry is the unpacked, user-facing view of a probed slot.
type TTEntry struct {
	From     board.Square
	To       board.Square
	Promo    board.PieceType
	Score    int16
	Depth    int8
	Flag     TTFlag
	Age      uint8
	HasMove  bool
}

func unpackEntry(word uint64) TTEntry {
	from := board.Square((word >> ttFromShift) & ttSquareMask)
	to := board.Square((word >> ttToShift) & ttSquareMask)
	promo := codeToPromo((word >> ttPromoShift) & ttPromoMask)
	return TTEntry{
		From:    from,
		To:      to,
		Promo:   promo,
		Score:   int16(uint16((word >> ttScoreShift) & ttScoreMask)),
		Depth:   int8((word >> ttDepthShift) & ttDepthMask),
		Flag:    TTFlag((word >> ttFlagShift) & ttFlagMask),
		Age:     uint8((word >> ttAgeShift) & ttAgeMask),
		HasMove: from != to,
	}
}

// BestMove reconstructs the full board.Move for this entry against pos,
// validating it is legal in the current position. Returns board.NoMove if
// the entry carries no move or the move no longer applies (key collision
// or a position reached by a different path).
func (e TTEntry) BestMove(pos *board.Position) board.Move {
	if !e.HasMove {
		return board.NoMove
	}
	m := reconstructMove(pos, e.From, e.To, e.Promo)
	if m == board.NoMove || !pos.IsLegal(m) {
		return board.NoMove
	}
	return m
}

// reconstructMove rebuilds a full Move from its from/to/promotion fields
// and the current position, mirroring board.ParseMove's tail logic without
// needing a UCI string.
func reconstructMove(pos *board.Position, from, to board.Square, promo board.PieceType) board.Move {
	piece := pos.PieceAt(from)
	if piece == board.NoPiece {
		return board.NoMove
	}
	pt := piece.Type()

	captured := board.NoPieceType
	if target := pos.PieceAt(to); target != board.NoPiece {
		captured = target.Type()
	}

	if promo != board.NoPieceType {
		return board.NewPromotion(from, to, captured, promo)
	}
	if pt == board.King && abs(int(to)-int(from)) == 2 {
		return board.NewCastling(from, to)
	}
	if pt == board.Pawn && to == pos.EnPassant && pos.EnPassant != board.NoSquare {
		return board.NewEnPassant(from, to)
	}
	if captured != board.NoPieceType {
		return board.NewCapture(from, to, pt, captured)
	}
	return board.NewMove(from, to, pt)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// TranspositionTable is a lock-free hash table of packed 64-bit entries,
// organized into small fixed-size buckets.
type TranspositionTable struct {
	words   []atomic.Uint64
	buckets uint64
	mask    uint64
	age     uint64

	hits   atomic.Uint64
	probes atomic.Uint64
}

// NewTranspositionTable creates a transposition table with the given size in MB.
func NewTranspositionTable(sizeMB int) *TranspositionTable {
	numEntries := (uint64(sizeMB) * 1024 * 1024) / 8
	numBuckets := roundDownToPowerOf2(numEntries / bucketSize)
	if numBuckets == 0 {
		numBuckets = 1
	}
	tt := &TranspositionTable{
		buckets: numBuckets,
		mask:    numBuckets - 1,
	}
	tt.words = make([]atomic.Uint64, numBuckets*bucketSize)
	return tt
}

func roundDownToPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return (n + 1) >> 1
}

func (tt *TranspositionTable) bucketStart(hash uint64) uint64 {
	return (hash & tt.mask) * bucketSize
}

func verifyFragment(hash uint64) uint64 {
	return (hash >> 48) & ttVerifyMask
}

// Probe looks up a position in the transposition table.
func (tt *TranspositionTable) Probe(hash uint64) (TTEntry, bool) {
	tt.probes.Add(1)

	verify := verifyFragment(hash)
	start := tt.bucketStart(hash)
	for i := uint64(0); i < bucketSize; i++ {
		word := tt.words[start+i].Load()
		if word == 0 {
			continue
		}
		if word&ttVerifyMask == verify {
			tt.hits.Add(1)
			return unpackEntry(word), true
		}
	}
	return TTEntry{}, false
}

// Store saves a position in the transposition table, reconstructing the
// from/to/promotion fields of bestMove for packing.
func (tt *TranspositionTable) Store(hash uint64, depth int, score int, flag TTFlag, bestMove board.Move) {
	verify := verifyFragment(hash)
	start := tt.bucketStart(hash)
	age := tt.age

	var from, to board.Square = board.NoSquare, board.NoSquare
	promo := board.NoPieceType
	if bestMove != board.NoMove {
		from, to, promo = bestMove.From(), bestMove.To(), bestMove.Promotion()
	}
	word := packEntry(verify, from, to, promo, score, depth, flag, age)

	// Find a matching slot, an empty slot, or the weakest replacement
	// candidate (oldest age, then shallowest depth) within the bucket.
	replaceIdx := start
	replaceWord := tt.words[start].Load()
	for i := uint64(0); i < bucketSize; i++ {
		idx := start + i
		existing := tt.words[idx].Load()
		if existing == 0 {
			tt.words[idx].Store(word)
			return
		}
		if existing&ttVerifyMask == verify {
			existingDepth := int((existing >> ttDepthShift) & ttDepthMask)
			if depth >= existingDepth {
				tt.words[idx].Store(word)
			}
			return
		}
		if i == 0 {
			replaceIdx, replaceWord = idx, existing
			continue
		}
		if weaker(existing, replaceWord, age) {
			replaceIdx, replaceWord = idx, existing
		}
	}
	_ = replaceWord
	tt.words[replaceIdx].Store(word)
}

// weaker reports whether candidate is a worse retention choice than current,
// i.e. a better slot to overwrite: older generation first, then shallower
// depth.
func weaker(candidate, current uint64, currentAge uint64) bool {
	candAge := (candidate >> ttAgeShift) & ttAgeMask
	curAge := (current >> ttAgeShift) & ttAgeMask
	if candAge != curAge {
		return ageDistance(candAge, currentAge) > ageDistance(curAge, currentAge)
	}
	candDepth := (candidate >> ttDepthShift) & ttDepthMask
	curDepth := (current >> ttDepthShift) & ttDepthMask
	return candDepth < curDepth
}

func ageDistance(entryAge, currentAge uint64) uint64 {
	return (currentAge - entryAge) & ttAgeMask
}

// NewSearch increments the age counter for a new search.
func (tt *TranspositionTable) NewSearch() {
	tt.age = (tt.age + 1) & ttAgeMask
}

// Clear clears the transposition table.
func (tt *TranspositionTable) Clear() {
	for i := range tt.words {
		tt.words[i].Store(0)
	}
	tt.age = 0
	tt.hits.Store(0)
	tt.probes.Store(0)
}

// HashFull returns the permille (parts per thousand) of the table that is used.
func (tt *TranspositionTable) HashFull() int {
	used := 0
	sampleSize := 1000
	total := uint64(len(tt.words))
	if uint64(sampleSize) > total {
		sampleSize = int(total)
	}
	for i := 0; i < sampleSize; i++ {
		if tt.words[i].Load() != 0 {
			used++
		}
	}
	if sampleSize == 0 {
		return 0
	}
	return (used * 1000) / sampleSize
}

// HitRate returns the cache hit rate as a percentage.
func (tt *TranspositionTable) HitRate() float64 {
	probes := tt.probes.Load()
	if probes == 0 {
		return 0
	}
	return float64(tt.hits.Load()) / float64(probes) * 100
}

// Size returns the number of entry slots in the table.
func (tt *TranspositionTable) Size() uint64 {
	return uint64(len(tt.words))
}

// AdjustScoreFromTT adjusts a score retrieved from the transposition table
// back to a ply-from-root mate distance.
func AdjustScoreFromTT(score int, ply int) int {
	if score > MateScore-MaxPly {
		return score - ply
	}
	if score < -MateScore+MaxPly {
		return score + ply
	}
	return score
}

// AdjustScoreToTT adjusts a score for storage, normalizing mate distance to
// be relative to the stored position rather than the search root.
func AdjustScoreToTT(score int, ply int) int {
	if score > MateScore-MaxPly {
		return score + ply
	}
	if score < -MateScore+MaxPly {
		return score - ply
	}
	return score
}
