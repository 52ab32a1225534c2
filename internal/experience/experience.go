// Package experience persists a small per-position learning record across
// runs: for a Zobrist-keyed position, the best move the engine last settled
// on, its score, the depth that score was reached at, and how many times the
// position has been searched to completion. It backs the UCI
// UseExperienceBook option and is consulted only to seed move ordering at
// the root of a new search, never to short-circuit the search itself.
package experience

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/dgraph-io/badger/v4"

	"github.com/gaspox/scacchista/internal/board"
)

// Record is the learning record stored per position.
type Record struct {
	Move   board.Move `json:"move"`
	Score  int        `json:"score"`
	Depth  int        `json:"depth"`
	Visits int        `json:"visits"`
}

// Store wraps a BadgerDB instance keyed by Zobrist hash.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) the experience database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func keyFor(hash uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], hash)
	return k[:]
}

// Probe returns the stored record for a position hash, if any.
func (s *Store) Probe(hash uint64) (Record, bool) {
	var rec Record
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyFor(hash))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return Record{}, false
	}
	return rec, found
}

// Record upserts the learning record for a position, incrementing the visit
// count of any prior record and overwriting the move/score/depth only when
// the new depth is at least as deep as what was already stored.
func (s *Store) Record(hash uint64, move board.Move, score, depth int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec := Record{Move: move, Score: score, Depth: depth, Visits: 1}

		item, err := txn.Get(keyFor(hash))
		if err == nil {
			var existing Record
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); verr == nil {
				rec.Visits = existing.Visits + 1
				if existing.Depth > depth {
					rec.Move, rec.Score, rec.Depth = existing.Move, existing.Score, existing.Depth
				}
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(keyFor(hash), data)
	})
}

// DefaultPath returns the platform-appropriate directory for the
// experience database, creating it if it does not yet exist.
func DefaultPath() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, "AppData", "Roaming")
		}
	default:
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".local", "share")
		}
	}

	dir := filepath.Join(baseDir, "scacchista", "experience")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
