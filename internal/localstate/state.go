// Package localstate keeps the client's per-deck bookkeeping on disk:
//
//   - sync_log.json: deck name → sync cursor (Unix seconds)
//   - decks_codes.json: deck name → deck code
//
// Both files are replaced atomically on every change.
package localstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/decksync/internal/atomicfile"
)

const (
	CursorFile = "sync_log.json"
	CodesFile  = "decks_codes.json"
)

// State is the client bookkeeping rooted at one directory.
//
// Thread-safety: State is safe for concurrent use within one process.
type State struct {
	dir string
	mu  sync.Mutex
}

// Open creates dir if needed.
func Open(dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open state dir: %w", err)
	}
	return &State{dir: dir}, nil
}

// Dir returns the state directory.
func (s *State) Dir() string {
	return s.dir
}

// Cursor returns the deck's cursor; ok is false before the first pull or clone.
func (s *State) Cursor(deck string) (cursor int64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursors, err := readMap[int64](s.path(CursorFile))
	if err != nil {
		return 0, false, err
	}
	cursor, ok = cursors[deck]
	return cursor, ok, nil
}

// AdvanceCursor moves the deck's cursor to ts unless it is already further.
// The first call creates the entry. Returns the stored cursor.
func (s *State) AdvanceCursor(deck string, ts int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(CursorFile)
	cursors, err := readMap[int64](path)
	if err != nil {
		return 0, err
	}
	cur, ok := cursors[deck]
	if ok && cur >= ts {
		return cur, nil
	}
	cursors[deck] = ts
	if err := writeMap(path, cursors); err != nil {
		return 0, err
	}
	return ts, nil
}

// Code returns the deck code mapped to a local deck.
func (s *State) Code(deck string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes, err := readMap[string](s.path(CodesFile))
	if err != nil {
		return "", false, err
	}
	code, ok := codes[deck]
	return code, ok, nil
}

// DeckFor returns the local deck mapped to a deck code.
func (s *State) DeckFor(code string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes, err := readMap[string](s.path(CodesFile))
	if err != nil {
		return "", false, err
	}
	for deck, c := range codes {
		if c == code {
			return deck, true, nil
		}
	}
	return "", false, nil
}

// SetCode maps deck to code.
func (s *State) SetCode(deck, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(CodesFile)
	codes, err := readMap[string](path)
	if err != nil {
		return err
	}
	codes[deck] = code
	return writeMap(path, codes)
}

// CodeFor returns the deck's code, generating and saving one on first use.
func (s *State) CodeFor(deck string) (code string, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(CodesFile)
	codes, err := readMap[string](path)
	if err != nil {
		return "", false, err
	}
	if code, ok := codes[deck]; ok {
		return code, false, nil
	}
	code = NewDeckCode()
	codes[deck] = code
	if err := writeMap(path, codes); err != nil {
		return "", false, err
	}
	return code, true, nil
}

// Codes returns every deck → code mapping.
func (s *State) Codes() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readMap[string](s.path(CodesFile))
}

// Forget drops the deck's cursor and code.
func (s *State) Forget(deck string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursors, err := readMap[int64](s.path(CursorFile))
	if err != nil {
		return err
	}
	if _, ok := cursors[deck]; ok {
		delete(cursors, deck)
		if err := writeMap(s.path(CursorFile), cursors); err != nil {
			return err
		}
	}

	codes, err := readMap[string](s.path(CodesFile))
	if err != nil {
		return err
	}
	if _, ok := codes[deck]; ok {
		delete(codes, deck)
		if err := writeMap(s.path(CodesFile), codes); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) path(name string) string {
	return filepath.Join(s.dir, name)
}

func readMap[V any](path string) (map[string]V, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]V), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	m := make(map[string]V)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

func writeMap[V any](path string, m map[string]V) error {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
