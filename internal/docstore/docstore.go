// Package docstore keeps each deck document as one JSON file keyed by
// stable_uid, the layout the first sync servers used.
//
// Every Save writes a temp file in the same directory, fsyncs it and renames
// it over the old document, so a crash leaves either the old or the new file.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/roach88/decksync/internal/atomicfile"
	"github.com/roach88/decksync/internal/model"
)

// Store is a directory of deck documents.
type Store struct {
	dir string
}

// Open creates dir if needed and returns a store rooted at it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open deck dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the document path for a deck code.
func (s *Store) Path(code string) string {
	return filepath.Join(s.dir, url.PathEscape(code)+".json")
}

// Exists reports whether a document has been saved for code.
func (s *Store) Exists(ctx context.Context, code string) (bool, error) {
	_, err := os.Stat(s.Path(code))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat deck: %w", err)
	}
	return true, nil
}

// Load reads the document for code. A missing file loads as an empty document.
func (s *Store) Load(ctx context.Context, code string) (model.Document, error) {
	data, err := os.ReadFile(s.Path(code))
	if errors.Is(err, fs.ErrNotExist) {
		return model.Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load deck: %w", err)
	}
	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("load deck %s: %w", code, err)
	}
	if doc == nil {
		doc = model.Document{}
	}
	return doc, nil
}

// Save atomically replaces the document for code.
func (s *Store) Save(ctx context.Context, code string, doc model.Document) error {
	for uid, c := range doc {
		if uid == "" || uid != c.StableUID {
			return fmt.Errorf("save deck: card key %q does not match stable_uid %q", uid, c.StableUID)
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("save deck: %w", err)
	}
	if err := atomicfile.WriteFile(s.Path(code), data, 0o644); err != nil {
		return fmt.Errorf("save deck %s: %w", code, err)
	}
	return nil
}
