// Package jobstore persists in-flight job documents to disk so they survive
// a stage restart. Each stage owns a disjoint job directory, so no
// cross-process locking is needed.
package jobstore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/stratopipe/stratopipe/internal/domain"
)

// Store writes one JSON document per in-flight job under a directory.
type Store struct {
	dir string
}

// New creates the job directory if needed and returns a store for it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Persist writes the job document and returns its path. The document's
// job_file self-reference is filled in before writing, so a restored copy
// knows where it lives.
func (s *Store) Persist(doc *domain.JobDoc) (string, error) {
	path := filepath.Join(s.dir, uuid.New().String()+".json")
	doc.JobFile = path

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal job %s: %w", doc.ID, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write job %s: %w", doc.ID, err)
	}
	return path, nil
}

// RestoreAll reads every persisted job document. A file that cannot be
// parsed is logged and skipped; restore is never fatal for the stage.
func (s *Store) RestoreAll() ([]domain.JobDoc, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read job directory %s: %w", s.dir, err)
	}

	var docs []domain.JobDoc
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("jobstore: skipping %s: %v", path, err)
			continue
		}
		var doc domain.JobDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			log.Printf("jobstore: skipping %s: %v", path, err)
			continue
		}
		doc.JobFile = path
		docs = append(docs, doc)
	}
	return docs, nil
}

// Remove deletes a persisted document. A missing file is not an error; the
// job may have been removed by an earlier cleanup.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job file %s: %w", path, err)
	}
	return nil
}
