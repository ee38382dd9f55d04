package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Store is where snapshots live between runs.
type Store interface {
	Save(snap *Snapshot) error
	Load(conversationID string) (*Snapshot, error)
	List() ([]string, error)
}

// FileStore keeps one JSON file per conversation under a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(conversationID string) string {
	return filepath.Join(f.dir, conversationID+".json")
}

// Save writes atomically: temp file in the same directory, then rename.
func (f *FileStore) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	tmp, err := os.CreateTemp(f.dir, snap.ID+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), f.path(snap.ID)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "rename snapshot")
	}
	return nil
}

func (f *FileStore) Load(conversationID string) (*Snapshot, error) {
	data, err := os.ReadFile(f.path(conversationID))
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "unmarshal snapshot %s", conversationID)
	}
	return &snap, nil
}

// List returns the conversation ids present in the store.
func (f *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, errors.Wrap(err, "read data dir")
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

var _ Store = (*FileStore)(nil)
