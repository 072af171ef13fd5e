package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATE SNAPSHOTS - Schema-versioned JSON, written atomically
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each engine snapshots its state under its own name. Writes go to a temp
// file, fsync, then rename, so a crash mid-write leaves the previous
// snapshot intact. A snapshot that no longer parses is archived, not
// deleted: the engine restarts cold and the file stays around for a look.
//
// ═══════════════════════════════════════════════════════════════════════════════

const snapshotVersion = 1

type snapshot struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Store persists named state documents in one directory.
type Store struct {
	dir string
}

// NewStore creates the state directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("state dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Save writes the payload under the given name.
func (s *Store) Save(name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	doc, err := json.MarshalIndent(snapshot{
		Version:   snapshotVersion,
		UpdatedAt: time.Now().UTC(),
		Payload:   raw,
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(name))
}

// Load reads a snapshot into payload. Returns false when no snapshot exists
// or the existing one is corrupt (the corrupt file is archived aside).
func (s *Store) Load(name string, payload any) (bool, error) {
	raw, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var doc snapshot
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.archive(name)
		return false, nil
	}
	if doc.Version != snapshotVersion {
		log.Warn().Str("name", name).Int("version", doc.Version).Msg("Snapshot from another schema version, starting cold")
		s.archive(name)
		return false, nil
	}
	if err := json.Unmarshal(doc.Payload, payload); err != nil {
		s.archive(name)
		return false, nil
	}
	return true, nil
}

// archive moves a broken snapshot aside.
func (s *Store) archive(name string) {
	dst := fmt.Sprintf("%s.corrupt-%d", s.path(name), time.Now().Unix())
	if err := os.Rename(s.path(name), dst); err != nil {
		log.Error().Str("name", name).Err(err).Msg("Could not archive corrupt snapshot")
		return
	}
	log.Warn().Str("name", name).Str("archived", dst).Msg("Corrupt snapshot archived")
}
