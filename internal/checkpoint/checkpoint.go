// Package checkpoint persists run progress so an interrupted reveal run can
// resume without re-revealing or losing quota accounting.
package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/model"
)

// Version is the current snapshot format.
const Version = 1

// ErrNotFound is returned by Load when no checkpoint exists yet.
var ErrNotFound = errors.New("checkpoint: not found")

// Snapshot is the full persisted state of a run.
type Snapshot struct {
	Version     int                   `json:"version"`
	RunID       string                `json:"run_id"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	Records     []model.DedupGroup    `json:"records"`
	Skipped     []model.ContactRecord `json:"skipped,omitempty"`
	Worklist    []model.WorklistEntry `json:"worklist"`
	Ledger      model.LedgerState     `json:"ledger"`
	SourceFiles []model.SourceFile    `json:"source_files"`
	Dedup       model.DedupReport     `json:"dedup"`
	Filter      model.FilterReport    `json:"filter"`
}

// Group returns the dedup group for key.
func (s *Snapshot) Group(key string) (model.DedupGroup, bool) {
	for _, g := range s.Records {
		if g.IdentityKey == key {
			return g, true
		}
	}
	return model.DedupGroup{}, false
}

// Counts tallies worklist entries per status.
func (s *Snapshot) Counts() map[model.EntryStatus]int {
	return model.CountByStatus(s.Worklist)
}

type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

// Store loads and saves snapshots.
type Store interface {
	Load() (*Snapshot, error)
	Save(s *Snapshot) error
}

// FileStore keeps the snapshot in a single JSON file. Saves replace the
// file atomically so a crash leaves either the old or the new snapshot.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore creates a FileStore at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the checkpoint file location.
func (f *FileStore) Path() string { return f.path }

// Exists reports whether a checkpoint file is present.
func (f *FileStore) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Save writes s to a temp file in the same directory, syncs it and renames
// it over the previous checkpoint.
func (f *FileStore) Save(s *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s.Version = Version
	s.UpdatedAt = f.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal snapshot")
	}
	data, err := json.MarshalIndent(envelope{
		Version:  Version,
		Checksum: checksum(payload),
		Payload:  payload,
	}, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal envelope")
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrap(err, "checkpoint: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrap(err, "checkpoint: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrap(err, "checkpoint: close temp file")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return eris.Wrap(err, "checkpoint: rename")
	}
	syncDir(dir)

	zap.L().Debug("checkpoint: saved",
		zap.String("path", f.path),
		zap.Int("entries", len(s.Worklist)),
		zap.Int("consumed", s.Ledger.Consumed),
	)
	return nil
}

// Load reads and verifies the checkpoint. Entries left in_flight by an
// interrupted run are returned as pending.
func (f *FileStore) Load() (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: read")
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, eris.Wrap(err, "checkpoint: decode envelope")
	}
	if env.Version != Version {
		return nil, eris.Errorf("checkpoint: unsupported version %d", env.Version)
	}
	payload := compact(env.Payload)
	if checksum(payload) != env.Checksum {
		return nil, eris.New("checkpoint: checksum mismatch, file is corrupt")
	}

	// Raw input values decode as json.Number, the same as at ingest, so
	// large integers survive the round trip.
	var s Snapshot
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&s); err != nil {
		return nil, eris.Wrap(err, "checkpoint: decode snapshot")
	}

	if n := ResetInFlight(&s); n > 0 {
		zap.L().Warn("checkpoint: resuming entries left in flight",
			zap.Int("entries", n),
		)
	}
	return &s, nil
}

// ResetInFlight returns in_flight entries to pending and reports how many changed.
func ResetInFlight(s *Snapshot) int {
	n := 0
	for i := range s.Worklist {
		if s.Worklist[i].Status == model.StatusInFlight {
			s.Worklist[i].Status = model.StatusPending
			n++
		}
	}
	return n
}

// Drift describes an input file whose content no longer matches the checkpoint.
type Drift struct {
	Path    string `json:"path"`
	Missing bool   `json:"missing"`
}

// VerifySources re-hashes every recorded input file.
func VerifySources(s *Snapshot, hash func(path string) (string, error)) []Drift {
	var drift []Drift
	for _, src := range s.SourceFiles {
		sum, err := hash(src.Path)
		switch {
		case err != nil:
			drift = append(drift, Drift{Path: src.Path, Missing: true})
		case sum != src.SHA256:
			drift = append(drift, Drift{Path: src.Path})
		}
	}
	return drift
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// compact undoes the indentation MarshalIndent applied to the embedded payload.
func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close() //nolint:errcheck
	_ = d.Sync()
}
