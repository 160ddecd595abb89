package snapshot

// ============================================================================
// Snapshot of a local domain:
// 1. The whole account state is written as one JSON document
// 2. Writes are atomic (temp file + fsync + rename), so a crash leaves either
//    the old or the new snapshot, never a torn one
// 3. Load checks the schema version and that the domain name matches
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
)

// SchemaVersion of the snapshot document.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrDomainMismatch      = errors.New("snapshot belongs to another domain")
)

// document is the on-disk layout.
type document struct {
	SchemaVer int          `json:"schema_version"`
	WrittenAt time.Time    `json:"written_at"`
	State     ledger.State `json:"state"`
}

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a manager for the snapshot at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the snapshot with st.
func (m *Manager) Write(st ledger.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := document{SchemaVer: SchemaVersion, WrittenAt: time.Now().UTC(), State: st}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open temp snapshot: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot of domain. A missing file is an empty state at
// slot 0, which is what a first start looks like.
func (m *Manager) Load(domain string) (ledger.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	empty := ledger.State{Domain: domain}
	b, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if doc.SchemaVer != SchemaVersion {
		return empty, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, SchemaVersion)
	}
	if doc.State.Domain != "" && doc.State.Domain != domain {
		return empty, fmt.Errorf("%w: %q, want %q", ErrDomainMismatch, doc.State.Domain, domain)
	}
	doc.State.Domain = domain
	return doc.State, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the snapshot file path.
func (m *Manager) Path() string {
	return m.path
}

// Save writes the current state of domain.
func (m *Manager) Save(domain *ledger.Memory) error {
	return m.Write(domain.Export())
}

// Restore loads the snapshot into domain and returns the restored slot.
func (m *Manager) Restore(domain *ledger.Memory) (uint64, error) {
	// nothing persisted yet: keep whatever the domain already holds
	if !m.Exists() {
		return domain.Slot(), nil
	}
	st, err := m.Load(domain.Name())
	if err != nil {
		return 0, err
	}
	domain.Import(st)
	return st.Slot, nil
}
