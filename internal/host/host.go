// Package host abstracts the capabilities the embedding environment provides:
// whether the consumer is foreground-visible, and best-effort persistence for
// the fallback snapshot. The same core logic runs headless against the
// in-memory implementation.
package host

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/candidate-feed/internal/model"
)

// Environment is the capability surface the real-time manager and recovery
// chain depend on. Implementations must be safe for concurrent use.
type Environment interface {
	// Foreground reports whether the consumer is currently visible. Hidden
	// consumers have their polling ticks skipped.
	Foreground() bool

	// SaveFallback persists the last-known-good entry. Best-effort: errors
	// are surfaced but callers treat persistence as advisory.
	SaveFallback(entry model.FallbackEntry) error

	// LoadFallback returns the persisted entry, if any.
	LoadFallback() (model.FallbackEntry, bool, error)
}

// MemoryEnvironment is the trivial headless implementation: always
// foreground, fallback kept in process memory.
type MemoryEnvironment struct {
	mu      sync.RWMutex
	entry   model.FallbackEntry
	present bool
}

// NewMemoryEnvironment creates an always-foreground in-memory environment.
func NewMemoryEnvironment() *MemoryEnvironment {
	return &MemoryEnvironment{}
}

// Foreground always reports true for headless hosts.
func (m *MemoryEnvironment) Foreground() bool { return true }

// SaveFallback stores the entry in memory.
func (m *MemoryEnvironment) SaveFallback(entry model.FallbackEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry = entry
	m.present = true
	return nil
}

// LoadFallback returns the in-memory entry.
func (m *MemoryEnvironment) LoadFallback() (model.FallbackEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entry, m.present, nil
}

// FileEnvironment persists the fallback entry as a JSON file so it survives
// process restarts when the host grants a writable path. Still best-effort:
// a corrupt or missing file is treated as absence, not failure.
type FileEnvironment struct {
	mu   sync.Mutex
	path string
}

// NewFileEnvironment creates a file-backed environment rooted at path.
func NewFileEnvironment(path string) *FileEnvironment {
	return &FileEnvironment{path: path}
}

// Foreground always reports true; visibility belongs to interactive hosts.
func (f *FileEnvironment) Foreground() bool { return true }

// SaveFallback writes the entry atomically via a temp-file rename.
func (f *FileEnvironment) SaveFallback(entry model.FallbackEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal fallback entry: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create fallback dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write fallback file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace fallback file: %w", err)
	}
	return nil
}

// LoadFallback reads the persisted entry. Unreadable files count as absence.
func (f *FileEnvironment) LoadFallback() (model.FallbackEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.FallbackEntry{}, false, nil
		}
		return model.FallbackEntry{}, false, fmt.Errorf("read fallback file: %w", err)
	}

	var entry model.FallbackEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		logrus.WithError(err).Warn("Fallback file is corrupt, ignoring")
		return model.FallbackEntry{}, false, nil
	}
	return entry, true, nil
}
