// Package idstore persists the single piece of local state a Crow
// service is allowed to keep between restarts (§1's "any persistence
// beyond a single service-id file" carve-out, detailed in §6.5): the
// service-id a registrar assigned it on a prior join.
package idstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/denisbrodbeck/machineid"
)

// Store reads and writes the single-line service-id file at Path.
type Store struct {
	Path string
}

func New(path string) *Store {
	return &Store{Path: path}
}

// Load returns the previously persisted service-id, or "" if the file is
// missing — per §6.5, a missing file means the service joins without a
// prior id and lets the registrar mint one.
func (s *Store) Load() (string, error) {
	b, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("idstore: reading %s: %w", s.Path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Save writes id atomically (write to a temp file in the same directory,
// then rename), so a crash mid-write never leaves a half-written id
// behind for the next Load. Per the join manager's ordering contract, a
// failure here is logged but does not un-join the service.
func (s *Store) Save(id string) error {
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".idstore-*")
	if err != nil {
		return fmt.Errorf("idstore: creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("idstore: writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("idstore: closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("idstore: renaming %s to %s: %w", tmpName, s.Path, err)
	}
	return nil
}

// SeedFromMachineID derives a stable, app-scoped id from the host's
// machine id, for callers that want a deterministic seed the first time
// a service starts (before any registrar has assigned it a service-id),
// grounded on monitor.go's use of the same library for host identity.
func SeedFromMachineID(appID string) (string, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return "", fmt.Errorf("idstore: deriving machine id: %w", err)
	}
	return id, nil
}
