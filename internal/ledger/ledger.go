// Package ledger tracks which question ids have already been submitted so a
// re-run never double-posts. The whole set lives in one small JSON file that
// is rewritten through a temp file and an atomic rename; the previous valid
// store stays readable until the replace lands.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const ledgerFileName = "posted_ids.json"

// ErrCorrupt means the backing store exists but cannot be parsed. Proceeding
// would risk duplicate submissions, so the run must stop.
var ErrCorrupt = errors.New("posted-id ledger corrupt")

// Ledger is the in-memory posted-id set bound to its backing file.
// It assumes single-process, single-writer access.
type Ledger struct {
	path string
	ids  map[int64]struct{}
}

// Path returns the ledger file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".worldcast", ledgerFileName)
}

// Load reads the persisted id set. A missing file is an empty first-run set;
// a present but malformed file is ErrCorrupt.
func Load(workspace string) (*Ledger, error) {
	l := &Ledger{path: Path(workspace), ids: make(map[int64]struct{})}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	var list []int64
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, l.path, err)
	}
	for _, id := range list {
		l.ids[id] = struct{}{}
	}
	return l, nil
}

// Contains reports whether id has already been submitted.
func (l *Ledger) Contains(id int64) bool {
	_, ok := l.ids[id]
	return ok
}

// Record adds id to the set and persists the whole set atomically. Recording
// an id that is already present is a no-op.
func (l *Ledger) Record(id int64) error {
	if l.Contains(id) {
		return nil
	}
	l.ids[id] = struct{}{}
	if err := l.persist(); err != nil {
		delete(l.ids, id)
		return err
	}
	return nil
}

// IDs returns the posted ids in ascending order.
func (l *Ledger) IDs() []int64 {
	out := make([]int64, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of posted ids.
func (l *Ledger) Len() int { return len(l.ids) }

// persist writes the full set to a temp file in the same directory and
// renames it over the real store, so a crash mid-write never truncates the
// committed state.
func (l *Ledger) persist() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure ledger dir: %w", err)
	}
	data, err := json.MarshalIndent(l.IDs(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ledgerFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create ledger temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write ledger temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync ledger temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close ledger temp: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
