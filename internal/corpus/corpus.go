// Package corpus holds the regression corpus: every input a validated build
// must keep executing without crashing. It starts from the target's seed
// corpus and grows, never shrinks, as repaired crash inputs are folded in.
package corpus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Entry is one regression input.
type Entry struct {
	ID   string
	Data []byte
}

type Options struct {
	Logger *slog.Logger
}

// Corpus is safe for concurrent snapshot reads. Growth happens through Add,
// which the orchestrator serializes behind its single-writer updater.
type Corpus struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries []Entry
	seen    map[string]struct{}
}

func New(opts Options) *Corpus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Corpus{log: logger, seen: map[string]struct{}{}}
}

// SeedFromDir loads every file of the target's seed directory, in name
// order so the initial corpus is deterministic.
func (c *Corpus) SeedFromDir(dir string) error {
	if c == nil {
		return errors.New("corpus not initialized")
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(ents))
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		c.Add(Entry{ID: "seed:" + name, Data: b})
	}
	if c.Len() == 0 {
		return fmt.Errorf("seed directory %s yielded no entries", dir)
	}
	return nil
}

// Add appends a regression input. Duplicate IDs are ignored, so growth is
// monotonic and replays of the same acceptance are harmless.
func (c *Corpus) Add(e Entry) {
	if c == nil {
		return
	}
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
	c.entries = append(c.entries, e)
	c.log.Debug("regression corpus grew", "component", "corpus", "id", id, "size", len(c.entries))
}

// Snapshot returns a stable copy of the current corpus. A session validates
// every turn against the snapshot it started its turn with; growth becomes
// visible at the next turn boundary.
func (c *Corpus) Snapshot() []Entry {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Corpus) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
