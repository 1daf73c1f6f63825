// Package source manages immutable snapshots of the target source tree.
// Every patch attempt derives a new revision from its parent, so a repair
// session leaves behind a strict linear history of trees.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Revision is an immutable snapshot of a source tree. The ID is derived from
// the file manifest, so two trees with identical content share an ID.
type Revision struct {
	ID       string
	ParentID string

	// Dir is the materialized tree root inside the store.
	Dir string

	// Files maps slash-separated relative paths to sha256 content hashes.
	Files map[string]string
}

type Options struct {
	Logger *slog.Logger
	// StateDir is the campaign state directory; revisions live under
	// <StateDir>/revisions.
	StateDir string
}

// Store materializes revisions on disk, one directory per revision.
type Store struct {
	log  *slog.Logger
	root string
}

func NewStore(opts Options) (*Store, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing StateDir")
	}
	root := filepath.Join(stateDir, "revisions")
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Store{log: logger, root: root}, nil
}

// Snapshot copies srcDir into the store and returns the resulting revision.
func (s *Store) Snapshot(srcDir string) (*Revision, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	srcDir = strings.TrimSpace(srcDir)
	if srcDir == "" {
		return nil, errors.New("missing source directory")
	}

	files, err := hashTree(srcDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("source directory %s has no files", srcDir)
	}
	id := manifestID(files)

	dir := filepath.Join(s.root, id)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := copyTree(srcDir, dir, nil); err != nil {
			return nil, err
		}
	}
	s.log.Debug("source snapshot", "component", "source", "revision", id, "files", len(files))
	return &Revision{ID: id, Dir: dir, Files: files}, nil
}

// Derive produces a child revision of parent with the given files replaced.
// Keys of changed are slash-separated paths relative to the tree root; a
// changed path may be new. Derivation is deterministic: the same parent and
// the same changed contents always yield the same child ID.
func (s *Store) Derive(parent *Revision, changed map[string][]byte) (*Revision, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if parent == nil {
		return nil, errors.New("nil parent revision")
	}
	if len(changed) == 0 {
		return nil, errors.New("empty change set")
	}

	files := make(map[string]string, len(parent.Files)+len(changed))
	for p, h := range parent.Files {
		files[p] = h
	}
	for p, b := range changed {
		p = filepath.ToSlash(strings.TrimSpace(p))
		if p == "" || strings.HasPrefix(p, "../") || strings.Contains(p, "/../") || filepath.IsAbs(p) {
			return nil, fmt.Errorf("invalid changed path %q", p)
		}
		sum := sha256.Sum256(b)
		files[p] = hex.EncodeToString(sum[:])
	}
	id := manifestID(files)

	dir := filepath.Join(s.root, id)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := copyTree(parent.Dir, dir, changed); err != nil {
			return nil, err
		}
	}
	s.log.Debug("source derived", "component", "source", "revision", id, "parent", parent.ID, "changed", len(changed))
	return &Revision{ID: id, ParentID: parent.ID, Dir: dir, Files: files}, nil
}

// ReadFile reads one file from the revision tree by relative path.
func (s *Store) ReadFile(rev *Revision, rel string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if rev == nil {
		return nil, errors.New("nil revision")
	}
	rel = filepath.ToSlash(strings.TrimSpace(rel))
	if _, ok := rev.Files[rel]; !ok {
		return nil, fmt.Errorf("no such file in revision %s: %s", rev.ID, rel)
	}
	return os.ReadFile(filepath.Join(rev.Dir, filepath.FromSlash(rel)))
}

func manifestID(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s\x00%s\n", p, files[p])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func hashTree(root string) (map[string]string, error) {
	files := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyTree copies src into dst (which must not exist), then overlays the
// changed files. The copy goes through a temp directory and a final rename
// so a partially-written revision is never observable.
func copyTree(src string, dst string, changed map[string][]byte) error {
	tmp := dst + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(tmp, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
	if err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}

	for p, b := range changed {
		target := filepath.Join(tmp, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			_ = os.RemoveAll(tmp)
			return err
		}
		if err := os.WriteFile(target, b, 0o600); err != nil {
			_ = os.RemoveAll(tmp)
			return err
		}
	}
	return os.Rename(tmp, dst)
}

func copyFile(src string, dst string) error {
	st, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, st.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
