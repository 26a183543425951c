package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"kiln/internal/fileutil"
	"kiln/internal/hashing"
)

// Restore replaces whatever currently matches the output globs of the
// package at pkgDir with the captured files. It returns once every file is
// in place. The key lock is held throughout; current outputs are left alone
// when a captured file is missing from the entry.
func (h *Hit) Restore(root, pkgDir string, outputs []string) error {
	if h.lock != nil {
		unlock, err := h.lock()
		if err != nil {
			return err
		}
		defer unlock()
	}
	for _, entry := range h.Manifest.Files {
		if _, err := hashing.CleanRel(entry.Path); err != nil {
			return fmt.Errorf("restore %s: %w", entry.Path, err)
		}
		if _, err := os.Stat(h.source(entry.Path)); err != nil {
			return fmt.Errorf("restore %s: %w", entry.Path, err)
		}
	}

	existing, err := hashing.ExpandOutputs(root, pkgDir, outputs)
	if err != nil {
		return fmt.Errorf("expand outputs: %w", err)
	}
	for _, rel := range existing {
		if err := os.Remove(filepath.Join(root, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear output %s: %w", rel, err)
		}
	}
	for _, entry := range h.Manifest.Files {
		src := h.source(entry.Path)
		dst := filepath.Join(root, filepath.FromSlash(entry.Path))
		mode := os.FileMode(entry.Mode).Perm()
		if mode == 0 {
			mode = 0o644
		}
		if err := fileutil.CopyFileMode(src, dst, mode); err != nil {
			return fmt.Errorf("restore %s: %w", entry.Path, err)
		}
	}
	return nil
}

func (h *Hit) source(rel string) string {
	return filepath.Join(h.dir, outputsDir, filepath.FromSlash(rel))
}
