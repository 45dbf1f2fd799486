package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bort-os/bort/internal/defaults"
)

// runInit lays out a bort workspace in dir with the bundled defaults.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing bort workspace in %s\n", dir)

	for _, sub := range []string{"os", "memory"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config may carry broker passwords or a DSN.
	configPath := filepath.Join(dir, "bort.yaml")
	if err := noteWritten(w, configPath, writeIfMissing(configPath, defaults.ConfigYAML, 0o600)); err != nil {
		return err
	}
	for _, f := range defaults.Files() {
		path := filepath.Join(dir, "os", f.Name)
		if err := noteWritten(w, path, writeIfMissing(path, f.Data, 0o644)); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit bort.yaml and os/hat-profiles.yaml to customize your installation.")
	return nil
}

func noteWritten(w io.Writer, path string, err error) error {
	switch {
	case err == nil:
		fmt.Fprintf(w, "  ✓ %s\n", path)
	case os.IsExist(err):
		fmt.Fprintf(w, "  · %s (kept)\n", path)
	default:
		return err
	}
	return nil
}

// writeIfMissing creates path with content. It fails with an
// fs.ErrExist error when the file is already there.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
