// Command openclaw-import copies the X API credentials kept in an
// OpenClaw config (openclaw.json, env.vars) into bort's SQLite
// credential store.
//
// Usage:
//
//	openclaw-import -openclaw ~/.openclaw/openclaw.json -db memory/credentials.db
//
// Values are never printed; the report lists which keys were found and
// copied.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bort-os/bort/internal/config"
	"github.com/bort-os/bort/internal/credentials"
	"github.com/bort-os/bort/internal/paths"
)

func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// keys are the credentials the metered caller and refresher read.
var keys = []string{
	credentials.AccessToken,
	credentials.RefreshToken,
	credentials.ClientID,
	credentials.ClientSecret,
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	fs := flag.NewFlagSet("openclaw-import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	source := fs.String("openclaw", "~/.openclaw/openclaw.json", "Path to openclaw.json")
	dbPath := fs.String("db", "", "Path to the bort credential database")
	dryRun := fs.Bool("dry-run", false, "Report what would be copied without writing")
	overwrite := fs.Bool("overwrite", false, "Replace values already in the database")
	verbose := fs.Bool("verbose", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *dbPath == "" {
		fs.PrintDefaults()
		return errors.New("usage: openclaw-import -openclaw /path/to/openclaw.json -db /path/to/credentials.db")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := config.NewLogger(stderr, level, "text")

	src := credentials.NewFileStore(paths.ExpandHome(*source))
	found := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := src.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("read %s: %w", *source, err)
		}
		if v != "" {
			found[k] = v
		}
	}
	logger.Info("openclaw credentials scanned", "path", *source, "found", len(found))
	if len(found) == 0 {
		return fmt.Errorf("no X credentials in %s", *source)
	}

	if *dryRun {
		for _, k := range keys {
			_, ok := found[k]
			fmt.Fprintf(stdout, "%-18s %s\n", k, presence(ok, "would copy"))
		}
		return nil
	}

	dst := paths.ExpandHome(*dbPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	store, err := credentials.OpenSQLite(dst)
	if err != nil {
		return err
	}
	defer store.Close()

	var copied int
	for _, k := range keys {
		v, ok := found[k]
		if !ok {
			fmt.Fprintf(stdout, "%-18s missing\n", k)
			continue
		}
		if !*overwrite {
			existing, err := store.Get(ctx, k)
			if err != nil {
				return err
			}
			if existing != "" {
				logger.Debug("keeping existing value", "key", k)
				fmt.Fprintf(stdout, "%-18s kept\n", k)
				continue
			}
		}
		if err := store.Set(ctx, k, v); err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
		copied++
		fmt.Fprintf(stdout, "%-18s copied\n", k)
	}
	logger.Info("import complete", "db", dst, "copied", copied)
	return nil
}

func presence(ok bool, yes string) string {
	if ok {
		return yes
	}
	return "missing"
}
