package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nmtri/pencraft/internal/defaults"
)

// runInit initializes a working directory with a starter config file.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Pencraft workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// The config holds API keys, so it gets restricted permissions.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml (or set TELEGRAM_BOT_TOKEN, OPENAI_API_KEY,")
	fmt.Fprintln(w, "ANTHROPIC_API_KEY in the environment), then run: pencraft serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, mode)
}
