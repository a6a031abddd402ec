package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// LoadDir starts every executable regular file in dir as a Process named
// after the file without its extension. The directory is created when it
// does not exist. Entries that cannot be started are logged and skipped.
func LoadDir(dir string, logger *slog.Logger) ([]*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugin dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var loaded []*Process
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			logger.Warn("skipping plugin", "file", e.Name(), "error", err)
			continue
		}
		if info.Mode().Perm()&0o111 == 0 {
			logger.Debug("skipping non executable file", "file", e.Name())
			continue
		}

		path := filepath.Join(dir, e.Name())
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		p := NewProcess(name, exec.Command(path), logger)
		if err := p.Start(); err != nil {
			logger.Error("failed to load plugin", "file", e.Name(), "error", err)
			continue
		}
		logger.Info("loaded plugin", "plugin", name, "path", path)
		loaded = append(loaded, p)
	}
	return loaded, nil
}
