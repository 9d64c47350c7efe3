package app

import (
	"fmt"
	"path/filepath"

	"opsledger/internal/config"
	"opsledger/internal/engine"
	"opsledger/internal/store"
)

// Resolve loads the workspace config (falling back to built-in
// defaults when opsledger.yml is absent), ensures the data directory
// exists, and returns a ready Engine. dataDirOverride, when non-empty,
// wins over the configured storage dir.
func Resolve(workspace, dataDirOverride string) (engine.Engine, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return engine.Engine{}, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	dir := cfg.Storage.Dir
	if dataDirOverride != "" {
		dir = dataDirOverride
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workspace, dir)
	}
	s := store.New(dir)
	if err := s.EnsureDir(); err != nil {
		return engine.Engine{}, fmt.Errorf("ensure data dir: %w", err)
	}
	return engine.New(s, cfg), nil
}
