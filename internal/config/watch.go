package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/statusrelay/relay/internal/mapper"
	"github.com/statusrelay/relay/internal/types"
)

// overridesFile is the on-disk shape of a mapping override file.
type overridesFile struct {
	Mappings []CustomMapping `yaml:"mappings"`
}

// ApplyOverrides loads a mapping override file and applies it to the
// mapper, removing overrides that were applied by a previous call but are
// absent now. prev is the previously applied set (nil on first call); the
// newly applied set is returned for the next call.
func ApplyOverrides(path string, m *mapper.Mapper, prev []CustomMapping) ([]CustomMapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return prev, fmt.Errorf("config: read overrides %s: %w", path, err)
	}
	var file overridesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return prev, fmt.Errorf("config: parse overrides %s: %w", path, err)
	}

	current := make(map[CustomMapping]bool, len(file.Mappings))
	for _, cm := range file.Mappings {
		current[cm] = true
	}
	for _, old := range prev {
		if current[old] {
			continue
		}
		err := m.RemoveCustomMapping(
			types.SystemName(old.Source), types.SystemName(old.Target),
			old.From, mapper.Kind(old.Kind))
		if err != nil {
			log.Printf("config: remove stale override %+v: %v", old, err)
		}
	}

	applied := make([]CustomMapping, 0, len(file.Mappings))
	for _, cm := range file.Mappings {
		err := m.AddCustomMapping(
			types.SystemName(cm.Source), types.SystemName(cm.Target),
			cm.From, cm.To, mapper.Kind(cm.Kind))
		if err != nil {
			log.Printf("config: apply override %+v: %v", cm, err)
			continue
		}
		applied = append(applied, cm)
	}
	return applied, nil
}

// WatchOverrides applies the override file now and re-applies it whenever
// it changes on disk, until ctx is cancelled. The initial load failing is
// an error; later reload failures are logged and the previous overrides
// stay in effect.
func WatchOverrides(ctx context.Context, path string, m *mapper.Mapper) error {
	applied, err := ApplyOverrides(path, m, nil)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				next, err := ApplyOverrides(path, m, applied)
				if err != nil {
					log.Printf("config: reload overrides: %v", err)
					continue
				}
				applied = next
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config: override watcher: %v", err)
			}
		}
	}()
	return nil
}
