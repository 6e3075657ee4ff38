package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/vellum/internal/document"
)

// Earlier releases persisted everything in one aggregate file. On
// startup, if that file exists and the per-file layout does not, the
// aggregate is read, versioned migrations are applied in ascending
// order, the result is split into the new layout, and the aggregate is
// renamed with a .backup suffix as the success marker. The backup is
// never deleted.
const (
	legacyFile    = "store.json"
	backupSuffix  = ".backup"
	legacyVersion = 3
)

// A legacyMigration is a pure transformation of the aggregate document
// from one schema version to the next. It runs only when the stored
// version is below its target.
type legacyMigration struct {
	to    int
	apply func(map[string]any) map[string]any
}

var legacyMigrations = []legacyMigration{
	// v2 moved loose top-level appearance fields under userPreferences.
	{to: 2, apply: func(agg map[string]any) map[string]any {
		prefs, _ := agg["userPreferences"].(map[string]any)
		if prefs == nil {
			prefs = map[string]any{}
		}
		for _, key := range []string{"theme", "showGrid", "toolLock"} {
			if v, ok := agg[key]; ok {
				prefs[key] = v
				delete(agg, key)
			}
		}
		agg["userPreferences"] = prefs
		return agg
	}},
	// v3 renamed "path" to "filePath" on open and recent entries.
	{to: 3, apply: func(agg map[string]any) map[string]any {
		renameKey := func(entry map[string]any) {
			if v, ok := entry["path"]; ok {
				entry["filePath"] = v
				delete(entry, "path")
			}
		}
		if open, ok := agg["openFiles"].([]any); ok {
			for _, raw := range open {
				if entry, ok := raw.(map[string]any); ok {
					renameKey(entry)
				}
			}
		}
		if recents, ok := agg["recentFiles"].([]any); ok {
			for _, raw := range recents {
				if entry, ok := raw.(map[string]any); ok {
					renameKey(entry)
				}
			}
		}
		return agg
	}},
}

// migrateLegacy runs the aggregate-to-per-file migration when needed.
// It is a no-op when the new layout already exists or no legacy file is
// present.
func (s *Store) migrateLegacy() error {
	if _, err := s.fs.Read(configFile); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	raw, err := s.fs.Read(legacyFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var agg map[string]any
	if err := json.Unmarshal(raw, &agg); err != nil {
		return fmt.Errorf("store: parse legacy aggregate: %w", err)
	}
	version := 1
	if v, ok := agg["version"].(float64); ok {
		version = int(v)
	}
	for _, m := range legacyMigrations {
		if version >= m.to {
			continue
		}
		agg = m.apply(agg)
		version = m.to
	}
	agg["version"] = float64(legacyVersion)

	split, err := splitLegacy(agg)
	if err != nil {
		return err
	}

	for _, entry := range split.open {
		data, err := json.MarshalIndent(entry, "", "\t")
		if err != nil {
			return fmt.Errorf("store: marshal migrated document %s: %w", entry.ID, err)
		}
		if err := s.fs.Write(docPath(entry.ID), data); err != nil {
			return err
		}
	}
	recentsData, err := json.MarshalIndent(recentsEnvelope{Version: recentsVersion, Files: split.recents}, "", "\t")
	if err != nil {
		return fmt.Errorf("store: marshal migrated recents: %w", err)
	}
	if err := s.fs.Write(recentsFile, recentsData); err != nil {
		return err
	}
	configData, err := json.MarshalIndent(configEnvelope{
		Version:         configVersion,
		UserPreferences: split.prefs,
		FeatureFlags:    split.flags,
	}, "", "\t")
	if err != nil {
		return fmt.Errorf("store: marshal migrated config: %w", err)
	}
	if err := s.fs.Write(configFile, configData); err != nil {
		return err
	}

	// The rename is the success marker: a crash before this point
	// leaves the legacy file in place and the migration re-runs.
	if err := s.fs.Move(legacyFile, legacyFile+backupSuffix); err != nil {
		return err
	}
	s.logger.Info("store: migrated legacy aggregate",
		slog.Int("version", version),
		slog.Int("documents", len(split.open)),
		slog.Int("recents", len(split.recents)))
	return nil
}

type legacySplit struct {
	open    []OpenDocument
	recents map[document.ID]*RecentDocument
	prefs   Preferences
	flags   map[string]bool
}

// splitLegacy converts the fully-migrated aggregate into the typed
// shapes of the per-file layout by round-tripping through JSON.
func splitLegacy(agg map[string]any) (*legacySplit, error) {
	out := &legacySplit{
		recents: map[document.ID]*RecentDocument{},
		prefs:   DefaultPreferences(),
		flags:   map[string]bool{},
	}
	remarshal := func(src any, dst any) error {
		data, err := json.Marshal(src)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, dst)
	}
	if v, ok := agg["openFiles"]; ok {
		if err := remarshal(v, &out.open); err != nil {
			return nil, fmt.Errorf("store: migrate open files: %w", err)
		}
	}
	if v, ok := agg["recentFiles"]; ok {
		var list []*RecentDocument
		if err := remarshal(v, &list); err != nil {
			return nil, fmt.Errorf("store: migrate recent files: %w", err)
		}
		for _, r := range list {
			out.recents[r.ID] = r
		}
	}
	if v, ok := agg["userPreferences"]; ok {
		if err := remarshal(v, &out.prefs); err != nil {
			return nil, fmt.Errorf("store: migrate preferences: %w", err)
		}
	}
	if v, ok := agg["featureFlags"]; ok {
		if err := remarshal(v, &out.flags); err != nil {
			return nil, fmt.Errorf("store: migrate feature flags: %w", err)
		}
	}
	return out, nil
}
