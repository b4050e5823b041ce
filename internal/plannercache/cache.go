// Package plannercache persists the planner's spec-directory snapshot across
// restarts so a fresh process doesn't replan specs it already has an
// up-to-date plan for. One file, one entry, atomic tmp-write + rename.
package plannercache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/model"
)

// Entry is the on-disk shape of the cache file.
type Entry struct {
	Snapshot     model.SpecSnapshot `json:"snapshot"`
	CommitDigest string             `json:"commitDigest"`
}

// Cache reads and writes a single JSON file at Path.
//
// Grounded on the teacher's atomic-write idiom (worktree/config persistence
// calls) and internal/common/config's fail-soft-and-log pattern for malformed
// input: Load never returns an error for a missing or corrupt file, since a
// cold start is a normal first run, not a fault.
type Cache struct {
	Path string
	log  *logger.Logger
}

// New builds a Cache rooted at <repoPath>/.<appName>-cache.json.
func New(repoPath, appName string, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Default()
	}
	return &Cache{
		Path: filepath.Join(repoPath, fmt.Sprintf(".%s-cache.json", appName)),
		log:  log,
	}
}

// Load reads and validates the cache file. Any read, parse, or validation
// failure is treated as a cold start: it returns (nil, nil) and logs at debug.
func (c *Cache) Load() (*Entry, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Debug("planner cache read failed, treating as cold start", zap.Error(err))
		}
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.log.Debug("planner cache parse failed, treating as cold start", zap.Error(err))
		return nil, nil
	}

	if err := validate(&entry); err != nil {
		c.log.Debug("planner cache validation failed, treating as cold start", zap.Error(err))
		return nil, nil
	}

	return &entry, nil
}

func validate(entry *Entry) error {
	if entry.CommitDigest == "" {
		return fmt.Errorf("commitDigest must be non-empty")
	}
	for path, file := range entry.Snapshot.Files {
		if path == "" {
			return fmt.Errorf("snapshot contains an empty file path")
		}
		_ = file
	}
	return nil
}

// Write atomically persists snapshot and commitDigest: it serializes to JSON,
// writes to Path+".tmp", then renames over Path. A write failure is the
// caller's to log; the next planner run will simply redo the work.
func (c *Cache) Write(snapshot model.SpecSnapshot, commitDigest string) error {
	entry := Entry{Snapshot: snapshot.Clone(), CommitDigest: commitDigest}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal planner cache entry: %w", err)
	}

	tmpPath := c.Path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write planner cache tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, c.Path); err != nil {
		return fmt.Errorf("rename planner cache tmp file: %w", err)
	}
	return nil
}
