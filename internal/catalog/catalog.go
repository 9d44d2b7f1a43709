// Package catalog persists the workload catalog to disk so the demo
// CLI can ship named presets without recompiling (SPEC_FULL.md §12).
// Files are JSON-with-comments (hujson), written back atomically so a
// crash mid-save never leaves a half-written catalog.
//
// Grounded on calvinalkan-agent-task's config.go loadConfigFile/
// parseConfig (hujson.Standardize then encoding/json) and its
// cache_binary.go save path (natefinch/atomic.WriteFile).
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// Entry is the on-disk shape of one workload definition.
type Entry struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// File is the on-disk shape of a whole catalog file: a simple list,
// so hand-edited files stay easy to diff.
type File struct {
	Workloads []Entry `json:"workloads"`
}

// Load reads and parses a catalog file. A missing file returns an
// empty File and a nil error so a fresh install works with no catalog
// present yet.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse standardizes JSONC input to plain JSON and unmarshals it.
func Parse(data []byte) (File, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return File{}, fmt.Errorf("catalog: invalid JSONC: %w", err)
	}

	var f File
	if err := json.Unmarshal(standardized, &f); err != nil {
		return File{}, fmt.Errorf("catalog: invalid JSON: %w", err)
	}
	return f, nil
}

// Save writes f to path as indented JSON via an atomic rename, so a
// reader never observes a partially-written file.
func Save(path string, f File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("catalog: write %s: %w", path, err)
	}
	return nil
}

// ToOptions converts an Entry's flat string map into the
// WorkloadOptions shape the root package's WorkloadCatalog consumes.
// Kept as a plain map[string]string conversion (no dtapp import) to
// avoid a dependency from internal/catalog back onto the root
// package; callers at the cmd/ layer do the conversion.
func (e Entry) ToOptions() map[string]string {
	if e.Options == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(e.Options))
	for k, v := range e.Options {
		out[k] = v
	}
	return out
}

// DefaultWorkloads is the pair of named presets shipped with dtapp so
// the demo CLI has something to run out of the box.
func DefaultWorkloads() File {
	return File{
		Workloads: []Entry{
			{
				Name:        "quick-verify",
				Description: "one pass, random I/O, verify on every read",
				Options: map[string]string{
					"passes":  "1",
					"iotype":  "random",
					"pattern": "iot",
				},
			},
			{
				Name:        "mirror-soak",
				Description: "long-running forward/reverse pass over a mirrored pair",
				Options: map[string]string{
					"passes": "0",
					"iodir":  "both",
					"mirror": "true",
				},
			},
		},
	}
}
