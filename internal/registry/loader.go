// Package registry locates model files for an agent: it scans the local
// models directory and resolves desired model references to files on disk.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"balancerd/internal/common/fsutil"
)

// LocalModel is a GGUF file found in the models directory.
type LocalModel struct {
	// Name is the full filename, e.g. "llama-3.1-8b-q4_k_m.gguf".
	Name string `json:"name"`
	Path string `json:"path"`
}

// LoadDir scans dir for *.gguf files, sorted by name.
func LoadDir(dir string) ([]LocalModel, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []LocalModel
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		models = append(models, LocalModel{Name: name, Path: filepath.Join(abs, name)})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}
