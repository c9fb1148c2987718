package registry

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"backendd/pkg/types"
)

// DefaultExtensions are the model file formats recognized by LoadDir.
var DefaultExtensions = []string{".safetensors", ".ckpt", ".gguf", ".pt", ".sft"}

// Scanner walks a directory tree for model files.
type Scanner struct {
	exts map[string]bool
}

// NewScanner returns a scanner for the given extensions (DefaultExtensions when none).
func NewScanner(exts ...string) *Scanner {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	s := &Scanner{exts: make(map[string]bool, len(exts))}
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		s.exts[e] = true
	}
	return s
}

// Scan builds models from every matching file under dir. ID is the slash
// separated path relative to dir, Name drops the extension.
func (s *Scanner) Scan(dir string) ([]types.Model, error) {
	base, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != abs && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if !s.exts[ext] {
			return nil
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)
		models = append(models, types.Model{
			ID:     id,
			Name:   strings.TrimSuffix(id, filepath.Ext(id)),
			Path:   p,
			Format: strings.TrimPrefix(ext, "."),
			Class:  guessClass(id),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", abs, err)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir scans dir with the default extensions.
func LoadDir(dir string) ([]types.Model, error) { return NewScanner().Scan(dir) }

// Find returns the model with the given id or name.
func Find(models []types.Model, ref string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == ref || m.Name == ref {
			return m, true
		}
	}
	return types.Model{}, false
}

// guessClass infers the architecture from common naming conventions.
func guessClass(id string) string {
	l := strings.ToLower(id)
	switch {
	case strings.Contains(l, "flux"):
		return "flux"
	case strings.Contains(l, "sdxl") || strings.Contains(l, "-xl"):
		return "sdxl"
	case strings.Contains(l, "sd3"):
		return "sd3"
	case strings.Contains(l, "v1-5") || strings.Contains(l, "sd15"):
		return "sd15"
	}
	return ""
}

// expandHome expands a leading '~' to the user's home directory.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/models/Stable-Diffusion
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
