// Package project resolves the deployable project: its root directory,
// the cube.yml manifest, and the include/exclude rules fed to the
// package builder.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the project manifest looked up at the project root.
const ManifestFile = "cube.yml"

// ErrNotAProject indicates the directory has no cube.yml manifest.
var ErrNotAProject = errors.New("no cube.yml found; not a cube project")

// defaultExcludes cover dependency caches, version-control metadata, and
// secret files that must never be shipped to the backend.
var defaultExcludes = []string{
	".git",
	".hg",
	".svn",
	"**/node_modules",
	"**/__pycache__",
	".venv",
	".env",
	".env.*",
	"**/*.pem",
	"**/*.key",
	"**/.DS_Store",
}

// Project describes a resolved deployable project.
type Project struct {
	Root    string
	Name    string
	Include []string
	Exclude []string

	// MaxPackageBytes overrides the configured package ceiling when
	// positive. Zero means use the pipeline default.
	MaxPackageBytes int64
}

type manifest struct {
	Name    string   `yaml:"name"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	Limits  struct {
		MaxPackageMB int64 `yaml:"max_package_mb"`
	} `yaml:"limits"`
}

// Resolve loads cube.yml from root and returns the project with default
// exclude rules appended. The returned root is absolute.
func Resolve(root string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(abs, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w (looked in %s)", ErrNotAProject, abs)
		}
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}
	name := strings.TrimSpace(m.Name)
	if name == "" {
		name = filepath.Base(abs)
	}

	p := &Project{
		Root:    abs,
		Name:    name,
		Include: m.Include,
		Exclude: append(append([]string{}, m.Exclude...), defaultExcludes...),
	}
	if m.Limits.MaxPackageMB > 0 {
		p.MaxPackageBytes = m.Limits.MaxPackageMB << 20
	}
	return p, nil
}
