// Package resolve maps source URIs to local filesystem paths and loads
// source lines for ignore scanning and report rendering.
package resolve

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// packageConfig mirrors .dart_tool/package_config.json.
type packageConfig struct {
	ConfigVersion int            `json:"configVersion"`
	Packages      []packageEntry `json:"packages"`
}

type packageEntry struct {
	Name       string `json:"name"`
	RootURI    string `json:"rootUri"`
	PackageURI string `json:"packageUri"`
}

// Resolver maps package: and file: URIs to filesystem paths.
type Resolver struct {
	// packageRoots maps a package name to the directory its package: URIs
	// resolve under.
	packageRoots map[string]string
}

// NewResolver builds a resolver from a package_config.json file. An empty
// path yields a resolver that only handles file: URIs and plain paths.
func NewResolver(packageConfigPath string) (*Resolver, error) {
	r := &Resolver{packageRoots: make(map[string]string)}
	if packageConfigPath == "" {
		return r, nil
	}

	data, err := os.ReadFile(packageConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read package config: %w", err)
	}
	var cfg packageConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse package config: %w", err)
	}

	baseDir := filepath.Dir(packageConfigPath)
	for _, pkg := range cfg.Packages {
		root, err := resolveRootURI(baseDir, pkg.RootURI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve package %s: %w", pkg.Name, err)
		}
		r.packageRoots[pkg.Name] = filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(pkg.PackageURI, "/")))
	}
	return r, nil
}

// resolveRootURI resolves a rootUri value (a file: URI or a path relative to
// the config file's directory) to an absolute directory.
func resolveRootURI(baseDir, rootURI string) (string, error) {
	if strings.HasPrefix(rootURI, "file://") {
		u, err := url.Parse(rootURI)
		if err != nil {
			return "", err
		}
		return filepath.FromSlash(u.Path), nil
	}
	root := filepath.FromSlash(strings.TrimSuffix(rootURI, "/"))
	if filepath.IsAbs(root) {
		return root, nil
	}
	return filepath.Join(baseDir, root), nil
}

// Resolve maps a source URI to a filesystem path, or "" when the URI cannot
// be resolved.
func (r *Resolver) Resolve(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "package":
		name, rest, ok := strings.Cut(u.Opaque, "/")
		if !ok {
			return ""
		}
		root, ok := r.packageRoots[name]
		if !ok {
			return ""
		}
		return filepath.Join(root, filepath.FromSlash(rest))
	case "file":
		return filepath.FromSlash(u.Path)
	case "":
		return filepath.FromSlash(uri)
	default:
		return ""
	}
}

// LoadLines reads a file and splits it into lines, or returns nil when the
// file cannot be read.
func LoadLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}
