package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// DeclarationFile is the file name the roster walk looks for.
const DeclarationFile = "butler.toml"

// Declaration is the on-disk description of a butler (butler.toml).
//
//	name = "health"
//	endpoint_url = "http://127.0.0.1:8103/mcp"
//	description = "meals, sleep, medication"
//	modules = ["meals", "sleep"]
//	capabilities = ["route.execute"]
//	liveness_ttl_seconds = 300
//
//	[route_contract]
//	min = 1
//	max = 1
type Declaration struct {
	Name               string   `toml:"name"`
	EndpointURL        string   `toml:"endpoint_url"`
	Description        string   `toml:"description"`
	Modules            []string `toml:"modules"`
	Capabilities       []string `toml:"capabilities"`
	LivenessTTLSeconds int      `toml:"liveness_ttl_seconds"`
	RouteContract      struct {
		Min int `toml:"min"`
		Max int `toml:"max"`
	} `toml:"route_contract"`

	Path string `toml:"-"`
}

var endpointSchemes = map[string]bool{
	"http": true, "https": true, "ws": true, "wss": true, "stdio": true, "local": true,
}

// LoadDeclaration reads and validates one butler.toml.
func LoadDeclaration(path string) (*Declaration, error) {
	var decl Declaration
	meta, err := toml.DecodeFile(path, &decl)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	decl.Path = path
	decl.Name = strings.TrimSpace(decl.Name)
	decl.EndpointURL = strings.TrimSpace(decl.EndpointURL)
	if err := decl.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &decl, nil
}

func (d *Declaration) Validate() error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	if d.EndpointURL == "" {
		return errors.New("endpoint_url is required")
	}
	u, err := url.Parse(d.EndpointURL)
	if err != nil {
		return fmt.Errorf("endpoint_url: %w", err)
	}
	if !endpointSchemes[u.Scheme] {
		return fmt.Errorf("endpoint_url scheme %q is not supported", u.Scheme)
	}
	if d.LivenessTTLSeconds < 0 {
		return errors.New("liveness_ttl_seconds must not be negative")
	}
	if d.RouteContract.Min > 0 && d.RouteContract.Max > 0 && d.RouteContract.Max < d.RouteContract.Min {
		return fmt.Errorf("route_contract.max %d < min %d", d.RouteContract.Max, d.RouteContract.Min)
	}
	return nil
}

func (d *Declaration) Registration() Registration {
	return Registration{
		Name:               d.Name,
		EndpointURL:        d.EndpointURL,
		Description:        d.Description,
		Modules:            d.Modules,
		Capabilities:       d.Capabilities,
		RouteContractMin:   d.RouteContract.Min,
		RouteContractMax:   d.RouteContract.Max,
		LivenessTTLSeconds: d.LivenessTTLSeconds,
	}
}

// SkippedDeclaration is a roster file Discover could not use.
type SkippedDeclaration struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type DiscoverResult struct {
	Registered []string             `json:"registered"`
	Skipped    []SkippedDeclaration `json:"skipped,omitempty"`
}

// ScanRoster walks dir for butler.toml files without registering anything.
// Files that fail to load are returned as skipped rather than as an error.
func ScanRoster(dir string) ([]*Declaration, []SkippedDeclaration, error) {
	var (
		decls   []*Declaration
		skipped []SkippedDeclaration
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			skipped = append(skipped, SkippedDeclaration{Path: path, Error: err.Error()})
			if d != nil && d.IsDir() && path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() != DeclarationFile {
			return nil
		}
		decl, loadErr := LoadDeclaration(path)
		if loadErr != nil {
			skipped = append(skipped, SkippedDeclaration{Path: path, Error: loadErr.Error()})
			return nil
		}
		decls = append(decls, decl)
		return nil
	})
	sort.Slice(decls, func(i, j int) bool { return decls[i].Path < decls[j].Path })
	return decls, skipped, err
}

// Discover registers every valid declaration under dir. Invalid or
// unreadable declarations are logged and skipped, never returned as errors.
func (r *Registry) Discover(ctx context.Context, dir string) DiscoverResult {
	var result DiscoverResult
	if dir == "" {
		return result
	}
	if _, err := os.Stat(dir); err != nil {
		r.logger.Warn("roster directory unavailable", "dir", dir, "error", err)
		return result
	}

	decls, skipped, err := ScanRoster(dir)
	if err != nil {
		r.logger.Warn("roster walk incomplete", "dir", dir, "error", err)
	}
	result.Skipped = skipped

	seen := make(map[string]string, len(decls))
	for _, decl := range decls {
		if first, dup := seen[decl.Name]; dup {
			result.Skipped = append(result.Skipped, SkippedDeclaration{
				Path:  decl.Path,
				Error: fmt.Sprintf("duplicate butler name %q (first declared in %s)", decl.Name, first),
			})
			continue
		}
		seen[decl.Name] = decl.Path
		if _, err := r.Register(ctx, decl.Registration()); err != nil {
			result.Skipped = append(result.Skipped, SkippedDeclaration{Path: decl.Path, Error: err.Error()})
			continue
		}
		result.Registered = append(result.Registered, decl.Name)
	}
	for _, s := range result.Skipped {
		r.logger.Warn("butler declaration skipped", "path", s.Path, "error", s.Error)
	}
	r.logger.Info("roster discovery complete", "dir", dir,
		"registered", len(result.Registered), "skipped", len(result.Skipped))
	return result
}

// FindDeclaration locates the declaration for name, trying <dir>/<name>/butler.toml
// before walking the whole roster. It returns (nil, nil) when none matches.
func FindDeclaration(dir, name string, logger *slog.Logger) (*Declaration, error) {
	direct := filepath.Join(dir, name, DeclarationFile)
	if _, err := os.Stat(direct); err == nil {
		decl, err := LoadDeclaration(direct)
		if err == nil && decl.Name == name {
			return decl, nil
		}
		if err != nil && logger != nil {
			logger.Warn("butler declaration invalid", "path", direct, "error", err)
		}
	}
	decls, _, err := ScanRoster(dir)
	if err != nil {
		return nil, err
	}
	for _, decl := range decls {
		if decl.Name == name {
			return decl, nil
		}
	}
	return nil, nil
}
