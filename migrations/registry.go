// Package migrations exposes the embedded settlement schema migrations and a
// registration helper for hosts that run their own migration tooling.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	settle "github.com/settld/go-settle"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// The embed layout is fixed: postgres DDL at the migrations root, sqlite
// overrides in a subdirectory.
const (
	postgresPath = "data/sql/migrations"
	sqlitePath   = "data/sql/migrations/sqlite"
)

// FilesystemSpec pairs one dialect with its migration filesystem.
type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// Registration captures what was handed to the host's migration runner.
type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

// RegisterFunc receives one dialect filesystem. Hosts typically forward it to
// their persistence client's migration registry.
type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithDialectSourceLabel(label string) Option {
	return func(r *Registration) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			r.SourceLabel = trimmed
		}
	}
}

// WithValidationTargets restricts registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		cleaned := normalizeDialects(targets)
		if len(cleaned) > 0 {
			r.ValidationTargets = cleaned
		}
	}
}

// WithFilesystems overrides the embedded filesystems, e.g. for hosts that
// layer extra DDL on top of the settlement schema.
func WithFilesystems(filesystems ...FilesystemSpec) Option {
	return func(r *Registration) {
		kept := make([]FilesystemSpec, 0, len(filesystems))
		for _, spec := range filesystems {
			dialect := strings.ToLower(strings.TrimSpace(spec.Dialect))
			if dialect == "" || spec.FS == nil {
				continue
			}
			kept = append(kept, FilesystemSpec{Dialect: dialect, Path: spec.Path, FS: spec.FS})
		}
		if len(kept) > 0 {
			r.Filesystems = kept
		}
	}
}

// Filesystems resolves the per-dialect migration filesystems from the
// embedded tree, or from an override root when one is provided.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := settle.GetCoreMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}

	specs := make([]FilesystemSpec, 0, 2)
	for _, layout := range []struct {
		dialect string
		path    string
	}{
		{DialectPostgres, postgresPath},
		{DialectSQLite, sqlitePath},
	} {
		sub, err := fs.Sub(root, layout.path)
		if err != nil {
			return nil, fmt.Errorf("migrations: resolve %s filesystem: %w", layout.dialect, err)
		}
		matches, err := fs.Glob(sub, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: glob %s %s: %w", layout.dialect, layout.path, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("migrations: %s filesystem %q has no *.up.sql files", layout.dialect, layout.path)
		}
		specs = append(specs, FilesystemSpec{Dialect: layout.dialect, Path: layout.path, FS: sub})
	}
	return specs, nil
}

// Register hands each requested dialect filesystem to registerFn and reports
// what was registered.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       "go-settle",
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}

	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems

	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}
	if strings.TrimSpace(reg.SourceLabel) == "" {
		return reg, fmt.Errorf("migrations: source label is required")
	}
	if len(reg.ValidationTargets) == 0 {
		return reg, fmt.Errorf("migrations: validation targets are required")
	}
	if len(reg.Filesystems) == 0 {
		return reg, fmt.Errorf("migrations: filesystems are required")
	}

	byDialect := make(map[string]FilesystemSpec, len(reg.Filesystems))
	for _, spec := range reg.Filesystems {
		byDialect[spec.Dialect] = spec
	}

	for _, target := range normalizeDialects(reg.ValidationTargets) {
		spec, ok := byDialect[target]
		if !ok {
			continue
		}
		if spec.FS == nil {
			return reg, fmt.Errorf("migrations: filesystem for %s is nil", target)
		}
		if err := registerFn(ctx, spec.Dialect, reg.SourceLabel, spec.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", spec.Dialect, spec.Path, err)
		}
	}

	return reg, nil
}

func normalizeDialects(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.ToLower(strings.TrimSpace(value))
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
