// Package project manages project manifests, the on-disk layout under
// Projects/, and the vault-scoped registry derived from it.
package project

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/aof/internal/config"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/util"
)

// ManifestFileName is the manifest file inside each project directory.
const ManifestFileName = "project.yaml"

// SchemaVersion is the current manifest schema version.
const SchemaVersion = 1

// maxParentDepth bounds the parent chain walk. Anything deeper is treated
// as a cycle.
const maxParentDepth = 32

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// Manifest is the project.yaml content. Unknown fields are not preserved;
// the manifest is owned by aof, unlike task files which humans edit.
type Manifest struct {
	SchemaVersion   int       `yaml:"schemaVersion" json:"schemaVersion"`
	ID              string    `yaml:"id" json:"id"`
	Name            string    `yaml:"name" json:"name"`
	Description     string    `yaml:"description,omitempty" json:"description,omitempty"`
	Parent          string    `yaml:"parent,omitempty" json:"parent,omitempty"`
	DefaultWorkflow string    `yaml:"defaultWorkflow,omitempty" json:"defaultWorkflow,omitempty"`
	CreatedAt       time.Time `yaml:"createdAt" json:"createdAt"`
	CreatedBy       string    `yaml:"createdBy,omitempty" json:"createdBy,omitempty"`
}

// Project is an opened project: its manifest plus where it lives.
type Project struct {
	Manifest Manifest

	root string
	dir  string
}

// ID returns the project id.
func (p *Project) ID() string { return p.Manifest.ID }

// Dir returns the project directory.
func (p *Project) Dir() string { return p.dir }

// Root returns the vault root the project belongs to.
func (p *Project) Root() string { return p.root }

// Store returns a task store rooted at the project directory.
func (p *Project) Store(logger *slog.Logger) *task.Store {
	return task.NewStore(p.dir, p.Manifest.ID, logger)
}

// Dir returns the directory for a project id under a vault root.
func Dir(root, id string) string {
	return filepath.Join(root, config.ProjectsDir, id)
}

// ManifestPath returns the manifest path for a project id.
func ManifestPath(root, id string) string {
	return filepath.Join(Dir(root, id), ManifestFileName)
}

// ValidateID checks that an id is usable as a directory name and task id
// prefix: lowercase letters, digits and hyphens, starting with a letter or
// digit, at most 64 characters.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return aoferrors.ErrConfigInvalid("project id",
			fmt.Sprintf("%q must match %s", id, idPattern.String()))
	}
	return nil
}

// CreateOptions carries the optional manifest fields for Create.
type CreateOptions struct {
	Name            string
	Description     string
	Parent          string
	DefaultWorkflow string
	Actor           string
}

// Create scaffolds a new project under <root>/Projects/<id>: the full task
// layout plus a manifest. The parent, when given, must already exist.
func Create(root, id string, opts CreateOptions, logger *slog.Logger) (*Project, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if _, err := os.Stat(ManifestPath(root, id)); err == nil {
		return nil, aoferrors.ErrProjectExists(id)
	}
	if opts.Parent != "" {
		if opts.Parent == id {
			return nil, aoferrors.ErrConfigInvalid("parent",
				"a project cannot be its own parent")
		}
		if _, err := Open(root, opts.Parent); err != nil {
			return nil, err
		}
	}

	m := Manifest{
		SchemaVersion:   SchemaVersion,
		ID:              id,
		Name:            opts.Name,
		Description:     opts.Description,
		Parent:          opts.Parent,
		DefaultWorkflow: opts.DefaultWorkflow,
		CreatedAt:       time.Now().UTC(),
		CreatedBy:       opts.Actor,
	}
	if m.Name == "" {
		m.Name = id
	}

	dir := Dir(root, id)
	store := task.NewStore(dir, id, logger)
	if err := store.EnsureLayout(); err != nil {
		return nil, err
	}
	if err := writeManifest(ManifestPath(root, id), m); err != nil {
		return nil, err
	}
	logger.Info("project created", "project", id, "dir", dir)
	return &Project{Manifest: m, root: root, dir: dir}, nil
}

// Open loads an existing project by id.
func Open(root, id string) (*Project, error) {
	path := ManifestPath(root, id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, aoferrors.ErrProjectNotFound(id)
		}
		return nil, aoferrors.ErrIO("read project manifest", err)
	}
	m, err := parseManifest(path, data)
	if err != nil {
		return nil, err
	}
	return &Project{Manifest: m, root: root, dir: Dir(root, id)}, nil
}

// Exists reports whether a project manifest is present for the id.
func Exists(root, id string) bool {
	_, err := os.Stat(ManifestPath(root, id))
	return err == nil
}

// Save rewrites the manifest in place.
func (p *Project) Save() error {
	return writeManifest(filepath.Join(p.dir, ManifestFileName), p.Manifest)
}

// Ancestry returns the parent chain starting at the project itself. A
// missing ancestor or a cycle yields an error naming the offending link.
func (p *Project) Ancestry() ([]string, error) {
	chain := []string{p.Manifest.ID}
	seen := map[string]bool{p.Manifest.ID: true}
	parent := p.Manifest.Parent
	for parent != "" {
		if seen[parent] || len(chain) > maxParentDepth {
			return chain, aoferrors.ErrConfigInvalid("parent",
				fmt.Sprintf("project %s is part of a parent cycle", parent))
		}
		next, err := Open(p.root, parent)
		if err != nil {
			return chain, err
		}
		chain = append(chain, parent)
		seen[parent] = true
		parent = next.Manifest.Parent
	}
	return chain, nil
}

func parseManifest(path string, data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, aoferrors.ErrConfigInvalid(path, err.Error())
	}
	if m.ID == "" {
		return m, aoferrors.ErrConfigInvalid(path, "manifest has no id")
	}
	if m.SchemaVersion == 0 {
		m.SchemaVersion = SchemaVersion
	}
	return m, nil
}

func writeManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return aoferrors.ErrInternal("marshal project manifest", err)
	}
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return aoferrors.ErrIO("write project manifest", err)
	}
	return nil
}
