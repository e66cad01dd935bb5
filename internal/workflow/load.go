package workflow

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
)

// Dir is the workflows directory under the vault root.
const Dir = "workflows"

// DefaultName is the workflow used when a task's routing names none.
const DefaultName = "dev"

//go:embed defaults/*.yaml
var defaultsFS embed.FS

// Registry holds the loaded workflows by name.
type Registry struct {
	workflows map[string]*Workflow
	issues    []Issue
}

// Get returns a workflow by name.
func (r *Registry) Get(name string) (*Workflow, error) {
	if name == "" {
		name = DefaultName
	}
	w, ok := r.workflows[name]
	if !ok {
		return nil, aoferrors.ErrWorkflowNotFound(name)
	}
	return w, nil
}

// Names returns the loaded workflow names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Issues returns the non-fatal problems collected while loading, for lint.
func (r *Registry) Issues() []Issue {
	return r.issues
}

// LoadDefaults builds a registry from the embedded workflows only.
func LoadDefaults() (*Registry, error) {
	r := &Registry{workflows: make(map[string]*Workflow)}
	entries, err := fs.ReadDir(defaultsFS, "defaults")
	if err != nil {
		return nil, fmt.Errorf("read embedded workflows: %w", err)
	}
	for _, entry := range entries {
		data, err := defaultsFS.ReadFile("defaults/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read embedded workflow %s: %w", entry.Name(), err)
		}
		w, issues, err := parseWorkflow(data)
		if err != nil {
			return nil, fmt.Errorf("embedded workflow %s: %w", entry.Name(), err)
		}
		r.workflows[w.Name] = w
		r.issues = append(r.issues, issues...)
	}
	return r, nil
}

// Load builds a registry from the embedded defaults overlaid with
// workflows/*.yaml under the vault root. A file defining a name that exists
// in the defaults replaces it. Files that fail to parse or validate are
// skipped with a logged warning and a lint issue; they never abort the load.
func Load(root string, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r, err := LoadDefaults()
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(root, Dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, aoferrors.ErrIO("read workflows directory", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("skipping unreadable workflow file", "path", path, "error", err)
			r.issues = append(r.issues, Issue{Workflow: name, Detail: err.Error()})
			continue
		}
		w, issues, err := parseWorkflow(data)
		if err != nil {
			log.Warn("skipping invalid workflow file", "path", path, "error", err)
			r.issues = append(r.issues, Issue{Workflow: name, Detail: err.Error()})
			continue
		}
		r.workflows[w.Name] = w
		r.issues = append(r.issues, issues...)
	}
	return r, nil
}

func parseWorkflow(data []byte) (*Workflow, []Issue, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, nil, fmt.Errorf("parse workflow: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, nil, err
	}
	issues := w.Compile()
	return &w, issues, nil
}
