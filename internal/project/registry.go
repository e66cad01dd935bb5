package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/randalmurphal/aof/internal/config"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/task"
)

// IssueKind classifies a project lint finding.
type IssueKind string

const (
	IssueManifestMissing IssueKind = "manifest_missing"
	IssueManifestInvalid IssueKind = "manifest_invalid"
	IssueIDMismatch      IssueKind = "id_mismatch"
	IssueParentMissing   IssueKind = "parent_missing"
	IssueParentCycle     IssueKind = "parent_cycle"
	IssueLayoutMissing   IssueKind = "layout_missing"
)

// Issue is one structural problem found by Lint.
type Issue struct {
	Kind      IssueKind `json:"kind"`
	ProjectID string    `json:"projectId,omitempty"`
	Path      string    `json:"path"`
	Detail    string    `json:"detail"`
}

// Registry is the set of projects under one vault root. It is derived from
// a directory scan; the vault itself is the source of truth, there is no
// separate registry file to drift out of date.
type Registry struct {
	root string
}

// NewRegistry returns a registry over the vault root.
func NewRegistry(root string) *Registry {
	return &Registry{root: root}
}

// Root returns the vault root.
func (r *Registry) Root() string { return r.root }

// List returns every project with a readable manifest, sorted by id.
// Directories with broken manifests are skipped; Lint reports them.
func (r *Registry) List() ([]*Project, error) {
	entries, err := r.scan()
	if err != nil {
		return nil, err
	}
	var out []*Project
	for _, e := range entries {
		if e.err != nil {
			continue
		}
		out = append(out, e.project)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out, nil
}

// Get opens a project by exact id, then by unique id prefix.
func (r *Registry) Get(idOrPrefix string) (*Project, error) {
	if Exists(r.root, idOrPrefix) {
		return Open(r.root, idOrPrefix)
	}
	projects, err := r.List()
	if err != nil {
		return nil, err
	}
	var match *Project
	for _, p := range projects {
		if strings.HasPrefix(p.Manifest.ID, idOrPrefix) {
			if match != nil {
				return nil, aoferrors.ErrConfigInvalid("project",
					fmt.Sprintf("prefix %q is ambiguous (%s, %s)", idOrPrefix, match.Manifest.ID, p.Manifest.ID))
			}
			match = p
		}
	}
	if match == nil {
		return nil, aoferrors.ErrProjectNotFound(idOrPrefix)
	}
	return match, nil
}

// Lint checks every project directory for structural problems: unreadable
// or mismatched manifests, missing parents, parent cycles, and missing
// layout directories.
func (r *Registry) Lint() ([]Issue, error) {
	entries, err := r.scan()
	if err != nil {
		return nil, err
	}

	var issues []Issue
	byID := make(map[string]*Project, len(entries))
	for _, e := range entries {
		if e.err != nil {
			kind := IssueManifestInvalid
			if os.IsNotExist(e.err) {
				kind = IssueManifestMissing
			}
			issues = append(issues, Issue{
				Kind:   kind,
				Path:   e.manifestPath,
				Detail: e.err.Error(),
			})
			continue
		}
		p := e.project
		if p.Manifest.ID != e.dirName {
			issues = append(issues, Issue{
				Kind:      IssueIDMismatch,
				ProjectID: p.Manifest.ID,
				Path:      e.manifestPath,
				Detail:    fmt.Sprintf("manifest id %q does not match directory %q", p.Manifest.ID, e.dirName),
			})
		}
		issues = append(issues, r.lintLayout(p)...)
		byID[e.dirName] = p
	}

	issues = append(issues, lintParents(byID)...)
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Path != issues[j].Path {
			return issues[i].Path < issues[j].Path
		}
		return issues[i].Kind < issues[j].Kind
	})
	return issues, nil
}

// lintLayout reports the canonical subdirectories a project is missing.
func (r *Registry) lintLayout(p *Project) []Issue {
	var issues []Issue
	required := []string{task.ArtifactsDir, task.StateDir, "events"}
	for _, st := range task.ValidStatuses() {
		required = append(required, filepath.Join(task.TasksDir, string(st)))
	}
	for _, rel := range required {
		path := filepath.Join(p.Dir(), rel)
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			issues = append(issues, Issue{
				Kind:      IssueLayoutMissing,
				ProjectID: p.Manifest.ID,
				Path:      path,
				Detail:    fmt.Sprintf("missing directory %s", rel),
			})
		}
	}
	return issues
}

// lintParents checks parent references across the scanned set. Projects are
// keyed by directory name so a mismatched manifest id cannot hide a cycle.
func lintParents(byID map[string]*Project) []Issue {
	var issues []Issue
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		parent := byID[id].Manifest.Parent
		if parent == "" {
			continue
		}
		if _, ok := byID[parent]; !ok {
			issues = append(issues, Issue{
				Kind:      IssueParentMissing,
				ProjectID: id,
				Path:      filepath.Join(byID[id].Dir(), ManifestFileName),
				Detail:    fmt.Sprintf("parent project %q not found", parent),
			})
			continue
		}
		if cycle := walkParents(byID, id); cycle != "" {
			issues = append(issues, Issue{
				Kind:      IssueParentCycle,
				ProjectID: id,
				Path:      filepath.Join(byID[id].Dir(), ManifestFileName),
				Detail:    cycle,
			})
		}
	}
	return issues
}

// walkParents follows the parent chain from id and returns a description of
// the cycle when the chain revisits a project, or "" when it terminates.
func walkParents(byID map[string]*Project, id string) string {
	chain := []string{id}
	seen := map[string]bool{id: true}
	cur := id
	for {
		p, ok := byID[cur]
		if !ok {
			return ""
		}
		next := p.Manifest.Parent
		if next == "" {
			return ""
		}
		if seen[next] {
			chain = append(chain, next)
			return "parent cycle: " + strings.Join(chain, " -> ")
		}
		chain = append(chain, next)
		seen[next] = true
		cur = next
	}
}

type scanEntry struct {
	dirName      string
	manifestPath string
	project      *Project
	err          error
}

// scan walks <root>/Projects once. A missing Projects/ directory is an
// uninitialized vault, not an empty one.
func (r *Registry) scan() ([]scanEntry, error) {
	projectsDir := filepath.Join(r.root, config.ProjectsDir)
	dirents, err := os.ReadDir(projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, aoferrors.ErrNotInitialized(r.root)
		}
		return nil, aoferrors.ErrIO("scan projects", err)
	}

	var entries []scanEntry
	for _, d := range dirents {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		e := scanEntry{
			dirName:      d.Name(),
			manifestPath: filepath.Join(projectsDir, d.Name(), ManifestFileName),
		}
		data, err := os.ReadFile(e.manifestPath)
		if err != nil {
			e.err = err
			entries = append(entries, e)
			continue
		}
		m, err := parseManifest(e.manifestPath, data)
		if err != nil {
			e.err = err
			entries = append(entries, e)
			continue
		}
		e.project = &Project{Manifest: m, root: r.root, dir: filepath.Join(projectsDir, d.Name())}
		entries = append(entries, e)
	}
	return entries, nil
}
