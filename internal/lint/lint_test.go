package lint

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/aof/internal/project"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/workflow"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// messyVault builds a vault with one finding per source: a task whose file
// sits in the wrong status directory, a workflow that fails to parse, and a
// project manifest pointing at a parent that does not exist.
func messyVault(t *testing.T) (string, *project.Project) {
	t.Helper()
	root := t.TempDir()
	p, err := project.Create(root, "demo", project.CreateOptions{Actor: "test"}, discard())
	require.NoError(t, err)

	store := p.Store(discard())
	created, err := store.Create(task.CreateRequest{Title: "misplaced", CreatedBy: "test"})
	require.NoError(t, err)
	from := filepath.Join(p.Dir(), "tasks", "backlog", created.ID+".md")
	to := filepath.Join(p.Dir(), "tasks", "ready", created.ID+".md")
	require.NoError(t, os.Rename(from, to))

	wfDir := filepath.Join(root, "workflows")
	require.NoError(t, os.MkdirAll(wfDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "broken.yaml"), []byte("{nope"), 0644))

	orphan, err := project.Create(root, "orphan", project.CreateOptions{}, discard())
	require.NoError(t, err)
	orphan.Manifest.Parent = "ghost"
	require.NoError(t, orphan.Save())

	return root, p
}

func TestRunAggregatesSources(t *testing.T) {
	root, p := messyVault(t)

	wf, err := workflow.Load(root, discard())
	require.NoError(t, err)

	report := Run(Options{
		Store:     p.Store(discard()),
		Workflows: wf,
		Registry:  project.NewRegistry(root),
		Logger:    discard(),
	})

	assert.Equal(t, "demo", report.Project)
	assert.False(t, report.Clean())

	counts := report.CountBySource()
	assert.Equal(t, 1, counts[SourceTasks])
	assert.Equal(t, 1, counts[SourceWorkflows])
	assert.Equal(t, 1, counts[SourceProjects])

	kinds := make(map[string]bool)
	for _, f := range report.Findings {
		kinds[f.Kind] = true
	}
	assert.True(t, kinds["status_mismatch"])
	assert.True(t, kinds["load_failed"])
	assert.True(t, kinds["parent_missing"])
}

func TestRunWithStoreOnly(t *testing.T) {
	root := t.TempDir()
	p, err := project.Create(root, "solo", project.CreateOptions{}, discard())
	require.NoError(t, err)

	report := Run(Options{Store: p.Store(discard()), Logger: discard()})
	assert.True(t, report.Clean())
	assert.Equal(t, "solo", report.Project)
}

func TestRunIncludesGatePredicateIssues(t *testing.T) {
	root := t.TempDir()
	wfDir := filepath.Join(root, "workflows")
	require.NoError(t, os.MkdirAll(wfDir, 0755))
	// A when expression that fails to parse disables the gate and surfaces
	// as a lint issue.
	def := `name: odd
gates:
  - id: review
    role: reviewer
    when: "role =="
`
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "odd.yaml"), []byte(def), 0644))

	wf, err := workflow.Load(root, discard())
	require.NoError(t, err)

	report := Run(Options{Workflows: wf, Logger: discard()})
	var found bool
	for _, f := range report.Findings {
		if f.Source == SourceWorkflows && f.Kind == "gate_predicate" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMarkdownRendersSections(t *testing.T) {
	root, p := messyVault(t)
	wf, err := workflow.Load(root, discard())
	require.NoError(t, err)

	report := Run(Options{
		Store:     p.Store(discard()),
		Workflows: wf,
		Registry:  project.NewRegistry(root),
		Logger:    discard(),
	})

	md := report.Markdown()
	assert.Contains(t, md, "# Lint Report — demo")
	assert.Contains(t, md, "## Summary")
	assert.Contains(t, md, "## Tasks")
	assert.Contains(t, md, "## Workflows")
	assert.Contains(t, md, "## Projects")
	assert.Contains(t, md, "**status_mismatch**")
}

func TestMarkdownCleanReport(t *testing.T) {
	r := &Report{Project: "demo"}
	md := r.Markdown()
	assert.Contains(t, md, "No problems found.")
	assert.NotContains(t, md, "## Summary")
}

func TestWriteCreatesReportUnderState(t *testing.T) {
	root, p := messyVault(t)

	report := Run(Options{Store: p.Store(discard()), Logger: discard()})
	path, err := report.Write(p.Dir())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.Dir(), "state", "lint-report.md"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "status_mismatch")

	_ = root
}
