// Package lint aggregates structural checks — task files, workflow
// definitions, project manifests — into one report written to
// state/lint-report.md.
package lint

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/project"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/util"
	"github.com/randalmurphal/aof/internal/workflow"
)

// ReportFileName is the rendered report under state/.
const ReportFileName = "lint-report.md"

// Source names where a finding came from.
type Source string

const (
	SourceTasks     Source = "tasks"
	SourceWorkflows Source = "workflows"
	SourceProjects  Source = "projects"
)

// Finding is one problem, normalized across sources.
type Finding struct {
	Source Source `json:"source"`
	Kind   string `json:"kind"`
	Path   string `json:"path,omitempty"`
	TaskID string `json:"taskId,omitempty"`
	Detail string `json:"detail"`
}

// Report is the outcome of one lint run.
type Report struct {
	Project     string    `json:"project"`
	GeneratedAt time.Time `json:"generatedAt"`
	Findings    []Finding `json:"findings"`
}

// Clean reports whether the run found nothing.
func (r *Report) Clean() bool { return len(r.Findings) == 0 }

// CountBySource tallies findings per source.
func (r *Report) CountBySource() map[Source]int {
	counts := make(map[Source]int)
	for _, f := range r.Findings {
		counts[f.Source]++
	}
	return counts
}

// Options selects what a run checks. Store is required; the rest are
// optional and skipped when nil.
type Options struct {
	Store     *task.Store
	Workflows *workflow.Registry
	Registry  *project.Registry
	Logger    *slog.Logger
}

// Run executes every configured check and collects the findings.
func Run(opts Options) *Report {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := &Report{GeneratedAt: time.Now().UTC()}
	if opts.Store != nil {
		r.Project = opts.Store.Project()
		for _, issue := range opts.Store.Lint() {
			r.Findings = append(r.Findings, Finding{
				Source: SourceTasks,
				Kind:   string(issue.Kind),
				Path:   issue.Path,
				TaskID: issue.TaskID,
				Detail: issue.Detail,
			})
		}
		for path, reason := range opts.Store.Quarantined() {
			r.Findings = append(r.Findings, Finding{
				Source: SourceTasks,
				Kind:   "quarantined",
				Path:   path,
				Detail: reason,
			})
		}
	}

	if opts.Workflows != nil {
		for _, issue := range opts.Workflows.Issues() {
			kind := "load_failed"
			if issue.Gate != "" {
				kind = "gate_predicate"
			}
			r.Findings = append(r.Findings, Finding{
				Source: SourceWorkflows,
				Kind:   kind,
				Path:   filepath.Join(workflow.Dir, issue.Workflow),
				Detail: issue.Detail,
			})
		}
	}

	if opts.Registry != nil {
		issues, err := opts.Registry.Lint()
		if err != nil {
			log.Warn("project lint failed", "error", err)
		}
		for _, issue := range issues {
			r.Findings = append(r.Findings, Finding{
				Source: SourceProjects,
				Kind:   string(issue.Kind),
				Path:   issue.Path,
				Detail: issue.Detail,
			})
		}
	}

	sort.SliceStable(r.Findings, func(i, j int) bool {
		if r.Findings[i].Source != r.Findings[j].Source {
			return r.Findings[i].Source < r.Findings[j].Source
		}
		return r.Findings[i].Path < r.Findings[j].Path
	})

	log.Info("lint run finished", "project", r.Project, "findings", len(r.Findings))
	return r
}

// Markdown renders the report for humans and agents alike.
func (r *Report) Markdown() string {
	var sb strings.Builder
	sb.WriteString("# Lint Report")
	if r.Project != "" {
		sb.WriteString(" — ")
		sb.WriteString(r.Project)
	}
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339))

	if r.Clean() {
		sb.WriteString("No problems found.\n")
		return sb.String()
	}

	counts := r.CountBySource()
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Source | Findings |\n|---|---|\n")
	for _, src := range []Source{SourceTasks, SourceWorkflows, SourceProjects} {
		if counts[src] > 0 {
			fmt.Fprintf(&sb, "| %s | %d |\n", src, counts[src])
		}
	}
	sb.WriteString("\n")

	for _, src := range []Source{SourceTasks, SourceWorkflows, SourceProjects} {
		if counts[src] == 0 {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n", sectionTitle(src))
		for _, f := range r.Findings {
			if f.Source != src {
				continue
			}
			sb.WriteString("- **")
			sb.WriteString(f.Kind)
			sb.WriteString("**")
			if f.Path != "" {
				fmt.Fprintf(&sb, " `%s`", f.Path)
			}
			if f.TaskID != "" {
				fmt.Fprintf(&sb, " (%s)", f.TaskID)
			}
			sb.WriteString(": ")
			sb.WriteString(f.Detail)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func sectionTitle(src Source) string {
	switch src {
	case SourceTasks:
		return "Tasks"
	case SourceWorkflows:
		return "Workflows"
	case SourceProjects:
		return "Projects"
	default:
		return string(src)
	}
}

// Write renders the report into <projectDir>/state/lint-report.md and
// returns the written path.
func (r *Report) Write(projectDir string) (string, error) {
	path := filepath.Join(projectDir, task.StateDir, ReportFileName)
	if err := util.AtomicWriteFile(path, []byte(r.Markdown()), 0644); err != nil {
		return "", aoferrors.ErrIO("write lint report", err)
	}
	return path, nil
}
