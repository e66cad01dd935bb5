// Package drift compares the org chart against what is actually on disk:
// tasks routed to people nobody knows, leases held by strangers, running
// tasks that lost their lease. Drift is advisory; nothing here mutates.
package drift

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/org"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/util"
)

// ReportFileName is the rendered report under state/.
const ReportFileName = "drift-report.md"

// Kind classifies a drift finding.
type Kind string

const (
	// KindUnknownAgent flags routing to an agent outside the roster.
	KindUnknownAgent Kind = "unknown_agent"
	// KindUnknownTeam flags routing to a team the chart does not have.
	KindUnknownTeam Kind = "unknown_team"
	// KindUnknownRole flags routing to a role nobody holds.
	KindUnknownRole Kind = "unknown_role"
	// KindForeignLease flags an active lease held by an unknown agent.
	KindForeignLease Kind = "foreign_leaseholder"
	// KindMissingLease flags an in-progress task with no active lease.
	KindMissingLease Kind = "missing_lease"
	// KindLeaseOnDone flags an active lease on a finished task.
	KindLeaseOnDone Kind = "lease_on_done"
)

// Finding is one divergence between chart and disk.
type Finding struct {
	Kind    Kind   `json:"kind"`
	TaskID  string `json:"taskId"`
	Subject string `json:"subject,omitempty"`
	Detail  string `json:"detail"`
}

// Report is the outcome of one drift run.
type Report struct {
	Project     string    `json:"project"`
	GeneratedAt time.Time `json:"generatedAt"`
	ChartEmpty  bool      `json:"chartEmpty"`
	TasksSeen   int       `json:"tasksSeen"`
	Findings    []Finding `json:"findings"`
}

// Clean reports whether nothing drifted.
func (r *Report) Clean() bool { return len(r.Findings) == 0 }

// Run scans every task in the store against the chart. A nil or empty
// chart skips the roster checks and still runs the lease-state checks.
func Run(store *task.Store, chart *org.Chart, logger *slog.Logger) *Report {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Report{
		Project:     store.Project(),
		GeneratedAt: time.Now().UTC(),
		ChartEmpty:  chart == nil || chart.Empty(),
	}

	now := time.Now()
	tasks := store.List(task.Filter{})
	r.TasksSeen = len(tasks)

	for _, t := range tasks {
		if !r.ChartEmpty {
			r.checkRouting(chart, t)
			if t.Lease.Active(now) && !chart.KnownAgent(t.Lease.Agent) {
				r.add(KindForeignLease, t.ID, t.Lease.Agent,
					fmt.Sprintf("lease held by %q, who is not in the org chart", t.Lease.Agent))
			}
		}
		switch t.Status {
		case task.StatusInProgress:
			if !t.Lease.Active(now) {
				r.add(KindMissingLease, t.ID, "",
					"task is in-progress but holds no active lease")
			}
		case task.StatusDone:
			if t.Lease.Active(now) {
				r.add(KindLeaseOnDone, t.ID, t.Lease.Agent,
					fmt.Sprintf("finished task still leased to %q until %s",
						t.Lease.Agent, t.Lease.ExpiresAt.Format(time.RFC3339)))
			}
		}
	}

	sort.SliceStable(r.Findings, func(i, j int) bool {
		if r.Findings[i].TaskID != r.Findings[j].TaskID {
			return r.Findings[i].TaskID < r.Findings[j].TaskID
		}
		return r.Findings[i].Kind < r.Findings[j].Kind
	})

	logger.Info("drift run finished",
		"project", r.Project, "tasks", r.TasksSeen, "findings", len(r.Findings))
	return r
}

func (r *Report) checkRouting(chart *org.Chart, t *task.Task) {
	if a := t.Routing.Agent; a != "" && a != "auto" && !chart.KnownAgent(a) {
		r.add(KindUnknownAgent, t.ID, a,
			fmt.Sprintf("routed to agent %q, who is not in the org chart", a))
	}
	if team := t.Routing.Team; team != "" && !chart.KnownTeam(team) {
		r.add(KindUnknownTeam, t.ID, team,
			fmt.Sprintf("routed to team %q, which is not in the org chart", team))
	}
	if role := t.Routing.Role; role != "" && !chart.KnownRole(role) {
		r.add(KindUnknownRole, t.ID, role,
			fmt.Sprintf("routed to role %q, which nobody holds", role))
	}
}

func (r *Report) add(kind Kind, taskID, subject, detail string) {
	r.Findings = append(r.Findings, Finding{
		Kind:    kind,
		TaskID:  taskID,
		Subject: subject,
		Detail:  detail,
	})
}

// Markdown renders the report.
func (r *Report) Markdown() string {
	var sb strings.Builder
	sb.WriteString("# Drift Report")
	if r.Project != "" {
		sb.WriteString(" — ")
		sb.WriteString(r.Project)
	}
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Generated: %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Tasks scanned: %d\n\n", r.TasksSeen)
	if r.ChartEmpty {
		sb.WriteString("No org chart found; only lease-state checks ran.\n\n")
	}

	if r.Clean() {
		sb.WriteString("No drift detected.\n")
		return sb.String()
	}

	for _, f := range r.Findings {
		sb.WriteString("- **")
		sb.WriteString(string(f.Kind))
		sb.WriteString("** ")
		sb.WriteString(f.TaskID)
		sb.WriteString(": ")
		sb.WriteString(f.Detail)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Write renders the report into <projectDir>/state/drift-report.md and
// returns the written path.
func (r *Report) Write(projectDir string) (string, error) {
	path := filepath.Join(projectDir, task.StateDir, ReportFileName)
	if err := util.AtomicWriteFile(path, []byte(r.Markdown()), 0644); err != nil {
		return "", aoferrors.ErrIO("write drift report", err)
	}
	return path, nil
}
