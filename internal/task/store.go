package task

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/util"
)

const (
	// TasksDir is the subdirectory holding the status directories.
	TasksDir = "tasks"
	// ArtifactsDir is the subdirectory for per-task outputs.
	ArtifactsDir = "artifacts"
	// StateDir is the subdirectory for derived state (lint report, memory).
	StateDir = "state"
	// DeadletterDir is the bucket under blocked/ for tasks that exhausted
	// their dispatch attempts.
	DeadletterDir = "deadletter"
)

// CreateRequest carries the caller-supplied fields for a new task.
type CreateRequest struct {
	Title     string
	Body      string
	Priority  Priority
	Routing   Routing
	DependsOn []string
	ParentID  string
	Resource  string
	Metadata  map[string]string
	CreatedBy string
}

// TransitionOpts carries optional context for a status transition.
type TransitionOpts struct {
	Agent  string
	Reason string
}

// Patch is a partial front-matter mutation. Nil fields are left untouched.
// ID, createdAt and status cannot be patched; status changes go through
// Transition.
type Patch struct {
	Title    *string
	Priority *Priority
	Routing  *Routing
	Resource *string
	ParentID *string
	Metadata map[string]string
}

// Filter selects tasks for List.
type Filter struct {
	// Status limits the listing to one status ("" = all).
	Status Status
	// Agent limits the listing to tasks routed to an agent.
	Agent string
}

// IssueKind classifies a lint finding.
type IssueKind string

const (
	IssueStrayFile      IssueKind = "stray_file"
	IssueStatusMismatch IssueKind = "status_mismatch"
	IssueDuplicateID    IssueKind = "duplicate_id"
	IssueOrphanRef      IssueKind = "orphan_ref"
	IssueParseError     IssueKind = "parse_error"
)

// Issue is one structural problem found by Lint.
type Issue struct {
	Kind   IssueKind `json:"kind"`
	Path   string    `json:"path"`
	TaskID string    `json:"taskId,omitempty"`
	Detail string    `json:"detail"`
}

// Store is the only component that reads and writes task files. One Store
// owns one project directory; all mutations are serialized by its mutex.
type Store struct {
	dir      string
	project  string
	idPrefix string
	logger   *slog.Logger

	mu          sync.Mutex
	quarantined map[string]string
}

// NewStore creates a store rooted at a project directory.
func NewStore(projectDir, projectID string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:         projectDir,
		project:     projectID,
		idPrefix:    idPrefix(projectID),
		logger:      logger,
		quarantined: make(map[string]string),
	}
}

// idPrefix derives the task id prefix from a project id.
func idPrefix(projectID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(projectID) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "TASK"
	}
	return b.String()
}

// Project returns the owning project id.
func (s *Store) Project() string { return s.project }

// Dir returns the project directory the store is rooted at.
func (s *Store) Dir() string { return s.dir }

// EnsureLayout creates the canonical directory tree.
func (s *Store) EnsureLayout() error {
	dirs := []string{
		filepath.Join(s.dir, ArtifactsDir),
		filepath.Join(s.dir, StateDir),
		filepath.Join(s.dir, "events"),
	}
	for _, st := range ValidStatuses() {
		dirs = append(dirs, s.statusDir(st))
	}
	dirs = append(dirs, s.deadletterDir())
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return aoferrors.ErrIO("create project layout", err)
		}
	}
	return nil
}

func (s *Store) statusDir(st Status) string {
	return filepath.Join(s.dir, TasksDir, string(st))
}

func (s *Store) deadletterDir() string {
	return filepath.Join(s.dir, TasksDir, string(StatusBlocked), DeadletterDir)
}

func (s *Store) taskFile(st Status, id string) string {
	return filepath.Join(s.statusDir(st), id+".md")
}

func (s *Store) deadletterFile(id string) string {
	return filepath.Join(s.deadletterDir(), id+".md")
}

// Create assigns an id, stamps timestamps and writes the task into backlog.
// Create emits no event; callers emit task.created.
func (s *Store) Create(req CreateRequest) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(req.Title) == "" {
		return nil, aoferrors.ErrConfigInvalid("title", "task title must not be empty")
	}
	if req.Priority != "" && !IsValidPriority(req.Priority) {
		return nil, aoferrors.ErrConfigInvalid("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}

	id, err := s.nextIDLocked(Now())
	if err != nil {
		return nil, err
	}

	t := New(s.project, id, strings.TrimSpace(req.Title), req.CreatedBy)
	t.Body = req.Body
	if req.Priority != "" {
		t.Priority = req.Priority
	}
	t.Routing = req.Routing
	t.ParentID = req.ParentID
	t.Resource = req.Resource
	if len(req.Metadata) > 0 {
		t.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			t.Metadata[k] = v
		}
	}

	for _, dep := range req.DependsOn {
		if dep == id {
			return nil, aoferrors.ErrCycleDetected(id, []string{id, id})
		}
	}
	t.DependsOn = append([]string(nil), req.DependsOn...)

	if err := s.saveLocked(t, s.taskFile(t.Status, t.ID)); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a task by exact id.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (*Task, error) {
	path, ok := s.findLocked(id)
	if !ok {
		return nil, aoferrors.ErrTaskNotFound(id)
	}
	return s.loadLocked(path)
}

// findLocked locates the file for an id across all status directories.
func (s *Store) findLocked(id string) (string, bool) {
	for _, st := range ValidStatuses() {
		path := s.taskFile(st, id)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	path := s.deadletterFile(id)
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "", false
}

// GetByPrefix returns the task whose id starts with prefix. The match is
// case-sensitive and must be unique.
func (s *Store) GetByPrefix(prefix string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.listLocked(Filter{})
	var matches []*Task
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, prefix) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, aoferrors.ErrTaskNotFound(prefix)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, aoferrors.ErrConfigInvalid("prefix",
			fmt.Sprintf("prefix %q is ambiguous: %s", prefix, strings.Join(ids, ", ")))
	}
}

// List enumerates tasks across all status directories matching the filter.
// Corrupt files are skipped and recorded as quarantined.
func (s *Store) List(f Filter) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(f)
}

func (s *Store) listLocked(f Filter) []*Task {
	var tasks []*Task
	statuses := ValidStatuses()
	if f.Status != "" {
		statuses = []Status{f.Status}
	}
	for _, st := range statuses {
		tasks = append(tasks, s.listDirLocked(s.statusDir(st))...)
		if st == StatusBlocked {
			tasks = append(tasks, s.listDirLocked(s.deadletterDir())...)
		}
	}
	if f.Agent != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Routing.Agent == f.Agent {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

func (s *Store) listDirLocked(dir string) []*Task {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var tasks []*Task
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		t, err := s.loadLocked(path)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// loadLocked reads and parses one task file, recording quarantine on failure.
func (s *Store) loadLocked(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, aoferrors.ErrIO("read task file", err)
	}
	t, err := Parse(data)
	if err != nil {
		rel := s.relPath(path)
		if _, seen := s.quarantined[rel]; !seen {
			s.logger.Warn("task file quarantined", "path", rel, "error", err)
		}
		s.quarantined[rel] = err.Error()
		return nil, aoferrors.ErrValidationFailed(rel, err.Error())
	}
	rel := s.relPath(path)
	delete(s.quarantined, rel)
	t.Deadletter = filepath.Dir(path) == s.deadletterDir()
	return t, nil
}

func (s *Store) relPath(path string) string {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return path
	}
	return rel
}

// saveLocked renders and atomically writes a task to the given path.
func (s *Store) saveLocked(t *Task, path string) error {
	t.UpdatedAt = Now()
	if t.UpdatedAt.Before(t.LastTransitionAt) {
		t.UpdatedAt = t.LastTransitionAt
	}
	data, err := Render(t)
	if err != nil {
		return aoferrors.ErrInternal("render task", err)
	}
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return aoferrors.ErrIO("write task file", err)
	}
	return nil
}

// CountByStatus returns the number of tasks per status. Deadlettered tasks
// count as blocked.
func (s *Store) CountByStatus() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int, len(ValidStatuses()))
	for _, st := range ValidStatuses() {
		counts[st] = len(s.listDirLocked(s.statusDir(st)))
		if st == StatusBlocked {
			counts[st] += len(s.listDirLocked(s.deadletterDir()))
		}
	}
	return counts
}

// Transition moves a task along the status graph: the file is renamed into
// the target status directory first, then its front-matter is rewritten.
// A crash between the two leaves a single file whose front-matter disagrees
// with its directory, which lint reports; the task is never in two
// directories at once.
func (s *Store) Transition(id string, to Status, opts TransitionOpts) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, to, opts)
}

func (s *Store) transitionLocked(id string, to Status, opts TransitionOpts) (*Task, error) {
	if !IsValidStatus(to) {
		return nil, aoferrors.ErrConfigInvalid("status", fmt.Sprintf("unknown status %q", to))
	}
	oldPath, ok := s.findLocked(id)
	if !ok {
		return nil, aoferrors.ErrTaskNotFound(id)
	}
	t, err := s.loadLocked(oldPath)
	if err != nil {
		return nil, err
	}
	from := t.Status
	if from == to {
		return nil, aoferrors.ErrInvalidTransition(id, string(from), string(to))
	}
	if !CanTransition(from, to) {
		return nil, aoferrors.ErrInvalidTransition(id, string(from), string(to))
	}
	if to == StatusDone {
		children := ChildrenByParent(s.listLocked(Filter{}))
		if HasOpenChildren(id, children) {
			e := aoferrors.ErrInvalidTransition(id, string(from), string(to))
			e.Why = "The task has children in a non-terminal status"
			return nil, e
		}
	}

	newPath := s.taskFile(to, id)
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return nil, aoferrors.ErrIO("create status directory", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return nil, aoferrors.ErrIO("move task file", err)
	}

	t.Status = to
	t.Deadletter = false
	t.LastTransitionAt = Now()
	if from == StatusInProgress {
		// Leases do not survive leaving in-progress.
		t.Lease = nil
	}
	if opts.Reason != "" {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata["lastTransitionReason"] = opts.Reason
	}
	if err := s.saveLocked(t, newPath); err != nil {
		return nil, err
	}
	s.logger.Debug("task transitioned",
		"task", id, "from", from, "to", to, "agent", opts.Agent, "reason", opts.Reason)
	return t, nil
}

// Update applies a partial front-matter patch.
func (s *Store) Update(id string, p Patch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.findLocked(id)
	if !ok {
		return nil, aoferrors.ErrTaskNotFound(id)
	}
	t, err := s.loadLocked(path)
	if err != nil {
		return nil, err
	}
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return nil, aoferrors.ErrConfigInvalid("title", "task title must not be empty")
		}
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Priority != nil {
		if !IsValidPriority(*p.Priority) {
			return nil, aoferrors.ErrConfigInvalid("priority", fmt.Sprintf("unknown priority %q", *p.Priority))
		}
		t.Priority = *p.Priority
	}
	if p.Routing != nil {
		t.Routing = *p.Routing
	}
	if p.Resource != nil {
		t.Resource = *p.Resource
	}
	if p.ParentID != nil {
		if *p.ParentID == id {
			return nil, aoferrors.ErrCycleDetected(id, []string{id, id})
		}
		t.ParentID = *p.ParentID
	}
	if len(p.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		for k, v := range p.Metadata {
			if v == "" {
				delete(t.Metadata, k)
				continue
			}
			t.Metadata[k] = v
		}
	}
	if err := s.saveLocked(t, path); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateBody replaces the markdown body below the front-matter.
func (s *Store) UpdateBody(id, body string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.findLocked(id)
	if !ok {
		return nil, aoferrors.ErrTaskNotFound(id)
	}
	t, err := s.loadLocked(path)
	if err != nil {
		return nil, err
	}
	t.Body = body
	if err := s.saveLocked(t, path); err != nil {
		return nil, err
	}
	return t, nil
}

// Mutate loads a task, applies fn and writes the result in place. The
// function must not change the task's status; use Transition for moves.
// Lease mutations go through here so the store mutex is the atomicity
// boundary for acquire races.
func (s *Store) Mutate(id string, fn func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.findLocked(id)
	if !ok {
		return nil, aoferrors.ErrTaskNotFound(id)
	}
	t, err := s.loadLocked(path)
	if err != nil {
		return nil, err
	}
	before := t.Status
	if err := fn(t); err != nil {
		return nil, err
	}
	if t.Status != before {
		return nil, aoferrors.ErrInternal("mutate must not change status", nil)
	}
	if err := s.saveLocked(t, path); err != nil {
		return nil, err
	}
	return t, nil
}

// Cancel marks a task cancelled and parks it in done. Cancellation is an
// administrative move outside the status graph.
func (s *Store) Cancel(id, reason string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldPath, ok := s.findLocked(id)
	if !ok {
		return nil, aoferrors.ErrTaskNotFound(id)
	}
	t, err := s.loadLocked(oldPath)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, aoferrors.ErrInvalidTransition(id, string(t.Status), string(StatusDone))
	}

	newPath := s.taskFile(StatusDone, id)
	if err := os.Rename(oldPath, newPath); err != nil {
		return nil, aoferrors.ErrIO("move task file", err)
	}
	t.Status = StatusDone
	t.Deadletter = false
	t.Lease = nil
	t.LastTransitionAt = Now()
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata["cancelled"] = "true"
	if reason != "" {
		t.Metadata["cancelReason"] = reason
	}
	if err := s.saveLocked(t, newPath); err != nil {
		return nil, err
	}
	return t, nil
}

// Block moves a task to blocked with a recorded reason.
func (s *Store) Block(id, reason string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.transitionLocked(id, StatusBlocked, TransitionOpts{Reason: reason})
	if err != nil {
		return nil, err
	}
	if reason != "" {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata["blockedReason"] = reason
		if err := s.saveLocked(t, s.taskFile(StatusBlocked, id)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Unblock returns a blocked task to ready.
func (s *Store) Unblock(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.transitionLocked(id, StatusReady, TransitionOpts{})
	if err != nil {
		return nil, err
	}
	if _, ok := t.Metadata["blockedReason"]; ok {
		delete(t.Metadata, "blockedReason")
		if err := s.saveLocked(t, s.taskFile(StatusReady, id)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Deadletter parks a task in the deadletter bucket under blocked/.
func (s *Store) Deadletter(id, reason string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldPath, ok := s.findLocked(id)
	if !ok {
		return nil, aoferrors.ErrTaskNotFound(id)
	}
	t, err := s.loadLocked(oldPath)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, aoferrors.ErrInvalidTransition(id, string(t.Status), string(StatusBlocked))
	}

	newPath := s.deadletterFile(id)
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return nil, aoferrors.ErrIO("create deadletter directory", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return nil, aoferrors.ErrIO("move task file", err)
	}
	t.Status = StatusBlocked
	t.Deadletter = true
	t.Lease = nil
	t.LastTransitionAt = Now()
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	if reason != "" {
		t.Metadata["deadletterReason"] = reason
	}
	if err := s.saveLocked(t, newPath); err != nil {
		return nil, err
	}
	s.logger.Warn("task deadlettered", "task", id, "reason", reason)
	return t, nil
}

// Delete removes a task file. In-progress tasks cannot be deleted.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.findLocked(id)
	if !ok {
		return aoferrors.ErrTaskNotFound(id)
	}
	t, err := s.loadLocked(path)
	if err == nil && t.Status == StatusInProgress {
		e := aoferrors.ErrInvalidTransition(id, string(StatusInProgress), "deleted")
		e.Why = "In-progress tasks cannot be deleted"
		return e
	}
	if err := os.Remove(path); err != nil {
		return aoferrors.ErrIO("delete task file", err)
	}
	return nil
}

// AddDep records a dependency, rejecting self-references and cycles.
func (s *Store) AddDep(id, blockerID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == blockerID {
		return nil, aoferrors.ErrCycleDetected(id, []string{id, id})
	}
	path, ok := s.findLocked(id)
	if !ok {
		return nil, aoferrors.ErrTaskNotFound(id)
	}
	t, err := s.loadLocked(path)
	if err != nil {
		return nil, err
	}
	for _, dep := range t.DependsOn {
		if dep == blockerID {
			return t, nil
		}
	}

	all := make(map[string]*Task)
	for _, other := range s.listLocked(Filter{}) {
		all[other.ID] = other
	}
	if cycle := DetectCircularDependency(id, blockerID, all); cycle != nil {
		return nil, aoferrors.ErrCycleDetected(id, cycle)
	}

	t.DependsOn = append(t.DependsOn, blockerID)
	if err := s.saveLocked(t, path); err != nil {
		return nil, err
	}
	return t, nil
}

// RemoveDep drops a dependency if present.
func (s *Store) RemoveDep(id, blockerID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.findLocked(id)
	if !ok {
		return nil, aoferrors.ErrTaskNotFound(id)
	}
	t, err := s.loadLocked(path)
	if err != nil {
		return nil, err
	}
	deps := t.DependsOn[:0]
	for _, dep := range t.DependsOn {
		if dep != blockerID {
			deps = append(deps, dep)
		}
	}
	t.DependsOn = deps
	if err := s.saveLocked(t, path); err != nil {
		return nil, err
	}
	return t, nil
}

// WriteTaskOutput writes a file into the task's artifacts directory. The
// filename must stay within artifacts/<id>/.
func (s *Store) WriteTaskOutput(id, filename string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.findLocked(id); !ok {
		return "", aoferrors.ErrTaskNotFound(id)
	}
	clean := filepath.Clean(filename)
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", aoferrors.ErrConfigInvalid("filename", fmt.Sprintf("%q escapes the artifacts directory", filename))
	}
	path := filepath.Join(s.dir, ArtifactsDir, id, clean)
	if err := util.AtomicWriteFile(path, content, 0644); err != nil {
		return "", aoferrors.ErrIO("write task output", err)
	}
	return path, nil
}

// Quarantined returns the corrupt task files seen by the last scans,
// keyed by project-relative path.
func (s *Store) Quarantined() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.quarantined))
	for k, v := range s.quarantined {
		out[k] = v
	}
	return out
}

// Lint validates the on-disk structure: stray files in non-status
// directories, front-matter status disagreeing with the directory,
// duplicate ids, orphan parent/dependency references and unparseable files.
func (s *Store) Lint() []Issue {
	s.mu.Lock()
	defer s.mu.Unlock()

	var issues []Issue
	tasksRoot := filepath.Join(s.dir, TasksDir)

	validDirs := make(map[string]bool, len(ValidStatuses()))
	for _, st := range ValidStatuses() {
		validDirs[string(st)] = true
	}

	// Stray markdown outside the status directories.
	entries, _ := os.ReadDir(tasksRoot)
	for _, entry := range entries {
		if !entry.IsDir() {
			if strings.HasSuffix(entry.Name(), ".md") {
				issues = append(issues, Issue{
					Kind:   IssueStrayFile,
					Path:   s.relPath(filepath.Join(tasksRoot, entry.Name())),
					Detail: "markdown file outside any status directory",
				})
			}
			continue
		}
		if !validDirs[entry.Name()] {
			sub := filepath.Join(tasksRoot, entry.Name())
			subEntries, _ := os.ReadDir(sub)
			for _, se := range subEntries {
				if strings.HasSuffix(se.Name(), ".md") {
					issues = append(issues, Issue{
						Kind:   IssueStrayFile,
						Path:   s.relPath(filepath.Join(sub, se.Name())),
						Detail: fmt.Sprintf("%s is not a status directory", entry.Name()),
					})
				}
			}
		}
	}

	seen := make(map[string]string) // id -> first path
	ids := make(map[string]bool)
	var loaded []*Task

	checkDir := func(dir string, want Status) {
		dirEntries, _ := os.ReadDir(dir)
		for _, entry := range dirEntries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				issues = append(issues, Issue{Kind: IssueParseError, Path: s.relPath(path), Detail: err.Error()})
				continue
			}
			t, err := Parse(data)
			if err != nil {
				issues = append(issues, Issue{Kind: IssueParseError, Path: s.relPath(path), Detail: err.Error()})
				continue
			}
			if t.Status != want {
				issues = append(issues, Issue{
					Kind:   IssueStatusMismatch,
					Path:   s.relPath(path),
					TaskID: t.ID,
					Detail: fmt.Sprintf("front-matter status %q but file lives in %q", t.Status, want),
				})
			}
			if first, dup := seen[t.ID]; dup {
				issues = append(issues, Issue{
					Kind:   IssueDuplicateID,
					Path:   s.relPath(path),
					TaskID: t.ID,
					Detail: fmt.Sprintf("id already used by %s", first),
				})
			} else {
				seen[t.ID] = s.relPath(path)
			}
			ids[t.ID] = true
			loaded = append(loaded, t)
		}
	}

	for _, st := range ValidStatuses() {
		checkDir(s.statusDir(st), st)
	}
	// Deadletter is a conventional bucket under blocked; its tasks stay blocked.
	checkDir(s.deadletterDir(), StatusBlocked)

	for _, t := range loaded {
		if t.ParentID != "" && !ids[t.ParentID] {
			issues = append(issues, Issue{
				Kind:   IssueOrphanRef,
				Path:   seen[t.ID],
				TaskID: t.ID,
				Detail: fmt.Sprintf("parentId %s does not exist", t.ParentID),
			})
		}
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				issues = append(issues, Issue{
					Kind:   IssueOrphanRef,
					Path:   seen[t.ID],
					TaskID: t.ID,
					Detail: fmt.Sprintf("dependsOn %s does not exist", dep),
				})
			}
		}
	}

	return issues
}

var taskIDPattern = regexp.MustCompile(`^[A-Z0-9]+-(\d{8})-(\d{3,})$`)

// nextIDLocked generates the next id: <PREFIX>-<YYYYMMDD>-<seq>, where the
// sequence is monotonic within the day across every status directory.
func (s *Store) nextIDLocked(now time.Time) (string, error) {
	day := now.UTC().Format("20060102")
	maxSeq := 0

	scan := func(dir string) {
		entries, _ := os.ReadDir(dir)
		for _, entry := range entries {
			name := strings.TrimSuffix(entry.Name(), ".md")
			if !strings.HasPrefix(name, s.idPrefix+"-") {
				continue
			}
			m := taskIDPattern.FindStringSubmatch(name)
			if m == nil || m[1] != day {
				continue
			}
			if n, err := strconv.Atoi(m[2]); err == nil && n > maxSeq {
				maxSeq = n
			}
		}
	}
	for _, st := range ValidStatuses() {
		scan(s.statusDir(st))
	}
	scan(s.deadletterDir())

	return fmt.Sprintf("%s-%s-%03d", s.idPrefix, day, maxSeq+1), nil
}
