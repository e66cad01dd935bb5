// Package memory curates the event log into per-day digest files under
// state/memory/. The fabric core treats memory as a side-system: its only
// inputs are events, its only outputs are files. Search indexes and
// retrieval live elsewhere and read what this package writes.
package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/events"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/util"
)

const (
	// DirName is the digest directory under state/.
	DirName = "memory"
	// IndexFileName tracks what has been digested so far.
	IndexFileName = "index.yaml"

	dayFormat = "2006-01-02"
)

// BatchTrigger fires a digest review once enough completions accumulate.
type BatchTrigger struct {
	Threshold   int
	Completions int
}

// Fires reports whether the batch is due. The comparison is inclusive: a
// batch of exactly Threshold completions fires, one short does not.
func (t BatchTrigger) Fires() bool {
	return t.Threshold > 0 && t.Completions >= t.Threshold
}

// dayRecord is what the index remembers about one digested day.
type dayRecord struct {
	Events      int   `yaml:"events"`
	Completions int   `yaml:"completions"`
	MaxEventID  int64 `yaml:"maxEventId"`
}

// index is the curator's persisted bookkeeping.
type index struct {
	Version     int                  `yaml:"version"`
	GeneratedAt time.Time            `yaml:"generatedAt"`
	LastEventID int64                `yaml:"lastEventId"`
	Reviews     int                  `yaml:"reviews"`
	Days        map[string]dayRecord `yaml:"days"`
}

// Options configures a curator.
type Options struct {
	// CompletionBatch is the review trigger threshold; zero disables it.
	CompletionBatch int
	// Auto regenerates digests from HandleEvent when a batch is due.
	Auto bool
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Curator owns state/memory/ for one project.
type Curator struct {
	projectDir string
	threshold  int
	auto       bool
	log        *slog.Logger

	mu          sync.Mutex
	completions int
	generating  bool
	wg          sync.WaitGroup
}

// New builds a curator for a project directory.
func New(projectDir string, opts Options) *Curator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Curator{
		projectDir: projectDir,
		threshold:  opts.CompletionBatch,
		auto:       opts.Auto,
		log:        log,
	}
}

// Dir returns the digest directory.
func (c *Curator) Dir() string {
	return filepath.Join(c.projectDir, task.StateDir, DirName)
}

func (c *Curator) eventsDir() string {
	return filepath.Join(c.projectDir, "events")
}

func (c *Curator) indexPath() string {
	return filepath.Join(c.Dir(), IndexFileName)
}

func (c *Curator) digestPath(day string) string {
	return filepath.Join(c.Dir(), day+".md")
}

// CompletionsSinceReview returns the live completion counter.
func (c *Curator) CompletionsSinceReview() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completions
}

// HandleEvent implements events.Sink. Completions bump the batch counter;
// when the batch is due and auto mode is on, a digest run is kicked off in
// the background. Everything here is non-blocking.
func (c *Curator) HandleEvent(e events.Event) {
	if !isCompletion(e) {
		return
	}
	c.mu.Lock()
	c.completions++
	due := BatchTrigger{Threshold: c.threshold, Completions: c.completions}.Fires()
	start := due && c.auto && !c.generating
	if start {
		c.generating = true
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if start {
		go func() {
			defer c.wg.Done()
			if _, err := c.Generate(); err != nil {
				c.log.Warn("automatic digest generation failed", "error", err)
			}
			c.mu.Lock()
			c.generating = false
			c.mu.Unlock()
		}()
	}
}

// Close waits for any background digest run to finish.
func (c *Curator) Close() {
	c.wg.Wait()
}

func isCompletion(e events.Event) bool {
	return e.Type == events.EventTaskTransitioned &&
		e.PayloadString("to") == string(task.StatusDone)
}

// GenerateResult summarizes one digest run.
type GenerateResult struct {
	Days        int   `json:"days"`
	Written     int   `json:"written"`
	Skipped     int   `json:"skipped"`
	Events      int   `json:"events"`
	Completions int   `json:"completions"`
	LastEventID int64 `json:"lastEventId"`
}

// Generate reads the whole event log and writes one digest per day,
// skipping days whose digest is already current. Generating counts as a
// review: the completion batch counter resets.
func (c *Curator) Generate() (*GenerateResult, error) {
	evts, err := events.ReadAll(c.eventsDir())
	if err != nil {
		return nil, aoferrors.ErrIO("read event log", err)
	}

	idx, err := c.loadIndex()
	if err != nil {
		return nil, err
	}

	byDay := groupByDay(evts)
	res := &GenerateResult{Days: len(byDay), Events: len(evts)}
	newDays := make(map[string]dayRecord, len(byDay))

	for day, dayEvents := range byDay {
		rec := summarize(dayEvents)
		res.Completions += rec.Completions
		if rec.MaxEventID > res.LastEventID {
			res.LastEventID = rec.MaxEventID
		}
		newDays[day] = rec

		if prev, ok := idx.Days[day]; ok && prev.MaxEventID == rec.MaxEventID {
			if _, err := os.Stat(c.digestPath(day)); err == nil {
				res.Skipped++
				continue
			}
		}
		md := renderDigest(day, dayEvents)
		if err := util.AtomicWriteFile(c.digestPath(day), []byte(md), 0644); err != nil {
			return nil, aoferrors.ErrIO("write digest", err)
		}
		res.Written++
	}

	idx.Version = 1
	idx.GeneratedAt = time.Now().UTC()
	idx.LastEventID = res.LastEventID
	idx.Reviews++
	idx.Days = newDays
	if err := c.saveIndex(idx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.completions = 0
	c.mu.Unlock()

	c.log.Info("memory digests generated",
		"days", res.Days, "written", res.Written, "skipped", res.Skipped,
		"events", res.Events)
	return res, nil
}

// Rebuild discards every digest and the index, then generates from scratch.
func (c *Curator) Rebuild() (*GenerateResult, error) {
	entries, err := os.ReadDir(c.Dir())
	if err != nil && !os.IsNotExist(err) {
		return nil, aoferrors.ErrIO("scan memory directory", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == IndexFileName || strings.HasSuffix(e.Name(), ".md") {
			if err := os.Remove(filepath.Join(c.Dir(), e.Name())); err != nil {
				return nil, aoferrors.ErrIO("remove stale digest", err)
			}
		}
	}
	return c.Generate()
}

// AuditFinding is one discrepancy between the event log and the digests.
type AuditFinding struct {
	Kind   string `json:"kind"`
	Day    string `json:"day,omitempty"`
	Detail string `json:"detail"`
}

// Audit compares the event log against the digests without writing
// anything: missing digests, stale digests and digests for days that have
// no events.
func (c *Curator) Audit() ([]AuditFinding, error) {
	evts, err := events.ReadAll(c.eventsDir())
	if err != nil {
		return nil, aoferrors.ErrIO("read event log", err)
	}
	idx, err := c.loadIndex()
	if err != nil {
		return nil, err
	}

	var findings []AuditFinding
	byDay := groupByDay(evts)

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		rec := summarize(byDay[day])
		prev, tracked := idx.Days[day]
		if _, err := os.Stat(c.digestPath(day)); err != nil {
			findings = append(findings, AuditFinding{
				Kind:   "missing_digest",
				Day:    day,
				Detail: fmt.Sprintf("%d event(s) with no digest file", rec.Events),
			})
			continue
		}
		if !tracked || prev.MaxEventID < rec.MaxEventID {
			findings = append(findings, AuditFinding{
				Kind:   "stale_digest",
				Day:    day,
				Detail: fmt.Sprintf("digest covers event id %d, log reaches %d", prev.MaxEventID, rec.MaxEventID),
			})
		}
	}

	entries, err := os.ReadDir(c.Dir())
	if err != nil && !os.IsNotExist(err) {
		return nil, aoferrors.ErrIO("scan memory directory", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		day := strings.TrimSuffix(name, ".md")
		if _, ok := byDay[day]; !ok {
			findings = append(findings, AuditFinding{
				Kind:   "orphan_digest",
				Day:    day,
				Detail: "digest exists but the event log has no such day",
			})
		}
	}
	return findings, nil
}

// Health is the curator's observable status.
type Health struct {
	EventDays              int       `json:"eventDays"`
	Events                 int       `json:"events"`
	Digests                int       `json:"digests"`
	Reviews                int       `json:"reviews"`
	LastEventID            int64     `json:"lastEventId"`
	DigestedEventID        int64     `json:"digestedEventId"`
	GeneratedAt            time.Time `json:"generatedAt"`
	CompletionsSinceReview int       `json:"completionsSinceReview"`
	BatchDue               bool      `json:"batchDue"`
	Findings               int       `json:"findings"`
}

// Health reports digest coverage and whether a completion batch is due.
// The completions-since-review figure is recomputed from the log, so it is
// correct even from a fresh process.
func (c *Curator) Health() (*Health, error) {
	evts, err := events.ReadAll(c.eventsDir())
	if err != nil {
		return nil, aoferrors.ErrIO("read event log", err)
	}
	idx, err := c.loadIndex()
	if err != nil {
		return nil, err
	}
	findings, err := c.Audit()
	if err != nil {
		return nil, err
	}

	h := &Health{
		Events:          len(evts),
		Reviews:         idx.Reviews,
		DigestedEventID: idx.LastEventID,
		GeneratedAt:     idx.GeneratedAt,
		Findings:        len(findings),
	}
	h.EventDays = len(groupByDay(evts))
	for _, e := range evts {
		if e.EventID > h.LastEventID {
			h.LastEventID = e.EventID
		}
		if e.EventID > idx.LastEventID && isCompletion(e) {
			h.CompletionsSinceReview++
		}
	}
	h.BatchDue = BatchTrigger{
		Threshold:   c.threshold,
		Completions: h.CompletionsSinceReview,
	}.Fires()

	entries, err := os.ReadDir(c.Dir())
	if err != nil && !os.IsNotExist(err) {
		return nil, aoferrors.ErrIO("scan memory directory", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			h.Digests++
		}
	}
	return h, nil
}

func (c *Curator) loadIndex() (*index, error) {
	data, err := os.ReadFile(c.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &index{Version: 1, Days: map[string]dayRecord{}}, nil
		}
		return nil, aoferrors.ErrIO("read memory index", err)
	}
	var idx index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		// A broken index only costs a full regenerate.
		c.log.Warn("memory index unreadable, starting fresh", "error", err)
		return &index{Version: 1, Days: map[string]dayRecord{}}, nil
	}
	if idx.Days == nil {
		idx.Days = map[string]dayRecord{}
	}
	return &idx, nil
}

func (c *Curator) saveIndex(idx *index) error {
	data, err := yaml.Marshal(idx)
	if err != nil {
		return aoferrors.ErrInternal("marshal memory index", err)
	}
	if err := util.AtomicWriteFile(c.indexPath(), data, 0644); err != nil {
		return aoferrors.ErrIO("write memory index", err)
	}
	return nil
}

func groupByDay(evts []events.Event) map[string][]events.Event {
	byDay := make(map[string][]events.Event)
	for _, e := range evts {
		day := e.Timestamp.UTC().Format(dayFormat)
		byDay[day] = append(byDay[day], e)
	}
	return byDay
}

func summarize(dayEvents []events.Event) dayRecord {
	rec := dayRecord{Events: len(dayEvents)}
	for _, e := range dayEvents {
		if e.EventID > rec.MaxEventID {
			rec.MaxEventID = e.EventID
		}
		if isCompletion(e) {
			rec.Completions++
		}
	}
	return rec
}
