package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

const (
	// Buffer flushes to disk when it reaches this size.
	bufferSizeThreshold = 10
	// Buffer flushes automatically on this interval.
	flushInterval = 5 * time.Second
)

var dailyFilePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.jsonl$`)

// Sink receives every emitted event synchronously, in emit order per
// goroutine. Sinks must not block; slow delivery belongs behind a Publisher.
type Sink interface {
	HandleEvent(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// HandleEvent calls f.
func (f SinkFunc) HandleEvent(e Event) { f(e) }

// Logger appends events to daily JSONL files under an events directory and
// fans each event out to registered sinks. Event ids are strictly monotonic
// and resume from the latest file on startup.
type Logger struct {
	dir string
	log *slog.Logger

	mu     sync.Mutex
	nextID int64
	buffer []Event
	sinks  []Sink

	flushTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewLogger opens (or creates) the events directory and resumes the event
// id sequence from the most recent daily file.
func NewLogger(dir string, log *slog.Logger) (*Logger, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create events directory: %w", err)
	}
	last, err := latestEventID(dir)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		dir:    dir,
		log:    log,
		nextID: last + 1,
		buffer: make([]Event, 0, bufferSizeThreshold),
		stopCh: make(chan struct{}),
	}
	l.flushTicker = time.NewTicker(flushInterval)
	l.wg.Add(1)
	go l.flushLoop()
	return l, nil
}

// AddSink registers a sink for all future events.
func (l *Logger) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Emit assigns the next event id, buffers the record for the daily file and
// delivers it to every sink. The returned event carries the assigned id.
func (l *Logger) Emit(typ EventType, actor, taskID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	l.mu.Lock()
	e := Event{
		EventID:   l.nextID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		TaskID:    taskID,
		Payload:   payload,
	}
	l.nextID++
	l.buffer = append(l.buffer, e)
	shouldFlush := len(l.buffer) >= bufferSizeThreshold
	sinks := make([]Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.mu.Unlock()

	for _, s := range sinks {
		s.HandleEvent(e)
	}
	if shouldFlush {
		l.Flush()
	}
	return e
}

// Flush writes all buffered events to their daily files.
func (l *Logger) Flush() {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	toFlush := l.buffer
	l.buffer = make([]Event, 0, bufferSizeThreshold)
	l.mu.Unlock()

	// Group by day; a buffer can straddle midnight.
	byDay := make(map[string][]Event)
	var days []string
	for _, e := range toFlush {
		day := e.Timestamp.Format("2006-01-02")
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], e)
	}
	sort.Strings(days)

	for _, day := range days {
		if err := l.appendDay(day, byDay[day]); err != nil {
			l.log.Error("failed to persist events", "day", day, "count", len(byDay[day]), "error", err)
		}
	}
}

func (l *Logger) appendDay(day string, batch []Event) error {
	path := filepath.Join(l.dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range batch {
		line, err := json.Marshal(e)
		if err != nil {
			l.log.Error("failed to encode event", "eventId", e.EventID, "error", err)
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	return w.Flush()
}

// Close flushes outstanding events and stops the background flusher.
// Close is idempotent.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		l.wg.Wait()
		l.Flush()
	})
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.flushTicker.C:
			l.Flush()
		case <-l.stopCh:
			return
		}
	}
}

// latestEventID returns the highest event id in the most recent daily file,
// or 0 when the directory holds no events yet. Unparseable lines are skipped
// so a torn final write cannot wedge startup.
func latestEventID(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scan events directory: %w", err)
	}
	latest := ""
	for _, entry := range entries {
		if entry.IsDir() || !dailyFilePattern.MatchString(entry.Name()) {
			continue
		}
		if entry.Name() > latest {
			latest = entry.Name()
		}
	}
	if latest == "" {
		return 0, nil
	}

	evts, err := ReadFile(filepath.Join(dir, latest))
	if err != nil {
		return 0, err
	}
	var max int64
	for _, e := range evts {
		if e.EventID > max {
			max = e.EventID
		}
	}
	return max, nil
}

// ReadFile parses one JSONL event file. Malformed lines are skipped.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event file: %w", err)
	}
	return out, nil
}

// ReadAll parses every daily file under dir in chronological order.
func ReadAll(dir string) ([]Event, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan events directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && dailyFilePattern.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var out []Event
	for _, name := range names {
		evts, err := ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, evts...)
	}
	return out, nil
}
