package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/aof/internal/events"
)

const (
	// sendTimeout bounds one channel delivery.
	sendTimeout = 10 * time.Second
	// queueSize is the delivery backlog; beyond it notifications are
	// dropped rather than stalling emitters.
	queueSize = 256
	// dedupeSweepThreshold triggers a sweep of expired dedupe entries.
	dedupeSweepThreshold = 1024
)

// DefaultsSource is the Source() value when the embedded rules are active.
const DefaultsSource = "defaults"

// Options configures an Engine.
type Options struct {
	// RulesFile is an optional rules YAML. Missing, invalid or empty
	// files fall back to the embedded defaults.
	RulesFile string

	// Watch hot-reloads RulesFile on change.
	Watch bool

	// DedupeWindow is the suppression window for rules that set no
	// dedupeWindowMs of their own. Zero disables the default window.
	DedupeWindow time.Duration

	// KnownAudience reports whether an audience name exists. Unknown
	// audiences are dropped from notifications; nil admits everything.
	KnownAudience func(name string) bool

	// Channels are the deliverable targets. A log channel is added when
	// none of the given channels claims the "log" name, so the embedded
	// defaults always have somewhere to go.
	Channels []Channel

	Logger *slog.Logger
}

// ruleSet is the immutable unit the engine swaps on reload.
type ruleSet struct {
	rules  []Rule
	source string
}

type delivery struct {
	channel Channel
	n       Notification
}

// Engine matches events against the active rule set and fans rendered
// notifications out to channels. It implements events.Sink; HandleEvent
// never blocks on delivery.
type Engine struct {
	rules    atomic.Pointer[ruleSet]
	fallback []Rule
	channels map[string]Channel
	audience func(string) bool
	window   time.Duration
	log      *slog.Logger

	dedupeMu sync.Mutex
	// suppressUntil maps (channel, message) to the end of its window.
	suppressUntil map[dedupeKey]time.Time

	queue     chan delivery
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	watcher *ruleWatcher
}

type dedupeKey struct {
	channel string
	message string
}

// NewEngine builds an engine, loads the initial rule set and, when
// configured, starts watching the rules file.
func NewEngine(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	fallback, err := defaultRules(log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		fallback:      fallback,
		channels:      make(map[string]Channel),
		audience:      opts.KnownAudience,
		window:        opts.DedupeWindow,
		log:           log,
		suppressUntil: make(map[dedupeKey]time.Time),
		queue:         make(chan delivery, queueSize),
		done:          make(chan struct{}),
	}
	for _, ch := range opts.Channels {
		e.channels[ch.Name()] = ch
	}
	if _, ok := e.channels[ChannelLog]; !ok {
		e.channels[ChannelLog] = NewLogChannel(log)
	}

	if opts.RulesFile == "" {
		e.rules.Store(&ruleSet{rules: fallback, source: DefaultsSource})
	} else {
		data, err := os.ReadFile(opts.RulesFile)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warn("notification rules file unreadable, using defaults",
					"path", opts.RulesFile, "error", err)
			}
			e.rules.Store(&ruleSet{rules: fallback, source: DefaultsSource})
		} else {
			e.loadRules(data, opts.RulesFile)
		}
	}

	e.wg.Add(1)
	go e.deliverLoop()

	if opts.RulesFile != "" && opts.Watch {
		w, err := newRuleWatcher(e, opts.RulesFile, log)
		if err != nil {
			log.Warn("notification rules watch unavailable", "path", opts.RulesFile, "error", err)
		} else {
			e.watcher = w
		}
	}
	return e, nil
}

// HandleEvent implements events.Sink. Matching and dedupe run inline;
// delivery happens on the engine's worker.
func (e *Engine) HandleEvent(evt events.Event) {
	d, ok := e.evaluate(evt)
	if !ok {
		return
	}
	select {
	case e.queue <- d:
	case <-e.done:
	default:
		e.log.Warn("notification queue full, dropping",
			"channel", d.n.Channel, "rule", d.n.Rule, "event", string(evt.Type))
	}
}

// evaluate finds the first matching rule and renders the notification.
// The second return is false when no rule fires, the channel is unknown
// or the dedupe window suppresses the message.
func (e *Engine) evaluate(evt events.Event) (delivery, bool) {
	rs := e.rules.Load()
	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		payloadJSON = []byte("{}")
	}

	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.matches(evt, payloadJSON) {
			continue
		}

		ch, ok := e.channels[r.Channel]
		if !ok {
			// First match wins even when it cannot deliver; falling
			// through would reorder the table semantics.
			e.log.Warn("notification rule names unknown channel",
				"rule", r.label(i), "channel", r.Channel)
			return delivery{}, false
		}
		msg := renderTemplate(r.Template, evt, payloadJSON)
		if e.suppressed(r, msg) {
			e.log.Debug("notification suppressed",
				"rule", r.label(i), "channel", r.Channel)
			return delivery{}, false
		}
		return delivery{
			channel: ch,
			n: Notification{
				Rule:      r.label(i),
				Severity:  NormalizeSeverity(r.Severity),
				Audience:  e.filterAudience(r.Audience),
				Channel:   r.Channel,
				Message:   msg,
				EventType: evt.Type,
				TaskID:    evt.TaskID,
				Timestamp: evt.Timestamp,
			},
		}, true
	}
	return delivery{}, false
}

// suppressed applies the dedupe window and records the decision. The
// window is fixed from the last delivered message; suppressed repeats do
// not extend it.
func (e *Engine) suppressed(r *Rule, msg string) bool {
	if r.NeverSuppress {
		return false
	}
	window := e.window
	if r.DedupeWindowMs > 0 {
		window = time.Duration(r.DedupeWindowMs) * time.Millisecond
	}
	if window <= 0 {
		return false
	}

	key := dedupeKey{channel: r.Channel, message: msg}
	now := time.Now()

	e.dedupeMu.Lock()
	defer e.dedupeMu.Unlock()
	if until, ok := e.suppressUntil[key]; ok && now.Before(until) {
		return true
	}
	e.suppressUntil[key] = now.Add(window)
	if len(e.suppressUntil) > dedupeSweepThreshold {
		for k, until := range e.suppressUntil {
			if !now.Before(until) {
				delete(e.suppressUntil, k)
			}
		}
	}
	return false
}

// filterAudience drops audience names the resolver does not know.
func (e *Engine) filterAudience(audience []string) []string {
	if len(audience) == 0 {
		return nil
	}
	if e.audience == nil {
		out := make([]string, len(audience))
		copy(out, audience)
		return out
	}
	var out []string
	for _, a := range audience {
		if e.audience(a) {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) deliverLoop() {
	defer e.wg.Done()
	for {
		select {
		case d := <-e.queue:
			e.deliver(d)
		case <-e.done:
			// Drain what was queued before the close.
			for {
				select {
				case d := <-e.queue:
					e.deliver(d)
				default:
					return
				}
			}
		}
	}
}

// deliver sends one notification. Channel failures are logged and
// swallowed so one broken adapter cannot stall the rest.
func (e *Engine) deliver(d delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := d.channel.Send(ctx, d.n); err != nil {
		e.log.Warn("notification delivery failed",
			"channel", d.channel.Name(), "rule", d.n.Rule, "error", err)
	}
}

// loadRules parses and swaps in a rule set, falling back to the embedded
// defaults when the data is invalid or holds no valid rules.
func (e *Engine) loadRules(data []byte, source string) {
	rules, err := parseRules(data, e.log)
	if err != nil {
		e.log.Warn("invalid notification rules, using defaults", "source", source, "error", err)
		e.rules.Store(&ruleSet{rules: e.fallback, source: DefaultsSource})
		return
	}
	if len(rules) == 0 {
		e.log.Warn("no valid notification rules, using defaults", "source", source)
		e.rules.Store(&ruleSet{rules: e.fallback, source: DefaultsSource})
		return
	}
	e.rules.Store(&ruleSet{rules: rules, source: source})
	e.log.Info("notification rules loaded", "source", source, "rules", len(rules))
}

// resetToDefaults swaps the embedded rules back in.
func (e *Engine) resetToDefaults(reason string) {
	e.rules.Store(&ruleSet{rules: e.fallback, source: DefaultsSource})
	e.log.Warn("notification rules reset to defaults", "reason", reason)
}

// Rules returns a copy of the active rule set.
func (e *Engine) Rules() []Rule {
	rs := e.rules.Load()
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Source reports where the active rules came from: a file path or
// DefaultsSource.
func (e *Engine) Source() string {
	return e.rules.Load().source
}

// Close stops the watcher, drains queued deliveries and stops the
// worker. Close is idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.watcher != nil {
			e.watcher.stop()
		}
		close(e.done)
		e.wg.Wait()
	})
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_.\-]+)\}`)

// renderTemplate substitutes {var} placeholders from the event envelope
// and payload. Payload lookups use gjson paths, so nested fields work.
// Unresolved placeholders stay verbatim rather than vanishing.
func renderTemplate(tmpl string, e events.Event, payloadJSON []byte) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		switch key {
		case "eventId":
			return strconv.FormatInt(e.EventID, 10)
		case "type", "eventType":
			return string(e.Type)
		case "actor":
			return e.Actor
		case "taskId":
			return e.TaskID
		case "timestamp":
			return e.Timestamp.UTC().Format(time.RFC3339)
		}
		if v := gjson.GetBytes(payloadJSON, key); v.Exists() {
			if v.IsObject() || v.IsArray() {
				return v.Raw
			}
			return v.String()
		}
		return m
	})
}
