package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/randalmurphal/aof/internal/events"
)

// renderDigest turns one day of events into a markdown digest. The digest
// is written for retrieval: completions and failures first, then the raw
// activity counts.
func renderDigest(day string, dayEvents []events.Event) string {
	sort.Slice(dayEvents, func(i, j int) bool {
		return dayEvents[i].EventID < dayEvents[j].EventID
	})

	var minID, maxID int64
	counts := make(map[events.EventType]int)
	var completions, deadletters, escalations []string
	for _, e := range dayEvents {
		if minID == 0 || e.EventID < minID {
			minID = e.EventID
		}
		if e.EventID > maxID {
			maxID = e.EventID
		}
		counts[e.Type]++

		switch {
		case isCompletion(e):
			line := e.TaskID
			if e.Actor != "" {
				line += " by " + e.Actor
			}
			completions = append(completions, line)
		case e.Type == events.EventTaskDeadlettered:
			line := e.TaskID
			if reason := e.PayloadString("reason"); reason != "" {
				line += ": " + reason
			}
			deadletters = append(deadletters, line)
		case e.Type == events.EventGateTimeout:
			line := e.TaskID
			if gate := e.PayloadString("gate"); gate != "" {
				line += " at gate " + gate
			}
			if to := e.PayloadString("escalatedTo"); to != "" {
				line += ", escalated to " + to
			}
			escalations = append(escalations, line)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Memory Digest — %s\n\n", day)
	fmt.Fprintf(&sb, "Events: %d (ids %d–%d)\n\n", len(dayEvents), minID, maxID)

	writeList := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&sb, "## %s\n\n", title)
		for _, item := range items {
			sb.WriteString("- ")
			sb.WriteString(item)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	writeList("Completions", completions)
	writeList("Deadletters", deadletters)
	writeList("Gate Timeouts", escalations)

	types := make([]string, 0, len(counts))
	for typ := range counts {
		types = append(types, string(typ))
	}
	sort.Strings(types)

	sb.WriteString("## Activity\n\n")
	sb.WriteString("| Type | Count |\n|---|---|\n")
	for _, typ := range types {
		fmt.Fprintf(&sb, "| %s | %d |\n", typ, counts[events.EventType(typ)])
	}
	return sb.String()
}
