package task

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const frontMatterDelim = "---\n"

// extraField preserves an unknown front-matter key and its value verbatim.
type extraField struct {
	key  string
	node *yaml.Node
}

// Parse decodes a task file: YAML front-matter delimited by --- lines,
// followed by the markdown body. Unknown front-matter keys are preserved in
// their original order and written back verbatim by Render.
func Parse(data []byte) (*Task, error) {
	content := string(data)
	if !strings.HasPrefix(content, frontMatterDelim) {
		return nil, fmt.Errorf("missing front-matter delimiter")
	}
	rest := content[len(frontMatterDelim):]
	end := strings.Index(rest, "\n---\n")
	var yamlPart, body string
	switch {
	case end >= 0:
		yamlPart = rest[:end+1]
		body = rest[end+len("\n---\n"):]
	case strings.HasSuffix(rest, "\n---"):
		yamlPart = rest[:len(rest)-len("---")]
		body = ""
	default:
		return nil, fmt.Errorf("unterminated front-matter")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(yamlPart), &doc); err != nil {
		return nil, fmt.Errorf("parse front-matter: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("front-matter is not a mapping")
	}
	mapping := doc.Content[0]

	t := &Task{Body: body}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		keyNode := mapping.Content[i]
		valNode := mapping.Content[i+1]
		if err := decodeField(t, keyNode.Value, valNode); err != nil {
			return nil, fmt.Errorf("front-matter key %q: %w", keyNode.Value, err)
		}
	}

	if t.ID == "" {
		return nil, fmt.Errorf("front-matter missing id")
	}
	if t.Title == "" {
		return nil, fmt.Errorf("front-matter missing title")
	}
	if !IsValidStatus(t.Status) {
		return nil, fmt.Errorf("invalid status %q", t.Status)
	}
	if t.SchemaVersion == 0 {
		t.SchemaVersion = SchemaVersion
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	} else if !IsValidPriority(t.Priority) {
		return nil, fmt.Errorf("invalid priority %q", t.Priority)
	}
	return t, nil
}

func decodeField(t *Task, key string, val *yaml.Node) error {
	switch key {
	case "schemaVersion":
		return val.Decode(&t.SchemaVersion)
	case "id":
		return val.Decode(&t.ID)
	case "project":
		return val.Decode(&t.Project)
	case "title":
		return val.Decode(&t.Title)
	case "status":
		return val.Decode(&t.Status)
	case "priority":
		return val.Decode(&t.Priority)
	case "routing":
		return val.Decode(&t.Routing)
	case "dependsOn":
		return val.Decode(&t.DependsOn)
	case "parentId":
		return val.Decode(&t.ParentID)
	case "resource":
		return val.Decode(&t.Resource)
	case "lease":
		t.Lease = &Lease{}
		return val.Decode(t.Lease)
	case "gate":
		t.Gate = &GateState{}
		return val.Decode(t.Gate)
	case "gateHistory":
		return val.Decode(&t.GateHistory)
	case "reviewContext":
		t.ReviewContext = &ReviewContext{}
		return val.Decode(t.ReviewContext)
	case "metadata":
		return val.Decode(&t.Metadata)
	case "createdAt":
		return val.Decode(&t.CreatedAt)
	case "updatedAt":
		return val.Decode(&t.UpdatedAt)
	case "lastTransitionAt":
		return val.Decode(&t.LastTransitionAt)
	case "createdBy":
		return val.Decode(&t.CreatedBy)
	default:
		t.extra = append(t.extra, extraField{key: key, node: val})
		return nil
	}
}

// Render encodes a task back to its file form. Front-matter keys are written
// in a fixed canonical order so an unmodified parse/render round trip is
// byte-identical. Unknown keys follow the known ones in their original order.
func Render(t *Task) ([]byte, error) {
	mapping := &yaml.Node{Kind: yaml.MappingNode}

	put := func(key string, val *yaml.Node) {
		mapping.Content = append(mapping.Content, scalarNode("!!str", key), val)
	}

	put("schemaVersion", intNode(t.SchemaVersion))
	put("id", strNode(t.ID))
	if t.Project != "" {
		put("project", strNode(t.Project))
	}
	put("title", strNode(t.Title))
	put("status", strNode(string(t.Status)))
	put("priority", strNode(string(t.GetPriority())))
	put("routing", routingNode(t.Routing))
	if len(t.DependsOn) > 0 {
		deps := append([]string(nil), t.DependsOn...)
		sort.Strings(deps)
		put("dependsOn", seqNode(deps))
	}
	if t.ParentID != "" {
		put("parentId", strNode(t.ParentID))
	}
	if t.Resource != "" {
		put("resource", strNode(t.Resource))
	}
	if t.Lease != nil {
		put("lease", leaseNode(t.Lease))
	}
	if t.Gate != nil {
		put("gate", gateNode(t.Gate))
	}
	if len(t.GateHistory) > 0 {
		put("gateHistory", historyNode(t.GateHistory))
	}
	if t.ReviewContext != nil {
		put("reviewContext", reviewContextNode(t.ReviewContext))
	}
	if len(t.Metadata) > 0 {
		put("metadata", metadataNode(t.Metadata))
	}
	put("createdAt", timeNode(t.CreatedAt))
	put("updatedAt", timeNode(t.UpdatedAt))
	put("lastTransitionAt", timeNode(t.LastTransitionAt))
	put("createdBy", strNode(t.CreatedBy))

	for _, f := range t.extra {
		put(f.key, f.node)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(mapping); err != nil {
		return nil, fmt.Errorf("encode front-matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close encoder: %w", err)
	}

	var out bytes.Buffer
	out.WriteString(frontMatterDelim)
	out.Write(buf.Bytes())
	out.WriteString("---\n")
	out.WriteString(t.Body)
	return out.Bytes(), nil
}

func scalarNode(tag, value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}

func strNode(s string) *yaml.Node {
	return scalarNode("!!str", s)
}

func intNode(i int) *yaml.Node {
	return scalarNode("!!int", fmt.Sprintf("%d", i))
}

func int64Node(i int64) *yaml.Node {
	return scalarNode("!!int", fmt.Sprintf("%d", i))
}

// timeNode encodes a timestamp as a plain RFC3339 scalar. The emitter leaves
// the tag implicit, so the file shows an unquoted timestamp.
func timeNode(t time.Time) *yaml.Node {
	return scalarNode("!!timestamp", t.UTC().Format(time.RFC3339))
}

func seqNode(items []string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode}
	for _, s := range items {
		n.Content = append(n.Content, strNode(s))
	}
	return n
}

func routingNode(r Routing) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key, val string) {
		if val != "" {
			n.Content = append(n.Content, strNode(key), strNode(val))
		}
	}
	add("workflow", r.Workflow)
	add("team", r.Team)
	add("role", r.Role)
	add("agent", r.Agent)
	if len(r.Tags) > 0 {
		n.Content = append(n.Content, strNode("tags"), seqNode(r.Tags))
	}
	if len(n.Content) == 0 {
		// An empty routing block still appears, as a flow mapping.
		n.Style = yaml.FlowStyle
	}
	return n
}

func leaseNode(l *Lease) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode}
	n.Content = append(n.Content,
		strNode("agent"), strNode(l.Agent),
		strNode("acquiredAt"), timeNode(l.AcquiredAt),
		strNode("expiresAt"), timeNode(l.ExpiresAt),
		strNode("renewalCount"), intNode(l.RenewalCount),
	)
	return n
}

func gateNode(g *GateState) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode}
	n.Content = append(n.Content,
		strNode("current"), strNode(g.Current),
		strNode("entered"), timeNode(g.Entered),
	)
	return n
}

func historyNode(entries []GateHistoryEntry) *yaml.Node {
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, e := range entries {
		n := &yaml.Node{Kind: yaml.MappingNode}
		n.Content = append(n.Content, strNode("gate"), strNode(e.Gate))
		if e.Role != "" {
			n.Content = append(n.Content, strNode("role"), strNode(e.Role))
		}
		n.Content = append(n.Content,
			strNode("entered"), timeNode(e.Entered),
			strNode("exited"), timeNode(e.Exited),
			strNode("outcome"), strNode(e.Outcome),
		)
		if e.Summary != "" {
			n.Content = append(n.Content, strNode("summary"), strNode(e.Summary))
		}
		if len(e.Blockers) > 0 {
			n.Content = append(n.Content, strNode("blockers"), seqNode(e.Blockers))
		}
		n.Content = append(n.Content, strNode("durationMs"), int64Node(e.DurationMs))
		seq.Content = append(seq.Content, n)
	}
	return seq
}

func reviewContextNode(rc *ReviewContext) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode}
	n.Content = append(n.Content, strNode("fromGate"), strNode(rc.FromGate))
	if rc.FromRole != "" {
		n.Content = append(n.Content, strNode("fromRole"), strNode(rc.FromRole))
	}
	if rc.Notes != "" {
		n.Content = append(n.Content, strNode("notes"), strNode(rc.Notes))
	}
	if len(rc.Blockers) > 0 {
		n.Content = append(n.Content, strNode("blockers"), seqNode(rc.Blockers))
	}
	return n
}

func metadataNode(m map[string]string) *yaml.Node {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		n.Content = append(n.Content, strNode(k), strNode(m[k]))
	}
	return n
}
