package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalWhen(t *testing.T, expr string, in PredicateInput) bool {
	t.Helper()
	pred, err := ParsePredicate(expr)
	require.NoError(t, err, "expression %q", expr)
	return pred(in)
}

func TestPredicateTags(t *testing.T) {
	in := PredicateInput{Tags: []string{"security", "backend"}}

	assert.True(t, evalWhen(t, "tags.security", in))
	assert.True(t, evalWhen(t, "tags.backend", in))
	assert.False(t, evalWhen(t, "tags.frontend", in))
	assert.True(t, evalWhen(t, "!tags.frontend", in))
}

func TestPredicateFields(t *testing.T) {
	in := PredicateInput{Role: "reviewer", Team: "platform", Priority: "high"}

	assert.True(t, evalWhen(t, `role == "reviewer"`, in))
	assert.True(t, evalWhen(t, `role == reviewer`, in), "bare-word values are accepted")
	assert.False(t, evalWhen(t, `role == "qa"`, in))
	assert.True(t, evalWhen(t, `role != "qa"`, in))
	assert.True(t, evalWhen(t, "team", in), "bare identifier tests non-emptiness")
	assert.False(t, evalWhen(t, "agent", in))
	assert.True(t, evalWhen(t, `priority == 'high'`, in), "single quotes work too")
}

func TestPredicateBoolOps(t *testing.T) {
	in := PredicateInput{Team: "platform", Priority: "critical", Tags: []string{"security"}}

	assert.True(t, evalWhen(t, `tags.security && priority == "critical"`, in))
	assert.False(t, evalWhen(t, `tags.security && priority == "low"`, in))
	assert.True(t, evalWhen(t, `priority == "low" || team == "platform"`, in))
	assert.True(t, evalWhen(t, `(priority == "low" || priority == "critical") && tags.security`, in))
	// && binds tighter than ||.
	assert.True(t, evalWhen(t, `priority == "low" || tags.security && team == "platform"`, in))
}

func TestPredicateUnknownIdentifiersAreFalse(t *testing.T) {
	in := PredicateInput{Role: "reviewer"}

	assert.False(t, evalWhen(t, "severity", in))
	assert.False(t, evalWhen(t, `severity == "high"`, in))
	// Unknown identifiers are false even under !=.
	assert.False(t, evalWhen(t, `severity != "high"`, in))
}

func TestPredicateParseErrors(t *testing.T) {
	bad := []string{
		"",
		"&& role",
		"role ==",
		"(role",
		"tags.",
		"tags",
		`role = "x"`,
		"role & team",
		`role == "unterminated`,
		"role team",
	}
	for _, expr := range bad {
		_, err := ParsePredicate(expr)
		assert.Error(t, err, "expression %q should not parse", expr)
	}
}

func TestGateEnabled(t *testing.T) {
	g := Gate{ID: "security", Role: "security", When: "tags.security"}
	w := Workflow{Name: "t", Gates: []Gate{g}}
	require.Empty(t, w.Compile())

	assert.True(t, w.Gates[0].Enabled(PredicateInput{Tags: []string{"security"}}))
	assert.False(t, w.Gates[0].Enabled(PredicateInput{}))

	// A gate with a broken predicate is disabled, not failing.
	w2 := Workflow{Name: "t", Gates: []Gate{{ID: "x", Role: "r", When: "((("}}}
	issues := w2.Compile()
	require.Len(t, issues, 1)
	assert.False(t, w2.Gates[0].Enabled(PredicateInput{Tags: []string{"anything"}}))
}
