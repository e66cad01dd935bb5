package workflow

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	r, err := LoadDefaults()
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "ops"}, r.Names())
	assert.Empty(t, r.Issues())

	dev, err := r.Get("dev")
	require.NoError(t, err)
	assert.Equal(t, RejectToOrigin, dev.Strategy())
	require.Len(t, dev.Gates, 5)
	assert.Equal(t, "implement", dev.Gates[0].ID)
	assert.Equal(t, "po-accept", dev.Gates[4].ID)

	// The security gate only applies to tagged tasks.
	sec := dev.Gate("security")
	require.NotNil(t, sec)
	assert.True(t, sec.Enabled(PredicateInput{Tags: []string{"security"}}))
	assert.False(t, sec.Enabled(PredicateInput{Tags: []string{"backend"}}))

	// Empty name resolves to the default workflow.
	def, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "dev", def.Name)
}

func TestLoadOverlaysVaultWorkflows(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, Dir)
	require.NoError(t, os.MkdirAll(dir, 0755))

	custom := `name: hotfix
gates:
  - id: implement
    role: developer
  - id: approve
    role: lead
    canReject: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hotfix.yaml"), []byte(custom), 0644))

	// Overriding a default by name replaces it.
	override := `name: ops
gates:
  - id: implement
    role: operator
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ops.yaml"), []byte(override), 0644))

	r, err := Load(root, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "hotfix", "ops"}, r.Names())

	ops, err := r.Get("ops")
	require.NoError(t, err)
	assert.Len(t, ops.Gates, 1)
}

func TestLoadSkipsInvalidFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, Dir)
	require.NoError(t, os.MkdirAll(dir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("{nope"), 0644))
	noGates := "name: empty\ngates: []\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.yaml"), []byte(noGates), 0644))

	r, err := Load(root, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	// Defaults survive; the bad files are reported, not fatal.
	assert.Equal(t, []string{"dev", "ops"}, r.Names())
	assert.Len(t, r.Issues(), 2)
}

func TestGetUnknownWorkflow(t *testing.T) {
	r, err := LoadDefaults()
	require.NoError(t, err)
	_, err = r.Get("no-such-flow")
	require.Error(t, err)
}

func TestFirstEnabled(t *testing.T) {
	w := Workflow{Name: "t", Gates: []Gate{
		{ID: "a", Role: "r", When: "tags.x"},
		{ID: "b", Role: "r", When: "tags.y"},
		{ID: "c", Role: "r"},
	}}
	require.Empty(t, w.Compile())

	g, skipped := w.FirstEnabled(PredicateInput{Tags: []string{"y"}})
	require.NotNil(t, g)
	assert.Equal(t, "b", g.ID)
	assert.Equal(t, []string{"a"}, skipped)

	g, skipped = w.FirstEnabled(PredicateInput{})
	require.NotNil(t, g)
	assert.Equal(t, "c", g.ID)
	assert.Equal(t, []string{"a", "b"}, skipped)
}

func TestValidate(t *testing.T) {
	valid := Workflow{Name: "w", Gates: []Gate{{ID: "g", Role: "r"}}}
	require.NoError(t, valid.Validate())

	bad := []Workflow{
		{Gates: []Gate{{ID: "g", Role: "r"}}},
		{Name: "w"},
		{Name: "w", Gates: []Gate{{Role: "r"}}},
		{Name: "w", Gates: []Gate{{ID: "g"}}},
		{Name: "w", Gates: []Gate{{ID: "g", Role: "r"}, {ID: "g", Role: "r"}}},
		{Name: "w", RejectionStrategy: "sideways", Gates: []Gate{{ID: "g", Role: "r"}}},
	}
	for i, w := range bad {
		assert.Error(t, w.Validate(), "case %d", i)
	}
}
