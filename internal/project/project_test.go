package project

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/util"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func assertCode(t *testing.T, err error, code aoferrors.Code) {
	t.Helper()
	var aofErr *aoferrors.AOFError
	require.ErrorAs(t, err, &aofErr)
	assert.Equal(t, code, aofErr.Code)
}

func mustCreate(t *testing.T, root, id string, opts CreateOptions) *Project {
	t.Helper()
	p, err := Create(root, id, opts, discard())
	require.NoError(t, err)
	return p
}

func TestCreateScaffoldsLayout(t *testing.T) {
	root := t.TempDir()
	p := mustCreate(t, root, "demo", CreateOptions{
		Name:        "Demo Vault",
		Description: "scratch",
		Actor:       "alice",
	})

	assert.Equal(t, filepath.Join(root, "Projects", "demo"), p.Dir())
	assert.Equal(t, "demo", p.ID())
	assert.Equal(t, SchemaVersion, p.Manifest.SchemaVersion)
	assert.Equal(t, "alice", p.Manifest.CreatedBy)
	assert.False(t, p.Manifest.CreatedAt.IsZero())

	wantDirs := []string{"events", "artifacts", "state",
		"tasks/backlog", "tasks/ready", "tasks/in-progress",
		"tasks/blocked", "tasks/review", "tasks/done",
		"tasks/blocked/deadletter",
	}
	for _, rel := range wantDirs {
		info, err := os.Stat(filepath.Join(p.Dir(), filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.True(t, info.IsDir(), rel)
	}
}

func TestCreateDefaultsNameToID(t *testing.T) {
	p := mustCreate(t, t.TempDir(), "bare", CreateOptions{})
	assert.Equal(t, "bare", p.Manifest.Name)
}

func TestCreateRejectsDuplicate(t *testing.T) {
	root := t.TempDir()
	mustCreate(t, root, "demo", CreateOptions{})
	_, err := Create(root, "demo", CreateOptions{}, discard())
	assertCode(t, err, aoferrors.CodeProjectExists)
}

func TestCreateValidatesID(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"", "UPPER", "has space", "-leading", "under_score"} {
		_, err := Create(root, id, CreateOptions{}, discard())
		assertCode(t, err, aoferrors.CodeConfigInvalid)
	}
	mustCreate(t, root, "ok-1", CreateOptions{})
}

func TestCreateParentRules(t *testing.T) {
	root := t.TempDir()
	mustCreate(t, root, "platform", CreateOptions{})

	_, err := Create(root, "child", CreateOptions{Parent: "ghost"}, discard())
	assertCode(t, err, aoferrors.CodeProjectNotFound)

	_, err = Create(root, "selfish", CreateOptions{Parent: "selfish"}, discard())
	assertCode(t, err, aoferrors.CodeConfigInvalid)

	child := mustCreate(t, root, "child", CreateOptions{Parent: "platform"})
	assert.Equal(t, "platform", child.Manifest.Parent)
}

func TestOpenMissingProject(t *testing.T) {
	_, err := Open(t.TempDir(), "nope")
	assertCode(t, err, aoferrors.CodeProjectNotFound)
}

func TestOpenRoundTrip(t *testing.T) {
	root := t.TempDir()
	mustCreate(t, root, "demo", CreateOptions{
		Name:            "Demo",
		Parent:          "",
		DefaultWorkflow: "ops",
	})

	p, err := Open(root, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Manifest.ID)
	assert.Equal(t, "Demo", p.Manifest.Name)
	assert.Equal(t, "ops", p.Manifest.DefaultWorkflow)
	assert.True(t, Exists(root, "demo"))
	assert.False(t, Exists(root, "other"))
}

func TestOpenRejectsManifestWithoutID(t *testing.T) {
	root := t.TempDir()
	dir := Dir(root, "anon")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte("name: Anon\n"), 0644))

	_, err := Open(root, "anon")
	assertCode(t, err, aoferrors.CodeConfigInvalid)
}

func TestStoreIsRootedAtProjectDir(t *testing.T) {
	root := t.TempDir()
	p := mustCreate(t, root, "demo", CreateOptions{})

	s := p.Store(discard())
	assert.Equal(t, p.Dir(), s.Dir())
	assert.Equal(t, "demo", s.Project())

	created, err := s.Create(task.CreateRequest{Title: "first", CreatedBy: "test"})
	require.NoError(t, err)
	assert.Contains(t, created.ID, "DEMO-")
}

func TestAncestryWalksParentChain(t *testing.T) {
	root := t.TempDir()
	mustCreate(t, root, "org", CreateOptions{})
	mustCreate(t, root, "team", CreateOptions{Parent: "org"})
	leaf := mustCreate(t, root, "leaf", CreateOptions{Parent: "team"})

	chain, err := leaf.Ancestry()
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "team", "org"}, chain)
}

func TestAncestryDetectsCycle(t *testing.T) {
	root := t.TempDir()
	top := mustCreate(t, root, "top", CreateOptions{})
	mustCreate(t, root, "mid", CreateOptions{Parent: "top"})

	top.Manifest.Parent = "mid"
	require.NoError(t, top.Save())

	reopened, err := Open(root, "top")
	require.NoError(t, err)
	_, err = reopened.Ancestry()
	assertCode(t, err, aoferrors.CodeConfigInvalid)
}

func TestRegistryListSortsByID(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		mustCreate(t, root, id, CreateOptions{})
	}

	projects, err := NewRegistry(root).List()
	require.NoError(t, err)
	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.Manifest.ID
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, ids)
}

func TestRegistryListSkipsBrokenManifests(t *testing.T) {
	root := t.TempDir()
	mustCreate(t, root, "good", CreateOptions{})
	brokenDir := Dir(root, "broken")
	require.NoError(t, os.MkdirAll(brokenDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(brokenDir, ManifestFileName), []byte("{not yaml"), 0644))

	projects, err := NewRegistry(root).List()
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "good", projects[0].Manifest.ID)
}

func TestRegistryGet(t *testing.T) {
	root := t.TempDir()
	mustCreate(t, root, "alpha", CreateOptions{})
	mustCreate(t, root, "beta", CreateOptions{})
	mustCreate(t, root, "bravo", CreateOptions{})

	reg := NewRegistry(root)

	p, err := reg.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Manifest.ID)

	p, err = reg.Get("al")
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Manifest.ID)

	_, err = reg.Get("b")
	assertCode(t, err, aoferrors.CodeConfigInvalid)

	_, err = reg.Get("zulu")
	assertCode(t, err, aoferrors.CodeProjectNotFound)
}

func TestRegistryRequiresInitializedVault(t *testing.T) {
	_, err := NewRegistry(t.TempDir()).List()
	assertCode(t, err, aoferrors.CodeNotInitialized)
}

func TestLintReportsStructuralProblems(t *testing.T) {
	root := t.TempDir()
	mustCreate(t, root, "good", CreateOptions{})

	// Unparseable manifest.
	brokenDir := Dir(root, "broken")
	require.NoError(t, os.MkdirAll(brokenDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(brokenDir, ManifestFileName), []byte("{nope"), 0644))

	// Directory with no manifest at all.
	require.NoError(t, os.MkdirAll(Dir(root, "empty"), 0755))

	// Manifest id disagrees with the directory name.
	liar := mustCreate(t, root, "liar", CreateOptions{})
	liar.Manifest.ID = "somebody-else"
	require.NoError(t, liar.Save())

	// Parent that does not exist.
	orphan := mustCreate(t, root, "orphan", CreateOptions{})
	orphan.Manifest.Parent = "ghost"
	require.NoError(t, orphan.Save())

	// Two projects pointing at each other.
	x := mustCreate(t, root, "x-proj", CreateOptions{})
	mustCreate(t, root, "y-proj", CreateOptions{Parent: "x-proj"})
	x.Manifest.Parent = "y-proj"
	require.NoError(t, x.Save())

	// Missing layout directory.
	require.NoError(t, os.RemoveAll(filepath.Join(Dir(root, "good"), "events")))

	issues, err := NewRegistry(root).Lint()
	require.NoError(t, err)

	kinds := map[IssueKind]int{}
	for _, is := range issues {
		kinds[is.Kind]++
	}
	assert.Equal(t, 1, kinds[IssueManifestInvalid])
	assert.Equal(t, 1, kinds[IssueManifestMissing])
	assert.Equal(t, 1, kinds[IssueIDMismatch])
	assert.Equal(t, 1, kinds[IssueParentMissing])
	assert.Equal(t, 2, kinds[IssueParentCycle])
	assert.Equal(t, 1, kinds[IssueLayoutMissing])
}

func TestLintCleanVault(t *testing.T) {
	root := t.TempDir()
	mustCreate(t, root, "solo", CreateOptions{})

	issues, err := NewRegistry(root).Lint()
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestLockAcquireAndConflict(t *testing.T) {
	dir := t.TempDir()

	held, err := AcquireLock(dir, "daemon-a", time.Minute, discard())
	require.NoError(t, err)
	assert.Equal(t, "daemon-a", held.Owner)
	assert.Equal(t, os.Getpid(), held.PID)

	_, err = AcquireLock(dir, "daemon-b", time.Minute, discard())
	var lockErr *LockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "daemon-a", lockErr.Owner)

	// Re-acquiring an own lock refreshes it and keeps the acquisition time.
	again, err := AcquireLock(dir, "daemon-a", time.Minute, discard())
	require.NoError(t, err)
	assert.Equal(t, held.Acquired, again.Acquired)
}

func TestLockStaleHeartbeatIsClaimed(t *testing.T) {
	dir := t.TempDir()
	stale := &Lock{
		Owner:     "dead-daemon",
		PID:       os.Getpid(),
		Acquired:  time.Now().Add(-time.Hour),
		Heartbeat: time.Now().Add(-time.Hour),
		TTL:       util.Duration(time.Minute),
	}
	require.NoError(t, writeLock(dir, stale))

	claimed, err := AcquireLock(dir, "fresh-daemon", time.Minute, discard())
	require.NoError(t, err)
	assert.Equal(t, "fresh-daemon", claimed.Owner)
}

func TestLockDeadProcessIsStale(t *testing.T) {
	dir := t.TempDir()
	// PID above the kernel's pid_max; no such process can exist.
	ghost := &Lock{
		Owner:     "ghost",
		PID:       1 << 27,
		Acquired:  time.Now(),
		Heartbeat: time.Now(),
		TTL:       util.Duration(time.Hour),
	}
	require.NoError(t, writeLock(dir, ghost))
	assert.True(t, ghost.IsStale())

	claimed, err := AcquireLock(dir, "live-daemon", time.Minute, discard())
	require.NoError(t, err)
	assert.Equal(t, "live-daemon", claimed.Owner)
}

func TestLockCorruptFileIsClaimable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(lockPath(dir), []byte("{garbage"), 0644))

	claimed, err := AcquireLock(dir, "daemon-a", time.Minute, discard())
	require.NoError(t, err)
	assert.Equal(t, "daemon-a", claimed.Owner)
}

func TestLockHeartbeatAndRelease(t *testing.T) {
	dir := t.TempDir()
	held, err := AcquireLock(dir, "daemon-a", time.Minute, discard())
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, HeartbeatLock(dir, "daemon-a"))
	after, err := ReadLock(dir)
	require.NoError(t, err)
	assert.True(t, after.Heartbeat.After(held.Heartbeat))

	var lockErr *LockError
	require.ErrorAs(t, HeartbeatLock(dir, "daemon-b"), &lockErr)
	require.ErrorAs(t, ReleaseLock(dir, "daemon-b"), &lockErr)

	require.NoError(t, ReleaseLock(dir, "daemon-a"))
	l, err := ReadLock(dir)
	require.NoError(t, err)
	assert.Nil(t, l)

	// Releasing an unheld lock is a no-op; heartbeating it is not.
	require.NoError(t, ReleaseLock(dir, "daemon-a"))
	require.ErrorAs(t, HeartbeatLock(dir, "daemon-a"), &lockErr)
}

func TestHeartbeatRunnerKeepsLockFresh(t *testing.T) {
	dir := t.TempDir()
	held, err := AcquireLock(dir, "daemon-a", 3*time.Second, discard())
	require.NoError(t, err)

	runner := NewHeartbeatRunner(dir, "daemon-a", 3*time.Second, discard())
	runner.Start(context.Background())
	defer runner.Stop()

	require.Eventually(t, func() bool {
		l, err := ReadLock(dir)
		return err == nil && l != nil && l.Heartbeat.After(held.Heartbeat)
	}, 3*time.Second, 50*time.Millisecond)
}
