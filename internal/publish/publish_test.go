package publish

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shipit/internal/shipterr"
)

// newBareRemote creates a bare git repository with an initial commit on
// branch to act as a stand-in publication repository.
func newBareRemote(t *testing.T, branch string) string {
	t.Helper()
	dir := t.TempDir()
	remote := filepath.Join(dir, "remote.git")
	seed := filepath.Join(dir, "seed")

	require.NoError(t, runGit(dir, "init", "--bare", remote))
	require.NoError(t, runGit(dir, "init", seed))
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README"), []byte("seed"), 0o644))
	require.NoError(t, runGit(seed, "checkout", "-b", branch))
	require.NoError(t, runGit(seed, "add", "-A"))
	require.NoError(t, runGit(seed, "-c", "user.email=t@example.com", "-c", "user.name=t", "commit", "-m", "seed"))
	require.NoError(t, runGit(seed, "remote", "add", "origin", remote))
	require.NoError(t, runGit(seed, "push", "origin", branch))

	return remote
}

func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	return cmd.Run()
}

func remoteHead(t *testing.T, remote, branch string) string {
	t.Helper()
	out, err := exec.Command("git", "-C", remote, "rev-parse", branch).Output()
	require.NoError(t, err)
	return string(out)
}

// pushConflictingCommit clones remote independently of the package under
// test and pushes a new commit directly to branch, simulating a writer
// that races the transaction between its fetch and its push.
func pushConflictingCommit(t *testing.T, remote, branch, filename string) {
	t.Helper()
	clone := t.TempDir()
	require.NoError(t, runGit(clone, "clone", "--branch", branch, "--depth", "1", remote, "."))
	require.NoError(t, os.WriteFile(filepath.Join(clone, filename), []byte("conflict"), 0o644))
	require.NoError(t, runGit(clone, "add", "-A"))
	require.NoError(t, runGit(clone, "-c", "user.email=t@example.com", "-c", "user.name=t", "commit", "-m", "race"))
	require.NoError(t, runGit(clone, "push", "origin", "HEAD:"+branch))
}

func TestTransactWritesFile(t *testing.T) {
	remote := newBareRemote(t, "gh-pages")

	mutate := func(ctx context.Context, workspace string) error {
		return os.WriteFile(filepath.Join(workspace, "hello.txt"), []byte("hi"), 0o644)
	}

	err := Transact(context.Background(), "gh-pages", remote, mutate, "Deploy")
	require.NoError(t, err)

	checkout := t.TempDir()
	require.NoError(t, runGit(checkout, "clone", "--branch", "gh-pages", "--depth", "1", remote, "."))
	content, err := os.ReadFile(filepath.Join(checkout, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(content))
}

func TestTransactNoChangesDoesNotPush(t *testing.T) {
	remote := newBareRemote(t, "gh-pages")
	before := remoteHead(t, remote, "gh-pages")

	noop := func(ctx context.Context, workspace string) error { return nil }

	err := Transact(context.Background(), "gh-pages", remote, noop, "Deploy")
	require.NoError(t, err)
	assert.Equal(t, before, remoteHead(t, remote, "gh-pages"), "a no-op mutation must never push")
}

func TestBackoffDelayMatchesRequiredSequence(t *testing.T) {
	want := []time.Duration{2, 6, 14, 30, 62}
	var sum time.Duration
	for attempt, w := range want {
		d := backoffDelay(attempt)
		assert.Equal(t, w*time.Second, d, "attempt %d backoff", attempt)
		sum += d
	}
	assert.Equal(t, 114*time.Second, sum, "cumulative pre-push sleep across all retries")
	assert.Equal(t, 6, maxPushAttempts, "first attempt plus 5 retries")
}

// TestTransactRetriesOnceThenSucceeds drives a real push conflict: a
// second clone of the same bare remote pushes behind this transaction's
// back, between its fetch and its own push, forcing attemptOnce's first
// push to be rejected. Transact must retry and succeed on the next
// attempt rather than surfacing the conflict as an error.
func TestTransactRetriesOnceThenSucceeds(t *testing.T) {
	remote := newBareRemote(t, "gh-pages")

	var calls int
	mutate := func(ctx context.Context, workspace string) error {
		calls++
		if calls == 1 {
			pushConflictingCommit(t, remote, "gh-pages", "raced-in.txt")
		}
		return os.WriteFile(filepath.Join(workspace, fmt.Sprintf("page-%d.txt", calls)), []byte("hi"), 0o644)
	}

	start := time.Now()
	err := Transact(context.Background(), "gh-pages", remote, mutate, "Deploy")
	require.NoError(t, err)

	assert.Equal(t, 2, calls, "one push rejection should drive exactly one retry")
	assert.GreaterOrEqual(t, time.Since(start), backoffDelay(0), "must actually wait out the first backoff before retrying")

	checkout := t.TempDir()
	require.NoError(t, runGit(checkout, "clone", "--branch", "gh-pages", "--depth", "1", remote, "."))
	for _, name := range []string{"raced-in.txt", "page-2.txt"} {
		_, err := os.Stat(filepath.Join(checkout, name))
		assert.NoError(t, err, "%s should be present after the retried push", name)
	}
}

// TestTransactExhaustsRetriesReturnsDeployError drives a conflict on
// every single attempt, so the transaction must give up after
// maxPushAttempts pushes and surface a *shipterr.DeployError rather than
// retrying forever. This exercises the real backoff delays end to end,
// so it runs for the full ~114s cumulative sleep across 5 retries.
func TestTransactExhaustsRetriesReturnsDeployError(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the full real-time backoff schedule; skipped with -short")
	}

	remote := newBareRemote(t, "gh-pages")

	var calls int
	mutate := func(ctx context.Context, workspace string) error {
		calls++
		pushConflictingCommit(t, remote, "gh-pages", fmt.Sprintf("race-%d.txt", calls))
		return os.WriteFile(filepath.Join(workspace, fmt.Sprintf("page-%d.txt", calls)), []byte("hi"), 0o644)
	}

	err := Transact(context.Background(), "gh-pages", remote, mutate, "Deploy")
	require.Error(t, err)

	var deployErr *shipterr.DeployError
	require.ErrorAs(t, err, &deployErr)
	assert.LessOrEqual(t, calls, maxPushAttempts)
	assert.Equal(t, maxPushAttempts, calls, "must retry exactly up to the attempt cap before giving up")
}
