// Package gitrepo wraps the git binary invocations the deployment
// coordinator needs, via the subprocess runner. Git operations are
// never performed through an in-process library; every call here
// shells out, matching the coordinator's "delegate anything that can
// block to a child process" discipline.
package gitrepo

import (
	"context"

	"github.com/cuemby/shipit/internal/subproc"
)

func run(ctx context.Context, dir string, msg string, args ...string) error {
	_, err := subproc.Run(ctx, "git", args, subproc.Options{Dir: dir, Msg: msg})
	return err
}

// Init creates a fresh repository at dir.
func Init(ctx context.Context, dir string) error {
	return run(ctx, "", "could not init repository", "init", dir)
}

// AddRemote adds a remote named "origin" pointing at url.
func AddRemote(ctx context.Context, dir, url string) error {
	return run(ctx, dir, "could not add remote", "-C", dir, "remote", "add", "origin", url)
}

// FetchDepth1 fetches branch from origin at depth 1.
func FetchDepth1(ctx context.Context, dir, branch string) error {
	return run(ctx, dir, "could not fetch deployment repository",
		"-C", dir, "fetch", "--depth", "1", "origin", branch)
}

// ResetHard resets the working tree hard to ref.
func ResetHard(ctx context.Context, dir, ref string) error {
	return run(ctx, dir, "could not reset to "+ref, "-C", dir, "reset", "--hard", ref)
}

// CheckoutNewBranch checks out a new local branch named name from startPoint.
func CheckoutNewBranch(ctx context.Context, dir, name, startPoint string) error {
	return run(ctx, dir, "could not checkout new branch",
		"-C", dir, "checkout", "-b", name, startPoint)
}

// AddAll stages every change in the working tree.
func AddAll(ctx context.Context, dir string) error {
	return run(ctx, dir, "could not stage changes", "-C", dir, "add", "-A")
}

// CommitAllowEmpty attempts a commit, tolerating the "nothing to
// commit" exit. It reports whether a commit was actually created.
func CommitAllowEmpty(ctx context.Context, dir, message string) (committed bool, err error) {
	res, err := subproc.Run(ctx, "git", []string{"-C", dir, "commit", "-m", message},
		subproc.Options{Dir: dir, ErrorOK: true, Capture: true})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// PushHeadTo pushes the current HEAD to remoteBranch on origin, never
// raising on failure: the caller interprets failure as a retry signal.
func PushHeadTo(ctx context.Context, dir, remoteBranch string) (ok bool, err error) {
	res, err := subproc.Run(ctx, "git", []string{"-C", dir, "push", "origin", "HEAD:" + remoteBranch},
		subproc.Options{Dir: dir, ErrorOK: true, Capture: true})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// ShallowClone clones url at ref into dir with depth 1.
func ShallowClone(ctx context.Context, url, ref, dir, msg string) error {
	return run(ctx, "", msg, "clone", "--branch", ref, "--depth", "1", "--", url, dir)
}
