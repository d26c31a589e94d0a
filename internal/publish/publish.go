// Package publish implements the Publication Transaction: a shallow
// clone of the publication repository, a caller-supplied mutation of
// the working tree, then a commit-and-push with optimistic-concurrency
// retry against the remote branch.
package publish

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/shipit/internal/gitrepo"
	"github.com/cuemby/shipit/internal/log"
	"github.com/cuemby/shipit/internal/metrics"
	"github.com/cuemby/shipit/internal/shipterr"
)

// maxPushAttempts is the total number of pushes attempted per
// transaction: the first attempt plus up to 5 retries.
const maxPushAttempts = 6

// Mutation mutates the checked-out working tree at workspace. It must
// confine its changes to the caller's own publication path subtree.
type Mutation func(ctx context.Context, workspace string) error

// Transact runs a full publication transaction: clone, mutate, commit,
// push, retrying the fetch/reset/commit/push cycle on push conflict up
// to maxPushAttempts times with exponential backoff. The workspace is
// always removed before Transact returns.
func Transact(ctx context.Context, branch, publicationURL string, mutate Mutation, commitMessage string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PublicationTransactionDuration)

	var lastErr error
	for attempt := 0; attempt < maxPushAttempts; attempt++ {
		pushed, err := attemptOnce(ctx, branch, publicationURL, mutate, commitMessage)
		if err != nil {
			return err
		}
		if pushed == pushOutcomeNoOp || pushed == pushOutcomeSucceeded {
			return nil
		}
		lastErr = fmt.Errorf("push attempt %d rejected by remote", attempt+1)

		if attempt == maxPushAttempts-1 {
			break
		}

		sleep := backoffDelay(attempt)
		log.Logger.Warn().Int("attempt", attempt+1).Dur("sleep", sleep).Msg("publication push rejected, retrying")
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	metrics.PublicationRetriesExhaustedTotal.Inc()
	return shipterr.NewDeployError("giving up on deploy after %d attempts: %v", maxPushAttempts, lastErr)
}

// backoffDelay returns the sleep duration before the retry following a
// failed attempt numbered attempt (0-indexed): 2, 6, 14, 30, 62 seconds
// for attempt 0 through 4, i.e. 2*(2^(attempt+1)-1).
func backoffDelay(attempt int) time.Duration {
	return time.Duration(2*(1<<uint(attempt+1)-1)) * time.Second
}

type pushOutcome int

const (
	pushOutcomeFailed pushOutcome = iota
	pushOutcomeSucceeded
	pushOutcomeNoOp
)

func attemptOnce(ctx context.Context, branch, publicationURL string, mutate Mutation, commitMessage string) (pushOutcome, error) {
	workspace, err := os.MkdirTemp("", "shipit-publish-")
	if err != nil {
		return pushOutcomeFailed, fmt.Errorf("could not create publication workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	if err := gitrepo.Init(ctx, workspace); err != nil {
		return pushOutcomeFailed, err
	}
	if err := gitrepo.AddRemote(ctx, workspace, publicationURL); err != nil {
		return pushOutcomeFailed, err
	}
	if err := gitrepo.FetchDepth1(ctx, workspace, branch); err != nil {
		return pushOutcomeFailed, err
	}

	remoteTip := "origin/" + branch
	if err := gitrepo.ResetHard(ctx, workspace, remoteTip); err != nil {
		return pushOutcomeFailed, err
	}

	localBranch := uuid.New().String()
	if err := gitrepo.CheckoutNewBranch(ctx, workspace, localBranch, remoteTip); err != nil {
		return pushOutcomeFailed, err
	}

	if err := mutate(ctx, workspace); err != nil {
		return pushOutcomeFailed, err
	}

	if err := gitrepo.AddAll(ctx, workspace); err != nil {
		return pushOutcomeFailed, err
	}

	committed, err := gitrepo.CommitAllowEmpty(ctx, workspace, commitMessage)
	if err != nil {
		return pushOutcomeFailed, err
	}
	if !committed {
		return pushOutcomeNoOp, nil
	}

	metrics.PublicationPushAttemptsTotal.Inc()
	ok, err := gitrepo.PushHeadTo(ctx, workspace, branch)
	if err != nil {
		return pushOutcomeFailed, err
	}
	if ok {
		return pushOutcomeSucceeded, nil
	}
	return pushOutcomeFailed, nil
}
