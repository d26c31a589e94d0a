// Package status posts human-visible build-status feedback back to the
// code-forge: commit statuses for branch/tag deploys, issue comments
// for pull requests. Posting is always best-effort: a network failure
// here is logged, never propagated, so it can't shadow the pipeline's
// real outcome.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/shipit/internal/log"
	"github.com/cuemby/shipit/internal/metrics"
	"github.com/cuemby/shipit/internal/pipeline"
	"github.com/cuemby/shipit/internal/shipterr"
)

// state is the code-forge's commit-status/comment state vocabulary.
type state string

const (
	statePending state = "pending"
	stateSuccess state = "success"
	stateFailure state = "failure"
	stateError   state = "error"
)

// Client posts commit statuses and issue comments to the code-forge
// REST API over a plain HTTP client, the same way the rest of this
// codebase prefers a thin hand-written wrapper over a generated SDK.
type Client struct {
	httpClient *http.Client
	token      string
	baseURL    string
}

// NewClient returns a Client authenticating with token against the
// code-forge REST API rooted at baseURL (e.g. "https://api.github.com").
func NewClient(token, baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		token:      token,
		baseURL:    baseURL,
	}
}

// Reporter is a scoped handle with entry and exit semantics: a pending
// status is posted on construction (commit-status mode only), and a
// terminal status is posted when Finish is called.
type Reporter struct {
	client   *Client
	repoSlug string

	// Exactly one of commitSHA or prNumber is meaningful, selecting
	// commit-status mode versus pull-request-comment mode.
	commitSHA string
	prNumber  int

	successURL string
	logURL     string
}

// NewCommitReporter returns a Reporter that posts commit statuses for
// repoSlug/commitSHA, posting "pending" immediately.
func NewCommitReporter(ctx context.Context, client *Client, repoSlug, commitSHA, successURL, logURL string) *Reporter {
	r := &Reporter{client: client, repoSlug: repoSlug, commitSHA: commitSHA, successURL: successURL, logURL: logURL}
	r.client.postCommitStatus(ctx, repoSlug, commitSHA, statePending, "", "")
	return r
}

// NewPullRequestReporter returns a Reporter that posts a single issue
// comment at Finish time; no comment is posted on construction.
func NewPullRequestReporter(client *Client, repoSlug string, prNumber int, successURL, logURL string) *Reporter {
	return &Reporter{client: client, repoSlug: repoSlug, prNumber: prNumber, successURL: successURL, logURL: logURL}
}

// Finish posts the terminal status derived from outcome and err. err is
// the pipeline's propagated error, if any; outcome is only meaningful
// when err is nil.
func (r *Reporter) Finish(ctx context.Context, outcome pipeline.Outcome, pipelineErr error) {
	st, desc, url := r.classify(outcome, pipelineErr)

	if r.prNumber != 0 {
		r.client.postIssueComment(ctx, r.repoSlug, r.prNumber, st, desc, r.successURL, r.logURL)
		return
	}
	r.client.postCommitStatus(ctx, r.repoSlug, r.commitSHA, st, desc, url)
}

func (r *Reporter) classify(outcome pipeline.Outcome, pipelineErr error) (st state, desc, url string) {
	if pipelineErr == nil {
		switch outcome {
		case pipeline.Success:
			return stateSuccess, "", r.successURL
		case pipeline.Warning:
			return stateSuccess, fmt.Sprintf("build succeeded with warnings; log: %s", r.logURL), r.successURL
		case pipeline.Failure:
			return stateFailure, "build failed", r.logURL
		}
	}

	var sub *shipterr.SubprocessError
	if errors.As(pipelineErr, &sub) {
		return stateFailure, sub.Desc, r.logURL
	}

	return stateError, fmt.Sprintf("%T: %v", pipelineErr, pipelineErr), r.logURL
}

type commitStatusBody struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context"`
}

func (c *Client) postCommitStatus(ctx context.Context, repoSlug, sha string, st state, desc, url string) {
	body := commitStatusBody{State: string(st), TargetURL: url, Description: desc, Context: "continuous-docs"}
	endpoint := fmt.Sprintf("%s/repos/%s/statuses/%s", c.baseURL, repoSlug, sha)
	c.postJSON(ctx, endpoint, body, "commit_status")
}

type issueCommentBody struct {
	Body string `json:"body"`
}

func (c *Client) postIssueComment(ctx context.Context, repoSlug string, number int, st state, desc, successURL, logURL string) {
	text := fmt.Sprintf("Build %s.", st)
	if desc != "" {
		text += " " + desc
	}
	if successURL != "" {
		text += fmt.Sprintf("\n\nPreview: %s", successURL)
	}
	if logURL != "" {
		text += fmt.Sprintf("\nBuild log: %s", logURL)
	}
	body := issueCommentBody{Body: text}
	endpoint := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.baseURL, repoSlug, number)
	c.postJSON(ctx, endpoint, body, "issue_comment")
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body interface{}, kind string) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Logger.Error().Err(err).Str("kind", kind).Msg("could not marshal status payload")
		metrics.StatusPostFailuresTotal.WithLabelValues(kind).Inc()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		log.Logger.Error().Err(err).Str("kind", kind).Msg("could not build status request")
		metrics.StatusPostFailuresTotal.WithLabelValues(kind).Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "token "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Logger.Warn().Err(err).Str("kind", kind).Str("endpoint", endpoint).Msg("status post failed, ignoring")
		metrics.StatusPostFailuresTotal.WithLabelValues(kind).Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Logger.Warn().Int("status", resp.StatusCode).Str("kind", kind).Msg("status post rejected, ignoring")
		metrics.StatusPostFailuresTotal.WithLabelValues(kind).Inc()
	}
}
