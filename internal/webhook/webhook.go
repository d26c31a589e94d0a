// Package webhook implements the Event Dispatcher: an HTTP listener
// that authenticates inbound code-forge webhooks, routes them to a
// Build Pipeline or undeploy invocation, and launches the work as a
// background task so the webhook response is never held up by a build.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/shipit/internal/config"
	"github.com/cuemby/shipit/internal/log"
	"github.com/cuemby/shipit/internal/metrics"
	"github.com/cuemby/shipit/internal/pipeline"
	"github.com/cuemby/shipit/internal/shipterr"
	"github.com/cuemby/shipit/internal/status"
)

const branchRefPrefixLen = len("refs/heads/")

// Server is the webhook HTTP listener.
type Server struct {
	cfg          *config.Config
	pipeline     *pipeline.Pipeline
	statusClient *status.Client
	mux          *http.ServeMux
}

// NewServer wires up the HTTP surface described in the external
// interfaces section: GET /, GET /health, GET /ready, GET /metrics,
// and POST /github.
func NewServer(cfg *config.Config, p *pipeline.Pipeline, statusClient *status.Client) *Server {
	s := &Server{cfg: cfg, pipeline: p, statusClient: statusClient, mux: http.NewServeMux()}
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/github", s.handleGitHub)
	return s
}

// Start serves the webhook HTTP surface on addr until ctx is cancelled
// or ListenAndServe returns a non-shutdown error.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // the 200 is fast, but keep slack for slow clients
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	correlationID := log.NewCorrelationID()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Correlation-ID", correlationID)
	fmt.Fprintln(w, s.cfg.AppName)
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
}

// errorEnvelope is the structured error body described in the external
// interfaces section.
type errorEnvelope struct {
	ErrorType      string   `json:"error_type"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	ErrorTraceback string   `json:"error_traceback,omitempty"`
	Path           []string `json:"path"`
}

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{ErrorType: "json parsability", ErrorMessage: "expected json", Path: []string{}})
		return
	}

	if err := verifySignature(s.cfg.WebhookSecret, r.Header.Get("X-Hub-Signature"), body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{ErrorType: "signature mismatch", ErrorMessage: err.Error()})
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{ErrorType: "json parsability", ErrorMessage: "expected json", Path: []string{}})
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	correlationID := log.NewCorrelationID()
	logger := log.WithCorrelationID(correlationID)

	if err := s.dispatch(eventType, payload, correlationID, logger); err != nil {
		var ce *shipterr.ClientError
		if errors.As(err, &ce) {
			tracebackID := log.TracebackID(err.Error())
			logger.Warn().Err(err).Str("traceback_id", tracebackID).Msg("client error dispatching webhook")
			writeJSON(w, http.StatusBadRequest, errorEnvelope{ErrorType: "client error", ErrorMessage: ce.Desc, ErrorTraceback: tracebackID})
			return
		}
		tracebackID := log.TracebackID(err.Error())
		logger.Error().Err(err).Str("traceback_id", tracebackID).Msg("internal error dispatching webhook")
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{ErrorType: fmt.Sprintf("%T", err), ErrorTraceback: tracebackID})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func verifySignature(secret, header string, body []byte) error {
	const prefix = "sha1="
	if !strings.HasPrefix(header, prefix) {
		return fmt.Errorf("missing or malformed signature header")
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	expected := prefix + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(header)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// dispatch routes an authenticated webhook per the event-type table:
// ping is a no-op, push/create/pull_request launch a background
// pipeline invocation, anything else is an internal error. It returns
// only dispatch-time errors (malformed payload shape, unrecognized
// event); pipeline outcomes are observed later by the background
// task's done-callback and never surfaced on this HTTP response.
func (s *Server) dispatch(eventType string, payload map[string]interface{}, correlationID string, logger zerolog.Logger) error {
	switch eventType {
	case "ping":
		return nil

	case "push":
		ref, _ := payload["ref"].(string)
		if !strings.HasPrefix(ref, "refs/heads/") {
			logger.Info().Str("ref", ref).Msg("ignoring non-branch push ref")
			return nil
		}
		branch := ref[branchRefPrefixLen:]
		if !s.cfg.AllowsBranch(branch) {
			logger.Info().Str("branch", branch).Msg("ignoring branch not in build allow-list")
			return nil
		}
		repoSlug, err := repoFullName(payload)
		if err != nil {
			return err
		}
		sha, _ := payload["after"].(string)
		if sha == "" {
			sha, _ = nestedString(payload, "head_commit", "id")
		}
		path := "dev/" + branch
		req := pipeline.Request{
			SourceURL:       cloneURL(payload, repoSlug),
			SourceRef:       branch,
			PublicationPath: path,
			PublicationURL:  s.publicationURL(s.cfg.PagesStub),
			CommitMessage:   "Deploy",
			RepoSlug:        repoSlug,
			CommitSHA:       sha,
			SuccessURL:      s.successURL(repoSlug, path),
		}
		s.launchDeploy(correlationID, logger, req, true)
		return nil

	case "create":
		refType, _ := payload["ref_type"].(string)
		if refType != "tag" {
			logger.Info().Str("ref_type", refType).Msg("ignoring non-tag create event")
			return nil
		}
		tag, _ := payload["ref"].(string)
		repoSlug, err := repoFullName(payload)
		if err != nil {
			return err
		}
		req := pipeline.Request{
			SourceURL:       cloneURL(payload, repoSlug),
			SourceRef:       tag,
			PublicationPath: tag,
			PublicationURL:  s.publicationURL(s.cfg.PagesStub),
			CommitMessage:   "Deploy",
			RepoSlug:        repoSlug,
		}
		// No status reporter for tag deploys, per the routing table.
		s.launchDeploy(correlationID, logger, req, false)
		return nil

	case "pull_request":
		action, _ := payload["action"].(string)
		number, err := prNumber(payload)
		if err != nil {
			return err
		}
		repoSlug, err := repoFullName(payload)
		if err != nil {
			return err
		}
		path := fmt.Sprintf("PR/%d", number)

		switch action {
		case "opened", "reopened", "synchronize":
			sha, _ := nestedString(payload, "pull_request", "head", "sha")
			req := pipeline.Request{
				SourceURL:         cloneURL(payload, repoSlug),
				SourceRef:         sha,
				PublicationPath:   path,
				PublicationURL:    s.publicationURL(s.cfg.PagesPRStub),
				CommitMessage:     "Deploy",
				RepoSlug:          repoSlug,
				CommitSHA:         sha,
				PullRequestNumber: number,
				SuccessURL:        s.successURL(repoSlug, path),
			}
			s.launchDeployPR(correlationID, logger, req)
			return nil
		case "closed":
			s.launchUndeploy(correlationID, logger, s.publicationURL(s.cfg.PagesPRStub), path)
			return nil
		default:
			logger.Info().Str("action", action).Msg("ignoring pull_request action")
			return nil
		}

	default:
		metrics.WebhooksTotal.WithLabelValues(eventType, "unrecognized").Inc()
		return fmt.Errorf("unrecognized event type %q", eventType)
	}
}

func (s *Server) launchDeploy(correlationID string, logger zerolog.Logger, req pipeline.Request, withCommitStatus bool) {
	metrics.WebhooksTotal.WithLabelValues("push_or_create", "dispatched").Inc()

	var reporter *status.Reporter
	if withCommitStatus && req.CommitSHA != "" {
		reporter = status.NewCommitReporter(context.Background(), s.statusClient, req.RepoSlug, req.CommitSHA, req.SuccessURL, req.SuccessURL+"/"+s.cfg.AppName+".log")
	}

	go func() {
		ctx := context.Background()
		timer := metrics.NewTimer()
		outcome, err := s.pipeline.BuildAndDeploy(ctx, correlationID, req)
		timer.ObserveDurationVec(metrics.DeploymentDuration, outcome.String())
		if err != nil {
			logger.Error().Err(err).Msg("deployment failed")
			metrics.DeploymentsTotal.WithLabelValues("error").Inc()
		} else {
			logger.Info().Str("outcome", outcome.String()).Msg("deployment completed")
			metrics.DeploymentsTotal.WithLabelValues(outcome.String()).Inc()
		}
		if reporter != nil {
			reporter.Finish(context.Background(), outcome, err)
		}
	}()
}

func (s *Server) launchDeployPR(correlationID string, logger zerolog.Logger, req pipeline.Request) {
	metrics.WebhooksTotal.WithLabelValues("pull_request", "dispatched").Inc()
	reporter := status.NewPullRequestReporter(s.statusClient, req.RepoSlug, req.PullRequestNumber, req.SuccessURL, req.SuccessURL+"/"+s.cfg.AppName+".log")

	go func() {
		ctx := context.Background()
		timer := metrics.NewTimer()
		outcome, err := s.pipeline.BuildAndDeploy(ctx, correlationID, req)
		timer.ObserveDurationVec(metrics.DeploymentDuration, outcome.String())
		if err != nil {
			logger.Error().Err(err).Msg("pull request deployment failed")
			metrics.DeploymentsTotal.WithLabelValues("error").Inc()
		} else {
			logger.Info().Str("outcome", outcome.String()).Msg("pull request deployment completed")
			metrics.DeploymentsTotal.WithLabelValues(outcome.String()).Inc()
		}
		reporter.Finish(context.Background(), outcome, err)
	}()
}

func (s *Server) launchUndeploy(correlationID string, logger zerolog.Logger, publicationURL, path string) {
	metrics.WebhooksTotal.WithLabelValues("pull_request_closed", "dispatched").Inc()
	go func() {
		if err := s.pipeline.Undeploy(context.Background(), correlationID, publicationURL, path); err != nil {
			logger.Error().Err(err).Msg("undeploy failed")
			return
		}
		logger.Info().Str("path", path).Msg("undeploy completed")
	}()
}

func (s *Server) publicationURL(stub string) string {
	return fmt.Sprintf("https://%s@github.com/%s.git", s.cfg.GitHubToken, stub)
}

func (s *Server) successURL(repoSlug, path string) string {
	parts := strings.SplitN(repoSlug, "/", 2)
	if len(parts) != 2 {
		return ""
	}
	return fmt.Sprintf("https://%s.github.io/%s/%s", parts[0], parts[1], path)
}

func repoFullName(payload map[string]interface{}) (string, error) {
	name, ok := nestedString(payload, "repository", "full_name")
	if !ok || name == "" {
		return "", shipterr.NewClientError("missing repository.full_name in webhook payload")
	}
	return name, nil
}

func cloneURL(payload map[string]interface{}, repoSlug string) string {
	if url, ok := nestedString(payload, "repository", "clone_url"); ok && url != "" {
		return url
	}
	return fmt.Sprintf("https://github.com/%s.git", repoSlug)
}

func prNumber(payload map[string]interface{}) (int, error) {
	raw, ok := payload["number"]
	if !ok {
		raw, ok = nestedValue(payload, "pull_request", "number")
	}
	n, ok2 := raw.(float64)
	if !ok || !ok2 {
		return 0, shipterr.NewClientError("missing pull request number in webhook payload")
	}
	return int(n), nil
}

func nestedValue(payload map[string]interface{}, keys ...string) (interface{}, bool) {
	var cur interface{} = payload
	for _, k := range keys {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func nestedString(payload map[string]interface{}, keys ...string) (string, bool) {
	v, ok := nestedValue(payload, keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
