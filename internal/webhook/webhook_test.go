package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shipit/internal/config"
	"github.com/cuemby/shipit/internal/pipeline"
	"github.com/cuemby/shipit/internal/registry"
	"github.com/cuemby/shipit/internal/status"
)

const testSecret = "shh"

func sign(body []byte) string {
	mac := hmac.New(sha1.New, []byte(testSecret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestServer() *Server {
	cfg := &config.Config{
		GitHubToken:   "token",
		WebhookSecret: testSecret,
		PagesStub:     "o/r",
		PagesPRStub:   "o/r",
		PagesBranch:   "gh-pages",
		BuildBranches: []string{"master"},
		Builder:       "/bin/true",
		SourceRoot:    "/tmp/shipit-test",
		AppName:       "shipit",
	}
	reg := registry.New()
	pl := pipeline.New(cfg, reg)
	sc := status.NewClient(cfg.GitHubToken, "https://api.github.com")
	return NewServer(cfg, pl, sc)
}

func TestIndexReturnsIdentifier(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	s.handleIndex(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "shipit")
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestGitHubRejectsBadSignature(t *testing.T) {
	s := newTestServer()
	body := []byte(`{"zen":"ok"}`)
	req := httptest.NewRequest("POST", "/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature", "sha1=deadbeef")
	w := httptest.NewRecorder()

	s.handleGitHub(w, req)

	assert.Equal(t, 400, w.Code)
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	assert.Equal(t, "signature mismatch", env.ErrorType)
}

func TestGitHubRejectsMalformedJSON(t *testing.T) {
	s := newTestServer()
	body := []byte(`not json`)
	req := httptest.NewRequest("POST", "/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature", sign(body))
	w := httptest.NewRecorder()

	s.handleGitHub(w, req)

	assert.Equal(t, 400, w.Code)
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	assert.Equal(t, "json parsability", env.ErrorType)
	assert.Equal(t, "expected json", env.ErrorMessage)
	assert.Equal(t, []string{}, env.Path)
}

func TestGitHubPingIsNoOp(t *testing.T) {
	s := newTestServer()
	body := []byte(`{"zen":"ok"}`)
	req := httptest.NewRequest("POST", "/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature", sign(body))
	w := httptest.NewRecorder()

	s.handleGitHub(w, req)

	assert.Equal(t, 200, w.Code)
}

func TestGitHubUnrecognizedEventIsInternalError(t *testing.T) {
	s := newTestServer()
	body := []byte(`{}`)
	req := httptest.NewRequest("POST", "/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "marketplace_purchase")
	req.Header.Set("X-Hub-Signature", sign(body))
	w := httptest.NewRecorder()

	s.handleGitHub(w, req)

	assert.Equal(t, 500, w.Code)
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	assert.NotEmpty(t, env.ErrorTraceback)
}

func TestVerifySignatureRejectsSingleFlippedBit(t *testing.T) {
	body := []byte(`{"a":1}`)
	good := sign(body)
	// flip the last hex character
	bad := good[:len(good)-1] + flip(good[len(good)-1])

	assert.NoError(t, verifySignature(testSecret, good, body))
	assert.Error(t, verifySignature(testSecret, bad, body))
}

func flip(b byte) string {
	if b == '0' {
		return "1"
	}
	return "0"
}

func TestPushEventOutsideAllowListIsIgnored(t *testing.T) {
	s := newTestServer()
	payload := map[string]interface{}{
		"ref":        "refs/heads/feature-x",
		"after":      "abc123",
		"repository": map[string]interface{}{"full_name": "o/r", "clone_url": "https://github.com/o/r.git"},
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest("POST", "/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature", sign(body))
	w := httptest.NewRecorder()

	s.handleGitHub(w, req)

	assert.Equal(t, 200, w.Code)
}
