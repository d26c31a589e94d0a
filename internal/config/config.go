// Package config loads the process's environment-driven configuration.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds every environment-provided setting this service recognizes.
// It is read once at process startup and is read-only thereafter.
type Config struct {
	// GitHubToken authenticates both git pushes (embedded in the HTTPS
	// remote URL) and REST calls to the code-forge.
	GitHubToken string
	// WebhookSecret verifies the X-Hub-Signature header on inbound webhooks.
	WebhookSecret string
	// PagesStub is the owner/repo that branch and tag publications push to.
	PagesStub string
	// PagesPRStub is the owner/repo that pull-request publications push to.
	// Falls back to PagesStub when unset.
	PagesPRStub string
	// PagesBranch is the static-hosting branch name.
	PagesBranch string
	// BuildBranches is the allow-list of push-event branch names that
	// trigger a deploy.
	BuildBranches []string
	// Builder is the path to the sandboxed builder executable.
	Builder string
	// SourceRoot is the parent directory under which Source Workspaces
	// are created.
	SourceRoot string
	// AppName is the "<app>" token used for the build log filename and
	// the identifier string served at GET /.
	AppName string
}

const (
	envGitHubToken    = "GITHUB_TOKEN"
	envWebhookSecret  = "GITHUB_HMAC_TOKEN"
	envPagesStub      = "GITHUB_PAGES_STUB"
	envPagesPRStub    = "GITHUB_PAGES_PR_STUB"
	envPagesBranch    = "GITHUB_PAGES_BRANCH"
	envBuildBranches  = "SHIPIT_BUILD_BRANCHES"
	envBuilder        = "SHIPIT_BUILDER"
	envSourceRoot     = "SHIPIT_SOURCE_ROOT"
	envAppName        = "SHIPIT_APP_NAME"
)

const (
	defaultPagesBranch   = "gh-pages"
	defaultBuildBranches = "master,asciidoctor-mvn"
	defaultBuilder       = "/usr/bin/shipit_dockerbuild"
	defaultSourceRoot    = "/tmp/shipit"
	defaultAppName       = "shipit"
)

// FromEnviron loads a Config from the process environment, applying the
// documented defaults for every optional variable. It returns an error
// only when a required variable is missing.
func FromEnviron() (*Config, error) {
	cfg := &Config{
		GitHubToken:   os.Getenv(envGitHubToken),
		WebhookSecret: os.Getenv(envWebhookSecret),
		PagesStub:     os.Getenv(envPagesStub),
		PagesPRStub:   os.Getenv(envPagesPRStub),
		PagesBranch:   getOrDefault(envPagesBranch, defaultPagesBranch),
		BuildBranches: splitCSV(getOrDefault(envBuildBranches, defaultBuildBranches)),
		Builder:       getOrDefault(envBuilder, defaultBuilder),
		SourceRoot:    getOrDefault(envSourceRoot, defaultSourceRoot),
		AppName:       getOrDefault(envAppName, defaultAppName),
	}

	if cfg.PagesPRStub == "" {
		cfg.PagesPRStub = cfg.PagesStub
	}

	var missing []string
	if cfg.GitHubToken == "" {
		missing = append(missing, envGitHubToken)
	}
	if cfg.WebhookSecret == "" {
		missing = append(missing, envWebhookSecret)
	}
	if cfg.PagesStub == "" {
		missing = append(missing, envPagesStub)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

// AllowsBranch reports whether branch is in the configured build allow-list.
func (c *Config) AllowsBranch(branch string) bool {
	for _, b := range c.BuildBranches {
		if b == branch {
			return true
		}
	}
	return false
}

func getOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
