// Package pipeline implements the Build Pipeline: top-level
// orchestration for a single deployment event, from source clone
// through sandboxed build to publication.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/shipit/internal/config"
	"github.com/cuemby/shipit/internal/gitrepo"
	"github.com/cuemby/shipit/internal/publish"
	"github.com/cuemby/shipit/internal/registry"
	"github.com/cuemby/shipit/internal/shipterr"
	"github.com/cuemby/shipit/internal/subproc"
)

// Outcome classifies how a build_and_deploy invocation concluded.
type Outcome int

const (
	Success Outcome = iota
	Warning
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Request is the immutable descriptor of a single pipeline invocation.
type Request struct {
	SourceURL         string
	SourceRef         string
	PublicationPath   string
	PublicationURL    string
	CommitMessage     string
	RepoSlug          string
	CommitSHA         string
	PullRequestNumber int // 0 when not a pull request
	SuccessURL        string
}

// Pipeline runs Build Pipeline invocations against a shared Registry
// and configuration.
type Pipeline struct {
	cfg      *config.Config
	registry *registry.Registry
}

// New returns a Pipeline backed by the given configuration and registry.
func New(cfg *config.Config, reg *registry.Registry) *Pipeline {
	return &Pipeline{cfg: cfg, registry: reg}
}

// BuildAndDeploy clones req's source at its ref, runs the sandboxed
// builder, stages the build log and, when present, the artifact tree
// into the publication repository, and returns the classified
// Outcome. The Deployment Key is claimed via the Registry before any
// work begins, so a concurrent deploy to the same key cancels this one.
func (p *Pipeline) BuildAndDeploy(ctx context.Context, correlationID string, req Request) (Outcome, error) {
	key := registry.Key{RepoURL: req.PublicationURL, Path: req.PublicationPath}
	task := registry.NewTask(ctx, key, correlationID)
	p.registry.Claim(task)
	defer task.Finish()
	ctx = task.Context()

	if err := os.MkdirAll(p.cfg.SourceRoot, 0o700); err != nil {
		return Failure, fmt.Errorf("could not create source root: %w", err)
	}

	sourceDir, err := os.MkdirTemp(p.cfg.SourceRoot, "src-")
	if err != nil {
		return Failure, fmt.Errorf("could not create source workspace: %w", err)
	}
	defer os.RemoveAll(sourceDir)

	if err := gitrepo.ShallowClone(ctx, req.SourceURL, req.SourceRef, sourceDir,
		fmt.Sprintf("could not clone %s from %s", req.SourceRef, req.SourceURL)); err != nil {
		return Failure, err
	}

	logPath := filepath.Join(sourceDir, p.cfg.AppName+".log")
	_, builderErr := subproc.Run(ctx, "sudo", []string{p.cfg.Builder, sourceDir}, subproc.Options{
		Msg: "build failed",
	})
	builderFailed := builderErr != nil
	if builderFailed {
		if _, ok := builderErr.(*shipterr.SubprocessError); !ok {
			// cancellation or a non-subprocess error aborts the pipeline outright
			return Failure, builderErr
		}
	}

	logBytes, err := readLog(ctx, logPath)
	if err != nil {
		// The builder contract requires the log to exist regardless of
		// exit code; a missing log is itself a subprocess-layer error.
		return Failure, err
	}

	artifactDir := filepath.Join(sourceDir, "target")
	mutate := stageMutation(req.PublicationPath, artifactDir, logPath, p.cfg.AppName+".log")

	if err := publish.Transact(ctx, p.cfg.PagesBranch, req.PublicationURL, mutate, req.CommitMessage); err != nil {
		return Failure, err
	}

	switch {
	case builderFailed:
		return Failure, nil
	case containsWarningToken(logBytes):
		return Warning, nil
	default:
		return Success, nil
	}
}

// Undeploy claims key and runs a Publication Transaction that removes
// the publication path subtree.
func (p *Pipeline) Undeploy(ctx context.Context, correlationID, publicationURL, publicationPath string) error {
	key := registry.Key{RepoURL: publicationURL, Path: publicationPath}
	task := registry.NewTask(ctx, key, correlationID)
	p.registry.Claim(task)
	defer task.Finish()
	ctx = task.Context()

	mutate := func(ctx context.Context, workspace string) error {
		target := filepath.Join(workspace, publicationPath)
		_, err := subproc.Run(ctx, "rm", []string{"-rf", target}, subproc.Options{})
		return err
	}

	return publish.Transact(ctx, p.cfg.PagesBranch, publicationURL, mutate, "Undeploy")
}

// stageMutation returns a Mutation that replaces the publication path
// with the build log and (if present) the artifact tree, then
// synthesizes index.html files for any directory that lacks one.
func stageMutation(publicationPath, artifactDir, logSrcPath, logBasename string) publish.Mutation {
	return func(ctx context.Context, workspace string) error {
		dest := filepath.Join(workspace, publicationPath)
		if _, err := subproc.Run(ctx, "rm", []string{"-rf", dest}, subproc.Options{}); err != nil {
			return err
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("could not recreate publication path: %w", err)
		}

		if _, err := subproc.Run(ctx, "cp", []string{logSrcPath, filepath.Join(dest, logBasename)}, subproc.Options{}); err != nil {
			return err
		}

		if info, err := os.Stat(artifactDir); err == nil && info.IsDir() {
			if _, err := subproc.Run(ctx, "cp", []string{"-r", artifactDir + "/.", dest}, subproc.Options{}); err != nil {
				return err
			}
		}

		return synthesizeIndexes(dest)
	}
}

// synthesizeIndexes walks root depth-first, writing an index.html into
// every directory that lacks one. Pre-existing index.html files are
// never overwritten. Listings are sorted lexicographically.
func synthesizeIndexes(root string) error {
	var dirs []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not walk publication path: %w", err)
	}

	// Deepest directories first so nested indexes exist before their
	// parent's listing is generated, though entries are linked by name
	// only so ordering is not strictly required for correctness.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))

	for _, dir := range dirs {
		indexPath := filepath.Join(dir, "index.html")
		if _, err := os.Stat(indexPath); err == nil {
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("could not list %s: %w", dir, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)

		var buf bytes.Buffer
		buf.WriteString("<html><body><ul>\n")
		for _, name := range names {
			escaped := html.EscapeString(name)
			fmt.Fprintf(&buf, "<li><a href=\"%s\">%s</a></li>\n", escaped, escaped)
		}
		buf.WriteString("</ul></body></html>\n")

		if err := os.WriteFile(indexPath, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("could not write %s: %w", indexPath, err)
		}
	}
	return nil
}

func containsWarningToken(logBytes []byte) bool {
	return strings.Contains(strings.ToUpper(string(logBytes)), "WARNING")
}

// readLog reads path through "cat" rather than in-process I/O: the
// build log can be arbitrarily large, and the Runner's whole purpose is
// to keep exactly this kind of read off the goroutine that's driving
// the pipeline.
func readLog(ctx context.Context, path string) ([]byte, error) {
	res, err := subproc.Run(ctx, "cat", []string{path}, subproc.Options{
		Capture: true,
		Msg:     "build log missing",
	})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}
