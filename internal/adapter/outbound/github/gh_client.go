package github

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Scheme prefixes sources served from GitHub repositories.
const Scheme = "github://"

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// GHClient reads repository files through the gh CLI, reusing its
// authentication.
type GHClient struct {
	run    CommandRunner
	logger *slog.Logger
}

// NewGHClient creates a new GitHub client. A nil runner executes gh directly.
func NewGHClient(run CommandRunner, logger *slog.Logger) *GHClient {
	if run == nil {
		run = execRunner
	}
	return &GHClient{run: run, logger: logger.With("component", "github_client")}
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s failed: %s", name, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// Location is a parsed github:// source.
type Location struct {
	Owner string
	Repo  string
	Path  string
	Ref   string
}

// ParseURL parses github://owner/repo/path/to/file[@ref].
func ParseURL(githubURL string) (Location, error) {
	if !IsGitHubURL(githubURL) {
		return Location{}, fmt.Errorf("invalid GitHub URL format: %s", githubURL)
	}
	urlPath := strings.TrimPrefix(githubURL, Scheme)

	var loc Location
	if i := strings.LastIndex(urlPath, "@"); i >= 0 {
		urlPath, loc.Ref = urlPath[:i], urlPath[i+1:]
	}
	parts := strings.SplitN(urlPath, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Location{}, fmt.Errorf("invalid GitHub URL format: expected github://owner/repo/path/to/file")
	}
	loc.Owner, loc.Repo, loc.Path = parts[0], parts[1], parts[2]
	return loc, nil
}

func (l Location) apiPath() string {
	p := fmt.Sprintf("repos/%s/%s/contents/%s", l.Owner, l.Repo, l.Path)
	if l.Ref != "" {
		p += "?ref=" + l.Ref
	}
	return p
}

// FetchFile retrieves the raw content of a repository file.
func (c *GHClient) FetchFile(ctx context.Context, githubURL string) ([]byte, error) {
	loc, err := ParseURL(githubURL)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Fetching file from GitHub", slog.String("repo", loc.Owner+"/"+loc.Repo), slog.String("path", loc.Path), slog.String("ref", loc.Ref))

	out, err := c.run(ctx, "gh", "api", "-H", "Accept: application/vnd.github.raw", loc.apiPath())
	if err != nil {
		return nil, classifyGHError(err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty response from GitHub for %s", githubURL)
	}
	return out, nil
}

// classifyGHError turns common gh failures into actionable messages.
func classifyGHError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "executable file not found"):
		return fmt.Errorf("gh CLI is not installed, see https://cli.github.com/: %w", err)
	case strings.Contains(msg, "not logged in"), strings.Contains(msg, "gh auth login"):
		return fmt.Errorf("gh CLI is not authenticated, run 'gh auth login': %w", err)
	default:
		return fmt.Errorf("failed to fetch file from GitHub: %w", err)
	}
}

// IsGitHubURL checks if a URL is a GitHub URL
func IsGitHubURL(url string) bool {
	return strings.HasPrefix(url, Scheme)
}
