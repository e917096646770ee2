package github

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		expected    Location
		expectError bool
	}{
		{
			name:     "simple github URL",
			url:      "github://owner/repo/path/to/file.yaml",
			expected: Location{Owner: "owner", Repo: "repo", Path: "path/to/file.yaml"},
		},
		{
			name:     "github URL with ref",
			url:      "github://owner/repo/path/to/file.yaml@v1.0",
			expected: Location{Owner: "owner", Repo: "repo", Path: "path/to/file.yaml", Ref: "v1.0"},
		},
		{
			name:     "github URL with branch ref",
			url:      "github://microsoft/api-guidelines/graph/openapi.yaml@main",
			expected: Location{Owner: "microsoft", Repo: "api-guidelines", Path: "graph/openapi.yaml", Ref: "main"},
		},
		{name: "invalid URL - not github", url: "https://github.com/owner/repo/file.yaml", expectError: true},
		{name: "invalid URL - missing path", url: "github://owner/repo", expectError: true},
		{name: "invalid URL - missing repo", url: "github://owner", expectError: true},
		{name: "invalid URL - empty segment", url: "github://owner//file.yaml", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := ParseURL(tt.url)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, loc)
		})
	}
}

func TestIsGitHubURL(t *testing.T) {
	tests := []struct {
		url      string
		expected bool
	}{
		{"github://owner/repo/file.yaml", true},
		{"github://owner/repo/file.yaml@v1.0", true},
		{"https://github.com/owner/repo/file.yaml", false},
		{"http://example.com/api.yaml", false},
		{"file:///local/path/api.yaml", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsGitHubURL(tt.url))
		})
	}
}

func TestGHClient_FetchFile(t *testing.T) {
	tests := []struct {
		name     string
		out      []byte
		err      error
		wantArgs []string
		wantErr  string
	}{
		{
			name:     "raw content",
			out:      []byte("openapi: 3.0.3\n"),
			wantArgs: []string{"api", "-H", "Accept: application/vnd.github.raw", "repos/acme/apis/contents/specs/pets.yaml?ref=v2"},
		},
		{name: "not installed", err: errors.New(`exec: "gh": executable file not found in $PATH`), wantErr: "not installed"},
		{name: "not logged in", err: errors.New("gh failed: You are not logged into any GitHub hosts. To log in, run: gh auth login"), wantErr: "not authenticated"},
		{name: "empty", out: []byte{}, wantErr: "empty response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotName string
			var gotArgs []string
			c := NewGHClient(func(ctx context.Context, name string, args ...string) ([]byte, error) {
				gotName, gotArgs = name, args
				return tt.out, tt.err
			}, testLogger())

			out, err := c.FetchFile(context.Background(), "github://acme/apis/specs/pets.yaml@v2")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.out, out)
			assert.Equal(t, "gh", gotName)
			assert.Equal(t, tt.wantArgs, gotArgs)
		})
	}
}

func TestGHClient_LoadFile(t *testing.T) {
	calls := 0
	c := NewGHClient(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return []byte("remote"), nil
	}, testLogger())

	path := filepath.Join(t.TempDir(), "mcpgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o600))

	got, err := c.LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "local", string(got))
	assert.Zero(t, calls)

	got, err = c.LoadFile(context.Background(), "github://acme/ops/mcpgate.yaml")
	require.NoError(t, err)
	assert.Equal(t, "remote", string(got))
	assert.True(t, c.CanRead("github://acme/ops/mcpgate.yaml"))

	_, err = c.LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// Integration test - requires gh CLI to be installed and authenticated
func TestFetchFile_Integration(t *testing.T) {
	if os.Getenv("MCPGATE_GH_INTEGRATION") == "" {
		t.Skip("set MCPGATE_GH_INTEGRATION to run against the gh CLI")
	}
	content, err := NewGHClient(nil, testLogger()).FetchFile(context.Background(), "github://github/gitignore/Go.gitignore")
	require.NoError(t, err)
	assert.Contains(t, string(content), "# Binaries for programs and plugins")
}
