package github

import (
	"context"
	"fmt"
	"os"
)

// CanRead reports whether src is a github:// source. Together with Read it
// lets the OpenAPI fetcher load schemas from repositories.
func (c *GHClient) CanRead(src string) bool {
	return IsGitHubURL(src)
}

// Read implements the OpenAPI fetcher's source reader.
func (c *GHClient) Read(ctx context.Context, src string) ([]byte, error) {
	return c.FetchFile(ctx, src)
}

// LoadFile reads a configuration file from GitHub or the local filesystem.
func (c *GHClient) LoadFile(ctx context.Context, path string) ([]byte, error) {
	if IsGitHubURL(path) {
		content, err := c.FetchFile(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch config from GitHub: %w", err)
		}
		return content, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}
