package openapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Common OpenAPI schema paths used by various frameworks
var commonOpenAPIPaths = []string{
	"/openapi.json",            // FastAPI default
	"/openapi.yaml",            // Static spec files
	"/docs/openapi.json",       // Alternative FastAPI path
	"/swagger.json",            // Swagger/OpenAPI 2.0
	"/v3/api-docs",             // SpringDoc OpenAPI 3.0
	"/api-docs",                // SpringFox
	"/api/openapi.json",        // Custom API prefix
	"/api/v1/openapi.json",     // Versioned API
	"/api/swagger.json",        // Alternative swagger path
	"/swagger/v1/swagger.json", // .NET default
	"/_spec",                   // Some Node.js frameworks
	"/spec",                    // Alternative spec path
	"/api-spec.json",           // Custom spec name
}

// serviceDescRe matches an RFC 8631 service-desc link.
var serviceDescRe = regexp.MustCompile(`<([^>]+)>\s*;[^,]*rel="?service-desc"?`)

const probeTimeout = 5 * time.Second

// AutoDiscoverer attempts to find OpenAPI schemas from base URLs
type AutoDiscoverer struct {
	client *http.Client
	logger *slog.Logger
}

// NewAutoDiscoverer creates a new OpenAPI schema auto-discoverer
func NewAutoDiscoverer(client *http.Client, logger *slog.Logger) *AutoDiscoverer {
	return &AutoDiscoverer{
		client: client,
		logger: logger.With("component", "openapi_autodiscoverer"),
	}
}

// ResolveSchemaSource returns source unchanged when it already names a
// schema document or a local file. For a base URL it probes well-known
// schema paths, falling back to source when nothing is found.
func (d *AutoDiscoverer) ResolveSchemaSource(ctx context.Context, source string, headers map[string]string) string {
	log := d.logger.With(slog.String("source", source))

	if looksLikeSchemaURL(source) {
		log.Debug("Source appears to be a direct schema URL")
		return source
	}
	u, err := url.ParseRequestURI(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return source
	}

	log.Info("Source appears to be a base URL, attempting auto-discovery")
	discovered, err := d.DiscoverSchema(ctx, source, headers)
	if err != nil {
		log.Warn("Auto-discovery failed, using original source", slog.Any("error", err))
		return source
	}
	return discovered
}

func looksLikeSchemaURL(source string) bool {
	lower := strings.ToLower(source)
	for _, suffix := range []string{".json", ".yaml", ".yml"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return strings.Contains(lower, "openapi") ||
		strings.Contains(lower, "swagger") ||
		strings.Contains(lower, "api-docs")
}

// DiscoverSchema attempts to find an OpenAPI schema from a base URL
func (d *AutoDiscoverer) DiscoverSchema(ctx context.Context, baseURL string, headers map[string]string) (string, error) {
	log := d.logger.With(slog.String("base_url", baseURL))

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Scheme == "" {
		return "", fmt.Errorf("base URL must include scheme (http:// or https://)")
	}

	for _, path := range commonOpenAPIPaths {
		testURL := strings.TrimRight(baseURL, "/") + path
		found, err := d.probe(ctx, testURL, headers)
		if err != nil {
			log.Debug("Error checking path", slog.String("url", testURL), slog.Any("error", err))
			continue
		}
		if found {
			log.Info("Found OpenAPI schema", slog.String("url", testURL))
			return testURL, nil
		}
	}

	if link, err := d.serviceDescLink(ctx, baseURL, headers); err != nil {
		log.Debug("Failed to check root page", slog.Any("error", err))
	} else if link != "" {
		log.Info("Found OpenAPI schema via service-desc link", slog.String("url", link))
		return link, nil
	}

	return "", fmt.Errorf("no OpenAPI schema found at base URL: %s", baseURL)
}

// probe reports whether testURL answers 200 with a schema content type.
func (d *AutoDiscoverer) probe(ctx context.Context, testURL string, headers map[string]string) (bool, error) {
	resp, err := d.get(ctx, testURL, headers)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	contentType := resp.Header.Get("Content-Type")
	for _, accepted := range []string{"application/json", "application/vnd.oai.openapi", "yaml"} {
		if strings.Contains(contentType, accepted) {
			return true, nil
		}
	}
	return false, nil
}

// serviceDescLink looks for a service-desc Link header on the root page.
func (d *AutoDiscoverer) serviceDescLink(ctx context.Context, baseURL string, headers map[string]string) (string, error) {
	resp, err := d.get(ctx, baseURL, headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	for _, link := range resp.Header.Values("Link") {
		m := serviceDescRe.FindStringSubmatch(link)
		if m == nil {
			continue
		}
		ref, err := url.Parse(m[1])
		if err != nil {
			return "", fmt.Errorf("invalid service-desc link %q: %w", m[1], err)
		}
		return resp.Request.URL.ResolveReference(ref).String(), nil
	}
	return "", nil
}

func (d *AutoDiscoverer) get(ctx context.Context, target string, headers map[string]string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/vnd.oai.openapi+json")
	req.Header.Set("User-Agent", "mcpgate/1.0")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the probe timeout when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}
