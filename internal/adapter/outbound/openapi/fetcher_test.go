package openapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/usecase"
)

const minimalDoc = `{"openapi":"3.0.3","info":{"title":"Mini","version":"1"},"paths":{"/ping":{"get":{"operationId":"ping","responses":{"200":{"description":"ok"}}}}}}`

func TestSchemaFetcher_URLWithHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openapi.json" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(minimalDoc))
	}))
	defer srv.Close()

	f := NewSchemaFetcher(srv.Client(), testLogger())
	schema, err := f.FetchWithConfig(context.Background(), usecase.SchemaSourceConfig{
		URL:     srv.URL + "/openapi.json",
		Headers: map[string]string{"Authorization": "Bearer t0k"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer t0k", gotAuth)
	assert.Equal(t, domain.SchemaTypeOpenAPI, schema.Type)
	assert.JSONEq(t, minimalDoc, string(schema.RawData))

	defs, err := NewToolGenerator(testLogger()).Generate(schema)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, srv.URL, defs[0].Endpoint.BaseURL, "relative server resolves against the document URL")
}

func TestSchemaFetcher_AutoDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/api-docs" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(minimalDoc))
	}))
	defer srv.Close()

	schema, err := NewSchemaFetcher(srv.Client(), testLogger()).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/v3/api-docs", schema.Source)
}

func TestAutoDiscoverer_ServiceDescLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Header().Set("Link", `</meta/contract>; rel="service-desc"`)
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewAutoDiscoverer(srv.Client(), testLogger())
	got, err := d.DiscoverSchema(context.Background(), srv.URL+"/", nil)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/meta/contract", got)
}

func TestSchemaFetcher_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/broken.json":
			_, _ = w.Write([]byte("{not json"))
		default:
			http.Error(w, "nope", http.StatusForbidden)
		}
	}))
	defer srv.Close()
	f := NewSchemaFetcher(srv.Client(), testLogger())

	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{name: "status", src: srv.URL + "/openapi.json", wantErr: "403"},
		{name: "unparsable", src: srv.URL + "/broken.json", wantErr: "failed to parse"},
		{name: "missing file", src: filepath.Join(t.TempDir(), "absent.yaml"), wantErr: "failed to read schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSchemaFetcher_LocalYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(petstore), 0o600))

	schema, err := NewSchemaFetcher(nil, testLogger()).Fetch(context.Background(), path)
	require.NoError(t, err)

	defs, err := NewToolGenerator(testLogger()).Generate(schema)
	require.NoError(t, err)
	assert.Len(t, defs, 3)
}

type stubReader struct {
	prefix string
	data   []byte
	reads  []string
}

func (s *stubReader) CanRead(src string) bool { return strings.HasPrefix(src, s.prefix) }

func (s *stubReader) Read(ctx context.Context, src string) ([]byte, error) {
	s.reads = append(s.reads, src)
	return s.data, nil
}

func TestSchemaFetcher_SourceReader(t *testing.T) {
	doc := `{"openapi":"3.0.3","info":{"title":"Mini","version":"1"},"servers":[{"url":"https://api.example.com/v1"}],"paths":{"/ping":{"get":{"operationId":"ping","responses":{"200":{"description":"ok"}}}}}}`
	r := &stubReader{prefix: "github://", data: []byte(doc)}
	f := NewSchemaFetcher(nil, testLogger(), r)

	schema, err := f.Fetch(context.Background(), "github://acme/apis/openapi.json@main")
	require.NoError(t, err)
	assert.Equal(t, []string{"github://acme/apis/openapi.json@main"}, r.reads)
	assert.Equal(t, "github://acme/apis/openapi.json@main", schema.Source)

	tools, err := NewToolGenerator(testLogger()).Generate(schema)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "ping", tools[0].Name)
}
