package usecase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/usecase"
)

// MockSchemaFetcher is a mock implementation of the SchemaFetcher interface.
type MockSchemaFetcher struct {
	mock.Mock
}

func (m *MockSchemaFetcher) Fetch(ctx context.Context, src string) (domain.APISchema, error) {
	args := m.Called(ctx, src)
	return args.Get(0).(domain.APISchema), args.Error(1)
}

func (m *MockSchemaFetcher) FetchWithConfig(ctx context.Context, cfg usecase.SchemaSourceConfig) (domain.APISchema, error) {
	args := m.Called(ctx, cfg)
	return args.Get(0).(domain.APISchema), args.Error(1)
}

// MockToolGenerator is a mock implementation of the ToolGenerator interface.
type MockToolGenerator struct {
	mock.Mock
}

func (m *MockToolGenerator) Generate(schema domain.APISchema) ([]domain.ToolDefinition, error) {
	args := m.Called(schema)
	var defs []domain.ToolDefinition
	if v := args.Get(0); v != nil {
		defs = v.([]domain.ToolDefinition)
	}
	return defs, args.Error(1)
}

// MockReloader is a mock implementation of the ServerReloader interface.
type MockReloader struct {
	mock.Mock
}

func (m *MockReloader) Reload(ctx context.Context, cfg domain.ServerConfig) error {
	return m.Called(ctx, cfg).Error(0)
}

func TestSyncSchemaUseCase_Execute(t *testing.T) {
	ctx := context.Background()
	sourceURL := "http://example.com/openapi.yaml"
	mockSchema := domain.APISchema{Source: sourceURL, Type: domain.SchemaTypeOpenAPI, ParsedData: "parsed"}
	mockDefs := []domain.ToolDefinition{{Name: "list_pets", Endpoint: domain.Endpoint{Method: "GET", Path: "/pets"}}}
	src := usecase.SchemaSourceConfig{URL: sourceURL, Headers: map[string]string{"Authorization": "Bearer x"}}
	server := domain.ServerConfig{ID: "pets", Name: "pets", Kind: domain.ServerKindOpenAPI, Status: domain.ServerStatusActive}

	tests := []struct {
		name          string
		src           usecase.SchemaSourceConfig
		mockSetup     func(*MockSchemaFetcher, *MockToolGenerator, *MockReloader)
		wantErr       bool
		expectErrText string
		wantSaved     bool
	}{
		{
			name: "Success - tools saved and server reloaded",
			src:  src,
			mockSetup: func(f *MockSchemaFetcher, g *MockToolGenerator, r *MockReloader) {
				f.On("FetchWithConfig", mock.Anything, src).Return(mockSchema, nil).Once()
				g.On("Generate", mockSchema).Return(mockDefs, nil).Once()
				r.On("Reload", mock.Anything, mock.MatchedBy(func(cfg domain.ServerConfig) bool {
					return len(cfg.Tools) == 1 && cfg.OpenAPISource == sourceURL
				})).Return(nil).Once()
			},
			wantSaved: true,
		},
		{
			name: "Success - server not running",
			src:  src,
			mockSetup: func(f *MockSchemaFetcher, g *MockToolGenerator, r *MockReloader) {
				f.On("FetchWithConfig", mock.Anything, src).Return(mockSchema, nil).Once()
				g.On("Generate", mockSchema).Return(mockDefs, nil).Once()
				r.On("Reload", mock.Anything, mock.Anything).
					Return(&domain.RegistrationError{ID: "pets", Err: domain.ErrServerNotFound}).Once()
			},
			wantSaved: true,
		},
		{
			name: "Failure - fetch error",
			src:  src,
			mockSetup: func(f *MockSchemaFetcher, g *MockToolGenerator, r *MockReloader) {
				f.On("FetchWithConfig", mock.Anything, src).Return(domain.APISchema{}, errors.New("fetch failed")).Once()
			},
			wantErr:       true,
			expectErrText: "failed to fetch schema from http://example.com/openapi.yaml: fetch failed",
		},
		{
			name: "Failure - generate error",
			src:  src,
			mockSetup: func(f *MockSchemaFetcher, g *MockToolGenerator, r *MockReloader) {
				f.On("FetchWithConfig", mock.Anything, src).Return(mockSchema, nil).Once()
				g.On("Generate", mockSchema).Return(nil, errors.New("generate failed")).Once()
			},
			wantErr:       true,
			expectErrText: "failed to generate tools for schema http://example.com/openapi.yaml: generate failed",
		},
		{
			name: "Failure - reload error keeps saved tools",
			src:  src,
			mockSetup: func(f *MockSchemaFetcher, g *MockToolGenerator, r *MockReloader) {
				f.On("FetchWithConfig", mock.Anything, src).Return(mockSchema, nil).Once()
				g.On("Generate", mockSchema).Return(mockDefs, nil).Once()
				r.On("Reload", mock.Anything, mock.Anything).Return(errors.New("compile failed")).Once()
			},
			wantErr:   true,
			wantSaved: true,
		},
		{
			name:          "Failure - no source",
			src:           usecase.SchemaSourceConfig{},
			mockSetup:     func(*MockSchemaFetcher, *MockToolGenerator, *MockReloader) {},
			wantErr:       true,
			expectErrText: "server pets has no schema source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := new(MockSchemaFetcher)
			generator := new(MockToolGenerator)
			reloader := new(MockReloader)
			repo := newMemServers(server)
			tt.mockSetup(fetcher, generator, reloader)

			uc := usecase.NewSyncSchemaUseCase(
				map[domain.SchemaType]usecase.SchemaFetcher{domain.SchemaTypeOpenAPI: fetcher},
				map[domain.SchemaType]usecase.ToolGenerator{domain.SchemaTypeOpenAPI: generator},
				repo, reloader, testLogger(),
			)
			defs, err := uc.Execute(ctx, "pets", tt.src)
			if tt.wantErr {
				require.Error(t, err)
				if tt.expectErrText != "" {
					assert.EqualError(t, err, tt.expectErrText)
				}
			} else {
				require.NoError(t, err)
				assert.Equal(t, mockDefs, defs)
			}

			stored, ok := repo.stored("pets")
			require.True(t, ok)
			if tt.wantSaved {
				assert.Equal(t, mockDefs, stored.Tools)
				assert.Equal(t, sourceURL, stored.OpenAPISource)
			} else {
				assert.Empty(t, stored.Tools)
			}
			fetcher.AssertExpectations(t)
			generator.AssertExpectations(t)
			reloader.AssertExpectations(t)
		})
	}
}

func TestSyncSchemaUseCase_UnknownServer(t *testing.T) {
	uc := usecase.NewSyncSchemaUseCase(nil, nil, newMemServers(), nil, testLogger())
	_, err := uc.Execute(context.Background(), "ghost", usecase.SchemaSourceConfig{URL: "http://x"})
	assert.ErrorIs(t, err, domain.ErrServerNotFound)
}
