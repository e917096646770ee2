package vault_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/vault"
)

// MockSecretStore is a mock implementation of vault.SecretStore.
type MockSecretStore struct {
	mock.Mock
}

func (m *MockSecretStore) GetSecret(ctx context.Context, id string) (*domain.SecretRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SecretRecord), args.Error(1)
}

func (m *MockSecretStore) SaveSecret(ctx context.Context, rec *domain.SecretRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func TestResolver_ResolveSecrets(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, 3)
	sealed, err := v.EncryptString("stored-token")
	require.NoError(t, err)

	aliceRecord := &domain.SecretRecord{ID: "sec-1", Owner: "alice", Name: "token", Value: sealed}

	tests := []struct {
		name      string
		mockSetup func(*MockSecretStore)
		inputs    map[string]domain.SecretInput
		owner     string
		want      map[string]any
		wantErr   error
		wantKey   string
	}{
		{
			name:      "literal values",
			mockSetup: func(*MockSecretStore) {},
			inputs: map[string]domain.SecretInput{
				"api_key": {Type: domain.SecretInputValue, Value: "plain"},
			},
			owner: "alice",
			want:  map[string]any{"api_key": "plain"},
		},
		{
			name: "stored secret",
			mockSetup: func(s *MockSecretStore) {
				s.On("GetSecret", mock.Anything, "sec-1").Return(aliceRecord, nil).Once()
			},
			inputs: map[string]domain.SecretInput{
				"token": {Type: domain.SecretInputSecret, SecretID: "sec-1"},
				"other": {Type: domain.SecretInputValue, Value: "x"},
			},
			owner: "alice",
			want:  map[string]any{"token": "stored-token", "other": "x"},
		},
		{
			name: "missing record",
			mockSetup: func(s *MockSecretStore) {
				s.On("GetSecret", mock.Anything, "gone").Return(nil, domain.ErrSecretNotFound).Once()
			},
			inputs: map[string]domain.SecretInput{
				"token": {Type: domain.SecretInputSecret, SecretID: "gone"},
			},
			owner:   "alice",
			wantErr: domain.ErrSecretNotFound,
			wantKey: "token",
		},
		{
			name: "foreign owner",
			mockSetup: func(s *MockSecretStore) {
				s.On("GetSecret", mock.Anything, "sec-1").Return(aliceRecord, nil).Once()
			},
			inputs: map[string]domain.SecretInput{
				"token": {Type: domain.SecretInputSecret, SecretID: "sec-1"},
			},
			owner:   "mallory",
			wantErr: domain.ErrSecretPermission,
			wantKey: "token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(MockSecretStore)
			tt.mockSetup(store)
			r := vault.NewResolver(v, store, testLogger())

			got, err := r.ResolveSecrets(ctx, tt.inputs, tt.owner)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				var re *domain.RegistrationError
				require.True(t, errors.As(err, &re))
				assert.Equal(t, tt.wantKey, re.Key)
				assert.Nil(t, got, "resolution is all-or-nothing")
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			store.AssertExpectations(t)
		})
	}
}

func TestResolver_CreateSecret(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, 4)
	store := new(MockSecretStore)

	var saved *domain.SecretRecord
	store.On("SaveSecret", mock.Anything, mock.AnythingOfType("*domain.SecretRecord")).
		Run(func(args mock.Arguments) { saved = args.Get(1).(*domain.SecretRecord) }).
		Return(nil).Once()

	r := vault.NewResolver(v, store, testLogger())
	rec, err := r.CreateSecret(ctx, "alice", "github", "prod", "ghp_123")
	require.NoError(t, err)
	require.NotNil(t, saved)

	assert.Equal(t, rec, saved)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "alice", rec.Owner)
	assert.NotEqual(t, "ghp_123", rec.Value, "stored encrypted")

	plain, err := v.DecryptString(rec.Value)
	require.NoError(t, err)
	assert.Equal(t, "ghp_123", plain)
	store.AssertExpectations(t)
}

func TestResolver_CreateSecret_Validation(t *testing.T) {
	r := vault.NewResolver(newVault(t, 4), new(MockSecretStore), testLogger())
	_, err := r.CreateSecret(context.Background(), "", "name", "", "v")
	assert.Error(t, err)
}
