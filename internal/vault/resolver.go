package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/i2y/mcpgate/internal/domain"
)

// SecretStore persists encrypted secret records.
// Get returns domain.ErrSecretNotFound for unknown ids.
type SecretStore interface {
	GetSecret(ctx context.Context, id string) (*domain.SecretRecord, error)
	SaveSecret(ctx context.Context, rec *domain.SecretRecord) error
}

// Resolver materializes secret inputs into plaintext values.
type Resolver struct {
	vault  *Vault
	store  SecretStore
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver backed by store.
func NewResolver(v *Vault, store SecretStore, logger *slog.Logger) *Resolver {
	return &Resolver{
		vault:  v,
		store:  store,
		logger: logger.With("component", "secret_resolver"),
		now:    time.Now,
	}
}

// ResolveSecrets turns every input into its plaintext value. It is
// all-or-nothing: the first missing record or foreign owner aborts with a
// *domain.RegistrationError naming the offending key.
func (r *Resolver) ResolveSecrets(ctx context.Context, inputs map[string]domain.SecretInput, owner string) (map[string]any, error) {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(map[string]any, len(inputs))
	for _, key := range keys {
		in := inputs[key]
		switch in.Type {
		case domain.SecretInputValue, "":
			out[key] = in.Value
		case domain.SecretInputSecret:
			value, err := r.resolveStored(ctx, key, in.SecretID, owner)
			if err != nil {
				return nil, err
			}
			out[key] = value
		default:
			return nil, &domain.RegistrationError{Key: key, Err: fmt.Errorf("unknown secret input type %q", in.Type)}
		}
	}
	return out, nil
}

func (r *Resolver) resolveStored(ctx context.Context, key, id, owner string) (string, error) {
	rec, err := r.store.GetSecret(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrSecretNotFound) {
			r.logger.Warn("Secret reference not found", slog.String("key", key), slog.String("secret_id", id))
			return "", &domain.RegistrationError{Key: key, Err: domain.ErrSecretNotFound}
		}
		return "", fmt.Errorf("load secret %s: %w", id, err)
	}
	if rec.Owner != owner {
		r.logger.Warn("Secret reference owned by another user", slog.String("key", key), slog.String("secret_id", id))
		return "", &domain.RegistrationError{Key: key, Err: domain.ErrSecretPermission}
	}
	value, err := r.vault.DecryptString(rec.Value)
	if err != nil {
		return "", fmt.Errorf("secret %q: %w", key, err)
	}
	return value, nil
}

// CreateSecret encrypts value and stores it as a new record owned by owner.
func (r *Resolver) CreateSecret(ctx context.Context, owner, name, environment, value string) (*domain.SecretRecord, error) {
	if owner == "" || name == "" {
		return nil, errors.New("secret owner and name are required")
	}
	sealed, err := r.vault.EncryptString(value)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}
	now := r.now().UTC()
	rec := &domain.SecretRecord{
		ID:          uuid.NewString(),
		Owner:       owner,
		Name:        name,
		Environment: environment,
		Value:       sealed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.SaveSecret(ctx, rec); err != nil {
		return nil, fmt.Errorf("save secret: %w", err)
	}
	r.logger.Info("Secret created", slog.String("secret_id", rec.ID), slog.String("owner", owner), slog.String("name", name))
	return rec, nil
}
