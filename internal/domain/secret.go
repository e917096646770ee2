package domain

import "time"

// SecretRecord is a stored, encrypted secret owned by a user.
type SecretRecord struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	Environment string    `json:"environment,omitempty"`
	Value       string    `json:"-"` // encrypted
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SecretInputType selects between a literal value and a stored secret reference.
type SecretInputType string

const (
	SecretInputValue  SecretInputType = "value"
	SecretInputSecret SecretInputType = "secret"
)

// SecretInput is supplied at server creation time for each named secret.
type SecretInput struct {
	Type     SecretInputType `json:"type"`
	Value    string          `json:"value,omitempty"`
	SecretID string          `json:"secret_id,omitempty"`
}
