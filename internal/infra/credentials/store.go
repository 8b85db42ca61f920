// Package credentials resolves provider API keys, preferring explicit
// configuration and falling back to the integration_tokens table.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"slidegen/internal/infra"
	"slidegen/internal/sqlinline"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderSpeech = "speech"
)

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Token returns the stored token for provider, or "" when none is recorded.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	if s == nil || s.sql == nil {
		return "", nil
	}
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("load %s token: %w", provider, err)
	}
	return strings.TrimSpace(token), nil
}

// Resolve returns configured when it is non-blank, otherwise the stored token.
func (s *Store) Resolve(ctx context.Context, provider, configured string) (string, error) {
	if v := strings.TrimSpace(configured); v != "" {
		return v, nil
	}
	return s.Token(ctx, provider)
}

// SetToken upserts the token for provider. It reports false when the same
// token was already stored.
func (s *Store) SetToken(ctx context.Context, provider, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, fmt.Errorf("%s api key is required", provider)
	}
	raw, err := json.Marshal(map[string]any{"set_by": "providerkey"})
	if err != nil {
		return false, err
	}
	tag, err := s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	if err != nil {
		return false, fmt.Errorf("store %s token: %w", provider, err)
	}
	return tag.RowsAffected() > 0, nil
}

// TokenInfo describes a stored key without exposing it.
type TokenInfo struct {
	Provider  string
	Suffix    string
	UpdatedAt time.Time
}

// Tokens lists the stored keys by provider.
func (s *Store) Tokens(ctx context.Context) ([]TokenInfo, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QListIntegrationTokens)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []TokenInfo
	for rows.Next() {
		var info TokenInfo
		if err := rows.Scan(&info.Provider, &info.Suffix, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteToken removes the stored key for provider and reports whether one existed.
func (s *Store) DeleteToken(ctx context.Context, provider string) (bool, error) {
	tag, err := s.sql.Exec(ctx, sqlinline.QDeleteIntegrationToken, provider)
	if err != nil {
		return false, fmt.Errorf("delete %s token: %w", provider, err)
	}
	return tag.RowsAffected() > 0, nil
}
