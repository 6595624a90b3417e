package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ratewatch/internal/models"
)

// Store is the injected runtime key-value config client. Values live
// in the app_config table so every service instance sees the same
// state; there is no process-wide mutable config.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// PostgresStore implements Store over the app_config table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM app_config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %q: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO app_config (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("set config %q: %w", key, err)
	}
	return nil
}

// LendersKey holds the JSON lender registry in the config store.
const LendersKey = "lenders"

// Lenders returns the configured lender registry, falling back to the
// built-in defaults when the config store has no override.
func Lenders(ctx context.Context, store Store) ([]models.Lender, error) {
	raw, found, err := store.Get(ctx, LendersKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return DefaultLenders(), nil
	}
	var lenders []models.Lender
	if err := json.Unmarshal([]byte(raw), &lenders); err != nil {
		return nil, fmt.Errorf("decode lender registry: %w", err)
	}
	if len(lenders) == 0 {
		return DefaultLenders(), nil
	}
	return lenders, nil
}

// Registry adapts the config store to the Lenders(ctx) surface the
// pipeline components consume.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) Lenders(ctx context.Context) ([]models.Lender, error) {
	return Lenders(ctx, r.store)
}

// DefaultLenders is the built-in registry used until an operator
// writes an override into the config store.
func DefaultLenders() []models.Lender {
	return []models.Lender{
		{Code: "anz", Name: "ANZ", CDRBaseURL: "https://api.anz/cds-au/v1", SeedURLs: []string{"https://www.anz.com.au/personal/home-loans/compare-home-loans/"}},
		{Code: "cba", Name: "Commonwealth Bank", CDRBaseURL: "https://api.commbank.com.au/public/cds-au/v1", SeedURLs: []string{"https://www.commbank.com.au/home-loans/interest-rates.html"}},
		{Code: "nab", Name: "NAB", CDRBaseURL: "https://openbank.api.nab.com.au/cds-au/v1", SeedURLs: []string{"https://www.nab.com.au/personal/home-loans/interest-rates"}},
		{Code: "wbc", Name: "Westpac", CDRBaseURL: "https://digital-api.westpac.com.au/cds-au/v1", SeedURLs: []string{"https://www.westpac.com.au/personal-banking/home-loans/interest-rates/"}},
		{Code: "mqg", Name: "Macquarie", CDRBaseURL: "https://api.macquariebank.io/cds-au/v1", SeedURLs: []string{"https://www.macquarie.com.au/home-loans/interest-rates.html"}},
		{Code: "ing", Name: "ING", CDRBaseURL: "https://id.ob.ing.com.au/cds-au/v1", SeedURLs: []string{"https://www.ing.com.au/home-loans/interest-rates.html"}},
		{Code: "ben", Name: "Bendigo Bank", CDRBaseURL: "https://api.cdr.bendigobank.com.au/cds-au/v1", SeedURLs: []string{"https://www.bendigobank.com.au/personal/home-loans/interest-rates/"}},
		{Code: "boq", Name: "Bank of Queensland", CDRBaseURL: "https://api.cds.boq.com.au/cds-au/v1", SeedURLs: []string{"https://www.boq.com.au/personal/home-loans/interest-rates"}},
	}
}
