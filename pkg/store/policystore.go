package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/latticeauth/abac/pkg/policy"
)

// PostgresStore is a PolicyStore backed by a `policies` table with a JSONB
// document column holding one interchange-format policy per row. Both
// PostgresStore and FileStore route through the same policy.Builder, so a
// fixture loaded from either backend produces an identical *policy.Policy.
type PostgresStore struct {
	Pool    *pgxpool.Pool
	Table   string
	builder policy.Builder
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, Table: "policies"}
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]*policy.Policy, error) {
	table := s.Table
	if table == "" {
		table = "policies"
	}
	rows, err := s.Pool.Query(ctx, fmt.Sprintf("SELECT document FROM %s ORDER BY name", table))
	if err != nil {
		return nil, fmt.Errorf("postgres store: query: %w: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []*policy.Policy
	for rows.Next() {
		var doc json.RawMessage
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("postgres store: scan: %w: %v", ErrBackendUnavailable, err)
		}
		p, err := s.builder.Build(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: rows: %w: %v", ErrBackendUnavailable, err)
	}
	return out, nil
}

func (s *PostgresStore) LoadByName(ctx context.Context, name string) (*policy.Policy, error) {
	table := s.Table
	if table == "" {
		table = "policies"
	}
	var doc json.RawMessage
	err := s.Pool.QueryRow(ctx, fmt.Sprintf("SELECT document FROM %s WHERE name = $1", table), name).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres store: %s: %w", name, ErrPolicyNotFound)
		}
		return nil, fmt.Errorf("postgres store: query %s: %w: %v", name, ErrBackendUnavailable, err)
	}
	return s.builder.Build(doc)
}
