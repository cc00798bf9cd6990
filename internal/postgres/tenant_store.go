package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// TenantStore is the read-only view of the tenants table the cache needs.
type TenantStore interface {
	ListAll(ctx context.Context) ([]*domain.Tenant, error)
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
}

type tenantStore struct {
	pool *pgxpool.Pool
}

// NewTenantStore wraps a pgxpool with the TenantStore interface.
func NewTenantStore(pool *pgxpool.Pool) TenantStore {
	return &tenantStore{pool: pool}
}

const tenantColumns = `id, name, hostnames, settings, version, updated_at`

func (s *tenantStore) ListAll(ctx context.Context) ([]*domain.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

func (s *tenantStore) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TenantNotFoundError{TenantID: id}
		}
		return nil, err
	}
	return t, nil
}

func scanTenant(row pgx.Row) (*domain.Tenant, error) {
	var (
		t        domain.Tenant
		settings []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Hostnames, &settings, &t.Version, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.Settings = settings
	return &t, nil
}
