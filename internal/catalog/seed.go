package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Seeder materialises a Catalog into the authorization store. Seeding is
// idempotent and safe to run concurrently from multiple replicas: every
// statement is an individually atomic upsert, descriptive fields are
// refreshed on conflict, and existing grant relationships are never touched.
type Seeder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewSeeder constructs a Seeder.
func NewSeeder(pool *pgxpool.Pool, logger *slog.Logger) *Seeder {
	return &Seeder{pool: pool, logger: logger}
}

// Seed upserts the catalog's permissions, system roles and default grants.
// A persistence error aborts the attempt; partial seeding is safe to retry.
func (s *Seeder) Seed(ctx context.Context, c Catalog) error {
	if err := c.Validate(); err != nil {
		return err
	}

	for _, p := range c.Permissions {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO permissions (name, resource, action, category, description, is_system)
			 VALUES ($1, $2, $3, $4, $5, TRUE)
			 ON CONFLICT (name)
			 DO UPDATE SET category = EXCLUDED.category, description = EXCLUDED.description, updated_at = NOW()`,
			p.Name, p.Resource(), p.Action(), p.Category, p.Description,
		); err != nil {
			return fmt.Errorf("catalog: seed permission %s: %w", p.Name, err)
		}
	}

	for _, r := range c.Roles {
		var roleID int64
		if err := s.pool.QueryRow(ctx,
			`INSERT INTO roles (name, description, organization_id, is_system, is_custom, priority)
			 VALUES ($1, $2, NULL, TRUE, FALSE, $3)
			 ON CONFLICT (name) WHERE organization_id IS NULL
			 DO UPDATE SET description = EXCLUDED.description, priority = EXCLUDED.priority, updated_at = NOW()
			 RETURNING id`,
			r.Name, r.Description, r.Priority,
		).Scan(&roleID); err != nil {
			return fmt.Errorf("catalog: seed role %s: %w", r.Name, err)
		}

		for _, grant := range r.Grants {
			if _, err := s.pool.Exec(ctx,
				`INSERT INTO role_permissions (role_id, permission_id, granted)
				 SELECT $1, id, TRUE FROM permissions WHERE name = $2
				 ON CONFLICT (role_id, permission_id) DO NOTHING`,
				roleID, grant,
			); err != nil {
				return fmt.Errorf("catalog: seed grant %s -> %s: %w", r.Name, grant, err)
			}
		}
	}

	if s.logger != nil {
		s.logger.Info("catalog seeded",
			slog.String("version", c.Version),
			slog.Int("permissions", len(c.Permissions)),
			slog.Int("roles", len(c.Roles)),
		)
	}
	return nil
}
