package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/auth"
	"github.com/Mindburn-Labs/estop/pkg/permission"
)

// PostgresRegistry implements Registry with SQL persistence.
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

const pgRegistrySchema = `
CREATE TABLE IF NOT EXISTS registry_roles (
	contact UUID NOT NULL,
	capability TEXT NOT NULL,
	account UUID NOT NULL,
	granted_at TIMESTAMP NOT NULL,
	PRIMARY KEY (contact, capability, account)
);

CREATE TABLE IF NOT EXISTS registry_admins (
	contact UUID NOT NULL,
	account UUID NOT NULL,
	PRIMARY KEY (contact, account)
);
`

func (r *PostgresRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, pgRegistrySchema)
	return err
}

// SetAdmin pre-authorizes an account as administrator of a contact.
func (r *PostgresRegistry) SetAdmin(ctx context.Context, contact, account uuid.UUID) error {
	query := `
		INSERT INTO registry_admins (contact, account)
		VALUES ($1, $2)
		ON CONFLICT (contact, account) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, contact, account)
	return err
}

func (r *PostgresRegistry) HasRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM registry_roles WHERE contact = $1 AND capability = $2 AND account = $3)",
		contact, capability.String(), account,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("role lookup failed: %w", err)
	}
	return exists, nil
}

func (r *PostgresRegistry) GrantRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) error {
	if err := r.authorize(ctx, contact); err != nil {
		return err
	}
	query := `
		INSERT INTO registry_roles (contact, capability, account, granted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contact, capability, account) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, contact, capability.String(), account, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("grant failed: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) RevokeRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) error {
	if err := r.authorize(ctx, contact); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM registry_roles WHERE contact = $1 AND capability = $2 AND account = $3",
		contact, capability.String(), account,
	)
	if err != nil {
		return fmt.Errorf("revoke failed: %w", err)
	}
	return nil
}

// authorize checks the acting account against the contact's admins, counting
// a root-capability holder as unrestricted admin.
func (r *PostgresRegistry) authorize(ctx context.Context, contact uuid.UUID) error {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: no actor bound to context", ErrNotAuthorized)
	}
	query := `
		SELECT EXISTS(SELECT 1 FROM registry_admins WHERE contact = $1 AND account = $2)
		    OR EXISTS(SELECT 1 FROM registry_roles WHERE contact = $1 AND capability = $3 AND account = $2)
	`
	var authorized bool
	if err := r.db.QueryRowContext(ctx, query, contact, actor, permission.Root.String()).Scan(&authorized); err != nil {
		return fmt.Errorf("authorization lookup failed: %w", err)
	}
	if !authorized {
		return fmt.Errorf("%w: account %s on contact %s", ErrNotAuthorized, actor, contact)
	}
	return nil
}
