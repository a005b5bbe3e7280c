package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/variable"
)

// VariableRepo — runtime-переменные durable scopes. Реализует variable.Persister.
type VariableRepo struct {
	pool *pgxpool.Pool
}

// NewVariableRepo создаёт новый VariableRepo.
func NewVariableRepo(pool *pgxpool.Pool) *VariableRepo {
	return &VariableRepo{pool: pool}
}

var _ variable.Persister = (*VariableRepo)(nil)

// SaveVariables применяет изменения одного scope в одной транзакции.
func (r *VariableRepo) SaveVariables(ctx context.Context, scopeID uuid.UUID, changes []variable.Change) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ch := range changes {
		v := ch.Variable

		if ch.Kind == variable.ChangeRemoved {
			if _, err := tx.Exec(ctx,
				`DELETE FROM variables WHERE scope_id = $1 AND name = $2`,
				scopeID, v.Name,
			); err != nil {
				return fmt.Errorf("delete variable %q: %w", v.Name, err)
			}
			continue
		}

		configJSON, err := json.Marshal(v.Config)
		if err != nil {
			return fmt.Errorf("marshal config of %q: %w", v.Name, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO variables (scope_id, name, format, config, serialized, source_scope_id, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (scope_id, name) DO UPDATE
			SET format = EXCLUDED.format,
			    config = EXCLUDED.config,
			    serialized = EXCLUDED.serialized,
			    source_scope_id = EXCLUDED.source_scope_id,
			    version = EXCLUDED.version,
			    updated_at = EXCLUDED.updated_at
		`,
			scopeID,
			v.Name,
			v.Format,
			configJSON,
			v.Serialized,
			v.SourceScopeID,
			v.Version,
			v.CreatedAt,
			v.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert variable %q: %w", v.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit variables: %w", err)
	}
	return nil
}

// LoadVariables читает все переменные scope, по имени.
func (r *VariableRepo) LoadVariables(ctx context.Context, scopeID uuid.UUID) ([]*domain.VariableInstance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, format, config, serialized, source_scope_id, version, created_at, updated_at
		FROM variables
		WHERE scope_id = $1
		ORDER BY name ASC
	`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("load variables: %w", err)
	}
	defer rows.Close()

	var out []*domain.VariableInstance
	for rows.Next() {
		v := &domain.VariableInstance{ScopeID: scopeID}
		var configJSON []byte

		if err := rows.Scan(
			&v.Name,
			&v.Format,
			&configJSON,
			&v.Serialized,
			&v.SourceScopeID,
			&v.Version,
			&v.CreatedAt,
			&v.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		if configJSON != nil {
			if err := json.Unmarshal(configJSON, &v.Config); err != nil {
				return nil, fmt.Errorf("unmarshal config of %q: %w", v.Name, err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteScopes удаляет переменные уничтоженных scope.
func (r *VariableRepo) DeleteScopes(ctx context.Context, scopeIDs []uuid.UUID) error {
	if len(scopeIDs) == 0 {
		return nil
	}
	ids := make([]string, len(scopeIDs))
	for i, id := range scopeIDs {
		ids[i] = id.String()
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM variables WHERE scope_id = ANY($1::uuid[])`, ids); err != nil {
		return fmt.Errorf("delete scopes: %w", err)
	}
	return nil
}
