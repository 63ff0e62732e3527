package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/stackplane/orchestrator/internal/types"
	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
)

// PostgresWorkflowRepository stores workflow definitions in the
// orchestrator.workflow_definitions table. Step chains are serialized as a
// JSONB array; rows are never updated in place.
type PostgresWorkflowRepository struct {
	db *sql.DB
}

func NewPostgresWorkflowRepository(db *sql.DB) *PostgresWorkflowRepository {
	return &PostgresWorkflowRepository{db: db}
}

func (r *PostgresWorkflowRepository) Create(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}

	query := `
		INSERT INTO orchestrator.workflow_definitions (name, version, enabled, steps, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`
	created := *def
	err = r.db.QueryRowContext(ctx, query, def.Name, def.Version, def.Enabled, stepsJSON).
		Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ocerrors.Newf(ocerrors.CodeAlreadyExists,
				"workflow %s version %d already registered", def.Name, def.Version)
		}
		return nil, fmt.Errorf("insert workflow definition: %w", err)
	}
	return &created, nil
}

func (r *PostgresWorkflowRepository) Get(ctx context.Context, name string, version int) (*types.WorkflowDefinition, error) {
	var row *sql.Row
	if version > 0 {
		query := `
			SELECT id, name, version, enabled, steps, created_at
			FROM orchestrator.workflow_definitions
			WHERE name = $1 AND version = $2
		`
		row = r.db.QueryRowContext(ctx, query, name, version)
	} else {
		query := `
			SELECT id, name, version, enabled, steps, created_at
			FROM orchestrator.workflow_definitions
			WHERE name = $1 AND enabled = TRUE
			ORDER BY version DESC
			LIMIT 1
		`
		row = r.db.QueryRowContext(ctx, query, name)
	}
	return scanWorkflow(row)
}

func (r *PostgresWorkflowRepository) List(ctx context.Context, enabledOnly bool) ([]types.WorkflowSummary, error) {
	query := `
		SELECT name, version, enabled, jsonb_array_length(steps), created_at
		FROM orchestrator.workflow_definitions
	`
	if enabledOnly {
		query += " WHERE enabled = TRUE"
	}
	query += " ORDER BY name, version DESC"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list workflow definitions: %w", err)
	}
	defer rows.Close()

	var summaries []types.WorkflowSummary
	for rows.Next() {
		var s types.WorkflowSummary
		if err := rows.Scan(&s.Name, &s.Version, &s.Enabled, &s.StepCount, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func scanWorkflow(row *sql.Row) (*types.WorkflowDefinition, error) {
	var (
		def       types.WorkflowDefinition
		stepsJSON []byte
	)
	err := row.Scan(&def.ID, &def.Name, &def.Version, &def.Enabled, &stepsJSON, &def.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ocerrors.New(ocerrors.CodeNotFound, "workflow definition not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow definition: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &def, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}

// Ensure PostgresWorkflowRepository implements WorkflowRepository.
var _ WorkflowRepository = (*PostgresWorkflowRepository)(nil)
