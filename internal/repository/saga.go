package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stackplane/orchestrator/internal/types"
	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
)

// PostgresSagaStore persists saga instances and step execution logs.
// Status changes go through conditional UPDATEs keyed on the expected
// status, which is what makes Transition a compare-and-set.
type PostgresSagaStore struct {
	db *sql.DB
}

func NewPostgresSagaStore(db *sql.DB) *PostgresSagaStore {
	return &PostgresSagaStore{db: db}
}

const sagaColumns = `saga_id, workflow_name, workflow_version, payload, status,
	COALESCE(current_step_id, ''), cancel_requested,
	COALESCE(correlation_id, ''), COALESCE(initiated_by, ''),
	COALESCE(error, ''), created_at, updated_at`

func (s *PostgresSagaStore) Create(ctx context.Context, instance *types.SagaInstance) error {
	query := `
		INSERT INTO orchestrator.saga_instances
		(saga_id, workflow_name, workflow_version, payload, status,
		 correlation_id, initiated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`
	_, err := s.db.ExecContext(ctx, query,
		instance.SagaID, instance.WorkflowName, instance.WorkflowVersion,
		[]byte(instance.Payload), instance.Status,
		nullString(instance.CorrelationID), nullString(instance.InitiatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ocerrors.Newf(ocerrors.CodeAlreadyExists, "saga %s already exists", instance.SagaID)
		}
		return fmt.Errorf("insert saga instance: %w", err)
	}
	return nil
}

func (s *PostgresSagaStore) Find(ctx context.Context, sagaID string) (*types.SagaInstance, error) {
	query := fmt.Sprintf(`SELECT %s FROM orchestrator.saga_instances WHERE saga_id = $1`, sagaColumns)
	return scanSaga(s.db.QueryRowContext(ctx, query, sagaID))
}

func (s *PostgresSagaStore) List(ctx context.Context, filter types.SagaFilter) ([]*types.SagaInstance, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if filter.WorkflowName != "" {
		where += fmt.Sprintf(" AND workflow_name = $%d", argIdx)
		args = append(args, filter.WorkflowName)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		placeholders := ""
		for i, st := range filter.Statuses {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += fmt.Sprintf("$%d", argIdx)
			args = append(args, st)
			argIdx++
		}
		where += fmt.Sprintf(" AND status IN (%s)", placeholders)
	}
	if filter.CorrelationID != "" {
		where += fmt.Sprintf(" AND correlation_id = $%d", argIdx)
		args = append(args, filter.CorrelationID)
		argIdx++
	}
	if filter.CreatedAfter != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filter.CreatedAfter)
		argIdx++
	}
	if filter.CreatedBefore != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *filter.CreatedBefore)
		argIdx++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM orchestrator.saga_instances" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sagas: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM orchestrator.saga_instances`, sagaColumns) +
		where + " ORDER BY created_at DESC" + fmt.Sprintf(" LIMIT %d", limit)
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	var instances []*types.SagaInstance
	for rows.Next() {
		instance, err := scanSagaRows(rows)
		if err != nil {
			return nil, 0, err
		}
		instances = append(instances, instance)
	}
	return instances, total, rows.Err()
}

func (s *PostgresSagaStore) Transition(ctx context.Context, sagaID string, expected, next types.Status, currentStepID *string) (bool, error) {
	var (
		result sql.Result
		err    error
	)
	if currentStepID != nil {
		query := `
			UPDATE orchestrator.saga_instances
			SET status = $1, current_step_id = $2, updated_at = NOW()
			WHERE saga_id = $3 AND status = $4
		`
		result, err = s.db.ExecContext(ctx, query, next, nullString(*currentStepID), sagaID, expected)
	} else {
		query := `
			UPDATE orchestrator.saga_instances
			SET status = $1, updated_at = NOW()
			WHERE saga_id = $2 AND status = $3
		`
		result, err = s.db.ExecContext(ctx, query, next, sagaID, expected)
	}
	if err != nil {
		return false, fmt.Errorf("transition saga %s: %w", sagaID, err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (s *PostgresSagaStore) Cancel(ctx context.Context, sagaID string) (bool, error) {
	query := `
		UPDATE orchestrator.saga_instances
		SET status = $1, cancel_requested = TRUE, updated_at = NOW()
		WHERE saga_id = $2 AND status IN ($3, $4)
	`
	result, err := s.db.ExecContext(ctx, query,
		types.StatusCompensating, sagaID, types.StatusPending, types.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("cancel saga %s: %w", sagaID, err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (s *PostgresSagaStore) RetryFailed(ctx context.Context, sagaID string) (bool, error) {
	query := `
		UPDATE orchestrator.saga_instances
		SET status = $1, error = NULL, updated_at = NOW()
		WHERE saga_id = $2 AND status = $3
	`
	result, err := s.db.ExecContext(ctx, query, types.StatusCompensating, sagaID, types.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("retry saga %s: %w", sagaID, err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (s *PostgresSagaStore) SetError(ctx context.Context, sagaID, message string) error {
	query := `
		UPDATE orchestrator.saga_instances
		SET error = $1, updated_at = NOW()
		WHERE saga_id = $2
	`
	_, err := s.db.ExecContext(ctx, query, nullString(message), sagaID)
	if err != nil {
		return fmt.Errorf("set saga error: %w", err)
	}
	return nil
}

func (s *PostgresSagaStore) ListNonTerminal(ctx context.Context) ([]string, error) {
	query := `
		SELECT saga_id FROM orchestrator.saga_instances
		WHERE status IN ($1, $2, $3)
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query,
		types.StatusPending, types.StatusRunning, types.StatusCompensating)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal sagas: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan saga id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresSagaStore) AppendLog(ctx context.Context, entry *types.StepExecutionLog) (int64, error) {
	query := `
		INSERT INTO orchestrator.step_execution_logs
		(saga_id, step_id, direction, attempt, status, started_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id
	`
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		entry.SagaID, entry.StepID, entry.Direction, entry.Attempt, types.StepStarted,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append step log: %w", err)
	}
	return id, nil
}

func (s *PostgresSagaStore) FinishLog(ctx context.Context, logID int64, status types.StepStatus, errMsg string) error {
	query := `
		UPDATE orchestrator.step_execution_logs
		SET status = $1, error = $2, finished_at = NOW()
		WHERE id = $3
	`
	_, err := s.db.ExecContext(ctx, query, status, nullString(errMsg), logID)
	if err != nil {
		return fmt.Errorf("finish step log: %w", err)
	}
	return nil
}

func (s *PostgresSagaStore) LogsFor(ctx context.Context, sagaID string) ([]types.StepExecutionLog, error) {
	query := `
		SELECT id, saga_id, step_id, direction, attempt, status,
		       COALESCE(error, ''), started_at, finished_at
		FROM orchestrator.step_execution_logs
		WHERE saga_id = $1
		ORDER BY step_id, direction, attempt
	`
	rows, err := s.db.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, fmt.Errorf("query step logs: %w", err)
	}
	defer rows.Close()

	var logs []types.StepExecutionLog
	for rows.Next() {
		var (
			entry      types.StepExecutionLog
			finishedAt sql.NullTime
		)
		if err := rows.Scan(
			&entry.ID, &entry.SagaID, &entry.StepID, &entry.Direction,
			&entry.Attempt, &entry.Status, &entry.Error, &entry.StartedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step log: %w", err)
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			entry.FinishedAt = &t
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSaga(row *sql.Row) (*types.SagaInstance, error) {
	instance, err := scanSagaFrom(row)
	if err == sql.ErrNoRows {
		return nil, ocerrors.New(ocerrors.CodeNotFound, "saga not found")
	}
	return instance, err
}

func scanSagaRows(rows *sql.Rows) (*types.SagaInstance, error) {
	return scanSagaFrom(rows)
}

func scanSagaFrom(scanner rowScanner) (*types.SagaInstance, error) {
	var (
		instance types.SagaInstance
		payload  []byte
	)
	err := scanner.Scan(
		&instance.SagaID, &instance.WorkflowName, &instance.WorkflowVersion,
		&payload, &instance.Status, &instance.CurrentStepID, &instance.CancelRequested,
		&instance.CorrelationID, &instance.InitiatedBy, &instance.Error,
		&instance.CreatedAt, &instance.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan saga instance: %w", err)
	}
	instance.Payload = payload
	return &instance, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Ensure PostgresSagaStore implements SagaStore.
var _ SagaStore = (*PostgresSagaStore)(nil)
