package repository

// Schema DDL for the orchestrator database. Applied by operators or by
// sagactl migrate; the service itself never runs DDL.
const (
	CreateSchemaSQL = `CREATE SCHEMA IF NOT EXISTS orchestrator`

	CreateWorkflowDefinitionsSQL = `
CREATE TABLE IF NOT EXISTS orchestrator.workflow_definitions (
    id          BIGSERIAL PRIMARY KEY,
    name        VARCHAR(128) NOT NULL,
    version     INT NOT NULL,
    enabled     BOOLEAN NOT NULL DEFAULT TRUE,
    steps       JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (name, version)
)`

	CreateSagaInstancesSQL = `
CREATE TABLE IF NOT EXISTS orchestrator.saga_instances (
    saga_id          VARCHAR(64) PRIMARY KEY,
    workflow_name    VARCHAR(128) NOT NULL,
    workflow_version INT NOT NULL,
    payload          JSONB NOT NULL DEFAULT '{}',
    status           VARCHAR(16) NOT NULL,
    current_step_id  VARCHAR(128),
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    correlation_id   VARCHAR(128),
    initiated_by     VARCHAR(128),
    error            TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_saga_instances_status
    ON orchestrator.saga_instances (status);
CREATE INDEX IF NOT EXISTS idx_saga_instances_workflow
    ON orchestrator.saga_instances (workflow_name, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_saga_instances_correlation
    ON orchestrator.saga_instances (correlation_id) WHERE correlation_id IS NOT NULL`

	CreateStepExecutionLogsSQL = `
CREATE TABLE IF NOT EXISTS orchestrator.step_execution_logs (
    id          BIGSERIAL PRIMARY KEY,
    saga_id     VARCHAR(64) NOT NULL REFERENCES orchestrator.saga_instances (saga_id),
    step_id     VARCHAR(128) NOT NULL,
    direction   VARCHAR(16) NOT NULL,
    attempt     INT NOT NULL,
    status      VARCHAR(16) NOT NULL,
    error       TEXT,
    started_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_step_logs_saga
    ON orchestrator.step_execution_logs (saga_id, step_id, direction, attempt)`
)

// MigrationStatements returns all DDL in application order.
func MigrationStatements() []string {
	return []string{
		CreateSchemaSQL,
		CreateWorkflowDefinitionsSQL,
		CreateSagaInstancesSQL,
		CreateStepExecutionLogsSQL,
	}
}
