// sagactl is the operator tool: schema migration, saga inspection, stuck-saga
// sweeps and the retry escape hatch for failed sagas. It talks straight to
// the database, not to the orchestrator API.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/stackplane/orchestrator/internal/repository"
	"github.com/stackplane/orchestrator/internal/types"
)

const usage = `usage: sagactl <command> [flags]

commands:
  migrate   apply the database schema
  list      list saga instances
  show      show one saga with its execution log
  retry     move a FAILED saga back to COMPENSATING
  cancel    request cancellation of a PENDING or RUNNING saga
  sweep     report (or watch) sagas stuck in a non-terminal status
`

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if len(args) == 0 {
		fmt.Fprint(errOut, usage)
		return 2
	}
	command, rest := args[0], args[1:]

	fs := flag.NewFlagSet("sagactl "+command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dbURL := fs.String("db-url", os.Getenv("DB_URL"), "PostgreSQL connection string")
	sagaID := fs.String("saga", "", "saga id")
	workflow := fs.String("workflow", "", "filter by workflow name")
	status := fs.String("status", "", "filter by status (comma separated)")
	limit := fs.Int("limit", 50, "max rows")
	olderThan := fs.Duration("older-than", 10*time.Minute, "sweep: age threshold for stuck sagas")
	cronExpr := fs.String("cron", "", "sweep: cron expression to run repeatedly")

	if err := fs.Parse(rest); err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if strings.TrimSpace(*dbURL) == "" {
		fmt.Fprintln(errOut, "missing required --db-url (or DB_URL)")
		return 2
	}

	db, err := opener(*dbURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	store := repository.NewPostgresSagaStore(db)

	switch command {
	case "migrate":
		return runMigrate(ctx, db, out, errOut)
	case "list":
		return runList(ctx, store, out, errOut, *workflow, *status, *limit)
	case "show":
		return runShow(ctx, store, out, errOut, *sagaID)
	case "retry":
		return runRetry(ctx, store, out, errOut, *sagaID)
	case "cancel":
		return runCancel(ctx, store, out, errOut, *sagaID)
	case "sweep":
		if *cronExpr != "" {
			return runScheduledSweep(ctx, db, out, errOut, *olderThan, *cronExpr)
		}
		return runSweep(ctx, db, out, errOut, *olderThan)
	default:
		fmt.Fprint(errOut, usage)
		return 2
	}
}

func runMigrate(ctx context.Context, db *sql.DB, out, errOut io.Writer) int {
	for _, stmt := range repository.MigrationStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			fmt.Fprintf(errOut, "migration failed: %v\n", err)
			return 2
		}
	}
	fmt.Fprintln(out, "schema up to date")
	return 0
}

func runList(ctx context.Context, store repository.SagaStore, out, errOut io.Writer,
	workflow, status string, limit int) int {

	filter := types.SagaFilter{WorkflowName: workflow, Limit: limit}
	for _, s := range strings.Split(status, ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.Statuses = append(filter.Statuses, types.Status(strings.ToUpper(s)))
		}
	}

	instances, total, err := store.List(ctx, filter)
	if err != nil {
		fmt.Fprintf(errOut, "list failed: %v\n", err)
		return 2
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SAGA\tWORKFLOW\tVER\tSTATUS\tSTEP\tAGE\tERROR")
	for _, instance := range instances {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			instance.SagaID, instance.WorkflowName, instance.WorkflowVersion,
			instance.Status, instance.CurrentStepID,
			time.Since(instance.CreatedAt).Round(time.Second),
			firstLine(instance.Error))
	}
	w.Flush()
	fmt.Fprintf(out, "%d of %d sagas\n", len(instances), total)
	return 0
}

func runShow(ctx context.Context, store repository.SagaStore, out, errOut io.Writer, sagaID string) int {
	if sagaID == "" {
		fmt.Fprintln(errOut, "missing required --saga")
		return 2
	}
	instance, err := store.Find(ctx, sagaID)
	if err != nil {
		fmt.Fprintf(errOut, "show failed: %v\n", err)
		return 2
	}
	logs, err := store.LogsFor(ctx, sagaID)
	if err != nil {
		fmt.Fprintf(errOut, "load logs failed: %v\n", err)
		return 2
	}

	payload, _ := json.MarshalIndent(instance, "", "  ")
	fmt.Fprintln(out, string(payload))
	if len(logs) == 0 {
		return 0
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tDIRECTION\tATTEMPT\tSTATUS\tDURATION\tERROR")
	for _, entry := range logs {
		duration := "-"
		if entry.FinishedAt != nil {
			duration = entry.FinishedAt.Sub(entry.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			entry.StepID, entry.Direction, entry.Attempt, entry.Status, duration, firstLine(entry.Error))
	}
	w.Flush()
	return 0
}

func runRetry(ctx context.Context, store repository.SagaStore, out, errOut io.Writer, sagaID string) int {
	if sagaID == "" {
		fmt.Fprintln(errOut, "missing required --saga")
		return 2
	}
	ok, err := store.RetryFailed(ctx, sagaID)
	if err != nil {
		fmt.Fprintf(errOut, "retry failed: %v\n", err)
		return 2
	}
	if !ok {
		fmt.Fprintln(errOut, "saga is not in FAILED status")
		return 1
	}
	fmt.Fprintf(out, "saga %s moved to COMPENSATING; the orchestrator will pick it up\n", sagaID)
	return 0
}

func runCancel(ctx context.Context, store repository.SagaStore, out, errOut io.Writer, sagaID string) int {
	if sagaID == "" {
		fmt.Fprintln(errOut, "missing required --saga")
		return 2
	}
	ok, err := store.Cancel(ctx, sagaID)
	if err != nil {
		fmt.Fprintf(errOut, "cancel failed: %v\n", err)
		return 2
	}
	if !ok {
		fmt.Fprintln(errOut, "saga is not PENDING or RUNNING")
		return 1
	}
	fmt.Fprintf(out, "saga %s cancellation requested\n", sagaID)
	return 0
}

const stuckSagasQuery = `
SELECT saga_id, workflow_name, status, COALESCE(current_step_id, ''), updated_at
FROM orchestrator.saga_instances
WHERE status IN ('PENDING', 'RUNNING', 'COMPENSATING')
  AND updated_at < $1
ORDER BY updated_at
`

func runSweep(ctx context.Context, db *sql.DB, out, errOut io.Writer, olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	rows, err := db.QueryContext(ctx, stuckSagasQuery, cutoff)
	if err != nil {
		fmt.Fprintf(errOut, "sweep query failed: %v\n", err)
		return 2
	}
	defer rows.Close()

	stuck := 0
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SAGA\tWORKFLOW\tSTATUS\tSTEP\tIDLE")
	for rows.Next() {
		var sagaID, workflow, status, step string
		var updatedAt time.Time
		if err := rows.Scan(&sagaID, &workflow, &status, &step, &updatedAt); err != nil {
			fmt.Fprintf(errOut, "scan failed: %v\n", err)
			return 2
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			sagaID, workflow, status, step, time.Since(updatedAt).Round(time.Second))
		stuck++
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintf(errOut, "sweep failed: %v\n", err)
		return 2
	}

	if stuck == 0 {
		fmt.Fprintf(out, "no sagas idle longer than %s\n", olderThan)
		return 0
	}
	w.Flush()
	fmt.Fprintf(out, "%d stuck sagas; the orchestrator recovery scan should resubmit them\n", stuck)
	return 1
}

func runScheduledSweep(ctx context.Context, db *sql.DB, out, errOut io.Writer,
	olderThan time.Duration, cronExpr string) int {

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	runSweep(ctx, db, out, errOut, olderThan)

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		runSweep(ctx, db, out, errOut, olderThan)
	}))
	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}
