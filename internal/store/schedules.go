package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const scheduleColumns = `workflow_definition_id, organization_id, cron_expression, timezone, enabled, next_run_at, last_run_at, last_run_status, created_at`

// UpsertSchedule creates or replaces the schedule of a definition. Run
// history is kept across replacements.
func (s *SQLStore) UpsertSchedule(ctx context.Context, sched *TriggerSchedule) error {
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO trigger_schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workflow_definition_id) DO UPDATE SET
		   organization_id = excluded.organization_id,
		   cron_expression = excluded.cron_expression,
		   timezone = excluded.timezone,
		   enabled = excluded.enabled,
		   next_run_at = excluded.next_run_at`,
		sched.WorkflowDefinitionID, sched.OrganizationID, sched.CronExpression, nullStr(sched.Timezone),
		boolInt(sched.Enabled), nullMillis(sched.NextRunAt), nullMillis(sched.LastRunAt),
		nullStr(sched.LastRunStatus), toMillis(sched.CreatedAt),
	)
	if err != nil {
		return storeError("upsert schedule", err)
	}
	return nil
}

// GetSchedule returns the schedule of a definition.
func (s *SQLStore) GetSchedule(ctx context.Context, workflowDefinitionID string) (*TriggerSchedule, error) {
	sched, err := scanSchedule(s.queryRow(ctx, s.db,
		`SELECT `+scheduleColumns+` FROM trigger_schedules WHERE workflow_definition_id = ?`, workflowDefinitionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", workflowDefinitionID)
	}
	if err != nil {
		return nil, storeError("get schedule", err)
	}
	return sched, nil
}

// ListSchedules returns schedules ordered by next run.
func (s *SQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*TriggerSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM trigger_schedules`
	var where []string
	var args []any
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.EnabledOnly || filter.DueBefore != nil {
		where = append(where, "enabled = 1")
	}
	if filter.DueBefore != nil {
		where = append(where, "next_run_at IS NOT NULL AND next_run_at <= ?")
		args = append(args, toMillis(*filter.DueBefore))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY next_run_at, workflow_definition_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, storeError("list schedules", err)
	}
	defer rows.Close()

	var out []*TriggerSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, storeError("scan schedule", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records the outcome of a firing and the next fire time.
func (s *SQLStore) UpdateScheduleRun(ctx context.Context, workflowDefinitionID string, update ScheduleRunUpdate) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE trigger_schedules SET last_run_at = ?, last_run_status = ?, next_run_at = ? WHERE workflow_definition_id = ?`,
		millisOrNow(update.LastRunAt), nullStr(update.LastRunStatus), nullMillis(update.NextRunAt), workflowDefinitionID)
	if err != nil {
		return storeError("update schedule run", err)
	}
	return checkRowsAffected(res, "schedule", workflowDefinitionID)
}

// DeleteSchedule removes the schedule of a definition.
func (s *SQLStore) DeleteSchedule(ctx context.Context, workflowDefinitionID string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM trigger_schedules WHERE workflow_definition_id = ?`, workflowDefinitionID)
	if err != nil {
		return storeError("delete schedule", err)
	}
	return checkRowsAffected(res, "schedule", workflowDefinitionID)
}

func scanSchedule(row rowScanner) (*TriggerSchedule, error) {
	var (
		sched            TriggerSchedule
		tz, lastStatus   sql.NullString
		enabled          int
		nextRun, lastRun sql.NullInt64
		createdAt        int64
	)
	if err := row.Scan(&sched.WorkflowDefinitionID, &sched.OrganizationID, &sched.CronExpression, &tz,
		&enabled, &nextRun, &lastRun, &lastStatus, &createdAt); err != nil {
		return nil, err
	}
	sched.Timezone = tz.String
	sched.Enabled = enabled != 0
	sched.NextRunAt = timePtr(nextRun)
	sched.LastRunAt = timePtr(lastRun)
	sched.LastRunStatus = lastStatus.String
	sched.CreatedAt = fromMillis(createdAt)
	return &sched, nil
}
