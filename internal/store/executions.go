package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/pkg/schema"
)

const executionColumns = `id, workflow_definition_id, organization_id, status, trigger_payload, variables, error, started_at, ended_at`

// CreateExecution persists a new execution. ID and Status are filled in when
// empty.
func (s *SQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionRunning
	}
	payload, err := nullJSON(exec.TriggerPayload)
	if err != nil {
		return err
	}
	vars, err := nullJSON(exec.Variables)
	if err != nil {
		return err
	}
	errJSON, err := nullJSON(exec.Error)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowDefinitionID, exec.OrganizationID, string(exec.Status),
		payload, vars, errJSON, millisOrNow(exec.StartedAt), nullMillis(exec.EndedAt),
	)
	if err != nil {
		return storeError("create execution", err)
	}
	return nil
}

// AppendJournal appends one entry. The journal of a terminal execution is
// immutable.
func (s *SQLStore) AppendJournal(ctx context.Context, entry *JournalEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireRunning(ctx, tx, entry.ExecutionID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx,
			`INSERT INTO execution_journal (execution_id, sequence, step_slug, step_type, output, port, error, error_code, attempts, started_at, ended_at, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ExecutionID, entry.Sequence, entry.StepSlug, string(entry.StepType),
			nullRaw(entry.Output), nullStr(entry.Port), nullStr(entry.Error), nullStr(entry.ErrorCode),
			entry.Attempts, millisOrNow(entry.StartedAt), millisOrNow(entry.EndedAt), entry.DurationMs,
		)
		if err != nil {
			return storeError(fmt.Sprintf("append journal entry %d", entry.Sequence), err)
		}
		return nil
	})
}

// FinishExecution moves a running execution to a terminal status.
func (s *SQLStore) FinishExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	if !update.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot finish execution with status %q", update.Status)
	}
	vars, err := nullJSON(update.Variables)
	if err != nil {
		return err
	}
	errJSON, err := nullJSON(update.Error)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireRunning(ctx, tx, id); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx,
			`UPDATE executions SET status = ?, ended_at = ?, error = ?, variables = COALESCE(?, variables) WHERE id = ?`,
			string(update.Status), millisOrNow(update.EndedAt), errJSON, vars, id)
		if err != nil {
			return storeError("finish execution", err)
		}
		return nil
	})
}

func (s *SQLStore) requireRunning(ctx context.Context, q querier, id string) error {
	var status string
	err := s.queryRow(ctx, q, `SELECT status FROM executions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return storeError("read execution status", err)
	}
	if schema.ExecutionStatus(status).IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %q is already %s", id, status)
	}
	return nil
}

// GetExecution returns an execution with its journal ordered by sequence.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec, err := scanExecution(s.queryRow(ctx, s.db, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeError("get execution", err)
	}

	rows, err := s.query(ctx, s.db,
		`SELECT sequence, step_slug, step_type, output, port, error, error_code, attempts, started_at, ended_at, duration_ms
		 FROM execution_journal WHERE execution_id = ? ORDER BY sequence`, id)
	if err != nil {
		return nil, storeError("load journal", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e                        JournalEntry
			stepType                 string
			output, port, errMsg, ec sql.NullString
			startedAt, endedAt       int64
		)
		if err := rows.Scan(&e.Sequence, &e.StepSlug, &stepType, &output, &port, &errMsg, &ec,
			&e.Attempts, &startedAt, &endedAt, &e.DurationMs); err != nil {
			return nil, storeError("scan journal entry", err)
		}
		e.ExecutionID = id
		e.StepType = schema.StepType(stepType)
		e.Output = rawOrNil(output)
		e.Port = port.String
		e.Error = errMsg.String
		e.ErrorCode = ec.String
		e.StartedAt = fromMillis(startedAt)
		e.EndedAt = fromMillis(endedAt)
		exec.Journal = append(exec.Journal, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("load journal", err)
	}
	return exec, nil
}

// ListExecutions returns executions (without journal), newest first.
func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var where []string
	var args []any
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.WorkflowDefinitionID != "" {
		where = append(where, "workflow_definition_id = ?")
		args = append(args, filter.WorkflowDefinitionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, storeError("scan execution", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec                    Execution
		status                  string
		payload, vars, errField sql.NullString
		startedAt               int64
		endedAt                 sql.NullInt64
	)
	if err := row.Scan(&exec.ID, &exec.WorkflowDefinitionID, &exec.OrganizationID, &status,
		&payload, &vars, &errField, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.StartedAt = fromMillis(startedAt)
	exec.EndedAt = timePtr(endedAt)

	var err error
	if exec.TriggerPayload, err = decodeMap(payload); err != nil {
		return nil, err
	}
	if exec.Variables, err = decodeMap(vars); err != nil {
		return nil, err
	}
	if errField.Valid && errField.String != "" {
		exec.Error = &schema.StepflowError{}
		if err := json.Unmarshal([]byte(errField.String), exec.Error); err != nil {
			return nil, fmt.Errorf("unmarshal execution error: %w", err)
		}
	}
	return &exec, nil
}
