package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// GetResumeCursor returns the record_created_at of the most recently
// completed processing record for (organization, table, workflow), or nil
// when the workflow has never completed a record of that table.
func (s *SQLStore) GetResumeCursor(ctx context.Context, organizationID, tableName, workflowDefinitionID string) (*time.Time, error) {
	var ms int64
	err := s.queryRow(ctx, s.db,
		`SELECT record_created_at FROM processing_records
		 WHERE organization_id = ? AND table_name = ? AND workflow_definition_id = ? AND status = 'completed'
		 ORDER BY processed_at DESC, record_created_at DESC LIMIT 1`,
		organizationID, tableName, workflowDefinitionID,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("read resume cursor", err)
	}
	t := fromMillis(ms)
	return &t, nil
}

// ClaimNext scans eligible source records in (created_at, id) order and
// claims the first one accepted by q.Match. The candidate scan and the
// conditional claim write share one transaction.
func (s *SQLStore) ClaimNext(ctx context.Context, q ClaimQuery) (*SourceRecord, error) {
	if q.TableName == "" || q.WorkflowDefinitionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "claim requires a table name and a workflow definition id")
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff, lease := toMillis(q.Cutoff), toMillis(q.Cutoff)
	if !q.LeaseCutoff.IsZero() {
		lease = toMillis(q.LeaseCutoff)
	}

	query, args, err := s.candidateQuery(q, cutoff, lease)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "claim query: %v", err).WithCause(err)
	}

	var claimed *SourceRecord
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.firstCandidate(ctx, tx, q, query, args)
		if err != nil || rec == nil {
			return err
		}

		res, err := s.exec(ctx, tx,
			`INSERT INTO processing_records (table_name, record_id, workflow_definition_id, organization_id, status, claimed_at, processed_at, record_created_at)
			 VALUES (?, ?, ?, ?, 'claimed', ?, NULL, ?)
			 ON CONFLICT (table_name, record_id, workflow_definition_id) DO UPDATE SET
			   status = 'claimed',
			   claimed_at = excluded.claimed_at,
			   organization_id = excluded.organization_id,
			   record_created_at = excluded.record_created_at
			 WHERE (processing_records.status = 'completed' AND processing_records.processed_at < ?)
			    OR (processing_records.status = 'claimed' AND processing_records.claimed_at < ?)`,
			q.TableName, rec.ID, q.WorkflowDefinitionID, q.OrganizationID,
			toMillis(now), toMillis(rec.CreatedAt), cutoff, lease,
		)
		if err != nil {
			return storeError("claim record", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storeError("claim record", err)
		}
		if n == 0 {
			return schema.NewErrorf(schema.ErrCodeClaimContention,
				"record %s/%s was claimed concurrently", q.TableName, rec.ID)
		}
		claimed = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLStore) candidateQuery(q ClaimQuery, cutoff, lease int64) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT s.id, s.created_at, s.fields FROM source_records s
		LEFT JOIN processing_records p
		  ON p.table_name = s.table_name AND p.record_id = s.id AND p.workflow_definition_id = ?
		WHERE s.organization_id = ? AND s.table_name = ?`)
	args := []any{q.WorkflowDefinitionID, q.OrganizationID, q.TableName}

	if q.After != nil {
		b.WriteString(" AND s.created_at > ?")
		args = append(args, toMillis(*q.After))
	}
	for _, m := range q.Equals {
		path, err := fieldPath(m.Field)
		if err != nil {
			return "", nil, err
		}
		arg, err := s.d.fieldArg(m.Value)
		if err != nil {
			return "", nil, fmt.Errorf("field %q: %w", m.Field, err)
		}
		b.WriteString(" AND ")
		b.WriteString(s.d.fieldEquals(path))
		args = append(args, arg)
	}
	b.WriteString(` AND (p.record_id IS NULL
		  OR (p.status = 'completed' AND p.processed_at < ?)
		  OR (p.status = 'claimed' AND p.claimed_at < ?))
		ORDER BY s.created_at, s.id`)
	args = append(args, cutoff, lease)

	switch {
	case q.Match == nil:
		b.WriteString(" LIMIT 1")
	case q.MaxScan > 0:
		fmt.Fprintf(&b, " LIMIT %d", q.MaxScan)
	}
	b.WriteString(s.d.lockCandidates())
	return b.String(), args, nil
}

// firstCandidate returns the first row of the candidate scan accepted by
// q.Match. Rows are closed before returning so the claim write can reuse the
// transaction's connection.
func (s *SQLStore) firstCandidate(ctx context.Context, tx *sql.Tx, q ClaimQuery, query string, args []any) (*SourceRecord, error) {
	rows, err := s.query(ctx, tx, query, args...)
	if err != nil {
		return nil, storeError("scan candidates", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     string
			ms     int64
			fields string
		)
		if err := rows.Scan(&id, &ms, &fields); err != nil {
			return nil, storeError("scan candidate", err)
		}
		rec := &SourceRecord{
			OrganizationID: q.OrganizationID,
			TableName:      q.TableName,
			ID:             id,
			CreatedAt:      fromMillis(ms),
		}
		if err := decodeFields(fields, rec); err != nil {
			return nil, err
		}
		if q.Match == nil || q.Match(rec) {
			return rec, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("scan candidates", err)
	}
	return nil, nil
}

// RecordProcessed upserts the processing record to completed. Metadata is
// kept when the new record carries none.
func (s *SQLStore) RecordProcessed(ctx context.Context, rec *ProcessingRecord) error {
	if rec.TableName == "" || rec.RecordID == "" || rec.WorkflowDefinitionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "processing record requires table name, record id and workflow definition id")
	}
	processedAt := time.Now()
	if rec.ProcessedAt != nil && !rec.ProcessedAt.IsZero() {
		processedAt = *rec.ProcessedAt
	}
	meta, err := nullJSON(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO processing_records (table_name, record_id, workflow_definition_id, organization_id, status, claimed_at, processed_at, record_created_at, metadata)
		 VALUES (?, ?, ?, ?, 'completed', ?, ?, ?, ?)
		 ON CONFLICT (table_name, record_id, workflow_definition_id) DO UPDATE SET
		   status = 'completed',
		   processed_at = excluded.processed_at,
		   record_created_at = excluded.record_created_at,
		   metadata = COALESCE(excluded.metadata, processing_records.metadata)`,
		rec.TableName, rec.RecordID, rec.WorkflowDefinitionID, rec.OrganizationID,
		nullMillis(rec.ClaimedAt), toMillis(processedAt), toMillis(rec.RecordCreatedAt), meta,
	)
	if err != nil {
		return storeError("record processed", err)
	}
	return nil
}

// GetProcessingRecord returns the processing record for a key.
func (s *SQLStore) GetProcessingRecord(ctx context.Context, tableName, recordID, workflowDefinitionID string) (*ProcessingRecord, error) {
	var (
		rec                    ProcessingRecord
		status                 string
		claimedAt, processedAt sql.NullInt64
		createdAt              int64
		meta                   sql.NullString
	)
	err := s.queryRow(ctx, s.db,
		`SELECT organization_id, status, claimed_at, processed_at, record_created_at, metadata
		 FROM processing_records WHERE table_name = ? AND record_id = ? AND workflow_definition_id = ?`,
		tableName, recordID, workflowDefinitionID,
	).Scan(&rec.OrganizationID, &status, &claimedAt, &processedAt, &createdAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("processing record", tableName+"/"+recordID)
	}
	if err != nil {
		return nil, storeError("get processing record", err)
	}
	rec.TableName = tableName
	rec.RecordID = recordID
	rec.WorkflowDefinitionID = workflowDefinitionID
	rec.Status = schema.ProcessingStatus(status)
	rec.ClaimedAt = timePtr(claimedAt)
	rec.ProcessedAt = timePtr(processedAt)
	rec.RecordCreatedAt = fromMillis(createdAt)
	if rec.Metadata, err = decodeMap(meta); err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeFields(raw string, rec *SourceRecord) error {
	if raw == "" {
		rec.Fields = map[string]any{}
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &rec.Fields); err != nil {
		return fmt.Errorf("unmarshal fields of %s/%s: %w", rec.TableName, rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return nil
}
