package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PutSourceRecord inserts or replaces an application record.
func (s *SQLStore) PutSourceRecord(ctx context.Context, rec *SourceRecord) error {
	if rec.TableName == "" || rec.ID == "" {
		return fmt.Errorf("source record requires table name and id")
	}
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO source_records (organization_id, table_name, id, created_at, fields) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (table_name, id) DO UPDATE SET
		   organization_id = excluded.organization_id,
		   created_at = excluded.created_at,
		   fields = excluded.fields`,
		rec.OrganizationID, rec.TableName, rec.ID, millisOrNow(rec.CreatedAt), string(b),
	)
	if err != nil {
		return storeError("put source record", err)
	}
	return nil
}

// GetSourceRecord returns a record of the organization's table.
func (s *SQLStore) GetSourceRecord(ctx context.Context, organizationID, tableName, id string) (*SourceRecord, error) {
	var (
		ms     int64
		fields string
	)
	err := s.queryRow(ctx, s.db,
		`SELECT created_at, fields FROM source_records WHERE organization_id = ? AND table_name = ? AND id = ?`,
		organizationID, tableName, id,
	).Scan(&ms, &fields)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("source record", tableName+"/"+id)
	}
	if err != nil {
		return nil, storeError("get source record", err)
	}
	rec := &SourceRecord{OrganizationID: organizationID, TableName: tableName, ID: id, CreatedAt: fromMillis(ms)}
	if err := decodeFields(fields, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
