package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/pkg/schema"
)

const definitionColumns = `id, organization_id, name, version, description, status, config, created_at, published_at, archived_at`

// CreateDefinition persists a new definition version and its steps. ID,
// Status and CreatedAt are filled in when empty.
func (s *SQLStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Status == "" {
		def.Status = schema.DefinitionDraft
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	cfg, err := json.Marshal(def.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO workflow_definitions (`+definitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			def.ID, def.OrganizationID, def.Name, def.Version, nullStr(def.Description), string(def.Status),
			string(cfg), toMillis(def.CreatedAt), nullMillis(def.PublishedAt), nullMillis(def.ArchivedAt),
		)
		if err != nil {
			return storeError(fmt.Sprintf("create definition %s@%s", def.Name, def.Version), err)
		}
		for i := range def.Steps {
			if err := s.insertStep(ctx, tx, def.ID, i, &def.Steps[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) insertStep(ctx context.Context, tx *sql.Tx, defID string, pos int, step *schema.StepDefinition) error {
	next, err := nullJSON(step.NextSteps)
	if err != nil {
		return err
	}
	retry, err := nullJSON(step.Retry)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, tx,
		`INSERT INTO step_definitions (workflow_definition_id, slug, type, name, position, step_order, config, next_steps, retry, timeout)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		defID, step.Slug, string(step.Type), nullStr(step.Name), pos, step.Order,
		nullRaw(step.Config), next, retry, nullStr(step.Timeout),
	)
	if err != nil {
		return storeError(fmt.Sprintf("create step %q", step.Slug), err)
	}
	return nil
}

// GetDefinition returns a definition with its steps in declaration order.
func (s *SQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow definition", id)
	}
	if err != nil {
		return nil, storeError("get definition", err)
	}
	if err := s.loadSteps(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// GetActiveDefinition returns the active version of a named workflow.
func (s *SQLStore) GetActiveDefinition(ctx context.Context, organizationID, name string) (*schema.WorkflowDefinition, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE organization_id = ? AND name = ? AND status = 'active'`,
		organizationID, name)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no active version of workflow %q", name)
	}
	if err != nil {
		return nil, storeError("get active definition", err)
	}
	if err := s.loadSteps(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// ListDefinitions returns definitions matching the filter, newest first.
func (s *SQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions`
	var where []string
	var args []any
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, storeError("list definitions", err)
	}
	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			_ = rows.Close()
			return nil, storeError("scan definition", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, storeError("list definitions", err)
	}
	_ = rows.Close()

	for _, def := range defs {
		if err := s.loadSteps(ctx, def); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// ActivateDefinition makes id the active version. The previously active
// version of the same (organization, name) is archived in the same
// transaction. Activating an archived version is an invalid transition.
func (s *SQLStore) ActivateDefinition(ctx context.Context, id string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var org, name, status string
		err := s.queryRow(ctx, tx,
			`SELECT organization_id, name, status FROM workflow_definitions WHERE id = ?`, id,
		).Scan(&org, &name, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return storeNotFound("workflow definition", id)
		}
		if err != nil {
			return storeError("activate definition", err)
		}
		switch schema.DefinitionStatus(status) {
		case schema.DefinitionActive:
			return nil
		case schema.DefinitionArchived:
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"workflow definition %q is archived and cannot be activated", id)
		}

		ms := millisOrNow(at)
		if _, err := s.exec(ctx, tx,
			`UPDATE workflow_definitions SET status = 'archived', archived_at = ?
			 WHERE organization_id = ? AND name = ? AND status = 'active'`,
			ms, org, name,
		); err != nil {
			return storeError("archive previous version", err)
		}
		if _, err := s.exec(ctx, tx,
			`UPDATE workflow_definitions SET status = 'active', published_at = ? WHERE id = ?`, ms, id,
		); err != nil {
			return storeError("activate definition", err)
		}
		return nil
	})
}

// ArchiveDefinition archives a version. Archiving twice is a no-op.
func (s *SQLStore) ArchiveDefinition(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE workflow_definitions SET status = 'archived', archived_at = ? WHERE id = ? AND status <> 'archived'`,
		millisOrNow(at), id)
	if err != nil {
		return storeError("archive definition", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = s.queryRow(ctx, s.db, `SELECT 1 FROM workflow_definitions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("workflow definition", id)
	}
	if err != nil {
		return storeError("archive definition", err)
	}
	return nil
}

func (s *SQLStore) loadSteps(ctx context.Context, def *schema.WorkflowDefinition) error {
	rows, err := s.query(ctx, s.db,
		`SELECT slug, type, name, step_order, config, next_steps, retry, timeout
		 FROM step_definitions WHERE workflow_definition_id = ? ORDER BY position`, def.ID)
	if err != nil {
		return storeError("load steps", err)
	}
	defer rows.Close()

	def.Steps = def.Steps[:0]
	for rows.Next() {
		var (
			st                          schema.StepDefinition
			stepType                    string
			name, timeout               sql.NullString
			config, nextSteps, retryRaw sql.NullString
		)
		if err := rows.Scan(&st.Slug, &stepType, &name, &st.Order, &config, &nextSteps, &retryRaw, &timeout); err != nil {
			return storeError("scan step", err)
		}
		st.Type = schema.StepType(stepType)
		st.Name = name.String
		st.Timeout = timeout.String
		st.Config = rawOrNil(config)
		if nextSteps.Valid {
			if err := json.Unmarshal([]byte(nextSteps.String), &st.NextSteps); err != nil {
				return fmt.Errorf("unmarshal next_steps of %q: %w", st.Slug, err)
			}
		}
		if retryRaw.Valid {
			st.Retry = &schema.RetryPolicy{}
			if err := json.Unmarshal([]byte(retryRaw.String), st.Retry); err != nil {
				return fmt.Errorf("unmarshal retry of %q: %w", st.Slug, err)
			}
		}
		def.Steps = append(def.Steps, st)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*schema.WorkflowDefinition, error) {
	var (
		def                   schema.WorkflowDefinition
		desc                  sql.NullString
		status, cfg           string
		createdAt             int64
		publishedAt, archived sql.NullInt64
	)
	if err := row.Scan(&def.ID, &def.OrganizationID, &def.Name, &def.Version, &desc, &status, &cfg,
		&createdAt, &publishedAt, &archived); err != nil {
		return nil, err
	}
	def.Description = desc.String
	def.Status = schema.DefinitionStatus(status)
	def.CreatedAt = fromMillis(createdAt)
	def.PublishedAt = timePtr(publishedAt)
	def.ArchivedAt = timePtr(archived)
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &def.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return &def, nil
}
