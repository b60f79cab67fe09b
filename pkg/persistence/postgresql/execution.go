package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

func (p *Persistence) SaveExecution(ctx context.Context, execution *models.Execution) error {
	record, err := json.Marshal(execution)
	if err != nil {
		return persistence.NewExecutionError("SaveExecution", execution.ID, err)
	}

	var errorMessage sql.NullString
	if execution.Error != "" {
		errorMessage = sql.NullString{String: execution.Error, Valid: true}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, mode, status, error_message, started_at, finished_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , error_message = EXCLUDED.error_message
		  , finished_at = EXCLUDED.finished_at
		  , record = EXCLUDED.record
	`, execution.ID, execution.WorkflowID, string(execution.Mode), string(execution.Status),
		errorMessage, execution.StartedAt, execution.FinishedAt, record)
	if err != nil {
		return persistence.NewExecutionError("SaveExecution", execution.ID, err)
	}

	return nil
}

func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	row := p.db.QueryRowContext(ctx, `SELECT record FROM executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("ExecutionByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("ExecutionByID", id, err)
	}

	return execution, nil
}

func (p *Persistence) ExecutionsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.Execution, error) {
	query := `SELECT record FROM executions WHERE workflow_id = $1 ORDER BY started_at DESC`
	args := []any{workflowID}

	if limit > 0 {
		query += ` LIMIT $2`

		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer p.closeRows(rows)

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func scanExecution(row scanner) (*models.Execution, error) {
	var record []byte
	if err := row.Scan(&record); err != nil {
		return nil, err
	}

	var execution models.Execution
	if err := json.Unmarshal(record, &execution); err != nil {
		return nil, fmt.Errorf("failed to decode execution: %w", err)
	}

	return &execution, nil
}
