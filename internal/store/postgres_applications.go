package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/jackc/pgx/v5"
)

func (s *PostgresStore) SaveApplication(ctx context.Context, app *models.Application) error {
	labels, err := json.Marshal(app.Labels)
	if err != nil {
		return fmt.Errorf("marshalling labels of application %s: %w", app.ID, err)
	}

	query := `
	INSERT INTO applications (id, name, creation_script, execution_script, labels)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		creation_script = EXCLUDED.creation_script,
		execution_script = EXCLUDED.execution_script,
		labels = EXCLUDED.labels
	`
	return s.retry(ctx, "SaveApplication", func() error {
		_, err := s.db.Exec(ctx, query, app.ID, app.Name, app.CreationScript, app.ExecutionScript, labels)
		return err
	})
}

func (s *PostgresStore) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	query := `SELECT id, name, creation_script, execution_script, labels FROM applications WHERE id = $1`

	var app models.Application
	err := s.retry(ctx, "GetApplication", func() error {
		var labels []byte
		err := s.db.QueryRow(ctx, query, id).Scan(&app.ID, &app.Name, &app.CreationScript, &app.ExecutionScript, &labels)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrApplicationNotFound
		}
		if err != nil {
			return err
		}
		if len(labels) > 0 {
			if err := json.Unmarshal(labels, &app.Labels); err != nil {
				return fmt.Errorf("unmarshalling labels of application %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}
