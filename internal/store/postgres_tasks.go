package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
)

// SaveTask upserts a task. The seq column keeps the first insert position.
func (s *PostgresStore) SaveTask(ctx context.Context, task *models.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshalling payload of task %s: %w", task.ID, err)
	}

	query := `
	INSERT INTO tasks (id, type, task_key, payload, job_id, created_at)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	ON CONFLICT (id) DO UPDATE SET
		type = EXCLUDED.type,
		payload = EXCLUDED.payload,
		job_id = EXCLUDED.job_id
	`
	return s.retry(ctx, "SaveTask", func() error {
		_, err := s.db.Exec(ctx, query, task.ID, string(task.Type), task.Key, payload, task.JobID, task.CreatedAt)
		return err
	})
}

func (s *PostgresStore) UpdateTaskJobID(ctx context.Context, taskID, jobID string) error {
	return s.retry(ctx, "UpdateTaskJobID", func() error {
		tag, err := s.db.Exec(ctx, `UPDATE tasks SET job_id = NULLIF($2, '') WHERE id = $1`, taskID, jobID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.ErrTaskNotFound
		}
		return nil
	})
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	return s.retry(ctx, "DeleteTask", func() error {
		_, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
		return err
	})
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]*models.Task, error) {
	query := `
	SELECT id, type, task_key, payload, COALESCE(job_id, ''), created_at
	FROM tasks
	ORDER BY seq ASC
	`

	var tasks []*models.Task
	err := s.retry(ctx, "ListTasks", func() error {
		tasks = nil
		rows, err := s.db.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				t        models.Task
				taskType string
				payload  []byte
			)
			if err := rows.Scan(&t.ID, &taskType, &t.Key, &payload, &t.JobID, &t.CreatedAt); err != nil {
				return fmt.Errorf("scanning task row: %w", err)
			}
			t.Type = models.TaskType(taskType)
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &t.Payload); err != nil {
					return fmt.Errorf("unmarshalling payload of task %s: %w", t.ID, err)
				}
			}
			tasks = append(tasks, &t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}
