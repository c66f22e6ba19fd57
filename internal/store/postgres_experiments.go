package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/jackc/pgx/v5"
)

const experimentColumns = `id, app_id, name, status, COALESCE(inst_id, ''), labels, logs, input_tree, src_tree, created_at, updated_at`

func (s *PostgresStore) CreateExperiment(ctx context.Context, exp *models.Experiment) error {
	labels, err := json.Marshal(nonNilLabels(exp.Labels))
	if err != nil {
		return fmt.Errorf("marshalling labels of experiment %s: %w", exp.ID, err)
	}
	logs, err := json.Marshal(nonNilLogs(exp.Logs))
	if err != nil {
		return fmt.Errorf("marshalling logs of experiment %s: %w", exp.ID, err)
	}
	createdAt := exp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
	INSERT INTO experiments (id, app_id, name, status, inst_id, labels, logs, created_at, updated_at)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NOW())
	`
	return s.retry(ctx, "CreateExperiment", func() error {
		_, err := s.db.Exec(ctx, query, exp.ID, exp.AppID, exp.Name, string(exp.Status), exp.InstanceID, labels, logs, createdAt)
		return err
	})
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE id = $1`

	var exp *models.Experiment
	err := s.retry(ctx, "GetExperiment", func() error {
		var err error
		exp, err = scanExperiment(s.db.QueryRow(ctx, query, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrExperimentNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return exp, nil
}

func (s *PostgresStore) ListExperimentsByStatus(ctx context.Context, statuses ...models.ExperimentStatus) ([]*models.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY id`

	var exps []*models.Experiment
	err := s.retry(ctx, "ListExperimentsByStatus", func() error {
		exps = nil
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			exp, err := scanExperiment(rows)
			if err != nil {
				return err
			}
			exps = append(exps, exp)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return exps, nil
}

// UpdateExperiment builds a single UPDATE from the set fields so concurrent
// writers of disjoint fields never overwrite each other.
func (s *PostgresStore) UpdateExperiment(ctx context.Context, id string, upd ExperimentUpdate) error {
	if upd.IsEmpty() {
		return nil
	}

	args := []any{id}
	var sets []string
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Status != nil {
		set("status", string(*upd.Status))
	}
	if upd.InstanceID != nil {
		if *upd.InstanceID == "" {
			sets = append(sets, "inst_id = NULL")
		} else {
			set("inst_id", *upd.InstanceID)
		}
	}
	if upd.Logs != nil {
		data, err := json.Marshal(nonNilLogs(*upd.Logs))
		if err != nil {
			return fmt.Errorf("marshalling logs of experiment %s: %w", id, err)
		}
		set("logs", data)
	}
	if upd.InputTree != nil {
		data, err := json.Marshal(*upd.InputTree)
		if err != nil {
			return fmt.Errorf("marshalling input tree of experiment %s: %w", id, err)
		}
		set("input_tree", data)
	}
	if upd.SrcTree != nil {
		data, err := json.Marshal(*upd.SrcTree)
		if err != nil {
			return fmt.Errorf("marshalling source tree of experiment %s: %w", id, err)
		}
		set("src_tree", data)
	}
	sets = append(sets, "updated_at = NOW()")

	where := "id = $1"
	if upd.ExpectInstanceID != nil {
		args = append(args, *upd.ExpectInstanceID)
		where += fmt.Sprintf(" AND COALESCE(inst_id, '') = $%d", len(args))
	}
	if len(upd.ExpectStatus) > 0 {
		statuses := make([]string, len(upd.ExpectStatus))
		for i, st := range upd.ExpectStatus {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query := fmt.Sprintf("UPDATE experiments SET %s WHERE %s", strings.Join(sets, ", "), where)

	return s.retry(ctx, "UpdateExperiment", func() error {
		tag, err := s.db.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		if !upd.conditional() {
			return models.ErrExperimentNotFound
		}
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM experiments WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return models.ErrExperimentNotFound
		}
		return models.ErrStaleUpdate
	})
}

func (s *PostgresStore) DeleteExperiment(ctx context.Context, id string) error {
	return s.retry(ctx, "DeleteExperiment", func() error {
		tag, err := s.db.Exec(ctx, `DELETE FROM experiments WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.ErrExperimentNotFound
		}
		return nil
	})
}

func scanExperiment(row pgx.Row) (*models.Experiment, error) {
	var (
		exp                              models.Experiment
		status                           string
		labels, logs, inputTree, srcTree []byte
	)
	err := row.Scan(&exp.ID, &exp.AppID, &exp.Name, &status, &exp.InstanceID,
		&labels, &logs, &inputTree, &srcTree, &exp.CreatedAt, &exp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exp.Status = models.ExperimentStatus(status)

	for _, field := range []struct {
		name string
		data []byte
		dst  any
	}{
		{"labels", labels, &exp.Labels},
		{"logs", logs, &exp.Logs},
		{"input_tree", inputTree, &exp.InputTree},
		{"src_tree", srcTree, &exp.SrcTree},
	} {
		if len(field.data) == 0 {
			continue
		}
		if err := json.Unmarshal(field.data, field.dst); err != nil {
			return nil, fmt.Errorf("unmarshalling %s of experiment %s: %w", field.name, exp.ID, err)
		}
	}
	if exp.Logs == nil {
		exp.Logs = []models.ExperimentLog{}
	}
	return &exp, nil
}

func nonNilLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return map[string]string{}
	}
	return labels
}

func nonNilLogs(logs []models.ExperimentLog) []models.ExperimentLog {
	if logs == nil {
		return []models.ExperimentLog{}
	}
	return logs
}
