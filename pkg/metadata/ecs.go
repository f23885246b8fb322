package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/models"
)

const taskDefColumns = `family, revision, arn, status, containers, attrs, created_at`

// RegisterTaskDefinition stores the next revision of a family. The revision is read and
// written in one transaction, so concurrent registrations yield 1, 2, ..., N.
func (s *Store) RegisterTaskDefinition(ctx context.Context, def *models.TaskDefinition, arnFor func(revision int) string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(revision), 0) FROM ecs_task_definitions WHERE family = ?`, def.Family).Scan(&current); err != nil {
			return dbErr(err)
		}
		def.Revision = current + 1
		def.ARN = arnFor(def.Revision)
		if def.Status == "" {
			def.Status = "ACTIVE"
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ecs_task_definitions (`+taskDefColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			def.Family, def.Revision, def.ARN, def.Status, string(def.Containers), nullString(string(def.Attrs)),
			formatTime(def.CreatedAt))
		return insertErr(err, fmt.Sprintf("%s:%d", def.Family, def.Revision))
	})
}

func taskDefNotFound(id string) error {
	return awserr.InvalidArgument("Unable to describe task definition.").WithCode("ClientException").WithResource(id)
}

// GetTaskDefinition returns family:revision, or the latest ACTIVE revision when revision is 0.
func (s *Store) GetTaskDefinition(ctx context.Context, family string, revision int) (*models.TaskDefinition, error) {
	var def *models.TaskDefinition
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var row *sql.Row
		if revision > 0 {
			row = tx.QueryRowContext(ctx,
				`SELECT `+taskDefColumns+` FROM ecs_task_definitions WHERE family = ? AND revision = ?`, family, revision)
		} else {
			row = tx.QueryRowContext(ctx,
				`SELECT `+taskDefColumns+` FROM ecs_task_definitions WHERE family = ? AND status = 'ACTIVE'
				 ORDER BY revision DESC LIMIT 1`, family)
		}
		var err error
		def, err = scanTaskDef(row)
		if errors.Is(err, sql.ErrNoRows) {
			return taskDefNotFound(fmt.Sprintf("%s:%d", family, revision))
		}
		return err
	})
	return def, err
}

// ListTaskDefinitions returns task definitions, limited to one family when family is set
// and to one status when status is set.
func (s *Store) ListTaskDefinitions(ctx context.Context, family, status string) ([]models.TaskDefinition, error) {
	var defs []models.TaskDefinition
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+taskDefColumns+` FROM ecs_task_definitions
			 WHERE (? = '' OR family = ?) AND (? = '' OR status = ?)
			 ORDER BY family, revision`, family, family, status, status)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			def, err := scanTaskDef(rows)
			if err != nil {
				return err
			}
			defs = append(defs, *def)
		}
		return dbErr(rows.Err())
	})
	return defs, err
}

// DeregisterTaskDefinition marks family:revision INACTIVE. Its revision number is never reused.
func (s *Store) DeregisterTaskDefinition(ctx context.Context, family string, revision int) (*models.TaskDefinition, error) {
	var def *models.TaskDefinition
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE ecs_task_definitions SET status = 'INACTIVE' WHERE family = ? AND revision = ?`, family, revision)
		if err != nil {
			return dbErr(err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return taskDefNotFound(fmt.Sprintf("%s:%d", family, revision))
		}
		def, err = scanTaskDef(tx.QueryRowContext(ctx,
			`SELECT `+taskDefColumns+` FROM ecs_task_definitions WHERE family = ? AND revision = ?`, family, revision))
		return err
	})
	return def, err
}

func scanTaskDef(row rowScanner) (*models.TaskDefinition, error) {
	var (
		def        models.TaskDefinition
		containers string
		attrs      sql.NullString
		createdAt  string
	)
	err := row.Scan(&def.Family, &def.Revision, &def.ARN, &def.Status, &containers, &attrs, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, dbErr(err)
	}
	def.Containers = []byte(containers)
	if attrs.Valid {
		def.Attrs = []byte(attrs.String)
	}
	def.CreatedAt = parseTime(createdAt)
	return &def, nil
}
