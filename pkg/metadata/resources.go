package metadata

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/models"
)

const resourceColumns = `service, kind, id, name, arn, state, parent, attrs, created_at, updated_at`

// CreateResource inserts a generic resource. A second resource with the same non-empty name
// under the same parent is AlreadyExists.
func (s *Store) CreateResource(ctx context.Context, r *models.Resource) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if len(r.Attrs) == 0 {
		r.Attrs = []byte("{}")
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO resources (`+resourceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Service, r.Kind, r.ID, r.Name, r.ARN, r.State, r.Parent, string(r.Attrs),
			formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
		name := r.Name
		if name == "" {
			name = r.ID
		}
		return insertErr(err, name)
	})
}

// GetResource returns a resource by id.
func (s *Store) GetResource(ctx context.Context, service, kind, id string) (*models.Resource, error) {
	var r *models.Resource
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		r, err = getResourceTx(ctx, tx, service, kind, id)
		return err
	})
	return r, err
}

func getResourceTx(ctx context.Context, tx *sql.Tx, service, kind, id string) (*models.Resource, error) {
	r, err := scanResource(tx.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE service = ? AND kind = ? AND id = ?`, service, kind, id))
	if err != nil {
		return nil, notFound(err, kind, id)
	}
	return r, nil
}

// FindResource returns the resource with name under parent.
func (s *Store) FindResource(ctx context.Context, service, kind, parent, name string) (*models.Resource, error) {
	var r *models.Resource
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		r, err = scanResource(tx.QueryRowContext(ctx,
			`SELECT `+resourceColumns+` FROM resources WHERE service = ? AND kind = ? AND parent = ? AND name = ?`,
			service, kind, parent, name))
		if err != nil {
			return notFound(err, kind, name)
		}
		return nil
	})
	return r, err
}

// ListResources returns the resources matching filter in creation order.
func (s *Store) ListResources(ctx context.Context, filter models.ResourceFilter) ([]models.Resource, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(column, value string) {
		if value != "" {
			clauses = append(clauses, column+" = ?")
			args = append(args, value)
		}
	}
	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		clauses = append(clauses, column+" IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")+")")
		for _, v := range values {
			args = append(args, v)
		}
	}
	add("service", filter.Service)
	add("kind", filter.Kind)
	add("parent", filter.Parent)
	add("state", filter.State)
	in("id", filter.IDs)
	in("name", filter.Names)

	query := `SELECT ` + resourceColumns + ` FROM resources`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at, rowid`

	var resources []models.Resource
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			r, err := scanResource(rows)
			if err != nil {
				return dbErr(err)
			}
			resources = append(resources, *r)
		}
		return dbErr(rows.Err())
	})
	return resources, err
}

// UpdateResource applies mutate to a stored resource and saves state, name and attributes
// atomically.
func (s *Store) UpdateResource(ctx context.Context, service, kind, id string, mutate func(*models.Resource) error) (*models.Resource, error) {
	var r *models.Resource
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if r, err = getResourceTx(ctx, tx, service, kind, id); err != nil {
			return err
		}
		if err := mutate(r); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE resources SET name = ?, state = ?, attrs = ?, updated_at = ? WHERE service = ? AND kind = ? AND id = ?`,
			r.Name, r.State, string(r.Attrs), formatTime(r.UpdatedAt), service, kind, id)
		return insertErr(err, r.Name)
	})
	return r, err
}

// DeleteResource removes a resource and reports whether it existed.
func (s *Store) DeleteResource(ctx context.Context, service, kind, id string) (bool, error) {
	deleted := false
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE service = ? AND kind = ? AND id = ?`, service, kind, id)
		if err != nil {
			return dbErr(err)
		}
		n, err := rowsAffected(res)
		deleted = n > 0
		return err
	})
	return deleted, err
}

// DeleteChildren removes every resource of kind under parent and returns how many went.
func (s *Store) DeleteChildren(ctx context.Context, service, kind, parent string) (int64, error) {
	var n int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE service = ? AND kind = ? AND parent = ?`,
			service, kind, parent)
		if err != nil {
			return dbErr(err)
		}
		n, err = rowsAffected(res)
		return err
	})
	return n, err
}

// CountChildren returns the number of resources of kind under parent.
func (s *Store) CountChildren(ctx context.Context, service, kind, parent string) (int64, error) {
	var n int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		return dbErr(tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM resources WHERE service = ? AND kind = ? AND parent = ?`, service, kind, parent).Scan(&n))
	})
	return n, err
}

func scanResource(row rowScanner) (*models.Resource, error) {
	var (
		r                    models.Resource
		attrs                string
		createdAt, updatedAt string
	)
	err := row.Scan(&r.Service, &r.Kind, &r.ID, &r.Name, &r.ARN, &r.State, &r.Parent, &attrs, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, awserr.Database(err)
	}
	r.Attrs = []byte(attrs)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}
