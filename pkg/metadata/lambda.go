package metadata

import (
	"context"
	"database/sql"
	"errors"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/models"
)

const functionColumns = `name, arn, runtime, role, handler, description, timeout, memory_size, environment,
	code_hash, code_size, code_sha256, revision_id, created_at, last_modified`

func functionNotFound(name string) error {
	return awserr.NotFound("Function", name).WithResource(name)
}

// CreateFunction records a Lambda function.
func (s *Store) CreateFunction(ctx context.Context, fn *models.Function) error {
	env, err := encodeStringMap(fn.Environment)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO lambda_functions (`+functionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fn.Name, fn.ARN, fn.Runtime, fn.Role, fn.Handler, nullString(fn.Description), fn.Timeout, fn.MemorySize, env,
			fn.CodeHash, fn.CodeSize, fn.CodeSHA256, fn.RevisionID, formatTime(fn.CreatedAt), formatTime(fn.LastModified))
		return insertErr(err, fn.Name)
	})
}

// GetFunction returns a function by name.
func (s *Store) GetFunction(ctx context.Context, name string) (*models.Function, error) {
	var fn *models.Function
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		fn, err = getFunctionTx(ctx, tx, name)
		return err
	})
	return fn, err
}

func getFunctionTx(ctx context.Context, tx *sql.Tx, name string) (*models.Function, error) {
	fn, err := scanFunction(tx.QueryRowContext(ctx, `SELECT `+functionColumns+` FROM lambda_functions WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, functionNotFound(name)
	}
	return fn, err
}

// ListFunctions returns every function ordered by name.
func (s *Store) ListFunctions(ctx context.Context) ([]models.Function, error) {
	var functions []models.Function
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+functionColumns+` FROM lambda_functions ORDER BY name`)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			fn, err := scanFunction(rows)
			if err != nil {
				return err
			}
			functions = append(functions, *fn)
		}
		return dbErr(rows.Err())
	})
	return functions, err
}

// UpdateFunction applies mutate to the stored function and saves the result atomically.
func (s *Store) UpdateFunction(ctx context.Context, name string, mutate func(*models.Function) error) (*models.Function, error) {
	var fn *models.Function
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if fn, err = getFunctionTx(ctx, tx, name); err != nil {
			return err
		}
		if err := mutate(fn); err != nil {
			return err
		}
		env, err := encodeStringMap(fn.Environment)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE lambda_functions SET runtime = ?, role = ?, handler = ?, description = ?, timeout = ?,
			     memory_size = ?, environment = ?, code_hash = ?, code_size = ?, code_sha256 = ?,
			     revision_id = ?, last_modified = ?
			 WHERE name = ?`,
			fn.Runtime, fn.Role, fn.Handler, nullString(fn.Description), fn.Timeout, fn.MemorySize, env,
			fn.CodeHash, fn.CodeSize, fn.CodeSHA256, fn.RevisionID, formatTime(fn.LastModified), name)
		return dbErr(err)
	})
	return fn, err
}

// DeleteFunction removes a function.
func (s *Store) DeleteFunction(ctx context.Context, name string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM lambda_functions WHERE name = ?`, name)
		if err != nil {
			return dbErr(err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return functionNotFound(name)
		}
		return nil
	})
}

func scanFunction(row rowScanner) (*models.Function, error) {
	var (
		fn                      models.Function
		description, env        sql.NullString
		createdAt, lastModified string
	)
	err := row.Scan(&fn.Name, &fn.ARN, &fn.Runtime, &fn.Role, &fn.Handler, &description, &fn.Timeout, &fn.MemorySize,
		&env, &fn.CodeHash, &fn.CodeSize, &fn.CodeSHA256, &fn.RevisionID, &createdAt, &lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, dbErr(err)
	}
	fn.Description = description.String
	fn.CreatedAt = parseTime(createdAt)
	fn.LastModified = parseTime(lastModified)
	if fn.Environment, err = decodeStringMap(env); err != nil {
		return nil, err
	}
	return &fn, nil
}
