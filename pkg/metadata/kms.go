package metadata

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/models"
)

const keyColumns = `id, arn, description, usage, spec, state, deletion_date, created_at`

func keyNotFound(id string) error {
	return awserr.NotFound("Key", id).WithCode("NotFoundException").WithResource(id)
}

// CreateKey records a KMS key.
func (s *Store) CreateKey(ctx context.Context, key *models.Key) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kms_keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			key.ID, key.ARN, key.Description, key.Usage, key.Spec, key.State, formatNullTime(key.DeletionDate),
			formatTime(key.CreatedAt))
		return insertErr(err, key.ID)
	})
}

// GetKey returns a key by id.
func (s *Store) GetKey(ctx context.Context, id string) (*models.Key, error) {
	var key *models.Key
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		key, err = getKeyTx(ctx, tx, id)
		return err
	})
	return key, err
}

func getKeyTx(ctx context.Context, tx *sql.Tx, id string) (*models.Key, error) {
	key, err := scanKey(tx.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM kms_keys WHERE id = ? OR arn = ?`, id, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keyNotFound(id)
	}
	return key, err
}

// ListKeys returns every key in creation order.
func (s *Store) ListKeys(ctx context.Context) ([]models.Key, error) {
	var keys []models.Key
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+keyColumns+` FROM kms_keys ORDER BY created_at, id`)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			key, err := scanKey(rows)
			if err != nil {
				return err
			}
			keys = append(keys, *key)
		}
		return dbErr(rows.Err())
	})
	return keys, err
}

// SetKeyState changes a key's state and deletion date. allowed limits the states the key may
// currently be in; an empty list allows any.
func (s *Store) SetKeyState(ctx context.Context, id, state string, deletionDate *time.Time, allowed ...string) (*models.Key, error) {
	var key *models.Key
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if key, err = getKeyTx(ctx, tx, id); err != nil {
			return err
		}
		if len(allowed) > 0 && !slices.Contains(allowed, key.State) {
			return awserr.InvalidRequest(key.ARN + " is " + key.State).WithCode("KMSInvalidStateException")
		}
		key.State = state
		key.DeletionDate = deletionDate
		_, err = tx.ExecContext(ctx, `UPDATE kms_keys SET state = ?, deletion_date = ? WHERE id = ?`,
			state, formatNullTime(deletionDate), key.ID)
		return dbErr(err)
	})
	return key, err
}

// CreateAlias points a new alias at a key.
func (s *Store) CreateAlias(ctx context.Context, alias *models.Alias) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		key, err := getKeyTx(ctx, tx, alias.KeyID)
		if err != nil {
			return err
		}
		alias.KeyID = key.ID
		_, err = tx.ExecContext(ctx, `INSERT INTO kms_aliases (name, arn, key_id, created_at) VALUES (?, ?, ?, ?)`,
			alias.Name, alias.ARN, alias.KeyID, formatTime(alias.CreatedAt))
		if isUniqueViolation(err) {
			return awserr.AlreadyExists(alias.Name).WithCode("AlreadyExistsException")
		}
		return dbErr(err)
	})
}

// ResolveAlias returns the key an alias points at.
func (s *Store) ResolveAlias(ctx context.Context, name string) (*models.Key, error) {
	var key *models.Key
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var keyID string
		err := tx.QueryRowContext(ctx, `SELECT key_id FROM kms_aliases WHERE name = ? OR arn = ?`, name, name).Scan(&keyID)
		if errors.Is(err, sql.ErrNoRows) {
			return keyNotFound(name)
		}
		if err != nil {
			return dbErr(err)
		}
		key, err = getKeyTx(ctx, tx, keyID)
		return err
	})
	return key, err
}

// ListAliases returns aliases, limited to one key when keyID is set.
func (s *Store) ListAliases(ctx context.Context, keyID string) ([]models.Alias, error) {
	var aliases []models.Alias
	err := s.tx(ctx, func(tx *sql.Tx) error {
		query := `SELECT name, arn, key_id, created_at FROM kms_aliases`
		var args []any
		if keyID != "" {
			key, err := getKeyTx(ctx, tx, keyID)
			if err != nil {
				return err
			}
			query += ` WHERE key_id = ?`
			args = append(args, key.ID)
		}
		rows, err := tx.QueryContext(ctx, query+` ORDER BY name`, args...)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				alias     models.Alias
				createdAt string
			)
			if err := rows.Scan(&alias.Name, &alias.ARN, &alias.KeyID, &createdAt); err != nil {
				return dbErr(err)
			}
			alias.CreatedAt = parseTime(createdAt)
			aliases = append(aliases, alias)
		}
		return dbErr(rows.Err())
	})
	return aliases, err
}

// DeleteAlias removes an alias.
func (s *Store) DeleteAlias(ctx context.Context, name string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM kms_aliases WHERE name = ?`, name)
		if err != nil {
			return dbErr(err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return keyNotFound(name)
		}
		return nil
	})
}

func scanKey(row rowScanner) (*models.Key, error) {
	var (
		key          models.Key
		deletionDate sql.NullString
		createdAt    string
	)
	err := row.Scan(&key.ID, &key.ARN, &key.Description, &key.Usage, &key.Spec, &key.State, &deletionDate, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, dbErr(err)
	}
	key.DeletionDate = parseNullTime(deletionDate)
	key.CreatedAt = parseTime(createdAt)
	return &key, nil
}
