package metadata

import (
	"context"
	"database/sql"
	"errors"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/models"
)

func tableNotFound(name string) error {
	return awserr.NotFound("Table", name).WithResource(name)
}

// CreateTable records a table definition.
func (s *Store) CreateTable(ctx context.Context, table *models.Table) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dynamo_tables (name, arn, attribute_defs, key_schema, billing_mode, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			table.Name, table.ARN, string(table.AttributeDefs), string(table.KeySchema), table.BillingMode,
			formatTime(table.CreatedAt))
		return insertErr(err, table.Name)
	})
}

// GetTable returns a table definition together with its item count.
func (s *Store) GetTable(ctx context.Context, name string) (*models.Table, int64, error) {
	var (
		table *models.Table
		count int64
	)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if table, err = getTableTx(ctx, tx, name); err != nil {
			return err
		}
		return dbErr(tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dynamo_items WHERE table_name = ?`, name).Scan(&count))
	})
	return table, count, err
}

func getTableTx(ctx context.Context, tx *sql.Tx, name string) (*models.Table, error) {
	var (
		table     models.Table
		attrDefs  string
		keySchema string
		createdAt string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT name, arn, attribute_defs, key_schema, billing_mode, created_at FROM dynamo_tables WHERE name = ?`, name).
		Scan(&table.Name, &table.ARN, &attrDefs, &keySchema, &table.BillingMode, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tableNotFound(name)
	}
	if err != nil {
		return nil, dbErr(err)
	}
	table.AttributeDefs = []byte(attrDefs)
	table.KeySchema = []byte(keySchema)
	table.CreatedAt = parseTime(createdAt)
	return &table, nil
}

// ListTables returns table names in order.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT name FROM dynamo_tables ORDER BY name`)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return dbErr(err)
			}
			names = append(names, name)
		}
		return dbErr(rows.Err())
	})
	return names, err
}

// DeleteTable removes a table and all of its items, returning the definition it removed.
func (s *Store) DeleteTable(ctx context.Context, name string) (*models.Table, error) {
	var table *models.Table
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if table, err = getTableTx(ctx, tx, name); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM dynamo_tables WHERE name = ?`, name)
		return dbErr(err)
	})
	return table, err
}

// PutItem inserts or replaces the item at (pk, sk) and returns the previous item, if any.
func (s *Store) PutItem(ctx context.Context, item models.Item) ([]byte, error) {
	var old []byte
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getTableTx(ctx, tx, item.Table); err != nil {
			return err
		}
		var err error
		if old, err = getItemTx(ctx, tx, item.Table, item.PK, item.SK); err != nil {
			return err
		}
		return putItemTx(ctx, tx, item)
	})
	return old, err
}

func putItemTx(ctx context.Context, tx *sql.Tx, item models.Item) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO dynamo_items (table_name, pk, sk, item_json) VALUES (?, ?, ?, ?)
		 ON CONFLICT(table_name, pk, sk) DO UPDATE SET item_json = excluded.item_json`,
		item.Table, item.PK, item.SK, string(item.Data))
	return dbErr(err)
}

func getItemTx(ctx context.Context, tx *sql.Tx, table, pk, sk string) ([]byte, error) {
	var data string
	err := tx.QueryRowContext(ctx,
		`SELECT item_json FROM dynamo_items WHERE table_name = ? AND pk = ? AND sk = ?`, table, pk, sk).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err)
	}
	return []byte(data), nil
}

// GetItem returns the item at (pk, sk), or nil when there is none.
func (s *Store) GetItem(ctx context.Context, table, pk, sk string) ([]byte, error) {
	var data []byte
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getTableTx(ctx, tx, table); err != nil {
			return err
		}
		var err error
		data, err = getItemTx(ctx, tx, table, pk, sk)
		return err
	})
	return data, err
}

// DeleteItem removes the item at (pk, sk) and returns it. A missing item is not an error.
func (s *Store) DeleteItem(ctx context.Context, table, pk, sk string) ([]byte, error) {
	var old []byte
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getTableTx(ctx, tx, table); err != nil {
			return err
		}
		var err error
		if old, err = getItemTx(ctx, tx, table, pk, sk); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM dynamo_items WHERE table_name = ? AND pk = ? AND sk = ?`, table, pk, sk)
		return dbErr(err)
	})
	return old, err
}

// UpdateItem applies fn to the current item (nil when absent) and stores what it returns,
// atomically. A nil result deletes the item. It returns the previous and the new item.
func (s *Store) UpdateItem(ctx context.Context, table, pk, sk string, fn func(old []byte) ([]byte, error)) ([]byte, []byte, error) {
	var old, updated []byte
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getTableTx(ctx, tx, table); err != nil {
			return err
		}
		var err error
		if old, err = getItemTx(ctx, tx, table, pk, sk); err != nil {
			return err
		}
		if updated, err = fn(old); err != nil {
			return err
		}
		if updated == nil {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM dynamo_items WHERE table_name = ? AND pk = ? AND sk = ?`, table, pk, sk)
			return dbErr(err)
		}
		return putItemTx(ctx, tx, models.Item{Table: table, PK: pk, SK: sk, Data: updated})
	})
	return old, updated, err
}

// QueryItems returns every item under a partition key. Ordering by sort key is the caller's
// job because the stored sort key text does not order numbers.
func (s *Store) QueryItems(ctx context.Context, table, pk string) ([]models.Item, error) {
	return s.listItems(ctx, table, `SELECT table_name, pk, sk, item_json FROM dynamo_items
		WHERE table_name = ? AND pk = ? ORDER BY sk`, table, pk)
}

// ScanItems returns every item of a table ordered by (pk, sk).
func (s *Store) ScanItems(ctx context.Context, table string) ([]models.Item, error) {
	return s.listItems(ctx, table, `SELECT table_name, pk, sk, item_json FROM dynamo_items
		WHERE table_name = ? ORDER BY pk, sk`, table)
}

func (s *Store) listItems(ctx context.Context, table, query string, args ...any) ([]models.Item, error) {
	var items []models.Item
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getTableTx(ctx, tx, table); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				item models.Item
				data string
			)
			if err := rows.Scan(&item.Table, &item.PK, &item.SK, &data); err != nil {
				return dbErr(err)
			}
			item.Data = []byte(data)
			items = append(items, item)
		}
		return dbErr(rows.Err())
	})
	return items, err
}

// BatchWriteItems applies puts and deletes in one transaction.
func (s *Store) BatchWriteItems(ctx context.Context, puts []models.Item, deletes []models.Item) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		checked := map[string]bool{}
		check := func(table string) error {
			if checked[table] {
				return nil
			}
			if _, err := getTableTx(ctx, tx, table); err != nil {
				return err
			}
			checked[table] = true
			return nil
		}

		for _, item := range puts {
			if err := check(item.Table); err != nil {
				return err
			}
			if err := putItemTx(ctx, tx, item); err != nil {
				return err
			}
		}
		for _, item := range deletes {
			if err := check(item.Table); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM dynamo_items WHERE table_name = ? AND pk = ? AND sk = ?`, item.Table, item.PK, item.SK); err != nil {
				return dbErr(err)
			}
		}
		return nil
	})
}
