package metadata

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/goccy/go-json"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/models"
)

const secretColumns = `name, arn, description, kms_key_id, tags, created_at, updated_at, deleted_at`

func secretNotFound(id string) error {
	return awserr.NotFound("Secret", id).
		WithCode("ResourceNotFoundException").
		WithResource(id)
}

// CreateSecret records a secret and, when initial is not nil, its first version as AWSCURRENT.
func (s *Store) CreateSecret(ctx context.Context, secret *models.Secret, initial *models.SecretVersion) error {
	tags, err := encodeStringMap(secret.Tags)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO secrets (`+secretColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
			secret.Name, secret.ARN, nullString(secret.Description), nullString(secret.KMSKeyID), tags,
			formatTime(secret.CreatedAt), formatTime(secret.UpdatedAt))
		if isUniqueViolation(err) {
			return awserr.AlreadyExists(secret.Name).WithCode("ResourceExistsException")
		}
		if err != nil {
			return dbErr(err)
		}
		if initial == nil {
			return nil
		}
		initial.Secret = secret.Name
		return rotateInVersionTx(ctx, tx, initial)
	})
}

// GetSecret returns a secret by name or ARN. Secrets scheduled for deletion are returned too.
func (s *Store) GetSecret(ctx context.Context, id string) (*models.Secret, error) {
	var secret *models.Secret
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		secret, err = getSecretTx(ctx, tx, id)
		return err
	})
	return secret, err
}

func getSecretTx(ctx context.Context, tx *sql.Tx, id string) (*models.Secret, error) {
	secret, err := scanSecret(tx.QueryRowContext(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE name = ? OR arn = ?`, id, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, secretNotFound(id)
	}
	return secret, err
}

// ListSecrets returns every secret ordered by name.
func (s *Store) ListSecrets(ctx context.Context) ([]models.Secret, error) {
	var secrets []models.Secret
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+secretColumns+` FROM secrets ORDER BY name`)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			secret, err := scanSecret(rows)
			if err != nil {
				return err
			}
			secrets = append(secrets, *secret)
		}
		return dbErr(rows.Err())
	})
	return secrets, err
}

// UpdateSecret changes description and KMS key. Empty values leave the field untouched. A
// non-nil version is added as the new AWSCURRENT.
func (s *Store) UpdateSecret(ctx context.Context, id, description, kmsKeyID string, version *models.SecretVersion, now time.Time) (*models.Secret, error) {
	var secret *models.Secret
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if secret, err = liveSecretTx(ctx, tx, id); err != nil {
			return err
		}
		if description != "" {
			secret.Description = description
		}
		if kmsKeyID != "" {
			secret.KMSKeyID = kmsKeyID
		}
		secret.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE secrets SET description = ?, kms_key_id = ?, updated_at = ? WHERE name = ?`,
			nullString(secret.Description), nullString(secret.KMSKeyID), formatTime(now), secret.Name); err != nil {
			return dbErr(err)
		}
		if version == nil {
			return nil
		}
		version.Secret = secret.Name
		return rotateInVersionTx(ctx, tx, version)
	})
	return secret, err
}

// PutSecretValue appends a version. AWSCURRENT moves to it, the version that held AWSCURRENT
// becomes AWSPREVIOUS and the old AWSPREVIOUS loses that label.
func (s *Store) PutSecretValue(ctx context.Context, id string, version *models.SecretVersion, now time.Time) (*models.Secret, error) {
	var secret *models.Secret
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if secret, err = liveSecretTx(ctx, tx, id); err != nil {
			return err
		}
		version.Secret = secret.Name
		if err := rotateInVersionTx(ctx, tx, version); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE secrets SET updated_at = ? WHERE name = ?`, formatTime(now), secret.Name)
		return dbErr(err)
	})
	return secret, err
}

func liveSecretTx(ctx context.Context, tx *sql.Tx, id string) (*models.Secret, error) {
	secret, err := getSecretTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if secret.DeletedAt != nil {
		return nil, awserr.InvalidRequest("You can't perform this operation on the secret because it was marked for deletion.").
			WithCode("InvalidRequestException")
	}
	return secret, nil
}

// rotateInVersionTx stores version as AWSCURRENT. Repeating a stored version id with the same
// value changes nothing and loads the stored version into version; another value is rejected.
func rotateInVersionTx(ctx context.Context, tx *sql.Tx, version *models.SecretVersion) error {
	versions, err := listVersionsTx(ctx, tx, version.Secret)
	if err != nil {
		return err
	}
	for _, existing := range versions {
		if existing.VersionID != version.VersionID {
			continue
		}
		if !existing.SameValue(version) {
			return awserr.AlreadyExists(version.VersionID).WithCode("ResourceExistsException")
		}
		*version = existing
		return nil
	}

	for i := range versions {
		existing := &versions[i]
		stages := slices.DeleteFunc(slices.Clone(existing.Stages), func(stage string) bool {
			return stage == models.StagePrevious
		})
		if existing.HasStage(models.StageCurrent) {
			stages = slices.DeleteFunc(stages, func(stage string) bool { return stage == models.StageCurrent })
			stages = append(stages, models.StagePrevious)
		}
		if slices.Equal(stages, existing.Stages) {
			continue
		}
		if err := setStagesTx(ctx, tx, existing.Secret, existing.VersionID, stages); err != nil {
			return err
		}
	}

	if !version.HasStage(models.StageCurrent) {
		version.Stages = append(version.Stages, models.StageCurrent)
	}
	stages, err := json.Marshal(version.Stages)
	if err != nil {
		return awserr.JSON(err)
	}
	var value sql.NullString
	if version.SecretString != nil {
		value = sql.NullString{String: *version.SecretString, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO secret_versions (secret, version_id, secret_string, secret_binary, stages, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		version.Secret, version.VersionID, value, version.SecretBinary, string(stages), formatTime(version.CreatedAt))
	return insertErr(err, version.VersionID)
}

func setStagesTx(ctx context.Context, tx *sql.Tx, secret, versionID string, stages []string) error {
	if stages == nil {
		stages = []string{}
	}
	data, err := json.Marshal(stages)
	if err != nil {
		return awserr.JSON(err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE secret_versions SET stages = ? WHERE secret = ? AND version_id = ?`,
		string(data), secret, versionID)
	return dbErr(err)
}

// GetSecretVersion returns the version with versionID, or the one carrying stage when
// versionID is empty. An empty stage means AWSCURRENT.
func (s *Store) GetSecretVersion(ctx context.Context, id, versionID, stage string) (*models.Secret, *models.SecretVersion, error) {
	if versionID == "" && stage == "" {
		stage = models.StageCurrent
	}
	var (
		secret  *models.Secret
		version *models.SecretVersion
	)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if secret, err = liveSecretTx(ctx, tx, id); err != nil {
			return err
		}
		versions, err := listVersionsTx(ctx, tx, secret.Name)
		if err != nil {
			return err
		}
		for i := range versions {
			candidate := &versions[i]
			if versionID != "" && candidate.VersionID != versionID {
				continue
			}
			if stage != "" && !candidate.HasStage(stage) {
				continue
			}
			version = candidate
			return nil
		}
		return awserr.NotFound("SecretVersion", id).
			WithCode("ResourceNotFoundException")
	})
	return secret, version, err
}

// ListSecretVersions returns every version of a secret, newest first.
func (s *Store) ListSecretVersions(ctx context.Context, id string) (*models.Secret, []models.SecretVersion, error) {
	var (
		secret   *models.Secret
		versions []models.SecretVersion
	)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if secret, err = getSecretTx(ctx, tx, id); err != nil {
			return err
		}
		versions, err = listVersionsTx(ctx, tx, secret.Name)
		return err
	})
	return secret, versions, err
}

func listVersionsTx(ctx context.Context, tx *sql.Tx, secret string) ([]models.SecretVersion, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT secret, version_id, secret_string, secret_binary, stages, created_at
		 FROM secret_versions WHERE secret = ? ORDER BY created_at DESC, rowid DESC`, secret)
	if err != nil {
		return nil, dbErr(err)
	}
	defer func() { _ = rows.Close() }()

	var versions []models.SecretVersion
	for rows.Next() {
		var (
			version   models.SecretVersion
			value     sql.NullString
			stages    string
			createdAt string
		)
		if err := rows.Scan(&version.Secret, &version.VersionID, &value, &version.SecretBinary, &stages, &createdAt); err != nil {
			return nil, dbErr(err)
		}
		if value.Valid {
			v := value.String
			version.SecretString = &v
		}
		if err := json.Unmarshal([]byte(stages), &version.Stages); err != nil {
			return nil, awserr.JSON(err)
		}
		version.CreatedAt = parseTime(createdAt)
		versions = append(versions, version)
	}
	return versions, dbErr(rows.Err())
}

// MarkSecretDeleted schedules a secret for deletion at deleteAt.
func (s *Store) MarkSecretDeleted(ctx context.Context, id string, deleteAt time.Time) (*models.Secret, error) {
	return s.setSecretDeletion(ctx, id, &deleteAt)
}

// RestoreSecret cancels a scheduled deletion.
func (s *Store) RestoreSecret(ctx context.Context, id string) (*models.Secret, error) {
	return s.setSecretDeletion(ctx, id, nil)
}

func (s *Store) setSecretDeletion(ctx context.Context, id string, deleteAt *time.Time) (*models.Secret, error) {
	var secret *models.Secret
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if secret, err = getSecretTx(ctx, tx, id); err != nil {
			return err
		}
		secret.DeletedAt = deleteAt
		_, err = tx.ExecContext(ctx, `UPDATE secrets SET deleted_at = ? WHERE name = ?`,
			formatNullTime(deleteAt), secret.Name)
		return dbErr(err)
	})
	return secret, err
}

// DeleteSecret removes a secret and all of its versions immediately.
func (s *Store) DeleteSecret(ctx context.Context, id string) (*models.Secret, error) {
	var secret *models.Secret
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if secret, err = getSecretTx(ctx, tx, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, secret.Name)
		return dbErr(err)
	})
	return secret, err
}

func scanSecret(row rowScanner) (*models.Secret, error) {
	var (
		secret                models.Secret
		description, kmsKeyID sql.NullString
		tags, deletedAt       sql.NullString
		createdAt, updatedAt  string
	)
	err := row.Scan(&secret.Name, &secret.ARN, &description, &kmsKeyID, &tags, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, dbErr(err)
	}
	secret.Description = description.String
	secret.KMSKeyID = kmsKeyID.String
	secret.CreatedAt = parseTime(createdAt)
	secret.UpdatedAt = parseTime(updatedAt)
	secret.DeletedAt = parseNullTime(deletedAt)
	if secret.Tags, err = decodeStringMap(tags); err != nil {
		return nil, err
	}
	return &secret, nil
}
