package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/models"
)

const (
	defaultMaxKeys = 1000
	bucketColumns  = `name, region, owner, versioning, created_at`
	objectColumns  = `bucket, key, version_id, is_latest, is_delete_marker, content_hash, size,
	                  content_type, etag, metadata, tags, last_modified`
)

// ListOptions contains options for listing objects.
type ListOptions struct {
	Prefix    string
	Delimiter string
	Marker    string
	MaxKeys   int
}

// CreateBucket creates a new bucket. A duplicate name is BucketAlreadyExists.
func (s *Store) CreateBucket(ctx context.Context, bucket *models.Bucket) error {
	if bucket.Versioning == "" {
		bucket.Versioning = models.VersioningDisabled
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO buckets (`+bucketColumns+`) VALUES (?, ?, ?, ?, ?)`,
			bucket.Name, bucket.Region, bucket.Owner, bucket.Versioning, formatTime(bucket.CreatedAt),
		)
		if isUniqueViolation(err) {
			return awserr.BucketAlreadyExists(bucket.Name)
		}
		return dbErr(err)
	})
}

// GetBucket retrieves a bucket by name.
func (s *Store) GetBucket(ctx context.Context, name string) (*models.Bucket, error) {
	var bucket *models.Bucket
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		bucket, err = getBucketTx(ctx, tx, name)
		return err
	})
	return bucket, err
}

func getBucketTx(ctx context.Context, tx *sql.Tx, name string) (*models.Bucket, error) {
	var (
		bucket    models.Bucket
		createdAt string
	)
	err := tx.QueryRowContext(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE name = ?`, name).
		Scan(&bucket.Name, &bucket.Region, &bucket.Owner, &bucket.Versioning, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, awserr.NoSuchBucket(name)
	}
	if err != nil {
		return nil, dbErr(err)
	}
	bucket.CreatedAt = parseTime(createdAt)
	return &bucket, nil
}

// ListBuckets lists all buckets ordered by name.
func (s *Store) ListBuckets(ctx context.Context) ([]models.Bucket, error) {
	var buckets []models.Bucket
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+bucketColumns+` FROM buckets ORDER BY name`)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				bucket    models.Bucket
				createdAt string
			)
			if err := rows.Scan(&bucket.Name, &bucket.Region, &bucket.Owner, &bucket.Versioning, &createdAt); err != nil {
				return dbErr(err)
			}
			bucket.CreatedAt = parseTime(createdAt)
			buckets = append(buckets, bucket)
		}
		return dbErr(rows.Err())
	})
	return buckets, err
}

// DeleteBucket deletes a bucket if it holds no object versions. In-progress multipart
// uploads are discarded with it.
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getBucketTx(ctx, tx, name); err != nil {
			return err
		}

		var objectCount int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ?`, name).Scan(&objectCount); err != nil {
			return dbErr(err)
		}
		if objectCount > 0 {
			return awserr.BucketNotEmpty(name)
		}

		_, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
		return dbErr(err)
	})
}

// SetBucketVersioning records the versioning state of a bucket.
func (s *Store) SetBucketVersioning(ctx context.Context, name, state string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE buckets SET versioning = ? WHERE name = ?`, state, name)
		if err != nil {
			return dbErr(err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return awserr.NoSuchBucket(name)
		}
		return nil
	})
}

func configColumn(config models.BucketConfig) (string, error) {
	switch config {
	case models.BucketACL, models.BucketPolicy, models.BucketLifecycle, models.BucketCORS,
		models.BucketNotifications, models.BucketPublicAccessBlock, models.BucketObjectLock, models.BucketTagging:
		return string(config), nil
	default:
		return "", fmt.Errorf("unknown bucket config %q", config)
	}
}

// SetBucketConfig stores a configuration document verbatim. An empty document clears it.
func (s *Store) SetBucketConfig(ctx context.Context, name string, config models.BucketConfig, document string) error {
	column, err := configColumn(config)
	if err != nil {
		return awserr.Internal(err)
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		//nolint:gosec // column comes from a closed set
		res, err := tx.ExecContext(ctx, `UPDATE buckets SET `+column+` = ? WHERE name = ?`, nullString(document), name)
		if err != nil {
			return dbErr(err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return awserr.NoSuchBucket(name)
		}
		return nil
	})
}

// GetBucketConfig returns a stored configuration document and whether one is set.
func (s *Store) GetBucketConfig(ctx context.Context, name string, config models.BucketConfig) (string, bool, error) {
	column, err := configColumn(config)
	if err != nil {
		return "", false, awserr.Internal(err)
	}
	var document sql.NullString
	err = s.tx(ctx, func(tx *sql.Tx) error {
		//nolint:gosec // column comes from a closed set
		err := tx.QueryRowContext(ctx, `SELECT `+column+` FROM buckets WHERE name = ?`, name).Scan(&document)
		if errors.Is(err, sql.ErrNoRows) {
			return awserr.NoSuchBucket(name)
		}
		return dbErr(err)
	})
	if err != nil {
		return "", false, err
	}
	return document.String, document.Valid && document.String != "", nil
}

// PutObject writes a new object version and makes it the latest. In a bucket with versioning
// enabled the previous rows are kept with is_latest cleared and the new row gets a fresh
// version id. Otherwise the null-version row is replaced.
func (s *Store) PutObject(ctx context.Context, obj *models.Object) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		bucket, err := getBucketTx(ctx, tx, obj.Bucket)
		if err != nil {
			return err
		}
		return insertObjectTx(ctx, tx, bucket, obj)
	})
}

func insertObjectTx(ctx context.Context, tx *sql.Tx, bucket *models.Bucket, obj *models.Object) error {
	obj.VersionID = ""
	if bucket.Versioning == models.VersioningEnabled {
		obj.VersionID = awsid.VersionID()
	} else if _, err := tx.ExecContext(ctx,
		`DELETE FROM objects WHERE bucket = ? AND key = ? AND version_id IS NULL`, obj.Bucket, obj.Key); err != nil {
		return dbErr(err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE objects SET is_latest = 0 WHERE bucket = ? AND key = ? AND is_latest = 1`, obj.Bucket, obj.Key); err != nil {
		return dbErr(err)
	}

	metadata, err := encodeStringMap(obj.Metadata)
	if err != nil {
		return err
	}
	tags, err := encodeStringMap(obj.Tags)
	if err != nil {
		return err
	}

	obj.IsLatest = true
	_, err = tx.ExecContext(ctx,
		`INSERT INTO objects (`+objectColumns+`) VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.Bucket, obj.Key, nullString(obj.VersionID), boolInt(obj.IsDeleteMarker), nullString(obj.ContentHash),
		obj.Size, nullString(obj.ContentType), nullString(obj.ETag), metadata, tags, formatTime(obj.LastModified),
	)
	return dbErr(err)
}

// GetObject returns the latest version of key, or the named version. Delete markers are
// returned as-is so callers can report them.
func (s *Store) GetObject(ctx context.Context, bucketName, key, versionID string) (*models.Object, error) {
	var obj *models.Object
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getBucketTx(ctx, tx, bucketName); err != nil {
			return err
		}

		query := `SELECT ` + objectColumns + ` FROM objects WHERE bucket = ? AND key = ?`
		args := []any{bucketName, key}
		switch versionID {
		case "":
			query += ` AND is_latest = 1`
		case "null":
			query += ` AND version_id IS NULL`
		default:
			query += ` AND version_id = ?`
			args = append(args, versionID)
		}

		var err error
		obj, err = scanObject(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return awserr.NoSuchKey(key)
		}
		return err
	})
	return obj, err
}

// DeleteObject removes key from a bucket. Without a version id, a versioned bucket gets a
// delete marker instead. Deleting something that does not exist succeeds.
func (s *Store) DeleteObject(ctx context.Context, bucketName, key, versionID string, now time.Time) (*models.DeleteResult, error) {
	result := &models.DeleteResult{}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		bucket, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}

		if versionID != "" {
			return deleteVersionTx(ctx, tx, bucketName, key, versionID, result)
		}

		switch bucket.Versioning {
		case models.VersioningEnabled, models.VersioningSuspended:
			marker := &models.Object{Bucket: bucketName, Key: key, IsDeleteMarker: true, LastModified: now}
			if err := insertObjectTx(ctx, tx, bucket, marker); err != nil {
				return err
			}
			result.DeleteMarker = true
			result.VersionID = marker.VersionID
			return nil
		default:
			_, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucketName, key)
			return dbErr(err)
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func deleteVersionTx(ctx context.Context, tx *sql.Tx, bucket, key, versionID string, result *models.DeleteResult) error {
	clause, args := `version_id = ?`, []any{bucket, key, versionID}
	if versionID == "null" {
		clause, args = `version_id IS NULL`, []any{bucket, key}
	}

	var (
		wasLatest bool
		isMarker  bool
	)
	err := tx.QueryRowContext(ctx,
		`SELECT is_latest, is_delete_marker FROM objects WHERE bucket = ? AND key = ? AND `+clause, args...).
		Scan(&wasLatest, &isMarker)
	if errors.Is(err, sql.ErrNoRows) {
		result.VersionID = versionID
		return nil
	}
	if err != nil {
		return dbErr(err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ? AND `+clause, args...); err != nil {
		return dbErr(err)
	}
	result.VersionID = versionID
	result.DeleteMarker = isMarker

	if wasLatest {
		_, err := tx.ExecContext(ctx,
			`UPDATE objects SET is_latest = 1 WHERE id = (
			     SELECT id FROM objects WHERE bucket = ? AND key = ? ORDER BY id DESC LIMIT 1)`,
			bucket, key)
		return dbErr(err)
	}
	return nil
}

// ListObjects lists the latest, non-deleted objects of a bucket in key order. Keys sharing a
// prefix up to the delimiter are rolled up into CommonPrefixes, each counting as one key.
//
//nolint:cyclop // prefix, delimiter and marker handling share one pass
func (s *Store) ListObjects(ctx context.Context, bucketName string, opts ListOptions) (*models.ObjectList, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 || maxKeys > defaultMaxKeys {
		maxKeys = defaultMaxKeys
	}

	list := &models.ObjectList{}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getBucketTx(ctx, tx, bucketName); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+objectColumns+` FROM objects
			 WHERE bucket = ? AND is_latest = 1 AND is_delete_marker = 0
			   AND substr(key, 1, length(?)) = ? AND key > ?
			 ORDER BY key`,
			bucketName, opts.Prefix, opts.Prefix, opts.Marker)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()

		seen := map[string]bool{}
		count := 0
		last := ""
		for rows.Next() {
			obj, err := scanObject(rows)
			if err != nil {
				return err
			}
			// A marker that is itself a rolled-up prefix covers every key beneath it.
			if opts.Delimiter != "" && strings.HasSuffix(opts.Marker, opts.Delimiter) &&
				strings.HasPrefix(obj.Key, opts.Marker) {
				continue
			}

			commonPrefix := ""
			if opts.Delimiter != "" {
				rest := obj.Key[len(opts.Prefix):]
				if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
					commonPrefix = opts.Prefix + rest[:idx+len(opts.Delimiter)]
				}
			}
			if commonPrefix != "" && seen[commonPrefix] {
				continue
			}

			if count == maxKeys {
				list.IsTruncated = true
				list.NextMarker = last
				break
			}
			count++

			if commonPrefix != "" {
				seen[commonPrefix] = true
				list.CommonPrefixes = append(list.CommonPrefixes, commonPrefix)
				last = commonPrefix
				continue
			}
			list.Objects = append(list.Objects, *obj)
			last = obj.Key
		}
		return dbErr(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// ListObjectVersions returns every version and delete marker under prefix, newest first per key.
func (s *Store) ListObjectVersions(ctx context.Context, bucketName, prefix string) ([]models.Object, error) {
	var objects []models.Object
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getBucketTx(ctx, tx, bucketName); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+objectColumns+` FROM objects
			 WHERE bucket = ? AND substr(key, 1, length(?)) = ?
			 ORDER BY key, id DESC`,
			bucketName, prefix, prefix)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			obj, err := scanObject(rows)
			if err != nil {
				return err
			}
			objects = append(objects, *obj)
		}
		return dbErr(rows.Err())
	})
	return objects, err
}

// SetObjectTags replaces the tag set of the latest (or named) version of key.
func (s *Store) SetObjectTags(ctx context.Context, bucketName, key, versionID string, tags map[string]string) error {
	encoded, err := encodeStringMap(tags)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getBucketTx(ctx, tx, bucketName); err != nil {
			return err
		}
		query := `UPDATE objects SET tags = ? WHERE bucket = ? AND key = ? AND is_delete_marker = 0`
		args := []any{encoded, bucketName, key}
		if versionID == "" {
			query += ` AND is_latest = 1`
		} else {
			query += ` AND version_id = ?`
			args = append(args, versionID)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return dbErr(err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return awserr.NoSuchKey(key)
		}
		return nil
	})
}

// CreateMultipartUpload records a new multipart upload.
func (s *Store) CreateMultipartUpload(ctx context.Context, upload *models.MultipartUpload) error {
	metadata, err := encodeStringMap(upload.Metadata)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getBucketTx(ctx, tx, upload.Bucket); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO multipart_uploads (upload_id, bucket, key, content_type, metadata, initiated)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			upload.UploadID, upload.Bucket, upload.Key, nullString(upload.ContentType), metadata, formatTime(upload.Initiated))
		return insertErr(err, upload.UploadID)
	})
}

// GetMultipartUpload returns an upload, checking it belongs to bucket and key.
func (s *Store) GetMultipartUpload(ctx context.Context, bucketName, key, uploadID string) (*models.MultipartUpload, error) {
	var upload *models.MultipartUpload
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		upload, err = getUploadTx(ctx, tx, bucketName, key, uploadID)
		return err
	})
	return upload, err
}

func noSuchUpload(uploadID string) error {
	return awserr.NotFound("Upload", uploadID).WithCode("NoSuchUpload").WithResource(uploadID)
}

func getUploadTx(ctx context.Context, tx *sql.Tx, bucketName, key, uploadID string) (*models.MultipartUpload, error) {
	if _, err := getBucketTx(ctx, tx, bucketName); err != nil {
		return nil, err
	}
	var (
		upload      models.MultipartUpload
		contentType sql.NullString
		metadata    sql.NullString
		initiated   string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT upload_id, bucket, key, content_type, metadata, initiated FROM multipart_uploads
		 WHERE upload_id = ? AND bucket = ? AND key = ?`, uploadID, bucketName, key).
		Scan(&upload.UploadID, &upload.Bucket, &upload.Key, &contentType, &metadata, &initiated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, noSuchUpload(uploadID)
	}
	if err != nil {
		return nil, dbErr(err)
	}
	upload.ContentType = contentType.String
	upload.Initiated = parseTime(initiated)
	if upload.Metadata, err = decodeStringMap(metadata); err != nil {
		return nil, err
	}
	return &upload, nil
}

// PutPart stores or replaces one part of an upload.
func (s *Store) PutPart(ctx context.Context, bucketName, key string, part *models.Part) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getUploadTx(ctx, tx, bucketName, key, part.UploadID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO multipart_parts (upload_id, part_number, content_hash, size, etag, last_modified)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(upload_id, part_number) DO UPDATE SET
			 content_hash = excluded.content_hash,
			 size = excluded.size,
			 etag = excluded.etag,
			 last_modified = excluded.last_modified`,
			part.UploadID, part.PartNumber, part.ContentHash, part.Size, part.ETag, formatTime(part.LastModified))
		return dbErr(err)
	})
}

// ListParts returns the parts of an upload in part-number order.
func (s *Store) ListParts(ctx context.Context, bucketName, key, uploadID string) ([]models.Part, error) {
	var parts []models.Part
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getUploadTx(ctx, tx, bucketName, key, uploadID); err != nil {
			return err
		}
		var err error
		parts, err = listPartsTx(ctx, tx, uploadID)
		return err
	})
	return parts, err
}

func listPartsTx(ctx context.Context, tx *sql.Tx, uploadID string) ([]models.Part, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT upload_id, part_number, content_hash, size, etag, last_modified
		 FROM multipart_parts WHERE upload_id = ? ORDER BY part_number`, uploadID)
	if err != nil {
		return nil, dbErr(err)
	}
	defer func() { _ = rows.Close() }()

	var parts []models.Part
	for rows.Next() {
		var (
			part         models.Part
			lastModified string
		)
		if err := rows.Scan(&part.UploadID, &part.PartNumber, &part.ContentHash, &part.Size, &part.ETag, &lastModified); err != nil {
			return nil, dbErr(err)
		}
		part.LastModified = parseTime(lastModified)
		parts = append(parts, part)
	}
	return parts, dbErr(rows.Err())
}

// CompleteMultipartUpload writes obj as the assembled object and removes the upload with its
// parts, all in one transaction.
func (s *Store) CompleteMultipartUpload(ctx context.Context, uploadID string, obj *models.Object) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getUploadTx(ctx, tx, obj.Bucket, obj.Key, uploadID); err != nil {
			return err
		}
		bucket, err := getBucketTx(ctx, tx, obj.Bucket)
		if err != nil {
			return err
		}
		if err := insertObjectTx(ctx, tx, bucket, obj); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID)
		return dbErr(err)
	})
}

// AbortMultipartUpload discards an upload and its parts.
func (s *Store) AbortMultipartUpload(ctx context.Context, bucketName, key, uploadID string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getUploadTx(ctx, tx, bucketName, key, uploadID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID)
		return dbErr(err)
	})
}

// ListMultipartUploads returns the in-progress uploads of a bucket ordered by key.
func (s *Store) ListMultipartUploads(ctx context.Context, bucketName string) ([]models.MultipartUpload, error) {
	var uploads []models.MultipartUpload
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getBucketTx(ctx, tx, bucketName); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT upload_id, bucket, key, initiated FROM multipart_uploads WHERE bucket = ? ORDER BY key, initiated`,
			bucketName)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				upload    models.MultipartUpload
				initiated string
			)
			if err := rows.Scan(&upload.UploadID, &upload.Bucket, &upload.Key, &initiated); err != nil {
				return dbErr(err)
			}
			upload.Initiated = parseTime(initiated)
			uploads = append(uploads, upload)
		}
		return dbErr(rows.Err())
	})
	return uploads, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*models.Object, error) {
	var (
		obj          models.Object
		versionID    sql.NullString
		contentHash  sql.NullString
		contentType  sql.NullString
		etag         sql.NullString
		metadata     sql.NullString
		tags         sql.NullString
		lastModified string
	)
	err := row.Scan(&obj.Bucket, &obj.Key, &versionID, &obj.IsLatest, &obj.IsDeleteMarker, &contentHash, &obj.Size,
		&contentType, &etag, &metadata, &tags, &lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, dbErr(err)
	}

	obj.VersionID = versionID.String
	obj.ContentHash = contentHash.String
	obj.ContentType = contentType.String
	obj.ETag = etag.String
	obj.LastModified = parseTime(lastModified)
	if obj.Metadata, err = decodeStringMap(metadata); err != nil {
		return nil, err
	}
	if obj.Tags, err = decodeStringMap(tags); err != nil {
		return nil, err
	}
	return &obj, nil
}

func encodeStringMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, awserr.JSON(err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeStringMap(value sql.NullString) (map[string]string, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(value.String), &m); err != nil {
		return nil, awserr.JSON(err)
	}
	return m, nil
}
