package models

import "time"

// Versioning states a bucket can be in.
const (
	VersioningDisabled  = "Disabled"
	VersioningEnabled   = "Enabled"
	VersioningSuspended = "Suspended"
)

// Bucket represents a logical container for objects.
type Bucket struct {
	Name       string    `json:"name"`
	Region     string    `json:"region"`
	Owner      string    `json:"owner"`
	Versioning string    `json:"versioning"`
	CreatedAt  time.Time `json:"created_at"`
}

// BucketConfig names one of the per-bucket configuration documents stored verbatim.
type BucketConfig string

const (
	BucketACL               BucketConfig = "acl"
	BucketPolicy            BucketConfig = "policy"
	BucketLifecycle         BucketConfig = "lifecycle"
	BucketCORS              BucketConfig = "cors"
	BucketNotifications     BucketConfig = "notifications"
	BucketPublicAccessBlock BucketConfig = "public_access_block"
	BucketObjectLock        BucketConfig = "object_lock"
	BucketTagging           BucketConfig = "tagging"
)

// Object is one version of a key within a bucket.
type Object struct {
	Bucket         string            `json:"bucket"`
	Key            string            `json:"key"`
	VersionID      string            `json:"version_id,omitempty"`
	IsLatest       bool              `json:"is_latest"`
	IsDeleteMarker bool              `json:"is_delete_marker"`
	ContentHash    string            `json:"content_hash,omitempty"`
	Size           int64             `json:"size"`
	ContentType    string            `json:"content_type,omitempty"`
	ETag           string            `json:"etag,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	LastModified   time.Time         `json:"last_modified"`
}

// ObjectList represents a page of objects, grouped by delimiter when one is given.
type ObjectList struct {
	Objects        []Object `json:"objects"`
	CommonPrefixes []string `json:"common_prefixes,omitempty"`
	IsTruncated    bool     `json:"is_truncated"`
	NextMarker     string   `json:"next_marker,omitempty"`
}

// DeleteResult describes the outcome of a delete against a possibly versioned bucket.
type DeleteResult struct {
	VersionID    string
	DeleteMarker bool
}

// MultipartUpload is an in-progress multipart upload.
type MultipartUpload struct {
	UploadID    string            `json:"upload_id"`
	Bucket      string            `json:"bucket"`
	Key         string            `json:"key"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Initiated   time.Time         `json:"initiated"`
}

// Part is one uploaded part of a multipart upload.
type Part struct {
	UploadID     string    `json:"upload_id"`
	PartNumber   int       `json:"part_number"`
	ContentHash  string    `json:"content_hash"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}
