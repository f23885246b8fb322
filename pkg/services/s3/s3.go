// Package s3 implements the S3 REST-XML API over the metadata and blob stores.
package s3

import (
	"cmp"
	"encoding/xml"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"cloudemu/pkg/api"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/models"
)

const (
	service           = "s3"
	timeFormat        = "2006-01-02T15:04:05.000Z"
	defaultType       = "binary/octet-stream"
	metaHeaderPrefix  = "X-Amz-Meta-"
	storageStandard   = "STANDARD"
	maxPartNumber     = 10000
	defaultMaxUploads = 1000
)

// Register adds every S3 operation to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"ListBuckets":       listBuckets,
		"CreateBucket":      createBucket,
		"HeadBucket":        headBucket,
		"DeleteBucket":      deleteBucket,
		"GetBucketLocation": getBucketLocation,

		"GetBucketVersioning": getBucketVersioning,
		"PutBucketVersioning": putBucketVersioning,

		"GetBucketPolicy":    getBucketPolicy,
		"PutBucketPolicy":    putBucketPolicy,
		"DeleteBucketPolicy": deleteBucketConfig(models.BucketPolicy),

		"GetBucketLifecycleConfiguration":    getBucketDocument(models.BucketLifecycle),
		"PutBucketLifecycleConfiguration":    putBucketDocument(models.BucketLifecycle),
		"DeleteBucketLifecycle":              deleteBucketConfig(models.BucketLifecycle),
		"GetBucketCors":                      getBucketDocument(models.BucketCORS),
		"PutBucketCors":                      putBucketDocument(models.BucketCORS),
		"DeleteBucketCors":                   deleteBucketConfig(models.BucketCORS),
		"GetBucketTagging":                   getBucketDocument(models.BucketTagging),
		"PutBucketTagging":                   putBucketDocument(models.BucketTagging),
		"DeleteBucketTagging":                deleteBucketConfig(models.BucketTagging),
		"GetPublicAccessBlock":               getBucketDocument(models.BucketPublicAccessBlock),
		"PutPublicAccessBlock":               putBucketDocument(models.BucketPublicAccessBlock),
		"DeletePublicAccessBlock":            deleteBucketConfig(models.BucketPublicAccessBlock),
		"GetObjectLockConfiguration":         getBucketDocument(models.BucketObjectLock),
		"PutObjectLockConfiguration":         putBucketDocument(models.BucketObjectLock),
		"GetBucketNotificationConfiguration": getBucketDocument(models.BucketNotifications),
		"PutBucketNotificationConfiguration": putBucketDocument(models.BucketNotifications),
		"GetBucketAcl":                       getBucketDocument(models.BucketACL),
		"PutBucketAcl":                       putBucketDocument(models.BucketACL),

		"ListObjects":        listObjects,
		"ListObjectsV2":      listObjectsV2,
		"ListObjectVersions": listObjectVersions,

		"PutObject":           putObject,
		"GetObject":           getObject,
		"HeadObject":          headObject,
		"DeleteObject":        deleteObject,
		"DeleteObjects":       deleteObjects,
		"CopyObject":          copyObject,
		"GetObjectTagging":    getObjectTagging,
		"PutObjectTagging":    putObjectTagging,
		"DeleteObjectTagging": deleteObjectTagging,

		"CreateMultipartUpload":   createMultipartUpload,
		"UploadPart":              uploadPart,
		"CompleteMultipartUpload": completeMultipartUpload,
		"AbortMultipartUpload":    abortMultipartUpload,
		"ListParts":               listParts,
		"ListMultipartUploads":    listMultipartUploads,
	})
}

type owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

func ownerOf(st *api.State) owner {
	return owner{ID: st.AccountID(), DisplayName: "cloudemu"}
}

type tag struct {
	Key   string `xml:"Key"`
	Value string `xml:"Value"`
}

type tagging struct {
	XMLName xml.Name `xml:"Tagging"`
	Xmlns   string   `xml:"xmlns,attr,omitempty"`
	TagSet  tagSet   `xml:"TagSet"`
}

// tagSet is a wrapper so an empty set still renders as <TagSet></TagSet>.
type tagSet struct {
	Tags []tag `xml:"Tag"`
}

func sortTags(tags []tag) {
	slices.SortFunc(tags, func(a, b tag) int { return cmp.Compare(a.Key, b.Key) })
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func quote(etag string) string {
	return `"` + etag + `"`
}

func unquote(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

// userMetadata collects x-amz-meta-* headers, keyed by the lowercase suffix.
func userMetadata(h http.Header) map[string]string {
	meta := map[string]string{}
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if suffix, ok := strings.CutPrefix(canonical, metaHeaderPrefix); ok && len(values) > 0 {
			meta[strings.ToLower(suffix)] = values[0]
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// objectHeaders sets the headers GetObject and HeadObject share.
func objectHeaders(resp *api.Response, obj *models.Object) {
	contentType := obj.ContentType
	if contentType == "" {
		contentType = defaultType
	}
	resp.SetHeader("Content-Type", contentType)
	resp.SetHeader("ETag", quote(obj.ETag))
	resp.SetHeader("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	resp.SetHeader("Accept-Ranges", "bytes")
	if obj.VersionID != "" {
		resp.SetHeader("X-Amz-Version-Id", obj.VersionID)
	}
	for k, v := range obj.Metadata {
		resp.SetHeader(metaHeaderPrefix+k, v)
	}
	if len(obj.Tags) > 0 {
		resp.SetHeader("X-Amz-Tagging-Count", strconv.Itoa(len(obj.Tags)))
	}
}
