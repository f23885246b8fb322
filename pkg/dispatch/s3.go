package dispatch

import (
	"net/http"
	"net/url"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/wire"
)

// bucketSubresources maps a bucket sub-resource query flag to its Get/Put/Delete operations.
var bucketSubresources = []struct {
	flag               string
	get, put, deleteOp string
}{
	{"versioning", "GetBucketVersioning", "PutBucketVersioning", ""},
	{"policy", "GetBucketPolicy", "PutBucketPolicy", "DeleteBucketPolicy"},
	{"lifecycle", "GetBucketLifecycleConfiguration", "PutBucketLifecycleConfiguration", "DeleteBucketLifecycle"},
	{"cors", "GetBucketCors", "PutBucketCors", "DeleteBucketCors"},
	{"acl", "GetBucketAcl", "PutBucketAcl", ""},
	{"tagging", "GetBucketTagging", "PutBucketTagging", "DeleteBucketTagging"},
	{"notification", "GetBucketNotificationConfiguration", "PutBucketNotificationConfiguration", ""},
	{"publicAccessBlock", "GetPublicAccessBlock", "PutPublicAccessBlock", "DeletePublicAccessBlock"},
	{"object-lock", "GetObjectLockConfiguration", "PutObjectLockConfiguration", ""},
	{"location", "GetBucketLocation", "", ""},
	{"uploads", "ListMultipartUploads", "", ""},
	{"versions", "ListObjectVersions", "", ""},
}

func classifyS3(r *http.Request) (*Route, error) {
	bucket, key := splitBucketKey(r)
	route := &Route{Service: "s3", Dialect: wire.RESTXML, Bucket: bucket, Key: key}
	q := r.URL.Query()

	var op string
	switch {
	case bucket == "":
		if r.Method == http.MethodGet {
			op = "ListBuckets"
		}
	case key == "":
		op = bucketOperation(r.Method, q)
	default:
		op = objectOperation(r, q)
	}
	if op == "" {
		return route, awserr.NotImplemented(r.Method + " " + r.URL.Path).WithCode("MethodNotAllowed")
	}
	route.Operation = op
	return route, nil
}

func bucketOperation(method string, q url.Values) string {
	for _, sub := range bucketSubresources {
		if !q.Has(sub.flag) {
			continue
		}
		switch method {
		case http.MethodGet:
			return sub.get
		case http.MethodPut:
			return sub.put
		case http.MethodDelete:
			return sub.deleteOp
		}
		return ""
	}

	switch method {
	case http.MethodGet:
		if q.Get("list-type") == "2" {
			return "ListObjectsV2"
		}
		return "ListObjects"
	case http.MethodPut:
		return "CreateBucket"
	case http.MethodHead:
		return "HeadBucket"
	case http.MethodDelete:
		return "DeleteBucket"
	case http.MethodPost:
		if q.Has("delete") {
			return "DeleteObjects"
		}
	}
	return ""
}

func objectOperation(r *http.Request, q url.Values) string {
	switch r.Method {
	case http.MethodGet:
		switch {
		case q.Has("uploadId"):
			return "ListParts"
		case q.Has("tagging"):
			return "GetObjectTagging"
		}
		return "GetObject"
	case http.MethodHead:
		return "HeadObject"
	case http.MethodPut:
		switch {
		case q.Has("partNumber") && q.Has("uploadId"):
			return "UploadPart"
		case q.Has("tagging"):
			return "PutObjectTagging"
		case r.Header.Get("X-Amz-Copy-Source") != "":
			return "CopyObject"
		}
		return "PutObject"
	case http.MethodDelete:
		switch {
		case q.Has("uploadId"):
			return "AbortMultipartUpload"
		case q.Has("tagging"):
			return "DeleteObjectTagging"
		}
		return "DeleteObject"
	case http.MethodPost:
		switch {
		case q.Has("uploads"):
			return "CreateMultipartUpload"
		case q.Has("uploadId"):
			return "CompleteMultipartUpload"
		}
	}
	return ""
}
