package s3

import (
	"context"
	"crypto/md5" // #nosec G501 - Content-MD5 and part ETags are MD5 by protocol
	"crypto/sha1" // #nosec G505 - single-part ETags are the SHA-1 of the content
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/wire"
)

type copyObjectResult struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	Xmlns        string   `xml:"xmlns,attr"`
	ETag         string   `xml:"ETag"`
	LastModified string   `xml:"LastModified"`
}

type deleteRequest struct {
	Objects []objectIdentifier `xml:"Object"`
	Quiet   bool               `xml:"Quiet"`
}

type objectIdentifier struct {
	Key       string `xml:"Key"`
	VersionID string `xml:"VersionId,omitempty"`
}

type deleteResult struct {
	XMLName xml.Name        `xml:"DeleteResult"`
	Xmlns   string          `xml:"xmlns,attr"`
	Deleted []deletedObject `xml:"Deleted,omitempty"`
	Errors  []deleteError   `xml:"Error,omitempty"`
}

type deletedObject struct {
	Key                   string `xml:"Key"`
	VersionID             string `xml:"VersionId,omitempty"`
	DeleteMarker          bool   `xml:"DeleteMarker,omitempty"`
	DeleteMarkerVersionID string `xml:"DeleteMarkerVersionId,omitempty"`
}

type deleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// storedContent is what writing a body to the blob store yields.
type storedContent struct {
	hash string
	size int64
	sha1 string
	md5  []byte
}

// storeBody streams the request body into the blob store while computing the digests S3
// reports, and checks Content-MD5 when the client sent one.
func storeBody(st *api.State, req *api.Request) (*storedContent, error) {
	sha := sha1.New() // #nosec G401
	sum := md5.New()  // #nosec G401
	reader := io.TeeReader(req.BodyReader(), io.MultiWriter(sha, sum))

	hash, size, err := st.Blobs.Put(reader)
	if err != nil {
		return nil, awserr.IO(err)
	}
	content := &storedContent{hash: hash, size: size, sha1: hex.EncodeToString(sha.Sum(nil)), md5: sum.Sum(nil)}

	if expected := req.Header.Get("Content-Md5"); expected != "" {
		want, err := base64.StdEncoding.DecodeString(expected)
		if err != nil || len(want) != md5.Size {
			return nil, awserr.InvalidArgument("The Content-MD5 you specified was invalid.").WithCode("InvalidDigest")
		}
		if !strings.EqualFold(hex.EncodeToString(want), hex.EncodeToString(content.md5)) {
			return nil, awserr.InvalidArgument("The Content-MD5 you specified did not match what we received.").
				WithCode("BadDigest")
		}
	}
	return content, nil
}

// parseTagging decodes the x-amz-tagging header (URL query form).
func parseTagging(header string) (map[string]string, error) {
	if header == "" {
		return nil, nil
	}
	values, err := url.ParseQuery(header)
	if err != nil {
		return nil, awserr.InvalidArgument("The header 'x-amz-tagging' shall be encoded as UTF-8 then URLEncoded URL query parameters without tag name duplicates.")
	}
	tags := map[string]string{}
	for k, v := range values {
		if len(v) > 0 {
			tags[k] = v[0]
		}
	}
	return tags, nil
}

func putObject(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	// Reject early so a missing bucket leaves no blob behind.
	if _, err := st.Meta.GetBucket(ctx, req.Bucket); err != nil {
		return nil, err
	}
	tags, err := parseTagging(req.Header.Get("X-Amz-Tagging"))
	if err != nil {
		return nil, err
	}
	content, err := storeBody(st, req)
	if err != nil {
		return nil, err
	}

	obj := &models.Object{
		Bucket:       req.Bucket,
		Key:          req.Key,
		ContentHash:  content.hash,
		Size:         content.size,
		ContentType:  req.Header.Get("Content-Type"),
		ETag:         content.sha1,
		Metadata:     userMetadata(req.Header),
		Tags:         tags,
		LastModified: st.Now(),
	}
	if err := st.Meta.PutObject(ctx, obj); err != nil {
		return nil, err
	}

	log.Debug().Str("bucket", obj.Bucket).Str("key", obj.Key).Int64("size", obj.Size).Msg("Object stored")
	resp := api.Empty(http.StatusOK).SetHeader("ETag", quote(obj.ETag))
	if obj.VersionID != "" {
		resp.SetHeader("X-Amz-Version-Id", obj.VersionID)
	}
	return resp, nil
}

// lookupObject resolves the requested version, mapping delete markers to NoSuchKey the way
// S3 does (with x-amz-delete-marker on the error response being informational only).
func lookupObject(ctx context.Context, st *api.State, req *api.Request) (*models.Object, error) {
	obj, err := st.Meta.GetObject(ctx, req.Bucket, req.Key, req.Query.Get("versionId"))
	if err != nil {
		return nil, err
	}
	if obj.IsDeleteMarker {
		if req.Query.Get("versionId") != "" {
			return nil, awserr.Newf(awserr.KindNotImplemented, "The specified method is not allowed against this resource.").
				WithCode("MethodNotAllowed")
		}
		return nil, awserr.NoSuchKey(req.Key)
	}
	return obj, nil
}

func getObject(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	obj, err := lookupObject(ctx, st, req)
	if err != nil {
		return nil, err
	}

	file, err := st.Blobs.Open(obj.ContentHash)
	if err != nil {
		return nil, awserr.IO(err)
	}

	resp := &api.Response{Status: http.StatusOK, ContentLength: obj.Size}
	objectHeaders(resp, obj)

	rangeHeader := req.Header.Get("Range")
	if rangeHeader == "" {
		resp.Stream = file
		resp.SetHeader("Content-Length", strconv.FormatInt(obj.Size, 10))
		return resp, nil
	}

	start, end, err := parseRange(rangeHeader, obj.Size)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, awserr.IO(err)
	}
	length := end - start + 1
	resp.Status = http.StatusPartialContent
	resp.ContentLength = length
	resp.Stream = struct {
		io.Reader
		io.Closer
	}{io.LimitReader(file, length), file}
	resp.SetHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, obj.Size))
	resp.SetHeader("Content-Length", strconv.FormatInt(length, 10))
	return resp, nil
}

// parseRange resolves a single "bytes=" range against size. Multiple ranges are not supported.
func parseRange(header string, size int64) (int64, int64, error) {
	invalid := awserr.InvalidArgument("The requested range is not satisfiable").WithCode("InvalidRange")
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, invalid
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, invalid
	}

	var start, end int64
	switch {
	case first == "":
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, invalid
		}
		start, end = max(size-n, 0), size-1
	default:
		s, err := strconv.ParseInt(first, 10, 64)
		if err != nil {
			return 0, 0, invalid
		}
		start, end = s, size-1
		if last != "" {
			e, err := strconv.ParseInt(last, 10, 64)
			if err != nil || e < s {
				return 0, 0, invalid
			}
			end = min(e, size-1)
		}
	}
	if start >= size {
		return 0, 0, invalid
	}
	return start, end, nil
}

func headObject(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	obj, err := lookupObject(ctx, st, req)
	if err != nil {
		return nil, err
	}
	resp := api.Empty(http.StatusOK)
	objectHeaders(resp, obj)
	resp.SetHeader("Content-Length", strconv.FormatInt(obj.Size, 10))
	return resp, nil
}

func deleteObject(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	result, err := st.Meta.DeleteObject(ctx, req.Bucket, req.Key, req.Query.Get("versionId"), st.Now())
	if err != nil {
		return nil, err
	}
	resp := api.NoContent()
	if result.VersionID != "" {
		resp.SetHeader("X-Amz-Version-Id", result.VersionID)
	}
	if result.DeleteMarker {
		resp.SetHeader("X-Amz-Delete-Marker", "true")
	}
	return resp, nil
}

func deleteObjects(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var body deleteRequest
	if err := wire.DecodeXML(req.Body, &body); err != nil {
		return nil, err
	}
	if len(body.Objects) == 0 || len(body.Objects) > 1000 {
		return nil, awserr.MalformedXML()
	}

	result := deleteResult{Xmlns: wire.S3Namespace}
	for _, target := range body.Objects {
		res, err := st.Meta.DeleteObject(ctx, req.Bucket, target.Key, target.VersionID, st.Now())
		if err != nil {
			e := awserr.From(err)
			if e.Kind == awserr.KindNoSuchBucket {
				return nil, err
			}
			result.Errors = append(result.Errors, deleteError{Key: target.Key, Code: e.ErrorCode(), Message: e.Message})
			continue
		}
		if body.Quiet {
			continue
		}
		deleted := deletedObject{Key: target.Key, VersionID: target.VersionID, DeleteMarker: res.DeleteMarker}
		if res.DeleteMarker && target.VersionID == "" {
			deleted.DeleteMarkerVersionID = res.VersionID
		}
		result.Deleted = append(result.Deleted, deleted)
	}
	return api.Reply(req, result)
}

// copySource parses x-amz-copy-source: "/bucket/key", "bucket/key", optionally "?versionId=".
func copySource(header string) (bucket, key, versionID string, err error) {
	source, query, _ := strings.Cut(header, "?")
	source, unescapeErr := url.PathUnescape(source)
	if unescapeErr != nil {
		return "", "", "", awserr.InvalidArgument("Copy Source must mention the source bucket and key: sourcebucket/sourcekey")
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(source, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", "", awserr.InvalidArgument("Copy Source must mention the source bucket and key: sourcebucket/sourcekey")
	}
	if values, err := url.ParseQuery(query); err == nil {
		versionID = values.Get("versionId")
	}
	return bucket, key, versionID, nil
}

func copyObject(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	srcBucket, srcKey, srcVersion, err := copySource(req.Header.Get("X-Amz-Copy-Source"))
	if err != nil {
		return nil, err
	}
	src, err := st.Meta.GetObject(ctx, srcBucket, srcKey, srcVersion)
	if err != nil {
		return nil, err
	}
	if src.IsDeleteMarker {
		return nil, awserr.NoSuchKey(srcKey)
	}

	replace := strings.EqualFold(req.Header.Get("X-Amz-Metadata-Directive"), "REPLACE")
	if srcBucket == req.Bucket && srcKey == req.Key && !replace {
		return nil, awserr.InvalidRequest("This copy request is illegal because it is trying to copy an object to itself " +
			"without changing the object's metadata, storage class, website redirect location or encryption attributes.")
	}

	// Blobs are content-addressed, so the copy shares the source's bytes.
	dst := &models.Object{
		Bucket:       req.Bucket,
		Key:          req.Key,
		ContentHash:  src.ContentHash,
		Size:         src.Size,
		ContentType:  src.ContentType,
		ETag:         src.ETag,
		Metadata:     src.Metadata,
		Tags:         src.Tags,
		LastModified: st.Now(),
	}
	if replace {
		dst.ContentType = req.Header.Get("Content-Type")
		dst.Metadata = userMetadata(req.Header)
	}
	if strings.EqualFold(req.Header.Get("X-Amz-Tagging-Directive"), "REPLACE") {
		if dst.Tags, err = parseTagging(req.Header.Get("X-Amz-Tagging")); err != nil {
			return nil, err
		}
	}
	if err := st.Meta.PutObject(ctx, dst); err != nil {
		return nil, err
	}

	resp, err := api.Reply(req, copyObjectResult{
		Xmlns:        wire.S3Namespace,
		ETag:         quote(dst.ETag),
		LastModified: formatTime(dst.LastModified),
	})
	if err != nil {
		return nil, err
	}
	if dst.VersionID != "" {
		resp.SetHeader("X-Amz-Version-Id", dst.VersionID)
	}
	if src.VersionID != "" {
		resp.SetHeader("X-Amz-Copy-Source-Version-Id", src.VersionID)
	}
	return resp, nil
}

func getObjectTagging(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	obj, err := lookupObject(ctx, st, req)
	if err != nil {
		return nil, err
	}
	result := tagging{Xmlns: wire.S3Namespace}
	for k, v := range obj.Tags {
		result.TagSet.Tags = append(result.TagSet.Tags, tag{Key: k, Value: v})
	}
	sortTags(result.TagSet.Tags)
	resp, err := api.Reply(req, result)
	if err != nil {
		return nil, err
	}
	if obj.VersionID != "" {
		resp.SetHeader("X-Amz-Version-Id", obj.VersionID)
	}
	return resp, nil
}

func putObjectTagging(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var body tagging
	if err := wire.DecodeXML(req.Body, &body); err != nil {
		return nil, err
	}
	tags := map[string]string{}
	for _, t := range body.TagSet.Tags {
		if t.Key == "" {
			return nil, awserr.InvalidArgument("The TagKey you have provided is invalid").WithCode("InvalidTag")
		}
		tags[t.Key] = t.Value
	}
	if err := st.Meta.SetObjectTags(ctx, req.Bucket, req.Key, req.Query.Get("versionId"), tags); err != nil {
		return nil, err
	}
	return api.Empty(http.StatusOK), nil
}

func deleteObjectTagging(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	if err := st.Meta.SetObjectTags(ctx, req.Bucket, req.Key, req.Query.Get("versionId"), nil); err != nil {
		return nil, err
	}
	return api.NoContent(), nil
}
