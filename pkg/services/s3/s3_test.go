package s3

import (
	"bytes"
	"context"
	"crypto/md5" // #nosec G501
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api"
	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/models"
	"cloudemu/pkg/wire"
)

type S3TestSuite struct {
	suite.Suite
	st  *api.State
	ctx context.Context
}

func TestS3TestSuite(t *testing.T) {
	suite.Run(t, new(S3TestSuite))
}

func (s *S3TestSuite) SetupTest() {
	s.st = apitest.NewState(s.T())
	s.ctx = context.Background()
}

// request builds a REST-XML request for bucket/key with an optional raw query.
func (s *S3TestSuite) request(op, bucket, key, rawQuery string, body []byte) *api.Request {
	q, err := url.ParseQuery(rawQuery)
	s.Require().NoError(err)
	return &api.Request{
		Service:       service,
		Operation:     op,
		Dialect:       wire.RESTXML,
		RequestID:     "req-1",
		Header:        http.Header{},
		Query:         q,
		Body:          body,
		ContentLength: int64(len(body)),
		Bucket:        bucket,
		Key:           key,
	}
}

func (s *S3TestSuite) call(h api.HandlerFunc, req *api.Request) *api.Response {
	return apitest.Call(s.T(), s.st, h, req)
}

func (s *S3TestSuite) fail(h api.HandlerFunc, req *api.Request) *awserr.Error {
	resp, err := h(s.ctx, s.st, req)
	s.Require().Error(err)
	s.Nil(resp)
	return awserr.From(err)
}

func (s *S3TestSuite) createBucket(name string) {
	s.call(createBucket, s.request("CreateBucket", name, "", "", nil))
}

func (s *S3TestSuite) put(bucket, key, content string) *api.Response {
	req := s.request("PutObject", bucket, key, "", nil)
	req.Stream = strings.NewReader(content)
	req.ContentLength = int64(len(content))
	return s.call(putObject, req)
}

func (s *S3TestSuite) read(resp *api.Response) string {
	s.Require().NotNil(resp.Stream)
	defer func() { _ = resp.Stream.Close() }()
	data, err := io.ReadAll(resp.Stream)
	s.Require().NoError(err)
	return string(data)
}

func (s *S3TestSuite) TestBucketLifecycle() {
	resp := s.call(createBucket, s.request("CreateBucket", "test-bucket", "", "", nil))
	s.Equal(http.StatusOK, resp.Status)
	s.Equal("/test-bucket", resp.Header.Get("Location"))

	e := s.fail(createBucket, s.request("CreateBucket", "test-bucket", "", "", nil))
	s.Equal("BucketAlreadyExists", e.ErrorCode())
	s.Equal(http.StatusConflict, e.Status())

	e = s.fail(createBucket, s.request("CreateBucket", "Bad_Name", "", "", nil))
	s.Equal("InvalidBucketName", e.ErrorCode())

	resp = s.call(listBuckets, s.request("ListBuckets", "", "", "", nil))
	var listed listAllMyBucketsResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &listed))
	s.Require().Len(listed.Buckets, 1)
	s.Equal("test-bucket", listed.Buckets[0].Name)
	s.Equal(s.st.AccountID(), listed.Owner.ID)

	s.put("test-bucket", "a", "x")
	e = s.fail(deleteBucket, s.request("DeleteBucket", "test-bucket", "", "", nil))
	s.Equal("BucketNotEmpty", e.ErrorCode())

	s.call(deleteObject, s.request("DeleteObject", "test-bucket", "a", "", nil))
	resp = s.call(deleteBucket, s.request("DeleteBucket", "test-bucket", "", "", nil))
	s.Equal(http.StatusNoContent, resp.Status)

	e = s.fail(headBucket, s.request("HeadBucket", "test-bucket", "", "", nil))
	s.Equal(http.StatusNotFound, e.Status())
}

func (s *S3TestSuite) TestBucketLocation() {
	body := []byte(`<CreateBucketConfiguration><LocationConstraint>eu-west-1</LocationConstraint></CreateBucketConfiguration>`)
	s.call(createBucket, s.request("CreateBucket", "eu-bucket", "", "", body))
	s.createBucket("us-bucket")

	resp := s.call(getBucketLocation, s.request("GetBucketLocation", "eu-bucket", "", "location", nil))
	s.Contains(string(resp.Body), ">eu-west-1</LocationConstraint>")

	resp = s.call(getBucketLocation, s.request("GetBucketLocation", "us-bucket", "", "location", nil))
	var loc locationConstraint
	s.Require().NoError(xml.Unmarshal(resp.Body, &loc))
	s.Empty(loc.Region)

	resp = s.call(headBucket, s.request("HeadBucket", "eu-bucket", "", "", nil))
	s.Equal("eu-west-1", resp.Header.Get("X-Amz-Bucket-Region"))
}

func (s *S3TestSuite) TestPutGetObject() {
	s.createBucket("data-bucket")
	req := s.request("PutObject", "data-bucket", "dir/hello.txt", "", nil)
	req.Stream = strings.NewReader("hello world")
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Amz-Meta-Owner", "alice")
	req.Header.Set("X-Amz-Tagging", "env=dev&team=core")
	resp := s.call(putObject, req)
	// SHA-1 of "hello world".
	s.Equal(`"2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"`, resp.Header.Get("ETag"))
	s.Empty(resp.Header.Get("X-Amz-Version-Id"))

	resp = s.call(getObject, s.request("GetObject", "data-bucket", "dir/hello.txt", "", nil))
	s.Equal(http.StatusOK, resp.Status)
	s.Equal("text/plain", resp.Header.Get("Content-Type"))
	s.Equal("alice", resp.Header.Get("X-Amz-Meta-Owner"))
	s.Equal("2", resp.Header.Get("X-Amz-Tagging-Count"))
	s.Equal("11", resp.Header.Get("Content-Length"))
	s.Equal("hello world", s.read(resp))

	resp = s.call(headObject, s.request("HeadObject", "data-bucket", "dir/hello.txt", "", nil))
	s.Nil(resp.Stream)
	s.Equal(`"2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"`, resp.Header.Get("ETag"))

	e := s.fail(getObject, s.request("GetObject", "data-bucket", "missing", "", nil))
	s.Equal("NoSuchKey", e.ErrorCode())
	e = s.fail(getObject, s.request("GetObject", "nope", "k", "", nil))
	s.Equal("NoSuchBucket", e.ErrorCode())
}

func (s *S3TestSuite) TestPutObjectDefaultsAndMissingBucket() {
	s.createBucket("data-bucket")
	s.put("data-bucket", "k", "")
	resp := s.call(headObject, s.request("HeadObject", "data-bucket", "k", "", nil))
	s.Equal(defaultType, resp.Header.Get("Content-Type"))
	s.Equal("0", resp.Header.Get("Content-Length"))

	req := s.request("PutObject", "missing", "k", "", nil)
	req.Stream = strings.NewReader("data")
	e := s.fail(putObject, req)
	s.Equal("NoSuchBucket", e.ErrorCode())
}

func (s *S3TestSuite) TestContentMD5() {
	s.createBucket("data-bucket")
	sum := md5.Sum([]byte("payload")) // #nosec G401

	req := s.request("PutObject", "data-bucket", "k", "", nil)
	req.Stream = strings.NewReader("payload")
	req.Header.Set("Content-Md5", base64.StdEncoding.EncodeToString(sum[:]))
	s.call(putObject, req)

	req = s.request("PutObject", "data-bucket", "k", "", nil)
	req.Stream = strings.NewReader("tampered")
	req.Header.Set("Content-Md5", base64.StdEncoding.EncodeToString(sum[:]))
	e := s.fail(putObject, req)
	s.Equal("BadDigest", e.ErrorCode())
	s.Equal(http.StatusBadRequest, e.Status())

	resp := s.call(getObject, s.request("GetObject", "data-bucket", "k", "", nil))
	s.Equal("payload", s.read(resp))
}

func (s *S3TestSuite) TestRangeRequests() {
	s.createBucket("data-bucket")
	s.put("data-bucket", "k", "0123456789")

	cases := []struct {
		header, body, contentRange string
	}{
		{"bytes=0-3", "0123", "bytes 0-3/10"},
		{"bytes=5-", "56789", "bytes 5-9/10"},
		{"bytes=-3", "789", "bytes 7-9/10"},
		{"bytes=8-100", "89", "bytes 8-9/10"},
	}
	for _, tc := range cases {
		req := s.request("GetObject", "data-bucket", "k", "", nil)
		req.Header.Set("Range", tc.header)
		resp := s.call(getObject, req)
		s.Equal(http.StatusPartialContent, resp.Status, tc.header)
		s.Equal(tc.contentRange, resp.Header.Get("Content-Range"), tc.header)
		s.Equal(tc.body, s.read(resp), tc.header)
	}

	req := s.request("GetObject", "data-bucket", "k", "", nil)
	req.Header.Set("Range", "bytes=20-30")
	e := s.fail(getObject, req)
	s.Equal("InvalidRange", e.ErrorCode())
}

func (s *S3TestSuite) TestVersioning() {
	s.createBucket("versioned")
	body := []byte(`<VersioningConfiguration><Status>Enabled</Status></VersioningConfiguration>`)
	s.call(putBucketVersioning, s.request("PutBucketVersioning", "versioned", "", "versioning", body))

	resp := s.call(getBucketVersioning, s.request("GetBucketVersioning", "versioned", "", "versioning", nil))
	s.Contains(string(resp.Body), "<Status>Enabled</Status>")

	first := s.put("versioned", "k", "one").Header.Get("X-Amz-Version-Id")
	second := s.put("versioned", "k", "two").Header.Get("X-Amz-Version-Id")
	s.NotEmpty(first)
	s.NotEqual(first, second)

	resp = s.call(getObject, s.request("GetObject", "versioned", "k", "versionId="+first, nil))
	s.Equal("one", s.read(resp))

	resp = s.call(deleteObject, s.request("DeleteObject", "versioned", "k", "", nil))
	s.Equal("true", resp.Header.Get("X-Amz-Delete-Marker"))
	marker := resp.Header.Get("X-Amz-Version-Id")
	s.NotEmpty(marker)

	e := s.fail(getObject, s.request("GetObject", "versioned", "k", "", nil))
	s.Equal("NoSuchKey", e.ErrorCode())

	resp = s.call(listObjectVersions, s.request("ListObjectVersions", "versioned", "", "versions", nil))
	var versions listVersionsResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &versions))
	s.Len(versions.Versions, 2)
	s.Require().Len(versions.DeleteMarkers, 1)
	s.True(versions.DeleteMarkers[0].IsLatest)

	// Removing the marker restores the previous version.
	s.call(deleteObject, s.request("DeleteObject", "versioned", "k", "versionId="+marker, nil))
	resp = s.call(getObject, s.request("GetObject", "versioned", "k", "", nil))
	s.Equal("two", s.read(resp))

	e = s.fail(putBucketVersioning, s.request("PutBucketVersioning", "versioned", "", "versioning",
		[]byte(`<VersioningConfiguration><Status>Maybe</Status></VersioningConfiguration>`)))
	s.Equal("MalformedXML", e.ErrorCode())
}

func (s *S3TestSuite) TestUnversionedListShowsNullVersion() {
	s.createBucket("data-bucket")
	s.put("data-bucket", "k", "x")
	resp := s.call(listObjectVersions, s.request("ListObjectVersions", "data-bucket", "", "versions", nil))
	var versions listVersionsResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &versions))
	s.Require().Len(versions.Versions, 1)
	s.Equal("null", versions.Versions[0].VersionID)
}

func (s *S3TestSuite) TestListObjects() {
	s.createBucket("data-bucket")
	for _, key := range []string{"a.txt", "photos/2023/1.jpg", "photos/2023/2.jpg", "photos/2024/1.jpg", "z.txt"} {
		s.put("data-bucket", key, key)
	}

	resp := s.call(listObjects, s.request("ListObjects", "data-bucket", "", "delimiter=/", nil))
	var v1 listBucketResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &v1))
	s.Len(v1.Contents, 2)
	s.Require().Len(v1.CommonPrefixes, 1)
	s.Equal("photos/", v1.CommonPrefixes[0].Prefix)
	s.Nil(v1.KeyCount)
	s.Contains(string(resp.Body), "<Marker></Marker>")

	resp = s.call(listObjects, s.request("ListObjects", "data-bucket", "", "prefix=photos/&delimiter=/", nil))
	v1 = listBucketResult{}
	s.Require().NoError(xml.Unmarshal(resp.Body, &v1))
	s.Empty(v1.Contents)
	s.Len(v1.CommonPrefixes, 2)

	// Page through with V2 continuation tokens.
	var keys []string
	token := ""
	for pages := 0; pages < 10; pages++ {
		query := "list-type=2&max-keys=2"
		if token != "" {
			query += "&continuation-token=" + url.QueryEscape(token)
		}
		resp = s.call(listObjectsV2, s.request("ListObjectsV2", "data-bucket", "", query, nil))
		var page listBucketResult
		s.Require().NoError(xml.Unmarshal(resp.Body, &page))
		s.Require().NotNil(page.KeyCount)
		s.Equal(len(page.Contents), *page.KeyCount)
		for _, c := range page.Contents {
			keys = append(keys, c.Key)
			s.Nil(c.Owner)
		}
		if !page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}
	s.Equal([]string{"a.txt", "photos/2023/1.jpg", "photos/2023/2.jpg", "photos/2024/1.jpg", "z.txt"}, keys)

	resp = s.call(listObjectsV2, s.request("ListObjectsV2", "data-bucket", "", "list-type=2&start-after=photos/2024/1.jpg", nil))
	var after listBucketResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &after))
	s.Require().Len(after.Contents, 1)
	s.Equal("z.txt", after.Contents[0].Key)

	resp = s.call(listObjectsV2, s.request("ListObjectsV2", "data-bucket", "", "list-type=2&max-keys=0", nil))
	var empty listBucketResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &empty))
	s.Empty(empty.Contents)
	s.False(empty.IsTruncated)

	e := s.fail(listObjects, s.request("ListObjects", "missing", "", "", nil))
	s.Equal("NoSuchBucket", e.ErrorCode())
}

func (s *S3TestSuite) TestCopyObject() {
	s.createBucket("src")
	s.createBucket("dst")
	req := s.request("PutObject", "src", "orig", "", nil)
	req.Stream = strings.NewReader("copy me")
	req.Header.Set("X-Amz-Meta-Color", "blue")
	s.call(putObject, req)

	req = s.request("CopyObject", "dst", "copy", "", nil)
	req.Header.Set("X-Amz-Copy-Source", "/src/orig")
	resp := s.call(copyObject, req)
	var result copyObjectResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &result))

	head := s.call(headObject, s.request("HeadObject", "dst", "copy", "", nil))
	s.Equal(result.ETag, head.Header.Get("ETag"))
	s.Equal("blue", head.Header.Get("X-Amz-Meta-Color"))

	req = s.request("CopyObject", "dst", "replaced", "", nil)
	req.Header.Set("X-Amz-Copy-Source", "src/orig")
	req.Header.Set("X-Amz-Metadata-Directive", "REPLACE")
	req.Header.Set("X-Amz-Meta-Color", "red")
	s.call(copyObject, req)
	resp = s.call(getObject, s.request("GetObject", "dst", "replaced", "", nil))
	s.Equal("red", resp.Header.Get("X-Amz-Meta-Color"))
	s.Equal("copy me", s.read(resp))

	req = s.request("CopyObject", "src", "orig", "", nil)
	req.Header.Set("X-Amz-Copy-Source", "/src/orig")
	e := s.fail(copyObject, req)
	s.Equal("InvalidRequest", e.ErrorCode())

	req = s.request("CopyObject", "dst", "x", "", nil)
	req.Header.Set("X-Amz-Copy-Source", "/src/absent")
	e = s.fail(copyObject, req)
	s.Equal("NoSuchKey", e.ErrorCode())
}

func (s *S3TestSuite) TestDeleteObjects() {
	s.createBucket("data-bucket")
	s.put("data-bucket", "one", "1")
	s.put("data-bucket", "two", "2")

	body := []byte(`<Delete><Object><Key>one</Key></Object><Object><Key>two</Key></Object><Object><Key>ghost</Key></Object></Delete>`)
	resp := s.call(deleteObjects, s.request("DeleteObjects", "data-bucket", "", "delete", body))
	var result deleteResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &result))
	s.Len(result.Deleted, 3)
	s.Empty(result.Errors)

	s.put("data-bucket", "three", "3")
	quiet := []byte(`<Delete><Quiet>true</Quiet><Object><Key>three</Key></Object></Delete>`)
	resp = s.call(deleteObjects, s.request("DeleteObjects", "data-bucket", "", "delete", quiet))
	result = deleteResult{}
	s.Require().NoError(xml.Unmarshal(resp.Body, &result))
	s.Empty(result.Deleted)

	e := s.fail(deleteObjects, s.request("DeleteObjects", "data-bucket", "", "delete", []byte(`<Delete/>`)))
	s.Equal("MalformedXML", e.ErrorCode())
}

func (s *S3TestSuite) TestObjectTagging() {
	s.createBucket("data-bucket")
	s.put("data-bucket", "k", "x")

	body := []byte(`<Tagging><TagSet><Tag><Key>b</Key><Value>2</Value></Tag><Tag><Key>a</Key><Value>1</Value></Tag></TagSet></Tagging>`)
	s.call(putObjectTagging, s.request("PutObjectTagging", "data-bucket", "k", "tagging", body))

	resp := s.call(getObjectTagging, s.request("GetObjectTagging", "data-bucket", "k", "tagging", nil))
	var tags tagging
	s.Require().NoError(xml.Unmarshal(resp.Body, &tags))
	s.Equal([]tag{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}, tags.TagSet.Tags)

	resp = s.call(deleteObjectTagging, s.request("DeleteObjectTagging", "data-bucket", "k", "tagging", nil))
	s.Equal(http.StatusNoContent, resp.Status)
	resp = s.call(getObjectTagging, s.request("GetObjectTagging", "data-bucket", "k", "tagging", nil))
	s.Contains(string(resp.Body), "<TagSet></TagSet>")

	e := s.fail(putObjectTagging, s.request("PutObjectTagging", "data-bucket", "missing", "tagging", body))
	s.Equal("NoSuchKey", e.ErrorCode())
}

func (s *S3TestSuite) TestBucketPolicy() {
	s.createBucket("data-bucket")
	e := s.fail(getBucketPolicy, s.request("GetBucketPolicy", "data-bucket", "", "policy", nil))
	s.Equal("NoSuchBucketPolicy", e.ErrorCode())

	policy := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::b/*"}]}`
	resp := s.call(putBucketPolicy, s.request("PutBucketPolicy", "data-bucket", "", "policy", []byte(policy)))
	s.Equal(http.StatusNoContent, resp.Status)

	resp = s.call(getBucketPolicy, s.request("GetBucketPolicy", "data-bucket", "", "policy", nil))
	s.JSONEq(policy, string(resp.Body))

	e = s.fail(putBucketPolicy, s.request("PutBucketPolicy", "data-bucket", "", "policy", []byte(`{"Version":"2012-10-17"}`)))
	s.Equal("MalformedPolicy", e.ErrorCode())
	e = s.fail(putBucketPolicy, s.request("PutBucketPolicy", "data-bucket", "", "policy", []byte(`not json`)))
	s.Equal("MalformedPolicy", e.ErrorCode())

	s.call(deleteBucketConfig(models.BucketPolicy), s.request("DeleteBucketPolicy", "data-bucket", "", "policy", nil))
	e = s.fail(getBucketPolicy, s.request("GetBucketPolicy", "data-bucket", "", "policy", nil))
	s.Equal("NoSuchBucketPolicy", e.ErrorCode())
}

func (s *S3TestSuite) TestBucketDocuments() {
	s.createBucket("data-bucket")
	get := getBucketDocument(models.BucketLifecycle)
	e := s.fail(get, s.request("GetBucketLifecycleConfiguration", "data-bucket", "", "lifecycle", nil))
	s.Equal("NoSuchLifecycleConfiguration", e.ErrorCode())
	s.Equal(http.StatusNotFound, e.Status())

	doc := `<LifecycleConfiguration xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
	  <Rule><ID>expire</ID><Status>Enabled</Status><Expiration><Days>7</Days></Expiration></Rule>
	</LifecycleConfiguration>`
	s.call(putBucketDocument(models.BucketLifecycle), s.request("PutBucketLifecycleConfiguration", "data-bucket", "", "lifecycle", []byte(doc)))

	resp := s.call(get, s.request("GetBucketLifecycleConfiguration", "data-bucket", "", "lifecycle", nil))
	s.Contains(string(resp.Body), "<Rule><ID>expire</ID><Status>Enabled</Status><Expiration><Days>7</Days></Expiration></Rule>")

	e = s.fail(putBucketDocument(models.BucketCORS), s.request("PutBucketCors", "data-bucket", "", "cors", []byte(`<CORSConfiguration>`)))
	s.Equal("MalformedXML", e.ErrorCode())

	// Notification and ACL documents always exist.
	resp = s.call(getBucketDocument(models.BucketNotifications), s.request("GetBucketNotificationConfiguration", "data-bucket", "", "notification", nil))
	s.Contains(string(resp.Body), "NotificationConfiguration")
	resp = s.call(getBucketDocument(models.BucketACL), s.request("GetBucketAcl", "data-bucket", "", "acl", nil))
	s.Contains(string(resp.Body), "FULL_CONTROL")

	resp = s.call(putBucketDocument(models.BucketTagging), s.request("PutBucketTagging", "data-bucket", "", "tagging",
		[]byte(`<Tagging><TagSet><Tag><Key>k</Key><Value>v</Value></Tag></TagSet></Tagging>`)))
	s.Equal(http.StatusNoContent, resp.Status)
}

func (s *S3TestSuite) TestObjectLockAtCreation() {
	req := s.request("CreateBucket", "locked", "", "", nil)
	req.Header.Set("X-Amz-Bucket-Object-Lock-Enabled", "true")
	s.call(createBucket, req)

	resp := s.call(getBucketVersioning, s.request("GetBucketVersioning", "locked", "", "versioning", nil))
	s.Contains(string(resp.Body), "<Status>Enabled</Status>")
	resp = s.call(getBucketDocument(models.BucketObjectLock), s.request("GetObjectLockConfiguration", "locked", "", "object-lock", nil))
	s.Contains(string(resp.Body), "<ObjectLockEnabled>Enabled</ObjectLockEnabled>")
}

func (s *S3TestSuite) uploadPart(bucket, key, uploadID string, number int, content []byte) string {
	req := s.request("UploadPart", bucket, key, fmt.Sprintf("partNumber=%d&uploadId=%s", number, uploadID), nil)
	req.Stream = bytes.NewReader(content)
	resp := s.call(uploadPart, req)
	return resp.Header.Get("ETag")
}

func (s *S3TestSuite) TestMultipartUpload() {
	s.createBucket("data-bucket")
	resp := s.call(createMultipartUpload, s.request("CreateMultipartUpload", "data-bucket", "big", "uploads", nil))
	var initiated initiateMultipartUploadResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &initiated))
	s.Require().NotEmpty(initiated.UploadID)
	id := initiated.UploadID

	part1 := bytes.Repeat([]byte("a"), 5<<20)
	part2 := []byte("tail")
	etag1 := s.uploadPart("data-bucket", "big", id, 1, part1)
	etag2 := s.uploadPart("data-bucket", "big", id, 2, part2)
	sum1 := md5.Sum(part1) // #nosec G401
	s.Equal(`"`+hex.EncodeToString(sum1[:])+`"`, etag1)

	resp = s.call(listParts, s.request("ListParts", "data-bucket", "big", "uploadId="+id, nil))
	var parts listPartsResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &parts))
	s.Len(parts.Parts, 2)

	resp = s.call(listMultipartUploads, s.request("ListMultipartUploads", "data-bucket", "", "uploads", nil))
	var uploads listMultipartUploadsResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &uploads))
	s.Require().Len(uploads.Uploads, 1)
	s.Equal("big", uploads.Uploads[0].Key)

	outOfOrder := fmt.Sprintf(`<CompleteMultipartUpload><Part><PartNumber>2</PartNumber><ETag>%s</ETag></Part>`+
		`<Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part></CompleteMultipartUpload>`, etag2, etag1)
	e := s.fail(completeMultipartUpload, s.request("CompleteMultipartUpload", "data-bucket", "big", "uploadId="+id, []byte(outOfOrder)))
	s.Equal("InvalidPartOrder", e.ErrorCode())

	wrongETag := fmt.Sprintf(`<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>"deadbeef"</ETag></Part>`+
		`<Part><PartNumber>2</PartNumber><ETag>%s</ETag></Part></CompleteMultipartUpload>`, etag2)
	e = s.fail(completeMultipartUpload, s.request("CompleteMultipartUpload", "data-bucket", "big", "uploadId="+id, []byte(wrongETag)))
	s.Equal("InvalidPart", e.ErrorCode())

	complete := fmt.Sprintf(`<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part>`+
		`<Part><PartNumber>2</PartNumber><ETag>%s</ETag></Part></CompleteMultipartUpload>`, etag1, etag2)
	resp = s.call(completeMultipartUpload, s.request("CompleteMultipartUpload", "data-bucket", "big", "uploadId="+id, []byte(complete)))
	var done completeMultipartUploadResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &done))

	sum2 := md5.Sum(part2) // #nosec G401
	combined := md5.Sum(append(sum1[:], sum2[:]...)) // #nosec G401
	s.Equal(`"`+hex.EncodeToString(combined[:])+`-2"`, done.ETag)

	resp = s.call(getObject, s.request("GetObject", "data-bucket", "big", "", nil))
	s.Equal(int64(len(part1)+len(part2)), resp.ContentLength)
	s.Equal(string(part1)+string(part2), s.read(resp))

	e = s.fail(listParts, s.request("ListParts", "data-bucket", "big", "uploadId="+id, nil))
	s.Equal("NoSuchUpload", e.ErrorCode())
}

func (s *S3TestSuite) TestMultipartErrors() {
	s.createBucket("data-bucket")
	req := s.request("UploadPart", "data-bucket", "k", "partNumber=1&uploadId=nope", nil)
	req.Stream = strings.NewReader("x")
	e := s.fail(uploadPart, req)
	s.Equal("NoSuchUpload", e.ErrorCode())
	s.Equal(http.StatusNotFound, e.Status())

	resp := s.call(createMultipartUpload, s.request("CreateMultipartUpload", "data-bucket", "k", "uploads", nil))
	var initiated initiateMultipartUploadResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &initiated))

	for _, n := range []string{"0", "10001", "x"} {
		req = s.request("UploadPart", "data-bucket", "k", "partNumber="+n+"&uploadId="+initiated.UploadID, nil)
		req.Stream = strings.NewReader("x")
		e = s.fail(uploadPart, req)
		s.Equal(http.StatusBadRequest, e.Status(), n)
	}

	resp = s.call(abortMultipartUpload, s.request("AbortMultipartUpload", "data-bucket", "k", "uploadId="+initiated.UploadID, nil))
	s.Equal(http.StatusNoContent, resp.Status)
	e = s.fail(abortMultipartUpload, s.request("AbortMultipartUpload", "data-bucket", "k", "uploadId="+initiated.UploadID, nil))
	s.Equal("NoSuchUpload", e.ErrorCode())
}

func (s *S3TestSuite) TestConcurrentPutsSameKey() {
	s.createBucket("data-bucket")
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := s.request("PutObject", "data-bucket", "shared", "", nil)
			req.Stream = strings.NewReader(fmt.Sprintf("writer-%d", i))
			_, err := putObject(s.ctx, s.st, req)
			s.NoError(err)
		}()
	}
	wg.Wait()

	resp := s.call(listObjectVersions, s.request("ListObjectVersions", "data-bucket", "", "versions", nil))
	var versions listVersionsResult
	s.Require().NoError(xml.Unmarshal(resp.Body, &versions))
	s.Len(versions.Versions, 1)
}
