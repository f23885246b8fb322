package s3

import (
	"context"
	"encoding/xml"
	"net/http"
	"regexp"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/wire"
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

type listAllMyBucketsResult struct {
	XMLName xml.Name     `xml:"ListAllMyBucketsResult"`
	Xmlns   string       `xml:"xmlns,attr"`
	Owner   owner        `xml:"Owner"`
	Buckets []bucketInfo `xml:"Buckets>Bucket"`
}

type bucketInfo struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type createBucketConfiguration struct {
	LocationConstraint string `xml:"LocationConstraint"`
}

type locationConstraint struct {
	XMLName xml.Name `xml:"LocationConstraint"`
	Xmlns   string   `xml:"xmlns,attr"`
	Region  string   `xml:",chardata"`
}

type versioningConfiguration struct {
	XMLName xml.Name `xml:"VersioningConfiguration"`
	Xmlns   string   `xml:"xmlns,attr,omitempty"`
	Status  string   `xml:"Status,omitempty"`
}

func validBucketName(name string) bool {
	return bucketNamePattern.MatchString(name) && !strings.Contains(name, "..")
}

func listBuckets(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	buckets, err := st.Meta.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	result := listAllMyBucketsResult{Xmlns: wire.S3Namespace, Owner: ownerOf(st), Buckets: []bucketInfo{}}
	for _, b := range buckets {
		result.Buckets = append(result.Buckets, bucketInfo{Name: b.Name, CreationDate: formatTime(b.CreatedAt)})
	}
	return api.Reply(req, result)
}

func createBucket(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	if !validBucketName(req.Bucket) {
		return nil, awserr.InvalidArgument("The specified bucket is not valid.").
			WithCode("InvalidBucketName").WithResource(req.Bucket)
	}

	region := st.Region()
	if len(strings.TrimSpace(string(req.Body))) > 0 {
		var cfg createBucketConfiguration
		if err := wire.DecodeXML(req.Body, &cfg); err != nil {
			return nil, err
		}
		if cfg.LocationConstraint != "" {
			region = cfg.LocationConstraint
		}
	}

	bucket := &models.Bucket{
		Name:       req.Bucket,
		Region:     region,
		Owner:      st.AccountID(),
		Versioning: models.VersioningDisabled,
		CreatedAt:  st.Now(),
	}
	if err := st.Meta.CreateBucket(ctx, bucket); err != nil {
		return nil, err
	}

	// Object lock requires versioning; AWS turns it on implicitly.
	if strings.EqualFold(req.Header.Get("X-Amz-Bucket-Object-Lock-Enabled"), "true") {
		if err := st.Meta.SetBucketVersioning(ctx, bucket.Name, models.VersioningEnabled); err != nil {
			return nil, err
		}
		doc := `<ObjectLockConfiguration><ObjectLockEnabled>Enabled</ObjectLockEnabled></ObjectLockConfiguration>`
		if err := st.Meta.SetBucketConfig(ctx, bucket.Name, models.BucketObjectLock, doc); err != nil {
			return nil, err
		}
	}

	log.Debug().Str("bucket", bucket.Name).Str("region", region).Msg("Bucket created")
	return api.Empty(http.StatusOK).SetHeader("Location", "/"+bucket.Name), nil
}

func headBucket(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	bucket, err := st.Meta.GetBucket(ctx, req.Bucket)
	if err != nil {
		return nil, err
	}
	return api.Empty(http.StatusOK).SetHeader("X-Amz-Bucket-Region", bucket.Region), nil
}

func deleteBucket(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	if err := st.Meta.DeleteBucket(ctx, req.Bucket); err != nil {
		return nil, err
	}
	return api.NoContent(), nil
}

func getBucketLocation(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	bucket, err := st.Meta.GetBucket(ctx, req.Bucket)
	if err != nil {
		return nil, err
	}
	region := bucket.Region
	// us-east-1 is reported as an empty constraint.
	if region == "us-east-1" {
		region = ""
	}
	return api.Reply(req, locationConstraint{Xmlns: wire.S3Namespace, Region: region})
}

func getBucketVersioning(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	bucket, err := st.Meta.GetBucket(ctx, req.Bucket)
	if err != nil {
		return nil, err
	}
	result := versioningConfiguration{Xmlns: wire.S3Namespace}
	if bucket.Versioning != models.VersioningDisabled {
		result.Status = bucket.Versioning
	}
	return api.Reply(req, result)
}

func putBucketVersioning(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var cfg versioningConfiguration
	if err := wire.DecodeXML(req.Body, &cfg); err != nil {
		return nil, err
	}
	if cfg.Status != models.VersioningEnabled && cfg.Status != models.VersioningSuspended {
		return nil, awserr.MalformedXML()
	}
	if err := st.Meta.SetBucketVersioning(ctx, req.Bucket, cfg.Status); err != nil {
		return nil, err
	}
	return api.Empty(http.StatusOK), nil
}

func getBucketPolicy(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	doc, ok, err := st.Meta.GetBucketConfig(ctx, req.Bucket, models.BucketPolicy)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, awserr.NoSuchBucketPolicy(req.Bucket)
	}
	resp := &api.Response{Status: http.StatusOK, Body: []byte(doc)}
	return resp.SetHeader("Content-Type", "application/json"), nil
}

func putBucketPolicy(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var policy struct {
		Statement []any `json:"Statement"`
	}
	if err := wire.DecodeJSON(req.Body, &policy); err != nil || len(req.Body) == 0 {
		return nil, awserr.MalformedPolicy("Policies must be valid JSON and the first byte must be '{'")
	}
	if len(policy.Statement) == 0 {
		return nil, awserr.MalformedPolicy("Missing required field Statement")
	}
	if err := st.Meta.SetBucketConfig(ctx, req.Bucket, models.BucketPolicy, string(req.Body)); err != nil {
		return nil, err
	}
	return api.NoContent(), nil
}

// missingConfig is the error each configuration document reports when it was never set.
var missingConfig = map[models.BucketConfig]struct{ code, message string }{
	models.BucketLifecycle:         {"NoSuchLifecycleConfiguration", "The lifecycle configuration does not exist"},
	models.BucketCORS:              {"NoSuchCORSConfiguration", "The CORS configuration does not exist"},
	models.BucketTagging:           {"NoSuchTagSet", "The TagSet does not exist"},
	models.BucketPublicAccessBlock: {"NoSuchPublicAccessBlockConfiguration", "The public access block configuration was not found"},
	models.BucketObjectLock:        {"ObjectLockConfigurationNotFoundError", "Object Lock configuration does not exist for this bucket"},
}

// defaultDocument answers for configurations that always exist in AWS.
func defaultDocument(st *api.State, config models.BucketConfig) (string, bool) {
	switch config {
	case models.BucketNotifications:
		return `<NotificationConfiguration xmlns="` + wire.S3Namespace + `"></NotificationConfiguration>`, true
	case models.BucketACL:
		o := ownerOf(st)
		return `<AccessControlPolicy xmlns="` + wire.S3Namespace + `"><Owner><ID>` + o.ID + `</ID><DisplayName>` +
			o.DisplayName + `</DisplayName></Owner><AccessControlList><Grant>` +
			`<Grantee xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:type="CanonicalUser"><ID>` + o.ID +
			`</ID><DisplayName>` + o.DisplayName + `</DisplayName></Grantee><Permission>FULL_CONTROL</Permission>` +
			`</Grant></AccessControlList></AccessControlPolicy>`, true
	}
	return "", false
}

// getBucketDocument serves an XML configuration document exactly as it was stored.
func getBucketDocument(config models.BucketConfig) api.HandlerFunc {
	return func(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
		doc, ok, err := st.Meta.GetBucketConfig(ctx, req.Bucket, config)
		if err != nil {
			return nil, err
		}
		if !ok {
			if def, ok := defaultDocument(st, config); ok {
				doc = def
			} else {
				missing := missingConfig[config]
				return nil, awserr.NotFound(string(config), req.Bucket).WithCode(missing.code).WithResource(req.Bucket)
			}
		}
		resp := &api.Response{Status: http.StatusOK, Body: []byte(xml.Header + doc)}
		return resp.SetHeader("Content-Type", "application/xml"), nil
	}
}

// putBucketDocument stores an XML configuration document. The document is checked for
// well-formedness and stored in canonical form so a later Get returns the same structure.
func putBucketDocument(config models.BucketConfig) api.HandlerFunc {
	return func(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
		// A canned ACL arrives as a header with no body.
		if config == models.BucketACL && len(strings.TrimSpace(string(req.Body))) == 0 {
			if _, err := st.Meta.GetBucket(ctx, req.Bucket); err != nil {
				return nil, err
			}
			return api.Empty(http.StatusOK), nil
		}
		doc, err := wire.Canonicalize(req.Body)
		if err != nil {
			return nil, err
		}
		if err := st.Meta.SetBucketConfig(ctx, req.Bucket, config, string(doc)); err != nil {
			return nil, err
		}
		if config == models.BucketTagging || config == models.BucketPublicAccessBlock {
			return api.NoContent(), nil
		}
		return api.Empty(http.StatusOK), nil
	}
}

func deleteBucketConfig(config models.BucketConfig) api.HandlerFunc {
	return func(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
		if err := st.Meta.SetBucketConfig(ctx, req.Bucket, config, ""); err != nil {
			return nil, err
		}
		return api.NoContent(), nil
	}
}
