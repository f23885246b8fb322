package s3

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"net/url"
	"strconv"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/metadata"
	"cloudemu/pkg/models"
	"cloudemu/pkg/wire"
)

const defaultMaxKeys = 1000

type listBucketResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Xmlns          string         `xml:"xmlns,attr"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Marker         *string        `xml:"Marker"`
	NextMarker     string         `xml:"NextMarker,omitempty"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	EncodingType   string         `xml:"EncodingType,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []objectEntry  `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes"`

	// V2 only.
	KeyCount              *int   `xml:"KeyCount"`
	ContinuationToken     string `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string `xml:"NextContinuationToken,omitempty"`
	StartAfter            string `xml:"StartAfter,omitempty"`
}

type objectEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
	Owner        *owner `xml:"Owner,omitempty"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

type listVersionsResult struct {
	XMLName       xml.Name       `xml:"ListVersionsResult"`
	Xmlns         string         `xml:"xmlns,attr"`
	Name          string         `xml:"Name"`
	Prefix        string         `xml:"Prefix"`
	KeyMarker     string         `xml:"KeyMarker"`
	MaxKeys       int            `xml:"MaxKeys"`
	IsTruncated   bool           `xml:"IsTruncated"`
	Versions      []versionEntry `xml:"Version"`
	DeleteMarkers []markerEntry  `xml:"DeleteMarker"`
}

type versionEntry struct {
	Key          string `xml:"Key"`
	VersionID    string `xml:"VersionId"`
	IsLatest     bool   `xml:"IsLatest"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
	Owner        owner  `xml:"Owner"`
}

type markerEntry struct {
	Key          string `xml:"Key"`
	VersionID    string `xml:"VersionId"`
	IsLatest     bool   `xml:"IsLatest"`
	LastModified string `xml:"LastModified"`
	Owner        owner  `xml:"Owner"`
}

func maxKeys(q url.Values) (int, error) {
	raw := q.Get("max-keys")
	if raw == "" {
		return defaultMaxKeys, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, awserr.InvalidArgument("Provided max-keys not an integer or within integer range")
	}
	return min(n, defaultMaxKeys), nil
}

// encodeKey applies encoding-type=url to keys and prefixes.
func encodeKey(q url.Values, key string) string {
	if q.Get("encoding-type") == "url" {
		return url.QueryEscape(key)
	}
	return key
}

// listPage runs the listing, honouring max-keys=0 which lists nothing.
func listPage(ctx context.Context, st *api.State, bucket string, opts metadata.ListOptions) (*models.ObjectList, error) {
	if opts.MaxKeys == 0 {
		if _, err := st.Meta.GetBucket(ctx, bucket); err != nil {
			return nil, err
		}
		return &models.ObjectList{}, nil
	}
	return st.Meta.ListObjects(ctx, bucket, opts)
}

func fillListing(result *listBucketResult, q url.Values, list *models.ObjectList, withOwner *owner) {
	result.Contents = make([]objectEntry, 0, len(list.Objects))
	for _, obj := range list.Objects {
		result.Contents = append(result.Contents, objectEntry{
			Key:          encodeKey(q, obj.Key),
			LastModified: formatTime(obj.LastModified),
			ETag:         quote(obj.ETag),
			Size:         obj.Size,
			StorageClass: storageStandard,
			Owner:        withOwner,
		})
	}
	for _, p := range list.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: encodeKey(q, p)})
	}
	result.IsTruncated = list.IsTruncated
}

func listObjects(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	q := req.Query
	limit, err := maxKeys(q)
	if err != nil {
		return nil, err
	}
	opts := metadata.ListOptions{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		Marker:    q.Get("marker"),
		MaxKeys:   limit,
	}
	list, err := listPage(ctx, st, req.Bucket, opts)
	if err != nil {
		return nil, err
	}

	o := ownerOf(st)
	result := listBucketResult{
		Xmlns:        wire.S3Namespace,
		Name:         req.Bucket,
		Prefix:       opts.Prefix,
		Marker:       &opts.Marker,
		Delimiter:    opts.Delimiter,
		EncodingType: q.Get("encoding-type"),
		MaxKeys:      limit,
	}
	fillListing(&result, q, list, &o)
	// NextMarker is only returned when a delimiter was given.
	if list.IsTruncated && opts.Delimiter != "" {
		result.NextMarker = list.NextMarker
	}
	return api.Reply(req, result)
}

func listObjectsV2(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	q := req.Query
	limit, err := maxKeys(q)
	if err != nil {
		return nil, err
	}

	opts := metadata.ListOptions{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		Marker:    q.Get("start-after"),
		MaxKeys:   limit,
	}
	token := q.Get("continuation-token")
	if token != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			return nil, awserr.InvalidArgument("The continuation token provided is incorrect")
		}
		opts.Marker = string(decoded)
	}

	list, err := listPage(ctx, st, req.Bucket, opts)
	if err != nil {
		return nil, err
	}

	var withOwner *owner
	if q.Get("fetch-owner") == "true" {
		o := ownerOf(st)
		withOwner = &o
	}
	keyCount := len(list.Objects) + len(list.CommonPrefixes)
	result := listBucketResult{
		Xmlns:             wire.S3Namespace,
		Name:              req.Bucket,
		Prefix:            opts.Prefix,
		Delimiter:         opts.Delimiter,
		EncodingType:      q.Get("encoding-type"),
		MaxKeys:           limit,
		KeyCount:          &keyCount,
		ContinuationToken: token,
		StartAfter:        q.Get("start-after"),
	}
	fillListing(&result, q, list, withOwner)
	if list.IsTruncated {
		result.NextContinuationToken = base64.RawURLEncoding.EncodeToString([]byte(list.NextMarker))
	}
	return api.Reply(req, result)
}

func versionIDOf(obj models.Object) string {
	if obj.VersionID == "" {
		return "null"
	}
	return obj.VersionID
}

func listObjectVersions(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	prefix := req.Query.Get("prefix")
	objects, err := st.Meta.ListObjectVersions(ctx, req.Bucket, prefix)
	if err != nil {
		return nil, err
	}

	o := ownerOf(st)
	result := listVersionsResult{
		Xmlns:   wire.S3Namespace,
		Name:    req.Bucket,
		Prefix:  prefix,
		MaxKeys: defaultMaxKeys,
	}
	for _, obj := range objects {
		if obj.IsDeleteMarker {
			result.DeleteMarkers = append(result.DeleteMarkers, markerEntry{
				Key:          obj.Key,
				VersionID:    versionIDOf(obj),
				IsLatest:     obj.IsLatest,
				LastModified: formatTime(obj.LastModified),
				Owner:        o,
			})
			continue
		}
		result.Versions = append(result.Versions, versionEntry{
			Key:          obj.Key,
			VersionID:    versionIDOf(obj),
			IsLatest:     obj.IsLatest,
			LastModified: formatTime(obj.LastModified),
			ETag:         quote(obj.ETag),
			Size:         obj.Size,
			StorageClass: storageStandard,
			Owner:        o,
		})
	}
	return api.Reply(req, result)
}
