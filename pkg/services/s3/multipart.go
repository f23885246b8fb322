package s3

import (
	"context"
	"crypto/md5" // #nosec G501 - multipart ETags are MD5 by protocol
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/wire"
)

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Xmlns    string   `xml:"xmlns,attr"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type completeRequest struct {
	Parts []completedPart `xml:"Part"`
}

type completedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Xmlns    string   `xml:"xmlns,attr"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

type listPartsResult struct {
	XMLName      xml.Name    `xml:"ListPartsResult"`
	Xmlns        string      `xml:"xmlns,attr"`
	Bucket       string      `xml:"Bucket"`
	Key          string      `xml:"Key"`
	UploadID     string      `xml:"UploadId"`
	StorageClass string      `xml:"StorageClass"`
	MaxParts     int         `xml:"MaxParts"`
	IsTruncated  bool        `xml:"IsTruncated"`
	Parts        []partEntry `xml:"Part"`
}

type partEntry struct {
	PartNumber   int    `xml:"PartNumber"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

type listMultipartUploadsResult struct {
	XMLName     xml.Name      `xml:"ListMultipartUploadsResult"`
	Xmlns       string        `xml:"xmlns,attr"`
	Bucket      string        `xml:"Bucket"`
	MaxUploads  int           `xml:"MaxUploads"`
	IsTruncated bool          `xml:"IsTruncated"`
	Uploads     []uploadEntry `xml:"Upload"`
}

type uploadEntry struct {
	Key          string `xml:"Key"`
	UploadID     string `xml:"UploadId"`
	Initiator    owner  `xml:"Initiator"`
	Owner        owner  `xml:"Owner"`
	StorageClass string `xml:"StorageClass"`
	Initiated    string `xml:"Initiated"`
}

func createMultipartUpload(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	upload := &models.MultipartUpload{
		UploadID:    awsid.Token(32),
		Bucket:      req.Bucket,
		Key:         req.Key,
		ContentType: req.Header.Get("Content-Type"),
		Metadata:    userMetadata(req.Header),
		Initiated:   st.Now(),
	}
	if err := st.Meta.CreateMultipartUpload(ctx, upload); err != nil {
		return nil, err
	}
	return api.Reply(req, initiateMultipartUploadResult{
		Xmlns:    wire.S3Namespace,
		Bucket:   upload.Bucket,
		Key:      upload.Key,
		UploadID: upload.UploadID,
	})
}

func partNumber(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxPartNumber {
		return 0, awserr.InvalidArgument(fmt.Sprintf("Part number must be an integer between 1 and %d, inclusive", maxPartNumber))
	}
	return n, nil
}

func uploadPart(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	number, err := partNumber(req.Query.Get("partNumber"))
	if err != nil {
		return nil, err
	}
	uploadID := req.Query.Get("uploadId")
	// Check before storing so an unknown upload leaves no blob behind.
	if _, err := st.Meta.GetMultipartUpload(ctx, req.Bucket, req.Key, uploadID); err != nil {
		return nil, err
	}

	content, err := storeBody(st, req)
	if err != nil {
		return nil, err
	}
	part := &models.Part{
		UploadID:     uploadID,
		PartNumber:   number,
		ContentHash:  content.hash,
		Size:         content.size,
		ETag:         hex.EncodeToString(content.md5),
		LastModified: st.Now(),
	}
	if err := st.Meta.PutPart(ctx, req.Bucket, req.Key, part); err != nil {
		return nil, err
	}
	return api.Empty(http.StatusOK).SetHeader("ETag", quote(part.ETag)), nil
}

// multipartETag is the MD5 of the concatenated binary part digests, suffixed with the part count.
func multipartETag(parts []models.Part) (string, error) {
	sum := md5.New() // #nosec G401
	for _, p := range parts {
		digest, err := hex.DecodeString(p.ETag)
		if err != nil {
			return "", awserr.Internal(fmt.Errorf("part %d has a malformed etag: %w", p.PartNumber, err))
		}
		sum.Write(digest)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(sum.Sum(nil)), len(parts)), nil
}

func completeMultipartUpload(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	uploadID := req.Query.Get("uploadId")
	var body completeRequest
	if err := wire.DecodeXML(req.Body, &body); err != nil {
		return nil, err
	}
	if len(body.Parts) == 0 {
		return nil, awserr.MalformedXML()
	}

	upload, err := st.Meta.GetMultipartUpload(ctx, req.Bucket, req.Key, uploadID)
	if err != nil {
		return nil, err
	}
	stored, err := st.Meta.ListParts(ctx, req.Bucket, req.Key, uploadID)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[int]models.Part, len(stored))
	for _, p := range stored {
		byNumber[p.PartNumber] = p
	}

	chosen := make([]models.Part, 0, len(body.Parts))
	hashes := make([]string, 0, len(body.Parts))
	for i, requested := range body.Parts {
		if i > 0 && requested.PartNumber <= body.Parts[i-1].PartNumber {
			return nil, awserr.InvalidRequest("The list of parts was not in ascending order. Parts must be ordered by part number.").
				WithCode("InvalidPartOrder")
		}
		part, ok := byNumber[requested.PartNumber]
		if !ok || unquote(requested.ETag) != part.ETag {
			return nil, awserr.InvalidRequest("One or more of the specified parts could not be found. " +
				"The part may not have been uploaded, or the specified entity tag may not match the part's entity tag.").
				WithCode("InvalidPart")
		}
		chosen = append(chosen, part)
		hashes = append(hashes, part.ContentHash)
	}

	etag, err := multipartETag(chosen)
	if err != nil {
		return nil, err
	}
	hash, size, err := st.Blobs.Concat(hashes)
	if err != nil {
		return nil, awserr.IO(err)
	}

	obj := &models.Object{
		Bucket:       req.Bucket,
		Key:          req.Key,
		ContentHash:  hash,
		Size:         size,
		ContentType:  upload.ContentType,
		ETag:         etag,
		Metadata:     upload.Metadata,
		LastModified: st.Now(),
	}
	if err := st.Meta.CompleteMultipartUpload(ctx, uploadID, obj); err != nil {
		return nil, err
	}

	log.Debug().Str("bucket", obj.Bucket).Str("key", obj.Key).Int("parts", len(chosen)).Msg("Multipart upload completed")
	resp, err := api.Reply(req, completeMultipartUploadResult{
		Xmlns:    wire.S3Namespace,
		Location: "/" + obj.Bucket + "/" + obj.Key,
		Bucket:   obj.Bucket,
		Key:      obj.Key,
		ETag:     quote(obj.ETag),
	})
	if err != nil {
		return nil, err
	}
	if obj.VersionID != "" {
		resp.SetHeader("X-Amz-Version-Id", obj.VersionID)
	}
	return resp, nil
}

func abortMultipartUpload(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	if err := st.Meta.AbortMultipartUpload(ctx, req.Bucket, req.Key, req.Query.Get("uploadId")); err != nil {
		return nil, err
	}
	return api.NoContent(), nil
}

func listParts(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	uploadID := req.Query.Get("uploadId")
	parts, err := st.Meta.ListParts(ctx, req.Bucket, req.Key, uploadID)
	if err != nil {
		return nil, err
	}
	result := listPartsResult{
		Xmlns:        wire.S3Namespace,
		Bucket:       req.Bucket,
		Key:          req.Key,
		UploadID:     uploadID,
		StorageClass: storageStandard,
		MaxParts:     maxPartNumber,
	}
	for _, p := range parts {
		result.Parts = append(result.Parts, partEntry{
			PartNumber:   p.PartNumber,
			LastModified: formatTime(p.LastModified),
			ETag:         quote(p.ETag),
			Size:         p.Size,
		})
	}
	return api.Reply(req, result)
}

func listMultipartUploads(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	uploads, err := st.Meta.ListMultipartUploads(ctx, req.Bucket)
	if err != nil {
		return nil, err
	}
	o := ownerOf(st)
	result := listMultipartUploadsResult{Xmlns: wire.S3Namespace, Bucket: req.Bucket, MaxUploads: defaultMaxUploads}
	for _, u := range uploads {
		result.Uploads = append(result.Uploads, uploadEntry{
			Key:          u.Key,
			UploadID:     u.UploadID,
			Initiator:    o,
			Owner:        o,
			StorageClass: storageStandard,
			Initiated:    formatTime(u.Initiated),
		})
	}
	return api.Reply(req, result)
}
