package ecr

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

const digestPrefix = "sha256:"

type imageAttrs struct {
	Tags      []string `json:"tags,omitempty"`
	MediaType string   `json:"media_type"`
	Size      int64    `json:"size"`
}

// images are children of their repository, keyed "<repository>@<digest>". A tag belongs to at
// most one image of a repository.
var images = resource.Kind[imageAttrs]{
	Service: service,
	Kind:    "image",
}

func imageKey(repo, digest string) string {
	return repo + "@" + digest
}

func digestOf(rec *resource.Record[imageAttrs]) string {
	return rec.ID[strings.LastIndex(rec.ID, "@")+1:]
}

type imageID struct {
	ImageDigest string `json:"imageDigest,omitempty"`
	ImageTag    string `json:"imageTag,omitempty"`
}

type imageFailure struct {
	ImageID       imageID `json:"imageId"`
	FailureCode   string  `json:"failureCode"`
	FailureReason string  `json:"failureReason"`
}

type image struct {
	RegistryID             string  `json:"registryId"`
	RepositoryName         string  `json:"repositoryName"`
	ImageID                imageID `json:"imageId"`
	ImageManifest          string  `json:"imageManifest"`
	ImageManifestMediaType string  `json:"imageManifestMediaType"`
}

// findImage resolves an image id within a repository. A digest wins over a tag when both are
// given; the tag must then belong to that digest.
func findImage(ctx context.Context, st *api.State, repo string, id imageID) (*resource.Record[imageAttrs], error) {
	if id.ImageDigest == "" && id.ImageTag == "" {
		return nil, invalidParameter("Invalid parameter at 'imageIds' failed to satisfy constraint: 'imageDigest or imageTag must be set'")
	}
	if id.ImageDigest != "" {
		rec, err := images.Get(ctx, st, imageKey(repo, id.ImageDigest))
		if err != nil {
			return nil, err
		}
		if id.ImageTag != "" && !slices.Contains(rec.Data.Tags, id.ImageTag) {
			return nil, awserr.NotFound("image", id.ImageTag)
		}
		return rec, nil
	}
	records, err := images.List(ctx, st, models.ResourceFilter{Parent: repo})
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if slices.Contains(rec.Data.Tags, id.ImageTag) {
			return rec, nil
		}
	}
	return nil, awserr.NotFound("image", id.ImageTag)
}

// notFoundFailure turns a missing image into a batch failure entry.
func notFoundFailure(id imageID, err error) (imageFailure, error) {
	if !awserr.IsKind(err, awserr.KindNotFound) {
		return imageFailure{}, err
	}
	return imageFailure{ImageID: id, FailureCode: "ImageNotFound", FailureReason: "Requested image not found"}, nil
}

type putImageInput struct {
	RegistryID             string `json:"registryId"`
	RepositoryName         string `json:"repositoryName"`
	ImageManifest          string `json:"imageManifest"`
	ImageManifestMediaType string `json:"imageManifestMediaType"`
	ImageTag               string `json:"imageTag"`
	ImageDigest            string `json:"imageDigest"`
}

type imageOutput struct {
	Image image `json:"image"`
}

// putImage stores a manifest and points a tag at it. The tag moves off any other image in a
// MUTABLE repository; an IMMUTABLE repository refuses to move it.
func putImage(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in putImageInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := checkRegistry(st, in.RegistryID); err != nil {
		return nil, err
	}
	repo, err := repositories.Get(ctx, st, in.RepositoryName)
	if err != nil {
		return nil, err
	}
	if in.ImageManifest == "" {
		return nil, awserr.MissingParameter("imageManifest")
	}
	if !json.Valid([]byte(in.ImageManifest)) {
		return nil, awserr.InvalidArgument("Invalid parameter at 'ImageManifest' failed to satisfy constraint: 'Invalid JSON syntax'").
			WithCode("InvalidParameterException")
	}
	if in.ImageTag != "" && !tagPattern.MatchString(in.ImageTag) {
		return nil, invalidParameter("Invalid parameter at 'imageTag' failed to satisfy constraint: 'must satisfy regular expression '%s''", tagPattern.String())
	}
	hash, err := st.Blobs.PutBytes([]byte(in.ImageManifest))
	if err != nil {
		return nil, awserr.Internal(err)
	}
	digest := digestPrefix + hash
	if in.ImageDigest != "" && in.ImageDigest != digest {
		return nil, awserr.InvalidArgument(fmt.Sprintf("Manifest does not match the provided digest %s", in.ImageDigest)).
			WithCode("ImageDigestDoesNotMatchException")
	}
	mediaType := in.ImageManifestMediaType
	if mediaType == "" {
		var manifest struct {
			MediaType string `json:"mediaType"`
		}
		_ = json.Unmarshal([]byte(in.ImageManifest), &manifest)
		mediaType = manifest.MediaType
	}
	if mediaType == "" {
		mediaType = defaultManifestType
	}

	if in.ImageTag != "" {
		holders, err := images.List(ctx, st, models.ResourceFilter{Parent: repo.ID})
		if err != nil {
			return nil, err
		}
		for _, h := range holders {
			if !slices.Contains(h.Data.Tags, in.ImageTag) {
				continue
			}
			if digestOf(h) == digest {
				return nil, awserr.InvalidArgument(fmt.Sprintf("Image with digest '%s' and tag '%s' already exists in the repository with name '%s'",
					digest, in.ImageTag, repo.ID)).WithCode("ImageAlreadyExistsException")
			}
			if repo.Data.TagMutability == tagImmutable {
				return nil, awserr.InvalidArgument(fmt.Sprintf("The image tag '%s' already exists in the '%s' repository and cannot be overwritten because the repository is immutable.",
					in.ImageTag, repo.ID)).WithCode("ImageTagAlreadyExistsException")
			}
			if _, err := images.Update(ctx, st, h.ID, func(r *resource.Record[imageAttrs]) error {
				r.Data.Tags = slices.DeleteFunc(r.Data.Tags, func(t string) bool { return t == in.ImageTag })
				return nil
			}); err != nil {
				return nil, err
			}
		}
	}

	key := imageKey(repo.ID, digest)
	_, err = images.Update(ctx, st, key, func(r *resource.Record[imageAttrs]) error {
		if in.ImageTag != "" {
			r.Data.Tags = append(r.Data.Tags, in.ImageTag)
		}
		return nil
	})
	if awserr.IsKind(err, awserr.KindNotFound) {
		attrs := imageAttrs{MediaType: mediaType, Size: jsonSize([]byte(in.ImageManifest))}
		if in.ImageTag != "" {
			attrs.Tags = []string{in.ImageTag}
		}
		rec := images.New(st, key, "", st.ARN(service, "repository/"+repo.ID), attrs)
		rec.Parent = repo.ID
		err = images.Create(ctx, st, rec)
	}
	if err != nil {
		return nil, err
	}
	log.Debug().Str("repository", repo.ID).Str("digest", digest).Str("tag", in.ImageTag).Msg("ECR image pushed")
	return api.Reply(req, imageOutput{Image: image{
		RegistryID:             st.AccountID(),
		RepositoryName:         repo.ID,
		ImageID:                imageID{ImageDigest: digest, ImageTag: in.ImageTag},
		ImageManifest:          in.ImageManifest,
		ImageManifestMediaType: mediaType,
	}})
}

type listImagesInput struct {
	RegistryID     string `json:"registryId"`
	RepositoryName string `json:"repositoryName"`
	MaxResults     int    `json:"maxResults"`
	NextToken      string `json:"nextToken"`
	Filter         struct {
		TagStatus string `json:"tagStatus"`
	} `json:"filter"`
}

type listImagesOutput struct {
	ImageIDs  []imageID `json:"imageIds"`
	NextToken string    `json:"nextToken,omitempty"`
}

// listImages returns one id per tag, and a digest-only id for untagged images.
func listImages(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listImagesInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := checkRegistry(st, in.RegistryID); err != nil {
		return nil, err
	}
	repo, err := repositories.Get(ctx, st, in.RepositoryName)
	if err != nil {
		return nil, err
	}
	status := in.Filter.TagStatus
	if status != "" && status != "TAGGED" && status != "UNTAGGED" && status != "ANY" {
		return nil, invalidParameter("tagStatus must be TAGGED, UNTAGGED or ANY")
	}
	records, err := images.List(ctx, st, models.ResourceFilter{Parent: repo.ID})
	if err != nil {
		return nil, err
	}
	ids := []imageID{}
	for _, rec := range records {
		digest := digestOf(rec)
		if len(rec.Data.Tags) == 0 && status != "TAGGED" {
			ids = append(ids, imageID{ImageDigest: digest})
		}
		if status == "UNTAGGED" {
			continue
		}
		for _, t := range rec.Data.Tags {
			ids = append(ids, imageID{ImageDigest: digest, ImageTag: t})
		}
	}
	ids, next, err := page(ids, in.NextToken, in.MaxResults, func(id imageID) string { return id.ImageDigest + ":" + id.ImageTag })
	if err != nil {
		return nil, err
	}
	return api.Reply(req, listImagesOutput{ImageIDs: ids, NextToken: next})
}

type imageDetail struct {
	RegistryID             string   `json:"registryId"`
	RepositoryName         string   `json:"repositoryName"`
	ImageDigest            string   `json:"imageDigest"`
	ImageTags              []string `json:"imageTags,omitempty"`
	ImageSizeInBytes       int64    `json:"imageSizeInBytes"`
	ImagePushedAt          float64  `json:"imagePushedAt"`
	ImageManifestMediaType string   `json:"imageManifestMediaType"`
}

type describeImagesInput struct {
	RegistryID     string    `json:"registryId"`
	RepositoryName string    `json:"repositoryName"`
	ImageIDs       []imageID `json:"imageIds"`
	MaxResults     int       `json:"maxResults"`
	NextToken      string    `json:"nextToken"`
}

type describeImagesOutput struct {
	ImageDetails []imageDetail `json:"imageDetails"`
	NextToken    string        `json:"nextToken,omitempty"`
}

func describeImages(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in describeImagesInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := checkRegistry(st, in.RegistryID); err != nil {
		return nil, err
	}
	repo, err := repositories.Get(ctx, st, in.RepositoryName)
	if err != nil {
		return nil, err
	}
	var records []*resource.Record[imageAttrs]
	if len(in.ImageIDs) == 0 {
		if records, err = images.List(ctx, st, models.ResourceFilter{Parent: repo.ID}); err != nil {
			return nil, err
		}
	}
	for _, id := range in.ImageIDs {
		rec, err := findImage(ctx, st, repo.ID, id)
		if awserr.IsKind(err, awserr.KindNotFound) {
			return nil, awserr.InvalidArgument(fmt.Sprintf("The image with imageId %s does not exist within the repository with name '%s'",
				id.ImageDigest+id.ImageTag, repo.ID)).WithCode("ImageNotFoundException")
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	records, next, err := page(records, in.NextToken, in.MaxResults, func(r *resource.Record[imageAttrs]) string { return r.ID })
	if err != nil {
		return nil, err
	}
	out := describeImagesOutput{ImageDetails: []imageDetail{}, NextToken: next}
	for _, rec := range records {
		out.ImageDetails = append(out.ImageDetails, imageDetail{
			RegistryID:             st.AccountID(),
			RepositoryName:         repo.ID,
			ImageDigest:            digestOf(rec),
			ImageTags:              rec.Data.Tags,
			ImageSizeInBytes:       rec.Data.Size,
			ImagePushedAt:          wire.Epoch(rec.CreatedAt),
			ImageManifestMediaType: rec.Data.MediaType,
		})
	}
	return api.Reply(req, out)
}

type batchImagesInput struct {
	RegistryID     string    `json:"registryId"`
	RepositoryName string    `json:"repositoryName"`
	ImageIDs       []imageID `json:"imageIds"`
}

// readBatch decodes a batch request and resolves its repository.
func readBatch(ctx context.Context, st *api.State, req *api.Request) (batchImagesInput, *resource.Record[repositoryAttrs], error) {
	var in batchImagesInput
	if err := req.DecodeJSON(&in); err != nil {
		return in, nil, err
	}
	if err := checkRegistry(st, in.RegistryID); err != nil {
		return in, nil, err
	}
	if len(in.ImageIDs) == 0 || len(in.ImageIDs) > maxBatchImages {
		return in, nil, invalidParameter("imageIds must hold between 1 and 100 items")
	}
	repo, err := repositories.Get(ctx, st, in.RepositoryName)
	return in, repo, err
}

type batchGetImageOutput struct {
	Images   []image        `json:"images"`
	Failures []imageFailure `json:"failures"`
}

// batchGetImage returns manifests read back from the blob store.
func batchGetImage(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	in, repo, err := readBatch(ctx, st, req)
	if err != nil {
		return nil, err
	}
	out := batchGetImageOutput{Images: []image{}, Failures: []imageFailure{}}
	for _, id := range in.ImageIDs {
		rec, err := findImage(ctx, st, repo.ID, id)
		if err != nil {
			f, err := notFoundFailure(id, err)
			if err != nil {
				return nil, err
			}
			out.Failures = append(out.Failures, f)
			continue
		}
		digest := digestOf(rec)
		manifest, err := st.Blobs.Get(strings.TrimPrefix(digest, digestPrefix))
		if err != nil {
			return nil, awserr.Internal(err)
		}
		out.Images = append(out.Images, image{
			RegistryID:             st.AccountID(),
			RepositoryName:         repo.ID,
			ImageID:                imageID{ImageDigest: digest, ImageTag: id.ImageTag},
			ImageManifest:          string(manifest),
			ImageManifestMediaType: rec.Data.MediaType,
		})
	}
	return api.Reply(req, out)
}

type batchDeleteImageOutput struct {
	ImageIDs []imageID      `json:"imageIds"`
	Failures []imageFailure `json:"failures"`
}

// batchDeleteImage removes a whole image when addressed by digest. Addressed by tag, it drops the
// tag and deletes the image only once no tag is left.
func batchDeleteImage(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	in, repo, err := readBatch(ctx, st, req)
	if err != nil {
		return nil, err
	}
	out := batchDeleteImageOutput{ImageIDs: []imageID{}, Failures: []imageFailure{}}
	for _, id := range in.ImageIDs {
		rec, err := findImage(ctx, st, repo.ID, id)
		if err != nil {
			f, err := notFoundFailure(id, err)
			if err != nil {
				return nil, err
			}
			out.Failures = append(out.Failures, f)
			continue
		}
		digest := digestOf(rec)
		remaining := slices.DeleteFunc(slices.Clone(rec.Data.Tags), func(t string) bool { return t == id.ImageTag })
		if id.ImageDigest != "" || len(remaining) == 0 {
			if err := images.Delete(ctx, st, rec.ID); err != nil {
				return nil, err
			}
			if len(rec.Data.Tags) == 0 {
				out.ImageIDs = append(out.ImageIDs, imageID{ImageDigest: digest})
			}
			for _, t := range rec.Data.Tags {
				out.ImageIDs = append(out.ImageIDs, imageID{ImageDigest: digest, ImageTag: t})
			}
			continue
		}
		if _, err := images.Update(ctx, st, rec.ID, func(r *resource.Record[imageAttrs]) error {
			r.Data.Tags = remaining
			return nil
		}); err != nil {
			return nil, err
		}
		out.ImageIDs = append(out.ImageIDs, imageID{ImageDigest: digest, ImageTag: id.ImageTag})
	}
	log.Debug().Str("repository", repo.ID).Int("deleted", len(out.ImageIDs)).Msg("ECR images deleted")
	return api.Reply(req, out)
}
