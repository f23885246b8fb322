package ecr

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api"
	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/wire"
)

const manifest = `{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json",` +
	`"config":{"size":100},"layers":[{"size":1000},{"size":24}]}`

type ECRTestSuite struct {
	suite.Suite
	st  *api.State
	ctx context.Context
}

func TestECRTestSuite(t *testing.T) {
	suite.Run(t, new(ECRTestSuite))
}

func (s *ECRTestSuite) SetupTest() {
	s.st = apitest.NewState(s.T())
	s.ctx = context.Background()
}

func (s *ECRTestSuite) request(op string, body any) *api.Request {
	return apitest.JSON(s.T(), service, op, wire.JSON11, body)
}

func (s *ECRTestSuite) call(h api.HandlerFunc, op string, body, out any) {
	resp := apitest.Call(s.T(), s.st, h, s.request(op, body))
	if out != nil {
		apitest.DecodeJSON(s.T(), resp, out)
	}
}

func (s *ECRTestSuite) fail(h api.HandlerFunc, op string, body any) *awserr.Error {
	resp, err := h(s.ctx, s.st, s.request(op, body))
	s.Require().Error(err)
	s.Nil(resp)
	return awserr.From(err)
}

func (s *ECRTestSuite) createRepo(name string, extra map[string]any) repository {
	body := map[string]any{"repositoryName": name}
	for k, v := range extra {
		body[k] = v
	}
	var out repositoryOutput
	s.call(createRepository, "CreateRepository", body, &out)
	return out.Repository
}

func (s *ECRTestSuite) push(repo, body, tag string) image {
	var out imageOutput
	s.call(putImage, "PutImage", map[string]string{"repositoryName": repo, "imageManifest": body, "imageTag": tag}, &out)
	return out.Image
}

func digest(body string) string {
	sum := sha256.Sum256([]byte(body))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (s *ECRTestSuite) TestRepositories() {
	repo := s.createRepo("team/app", nil)
	s.Equal("arn:aws:ecr:us-east-1:000000000000:repository/team/app", repo.RepositoryArn)
	s.Equal("000000000000.dkr.ecr.us-east-1.amazonaws.com/team/app", repo.RepositoryURI)
	s.Equal("MUTABLE", repo.ImageTagMutability)
	s.Equal("AES256", repo.EncryptionConfiguration.EncryptionType)
	s.createRepo("base", map[string]any{"imageTagMutability": "IMMUTABLE"})

	e := s.fail(createRepository, "CreateRepository", map[string]string{"repositoryName": "team/app"})
	s.Equal("RepositoryAlreadyExistsException", e.ErrorCode())
	e = s.fail(createRepository, "CreateRepository", map[string]string{"repositoryName": "Upper"})
	s.Equal("InvalidParameterException", e.ErrorCode())

	var all describeRepositoriesOutput
	s.call(describeRepositories, "DescribeRepositories", nil, &all)
	s.Len(all.Repositories, 2)
	s.call(describeRepositories, "DescribeRepositories", map[string]int{"maxResults": 1}, &all)
	s.Require().Len(all.Repositories, 1)
	s.Equal("team/app", all.Repositories[0].RepositoryName)
	s.Equal("base", all.NextToken)

	e = s.fail(describeRepositories, "DescribeRepositories", map[string]any{"repositoryNames": []string{"base", "ghost"}})
	s.Equal("RepositoryNotFoundException", e.ErrorCode())

	s.push("team/app", manifest, "v1")
	e = s.fail(deleteRepository, "DeleteRepository", map[string]string{"repositoryName": "team/app"})
	s.Equal("RepositoryNotEmptyException", e.ErrorCode())
	var deleted repositoryOutput
	s.call(deleteRepository, "DeleteRepository", map[string]any{"repositoryName": "team/app", "force": true}, &deleted)
	s.Equal("team/app", deleted.Repository.RepositoryName)
	e = s.fail(listImages, "ListImages", map[string]string{"repositoryName": "team/app"})
	s.Equal("RepositoryNotFoundException", e.ErrorCode())
}

func (s *ECRTestSuite) TestAuthorizationToken() {
	var out authorizationOutput
	s.call(getAuthorizationToken, "GetAuthorizationToken", nil, &out)
	s.Require().Len(out.AuthorizationData, 1)
	auth := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(auth.AuthorizationToken)
	s.Require().NoError(err)
	s.True(strings.HasPrefix(string(decoded), "AWS:"))
	s.Equal("https://000000000000.dkr.ecr.us-east-1.amazonaws.com", auth.ProxyEndpoint)
	s.Greater(auth.ExpiresAt, wire.Epoch(s.st.Now()))
}

func (s *ECRTestSuite) TestImages() {
	s.createRepo("app", nil)
	pushed := s.push("app", manifest, "v1")
	s.Equal(digest(manifest), pushed.ImageID.ImageDigest)
	s.Equal("application/vnd.oci.image.manifest.v1+json", pushed.ImageManifestMediaType)

	stored, err := s.st.Blobs.Get(strings.TrimPrefix(pushed.ImageID.ImageDigest, "sha256:"))
	s.Require().NoError(err)
	s.Equal(manifest, string(stored))

	s.push("app", manifest, "latest")
	e := s.fail(putImage, "PutImage", map[string]string{"repositoryName": "app", "imageManifest": manifest, "imageTag": "v1"})
	s.Equal("ImageAlreadyExistsException", e.ErrorCode())
	e = s.fail(putImage, "PutImage", map[string]string{"repositoryName": "app", "imageManifest": "{not json"})
	s.Equal("InvalidParameterException", e.ErrorCode())

	second := `{"schemaVersion":2,"layers":[]}`
	s.push("app", second, "latest")

	var list listImagesOutput
	s.call(listImages, "ListImages", map[string]string{"repositoryName": "app"}, &list)
	s.ElementsMatch([]imageID{
		{ImageDigest: digest(manifest), ImageTag: "v1"},
		{ImageDigest: digest(second), ImageTag: "latest"},
	}, list.ImageIDs)

	var details describeImagesOutput
	s.call(describeImages, "DescribeImages", map[string]any{
		"repositoryName": "app",
		"imageIds":       []map[string]string{{"imageTag": "v1"}},
	}, &details)
	s.Require().Len(details.ImageDetails, 1)
	s.Equal(int64(1124), details.ImageDetails[0].ImageSizeInBytes)
	s.Equal([]string{"v1"}, details.ImageDetails[0].ImageTags)

	var got batchGetImageOutput
	s.call(batchGetImage, "BatchGetImage", map[string]any{
		"repositoryName": "app",
		"imageIds":       []map[string]string{{"imageTag": "latest"}, {"imageTag": "nope"}},
	}, &got)
	s.Require().Len(got.Images, 1)
	s.Equal(second, got.Images[0].ImageManifest)
	s.Require().Len(got.Failures, 1)
	s.Equal("ImageNotFound", got.Failures[0].FailureCode)

	var removed batchDeleteImageOutput
	s.call(batchDeleteImage, "BatchDeleteImage", map[string]any{
		"repositoryName": "app",
		"imageIds":       []map[string]string{{"imageTag": "v1"}},
	}, &removed)
	s.Equal([]imageID{{ImageDigest: digest(manifest), ImageTag: "v1"}}, removed.ImageIDs)
	s.call(listImages, "ListImages", map[string]string{"repositoryName": "app"}, &list)
	s.Equal([]imageID{{ImageDigest: digest(second), ImageTag: "latest"}}, list.ImageIDs)

	s.call(batchDeleteImage, "BatchDeleteImage", map[string]any{
		"repositoryName": "app",
		"imageIds":       []map[string]string{{"imageDigest": digest(second)}, {"imageDigest": digest(manifest)}},
	}, &removed)
	s.Len(removed.ImageIDs, 1)
	s.Len(removed.Failures, 1)
}

func (s *ECRTestSuite) TestImmutableTags() {
	s.createRepo("locked", map[string]any{"imageTagMutability": "IMMUTABLE"})
	s.push("locked", manifest, "v1")
	e := s.fail(putImage, "PutImage", map[string]string{
		"repositoryName": "locked", "imageManifest": `{"schemaVersion":2}`, "imageTag": "v1",
	})
	s.Equal("ImageTagAlreadyExistsException", e.ErrorCode())

	untagged := `{"schemaVersion":2,"config":{"size":7}}`
	s.push("locked", untagged, "")
	var list listImagesOutput
	s.call(listImages, "ListImages", map[string]any{"repositoryName": "locked", "filter": map[string]string{"tagStatus": "UNTAGGED"}}, &list)
	s.Equal([]imageID{{ImageDigest: digest(untagged)}}, list.ImageIDs)
}
