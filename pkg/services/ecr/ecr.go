// Package ecr implements the ECR registry control plane over AWS-JSON 1.1. Image manifests
// are kept in the blob store, so an image digest is the blob hash of its manifest. Layers are
// never uploaded; only manifests are.
package ecr

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/goccy/go-json"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

const service = "ecr"

const (
	defaultMaxResults = 100
	maxBatchImages    = 100
	tokenLifetime     = 12 * time.Hour

	tagMutable   = "MUTABLE"
	tagImmutable = "IMMUTABLE"

	defaultManifestType = "application/vnd.docker.distribution.manifest.v2+json"
)

var (
	repositoryPattern = regexp.MustCompile(`^(?:[a-z0-9]+(?:[._-][a-z0-9]+)*/)*[a-z0-9]+(?:[._-][a-z0-9]+)*$`)
	tagPattern        = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]{0,127}$`)
)

// Register adds the ECR operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateRepository":      createRepository,
		"DescribeRepositories":  describeRepositories,
		"DeleteRepository":      deleteRepository,
		"GetAuthorizationToken": getAuthorizationToken,
		"PutImage":              putImage,
		"ListImages":            listImages,
		"DescribeImages":        describeImages,
		"BatchGetImage":         batchGetImage,
		"BatchDeleteImage":      batchDeleteImage,
	})
}

func invalidParameter(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("InvalidParameterException")
}

func registryHost(st *api.State) string {
	return st.AccountID() + ".dkr.ecr." + st.Region() + ".amazonaws.com"
}

type repositoryAttrs struct {
	TagMutability string `json:"tag_mutability"`
	ScanOnPush    bool   `json:"scan_on_push,omitempty"`
	Encryption    string `json:"encryption"`
	Tags          []tag  `json:"tags,omitempty"`
}

var repositories = resource.Kind[repositoryAttrs]{
	Service: service,
	Kind:    "repository",
	NotFound: func(name string) *awserr.Error {
		return awserr.InvalidArgument(fmt.Sprintf("The repository with name '%s' does not exist in the registry", name)).
			WithCode("RepositoryNotFoundException")
	},
	Exists: func(name string) *awserr.Error {
		return awserr.InvalidArgument(fmt.Sprintf("The repository with name '%s' already exists in the registry", name)).
			WithCode("RepositoryAlreadyExistsException")
	},
}

type tag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

type scanningConfiguration struct {
	ScanOnPush bool `json:"scanOnPush"`
}

type encryptionConfiguration struct {
	EncryptionType string `json:"encryptionType"`
}

type repository struct {
	RepositoryArn              string                  `json:"repositoryArn"`
	RegistryID                 string                  `json:"registryId"`
	RepositoryName             string                  `json:"repositoryName"`
	RepositoryURI              string                  `json:"repositoryUri"`
	CreatedAt                  float64                 `json:"createdAt"`
	ImageTagMutability         string                  `json:"imageTagMutability"`
	ImageScanningConfiguration scanningConfiguration   `json:"imageScanningConfiguration"`
	EncryptionConfiguration    encryptionConfiguration `json:"encryptionConfiguration"`
}

func describeRepository(st *api.State, rec *resource.Record[repositoryAttrs]) repository {
	return repository{
		RepositoryArn:              rec.ARN,
		RegistryID:                 st.AccountID(),
		RepositoryName:             rec.ID,
		RepositoryURI:              registryHost(st) + "/" + rec.ID,
		CreatedAt:                  wire.Epoch(rec.CreatedAt),
		ImageTagMutability:         rec.Data.TagMutability,
		ImageScanningConfiguration: scanningConfiguration{ScanOnPush: rec.Data.ScanOnPush},
		EncryptionConfiguration:    encryptionConfiguration{EncryptionType: rec.Data.Encryption},
	}
}

// checkRegistry rejects registry ids other than the emulated account.
func checkRegistry(st *api.State, registryID string) error {
	if registryID != "" && registryID != st.AccountID() {
		return invalidParameter("Invalid parameter at 'registryId' failed to satisfy constraint: 'must be the caller account'")
	}
	return nil
}

type createRepositoryInput struct {
	RegistryID                 string                   `json:"registryId"`
	RepositoryName             string                   `json:"repositoryName"`
	ImageTagMutability         string                   `json:"imageTagMutability"`
	ImageScanningConfiguration *scanningConfiguration   `json:"imageScanningConfiguration"`
	EncryptionConfiguration    *encryptionConfiguration `json:"encryptionConfiguration"`
	Tags                       []tag                    `json:"tags"`
}

type repositoryOutput struct {
	Repository repository `json:"repository"`
}

func createRepository(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createRepositoryInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := checkRegistry(st, in.RegistryID); err != nil {
		return nil, err
	}
	if len(in.RepositoryName) < 2 || len(in.RepositoryName) > 256 || !repositoryPattern.MatchString(in.RepositoryName) {
		return nil, invalidParameter("Invalid parameter at 'repositoryName' failed to satisfy constraint: 'must satisfy regular expression '%s''",
			repositoryPattern.String())
	}
	attrs := repositoryAttrs{TagMutability: in.ImageTagMutability, Encryption: "AES256", Tags: in.Tags}
	switch attrs.TagMutability {
	case "":
		attrs.TagMutability = tagMutable
	case tagMutable, tagImmutable:
	default:
		return nil, invalidParameter("imageTagMutability must be MUTABLE or IMMUTABLE")
	}
	if in.ImageScanningConfiguration != nil {
		attrs.ScanOnPush = in.ImageScanningConfiguration.ScanOnPush
	}
	if in.EncryptionConfiguration != nil && in.EncryptionConfiguration.EncryptionType != "" {
		attrs.Encryption = in.EncryptionConfiguration.EncryptionType
	}
	rec := repositories.New(st, in.RepositoryName, in.RepositoryName, st.ARN(service, "repository/"+in.RepositoryName), attrs)
	if err := repositories.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	log.Debug().Str("repository", rec.ID).Msg("ECR repository created")
	return api.Reply(req, repositoryOutput{Repository: describeRepository(st, rec)})
}

type describeRepositoriesInput struct {
	RegistryID      string   `json:"registryId"`
	RepositoryNames []string `json:"repositoryNames"`
	MaxResults      int      `json:"maxResults"`
	NextToken       string   `json:"nextToken"`
}

type describeRepositoriesOutput struct {
	Repositories []repository `json:"repositories"`
	NextToken    string       `json:"nextToken,omitempty"`
}

// describeRepositories fails on the first named repository that does not exist.
func describeRepositories(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in describeRepositoriesInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := checkRegistry(st, in.RegistryID); err != nil {
		return nil, err
	}
	if len(in.RepositoryNames) > 0 && (in.MaxResults != 0 || in.NextToken != "") {
		return nil, invalidParameter("maxResults and nextToken cannot be used with repositoryNames")
	}
	records, err := repositories.List(ctx, st, models.ResourceFilter{IDs: in.RepositoryNames})
	if err != nil {
		return nil, err
	}
	for _, name := range in.RepositoryNames {
		if !slices.ContainsFunc(records, func(r *resource.Record[repositoryAttrs]) bool { return r.ID == name }) {
			return nil, repositories.NotFound(name)
		}
	}
	records, next, err := page(records, in.NextToken, in.MaxResults, func(r *resource.Record[repositoryAttrs]) string { return r.ID })
	if err != nil {
		return nil, err
	}
	out := describeRepositoriesOutput{Repositories: []repository{}, NextToken: next}
	for _, rec := range records {
		out.Repositories = append(out.Repositories, describeRepository(st, rec))
	}
	return api.Reply(req, out)
}

type deleteRepositoryInput struct {
	RegistryID     string `json:"registryId"`
	RepositoryName string `json:"repositoryName"`
	Force          bool   `json:"force"`
}

// deleteRepository refuses a repository that still holds images unless force is set.
func deleteRepository(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in deleteRepositoryInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := checkRegistry(st, in.RegistryID); err != nil {
		return nil, err
	}
	rec, err := repositories.Get(ctx, st, in.RepositoryName)
	if err != nil {
		return nil, err
	}
	n, err := st.Meta.CountChildren(ctx, service, images.Kind, rec.ID)
	if err != nil {
		return nil, err
	}
	if n > 0 && !in.Force {
		return nil, awserr.InvalidArgument(fmt.Sprintf(
			"The repository with name '%s' in registry with id '%s' cannot be deleted because it still contains images",
			rec.ID, st.AccountID())).WithCode("RepositoryNotEmptyException")
	}
	if _, err := st.Meta.DeleteChildren(ctx, service, images.Kind, rec.ID); err != nil {
		return nil, err
	}
	if err := repositories.Delete(ctx, st, rec.ID); err != nil {
		return nil, err
	}
	log.Debug().Str("repository", rec.ID).Int64("images", n).Msg("ECR repository deleted")
	return api.Reply(req, repositoryOutput{Repository: describeRepository(st, rec)})
}

type authorizationData struct {
	AuthorizationToken string  `json:"authorizationToken"`
	ExpiresAt          float64 `json:"expiresAt"`
	ProxyEndpoint      string  `json:"proxyEndpoint"`
}

type authorizationOutput struct {
	AuthorizationData []authorizationData `json:"authorizationData"`
}

// getAuthorizationToken hands out a docker login token for user AWS. Nothing ever checks it.
func getAuthorizationToken(_ context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	token := base64.StdEncoding.EncodeToString([]byte("AWS:" + awsid.Token(32)))
	return api.Reply(req, authorizationOutput{AuthorizationData: []authorizationData{{
		AuthorizationToken: token,
		ExpiresAt:          wire.Epoch(st.Now().Add(tokenLifetime)),
		ProxyEndpoint:      "https://" + registryHost(st),
	}}})
}

// page cuts a maxResults page out of items. The token is the key of the first item of the next
// page.
func page[T any](items []T, token string, maxResults int, key func(T) string) ([]T, string, error) {
	if maxResults == 0 {
		maxResults = defaultMaxResults
	}
	if maxResults < 1 || maxResults > 1000 {
		return nil, "", invalidParameter("maxResults must be between 1 and 1000")
	}
	if token != "" {
		i := slices.IndexFunc(items, func(v T) bool { return key(v) == token })
		if i < 0 {
			return nil, "", invalidParameter("Invalid NextToken")
		}
		items = items[i:]
	}
	if len(items) > maxResults {
		return items[:maxResults], key(items[maxResults]), nil
	}
	return items, "", nil
}

// jsonSize is the byte count a manifest reports for its layers and config.
func jsonSize(manifest []byte) int64 {
	var m struct {
		Config struct {
			Size int64 `json:"size"`
		} `json:"config"`
		Layers []struct {
			Size int64 `json:"size"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(manifest, &m); err != nil {
		return int64(len(manifest))
	}
	size := m.Config.Size
	for _, l := range m.Layers {
		size += l.Size
	}
	return size
}
